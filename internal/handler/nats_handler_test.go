package handler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/pesio-ai/be-itsm-approvals/internal/logger"
	"github.com/pesio-ai/be-itsm-approvals/internal/repository"
	"github.com/pesio-ai/be-itsm-approvals/internal/service"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testReply struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error *ReplyError     `json:"error"`
}

func newTestHandler(t *testing.T) (*NATSHandler, *repository.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	store := repository.NewMemoryStore("itsm-admins")

	amount := int64(100)
	store.PutSubject(&repository.Subject{
		Ref:       repository.SubjectRef{Kind: repository.KindPurchaseRequest, ID: 42},
		Status:    repository.SubjectDraft,
		Amount:    &amount,
		CreatedBy: "creator",
		Reference: "PR-2026-0042",
	})
	require.NoError(t, store.CreateRule(ctx, &repository.Rule{
		Name:     "Budget owner",
		Order:    10,
		RuleType: repository.KindPurchaseRequest,
		IsActive: true,
		Approver: repository.UserApprover("user1"),
		Scope:    repository.RuleScope{AllDepartments: true, AllProjects: true},
	}))
	require.NoError(t, store.CreateRule(ctx, &repository.Rule{
		Name:     "Finance",
		Order:    20,
		RuleType: repository.KindPurchaseRequest,
		IsActive: true,
		Approver: repository.GroupApprover("finance"),
		Scope:    repository.RuleScope{AllDepartments: true, AllProjects: true},
	}))
	require.NoError(t, store.AddMember(ctx, "finance", "member1"))

	require.NoError(t, store.AddMember(ctx, "itsm-admins", "boss"))

	engine := service.NewApprovalEngine(store, store, store, store, nil, logger.Nop(),
		service.WithClock(func() time.Time { return testNow }))
	admin := service.NewAdminService(store, store, store, store, logger.Nop())
	return NewNATSHandler(engine, admin, "itsm.approvals", "itsm-approvals", time.Second, zerolog.Nop()), store
}

func call(t *testing.T, h *NATSHandler, command string, req any) testReply {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)

	var reply testReply
	require.NoError(t, json.Unmarshal(h.Handle(context.Background(), command, data), &reply))
	return reply
}

func TestNATSHandler_EvaluateAndDecide(t *testing.T) {
	h, _ := newTestHandler(t)

	reply := call(t, h, CommandEvaluate, EvaluateRequest{SubjectRequest: SubjectRequest{Kind: "purchase_request", ID: 42}, Actor: "creator"})
	require.True(t, reply.OK, "%+v", reply.Error)

	var evaluated EvaluateReply
	require.NoError(t, json.Unmarshal(reply.Data, &evaluated))
	assert.Equal(t, "pending_approval", evaluated.Status)
	assert.Equal(t, "draft", evaluated.StatusBefore)
	require.Len(t, evaluated.Steps, 2)
	assert.Equal(t, "user1", evaluated.Steps[0].ApproverUserID)
	assert.Equal(t, "finance", evaluated.Steps[1].ApproverGroupID)

	reply = call(t, h, CommandDecide, DecideRequest{StepID: evaluated.Steps[0].ID, Actor: "user1", Decision: "approve"})
	require.True(t, reply.OK, "%+v", reply.Error)
	var decided DecideReply
	require.NoError(t, json.Unmarshal(reply.Data, &decided))
	assert.Equal(t, "pending_approval", decided.SubjectStatus)
	assert.Equal(t, "approved", decided.Step.Status)

	reply = call(t, h, CommandDecide, DecideRequest{StepID: evaluated.Steps[1].ID, Actor: "member1", Decision: "approve"})
	require.True(t, reply.OK, "%+v", reply.Error)
	require.NoError(t, json.Unmarshal(reply.Data, &decided))
	assert.Equal(t, "approved", decided.SubjectStatus)
	require.NotNil(t, decided.Step.DecidedBy)
	assert.Equal(t, "member1", *decided.Step.DecidedBy)
}

func TestNATSHandler_RejectCascades(t *testing.T) {
	h, _ := newTestHandler(t)
	reply := call(t, h, CommandEvaluate, EvaluateRequest{SubjectRequest: SubjectRequest{Kind: "purchase_request", ID: 42}})
	require.True(t, reply.OK)
	var evaluated EvaluateReply
	require.NoError(t, json.Unmarshal(reply.Data, &evaluated))

	reply = call(t, h, CommandDecide, DecideRequest{StepID: evaluated.Steps[0].ID, Actor: "user1", Decision: "reject", Comments: "insufficient budget"})
	require.True(t, reply.OK, "%+v", reply.Error)

	var decided DecideReply
	require.NoError(t, json.Unmarshal(reply.Data, &decided))
	assert.Equal(t, "rejected", decided.SubjectStatus)
	assert.Equal(t, []int64{evaluated.Steps[1].ID}, decided.Skipped)
}

func TestNATSHandler_ErrorCodes(t *testing.T) {
	h, _ := newTestHandler(t)
	reply := call(t, h, CommandEvaluate, EvaluateRequest{SubjectRequest: SubjectRequest{Kind: "purchase_request", ID: 42}})
	require.True(t, reply.OK)
	var evaluated EvaluateReply
	require.NoError(t, json.Unmarshal(reply.Data, &evaluated))
	first := evaluated.Steps[0].ID

	tests := []struct {
		name    string
		command string
		req     any
		code    string
	}{
		{"reject without comments", CommandDecide, DecideRequest{StepID: first, Actor: "user1", Decision: "reject"}, "VALIDATION"},
		{"unknown decision", CommandDecide, DecideRequest{StepID: first, Actor: "user1", Decision: "maybe"}, "VALIDATION"},
		{"wrong approver", CommandDecide, DecideRequest{StepID: first, Actor: "intruder", Decision: "approve"}, "UNAUTHORIZED"},
		{"unknown step", CommandDecide, DecideRequest{StepID: 999, Actor: "user1", Decision: "approve"}, "NOT_FOUND"},
		{"missing subject kind", CommandEvaluate, EvaluateRequest{SubjectRequest: SubjectRequest{ID: 42}}, "VALIDATION"},
		{"steps of unknown subject", CommandSteps, SubjectRequest{Kind: "purchase_request", ID: 7}, ""},
		{"re-evaluate without force", CommandEvaluate, EvaluateRequest{SubjectRequest: SubjectRequest{Kind: "purchase_request", ID: 42}}, ""},
		{"missing pending user", CommandPending, PendingRequest{}, "VALIDATION"},
		{"unknown command", "explode", struct{}{}, "VALIDATION"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := call(t, h, tt.command, tt.req)
			if tt.code == "" {
				assert.True(t, reply.OK)
				return
			}
			require.False(t, reply.OK)
			require.NotNil(t, reply.Error)
			assert.Equal(t, tt.code, reply.Error.Code)
			assert.NotEmpty(t, reply.Error.Message)
		})
	}
}

func TestNATSHandler_DoubleDecideConflicts(t *testing.T) {
	h, _ := newTestHandler(t)
	reply := call(t, h, CommandEvaluate, EvaluateRequest{SubjectRequest: SubjectRequest{Kind: "purchase_request", ID: 42}})
	var evaluated EvaluateReply
	require.NoError(t, json.Unmarshal(reply.Data, &evaluated))

	req := DecideRequest{StepID: evaluated.Steps[0].ID, Actor: "user1", Decision: "approve"}
	require.True(t, call(t, h, CommandDecide, req).OK)

	reply = call(t, h, CommandDecide, req)
	require.False(t, reply.OK)
	assert.Equal(t, "STATE_CONFLICT", reply.Error.Code)
}

func TestNATSHandler_MalformedBody(t *testing.T) {
	h, _ := newTestHandler(t)

	var reply testReply
	require.NoError(t, json.Unmarshal(h.Handle(context.Background(), CommandDecide, []byte("{not json")), &reply))
	require.False(t, reply.OK)
	assert.Equal(t, "VALIDATION", reply.Error.Code)
}

func TestNATSHandler_DelegatePendingCancelHistory(t *testing.T) {
	h, _ := newTestHandler(t)
	subject := SubjectRequest{Kind: "purchase_request", ID: 42}

	reply := call(t, h, CommandEvaluate, EvaluateRequest{SubjectRequest: subject, Actor: "creator"})
	var evaluated EvaluateReply
	require.NoError(t, json.Unmarshal(reply.Data, &evaluated))

	reply = call(t, h, CommandDelegate, DelegateRequest{StepID: evaluated.Steps[0].ID, Actor: "user1", Delegatee: "user2", Reason: "on leave"})
	require.True(t, reply.OK, "%+v", reply.Error)
	var delegated StepView
	require.NoError(t, json.Unmarshal(reply.Data, &delegated))
	assert.Equal(t, "delegated", delegated.Status)
	assert.Equal(t, "user2", delegated.ApproverUserID)
	assert.Equal(t, "user1", delegated.OriginalApprover)

	reply = call(t, h, CommandPending, PendingRequest{UserID: "user2"})
	require.True(t, reply.OK)
	var pending []*StepView
	require.NoError(t, json.Unmarshal(reply.Data, &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, evaluated.Steps[0].ID, pending[0].ID)

	reply = call(t, h, CommandCancel, CancelRequest{SubjectRequest: subject, Actor: "intruder"})
	require.False(t, reply.OK)
	assert.Equal(t, "UNAUTHORIZED", reply.Error.Code)

	reply = call(t, h, CommandCancel, CancelRequest{SubjectRequest: subject, Actor: "creator"})
	require.True(t, reply.OK, "%+v", reply.Error)
	var cancelled CancelReply
	require.NoError(t, json.Unmarshal(reply.Data, &cancelled))
	assert.Equal(t, "cancelled", cancelled.SubjectStatus)
	assert.Len(t, cancelled.Skipped, 2)

	reply = call(t, h, CommandHistory, subject)
	require.True(t, reply.OK)
	var history []*AuditView
	require.NoError(t, json.Unmarshal(reply.Data, &history))
	require.Len(t, history, 3)
	assert.Equal(t, repository.AuditEvaluated, history[0].Action)
	assert.Equal(t, repository.AuditDelegated, history[1].Action)
	assert.Equal(t, repository.AuditCancelled, history[2].Action)
}

func TestNATSHandler_AdminCommands(t *testing.T) {
	h, _ := newTestHandler(t)
	subject := SubjectRequest{Kind: "purchase_request", ID: 42}

	reply := call(t, h, CommandRuleCreate, RuleRequest{Actor: "user1", Name: "CAB", RuleType: "purchase_request", Order: 30, ApproverGroupID: "cab"})
	require.False(t, reply.OK)
	assert.Equal(t, "UNAUTHORIZED", reply.Error.Code)

	reply = call(t, h, CommandRuleCreate, RuleRequest{Actor: "boss", Name: "CAB", RuleType: "purchase_request", Order: 30, AllDepartments: true, AllProjects: true, ApproverGroupID: "cab"})
	require.True(t, reply.OK, "%+v", reply.Error)
	var created RuleView
	require.NoError(t, json.Unmarshal(reply.Data, &created))
	assert.NotZero(t, created.ID)
	assert.True(t, created.IsActive)
	assert.Equal(t, "cab", created.ApproverGroupID)

	reply = call(t, h, CommandGroupAdd, MembershipRequest{Actor: "boss", GroupID: "cab", UserID: "chair"})
	require.True(t, reply.OK, "%+v", reply.Error)

	reply = call(t, h, CommandDelegationCreate, DelegationRequest{
		Actor: "user1", Delegator: "user1", Delegatee: "deputy",
		Start: testNow.Add(-time.Hour), End: testNow.Add(time.Hour),
	})
	require.True(t, reply.OK, "%+v", reply.Error)
	var delegation DelegationView
	require.NoError(t, json.Unmarshal(reply.Data, &delegation))
	assert.True(t, delegation.IsActive)

	reply = call(t, h, CommandEvaluate, EvaluateRequest{SubjectRequest: subject})
	require.True(t, reply.OK, "%+v", reply.Error)
	var evaluated EvaluateReply
	require.NoError(t, json.Unmarshal(reply.Data, &evaluated))
	require.Len(t, evaluated.Steps, 3)
	assert.Equal(t, "deputy", evaluated.Steps[0].ApproverUserID)
	assert.Equal(t, "cab", evaluated.Steps[2].ApproverGroupID)

	reply = call(t, h, CommandPending, PendingRequest{UserID: "chair"})
	require.True(t, reply.OK)
	var pending []*StepView
	require.NoError(t, json.Unmarshal(reply.Data, &pending))
	assert.Len(t, pending, 1)

	inactive := false
	reply = call(t, h, CommandRuleUpdate, RuleRequest{Actor: "boss", ID: created.ID, Name: "CAB", RuleType: "purchase_request", Order: 30, IsActive: &inactive, ApproverGroupID: "cab"})
	require.True(t, reply.OK, "%+v", reply.Error)
	reply = call(t, h, CommandRuleGet, IDRequest{ID: created.ID})
	require.True(t, reply.OK)
	var fetched RuleView
	require.NoError(t, json.Unmarshal(reply.Data, &fetched))
	assert.False(t, fetched.IsActive)

	require.True(t, call(t, h, CommandDelegationDeactivate, IDRequest{Actor: "boss", ID: delegation.ID}).OK)
	require.True(t, call(t, h, CommandGroupRemove, MembershipRequest{Actor: "boss", GroupID: "cab", UserID: "chair"}).OK)
	require.True(t, call(t, h, CommandRuleDelete, IDRequest{Actor: "boss", ID: created.ID}).OK)

	reply = call(t, h, CommandRuleGet, IDRequest{ID: created.ID})
	require.False(t, reply.OK)
	assert.Equal(t, "NOT_FOUND", reply.Error.Code)

	reply = call(t, h, CommandEvaluate, EvaluateRequest{SubjectRequest: subject, Force: true})
	require.True(t, reply.OK, "%+v", reply.Error)
	require.NoError(t, json.Unmarshal(reply.Data, &evaluated))
	require.Len(t, evaluated.Steps, 2)
	assert.Equal(t, "user1", evaluated.Steps[0].ApproverUserID)
}

func TestNATSHandler_CommandSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter), sdktrace.WithSampler(sdktrace.AlwaysSample()))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})

	h, _ := newTestHandler(t)
	require.True(t, call(t, h, CommandEvaluate, EvaluateRequest{SubjectRequest: SubjectRequest{Kind: "purchase_request", ID: 42}}).OK)
	require.False(t, call(t, h, CommandDecide, DecideRequest{StepID: 999, Actor: "user1", Decision: "approve"}).OK)

	spans := exporter.GetSpans()
	byName := make(map[string][]tracetest.SpanStub)
	for _, s := range spans {
		byName[s.Name] = append(byName[s.Name], s)
	}
	require.Len(t, byName["approvals.command"], 2)
	require.Len(t, byName["approvals.Evaluate"], 1)

	evaluate := byName["approvals.Evaluate"][0]
	command := byName["approvals.command"][0]
	assert.Equal(t, command.SpanContext.SpanID(), evaluate.Parent.SpanID())
	assert.Equal(t, codes.Error, byName["approvals.command"][1].Status.Code)
}
