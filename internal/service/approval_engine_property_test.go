package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/pesio-ai/be-itsm-approvals/internal/logger"
	"github.com/pesio-ai/be-itsm-approvals/internal/repository"
)

// ruleShape is a generated rule: order, optional bounds and approver.
type ruleShape struct {
	Order    int
	Min      int64
	Max      int64
	Bounded  bool
	UseGroup bool
	Approver int
}

func genRuleShape() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, 5),
		gen.Int64Range(0, 200),
		gen.Int64Range(0, 200),
		gen.Bool(),
		gen.Bool(),
		gen.IntRange(1, 3),
	).Map(func(v []any) ruleShape {
		lo, hi := v[1].(int64), v[2].(int64)
		if lo > hi {
			lo, hi = hi, lo
		}
		return ruleShape{
			Order:    v[0].(int),
			Min:      lo,
			Max:      hi,
			Bounded:  v[3].(bool),
			UseGroup: v[4].(bool),
			Approver: v[5].(int),
		}
	})
}

func engineFor(shapes []ruleShape, amount int64) (*ApprovalEngine, *repository.MemoryStore, repository.SubjectRef) {
	store := repository.NewMemoryStore("")
	ref := repository.SubjectRef{Kind: repository.KindInternalMemo, ID: 1}
	store.PutSubject(&repository.Subject{Ref: ref, Status: repository.SubjectDraft, Amount: &amount})

	for i, s := range shapes {
		approver := repository.UserApprover(fmt.Sprintf("user%d", s.Approver))
		if s.UseGroup {
			approver = repository.GroupApprover(fmt.Sprintf("group%d", s.Approver))
		}
		rule := &repository.Rule{
			Name:     fmt.Sprintf("rule-%d", i),
			Order:    s.Order,
			RuleType: repository.KindInternalMemo,
			IsActive: true,
			Approver: approver,
			Scope:    repository.RuleScope{AllDepartments: true, AllProjects: true},
		}
		if s.Bounded {
			lo, hi := s.Min, s.Max
			rule.Scope.MinAmount, rule.Scope.MaxAmount = &lo, &hi
		}
		_ = store.CreateRule(context.Background(), rule)
	}

	engine := NewApprovalEngine(store, store, store, store, nil, logger.Nop(),
		WithClock(func() time.Time { return fixedNow }))
	return engine, store, ref
}

type liveKey struct {
	RuleName string
	Order    int
	Approver repository.Approver
}

func liveSet(steps []*repository.ApprovalStep) []liveKey {
	var out []liveKey
	for _, s := range steps {
		if s.Status.IsLive() {
			out = append(out, liveKey{s.RuleName, s.StepOrder, s.AssignedApprover})
		}
	}
	return out
}

// TestEvaluateIdempotence: evaluating twice with no rule change yields the
// same live step set, same approvers and same order.
func TestEvaluateIdempotence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("Evaluate is idempotent", prop.ForAll(
		func(shapes []ruleShape, amount int64) bool {
			engine, _, ref := engineFor(shapes, amount)
			ctx := context.Background()

			first, err := engine.Evaluate(ctx, ref, EvaluateOptions{})
			if err != nil {
				return false
			}
			second, err := engine.Evaluate(ctx, ref, EvaluateOptions{Force: true})
			if err != nil {
				return false
			}
			if first.Status != second.Status || int(second.Removed) != len(first.Steps) {
				return false
			}

			a, b := liveSet(first.Steps), liveSet(second.Steps)
			if len(a) != len(b) {
				return false
			}
			for i := range a {
				if a[i] != b[i] {
					return false
				}
			}

			steps, err := engine.Steps(ctx, ref)
			return err == nil && len(liveSet(steps)) == len(b)
		},
		gen.SliceOf(genRuleShape()),
		gen.Int64Range(0, 200),
	))

	properties.TestingRun(t)
}

// TestEvaluateStepOrdering: created steps are ordered by (rule order, rule id)
// and each carries its rule's order.
func TestEvaluateStepOrdering(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("steps follow rule order with id tie-break", prop.ForAll(
		func(shapes []ruleShape, amount int64) bool {
			engine, _, ref := engineFor(shapes, amount)
			res, err := engine.Evaluate(context.Background(), ref, EvaluateOptions{})
			if err != nil {
				return false
			}
			if (len(res.Steps) > 0) != (res.Status == repository.SubjectPendingApproval) {
				return false
			}
			for i := 1; i < len(res.Steps); i++ {
				prev, cur := res.Steps[i-1], res.Steps[i]
				if prev.StepOrder > cur.StepOrder {
					return false
				}
				if prev.StepOrder == cur.StepOrder && *prev.RuleID > *cur.RuleID {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genRuleShape()),
		gen.Int64Range(0, 200),
	))

	properties.TestingRun(t)
}

// TestDecisionSequences: after any sequence of approvals ending in a
// rejection, no live step remains and the subject is rejected; approving
// every step approves the subject.
func TestDecisionSequences(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("rejection skips every live step", prop.ForAll(
		func(n int, rejectAt int) bool {
			shapes := make([]ruleShape, n)
			for i := range shapes {
				shapes[i] = ruleShape{Order: i, Approver: 1}
			}
			engine, _, ref := engineFor(shapes, 0)
			ctx := context.Background()

			res, err := engine.Evaluate(ctx, ref, EvaluateOptions{})
			if err != nil || len(res.Steps) != n {
				return false
			}

			rejectAt = rejectAt % n
			for i := 0; i < rejectAt; i++ {
				if _, err := engine.Decide(ctx, DecideRequest{StepID: res.Steps[i].ID, Actor: "user1", Decision: DecisionApprove}); err != nil {
					return false
				}
			}
			out, err := engine.Decide(ctx, DecideRequest{StepID: res.Steps[rejectAt].ID, Actor: "user1", Decision: DecisionReject, Comments: "no"})
			if err != nil || out.SubjectStatus != repository.SubjectRejected {
				return false
			}
			if len(out.Skipped) != n-rejectAt-1 {
				return false
			}

			steps, _ := engine.Steps(ctx, ref)
			return len(liveSet(steps)) == 0
		},
		gen.IntRange(1, 6),
		gen.IntRange(0, 100),
	))

	properties.Property("approving every step approves the subject", prop.ForAll(
		func(n int) bool {
			shapes := make([]ruleShape, n)
			for i := range shapes {
				shapes[i] = ruleShape{Order: n - i, Approver: 1}
			}
			engine, _, ref := engineFor(shapes, 0)
			ctx := context.Background()

			res, err := engine.Evaluate(ctx, ref, EvaluateOptions{})
			if err != nil {
				return false
			}
			var last repository.SubjectStatus
			for _, s := range res.Steps {
				out, err := engine.Decide(ctx, DecideRequest{StepID: s.ID, Actor: "user1", Decision: DecisionApprove})
				if err != nil {
					return false
				}
				last = out.SubjectStatus
			}
			return last == repository.SubjectApproved
		},
		gen.IntRange(1, 6),
	))

	properties.TestingRun(t)
}
