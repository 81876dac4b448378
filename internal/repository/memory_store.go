package repository

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-itsm-approvals/internal/errors"
)

// MemoryStore is an in-process implementation of every store the engine
// needs: rules, delegations, group directory, subjects and the step ledger.
// Subject transactions are serialised per subject and their writes become
// visible only when fn returns nil.
type MemoryStore struct {
	mu          sync.RWMutex
	adminGroup  string
	nextRuleID  int64
	nextStepID  int64
	nextDelegID int64
	subjects    map[SubjectRef]*Subject
	rules       map[int64]*Rule
	steps       map[SubjectRef][]*ApprovalStep
	delegations []*Delegation
	members     map[string]map[string]bool
	audit       map[SubjectRef][]*AuditEntry
	insertHook  func(*ApprovalStep) error

	locksMu sync.Mutex
	locks   map[SubjectRef]chan struct{}
}

// NewMemoryStore creates an empty store. Members of adminGroup may act on
// any step.
func NewMemoryStore(adminGroup string) *MemoryStore {
	return &MemoryStore{
		adminGroup: adminGroup,
		subjects:   make(map[SubjectRef]*Subject),
		rules:      make(map[int64]*Rule),
		steps:      make(map[SubjectRef][]*ApprovalStep),
		members:    make(map[string]map[string]bool),
		audit:      make(map[SubjectRef][]*AuditEntry),
		locks:      make(map[SubjectRef]chan struct{}),
	}
}

// SetStepInsertHook installs a function called before each step insert. A
// non-nil error fails the insert.
func (m *MemoryStore) SetStepInsertHook(fn func(*ApprovalStep) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertHook = fn
}

// ── Subjects ─────────────────────────────────────────────────────────────────

// PutSubject creates or replaces a subject.
func (m *MemoryStore) PutSubject(s *Subject) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *s
	m.subjects[s.Ref] = &c
}

// GetSubject returns a copy of a subject.
func (m *MemoryStore) GetSubject(_ context.Context, ref SubjectRef) (*Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subjects[ref]
	if !ok {
		return nil, errors.NotFound(string(ref.Kind), ref.ID)
	}
	c := *s
	return &c, nil
}

// ── Rules ────────────────────────────────────────────────────────────────────

// CreateRule validates and stores a rule, assigning the next ID.
func (m *MemoryStore) CreateRule(_ context.Context, rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextRuleID++
	now := time.Now().UTC()
	rule.ID = m.nextRuleID
	rule.CreatedAt, rule.UpdatedAt = now, now
	c := *rule
	m.rules[rule.ID] = &c
	return nil
}

// GetRule returns a copy of a rule.
func (m *MemoryStore) GetRule(_ context.Context, id int64) (*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok {
		return nil, errors.NotFound("approval_rule", id)
	}
	c := *r
	return &c, nil
}

// UpdateRule replaces a stored rule.
func (m *MemoryStore) UpdateRule(_ context.Context, rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.rules[rule.ID]
	if !ok {
		return errors.NotFound("approval_rule", rule.ID)
	}
	rule.CreatedAt = old.CreatedAt
	rule.UpdatedAt = time.Now().UTC()
	c := *rule
	m.rules[rule.ID] = &c
	return nil
}

// DeleteRule removes a rule and clears the reference on steps created from it.
func (m *MemoryStore) DeleteRule(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rules[id]; !ok {
		return errors.NotFound("approval_rule", id)
	}
	delete(m.rules, id)
	for _, steps := range m.steps {
		for _, s := range steps {
			if s.RuleID != nil && *s.RuleID == id {
				s.RuleID = nil
			}
		}
	}
	return nil
}

// FindMatchingRules returns the active rules matching attrs in step order.
func (m *MemoryStore) FindMatchingRules(_ context.Context, attrs RuleAttributes) ([]*Rule, error) {
	m.mu.RLock()
	candidates := make([]*Rule, 0, len(m.rules))
	for _, r := range m.rules {
		c := *r
		candidates = append(candidates, &c)
	}
	m.mu.RUnlock()

	return SelectRules(candidates, attrs), nil
}

// ── Delegations ──────────────────────────────────────────────────────────────

// CreateDelegation validates and stores a delegation.
func (m *MemoryStore) CreateDelegation(_ context.Context, d *Delegation) error {
	if err := d.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextDelegID++
	d.ID = m.nextDelegID
	d.CreatedAt = time.Now().UTC()
	c := *d
	m.delegations = append(m.delegations, &c)
	return nil
}

// DeactivateDelegation switches a delegation off.
func (m *MemoryStore) DeactivateDelegation(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.delegations {
		if d.ID == id {
			d.IsActive = false
			return nil
		}
	}
	return errors.NotFound("delegation", id)
}

// ActiveDelegations returns the delegations of a delegator active at now,
// newest first.
func (m *MemoryStore) ActiveDelegations(_ context.Context, delegator string, now time.Time) ([]*Delegation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Delegation
	for _, d := range m.delegations {
		if d.Delegator == delegator && d.ActiveAt(now) {
			c := *d
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// ── Directory ────────────────────────────────────────────────────────────────

// AddMember puts a user into a group.
func (m *MemoryStore) AddMember(_ context.Context, groupID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[groupID] == nil {
		m.members[groupID] = make(map[string]bool)
	}
	m.members[groupID][userID] = true
	return nil
}

// RemoveMember takes a user out of a group.
func (m *MemoryStore) RemoveMember(_ context.Context, groupID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members[groupID], userID)
	return nil
}

// IsMember reports whether the user belongs to the group.
func (m *MemoryStore) IsMember(_ context.Context, userID, groupID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.members[groupID][userID], nil
}

// GroupsOf lists the groups of a user in name order.
func (m *MemoryStore) GroupsOf(_ context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var groups []string
	for _, g := range slices.Sorted(maps.Keys(m.members)) {
		if m.members[g][userID] {
			groups = append(groups, g)
		}
	}
	return groups, nil
}

// IsAdmin reports whether the user belongs to the admin group.
func (m *MemoryStore) IsAdmin(ctx context.Context, userID string) (bool, error) {
	if m.adminGroup == "" {
		return false, nil
	}
	return m.IsMember(ctx, userID, m.adminGroup)
}

// ── Ledger reads ─────────────────────────────────────────────────────────────

// GetStep returns a copy of a step.
func (m *MemoryStore) GetStep(_ context.Context, id int64) (*ApprovalStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, steps := range m.steps {
		for _, s := range steps {
			if s.ID == id {
				return s.Clone(), nil
			}
		}
	}
	return nil, errors.NotFound("approval_step", id)
}

// StepsForSubject returns copies of every step of a subject.
func (m *MemoryStore) StepsForSubject(_ context.Context, ref SubjectRef) ([]*ApprovalStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortSteps(cloneSteps(m.steps[ref])), nil
}

// PendingForApprovers returns live steps assigned to the user or any of the
// groups, oldest first.
func (m *MemoryStore) PendingForApprovers(_ context.Context, userID string, groupIDs []string) ([]*ApprovalStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ApprovalStep
	for _, steps := range m.steps {
		for _, s := range steps {
			if !s.Status.IsLive() {
				continue
			}
			a := s.AssignedApprover
			if (a.IsUser() && a.UserID == userID) || (a.IsGroup() && slices.Contains(groupIDs, a.GroupID)) {
				out = append(out, s.Clone())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AuditTrail returns the audit entries of a subject, oldest first.
func (m *MemoryStore) AuditTrail(_ context.Context, ref SubjectRef) ([]*AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*AuditEntry, 0, len(m.audit[ref]))
	for _, e := range m.audit[ref] {
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

// ── Subject transactions ─────────────────────────────────────────────────────

// WithSubjectLock serialises fn with every other transaction on the same
// subject. Writes are staged and applied only when fn returns nil and ctx is
// still live.
func (m *MemoryStore) WithSubjectLock(ctx context.Context, ref SubjectRef, fn func(ctx context.Context, tx LedgerTx) error) error {
	lock := m.subjectLock(ref)
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return errors.Persistence(ctx.Err(), "timed out waiting for subject lock")
	}
	defer func() { <-lock }()

	m.mu.RLock()
	subject, ok := m.subjects[ref]
	if !ok {
		m.mu.RUnlock()
		return errors.NotFound(string(ref.Kind), ref.ID)
	}
	sc := *subject
	tx := &memLedgerTx{store: m, subject: &sc, steps: cloneSteps(m.steps[ref])}
	m.mu.RUnlock()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.Persistence(err, "subject transaction aborted")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.subjects[ref] = tx.subject
	m.steps[ref] = keepClearedRules(m.steps[ref], tx.steps)
	m.audit[ref] = append(m.audit[ref], tx.audit...)
	return nil
}

// keepClearedRules carries rule references cleared by DeleteRule while the
// transaction ran over to the committed steps.
func keepClearedRules(stored, committed []*ApprovalStep) []*ApprovalStep {
	cleared := make(map[int64]bool)
	for _, s := range stored {
		if s.RuleID == nil {
			cleared[s.ID] = true
		}
	}
	for _, s := range committed {
		if cleared[s.ID] {
			s.RuleID = nil
		}
	}
	return committed
}

func (m *MemoryStore) subjectLock(ref SubjectRef) chan struct{} {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[ref]
	if !ok {
		l = make(chan struct{}, 1)
		m.locks[ref] = l
	}
	return l
}

type memLedgerTx struct {
	store   *MemoryStore
	subject *Subject
	steps   []*ApprovalStep
	audit   []*AuditEntry
}

func (t *memLedgerTx) Subject() *Subject { return t.subject }

func (t *memLedgerTx) Steps(context.Context) ([]*ApprovalStep, error) {
	return sortSteps(cloneSteps(t.steps)), nil
}

func (t *memLedgerTx) DeleteLiveSteps(context.Context) (int64, error) {
	kept := t.steps[:0:0]
	var n int64
	for _, s := range t.steps {
		if s.Status.IsLive() {
			n++
			continue
		}
		kept = append(kept, s)
	}
	t.steps = kept
	return n, nil
}

func (t *memLedgerTx) InsertStep(_ context.Context, step *ApprovalStep) error {
	t.store.mu.RLock()
	hook := t.store.insertHook
	t.store.mu.RUnlock()

	if hook != nil {
		if err := hook(step); err != nil {
			return errors.Persistence(err, "failed to create approval step")
		}
	}

	t.store.mu.Lock()
	t.store.nextStepID++
	step.ID = t.store.nextStepID
	t.store.mu.Unlock()

	now := time.Now().UTC()
	step.Subject = t.subject.Ref
	step.CreatedAt, step.UpdatedAt = now, now
	t.steps = append(t.steps, step.Clone())
	return nil
}

func (t *memLedgerTx) UpdateStep(_ context.Context, step *ApprovalStep) error {
	for i, s := range t.steps {
		if s.ID == step.ID {
			step.UpdatedAt = time.Now().UTC()
			t.steps[i] = step.Clone()
			return nil
		}
	}
	return errors.NotFound("approval_step", step.ID)
}

func (t *memLedgerTx) SetSubjectStatus(_ context.Context, status SubjectStatus) error {
	t.subject.Status = status
	return nil
}

func (t *memLedgerTx) AppendAudit(_ context.Context, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.Subject = t.subject.Ref
	if entry.PerformedAt.IsZero() {
		entry.PerformedAt = time.Now().UTC()
	}
	c := *entry
	t.audit = append(t.audit, &c)
	return nil
}

// sortSteps orders steps by (StepOrder, ID), the order the Postgres store
// returns them in.
func sortSteps(steps []*ApprovalStep) []*ApprovalStep {
	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].StepOrder != steps[j].StepOrder {
			return steps[i].StepOrder < steps[j].StepOrder
		}
		return steps[i].ID < steps[j].ID
	})
	return steps
}

func cloneSteps(steps []*ApprovalStep) []*ApprovalStep {
	out := make([]*ApprovalStep, 0, len(steps))
	for _, s := range steps {
		out = append(out, s.Clone())
	}
	return out
}
