package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func i64(v int64) *int64 { return &v }

func baseRule(id int64, order int) *Rule {
	return &Rule{
		ID:       id,
		Name:     "rule",
		Order:    order,
		RuleType: KindPurchaseRequest,
		IsActive: true,
		Approver: UserApprover("u1"),
		Scope:    RuleScope{AllDepartments: true, AllProjects: true},
	}
}

func baseAttrs() RuleAttributes {
	return RuleAttributes{
		Kind:       KindPurchaseRequest,
		Amount:     i64(100),
		Department: i64(7),
		Project:    i64(3),
	}
}

func TestRuleMatches(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *Rule, a *RuleAttributes)
		want   bool
	}{
		{"unrestricted rule matches", func(*Rule, *RuleAttributes) {}, true},
		{"inactive rule never matches", func(r *Rule, _ *RuleAttributes) { r.IsActive = false }, false},
		{"other rule type", func(r *Rule, _ *RuleAttributes) { r.RuleType = KindInternalMemo }, false},
		{"department listed", func(r *Rule, _ *RuleAttributes) {
			r.Scope.AllDepartments = false
			r.Scope.Departments = []int64{5, 7}
		}, true},
		{"department not listed", func(r *Rule, _ *RuleAttributes) {
			r.Scope.AllDepartments = false
			r.Scope.Departments = []int64{5}
		}, false},
		{"department restricted but subject has none", func(r *Rule, a *RuleAttributes) {
			r.Scope.AllDepartments = false
			r.Scope.Departments = []int64{7}
			a.Department = nil
		}, false},
		{"project not listed", func(r *Rule, _ *RuleAttributes) {
			r.Scope.AllProjects = false
			r.Scope.Projects = []int64{9}
		}, false},
		{"min bound inclusive", func(r *Rule, _ *RuleAttributes) { r.Scope.MinAmount = i64(100) }, true},
		{"below min", func(r *Rule, _ *RuleAttributes) { r.Scope.MinAmount = i64(101) }, false},
		{"max bound inclusive", func(r *Rule, _ *RuleAttributes) { r.Scope.MaxAmount = i64(100) }, true},
		{"above max", func(r *Rule, _ *RuleAttributes) { r.Scope.MaxAmount = i64(99) }, false},
		{"bounded rule and no amount", func(r *Rule, a *RuleAttributes) {
			r.Scope.MinAmount = i64(1)
			a.Amount = nil
		}, false},
		{"unbounded rule and no amount", func(_ *Rule, a *RuleAttributes) { a.Amount = nil }, true},
		{"template listed", func(r *Rule, a *RuleAttributes) {
			r.Scope.Templates = []int64{11}
			a.Template = i64(11)
		}, true},
		{"category listed when template is not", func(r *Rule, a *RuleAttributes) {
			r.Scope.Templates = []int64{11}
			r.Scope.Categories = []int64{21}
			a.Template = i64(12)
			a.Category = i64(21)
		}, true},
		{"neither template nor category listed", func(r *Rule, a *RuleAttributes) {
			r.Scope.Templates = []int64{11}
			r.Scope.Categories = []int64{21}
			a.Template = i64(12)
			a.Category = i64(22)
		}, false},
		{"template scoped rule and subject without template", func(r *Rule, _ *RuleAttributes) {
			r.Scope.Templates = []int64{11}
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := baseRule(1, 10)
			attrs := baseAttrs()
			tt.mutate(rule, &attrs)
			assert.Equal(t, tt.want, RuleMatches(rule, attrs))
		})
	}
}

func TestSelectRules_OrdersByOrderThenID(t *testing.T) {
	rules := []*Rule{
		baseRule(4, 20),
		baseRule(3, 10),
		baseRule(1, 20),
		baseRule(2, 10),
	}

	got := SelectRules(rules, baseAttrs())

	ids := make([]int64, 0, len(got))
	for _, r := range got {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []int64{2, 3, 1, 4}, ids)
	assert.Equal(t, int64(4), rules[0].ID, "input must not be reordered")
}

func TestSelectRules_DropsDuplicatesAndNonMatches(t *testing.T) {
	inactive := baseRule(5, 1)
	inactive.IsActive = false
	r1 := baseRule(1, 10)

	got := SelectRules([]*Rule{r1, nil, inactive, r1}, baseAttrs())

	assert.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].ID)
}

func TestSelectRules_AmountScenario(t *testing.T) {
	a := baseRule(1, 10)
	a.Scope.MinAmount, a.Scope.MaxAmount = i64(50), i64(150)
	b := baseRule(2, 20)
	b.Scope.MinAmount, b.Scope.MaxAmount = i64(80), i64(150)
	b.Approver = GroupApprover("g1")

	attrs := baseAttrs()
	assert.Len(t, SelectRules([]*Rule{b, a}, attrs), 2)

	attrs.Amount = i64(60)
	got := SelectRules([]*Rule{b, a}, attrs)
	if assert.Len(t, got, 1) {
		assert.Equal(t, int64(1), got[0].ID)
	}
}

func TestRuleValidate(t *testing.T) {
	r := baseRule(1, 1)
	assert.NoError(t, r.Validate())

	r.Approver = Approver{UserID: "u1", GroupID: "g1"}
	assert.Error(t, r.Validate())

	r.Approver = Approver{}
	assert.Error(t, r.Validate())

	r = baseRule(1, 1)
	r.Scope.MinAmount, r.Scope.MaxAmount = i64(10), i64(5)
	assert.Error(t, r.Validate())
}
