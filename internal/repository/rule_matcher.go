package repository

import (
	"slices"
	"sort"
)

// RuleAttributes are the subject attributes rules are matched against.
type RuleAttributes struct {
	Kind       SubjectKind
	Amount     *int64
	Department *int64
	Project    *int64
	Template   *int64
	Category   *int64
}

// AttributesOf extracts the matching attributes from a subject.
func AttributesOf(s *Subject) RuleAttributes {
	return RuleAttributes{
		Kind:       s.Ref.Kind,
		Amount:     s.Amount,
		Department: s.Department,
		Project:    s.Project,
		Template:   s.Template,
		Category:   s.Category,
	}
}

// RuleMatches reports whether a rule applies to the attributes. Every clause
// must hold; a missing subject attribute never satisfies a restricted clause.
func RuleMatches(rule *Rule, attrs RuleAttributes) bool {
	return rule.IsActive &&
		rule.RuleType == attrs.Kind &&
		departmentMatches(rule.Scope, attrs.Department) &&
		projectMatches(rule.Scope, attrs.Project) &&
		minAmountMatches(rule.Scope, attrs.Amount) &&
		maxAmountMatches(rule.Scope, attrs.Amount) &&
		templateOrCategoryMatches(rule.Scope, attrs.Template, attrs.Category)
}

// SelectRules filters candidates with RuleMatches, drops duplicate IDs and
// orders the result by (Order, ID). The input slice is not modified.
func SelectRules(candidates []*Rule, attrs RuleAttributes) []*Rule {
	seen := make(map[int64]bool, len(candidates))
	matched := make([]*Rule, 0, len(candidates))
	for _, rule := range candidates {
		if rule == nil || seen[rule.ID] || !RuleMatches(rule, attrs) {
			continue
		}
		seen[rule.ID] = true
		matched = append(matched, rule)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Order != matched[j].Order {
			return matched[i].Order < matched[j].Order
		}
		return matched[i].ID < matched[j].ID
	})
	return matched
}

func departmentMatches(scope RuleScope, department *int64) bool {
	if scope.AllDepartments {
		return true
	}
	return department != nil && slices.Contains(scope.Departments, *department)
}

func projectMatches(scope RuleScope, project *int64) bool {
	if scope.AllProjects {
		return true
	}
	return project != nil && slices.Contains(scope.Projects, *project)
}

func minAmountMatches(scope RuleScope, amount *int64) bool {
	if scope.MinAmount == nil {
		return true
	}
	return amount != nil && *scope.MinAmount <= *amount
}

func maxAmountMatches(scope RuleScope, amount *int64) bool {
	if scope.MaxAmount == nil {
		return true
	}
	return amount != nil && *scope.MaxAmount >= *amount
}

// templateOrCategoryMatches applies only to rules scoped by template or
// category. The subject qualifies through either its template or its category.
func templateOrCategoryMatches(scope RuleScope, template, category *int64) bool {
	if len(scope.Templates) == 0 && len(scope.Categories) == 0 {
		return true
	}
	if template != nil && slices.Contains(scope.Templates, *template) {
		return true
	}
	return category != nil && slices.Contains(scope.Categories, *category)
}
