package service

import (
	"context"
	"strings"

	"github.com/pesio-ai/be-itsm-approvals/internal/errors"
	"github.com/pesio-ai/be-itsm-approvals/internal/logger"
	"github.com/pesio-ai/be-itsm-approvals/internal/metrics"
	"github.com/pesio-ai/be-itsm-approvals/internal/repository"
)

// RuleAdmin maintains the approval rule catalogue.
type RuleAdmin interface {
	CreateRule(ctx context.Context, rule *repository.Rule) error
	GetRule(ctx context.Context, id int64) (*repository.Rule, error)
	UpdateRule(ctx context.Context, rule *repository.Rule) error
	DeleteRule(ctx context.Context, id int64) error
}

// DelegationAdmin maintains standing delegations.
type DelegationAdmin interface {
	CreateDelegation(ctx context.Context, d *repository.Delegation) error
	DeactivateDelegation(ctx context.Context, id int64) error
}

// GroupAdmin maintains approver group membership.
type GroupAdmin interface {
	AddMember(ctx context.Context, groupID, userID string) error
	RemoveMember(ctx context.Context, groupID, userID string) error
}

// AdminService maintains the configuration the engine evaluates against:
// rules, standing delegations and approver groups. Only administrators may
// change rules and groups; a user may also record their own delegation.
// Changes never touch steps that already exist.
type AdminService struct {
	rules       RuleAdmin
	delegations DelegationAdmin
	groups      GroupAdmin
	directory   Directory
	log         *logger.Logger
}

// NewAdminService creates a new AdminService.
func NewAdminService(rules RuleAdmin, delegations DelegationAdmin, groups GroupAdmin, directory Directory, log *logger.Logger) *AdminService {
	return &AdminService{
		rules:       rules,
		delegations: delegations,
		groups:      groups,
		directory:   directory,
		log:         log.Component("approval_admin"),
	}
}

// CreateRule validates and stores a new rule.
func (s *AdminService) CreateRule(ctx context.Context, actor string, rule *repository.Rule) (err error) {
	defer func() { observeAdmin("rule_create", err) }()

	if err := s.assertAdmin(ctx, actor); err != nil {
		return err
	}
	if err := s.rules.CreateRule(ctx, rule); err != nil {
		return err
	}

	s.log.Info().
		Int64("rule_id", rule.ID).
		Str("name", rule.Name).
		Str("rule_type", string(rule.RuleType)).
		Str("approver", rule.Approver.String()).
		Str("actor", actor).
		Msg("Approval rule created")
	return nil
}

// UpdateRule replaces an existing rule. Steps already created keep their
// rule name snapshot.
func (s *AdminService) UpdateRule(ctx context.Context, actor string, rule *repository.Rule) (err error) {
	defer func() { observeAdmin("rule_update", err) }()

	if err := s.assertAdmin(ctx, actor); err != nil {
		return err
	}
	if rule.ID <= 0 {
		return errors.InvalidInput("id", "rule id is required")
	}
	if err := s.rules.UpdateRule(ctx, rule); err != nil {
		return err
	}

	s.log.Info().
		Int64("rule_id", rule.ID).
		Bool("is_active", rule.IsActive).
		Str("actor", actor).
		Msg("Approval rule updated")
	return nil
}

// DeleteRule removes a rule. Steps created from it lose the reference.
func (s *AdminService) DeleteRule(ctx context.Context, actor string, id int64) (err error) {
	defer func() { observeAdmin("rule_delete", err) }()

	if err := s.assertAdmin(ctx, actor); err != nil {
		return err
	}
	if err := s.rules.DeleteRule(ctx, id); err != nil {
		return err
	}

	s.log.Info().Int64("rule_id", id).Str("actor", actor).Msg("Approval rule deleted")
	return nil
}

// GetRule returns one rule.
func (s *AdminService) GetRule(ctx context.Context, id int64) (*repository.Rule, error) {
	return s.rules.GetRule(ctx, id)
}

// CreateDelegation records a standing delegation. The delegator may record
// their own; anyone else needs admin rights.
func (s *AdminService) CreateDelegation(ctx context.Context, actor string, d *repository.Delegation) (err error) {
	defer func() { observeAdmin("delegation_create", err) }()

	if actor == "" {
		return errors.Unauthorized("an actor is required")
	}
	if actor != d.Delegator {
		if err := s.assertAdmin(ctx, actor); err != nil {
			return err
		}
	}
	d.IsActive = true
	if err := s.delegations.CreateDelegation(ctx, d); err != nil {
		return err
	}

	s.log.Info().
		Int64("delegation_id", d.ID).
		Str("delegator", d.Delegator).
		Str("delegatee", d.Delegatee).
		Time("start", d.Start).
		Time("end", d.End).
		Msg("Delegation created")
	return nil
}

// DeactivateDelegation switches a delegation off. Steps already assigned to
// the delegatee stay with them.
func (s *AdminService) DeactivateDelegation(ctx context.Context, actor string, id int64) (err error) {
	defer func() { observeAdmin("delegation_deactivate", err) }()

	if err := s.assertAdmin(ctx, actor); err != nil {
		return err
	}
	if err := s.delegations.DeactivateDelegation(ctx, id); err != nil {
		return err
	}

	s.log.Info().Int64("delegation_id", id).Str("actor", actor).Msg("Delegation deactivated")
	return nil
}

// AddGroupMember puts a user into an approver group.
func (s *AdminService) AddGroupMember(ctx context.Context, actor, groupID, userID string) (err error) {
	defer func() { observeAdmin("group_add", err) }()

	if err := s.assertAdmin(ctx, actor); err != nil {
		return err
	}
	if err := validateMembership(groupID, userID); err != nil {
		return err
	}
	if err := s.groups.AddMember(ctx, groupID, userID); err != nil {
		return err
	}

	s.log.Info().Str("group_id", groupID).Str("user_id", userID).Str("actor", actor).Msg("Group member added")
	return nil
}

// RemoveGroupMember takes a user out of an approver group.
func (s *AdminService) RemoveGroupMember(ctx context.Context, actor, groupID, userID string) (err error) {
	defer func() { observeAdmin("group_remove", err) }()

	if err := s.assertAdmin(ctx, actor); err != nil {
		return err
	}
	if err := validateMembership(groupID, userID); err != nil {
		return err
	}
	if err := s.groups.RemoveMember(ctx, groupID, userID); err != nil {
		return err
	}

	s.log.Info().Str("group_id", groupID).Str("user_id", userID).Str("actor", actor).Msg("Group member removed")
	return nil
}

func (s *AdminService) assertAdmin(ctx context.Context, actor string) error {
	if actor == "" {
		return errors.Unauthorized("an actor is required")
	}
	admin, err := s.directory.IsAdmin(ctx, actor)
	if err != nil {
		return asPersistence(err, "failed to check admin rights")
	}
	if !admin {
		return errors.Unauthorized("only an administrator can change approval configuration")
	}
	return nil
}

func validateMembership(groupID, userID string) error {
	if strings.TrimSpace(groupID) == "" {
		return errors.InvalidInput("group_id", "group is required")
	}
	if strings.TrimSpace(userID) == "" {
		return errors.InvalidInput("user_id", "user is required")
	}
	return nil
}

func observeAdmin(op string, err error) {
	if err != nil {
		metrics.OperationErrorsTotal.WithLabelValues(op, string(errors.CodeOf(err))).Inc()
	}
}
