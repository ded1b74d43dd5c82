package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/exportarc/caseflow/internal/core"
)

const pgUniqueViolation = "23505"

// CreateFlag registers a new flag owned by the actor's team.
func (s *Service) CreateFlag(ctx context.Context, actor core.Actor, flag core.Flag) (core.Flag, error) {
	if strings.TrimSpace(flag.Name) == "" {
		return core.Flag{}, errors.New("flag name is required")
	}
	if !core.ValidFlagLevel(flag.Level) {
		return core.Flag{}, ErrInvalidLevel
	}

	flag.TeamID = actor.TeamID
	if flag.Status == "" {
		flag.Status = core.FlagStatusActive
	}

	created, err := s.repo.CreateFlag(ctx, flag)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return core.Flag{}, ErrDuplicateFlagName
		}
		return core.Flag{}, fmt.Errorf("create flag: %w", err)
	}

	s.recordAuditBestEffort(ctx, actor.ID, auditVerbFlagCreated, nil, created)

	return created, nil
}

// UpdateFlag applies changes to an existing flag. The level is fixed at
// creation; toggling the status additionally requires the activate-flags
// permission. Reactivating a flag re-runs its rules retroactively so cases
// that matched while it was dormant pick the flag up.
func (s *Service) UpdateFlag(ctx context.Context, actor core.Actor, flag core.Flag) (core.Flag, error) {
	current, err := s.repo.GetFlag(ctx, flag.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.Flag{}, ErrFlagNotFound
		}
		return core.Flag{}, fmt.Errorf("update flag: %w", err)
	}

	if flag.Level != "" && flag.Level != current.Level {
		return core.Flag{}, ErrLevelImmutable
	}
	if flag.Status != current.Status && !actor.HasPermission(core.PermissionActivateFlags) {
		return core.Flag{}, ErrPermissionDenied
	}

	flag.Level = current.Level
	flag.TeamID = current.TeamID
	if flag.Status == "" {
		flag.Status = current.Status
	}

	updated, err := s.repo.UpdateFlag(ctx, flag)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.Flag{}, ErrFlagNotFound
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return core.Flag{}, ErrDuplicateFlagName
		}
		return core.Flag{}, fmt.Errorf("update flag: %w", err)
	}

	s.recordAuditBestEffort(ctx, actor.ID, auditVerbFlagUpdated, nil, updated)

	reactivated := current.Status == core.FlagStatusDeactivated && updated.Status == core.FlagStatusActive
	if reactivated {
		if err := s.reapplyRulesForFlag(ctx, actor, updated.ID); err != nil {
			s.logger.ErrorContext(ctx, "reapply rules after flag reactivation", "flag_id", updated.ID, "error", err)
		}
	}

	return updated, nil
}

// reapplyRulesForFlag sweeps every active rule referencing the flag across
// open cases.
func (s *Service) reapplyRulesForFlag(ctx context.Context, actor core.Actor, flagID uuid.UUID) error {
	rules, err := s.repo.ListRulesForFlag(ctx, flagID)
	if err != nil {
		return fmt.Errorf("list rules for flag: %w", err)
	}

	for _, rule := range rules {
		result := RetroResult{RuleID: rule.ID, FlagID: rule.FlagID}
		if err := s.sweepRule(ctx, rule, &result); err != nil {
			return err
		}
	}

	return nil
}

// GetFlag retrieves a flag by ID.
func (s *Service) GetFlag(ctx context.Context, id uuid.UUID) (core.Flag, error) {
	flag, err := s.repo.GetFlag(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.Flag{}, ErrFlagNotFound
		}
		return core.Flag{}, fmt.Errorf("get flag: %w", err)
	}
	return flag, nil
}

// ListFlags returns all flags.
func (s *Service) ListFlags(ctx context.Context) ([]core.Flag, error) {
	flags, err := s.repo.ListFlags(ctx)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	return flags, nil
}

// CreateRule registers a flagging rule for the actor's team. Good-level rules
// must state the verified-goods-only qualifier explicitly; rules at other
// levels must not carry it. An identical existing rule is rejected.
func (s *Service) CreateRule(ctx context.Context, actor core.Actor, rule core.FlaggingRule) (core.FlaggingRule, error) {
	if !actor.HasPermission(core.PermissionManageFlaggingRules) {
		return core.FlaggingRule{}, ErrPermissionDenied
	}
	if !core.ValidFlagLevel(rule.Level) {
		return core.FlaggingRule{}, ErrInvalidLevel
	}
	if len(rule.MatchingValues) == 0 {
		return core.FlaggingRule{}, errors.New("matching values are required")
	}
	if rule.Level == core.LevelGood && rule.IsForVerifiedGoodsOnly == nil {
		return core.FlaggingRule{}, ErrVerifiedOnlyRequired
	}
	if rule.Level != core.LevelGood {
		rule.IsForVerifiedGoodsOnly = nil
	}

	flag, err := s.GetFlag(ctx, rule.FlagID)
	if err != nil {
		return core.FlaggingRule{}, err
	}
	if flag.Level != rule.Level {
		return core.FlaggingRule{}, fmt.Errorf("rule level %q does not match flag level %q", rule.Level, flag.Level)
	}

	rule.TeamID = actor.TeamID
	if rule.Status == "" {
		rule.Status = core.FlagStatusActive
	}

	created, err := s.repo.CreateRule(ctx, rule)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return core.FlaggingRule{}, ErrDuplicateRule
		}
		return core.FlaggingRule{}, fmt.Errorf("create rule: %w", err)
	}
	created.FlagStatus = flag.Status

	s.recordAuditBestEffort(ctx, actor.ID, auditVerbRuleCreated, nil, created)

	return created, nil
}

// UpdateRule changes a rule's status or matching criteria. Reactivating a
// rule sweeps it retroactively across open cases, the same as flag
// reactivation, so matches accrued while it was dormant are picked up.
func (s *Service) UpdateRule(ctx context.Context, actor core.Actor, rule core.FlaggingRule) (core.FlaggingRule, error) {
	if !actor.HasPermission(core.PermissionManageFlaggingRules) {
		return core.FlaggingRule{}, ErrPermissionDenied
	}

	current, err := s.GetRule(ctx, rule.ID)
	if err != nil {
		return core.FlaggingRule{}, err
	}

	if current.Level == core.LevelGood && rule.IsForVerifiedGoodsOnly == nil {
		return core.FlaggingRule{}, ErrVerifiedOnlyRequired
	}
	if len(rule.MatchingValues) == 0 {
		rule.MatchingValues = current.MatchingValues
	}
	if rule.Status == "" {
		rule.Status = current.Status
	}

	updated, err := s.repo.UpdateRule(ctx, rule)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return core.FlaggingRule{}, ErrDuplicateRule
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return core.FlaggingRule{}, ErrRuleNotFound
		}
		return core.FlaggingRule{}, fmt.Errorf("update rule: %w", err)
	}

	s.recordAuditBestEffort(ctx, actor.ID, auditVerbRuleUpdated, nil, updated)

	reactivated := current.Status == core.FlagStatusDeactivated && updated.Status == core.FlagStatusActive
	if reactivated && updated.Active() {
		result := RetroResult{RuleID: updated.ID, FlagID: updated.FlagID}
		if err := s.sweepRule(ctx, updated, &result); err != nil {
			s.logger.ErrorContext(ctx, "sweep rule after reactivation", "rule_id", updated.ID, "error", err)
		}
	}

	return updated, nil
}

// GetRule retrieves a rule by ID.
func (s *Service) GetRule(ctx context.Context, id uuid.UUID) (core.FlaggingRule, error) {
	rule, err := s.repo.GetRule(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.FlaggingRule{}, ErrRuleNotFound
		}
		return core.FlaggingRule{}, fmt.Errorf("get rule: %w", err)
	}
	return rule, nil
}

// ListRules returns all rules, optionally filtered by level.
func (s *Service) ListRules(ctx context.Context, level core.FlagLevel) ([]core.FlaggingRule, error) {
	if level != "" && !core.ValidFlagLevel(level) {
		return nil, ErrInvalidLevel
	}
	rules, err := s.repo.ListRules(ctx, level)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return rules, nil
}
