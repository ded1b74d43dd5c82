package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/exportarc/caseflow/internal/core"
)

// RetroResult summarises a retroactive sweep of one rule.
type RetroResult struct {
	RuleID          uuid.UUID `json:"rule_id"`
	FlagID          uuid.UUID `json:"flag_id"`
	CasesFlagged    int       `json:"cases_flagged"`
	EntitiesFlagged int       `json:"entities_flagged"`
}

// ApplyRuleRetroactively sweeps a single rule across all existing open cases.
// Only an active rule whose flag is also active is applied; a deactivated
// rule sweeps nothing and reports zero matches rather than failing.
//
// Destination matches attach the flag to both the matched party or country
// record and nothing else; case-level matches attach to the case itself.
func (s *Service) ApplyRuleRetroactively(ctx context.Context, actor core.Actor, ruleID uuid.UUID) (RetroResult, error) {
	if !actor.HasPermission(core.PermissionManageFlaggingRules) {
		return RetroResult{}, ErrPermissionDenied
	}

	rule, err := s.repo.GetRule(ctx, ruleID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RetroResult{}, ErrRuleNotFound
		}
		return RetroResult{}, fmt.Errorf("apply rule retroactively: %w", err)
	}

	result := RetroResult{RuleID: rule.ID, FlagID: rule.FlagID}
	if !rule.Active() {
		return result, nil
	}
	s.metrics.RecordRetroSweep()

	if err := s.sweepRule(ctx, rule, &result); err != nil {
		return RetroResult{}, err
	}

	s.recordAuditBestEffort(ctx, actor.ID, auditVerbRulesApplied, nil, result)

	return result, nil
}

// sweepRule dispatches a rule to the per-level sweep.
func (s *Service) sweepRule(ctx context.Context, rule core.FlaggingRule, result *RetroResult) error {
	switch rule.Level {
	case core.LevelCase:
		return s.sweepCaseRule(ctx, rule, result)
	case core.LevelGood:
		return s.sweepGoodRule(ctx, rule, result)
	case core.LevelDestination:
		return s.sweepDestinationRule(ctx, rule, result)
	default:
		return ErrInvalidLevel
	}
}

func (s *Service) sweepCaseRule(ctx context.Context, rule core.FlaggingRule, result *RetroResult) error {
	caseIDs, err := s.repo.ListOpenCaseIDsByCaseTypes(ctx, rule.MatchingValues)
	if err != nil {
		return fmt.Errorf("sweep case rule: %w", err)
	}

	for _, caseID := range caseIDs {
		if err := s.repo.AttachCaseFlags(ctx, caseID, []uuid.UUID{rule.FlagID}); err != nil {
			return fmt.Errorf("sweep case rule attach: %w", err)
		}
		result.CasesFlagged++
	}

	return nil
}

func (s *Service) sweepGoodRule(ctx context.Context, rule core.FlaggingRule, result *RetroResult) error {
	goods, err := s.repo.ListOpenCasesWithMatchingGoods(ctx, rule.MatchingValues, rule.VerifiedGoodsOnly())
	if err != nil {
		return fmt.Errorf("sweep good rule: %w", err)
	}

	goodsTypes, err := s.repo.ListOpenCasesWithMatchingGoodsTypes(ctx, rule.MatchingValues)
	if err != nil {
		return fmt.Errorf("sweep good rule: %w", err)
	}

	flagIDs := []uuid.UUID{rule.FlagID}
	cases := make(map[uuid.UUID]struct{})

	for _, match := range goods {
		if err := s.repo.AttachGoodFlags(ctx, match.Good.ID, flagIDs); err != nil {
			return fmt.Errorf("sweep good rule attach: %w", err)
		}
		result.EntitiesFlagged++
		cases[match.CaseID] = struct{}{}
	}
	for _, match := range goodsTypes {
		if err := s.repo.AttachGoodsTypeFlags(ctx, match.Good.ID, flagIDs); err != nil {
			return fmt.Errorf("sweep goods type attach: %w", err)
		}
		result.EntitiesFlagged++
		cases[match.CaseID] = struct{}{}
	}

	result.CasesFlagged = len(cases)
	return nil
}

func (s *Service) sweepDestinationRule(ctx context.Context, rule core.FlaggingRule, result *RetroResult) error {
	parties, err := s.repo.ListOpenCasesWithMatchingParties(ctx, rule.MatchingValues)
	if err != nil {
		return fmt.Errorf("sweep destination rule: %w", err)
	}

	countries, err := s.repo.ListOpenCasesWithMatchingCountries(ctx, rule.MatchingValues)
	if err != nil {
		return fmt.Errorf("sweep destination rule: %w", err)
	}

	flagIDs := []uuid.UUID{rule.FlagID}
	cases := make(map[uuid.UUID]struct{})

	for _, match := range parties {
		if err := s.repo.AttachPartyFlags(ctx, match.Destination.PartyID, flagIDs); err != nil {
			return fmt.Errorf("sweep party attach: %w", err)
		}
		result.EntitiesFlagged++
		cases[match.CaseID] = struct{}{}
	}
	for _, match := range countries {
		if err := s.repo.AttachCountryFlags(ctx, match.Destination.PartyID, flagIDs); err != nil {
			return fmt.Errorf("sweep country attach: %w", err)
		}
		result.EntitiesFlagged++
		cases[match.CaseID] = struct{}{}
	}

	result.CasesFlagged = len(cases)
	return nil
}
