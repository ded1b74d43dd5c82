package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/exportarc/caseflow/internal/core"
	"github.com/exportarc/caseflow/internal/repository"
)

// ApplyRulesToCase evaluates every active flagging rule against the case and
// attaches the matched flags. Draft and terminal cases are skipped without
// error: drafts have not entered the workflow and terminal cases no longer
// route. Repeated application is idempotent because attachment ignores
// existing links.
func (s *Service) ApplyRulesToCase(ctx context.Context, caseID uuid.UUID) error {
	c, err := s.repo.GetCase(ctx, caseID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrCaseNotFound
		}
		return fmt.Errorf("apply rules: %w", err)
	}

	return s.applyRules(ctx, c)
}

func (s *Service) applyRules(ctx context.Context, c repository.Case) error {
	if c.Status.IsDraft() || c.Status.IsTerminal() {
		return nil
	}

	if err := s.applyCaseRules(ctx, c); err != nil {
		return err
	}
	if err := s.applyGoodRules(ctx, c); err != nil {
		return err
	}
	if err := s.applyDestinationRules(ctx, c); err != nil {
		return err
	}

	return nil
}

func (s *Service) applyCaseRules(ctx context.Context, c repository.Case) error {
	rules, err := s.repo.ListActiveRules(ctx, core.LevelCase)
	if err != nil {
		return fmt.Errorf("load case rules: %w", err)
	}

	s.metrics.RecordRuleEvaluation(string(core.LevelCase))
	matched := core.MatchCaseRules(rules, c.CaseType)
	if err := s.repo.AttachCaseFlags(ctx, c.ID, matched); err != nil {
		return fmt.Errorf("attach case flags: %w", err)
	}
	s.metrics.RecordFlagsAttached("case", len(matched))

	return nil
}

func (s *Service) applyGoodRules(ctx context.Context, c repository.Case) error {
	rules, err := s.repo.ListActiveRules(ctx, core.LevelGood)
	if err != nil {
		return fmt.Errorf("load good rules: %w", err)
	}

	goods, err := s.resolveGoods(ctx, c)
	if err != nil {
		return err
	}

	s.metrics.RecordRuleEvaluation(string(core.LevelGood))
	for _, good := range goods {
		matched := core.MatchGoodRules(rules, good)
		if err := s.attachGoodFlags(ctx, good, matched); err != nil {
			return err
		}
	}

	return nil
}

func (s *Service) applyDestinationRules(ctx context.Context, c repository.Case) error {
	rules, err := s.repo.ListActiveRules(ctx, core.LevelDestination)
	if err != nil {
		return fmt.Errorf("load destination rules: %w", err)
	}

	destinations, err := s.resolveDestinations(ctx, c)
	if err != nil {
		return err
	}

	s.metrics.RecordRuleEvaluation(string(core.LevelDestination))
	for _, dest := range destinations {
		matched := core.MatchDestinationRules(rules, dest.CountryCode)
		if err := s.attachDestinationFlags(ctx, dest, matched); err != nil {
			return err
		}
	}

	return nil
}

// resolveGoods returns the goods the rule engine should see for a case,
// dispatching on its sub-type. Open and HMRC cases describe goods with
// per-case goods-type records; a goods query is about exactly one good;
// everything else links reusable organisation goods.
func (s *Service) resolveGoods(ctx context.Context, c repository.Case) ([]core.Good, error) {
	switch c.SubType {
	case core.SubTypeOpen, core.SubTypeHMRC:
		goods, err := s.repo.ListGoodsTypes(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("resolve goods types: %w", err)
		}
		return goods, nil
	case core.SubTypeGoods:
		good, err := s.repo.GetQueryGood(ctx, c.ID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, nil
			}
			return nil, fmt.Errorf("resolve query good: %w", err)
		}
		return []core.Good{good}, nil
	default:
		goods, err := s.repo.ListCaseGoods(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("resolve case goods: %w", err)
		}
		return goods, nil
	}
}

// resolveDestinations returns the case's active destinations: its non-deleted
// parties plus, for open-licence style cases, the country records it carries
// directly.
func (s *Service) resolveDestinations(ctx context.Context, c repository.Case) ([]core.Destination, error) {
	parties, err := s.repo.ListActiveParties(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve parties: %w", err)
	}

	countries, err := s.repo.ListCaseCountries(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve countries: %w", err)
	}

	return append(parties, countries...), nil
}

func (s *Service) attachGoodFlags(ctx context.Context, good core.Good, flagIDs []uuid.UUID) error {
	if len(flagIDs) == 0 {
		return nil
	}

	if good.Kind == core.KindGoodsType {
		if err := s.repo.AttachGoodsTypeFlags(ctx, good.ID, flagIDs); err != nil {
			return fmt.Errorf("attach goods type flags: %w", err)
		}
		s.metrics.RecordFlagsAttached("goods_type", len(flagIDs))
		return nil
	}

	if err := s.repo.AttachGoodFlags(ctx, good.ID, flagIDs); err != nil {
		return fmt.Errorf("attach good flags: %w", err)
	}
	s.metrics.RecordFlagsAttached("good", len(flagIDs))
	return nil
}

func (s *Service) attachDestinationFlags(ctx context.Context, dest core.Destination, flagIDs []uuid.UUID) error {
	if len(flagIDs) == 0 {
		return nil
	}

	if dest.Kind == core.KindCountry {
		if err := s.repo.AttachCountryFlags(ctx, dest.PartyID, flagIDs); err != nil {
			return fmt.Errorf("attach country flags: %w", err)
		}
		s.metrics.RecordFlagsAttached("country", len(flagIDs))
		return nil
	}

	if err := s.repo.AttachPartyFlags(ctx, dest.PartyID, flagIDs); err != nil {
		return fmt.Errorf("attach party flags: %w", err)
	}
	s.metrics.RecordFlagsAttached("party", len(flagIDs))
	return nil
}

// GetOrderedFlags aggregates every flag reachable from the case and returns
// them in display order for the requesting team.
func (s *Service) GetOrderedFlags(ctx context.Context, caseID uuid.UUID, requestingTeam uuid.UUID, opts core.OrderOptions) ([]core.OrderedFlag, error) {
	if _, err := s.GetCase(ctx, caseID); err != nil {
		return nil, err
	}

	sources, err := s.repo.ListCaseFlagSources(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("get ordered flags: %w", err)
	}

	return core.OrderFlags(sources, requestingTeam, opts), nil
}
