// Package service implements the case engine's operations on top of the
// repository: rule application, retroactive sweeps, status changes, flag
// aggregation, and flag/rule administration.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/exportarc/caseflow/internal/core"
	"github.com/exportarc/caseflow/internal/repository"
)

const (
	auditVerbStatusChange = "status_change"
	auditVerbSubmitted    = "case_submitted"
	auditVerbRulesApplied = "rules_applied"
	auditVerbFlagCreated  = "flag_created"
	auditVerbFlagUpdated  = "flag_updated"
	auditVerbRuleCreated  = "rule_created"
	auditVerbRuleUpdated  = "rule_updated"
	auditVerbKeyIssued    = "api_key_issued"
	auditVerbKeyRevoked   = "api_key_revoked"

	bestEffortTimeout = 2 * time.Second
)

var (
	ErrCaseNotFound         = errors.New("case not found")
	ErrFlagNotFound         = errors.New("flag not found")
	ErrRuleNotFound         = errors.New("rule not found")
	ErrActorNotFound        = errors.New("actor not found")
	ErrAPIKeyNotFound       = errors.New("api key not found")
	ErrDuplicateRule        = errors.New("an identical flagging rule already exists")
	ErrDuplicateFlagName    = errors.New("a flag with that name already exists")
	ErrVerifiedOnlyRequired = errors.New("good-level rules must state the verified-goods-only qualifier")
	ErrInvalidLevel         = errors.New("invalid flag level")
	ErrLevelImmutable       = errors.New("a flag's level cannot be changed")
	ErrPermissionDenied     = errors.New("permission denied")
)

// Repository is the persistence surface the service depends on. It is
// satisfied by [repository.PostgresRepository]; tests substitute a fake.
type Repository interface {
	GetCase(ctx context.Context, id uuid.UUID) (repository.Case, error)
	UpdateCaseStatus(ctx context.Context, id uuid.UUID, status core.Status) error

	ListCaseGoods(ctx context.Context, caseID uuid.UUID) ([]core.Good, error)
	ListGoodsTypes(ctx context.Context, caseID uuid.UUID) ([]core.Good, error)
	GetQueryGood(ctx context.Context, caseID uuid.UUID) (core.Good, error)
	ListActiveParties(ctx context.Context, caseID uuid.UUID) ([]core.Destination, error)
	ListCaseCountries(ctx context.Context, caseID uuid.UUID) ([]core.Destination, error)

	AttachCaseFlags(ctx context.Context, caseID uuid.UUID, flagIDs []uuid.UUID) error
	AttachGoodFlags(ctx context.Context, goodID uuid.UUID, flagIDs []uuid.UUID) error
	AttachGoodsTypeFlags(ctx context.Context, goodsTypeID uuid.UUID, flagIDs []uuid.UUID) error
	AttachPartyFlags(ctx context.Context, partyID uuid.UUID, flagIDs []uuid.UUID) error
	AttachCountryFlags(ctx context.Context, countryID uuid.UUID, flagIDs []uuid.UUID) error
	ListCaseFlagSources(ctx context.Context, caseID uuid.UUID) ([]core.FlagSource, error)

	CreateFlag(ctx context.Context, flag core.Flag) (core.Flag, error)
	UpdateFlag(ctx context.Context, flag core.Flag) (core.Flag, error)
	GetFlag(ctx context.Context, id uuid.UUID) (core.Flag, error)
	ListFlags(ctx context.Context) ([]core.Flag, error)

	CreateRule(ctx context.Context, rule core.FlaggingRule) (core.FlaggingRule, error)
	UpdateRule(ctx context.Context, rule core.FlaggingRule) (core.FlaggingRule, error)
	GetRule(ctx context.Context, id uuid.UUID) (core.FlaggingRule, error)
	ListRules(ctx context.Context, level core.FlagLevel) ([]core.FlaggingRule, error)
	ListActiveRules(ctx context.Context, level core.FlagLevel) ([]core.FlaggingRule, error)
	ListRulesForFlag(ctx context.Context, flagID uuid.UUID) ([]core.FlaggingRule, error)

	ListOpenCaseIDsByCaseTypes(ctx context.Context, refs []string) ([]uuid.UUID, error)
	ListOpenCasesWithMatchingGoods(ctx context.Context, ratings []string, verifiedOnly bool) ([]repository.MatchingGood, error)
	ListOpenCasesWithMatchingGoodsTypes(ctx context.Context, ratings []string) ([]repository.MatchingGood, error)
	ListOpenCasesWithMatchingParties(ctx context.Context, countryCodes []string) ([]repository.MatchingDestination, error)
	ListOpenCasesWithMatchingCountries(ctx context.Context, countryCodes []string) ([]repository.MatchingDestination, error)

	GetActor(ctx context.Context, id uuid.UUID) (core.Actor, error)
	InsertAuditLog(ctx context.Context, entry repository.AuditLogEntry) error
	ListAuditLog(ctx context.Context, caseID uuid.UUID, limit, offset int) ([]repository.AuditLogEntry, error)

	CreateAPIKey(ctx context.Context, caseworkerID uuid.UUID) (string, string, error)
	ListAPIKeys(ctx context.Context, caseworkerID uuid.UUID) ([]repository.APIKeyMeta, error)
	RevokeAPIKey(ctx context.Context, caseworkerID uuid.UUID, keyID string) error
}

// Recorder receives domain metric events. Satisfied by [metrics.Metrics];
// the default is a no-op.
type Recorder interface {
	RecordRuleEvaluation(level string)
	RecordFlagsAttached(entity string, n int)
	RecordStatusTransition(outcome string)
	RecordRetroSweep()
}

type nopRecorder struct{}

func (nopRecorder) RecordRuleEvaluation(string)     {}
func (nopRecorder) RecordFlagsAttached(string, int) {}
func (nopRecorder) RecordStatusTransition(string)   {}
func (nopRecorder) RecordRetroSweep()               {}

// Option configures optional Service parameters.
type Option func(*Service)

// WithMetrics attaches a domain metrics recorder.
func WithMetrics(rec Recorder) Option {
	return func(s *Service) {
		if rec != nil {
			s.metrics = rec
		}
	}
}

// Service wires the pure engine in [core] to persistence.
type Service struct {
	repo    Repository
	logger  *slog.Logger
	metrics Recorder
}

// New constructs a Service. A nil logger falls back to slog.Default.
func New(repo Repository, logger *slog.Logger, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{repo: repo, logger: logger, metrics: nopRecorder{}}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// GetActor resolves the caseworker behind an authenticated request.
func (s *Service) GetActor(ctx context.Context, id uuid.UUID) (core.Actor, error) {
	actor, err := s.repo.GetActor(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.Actor{}, ErrActorNotFound
		}
		return core.Actor{}, fmt.Errorf("get actor: %w", err)
	}
	return actor, nil
}

// GetCase retrieves a case.
func (s *Service) GetCase(ctx context.Context, id uuid.UUID) (repository.Case, error) {
	c, err := s.repo.GetCase(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Case{}, ErrCaseNotFound
		}
		return repository.Case{}, fmt.Errorf("get case: %w", err)
	}
	return c, nil
}

// ListAuditLog returns a case's audit trail, newest first.
func (s *Service) ListAuditLog(ctx context.Context, caseID uuid.UUID, limit, offset int) ([]repository.AuditLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	entries, err := s.repo.ListAuditLog(ctx, caseID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	return entries, nil
}

// recordAuditBestEffort writes an audit entry without letting a logging
// failure undo the mutation it describes. The mutation has already committed
// when this runs.
func (s *Service) recordAuditBestEffort(ctx context.Context, actorID uuid.UUID, verb string, caseID *uuid.UUID, payload any) {
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()

	raw, err := json.Marshal(payload)
	if err != nil {
		s.logger.ErrorContext(ctx, "marshal audit payload", "verb", verb, "error", err)
		return
	}

	entry := repository.AuditLogEntry{
		ActorID: actorID,
		Verb:    verb,
		CaseID:  caseID,
		Payload: raw,
	}
	if err := s.repo.InsertAuditLog(auditCtx, entry); err != nil {
		s.logger.ErrorContext(ctx, "insert audit log", "verb", verb, "error", err)
	}
}
