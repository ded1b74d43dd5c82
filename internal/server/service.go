package server

import (
	"context"

	"github.com/google/uuid"

	"github.com/exportarc/caseflow/internal/core"
	"github.com/exportarc/caseflow/internal/repository"
	"github.com/exportarc/caseflow/internal/service"
)

// Service is the operation surface the HTTP layer depends on.
type Service interface {
	GetActor(ctx context.Context, id uuid.UUID) (core.Actor, error)
	GetCase(ctx context.Context, id uuid.UUID) (repository.Case, error)

	ApplyRulesToCase(ctx context.Context, caseID uuid.UUID) error
	ApplyRuleRetroactively(ctx context.Context, actor core.Actor, ruleID uuid.UUID) (service.RetroResult, error)
	ChangeStatus(ctx context.Context, actor core.Actor, caseID uuid.UUID, target core.Status, note string) (repository.Case, error)
	SubmitCase(ctx context.Context, actor core.Actor, caseID uuid.UUID) (repository.Case, error)
	GetOrderedFlags(ctx context.Context, caseID uuid.UUID, requestingTeam uuid.UUID, opts core.OrderOptions) ([]core.OrderedFlag, error)
	ListAuditLog(ctx context.Context, caseID uuid.UUID, limit, offset int) ([]repository.AuditLogEntry, error)

	CreateFlag(ctx context.Context, actor core.Actor, flag core.Flag) (core.Flag, error)
	UpdateFlag(ctx context.Context, actor core.Actor, flag core.Flag) (core.Flag, error)
	GetFlag(ctx context.Context, id uuid.UUID) (core.Flag, error)
	ListFlags(ctx context.Context) ([]core.Flag, error)

	IssueAPIKey(ctx context.Context, actor core.Actor) (service.IssuedAPIKey, error)
	ListAPIKeys(ctx context.Context, actor core.Actor) ([]repository.APIKeyMeta, error)
	RevokeAPIKey(ctx context.Context, actor core.Actor, keyID string) error

	CreateRule(ctx context.Context, actor core.Actor, rule core.FlaggingRule) (core.FlaggingRule, error)
	UpdateRule(ctx context.Context, actor core.Actor, rule core.FlaggingRule) (core.FlaggingRule, error)
	GetRule(ctx context.Context, id uuid.UUID) (core.FlaggingRule, error)
	ListRules(ctx context.Context, level core.FlagLevel) ([]core.FlaggingRule, error)
}

var _ Service = (*service.Service)(nil)
