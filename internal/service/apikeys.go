package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/exportarc/caseflow/internal/core"
	"github.com/exportarc/caseflow/internal/repository"
)

// IssuedAPIKey carries a freshly minted key. Token is the "keyID.secret"
// bearer credential and is shown exactly once; only its hash is stored.
type IssuedAPIKey struct {
	KeyID string `json:"key_id"`
	Token string `json:"token"`
}

type apiKeyPayload struct {
	KeyID string `json:"key_id"`
}

// IssueAPIKey mints a new API key for the requesting caseworker.
func (s *Service) IssueAPIKey(ctx context.Context, actor core.Actor) (IssuedAPIKey, error) {
	keyID, secret, err := s.repo.CreateAPIKey(ctx, actor.ID)
	if err != nil {
		return IssuedAPIKey{}, fmt.Errorf("issue api key: %w", err)
	}

	s.recordAuditBestEffort(ctx, actor.ID, auditVerbKeyIssued, nil, apiKeyPayload{KeyID: keyID})

	return IssuedAPIKey{KeyID: keyID, Token: keyID + "." + secret}, nil
}

// ListAPIKeys returns metadata for the caseworker's own non-revoked keys.
func (s *Service) ListAPIKeys(ctx context.Context, actor core.Actor) ([]repository.APIKeyMeta, error) {
	keys, err := s.repo.ListAPIKeys(ctx, actor.ID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keys, nil
}

// RevokeAPIKey revokes one of the caseworker's own keys. A key belonging to
// another caseworker is indistinguishable from a missing one.
func (s *Service) RevokeAPIKey(ctx context.Context, actor core.Actor, keyID string) error {
	if err := s.repo.RevokeAPIKey(ctx, actor.ID, keyID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAPIKeyNotFound
		}
		return fmt.Errorf("revoke api key: %w", err)
	}

	s.recordAuditBestEffort(ctx, actor.ID, auditVerbKeyRevoked, nil, apiKeyPayload{KeyID: keyID})

	return nil
}
