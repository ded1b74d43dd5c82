package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/exportarc/caseflow/internal/core"
)

// GetActor loads a caseworker with their team membership and granted
// permissions, as the transition guard and admin operations need them.
func (r *PostgresRepository) GetActor(ctx context.Context, id uuid.UUID) (core.Actor, error) {
	var actor core.Actor
	err := r.pool.QueryRow(ctx, `
		SELECT cw.id, cw.name, cw.team_id, t.is_finalising_team
		FROM caseworkers cw
		JOIN teams t ON t.id = cw.team_id
		WHERE cw.id = $1
	`, id).Scan(&actor.ID, &actor.Name, &actor.TeamID, &actor.IsFinalisingTeam)
	if err != nil {
		return core.Actor{}, fmt.Errorf("get actor: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT permission
		FROM caseworker_permissions
		WHERE caseworker_id = $1
	`, id)
	if err != nil {
		return core.Actor{}, fmt.Errorf("get actor permissions: %w", err)
	}
	defer rows.Close()

	actor.Permissions = make(map[core.Permission]bool)
	for rows.Next() {
		var permission core.Permission
		if err := rows.Scan(&permission); err != nil {
			return core.Actor{}, fmt.Errorf("scan actor permission: %w", err)
		}
		actor.Permissions[permission] = true
	}

	if err := rows.Err(); err != nil {
		return core.Actor{}, fmt.Errorf("actor permission rows: %w", err)
	}

	return actor, nil
}

// APIKeyMeta contains non-sensitive metadata for an API key, suitable for
// listing keys without exposing secrets.
type APIKeyMeta struct {
	ID           string    `json:"id"`
	CaseworkerID uuid.UUID `json:"caseworker_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// ValidateAPIKey returns the stored hash and owning caseworker for a
// non-revoked key ID. Callers compare the hash outside this package.
func (r *PostgresRepository) ValidateAPIKey(ctx context.Context, id string) (string, uuid.UUID, error) {
	var keyHash string
	var caseworkerID uuid.UUID
	if err := r.pool.QueryRow(ctx, `
		SELECT key_hash, caseworker_id
		FROM api_keys
		WHERE id = $1
		  AND revoked_at IS NULL
	`, id).Scan(&keyHash, &caseworkerID); err != nil {
		return "", uuid.Nil, fmt.Errorf("validate api key: %w", err)
	}

	return keyHash, caseworkerID, nil
}

// CreateAPIKey generates a new API key for the given caseworker, storing a
// bcrypt hash of the secret. The raw secret is returned exactly once; it
// cannot be retrieved later.
func (r *PostgresRepository) CreateAPIKey(ctx context.Context, caseworkerID uuid.UUID) (string, string, error) {
	keyID, err := generateRandomHex(16)
	if err != nil {
		return "", "", fmt.Errorf("generate key id: %w", err)
	}

	secret, err := generateRandomHex(32)
	if err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash api key: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, caseworker_id, name, key_hash)
		VALUES ($1, $2, $3, $4)
	`, keyID, caseworkerID, "api-key-"+keyID[:8], string(hash))
	if err != nil {
		return "", "", fmt.Errorf("create api key: %w", err)
	}

	return keyID, secret, nil
}

// ListAPIKeys returns metadata for all non-revoked API keys belonging to the
// caseworker. Secrets are never included.
func (r *PostgresRepository) ListAPIKeys(ctx context.Context, caseworkerID uuid.UUID) ([]APIKeyMeta, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, caseworker_id, created_at
		FROM api_keys
		WHERE caseworker_id = $1 AND revoked_at IS NULL
		ORDER BY created_at
	`, caseworkerID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	keys := make([]APIKeyMeta, 0)
	for rows.Next() {
		var k APIKeyMeta
		if err := rows.Scan(&k.ID, &k.CaseworkerID, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list api keys rows: %w", err)
	}

	return keys, nil
}

// RevokeAPIKey soft-deletes an API key by setting its revoked_at timestamp.
func (r *PostgresRepository) RevokeAPIKey(ctx context.Context, caseworkerID uuid.UUID, keyID string) error {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET revoked_at = NOW()
		WHERE id = $1 AND caseworker_id = $2 AND revoked_at IS NULL
	`, keyID, caseworkerID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("revoke api key: %w", pgx.ErrNoRows)
	}

	return nil
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
