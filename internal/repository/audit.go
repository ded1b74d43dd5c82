package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditLogEntry records a mutation performed on a case or on flag
// configuration. Payload carries verb-specific details such as the previous
// and new status.
type AuditLogEntry struct {
	ID        int64           `json:"id"`
	ActorID   uuid.UUID       `json:"actor_id"`
	Verb      string          `json:"verb"`
	CaseID    *uuid.UUID      `json:"case_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// InsertAuditLog writes a single audit log entry.
func (r *PostgresRepository) InsertAuditLog(ctx context.Context, entry AuditLogEntry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_log (actor_id, verb, case_id, payload)
		VALUES ($1, $2, $3, $4)
	`, entry.ActorID, entry.Verb, entry.CaseID, ensureJSON(entry.Payload))
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// ListAuditLog returns audit entries for a case, newest first.
func (r *PostgresRepository) ListAuditLog(ctx context.Context, caseID uuid.UUID, limit, offset int) ([]AuditLogEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, actor_id, verb, case_id, payload, created_at
		FROM audit_log
		WHERE case_id = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3
	`, caseID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	defer rows.Close()

	entries := make([]AuditLogEntry, 0)
	for rows.Next() {
		var e AuditLogEntry
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Verb, &e.CaseID, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log entry: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit log rows: %w", err)
	}

	return entries, nil
}

func ensureJSON(input json.RawMessage) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage("{}")
	}
	return input
}
