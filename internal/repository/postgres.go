// Package repository provides PostgreSQL-backed persistence for cases, flags,
// flagging rules, caseworkers, and the audit log. Queries return pgx.ErrNoRows
// (wrapped) for missing rows; the service layer maps those to its own
// sentinels.
package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/exportarc/caseflow/internal/core"
)

// PostgresRepository implements persistence for the case engine backed by a
// pgxpool connection pool.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a [PostgresRepository] on the given pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// CreateFlag inserts a flag and returns the stored record.
func (r *PostgresRepository) CreateFlag(ctx context.Context, flag core.Flag) (core.Flag, error) {
	var created core.Flag
	err := r.pool.QueryRow(ctx, `
		INSERT INTO flags (name, level, status, priority, team_id, label, colour, blocks_finalising, removable_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, name, level, status, priority, team_id, label, colour, blocks_finalising, removable_by
	`,
		flag.Name,
		flag.Level,
		flag.Status,
		flag.Priority,
		flag.TeamID,
		flag.Label,
		flag.Colour,
		flag.BlocksFinalising,
		flag.RemovableBy,
	).Scan(
		&created.ID,
		&created.Name,
		&created.Level,
		&created.Status,
		&created.Priority,
		&created.TeamID,
		&created.Label,
		&created.Colour,
		&created.BlocksFinalising,
		&created.RemovableBy,
	)
	if err != nil {
		return core.Flag{}, fmt.Errorf("create flag: %w", err)
	}

	return created, nil
}

// UpdateFlag updates the mutable columns of a flag. The level column is
// deliberately absent from the SET list: a flag's level is fixed at creation.
func (r *PostgresRepository) UpdateFlag(ctx context.Context, flag core.Flag) (core.Flag, error) {
	var updated core.Flag
	err := r.pool.QueryRow(ctx, `
		UPDATE flags
		SET name = $2,
		    status = $3,
		    priority = $4,
		    label = $5,
		    colour = $6,
		    blocks_finalising = $7,
		    removable_by = $8
		WHERE id = $1
		RETURNING id, name, level, status, priority, team_id, label, colour, blocks_finalising, removable_by
	`,
		flag.ID,
		flag.Name,
		flag.Status,
		flag.Priority,
		flag.Label,
		flag.Colour,
		flag.BlocksFinalising,
		flag.RemovableBy,
	).Scan(
		&updated.ID,
		&updated.Name,
		&updated.Level,
		&updated.Status,
		&updated.Priority,
		&updated.TeamID,
		&updated.Label,
		&updated.Colour,
		&updated.BlocksFinalising,
		&updated.RemovableBy,
	)
	if err != nil {
		return core.Flag{}, fmt.Errorf("update flag: %w", err)
	}

	return updated, nil
}

// GetFlag retrieves a single flag by ID.
func (r *PostgresRepository) GetFlag(ctx context.Context, id uuid.UUID) (core.Flag, error) {
	var flag core.Flag
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, level, status, priority, team_id, label, colour, blocks_finalising, removable_by
		FROM flags
		WHERE id = $1
	`, id).Scan(
		&flag.ID,
		&flag.Name,
		&flag.Level,
		&flag.Status,
		&flag.Priority,
		&flag.TeamID,
		&flag.Label,
		&flag.Colour,
		&flag.BlocksFinalising,
		&flag.RemovableBy,
	)
	if err != nil {
		return core.Flag{}, fmt.Errorf("get flag: %w", err)
	}

	return flag, nil
}

// ListFlags returns all flags ordered by team and priority. Deactivated flags
// are included; callers filter when they need active flags only.
func (r *PostgresRepository) ListFlags(ctx context.Context) ([]core.Flag, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, level, status, priority, team_id, label, colour, blocks_finalising, removable_by
		FROM flags
		ORDER BY team_id, priority, name
	`)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	defer rows.Close()

	flags := make([]core.Flag, 0)
	for rows.Next() {
		var flag core.Flag
		if err := rows.Scan(
			&flag.ID,
			&flag.Name,
			&flag.Level,
			&flag.Status,
			&flag.Priority,
			&flag.TeamID,
			&flag.Label,
			&flag.Colour,
			&flag.BlocksFinalising,
			&flag.RemovableBy,
		); err != nil {
			return nil, fmt.Errorf("scan flag: %w", err)
		}
		flags = append(flags, flag)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list flags rows: %w", err)
	}

	return flags, nil
}

// CreateRule inserts a flagging rule. A duplicate of an existing rule
// (same team, level, flag, matching values, and verified-only qualifier)
// violates the table's unique index; the raw constraint error is returned
// wrapped for the service layer to classify.
func (r *PostgresRepository) CreateRule(ctx context.Context, rule core.FlaggingRule) (core.FlaggingRule, error) {
	var created core.FlaggingRule
	err := r.pool.QueryRow(ctx, `
		INSERT INTO flagging_rules (team_id, level, flag_id, status, matching_values, is_for_verified_goods_only)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, team_id, level, flag_id, status, matching_values, is_for_verified_goods_only
	`,
		rule.TeamID,
		rule.Level,
		rule.FlagID,
		rule.Status,
		rule.MatchingValues,
		rule.IsForVerifiedGoodsOnly,
	).Scan(
		&created.ID,
		&created.TeamID,
		&created.Level,
		&created.FlagID,
		&created.Status,
		&created.MatchingValues,
		&created.IsForVerifiedGoodsOnly,
	)
	if err != nil {
		return core.FlaggingRule{}, fmt.Errorf("create rule: %w", err)
	}
	created.FlagStatus = core.FlagStatusActive

	return created, nil
}

// UpdateRule updates a rule's status and matching criteria. Level, team, and
// flag are fixed at creation.
func (r *PostgresRepository) UpdateRule(ctx context.Context, rule core.FlaggingRule) (core.FlaggingRule, error) {
	var updated core.FlaggingRule
	err := r.pool.QueryRow(ctx, `
		UPDATE flagging_rules fr
		SET status = $2,
		    matching_values = $3,
		    is_for_verified_goods_only = $4
		FROM flags f
		WHERE fr.id = $1 AND f.id = fr.flag_id
		RETURNING fr.id, fr.team_id, fr.level, fr.flag_id, f.status, fr.status, fr.matching_values, fr.is_for_verified_goods_only
	`,
		rule.ID,
		rule.Status,
		rule.MatchingValues,
		rule.IsForVerifiedGoodsOnly,
	).Scan(
		&updated.ID,
		&updated.TeamID,
		&updated.Level,
		&updated.FlagID,
		&updated.FlagStatus,
		&updated.Status,
		&updated.MatchingValues,
		&updated.IsForVerifiedGoodsOnly,
	)
	if err != nil {
		return core.FlaggingRule{}, fmt.Errorf("update rule: %w", err)
	}

	return updated, nil
}

// GetRule retrieves a rule with its flag's status joined in.
func (r *PostgresRepository) GetRule(ctx context.Context, id uuid.UUID) (core.FlaggingRule, error) {
	var rule core.FlaggingRule
	err := r.pool.QueryRow(ctx, `
		SELECT fr.id, fr.team_id, fr.level, fr.flag_id, f.status, fr.status, fr.matching_values, fr.is_for_verified_goods_only
		FROM flagging_rules fr
		JOIN flags f ON f.id = fr.flag_id
		WHERE fr.id = $1
	`, id).Scan(
		&rule.ID,
		&rule.TeamID,
		&rule.Level,
		&rule.FlagID,
		&rule.FlagStatus,
		&rule.Status,
		&rule.MatchingValues,
		&rule.IsForVerifiedGoodsOnly,
	)
	if err != nil {
		return core.FlaggingRule{}, fmt.Errorf("get rule: %w", err)
	}

	return rule, nil
}

// ListRules returns every flagging rule with its flag status joined in,
// optionally filtered by level. An empty level returns all rules.
func (r *PostgresRepository) ListRules(ctx context.Context, level core.FlagLevel) ([]core.FlaggingRule, error) {
	query := `
		SELECT fr.id, fr.team_id, fr.level, fr.flag_id, f.status, fr.status, fr.matching_values, fr.is_for_verified_goods_only
		FROM flagging_rules fr
		JOIN flags f ON f.id = fr.flag_id
	`
	args := []any{}
	if level != "" {
		query += ` WHERE fr.level = $1`
		args = append(args, level)
	}
	query += ` ORDER BY fr.team_id, fr.id`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	rules := make([]core.FlaggingRule, 0)
	for rows.Next() {
		var rule core.FlaggingRule
		if err := rows.Scan(
			&rule.ID,
			&rule.TeamID,
			&rule.Level,
			&rule.FlagID,
			&rule.FlagStatus,
			&rule.Status,
			&rule.MatchingValues,
			&rule.IsForVerifiedGoodsOnly,
		); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rules rows: %w", err)
	}

	return rules, nil
}

// ListActiveRules returns rules ready for matching at the given level: both
// the rule and its flag are active. This is the evaluator's working set, so
// the filtering happens here rather than in Go.
func (r *PostgresRepository) ListActiveRules(ctx context.Context, level core.FlagLevel) ([]core.FlaggingRule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT fr.id, fr.team_id, fr.level, fr.flag_id, f.status, fr.status, fr.matching_values, fr.is_for_verified_goods_only
		FROM flagging_rules fr
		JOIN flags f ON f.id = fr.flag_id
		WHERE fr.level = $1
		  AND fr.status = 'Active'
		  AND f.status = 'Active'
	`, level)
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}
	defer rows.Close()

	rules := make([]core.FlaggingRule, 0)
	for rows.Next() {
		var rule core.FlaggingRule
		if err := rows.Scan(
			&rule.ID,
			&rule.TeamID,
			&rule.Level,
			&rule.FlagID,
			&rule.FlagStatus,
			&rule.Status,
			&rule.MatchingValues,
			&rule.IsForVerifiedGoodsOnly,
		); err != nil {
			return nil, fmt.Errorf("scan active rule: %w", err)
		}
		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active rules rows: %w", err)
	}

	return rules, nil
}

// ListRulesForFlag returns the active rules referencing the given flag. Used
// when a flag is reactivated to re-run its rules.
func (r *PostgresRepository) ListRulesForFlag(ctx context.Context, flagID uuid.UUID) ([]core.FlaggingRule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT fr.id, fr.team_id, fr.level, fr.flag_id, f.status, fr.status, fr.matching_values, fr.is_for_verified_goods_only
		FROM flagging_rules fr
		JOIN flags f ON f.id = fr.flag_id
		WHERE fr.flag_id = $1
		  AND fr.status = 'Active'
	`, flagID)
	if err != nil {
		return nil, fmt.Errorf("list rules for flag: %w", err)
	}
	defer rows.Close()

	rules := make([]core.FlaggingRule, 0)
	for rows.Next() {
		var rule core.FlaggingRule
		if err := rows.Scan(
			&rule.ID,
			&rule.TeamID,
			&rule.Level,
			&rule.FlagID,
			&rule.FlagStatus,
			&rule.Status,
			&rule.MatchingValues,
			&rule.IsForVerifiedGoodsOnly,
		); err != nil {
			return nil, fmt.Errorf("scan rule for flag: %w", err)
		}
		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rules for flag rows: %w", err)
	}

	return rules, nil
}
