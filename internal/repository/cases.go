package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/exportarc/caseflow/internal/core"
)

// Case is the repository-level view of a case row: just enough for the rule
// engine and the status guard.
type Case struct {
	ID             uuid.UUID    `json:"id"`
	Reference      string       `json:"reference"`
	CaseType       string       `json:"case_type"`
	SubType        core.SubType `json:"sub_type"`
	Status         core.Status  `json:"status"`
	OrganisationID uuid.UUID    `json:"organisation_id"`
}

// GetCase retrieves a case by ID.
func (r *PostgresRepository) GetCase(ctx context.Context, id uuid.UUID) (Case, error) {
	var c Case
	err := r.pool.QueryRow(ctx, `
		SELECT id, reference, case_type, sub_type, status, organisation_id
		FROM cases
		WHERE id = $1
	`, id).Scan(&c.ID, &c.Reference, &c.CaseType, &c.SubType, &c.Status, &c.OrganisationID)
	if err != nil {
		return Case{}, fmt.Errorf("get case: %w", err)
	}

	return c, nil
}

// UpdateCaseStatus persists a new status for the case.
func (r *PostgresRepository) UpdateCaseStatus(ctx context.Context, id uuid.UUID, status core.Status) error {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE cases SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("update case status: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("update case status: %w", pgx.ErrNoRows)
	}

	return nil
}

// ListCaseGoods returns the goods linked to a case through case_goods, as
// evaluator snapshots.
func (r *PostgresRepository) ListCaseGoods(ctx context.Context, caseID uuid.UUID) ([]core.Good, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT g.id, g.status, g.ratings
		FROM goods g
		JOIN case_goods cg ON cg.good_id = g.id
		WHERE cg.case_id = $1
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list case goods: %w", err)
	}
	defer rows.Close()

	goods := make([]core.Good, 0)
	for rows.Next() {
		good := core.Good{Kind: core.KindGood}
		if err := rows.Scan(&good.ID, &good.Status, &good.Ratings); err != nil {
			return nil, fmt.Errorf("scan case good: %w", err)
		}
		goods = append(goods, good)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list case goods rows: %w", err)
	}

	return goods, nil
}

// ListGoodsTypes returns a case's goods-type records as evaluator snapshots.
// Goods types carry no verification status.
func (r *PostgresRepository) ListGoodsTypes(ctx context.Context, caseID uuid.UUID) ([]core.Good, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, ratings
		FROM goods_types
		WHERE case_id = $1
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list goods types: %w", err)
	}
	defer rows.Close()

	goods := make([]core.Good, 0)
	for rows.Next() {
		good := core.Good{Kind: core.KindGoodsType}
		if err := rows.Scan(&good.ID, &good.Ratings); err != nil {
			return nil, fmt.Errorf("scan goods type: %w", err)
		}
		goods = append(goods, good)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list goods types rows: %w", err)
	}

	return goods, nil
}

// GetQueryGood returns the single good a goods-query case is about.
func (r *PostgresRepository) GetQueryGood(ctx context.Context, caseID uuid.UUID) (core.Good, error) {
	good := core.Good{Kind: core.KindGood}
	err := r.pool.QueryRow(ctx, `
		SELECT g.id, g.status, g.ratings
		FROM goods g
		JOIN cases c ON c.query_good_id = g.id
		WHERE c.id = $1
	`, caseID).Scan(&good.ID, &good.Status, &good.Ratings)
	if err != nil {
		return core.Good{}, fmt.Errorf("get query good: %w", err)
	}

	return good, nil
}

// ListActiveParties returns the case's party destinations whose link has not
// been soft-deleted.
func (r *PostgresRepository) ListActiveParties(ctx context.Context, caseID uuid.UUID) ([]core.Destination, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT p.id, p.country_code
		FROM parties p
		JOIN case_parties cp ON cp.party_id = p.id
		WHERE cp.case_id = $1
		  AND cp.deleted_at IS NULL
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list active parties: %w", err)
	}
	defer rows.Close()

	destinations := make([]core.Destination, 0)
	for rows.Next() {
		dest := core.Destination{Kind: core.KindParty}
		if err := rows.Scan(&dest.PartyID, &dest.CountryCode); err != nil {
			return nil, fmt.Errorf("scan party: %w", err)
		}
		destinations = append(destinations, dest)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active parties rows: %w", err)
	}

	return destinations, nil
}

// ListCaseCountries returns the bare country destinations an open-licence
// case carries directly.
func (r *PostgresRepository) ListCaseCountries(ctx context.Context, caseID uuid.UUID) ([]core.Destination, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, country_code
		FROM case_countries
		WHERE case_id = $1
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list case countries: %w", err)
	}
	defer rows.Close()

	destinations := make([]core.Destination, 0)
	for rows.Next() {
		dest := core.Destination{Kind: core.KindCountry}
		if err := rows.Scan(&dest.PartyID, &dest.CountryCode); err != nil {
			return nil, fmt.Errorf("scan case country: %w", err)
		}
		destinations = append(destinations, dest)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list case countries rows: %w", err)
	}

	return destinations, nil
}

// AttachCaseFlags links flags to a case. Existing links are left untouched,
// which makes repeated rule application idempotent.
func (r *PostgresRepository) AttachCaseFlags(ctx context.Context, caseID uuid.UUID, flagIDs []uuid.UUID) error {
	return r.attachFlags(ctx, "case_flags", "case_id", caseID, flagIDs)
}

// AttachGoodFlags links flags to a good.
func (r *PostgresRepository) AttachGoodFlags(ctx context.Context, goodID uuid.UUID, flagIDs []uuid.UUID) error {
	return r.attachFlags(ctx, "good_flags", "good_id", goodID, flagIDs)
}

// AttachGoodsTypeFlags links flags to a goods-type record.
func (r *PostgresRepository) AttachGoodsTypeFlags(ctx context.Context, goodsTypeID uuid.UUID, flagIDs []uuid.UUID) error {
	return r.attachFlags(ctx, "goods_type_flags", "goods_type_id", goodsTypeID, flagIDs)
}

// AttachPartyFlags links flags to a party.
func (r *PostgresRepository) AttachPartyFlags(ctx context.Context, partyID uuid.UUID, flagIDs []uuid.UUID) error {
	return r.attachFlags(ctx, "party_flags", "party_id", partyID, flagIDs)
}

// AttachCountryFlags links flags to a case-country record.
func (r *PostgresRepository) AttachCountryFlags(ctx context.Context, countryID uuid.UUID, flagIDs []uuid.UUID) error {
	return r.attachFlags(ctx, "country_flags", "case_country_id", countryID, flagIDs)
}

// attachFlags is the shared insert for the five flag link tables. They all
// have the shape (<entity>_id, flag_id) with a composite primary key, so
// ON CONFLICT DO NOTHING gives idempotence for free.
func (r *PostgresRepository) attachFlags(ctx context.Context, table, column string, entityID uuid.UUID, flagIDs []uuid.UUID) error {
	if len(flagIDs) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (%s, flag_id)
		SELECT $1, unnest($2::uuid[])
		ON CONFLICT DO NOTHING
	`, table, column)

	if _, err := r.pool.Exec(ctx, query, entityID, flagIDs); err != nil {
		return fmt.Errorf("attach %s: %w", table, err)
	}

	return nil
}

// ListCaseFlagSources collects every flag attached to the case or to any
// entity reachable from it, with the path category the aggregation ordering
// needs. Organisation flags land in the "other" bucket.
func (r *PostgresRepository) ListCaseFlagSources(ctx context.Context, caseID uuid.UUID) ([]core.FlagSource, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT f.id, f.name, f.level, f.status, f.priority, f.team_id, f.label, f.colour, f.blocks_finalising, f.removable_by, src.category
		FROM (
			SELECT gf.flag_id, 0 AS category
			FROM good_flags gf
			JOIN case_goods cg ON cg.good_id = gf.good_id
			WHERE cg.case_id = $1
			UNION ALL
			SELECT gtf.flag_id, 0
			FROM goods_type_flags gtf
			JOIN goods_types gt ON gt.id = gtf.goods_type_id
			WHERE gt.case_id = $1
			UNION ALL
			SELECT pf.flag_id, 1
			FROM party_flags pf
			JOIN case_parties cp ON cp.party_id = pf.party_id
			WHERE cp.case_id = $1
			  AND cp.deleted_at IS NULL
			UNION ALL
			SELECT cf2.flag_id, 1
			FROM country_flags cf2
			JOIN case_countries cc ON cc.id = cf2.case_country_id
			WHERE cc.case_id = $1
			UNION ALL
			SELECT cf.flag_id, 2
			FROM case_flags cf
			WHERE cf.case_id = $1
			UNION ALL
			SELECT ofl.flag_id, 3
			FROM organisation_flags ofl
			JOIN cases c ON c.organisation_id = ofl.organisation_id
			WHERE c.id = $1
		) src
		JOIN flags f ON f.id = src.flag_id
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list case flag sources: %w", err)
	}
	defer rows.Close()

	sources := make([]core.FlagSource, 0)
	for rows.Next() {
		var source core.FlagSource
		if err := rows.Scan(
			&source.Flag.ID,
			&source.Flag.Name,
			&source.Flag.Level,
			&source.Flag.Status,
			&source.Flag.Priority,
			&source.Flag.TeamID,
			&source.Flag.Label,
			&source.Flag.Colour,
			&source.Flag.BlocksFinalising,
			&source.Flag.RemovableBy,
			&source.Category,
		); err != nil {
			return nil, fmt.Errorf("scan flag source: %w", err)
		}
		sources = append(sources, source)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list case flag sources rows: %w", err)
	}

	return sources, nil
}
