package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/exportarc/caseflow/internal/core"
)

// Retroactive application prefilters candidates in SQL rather than walking
// every case in Go. Each query returns only open cases: drafts have not been
// submitted and terminal cases are closed to routing changes, so neither
// accumulates flags.

const openCasesPredicate = `
	c.status NOT IN ('draft', 'closed', 'deregistered', 'finalised', 'registered', 'revoked', 'surrendered', 'withdrawn')
`

// ListOpenCaseIDsByCaseTypes returns open cases whose case type reference is
// in refs, batched for a Case-level rule sweep.
func (r *PostgresRepository) ListOpenCaseIDsByCaseTypes(ctx context.Context, refs []string) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT c.id
		FROM cases c
		WHERE c.case_type = ANY($1)
		  AND `+openCasesPredicate+`
		ORDER BY c.id
	`, refs)
	if err != nil {
		return nil, fmt.Errorf("list cases by type: %w", err)
	}
	defer rows.Close()

	return scanIDs(rows)
}

// MatchingGood pairs a good with the open case it is linked to, for a
// Good-level rule sweep.
type MatchingGood struct {
	CaseID uuid.UUID
	Good   core.Good
}

// ListOpenCasesWithMatchingGoods returns goods on open cases whose ratings
// overlap the rule's matching values. When verifiedOnly is set, goods with an
// unverified classification are excluded at the database.
func (r *PostgresRepository) ListOpenCasesWithMatchingGoods(ctx context.Context, ratings []string, verifiedOnly bool) ([]MatchingGood, error) {
	query := `
		SELECT cg.case_id, g.id, g.status, g.ratings
		FROM goods g
		JOIN case_goods cg ON cg.good_id = g.id
		JOIN cases c ON c.id = cg.case_id
		WHERE g.ratings && $1
		  AND ` + openCasesPredicate
	if verifiedOnly {
		query += ` AND g.status = 'verified'`
	}
	query += ` ORDER BY cg.case_id`

	rows, err := r.pool.Query(ctx, query, ratings)
	if err != nil {
		return nil, fmt.Errorf("list matching goods: %w", err)
	}
	defer rows.Close()

	matches := make([]MatchingGood, 0)
	for rows.Next() {
		match := MatchingGood{Good: core.Good{Kind: core.KindGood}}
		if err := rows.Scan(&match.CaseID, &match.Good.ID, &match.Good.Status, &match.Good.Ratings); err != nil {
			return nil, fmt.Errorf("scan matching good: %w", err)
		}
		matches = append(matches, match)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list matching goods rows: %w", err)
	}

	return matches, nil
}

// ListOpenCasesWithMatchingGoodsTypes returns goods-type records on open
// cases whose ratings overlap the rule's matching values. Goods types have no
// verification lifecycle, so there is no verified-only variant.
func (r *PostgresRepository) ListOpenCasesWithMatchingGoodsTypes(ctx context.Context, ratings []string) ([]MatchingGood, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT gt.case_id, gt.id, gt.ratings
		FROM goods_types gt
		JOIN cases c ON c.id = gt.case_id
		WHERE gt.ratings && $1
		  AND `+openCasesPredicate+`
		ORDER BY gt.case_id
	`, ratings)
	if err != nil {
		return nil, fmt.Errorf("list matching goods types: %w", err)
	}
	defer rows.Close()

	matches := make([]MatchingGood, 0)
	for rows.Next() {
		match := MatchingGood{Good: core.Good{Kind: core.KindGoodsType}}
		if err := rows.Scan(&match.CaseID, &match.Good.ID, &match.Good.Ratings); err != nil {
			return nil, fmt.Errorf("scan matching goods type: %w", err)
		}
		matches = append(matches, match)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list matching goods types rows: %w", err)
	}

	return matches, nil
}

// MatchingDestination pairs a destination with the open case it belongs to,
// for a Destination-level rule sweep.
type MatchingDestination struct {
	CaseID      uuid.UUID
	Destination core.Destination
}

// ListOpenCasesWithMatchingParties returns non-deleted parties on open cases
// whose country is in countryCodes.
func (r *PostgresRepository) ListOpenCasesWithMatchingParties(ctx context.Context, countryCodes []string) ([]MatchingDestination, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT cp.case_id, p.id, p.country_code
		FROM parties p
		JOIN case_parties cp ON cp.party_id = p.id
		JOIN cases c ON c.id = cp.case_id
		WHERE p.country_code = ANY($1)
		  AND cp.deleted_at IS NULL
		  AND `+openCasesPredicate+`
		ORDER BY cp.case_id
	`, countryCodes)
	if err != nil {
		return nil, fmt.Errorf("list matching parties: %w", err)
	}
	defer rows.Close()

	return scanDestinations(rows, core.KindParty)
}

// ListOpenCasesWithMatchingCountries returns case-country records on open
// cases whose country is in countryCodes.
func (r *PostgresRepository) ListOpenCasesWithMatchingCountries(ctx context.Context, countryCodes []string) ([]MatchingDestination, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT cc.case_id, cc.id, cc.country_code
		FROM case_countries cc
		JOIN cases c ON c.id = cc.case_id
		WHERE cc.country_code = ANY($1)
		  AND `+openCasesPredicate+`
		ORDER BY cc.case_id
	`, countryCodes)
	if err != nil {
		return nil, fmt.Errorf("list matching countries: %w", err)
	}
	defer rows.Close()

	return scanDestinations(rows, core.KindCountry)
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanIDs(rows rowScanner) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan case id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("case id rows: %w", err)
	}

	return ids, nil
}

func scanDestinations(rows rowScanner, kind core.DestinationKind) ([]MatchingDestination, error) {
	matches := make([]MatchingDestination, 0)
	for rows.Next() {
		match := MatchingDestination{Destination: core.Destination{Kind: kind}}
		if err := rows.Scan(&match.CaseID, &match.Destination.PartyID, &match.Destination.CountryCode); err != nil {
			return nil, fmt.Errorf("scan matching destination: %w", err)
		}
		matches = append(matches, match)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("matching destination rows: %w", err)
	}

	return matches, nil
}
