package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arborlabs/arbd/internal/domain"
)

// OpportunityStore implements domain.OpportunityStore using PostgreSQL.
type OpportunityStore struct {
	pool *pgxpool.Pool
}

// NewOpportunityStore creates a new OpportunityStore backed by the given pool.
func NewOpportunityStore(pool *pgxpool.Pool) *OpportunityStore {
	return &OpportunityStore{pool: pool}
}

var _ domain.OpportunityStore = (*OpportunityStore)(nil)

const opportunitySelectCols = `id, event_id, title,
	venue_a, side_a, price_a,
	venue_b, side_b, price_b,
	size, total_cost, estimated_profit,
	created_at, expires_at`

// Insert stores a new opportunity row.
func (s *OpportunityStore) Insert(ctx context.Context, opp domain.Opportunity) error {
	const query = `
		INSERT INTO opportunities (
			id, event_id, title,
			venue_a, side_a, price_a,
			venue_b, side_b, price_b,
			size, total_cost, estimated_profit,
			created_at, expires_at
		) VALUES (
			$1, $2, $3,
			$4, $5, $6,
			$7, $8, $9,
			$10, $11, $12,
			$13, $14
		)`

	_, err := s.pool.Exec(ctx, query,
		opp.ID, opp.EventID, opp.Title,
		opp.VenueA.Venue, string(opp.VenueA.Side), opp.VenueA.Price,
		opp.VenueB.Venue, string(opp.VenueB.Side), opp.VenueB.Price,
		opp.Size, opp.TotalCost, opp.EstimatedProfit,
		opp.CreatedAt, opp.ExpiresAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: insert opportunity %s: %w", opp.ID, err)
	}
	return nil
}

// MarkRetired flags an opportunity as no longer active.
func (s *OpportunityStore) MarkRetired(ctx context.Context, id, reason string) error {
	const query = `
		UPDATE opportunities SET
			retired       = TRUE,
			retire_reason = $2,
			retired_at    = NOW()
		WHERE id = $1 AND retired = FALSE`

	tag, err := s.pool.Exec(ctx, query, id, reason)
	if err != nil {
		return fmt.Errorf("postgres: mark opportunity retired %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		// Either missing or already retired; distinguish for the caller.
		var exists bool
		if err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM opportunities WHERE id = $1)", id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: check opportunity %s: %w", id, err)
		}
		if !exists {
			return domain.ErrNotFound
		}
	}
	return nil
}

// GetByID returns a single opportunity row.
func (s *OpportunityStore) GetByID(ctx context.Context, id string) (domain.Opportunity, error) {
	query := `SELECT ` + opportunitySelectCols + ` FROM opportunities WHERE id = $1`

	opp, err := scanOpportunity(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Opportunity{}, domain.ErrNotFound
		}
		return domain.Opportunity{}, fmt.Errorf("postgres: get opportunity %s: %w", id, err)
	}
	return opp, nil
}

// ListRecent returns the most recent non-retired opportunities.
func (s *OpportunityStore) ListRecent(ctx context.Context, limit int) ([]domain.Opportunity, error) {
	query := `SELECT ` + opportunitySelectCols + `
		FROM opportunities
		WHERE retired = FALSE
		ORDER BY created_at DESC
		LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent opportunities: %w", err)
	}
	defer rows.Close()

	return collectOpportunities(rows)
}

// ListRetiredBefore returns retired opportunities whose retirement happened
// before the cutoff, oldest first.
func (s *OpportunityStore) ListRetiredBefore(ctx context.Context, before time.Time) ([]domain.Opportunity, error) {
	query := `SELECT ` + opportunitySelectCols + `
		FROM opportunities
		WHERE retired = TRUE AND retired_at < $1
		ORDER BY retired_at ASC`

	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list retired opportunities: %w", err)
	}
	defer rows.Close()

	return collectOpportunities(rows)
}

func collectOpportunities(rows pgx.Rows) ([]domain.Opportunity, error) {
	var opps []domain.Opportunity
	for rows.Next() {
		opp, err := scanOpportunity(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan opportunity: %w", err)
		}
		opps = append(opps, opp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate opportunities: %w", err)
	}
	return opps, nil
}

func scanOpportunity(row pgx.Row) (domain.Opportunity, error) {
	var opp domain.Opportunity
	var sideA, sideB string

	if err := row.Scan(
		&opp.ID, &opp.EventID, &opp.Title,
		&opp.VenueA.Venue, &sideA, &opp.VenueA.Price,
		&opp.VenueB.Venue, &sideB, &opp.VenueB.Price,
		&opp.Size, &opp.TotalCost, &opp.EstimatedProfit,
		&opp.CreatedAt, &opp.ExpiresAt,
	); err != nil {
		return domain.Opportunity{}, err
	}
	opp.VenueA.Side = domain.Side(sideA)
	opp.VenueB.Side = domain.Side(sideB)
	opp.VenueA.Size = opp.Size
	opp.VenueB.Size = opp.Size
	return opp, nil
}
