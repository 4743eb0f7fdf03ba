package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arborlabs/arbd/internal/domain"
)

// UnlockStore implements domain.UnlockStore using PostgreSQL. The schema
// enforces both the (opportunity_id, user_id) primary key and a partial
// unique index on payment_reference, so replay protection holds across
// processes.
type UnlockStore struct {
	pool *pgxpool.Pool
}

// NewUnlockStore creates a new UnlockStore backed by the given pool.
func NewUnlockStore(pool *pgxpool.Pool) *UnlockStore {
	return &UnlockStore{pool: pool}
}

var _ domain.UnlockStore = (*UnlockStore)(nil)

const unlockSelectCols = `opportunity_id, user_id, status, COALESCE(payment_reference, ''), fee_usdc, unlocked_at`

// Create stores an unlock record. Both key conflicts and payment-reference
// conflicts surface as domain.ErrAlreadyExists.
func (s *UnlockStore) Create(ctx context.Context, rec domain.UnlockRecord) error {
	const query = `
		INSERT INTO unlocks (
			opportunity_id, user_id, status, payment_reference, fee_usdc, unlocked_at
		) VALUES ($1, $2, $3, $4, $5, $6)`

	var ref *string
	if rec.PaymentReference != "" {
		ref = &rec.PaymentReference
	}

	_, err := s.pool.Exec(ctx, query,
		rec.OpportunityID, rec.UserID, string(rec.Status), ref, rec.FeeUSDC, rec.UnlockedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: insert unlock %s/%s: %w", rec.OpportunityID, rec.UserID, err)
	}
	return nil
}

// Get returns the unlock record for the (opportunity, user) pair.
func (s *UnlockStore) Get(ctx context.Context, opportunityID, userID string) (domain.UnlockRecord, error) {
	query := `SELECT ` + unlockSelectCols + ` FROM unlocks WHERE opportunity_id = $1 AND user_id = $2`

	rec, err := scanUnlock(s.pool.QueryRow(ctx, query, opportunityID, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.UnlockRecord{}, domain.ErrNotFound
		}
		return domain.UnlockRecord{}, fmt.Errorf("postgres: get unlock %s/%s: %w", opportunityID, userID, err)
	}
	return rec, nil
}

// GetByReference returns the unlock record that consumed a payment reference.
func (s *UnlockStore) GetByReference(ctx context.Context, paymentReference string) (domain.UnlockRecord, error) {
	query := `SELECT ` + unlockSelectCols + ` FROM unlocks WHERE payment_reference = $1`

	rec, err := scanUnlock(s.pool.QueryRow(ctx, query, paymentReference))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.UnlockRecord{}, domain.ErrNotFound
		}
		return domain.UnlockRecord{}, fmt.Errorf("postgres: get unlock by reference: %w", err)
	}
	return rec, nil
}

// ListByUser returns a user's unlock records, newest first.
func (s *UnlockStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.UnlockRecord, error) {
	query := `SELECT ` + unlockSelectCols + `
		FROM unlocks
		WHERE user_id = $1
		ORDER BY unlocked_at DESC
		LIMIT $2 OFFSET $3`

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx, query, userID, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list unlocks for %s: %w", userID, err)
	}
	defer rows.Close()

	var recs []domain.UnlockRecord
	for rows.Next() {
		rec, err := scanUnlock(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan unlock: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate unlocks: %w", err)
	}
	return recs, nil
}

func scanUnlock(row pgx.Row) (domain.UnlockRecord, error) {
	var rec domain.UnlockRecord
	var status string
	if err := row.Scan(
		&rec.OpportunityID, &rec.UserID, &status, &rec.PaymentReference, &rec.FeeUSDC, &rec.UnlockedAt,
	); err != nil {
		return domain.UnlockRecord{}, err
	}
	rec.Status = domain.UnlockStatus(status)
	return rec, nil
}
