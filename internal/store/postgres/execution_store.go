package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arborlabs/arbd/internal/domain"
)

// ExecutionStore implements domain.ExecutionStore using PostgreSQL. Both
// legs are stored together as a JSONB document since they are only ever
// read as part of their attempt.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

// NewExecutionStore creates a new ExecutionStore backed by the given pool.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

var _ domain.ExecutionStore = (*ExecutionStore)(nil)

const executionSelectCols = `id, opportunity_id, user_id, capital_fraction, status, legs,
	net_profit, fee_usdc, profit_share_usdc,
	COALESCE(distribution_ref, ''), COALESCE(failure_reason, ''),
	started_at, settled_at`

// executionLegs is the JSONB shape of the legs column.
type executionLegs struct {
	LegA domain.ExecutionLeg `json:"leg_a"`
	LegB domain.ExecutionLeg `json:"leg_b"`
}

// Create stores a new execution attempt.
func (s *ExecutionStore) Create(ctx context.Context, attempt domain.ExecutionAttempt) error {
	const query = `
		INSERT INTO executions (
			id, opportunity_id, user_id, capital_fraction, status, legs,
			net_profit, fee_usdc, profit_share_usdc,
			distribution_ref, failure_reason,
			started_at, settled_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9,
			$10, $11,
			$12, $13
		)`

	legs, err := json.Marshal(executionLegs{LegA: attempt.LegA, LegB: attempt.LegB})
	if err != nil {
		return fmt.Errorf("postgres: marshal legs for %s: %w", attempt.ID, err)
	}

	_, err = s.pool.Exec(ctx, query,
		attempt.ID, attempt.OpportunityID, attempt.UserID, attempt.CapitalFraction,
		string(attempt.Status), legs,
		attempt.NetProfit, attempt.FeeUSDC, attempt.ProfitShareUSDC,
		nullable(attempt.DistributionRef), nullable(attempt.FailureReason),
		attempt.StartedAt, attempt.SettledAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: insert execution %s: %w", attempt.ID, err)
	}
	return nil
}

// Update replaces a previously created attempt.
func (s *ExecutionStore) Update(ctx context.Context, attempt domain.ExecutionAttempt) error {
	const query = `
		UPDATE executions SET
			status            = $2,
			legs              = $3,
			net_profit        = $4,
			fee_usdc          = $5,
			profit_share_usdc = $6,
			distribution_ref  = $7,
			failure_reason    = $8,
			settled_at        = $9
		WHERE id = $1`

	legs, err := json.Marshal(executionLegs{LegA: attempt.LegA, LegB: attempt.LegB})
	if err != nil {
		return fmt.Errorf("postgres: marshal legs for %s: %w", attempt.ID, err)
	}

	tag, err := s.pool.Exec(ctx, query,
		attempt.ID, string(attempt.Status), legs,
		attempt.NetProfit, attempt.FeeUSDC, attempt.ProfitShareUSDC,
		nullable(attempt.DistributionRef), nullable(attempt.FailureReason),
		attempt.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update execution %s: %w", attempt.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID returns the execution attempt with the given ID.
func (s *ExecutionStore) GetByID(ctx context.Context, id string) (domain.ExecutionAttempt, error) {
	query := `SELECT ` + executionSelectCols + ` FROM executions WHERE id = $1`

	attempt, err := scanExecution(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ExecutionAttempt{}, domain.ErrNotFound
		}
		return domain.ExecutionAttempt{}, fmt.Errorf("postgres: get execution %s: %w", id, err)
	}
	return attempt, nil
}

// ListByUser returns a user's execution attempts, newest first.
func (s *ExecutionStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.ExecutionAttempt, error) {
	query := `SELECT ` + executionSelectCols + `
		FROM executions
		WHERE user_id = $1
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3`

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx, query, userID, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions for %s: %w", userID, err)
	}
	defer rows.Close()

	return collectExecutions(rows)
}

// ListSettledBefore returns settled attempts whose settlement happened
// before the cutoff, oldest first.
func (s *ExecutionStore) ListSettledBefore(ctx context.Context, before time.Time) ([]domain.ExecutionAttempt, error) {
	query := `SELECT ` + executionSelectCols + `
		FROM executions
		WHERE status = $1 AND settled_at < $2
		ORDER BY settled_at ASC`

	rows, err := s.pool.Query(ctx, query, string(domain.ExecSettled), before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settled executions: %w", err)
	}
	defer rows.Close()

	return collectExecutions(rows)
}

func collectExecutions(rows pgx.Rows) ([]domain.ExecutionAttempt, error) {
	var attempts []domain.ExecutionAttempt
	for rows.Next() {
		attempt, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan execution: %w", err)
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate executions: %w", err)
	}
	return attempts, nil
}

func scanExecution(row pgx.Row) (domain.ExecutionAttempt, error) {
	var attempt domain.ExecutionAttempt
	var status string
	var legsRaw []byte

	if err := row.Scan(
		&attempt.ID, &attempt.OpportunityID, &attempt.UserID, &attempt.CapitalFraction,
		&status, &legsRaw,
		&attempt.NetProfit, &attempt.FeeUSDC, &attempt.ProfitShareUSDC,
		&attempt.DistributionRef, &attempt.FailureReason,
		&attempt.StartedAt, &attempt.SettledAt,
	); err != nil {
		return domain.ExecutionAttempt{}, err
	}
	attempt.Status = domain.ExecStatus(status)

	var legs executionLegs
	if err := json.Unmarshal(legsRaw, &legs); err != nil {
		return domain.ExecutionAttempt{}, fmt.Errorf("unmarshal legs: %w", err)
	}
	attempt.LegA = legs.LegA
	attempt.LegB = legs.LegB
	return attempt, nil
}

// nullable maps the empty string to SQL NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
