package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arborlabs/arbd/internal/domain"
)

// UserStore implements domain.UserStore using PostgreSQL.
type UserStore struct {
	pool *pgxpool.Pool
}

// NewUserStore creates a new UserStore backed by the given pool.
func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

var _ domain.UserStore = (*UserStore)(nil)

const userSelectCols = `id, wallet_address, max_capital_per_trade, max_trades_per_day,
	min_account_balance, auto_execute_enabled, created_at, updated_at`

// Upsert inserts or replaces a user record keyed by ID.
func (s *UserStore) Upsert(ctx context.Context, u domain.User) error {
	const query = `
		INSERT INTO users (
			id, wallet_address, max_capital_per_trade, max_trades_per_day,
			min_account_balance, auto_execute_enabled, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE SET
			wallet_address        = EXCLUDED.wallet_address,
			max_capital_per_trade = EXCLUDED.max_capital_per_trade,
			max_trades_per_day    = EXCLUDED.max_trades_per_day,
			min_account_balance   = EXCLUDED.min_account_balance,
			auto_execute_enabled  = EXCLUDED.auto_execute_enabled,
			updated_at            = NOW()`

	_, err := s.pool.Exec(ctx, query,
		u.ID, u.WalletAddress, u.MaxCapitalPerTrade, u.MaxTradesPerDay,
		u.MinAccountBalance, u.AutoExecuteEnabled, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert user %s: %w", u.ID, err)
	}
	return nil
}

// GetByID returns the user with the given ID.
func (s *UserStore) GetByID(ctx context.Context, id string) (domain.User, error) {
	query := `SELECT ` + userSelectCols + ` FROM users WHERE id = $1`

	u, err := scanUser(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, domain.ErrNotFound
		}
		return domain.User{}, fmt.Errorf("postgres: get user %s: %w", id, err)
	}
	return u, nil
}

// GetByWallet returns the user owning a wallet address, compared
// case-insensitively.
func (s *UserStore) GetByWallet(ctx context.Context, wallet string) (domain.User, error) {
	query := `SELECT ` + userSelectCols + ` FROM users WHERE LOWER(wallet_address) = LOWER($1)`

	u, err := scanUser(s.pool.QueryRow(ctx, query, wallet))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, domain.ErrNotFound
		}
		return domain.User{}, fmt.Errorf("postgres: get user by wallet: %w", err)
	}
	return u, nil
}

// List returns users, newest first.
func (s *UserStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.User, error) {
	query := `SELECT ` + userSelectCols + `
		FROM users
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx, query, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list users: %w", err)
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate users: %w", err)
	}
	return users, nil
}

func scanUser(row pgx.Row) (domain.User, error) {
	var u domain.User
	if err := row.Scan(
		&u.ID, &u.WalletAddress, &u.MaxCapitalPerTrade, &u.MaxTradesPerDay,
		&u.MinAccountBalance, &u.AutoExecuteEnabled, &u.CreatedAt, &u.UpdatedAt,
	); err != nil {
		return domain.User{}, err
	}
	return u, nil
}
