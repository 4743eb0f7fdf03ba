package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// OpportunityStore persists opportunity history. The live working set is
// owned by the registry; the store is the durable record behind it.
type OpportunityStore interface {
	Insert(ctx context.Context, opp Opportunity) error
	MarkRetired(ctx context.Context, id string, reason string) error
	GetByID(ctx context.Context, id string) (Opportunity, error)
	ListRecent(ctx context.Context, limit int) ([]Opportunity, error)
	ListRetiredBefore(ctx context.Context, before time.Time) ([]Opportunity, error)
}

// UnlockStore persists unlock records. Create must enforce both uniqueness
// of the (opportunity_id, user_id) key and uniqueness of a non-empty
// payment reference across the whole ledger, returning ErrAlreadyExists on
// either conflict.
type UnlockStore interface {
	Create(ctx context.Context, rec UnlockRecord) error
	Get(ctx context.Context, opportunityID, userID string) (UnlockRecord, error)
	GetByReference(ctx context.Context, paymentReference string) (UnlockRecord, error)
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]UnlockRecord, error)
}

// ExecutionStore persists execution attempts and their legs.
type ExecutionStore interface {
	Create(ctx context.Context, attempt ExecutionAttempt) error
	Update(ctx context.Context, attempt ExecutionAttempt) error
	GetByID(ctx context.Context, id string) (ExecutionAttempt, error)
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]ExecutionAttempt, error)
	ListSettledBefore(ctx context.Context, before time.Time) ([]ExecutionAttempt, error)
}

// UserStore persists user accounts and risk profiles.
type UserStore interface {
	Upsert(ctx context.Context, u User) error
	GetByID(ctx context.Context, id string) (User, error)
	GetByWallet(ctx context.Context, wallet string) (User, error)
	List(ctx context.Context, opts ListOpts) ([]User, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
