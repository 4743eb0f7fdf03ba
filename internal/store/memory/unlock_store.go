package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/arborlabs/arbd/internal/domain"
)

type unlockKey struct {
	oppID  string
	userID string
}

// UnlockStore keeps unlock records in memory, enforcing the
// payment-reference uniqueness rule the SQL schema enforces with a UNIQUE
// constraint.
type UnlockStore struct {
	mu    sync.RWMutex
	byKey map[unlockKey]domain.UnlockRecord
	byRef map[string]unlockKey
}

// NewUnlockStore returns an empty UnlockStore.
func NewUnlockStore() *UnlockStore {
	return &UnlockStore{
		byKey: make(map[unlockKey]domain.UnlockRecord),
		byRef: make(map[string]unlockKey),
	}
}

var _ domain.UnlockStore = (*UnlockStore)(nil)

// Create stores an unlock record. It returns domain.ErrAlreadyExists when
// either the (opportunity, user) pair already holds a record or the payment
// reference was already consumed by another unlock.
func (s *UnlockStore) Create(ctx context.Context, rec domain.UnlockRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := unlockKey{rec.OpportunityID, rec.UserID}
	if _, ok := s.byKey[key]; ok {
		return domain.ErrAlreadyExists
	}
	if rec.PaymentReference != "" {
		if _, ok := s.byRef[rec.PaymentReference]; ok {
			return domain.ErrAlreadyExists
		}
	}
	s.byKey[key] = rec
	if rec.PaymentReference != "" {
		s.byRef[rec.PaymentReference] = key
	}
	return nil
}

// Get returns the unlock record for the (opportunity, user) pair.
func (s *UnlockStore) Get(ctx context.Context, oppID, userID string) (domain.UnlockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byKey[unlockKey{oppID, userID}]
	if !ok {
		return domain.UnlockRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

// GetByReference returns the unlock record that consumed a payment reference.
func (s *UnlockStore) GetByReference(ctx context.Context, ref string) (domain.UnlockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.byRef[ref]
	if !ok {
		return domain.UnlockRecord{}, domain.ErrNotFound
	}
	return s.byKey[key], nil
}

// ListByUser returns unlock records held by a user, newest first.
func (s *UnlockStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.UnlockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.UnlockRecord
	for key, rec := range s.byKey {
		if key.userID == userID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UnlockedAt.After(out[j].UnlockedAt)
	})
	return paginate(out, opts), nil
}
