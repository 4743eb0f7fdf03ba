package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/arborlabs/arbd/internal/domain"
)

// ExecutionStore keeps execution attempts in a map guarded by a RWMutex.
type ExecutionStore struct {
	mu   sync.RWMutex
	byID map[string]domain.ExecutionAttempt
}

// NewExecutionStore returns an empty ExecutionStore.
func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{byID: make(map[string]domain.ExecutionAttempt)}
}

var _ domain.ExecutionStore = (*ExecutionStore)(nil)

// Create stores a new execution attempt.
func (s *ExecutionStore) Create(ctx context.Context, attempt domain.ExecutionAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[attempt.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.byID[attempt.ID] = attempt
	return nil
}

// Update replaces a previously created attempt.
func (s *ExecutionStore) Update(ctx context.Context, attempt domain.ExecutionAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[attempt.ID]; !ok {
		return domain.ErrNotFound
	}
	s.byID[attempt.ID] = attempt
	return nil
}

// GetByID returns the execution attempt with the given ID.
func (s *ExecutionStore) GetByID(ctx context.Context, id string) (domain.ExecutionAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	attempt, ok := s.byID[id]
	if !ok {
		return domain.ExecutionAttempt{}, domain.ErrNotFound
	}
	return attempt, nil
}

// ListByUser returns a user's execution attempts, newest first.
func (s *ExecutionStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.ExecutionAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.ExecutionAttempt
	for _, attempt := range s.byID {
		if attempt.UserID == userID {
			out = append(out, attempt)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return paginate(out, opts), nil
}

// ListSettledBefore returns settled attempts whose settlement happened before
// the cutoff, oldest first. The archiver uses this to select rows for export.
func (s *ExecutionStore) ListSettledBefore(ctx context.Context, before time.Time) ([]domain.ExecutionAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.ExecutionAttempt
	for _, attempt := range s.byID {
		if attempt.Status == domain.ExecSettled && attempt.SettledAt != nil && attempt.SettledAt.Before(before) {
			out = append(out, attempt)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SettledAt.Before(*out[j].SettledAt)
	})
	return out, nil
}
