// Package memory provides mutex-guarded in-memory implementations of the
// domain store interfaces. They back the service when PostgreSQL is not
// configured and serve as fixtures in tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/arborlabs/arbd/internal/domain"
)

// OpportunityStore keeps opportunities in a map guarded by a RWMutex.
type OpportunityStore struct {
	mu      sync.RWMutex
	byID    map[string]*opportunityRow
	ordered []string // insertion order, oldest first
}

type opportunityRow struct {
	opp          domain.Opportunity
	retired      bool
	retireReason string
	retiredAt    time.Time
}

// NewOpportunityStore returns an empty OpportunityStore.
func NewOpportunityStore() *OpportunityStore {
	return &OpportunityStore{byID: make(map[string]*opportunityRow)}
}

var _ domain.OpportunityStore = (*OpportunityStore)(nil)

// Insert stores a new opportunity. Inserting an ID that already exists
// returns domain.ErrAlreadyExists.
func (s *OpportunityStore) Insert(ctx context.Context, opp domain.Opportunity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[opp.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.byID[opp.ID] = &opportunityRow{opp: opp}
	s.ordered = append(s.ordered, opp.ID)
	return nil
}

// MarkRetired flags an opportunity as no longer active, recording why.
func (s *OpportunityStore) MarkRetired(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !row.retired {
		row.retired = true
		row.retireReason = reason
		row.retiredAt = time.Now().UTC()
	}
	return nil
}

// GetByID returns the opportunity with the given ID.
func (s *OpportunityStore) GetByID(ctx context.Context, id string) (domain.Opportunity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.byID[id]
	if !ok {
		return domain.Opportunity{}, domain.ErrNotFound
	}
	return row.opp, nil
}

// ListRecent returns up to limit opportunities, newest first, skipping
// retired entries.
func (s *OpportunityStore) ListRecent(ctx context.Context, limit int) ([]domain.Opportunity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Opportunity, 0, limit)
	for i := len(s.ordered) - 1; i >= 0 && len(out) < limit; i-- {
		row := s.byID[s.ordered[i]]
		if row.retired {
			continue
		}
		out = append(out, row.opp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ListRetiredBefore returns retired opportunities whose retirement happened
// before the cutoff. The archiver uses this to select rows for export.
func (s *OpportunityStore) ListRetiredBefore(ctx context.Context, before time.Time) ([]domain.Opportunity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Opportunity
	for _, id := range s.ordered {
		row := s.byID[id]
		if row.retired && row.retiredAt.Before(before) {
			out = append(out, row.opp)
		}
	}
	return out, nil
}
