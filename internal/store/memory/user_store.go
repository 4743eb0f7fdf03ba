package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/arborlabs/arbd/internal/domain"
)

// UserStore keeps user accounts in memory.
type UserStore struct {
	mu   sync.RWMutex
	byID map[string]domain.User
}

// NewUserStore returns an empty UserStore.
func NewUserStore() *UserStore {
	return &UserStore{byID: make(map[string]domain.User)}
}

var _ domain.UserStore = (*UserStore)(nil)

// Upsert inserts or replaces a user record keyed by ID.
func (s *UserStore) Upsert(ctx context.Context, u domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID[u.ID] = u
	return nil
}

// GetByID returns the user with the given ID.
func (s *UserStore) GetByID(ctx context.Context, id string) (domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.byID[id]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}

// GetByWallet returns the user owning a wallet address. Addresses compare
// case-insensitively since EIP-55 checksums vary across clients.
func (s *UserStore) GetByWallet(ctx context.Context, wallet string) (domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.byID {
		if strings.EqualFold(u.WalletAddress, wallet) {
			return u, nil
		}
	}
	return domain.User{}, domain.ErrNotFound
}

// List returns users ordered by creation time, newest first.
func (s *UserStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.User, 0, len(s.byID))
	for _, u := range s.byID {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, opts), nil
}
