package memory

import (
	"context"
	"sync"
	"time"

	"github.com/arborlabs/arbd/internal/domain"
)

// LockManager is a process-local mutual exclusion manager. It serves
// single-node deployments; multi-node deployments use the Redis-backed
// implementation instead.
type LockManager struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

// NewLockManager returns an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]time.Time), now: time.Now}
}

var _ domain.LockManager = (*LockManager)(nil)

// Acquire takes the named lock for at most ttl. It returns domain.ErrLockHeld
// when another holder has the lock and its ttl has not lapsed. The returned
// unlock func is idempotent.
func (m *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if expiry, ok := m.held[key]; ok && m.now().Before(expiry) {
		return nil, domain.ErrLockHeld
	}
	m.held[key] = m.now().Add(ttl)

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, key)
			m.mu.Unlock()
		})
	}
	return unlock, nil
}
