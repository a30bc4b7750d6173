package lock

import (
	"context"
	"sync"
	"time"

	"github.com/minershop/offer-sync/internal/models"
)

// Memory is a process-local lock used when no Redis is configured.
type Memory struct {
	mu    sync.Mutex
	held  map[string]time.Time
	nowFn func() time.Time
}

func NewMemory() *Memory {
	return &Memory{held: make(map[string]time.Time), nowFn: time.Now}
}

func (m *Memory) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()
	if expires, ok := m.held[key]; ok && now.Before(expires) {
		return nil, models.ErrMessageInFlight
	}
	expires := now.Add(ttl)
	m.held[key] = expires

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.held[key].Equal(expires) {
			delete(m.held, key)
		}
	}, nil
}
