package revocation

import (
	"context"
	"errors"
	"sync"
	"time"

	"befunny.io/auth/internal/auth"
)

var _ auth.RevocationCache = (*Memory)(nil)

// Memory is a process-local cache for tests and single-instance runs.
type Memory struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemory returns an empty cache. A nil clock means time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{entries: make(map[string]time.Time), now: now}
}

func (m *Memory) Revoke(_ context.Context, id string, ttl time.Duration) error {
	if id == "" {
		return errors.New("revocation: token id is required")
	}
	if ttl <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	until := m.now().Add(ttl)
	if cur, ok := m.entries[id]; !ok || until.After(cur) {
		m.entries[id] = until
	}
	m.sweep()
	return nil
}

func (m *Memory) IsRevoked(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.entries[id]
	if !ok {
		return false, nil
	}
	if !m.now().Before(until) {
		delete(m.entries, id)
		return false, nil
	}
	return true, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

// Len returns the number of live entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweep()
	return len(m.entries)
}

func (m *Memory) sweep() {
	now := m.now()
	for id, until := range m.entries {
		if !now.Before(until) {
			delete(m.entries, id)
		}
	}
}
