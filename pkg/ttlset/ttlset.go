// Package ttlset provides a set of keys that expire after a time-to-live.
//
// Callers see three operations and never the locking behind them. The
// in-memory implementation serves a single process; internal/infra/redis
// provides one shared across processes.
package ttlset

import (
	"context"
	"sync"
	"time"
)

// Set is a concurrency-safe set of expiring keys.
type Set interface {
	// Insert adds key for ttl. It reports false when key is already present
	// and unexpired, leaving the existing expiry untouched.
	Insert(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Contains reports whether key is present and unexpired.
	Contains(ctx context.Context, key string) (bool, error)

	// SweepExpired drops expired keys and returns how many were removed.
	SweepExpired(ctx context.Context) (int, error)
}

// Memory is an in-process Set.
type Memory struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

var _ Set = (*Memory)(nil)

// NewMemory creates an empty in-memory set.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]time.Time), now: time.Now}
}

// Insert adds key for ttl. It reports false when key is already present and
// unexpired; an expired key is replaced.
func (m *Memory) Insert(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.entries[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.entries[key] = now.Add(ttl)
	return true, nil
}

// Contains reports whether key is present and unexpired.
func (m *Memory) Contains(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exp, ok := m.entries[key]
	return ok && m.now().Before(exp), nil
}

// SweepExpired drops expired keys and returns how many were removed.
func (m *Memory) SweepExpired(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for k, exp := range m.entries {
		if !now.Before(exp) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed, nil
}
