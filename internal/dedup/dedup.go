// Package dedup records side effects that must happen at most once per key,
// so that a task the engine hands out again does not repeat them.
package dedup

import (
	"context"
	"sync"
	"time"
)

// Keeper claims keys for a limited time.
type Keeper interface {
	// Claim marks key as taken for ttl. It reports false when the key is
	// already held.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release drops a claim so the key can be taken again.
	Release(ctx context.Context, key string) error
}

// Memory is a process-local Keeper. Claims do not survive a restart.
type Memory struct {
	mu     sync.Mutex
	claims map[string]time.Time
	now    func() time.Time
}

var _ Keeper = (*Memory)(nil)

// NewMemory creates an empty in-process Keeper.
func NewMemory() *Memory {
	return &Memory{
		claims: make(map[string]time.Time),
		now:    time.Now,
	}
}

// Claim records key until ttl passes. It reports false if key is held.
func (m *Memory) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if expires, ok := m.claims[key]; ok && now.Before(expires) {
		return false, nil
	}
	m.claims[key] = now.Add(ttl)

	for k, expires := range m.claims {
		if !now.Before(expires) {
			delete(m.claims, k)
		}
	}
	return true, nil
}

// Release drops key.
func (m *Memory) Release(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.claims, key)
	m.mu.Unlock()
	return nil
}
