package presence_test

import (
	"context"
	"sync"
	"time"

	"shipwatch/shipwatch-triage/internal/presence"
)

// memoryKV presence cache backing with a manual clock, so expiry is driven
// by advance instead of sleeping
type memoryKV struct {
	mu      sync.Mutex
	now     time.Time
	entries map[string]kvEntry
	setErr  error
}

type kvEntry struct {
	raw      string
	ttl      time.Duration
	deadline time.Time
}

func newMemoryKV() *memoryKV {
	return &memoryKV{now: fixedNow, entries: make(map[string]kvEntry)}
}

func (m *memoryKV) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || (e.ttl > 0 && !m.now.Before(e.deadline)) {
		return "", presence.ErrCacheMiss
	}
	return e.raw, nil
}

func (m *memoryKV) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.entries[key] = kvEntry{raw: value, ttl: ttl, deadline: m.now.Add(ttl)}
	return nil
}

func (m *memoryKV) advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// ttlOf TTL the last write to key asked for
func (m *memoryKV) ttlOf(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[key].ttl
}

// corrupt overwrites key with bytes that do not decode
func (m *memoryKV) corrupt(key string) {
	m.mu.Lock()
	e := m.entries[key]
	e.raw = "{not json"
	m.entries[key] = e
	m.mu.Unlock()
}
