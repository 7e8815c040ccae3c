// Package store is the process-wide keyed state store for per-truck
// pipeline state: baselines, cooldown keys, incident logs, and cached risk
// outputs. Keys carry optional TTLs. Both backends are safe for concurrent
// use, and absence of a backing store never blocks the hot path — callers
// fall back to defaults (baselines) or no-ops (cooldowns).
package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("key not found")

// Store is the keyed-state contract shared by the in-memory and Redis
// backends.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value with no expiry.
	Set(ctx context.Context, key string, value []byte) error

	// SetEx stores value with a TTL.
	SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// LPushTrim pushes value at the head of a list and trims the list to
	// maxLen entries, discarding the tail.
	LPushTrim(ctx context.Context, key string, value []byte, maxLen int) error

	// LRange returns list entries in [start, stop], inclusive, head first.
	LRange(ctx context.Context, key string, start, stop int) ([][]byte, error)
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// MemoryStore is the default Store when no Redis is configured. A janitor
// goroutine sweeps expired entries; reads also check expiry so a sweep lag
// is never visible.
type MemoryStore struct {
	mu    sync.RWMutex
	data  map[string]memoryEntry
	lists map[string][][]byte
	stop  chan struct{}
	once  sync.Once
}

// NewMemoryStore creates an in-memory store and starts its janitor.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		data:  make(map[string]memoryEntry),
		lists: make(map[string][][]byte),
		stop:  make(chan struct{}),
	}
	go m.janitor()
	return m
}

// Close stops the janitor.
func (m *MemoryStore) Close() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}

func (m *MemoryStore) janitor() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			for k, e := range m.data {
				if !e.expiresAt.IsZero() && e.expiresAt.Before(now) {
					delete(m.data, k)
				}
			}
			m.mu.Unlock()
		}
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	e, ok := m.data[key]
	m.mu.RUnlock()
	if !ok || (!e.expiresAt.IsZero() && e.expiresAt.Before(time.Now())) {
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	m.data[key] = memoryEntry{value: append([]byte(nil), value...)}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) SetEx(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	m.data[key] = memoryEntry{
		value:     append([]byte(nil), value...),
		expiresAt: time.Now().Add(ttl),
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.Get(ctx, key)
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	for _, k := range keys {
		delete(m.data, k)
		delete(m.lists, k)
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) LPushTrim(_ context.Context, key string, value []byte, maxLen int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := append([][]byte{append([]byte(nil), value...)}, m.lists[key]...)
	if maxLen > 0 && len(list) > maxLen {
		list = list[:maxLen]
	}
	m.lists[key] = list
	return nil
}

func (m *MemoryStore) LRange(_ context.Context, key string, start, stop int) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.lists[key]
	if start < 0 {
		start = 0
	}
	if stop < 0 || stop >= len(list) {
		stop = len(list) - 1
	}
	if start > stop {
		return nil, nil
	}
	out := make([][]byte, 0, stop-start+1)
	for _, v := range list[start : stop+1] {
		out = append(out, append([]byte(nil), v...))
	}
	return out, nil
}
