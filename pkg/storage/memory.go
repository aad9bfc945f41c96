// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"sync"
	"time"
)

// DefaultCleanupInterval is how often the memory engine sweeps expired
// entries. Reads never rely on the sweep: expiry is re-checked on every get.
const DefaultCleanupInterval = time.Minute

type memEntry struct {
	value     []byte
	version   uint64
	expiresAt time.Time
}

// MemoryEngine is the in-process Engine. Thread-safe; suitable for
// single-node deployments and tests. Entries expire lazily on read and are
// reclaimed by a background sweep.
type MemoryEngine struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	indexes map[string]map[string]struct{}

	now             func() time.Time
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
}

// MemoryOption configures a MemoryEngine.
type MemoryOption func(*MemoryEngine)

// WithCleanupInterval overrides the sweep period.
func WithCleanupInterval(interval time.Duration) MemoryOption {
	return func(e *MemoryEngine) { e.cleanupInterval = interval }
}

// WithMemoryClock injects a clock for TTL tests.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(e *MemoryEngine) { e.now = now }
}

// NewMemoryEngine creates a MemoryEngine and starts its sweep goroutine.
func NewMemoryEngine(opts ...MemoryOption) *MemoryEngine {
	e := &MemoryEngine{
		entries:         map[string]*memEntry{},
		indexes:         map[string]map[string]struct{}{},
		now:             time.Now,
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	go e.cleanupLoop()
	return e
}

// Ping is a no-op for the memory engine.
func (*MemoryEngine) Ping(_ context.Context) error { return nil }

// Close stops the sweep goroutine and waits for it to finish.
func (e *MemoryEngine) Close() error {
	close(e.stopCleanup)
	<-e.cleanupDone
	return nil
}

func (e *MemoryEngine) cleanupLoop() {
	defer close(e.cleanupDone)

	ticker := time.NewTicker(e.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCleanup:
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

// sweep collects expired keys under the read lock, then deletes under the
// write lock to keep write-lock hold time short.
func (e *MemoryEngine) sweep() {
	now := e.now()

	e.mu.RLock()
	var expired []string
	for k, v := range e.entries {
		if now.After(v.expiresAt) {
			expired = append(expired, k)
		}
	}
	e.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, k := range expired {
		if v, ok := e.entries[k]; ok && e.now().After(v.expiresAt) {
			delete(e.entries, k)
		}
	}
}

// live returns the entry if present and unexpired, deleting it when expired.
// Callers hold the write lock.
func (e *MemoryEngine) live(key string) *memEntry {
	entry, ok := e.entries[key]
	if !ok {
		return nil
	}
	if e.now().After(entry.expiresAt) {
		delete(e.entries, key)
		return nil
	}
	return entry
}

// Put implements Engine.
func (e *MemoryEngine) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.live(key) != nil {
		return ErrAlreadyExists
	}
	e.entries[key] = &memEntry{
		value:     append([]byte(nil), value...),
		version:   1,
		expiresAt: e.now().Add(ttl),
	}
	return nil
}

// Get implements Engine.
func (e *MemoryEngine) Get(_ context.Context, key string) ([]byte, uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry := e.live(key)
	if entry == nil {
		return nil, 0, ErrNotFound
	}
	return append([]byte(nil), entry.value...), entry.version, nil
}

// CompareAndSwap implements Engine. The remaining TTL is preserved.
func (e *MemoryEngine) CompareAndSwap(_ context.Context, key string, value []byte, version uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry := e.live(key)
	if entry == nil {
		return ErrNotFound
	}
	if entry.version != version {
		return ErrCASMismatch
	}
	entry.value = append([]byte(nil), value...)
	entry.version++
	return nil
}

// Consume implements Engine.
func (e *MemoryEngine) Consume(_ context.Context, key string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry := e.live(key)
	if entry == nil {
		return nil, ErrNotFound
	}
	delete(e.entries, key)
	return entry.value, nil
}

// Delete implements Engine.
func (e *MemoryEngine) Delete(_ context.Context, key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.entries, key)
	return nil
}

// AddToIndex implements Engine.
func (e *MemoryEngine) AddToIndex(_ context.Context, index, member string, limit int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	set, ok := e.indexes[index]
	if !ok {
		set = map[string]struct{}{}
		e.indexes[index] = set
	}
	if _, present := set[member]; present {
		return nil
	}
	if limit > 0 && int64(len(set)) >= limit {
		return ErrIndexFull
	}
	set[member] = struct{}{}
	return nil
}

// RemoveFromIndex implements Engine.
func (e *MemoryEngine) RemoveFromIndex(_ context.Context, index, member string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if set, ok := e.indexes[index]; ok {
		delete(set, member)
		if len(set) == 0 {
			delete(e.indexes, index)
		}
	}
	return nil
}

// IndexMembers implements Engine.
func (e *MemoryEngine) IndexMembers(_ context.Context, index string) ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	set := e.indexes[index]
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	return members, nil
}

var _ Engine = (*MemoryEngine)(nil)
