// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// updateMaxAttempts bounds CAS retries inside Update before giving up with
// ErrContention.
const updateMaxAttempts = 5

// envelope wraps every stored record with the metadata the store contract
// needs: expiry (re-checked on every read, independent of backend TTL) and
// the revocation tombstone.
type envelope[T any] struct {
	ExpiresAt    int64  `json:"exp_ms"`
	Revoked      bool   `json:"revoked,omitempty"`
	RevokeReason string `json:"revoke_reason,omitempty"`
	Record       T      `json:"record"`
}

// Store is a typed, TTL-bounded, single-use-capable record store over an
// Engine. The zero value is not usable; construct with NewStore.
type Store[T any] struct {
	engine  Engine
	kind    string
	maxTTL  time.Duration
	now     func() time.Time
	onRetry func()
}

// StoreOption configures a Store.
type StoreOption[T any] func(*Store[T])

// WithClock injects a clock for tests.
func WithClock[T any](now func() time.Time) StoreOption[T] {
	return func(s *Store[T]) { s.now = now }
}

// WithContentionObserver adds a callback fired once per CAS retry.
func WithContentionObserver[T any](fn func()) StoreOption[T] {
	return func(s *Store[T]) { s.onRetry = fn }
}

// NewStore creates a typed store. kind namespaces the keys; maxTTL, when
// positive, caps every Put TTL (e.g. 120s for authorization codes).
func NewStore[T any](engine Engine, kind string, maxTTL time.Duration, opts ...StoreOption[T]) *Store[T] {
	s := &Store[T]{
		engine: engine,
		kind:   kind,
		maxTTL: maxTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store[T]) key(id string) string {
	return s.kind + ":" + id
}

func (s *Store[T]) clamp(ttl time.Duration) time.Duration {
	if s.maxTTL > 0 && (ttl <= 0 || ttl > s.maxTTL) {
		return s.maxTTL
	}
	return ttl
}

func (s *Store[T]) open(data []byte) (*envelope[T], error) {
	var env envelope[T]
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding %s record: %w", s.kind, err)
	}
	if s.now().UnixMilli() > env.ExpiresAt {
		return nil, ErrExpired
	}
	if env.Revoked {
		return nil, ErrRevoked
	}
	return &env, nil
}

// Put stores a record. Fails with ErrAlreadyExists if the id is taken.
func (s *Store[T]) Put(ctx context.Context, id string, record *T, ttl time.Duration) error {
	ttl = s.clamp(ttl)
	data, err := json.Marshal(envelope[T]{
		ExpiresAt: s.now().Add(ttl).UnixMilli(),
		Record:    *record,
	})
	if err != nil {
		return fmt.Errorf("encoding %s record: %w", s.kind, err)
	}
	return s.engine.Put(ctx, s.key(id), data, ttl)
}

// PutIndexed stores a record and registers it in a capacity-capped index.
// ErrIndexFull when the index is at capacity; the record is not stored.
func (s *Store[T]) PutIndexed(ctx context.Context, id string, record *T, ttl time.Duration, index string, limit int64) error {
	if err := s.engine.AddToIndex(ctx, s.kind+":"+index, id, limit); err != nil {
		return err
	}
	if err := s.Put(ctx, id, record, ttl); err != nil {
		_ = s.engine.RemoveFromIndex(ctx, s.kind+":"+index, id)
		return err
	}
	return nil
}

// Get returns the record, or ErrNotFound / ErrExpired / ErrRevoked.
func (s *Store[T]) Get(ctx context.Context, id string) (*T, error) {
	data, _, err := s.engine.Get(ctx, s.key(id))
	if err != nil {
		return nil, err
	}
	env, err := s.open(data)
	if err != nil {
		return nil, err
	}
	return &env.Record, nil
}

// Consume atomically fetches and deletes. This is the only redemption path
// for single-use records; the second of two concurrent calls gets
// ErrNotFound.
func (s *Store[T]) Consume(ctx context.Context, id string) (*T, error) {
	data, err := s.engine.Consume(ctx, s.key(id))
	if err != nil {
		return nil, err
	}
	env, err := s.open(data)
	if err != nil {
		return nil, err
	}
	return &env.Record, nil
}

// Update applies mutate under CAS, retrying on conflict up to
// updateMaxAttempts before ErrContention. The mutator sees the current
// record and edits it in place; the remaining TTL is preserved.
func (s *Store[T]) Update(ctx context.Context, id string, mutate func(*T) error) (*T, error) {
	attempt := func() (*T, error) {
		data, version, err := s.engine.Get(ctx, s.key(id))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		env, err := s.open(data)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if err := mutate(&env.Record); err != nil {
			return nil, backoff.Permanent(err)
		}
		next, err := json.Marshal(env)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("encoding %s record: %w", s.kind, err))
		}
		if err := s.engine.CompareAndSwap(ctx, s.key(id), next, version); err != nil {
			if errors.Is(err, ErrCASMismatch) {
				if s.onRetry != nil {
					s.onRetry()
				}
				return nil, err // retriable
			}
			return nil, backoff.Permanent(err)
		}
		return &env.Record, nil
	}

	record, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(updateMaxAttempts),
	)
	if err != nil {
		if errors.Is(err, ErrCASMismatch) {
			return nil, ErrContention
		}
		return nil, err
	}
	return record, nil
}

// Revoke marks the record terminally revoked. Subsequent Get and Consume
// return ErrRevoked; the tombstone disappears with the record's TTL.
func (s *Store[T]) Revoke(ctx context.Context, id, reason string) error {
	attempt := func() (struct{}, error) {
		data, version, err := s.engine.Get(ctx, s.key(id))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		var env envelope[T]
		if err := json.Unmarshal(data, &env); err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("decoding %s record: %w", s.kind, err))
		}
		if env.Revoked {
			return struct{}{}, nil
		}
		env.Revoked = true
		env.RevokeReason = reason
		next, err := json.Marshal(env)
		if err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("encoding %s record: %w", s.kind, err))
		}
		if err := s.engine.CompareAndSwap(ctx, s.key(id), next, version); err != nil {
			if errors.Is(err, ErrCASMismatch) {
				if s.onRetry != nil {
					s.onRetry()
				}
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(updateMaxAttempts),
	)
	if errors.Is(err, ErrCASMismatch) {
		return ErrContention
	}
	return err
}

// Delete removes the record and is used for cleanup paths that are not
// redemptions (e.g. dropping a session index member).
func (s *Store[T]) Delete(ctx context.Context, id string) error {
	return s.engine.Delete(ctx, s.key(id))
}

// IndexMembers lists the ids registered under an index.
func (s *Store[T]) IndexMembers(ctx context.Context, index string) ([]string, error) {
	return s.engine.IndexMembers(ctx, s.kind+":"+index)
}

// RemoveFromIndex drops an id from an index, typically after the record was
// consumed or revoked.
func (s *Store[T]) RemoveFromIndex(ctx context.Context, index, id string) error {
	return s.engine.RemoveFromIndex(ctx, s.kind+":"+index, id)
}

// NewID returns a URL-safe cryptographically random identifier with 192 bits
// of entropy, satisfying the 128-bit floor for challenge and code keys.
func NewID() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating random id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
