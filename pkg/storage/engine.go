// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage provides the TTL-bounded record stores backing the
// authorization server: codes, challenges, sessions, refresh tokens, PAR
// requests, CIBA requests, and device grants.
//
// An Engine is a small versioned key-value contract with atomic
// fetch-and-delete and compare-and-swap. The typed Store built on top adds
// JSON serialization, revocation tombstones, expiry re-checks on every read,
// and bounded CAS retries. Two engines exist: in-process memory and redis.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by every engine and store.
var (
	ErrNotFound      = errors.New("record not found")
	ErrExpired       = errors.New("record expired")
	ErrAlreadyExists = errors.New("record already exists")
	ErrRevoked       = errors.New("record revoked")
	ErrCASMismatch   = errors.New("version mismatch")
	ErrContention    = errors.New("update contention")
	ErrIndexFull     = errors.New("index at capacity")
)

// IsGone reports whether the record is unusable for any reason a caller
// treats as "not there": absent, expired, consumed, or revoked.
func IsGone(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrExpired) || errors.Is(err, ErrRevoked)
}

// Engine is the versioned key-value contract the typed stores build on.
type Engine interface {
	// Put stores value under key with the given TTL. ErrAlreadyExists if the
	// key is present and unexpired.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value and its CAS version. ErrNotFound for absent or
	// expired keys.
	Get(ctx context.Context, key string) ([]byte, uint64, error)

	// CompareAndSwap replaces the value if the stored version still equals
	// version, preserving the remaining TTL. ErrCASMismatch on conflict,
	// ErrNotFound if the key vanished.
	CompareAndSwap(ctx context.Context, key string, value []byte, version uint64) error

	// Consume atomically fetches and deletes. ErrNotFound if absent, expired,
	// or already consumed.
	Consume(ctx context.Context, key string) ([]byte, error)

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// AddToIndex adds member to a set. When limit > 0 and the set already
	// holds limit members, ErrIndexFull.
	AddToIndex(ctx context.Context, index, member string, limit int64) error

	// RemoveFromIndex removes member from a set.
	RemoveFromIndex(ctx context.Context, index, member string) error

	// IndexMembers lists the members of a set.
	IndexMembers(ctx context.Context, index string) ([]string, error)

	// Ping reports backend health.
	Ping(ctx context.Context) error

	// Close releases the engine's resources.
	Close() error
}
