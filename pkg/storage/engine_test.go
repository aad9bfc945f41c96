// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// engineUnderTest builds each engine the suite runs against.
type engineUnderTest struct {
	name  string
	build func(t *testing.T) (Engine, func(d time.Duration))
}

func engines(t *testing.T) []engineUnderTest {
	t.Helper()
	return []engineUnderTest{
		{
			name: "memory",
			build: func(t *testing.T) (Engine, func(time.Duration)) {
				t.Helper()
				var mu sync.Mutex
				now := time.Now()
				e := NewMemoryEngine(WithMemoryClock(func() time.Time {
					mu.Lock()
					defer mu.Unlock()
					return now
				}))
				t.Cleanup(func() { _ = e.Close() })
				return e, func(d time.Duration) {
					mu.Lock()
					defer mu.Unlock()
					now = now.Add(d)
				}
			},
		},
		{
			name: "redis",
			build: func(t *testing.T) (Engine, func(time.Duration)) {
				t.Helper()
				mr := miniredis.RunT(t)
				client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
				t.Cleanup(func() { _ = client.Close() })
				return NewRedisEngine(client, "test"), mr.FastForward
			},
		},
	}
}

func TestEngineContract(t *testing.T) {
	t.Parallel()

	for _, eng := range engines(t) {
		t.Run(eng.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			t.Run("put conflicts on duplicate", func(t *testing.T) {
				e, _ := eng.build(t)
				require.NoError(t, e.Put(ctx, "k1", []byte("v1"), time.Minute))
				assert.ErrorIs(t, e.Put(ctx, "k1", []byte("v2"), time.Minute), ErrAlreadyExists)
			})

			t.Run("get returns value and version", func(t *testing.T) {
				e, _ := eng.build(t)
				require.NoError(t, e.Put(ctx, "k1", []byte("v1"), time.Minute))

				val, version, err := e.Get(ctx, "k1")
				require.NoError(t, err)
				assert.Equal(t, []byte("v1"), val)
				assert.EqualValues(t, 1, version)
			})

			t.Run("get after ttl is not found", func(t *testing.T) {
				e, advance := eng.build(t)
				require.NoError(t, e.Put(ctx, "k1", []byte("v1"), time.Second))
				advance(2 * time.Second)

				_, _, err := e.Get(ctx, "k1")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("cas succeeds then bumps version", func(t *testing.T) {
				e, _ := eng.build(t)
				require.NoError(t, e.Put(ctx, "k1", []byte("v1"), time.Minute))
				require.NoError(t, e.CompareAndSwap(ctx, "k1", []byte("v2"), 1))

				val, version, err := e.Get(ctx, "k1")
				require.NoError(t, err)
				assert.Equal(t, []byte("v2"), val)
				assert.EqualValues(t, 2, version)
			})

			t.Run("cas rejects stale version", func(t *testing.T) {
				e, _ := eng.build(t)
				require.NoError(t, e.Put(ctx, "k1", []byte("v1"), time.Minute))
				require.NoError(t, e.CompareAndSwap(ctx, "k1", []byte("v2"), 1))
				assert.ErrorIs(t, e.CompareAndSwap(ctx, "k1", []byte("v3"), 1), ErrCASMismatch)
			})

			t.Run("cas on absent key", func(t *testing.T) {
				e, _ := eng.build(t)
				assert.ErrorIs(t, e.CompareAndSwap(ctx, "nope", []byte("v"), 1), ErrNotFound)
			})

			t.Run("consume is single use", func(t *testing.T) {
				e, _ := eng.build(t)
				require.NoError(t, e.Put(ctx, "k1", []byte("v1"), time.Minute))

				val, err := e.Consume(ctx, "k1")
				require.NoError(t, err)
				assert.Equal(t, []byte("v1"), val)

				_, err = e.Consume(ctx, "k1")
				assert.ErrorIs(t, err, ErrNotFound)
				_, _, err = e.Get(ctx, "k1")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("delete absent key is fine", func(t *testing.T) {
				e, _ := eng.build(t)
				assert.NoError(t, e.Delete(ctx, "nope"))
			})

			t.Run("index capacity", func(t *testing.T) {
				e, _ := eng.build(t)
				require.NoError(t, e.AddToIndex(ctx, "set", "a", 2))
				require.NoError(t, e.AddToIndex(ctx, "set", "b", 2))
				// re-adding an existing member never counts against the cap
				require.NoError(t, e.AddToIndex(ctx, "set", "a", 2))
				assert.ErrorIs(t, e.AddToIndex(ctx, "set", "c", 2), ErrIndexFull)

				require.NoError(t, e.RemoveFromIndex(ctx, "set", "a"))
				require.NoError(t, e.AddToIndex(ctx, "set", "c", 2))

				members, err := e.IndexMembers(ctx, "set")
				require.NoError(t, err)
				assert.ElementsMatch(t, []string{"b", "c"}, members)
			})

			t.Run("ping", func(t *testing.T) {
				e, _ := eng.build(t)
				assert.NoError(t, e.Ping(ctx))
			})
		})
	}
}

func TestConcurrentConsumeExactlyOne(t *testing.T) {
	t.Parallel()

	for _, eng := range engines(t) {
		t.Run(eng.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			e, _ := eng.build(t)
			require.NoError(t, e.Put(ctx, "once", []byte("v"), time.Minute))

			const racers = 16
			var wins sync.WaitGroup
			results := make(chan error, racers)
			wins.Add(racers)
			for range racers {
				go func() {
					defer wins.Done()
					_, err := e.Consume(ctx, "once")
					results <- err
				}()
			}
			wins.Wait()
			close(results)

			var successes int
			for err := range results {
				if err == nil {
					successes++
				} else {
					assert.ErrorIs(t, err, ErrNotFound)
				}
			}
			assert.Equal(t, 1, successes, "exactly one consumer must win")
		})
	}
}
