// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Values live in a redis hash: field "d" is the serialized record, field "v"
// the CAS version. Lua keeps each operation atomic; HSET on an existing key
// preserves its TTL, which is exactly the CAS semantics the stores need.
var (
	putScript = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 1 then
			return 0
		end
		redis.call('HSET', KEYS[1], 'd', ARGV[1], 'v', 1)
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
		return 1`)

	casScript = redis.NewScript(`
		local v = redis.call('HGET', KEYS[1], 'v')
		if not v then
			return -1
		end
		if v ~= ARGV[2] then
			return 0
		end
		redis.call('HSET', KEYS[1], 'd', ARGV[1], 'v', v + 1)
		return 1`)

	consumeScript = redis.NewScript(`
		local d = redis.call('HGET', KEYS[1], 'd')
		if not d then
			return false
		end
		redis.call('DEL', KEYS[1])
		return d`)

	saddCappedScript = redis.NewScript(`
		if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 1 then
			return 1
		end
		local limit = tonumber(ARGV[2])
		if limit > 0 and redis.call('SCARD', KEYS[1]) >= limit then
			return 0
		end
		redis.call('SADD', KEYS[1], ARGV[1])
		return 1`)
)

// RedisEngine is the redis-backed Engine for multi-node deployments.
type RedisEngine struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisEngine wraps an existing redis client. prefix namespaces every key
// so multiple logical stores can share one database.
func NewRedisEngine(client redis.UniversalClient, prefix string) *RedisEngine {
	if prefix == "" {
		prefix = "passgate"
	}
	return &RedisEngine{client: client, prefix: prefix}
}

func (e *RedisEngine) key(k string) string {
	return e.prefix + ":" + k
}

// Ping implements Engine.
func (e *RedisEngine) Ping(ctx context.Context) error {
	return e.client.Ping(ctx).Err()
}

// Close implements Engine.
func (e *RedisEngine) Close() error {
	return e.client.Close()
}

// Put implements Engine.
func (e *RedisEngine) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ok, err := putScript.Run(ctx, e.client, []string{e.key(key)}, value, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	if ok == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// Get implements Engine.
func (e *RedisEngine) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	vals, err := e.client.HMGet(ctx, e.key(key), "d", "v").Result()
	if err != nil {
		return nil, 0, fmt.Errorf("redis get: %w", err)
	}
	if vals[0] == nil || vals[1] == nil {
		return nil, 0, ErrNotFound
	}
	data, ok := vals[0].(string)
	if !ok {
		return nil, 0, fmt.Errorf("redis get: unexpected value type %T", vals[0])
	}
	var version uint64
	if _, err := fmt.Sscanf(vals[1].(string), "%d", &version); err != nil {
		return nil, 0, fmt.Errorf("redis get: parsing version: %w", err)
	}
	return []byte(data), version, nil
}

// CompareAndSwap implements Engine.
func (e *RedisEngine) CompareAndSwap(ctx context.Context, key string, value []byte, version uint64) error {
	res, err := casScript.Run(ctx, e.client, []string{e.key(key)}, value, version).Int()
	if err != nil {
		return fmt.Errorf("redis cas: %w", err)
	}
	switch res {
	case -1:
		return ErrNotFound
	case 0:
		return ErrCASMismatch
	default:
		return nil
	}
}

// Consume implements Engine.
func (e *RedisEngine) Consume(ctx context.Context, key string) ([]byte, error) {
	data, err := consumeScript.Run(ctx, e.client, []string{e.key(key)}).Text()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis consume: %w", err)
	}
	return []byte(data), nil
}

// Delete implements Engine.
func (e *RedisEngine) Delete(ctx context.Context, key string) error {
	if err := e.client.Del(ctx, e.key(key)).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// AddToIndex implements Engine.
func (e *RedisEngine) AddToIndex(ctx context.Context, index, member string, limit int64) error {
	ok, err := saddCappedScript.Run(ctx, e.client, []string{e.key("idx:" + index)}, member, limit).Int()
	if err != nil {
		return fmt.Errorf("redis sadd: %w", err)
	}
	if ok == 0 {
		return ErrIndexFull
	}
	return nil
}

// RemoveFromIndex implements Engine.
func (e *RedisEngine) RemoveFromIndex(ctx context.Context, index, member string) error {
	if err := e.client.SRem(ctx, e.key("idx:"+index), member).Err(); err != nil {
		return fmt.Errorf("redis srem: %w", err)
	}
	return nil
}

// IndexMembers implements Engine.
func (e *RedisEngine) IndexMembers(ctx context.Context, index string) ([]string, error) {
	members, err := e.client.SMembers(ctx, e.key("idx:"+index)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	return members, nil
}

var _ Engine = (*RedisEngine)(nil)
