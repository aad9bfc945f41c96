// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/passgate/pkg/contracts"
)

// checkScript counts within the window only when under the cap, so a denied
// request never consumes a slot. Returns {allowed, count, pttl}.
var checkScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count >= tonumber(ARGV[1]) then
  return {0, count, redis.call('PTTL', KEYS[1])}
end
count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {1, count, redis.call('PTTL', KEYS[1])}
`)

// RedisLimiter shares windows across instances.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLimiter creates a limiter on an existing client.
func NewRedisLimiter(client redis.UniversalClient) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: "passgate:rl:"}
}

// Check implements Limiter.
func (l *RedisLimiter) Check(ctx context.Context, key string, pol contracts.RatePolicy) (Decision, error) {
	span := time.Duration(pol.Window) * time.Second
	res, err := checkScript.Run(ctx, l.client,
		[]string{l.prefix + key}, pol.Max, span.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check: %w", err)
	}

	allowed, count, pttl := res[0] == 1, res[1], res[2]
	ttl := time.Duration(pttl) * time.Millisecond
	if pttl < 0 {
		ttl = span
	}
	d := Decision{
		Allowed: allowed,
		ResetAt: time.Now().Add(ttl),
	}
	if allowed {
		d.Remaining = pol.Max - count
	} else {
		d.RetryAfter = ttl
	}
	return d, nil
}
