// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit implements the fixed-window limiter guarding the
// abuse-sensitive endpoints. Keys are caller-composed, e.g.
// "send-email:{tenant}:{email}", so the same limiter serves per-user,
// per-client, and per-IP windows.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/stacklok/passgate/pkg/contracts"
)

// Default windows applied when the resolved policy has no entry for an
// endpoint.
var defaults = map[string]contracts.RatePolicy{
	"send-email":   {Window: 900, Max: 3},
	"code-verify":  {Window: 900, Max: 10},
	"passkey-auth": {Window: 300, Max: 20},
	"token":        {Window: 60, Max: 60},
	"par":          {Window: 60, Max: 60},
	"bc-authorize": {Window: 60, Max: 10},
	"authorize":    {Window: 60, Max: 120},
}

// PolicyFor picks the effective window for an endpoint: the profile entry
// when present, the package default otherwise.
func PolicyFor(profile contracts.RateLimitProfile, endpoint string) contracts.RatePolicy {
	if p, ok := profile[endpoint]; ok && p.Max > 0 {
		return p
	}
	if p, ok := defaults[endpoint]; ok {
		return p
	}
	return contracts.RatePolicy{Window: 60, Max: 60}
}

// Decision is the outcome of one limiter check.
type Decision struct {
	Allowed    bool
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter counts hits in fixed windows.
type Limiter interface {
	// Check consumes one slot for key under the given policy. A denied
	// check does not consume.
	Check(ctx context.Context, key string, pol contracts.RatePolicy) (Decision, error)
}

type window struct {
	count int64
	start time.Time
}

// MemoryLimiter is the in-process limiter for single-node deployments and
// tests.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// MemoryOption configures a MemoryLimiter.
type MemoryOption func(*MemoryLimiter)

// WithClock injects the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(l *MemoryLimiter) { l.now = now }
}

// NewMemoryLimiter creates an empty limiter.
func NewMemoryLimiter(opts ...MemoryOption) *MemoryLimiter {
	l := &MemoryLimiter{
		windows: map[string]*window{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check implements Limiter.
func (l *MemoryLimiter) Check(_ context.Context, key string, pol contracts.RatePolicy) (Decision, error) {
	now := l.now()
	span := time.Duration(pol.Window) * time.Second

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windows[key]
	if w == nil || now.Sub(w.start) >= span {
		w = &window{start: now}
		l.windows[key] = w
	}
	resetAt := w.start.Add(span)

	if w.count >= pol.Max {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}, nil
	}
	w.count++
	return Decision{
		Allowed:   true,
		Remaining: pol.Max - w.count,
		ResetAt:   resetAt,
	}, nil
}
