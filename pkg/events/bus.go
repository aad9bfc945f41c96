// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package events is the structured event bus. Pre-hooks run synchronously
// and may abort the emitting operation by returning an error; post-hooks
// observe committed events either synchronously or on a background
// goroutine, and can never fail the operation.
//
// Event names follow {domain}.{resource}.{action}[.{modifier}]. PII rides
// in the Data map only for events whose definition opts in.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/passgate/pkg/logger"
)

// Catalogued event names emitted by the core.
const (
	UserCreated        = "identity.user.created"
	UserPIIFailed      = "identity.user.pii_failed"
	UserDeleted        = "identity.user.deleted"
	SessionCreated     = "session.session.created"
	SessionRevoked     = "session.session.revoked"
	LoginSucceeded     = "auth.login.succeeded"
	LoginFailed        = "auth.login.failed"
	ConsentGranted     = "auth.consent.granted"
	ConsentRevoked     = "auth.consent.revoked"
	CodeIssued         = "oauth.code.issued"
	CodeRedeemed       = "oauth.code.redeemed"
	TokenIssued        = "oauth.token.issued"
	TokenRefreshed     = "oauth.token.refreshed"
	TokenRevoked       = "oauth.token.revoked"
	ReplayDetected     = "security.token.replay_detected"
	KeyRotated         = "security.key.rotated"
	RateLimitExceeded  = "security.ratelimit.exceeded"
	CIBARequested      = "ciba.request.created"
	CIBACompleted      = "ciba.request.completed"
	DeviceRequested    = "device.request.created"
	DeviceCompleted    = "device.request.completed"
	LogoutInitiated    = "session.logout.initiated"
	BackchannelLogout  = "session.logout.backchannel"
	PasskeyRegistered  = "auth.passkey.registered"
	FederationLoginOK  = "auth.federation.succeeded"
	PolicyResolved     = "policy.resolution.created"
)

// Context identifies the request that produced an event.
type Context struct {
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
}

// Event is one emitted occurrence.
type Event struct {
	EventID   string         `json:"event_id"`
	EventName string         `json:"event_name"`
	Timestamp time.Time      `json:"timestamp"`
	TenantID  string         `json:"tenant_id"`
	Context   Context        `json:"context"`
	Actor     string         `json:"actor,omitempty"`
	Target    string         `json:"target,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// PreHook runs before the operation commits and may veto it.
type PreHook func(ctx context.Context, evt *Event) error

// PostHook observes a committed event. Errors are logged, never propagated.
type PostHook func(ctx context.Context, evt *Event) error

// Bus dispatches events to registered hooks. Registration happens during
// startup; Emit is safe for concurrent use afterward.
type Bus struct {
	mu        sync.RWMutex
	pre       map[string][]PreHook
	post      map[string][]PostHook
	postAll   []PostHook
	async     bool
	observers []func(name string)
	wg        sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithAsyncPostHooks runs post-hooks on background goroutines.
func WithAsyncPostHooks() Option {
	return func(b *Bus) { b.async = true }
}

// WithObserver adds a counter callback invoked once per emitted event.
func WithObserver(fn func(name string)) Option {
	return func(b *Bus) { b.observers = append(b.observers, fn) }
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		pre:  map[string][]PreHook{},
		post: map[string][]PostHook{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Pre registers a pre-hook for one event name.
func (b *Bus) Pre(name string, hook PreHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pre[name] = append(b.pre[name], hook)
}

// Post registers a post-hook for one event name.
func (b *Bus) Post(name string, hook PostHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.post[name] = append(b.post[name], hook)
}

// PostAll registers a post-hook observing every event, e.g. the audit log.
func (b *Bus) PostAll(hook PostHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.postAll = append(b.postAll, hook)
}

// Emit fills in the event identity, runs pre-hooks (any error aborts), then
// dispatches to post-hooks.
func (b *Bus) Emit(ctx context.Context, evt *Event) error {
	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	pre := b.pre[evt.EventName]
	post := append(append([]PostHook(nil), b.post[evt.EventName]...), b.postAll...)
	observers := b.observers
	async := b.async
	b.mu.RUnlock()

	for _, hook := range pre {
		if err := hook(ctx, evt); err != nil {
			return err
		}
	}

	for _, fn := range observers {
		fn(evt.EventName)
	}

	if async {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			// Detached from the request: the caller's cancellation must not
			// suppress audit delivery.
			b.runPost(context.WithoutCancel(ctx), evt, post)
		}()
		return nil
	}
	b.runPost(ctx, evt, post)
	return nil
}

func (*Bus) runPost(ctx context.Context, evt *Event, hooks []PostHook) {
	for _, hook := range hooks {
		if err := hook(ctx, evt); err != nil {
			logger.Errorw("event post-hook failed",
				"event", evt.EventName,
				"event_id", evt.EventID,
				"error", err,
			)
		}
	}
}

// Drain waits for outstanding async post-hooks, for shutdown and tests.
func (b *Bus) Drain() {
	b.wg.Wait()
}

// AuditHook returns the standard audit post-hook: one structured log line
// per event.
func AuditHook() PostHook {
	return func(_ context.Context, evt *Event) error {
		logger.Infow("audit",
			"event", evt.EventName,
			"event_id", evt.EventID,
			"tenant_id", evt.TenantID,
			"request_id", evt.Context.RequestID,
			"session_id", evt.Context.SessionID,
			"client_id", evt.Context.ClientID,
			"actor", evt.Actor,
			"target", evt.Target,
		)
		return nil
	}
}
