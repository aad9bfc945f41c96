// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package consent decides whether an authorization flow needs the consent
// screen and records the user's answer.
package consent

import (
	"context"
	"errors"
	"time"

	"github.com/stacklok/passgate/pkg/contracts"
	"github.com/stacklok/passgate/pkg/events"
	"github.com/stacklok/passgate/pkg/policy"
	"github.com/stacklok/passgate/pkg/storage/sqlite"
)

// Decision says whether the consent screen is needed and which scopes it
// must cover.
type Decision struct {
	Required bool
	// Missing are the requested scopes not covered by a remembered grant.
	// For explicit mode without a usable grant this equals the request.
	Missing []string
}

// Service evaluates and records consent.
type Service struct {
	store *sqlite.ConsentStore
	bus   *events.Bus
	now   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New builds the service.
func New(store *sqlite.ConsentStore, bus *events.Bus, opts ...Option) *Service {
	s := &Service{store: store, bus: bus, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Evaluate computes the consent decision for one authorization request
// under the pinned policy. Auto mode (first-party clients) never prompts;
// explicit mode prompts for any scope not remembered.
func (s *Service) Evaluate(ctx context.Context, pol *policy.ResolvedPolicy, userID, clientID string, requested []string) (Decision, error) {
	if pol.ConsentMode == contracts.ConsentAuto {
		return Decision{}, nil
	}

	if !pol.ConsentRemember {
		return Decision{Required: true, Missing: requested}, nil
	}

	grant, err := s.store.Get(ctx, userID, clientID)
	if errors.Is(err, sqlite.ErrConsentNotFound) {
		return Decision{Required: true, Missing: requested}, nil
	}
	if err != nil {
		return Decision{}, err
	}
	if grant.Revoked {
		return Decision{Required: true, Missing: requested}, nil
	}

	granted := make(map[string]bool, len(grant.GrantedScopes))
	for _, sc := range grant.GrantedScopes {
		granted[sc] = true
	}
	var missing []string
	for _, sc := range requested {
		if !granted[sc] {
			missing = append(missing, sc)
		}
	}
	if len(missing) == 0 {
		return Decision{}, nil
	}
	return Decision{Required: true, Missing: missing}, nil
}

// Grant records an approval. Grants are only persisted when the policy
// remembers consent; otherwise the approval covers this flow alone.
func (s *Service) Grant(ctx context.Context, pol *policy.ResolvedPolicy, tenantID, userID, clientID string, scopes []string) error {
	if pol.ConsentRemember {
		if err := s.store.Upsert(ctx, userID, clientID, scopes, s.now()); err != nil {
			return err
		}
	}
	return s.bus.Emit(ctx, &events.Event{
		EventName: events.ConsentGranted,
		TenantID:  tenantID,
		Actor:     userID,
		Context:   events.Context{ClientID: clientID},
		Data:      map[string]any{"scopes": scopes},
	})
}

// Revoke withdraws a remembered grant.
func (s *Service) Revoke(ctx context.Context, tenantID, userID, clientID string) error {
	if err := s.store.Revoke(ctx, userID, clientID, s.now()); err != nil {
		return err
	}
	return s.bus.Emit(ctx, &events.Event{
		EventName: events.ConsentRevoked,
		TenantID:  tenantID,
		Actor:     userID,
		Context:   events.Context{ClientID: clientID},
	})
}
