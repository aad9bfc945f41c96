// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package device implements the RFC 8628 device authorization grant: the
// /device_authorization endpoint, the polling grant at the token endpoint,
// and the attach/approve hooks the interactive flow calls when the user
// types the code on a second device.
package device

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/stacklok/passgate/pkg/authorize"
	"github.com/stacklok/passgate/pkg/contracts"
	"github.com/stacklok/passgate/pkg/events"
	"github.com/stacklok/passgate/pkg/policy"
	"github.com/stacklok/passgate/pkg/protocol"
	"github.com/stacklok/passgate/pkg/storage"
	"github.com/stacklok/passgate/pkg/token"
)

// userCodeAlphabet avoids vowels and lookalike characters so the code
// survives being read aloud (RFC 8628 §6.1).
const userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ"

// userCodeLength is the number of alphabet characters, rendered as two
// dash-separated groups of four.
const userCodeLength = 8

// maxPollInterval caps the slow_down doubling.
const maxPollInterval = 30

// Runner serves the device authorization lifecycle.
type Runner struct {
	registry        *contracts.Registry
	resolver        *policy.Resolver
	stores          *storage.Stores
	wire            *token.WireTokens
	minter          TokenMinter
	bus             *events.Bus
	verificationURI string
	now             func() time.Time
}

// TokenMinter issues the token response once a grant is approved.
type TokenMinter interface {
	MintTokens(ctx context.Context, pol *policy.ResolvedPolicy, in authorize.MintInput) (*protocol.TokenResponse, string, error)
}

// Config wires the runner's collaborators. VerificationURI is the page
// where users type their code.
type Config struct {
	Registry        *contracts.Registry
	Resolver        *policy.Resolver
	Stores          *storage.Stores
	Wire            *token.WireTokens
	Minter          TokenMinter
	Bus             *events.Bus
	VerificationURI string
}

// Option configures a Runner.
type Option func(*Runner)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// New builds the runner.
func New(cfg Config, opts ...Option) *Runner {
	r := &Runner{
		registry:        cfg.Registry,
		resolver:        cfg.Resolver,
		stores:          cfg.Stores,
		wire:            cfg.Wire,
		minter:          cfg.Minter,
		bus:             cfg.Bus,
		verificationURI: cfg.VerificationURI,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Authorize serves /device_authorization for an already-authenticated
// client. The device code is an opaque wire token; the user code is short
// enough to type on a TV remote.
func (r *Runner) Authorize(ctx context.Context, client *contracts.ClientContract, form url.Values) (*protocol.DeviceAuthorizationResponse, error) {
	tenant, err := r.registry.Tenant(client.TenantID)
	if err != nil {
		return nil, protocol.ErrInvalidClient.WithDescription("unknown tenant")
	}
	pol, err := r.resolver.Resolve(tenant, client)
	if err != nil {
		return nil, protocol.ErrPolicyStale
	}
	if !pol.Device.Enabled || !pol.AllowsGrant(protocol.GrantDeviceCode) {
		return nil, protocol.ErrUnauthorizedClient.WithDescription("device authorization is not enabled for this client")
	}

	scope := strings.Fields(form.Get("scope"))
	for _, sc := range scope {
		if !pol.AllowsScope(sc) {
			return nil, protocol.ErrInvalidScope.WithDescription("scope %q is not allowed", sc)
		}
	}

	deviceCode, sig, err := r.wire.New(ctx)
	if err != nil {
		return nil, err
	}
	userCode, err := newUserCode()
	if err != nil {
		return nil, err
	}

	now := r.now()
	ttl := pol.Device.RequestTTL
	interval := int64(pol.Device.PollInterval.Seconds())
	grant := &storage.DeviceGrant{
		DeviceCodeKey:   sig,
		UserCode:        userCode,
		TenantID:        client.TenantID,
		ClientID:        client.ClientID,
		Scope:           scope,
		Status:          storage.StatusPending,
		MinPollInterval: interval,
		CreatedAt:       now.Unix(),
		ExpiresAt:       now.Add(ttl).Unix(),
		Policy:          pol,
	}
	if err := r.stores.Devices.Put(ctx, sig, grant, ttl); err != nil {
		return nil, err
	}
	key := sig
	if err := r.stores.UserCodes.Put(ctx, normalizeUserCode(userCode), &key, ttl); err != nil {
		_ = r.stores.Devices.Delete(ctx, sig)
		return nil, err
	}

	_ = r.bus.Emit(ctx, &events.Event{
		EventName: events.DeviceRequested,
		TenantID:  client.TenantID,
		Context:   events.Context{ClientID: client.ClientID},
	})

	return &protocol.DeviceAuthorizationResponse{
		DeviceCode:              deviceCode,
		UserCode:                userCode,
		VerificationURI:         r.verificationURI,
		VerificationURIComplete: r.verificationURI + "?user_code=" + url.QueryEscape(userCode),
		ExpiresIn:               int64(ttl.Seconds()),
		Interval:                interval,
	}, nil
}

// Grant serves the token endpoint for the device_code grant type, with the
// RFC 8628 §3.5 polling discipline.
func (r *Runner) Grant(ctx context.Context, client *contracts.ClientContract, form url.Values) (*protocol.TokenResponse, error) {
	sig, err := r.wire.Validate(ctx, form.Get("device_code"))
	if err != nil {
		return nil, protocol.ErrInvalidGrant.WithDescription("device_code is malformed")
	}

	var verdict *protocol.Error
	var issue bool
	now := r.now().Unix()
	grant, err := r.stores.Devices.Update(ctx, sig, func(g *storage.DeviceGrant) error {
		verdict, issue = nil, false
		if g.ClientID != client.ClientID {
			verdict = protocol.ErrInvalidGrant.WithDescription("device_code was issued to another client")
			return nil
		}
		if g.Status == storage.StatusPending && now > g.ExpiresAt {
			g.Status = storage.StatusExpired
		}
		switch g.Status {
		case storage.StatusPending:
			if g.LastPollAt > 0 && now-g.LastPollAt < g.MinPollInterval {
				g.MinPollInterval = min(g.MinPollInterval*2, maxPollInterval)
				g.LastPollAt = now
				verdict = protocol.ErrSlowDown.WithRetryAfter(int(g.MinPollInterval))
				return nil
			}
			g.LastPollAt = now
			verdict = protocol.ErrAuthorizationPending
		case storage.StatusDenied:
			verdict = protocol.ErrAccessDenied.WithDescription("the user denied the request")
		case storage.StatusExpired:
			verdict = protocol.ErrExpiredToken
		case storage.StatusConsumed:
			verdict = protocol.ErrInvalidGrant.WithDescription("device_code was already redeemed")
		case storage.StatusApproved:
			g.Status = storage.StatusConsumed
			issue = true
		}
		return nil
	})
	if err != nil {
		if storage.IsGone(err) {
			return nil, protocol.ErrExpiredToken
		}
		return nil, err
	}
	if verdict != nil {
		return nil, verdict
	}
	if !issue {
		return nil, protocol.ErrAuthorizationPending
	}

	resp, _, err := r.minter.MintTokens(ctx, grant.Policy, authorize.MintInput{
		ClientID: grant.ClientID,
		TenantID: grant.TenantID,
		Subject:  grant.UserID,
		Scope:    grant.Scope,
		AuthTime: grant.AuthTime,
		ACR:      grant.ACR,
		AMR:      grant.AMR,
	})
	if err != nil {
		return nil, err
	}
	_ = r.bus.Emit(ctx, &events.Event{
		EventName: events.DeviceCompleted,
		TenantID:  grant.TenantID,
		Actor:     grant.UserID,
		Context:   events.Context{ClientID: grant.ClientID},
	})
	return resp, nil
}

// Attach binds an approval challenge to the pending grant the typed code
// names. The challenge then shows the requesting client before the user
// decides.
func (r *Runner) Attach(ctx context.Context, c *storage.Challenge, userCode string) error {
	unknown := protocol.ErrValidationFailed.WithDescription("that code is not recognized")
	key, err := r.stores.UserCodes.Get(ctx, normalizeUserCode(userCode))
	if err != nil {
		return unknown
	}
	grant, err := r.stores.Devices.Get(ctx, *key)
	if err != nil {
		return unknown
	}
	if grant.Status != storage.StatusPending || r.now().Unix() > grant.ExpiresAt {
		return unknown
	}
	c.AsyncID = grant.DeviceCodeKey
	c.ClientID = grant.ClientID
	return nil
}

// Approve records the user's decision; the polling device learns on its
// next poll. The user code is retired so it cannot match again.
func (r *Runner) Approve(ctx context.Context, c *storage.Challenge) error {
	now := r.now().Unix()
	grant, err := r.stores.Devices.Update(ctx, c.AsyncID, func(g *storage.DeviceGrant) error {
		if g.Status != storage.StatusPending {
			return protocol.ErrInvalidTransition.WithDescription("grant is no longer pending")
		}
		if now > g.ExpiresAt {
			g.Status = storage.StatusExpired
			return nil
		}
		g.Status = storage.StatusApproved
		g.UserID = c.UserID
		g.AuthTime = now
		g.ACR = fmt.Sprintf("urn:passgate:acr:tier%d", g.Policy.SecurityTier)
		g.AMR = []string{"device_approval"}
		return nil
	})
	if err != nil {
		if storage.IsGone(err) {
			return protocol.ErrChallengeExpired
		}
		return err
	}
	if grant.Status == storage.StatusExpired {
		return protocol.ErrChallengeExpired
	}
	_ = r.stores.UserCodes.Delete(ctx, normalizeUserCode(grant.UserCode))
	return nil
}

// Deny records a user rejection and retires the user code.
func (r *Runner) Deny(ctx context.Context, c *storage.Challenge) error {
	grant, err := r.stores.Devices.Update(ctx, c.AsyncID, func(g *storage.DeviceGrant) error {
		if g.Status != storage.StatusPending {
			return protocol.ErrInvalidTransition.WithDescription("grant is no longer pending")
		}
		g.Status = storage.StatusDenied
		return nil
	})
	if err != nil {
		if storage.IsGone(err) {
			return protocol.ErrChallengeExpired
		}
		return err
	}
	_ = r.stores.UserCodes.Delete(ctx, normalizeUserCode(grant.UserCode))
	return nil
}

// newUserCode draws a code like "BCDF-GHJK" from the restricted alphabet.
func newUserCode() (string, error) {
	buf := make([]byte, userCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	chars := make([]byte, 0, userCodeLength+1)
	for i, b := range buf {
		if i == userCodeLength/2 {
			chars = append(chars, '-')
		}
		chars = append(chars, userCodeAlphabet[int(b)%len(userCodeAlphabet)])
	}
	return string(chars), nil
}

// normalizeUserCode strips separators and case so user input matches
// however it was typed.
func normalizeUserCode(code string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(code) {
		if r == '-' || r == ' ' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
