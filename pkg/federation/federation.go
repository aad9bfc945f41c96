// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package federation brokers logins through tenant-registered upstream OIDC
// providers. The round-trip state and nonce are bound to the originating
// challenge; accounts are auto-provisioned on first login when the provider
// allows it.
package federation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/stacklok/passgate/pkg/contracts"
	"github.com/stacklok/passgate/pkg/events"
	"github.com/stacklok/passgate/pkg/protocol"
	"github.com/stacklok/passgate/pkg/storage"
	"github.com/stacklok/passgate/pkg/users"
)

// AMRFederated is the amr value stamped on federated logins.
const AMRFederated = "federated"

// Errors.
var (
	ErrStateMismatch   = errors.New("state does not match")
	ErrNonceMismatch   = errors.New("nonce does not match")
	ErrNoEmailClaim    = errors.New("upstream id token has no email claim")
	ErrUnknownProvider = errors.New("unknown upstream provider")
)

// Outcome is a completed upstream login.
type Outcome struct {
	UserID        string
	Email         string
	Name          string
	Provisioned   bool
	EmailVerified bool
	// Subject and SID identify the login at the upstream provider; they are
	// what an upstream back-channel logout will later reference.
	Subject string
	SID     string
}

// Service runs the upstream round-trips. Provider metadata is discovered
// once per issuer and cached for the process lifetime.
type Service struct {
	users      *users.Service
	bus        *events.Bus
	httpClient *http.Client

	mu        sync.Mutex
	providers map[string]*oidc.Provider
}

// Option configures a Service.
type Option func(*Service)

// WithHTTPClient overrides the discovery/exchange client, used by tests to
// point at a mock IdP.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.httpClient = c }
}

// New builds the service.
func New(userSvc *users.Service, bus *events.Bus, opts ...Option) *Service {
	s := &Service{
		users:      userSvc,
		bus:        bus,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		providers:  map[string]*oidc.Provider{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pick finds the named provider in a tenant contract. An empty name with
// exactly one registered provider resolves to that provider.
func Pick(tenant *contracts.TenantContract, name string) (*contracts.UpstreamProvider, error) {
	if name == "" && len(tenant.Federation) == 1 {
		return &tenant.Federation[0], nil
	}
	for i := range tenant.Federation {
		if tenant.Federation[i].Name == name {
			return &tenant.Federation[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
}

func (s *Service) discover(ctx context.Context, issuer string) (*oidc.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.providers[issuer]; ok {
		return p, nil
	}
	p, err := oidc.NewProvider(oidc.ClientContext(ctx, s.httpClient), issuer)
	if err != nil {
		return nil, fmt.Errorf("discovering %s: %w", issuer, err)
	}
	s.providers[issuer] = p
	return p, nil
}

func (s *Service) oauthConfig(p *oidc.Provider, upstream *contracts.UpstreamProvider, redirectURL string) oauth2.Config {
	scopes := upstream.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "email", "profile"}
	}
	return oauth2.Config{
		ClientID:     upstream.ClientID,
		ClientSecret: upstream.ClientSecret,
		Endpoint:     p.Endpoint(),
		RedirectURL:  redirectURL,
		Scopes:       scopes,
	}
}

// Begin starts the round-trip: it discovers the provider, mints the nonce,
// and returns the upstream authorization URL with the state to pin inside
// the challenge. An empty state gets a random value; callers that need to
// locate their challenge from the callback pass the challenge id, which is
// already unguessable.
func (s *Service) Begin(ctx context.Context, upstream *contracts.UpstreamProvider, redirectURL, state string) (string, *storage.FederationState, error) {
	p, err := s.discover(ctx, upstream.Issuer)
	if err != nil {
		return "", nil, err
	}
	if state == "" {
		state, err = storage.NewID()
		if err != nil {
			return "", nil, err
		}
	}
	nonce, err := storage.NewID()
	if err != nil {
		return "", nil, err
	}

	cfg := s.oauthConfig(p, upstream, redirectURL)
	authURL := cfg.AuthCodeURL(state, oidc.Nonce(nonce))
	return authURL, &storage.FederationState{
		Provider: upstream.Name,
		State:    state,
		Nonce:    nonce,
	}, nil
}

// Callback completes the round-trip: state check, code exchange, ID token
// verification including the nonce, then find-or-provision.
func (s *Service) Callback(ctx context.Context, tenantID string, upstream *contracts.UpstreamProvider, pinned *storage.FederationState, state, code, redirectURL string) (*Outcome, error) {
	if state == "" || state != pinned.State {
		return nil, ErrStateMismatch
	}

	p, err := s.discover(ctx, upstream.Issuer)
	if err != nil {
		return nil, err
	}
	cfg := s.oauthConfig(p, upstream, redirectURL)

	httpCtx := oidc.ClientContext(ctx, s.httpClient)
	oauthToken, err := cfg.Exchange(httpCtx, code)
	if err != nil {
		return nil, fmt.Errorf("exchanging upstream code: %w", err)
	}
	rawIDToken, ok := oauthToken.Extra("id_token").(string)
	if !ok {
		return nil, errors.New("upstream token response has no id_token")
	}

	idToken, err := p.Verifier(&oidc.Config{ClientID: upstream.ClientID}).Verify(httpCtx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verifying upstream id token: %w", err)
	}
	if idToken.Nonce != pinned.Nonce {
		return nil, ErrNonceMismatch
	}

	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
		SID           string `json:"sid"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decoding upstream claims: %w", err)
	}
	if claims.Email == "" {
		return nil, ErrNoEmailClaim
	}

	out := &Outcome{
		Email:         claims.Email,
		Name:          claims.Name,
		EmailVerified: claims.EmailVerified,
		Subject:       idToken.Subject,
		SID:           claims.SID,
	}
	core, _, err := s.users.FindByEmail(ctx, tenantID, claims.Email)
	switch {
	case err == nil:
		out.UserID = core.ID
	case errors.Is(err, users.ErrNotFound) && upstream.AutoProvision:
		created, err := s.users.Provision(ctx, tenantID, claims.Email, claims.Name)
		if err != nil {
			return nil, err
		}
		out.UserID = created.ID
		out.Provisioned = true
	case errors.Is(err, users.ErrNotFound):
		return nil, protocol.ErrAccessDenied.WithDescription("no account for upstream identity")
	default:
		return nil, err
	}

	if claims.EmailVerified {
		_ = s.users.MarkEmailVerified(ctx, out.UserID)
	}
	_ = s.bus.Emit(ctx, &events.Event{
		EventName: events.FederationLoginOK,
		TenantID:  tenantID,
		Actor:     out.UserID,
		Data:      map[string]any{"provider": upstream.Name, "provisioned": out.Provisioned},
	})
	return out, nil
}
