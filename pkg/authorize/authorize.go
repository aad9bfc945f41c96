// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authorize orchestrates the front-channel authorization code flow:
// parameter resolution across PAR, request objects, and query strings;
// validation against the pinned policy; session and prompt handling; code
// issuance; and the token endpoint grants.
package authorize

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/stacklok/passgate/pkg/clientkeys"
	"github.com/stacklok/passgate/pkg/consent"
	"github.com/stacklok/passgate/pkg/contracts"
	"github.com/stacklok/passgate/pkg/events"
	"github.com/stacklok/passgate/pkg/policy"
	"github.com/stacklok/passgate/pkg/protocol"
	"github.com/stacklok/passgate/pkg/storage"
	"github.com/stacklok/passgate/pkg/token"
	"github.com/stacklok/passgate/pkg/users"
)

// Orchestrator wires the authorization endpoints together. It implements
// the flow engine's Completer so interactive flows finish through the same
// code-issuance path as silent ones.
type Orchestrator struct {
	issuerURL  string
	registry   *contracts.Registry
	resolver   *policy.Resolver
	stores     *storage.Stores
	wire       *token.WireTokens
	issuer     *token.Issuer
	consent    *consent.Service
	users      *users.Service
	clientKeys *clientkeys.Resolver
	bus        *events.Bus
	httpClient *http.Client
	grants     map[string]GrantHandler
	now        func() time.Time
}

// GrantHandler serves one extension grant type at the token endpoint. The
// CIBA and device runners register themselves here.
type GrantHandler interface {
	Grant(ctx context.Context, client *contracts.ClientContract, form url.Values) (*protocol.TokenResponse, error)
}

// Config wires the orchestrator's collaborators.
type Config struct {
	IssuerURL  string
	Registry   *contracts.Registry
	Resolver   *policy.Resolver
	Stores     *storage.Stores
	Wire       *token.WireTokens
	Issuer     *token.Issuer
	Consent    *consent.Service
	Users      *users.Service
	ClientKeys *clientkeys.Resolver
	Bus        *events.Bus
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithHTTPClient overrides the client used to dereference https request
// URIs.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Orchestrator) { o.httpClient = c }
}

// New builds the orchestrator.
func New(cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		issuerURL:  strings.TrimRight(cfg.IssuerURL, "/"),
		registry:   cfg.Registry,
		resolver:   cfg.Resolver,
		stores:     cfg.Stores,
		wire:       cfg.Wire,
		issuer:     cfg.Issuer,
		consent:    cfg.Consent,
		users:      cfg.Users,
		clientKeys: cfg.ClientKeys,
		bus:        cfg.Bus,
		httpClient: &http.Client{Timeout: requestObjectTimeout},
		grants:     map[string]GrantHandler{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RegisterGrant adds an extension grant to the token endpoint dispatch.
func (o *Orchestrator) RegisterGrant(grantType string, h GrantHandler) {
	o.grants[grantType] = h
}

// BeginInput is one parsed /authorize request.
type BeginInput struct {
	Params url.Values
	// SessionID is the browser session from the cookie, empty when absent.
	SessionID string
	// ViaPAR marks parameters redeemed from a pushed authorization request.
	ViaPAR bool
}

// BeginResult says where the browser goes next: straight back to the client
// (code or error already attached) or into the interactive flow.
type BeginResult struct {
	RedirectTo  string
	ChallengeID string
}

// BeginAuthorize validates an authorization request and either finishes it
// silently against the browser session or opens an interactive challenge.
// Errors returned here carry no validated redirect URI and must render as
// JSON; once validation passes, failures come back as redirect results.
func (o *Orchestrator) BeginAuthorize(ctx context.Context, in BeginInput) (*BeginResult, error) {
	req, viaPAR, err := o.resolveRequest(ctx, in.Params)
	if err != nil {
		return nil, err
	}
	viaPAR = viaPAR || in.ViaPAR

	client, err := o.registry.Client(req.ClientID)
	if err != nil {
		return nil, protocol.ErrInvalidRequest.WithDescription("unknown client")
	}
	tenant, err := o.registry.Tenant(client.TenantID)
	if err != nil {
		return nil, protocol.ErrInvalidRequest.WithDescription("unknown tenant")
	}

	// The redirect URI must match byte-for-byte before any error may be
	// delivered by redirect.
	if req.RedirectURI == "" || !client.HasRedirectURI(req.RedirectURI) {
		return nil, protocol.ErrInvalidRequest.WithDescription("redirect_uri is not registered")
	}

	pol, err := o.resolver.Resolve(tenant, client)
	if err != nil {
		return o.redirectError(req, protocol.ErrPolicyStale)
	}

	if verr := o.validateRequest(req, client, pol, viaPAR); verr != nil {
		return o.redirectError(req, verr)
	}
	return o.route(ctx, req, client, pol, in.SessionID)
}

// validateRequest applies the policy gates that do not need any stored
// state.
func (o *Orchestrator) validateRequest(req *storage.AuthRequest, client *contracts.ClientContract, pol *policy.ResolvedPolicy, viaPAR bool) *protocol.Error {
	if req.ResponseType != protocol.ResponseTypeCode {
		return protocol.ErrUnsupportedResponseType
	}
	if pol.RequirePAR && !viaPAR {
		return protocol.ErrInvalidRequest.WithDescription("this client must use pushed authorization requests")
	}
	for _, s := range req.Scope {
		if !pol.AllowsScope(s) {
			return protocol.ErrInvalidScope.WithDescription("scope %q is not allowed", s)
		}
	}
	if client.Public() || pol.RequirePKCE {
		if req.CodeChallenge == "" {
			return protocol.ErrInvalidRequest.WithDescription("code_challenge is required")
		}
	}
	if req.CodeChallenge != "" && req.CodeChallengeMethod != protocol.PKCEMethodS256 {
		return protocol.ErrInvalidRequest.WithDescription("only S256 code challenges are accepted")
	}
	return nil
}

// route decides between silent completion and interaction, honoring prompt
// and max_age.
func (o *Orchestrator) route(ctx context.Context, req *storage.AuthRequest, client *contracts.ClientContract, pol *policy.ResolvedPolicy, sessionID string) (*BeginResult, error) {
	promptNone := hasPrompt(req, "none")
	forceLogin := hasPrompt(req, "login")
	forceConsent := hasPrompt(req, "consent")

	now := o.now()
	var sess *storage.Session
	if sessionID != "" {
		if got, err := o.stores.Sessions.Active(ctx, sessionID, now); err == nil && got.TenantID == client.TenantID {
			sess = got
		}
	}
	if sess != nil && req.MaxAge > 0 && now.Unix()-sess.AuthTime > req.MaxAge {
		sess = nil
	}

	if sess == nil || forceLogin {
		if promptNone {
			return o.redirectError(req, protocol.ErrLoginRequired)
		}
		return o.openChallenge(ctx, req, client, pol, policy.NodeIdentifyingUser, nil)
	}

	decision, err := o.consent.Evaluate(ctx, pol, sess.UserID, client.ClientID, req.Scope)
	if err != nil {
		return nil, err
	}
	if decision.Required || forceConsent {
		if promptNone {
			return o.redirectError(req, protocol.ErrConsentRequired)
		}
		missing := decision.Missing
		if len(missing) == 0 {
			missing = req.Scope
		}
		return o.openChallenge(ctx, req, client, pol, policy.NodeNeedsConsent, func(c *storage.Challenge) {
			c.UserID = sess.UserID
			c.SessionID = sess.ID
			c.AuthTime = sess.AuthTime
			c.ACR = sess.ACR
			c.AMR = sess.AMR
			c.ConsentScopes = missing
		})
	}

	// Session satisfies everything; complete without interaction.
	done := &storage.Challenge{
		TenantID:  client.TenantID,
		ClientID:  client.ClientID,
		Type:      storage.ChallengeLogin,
		Policy:    pol,
		Authorize: req,
		UserID:    sess.UserID,
		SessionID: sess.ID,
		AuthTime:  sess.AuthTime,
		ACR:       sess.ACR,
		AMR:       sess.AMR,
	}
	redirect, err := o.Complete(ctx, done)
	if err != nil {
		return nil, err
	}
	return &BeginResult{RedirectTo: redirect}, nil
}

func (o *Orchestrator) openChallenge(ctx context.Context, req *storage.AuthRequest, client *contracts.ClientContract, pol *policy.ResolvedPolicy, state string, decorate func(*storage.Challenge)) (*BeginResult, error) {
	id, err := storage.NewID()
	if err != nil {
		return nil, err
	}
	now := o.now()
	c := &storage.Challenge{
		ID:        id,
		TenantID:  client.TenantID,
		ClientID:  client.ClientID,
		Type:      storage.ChallengeLogin,
		State:     state,
		Policy:    pol,
		Authorize: req,
		CreatedAt: now.UnixMilli(),
		ExpiresAt: now.Add(storage.ChallengeTTL).UnixMilli(),
	}
	if decorate != nil {
		decorate(c)
	}
	if err := o.stores.Challenges.Create(ctx, c, storage.ChallengeTTL); err != nil {
		if storage.MapIndexFull(err) {
			return o.redirectError(req, protocol.ErrResourceExhausted.WithDescription("too many active flows"))
		}
		return nil, err
	}
	return &BeginResult{ChallengeID: id}, nil
}

// Complete implements flow.Completer: session bookkeeping, code minting,
// and redirect assembly.
func (o *Orchestrator) Complete(ctx context.Context, c *storage.Challenge) (string, error) {
	now := o.now()
	pol := c.Policy

	sessionID := c.SessionID
	if sessionID == "" {
		id, err := storage.NewID()
		if err != nil {
			return "", err
		}
		sess := &storage.Session{
			ID:            id,
			UserID:        c.UserID,
			TenantID:      c.TenantID,
			AuthTime:      c.AuthTime,
			AMR:           c.AMR,
			ACR:           c.ACR,
			CreatedAt:     now.UnixMilli(),
			ExpiresAt:     now.Add(pol.SessionTTL).UnixMilli(),
			IdleExpiresAt: now.Add(pol.SessionIdleTTL).UnixMilli(),
			LastActiveAt:  now.UnixMilli(),
		}
		if c.Federation != nil && c.Federation.Subject != "" {
			sess.UpstreamIssuer = c.Federation.Issuer
			sess.UpstreamSub = c.Federation.Subject
			sess.UpstreamSID = c.Federation.SID
		}
		if err := o.stores.Sessions.Create(ctx, sess, pol.SessionTTL, pol.Limits.MaxActiveSessions); err != nil {
			return "", err
		}
		sessionID = id
		// Visible to the caller so the transport can set the browser
		// cookie for the session it just earned.
		c.SessionID = sessionID
		_ = o.bus.Emit(ctx, &events.Event{
			EventName: events.SessionCreated,
			TenantID:  c.TenantID,
			Actor:     c.UserID,
			Context:   events.Context{SessionID: id, ClientID: c.ClientID},
		})
	}

	code, sig, err := o.wire.New(ctx)
	if err != nil {
		return "", err
	}
	record := &storage.AuthorizationCode{
		ClientID:            c.ClientID,
		RedirectURI:         c.Authorize.RedirectURI,
		Scope:               c.Authorize.Scope,
		Subject:             c.UserID,
		Nonce:               c.Authorize.Nonce,
		CodeChallenge:       c.Authorize.CodeChallenge,
		CodeChallengeMethod: c.Authorize.CodeChallengeMethod,
		AuthTime:            c.AuthTime,
		ACR:                 c.ACR,
		AMR:                 c.AMR,
		SessionID:           sessionID,
		ResolvedPolicyID:    pol.ResolutionID,
		Policy:              pol,
		IssuedAt:            now.UnixMilli(),
	}
	if err := o.stores.Codes.Put(ctx, sig, record, storage.MaxCodeTTL); err != nil {
		return "", err
	}
	_ = o.bus.Emit(ctx, &events.Event{
		EventName: events.CodeIssued,
		TenantID:  c.TenantID,
		Actor:     c.UserID,
		Context:   events.Context{ClientID: c.ClientID, SessionID: sessionID},
	})

	return appendQuery(c.Authorize.RedirectURI, url.Values{
		"code":  {code},
		"state": {c.Authorize.State},
	}), nil
}

// Denied implements flow.Completer: the error redirect back to the client.
func (o *Orchestrator) Denied(_ context.Context, c *storage.Challenge, cause *protocol.Error) (string, error) {
	q := cause.Query()
	if c.Authorize.State != "" {
		q.Set("state", c.Authorize.State)
	}
	return appendQuery(c.Authorize.RedirectURI, q), nil
}

func (o *Orchestrator) redirectError(req *storage.AuthRequest, cause *protocol.Error) (*BeginResult, error) {
	q := cause.Query()
	if req.State != "" {
		q.Set("state", req.State)
	}
	return &BeginResult{RedirectTo: appendQuery(req.RedirectURI, q)}, nil
}

func hasPrompt(req *storage.AuthRequest, value string) bool {
	for _, p := range req.Prompt {
		if p == value {
			return true
		}
	}
	return false
}

// appendQuery merges extra parameters into a URI that may already carry a
// query string.
func appendQuery(uri string, extra url.Values) string {
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	q := u.Query()
	for k, vs := range extra {
		for _, v := range vs {
			if v != "" {
				q.Set(k, v)
			}
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func parseMaxAge(raw string) int64 {
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
