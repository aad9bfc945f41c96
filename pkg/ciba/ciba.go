// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package ciba implements OpenID Connect Client-Initiated Backchannel
// Authentication: the /bc-authorize endpoint, the polling grant at the
// token endpoint, and the approval hooks the flow engine calls when the
// user decides on their own device.
package ciba

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/stacklok/passgate/pkg/authorize"
	"github.com/stacklok/passgate/pkg/contracts"
	"github.com/stacklok/passgate/pkg/events"
	"github.com/stacklok/passgate/pkg/policy"
	"github.com/stacklok/passgate/pkg/protocol"
	"github.com/stacklok/passgate/pkg/storage"
	"github.com/stacklok/passgate/pkg/users"
)

// Delivery modes from CIBA Core §5. Poll is the default; ping and push
// require a registered notification endpoint.
const (
	ModePoll = "poll"
	ModePing = "ping"
	ModePush = "push"
)

// maxPollInterval caps the slow_down doubling.
const maxPollInterval = 30

// notifyTimeout bounds one ping or push delivery.
const notifyTimeout = 5 * time.Second

// Runner serves the backchannel authentication lifecycle.
type Runner struct {
	registry   *contracts.Registry
	resolver   *policy.Resolver
	stores     *storage.Stores
	users      *users.Service
	minter     TokenMinter
	bus        *events.Bus
	httpClient *http.Client
	validate   *validator.Validate
	now        func() time.Time
}

// TokenMinter issues the token response once a request is approved. The
// authorize orchestrator satisfies it, so backchannel grants mint exactly
// like front-channel ones.
type TokenMinter interface {
	MintTokens(ctx context.Context, pol *policy.ResolvedPolicy, in authorize.MintInput) (*protocol.TokenResponse, string, error)
}

// Config wires the runner's collaborators.
type Config struct {
	Registry *contracts.Registry
	Resolver *policy.Resolver
	Stores   *storage.Stores
	Users    *users.Service
	Minter   TokenMinter
	Bus      *events.Bus
}

// Option configures a Runner.
type Option func(*Runner)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithHTTPClient overrides the client used for ping and push deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Runner) { r.httpClient = c }
}

// New builds the runner.
func New(cfg Config, opts ...Option) *Runner {
	r := &Runner{
		registry:   cfg.Registry,
		resolver:   cfg.Resolver,
		stores:     cfg.Stores,
		users:      cfg.Users,
		minter:     cfg.Minter,
		bus:        cfg.Bus,
		httpClient: &http.Client{Timeout: notifyTimeout},
		validate:   validator.New(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ParseLoginHint splits a login_hint into its kind and value. An explicit
// "kind:value" prefix wins; otherwise the shape of the value decides.
func ParseLoginHint(hint string) storage.LoginHint {
	if kind, value, ok := strings.Cut(hint, ":"); ok {
		switch kind {
		case "email", "phone", "subject", "username":
			return storage.LoginHint{Kind: kind, Value: value}
		}
	}
	switch {
	case strings.Contains(hint, "@"):
		return storage.LoginHint{Kind: "email", Value: hint}
	case strings.HasPrefix(hint, "+"):
		return storage.LoginHint{Kind: "phone", Value: hint}
	default:
		return storage.LoginHint{Kind: "username", Value: hint}
	}
}

// Begin serves /bc-authorize for an already-authenticated client. It
// resolves the hinted user, stores the pending request, and opens the
// approval challenge the user's device will pick up.
func (r *Runner) Begin(ctx context.Context, client *contracts.ClientContract, form url.Values) (*protocol.CIBAResponse, error) {
	get := form.Get

	tenant, err := r.registry.Tenant(client.TenantID)
	if err != nil {
		return nil, protocol.ErrInvalidClient.WithDescription("unknown tenant")
	}
	pol, err := r.resolver.Resolve(tenant, client)
	if err != nil {
		return nil, protocol.ErrPolicyStale
	}
	if !pol.CIBA.Enabled || !pol.AllowsGrant(protocol.GrantCIBA) {
		return nil, protocol.ErrUnauthorizedClient.WithDescription("backchannel authentication is not enabled for this client")
	}

	scope := strings.Fields(get("scope"))
	for _, sc := range scope {
		if !pol.AllowsScope(sc) {
			return nil, protocol.ErrInvalidScope.WithDescription("scope %q is not allowed", sc)
		}
	}

	binding := get("binding_message")
	if err := r.validate.Var(binding, "omitempty,max=140"); err != nil {
		return nil, protocol.ErrInvalidRequest.WithDescription("binding_message exceeds 140 characters")
	}

	rawHint := get("login_hint")
	if rawHint == "" {
		return nil, protocol.ErrInvalidRequest.WithDescription("login_hint is required")
	}
	hint := ParseLoginHint(rawHint)
	userID, err := r.resolveHint(ctx, client.TenantID, hint)
	if err != nil {
		return nil, err
	}

	mode := client.CIBADeliveryMode
	if mode == "" {
		mode = ModePoll
	}
	notificationToken := get("client_notification_token")
	if mode == ModePing || mode == ModePush {
		if client.CIBANotificationEndpoint == "" {
			return nil, protocol.ErrInvalidRequest.WithDescription("no notification endpoint registered for %s delivery", mode)
		}
		if notificationToken == "" {
			return nil, protocol.ErrInvalidRequest.WithDescription("client_notification_token is required for %s delivery", mode)
		}
	}

	userCode := get("user_code")
	if userCode != "" && !pol.CIBA.UserCode {
		return nil, protocol.ErrInvalidRequest.WithDescription("user_code is not supported")
	}

	authReqID, err := storage.NewID()
	if err != nil {
		return nil, err
	}
	now := r.now()
	ttl := pol.CIBA.RequestTTL
	interval := int64(pol.CIBA.PollInterval.Seconds())

	rec := &storage.CIBARequest{
		AuthReqID:            authReqID,
		TenantID:             client.TenantID,
		ClientID:             client.ClientID,
		Scope:                scope,
		BindingMessage:       binding,
		UserCode:             userCode,
		LoginHint:            hint,
		UserID:               userID,
		DeliveryMode:         mode,
		Status:               storage.StatusPending,
		MinPollInterval:      interval,
		CreatedAt:            now.Unix(),
		ExpiresAt:            now.Add(ttl).Unix(),
		NotificationEndpoint: client.CIBANotificationEndpoint,
		NotificationToken:    notificationToken,
		Policy:               pol,
	}
	err = r.stores.CIBA.PutIndexed(ctx, authReqID, rec, ttl, "tenant:"+client.TenantID, pol.Limits.MaxActiveCIBARequests)
	if err != nil {
		if errors.Is(err, storage.ErrIndexFull) {
			return nil, protocol.ErrResourceExhausted.WithDescription("too many pending backchannel requests")
		}
		return nil, err
	}

	challengeID, err := storage.NewID()
	if err != nil {
		return nil, err
	}
	err = r.stores.Challenges.Create(ctx, &storage.Challenge{
		ID:             challengeID,
		TenantID:       client.TenantID,
		ClientID:       client.ClientID,
		Type:           storage.ChallengeCIBA,
		State:          policy.NodeCIBAApproval,
		CreatedAt:      now.Unix(),
		ExpiresAt:      now.Add(ttl).Unix(),
		Policy:         pol,
		UserID:         userID,
		AsyncID:        authReqID,
		BindingMessage: binding,
	}, ttl)
	if err != nil {
		_ = r.stores.CIBA.Delete(ctx, authReqID)
		if errors.Is(err, storage.ErrIndexFull) {
			return nil, protocol.ErrResourceExhausted.WithDescription("too many active challenges")
		}
		return nil, err
	}

	_ = r.bus.Emit(ctx, &events.Event{
		EventName: events.CIBARequested,
		TenantID:  client.TenantID,
		Actor:     userID,
		Target:    authReqID,
		Context:   events.Context{ClientID: client.ClientID},
	})

	return &protocol.CIBAResponse{
		AuthReqID: authReqID,
		ExpiresIn: int64(ttl.Seconds()),
		Interval:  interval,
	}, nil
}

// resolveHint maps a parsed login_hint to a user id. Unknown users are
// rejected without revealing which part of the hint failed.
func (r *Runner) resolveHint(ctx context.Context, tenantID string, hint storage.LoginHint) (string, error) {
	unknown := protocol.ErrInvalidRequest.WithDescription("login_hint does not identify a known user")
	switch hint.Kind {
	case "email":
		core, _, err := r.users.FindByEmail(ctx, tenantID, hint.Value)
		if err != nil {
			return "", unknown
		}
		return core.ID, nil
	case "subject":
		core, _, err := r.users.Get(ctx, hint.Value)
		if err != nil || core.TenantID != tenantID {
			return "", unknown
		}
		return core.ID, nil
	default:
		// Phone and username identifiers have no lookup index.
		return "", unknown
	}
}

// Grant serves the token endpoint for urn:openid:params:grant-type:ciba.
// Every poll runs through the store's CAS update so the interval doubling
// and the approved-to-consumed transition are race-free.
func (r *Runner) Grant(ctx context.Context, client *contracts.ClientContract, form url.Values) (*protocol.TokenResponse, error) {
	authReqID := form.Get("auth_req_id")
	if authReqID == "" {
		return nil, protocol.ErrInvalidRequest.WithDescription("auth_req_id is required")
	}

	var verdict *protocol.Error
	var issue bool
	now := r.now().Unix()
	rec, err := r.stores.CIBA.Update(ctx, authReqID, func(cr *storage.CIBARequest) error {
		verdict, issue = nil, false
		if cr.ClientID != client.ClientID {
			verdict = protocol.ErrInvalidGrant.WithDescription("auth_req_id was issued to another client")
			return nil
		}
		if cr.Status == storage.StatusPending && now > cr.ExpiresAt {
			cr.Status = storage.StatusExpired
		}
		switch cr.Status {
		case storage.StatusPending:
			if cr.DeliveryMode == ModePush {
				verdict = protocol.ErrInvalidRequest.WithDescription("push-mode clients must not poll the token endpoint")
				return nil
			}
			if cr.LastPollAt > 0 && now-cr.LastPollAt < cr.MinPollInterval {
				cr.MinPollInterval = min(cr.MinPollInterval*2, maxPollInterval)
				cr.LastPollAt = now
				verdict = protocol.ErrSlowDown.WithRetryAfter(int(cr.MinPollInterval))
				return nil
			}
			cr.LastPollAt = now
			verdict = protocol.ErrAuthorizationPending
		case storage.StatusDenied:
			verdict = protocol.ErrAccessDenied.WithDescription("the user denied the request")
		case storage.StatusExpired:
			verdict = protocol.ErrExpiredToken
		case storage.StatusConsumed:
			if cr.DeliveryMode == ModePush {
				verdict = protocol.ErrAccessDenied.WithDescription("tokens were already delivered")
			} else {
				verdict = protocol.ErrInvalidGrant.WithDescription("auth_req_id was already redeemed")
			}
		case storage.StatusApproved:
			cr.Status = storage.StatusConsumed
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

	resp, err := r.mint(ctx, rec)
	if err != nil {
		return nil, err
	}
	_ = r.bus.Emit(ctx, &events.Event{
		EventName: events.CIBACompleted,
		TenantID:  rec.TenantID,
		Actor:     rec.UserID,
		Target:    rec.AuthReqID,
		Context:   events.Context{ClientID: rec.ClientID},
	})
	return resp, nil
}

func (r *Runner) mint(ctx context.Context, rec *storage.CIBARequest) (*protocol.TokenResponse, error) {
	resp, _, err := r.minter.MintTokens(ctx, rec.Policy, authorize.MintInput{
		ClientID: rec.ClientID,
		TenantID: rec.TenantID,
		Subject:  rec.UserID,
		Scope:    rec.Scope,
		AuthTime: rec.AuthTime,
		ACR:      rec.ACR,
		AMR:      rec.AMR,
	})
	return resp, err
}

// Attach is part of the flow engine's approver contract but has no role
// here: backchannel approval challenges are created by Begin, never bound
// by a user-typed code.
func (r *Runner) Attach(_ context.Context, _ *storage.Challenge, _ string) error {
	return protocol.ErrInvalidEvent.WithDescription("backchannel requests are not attached by code")
}

// Approve records the user's decision from the approval challenge and, for
// ping and push delivery, notifies the client.
func (r *Runner) Approve(ctx context.Context, c *storage.Challenge) error {
	now := r.now().Unix()
	rec, err := r.stores.CIBA.Update(ctx, c.AsyncID, func(cr *storage.CIBARequest) error {
		if cr.Status != storage.StatusPending {
			return protocol.ErrInvalidTransition.WithDescription("request is no longer pending")
		}
		if now > cr.ExpiresAt {
			cr.Status = storage.StatusExpired
			return nil
		}
		cr.Status = storage.StatusApproved
		cr.UserID = c.UserID
		cr.AuthTime = now
		cr.ACR = fmt.Sprintf("urn:passgate:acr:tier%d", cr.Policy.SecurityTier)
		cr.AMR = []string{"decoupled"}
		return nil
	})
	if err != nil {
		if storage.IsGone(err) {
			return protocol.ErrChallengeExpired
		}
		return err
	}
	if rec.Status == storage.StatusExpired {
		return protocol.ErrChallengeExpired
	}

	switch rec.DeliveryMode {
	case ModePing:
		r.notify(ctx, rec, map[string]any{"auth_req_id": rec.AuthReqID})
	case ModePush:
		resp, err := r.mint(ctx, rec)
		if err != nil {
			return err
		}
		payload := map[string]any{
			"auth_req_id":   rec.AuthReqID,
			"access_token":  resp.AccessToken,
			"token_type":    resp.TokenType,
			"expires_in":    resp.ExpiresIn,
			"id_token":      resp.IDToken,
			"refresh_token": resp.RefreshToken,
		}
		r.notify(ctx, rec, payload)
		_, _ = r.stores.CIBA.Update(ctx, rec.AuthReqID, func(cr *storage.CIBARequest) error {
			cr.Status = storage.StatusConsumed
			return nil
		})
	}

	_ = r.bus.Emit(ctx, &events.Event{
		EventName: events.CIBACompleted,
		TenantID:  rec.TenantID,
		Actor:     rec.UserID,
		Target:    rec.AuthReqID,
		Context:   events.Context{ClientID: rec.ClientID},
	})
	return nil
}

// Deny records a user rejection; the polling client learns on its next
// poll, ping clients are notified immediately.
func (r *Runner) Deny(ctx context.Context, c *storage.Challenge) error {
	rec, err := r.stores.CIBA.Update(ctx, c.AsyncID, func(cr *storage.CIBARequest) error {
		if cr.Status != storage.StatusPending {
			return protocol.ErrInvalidTransition.WithDescription("request is no longer pending")
		}
		cr.Status = storage.StatusDenied
		return nil
	})
	if err != nil {
		if storage.IsGone(err) {
			return protocol.ErrChallengeExpired
		}
		return err
	}
	if rec.DeliveryMode == ModePing {
		r.notify(ctx, rec, map[string]any{"auth_req_id": rec.AuthReqID})
	}
	return nil
}

// notify posts a CIBA notification. Delivery failures are swallowed: the
// request record stays authoritative and poll-style recovery still works.
func (r *Runner) notify(ctx context.Context, rec *storage.CIBARequest, payload map[string]any) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rec.NotificationEndpoint, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+rec.NotificationToken)
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return
	}
	_ = resp.Body.Close()
}
