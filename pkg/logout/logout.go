// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logout implements OIDC RP-Initiated Logout 1.0 and Back-Channel
// Logout 1.0: session teardown, the post-logout redirect rules, and the
// logout-token fanout to every registered client of the tenant.
package logout

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stacklok/passgate/pkg/contracts"
	"github.com/stacklok/passgate/pkg/events"
	"github.com/stacklok/passgate/pkg/logger"
	"github.com/stacklok/passgate/pkg/policy"
	"github.com/stacklok/passgate/pkg/protocol"
	"github.com/stacklok/passgate/pkg/storage"
	"github.com/stacklok/passgate/pkg/token"
)

// fanoutConcurrency bounds parallel back-channel deliveries.
const fanoutConcurrency = 8

// deliveryTimeout bounds one logout-token POST.
const deliveryTimeout = 5 * time.Second

// Service ends sessions and notifies relying parties.
type Service struct {
	registry   *contracts.Registry
	resolver   *policy.Resolver
	stores     *storage.Stores
	issuer     *token.Issuer
	bus        *events.Bus
	upstream   UpstreamVerifier
	httpClient *http.Client
	now        func() time.Time
}

// Config wires the service's collaborators.
type Config struct {
	Registry *contracts.Registry
	Resolver *policy.Resolver
	Stores   *storage.Stores
	Issuer   *token.Issuer
	Bus      *events.Bus
	// Upstream, when set, enables inbound back-channel logout from
	// federated providers.
	Upstream UpstreamVerifier
}

// Option configures a Service.
type Option func(*Service)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithHTTPClient overrides the client used for back-channel deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.httpClient = c }
}

// New builds the service.
func New(cfg Config, opts ...Option) *Service {
	s := &Service{
		registry:   cfg.Registry,
		resolver:   cfg.Resolver,
		stores:     cfg.Stores,
		issuer:     cfg.Issuer,
		bus:        cfg.Bus,
		upstream:   cfg.Upstream,
		httpClient: &http.Client{Timeout: deliveryTimeout},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Input is one RP-initiated logout request plus the browser session from
// the cookie.
type Input struct {
	IDTokenHint           string
	ClientID              string
	PostLogoutRedirectURI string
	State                 string
	// SessionID is the browser session, empty when no cookie was sent.
	SessionID string
}

// Result says where the browser goes after logout. RedirectTo is empty when
// no valid post-logout destination was requested.
type Result struct {
	RedirectTo string
	// FrontchannelURIs are the per-client front-channel logout URLs, iss
	// and sid attached, for the transport to render as hidden iframes.
	FrontchannelURIs []string
}

// Logout ends the browser session, fans out back-channel logout tokens, and
// validates the requested post-logout redirect. A missing or unverifiable
// id_token_hint still logs the user out; it only forfeits the redirect.
func (s *Service) Logout(ctx context.Context, in Input) (*Result, error) {
	var hintClientID, hintSubject, hintSID string
	_ = hintSubject
	hintValid := false
	if in.IDTokenHint != "" {
		if claims, err := s.issuer.Verify(in.IDTokenHint, in.ClientID); err == nil {
			hintValid = true
			if aud, err := claims.GetAudience(); err == nil && len(aud) > 0 {
				hintClientID = aud[0]
			}
			hintSubject, _ = claims["sub"].(string)
			hintSID, _ = claims["sid"].(string)
		}
	}
	if in.ClientID == "" {
		in.ClientID = hintClientID
	}

	sessionID := in.SessionID
	if sessionID == "" {
		sessionID = hintSID
	}

	var sess *storage.Session
	if sessionID != "" {
		if got, err := s.stores.Sessions.Active(ctx, sessionID, s.now()); err == nil {
			sess = got
		}
	}
	if sess != nil {
		if err := s.stores.Sessions.Revoke(ctx, sess.ID, "rp-initiated logout"); err != nil && !storage.IsGone(err) {
			return nil, err
		}
		_ = s.bus.Emit(ctx, &events.Event{
			EventName: events.LogoutInitiated,
			TenantID:  sess.TenantID,
			Actor:     sess.UserID,
			Context:   events.Context{SessionID: sess.ID, ClientID: in.ClientID},
		})
		s.fanout(ctx, sess)
	}

	redirect, err := s.postLogoutRedirect(in, hintValid)
	if err != nil {
		return nil, err
	}
	res := &Result{RedirectTo: redirect}
	if sess != nil {
		res.FrontchannelURIs = s.frontchannel(sess)
	}
	return res, nil
}

// frontchannel builds the iframe URLs per Front-Channel Logout 1.0 for every
// client of the tenant that registered one.
func (s *Service) frontchannel(sess *storage.Session) []string {
	var uris []string
	for _, client := range s.registry.ClientsForTenant(sess.TenantID) {
		if client.FrontchannelLogoutURI == "" {
			continue
		}
		u, err := url.Parse(client.FrontchannelLogoutURI)
		if err != nil {
			continue
		}
		q := u.Query()
		q.Set("iss", s.issuer.URL())
		q.Set("sid", sess.ID)
		u.RawQuery = q.Encode()
		uris = append(uris, u.String())
	}
	return uris
}

// postLogoutRedirect applies the RP-Initiated Logout rules: the URI must be
// registered for the client named by a verified id_token_hint, byte-exact.
func (s *Service) postLogoutRedirect(in Input, hintValid bool) (string, error) {
	if in.PostLogoutRedirectURI == "" {
		return "", nil
	}
	if !hintValid || in.ClientID == "" {
		return "", protocol.ErrInvalidRequest.WithDescription("post_logout_redirect_uri requires a valid id_token_hint")
	}
	client, err := s.registry.Client(in.ClientID)
	if err != nil {
		return "", protocol.ErrInvalidRequest.WithDescription("unknown client")
	}
	registered := false
	for _, uri := range client.PostLogoutRedirectURIs {
		if uri == in.PostLogoutRedirectURI {
			registered = true
			break
		}
	}
	if !registered {
		return "", protocol.ErrInvalidRequest.WithDescription("post_logout_redirect_uri is not registered")
	}
	redirect := in.PostLogoutRedirectURI
	if in.State != "" {
		sep := "?"
		if strings.Contains(redirect, "?") {
			sep = "&"
		}
		redirect += sep + "state=" + url.QueryEscape(in.State)
	}
	return redirect, nil
}

// fanout delivers a logout token to every client of the tenant that
// registered a back-channel logout URI. Failures are logged, not returned:
// the session is already dead and relying parties recover via token expiry.
func (s *Service) fanout(ctx context.Context, sess *storage.Session) {
	tenant, err := s.registry.Tenant(sess.TenantID)
	if err != nil {
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(fanoutConcurrency)
	for _, client := range s.registry.ClientsForTenant(sess.TenantID) {
		if client.BackchannelLogoutURI == "" {
			continue
		}
		client := client
		g.Go(func() error {
			pol, err := s.resolver.Resolve(tenant, client)
			if err != nil {
				return nil
			}
			logoutToken, err := s.issuer.LogoutToken(pol, client.ClientID, sess.UserID, sess.ID)
			if err != nil {
				logger.Errorf("minting logout token for %s: %v", client.ClientID, err)
				return nil
			}
			if err := s.deliver(ctx, client.BackchannelLogoutURI, logoutToken); err != nil {
				logger.Errorf("back-channel logout to %s: %v", client.ClientID, err)
				return nil
			}
			_ = s.bus.Emit(ctx, &events.Event{
				EventName: events.BackchannelLogout,
				TenantID:  sess.TenantID,
				Actor:     sess.UserID,
				Context:   events.Context{SessionID: sess.ID, ClientID: client.ClientID},
			})
			return nil
		})
	}
	_ = g.Wait()
}

// deliver POSTs one logout token per Back-Channel Logout §2.6.
func (s *Service) deliver(ctx context.Context, uri, logoutToken string) error {
	ctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	form := url.Values{"logout_token": {logoutToken}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("relying party returned %d", resp.StatusCode)
	}
	return nil
}

// RevokeUserSessions ends every session a user holds, with back-channel
// fanout for each. Administrative deletion and security response both land
// here.
func (s *Service) RevokeUserSessions(ctx context.Context, userID, reason string) (int, error) {
	sessions, err := s.stores.Sessions.ListByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	revoked := 0
	for _, sess := range sessions {
		if err := s.stores.Sessions.Revoke(ctx, sess.ID, reason); err != nil {
			if storage.IsGone(err) {
				continue
			}
			return revoked, err
		}
		revoked++
		_ = s.bus.Emit(ctx, &events.Event{
			EventName: events.SessionRevoked,
			TenantID:  sess.TenantID,
			Actor:     sess.UserID,
			Context:   events.Context{SessionID: sess.ID},
		})
		s.fanout(ctx, sess)
	}
	return revoked, nil
}
