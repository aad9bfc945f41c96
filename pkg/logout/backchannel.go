// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package logout

import (
	"context"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stacklok/passgate/pkg/contracts"
	"github.com/stacklok/passgate/pkg/events"
	"github.com/stacklok/passgate/pkg/federation"
	"github.com/stacklok/passgate/pkg/protocol"
	"github.com/stacklok/passgate/pkg/storage"
)

// UpstreamVerifier verifies logout tokens sent by federated upstream
// providers. The federation service satisfies it.
type UpstreamVerifier interface {
	VerifyLogoutToken(ctx context.Context, upstream *contracts.UpstreamProvider, raw string) (*federation.LogoutClaims, error)
}

// Backchannel handles a logout token POSTed by an upstream provider we
// federate with. The token's issuer selects the provider registration to
// verify against; every local session established through the referenced
// upstream login is ended, with back-channel fanout to our own relying
// parties. Returns the number of sessions ended.
func (s *Service) Backchannel(ctx context.Context, rawToken string) (int, error) {
	if rawToken == "" {
		return 0, protocol.ErrInvalidRequest.WithDescription("logout_token is required")
	}
	if s.upstream == nil {
		return 0, protocol.ErrInvalidRequest.WithDescription("no upstream providers configured")
	}

	// The issuer is read before verification purely to pick the provider;
	// the verifier re-checks it against the provider's metadata.
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(rawToken, claims); err != nil {
		return 0, protocol.ErrInvalidRequest.WithDescription("malformed logout token")
	}
	iss, err := claims.GetIssuer()
	if err != nil || iss == "" {
		return 0, protocol.ErrInvalidRequest.WithDescription("logout token has no issuer")
	}

	// The same upstream issuer can be registered by several tenants under
	// different client ids; the token's audience decides which one it is for.
	for _, tenant := range s.registry.Tenants() {
		for i := range tenant.Federation {
			upstream := &tenant.Federation[i]
			if upstream.Issuer != iss {
				continue
			}
			lc, err := s.upstream.VerifyLogoutToken(ctx, upstream, rawToken)
			if err != nil {
				continue
			}
			return s.endUpstreamSessions(ctx, iss, lc)
		}
	}
	return 0, protocol.ErrInvalidRequest.WithDescription("logout token did not verify against any registered provider")
}

// endUpstreamSessions revokes every session tied to the upstream login the
// logout token references. A sid-only token ends that one upstream session;
// otherwise everything under the upstream subject goes.
func (s *Service) endUpstreamSessions(ctx context.Context, issuer string, lc *federation.LogoutClaims) (int, error) {
	var sessions []*storage.Session
	var err error
	if lc.SID != "" {
		sessions, err = s.stores.Sessions.ListByUpstreamSID(ctx, issuer, lc.SID)
	}
	if err == nil && len(sessions) == 0 && lc.Subject != "" {
		sessions, err = s.stores.Sessions.ListByUpstreamSub(ctx, issuer, lc.Subject)
	}
	if err != nil {
		return 0, err
	}

	ended := 0
	for _, sess := range sessions {
		if err := s.stores.Sessions.Revoke(ctx, sess.ID, "upstream logout"); err != nil {
			if storage.IsGone(err) {
				continue
			}
			return ended, err
		}
		ended++
		_ = s.bus.Emit(ctx, &events.Event{
			EventName: events.SessionRevoked,
			TenantID:  sess.TenantID,
			Actor:     sess.UserID,
			Context:   events.Context{SessionID: sess.ID},
			Data:      map[string]any{"reason": "upstream logout"},
		})
		// The upstream logout cascades to our own relying parties.
		s.fanout(ctx, sess)
	}
	return ended, nil
}
