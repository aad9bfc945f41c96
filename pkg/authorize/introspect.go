// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authorize

import (
	"context"
	"net/http"
	"strings"

	"github.com/stacklok/passgate/pkg/events"
	"github.com/stacklok/passgate/pkg/protocol"
)

// Introspect serves RFC 7662. Any token the caller cannot prove knowledge
// of simply reports inactive; introspection never explains why.
func (o *Orchestrator) Introspect(ctx context.Context, r *http.Request) (*protocol.IntrospectionResponse, error) {
	if err := r.ParseForm(); err != nil {
		return nil, protocol.ErrInvalidRequest.WithDescription("malformed form body")
	}
	client, err := o.AuthenticateClient(ctx, r)
	if err != nil {
		return nil, err
	}
	raw := r.PostFormValue("token")
	if raw == "" {
		return nil, protocol.ErrInvalidRequest.WithDescription("token is required")
	}
	inactive := &protocol.IntrospectionResponse{Active: false}

	// Opaque wire tokens are refresh tokens; everything else might be one
	// of our JWTs.
	if sig, err := o.wire.Validate(ctx, raw); err == nil {
		rec, err := o.stores.Refresh.Get(ctx, sig)
		if err != nil || rec.Rotated || rec.ClientID != client.ClientID {
			return inactive, nil
		}
		return &protocol.IntrospectionResponse{
			Active:    true,
			Scope:     strings.Join(rec.Scope, " "),
			ClientID:  rec.ClientID,
			TokenType: "refresh_token",
			Exp:       rec.ExpiresAt / 1000,
			Iat:       rec.IssuedAt / 1000,
			Sub:       rec.UserID,
			Iss:       o.issuerURL,
			Jti:       rec.JTI,
		}, nil
	}

	claims, err := o.issuer.Verify(raw, "")
	if err != nil {
		return inactive, nil
	}
	resp := &protocol.IntrospectionResponse{
		Active:    true,
		TokenType: protocol.TokenTypeBearer,
		Iss:       o.issuerURL,
	}
	resp.Scope, _ = claims["scope"].(string)
	resp.ClientID, _ = claims["client_id"].(string)
	resp.Sub, _ = claims["sub"].(string)
	resp.Jti, _ = claims["jti"].(string)
	if aud, err := claims.GetAudience(); err == nil && len(aud) > 0 {
		resp.Aud = aud[0]
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		resp.Exp = exp.Unix()
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		resp.Iat = iat.Unix()
	}
	if nbf, err := claims.GetNotBefore(); err == nil && nbf != nil {
		resp.Nbf = nbf.Unix()
	}
	return resp, nil
}

// Revoke serves RFC 7009. Revoking a refresh token kills its whole rotation
// family; access tokens are stateless and expire on their own, so their
// revocation is accepted and ignored. Unknown tokens succeed silently per
// §2.2.
func (o *Orchestrator) Revoke(ctx context.Context, r *http.Request) error {
	if err := r.ParseForm(); err != nil {
		return protocol.ErrInvalidRequest.WithDescription("malformed form body")
	}
	client, err := o.AuthenticateClient(ctx, r)
	if err != nil {
		return err
	}
	raw := r.PostFormValue("token")
	if raw == "" {
		return protocol.ErrInvalidRequest.WithDescription("token is required")
	}

	sig, err := o.wire.Validate(ctx, raw)
	if err != nil {
		return nil
	}
	rec, err := o.stores.Refresh.Get(ctx, sig)
	if err != nil || rec.ClientID != client.ClientID {
		return nil
	}
	if err := o.stores.Refresh.RevokeFamily(ctx, rec.FamilyID, "revoked by client"); err != nil {
		return err
	}
	_ = o.bus.Emit(ctx, &events.Event{
		EventName: events.TokenRevoked,
		TenantID:  client.TenantID,
		Actor:     rec.UserID,
		Target:    rec.JTI,
		Context:   events.Context{ClientID: client.ClientID},
	})
	return nil
}
