// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authorize

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/stacklok/passgate/pkg/contracts"
	"github.com/stacklok/passgate/pkg/events"
	"github.com/stacklok/passgate/pkg/policy"
	"github.com/stacklok/passgate/pkg/protocol"
	"github.com/stacklok/passgate/pkg/storage"
	"github.com/stacklok/passgate/pkg/token"
)

// Token serves the token endpoint: client authentication followed by
// grant-type dispatch. Extension grants registered via RegisterGrant run
// after the same client authentication.
func (o *Orchestrator) Token(ctx context.Context, r *http.Request) (*protocol.TokenResponse, error) {
	if err := r.ParseForm(); err != nil {
		return nil, protocol.ErrInvalidRequest.WithDescription("malformed form body")
	}
	client, err := o.AuthenticateClient(ctx, r)
	if err != nil {
		return nil, err
	}

	grantType := r.PostFormValue("grant_type")
	pol, err := o.policyFor(client)
	if err != nil {
		return nil, err
	}
	if !pol.AllowsGrant(grantType) {
		return nil, protocol.ErrUnauthorizedClient.WithDescription("grant type %q is not allowed for this client", grantType)
	}

	switch grantType {
	case protocol.GrantAuthorizationCode:
		return o.redeemCode(ctx, client, pol, r.PostForm)
	case protocol.GrantRefreshToken:
		return o.refresh(ctx, client, pol, r.PostForm)
	case protocol.GrantClientCredentials:
		return o.clientCredentials(ctx, client, pol, r.PostForm)
	default:
		if h, ok := o.grants[grantType]; ok {
			return h.Grant(ctx, client, r.PostForm)
		}
		return nil, protocol.ErrUnsupportedGrantType
	}
}

func (o *Orchestrator) policyFor(client *contracts.ClientContract) (*policy.ResolvedPolicy, error) {
	tenant, err := o.registry.Tenant(client.TenantID)
	if err != nil {
		return nil, protocol.ErrInvalidClient.WithDescription("unknown tenant")
	}
	pol, err := o.resolver.Resolve(tenant, client)
	if err != nil {
		return nil, protocol.ErrPolicyStale
	}
	return pol, nil
}

// redeemCode exchanges an authorization code. The code record is consumed
// only after token issuance succeeds, but every response path past PKCE
// verification leaves the code unusable; exactly one concurrent redemption
// can win the consume.
func (o *Orchestrator) redeemCode(ctx context.Context, client *contracts.ClientContract, pol *policy.ResolvedPolicy, form url.Values) (*protocol.TokenResponse, error) {
	sig, err := o.wire.Validate(ctx, form.Get("code"))
	if err != nil {
		return nil, protocol.ErrInvalidGrant.WithDescription("code is malformed")
	}
	rec, err := o.stores.Codes.Get(ctx, sig)
	if err != nil {
		return nil, protocol.ErrInvalidGrant.WithDescription("code is unknown, expired, or already redeemed")
	}
	if rec.ClientID != client.ClientID {
		return nil, protocol.ErrInvalidGrant.WithDescription("code was issued to another client")
	}
	if form.Get("redirect_uri") != rec.RedirectURI {
		return nil, protocol.ErrInvalidGrant.WithDescription("redirect_uri mismatch")
	}

	if rec.CodeChallenge != "" {
		if !verifyPKCE(rec.CodeChallenge, form.Get("code_verifier")) {
			// The code burns on a failed verifier; replaying it with the
			// right verifier must not work either.
			_, _ = o.stores.Codes.Consume(ctx, sig)
			return nil, protocol.ErrInvalidGrant.WithDescription("code_verifier rejected")
		}
	} else if client.Public() {
		return nil, protocol.ErrInvalidGrant.WithDescription("code_verifier is required")
	}

	// The pinned policy from issuance governs the tokens, not a fresh
	// resolution.
	pol = rec.Policy

	resp, refreshKey, err := o.MintTokens(ctx, pol, MintInput{
		ClientID:  client.ClientID,
		TenantID:  pol.TenantID,
		Subject:   rec.Subject,
		Scope:     rec.Scope,
		Nonce:     rec.Nonce,
		SessionID: rec.SessionID,
		AuthTime:  rec.AuthTime,
		ACR:       rec.ACR,
		AMR:       rec.AMR,
	})
	if err != nil {
		return nil, err
	}

	if _, err := o.stores.Codes.Consume(ctx, sig); err != nil {
		// A concurrent redemption got here first; withdraw our refresh
		// token so only the winner's grant survives.
		if refreshKey != "" {
			_ = o.stores.Refresh.Revoke(ctx, refreshKey, "code redemption lost race")
		}
		return nil, protocol.ErrInvalidGrant.WithDescription("code is unknown, expired, or already redeemed")
	}

	_ = o.bus.Emit(ctx, &events.Event{
		EventName: events.CodeRedeemed,
		TenantID:  pol.TenantID,
		Actor:     rec.Subject,
		Context:   events.Context{ClientID: client.ClientID, SessionID: rec.SessionID},
	})
	return resp, nil
}

// refresh rotates a refresh token. Replay of a rotated member revokes the
// whole family.
func (o *Orchestrator) refresh(ctx context.Context, client *contracts.ClientContract, pol *policy.ResolvedPolicy, form url.Values) (*protocol.TokenResponse, error) {
	sig, err := o.wire.Validate(ctx, form.Get("refresh_token"))
	if err != nil {
		return nil, protocol.ErrInvalidGrant.WithDescription("refresh token is malformed")
	}
	rec, err := o.stores.Refresh.Get(ctx, sig)
	if err != nil {
		return nil, protocol.ErrInvalidGrant.WithDescription("refresh token is unknown or expired")
	}
	if rec.ClientID != client.ClientID {
		return nil, protocol.ErrInvalidGrant.WithDescription("refresh token was issued to another client")
	}
	if rec.Rotated {
		// A rotated member coming back means theft of some member of the
		// family; everything descended from it dies now.
		_ = o.stores.Refresh.RevokeFamily(ctx, rec.FamilyID, "rotated token replayed")
		_ = o.bus.Emit(ctx, &events.Event{
			EventName: events.ReplayDetected,
			TenantID:  pol.TenantID,
			Actor:     rec.UserID,
			Target:    rec.JTI,
			Context:   events.Context{ClientID: client.ClientID},
		})
		return nil, protocol.ErrInvalidGrant.WithDescription("refresh token has been rotated")
	}

	scope := rec.Scope
	if requested := splitSpace(form.Get("scope")); len(requested) > 0 {
		narrowed, err := narrowScope(rec.Scope, requested)
		if err != nil {
			return nil, err
		}
		scope = narrowed
	}

	// Mark the old member rotated before the new one is handed out; a
	// concurrent refresh of the same token then trips the replay path.
	if err := o.stores.Refresh.MarkRotated(ctx, sig); err != nil {
		if storage.IsGone(err) {
			return nil, protocol.ErrInvalidGrant.WithDescription("refresh token is unknown or expired")
		}
		return nil, err
	}

	pol = rec.Policy
	resp, _, err := o.MintTokens(ctx, pol, MintInput{
		ClientID:    client.ClientID,
		TenantID:    pol.TenantID,
		Subject:     rec.UserID,
		Scope:       scope,
		SessionID:   rec.SessionID,
		AuthTime:    rec.AuthTime,
		ACR:         rec.ACR,
		AMR:         rec.AMR,
		FamilyID:    rec.FamilyID,
		RotatedFrom: rec.JTI,
	})
	if err != nil {
		return nil, err
	}
	_ = o.bus.Emit(ctx, &events.Event{
		EventName: events.TokenRefreshed,
		TenantID:  pol.TenantID,
		Actor:     rec.UserID,
		Context:   events.Context{ClientID: client.ClientID, SessionID: rec.SessionID},
	})
	return resp, nil
}

// clientCredentials issues a machine token: no subject, no refresh, no ID
// token.
func (o *Orchestrator) clientCredentials(ctx context.Context, client *contracts.ClientContract, pol *policy.ResolvedPolicy, form url.Values) (*protocol.TokenResponse, error) {
	if client.Public() {
		return nil, protocol.ErrUnauthorizedClient.WithDescription("public clients cannot use client_credentials")
	}
	scope := pol.Scopes
	if requested := splitSpace(form.Get("scope")); len(requested) > 0 {
		narrowed, err := narrowScope(pol.Scopes, requested)
		if err != nil {
			return nil, err
		}
		scope = narrowed
	}

	access, _, err := o.issuer.AccessToken(pol, token.AccessTokenInput{
		ClientID: client.ClientID,
		TenantID: pol.TenantID,
		Scope:    scope,
	})
	if err != nil {
		return nil, err
	}
	_ = o.bus.Emit(ctx, &events.Event{
		EventName: events.TokenIssued,
		TenantID:  pol.TenantID,
		Actor:     client.ClientID,
		Context:   events.Context{ClientID: client.ClientID},
	})
	return &protocol.TokenResponse{
		AccessToken: access,
		TokenType:   protocol.TokenTypeBearer,
		ExpiresIn:   int64(pol.AccessTokenTTL.Seconds()),
		Scope:       strings.Join(scope, " "),
	}, nil
}

// MintInput carries everything one grant contributes to a token response.
type MintInput struct {
	ClientID    string
	TenantID    string
	Subject     string
	Scope       []string
	Nonce       string
	SessionID   string
	AuthTime    int64
	ACR         string
	AMR         []string
	FamilyID    string
	RotatedFrom string
}

// MintTokens issues the access token, the ID token when openid is in scope,
// and a refresh token when the policy allows the grant. The CIBA and device
// runners share this path so every grant type issues identically. The
// returned key identifies the stored refresh record so a losing code
// redemption can withdraw it.
func (o *Orchestrator) MintTokens(ctx context.Context, pol *policy.ResolvedPolicy, in MintInput) (*protocol.TokenResponse, string, error) {
	access, _, err := o.issuer.AccessToken(pol, token.AccessTokenInput{
		Subject:  in.Subject,
		ClientID: in.ClientID,
		TenantID: in.TenantID,
		Scope:    in.Scope,
		AuthTime: in.AuthTime,
		ACR:      in.ACR,
		AMR:      in.AMR,
	})
	if err != nil {
		return nil, "", err
	}

	resp := &protocol.TokenResponse{
		AccessToken: access,
		TokenType:   protocol.TokenTypeBearer,
		ExpiresIn:   int64(pol.AccessTokenTTL.Seconds()),
		Scope:       strings.Join(in.Scope, " "),
	}

	if hasScope(in.Scope, protocol.ScopeOpenID) {
		idToken, err := o.issuer.IDToken(pol, token.IDTokenInput{
			Subject:     in.Subject,
			ClientID:    in.ClientID,
			Nonce:       in.Nonce,
			SessionID:   in.SessionID,
			AuthTime:    in.AuthTime,
			ACR:         in.ACR,
			AMR:         in.AMR,
			AccessToken: access,
			Extra:       o.profileClaims(ctx, in.Subject, in.Scope),
		})
		if err != nil {
			return nil, "", err
		}
		if pol.IDTokenEncryption != nil && o.clientKeys != nil {
			idToken, err = o.encryptFor(ctx, in.ClientID, pol.IDTokenEncryption, idToken)
			if err != nil {
				return nil, "", err
			}
		}
		resp.IDToken = idToken
	}

	var refreshKey string
	if pol.AllowsGrant(protocol.GrantRefreshToken) && in.Subject != "" {
		wireToken, sig, err := o.wire.New(ctx)
		if err != nil {
			return nil, "", err
		}
		familyID := in.FamilyID
		if familyID == "" {
			familyID = uuid.NewString()
		}
		now := o.now()
		rt := &storage.RefreshToken{
			JTI:              uuid.NewString(),
			FamilyID:         familyID,
			ClientID:         in.ClientID,
			UserID:           in.Subject,
			SessionID:        in.SessionID,
			Scope:            in.Scope,
			RotatedFrom:      in.RotatedFrom,
			IssuedAt:         now.UnixMilli(),
			ExpiresAt:        now.Add(pol.RefreshTokenTTL).UnixMilli(),
			AuthTime:         in.AuthTime,
			ACR:              in.ACR,
			AMR:              in.AMR,
			ResolvedPolicyID: pol.ResolutionID,
			Policy:           pol,
		}
		if err := o.stores.Refresh.Create(ctx, sig, rt, pol.RefreshTokenTTL); err != nil {
			return nil, "", err
		}
		resp.RefreshToken = wireToken
		refreshKey = sig
	}

	_ = o.bus.Emit(ctx, &events.Event{
		EventName: events.TokenIssued,
		TenantID:  in.TenantID,
		Actor:     in.Subject,
		Context:   events.Context{ClientID: in.ClientID, SessionID: in.SessionID},
	})
	return resp, refreshKey, nil
}

// profileClaims loads the PII-derived claims for the granted scopes. A
// degraded account (core without PII) simply yields no extra claims.
func (o *Orchestrator) profileClaims(ctx context.Context, userID string, scope []string) map[string]any {
	if o.users == nil || userID == "" {
		return nil
	}
	if !hasScope(scope, protocol.ScopeProfile) && !hasScope(scope, protocol.ScopeEmail) {
		return nil
	}
	_, pii, err := o.users.Get(ctx, userID)
	if err != nil || pii == nil {
		return nil
	}
	extra := map[string]any{}
	if hasScope(scope, protocol.ScopeProfile) && pii.Name != "" {
		extra["name"] = pii.Name
	}
	if hasScope(scope, protocol.ScopeEmail) {
		extra["email"] = pii.Email
		extra["email_verified"] = pii.EmailVerified
	}
	if len(extra) == 0 {
		return nil
	}
	return extra
}

func verifyPKCE(challenge, verifier string) bool {
	if verifier == "" {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

func hasScope(scope []string, want string) bool {
	for _, s := range scope {
		if s == want {
			return true
		}
	}
	return false
}

// narrowScope permits requesting a subset of the originally granted scope.
func narrowScope(granted, requested []string) ([]string, error) {
	for _, s := range requested {
		if !hasScope(granted, s) {
			return nil, protocol.ErrInvalidScope.WithDescription("scope %q exceeds the original grant", s)
		}
	}
	return requested, nil
}

// encryptFor wraps a signed token in a JWE addressed to the client's
// registered encryption key.
func (o *Orchestrator) encryptFor(ctx context.Context, clientID string, spec *contracts.EncryptionSpec, signed string) (string, error) {
	client, err := o.registry.Client(clientID)
	if err != nil {
		return "", err
	}
	recipient, err := o.clientKeys.EncryptionKey(ctx, client)
	if err != nil {
		return "", err
	}
	return token.Encrypt(signed, spec, recipient)
}
