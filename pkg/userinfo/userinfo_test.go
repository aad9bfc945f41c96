// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package userinfo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/passgate/pkg/contracts"
	"github.com/stacklok/passgate/pkg/events"
	"github.com/stacklok/passgate/pkg/keys"
	"github.com/stacklok/passgate/pkg/policy"
	"github.com/stacklok/passgate/pkg/protocol"
	"github.com/stacklok/passgate/pkg/storage/sqlite"
	"github.com/stacklok/passgate/pkg/token"
	"github.com/stacklok/passgate/pkg/users"
)

const issuerURL = "https://issuer.example"

type rig struct {
	svc    *Service
	issuer *token.Issuer
	pol    *policy.ResolvedPolicy
	signed *policy.ResolvedPolicy
	userID string
}

func newRig(t *testing.T) *rig {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	km, err := keys.New(ctx, db.Keys, []byte("key-manager-secret-key-manager-s"), 24*time.Hour,
		keys.WithAlgorithms(keys.AlgRS256))
	require.NoError(t, err)
	issuer := token.NewIssuer(issuerURL, km)

	bus := events.NewBus()
	userSvc := users.New(db.Users, db.Consents, bus, []byte("blind-secret"))
	resolver, err := policy.NewResolver([]byte("policy-hmac-secret"))
	require.NoError(t, err)

	registry := contracts.NewRegistry()
	require.NoError(t, registry.UpsertTenant(&contracts.TenantContract{
		TenantID:      "acme",
		Version:       1,
		Issuer:        issuerURL,
		AuthMethods:   []string{contracts.MethodPasskey},
		AllowedScopes: []string{"openid", "profile", "email"},
		SigningAlgs:   []string{"RS256"},
		OAuth: contracts.OAuthPolicy{
			ResponseTypes: []string{"code"},
			GrantTypes:    []string{protocol.GrantAuthorizationCode},
		},
	}))
	plain := &contracts.ClientContract{
		ClientID:              "web",
		TenantID:              "acme",
		Version:               1,
		TenantContractVersion: 1,
		Type:                  contracts.ClientTypePublic,
		AuthMethod:            protocol.AuthMethodNone,
		RedirectURIs:          []string{"https://app.example/cb"},
		Scopes:                []string{"openid", "profile", "email"},
		GrantTypes:            []string{protocol.GrantAuthorizationCode},
	}
	require.NoError(t, registry.UpsertClient(plain))
	jwtClient := &contracts.ClientContract{
		ClientID:               "jwt-rp",
		TenantID:               "acme",
		Version:                1,
		TenantContractVersion:  1,
		Type:                   contracts.ClientTypePublic,
		AuthMethod:             protocol.AuthMethodNone,
		RedirectURIs:           []string{"https://rp.example/cb"},
		Scopes:                 []string{"openid", "profile"},
		GrantTypes:             []string{protocol.GrantAuthorizationCode},
		UserinfoSignedResponse: true,
	}
	require.NoError(t, registry.UpsertClient(jwtClient))

	tenant, err := registry.Tenant("acme")
	require.NoError(t, err)
	pol, err := resolver.Resolve(tenant, plain)
	require.NoError(t, err)
	signed, err := resolver.Resolve(tenant, jwtClient)
	require.NoError(t, err)

	core, err := userSvc.Provision(ctx, "acme", "ada@example.com", "Ada")
	require.NoError(t, err)
	require.NoError(t, userSvc.MarkEmailVerified(ctx, core.ID))

	svc := New(Config{Registry: registry, Resolver: resolver, Issuer: issuer, Users: userSvc})
	return &rig{svc: svc, issuer: issuer, pol: pol, signed: signed, userID: core.ID}
}

func (r *rig) accessToken(t *testing.T, pol *policy.ResolvedPolicy, clientID string, scope []string) string {
	t.Helper()
	at, _, err := r.issuer.AccessToken(pol, token.AccessTokenInput{
		Subject:  r.userID,
		ClientID: clientID,
		TenantID: "acme",
		Scope:    scope,
	})
	require.NoError(t, err)
	return at
}

func request(bearer string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, issuerURL+"/userinfo", nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return req
}

func TestScopeFilteredClaims(t *testing.T) {
	t.Parallel()
	r := newRig(t)

	at := r.accessToken(t, r.pol, "web", []string{"openid", "profile", "email"})
	res, err := r.svc.UserInfo(context.Background(), request(at))
	require.NoError(t, err)
	require.NotNil(t, res.Claims)
	assert.Equal(t, r.userID, res.Claims["sub"])
	assert.Equal(t, "Ada", res.Claims["name"])
	assert.Equal(t, "ada@example.com", res.Claims["email"])
	assert.Equal(t, true, res.Claims["email_verified"])

	// Without the email scope the address stays hidden.
	at = r.accessToken(t, r.pol, "web", []string{"openid", "profile"})
	res, err = r.svc.UserInfo(context.Background(), request(at))
	require.NoError(t, err)
	assert.NotContains(t, res.Claims, "email")
	assert.Equal(t, "Ada", res.Claims["name"])
}

func TestOpenIDScopeRequired(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	at := r.accessToken(t, r.pol, "web", []string{"profile"})
	_, err := r.svc.UserInfo(context.Background(), request(at))
	assert.ErrorIs(t, err, protocol.ErrInsufficientScope)
}

func TestMissingAndGarbageTokens(t *testing.T) {
	t.Parallel()
	r := newRig(t)

	_, err := r.svc.UserInfo(context.Background(), request(""))
	assert.ErrorIs(t, err, protocol.ErrInvalidToken)

	_, err = r.svc.UserInfo(context.Background(), request("not-a-jwt"))
	assert.ErrorIs(t, err, protocol.ErrInvalidToken)
}

func TestFormEncodedBearer(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	at := r.accessToken(t, r.pol, "web", []string{"openid"})

	form := url.Values{"access_token": {at}}
	req := httptest.NewRequest(http.MethodPost, issuerURL+"/userinfo", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := r.svc.UserInfo(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, r.userID, res.Claims["sub"])
}

func TestSignedResponse(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	at := r.accessToken(t, r.signed, "jwt-rp", []string{"openid", "profile"})

	res, err := r.svc.UserInfo(context.Background(), request(at))
	require.NoError(t, err)
	assert.Empty(t, res.Claims)
	require.NotEmpty(t, res.JWT)

	claims, err := r.issuer.Verify(res.JWT, "jwt-rp")
	require.NoError(t, err)
	assert.Equal(t, r.userID, claims["sub"])
	assert.Equal(t, "Ada", claims["name"])
}

func TestClientCredentialsTokenRejected(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	at, _, err := r.issuer.AccessToken(r.pol, token.AccessTokenInput{
		ClientID: "web",
		TenantID: "acme",
		Scope:    []string{"openid"},
	})
	require.NoError(t, err)

	_, err = r.svc.UserInfo(context.Background(), request(at))
	assert.ErrorIs(t, err, protocol.ErrInvalidToken)
}
