// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authtoken

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/passgate/pkg/contracts"
	"github.com/stacklok/passgate/pkg/keys"
	"github.com/stacklok/passgate/pkg/policy"
	"github.com/stacklok/passgate/pkg/protocol"
	"github.com/stacklok/passgate/pkg/storage/sqlite"
	"github.com/stacklok/passgate/pkg/token"
)

const issuerURL = "https://issuer.example"

type rig struct {
	issuer *token.Issuer
	pol    *policy.ResolvedPolicy
	srv    *httptest.Server
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

	resolver, err := policy.NewResolver([]byte("policy-hmac-secret"))
	require.NoError(t, err)
	tenant := &contracts.TenantContract{
		TenantID:      "acme",
		Version:       1,
		Issuer:        issuerURL,
		AuthMethods:   []string{contracts.MethodPasskey},
		AllowedScopes: []string{"openid", "api:read"},
		SigningAlgs:   []string{"RS256"},
		OAuth: contracts.OAuthPolicy{
			ResponseTypes: []string{"code"},
			GrantTypes:    []string{protocol.GrantAuthorizationCode},
		},
	}
	client := &contracts.ClientContract{
		ClientID:              "api-client",
		TenantID:              "acme",
		Version:               1,
		TenantContractVersion: 1,
		Type:                  contracts.ClientTypePublic,
		AuthMethod:            protocol.AuthMethodNone,
		RedirectURIs:          []string{"https://app.example/cb"},
		Scopes:                []string{"openid", "api:read"},
		GrantTypes:            []string{protocol.GrantAuthorizationCode},
	}
	pol, err := resolver.Resolve(tenant, client)
	require.NoError(t, err)

	r := &rig{issuer: issuer, pol: pol}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"jwks_uri": r.srv.URL + "/jwks"})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(km.JWKS())
	})
	r.srv = httptest.NewServer(mux)
	t.Cleanup(r.srv.Close)
	return r
}

func (r *rig) accessToken(t *testing.T, subject string) string {
	t.Helper()
	at, _, err := r.issuer.AccessToken(r.pol, token.AccessTokenInput{
		Subject:  subject,
		ClientID: "api-client",
		TenantID: "acme",
		Scope:    []string{"api:read"},
	})
	require.NoError(t, err)
	return at
}

func TestValidateJWTAgainstJWKS(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newRig(t)

	v, err := NewValidator(ctx, Config{
		Issuer:     issuerURL,
		Audience:   "api-client",
		JWKSURL:    r.srv.URL + "/jwks",
		HTTPClient: r.srv.Client(),
	})
	require.NoError(t, err)

	claims, err := v.ValidateToken(ctx, r.accessToken(t, "user-1"))
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims["sub"])
	assert.Equal(t, "api:read", claims["scope"])
}

func TestAudienceMismatchRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newRig(t)

	v, err := NewValidator(ctx, Config{
		Issuer:     issuerURL,
		Audience:   "some-other-api",
		JWKSURL:    r.srv.URL + "/jwks",
		HTTPClient: r.srv.Client(),
	})
	require.NoError(t, err)

	_, err = v.ValidateToken(ctx, r.accessToken(t, "user-1"))
	assert.ErrorIs(t, err, ErrInvalidAudience)
}

func TestOpaqueTokenFallsBackToIntrospection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newRig(t)

	introspection := http.NewServeMux()
	introspection.HandleFunc("/introspect", func(w http.ResponseWriter, req *http.Request) {
		user, pass, ok := req.BasicAuth()
		if !ok || user != "rs-client" || pass != "rs-secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"active": req.PostFormValue("token") == "opaque-token",
			"sub":    "user-2",
			"iss":    issuerURL,
			"scope":  "api:read",
			"exp":    time.Now().Add(time.Hour).Unix(),
		})
	})
	isrv := httptest.NewServer(introspection)
	t.Cleanup(isrv.Close)

	v, err := NewValidator(ctx, Config{
		Issuer:           issuerURL,
		JWKSURL:          r.srv.URL + "/jwks",
		IntrospectionURL: isrv.URL + "/introspect",
		ClientID:         "rs-client",
		ClientSecret:     "rs-secret",
		HTTPClient:       isrv.Client(),
	})
	require.NoError(t, err)

	claims, err := v.ValidateToken(ctx, "opaque-token")
	require.NoError(t, err)
	assert.Equal(t, "user-2", claims["sub"])

	_, err = v.ValidateToken(ctx, "some-revoked-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestOpaqueTokenWithoutIntrospectionErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newRig(t)

	v, err := NewValidator(ctx, Config{
		JWKSURL:    r.srv.URL + "/jwks",
		HTTPClient: r.srv.Client(),
	})
	require.NoError(t, err)

	_, err = v.ValidateToken(ctx, "not-a-jwt")
	assert.ErrorIs(t, err, ErrNoIntrospection)
}

func TestMiddlewarePutsClaimsInContext(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newRig(t)

	v, err := NewValidator(ctx, Config{
		Issuer:     issuerURL,
		JWKSURL:    r.srv.URL + "/jwks",
		HTTPClient: r.srv.Client(),
	})
	require.NoError(t, err)

	var seen string
	protected := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		claims, ok := GetClaimsFromContext(req.Context())
		require.True(t, ok)
		seen, _ = claims["sub"].(string)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/data", nil)
	req.Header.Set("Authorization", "Bearer "+r.accessToken(t, "user-3"))
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-3", seen)

	// No token at all.
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/data", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
}

func TestDiscoveryResolvesJWKSURL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newRig(t)

	v, err := NewValidator(ctx, Config{
		Issuer:     r.srv.URL,
		HTTPClient: r.srv.Client(),
	})
	// The metadata handler points at the rig's JWKS.
	require.NoError(t, err)
	assert.Equal(t, r.srv.URL+"/jwks", v.JWKSURL())
}
