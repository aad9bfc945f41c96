// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/passgate/pkg/authorize"
	"github.com/stacklok/passgate/pkg/ciba"
	"github.com/stacklok/passgate/pkg/consent"
	"github.com/stacklok/passgate/pkg/contracts"
	"github.com/stacklok/passgate/pkg/device"
	"github.com/stacklok/passgate/pkg/events"
	"github.com/stacklok/passgate/pkg/keys"
	"github.com/stacklok/passgate/pkg/logout"
	"github.com/stacklok/passgate/pkg/policy"
	"github.com/stacklok/passgate/pkg/protocol"
	"github.com/stacklok/passgate/pkg/ratelimit"
	"github.com/stacklok/passgate/pkg/storage"
	"github.com/stacklok/passgate/pkg/storage/sqlite"
	"github.com/stacklok/passgate/pkg/telemetry"
	"github.com/stacklok/passgate/pkg/token"
	"github.com/stacklok/passgate/pkg/userinfo"
	"github.com/stacklok/passgate/pkg/users"
)

const issuerURL = "https://issuer.example"

// S256 test vector from RFC 7636 appendix B.
const (
	pkceVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	pkceChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

type rig struct {
	srv    *Server
	orch   *authorize.Orchestrator
	stores *storage.Stores
	issuer *token.Issuer
	userID string
}

func newRig(t *testing.T, opts ...func(*Config)) *rig {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	km, err := keys.New(ctx, db.Keys, []byte("key-manager-secret-key-manager-s"), 24*time.Hour,
		keys.WithAlgorithms(keys.AlgRS256))
	require.NoError(t, err)

	bus := events.NewBus()
	stores := storage.New(storage.NewMemoryEngine(), nil)
	userSvc := users.New(db.Users, db.Consents, bus, []byte("blind-secret"))
	consentSvc := consent.New(db.Consents, bus)
	issuer := token.NewIssuer(issuerURL, km)
	wire, err := token.NewWireTokens([]byte("wire-token-secret-wire-token-sec"))
	require.NoError(t, err)
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
			GrantTypes:    []string{protocol.GrantAuthorizationCode, protocol.GrantRefreshToken},
		},
		Consent: contracts.ConsentPolicy{Mode: contracts.ConsentAuto},
	}))
	require.NoError(t, registry.UpsertClient(&contracts.ClientContract{
		ClientID:              "public-spa",
		TenantID:              "acme",
		Version:               1,
		TenantContractVersion: 1,
		Type:                  contracts.ClientTypePublic,
		RedirectURIs:          []string{"https://app.example/cb"},
		AuthMethod:            protocol.AuthMethodNone,
		Scopes:                []string{"openid", "profile"},
		GrantTypes:            []string{protocol.GrantAuthorizationCode, protocol.GrantRefreshToken},
	}))

	orch := authorize.New(authorize.Config{
		IssuerURL: issuerURL,
		Registry:  registry,
		Resolver:  resolver,
		Stores:    stores,
		Wire:      wire,
		Issuer:    issuer,
		Consent:   consentSvc,
		Users:     userSvc,
		Bus:       bus,
	})
	userinfoSvc := userinfo.New(userinfo.Config{
		Registry: registry,
		Resolver: resolver,
		Issuer:   issuer,
		Users:    userSvc,
	})
	logoutSvc := logout.New(logout.Config{
		Registry: registry,
		Resolver: resolver,
		Stores:   stores,
		Issuer:   issuer,
		Bus:      bus,
	})
	cibaRunner := ciba.New(ciba.Config{
		Registry: registry,
		Resolver: resolver,
		Stores:   stores,
		Users:    userSvc,
		Minter:   orch,
		Bus:      bus,
	})
	deviceRunner := device.New(device.Config{
		Registry:        registry,
		Resolver:        resolver,
		Stores:          stores,
		Wire:            wire,
		Minter:          orch,
		Bus:             bus,
		VerificationURI: issuerURL + "/device",
	})

	core, err := userSvc.Provision(ctx, "acme", "ada@example.com", "Ada")
	require.NoError(t, err)

	cfg := Config{
		IssuerURL:    issuerURL,
		Orchestrator: orch,
		Userinfo:     userinfoSvc,
		Logout:       logoutSvc,
		CIBA:         cibaRunner,
		Device:       deviceRunner,
		Keys:         km,
		Stores:       stores,
		Metrics:      telemetry.New(),
		Limiter:      ratelimit.NewMemoryLimiter(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &rig{srv: New(cfg), orch: orch, stores: stores, issuer: issuer, userID: core.ID}
}

func (r *rig) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func authorizeQuery() url.Values {
	return url.Values{
		"client_id":             {"public-spa"},
		"redirect_uri":          {"https://app.example/cb"},
		"response_type":         {"code"},
		"scope":                 {"openid profile"},
		"state":                 {"xyz"},
		"code_challenge":        {pkceChallenge},
		"code_challenge_method": {"S256"},
	}
}

func TestDiscoveryDocument(t *testing.T) {
	t.Parallel()
	r := newRig(t)

	rec := r.do(httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Cache-Control"), "max-age=3600")

	var doc protocol.DiscoveryDocument
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, issuerURL, doc.Issuer)
	assert.Equal(t, issuerURL+"/token", doc.TokenEndpoint)
	assert.Equal(t, issuerURL+"/bc-authorize", doc.BackchannelAuthenticationEndpoint)
	assert.Contains(t, doc.GrantTypesSupported, protocol.GrantCIBA)
	assert.Contains(t, doc.GrantTypesSupported, protocol.GrantDeviceCode)
	assert.Equal(t, []string{"S256"}, doc.CodeChallengeMethodsSupported)
	assert.True(t, doc.BackchannelLogoutSupported)
	assert.True(t, doc.FrontchannelLogoutSupported)
}

func TestJWKSServed(t *testing.T) {
	t.Parallel()
	r := newRig(t)

	rec := r.do(httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var set struct {
		Keys []json.RawMessage `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &set))
	assert.NotEmpty(t, set.Keys)
}

func TestAuthorizeOpensFlow(t *testing.T) {
	t.Parallel()
	r := newRig(t)

	rec := r.do(httptest.NewRequest(http.MethodGet, "/authorize?"+authorizeQuery().Encode(), nil))
	require.Equal(t, http.StatusFound, rec.Code)
	loc := rec.Header().Get("Location")
	assert.True(t, strings.HasPrefix(loc, issuerURL+"/login?flow="), loc)
}

func TestAuthorizeRejectsUnknownClient(t *testing.T) {
	t.Parallel()
	r := newRig(t)

	q := authorizeQuery()
	q.Set("client_id", "nope")
	rec := r.do(httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil))
	// No validated redirect URI, so the error renders in place.
	assert.NotEqual(t, http.StatusFound, rec.Code)
	assert.GreaterOrEqual(t, rec.Code, 400)
}

func TestSilentAuthorizeUsesSessionCookie(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newRig(t)

	now := time.Now()
	sessID, err := storage.NewID()
	require.NoError(t, err)
	require.NoError(t, r.stores.Sessions.Create(ctx, &storage.Session{
		ID:            sessID,
		UserID:        r.userID,
		TenantID:      "acme",
		AuthTime:      now.Unix(),
		AMR:           []string{"webauthn"},
		CreatedAt:     now.UnixMilli(),
		ExpiresAt:     now.Add(24 * time.Hour).UnixMilli(),
		IdleExpiresAt: now.Add(time.Hour).UnixMilli(),
		LastActiveAt:  now.UnixMilli(),
	}, 24*time.Hour, 0))

	req := httptest.NewRequest(http.MethodGet, "/authorize?"+authorizeQuery().Encode(), nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: sessID})
	rec := r.do(req)
	require.Equal(t, http.StatusFound, rec.Code)

	u, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Location"), "https://app.example/cb"))
	assert.NotEmpty(t, u.Query().Get("code"))
	assert.Equal(t, "xyz", u.Query().Get("state"))
}

func TestTokenEndpoint(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newRig(t)

	begin, err := r.orch.BeginAuthorize(ctx, authorize.BeginInput{Params: authorizeQuery()})
	require.NoError(t, err)
	require.NotEmpty(t, begin.ChallengeID)

	c, err := r.stores.Challenges.Get(ctx, begin.ChallengeID)
	require.NoError(t, err)
	c.UserID = r.userID
	c.AuthTime = time.Now().Unix()
	c.AMR = []string{"webauthn"}
	redirect, err := r.orch.Complete(ctx, c)
	require.NoError(t, err)

	u, err := url.Parse(redirect)
	require.NoError(t, err)
	code := u.Query().Get("code")
	require.NotEmpty(t, code)

	form := url.Values{
		"grant_type":    {protocol.GrantAuthorizationCode},
		"client_id":     {"public-spa"},
		"code":          {code},
		"redirect_uri":  {"https://app.example/cb"},
		"code_verifier": {pkceVerifier},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := r.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp protocol.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.IDToken)
}

func TestTokenErrorShape(t *testing.T) {
	t.Parallel()
	r := newRig(t)

	form := url.Values{
		"grant_type": {protocol.GrantAuthorizationCode},
		"client_id":  {"public-spa"},
		"code":       {"no-such-code"},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := r.do(req)
	assert.GreaterOrEqual(t, rec.Code, 400)

	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Error)
}

func TestUserinfoBearer(t *testing.T) {
	t.Parallel()
	r := newRig(t)

	at := r.mintAccessToken(t, []string{"openid", "profile"})

	req := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+at)
	rec := r.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var claims map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claims))
	assert.Equal(t, r.userID, claims["sub"])
	assert.Equal(t, "Ada", claims["name"])
}

func TestUserinfoRejectsGarbageWithChallenge(t *testing.T) {
	t.Parallel()
	r := newRig(t)

	req := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec := r.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `Bearer error="invalid_token"`)
}

func TestHealth(t *testing.T) {
	t.Parallel()
	r := newRig(t)

	rec := r.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRateLimitedRequestGets429(t *testing.T) {
	t.Parallel()
	r := newRig(t, func(cfg *Config) {
		cfg.Limiter = denyAll{}
	})

	rec := r.do(httptest.NewRequest(http.MethodGet, "/authorize?"+authorizeQuery().Encode(), nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "resource_exhausted")
}

func TestMetricsExposed(t *testing.T) {
	t.Parallel()
	r := newRig(t)

	// Generate a sample first so the counter families exist.
	r.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	rec := r.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "passgate_requests_total")
}

func (r *rig) mintAccessToken(t *testing.T, scope []string) string {
	t.Helper()
	at, _, err := r.issuer.AccessToken(testPolicy(t), token.AccessTokenInput{
		Subject:  r.userID,
		ClientID: "public-spa",
		TenantID: "acme",
		Scope:    scope,
	})
	require.NoError(t, err)
	return at
}

// testPolicy resolves the rig's tenant and client pair outside the
// registry, for minting tokens and seeding records that carry a policy
// snapshot.
func testPolicy(t *testing.T) *policy.ResolvedPolicy {
	t.Helper()
	resolver, err := policy.NewResolver([]byte("policy-hmac-secret"))
	require.NoError(t, err)
	tenant := &contracts.TenantContract{
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
	}
	client := &contracts.ClientContract{
		ClientID:              "public-spa",
		TenantID:              "acme",
		Version:               1,
		TenantContractVersion: 1,
		Type:                  contracts.ClientTypePublic,
		RedirectURIs:          []string{"https://app.example/cb"},
		AuthMethod:            protocol.AuthMethodNone,
		Scopes:                []string{"openid", "profile"},
		GrantTypes:            []string{protocol.GrantAuthorizationCode},
	}
	pol, err := resolver.Resolve(tenant, client)
	require.NoError(t, err)
	return pol
}

// signIn seeds an active session for the rig's user and returns its cookie.
func (r *rig) signIn(t *testing.T) *http.Cookie {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	sessID, err := storage.NewID()
	require.NoError(t, err)
	require.NoError(t, r.stores.Sessions.Create(ctx, &storage.Session{
		ID:            sessID,
		UserID:        r.userID,
		TenantID:      "acme",
		AuthTime:      now.Unix(),
		AMR:           []string{"webauthn"},
		CreatedAt:     now.UnixMilli(),
		ExpiresAt:     now.Add(24 * time.Hour).UnixMilli(),
		IdleExpiresAt: now.Add(time.Hour).UnixMilli(),
		LastActiveAt:  now.UnixMilli(),
	}, 24*time.Hour, 0))
	return &http.Cookie{Name: SessionCookie, Value: sessID}
}

// denyAll always refuses, standing in for an exhausted window.
type denyAll struct{}

func (denyAll) Check(context.Context, string, contracts.RatePolicy) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: false, RetryAfter: 30 * time.Second}, nil
}

func TestBackchannelLogoutRequiresToken(t *testing.T) {
	t.Parallel()
	r := newRig(t)

	req := httptest.NewRequest(http.MethodPost, "/logout/backchannel", strings.NewReader(""))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := r.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "invalid_request", body["error"])
}

func formPost(path string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestDeviceCompleteApprovesGrant(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newRig(t)

	now := time.Now()
	grant := &storage.DeviceGrant{
		DeviceCodeKey: "dev-key-1",
		UserCode:      "BCDF-GHJK",
		TenantID:      "acme",
		ClientID:      "public-spa",
		Scope:         []string{"openid"},
		Status:        storage.StatusPending,
		CreatedAt:     now.Unix(),
		ExpiresAt:     now.Add(10 * time.Minute).Unix(),
		Policy:        testPolicy(t),
	}
	require.NoError(t, r.stores.Devices.Put(ctx, grant.DeviceCodeKey, grant, 10*time.Minute))
	key := grant.DeviceCodeKey
	require.NoError(t, r.stores.UserCodes.Put(ctx, "BCDFGHJK", &key, 10*time.Minute))

	// The code is accepted however the user typed it.
	req := formPost("/device/complete", url.Values{"user_code": {"bcdf ghjk"}, "approve": {"true"}})
	req.AddCookie(r.signIn(t))
	rec := r.do(req)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	got, err := r.stores.Devices.Get(ctx, grant.DeviceCodeKey)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusApproved, got.Status)
	assert.Equal(t, r.userID, got.UserID)

	// The user code is retired once decided.
	_, err = r.stores.UserCodes.Get(ctx, "BCDFGHJK")
	assert.Error(t, err)
}

func TestCIBACompleteApproves(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newRig(t)

	now := time.Now()
	require.NoError(t, r.stores.CIBA.Put(ctx, "req-1", &storage.CIBARequest{
		AuthReqID:    "req-1",
		TenantID:     "acme",
		ClientID:     "public-spa",
		Scope:        []string{"openid"},
		UserID:       r.userID,
		DeliveryMode: ciba.ModePoll,
		Status:       storage.StatusPending,
		CreatedAt:    now.Unix(),
		ExpiresAt:    now.Add(5 * time.Minute).Unix(),
		Policy:       testPolicy(t),
	}, 5*time.Minute))

	req := formPost("/ciba/complete", url.Values{"auth_req_id": {"req-1"}, "approve": {"true"}})
	req.AddCookie(r.signIn(t))
	rec := r.do(req)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	got, err := r.stores.CIBA.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusApproved, got.Status)
	assert.Contains(t, got.AMR, "decoupled")
}

func TestCIBACompleteRejectsWrongUser(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newRig(t)

	now := time.Now()
	require.NoError(t, r.stores.CIBA.Put(ctx, "req-2", &storage.CIBARequest{
		AuthReqID:    "req-2",
		TenantID:     "acme",
		ClientID:     "public-spa",
		UserID:       "someone-else",
		DeliveryMode: ciba.ModePoll,
		Status:       storage.StatusPending,
		CreatedAt:    now.Unix(),
		ExpiresAt:    now.Add(5 * time.Minute).Unix(),
		Policy:       testPolicy(t),
	}, 5*time.Minute))

	req := formPost("/ciba/complete", url.Values{"auth_req_id": {"req-2"}, "approve": {"true"}})
	req.AddCookie(r.signIn(t))
	rec := r.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "access_denied")

	got, err := r.stores.CIBA.Get(ctx, "req-2")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, got.Status)
}

func TestAsyncCompleteRequiresSession(t *testing.T) {
	t.Parallel()
	r := newRig(t)

	for _, path := range []string{"/ciba/complete", "/device/complete"} {
		rec := r.do(formPost(path, url.Values{"approve": {"true"}}))
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
		assert.Contains(t, rec.Body.String(), "login_required", path)
	}
}
