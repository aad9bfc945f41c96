// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/passgate/pkg/contracts"
	"github.com/stacklok/passgate/pkg/protocol"
)

func testTenant() *contracts.TenantContract {
	return &contracts.TenantContract{
		TenantID:      "acme",
		Version:       3,
		Issuer:        "https://issuer.example",
		AuthMethods:   []string{contracts.MethodPasskey, contracts.MethodEmailCode},
		AllowedScopes: []string{"openid", "profile", "email", "offline_access"},
		SigningAlgs:   []string{"RS256", "ES256"},
		OAuth: contracts.OAuthPolicy{
			ResponseTypes: []string{"code"},
			GrantTypes: []string{
				protocol.GrantAuthorizationCode,
				protocol.GrantRefreshToken,
				protocol.GrantCIBA,
				protocol.GrantDeviceCode,
			},
		},
		Session:  contracts.SessionPolicy{AbsoluteTTL: 86400, IdleTTL: 3600},
		Security: contracts.SecurityPolicy{Tier: 1, RequirePKCE: false},
		CIBA:     contracts.CIBAPolicy{Enabled: true, RequestTTL: 300, PollInterval: 5},
		DeviceFlow: contracts.DeviceFlowPolicy{
			Enabled: true, CodeTTL: 600, PollInterval: 5,
		},
		Consent: contracts.ConsentPolicy{Mode: contracts.ConsentExplicit, Remember: true},
		Tokens:  contracts.TokenPolicy{AccessTTL: 3600, IDTTL: 3600, RefreshTTL: 2592000},
	}
}

func testClient() *contracts.ClientContract {
	return &contracts.ClientContract{
		ClientID:              "public-spa",
		TenantID:              "acme",
		Version:               1,
		TenantContractVersion: 3,
		Name:                  "SPA",
		Type:                  contracts.ClientTypePublic,
		RedirectURIs:          []string{"https://app.example/cb"},
		AuthMethod:            protocol.AuthMethodNone,
		Scopes:                []string{"openid", "profile"},
		GrantTypes:            []string{protocol.GrantAuthorizationCode, protocol.GrantRefreshToken},
	}
}

func newResolver(t *testing.T, opts ...Option) *Resolver {
	t.Helper()
	r, err := NewResolver([]byte("policy-hmac-secret"), opts...)
	require.NoError(t, err)
	return r
}

func TestNewResolverRequiresSecret(t *testing.T) {
	t.Parallel()

	_, err := NewResolver(nil)
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestResolveRejectsStaleTenantVersion(t *testing.T) {
	t.Parallel()

	client := testClient()
	client.TenantContractVersion = 2

	_, err := newResolver(t).Resolve(testTenant(), client)
	assert.ErrorIs(t, err, protocol.ErrPolicyStale)
}

func TestResolveEffectiveSettings(t *testing.T) {
	t.Parallel()

	tenant := testTenant()
	client := testClient()
	client.Tokens.AccessTTL = 600 // tighter than the tenant's 3600

	p, err := newResolver(t).Resolve(tenant, client)
	require.NoError(t, err)

	assert.Equal(t, []string{"openid", "profile"}, p.Scopes)
	assert.Equal(t, 10*time.Minute, p.AccessTokenTTL, "client may tighten")
	assert.Equal(t, time.Hour, p.IDTokenTTL)
	assert.Equal(t, 30*24*time.Hour, p.RefreshTokenTTL)
	assert.Equal(t, "RS256", p.SigningAlg)
	assert.Equal(t, 1, p.SecurityTier)
	assert.True(t, p.RequirePKCE, "public clients always carry PKCE")
	assert.True(t, p.RedirectExactMatch)
	assert.Equal(t, contracts.ConsentExplicit, p.ConsentMode)
	assert.Equal(t, "https://issuer.example", p.Issuer)
}

func TestResolveTakesMaximumSecurityTier(t *testing.T) {
	t.Parallel()

	client := testClient()
	client.Security.Tier = 4
	client.Security.RequireMFA = true

	p, err := newResolver(t).Resolve(testTenant(), client)
	require.NoError(t, err)

	assert.Equal(t, 4, p.SecurityTier)
	assert.True(t, p.RequireMFA)
}

func TestResolutionIDIsDeterministic(t *testing.T) {
	t.Parallel()

	clock1 := func() time.Time { return time.Unix(1000, 0) }
	clock2 := func() time.Time { return time.Unix(9999, 0) }

	p1, err := newResolver(t, WithClock(clock1)).Resolve(testTenant(), testClient())
	require.NoError(t, err)
	p2, err := newResolver(t, WithClock(clock2)).Resolve(testTenant(), testClient())
	require.NoError(t, err)

	assert.Equal(t, p1.ResolutionID, p2.ResolutionID,
		"identical settings must hash identically regardless of wall clock")
	assert.Len(t, p1.ResolutionID, 64, "hex SHA-256")
}

func TestResolutionIDChangesWithVersions(t *testing.T) {
	t.Parallel()

	r := newResolver(t)

	p1, err := r.Resolve(testTenant(), testClient())
	require.NoError(t, err)

	client := testClient()
	client.Version = 2
	p2, err := r.Resolve(testTenant(), client)
	require.NoError(t, err)

	assert.NotEqual(t, p1.ResolutionID, p2.ResolutionID)
}

func TestResolutionIDKeyedBySecret(t *testing.T) {
	t.Parallel()

	r1, err := NewResolver([]byte("secret-one"))
	require.NoError(t, err)
	r2, err := NewResolver([]byte("secret-two"))
	require.NoError(t, err)

	p1, err := r1.Resolve(testTenant(), testClient())
	require.NoError(t, err)
	p2, err := r2.Resolve(testTenant(), testClient())
	require.NoError(t, err)

	assert.NotEqual(t, p1.ResolutionID, p2.ResolutionID)
}

func TestPaletteFollowsAuthMethods(t *testing.T) {
	t.Parallel()

	client := testClient()
	client.AuthMethods = []string{contracts.MethodPasskey}

	p, err := newResolver(t).Resolve(testTenant(), client)
	require.NoError(t, err)

	assert.True(t, p.AllowsNode(NodePasskey))
	assert.False(t, p.AllowsNode(NodeEmailCode), "email code not in client subset")
	assert.False(t, p.AllowsNode(NodeExternalIdP), "no upstream configured")
	assert.True(t, p.AllowsNode(NodeNeedsConsent), "explicit consent keeps consent nodes")
}

func TestAsyncGrantsRequireGrantType(t *testing.T) {
	t.Parallel()

	// The client's grant list omits CIBA and device_code, so both resolve
	// disabled even though the tenant enables them.
	p, err := newResolver(t).Resolve(testTenant(), testClient())
	require.NoError(t, err)

	assert.False(t, p.CIBA.Enabled)
	assert.False(t, p.Device.Enabled)
	assert.False(t, p.AllowsNode(NodeCIBAApproval))

	client := testClient()
	client.GrantTypes = append(client.GrantTypes, protocol.GrantCIBA, protocol.GrantDeviceCode)
	p, err = newResolver(t).Resolve(testTenant(), client)
	require.NoError(t, err)

	assert.True(t, p.CIBA.Enabled)
	assert.Equal(t, 5*time.Minute, p.CIBA.RequestTTL)
	assert.Equal(t, 5*time.Second, p.CIBA.PollInterval)
	assert.True(t, p.Device.Enabled)
	assert.True(t, p.AllowsNode(NodeDeviceApproval))
}
