// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/passgate/pkg/authorize"
	"github.com/stacklok/passgate/pkg/contracts"
	"github.com/stacklok/passgate/pkg/events"
	"github.com/stacklok/passgate/pkg/policy"
	"github.com/stacklok/passgate/pkg/protocol"
	"github.com/stacklok/passgate/pkg/storage"
	"github.com/stacklok/passgate/pkg/token"
)

type fakeMinter struct {
	minted int
}

func (m *fakeMinter) MintTokens(_ context.Context, _ *policy.ResolvedPolicy, in authorize.MintInput) (*protocol.TokenResponse, string, error) {
	m.minted++
	return &protocol.TokenResponse{AccessToken: "at-" + in.Subject, TokenType: "Bearer", ExpiresIn: 3600}, "", nil
}

type rig struct {
	runner *Runner
	stores *storage.Stores
	minter *fakeMinter
	client *contracts.ClientContract
	at     time.Time
}

func newRig(t *testing.T) *rig {
	t.Helper()

	bus := events.NewBus()
	stores := storage.New(storage.NewMemoryEngine(), nil)
	wire, err := token.NewWireTokens([]byte("wire-token-secret-wire-token-sec"))
	require.NoError(t, err)
	resolver, err := policy.NewResolver([]byte("policy-hmac-secret"))
	require.NoError(t, err)

	registry := contracts.NewRegistry()
	require.NoError(t, registry.UpsertTenant(&contracts.TenantContract{
		TenantID:      "acme",
		Version:       1,
		Issuer:        "https://issuer.example",
		AuthMethods:   []string{contracts.MethodPasskey},
		AllowedScopes: []string{"openid", "profile"},
		SigningAlgs:   []string{"RS256"},
		OAuth: contracts.OAuthPolicy{
			ResponseTypes: []string{"code"},
			GrantTypes:    []string{protocol.GrantAuthorizationCode, protocol.GrantDeviceCode},
		},
		DeviceFlow: contracts.DeviceFlowPolicy{Enabled: true},
	}))
	client := &contracts.ClientContract{
		ClientID:              "smart-tv",
		TenantID:              "acme",
		Version:               1,
		TenantContractVersion: 1,
		Type:                  contracts.ClientTypePublic,
		AuthMethod:            protocol.AuthMethodNone,
		Scopes:                []string{"openid", "profile"},
		GrantTypes:            []string{protocol.GrantDeviceCode},
	}
	require.NoError(t, registry.UpsertClient(client))

	r := &rig{stores: stores, minter: &fakeMinter{}, client: client, at: time.Now()}
	r.runner = New(Config{
		Registry:        registry,
		Resolver:        resolver,
		Stores:          stores,
		Wire:            wire,
		Minter:          r.minter,
		Bus:             bus,
		VerificationURI: "https://issuer.example/device",
	}, WithClock(func() time.Time { return r.at }))
	return r
}

func (r *rig) poll(deviceCode string) (*protocol.TokenResponse, error) {
	return r.runner.Grant(context.Background(), r.client, url.Values{"device_code": {deviceCode}})
}

func TestDeviceGrantEndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newRig(t)

	resp, err := r.runner.Authorize(ctx, r.client, url.Values{"scope": {"openid profile"}})
	require.NoError(t, err)
	assert.Regexp(t, `^[BCDFGHJKLMNPQRSTVWXZ]{4}-[BCDFGHJKLMNPQRSTVWXZ]{4}$`, resp.UserCode)
	assert.Equal(t, "https://issuer.example/device", resp.VerificationURI)
	assert.Contains(t, resp.VerificationURIComplete, url.QueryEscape(resp.UserCode))
	assert.Equal(t, int64(5), resp.Interval)
	assert.Equal(t, int64(600), resp.ExpiresIn)

	_, err = r.poll(resp.DeviceCode)
	assert.ErrorIs(t, err, protocol.ErrAuthorizationPending)

	// The user types the code, case and separators however they like.
	ch := &storage.Challenge{UserID: "u-1"}
	require.NoError(t, r.runner.Attach(ctx, ch, strings.ToLower(resp.UserCode)))
	assert.Equal(t, "smart-tv", ch.ClientID)
	require.NoError(t, r.runner.Approve(ctx, ch))

	r.at = r.at.Add(6 * time.Second)
	tokens, err := r.poll(resp.DeviceCode)
	require.NoError(t, err)
	assert.Equal(t, "at-u-1", tokens.AccessToken)

	r.at = r.at.Add(6 * time.Second)
	_, err = r.poll(resp.DeviceCode)
	assert.ErrorIs(t, err, protocol.ErrInvalidGrant)
	assert.Equal(t, 1, r.minter.minted)

	// The user code is retired with the decision.
	err = r.runner.Attach(ctx, &storage.Challenge{}, resp.UserCode)
	assert.ErrorIs(t, err, protocol.ErrValidationFailed)
}

func TestDevicePollTooFastSlowsDown(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	resp, err := r.runner.Authorize(context.Background(), r.client, url.Values{"scope": {"openid"}})
	require.NoError(t, err)

	_, err = r.poll(resp.DeviceCode)
	assert.ErrorIs(t, err, protocol.ErrAuthorizationPending)

	r.at = r.at.Add(time.Second)
	_, err = r.poll(resp.DeviceCode)
	assert.ErrorIs(t, err, protocol.ErrSlowDown)
}

func TestDeviceDenial(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newRig(t)
	resp, err := r.runner.Authorize(ctx, r.client, url.Values{"scope": {"openid"}})
	require.NoError(t, err)

	ch := &storage.Challenge{UserID: "u-1"}
	require.NoError(t, r.runner.Attach(ctx, ch, resp.UserCode))
	require.NoError(t, r.runner.Deny(ctx, ch))

	_, err = r.poll(resp.DeviceCode)
	assert.ErrorIs(t, err, protocol.ErrAccessDenied)
	assert.Zero(t, r.minter.minted)
}

func TestDeviceCodeExpires(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	resp, err := r.runner.Authorize(context.Background(), r.client, url.Values{"scope": {"openid"}})
	require.NoError(t, err)

	r.at = r.at.Add(11 * time.Minute)
	_, err = r.poll(resp.DeviceCode)
	assert.ErrorIs(t, err, protocol.ErrExpiredToken)
}

func TestUnknownUserCode(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	err := r.runner.Attach(context.Background(), &storage.Challenge{}, "XXXX-XXXX")
	assert.ErrorIs(t, err, protocol.ErrValidationFailed)
}

func TestDeviceFlowDisabled(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	other := &contracts.ClientContract{
		ClientID:              "web-only",
		TenantID:              "acme",
		Version:               1,
		TenantContractVersion: 1,
		Type:                  contracts.ClientTypePublic,
		AuthMethod:            protocol.AuthMethodNone,
		Scopes:                []string{"openid"},
		GrantTypes:            []string{protocol.GrantAuthorizationCode},
	}
	_, err := r.runner.Authorize(context.Background(), other, url.Values{"scope": {"openid"}})
	assert.ErrorIs(t, err, protocol.ErrUnauthorizedClient)
}
