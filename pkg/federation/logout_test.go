// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/passgate/pkg/protocol"
)

func logoutClaims(iss, clientID string, mutate func(jwt.MapClaims)) jwt.MapClaims {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": iss,
		"aud": clientID,
		"iat": now.Unix(),
		"exp": now.Add(2 * time.Minute).Unix(),
		"jti": "logout-jti-1",
		"sub": "upstream-sub-1",
		"sid": "upstream-sess-1",
		"events": map[string]any{
			protocol.BackchannelLogoutEvent: map[string]any{},
		},
	}
	if mutate != nil {
		mutate(claims)
	}
	return claims
}

func TestVerifyLogoutToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, m, upstream := newTestSetup(t)

	raw, err := m.Keypair.SignJWT(logoutClaims(m.Issuer(), m.ClientID, nil))
	require.NoError(t, err)

	lc, err := svc.VerifyLogoutToken(ctx, upstream, raw)
	require.NoError(t, err)
	assert.Equal(t, "upstream-sub-1", lc.Subject)
	assert.Equal(t, "upstream-sess-1", lc.SID)
}

func TestVerifyLogoutTokenProfileViolations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, m, upstream := newTestSetup(t)

	cases := map[string]func(jwt.MapClaims){
		"missing events member": func(c jwt.MapClaims) { delete(c, "events") },
		"nonce prohibited":      func(c jwt.MapClaims) { c["nonce"] = "n-1" },
		"neither sub nor sid": func(c jwt.MapClaims) {
			delete(c, "sub")
			delete(c, "sid")
		},
	}
	for name, mutate := range cases {
		raw, err := m.Keypair.SignJWT(logoutClaims(m.Issuer(), m.ClientID, mutate))
		require.NoError(t, err, name)
		_, err = svc.VerifyLogoutToken(ctx, upstream, raw)
		assert.ErrorIs(t, err, ErrBadLogoutToken, name)
	}
}

func TestVerifyLogoutTokenRejectsWrongAudience(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, m, upstream := newTestSetup(t)

	raw, err := m.Keypair.SignJWT(logoutClaims(m.Issuer(), "someone-else", nil))
	require.NoError(t, err)

	_, err = svc.VerifyLogoutToken(ctx, upstream, raw)
	assert.Error(t, err)
}
