// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package clientkeys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/passgate/pkg/contracts"
)

func testJWKS(t *testing.T, kid string) (string, *rsa.PrivateKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pub, err := jwk.Import(priv.PublicKey)
	require.NoError(t, err)
	require.NoError(t, pub.Set(jwk.KeyIDKey, kid))
	require.NoError(t, pub.Set(jwk.AlgorithmKey, "RS256"))

	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))

	raw, err := json.Marshal(set)
	require.NoError(t, err)
	return string(raw), priv
}

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r, err := NewResolver(ctx)
	require.NoError(t, err)
	return r
}

func TestInlineJWKSByKID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	doc, priv := testJWKS(t, "client-key-1")
	r := newTestResolver(t)
	client := &contracts.ClientContract{ClientID: "app", JWKS: doc}

	raw, err := r.Key(ctx, client, "client-key-1")
	require.NoError(t, err)
	got, ok := raw.(rsa.PublicKey)
	if !ok {
		ptr, isPtr := raw.(*rsa.PublicKey)
		require.True(t, isPtr)
		got = *ptr
	}
	assert.True(t, priv.PublicKey.Equal(&got))

	_, err = r.Key(ctx, client, "other-kid")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestInlineJWKSSingleKeyNoKID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	doc, _ := testJWKS(t, "only-key")
	r := newTestResolver(t)

	_, err := r.Key(ctx, &contracts.ClientContract{ClientID: "app", JWKS: doc}, "")
	assert.NoError(t, err)
}

func TestRemoteJWKS(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	doc, _ := testJWKS(t, "remote-key")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(doc))
	}))
	t.Cleanup(srv.Close)

	r := newTestResolver(t)
	client := &contracts.ClientContract{ClientID: "app", JWKSURI: srv.URL}

	_, err := r.Key(ctx, client, "remote-key")
	require.NoError(t, err)

	// Second lookup is served from the cache; same registration.
	_, err = r.Key(ctx, client, "remote-key")
	assert.NoError(t, err)
}

func TestClientWithoutKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	r := newTestResolver(t)
	_, err := r.Key(ctx, &contracts.ClientContract{ClientID: "app"}, "kid")
	assert.ErrorIs(t, err, ErrNoClientKeys)
}
