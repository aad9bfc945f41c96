// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package clientkeys resolves the public keys relying parties register for
// private_key_jwt authentication and request object signatures. Inline JWKS
// documents are parsed per call; jwks_uri documents go through an
// auto-refreshing cache so a client key rotation propagates without a
// restart.
package clientkeys

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-jose/go-jose/v4"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/stacklok/passgate/pkg/contracts"
)

// Errors.
var (
	ErrNoClientKeys = errors.New("client has no registered keys")
	ErrKeyNotFound  = errors.New("no usable key for kid")
)

// Resolver fetches and caches client keys.
type Resolver struct {
	cache *jwk.Cache

	mu         sync.Mutex
	registered map[string]bool
}

// NewResolver builds a Resolver. The context bounds the background refresh
// goroutines; cancel it on shutdown.
func NewResolver(ctx context.Context) (*Resolver, error) {
	cache, err := jwk.NewCache(ctx, httprc.NewClient())
	if err != nil {
		return nil, fmt.Errorf("creating jwks cache: %w", err)
	}
	return &Resolver{
		cache:      cache,
		registered: map[string]bool{},
	}, nil
}

// Key resolves the verification key a client assertion or request object
// was signed with. With an empty kid a single-key set resolves to that key;
// multi-key sets require the kid header.
func (r *Resolver) Key(ctx context.Context, client *contracts.ClientContract, kid string) (any, error) {
	set, err := r.keySet(ctx, client)
	if err != nil {
		return nil, err
	}
	if set.Len() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoClientKeys, client.ClientID)
	}

	var key jwk.Key
	if kid != "" {
		found, ok := set.LookupKeyID(kid)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, kid)
		}
		key = found
	} else {
		if set.Len() != 1 {
			return nil, fmt.Errorf("%w: kid required for multi-key set", ErrKeyNotFound)
		}
		first, ok := set.Key(0)
		if !ok {
			return nil, ErrKeyNotFound
		}
		key = first
	}

	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("exporting client key: %w", err)
	}
	return raw, nil
}

// EncryptionKey resolves the key a token for this client should be
// encrypted to: the first key marked use=enc, or the only key when the set
// has no usage hints.
func (r *Resolver) EncryptionKey(ctx context.Context, client *contracts.ClientContract) (jose.JSONWebKey, error) {
	set, err := r.keySet(ctx, client)
	if err != nil {
		return jose.JSONWebKey{}, err
	}

	var chosen jwk.Key
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		use, _ := key.KeyUsage()
		if use == "enc" {
			chosen = key
			break
		}
		if use == "" && chosen == nil {
			chosen = key
		}
	}
	if chosen == nil {
		return jose.JSONWebKey{}, fmt.Errorf("%w: no encryption key", ErrKeyNotFound)
	}

	var raw any
	if err := jwk.Export(chosen, &raw); err != nil {
		return jose.JSONWebKey{}, fmt.Errorf("exporting client key: %w", err)
	}
	kid, _ := chosen.KeyID()
	return jose.JSONWebKey{Key: raw, KeyID: kid, Use: "enc"}, nil
}

func (r *Resolver) keySet(ctx context.Context, client *contracts.ClientContract) (jwk.Set, error) {
	if client.JWKS != "" {
		set, err := jwk.Parse([]byte(client.JWKS))
		if err != nil {
			return nil, fmt.Errorf("parsing inline jwks for %s: %w", client.ClientID, err)
		}
		return set, nil
	}
	if client.JWKSURI == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoClientKeys, client.ClientID)
	}

	if err := r.register(ctx, client.JWKSURI); err != nil {
		return nil, err
	}
	set, err := r.cache.Lookup(ctx, client.JWKSURI)
	if err != nil {
		return nil, fmt.Errorf("fetching jwks for %s: %w", client.ClientID, err)
	}
	return set, nil
}

func (r *Resolver) register(ctx context.Context, uri string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registered[uri] {
		return nil
	}
	if err := r.cache.Register(ctx, uri); err != nil {
		return fmt.Errorf("registering jwks uri: %w", err)
	}
	r.registered[uri] = true
	return nil
}
