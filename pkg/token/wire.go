// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/ory/fosite"
	"github.com/ory/fosite/token/hmac"
)

// ErrMalformedWireToken is returned for wire tokens that fail HMAC
// validation. Callers map it to invalid_grant without touching storage.
var ErrMalformedWireToken = errors.New("malformed wire token")

// WireTokens mints and validates the opaque tokens that cross the wire:
// authorization codes, refresh tokens, and device codes. Each token is
// random entropy plus an HMAC signature; records are keyed by the signature
// so a storage dump alone cannot forge redeemable tokens.
type WireTokens struct {
	strategy *hmac.HMACStrategy
}

// NewWireTokens builds the strategy. The secret must be at least 32 bytes.
func NewWireTokens(secret []byte) (*WireTokens, error) {
	if len(secret) < 32 {
		return nil, errors.New("wire token secret must be at least 32 bytes")
	}
	return &WireTokens{
		strategy: &hmac.HMACStrategy{
			Config: &fosite.Config{
				GlobalSecret: secret,
				TokenEntropy: 32,
			},
		},
	}, nil
}

// New returns a fresh wire token and the signature to key its record by.
func (w *WireTokens) New(ctx context.Context) (token, signature string, err error) {
	token, signature, err = w.strategy.Generate(ctx)
	if err != nil {
		return "", "", fmt.Errorf("generating wire token: %w", err)
	}
	return token, signature, nil
}

// Validate checks the HMAC and returns the signature for the record lookup.
func (w *WireTokens) Validate(ctx context.Context, token string) (string, error) {
	if err := w.strategy.Validate(ctx, token); err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedWireToken, err)
	}
	return w.strategy.Signature(token), nil
}
