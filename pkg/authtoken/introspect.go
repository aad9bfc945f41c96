// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authtoken

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// maxIntrospectionBody caps the introspection response read.
const maxIntrospectionBody = 1 << 20

// ErrNoIntrospection is returned for opaque tokens when no introspection
// endpoint was configured.
var ErrNoIntrospection = errors.New("no introspection endpoint configured")

// introspect resolves an opaque token through RFC 7662. Claims come back
// in JWT shape so callers handle both token forms the same way.
func (v *Validator) introspect(ctx context.Context, raw string) (jwt.MapClaims, error) {
	if v.introspectURL == "" {
		return nil, ErrNoIntrospection
	}

	form := url.Values{
		"token":           {raw},
		"token_type_hint": {"access_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.introspectURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if v.clientID != "" {
		req.SetBasicAuth(url.QueryEscape(v.clientID), url.QueryEscape(v.clientSecret))
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("introspection request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("introspection returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxIntrospectionBody))
	if err != nil {
		return nil, fmt.Errorf("reading introspection response: %w", err)
	}

	var result struct {
		Active   bool   `json:"active"`
		Scope    string `json:"scope"`
		ClientID string `json:"client_id"`
		Sub      string `json:"sub"`
		Iss      string `json:"iss"`
		Aud      string `json:"aud"`
		Exp      int64  `json:"exp"`
		Iat      int64  `json:"iat"`
		Jti      string `json:"jti"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decoding introspection response: %w", err)
	}
	if !result.Active {
		return nil, ErrInvalidToken
	}

	claims := jwt.MapClaims{}
	if result.Sub != "" {
		claims["sub"] = result.Sub
	}
	if result.Iss != "" {
		claims["iss"] = result.Iss
	}
	if result.Aud != "" {
		claims["aud"] = result.Aud
	}
	if result.Scope != "" {
		claims["scope"] = result.Scope
	}
	if result.ClientID != "" {
		claims["client_id"] = result.ClientID
	}
	if result.Jti != "" {
		claims["jti"] = result.Jti
	}
	if result.Exp != 0 {
		claims["exp"] = float64(result.Exp)
	}
	if result.Iat != 0 {
		claims["iat"] = float64(result.Iat)
	}

	if err := v.validateClaims(claims); err != nil {
		return nil, err
	}
	return claims, nil
}
