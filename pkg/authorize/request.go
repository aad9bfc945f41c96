// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authorize

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/golang-jwt/jwt/v5"

	"github.com/stacklok/passgate/pkg/protocol"
	"github.com/stacklok/passgate/pkg/storage"
)

// requestObjectTimeout bounds the single fetch of an https request_uri.
const requestObjectTimeout = 3 * time.Second

// requestObjectMaxSize caps a request object, inline or fetched.
const requestObjectMaxSize = 32 << 10

// resolveRequest merges the authorization parameters from their possible
// carriers, in precedence order: PAR request_uri, fetched request object,
// inline request object, then plain query parameters.
func (o *Orchestrator) resolveRequest(ctx context.Context, params url.Values) (*storage.AuthRequest, bool, error) {
	base := parseAuthRequest(params)

	if requestURI := params.Get("request_uri"); requestURI != "" {
		if strings.HasPrefix(requestURI, protocol.RequestURIPrefix) {
			req, err := o.redeemPAR(ctx, base.ClientID, requestURI)
			if err != nil {
				return nil, false, err
			}
			return req, true, nil
		}
		if strings.HasPrefix(requestURI, "https://") {
			raw, err := o.fetchRequestObject(ctx, requestURI)
			if err != nil {
				return nil, false, protocol.ErrInvalidRequestURI.WithDescription("request_uri could not be fetched")
			}
			req, err := o.verifyRequestObject(ctx, base, raw)
			return req, false, err
		}
		return nil, false, protocol.ErrInvalidRequestURI.WithDescription("unsupported request_uri scheme")
	}

	if raw := params.Get("request"); raw != "" {
		if len(raw) > requestObjectMaxSize {
			return nil, false, protocol.ErrInvalidRequestObject.WithDescription("request object too large")
		}
		req, err := o.verifyRequestObject(ctx, base, raw)
		return req, false, err
	}
	return base, false, nil
}

// redeemPAR consumes a pushed authorization request. The stored parameters
// replace everything on the query string except client_id, which must
// match.
func (o *Orchestrator) redeemPAR(ctx context.Context, clientID, requestURI string) (*storage.AuthRequest, error) {
	id := strings.TrimPrefix(requestURI, protocol.RequestURIPrefix)
	rec, err := o.stores.PAR.Consume(ctx, id)
	if err != nil {
		return nil, protocol.ErrInvalidRequestURI.WithDescription("request_uri is unknown, expired, or already used")
	}
	if clientID != "" && clientID != rec.ClientID {
		return nil, protocol.ErrInvalidRequest.WithDescription("client_id does not match the pushed request")
	}
	req := rec.Request
	return &req, nil
}

func (o *Orchestrator) fetchRequestObject(ctx context.Context, uri string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, requestObjectTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Accept", protocol.RequestObjectMediaType)
	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("request object fetch returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, requestObjectMaxSize))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// verifyRequestObject checks a request object's signature against the
// client's registered keys and merges its claims over the query parameters.
// Claims inside the object win; the query only fills what the object leaves
// unset.
func (o *Orchestrator) verifyRequestObject(ctx context.Context, base *storage.AuthRequest, raw string) (*storage.AuthRequest, error) {
	clientID := base.ClientID
	if clientID == "" {
		if sub, err := unverifiedClaim(raw, "client_id"); err == nil {
			clientID = sub
		}
	}
	client, err := o.registry.Client(clientID)
	if err != nil {
		return nil, protocol.ErrInvalidRequestObject.WithDescription("unknown client")
	}

	methods := []string{"RS256", "ES256", "PS256"}
	if client.RequestObjectAlg != "" {
		methods = []string{client.RequestObjectAlg}
	}
	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return o.clientKeys.Key(ctx, client, kid)
	},
		jwt.WithValidMethods(methods),
		jwt.WithTimeFunc(o.now),
	)
	if err != nil {
		return nil, protocol.ErrInvalidRequestObject.WithDescription("request object signature rejected")
	}
	if iss, _ := claims["client_id"].(string); iss != client.ClientID {
		return nil, protocol.ErrInvalidRequestObject.WithDescription("client_id mismatch")
	}

	obj := parseAuthRequest(claimsToValues(claims))
	if err := mergo.Merge(obj, base); err != nil {
		return nil, fmt.Errorf("merging request parameters: %w", err)
	}
	return obj, nil
}

// parseAuthRequest maps wire parameters onto the stored request shape.
func parseAuthRequest(v url.Values) *storage.AuthRequest {
	return &storage.AuthRequest{
		ClientID:            v.Get("client_id"),
		RedirectURI:         v.Get("redirect_uri"),
		ResponseType:        v.Get("response_type"),
		Scope:               splitSpace(v.Get("scope")),
		State:               v.Get("state"),
		Nonce:               v.Get("nonce"),
		CodeChallenge:       v.Get("code_challenge"),
		CodeChallengeMethod: v.Get("code_challenge_method"),
		Prompt:              splitSpace(v.Get("prompt")),
		MaxAge:              parseMaxAge(v.Get("max_age")),
		ACRValues:           splitSpace(v.Get("acr_values")),
		LoginHint:           v.Get("login_hint"),
	}
}

func claimsToValues(claims jwt.MapClaims) url.Values {
	v := url.Values{}
	for k, raw := range claims {
		switch val := raw.(type) {
		case string:
			v.Set(k, val)
		case float64:
			v.Set(k, fmt.Sprintf("%d", int64(val)))
		}
	}
	return v
}

func unverifiedClaim(raw, name string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return "", err
	}
	val, _ := claims[name].(string)
	return val, nil
}

func splitSpace(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}
