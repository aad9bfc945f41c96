// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authtoken validates passgate-issued access tokens from the
// resource server's side of the fence. JWT access tokens verify against
// the issuer's published JWKS with automatic refresh; opaque tokens
// (refresh tokens presented by confused callers, or deployments fronted
// by a token exchange) fall back to RFC 7662 introspection.
package authtoken

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/stacklok/passgate/pkg/networking"
)

// Validation errors.
var (
	ErrNoToken         = errors.New("no token provided")
	ErrInvalidToken    = errors.New("invalid token")
	ErrTokenExpired    = errors.New("token expired")
	ErrInvalidIssuer   = errors.New("unexpected issuer")
	ErrInvalidAudience = errors.New("unexpected audience")
	ErrMissingJWKSURL  = errors.New("either issuer or JWKS URL must be provided")
)

// Config tells the validator where the issuer lives and what to demand
// of its tokens.
type Config struct {
	// Issuer is the passgate issuer URL. When JWKSURL is empty the JWKS
	// location is discovered from the issuer's metadata document.
	Issuer string

	// Audience, when set, must appear in the token's aud claim.
	Audience string

	// JWKSURL overrides metadata discovery.
	JWKSURL string

	// IntrospectionURL enables the opaque-token fallback. ClientID and
	// ClientSecret authenticate the introspection calls.
	IntrospectionURL string
	ClientID         string
	ClientSecret     string

	// AllowPrivateIP permits issuers on private addresses, for tests and
	// development.
	AllowPrivateIP bool

	// HTTPClient overrides the default locked-down client.
	HTTPClient *http.Client
}

// Validator checks access tokens against one issuer.
type Validator struct {
	issuer        string
	audience      string
	jwksURL       string
	introspectURL string
	clientID      string
	clientSecret  string
	client        *http.Client
	cache         *jwk.Cache

	registerOnce sync.Once
	registerErr  error
}

// NewValidator builds a validator, discovering the JWKS location from
// the issuer's metadata when it was not given explicitly.
func NewValidator(ctx context.Context, cfg Config) (*Validator, error) {
	client := cfg.HTTPClient
	if client == nil {
		var err error
		client, err = networking.NewClientBuilder().
			WithPrivateIPs(cfg.AllowPrivateIP).
			Build()
		if err != nil {
			return nil, fmt.Errorf("building HTTP client: %w", err)
		}
	}

	jwksURL := cfg.JWKSURL
	if jwksURL == "" && cfg.Issuer != "" {
		discovered, err := discoverJWKSURL(ctx, client, cfg.Issuer)
		if err != nil {
			return nil, err
		}
		jwksURL = discovered
	}
	if jwksURL == "" {
		return nil, ErrMissingJWKSURL
	}

	cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(client)))
	if err != nil {
		return nil, fmt.Errorf("creating JWKS cache: %w", err)
	}

	return &Validator{
		issuer:        cfg.Issuer,
		audience:      cfg.Audience,
		jwksURL:       jwksURL,
		introspectURL: cfg.IntrospectionURL,
		clientID:      cfg.ClientID,
		clientSecret:  cfg.ClientSecret,
		client:        client,
		cache:         cache,
	}, nil
}

// JWKSURL returns the JWKS location in use.
func (v *Validator) JWKSURL() string {
	return v.jwksURL
}

func discoverJWKSURL(ctx context.Context, client *http.Client, issuer string) (string, error) {
	metadataURL := strings.TrimRight(issuer, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching issuer metadata: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("issuer metadata returned status %d", resp.StatusCode)
	}

	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("decoding issuer metadata: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", ErrMissingJWKSURL
	}
	return doc.JWKSURI, nil
}

func (v *Validator) ensureRegistered(ctx context.Context) error {
	v.registerOnce.Do(func() {
		registerCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		v.registerErr = v.cache.Register(registerCtx, v.jwksURL)
	})
	return v.registerErr
}

func (v *Validator) keyFor(ctx context.Context, token *jwt.Token) (any, error) {
	if err := v.ensureRegistered(ctx); err != nil {
		return nil, fmt.Errorf("registering JWKS URL: %w", err)
	}

	switch token.Method.(type) {
	case *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA:
	default:
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, errors.New("token header missing kid")
	}

	keySet, err := v.cache.Lookup(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("looking up JWKS: %w", err)
	}
	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key %s not found in JWKS", kid)
	}

	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("exporting key: %w", err)
	}
	return raw, nil
}

func (v *Validator) validateClaims(claims jwt.MapClaims) error {
	if v.issuer != "" {
		iss, err := claims.GetIssuer()
		if err != nil || iss != v.issuer {
			return ErrInvalidIssuer
		}
	}

	if v.audience != "" {
		audiences, err := claims.GetAudience()
		if err != nil {
			return ErrInvalidAudience
		}
		found := false
		for _, aud := range audiences {
			if aud == v.audience {
				found = true
				break
			}
		}
		if !found {
			return ErrInvalidAudience
		}
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil || exp.Before(time.Now()) {
		return ErrTokenExpired
	}
	return nil
}

// ValidateToken checks one access token and returns its claims. JWTs
// verify locally against the JWKS; anything that does not parse as a JWT
// goes through introspection when an endpoint is configured.
func (v *Validator) ValidateToken(ctx context.Context, raw string) (jwt.MapClaims, error) {
	if raw == "" {
		return nil, ErrNoToken
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return v.keyFor(ctx, t)
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return v.introspect(ctx, raw)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	if err := v.validateClaims(claims); err != nil {
		return nil, err
	}
	return claims, nil
}
