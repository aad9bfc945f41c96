// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package token mints and verifies the issuer's tokens. Access and ID
// tokens are signed JWTs so resource servers can validate them offline;
// authorization codes, refresh tokens, and device codes are opaque HMAC
// tokens because only this process ever validates them.
package token

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/stacklok/passgate/pkg/keys"
	"github.com/stacklok/passgate/pkg/policy"
)

// Verification leeway for tokens we issued ourselves.
const verifyLeeway = 30 * time.Second

// ErrTokenInvalid wraps every verification failure.
var ErrTokenInvalid = errors.New("token invalid")

// Issuer signs and verifies JWTs under the active signing key.
type Issuer struct {
	issuer string
	keys   *keys.Manager
	now    func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// NewIssuer builds an Issuer for one issuer URL.
func NewIssuer(issuerURL string, km *keys.Manager, opts ...Option) *Issuer {
	i := &Issuer{issuer: issuerURL, keys: km, now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// URL returns the issuer identifier stamped into every token.
func (i *Issuer) URL() string {
	return i.issuer
}

// AccessTokenInput carries everything an access token states about its
// subject. Subject is empty for client_credentials tokens.
type AccessTokenInput struct {
	Subject  string
	ClientID string
	TenantID string
	Scope    []string
	AuthTime int64
	ACR      string
	AMR      []string
}

// IDTokenInput carries the ID token claims. AccessToken and Code feed the
// at_hash and c_hash claims when present.
type IDTokenInput struct {
	Subject     string
	ClientID    string
	Nonce       string
	SessionID   string
	AuthTime    int64
	ACR         string
	AMR         []string
	AccessToken string
	Code        string
	Extra       map[string]any // profile claims for scopes like email
}

// AccessToken mints a signed access token and returns it with its jti.
func (i *Issuer) AccessToken(pol *policy.ResolvedPolicy, in AccessTokenInput) (string, string, error) {
	now := i.now()
	jti := uuid.NewString()
	claims := jwt.MapClaims{
		"iss":       i.issuer,
		"aud":       in.ClientID,
		"iat":       now.Unix(),
		"nbf":       now.Unix(),
		"exp":       now.Add(pol.AccessTokenTTL).Unix(),
		"jti":       jti,
		"client_id": in.ClientID,
		"scope":     joinScope(in.Scope),
	}
	if in.Subject != "" {
		claims["sub"] = in.Subject
	} else {
		claims["sub"] = in.ClientID
	}
	if in.TenantID != "" {
		claims["tenant_id"] = in.TenantID
	}
	if in.AuthTime > 0 {
		claims["auth_time"] = in.AuthTime
	}
	if in.ACR != "" {
		claims["acr"] = in.ACR
	}
	if len(in.AMR) > 0 {
		claims["amr"] = in.AMR
	}

	signed, err := i.sign(pol, claims)
	return signed, jti, err
}

// IDToken mints a signed ID token.
func (i *Issuer) IDToken(pol *policy.ResolvedPolicy, in IDTokenInput) (string, error) {
	now := i.now()
	claims := jwt.MapClaims{
		"iss": i.issuer,
		"sub": in.Subject,
		"aud": in.ClientID,
		"azp": in.ClientID,
		"iat": now.Unix(),
		"exp": now.Add(pol.IDTokenTTL).Unix(),
	}
	if in.Nonce != "" {
		claims["nonce"] = in.Nonce
	}
	if in.SessionID != "" {
		claims["sid"] = in.SessionID
	}
	if in.AuthTime > 0 {
		claims["auth_time"] = in.AuthTime
	}
	if in.ACR != "" {
		claims["acr"] = in.ACR
	}
	if len(in.AMR) > 0 {
		claims["amr"] = in.AMR
	}
	if in.AccessToken != "" {
		claims["at_hash"] = LeftmostHash(in.AccessToken)
	}
	if in.Code != "" {
		claims["c_hash"] = LeftmostHash(in.Code)
	}
	for k, v := range in.Extra {
		claims[k] = v
	}
	return i.sign(pol, claims)
}

// LogoutToken mints a back-channel logout token (OIDC Back-Channel Logout
// 1.0 §2.4): no nonce, an events claim, and a short lifetime.
func (i *Issuer) LogoutToken(pol *policy.ResolvedPolicy, clientID, subject, sessionID string) (string, error) {
	now := i.now()
	claims := jwt.MapClaims{
		"iss": i.issuer,
		"aud": clientID,
		"iat": now.Unix(),
		"exp": now.Add(2 * time.Minute).Unix(),
		"jti": uuid.NewString(),
		"events": map[string]any{
			"http://schemas.openid.net/event/backchannel-logout": map[string]any{},
		},
	}
	if subject != "" {
		claims["sub"] = subject
	}
	if sessionID != "" {
		claims["sid"] = sessionID
	}
	return i.sign(pol, claims)
}

// UserinfoToken mints a signed userinfo response (OIDC Core §5.3.2) for
// clients whose contract requests application/jwt delivery.
func (i *Issuer) UserinfoToken(pol *policy.ResolvedPolicy, clientID string, userClaims map[string]any) (string, error) {
	now := i.now()
	claims := jwt.MapClaims{
		"iss": i.issuer,
		"aud": clientID,
		"iat": now.Unix(),
		"exp": now.Add(pol.IDTokenTTL).Unix(),
	}
	for k, v := range userClaims {
		claims[k] = v
	}
	return i.sign(pol, claims)
}

func (i *Issuer) sign(pol *policy.ResolvedPolicy, claims jwt.Claims) (string, error) {
	alg := pol.SigningAlg
	if alg == "" {
		alg = keys.AlgRS256
	}
	key, err := i.keys.ActiveFor(alg)
	if err != nil {
		return "", err
	}
	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return "", fmt.Errorf("%w: %s", keys.ErrUnknownAlgorithm, alg)
	}
	tok := jwt.NewWithClaims(method, claims)
	tok.Header["kid"] = key.KID
	signed, err := tok.SignedString(key.Signer)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token we issued. audience is optional; when
// set the aud claim must contain it.
func (i *Issuer) Verify(tokenString, audience string) (jwt.MapClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{keys.AlgRS256, keys.AlgES256}),
		jwt.WithIssuer(i.issuer),
		jwt.WithLeeway(verifyLeeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.NewParser(opts...).ParseWithClaims(tokenString, claims, i.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	return claims, nil
}

func (i *Issuer) keyfunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("token has no kid header")
	}
	key, err := i.keys.ByKID(kid)
	if err != nil {
		return nil, err
	}
	return key.Public(), nil
}

// LeftmostHash computes the at_hash/c_hash value: the left half of the
// SHA-256 digest, base64url-encoded without padding (OIDC Core §3.1.3.6).
func LeftmostHash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}

func joinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}
