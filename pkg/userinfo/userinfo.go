// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package userinfo serves the OIDC userinfo endpoint: bearer-token
// verification, scope-filtered claims, and the signed or encrypted
// response shapes a client contract can request.
package userinfo

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stacklok/passgate/pkg/clientkeys"
	"github.com/stacklok/passgate/pkg/contracts"
	"github.com/stacklok/passgate/pkg/policy"
	"github.com/stacklok/passgate/pkg/protocol"
	"github.com/stacklok/passgate/pkg/token"
	"github.com/stacklok/passgate/pkg/users"
)

// Service answers userinfo requests.
type Service struct {
	registry   *contracts.Registry
	resolver   *policy.Resolver
	issuer     *token.Issuer
	users      *users.Service
	clientKeys *clientkeys.Resolver
}

// Config wires the service's collaborators. ClientKeys may be nil when no
// client requests encrypted responses.
type Config struct {
	Registry   *contracts.Registry
	Resolver   *policy.Resolver
	Issuer     *token.Issuer
	Users      *users.Service
	ClientKeys *clientkeys.Resolver
}

// New builds the service.
func New(cfg Config) *Service {
	return &Service{
		registry:   cfg.Registry,
		resolver:   cfg.Resolver,
		issuer:     cfg.Issuer,
		users:      cfg.Users,
		clientKeys: cfg.ClientKeys,
	}
}

// Response is one userinfo answer. Exactly one of Claims and JWT is set:
// plain JSON claims, or a signed (possibly encrypted) JWT when the client's
// contract asks for it.
type Response struct {
	Claims map[string]any
	// JWT is the application/jwt response body.
	JWT string
}

// UserInfo verifies the bearer token from the request and assembles the
// claims its scope grants access to (OIDC Core §5.3).
func (s *Service) UserInfo(ctx context.Context, r *http.Request) (*Response, error) {
	raw := bearerToken(r)
	if raw == "" {
		return nil, protocol.ErrInvalidToken.WithDescription("missing bearer token")
	}
	claims, err := s.issuer.Verify(raw, "")
	if err != nil {
		return nil, protocol.ErrInvalidToken.WithDescription("token rejected")
	}

	scope := scopeOf(claims)
	if !hasScope(scope, protocol.ScopeOpenID) {
		return nil, protocol.ErrInsufficientScope.WithDescription("token lacks the openid scope")
	}
	sub, _ := claims["sub"].(string)
	clientID, _ := claims["client_id"].(string)
	if sub == "" || sub == clientID {
		// Machine tokens have no user behind them.
		return nil, protocol.ErrInvalidToken.WithDescription("token has no user subject")
	}

	core, pii, err := s.users.Get(ctx, sub)
	if err != nil {
		return nil, protocol.ErrInvalidToken.WithDescription("subject is unknown")
	}

	out := map[string]any{"sub": core.ID}
	if pii != nil {
		if hasScope(scope, protocol.ScopeProfile) && pii.Name != "" {
			out["name"] = pii.Name
		}
		if hasScope(scope, protocol.ScopeEmail) {
			out["email"] = pii.Email
			out["email_verified"] = pii.EmailVerified
		}
	}

	client, err := s.registry.Client(clientID)
	if err != nil {
		// The client contract vanished since issuance; plain JSON still
		// honors the token.
		return &Response{Claims: out}, nil
	}
	pol, err := s.policyFor(client)
	if err != nil {
		return &Response{Claims: out}, nil
	}
	if !pol.UserinfoSigned && pol.UserinfoEncryption == nil {
		return &Response{Claims: out}, nil
	}

	signed, err := s.issuer.UserinfoToken(pol, clientID, out)
	if err != nil {
		return nil, err
	}
	if pol.UserinfoEncryption != nil && s.clientKeys != nil {
		recipient, err := s.clientKeys.EncryptionKey(ctx, client)
		if err != nil {
			return nil, err
		}
		signed, err = token.Encrypt(signed, pol.UserinfoEncryption, recipient)
		if err != nil {
			return nil, err
		}
	}
	return &Response{JWT: signed}, nil
}

func (s *Service) policyFor(client *contracts.ClientContract) (*policy.ResolvedPolicy, error) {
	tenant, err := s.registry.Tenant(client.TenantID)
	if err != nil {
		return nil, err
	}
	return s.resolver.Resolve(tenant, client)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	// RFC 6750 §2.2 allows the form-encoded carrier on POST.
	if r.Method == http.MethodPost {
		_ = r.ParseForm()
		return r.PostFormValue("access_token")
	}
	return ""
}

func scopeOf(claims jwt.MapClaims) []string {
	raw, _ := claims["scope"].(string)
	return strings.Fields(raw)
}

func hasScope(scope []string, want string) bool {
	for _, s := range scope {
		if s == want {
			return true
		}
	}
	return false
}
