// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authorize

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/stacklok/passgate/pkg/contracts"
	"github.com/stacklok/passgate/pkg/protocol"
	"github.com/stacklok/passgate/pkg/storage"
)

// ClientAssertionType is the only accepted client_assertion_type.
const ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// assertionMaxLifetime bounds how far out a private_key_jwt exp may sit.
const assertionMaxLifetime = 10 * time.Minute

// AuthenticateClient resolves and authenticates the client behind a token
// endpoint request, enforcing the contract's registered method. Public
// clients authenticate as "none"; their proof is the PKCE verifier checked
// at the grant.
func (o *Orchestrator) AuthenticateClient(ctx context.Context, r *http.Request) (*contracts.ClientContract, error) {
	clientID, secret, fromBasic := basicCredentials(r)
	if clientID == "" {
		clientID = r.PostFormValue("client_id")
	}
	if assertion := r.PostFormValue("client_assertion"); assertion != "" && clientID == "" {
		// private_key_jwt may omit client_id; pull it from the assertion's
		// subject without trusting anything else yet.
		if sub, err := unverifiedSubject(assertion); err == nil {
			clientID = sub
		}
	}
	if clientID == "" {
		return nil, protocol.ErrInvalidClient.WithDescription("client_id is required")
	}

	client, err := o.registry.Client(clientID)
	if err != nil {
		return nil, protocol.ErrInvalidClient.WithDescription("unknown client")
	}

	switch client.AuthMethod {
	case protocol.AuthMethodSecretBasic:
		if !fromBasic {
			return nil, protocol.ErrInvalidClient.WithDescription("client must use HTTP basic authentication")
		}
		return client, o.checkSecret(client, secret)

	case protocol.AuthMethodSecretPost:
		if fromBasic {
			return nil, protocol.ErrInvalidClient.WithDescription("client must send credentials in the body")
		}
		return client, o.checkSecret(client, r.PostFormValue("client_secret"))

	case protocol.AuthMethodPrivateKeyJWT:
		if r.PostFormValue("client_assertion_type") != ClientAssertionType {
			return nil, protocol.ErrInvalidClient.WithDescription("unsupported client_assertion_type")
		}
		return client, o.checkAssertion(ctx, client, r.PostFormValue("client_assertion"))

	case protocol.AuthMethodTLSClientAuth:
		return client, o.checkTLS(client, r)

	case protocol.AuthMethodNone:
		if !client.Public() {
			return nil, protocol.ErrInvalidClient.WithDescription("confidential clients must authenticate")
		}
		if secret != "" || r.PostFormValue("client_secret") != "" {
			return nil, protocol.ErrInvalidClient.WithDescription("public clients have no secret")
		}
		return client, nil

	default:
		return nil, protocol.ErrInvalidClient.WithDescription("unsupported authentication method")
	}
}

func basicCredentials(r *http.Request) (id, secret string, ok bool) {
	rawID, rawSecret, ok := r.BasicAuth()
	if !ok {
		return "", "", false
	}
	// RFC 6749 §2.3.1: both parts are form-url-encoded inside basic auth.
	id, err := url.QueryUnescape(rawID)
	if err != nil {
		return "", "", false
	}
	secret, err = url.QueryUnescape(rawSecret)
	if err != nil {
		return "", "", false
	}
	return id, secret, true
}

func (o *Orchestrator) checkSecret(client *contracts.ClientContract, secret string) error {
	if client.SecretHash == "" || secret == "" {
		return protocol.ErrInvalidClient.WithDescription("client authentication failed")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(secret)); err != nil {
		return protocol.ErrInvalidClient.WithDescription("client authentication failed")
	}
	return nil
}

// checkAssertion verifies a private_key_jwt assertion: signature against the
// client's registered JWKS, audience, lifetime, and single-use jti.
func (o *Orchestrator) checkAssertion(ctx context.Context, client *contracts.ClientContract, assertion string) error {
	if assertion == "" {
		return protocol.ErrInvalidClient.WithDescription("client_assertion is required")
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(assertion, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return o.clientKeys.Key(ctx, client, kid)
	},
		jwt.WithValidMethods([]string{"RS256", "ES256", "PS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(o.now),
		jwt.WithAudience(o.issuerURL),
	)
	if err != nil {
		return protocol.ErrInvalidClient.WithDescription("client assertion rejected")
	}

	iss, _ := claims["iss"].(string)
	sub, _ := claims["sub"].(string)
	if iss != client.ClientID || sub != client.ClientID {
		return protocol.ErrInvalidClient.WithDescription("assertion issuer mismatch")
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil || exp.Time.After(o.now().Add(assertionMaxLifetime)) {
		return protocol.ErrInvalidClient.WithDescription("assertion lifetime too long")
	}
	jti, _ := claims["jti"].(string)
	if jti == "" {
		return protocol.ErrInvalidClient.WithDescription("assertion jti is required")
	}

	// Create-only put doubles as the replay check.
	err = o.stores.JTIs.Put(ctx, client.ClientID+":"+jti, &storage.JTIRecord{
		ClientID: client.ClientID,
		SeenAt:   o.now().UnixMilli(),
	}, storage.JTIReplayWindow)
	if errors.Is(err, storage.ErrAlreadyExists) {
		return protocol.ErrInvalidClient.WithDescription("assertion replayed")
	}
	return err
}

// checkTLS matches the presented client certificate against the client id.
// The listener must request client certificates for this method to work.
func (o *Orchestrator) checkTLS(client *contracts.ClientContract, r *http.Request) error {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return protocol.ErrInvalidClient.WithDescription("client certificate required")
	}
	cn := r.TLS.PeerCertificates[0].Subject.CommonName
	if subtle.ConstantTimeCompare([]byte(cn), []byte(client.ClientID)) != 1 {
		return protocol.ErrInvalidClient.WithDescription("certificate subject mismatch")
	}
	return nil
}

// unverifiedSubject peeks at an assertion's sub claim before verification,
// only to locate the client record. Nothing else is trusted from this parse.
func unverifiedSubject(assertion string) (string, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(assertion, claims); err != nil {
		return "", err
	}
	sub, _ := claims["sub"].(string)
	return sub, nil
}
