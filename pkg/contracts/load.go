// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package contracts

import (
	"embed"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	tenantSchema *gojsonschema.Schema
	clientSchema *gojsonschema.Schema
)

func init() {
	tenantSchema = mustCompileSchema("schemas/tenant.schema.json")
	clientSchema = mustCompileSchema("schemas/client.schema.json")
}

func mustCompileSchema(path string) *gojsonschema.Schema {
	raw, err := schemaFS.ReadFile(path)
	if err != nil {
		panic(fmt.Sprintf("embedded schema %s missing: %v", path, err))
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		panic(fmt.Sprintf("embedded schema %s invalid: %v", path, err))
	}
	return schema
}

func validateDocument(schema *gojsonschema.Schema, raw []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("parsing contract document: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return fmt.Errorf("%w: %s", ErrInvalidContract, strings.Join(msgs, "; "))
}

// ParseTenant validates raw JSON against the tenant schema and decodes it.
func ParseTenant(raw []byte) (*TenantContract, error) {
	if err := validateDocument(tenantSchema, raw); err != nil {
		return nil, err
	}
	var t TenantContract
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decoding tenant contract: %w", err)
	}
	return &t, nil
}

// ParseClient validates raw JSON against the client schema and decodes it.
func ParseClient(raw []byte) (*ClientContract, error) {
	if err := validateDocument(clientSchema, raw); err != nil {
		return nil, err
	}
	var c ClientContract
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decoding client contract: %w", err)
	}
	return &c, nil
}

// ValidateEnvelope checks that a client contract stays inside its tenant's
// envelope. The same checks run at load time and again whenever an admin
// upserts a single contract.
func ValidateEnvelope(client *ClientContract, tenant *TenantContract) error {
	if client.TenantID != tenant.TenantID {
		return fmt.Errorf("%w: client %s references tenant %s, contract is for %s",
			ErrInvalidContract, client.ClientID, client.TenantID, tenant.TenantID)
	}

	if err := validateSubset("scopes", client.Scopes, tenant.AllowedScopes); err != nil {
		return err
	}
	if err := validateSubset("grant_types", client.GrantTypes, tenant.OAuth.GrantTypes); err != nil {
		return err
	}
	if len(client.AuthMethods) > 0 {
		if err := validateSubset("auth_methods", client.AuthMethods, tenant.AuthMethods); err != nil {
			return err
		}
	}
	if client.IDTokenSigningAlg != "" && !contains(tenant.SigningAlgs, client.IDTokenSigningAlg) {
		return fmt.Errorf("%w: id_token_signing_alg %s not in tenant envelope",
			ErrInvalidContract, client.IDTokenSigningAlg)
	}
	if client.IDTokenEncryption != nil && len(tenant.EncryptionAlgs) > 0 &&
		!contains(tenant.EncryptionAlgs, client.IDTokenEncryption.Alg) {
		return fmt.Errorf("%w: id_token_encryption alg %s not in tenant envelope",
			ErrInvalidContract, client.IDTokenEncryption.Alg)
	}

	if err := validateTTLCeiling("access_ttl", client.Tokens.AccessTTL, tenant.Tokens.AccessTTL); err != nil {
		return err
	}
	if err := validateTTLCeiling("id_ttl", client.Tokens.IDTTL, tenant.Tokens.IDTTL); err != nil {
		return err
	}
	if err := validateTTLCeiling("refresh_ttl", client.Tokens.RefreshTTL, tenant.Tokens.RefreshTTL); err != nil {
		return err
	}
	if err := validateTTLCeiling("session_absolute_ttl", client.Session.AbsoluteTTL, tenant.Session.AbsoluteTTL); err != nil {
		return err
	}
	if err := validateTTLCeiling("session_idle_ttl", client.Session.IdleTTL, tenant.Session.IdleTTL); err != nil {
		return err
	}

	if err := validateAuthMethodMaterial(client); err != nil {
		return err
	}

	for _, uri := range client.RedirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			return err
		}
	}

	return nil
}

func validateSubset(field string, values, envelope []string) error {
	for _, v := range values {
		if !contains(envelope, v) {
			return fmt.Errorf("%w: %s value %q not permitted by tenant", ErrInvalidContract, field, v)
		}
	}
	return nil
}

func validateTTLCeiling(field string, client, tenant Seconds) error {
	if client > 0 && tenant > 0 && client > tenant {
		return fmt.Errorf("%w: %s %ds exceeds tenant ceiling %ds", ErrInvalidContract, field, client, tenant)
	}
	return nil
}

func validateAuthMethodMaterial(client *ClientContract) error {
	switch client.AuthMethod {
	case "none":
		if !client.Public() {
			return fmt.Errorf("%w: confidential client %s cannot use auth method none",
				ErrInvalidContract, client.ClientID)
		}
	case "client_secret_basic", "client_secret_post":
		if client.Public() {
			return fmt.Errorf("%w: public client %s cannot hold a secret", ErrInvalidContract, client.ClientID)
		}
		if client.SecretHash == "" {
			return fmt.Errorf("%w: client %s uses %s but has no secret_hash",
				ErrInvalidContract, client.ClientID, client.AuthMethod)
		}
	case "private_key_jwt":
		if client.JWKS == "" && client.JWKSURI == "" {
			return fmt.Errorf("%w: client %s uses private_key_jwt but registers no JWKS",
				ErrInvalidContract, client.ClientID)
		}
	case "tls_client_auth":
		// Declared in contracts but not deployed; authentication rejects it.
	default:
		return fmt.Errorf("%w: unknown auth method %q", ErrInvalidContract, client.AuthMethod)
	}
	return nil
}

// validateRedirectURI enforces absolute https URIs, with plain http allowed
// only for loopback redirects (native apps, RFC 8252 §7.3).
func validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return fmt.Errorf("%w: redirect URI %q is not absolute", ErrInvalidContract, raw)
	}
	if u.Fragment != "" {
		return fmt.Errorf("%w: redirect URI %q carries a fragment", ErrInvalidContract, raw)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		host := u.Hostname()
		if host == "localhost" || host == "127.0.0.1" || host == "::1" {
			return nil
		}
		return fmt.Errorf("%w: http redirect URI %q is not loopback", ErrInvalidContract, raw)
	default:
		// Private-use schemes for native apps are accepted as-is.
		return nil
	}
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
