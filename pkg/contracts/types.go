// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package contracts defines tenant and client contracts and the registry
// that serves them. A TenantContract is the maximal policy envelope for a
// tenant; a ClientContract must stay inside that envelope. Contracts are
// immutable values; every admin mutation produces a new version and the
// registry swaps whole snapshots atomically.
package contracts

import (
	"time"
)

// Seconds is a duration carried as integer seconds in contract files.
type Seconds int64

// Duration converts the contract value to a time.Duration.
func (s Seconds) Duration() time.Duration {
	return time.Duration(s) * time.Second
}

// Client types.
const (
	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"
)

// Authentication methods a tenant may permit.
const (
	MethodPasskey     = "passkey"
	MethodEmailCode   = "email_code"
	MethodExternalIdP = "external_idp"
	MethodDID         = "did"
)

// Consent modes.
const (
	ConsentExplicit = "explicit"
	ConsentAuto     = "auto"
)

// OAuthPolicy bounds the protocol surface a tenant or client may use.
type OAuthPolicy struct {
	ResponseTypes []string `json:"response_types"`
	GrantTypes    []string `json:"grant_types"`
	RequirePAR    bool     `json:"require_par,omitempty"`
}

// SessionPolicy bounds browser-session lifetimes.
type SessionPolicy struct {
	AbsoluteTTL Seconds `json:"absolute_ttl_seconds"`
	IdleTTL     Seconds `json:"idle_ttl_seconds"`
}

// SecurityPolicy names the hard requirements a flow must satisfy. Booleans
// union across tenant and client; Tier takes the maximum.
type SecurityPolicy struct {
	Tier               int  `json:"tier"`
	RequireMFA         bool `json:"require_mfa,omitempty"`
	RequirePKCE        bool `json:"require_pkce,omitempty"`
	RedirectExactMatch bool `json:"redirect_exact_match,omitempty"`
}

// TokenPolicy bounds token lifetimes. Zero values fall back to the resolver
// defaults (access/id 1h, refresh 30d).
type TokenPolicy struct {
	AccessTTL  Seconds `json:"access_ttl_seconds,omitempty"`
	IDTTL      Seconds `json:"id_ttl_seconds,omitempty"`
	RefreshTTL Seconds `json:"refresh_ttl_seconds,omitempty"`
}

// CIBAPolicy governs backchannel authentication.
type CIBAPolicy struct {
	Enabled         bool    `json:"enabled"`
	RequestTTL      Seconds `json:"request_ttl_seconds,omitempty"`
	PollInterval    Seconds `json:"poll_interval_seconds,omitempty"`
	UserCodeSupport bool    `json:"user_code_support,omitempty"`
}

// DeviceFlowPolicy governs the RFC 8628 grant.
type DeviceFlowPolicy struct {
	Enabled      bool    `json:"enabled"`
	CodeTTL      Seconds `json:"code_ttl_seconds,omitempty"`
	PollInterval Seconds `json:"poll_interval_seconds,omitempty"`
}

// ConsentPolicy governs consent gating.
type ConsentPolicy struct {
	Mode     string `json:"mode"`
	Remember bool   `json:"remember,omitempty"`
}

// RatePolicy is one fixed-window rate limit.
type RatePolicy struct {
	Window Seconds `json:"window_seconds"`
	Max    int64   `json:"max"`
}

// RateLimitProfile maps endpoint names (send-email, code-verify,
// passkey-auth, token, par, bc-authorize) to their windows. Missing entries
// fall back to the limiter defaults.
type RateLimitProfile map[string]RatePolicy

// TenantLimits caps live records per tenant; hitting a cap yields
// resource_exhausted at insert time.
type TenantLimits struct {
	MaxActiveChallenges   int64 `json:"max_active_challenges,omitempty"`
	MaxActiveSessions     int64 `json:"max_active_sessions,omitempty"`
	MaxActiveCIBARequests int64 `json:"max_active_ciba_requests,omitempty"`
}

// UpstreamProvider is a tenant-registered external OIDC IdP used by the
// external_idp authentication method.
type UpstreamProvider struct {
	Name          string   `json:"name"`
	Issuer        string   `json:"issuer"`
	ClientID      string   `json:"client_id"`
	ClientSecret  string   `json:"client_secret,omitempty"`
	Scopes        []string `json:"scopes,omitempty"`
	AutoProvision bool     `json:"auto_provision,omitempty"`
}

// FeatureToggle marks a named-but-deferred subsystem in a contract.
type FeatureToggle struct {
	Enabled bool `json:"enabled"`
}

// TenantContract is the maximal policy envelope for a tenant. A higher
// version may tighten the envelope but never loosen it; the resolver rejects
// clients referencing a stale version.
type TenantContract struct {
	TenantID string `json:"tenant_id"`
	Version  int64  `json:"version"`
	Issuer   string `json:"issuer"`

	AuthMethods    []string `json:"auth_methods"`
	AllowedScopes  []string `json:"allowed_scopes"`
	SigningAlgs    []string `json:"signing_algs"`
	EncryptionAlgs []string `json:"encryption_algs,omitempty"`

	OAuth      OAuthPolicy        `json:"oauth"`
	Session    SessionPolicy      `json:"session"`
	Security   SecurityPolicy     `json:"security"`
	CIBA       CIBAPolicy         `json:"ciba"`
	DeviceFlow DeviceFlowPolicy   `json:"device_flow"`
	Consent    ConsentPolicy      `json:"consent"`
	Tokens     TokenPolicy        `json:"tokens"`
	RateLimit  RateLimitProfile   `json:"rate_limit,omitempty"`
	Limits     TenantLimits       `json:"limits,omitempty"`
	Federation []UpstreamProvider `json:"federation,omitempty"`
	SCIM       FeatureToggle      `json:"scim,omitempty"`
	Credential FeatureToggle      `json:"credentials,omitempty"`
}

// EncryptionSpec selects JWE algorithms for a delivery surface.
type EncryptionSpec struct {
	Alg string `json:"alg"`
	Enc string `json:"enc"`
}

// ClientContract names one relying party and its selections from the tenant
// envelope. Every field must be equal to or more restrictive than the
// referenced TenantContract version.
type ClientContract struct {
	ClientID              string `json:"client_id"`
	TenantID              string `json:"tenant_id"`
	Version               int64  `json:"version"`
	TenantContractVersion int64  `json:"tenant_contract_version"`

	Name         string   `json:"name"`
	Type         string   `json:"type"`
	RedirectURIs []string `json:"redirect_uris"`

	AuthMethod string `json:"auth_method"`
	// SecretHash is the bcrypt hash of the client secret for
	// client_secret_basic / client_secret_post clients.
	SecretHash string `json:"secret_hash,omitempty"`
	// JWKS or JWKSURI supply keys for private_key_jwt, request-object
	// signatures, and response encryption. JWKS is an inline RFC 7517 set.
	JWKS    string `json:"jwks,omitempty"`
	JWKSURI string `json:"jwks_uri,omitempty"`

	Scopes     []string `json:"scopes"`
	GrantTypes []string `json:"grant_types"`

	IDTokenSigningAlg      string          `json:"id_token_signing_alg,omitempty"`
	IDTokenEncryption      *EncryptionSpec `json:"id_token_encryption,omitempty"`
	UserinfoSignedResponse bool            `json:"userinfo_signed_response,omitempty"`
	UserinfoEncryption     *EncryptionSpec `json:"userinfo_encryption,omitempty"`
	RequestObjectAlg       string          `json:"request_object_alg,omitempty"`

	AuthMethods []string       `json:"auth_methods,omitempty"`
	Security    SecurityPolicy `json:"security,omitempty"`
	Consent     ConsentPolicy  `json:"consent,omitempty"`
	Tokens      TokenPolicy    `json:"tokens,omitempty"`
	Session     SessionPolicy  `json:"session,omitempty"`
	CIBA        CIBAPolicy     `json:"ciba,omitempty"`
	DeviceFlow  DeviceFlowPolicy `json:"device_flow,omitempty"`

	CIBADeliveryMode         string `json:"ciba_delivery_mode,omitempty"`
	CIBANotificationEndpoint string `json:"ciba_notification_endpoint,omitempty"`

	FrontchannelLogoutURI  string   `json:"frontchannel_logout_uri,omitempty"`
	BackchannelLogoutURI   string   `json:"backchannel_logout_uri,omitempty"`
	PostLogoutRedirectURIs []string `json:"post_logout_redirect_uris,omitempty"`

	RequirePAR bool `json:"require_par,omitempty"`
}

// Public reports whether the client is a public client, which forces PKCE
// and forbids secret-based authentication.
func (c *ClientContract) Public() bool {
	return c.Type == ClientTypePublic
}

// HasRedirectURI reports whether uri exactly matches a registered redirect
// URI. Matching is byte-exact; no prefix or wildcard semantics.
func (c *ClientContract) HasRedirectURI(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// HasGrantType reports whether the client may use the given grant type.
func (c *ClientContract) HasGrantType(grant string) bool {
	for _, g := range c.GrantTypes {
		if g == grant {
			return true
		}
	}
	return false
}

// HasScope reports whether a single scope value is registered for the client.
func (c *ClientContract) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
