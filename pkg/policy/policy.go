// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package policy composes a tenant contract with a client contract into the
// immutable ResolvedPolicy that gates one flow. Resolution happens exactly
// once per challenge; the result is pinned inside the challenge record and
// no later component re-reads the contracts for that flow.
package policy

import (
	"time"

	"github.com/stacklok/passgate/pkg/contracts"
)

// Flow node names. The resolver computes the palette of nodes a flow may
// visit; the flow engine refuses to enter any node outside the palette.
const (
	NodeValidating      = "validating"
	NodeCheckingSession = "checkingSession"
	NodeNeedsLogin      = "needsLogin"
	NodeNeedsReauth     = "needsReauth"
	NodeCheckingConsent = "checkingConsent"
	NodeNeedsConsent    = "needsConsent"
	NodeIssuingCode     = "issuingCode"
	NodeComplete        = "complete"
	NodeError           = "error"

	NodeIdentifyingUser = "identifyingUser"
	NodeSelectingMethod = "selectingMethod"
	NodePasskey         = "passkey"
	NodeEmailCode       = "emailCode"
	NodeExternalIdP     = "externalIdp"
	NodeDID             = "did"
	NodeAuthenticated   = "authenticated"

	NodeConsentReview = "consentReview"
	NodeConsentDone   = "consentDone"

	NodeLogoutConfirm   = "logoutConfirm"
	NodeLogoutFanout    = "logoutFanout"
	NodeLogoutComplete  = "logoutComplete"

	NodeDeviceCodeEntry = "deviceCodeEntry"
	NodeDeviceApproval  = "deviceApproval"
	NodeDeviceDone      = "deviceDone"

	NodeCIBAApproval = "cibaApproval"
	NodeCIBADone     = "cibaDone"
)

// Default lifetimes applied when neither contract sets a bound.
const (
	DefaultAccessTokenTTL  = time.Hour
	DefaultIDTokenTTL      = time.Hour
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
	DefaultSessionTTL      = 24 * time.Hour
	DefaultSessionIdleTTL  = time.Hour
	DefaultCIBARequestTTL  = 5 * time.Minute
	DefaultCIBAInterval    = 5 * time.Second
	DefaultDeviceCodeTTL   = 10 * time.Minute
	DefaultDeviceInterval  = 5 * time.Second
)

// AsyncPolicy is the effective CIBA or device-grant posture.
type AsyncPolicy struct {
	Enabled      bool          `json:"enabled"`
	RequestTTL   time.Duration `json:"request_ttl"`
	PollInterval time.Duration `json:"poll_interval"`
	UserCode     bool          `json:"user_code"`
}

// ResolvedPolicy is the effective policy for one flow. It is immutable: the
// resolver returns a fresh value and everything that needs it later reads
// the pinned copy from the challenge record.
type ResolvedPolicy struct {
	ResolutionID  string    `json:"resolution_id"`
	ResolvedAt    time.Time `json:"resolved_at"`
	TenantID      string    `json:"tenant_id"`
	ClientID      string    `json:"client_id"`
	TenantVersion int64     `json:"tenant_version"`
	ClientVersion int64     `json:"client_version"`
	Issuer        string    `json:"issuer"`

	Scopes        []string `json:"scopes"`
	GrantTypes    []string `json:"grant_types"`
	ResponseTypes []string `json:"response_types"`
	AuthMethods   []string `json:"auth_methods"`

	SigningAlg         string                    `json:"signing_alg"`
	IDTokenEncryption  *contracts.EncryptionSpec `json:"id_token_encryption,omitempty"`
	UserinfoSigned     bool                      `json:"userinfo_signed,omitempty"`
	UserinfoEncryption *contracts.EncryptionSpec `json:"userinfo_encryption,omitempty"`

	AccessTokenTTL  time.Duration `json:"access_token_ttl"`
	IDTokenTTL      time.Duration `json:"id_token_ttl"`
	RefreshTokenTTL time.Duration `json:"refresh_token_ttl"`
	SessionTTL      time.Duration `json:"session_ttl"`
	SessionIdleTTL  time.Duration `json:"session_idle_ttl"`

	SecurityTier       int  `json:"security_tier"`
	RequireMFA         bool `json:"require_mfa"`
	RequirePKCE        bool `json:"require_pkce"`
	RedirectExactMatch bool `json:"redirect_exact_match"`
	RequirePAR         bool `json:"require_par"`

	ConsentMode     string `json:"consent_mode"`
	ConsentRemember bool   `json:"consent_remember"`

	CIBA   AsyncPolicy `json:"ciba"`
	Device AsyncPolicy `json:"device"`

	FlowPalette []string `json:"flow_palette"`

	RateLimits contracts.RateLimitProfile `json:"rate_limits,omitempty"`
	Limits     contracts.TenantLimits     `json:"limits"`
}

// AllowsNode reports whether a flow node is inside the palette.
func (p *ResolvedPolicy) AllowsNode(node string) bool {
	for _, n := range p.FlowPalette {
		if n == node {
			return true
		}
	}
	return false
}

// AllowsAuthMethod reports whether an authentication method survived
// resolution.
func (p *ResolvedPolicy) AllowsAuthMethod(method string) bool {
	for _, m := range p.AuthMethods {
		if m == method {
			return true
		}
	}
	return false
}

// AllowsScope reports whether a single scope value is inside the effective
// scope set.
func (p *ResolvedPolicy) AllowsScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// AllowsGrant reports whether the grant type survived resolution.
func (p *ResolvedPolicy) AllowsGrant(grant string) bool {
	for _, g := range p.GrantTypes {
		if g == grant {
			return true
		}
	}
	return false
}
