// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"encoding/json"
	"time"

	"github.com/stacklok/passgate/pkg/policy"
)

// Store kind names; they namespace keys inside the shared engine.
const (
	KindCode      = "code"
	KindPAR       = "par"
	KindChallenge = "challenge"
	KindSession   = "session"
	KindRefresh   = "refresh"
	KindCIBA      = "ciba"
	KindDevice    = "device"
	KindJTI       = "jti"
)

// TTL ceilings fixed by the record contracts.
const (
	MaxCodeTTL      = 120 * time.Second
	MaxPARTTL       = 60 * time.Second
	ChallengeTTL    = 5 * time.Minute
	JTIReplayWindow = 10 * time.Minute
)

// Challenge types.
const (
	ChallengeLogin           = "login"
	ChallengeConsent         = "consent"
	ChallengeEmailCode       = "email_code"
	ChallengePasskeyRegister = "passkey_register"
	ChallengePasskeyAuth     = "passkey_auth"
	ChallengeDIDAuth         = "did_auth"
	ChallengeCIBA            = "ciba"
	ChallengeDevice          = "device"
)

// Async request statuses shared by CIBA and device grants.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDenied   = "denied"
	StatusExpired  = "expired"
	StatusConsumed = "consumed"
)

// AuthRequest is the validated, merged set of authorization parameters
// carried inside a challenge from /authorize to code issuance.
type AuthRequest struct {
	ClientID            string   `json:"client_id"`
	RedirectURI         string   `json:"redirect_uri"`
	ResponseType        string   `json:"response_type"`
	Scope               []string `json:"scope"`
	State               string   `json:"state,omitempty"`
	Nonce               string   `json:"nonce,omitempty"`
	CodeChallenge       string   `json:"code_challenge,omitempty"`
	CodeChallengeMethod string   `json:"code_challenge_method,omitempty"`
	Prompt              []string `json:"prompt,omitempty"`
	MaxAge              int64    `json:"max_age,omitempty"`
	ACRValues           []string `json:"acr_values,omitempty"`
	LoginHint           string   `json:"login_hint,omitempty"`
}

// AuthorizationCode is redeemed exactly once at the token endpoint. The
// record key is the wire code's HMAC signature, never the code itself.
type AuthorizationCode struct {
	ClientID            string   `json:"client_id"`
	RedirectURI         string   `json:"redirect_uri"`
	Scope               []string `json:"scope"`
	Subject             string   `json:"sub"`
	Nonce               string   `json:"nonce,omitempty"`
	CodeChallenge       string   `json:"code_challenge,omitempty"`
	CodeChallengeMethod string   `json:"code_challenge_method,omitempty"`
	AuthTime            int64    `json:"auth_time"`
	ACR                 string   `json:"acr,omitempty"`
	AMR                 []string `json:"amr,omitempty"`
	SessionID           string   `json:"session_id,omitempty"`
	ResolvedPolicyID    string   `json:"resolved_policy_id"`
	Policy              *policy.ResolvedPolicy `json:"policy"`
	IssuedAt            int64    `json:"issued_at"`
}

// PARRecord holds pushed authorization parameters until the request_uri is
// redeemed, once.
type PARRecord struct {
	ClientID   string      `json:"client_id"`
	Request    AuthRequest `json:"request"`
	CreatedAt  int64       `json:"created_at"`
}

// EmailOTPState is the email_code challenge payload. Only the code's SHA-256
// is stored.
type EmailOTPState struct {
	CodeHash string `json:"code_hash"`
	Attempts int    `json:"attempts"`
	Email    string `json:"email"`
	SentAt   int64  `json:"sent_at"`
}

// FederationState binds an upstream IdP round-trip to a challenge. AuthURL
// is kept so the contract can repeat the upstream redirect on re-fetch.
type FederationState struct {
	Provider string `json:"provider"`
	State    string `json:"state"`
	Nonce    string `json:"nonce"`
	AuthURL  string `json:"auth_url,omitempty"`
	// Issuer, Subject and SID are filled in after the upstream ID token
	// verifies, so the session can be tied back to the upstream login.
	Issuer  string `json:"issuer,omitempty"`
	Subject string `json:"subject,omitempty"`
	SID     string `json:"sid,omitempty"`
}

// Challenge is one in-flight interactive flow. The pinned ResolvedPolicy is
// immutable for the challenge's lifetime; State only moves forward, enforced
// by the flow engine's transition tables over the store's CAS update.
type Challenge struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	ClientID  string `json:"client_id"`
	Type      string `json:"type"`
	State     string `json:"state"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`

	Policy *policy.ResolvedPolicy `json:"policy"`

	Authorize *AuthRequest `json:"authorize,omitempty"`

	// Authentication outcome, populated as the flow advances. SessionID is
	// set only when an existing session satisfied the login requirement.
	UserID    string   `json:"user_id,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	AuthTime  int64    `json:"auth_time,omitempty"`
	ACR       string   `json:"acr,omitempty"`
	AMR       []string `json:"amr,omitempty"`

	// Per-method payloads.
	EmailOTP        *EmailOTPState   `json:"email_otp,omitempty"`
	WebAuthnSession json.RawMessage  `json:"webauthn_session,omitempty"`
	WebAuthnOptions json.RawMessage  `json:"webauthn_options,omitempty"`
	Federation      *FederationState `json:"federation,omitempty"`

	// ConsentScopes are the scopes awaiting approval in needsConsent.
	ConsentScopes []string `json:"consent_scopes,omitempty"`

	// AsyncID links an approval challenge back to its CIBARequest or
	// DeviceGrant; BindingMessage is displayed on the approval screen.
	AsyncID        string `json:"async_id,omitempty"`
	BindingMessage string `json:"binding_message,omitempty"`

	// LastError surfaces a flow-local failure through the UI contract.
	LastError string `json:"last_error,omitempty"`
}

// ResolvedPolicyID returns the pinned resolution id.
func (c *Challenge) ResolvedPolicyID() string {
	if c.Policy == nil {
		return ""
	}
	return c.Policy.ResolutionID
}

// Session is one browser session.
type Session struct {
	ID            string   `json:"id"`
	UserID        string   `json:"user_id"`
	TenantID      string   `json:"tenant_id"`
	AuthTime      int64    `json:"auth_time"`
	AMR           []string `json:"amr,omitempty"`
	ACR           string   `json:"acr,omitempty"`
	CreatedAt     int64    `json:"created_at"`
	ExpiresAt     int64    `json:"expires_at"`
	IdleExpiresAt int64    `json:"idle_expires_at"`
	LastActiveAt  int64    `json:"last_active_at"`
	// Upstream identity, set when the session came from a federated login.
	// Inbound back-channel logout resolves sessions through these.
	UpstreamIssuer string `json:"upstream_issuer,omitempty"`
	UpstreamSub    string `json:"upstream_sub,omitempty"`
	UpstreamSID    string `json:"upstream_sid,omitempty"`
}

// RefreshToken is one member of a rotation family. The record key is the
// wire token's HMAC signature.
type RefreshToken struct {
	JTI              string   `json:"jti"`
	FamilyID         string   `json:"family_id"`
	ClientID         string   `json:"client_id"`
	UserID           string   `json:"user_id"`
	SessionID        string   `json:"session_id,omitempty"`
	Scope            []string `json:"scope"`
	RotatedFrom      string   `json:"rotated_from,omitempty"`
	Rotated          bool     `json:"rotated,omitempty"`
	IssuedAt         int64    `json:"issued_at"`
	ExpiresAt        int64    `json:"expires_at"`
	AuthTime         int64    `json:"auth_time"`
	ACR              string   `json:"acr,omitempty"`
	AMR              []string `json:"amr,omitempty"`
	ResolvedPolicyID string   `json:"resolved_policy_id"`
	Policy           *policy.ResolvedPolicy `json:"policy"`
}

// LoginHint is a parsed CIBA login_hint.
type LoginHint struct {
	Kind  string `json:"kind"` // email | phone | subject | username
	Value string `json:"value"`
}

// CIBARequest is one backchannel authentication request.
type CIBARequest struct {
	AuthReqID            string    `json:"auth_req_id"`
	TenantID             string    `json:"tenant_id"`
	ClientID             string    `json:"client_id"`
	Scope                []string  `json:"scope"`
	BindingMessage       string    `json:"binding_message,omitempty"`
	UserCode             string    `json:"user_code,omitempty"`
	LoginHint            LoginHint `json:"login_hint"`
	UserID               string    `json:"user_id,omitempty"`
	DeliveryMode         string    `json:"delivery_mode"`
	Status               string    `json:"status"`
	MinPollInterval      int64     `json:"min_poll_interval"` // seconds
	LastPollAt           int64     `json:"last_poll_at,omitempty"`
	CreatedAt            int64     `json:"created_at"`
	ExpiresAt            int64     `json:"expires_at"`
	NotificationEndpoint string    `json:"notification_endpoint,omitempty"`
	NotificationToken    string    `json:"notification_token,omitempty"`
	AuthTime             int64     `json:"auth_time,omitempty"`
	ACR                  string    `json:"acr,omitempty"`
	AMR                  []string  `json:"amr,omitempty"`
	Policy               *policy.ResolvedPolicy `json:"policy"`
}

// DeviceGrant is one RFC 8628 device authorization. Keyed by the device
// code's HMAC signature; a secondary record maps user_code to the key.
type DeviceGrant struct {
	DeviceCodeKey   string   `json:"device_code_key"`
	UserCode        string   `json:"user_code"`
	TenantID        string   `json:"tenant_id"`
	ClientID        string   `json:"client_id"`
	Scope           []string `json:"scope"`
	Status          string   `json:"status"`
	MinPollInterval int64    `json:"min_poll_interval"` // seconds
	LastPollAt      int64    `json:"last_poll_at,omitempty"`
	UserID          string   `json:"user_id,omitempty"`
	CreatedAt       int64    `json:"created_at"`
	ExpiresAt       int64    `json:"expires_at"`
	AuthTime        int64    `json:"auth_time,omitempty"`
	ACR             string   `json:"acr,omitempty"`
	AMR             []string `json:"amr,omitempty"`
	Policy          *policy.ResolvedPolicy `json:"policy"`
}

// JTIRecord marks a private_key_jwt assertion id as seen, for replay
// rejection inside the assertion's validity window.
type JTIRecord struct {
	ClientID string `json:"client_id"`
	SeenAt   int64  `json:"seen_at"`
}
