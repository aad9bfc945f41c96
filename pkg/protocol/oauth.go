// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/json"
	"net/http"
)

// Grant types served by the token endpoint.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
	GrantCIBA              = "urn:openid:params:grant-type:ciba"
	GrantDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
)

// ResponseTypeCode is the only supported response type.
const ResponseTypeCode = "code"

// PKCE code challenge methods. Plain is rejected everywhere.
const (
	PKCEMethodS256 = "S256"
)

// RequestURIPrefix is the URN prefix for PAR request URIs (RFC 9126 §2.2).
const RequestURIPrefix = "urn:ietf:params:oauth:request_uri:"

// RequestObjectMediaType is the media type requested when dereferencing a
// request_uri by reference (RFC 9101 §5.2).
const RequestObjectMediaType = "application/oauth-authz-req+jwt"

// Token endpoint client authentication methods.
const (
	AuthMethodSecretBasic   = "client_secret_basic"
	AuthMethodSecretPost    = "client_secret_post"
	AuthMethodPrivateKeyJWT = "private_key_jwt"
	AuthMethodTLSClientAuth = "tls_client_auth"
	AuthMethodNone          = "none"
)

// CIBA token delivery modes.
const (
	CIBAModePoll = "poll"
	CIBAModePing = "ping"
	CIBAModePush = "push"
)

// TokenTypeBearer is the token_type for every access token issued here.
const TokenTypeBearer = "Bearer"

// Well-known scope values.
const (
	ScopeOpenID        = "openid"
	ScopeProfile       = "profile"
	ScopeEmail         = "email"
	ScopeOfflineAccess = "offline_access"
)

// BackchannelLogoutEvent is the required member of a logout token's "events"
// claim (OIDC Back-Channel Logout 1.0 §2.4).
const BackchannelLogoutEvent = "http://schemas.openid.net/event/backchannel-logout"

// TokenResponse is the success body of the token endpoint. Scope is always
// present, even when it equals the requested scope.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	IDToken      string `json:"id_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope"`
}

// WriteTokenResponse renders a token response with the mandatory cache
// suppression headers from RFC 6749 §5.1.
func WriteTokenResponse(w http.ResponseWriter, resp *TokenResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	_ = json.NewEncoder(w).Encode(resp)
}

// PARResponse is the success body of the pushed authorization request
// endpoint (RFC 9126 §2.2).
type PARResponse struct {
	RequestURI string `json:"request_uri"`
	ExpiresIn  int64  `json:"expires_in"`
}

// DeviceAuthorizationResponse is the success body of the device
// authorization endpoint (RFC 8628 §3.2).
type DeviceAuthorizationResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval"`
}

// CIBAResponse is the success body of the backchannel authentication
// endpoint (CIBA Core §7.3).
type CIBAResponse struct {
	AuthReqID string `json:"auth_req_id"`
	ExpiresIn int64  `json:"expires_in"`
	Interval  int64  `json:"interval"`
}

// IntrospectionResponse is the RFC 7662 §2.2 response. Only Active is
// guaranteed; the remaining members appear for active tokens.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Username  string `json:"username,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
	Nbf       int64  `json:"nbf,omitempty"`
	Sub       string `json:"sub,omitempty"`
	Aud       string `json:"aud,omitempty"`
	Iss       string `json:"iss,omitempty"`
	Jti       string `json:"jti,omitempty"`
}
