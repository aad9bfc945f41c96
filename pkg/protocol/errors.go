// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the wire-level vocabulary of the authorization
// server: OAuth/OIDC error codes with their stable catalogue identifiers,
// token responses, and discovery metadata.
//
// Errors render in two shapes. Token-style endpoints (/token, /par,
// /introspect, /revoke, /bc-authorize) use the OAuth error JSON from
// RFC 6749 §5.2. Everything else uses RFC 9457 problem details.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// Error is a protocol-visible error. Code is the OAuth/OIDC registry code;
// Catalogue is the stable documentation code. The zero Description is
// omitted on the wire.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`

	// Catalogue is the stable AR1xxxxx code for this error class.
	Catalogue string `json:"-"`
	// Status is the HTTP status used when the error is not delivered by
	// redirect.
	Status int `json:"-"`
	// RetryAfter, when positive, is the number of seconds the caller should
	// wait before retrying. Rendered as a Retry-After header and, for
	// slow_down, as the "interval" member.
	RetryAfter int `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Is matches errors by registry code so wrapped copies compare equal to the
// package sentinels under errors.Is.
func (e *Error) Is(target error) bool {
	var pe *Error
	if !errors.As(target, &pe) {
		return false
	}
	return e.Code == pe.Code
}

// WithDescription returns a copy of the error with a formatted description.
// The sentinel itself is never mutated.
func (e *Error) WithDescription(format string, args ...any) *Error {
	clone := *e
	clone.Description = fmt.Sprintf(format, args...)
	return &clone
}

// WithRetryAfter returns a copy carrying a retry interval in seconds.
func (e *Error) WithRetryAfter(seconds int) *Error {
	clone := *e
	clone.RetryAfter = seconds
	return &clone
}

// Query returns the redirect query parameters for this error per
// RFC 6749 §4.1.2.1. The state parameter is appended by the caller when the
// inbound request carried one.
func (e *Error) Query() url.Values {
	q := url.Values{}
	q.Set("error", e.Code)
	if e.Description != "" {
		q.Set("error_description", e.Description)
	}
	if e.URI != "" {
		q.Set("error_uri", e.URI)
	}
	return q
}

// Protocol errors (RFC 6749 / OIDC Core registries).
var (
	ErrInvalidRequest          = &Error{Code: "invalid_request", Catalogue: "AR100001", Status: http.StatusBadRequest}
	ErrInvalidClient           = &Error{Code: "invalid_client", Catalogue: "AR100002", Status: http.StatusUnauthorized}
	ErrInvalidGrant            = &Error{Code: "invalid_grant", Catalogue: "AR100003", Status: http.StatusBadRequest}
	ErrUnauthorizedClient      = &Error{Code: "unauthorized_client", Catalogue: "AR100004", Status: http.StatusBadRequest}
	ErrUnsupportedGrantType    = &Error{Code: "unsupported_grant_type", Catalogue: "AR100005", Status: http.StatusBadRequest}
	ErrInvalidScope            = &Error{Code: "invalid_scope", Catalogue: "AR100006", Status: http.StatusBadRequest}
	ErrAccessDenied            = &Error{Code: "access_denied", Catalogue: "AR100007", Status: http.StatusBadRequest}
	ErrServerError             = &Error{Code: "server_error", Catalogue: "AR100008", Status: http.StatusInternalServerError}
	ErrTemporarilyUnavailable  = &Error{Code: "temporarily_unavailable", Catalogue: "AR100009", Status: http.StatusServiceUnavailable}
	ErrUnsupportedResponseType = &Error{Code: "unsupported_response_type", Catalogue: "AR100010", Status: http.StatusBadRequest}
	ErrInvalidRequestURI       = &Error{Code: "invalid_request_uri", Catalogue: "AR100011", Status: http.StatusBadRequest}
	ErrInvalidRequestObject    = &Error{Code: "invalid_request_object", Catalogue: "AR100012", Status: http.StatusBadRequest}
)

// Grant-specific errors (RFC 8628, CIBA Core, OIDC Core prompt handling).
var (
	ErrAuthorizationPending = &Error{Code: "authorization_pending", Catalogue: "AR101001", Status: http.StatusBadRequest}
	ErrSlowDown             = &Error{Code: "slow_down", Catalogue: "AR101002", Status: http.StatusBadRequest}
	ErrExpiredToken         = &Error{Code: "expired_token", Catalogue: "AR101003", Status: http.StatusBadRequest}
	ErrLoginRequired        = &Error{Code: "login_required", Catalogue: "AR101004", Status: http.StatusBadRequest}
	ErrConsentRequired      = &Error{Code: "consent_required", Catalogue: "AR101005", Status: http.StatusBadRequest}
	ErrInteractionRequired  = &Error{Code: "interaction_required", Catalogue: "AR101006", Status: http.StatusBadRequest}
)

// Flow-local errors, surfaced through UI contracts except at the flow API
// itself where they render as problem details.
var (
	ErrChallengeNotFound = &Error{Code: "challenge_not_found", Catalogue: "AR102001", Status: http.StatusNotFound}
	ErrChallengeExpired  = &Error{Code: "challenge_expired", Catalogue: "AR102002", Status: http.StatusGone}
	ErrChallengeConsumed = &Error{Code: "challenge_consumed", Catalogue: "AR102003", Status: http.StatusGone}
	ErrInvalidEvent      = &Error{Code: "invalid_event", Catalogue: "AR102004", Status: http.StatusBadRequest}
	ErrInvalidTransition = &Error{Code: "invalid_transition", Catalogue: "AR102005", Status: http.StatusConflict}
	ErrValidationFailed  = &Error{Code: "validation_failed", Catalogue: "AR102006", Status: http.StatusBadRequest}
	ErrSuspectedReplay   = &Error{Code: "suspected_replay", Catalogue: "AR102007", Status: http.StatusBadRequest}
)

// Bearer-token errors (RFC 6750 §3.1), rendered with a WWW-Authenticate
// challenge at the protected resources.
var (
	ErrInvalidToken      = &Error{Code: "invalid_token", Catalogue: "AR104001", Status: http.StatusUnauthorized}
	ErrInsufficientScope = &Error{Code: "insufficient_scope", Catalogue: "AR104002", Status: http.StatusForbidden}
)

// Operational errors. These are surfaced unchanged so callers can retry with
// backoff.
var (
	ErrResourceExhausted = &Error{Code: "resource_exhausted", Catalogue: "AR103001", Status: http.StatusTooManyRequests}
	ErrPolicyStale       = &Error{Code: "policy_stale", Catalogue: "AR103002", Status: http.StatusConflict}
	ErrContention        = &Error{Code: "contention", Catalogue: "AR103003", Status: http.StatusConflict}
	ErrTryAgain          = &Error{Code: "try_again", Catalogue: "AR103004", Status: http.StatusServiceUnavailable}
	ErrInvalidKey        = &Error{Code: "invalid_key", Catalogue: "AR103005", Status: http.StatusUnauthorized}
)

// AsError coerces any error into a *Error. Non-protocol errors map to
// server_error without leaking their message to the wire.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return ErrServerError
}

// tokenErrorBody is the RFC 6749 §5.2 wire shape, with the CIBA/device
// "interval" member when a retry interval applies.
type tokenErrorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
	Interval    int    `json:"interval,omitempty"`
}

// WriteTokenError renders the error as OAuth token-endpoint JSON.
func WriteTokenError(w http.ResponseWriter, err error) {
	e := AsError(err)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	if e.Code == ErrInvalidClient.Code {
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
	}
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	w.WriteHeader(e.Status)

	body := tokenErrorBody{
		Error:       e.Code,
		Description: e.Description,
		URI:         e.URI,
	}
	if e.Code == ErrSlowDown.Code {
		body.Interval = e.RetryAfter
	}
	_ = json.NewEncoder(w).Encode(body)
}

// Problem is an RFC 9457 problem-details document. The catalogue code rides
// in the registered "type" member as a URN and is repeated in "error_code"
// for log correlation.
type Problem struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Instance  string `json:"instance,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// WriteProblem renders the error as RFC 9457 problem details.
func WriteProblem(w http.ResponseWriter, r *http.Request, err error) {
	e := AsError(err)

	w.Header().Set("Content-Type", "application/problem+json")
	w.Header().Set("Cache-Control", "no-store")
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	w.WriteHeader(e.Status)

	p := Problem{
		Type:      "urn:stacklok:passgate:error:" + e.Code,
		Title:     e.Code,
		Status:    e.Status,
		Detail:    e.Description,
		ErrorCode: e.Catalogue,
	}
	if r != nil {
		p.Instance = r.URL.Path
	}
	_ = json.NewEncoder(w).Encode(p)
}
