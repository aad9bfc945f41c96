// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("redeeming code: %w", ErrInvalidGrant.WithDescription("code already consumed"))

	assert.True(t, errors.Is(wrapped, ErrInvalidGrant))
	assert.False(t, errors.Is(wrapped, ErrInvalidClient))
}

func TestWithDescriptionDoesNotMutateSentinel(t *testing.T) {
	t.Parallel()

	derived := ErrInvalidRequest.WithDescription("missing client_id")

	assert.Equal(t, "missing client_id", derived.Description)
	assert.Empty(t, ErrInvalidRequest.Description)
	assert.Equal(t, ErrInvalidRequest.Catalogue, derived.Catalogue)
}

func TestWriteTokenError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		err          *Error
		wantStatus   int
		wantInterval int
		wantAuthn    bool
	}{
		{
			name:       "invalid_grant is a plain 400",
			err:        ErrInvalidGrant,
			wantStatus: 400,
		},
		{
			name:       "invalid_client carries WWW-Authenticate",
			err:        ErrInvalidClient,
			wantStatus: 401,
			wantAuthn:  true,
		},
		{
			name:         "slow_down carries interval and Retry-After",
			err:          ErrSlowDown.WithRetryAfter(10),
			wantStatus:   400,
			wantInterval: 10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := httptest.NewRecorder()
			WriteTokenError(rec, tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

			var body tokenErrorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.err.Code, body.Error)
			assert.Equal(t, tt.wantInterval, body.Interval)

			if tt.wantAuthn {
				assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
			}
			if tt.err.RetryAfter > 0 {
				assert.Equal(t, "10", rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestWriteProblem(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest("GET", "/flow/chal-123", nil)
	rec := httptest.NewRecorder()

	WriteProblem(rec, req, ErrChallengeExpired.WithDescription("challenge chal-123 expired"))

	assert.Equal(t, 410, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	var p Problem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, "urn:stacklok:passgate:error:challenge_expired", p.Type)
	assert.Equal(t, "challenge_expired", p.Title)
	assert.Equal(t, 410, p.Status)
	assert.Equal(t, "AR102002", p.ErrorCode)
	assert.Equal(t, "/flow/chal-123", p.Instance)
}

func TestAsErrorFallsBackToServerError(t *testing.T) {
	t.Parallel()

	e := AsError(errors.New("database on fire"))

	assert.Equal(t, ErrServerError.Code, e.Code)
	// Internal detail must not leak to the wire.
	assert.Empty(t, e.Description)
}

func TestCatalogueCodesAreUnique(t *testing.T) {
	t.Parallel()

	all := []*Error{
		ErrInvalidRequest, ErrInvalidClient, ErrInvalidGrant, ErrUnauthorizedClient,
		ErrUnsupportedGrantType, ErrInvalidScope, ErrAccessDenied, ErrServerError,
		ErrTemporarilyUnavailable, ErrUnsupportedResponseType, ErrInvalidRequestURI,
		ErrInvalidRequestObject, ErrAuthorizationPending, ErrSlowDown, ErrExpiredToken,
		ErrLoginRequired, ErrConsentRequired, ErrInteractionRequired,
		ErrChallengeNotFound, ErrChallengeExpired, ErrChallengeConsumed,
		ErrInvalidEvent, ErrInvalidTransition, ErrValidationFailed, ErrSuspectedReplay,
		ErrInvalidToken, ErrInsufficientScope,
		ErrResourceExhausted, ErrPolicyStale, ErrContention, ErrTryAgain, ErrInvalidKey,
	}

	seen := make(map[string]string, len(all))
	for _, e := range all {
		require.NotEmpty(t, e.Catalogue, "catalogue code missing for %s", e.Code)
		prev, dup := seen[e.Catalogue]
		require.False(t, dup, "catalogue %s shared by %s and %s", e.Catalogue, prev, e.Code)
		seen[e.Catalogue] = e.Code
	}
}
