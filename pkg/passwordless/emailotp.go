// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package passwordless implements the interactive authentication methods:
// WebAuthn passkeys and email one-time codes. Neither stores a password
// anywhere.
package passwordless

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/stacklok/passgate/pkg/contracts"
	"github.com/stacklok/passgate/pkg/logger"
	"github.com/stacklok/passgate/pkg/protocol"
	"github.com/stacklok/passgate/pkg/ratelimit"
	"github.com/stacklok/passgate/pkg/storage"
)

// Email OTP parameters.
const (
	otpDigits      = 6
	otpTTL         = 5 * time.Minute
	otpMaxAttempts = 5
)

// Sender delivers a one-time code to an address. Production wires an email
// provider; development uses LogSender.
type Sender interface {
	Send(ctx context.Context, email, code string) error
}

// LogSender writes codes to the log instead of sending mail.
type LogSender struct{}

// Send implements Sender.
func (LogSender) Send(_ context.Context, email, code string) error {
	logger.Infow("email otp issued", "email", email, "code", code)
	return nil
}

// EmailOTP issues and verifies one-time codes. The state lives inside the
// challenge record; this service never persists anything itself.
type EmailOTP struct {
	sender  Sender
	limiter ratelimit.Limiter
	now     func() time.Time
}

// EmailOTPOption configures the service.
type EmailOTPOption func(*EmailOTP)

// WithEmailClock injects the time source.
func WithEmailClock(now func() time.Time) EmailOTPOption {
	return func(s *EmailOTP) { s.now = now }
}

// NewEmailOTP builds the service.
func NewEmailOTP(sender Sender, limiter ratelimit.Limiter, opts ...EmailOTPOption) *EmailOTP {
	s := &EmailOTP{sender: sender, limiter: limiter, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue sends a fresh code and returns the state to pin inside the
// challenge. Sends are rate limited per tenant and address.
func (s *EmailOTP) Issue(ctx context.Context, tenantID, email string, profile contracts.RateLimitProfile) (*storage.EmailOTPState, error) {
	key := "send-email:" + tenantID + ":" + strings.ToLower(email)
	d, err := s.limiter.Check(ctx, key, ratelimit.PolicyFor(profile, "send-email"))
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return nil, protocol.ErrResourceExhausted.
			WithDescription("too many codes requested").
			WithRetryAfter(int(d.RetryAfter.Seconds()) + 1)
	}

	code, err := randomCode()
	if err != nil {
		return nil, err
	}
	if err := s.sender.Send(ctx, email, code); err != nil {
		return nil, fmt.Errorf("sending code: %w", err)
	}
	return &storage.EmailOTPState{
		CodeHash: hashCode(email, code),
		Email:    email,
		SentAt:   s.now().UnixMilli(),
	}, nil
}

// Verify checks a submitted code against the pinned state, mutating the
// attempt counter. The caller persists the mutated state through the
// challenge's CAS update regardless of outcome, so attempts survive even
// when verification fails.
func (s *EmailOTP) Verify(ctx context.Context, tenantID string, state *storage.EmailOTPState, code string, profile contracts.RateLimitProfile) error {
	key := "code-verify:" + tenantID + ":" + strings.ToLower(state.Email)
	d, err := s.limiter.Check(ctx, key, ratelimit.PolicyFor(profile, "code-verify"))
	if err != nil {
		return err
	}
	if !d.Allowed {
		return protocol.ErrResourceExhausted.
			WithDescription("too many verification attempts").
			WithRetryAfter(int(d.RetryAfter.Seconds()) + 1)
	}

	if s.now().Sub(time.UnixMilli(state.SentAt)) > otpTTL {
		return protocol.ErrChallengeExpired.WithDescription("code expired")
	}
	if state.Attempts >= otpMaxAttempts {
		return protocol.ErrAccessDenied.WithDescription("attempt limit reached")
	}
	state.Attempts++

	if subtle.ConstantTimeCompare([]byte(hashCode(state.Email, code)), []byte(state.CodeHash)) != 1 {
		if state.Attempts >= otpMaxAttempts {
			return protocol.ErrAccessDenied.WithDescription("attempt limit reached")
		}
		return protocol.ErrValidationFailed.WithDescription("incorrect code")
	}
	return nil
}

func randomCode() (string, error) {
	limit := big.NewInt(1)
	for range otpDigits {
		limit.Mul(limit, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("generating code: %w", err)
	}
	return fmt.Sprintf("%0*d", otpDigits, n), nil
}

func hashCode(email, code string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(email) + "|" + code))
	return hex.EncodeToString(sum[:])
}
