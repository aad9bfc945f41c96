// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package users provisions and looks up user accounts. The core record and
// the PII partition are written core-first: an account is never lost to a
// PII write failure, it just parks in pii_status=failed until retried.
//
// Email lookups go through a deterministic blind index so the PII partition
// is never scanned by plaintext address.
package users

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/passgate/pkg/events"
	"github.com/stacklok/passgate/pkg/logger"
	"github.com/stacklok/passgate/pkg/storage/sqlite"
)

// Account statuses.
const (
	StatusActive  = "active"
	StatusLocked  = "locked"
	StatusDeleted = "deleted"
)

// PII partition statuses.
const (
	PIIPending = "pending"
	PIIActive  = "active"
	PIIFailed  = "failed"
)

// ErrUserDeleted is returned when a deleted account is looked up.
var ErrUserDeleted = errors.New("user is deleted")

// ErrNotFound re-exports the store sentinel so callers need only this
// package.
var ErrNotFound = sqlite.ErrUserNotFound

// Service provisions and manages accounts.
type Service struct {
	store       *sqlite.UserStore
	consents    *sqlite.ConsentStore
	bus         *events.Bus
	blindSecret []byte
	now         func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New builds the service. secret keys the email blind index and must be
// stable across restarts.
func New(store *sqlite.UserStore, consents *sqlite.ConsentStore, bus *events.Bus, secret []byte, opts ...Option) *Service {
	s := &Service{
		store:       store,
		consents:    consents,
		bus:         bus,
		blindSecret: secret,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BlindIndex computes the deterministic index for an email address:
// hex(HMAC-SHA256(lowercase(trimmed email))). Case variants of the same
// address map to the same user.
func (s *Service) BlindIndex(email string) string {
	mac := hmac.New(sha256.New, s.blindSecret)
	mac.Write([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(mac.Sum(nil))
}

// Provision creates an account core-first and then writes PII. A PII write
// failure leaves a usable core account in pii_status=failed; callers retry
// via RetryPII.
func (s *Service) Provision(ctx context.Context, tenantID, email, name string) (*sqlite.UserCore, error) {
	now := s.now()
	core := &sqlite.UserCore{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		Status:       StatusActive,
		PIIStatus:    PIIPending,
		PIIPartition: "default",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateCore(ctx, core); err != nil {
		return nil, err
	}

	if err := s.writePII(ctx, core, email, name); err != nil {
		// Core survives; the account is degraded, not lost.
		if statusErr := s.store.SetPIIStatus(ctx, core.ID, PIIFailed, s.now()); statusErr != nil {
			logger.Errorw("marking pii failed", "user_id", core.ID, "error", statusErr)
		}
		core.PIIStatus = PIIFailed
		_ = s.bus.Emit(ctx, &events.Event{
			EventName: events.UserPIIFailed,
			TenantID:  tenantID,
			Target:    core.ID,
			Data:      map[string]any{"error": err.Error()},
		})
		if errors.Is(err, sqlite.ErrEmailTaken) {
			return nil, err
		}
		return core, nil
	}
	core.PIIStatus = PIIActive

	_ = s.bus.Emit(ctx, &events.Event{
		EventName: events.UserCreated,
		TenantID:  tenantID,
		Target:    core.ID,
	})
	return core, nil
}

// RetryPII re-attempts the PII write for an account stuck in failed or
// pending.
func (s *Service) RetryPII(ctx context.Context, userID, email, name string) error {
	core, err := s.store.GetCore(ctx, userID)
	if err != nil {
		return err
	}
	if core.Status == StatusDeleted {
		return ErrUserDeleted
	}
	return s.writePII(ctx, core, email, name)
}

func (s *Service) writePII(ctx context.Context, core *sqlite.UserCore, email, name string) error {
	now := s.now()
	if err := s.store.WritePII(ctx, &sqlite.UserPII{
		UserID:          core.ID,
		TenantID:        core.TenantID,
		Email:           email,
		Name:            name,
		EmailBlindIndex: s.BlindIndex(email),
		CreatedAt:       now,
		UpdatedAt:       now,
	}); err != nil {
		return err
	}
	return s.store.SetPIIStatus(ctx, core.ID, PIIActive, now)
}

// FindByEmail resolves an account by address within a tenant.
func (s *Service) FindByEmail(ctx context.Context, tenantID, email string) (*sqlite.UserCore, *sqlite.UserPII, error) {
	pii, err := s.store.FindByBlindIndex(ctx, tenantID, s.BlindIndex(email))
	if err != nil {
		return nil, nil, err
	}
	core, err := s.store.GetCore(ctx, pii.UserID)
	if err != nil {
		return nil, nil, err
	}
	if core.Status == StatusDeleted {
		return nil, nil, ErrUserDeleted
	}
	return core, pii, nil
}

// Get loads an active account with its PII.
func (s *Service) Get(ctx context.Context, userID string) (*sqlite.UserCore, *sqlite.UserPII, error) {
	core, err := s.store.GetCore(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if core.Status == StatusDeleted {
		return nil, nil, ErrUserDeleted
	}
	pii, err := s.store.GetPII(ctx, userID)
	if err != nil && !errors.Is(err, sqlite.ErrUserNotFound) {
		return nil, nil, err
	}
	return core, pii, nil
}

// RecordLogin bumps the login counters.
func (s *Service) RecordLogin(ctx context.Context, userID string) error {
	return s.store.RecordLogin(ctx, userID, s.now())
}

// MarkEmailVerified flags the address verified, e.g. after a passkey
// registration completed a possession proof.
func (s *Service) MarkEmailVerified(ctx context.Context, userID string) error {
	return s.store.SetEmailVerified(ctx, userID, s.now())
}

// Delete erases the PII partition and leaves a tombstoned core record so
// the UUID is never reused. Consent grants are revoked in the same pass.
func (s *Service) Delete(ctx context.Context, userID string) error {
	core, err := s.store.GetCore(ctx, userID)
	if err != nil {
		return err
	}
	now := s.now()
	if err := s.store.DeletePII(ctx, userID); err != nil {
		return err
	}
	if err := s.consents.RevokeAllForUser(ctx, userID, now); err != nil {
		return err
	}
	if err := s.store.SetStatus(ctx, userID, StatusDeleted, now); err != nil {
		return err
	}
	_ = s.bus.Emit(ctx, &events.Event{
		EventName: events.UserDeleted,
		TenantID:  core.TenantID,
		Target:    userID,
	})
	return nil
}
