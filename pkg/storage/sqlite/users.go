// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// User lifecycle errors.
var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user already exists")
	ErrEmailTaken   = errors.New("email already registered")
)

// UserCore is the non-PII user record.
type UserCore struct {
	ID           string
	TenantID     string
	Status       string
	PIIStatus    string
	PIIPartition string
	LastLoginAt  time.Time
	LoginCount   int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// UserPII is the PII partition record, keyed by the same UUID.
type UserPII struct {
	UserID          string
	TenantID        string
	Email           string
	Name            string
	Phone           string
	EmailVerified   bool
	EmailBlindIndex string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// UserStore persists the two user partitions.
type UserStore struct {
	db *sql.DB
}

// CreateCore inserts the core record.
func (s *UserStore) CreateCore(ctx context.Context, u *UserCore) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_core (id, tenant_id, status, pii_status, pii_partition, login_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		u.ID, u.TenantID, u.Status, u.PIIStatus, u.PIIPartition, u.CreatedAt.UnixMilli(), u.UpdatedAt.UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "PRIMARY") {
			return fmt.Errorf("%w: %s", ErrUserExists, u.ID)
		}
		return fmt.Errorf("creating user core %s: %w", u.ID, err)
	}
	return nil
}

// GetCore loads the core record.
func (s *UserStore) GetCore(ctx context.Context, id string) (*UserCore, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, status, pii_status, pii_partition, last_login_at, login_count, created_at, updated_at
		 FROM user_core WHERE id = ?`, id)
	return scanCore(row)
}

func scanCore(row *sql.Row) (*UserCore, error) {
	var u UserCore
	var lastLogin sql.NullInt64
	var created, updated int64
	err := row.Scan(&u.ID, &u.TenantID, &u.Status, &u.PIIStatus, &u.PIIPartition, &lastLogin, &u.LoginCount, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user core: %w", err)
	}
	if lastLogin.Valid {
		u.LastLoginAt = time.UnixMilli(lastLogin.Int64)
	}
	u.CreatedAt = time.UnixMilli(created)
	u.UpdatedAt = time.UnixMilli(updated)
	return &u, nil
}

// SetPIIStatus flips the pii_status on the core record.
func (s *UserStore) SetPIIStatus(ctx context.Context, id, status string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE user_core SET pii_status = ?, updated_at = ? WHERE id = ?`,
		status, now.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("updating pii status for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetStatus updates the account status.
func (s *UserStore) SetStatus(ctx context.Context, id, status string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE user_core SET status = ?, updated_at = ? WHERE id = ?`,
		status, now.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("updating status for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// RecordLogin bumps last-login and the counter.
func (s *UserStore) RecordLogin(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE user_core SET last_login_at = ?, login_count = login_count + 1, updated_at = ? WHERE id = ?`,
		now.UnixMilli(), now.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("recording login for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// WritePII inserts or replaces the PII record.
func (s *UserStore) WritePII(ctx context.Context, p *UserPII) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_pii (user_id, tenant_id, email, name, phone, email_verified, email_blind_index, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
		   email = excluded.email, name = excluded.name, phone = excluded.phone,
		   email_verified = excluded.email_verified, email_blind_index = excluded.email_blind_index,
		   updated_at = excluded.updated_at`,
		p.UserID, p.TenantID, p.Email, p.Name, p.Phone, p.EmailVerified, p.EmailBlindIndex,
		p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("%w: blind index collision", ErrEmailTaken)
		}
		return fmt.Errorf("writing pii for %s: %w", p.UserID, err)
	}
	return nil
}

// GetPII loads the PII record.
func (s *UserStore) GetPII(ctx context.Context, userID string) (*UserPII, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, tenant_id, email, name, phone, email_verified, email_blind_index, created_at, updated_at
		 FROM user_pii WHERE user_id = ?`, userID)
	return scanPII(row)
}

// FindByBlindIndex looks a user up by the deterministic email blind index.
func (s *UserStore) FindByBlindIndex(ctx context.Context, tenantID, blindIndex string) (*UserPII, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, tenant_id, email, name, phone, email_verified, email_blind_index, created_at, updated_at
		 FROM user_pii WHERE tenant_id = ? AND email_blind_index = ?`, tenantID, blindIndex)
	return scanPII(row)
}

func scanPII(row *sql.Row) (*UserPII, error) {
	var p UserPII
	var name, phone sql.NullString
	var created, updated int64
	err := row.Scan(&p.UserID, &p.TenantID, &p.Email, &name, &phone, &p.EmailVerified, &p.EmailBlindIndex, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user pii: %w", err)
	}
	p.Name = name.String
	p.Phone = phone.String
	p.CreatedAt = time.UnixMilli(created)
	p.UpdatedAt = time.UnixMilli(updated)
	return &p, nil
}

// SetEmailVerified marks the email verified, e.g. after first passkey
// registration.
func (s *UserStore) SetEmailVerified(ctx context.Context, userID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE user_pii SET email_verified = 1, updated_at = ? WHERE user_id = ?`,
		now.UnixMilli(), userID)
	if err != nil {
		return fmt.Errorf("marking email verified for %s: %w", userID, err)
	}
	return nil
}

// DeletePII erases the PII partition for GDPR deletion. The core record's
// tombstone is the caller's responsibility.
func (s *UserStore) DeletePII(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM user_pii WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("deleting pii for %s: %w", userID, err)
	}
	return nil
}
