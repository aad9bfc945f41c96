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

// Passkey errors.
var (
	ErrPasskeyNotFound = errors.New("passkey not found")
	ErrCounterReplay   = errors.New("authenticator counter did not increase")
)

// Passkey is one WebAuthn credential bound to a user.
type Passkey struct {
	CredentialID string
	UserID       string
	PublicKey    []byte
	Counter      uint32
	Transports   []string
	DeviceName   string
	CreatedAt    time.Time
	LastUsedAt   time.Time
}

// PasskeyStore persists WebAuthn credentials.
type PasskeyStore struct {
	db *sql.DB
}

// Create inserts a new credential.
func (s *PasskeyStore) Create(ctx context.Context, p *Passkey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO passkeys (credential_id, user_id, public_key, counter, transports, device_name, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.CredentialID, p.UserID, p.PublicKey, p.Counter,
		strings.Join(p.Transports, ","), p.DeviceName, p.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("creating passkey %s: %w", p.CredentialID, err)
	}
	return nil
}

// Get loads one credential by its ID.
func (s *PasskeyStore) Get(ctx context.Context, credentialID string) (*Passkey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT credential_id, user_id, public_key, counter, transports, device_name, created_at, last_used_at
		 FROM passkeys WHERE credential_id = ?`, credentialID)
	p, err := scanPasskey(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPasskeyNotFound
	}
	return p, err
}

// ListByUser returns every credential registered for the user.
func (s *PasskeyStore) ListByUser(ctx context.Context, userID string) ([]*Passkey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT credential_id, user_id, public_key, counter, transports, device_name, created_at, last_used_at
		 FROM passkeys WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing passkeys for %s: %w", userID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Passkey
	for rows.Next() {
		p, err := scanPasskey(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPasskey(scan func(...any) error) (*Passkey, error) {
	var p Passkey
	var transports, device sql.NullString
	var created int64
	var lastUsed sql.NullInt64
	if err := scan(&p.CredentialID, &p.UserID, &p.PublicKey, &p.Counter, &transports, &device, &created, &lastUsed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning passkey: %w", err)
	}
	if transports.Valid && transports.String != "" {
		p.Transports = strings.Split(transports.String, ",")
	}
	p.DeviceName = device.String
	p.CreatedAt = time.UnixMilli(created)
	if lastUsed.Valid {
		p.LastUsedAt = time.UnixMilli(lastUsed.Int64)
	}
	return &p, nil
}

// AdvanceCounter stores the new signature counter and touches last_used_at.
// The counter must strictly increase; a non-increasing counter indicates a
// cloned authenticator and returns ErrCounterReplay. Authenticators that
// never report a counter send zero both times, which is allowed.
func (s *PasskeyStore) AdvanceCounter(ctx context.Context, credentialID string, counter uint32, now time.Time) error {
	if counter == 0 {
		res, err := s.db.ExecContext(ctx,
			`UPDATE passkeys SET last_used_at = ? WHERE credential_id = ? AND counter = 0`,
			now.UnixMilli(), credentialID)
		if err != nil {
			return fmt.Errorf("touching passkey %s: %w", credentialID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return s.counterFailure(ctx, credentialID)
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE passkeys SET counter = ?, last_used_at = ? WHERE credential_id = ? AND counter < ?`,
		counter, now.UnixMilli(), credentialID, counter)
	if err != nil {
		return fmt.Errorf("advancing passkey counter %s: %w", credentialID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.counterFailure(ctx, credentialID)
	}
	return nil
}

// counterFailure distinguishes a missing credential from a replayed counter.
func (s *PasskeyStore) counterFailure(ctx context.Context, credentialID string) error {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM passkeys WHERE credential_id = ?`, credentialID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrPasskeyNotFound
	}
	if err != nil {
		return fmt.Errorf("checking passkey %s: %w", credentialID, err)
	}
	return ErrCounterReplay
}

// Delete removes a credential.
func (s *PasskeyStore) Delete(ctx context.Context, credentialID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM passkeys WHERE credential_id = ?`, credentialID)
	if err != nil {
		return fmt.Errorf("deleting passkey %s: %w", credentialID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPasskeyNotFound
	}
	return nil
}
