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

// ErrConsentNotFound is returned when no grant exists for a user/client pair.
var ErrConsentNotFound = errors.New("consent not found")

// Consent is the persisted scope grant for one user/client pair.
type Consent struct {
	UserID        string
	ClientID      string
	GrantedScopes []string
	GrantedAt     time.Time
	Revoked       bool
	RevokedAt     time.Time
}

// ConsentStore persists consent grants.
type ConsentStore struct {
	db *sql.DB
}

// Upsert records a grant, merging with previously granted scopes. A revoked
// grant is resurrected by a fresh approval.
func (s *ConsentStore) Upsert(ctx context.Context, userID, clientID string, scopes []string, now time.Time) error {
	existing, err := s.Get(ctx, userID, clientID)
	if err != nil && !errors.Is(err, ErrConsentNotFound) {
		return err
	}
	merged := scopes
	if existing != nil && !existing.Revoked {
		merged = mergeScopes(existing.GrantedScopes, scopes)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO consents (user_id, client_id, granted_scopes, granted_at, revoked, revoked_at)
		 VALUES (?, ?, ?, ?, 0, NULL)
		 ON CONFLICT (user_id, client_id) DO UPDATE SET
		   granted_scopes = excluded.granted_scopes, granted_at = excluded.granted_at,
		   revoked = 0, revoked_at = NULL`,
		userID, clientID, strings.Join(merged, " "), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("upserting consent %s/%s: %w", userID, clientID, err)
	}
	return nil
}

// Get loads the grant for a user/client pair, revoked or not.
func (s *ConsentStore) Get(ctx context.Context, userID, clientID string) (*Consent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, client_id, granted_scopes, granted_at, revoked, revoked_at
		 FROM consents WHERE user_id = ? AND client_id = ?`, userID, clientID)

	var c Consent
	var scopes string
	var granted int64
	var revokedAt sql.NullInt64
	err := row.Scan(&c.UserID, &c.ClientID, &scopes, &granted, &c.Revoked, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConsentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning consent: %w", err)
	}
	if scopes != "" {
		c.GrantedScopes = strings.Split(scopes, " ")
	}
	c.GrantedAt = time.UnixMilli(granted)
	if revokedAt.Valid {
		c.RevokedAt = time.UnixMilli(revokedAt.Int64)
	}
	return &c, nil
}

// Revoke marks the grant revoked. Revoking an absent grant is not an error.
func (s *ConsentStore) Revoke(ctx context.Context, userID, clientID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE consents SET revoked = 1, revoked_at = ? WHERE user_id = ? AND client_id = ?`,
		now.UnixMilli(), userID, clientID)
	if err != nil {
		return fmt.Errorf("revoking consent %s/%s: %w", userID, clientID, err)
	}
	return nil
}

// RevokeAllForUser revokes every grant held by the user, used during GDPR
// deletion.
func (s *ConsentStore) RevokeAllForUser(ctx context.Context, userID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE consents SET revoked = 1, revoked_at = ? WHERE user_id = ? AND revoked = 0`,
		now.UnixMilli(), userID)
	if err != nil {
		return fmt.Errorf("revoking consents for %s: %w", userID, err)
	}
	return nil
}

func mergeScopes(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range a {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
