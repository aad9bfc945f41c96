// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrKeyNotFound is returned for unknown kids.
var ErrKeyNotFound = errors.New("signing key not found")

// StoredKey is the persisted form of one signing key. PrivateKeyEnc is the
// AES-256-GCM ciphertext of the PKCS#8 private key; the key manager owns the
// encryption key.
type StoredKey struct {
	KID           string
	Algorithm     string
	Status        string
	PrivateKeyEnc []byte
	PublicKeyPEM  []byte
	CreatedAt     time.Time
	RotatedAt     time.Time // zero until the key leaves active
}

// KeyStore persists signing keys.
type KeyStore struct {
	db *sql.DB
}

// Save inserts a new key.
func (s *KeyStore) Save(ctx context.Context, k *StoredKey) error {
	var rotated any
	if !k.RotatedAt.IsZero() {
		rotated = k.RotatedAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO signing_keys (kid, algorithm, status, private_key_enc, public_key_pem, created_at, rotated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		k.KID, k.Algorithm, k.Status, k.PrivateKeyEnc, k.PublicKeyPEM, k.CreatedAt.UnixMilli(), rotated)
	if err != nil {
		return fmt.Errorf("saving signing key %s: %w", k.KID, err)
	}
	return nil
}

// SetStatus updates a key's lifecycle status and rotation timestamp.
func (s *KeyStore) SetStatus(ctx context.Context, kid, status string, rotatedAt time.Time) error {
	var rotated any
	if !rotatedAt.IsZero() {
		rotated = rotatedAt.UnixMilli()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE signing_keys SET status = ?, rotated_at = ? WHERE kid = ?`,
		status, rotated, kid)
	if err != nil {
		return fmt.Errorf("updating signing key %s: %w", kid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}
	return nil
}

// List returns every persisted key, newest first.
func (s *KeyStore) List(ctx context.Context) ([]*StoredKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kid, algorithm, status, private_key_enc, public_key_pem, created_at, rotated_at
		 FROM signing_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing signing keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []*StoredKey
	for rows.Next() {
		var k StoredKey
		var created int64
		var rotated sql.NullInt64
		if err := rows.Scan(&k.KID, &k.Algorithm, &k.Status, &k.PrivateKeyEnc, &k.PublicKeyPEM, &created, &rotated); err != nil {
			return nil, fmt.Errorf("scanning signing key: %w", err)
		}
		k.CreatedAt = time.UnixMilli(created)
		if rotated.Valid {
			k.RotatedAt = time.UnixMilli(rotated.Int64)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}
