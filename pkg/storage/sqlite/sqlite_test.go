// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestUserCorePIILifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)
	now := time.Now()

	id := uuid.NewString()
	require.NoError(t, db.Users.CreateCore(ctx, &UserCore{
		ID: id, TenantID: "acme", Status: "active", PIIStatus: "pending",
		PIIPartition: "default", CreatedAt: now, UpdatedAt: now,
	}))

	// Duplicate IDs are rejected.
	err := db.Users.CreateCore(ctx, &UserCore{
		ID: id, TenantID: "acme", Status: "active", PIIStatus: "pending",
		PIIPartition: "default", CreatedAt: now, UpdatedAt: now,
	})
	assert.ErrorIs(t, err, ErrUserExists)

	core, err := db.Users.GetCore(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "pending", core.PIIStatus)

	require.NoError(t, db.Users.WritePII(ctx, &UserPII{
		UserID: id, TenantID: "acme", Email: "ada@example.com",
		Name: "Ada", EmailBlindIndex: "bidx-ada", CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, db.Users.SetPIIStatus(ctx, id, "active", now))

	core, err = db.Users.GetCore(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "active", core.PIIStatus)

	pii, err := db.Users.FindByBlindIndex(ctx, "acme", "bidx-ada")
	require.NoError(t, err)
	assert.Equal(t, id, pii.UserID)
	assert.False(t, pii.EmailVerified)

	require.NoError(t, db.Users.SetEmailVerified(ctx, id, now))
	pii, err = db.Users.GetPII(ctx, id)
	require.NoError(t, err)
	assert.True(t, pii.EmailVerified)
}

func TestBlindIndexUniquePerTenant(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)
	now := time.Now()

	mk := func(tenant string) (string, error) {
		id := uuid.NewString()
		if err := db.Users.CreateCore(ctx, &UserCore{
			ID: id, TenantID: tenant, Status: "active", PIIStatus: "pending",
			PIIPartition: "default", CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return "", err
		}
		return id, db.Users.WritePII(ctx, &UserPII{
			UserID: id, TenantID: tenant, Email: "ada@example.com",
			EmailBlindIndex: "bidx", CreatedAt: now, UpdatedAt: now,
		})
	}

	_, err := mk("acme")
	require.NoError(t, err)

	// Same email in the same tenant collides on the blind index.
	_, err = mk("acme")
	assert.ErrorIs(t, err, ErrEmailTaken)

	// Other tenants are isolated.
	_, err = mk("globex")
	assert.NoError(t, err)
}

func TestGDPRDeleteLeavesTombstone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)
	now := time.Now()

	id := uuid.NewString()
	require.NoError(t, db.Users.CreateCore(ctx, &UserCore{
		ID: id, TenantID: "acme", Status: "active", PIIStatus: "pending",
		PIIPartition: "default", CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, db.Users.WritePII(ctx, &UserPII{
		UserID: id, TenantID: "acme", Email: "ada@example.com",
		EmailBlindIndex: "bidx", CreatedAt: now, UpdatedAt: now,
	}))

	require.NoError(t, db.Users.DeletePII(ctx, id))
	require.NoError(t, db.Users.SetStatus(ctx, id, "deleted", now))

	_, err := db.Users.GetPII(ctx, id)
	assert.ErrorIs(t, err, ErrUserNotFound)

	core, err := db.Users.GetCore(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "deleted", core.Status)
}

func TestPasskeyCounterStrictlyIncreases(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)
	now := time.Now()

	userID := uuid.NewString()
	require.NoError(t, db.Users.CreateCore(ctx, &UserCore{
		ID: userID, TenantID: "acme", Status: "active", PIIStatus: "pending",
		PIIPartition: "default", CreatedAt: now, UpdatedAt: now,
	}))

	require.NoError(t, db.Passkeys.Create(ctx, &Passkey{
		CredentialID: "cred1", UserID: userID, PublicKey: []byte{1, 2, 3},
		Counter: 5, Transports: []string{"internal", "hybrid"},
		DeviceName: "laptop", CreatedAt: now,
	}))

	require.NoError(t, db.Passkeys.AdvanceCounter(ctx, "cred1", 6, now))

	// Same counter again means a cloned authenticator.
	assert.ErrorIs(t, db.Passkeys.AdvanceCounter(ctx, "cred1", 6, now), ErrCounterReplay)
	assert.ErrorIs(t, db.Passkeys.AdvanceCounter(ctx, "cred1", 3, now), ErrCounterReplay)

	assert.ErrorIs(t, db.Passkeys.AdvanceCounter(ctx, "missing", 1, now), ErrPasskeyNotFound)

	got, err := db.Passkeys.Get(ctx, "cred1")
	require.NoError(t, err)
	assert.Equal(t, uint32(6), got.Counter)
	assert.Equal(t, []string{"internal", "hybrid"}, got.Transports)
	assert.False(t, got.LastUsedAt.IsZero())
}

func TestPasskeyZeroCounterAllowed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)
	now := time.Now()

	userID := uuid.NewString()
	require.NoError(t, db.Users.CreateCore(ctx, &UserCore{
		ID: userID, TenantID: "acme", Status: "active", PIIStatus: "pending",
		PIIPartition: "default", CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, db.Passkeys.Create(ctx, &Passkey{
		CredentialID: "cred0", UserID: userID, PublicKey: []byte{1},
		Counter: 0, CreatedAt: now,
	}))

	// Authenticators without a counter always report zero.
	require.NoError(t, db.Passkeys.AdvanceCounter(ctx, "cred0", 0, now))
	require.NoError(t, db.Passkeys.AdvanceCounter(ctx, "cred0", 0, now))
}

func TestConsentMergeAndRevoke(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)
	now := time.Now()

	userID := uuid.NewString()
	require.NoError(t, db.Users.CreateCore(ctx, &UserCore{
		ID: userID, TenantID: "acme", Status: "active", PIIStatus: "pending",
		PIIPartition: "default", CreatedAt: now, UpdatedAt: now,
	}))

	require.NoError(t, db.Consents.Upsert(ctx, userID, "app", []string{"openid", "profile"}, now))
	require.NoError(t, db.Consents.Upsert(ctx, userID, "app", []string{"profile", "email"}, now))

	c, err := db.Consents.Get(ctx, userID, "app")
	require.NoError(t, err)
	assert.Equal(t, []string{"openid", "profile", "email"}, c.GrantedScopes)
	assert.False(t, c.Revoked)

	require.NoError(t, db.Consents.Revoke(ctx, userID, "app", now))
	c, err = db.Consents.Get(ctx, userID, "app")
	require.NoError(t, err)
	assert.True(t, c.Revoked)

	// A fresh approval replaces the revoked grant without the old scopes.
	require.NoError(t, db.Consents.Upsert(ctx, userID, "app", []string{"openid"}, now))
	c, err = db.Consents.Get(ctx, userID, "app")
	require.NoError(t, err)
	assert.False(t, c.Revoked)
	assert.Equal(t, []string{"openid"}, c.GrantedScopes)

	_, err = db.Consents.Get(ctx, userID, "other")
	assert.ErrorIs(t, err, ErrConsentNotFound)
}

func TestSigningKeyLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)
	now := time.Now()

	require.NoError(t, db.Keys.Save(ctx, &StoredKey{
		KID: "key-1", Algorithm: "RS256", Status: "active",
		PrivateKeyEnc: []byte{1, 2}, PublicKeyPEM: []byte("pem1"), CreatedAt: now,
	}))
	require.NoError(t, db.Keys.Save(ctx, &StoredKey{
		KID: "key-2", Algorithm: "RS256", Status: "active",
		PrivateKeyEnc: []byte{3, 4}, PublicKeyPEM: []byte("pem2"), CreatedAt: now.Add(time.Second),
	}))

	require.NoError(t, db.Keys.SetStatus(ctx, "key-1", "rotating", now.Add(time.Minute)))
	assert.ErrorIs(t, db.Keys.SetStatus(ctx, "missing", "retired", now), ErrKeyNotFound)

	keys, err := db.Keys.List(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "key-2", keys[0].KID)
	assert.Equal(t, "rotating", keys[1].Status)
	assert.False(t, keys[1].RotatedAt.IsZero())
}
