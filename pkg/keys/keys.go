// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keys manages the issuer's signing keys: generation, rotation with
// an overlap window, JWKS publication, and encrypted persistence.
//
// Key lifecycle: active (signs and verifies) -> rotating (verifies only,
// still published) -> retired (gone from the JWKS). Emergency rotation skips
// the overlap and revokes the old key outright, so tokens signed with it
// stop verifying immediately.
package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	"github.com/stacklok/passgate/pkg/logger"
	"github.com/stacklok/passgate/pkg/storage/sqlite"
)

// Key lifecycle statuses.
const (
	StatusActive   = "active"
	StatusRotating = "rotating"
	StatusRetired  = "retired"
	StatusRevoked  = "revoked"
)

// Rotation reasons, recorded in metrics and events.
const (
	ReasonScheduled = "scheduled"
	ReasonEmergency = "emergency"
	ReasonStartup   = "startup"
)

// Supported signing algorithms. RS256 is the default for issued tokens.
const (
	AlgRS256 = "RS256"
	AlgES256 = "ES256"
)

// Errors.
var (
	ErrRotationInProgress = errors.New("rotation already in progress")
	ErrNoActiveKey        = errors.New("no active signing key")
	ErrUnknownKID         = errors.New("unknown key id")
	ErrKeyRevoked         = errors.New("key has been revoked")
	ErrUnknownAlgorithm   = errors.New("unsupported signing algorithm")
)

// SigningKey is one in-memory key with its private material.
type SigningKey struct {
	KID       string
	Algorithm string
	Status    string
	Signer    crypto.Signer
	CreatedAt time.Time
	RotatedAt time.Time
}

// Public returns the verification key.
func (k *SigningKey) Public() crypto.PublicKey {
	return k.Signer.Public()
}

// Manager owns the signing keys. All reads take a snapshot under the read
// lock; Rotate is single-writer and concurrent rotations fail fast with
// ErrRotationInProgress.
type Manager struct {
	store      *sqlite.KeyStore
	box        *secretBox
	algorithms []string
	overlap    time.Duration
	now        func() time.Time
	onRotate   func(reason string)

	mu   sync.RWMutex
	keys map[string]*SigningKey // by kid
	// active key per algorithm
	active map[string]*SigningKey

	rotating sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithAlgorithms overrides the generated algorithm set.
func WithAlgorithms(algs ...string) Option {
	return func(m *Manager) { m.algorithms = algs }
}

// WithRotationObserver registers a callback invoked after each rotation.
func WithRotationObserver(fn func(reason string)) Option {
	return func(m *Manager) { m.onRotate = fn }
}

// New loads persisted keys from the store, decrypting private material with
// a key derived from secret. If no active key exists for a configured
// algorithm, one is generated, so first boot and post-emergency restarts
// both converge to a signable state.
func New(ctx context.Context, store *sqlite.KeyStore, secret []byte, overlap time.Duration, opts ...Option) (*Manager, error) {
	box, err := newSecretBox(secret)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		store:      store,
		box:        box,
		algorithms: []string{AlgRS256, AlgES256},
		overlap:    overlap,
		now:        time.Now,
		keys:       map[string]*SigningKey{},
		active:     map[string]*SigningKey{},
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := m.load(ctx); err != nil {
		return nil, err
	}
	for _, alg := range m.algorithms {
		if m.active[alg] == nil {
			key, err := m.generate(ctx, alg)
			if err != nil {
				return nil, err
			}
			m.keys[key.KID] = key
			m.active[alg] = key
			logger.Infow("generated signing key", "kid", key.KID, "algorithm", alg, "reason", ReasonStartup)
		}
	}
	return m, nil
}

func (m *Manager) load(ctx context.Context) error {
	stored, err := m.store.List(ctx)
	if err != nil {
		return err
	}
	for _, sk := range stored {
		if sk.Status == StatusRetired || sk.Status == StatusRevoked {
			continue
		}
		signer, err := m.box.decryptSigner(sk.PrivateKeyEnc)
		if err != nil {
			return fmt.Errorf("decrypting key %s: %w", sk.KID, err)
		}
		key := &SigningKey{
			KID:       sk.KID,
			Algorithm: sk.Algorithm,
			Status:    sk.Status,
			Signer:    signer,
			CreatedAt: sk.CreatedAt,
			RotatedAt: sk.RotatedAt,
		}
		m.keys[key.KID] = key
		// List is newest first; keep the newest active per algorithm.
		if key.Status == StatusActive && m.active[key.Algorithm] == nil {
			m.active[key.Algorithm] = key
		}
	}
	return nil
}

func (m *Manager) generate(ctx context.Context, alg string) (*SigningKey, error) {
	var signer crypto.Signer
	var err error
	switch alg {
	case AlgRS256:
		signer, err = rsa.GenerateKey(rand.Reader, 2048)
	case AlgES256:
		signer, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, alg)
	}
	if err != nil {
		return nil, fmt.Errorf("generating %s key: %w", alg, err)
	}

	now := m.now()
	key := &SigningKey{
		KID:       fmt.Sprintf("key-%d-%s", now.UnixMilli(), uuid.NewString()[:8]),
		Algorithm: alg,
		Status:    StatusActive,
		Signer:    signer,
		CreatedAt: now,
	}

	enc, err := m.box.encryptSigner(signer)
	if err != nil {
		return nil, err
	}
	pubPEM, err := marshalPublicPEM(signer.Public())
	if err != nil {
		return nil, err
	}
	if err := m.store.Save(ctx, &sqlite.StoredKey{
		KID:           key.KID,
		Algorithm:     alg,
		Status:        StatusActive,
		PrivateKeyEnc: enc,
		PublicKeyPEM:  pubPEM,
		CreatedAt:     now,
	}); err != nil {
		return nil, err
	}
	return key, nil
}

// Active returns the signing key for the default RS256 algorithm.
func (m *Manager) Active() (*SigningKey, error) {
	return m.ActiveFor(AlgRS256)
}

// ActiveFor returns the signing key for one algorithm.
func (m *Manager) ActiveFor(alg string) (*SigningKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := m.active[alg]
	if key == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoActiveKey, alg)
	}
	return key, nil
}

// ByKID resolves a verification key. Rotating keys verify until the overlap
// window elapses; revoked and retired keys never verify.
func (m *Manager) ByKID(kid string) (*SigningKey, error) {
	m.demoteExpired()

	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKID, kid)
	}
	switch key.Status {
	case StatusActive, StatusRotating:
		return key, nil
	case StatusRevoked:
		return nil, fmt.Errorf("%w: %s", ErrKeyRevoked, kid)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKID, kid)
	}
}

// JWKS returns the public key set for /.well-known/jwks.json. Only public
// material leaves this package, and only for active and rotating keys.
func (m *Manager) JWKS() jose.JSONWebKeySet {
	m.demoteExpired()

	m.mu.RLock()
	defer m.mu.RUnlock()
	var set jose.JSONWebKeySet
	for _, key := range m.keys {
		if key.Status != StatusActive && key.Status != StatusRotating {
			continue
		}
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       key.Public(),
			KeyID:     key.KID,
			Algorithm: key.Algorithm,
			Use:       "sig",
		})
	}
	return set
}

// demoteExpired lazily moves rotating keys whose overlap window has elapsed
// to retired. Persistence is best-effort: the in-memory demotion is what
// stops verification, and a restart re-runs the same check.
func (m *Manager) demoteExpired() {
	now := m.now()

	m.mu.Lock()
	var demoted []*SigningKey
	for _, key := range m.keys {
		if key.Status == StatusRotating && !key.RotatedAt.IsZero() && now.Sub(key.RotatedAt) > m.overlap {
			key.Status = StatusRetired
			demoted = append(demoted, key)
		}
	}
	m.mu.Unlock()

	for _, key := range demoted {
		if err := m.store.SetStatus(context.Background(), key.KID, StatusRetired, key.RotatedAt); err != nil {
			logger.Warnw("persisting key retirement failed", "kid", key.KID, "error", err)
		}
		logger.Infow("signing key retired", "kid", key.KID, "algorithm", key.Algorithm)
	}
}

// Rotate replaces the active key for every configured algorithm. Scheduled
// rotation keeps the old keys verifying through the overlap window;
// emergency rotation revokes them immediately.
func (m *Manager) Rotate(ctx context.Context, reason string) error {
	if !m.rotating.TryLock() {
		return ErrRotationInProgress
	}
	defer m.rotating.Unlock()

	now := m.now()
	oldStatus := StatusRotating
	if reason == ReasonEmergency {
		oldStatus = StatusRevoked
	}

	for _, alg := range m.algorithms {
		fresh, err := m.generate(ctx, alg)
		if err != nil {
			return err
		}

		m.mu.Lock()
		old := m.active[alg]
		m.keys[fresh.KID] = fresh
		m.active[alg] = fresh
		if old != nil {
			old.Status = oldStatus
			old.RotatedAt = now
		}
		m.mu.Unlock()

		if old != nil {
			if err := m.store.SetStatus(ctx, old.KID, oldStatus, now); err != nil {
				return fmt.Errorf("demoting key %s: %w", old.KID, err)
			}
			logger.Infow("signing key rotated",
				"algorithm", alg, "old_kid", old.KID, "new_kid", fresh.KID, "reason", reason)
		}
	}

	if m.onRotate != nil {
		m.onRotate(reason)
	}
	return nil
}

// Run rotates on a fixed schedule until the context is canceled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Rotate(ctx, ReasonScheduled); err != nil && !errors.Is(err, ErrRotationInProgress) {
				logger.Errorw("scheduled key rotation failed", "error", err)
			}
		}
	}
}
