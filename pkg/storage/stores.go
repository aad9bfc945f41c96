// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Stores bundles every short-lived store over one engine.
type Stores struct {
	Codes      *Store[AuthorizationCode]
	PAR        *Store[PARRecord]
	Challenges *ChallengeStore
	Sessions   *SessionStore
	Refresh    *RefreshStore
	CIBA       *Store[CIBARequest]
	Devices    *Store[DeviceGrant]
	UserCodes  *Store[string] // device user_code -> device code key
	JTIs       *Store[JTIRecord]

	engine Engine
}

// New creates the store bundle. onRetry, when non-nil, observes CAS retries
// for the contention metric.
func New(engine Engine, onRetry func()) *Stores {
	return &Stores{
		Codes:      NewStore[AuthorizationCode](engine, KindCode, MaxCodeTTL, WithContentionObserver[AuthorizationCode](onRetry)),
		PAR:        NewStore[PARRecord](engine, KindPAR, MaxPARTTL, WithContentionObserver[PARRecord](onRetry)),
		Challenges: &ChallengeStore{Store: NewStore[Challenge](engine, KindChallenge, 0, WithContentionObserver[Challenge](onRetry))},
		Sessions:   &SessionStore{Store: NewStore[Session](engine, KindSession, 0, WithContentionObserver[Session](onRetry))},
		Refresh:    &RefreshStore{Store: NewStore[RefreshToken](engine, KindRefresh, 0, WithContentionObserver[RefreshToken](onRetry))},
		CIBA:       NewStore[CIBARequest](engine, KindCIBA, 0, WithContentionObserver[CIBARequest](onRetry)),
		Devices:    NewStore[DeviceGrant](engine, KindDevice, 0, WithContentionObserver[DeviceGrant](onRetry)),
		UserCodes:  NewStore[string](engine, KindDevice+"-uc", 0),
		JTIs:       NewStore[JTIRecord](engine, KindJTI, JTIReplayWindow),
		engine:     engine,
	}
}

// Ping reports engine health.
func (s *Stores) Ping(ctx context.Context) error {
	return s.engine.Ping(ctx)
}

// Close closes the underlying engine.
func (s *Stores) Close() error {
	return s.engine.Close()
}

// ChallengeStore adds tenant capacity enforcement over the challenge store.
type ChallengeStore struct {
	*Store[Challenge]
}

func tenantIndex(tenantID string) string {
	return "tenant:" + tenantID
}

// Create stores a new challenge, enforcing the per-tenant active-challenge
// cap at insert time. Overflow returns ErrIndexFull.
func (s *ChallengeStore) Create(ctx context.Context, c *Challenge, ttl time.Duration) error {
	limit := int64(0)
	if c.Policy != nil {
		limit = c.Policy.Limits.MaxActiveChallenges
	}
	return s.PutIndexed(ctx, c.ID, c, ttl, tenantIndex(c.TenantID), limit)
}

// Finish consumes a challenge and releases its tenant index slot.
func (s *ChallengeStore) Finish(ctx context.Context, id, tenantID string) (*Challenge, error) {
	c, err := s.Consume(ctx, id)
	if err != nil {
		return nil, err
	}
	_ = s.RemoveFromIndex(ctx, tenantIndex(tenantID), id)
	return c, nil
}

// SessionStore adds the session-specific operations: logout fanout listing,
// idle extension, and revocation that keeps the tombstone queryable.
type SessionStore struct {
	*Store[Session]
}

func userIndex(userID string) string {
	return "user:" + userID
}

func upstreamSubIndex(issuer, sub string) string {
	return "upstream:" + issuer + "|sub:" + sub
}

func upstreamSIDIndex(issuer, sid string) string {
	return "upstream:" + issuer + "|sid:" + sid
}

// Create stores a session and registers it for listByUser, enforcing the
// per-tenant active-session cap.
func (s *SessionStore) Create(ctx context.Context, sess *Session, ttl time.Duration, maxActive int64) error {
	if err := s.engineAdd(ctx, sess, maxActive); err != nil {
		return err
	}
	if err := s.Put(ctx, sess.ID, sess, ttl); err != nil {
		_ = s.RemoveFromIndex(ctx, userIndex(sess.UserID), sess.ID)
		return err
	}
	return nil
}

func (s *SessionStore) engineAdd(ctx context.Context, sess *Session, maxActive int64) error {
	// The user index powers logout fanout; the tenant index powers the cap.
	if err := s.Store.engine.AddToIndex(ctx, s.Store.kind+":"+tenantIndex(sess.TenantID), sess.ID, maxActive); err != nil {
		return err
	}
	if err := s.Store.engine.AddToIndex(ctx, s.Store.kind+":"+userIndex(sess.UserID), sess.ID, 0); err != nil {
		_ = s.Store.engine.RemoveFromIndex(ctx, s.Store.kind+":"+tenantIndex(sess.TenantID), sess.ID)
		return err
	}
	// Federated sessions are additionally findable by upstream identity so
	// an upstream back-channel logout can end them. A failure here is not
	// worth failing the login over.
	if sess.UpstreamSub != "" {
		idx := upstreamSubIndex(sess.UpstreamIssuer, sess.UpstreamSub)
		_ = s.Store.engine.AddToIndex(ctx, s.Store.kind+":"+idx, sess.ID, 0)
	}
	if sess.UpstreamSID != "" {
		idx := upstreamSIDIndex(sess.UpstreamIssuer, sess.UpstreamSID)
		_ = s.Store.engine.AddToIndex(ctx, s.Store.kind+":"+idx, sess.ID, 0)
	}
	return nil
}

// ListByUser returns every live session for a user. Revoked and expired
// entries are filtered out and their index slots reclaimed.
func (s *SessionStore) ListByUser(ctx context.Context, userID string) ([]*Session, error) {
	return s.listByIndex(ctx, userIndex(userID))
}

// ListByUpstreamSub returns every live session established through the given
// upstream subject.
func (s *SessionStore) ListByUpstreamSub(ctx context.Context, issuer, sub string) ([]*Session, error) {
	return s.listByIndex(ctx, upstreamSubIndex(issuer, sub))
}

// ListByUpstreamSID returns every live session established through the given
// upstream session.
func (s *SessionStore) ListByUpstreamSID(ctx context.Context, issuer, sid string) ([]*Session, error) {
	return s.listByIndex(ctx, upstreamSIDIndex(issuer, sid))
}

// listByIndex resolves index members to live sessions, reclaiming stale
// entries as they are found.
func (s *SessionStore) listByIndex(ctx context.Context, idx string) ([]*Session, error) {
	ids, err := s.IndexMembers(ctx, idx)
	if err != nil {
		return nil, err
	}
	var live []*Session
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if err != nil {
			if IsGone(err) {
				_ = s.RemoveFromIndex(ctx, idx, id)
				continue
			}
			return nil, err
		}
		live = append(live, sess)
	}
	return live, nil
}

// Extend pushes idle expiry forward after activity, bounded by the absolute
// expiry. Revoked sessions cannot be extended.
func (s *SessionStore) Extend(ctx context.Context, id string, idleTTL time.Duration, now time.Time) (*Session, error) {
	return s.Update(ctx, id, func(sess *Session) error {
		next := now.Add(idleTTL).UnixMilli()
		if next > sess.ExpiresAt {
			next = sess.ExpiresAt
		}
		sess.IdleExpiresAt = next
		sess.LastActiveAt = now.UnixMilli()
		return nil
	})
}

// Active reports whether a session is usable at the given instant: present,
// not revoked, and inside both expiry windows.
func (s *SessionStore) Active(ctx context.Context, id string, now time.Time) (*Session, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ms := now.UnixMilli()
	if ms > sess.ExpiresAt || ms > sess.IdleExpiresAt {
		return nil, ErrExpired
	}
	return sess, nil
}

// RefreshStore adds rotation-family bookkeeping over the refresh store.
type RefreshStore struct {
	*Store[RefreshToken]
}

func familyIndex(familyID string) string {
	return "family:" + familyID
}

// Create stores a refresh token and registers it in its family.
func (s *RefreshStore) Create(ctx context.Context, key string, rt *RefreshToken, ttl time.Duration) error {
	if err := s.Store.engine.AddToIndex(ctx, s.Store.kind+":"+familyIndex(rt.FamilyID), key, 0); err != nil {
		return err
	}
	if err := s.Put(ctx, key, rt, ttl); err != nil {
		_ = s.RemoveFromIndex(ctx, familyIndex(rt.FamilyID), key)
		return err
	}
	return nil
}

// MarkRotated flags a redeemed token so a later replay is recognizable as a
// family compromise. The record stays until its TTL.
func (s *RefreshStore) MarkRotated(ctx context.Context, key string) error {
	_, err := s.Update(ctx, key, func(rt *RefreshToken) error {
		if rt.Rotated {
			return fmt.Errorf("%w: already rotated", ErrRevoked)
		}
		rt.Rotated = true
		return nil
	})
	return err
}

// RevokeFamily revokes every member of a rotation family. Used when a
// rotated token is replayed.
func (s *RefreshStore) RevokeFamily(ctx context.Context, familyID, reason string) error {
	keys, err := s.IndexMembers(ctx, familyIndex(familyID))
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.Revoke(ctx, key, reason); err != nil && !IsGone(err) {
			return err
		}
	}
	return nil
}

// MapIndexFull translates the capacity error for callers that surface it as
// resource_exhausted.
func MapIndexFull(err error) bool {
	return errors.Is(err, ErrIndexFull)
}
