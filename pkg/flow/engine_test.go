// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/passgate/pkg/consent"
	"github.com/stacklok/passgate/pkg/contracts"
	"github.com/stacklok/passgate/pkg/events"
	"github.com/stacklok/passgate/pkg/passwordless"
	"github.com/stacklok/passgate/pkg/policy"
	"github.com/stacklok/passgate/pkg/protocol"
	"github.com/stacklok/passgate/pkg/ratelimit"
	"github.com/stacklok/passgate/pkg/storage"
	"github.com/stacklok/passgate/pkg/storage/sqlite"
	"github.com/stacklok/passgate/pkg/users"
)

// captureSender grabs the last emailed code instead of sending mail.
type captureSender struct{ code string }

func (c *captureSender) Send(_ context.Context, _, code string) error {
	c.code = code
	return nil
}

// fakeCompleter stands in for the authorize orchestrator.
type fakeCompleter struct {
	completed *storage.Challenge
	denied    *protocol.Error
}

func (f *fakeCompleter) Complete(_ context.Context, c *storage.Challenge) (string, error) {
	copied := *c
	f.completed = &copied
	return "https://client.example/cb?code=issued", nil
}

func (f *fakeCompleter) Denied(_ context.Context, _ *storage.Challenge, cause *protocol.Error) (string, error) {
	f.denied = cause
	return "https://client.example/cb?error=" + cause.Code, nil
}

type testRig struct {
	engine    *Engine
	stores    *storage.Stores
	users     *users.Service
	sender    *captureSender
	completer *fakeCompleter
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	bus := events.NewBus()
	stores := storage.New(storage.NewMemoryEngine(), nil)
	userSvc := users.New(db.Users, db.Consents, bus, []byte("blind-secret"))
	consentSvc := consent.New(db.Consents, bus)
	sender := &captureSender{}
	otp := passwordless.NewEmailOTP(sender, ratelimit.NewMemoryLimiter())

	eng := New(Config{
		Stores:   stores,
		Users:    userSvc,
		Consent:  consentSvc,
		EmailOTP: otp,
		Bus:      bus,
	})
	completer := &fakeCompleter{}
	eng.SetCompleter(completer)

	return &testRig{engine: eng, stores: stores, users: userSvc, sender: sender, completer: completer}
}

func loginPolicy() *policy.ResolvedPolicy {
	return &policy.ResolvedPolicy{
		ResolutionID:    "res-1",
		TenantID:        "acme",
		ClientID:        "web-app",
		Scopes:          []string{"openid", "profile"},
		AuthMethods:     []string{contracts.MethodPasskey, contracts.MethodEmailCode},
		SecurityTier:    2,
		ConsentMode:     contracts.ConsentExplicit,
		ConsentRemember: true,
		FlowPalette: []string{
			policy.NodeValidating, policy.NodeCheckingSession, policy.NodeNeedsLogin,
			policy.NodeIdentifyingUser, policy.NodeSelectingMethod,
			policy.NodePasskey, policy.NodeEmailCode,
			policy.NodeAuthenticated, policy.NodeCheckingConsent,
			policy.NodeNeedsConsent, policy.NodeIssuingCode,
		},
	}
}

func (r *testRig) newLoginChallenge(t *testing.T) *storage.Challenge {
	t.Helper()
	id, err := storage.NewID()
	require.NoError(t, err)
	c := &storage.Challenge{
		ID:       id,
		TenantID: "acme",
		ClientID: "web-app",
		Type:     storage.ChallengeLogin,
		State:    policy.NodeIdentifyingUser,
		Policy:   loginPolicy(),
		Authorize: &storage.AuthRequest{
			ClientID:     "web-app",
			RedirectURI:  "https://client.example/cb",
			ResponseType: "code",
			Scope:        []string{"openid", "profile"},
		},
		CreatedAt: time.Now().UnixMilli(),
		ExpiresAt: time.Now().Add(storage.ChallengeTTL).UnixMilli(),
	}
	require.NoError(t, r.stores.Challenges.Create(context.Background(), c, storage.ChallengeTTL))
	return c
}

func submit(data map[string]string) Event {
	return Event{Type: EventSubmit, Data: data}
}

func TestEmailCodeLoginThroughConsent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	rig := newTestRig(t)
	_, err := rig.users.Provision(ctx, "acme", "ada@example.com", "Ada")
	require.NoError(t, err)
	c := rig.newLoginChallenge(t)

	res, err := rig.engine.HandleEvent(ctx, c.ID, submit(map[string]string{"identifier": "ada@example.com"}))
	require.NoError(t, err)
	assert.Equal(t, IntentChooseMethod, res.Contract.Intent)
	assert.Contains(t, res.Contract.Features.AuthMethods, contracts.MethodEmailCode)

	res, err = rig.engine.HandleEvent(ctx, c.ID, submit(map[string]string{"method": contracts.MethodEmailCode}))
	require.NoError(t, err)
	assert.Equal(t, IntentCollectEmailCode, res.Contract.Intent)
	require.NotEmpty(t, rig.sender.code)
	assert.Equal(t, "a***@example.com", res.Contract.Capabilities[0].Hints["sent_to"])

	// A wrong code stays on the same step with a flow-local error.
	res, err = rig.engine.HandleEvent(ctx, c.ID, submit(map[string]string{"code": "000000"}))
	require.NoError(t, err)
	require.NotNil(t, res.Contract.Context.Error)
	assert.Equal(t, protocol.ErrValidationFailed.Code, res.Contract.Context.Error.Code)

	res, err = rig.engine.HandleEvent(ctx, c.ID, submit(map[string]string{"code": rig.sender.code}))
	require.NoError(t, err)
	assert.Equal(t, IntentReviewConsent, res.Contract.Intent)
	assert.Equal(t, []any{"openid", "profile"}, anySlice(res.Contract.Capabilities[0].Hints["scopes"]))

	res, err = rig.engine.HandleEvent(ctx, c.ID, Event{Type: EventApprove})
	require.NoError(t, err)
	assert.Equal(t, "https://client.example/cb?code=issued", res.RedirectTo)

	require.NotNil(t, rig.completer.completed)
	done := rig.completer.completed
	assert.Equal(t, []string{"otp"}, done.AMR)
	assert.Equal(t, "urn:passgate:acr:tier2", done.ACR)
	assert.NotZero(t, done.AuthTime)

	// The flow is consumed; further events are rejected.
	_, err = rig.engine.HandleEvent(ctx, c.ID, Event{Type: EventApprove})
	assert.Error(t, err)
}

// anySlice converts typed hint slices for comparison; JSON round-trips make
// the concrete element type irrelevant to UIs.
func anySlice(v any) []any {
	switch s := v.(type) {
	case []any:
		return s
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	default:
		return nil
	}
}

func TestConsentDenialRedirectsWithError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	rig := newTestRig(t)
	_, err := rig.users.Provision(ctx, "acme", "bob@example.com", "Bob")
	require.NoError(t, err)
	c := rig.newLoginChallenge(t)

	_, err = rig.engine.HandleEvent(ctx, c.ID, submit(map[string]string{"identifier": "bob@example.com"}))
	require.NoError(t, err)
	_, err = rig.engine.HandleEvent(ctx, c.ID, submit(map[string]string{"method": contracts.MethodEmailCode}))
	require.NoError(t, err)
	_, err = rig.engine.HandleEvent(ctx, c.ID, submit(map[string]string{"code": rig.sender.code}))
	require.NoError(t, err)

	res, err := rig.engine.HandleEvent(ctx, c.ID, Event{Type: EventDeny})
	require.NoError(t, err)
	assert.Equal(t, "https://client.example/cb?error="+protocol.ErrAccessDenied.Code, res.RedirectTo)
	require.NotNil(t, rig.completer.denied)
}

func TestRememberedConsentSkipsScreen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	rig := newTestRig(t)
	_, err := rig.users.Provision(ctx, "acme", "eve@example.com", "Eve")
	require.NoError(t, err)

	run := func() (string, *Result) {
		c := rig.newLoginChallenge(t)
		_, err := rig.engine.HandleEvent(ctx, c.ID, submit(map[string]string{"identifier": "eve@example.com"}))
		require.NoError(t, err)
		_, err = rig.engine.HandleEvent(ctx, c.ID, submit(map[string]string{"method": contracts.MethodEmailCode}))
		require.NoError(t, err)
		res, err := rig.engine.HandleEvent(ctx, c.ID, submit(map[string]string{"code": rig.sender.code}))
		require.NoError(t, err)
		return c.ID, res
	}

	id, first := run()
	assert.Equal(t, IntentReviewConsent, first.Contract.Intent)

	// Approve once; the grant is remembered.
	res, err := rig.engine.HandleEvent(ctx, id, Event{Type: EventApprove})
	require.NoError(t, err)
	assert.NotEmpty(t, res.RedirectTo)

	// Second login goes straight to the redirect.
	_, second := run()
	assert.Nil(t, second.Contract)
	assert.NotEmpty(t, second.RedirectTo)
}

func TestUnknownIdentifierIsGeneric(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	rig := newTestRig(t)
	c := rig.newLoginChallenge(t)

	res, err := rig.engine.HandleEvent(ctx, c.ID, submit(map[string]string{"identifier": "ghost@example.com"}))
	require.NoError(t, err)
	assert.Equal(t, IntentCollectIdentifier, res.Contract.Intent)
	require.NotNil(t, res.Contract.Context.Error)
	assert.Equal(t, protocol.ErrValidationFailed.Code, res.Contract.Context.Error.Code)
}

func TestMethodOutsidePolicyRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	rig := newTestRig(t)
	_, err := rig.users.Provision(ctx, "acme", "ada@example.com", "Ada")
	require.NoError(t, err)
	c := rig.newLoginChallenge(t)

	_, err = rig.engine.HandleEvent(ctx, c.ID, submit(map[string]string{"identifier": "ada@example.com"}))
	require.NoError(t, err)

	res, err := rig.engine.HandleEvent(ctx, c.ID, submit(map[string]string{"method": contracts.MethodExternalIdP}))
	require.NoError(t, err)
	assert.Equal(t, IntentChooseMethod, res.Contract.Intent)
	require.NotNil(t, res.Contract.Context.Error)
}

func TestCancelTerminatesWithDenial(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	rig := newTestRig(t)
	c := rig.newLoginChallenge(t)

	res, err := rig.engine.HandleEvent(ctx, c.ID, Event{Type: EventCancel})
	require.NoError(t, err)
	assert.Contains(t, res.RedirectTo, "error="+protocol.ErrAccessDenied.Code)

	_, err = rig.engine.HandleEvent(ctx, c.ID, submit(map[string]string{"identifier": "x@example.com"}))
	assert.Error(t, err)
}

func TestAttemptExhaustionFailsFlow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	rig := newTestRig(t)
	_, err := rig.users.Provision(ctx, "acme", "ada@example.com", "Ada")
	require.NoError(t, err)
	c := rig.newLoginChallenge(t)

	_, err = rig.engine.HandleEvent(ctx, c.ID, submit(map[string]string{"identifier": "ada@example.com"}))
	require.NoError(t, err)
	_, err = rig.engine.HandleEvent(ctx, c.ID, submit(map[string]string{"method": contracts.MethodEmailCode}))
	require.NoError(t, err)

	var last *Result
	for range 5 {
		last, err = rig.engine.HandleEvent(ctx, c.ID, submit(map[string]string{"code": "999999"}))
		require.NoError(t, err)
	}
	assert.NotEmpty(t, last.RedirectTo)
	require.NotNil(t, rig.completer.denied)
	assert.Equal(t, protocol.ErrAccessDenied.Code, rig.completer.denied.Code)

	// Even the right code is dead now.
	_, err = rig.engine.HandleEvent(ctx, c.ID, submit(map[string]string{"code": rig.sender.code}))
	assert.Error(t, err)
}

func TestEventInWrongStateRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	rig := newTestRig(t)
	c := rig.newLoginChallenge(t)

	_, err := rig.engine.HandleEvent(ctx, c.ID, Event{Type: EventApprove})
	assert.ErrorIs(t, err, protocol.ErrInvalidEvent)
}

func TestResendReplacesCode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	rig := newTestRig(t)
	_, err := rig.users.Provision(ctx, "acme", "ada@example.com", "Ada")
	require.NoError(t, err)
	c := rig.newLoginChallenge(t)

	_, err = rig.engine.HandleEvent(ctx, c.ID, submit(map[string]string{"identifier": "ada@example.com"}))
	require.NoError(t, err)
	_, err = rig.engine.HandleEvent(ctx, c.ID, submit(map[string]string{"method": contracts.MethodEmailCode}))
	require.NoError(t, err)
	first := rig.sender.code

	_, err = rig.engine.HandleEvent(ctx, c.ID, Event{Type: EventResendCode})
	require.NoError(t, err)
	fresh := rig.sender.code

	if first != fresh {
		// The old code no longer verifies.
		res, err := rig.engine.HandleEvent(ctx, c.ID, submit(map[string]string{"code": first}))
		require.NoError(t, err)
		require.NotNil(t, res.Contract.Context.Error)
	}

	res, err := rig.engine.HandleEvent(ctx, c.ID, submit(map[string]string{"code": fresh}))
	require.NoError(t, err)
	assert.Equal(t, IntentReviewConsent, res.Contract.Intent)
}
