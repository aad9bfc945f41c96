// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package flow is the hierarchical state machine behind every interactive
// surface: login, consent, device approval, and CIBA approval. Each step
// emits a UI-neutral contract; UIs submit typed events back. Guards never
// embed authorization logic — every permission is precomputed into the
// pinned policy or delegated to the consent service.
package flow

import (
	"context"
	"errors"
	"time"

	"github.com/stacklok/passgate/pkg/consent"
	"github.com/stacklok/passgate/pkg/contracts"
	"github.com/stacklok/passgate/pkg/events"
	"github.com/stacklok/passgate/pkg/federation"
	"github.com/stacklok/passgate/pkg/passwordless"
	"github.com/stacklok/passgate/pkg/policy"
	"github.com/stacklok/passgate/pkg/protocol"
	"github.com/stacklok/passgate/pkg/storage"
	"github.com/stacklok/passgate/pkg/users"
)

// transitions is the forward-only edge set. A target outside the source's
// edge list is invalid_transition regardless of palette.
var transitions = map[string][]string{
	policy.NodeValidating:      {policy.NodeCheckingSession, policy.NodeError},
	policy.NodeCheckingSession: {policy.NodeNeedsLogin, policy.NodeNeedsReauth, policy.NodeCheckingConsent, policy.NodeError},
	policy.NodeNeedsLogin:      {policy.NodeIdentifyingUser, policy.NodeError},
	policy.NodeNeedsReauth:     {policy.NodeIdentifyingUser, policy.NodeSelectingMethod, policy.NodeError},
	policy.NodeIdentifyingUser: {policy.NodeSelectingMethod, policy.NodeError},
	policy.NodeSelectingMethod: {policy.NodePasskey, policy.NodeEmailCode, policy.NodeExternalIdP, policy.NodeDID, policy.NodeError},
	policy.NodePasskey:         {policy.NodeAuthenticated, policy.NodeSelectingMethod, policy.NodeComplete, policy.NodeError},
	policy.NodeEmailCode:       {policy.NodeAuthenticated, policy.NodeSelectingMethod, policy.NodeError},
	policy.NodeExternalIdP:     {policy.NodeAuthenticated, policy.NodeSelectingMethod, policy.NodeError},
	policy.NodeDID:             {policy.NodeAuthenticated, policy.NodeSelectingMethod, policy.NodeError},
	policy.NodeAuthenticated:   {policy.NodeCheckingConsent, policy.NodeComplete, policy.NodeError},
	policy.NodeCheckingConsent: {policy.NodeNeedsConsent, policy.NodeIssuingCode, policy.NodeError},
	policy.NodeNeedsConsent:    {policy.NodeIssuingCode, policy.NodeError},
	policy.NodeIssuingCode:     {policy.NodeComplete, policy.NodeError},

	policy.NodeDeviceCodeEntry: {policy.NodeDeviceApproval, policy.NodeError},
	policy.NodeDeviceApproval:  {policy.NodeDeviceDone, policy.NodeError},
	policy.NodeCIBAApproval:    {policy.NodeCIBADone, policy.NodeError},
	policy.NodeConsentReview:   {policy.NodeConsentDone, policy.NodeError},
}

// terminal states accept no further events.
var terminal = map[string]bool{
	policy.NodeComplete:    true,
	policy.NodeError:       true,
	policy.NodeCIBADone:    true,
	policy.NodeDeviceDone:  true,
	policy.NodeConsentDone: true,
	policy.NodeLogoutComplete: true,
}

// Completer finishes an authorization challenge: code issuance plus
// redirect assembly on success, error redirect on denial. Wired by the
// authorize orchestrator.
type Completer interface {
	Complete(ctx context.Context, c *storage.Challenge) (string, error)
	Denied(ctx context.Context, c *storage.Challenge, cause *protocol.Error) (string, error)
}

// AsyncApprover drives a backchannel grant from its approval challenge.
type AsyncApprover interface {
	// Attach binds a challenge to a pending request identified by user code.
	Attach(ctx context.Context, c *storage.Challenge, userCode string) error
	Approve(ctx context.Context, c *storage.Challenge) error
	Deny(ctx context.Context, c *storage.Challenge) error
}

// Config wires the engine's collaborators.
type Config struct {
	Stores     *storage.Stores
	Users      *users.Service
	Consent    *consent.Service
	EmailOTP   *passwordless.EmailOTP
	WebAuthn   *passwordless.WebAuthn
	Federation *federation.Service
	Registry   *contracts.Registry
	Bus        *events.Bus
	// CallbackURL is the upstream IdP redirect target.
	CallbackURL string
}

// Engine processes flow events over durable challenge records. Every state
// change goes through the store's CAS update before a response leaves.
type Engine struct {
	cfg       Config
	completer Completer
	ciba      AsyncApprover
	device    AsyncApprover
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds the engine. The completer and approvers are attached after
// construction because they depend on the engine's consumers.
func New(cfg Config, opts ...Option) *Engine {
	e := &Engine{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetCompleter attaches the authorization completer.
func (e *Engine) SetCompleter(c Completer) { e.completer = c }

// SetCIBA attaches the CIBA approver.
func (e *Engine) SetCIBA(a AsyncApprover) { e.ciba = a }

// SetDevice attaches the device-grant approver.
func (e *Engine) SetDevice(a AsyncApprover) { e.device = a }

// Contract returns the current UI contract for a challenge.
func (e *Engine) Contract(ctx context.Context, challengeID string) (*UIContract, error) {
	c, err := e.load(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	return e.render(c), nil
}

// HandleEvent applies one typed event. Flow-local failures come back inside
// the contract's context.error; only challenge lookup failures and invalid
// events surface as protocol errors.
func (e *Engine) HandleEvent(ctx context.Context, challengeID string, evt Event) (*Result, error) {
	c, err := e.load(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if terminal[c.State] {
		return nil, protocol.ErrInvalidTransition.WithDescription("flow already finished")
	}

	if evt.Type == EventCancel {
		return e.cancel(ctx, c)
	}

	step, err := e.dispatch(ctx, c, evt)
	if err != nil {
		return nil, err
	}
	return e.apply(ctx, c, step)
}

// step is the computed effect of one event: a challenge mutation plus an
// optional terminal redirect.
type step struct {
	from     string
	mutate   func(c *storage.Challenge) error
	flowErr  *protocol.Error // surfaced via contract context.error
	redirect string          // non-empty only with finish
	// sessionID is the session minted while completing, for the cookie.
	sessionID string
	finish    bool
}

func (e *Engine) dispatch(ctx context.Context, c *storage.Challenge, evt Event) (*step, error) {
	switch c.State {
	case policy.NodeIdentifyingUser:
		return e.identify(ctx, c, evt)
	case policy.NodeSelectingMethod:
		return e.selectMethod(ctx, c, evt)
	case policy.NodePasskey:
		return e.passkey(ctx, c, evt)
	case policy.NodeEmailCode:
		return e.emailCode(ctx, c, evt)
	case policy.NodeExternalIdP:
		return e.externalIdP(ctx, c, evt)
	case policy.NodeNeedsConsent:
		return e.consentDecision(ctx, c, evt)
	case policy.NodeCIBAApproval:
		return e.asyncDecision(ctx, c, evt, e.ciba, policy.NodeCIBADone)
	case policy.NodeDeviceCodeEntry:
		return e.deviceEntry(ctx, c, evt)
	case policy.NodeDeviceApproval:
		return e.asyncDecision(ctx, c, evt, e.device, policy.NodeDeviceDone)
	default:
		return nil, protocol.ErrInvalidEvent.WithDescription("no events accepted in state %s", c.State)
	}
}

// apply persists the step's mutation through CAS and renders the outcome.
// The guard inside the mutator rejects the write when another request moved
// the challenge first.
func (e *Engine) apply(ctx context.Context, c *storage.Challenge, s *step) (*Result, error) {
	updated, err := e.cfg.Stores.Challenges.Update(ctx, c.ID, func(cur *storage.Challenge) error {
		if cur.State != s.from {
			return protocol.ErrInvalidTransition.WithDescription("challenge moved concurrently")
		}
		return s.mutate(cur)
	})
	if err != nil {
		var pe *protocol.Error
		if errors.As(err, &pe) {
			return nil, pe
		}
		return nil, e.mapStoreErr(err)
	}

	if s.finish {
		if _, err := e.cfg.Stores.Challenges.Finish(ctx, c.ID, c.TenantID); err != nil && !storage.IsGone(err) {
			return nil, e.mapStoreErr(err)
		}
		if s.redirect != "" {
			return &Result{RedirectTo: s.redirect, SessionID: s.sessionID}, nil
		}
	}

	contract := e.render(updated)
	if s.flowErr != nil {
		contract.Context.Error = &ContractError{Code: s.flowErr.Code, Detail: s.flowErr.Description}
	}
	return &Result{Contract: contract}, nil
}

// advance validates a transition against the edge table, the pinned
// palette, and monotonicity, then applies it.
func (e *Engine) advance(c *storage.Challenge, to string) error {
	allowed := false
	for _, next := range transitions[c.State] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return protocol.ErrInvalidTransition.WithDescription("%s -> %s", c.State, to)
	}
	if to != policy.NodeError && to != policy.NodeComplete && c.Policy != nil && !c.Policy.AllowsNode(to) {
		return protocol.ErrInvalidTransition.WithDescription("state %s outside policy palette", to)
	}
	c.State = to
	return nil
}

func (e *Engine) cancel(ctx context.Context, c *storage.Challenge) (*Result, error) {
	var redirect string
	if c.Authorize != nil && e.completer != nil {
		var err error
		redirect, err = e.completer.Denied(ctx, c, protocol.ErrAccessDenied.WithDescription("cancelled"))
		if err != nil {
			return nil, err
		}
	}
	return e.apply(ctx, c, &step{
		from: c.State,
		mutate: func(cur *storage.Challenge) error {
			cur.State = policy.NodeError
			cur.LastError = protocol.ErrAccessDenied.Code
			return nil
		},
		redirect: redirect,
		finish:   true,
	})
}

func (e *Engine) load(ctx context.Context, id string) (*storage.Challenge, error) {
	c, err := e.cfg.Stores.Challenges.Get(ctx, id)
	if err != nil {
		return nil, e.mapStoreErr(err)
	}
	return c, nil
}

func (e *Engine) mapStoreErr(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return protocol.ErrChallengeNotFound
	case errors.Is(err, storage.ErrExpired):
		return protocol.ErrChallengeExpired
	case errors.Is(err, storage.ErrRevoked):
		return protocol.ErrChallengeConsumed
	case errors.Is(err, storage.ErrContention):
		return protocol.ErrContention
	default:
		return err
	}
}
