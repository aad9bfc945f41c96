// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	wanprotocol "github.com/go-webauthn/webauthn/protocol"

	"github.com/stacklok/passgate/pkg/contracts"
	"github.com/stacklok/passgate/pkg/events"
	"github.com/stacklok/passgate/pkg/federation"
	"github.com/stacklok/passgate/pkg/policy"
	"github.com/stacklok/passgate/pkg/protocol"
	"github.com/stacklok/passgate/pkg/storage"
	"github.com/stacklok/passgate/pkg/users"
)

// acrForTier maps a resolved security tier to its acr value.
func acrForTier(tier int) string {
	return fmt.Sprintf("urn:passgate:acr:tier%d", tier)
}

func (e *Engine) profile(c *storage.Challenge) contracts.RateLimitProfile {
	if c.Policy == nil {
		return nil
	}
	return c.Policy.RateLimits
}

// identify resolves the submitted identifier to an account. Unknown
// identifiers come back as a generic validation failure so the endpoint
// cannot be used to enumerate accounts.
func (e *Engine) identify(ctx context.Context, c *storage.Challenge, evt Event) (*step, error) {
	if evt.Type != EventSubmit {
		return nil, protocol.ErrInvalidEvent.WithDescription("expected SUBMIT")
	}
	identifier := strings.TrimSpace(evt.field("identifier"))
	if identifier == "" {
		return &step{from: c.State, mutate: noMutation,
			flowErr: protocol.ErrValidationFailed.WithDescription("identifier is required")}, nil
	}

	core, _, err := e.cfg.Users.FindByEmail(ctx, c.TenantID, identifier)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) || errors.Is(err, users.ErrUserDeleted) {
			return &step{from: c.State, mutate: noMutation,
				flowErr: protocol.ErrValidationFailed.WithDescription("unable to sign in with that identifier")}, nil
		}
		return nil, err
	}

	return &step{from: c.State, mutate: func(cur *storage.Challenge) error {
		cur.UserID = core.ID
		return e.advance(cur, policy.NodeSelectingMethod)
	}}, nil
}

// selectMethod enters the chosen authentication method, preparing whatever
// the method needs before the state moves: the passkey ceremony session, the
// emailed code, or the upstream redirect.
func (e *Engine) selectMethod(ctx context.Context, c *storage.Challenge, evt Event) (*step, error) {
	var method string
	switch evt.Type {
	case EventUsePasskey:
		method = contracts.MethodPasskey
	case EventSubmit:
		method = evt.field("method")
	default:
		return nil, protocol.ErrInvalidEvent.WithDescription("expected SUBMIT or USE_PASSKEY")
	}

	if c.Policy != nil && !c.Policy.AllowsAuthMethod(method) {
		return &step{from: c.State, mutate: noMutation,
			flowErr: protocol.ErrValidationFailed.WithDescription("method %q is not available", method)}, nil
	}

	switch method {
	case contracts.MethodPasskey:
		options, session, err := e.cfg.WebAuthn.BeginLogin(ctx, c.UserID)
		if err != nil {
			var pe *protocol.Error
			if errors.As(err, &pe) {
				return &step{from: c.State, mutate: noMutation, flowErr: pe}, nil
			}
			return nil, err
		}
		rawOptions, err := json.Marshal(options)
		if err != nil {
			return nil, fmt.Errorf("marshaling assertion options: %w", err)
		}
		return &step{from: c.State, mutate: func(cur *storage.Challenge) error {
			cur.WebAuthnSession = session
			cur.WebAuthnOptions = rawOptions
			return e.advance(cur, policy.NodePasskey)
		}}, nil

	case contracts.MethodEmailCode:
		_, pii, err := e.cfg.Users.Get(ctx, c.UserID)
		if err != nil {
			return nil, err
		}
		if pii == nil || pii.Email == "" {
			return &step{from: c.State, mutate: noMutation,
				flowErr: protocol.ErrValidationFailed.WithDescription("no email on file")}, nil
		}
		state, err := e.cfg.EmailOTP.Issue(ctx, c.TenantID, pii.Email, e.profile(c))
		if err != nil {
			var pe *protocol.Error
			if errors.As(err, &pe) {
				return &step{from: c.State, mutate: noMutation, flowErr: pe}, nil
			}
			return nil, err
		}
		return &step{from: c.State, mutate: func(cur *storage.Challenge) error {
			cur.EmailOTP = state
			return e.advance(cur, policy.NodeEmailCode)
		}}, nil

	case contracts.MethodExternalIdP:
		tenant, err := e.cfg.Registry.Tenant(c.TenantID)
		if err != nil {
			return nil, err
		}
		upstream, err := federation.Pick(tenant, evt.field("provider"))
		if err != nil {
			return &step{from: c.State, mutate: noMutation,
				flowErr: protocol.ErrValidationFailed.WithDescription("unknown provider")}, nil
		}
		// The challenge id rides as the OAuth state so the callback can
		// find its way back; it is already unguessable.
		authURL, fedState, err := e.cfg.Federation.Begin(ctx, upstream, e.cfg.CallbackURL, c.ID)
		if err != nil {
			return nil, err
		}
		fedState.AuthURL = authURL
		return &step{from: c.State, mutate: func(cur *storage.Challenge) error {
			cur.Federation = fedState
			return e.advance(cur, policy.NodeExternalIdP)
		}}, nil

	default:
		return &step{from: c.State, mutate: noMutation,
			flowErr: protocol.ErrValidationFailed.WithDescription("method %q is not available", method)}, nil
	}
}

// passkey handles both halves of the WebAuthn finish: assertion for login
// challenges and attestation for registration challenges.
func (e *Engine) passkey(ctx context.Context, c *storage.Challenge, evt Event) (*step, error) {
	switch evt.Type {
	case EventBack:
		return &step{from: c.State, mutate: func(cur *storage.Challenge) error {
			cur.WebAuthnSession = nil
			cur.WebAuthnOptions = nil
			return e.advance(cur, policy.NodeSelectingMethod)
		}}, nil
	case EventSubmit:
	default:
		return nil, protocol.ErrInvalidEvent.WithDescription("expected SUBMIT or BACK")
	}
	if len(evt.Payload) == 0 {
		return &step{from: c.State, mutate: noMutation,
			flowErr: protocol.ErrValidationFailed.WithDescription("missing webauthn response")}, nil
	}

	if c.Type == storage.ChallengePasskeyRegister {
		parsed, err := wanprotocol.ParseCredentialCreationResponseBody(bytes.NewReader(evt.Payload))
		if err != nil {
			return &step{from: c.State, mutate: noMutation,
				flowErr: protocol.ErrValidationFailed.WithDescription("malformed attestation response")}, nil
		}
		if err := e.cfg.WebAuthn.FinishRegistration(ctx, c.TenantID, c.UserID, evt.field("device_name"), c.WebAuthnSession, parsed); err != nil {
			var pe *protocol.Error
			if errors.As(err, &pe) {
				return &step{from: c.State, mutate: noMutation, flowErr: pe}, nil
			}
			return nil, err
		}
		return &step{from: c.State, mutate: func(cur *storage.Challenge) error {
			return e.advance(cur, policy.NodeComplete)
		}, finish: true}, nil
	}

	parsed, err := wanprotocol.ParseCredentialRequestResponseBody(bytes.NewReader(evt.Payload))
	if err != nil {
		return &step{from: c.State, mutate: noMutation,
			flowErr: protocol.ErrValidationFailed.WithDescription("malformed assertion response")}, nil
	}
	if err := e.cfg.WebAuthn.FinishLogin(ctx, c.TenantID, c.UserID, c.WebAuthnSession, parsed); err != nil {
		if errors.Is(err, protocol.ErrSuspectedReplay) {
			return e.failStep(ctx, c, protocol.ErrSuspectedReplay)
		}
		var pe *protocol.Error
		if errors.As(err, &pe) {
			return &step{from: c.State, mutate: noMutation, flowErr: pe}, nil
		}
		return nil, err
	}
	return e.finishAuth(ctx, c, []string{"webauthn"})
}

// emailCode verifies a submitted one-time code. Attempt counts are persisted
// through the CAS update even when verification fails.
func (e *Engine) emailCode(ctx context.Context, c *storage.Challenge, evt Event) (*step, error) {
	if c.EmailOTP == nil {
		return nil, protocol.ErrInvalidTransition.WithDescription("no code issued")
	}

	switch evt.Type {
	case EventBack:
		return &step{from: c.State, mutate: func(cur *storage.Challenge) error {
			cur.EmailOTP = nil
			return e.advance(cur, policy.NodeSelectingMethod)
		}}, nil

	case EventResendCode:
		state, err := e.cfg.EmailOTP.Issue(ctx, c.TenantID, c.EmailOTP.Email, e.profile(c))
		if err != nil {
			var pe *protocol.Error
			if errors.As(err, &pe) {
				return &step{from: c.State, mutate: noMutation, flowErr: pe}, nil
			}
			return nil, err
		}
		return &step{from: c.State, mutate: func(cur *storage.Challenge) error {
			cur.EmailOTP = state
			return nil
		}}, nil

	case EventSubmit:
		code := strings.TrimSpace(evt.field("code"))
		state := *c.EmailOTP
		verifyErr := e.cfg.EmailOTP.Verify(ctx, c.TenantID, &state, code, e.profile(c))
		switch {
		case verifyErr == nil:
			if err := e.cfg.Users.MarkEmailVerified(ctx, c.UserID); err != nil {
				return nil, err
			}
			return e.finishAuth(ctx, c, []string{"otp"})
		case errors.Is(verifyErr, protocol.ErrAccessDenied):
			return e.failStep(ctx, c, protocol.ErrAccessDenied.WithDescription("too many incorrect codes"))
		case errors.Is(verifyErr, protocol.ErrValidationFailed),
			errors.Is(verifyErr, protocol.ErrChallengeExpired),
			errors.Is(verifyErr, protocol.ErrResourceExhausted):
			var pe *protocol.Error
			errors.As(verifyErr, &pe)
			return &step{from: c.State, mutate: func(cur *storage.Challenge) error {
				cur.EmailOTP = &state
				return nil
			}, flowErr: pe}, nil
		default:
			return nil, verifyErr
		}

	default:
		return nil, protocol.ErrInvalidEvent.WithDescription("expected SUBMIT, RESEND_CODE or BACK")
	}
}

// externalIdP waits for the upstream callback; the only in-band move is
// abandoning the round-trip.
func (e *Engine) externalIdP(_ context.Context, c *storage.Challenge, evt Event) (*step, error) {
	if evt.Type != EventBack {
		return nil, protocol.ErrInvalidEvent.WithDescription("waiting for the upstream provider")
	}
	return &step{from: c.State, mutate: func(cur *storage.Challenge) error {
		cur.Federation = nil
		return e.advance(cur, policy.NodeSelectingMethod)
	}}, nil
}

// CompleteFederation finishes an upstream round-trip. The state parameter is
// the challenge id pinned at Begin time; the code is exchanged and verified
// before the flow advances.
func (e *Engine) CompleteFederation(ctx context.Context, state, code string) (*Result, error) {
	c, err := e.load(ctx, state)
	if err != nil {
		return nil, err
	}
	if c.State != policy.NodeExternalIdP || c.Federation == nil {
		return nil, protocol.ErrInvalidTransition.WithDescription("no upstream round-trip in progress")
	}

	tenant, err := e.cfg.Registry.Tenant(c.TenantID)
	if err != nil {
		return nil, err
	}
	upstream, err := federation.Pick(tenant, c.Federation.Provider)
	if err != nil {
		return nil, err
	}

	out, err := e.cfg.Federation.Callback(ctx, c.TenantID, upstream, c.Federation, state, code, e.cfg.CallbackURL)
	if err != nil {
		var pe *protocol.Error
		if !errors.As(err, &pe) {
			pe = protocol.ErrAccessDenied.WithDescription("upstream login failed")
		}
		s, ferr := e.failStep(ctx, c, pe)
		if ferr != nil {
			return nil, ferr
		}
		return e.apply(ctx, c, s)
	}

	c.UserID = out.UserID
	// The upstream identity rides on the challenge so the session created at
	// completion can be found again by an upstream back-channel logout.
	c.Federation.Issuer = upstream.Issuer
	c.Federation.Subject = out.Subject
	c.Federation.SID = out.SID
	s, err := e.finishAuth(ctx, c, []string{federation.AMRFederated})
	if err != nil {
		return nil, err
	}
	return e.apply(ctx, c, s)
}

// finishAuth stamps the authentication outcome onto the challenge and routes
// to consent or straight to completion. The completer runs here, before the
// CAS write, so a failed write never leaves an orphaned redirect.
func (e *Engine) finishAuth(ctx context.Context, c *storage.Challenge, amr []string) (*step, error) {
	authTime := e.now().Unix()
	acr := ""
	if c.Policy != nil {
		acr = acrForTier(c.Policy.SecurityTier)
	}

	if err := e.cfg.Users.RecordLogin(ctx, c.UserID); err != nil {
		return nil, err
	}
	_ = e.cfg.Bus.Emit(ctx, &events.Event{
		EventName: events.LoginSucceeded,
		TenantID:  c.TenantID,
		Actor:     c.UserID,
		Context:   events.Context{ClientID: c.ClientID},
		Data:      map[string]any{"amr": amr},
	})

	setAuth := func(cur *storage.Challenge) {
		cur.UserID = c.UserID
		cur.AuthTime = authTime
		cur.ACR = acr
		cur.AMR = amr
	}

	// Standalone login challenges have no authorization to finish.
	if c.Authorize == nil {
		return &step{from: c.State, mutate: func(cur *storage.Challenge) error {
			setAuth(cur)
			if err := e.advance(cur, policy.NodeAuthenticated); err != nil {
				return err
			}
			return e.advance(cur, policy.NodeComplete)
		}, finish: true}, nil
	}

	decision, err := e.cfg.Consent.Evaluate(ctx, c.Policy, c.UserID, c.ClientID, c.Authorize.Scope)
	if err != nil {
		return nil, err
	}
	if decision.Required {
		return &step{from: c.State, mutate: func(cur *storage.Challenge) error {
			setAuth(cur)
			for _, next := range []string{policy.NodeAuthenticated, policy.NodeCheckingConsent, policy.NodeNeedsConsent} {
				if err := e.advance(cur, next); err != nil {
					return err
				}
			}
			cur.ConsentScopes = decision.Missing
			return nil
		}}, nil
	}

	done := *c
	setAuth(&done)
	redirect, err := e.completer.Complete(ctx, &done)
	if err != nil {
		return nil, err
	}
	return &step{from: c.State, mutate: func(cur *storage.Challenge) error {
		setAuth(cur)
		for _, next := range []string{policy.NodeAuthenticated, policy.NodeCheckingConsent, policy.NodeIssuingCode, policy.NodeComplete} {
			if err := e.advance(cur, next); err != nil {
				return err
			}
		}
		return nil
	}, redirect: redirect, sessionID: done.SessionID, finish: true}, nil
}

// consentDecision records the user's answer to the consent screen.
func (e *Engine) consentDecision(ctx context.Context, c *storage.Challenge, evt Event) (*step, error) {
	switch evt.Type {
	case EventApprove:
		if err := e.cfg.Consent.Grant(ctx, c.Policy, c.TenantID, c.UserID, c.ClientID, c.Authorize.Scope); err != nil {
			return nil, err
		}
		redirect, err := e.completer.Complete(ctx, c)
		if err != nil {
			return nil, err
		}
		return &step{from: c.State, mutate: func(cur *storage.Challenge) error {
			if err := e.advance(cur, policy.NodeIssuingCode); err != nil {
				return err
			}
			return e.advance(cur, policy.NodeComplete)
		}, redirect: redirect, sessionID: c.SessionID, finish: true}, nil

	case EventDeny:
		return e.failStep(ctx, c, protocol.ErrAccessDenied.WithDescription("consent denied"))

	default:
		return nil, protocol.ErrInvalidEvent.WithDescription("expected APPROVE or DENY")
	}
}

// asyncDecision resolves a CIBA or device approval challenge.
func (e *Engine) asyncDecision(ctx context.Context, c *storage.Challenge, evt Event, approver AsyncApprover, doneNode string) (*step, error) {
	if approver == nil {
		return nil, errors.New("approver not configured")
	}

	var act func(context.Context, *storage.Challenge) error
	switch evt.Type {
	case EventApprove:
		act = approver.Approve
	case EventDeny:
		act = approver.Deny
	default:
		return nil, protocol.ErrInvalidEvent.WithDescription("expected APPROVE or DENY")
	}

	if err := act(ctx, c); err != nil {
		var pe *protocol.Error
		if errors.As(err, &pe) {
			return e.failStep(ctx, c, pe)
		}
		return nil, err
	}
	return &step{from: c.State, mutate: func(cur *storage.Challenge) error {
		return e.advance(cur, doneNode)
	}, finish: true}, nil
}

// deviceEntry binds a device approval challenge to its grant by user code.
func (e *Engine) deviceEntry(ctx context.Context, c *storage.Challenge, evt Event) (*step, error) {
	if evt.Type != EventSubmit {
		return nil, protocol.ErrInvalidEvent.WithDescription("expected SUBMIT")
	}
	if e.device == nil {
		return nil, errors.New("approver not configured")
	}

	userCode := strings.TrimSpace(evt.field("user_code"))
	bound := *c
	if err := e.device.Attach(ctx, &bound, userCode); err != nil {
		var pe *protocol.Error
		if errors.As(err, &pe) {
			return &step{from: c.State, mutate: noMutation, flowErr: pe}, nil
		}
		return nil, err
	}
	return &step{from: c.State, mutate: func(cur *storage.Challenge) error {
		cur.AsyncID = bound.AsyncID
		cur.ClientID = bound.ClientID
		cur.BindingMessage = bound.BindingMessage
		return e.advance(cur, policy.NodeDeviceApproval)
	}}, nil
}

// failStep terminates the flow with a protocol cause, assembling the error
// redirect when an authorization is attached.
func (e *Engine) failStep(ctx context.Context, c *storage.Challenge, cause *protocol.Error) (*step, error) {
	var redirect string
	if c.Authorize != nil && e.completer != nil {
		var err error
		redirect, err = e.completer.Denied(ctx, c, cause)
		if err != nil {
			return nil, err
		}
	}
	return &step{from: c.State, mutate: func(cur *storage.Challenge) error {
		cur.State = policy.NodeError
		cur.LastError = cause.Code
		return nil
	}, flowErr: cause, redirect: redirect, finish: true}, nil
}

func noMutation(*storage.Challenge) error { return nil }
