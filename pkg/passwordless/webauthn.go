// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package passwordless

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	wanprotocol "github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/stacklok/passgate/pkg/events"
	"github.com/stacklok/passgate/pkg/protocol"
	"github.com/stacklok/passgate/pkg/storage/sqlite"
	"github.com/stacklok/passgate/pkg/users"
)

// WebAuthn runs the passkey ceremonies. Ceremony session state is returned
// as raw JSON for the caller to pin inside the challenge record between the
// begin and finish halves.
type WebAuthn struct {
	wa       *webauthn.WebAuthn
	passkeys *sqlite.PasskeyStore
	users    *users.Service
	bus      *events.Bus
	now      func() time.Time
}

// WebAuthnOption configures the service.
type WebAuthnOption func(*WebAuthn)

// WithWebAuthnClock injects the time source.
func WithWebAuthnClock(now func() time.Time) WebAuthnOption {
	return func(s *WebAuthn) { s.now = now }
}

// NewWebAuthn builds the service. The relying party ID is the issuer host;
// the issuer origin is the only accepted client origin.
func NewWebAuthn(issuerURL, displayName string, passkeys *sqlite.PasskeyStore, userSvc *users.Service, bus *events.Bus, opts ...WebAuthnOption) (*WebAuthn, error) {
	u, err := url.Parse(issuerURL)
	if err != nil {
		return nil, fmt.Errorf("parsing issuer url: %w", err)
	}
	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: displayName,
		RPID:          u.Hostname(),
		RPOrigins:     []string{u.Scheme + "://" + u.Host},
	})
	if err != nil {
		return nil, fmt.Errorf("configuring webauthn: %w", err)
	}
	s := &WebAuthn{wa: wa, passkeys: passkeys, users: userSvc, bus: bus, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// waUser adapts an account to the webauthn user interface.
type waUser struct {
	id      string
	name    string
	display string
	creds   []webauthn.Credential
}

func (u *waUser) WebAuthnID() []byte                         { return []byte(u.id) }
func (u *waUser) WebAuthnName() string                       { return u.name }
func (u *waUser) WebAuthnDisplayName() string                { return u.display }
func (u *waUser) WebAuthnCredentials() []webauthn.Credential { return u.creds }

func (s *WebAuthn) loadUser(ctx context.Context, userID string) (*waUser, error) {
	core, pii, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	u := &waUser{id: core.ID, name: core.ID, display: core.ID}
	if pii != nil {
		u.name = pii.Email
		if pii.Name != "" {
			u.display = pii.Name
		} else {
			u.display = pii.Email
		}
	}

	stored, err := s.passkeys.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, p := range stored {
		credID, err := base64.RawURLEncoding.DecodeString(p.CredentialID)
		if err != nil {
			return nil, fmt.Errorf("decoding credential id: %w", err)
		}
		cred := webauthn.Credential{
			ID:        credID,
			PublicKey: p.PublicKey,
		}
		cred.Authenticator.SignCount = p.Counter
		for _, t := range p.Transports {
			cred.Transport = append(cred.Transport, wanprotocol.AuthenticatorTransport(t))
		}
		u.creds = append(u.creds, cred)
	}
	return u, nil
}

// BeginRegistration starts a credential creation ceremony.
func (s *WebAuthn) BeginRegistration(ctx context.Context, userID string) (*wanprotocol.CredentialCreation, json.RawMessage, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	options, session, err := s.wa.BeginRegistration(user,
		webauthn.WithAuthenticatorSelection(wanprotocol.AuthenticatorSelection{
			ResidentKey:      wanprotocol.ResidentKeyRequirementPreferred,
			UserVerification: wanprotocol.VerificationRequired,
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("beginning registration: %w", err)
	}
	raw, err := json.Marshal(session)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling session: %w", err)
	}
	return options, raw, nil
}

// FinishRegistration validates the attestation response and stores the new
// credential. A successful registration also proves control of the account,
// so the email flips to verified.
func (s *WebAuthn) FinishRegistration(ctx context.Context, tenantID, userID, deviceName string, sessionRaw json.RawMessage, response *wanprotocol.ParsedCredentialCreationData) error {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	var session webauthn.SessionData
	if err := json.Unmarshal(sessionRaw, &session); err != nil {
		return fmt.Errorf("unmarshaling session: %w", err)
	}

	cred, err := s.wa.CreateCredential(user, session, response)
	if err != nil {
		return protocol.ErrValidationFailed.WithDescription("attestation rejected")
	}

	var transports []string
	for _, t := range cred.Transport {
		transports = append(transports, string(t))
	}
	if err := s.passkeys.Create(ctx, &sqlite.Passkey{
		CredentialID: base64.RawURLEncoding.EncodeToString(cred.ID),
		UserID:       userID,
		PublicKey:    cred.PublicKey,
		Counter:      cred.Authenticator.SignCount,
		Transports:   transports,
		DeviceName:   deviceName,
		CreatedAt:    s.now(),
	}); err != nil {
		return err
	}
	if err := s.users.MarkEmailVerified(ctx, userID); err != nil {
		return err
	}
	return s.bus.Emit(ctx, &events.Event{
		EventName: events.PasskeyRegistered,
		TenantID:  tenantID,
		Actor:     userID,
		Target:    base64.RawURLEncoding.EncodeToString(cred.ID),
	})
}

// BeginLogin starts an assertion ceremony for a known account.
func (s *WebAuthn) BeginLogin(ctx context.Context, userID string) (*wanprotocol.CredentialAssertion, json.RawMessage, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if len(user.creds) == 0 {
		return nil, nil, protocol.ErrValidationFailed.WithDescription("no passkeys registered")
	}
	options, session, err := s.wa.BeginLogin(user)
	if err != nil {
		return nil, nil, fmt.Errorf("beginning login: %w", err)
	}
	raw, err := json.Marshal(session)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling session: %w", err)
	}
	return options, raw, nil
}

// FinishLogin validates the assertion and advances the signature counter.
// A counter that fails to increase means a cloned authenticator: the login
// is rejected as suspected_replay and a security event is emitted.
func (s *WebAuthn) FinishLogin(ctx context.Context, tenantID, userID string, sessionRaw json.RawMessage, response *wanprotocol.ParsedCredentialAssertionData) error {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	var session webauthn.SessionData
	if err := json.Unmarshal(sessionRaw, &session); err != nil {
		return fmt.Errorf("unmarshaling session: %w", err)
	}

	cred, err := s.wa.ValidateLogin(user, session, response)
	if err != nil {
		return protocol.ErrValidationFailed.WithDescription("assertion rejected")
	}

	credID := base64.RawURLEncoding.EncodeToString(cred.ID)
	if err := s.passkeys.AdvanceCounter(ctx, credID, cred.Authenticator.SignCount, s.now()); err != nil {
		if errors.Is(err, sqlite.ErrCounterReplay) || cred.Authenticator.CloneWarning {
			_ = s.bus.Emit(ctx, &events.Event{
				EventName: events.ReplayDetected,
				TenantID:  tenantID,
				Actor:     userID,
				Target:    credID,
			})
			return protocol.ErrSuspectedReplay.WithDescription("authenticator counter did not advance")
		}
		return err
	}
	if cred.Authenticator.CloneWarning {
		_ = s.bus.Emit(ctx, &events.Event{
			EventName: events.ReplayDetected,
			TenantID:  tenantID,
			Actor:     userID,
			Target:    credID,
		})
		return protocol.ErrSuspectedReplay.WithDescription("authenticator clone warning")
	}
	return nil
}
