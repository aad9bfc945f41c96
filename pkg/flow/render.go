// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"encoding/json"
	"strings"

	"github.com/stacklok/passgate/pkg/policy"
	"github.com/stacklok/passgate/pkg/storage"
)

// render projects a challenge into the UI contract for its current state.
// Rendering never touches storage; everything a UI needs is pinned on the
// challenge when the state is entered.
func (e *Engine) render(c *storage.Challenge) *UIContract {
	contract := &UIContract{
		Version:   ContractVersion,
		State:     c.State,
		Stability: StabilityStable,
		Context:   ContractContext{Client: c.ClientID, User: c.UserID},
	}
	if c.Policy != nil {
		contract.Features = Features{
			Policy:      c.Policy.ResolutionID,
			Targets:     c.Policy.Scopes,
			AuthMethods: c.Policy.AuthMethods,
		}
	}
	if c.LastError != "" {
		contract.Context.Error = &ContractError{Code: c.LastError}
	}

	switch c.State {
	case policy.NodeIdentifyingUser:
		contract.Intent = IntentCollectIdentifier
		contract.Capabilities = []Capability{{
			Type:       "input",
			ID:         "identifier",
			Required:   true,
			Validation: map[string]any{"format": "email"},
		}}
		contract.Actions = Actions{Primary: EventSubmit, Secondary: []string{EventCancel}}

	case policy.NodeSelectingMethod:
		var caps []Capability
		if c.Policy != nil {
			for _, m := range c.Policy.AuthMethods {
				caps = append(caps, Capability{Type: "method", ID: m})
			}
		}
		contract.Intent = IntentChooseMethod
		contract.Capabilities = caps
		contract.Actions = Actions{Primary: EventSubmit, Secondary: []string{EventUsePasskey, EventCancel}}

	case policy.NodePasskey:
		contract.Intent = IntentPasskeyAssert
		capID := "assertion"
		if c.Type == storage.ChallengePasskeyRegister {
			contract.Intent = IntentPasskeyRegister
			capID = "attestation"
		}
		item := Capability{Type: "webauthn", ID: capID, Required: true}
		if len(c.WebAuthnOptions) > 0 {
			item.Hints = map[string]any{"options": json.RawMessage(c.WebAuthnOptions)}
		}
		contract.Capabilities = []Capability{item}
		contract.Actions = Actions{Primary: EventSubmit, Secondary: []string{EventBack, EventCancel}}

	case policy.NodeEmailCode:
		contract.Intent = IntentCollectEmailCode
		item := Capability{
			Type:       "input",
			ID:         "code",
			Required:   true,
			Validation: map[string]any{"pattern": "^[0-9]{6}$"},
		}
		if c.EmailOTP != nil {
			item.Hints = map[string]any{"sent_to": maskEmail(c.EmailOTP.Email)}
		}
		contract.Capabilities = []Capability{item}
		contract.Actions = Actions{Primary: EventSubmit, Secondary: []string{EventResendCode, EventBack, EventCancel}}

	case policy.NodeExternalIdP:
		contract.Intent = IntentContinueUpstream
		if c.Federation != nil {
			contract.Context.RedirectTo = c.Federation.AuthURL
			contract.Capabilities = []Capability{{
				Type:  "redirect",
				ID:    "upstream",
				Hints: map[string]any{"provider": c.Federation.Provider},
			}}
		}
		contract.Actions = Actions{Primary: EventBack, Secondary: []string{EventCancel}}

	case policy.NodeNeedsConsent:
		contract.Intent = IntentReviewConsent
		contract.Capabilities = []Capability{{
			Type:  "choice",
			ID:    "scopes",
			Hints: map[string]any{"scopes": c.ConsentScopes},
		}}
		contract.Actions = Actions{Primary: EventApprove, Secondary: []string{EventDeny, EventCancel}}

	case policy.NodeCIBAApproval, policy.NodeDeviceApproval:
		contract.Intent = IntentApproveRequest
		item := Capability{Type: "confirm", ID: "approval", Required: true}
		if c.BindingMessage != "" {
			item.Hints = map[string]any{"binding_message": c.BindingMessage}
		}
		contract.Capabilities = []Capability{item}
		contract.Actions = Actions{Primary: EventApprove, Secondary: []string{EventDeny, EventCancel}}

	case policy.NodeDeviceCodeEntry:
		contract.Intent = IntentEnterUserCode
		contract.Capabilities = []Capability{{
			Type:       "input",
			ID:         "user_code",
			Required:   true,
			Validation: map[string]any{"pattern": "^[A-Z0-9-]{4,12}$"},
		}}
		contract.Actions = Actions{Primary: EventSubmit, Secondary: []string{EventCancel}}

	case policy.NodeComplete, policy.NodeCIBADone, policy.NodeDeviceDone, policy.NodeConsentDone, policy.NodeLogoutComplete:
		contract.Intent = IntentDone
		contract.Stability = StabilityTerminal

	case policy.NodeError:
		contract.Intent = IntentFailed
		contract.Stability = StabilityTerminal

	default:
		// Transit states never wait for input; a contract fetched mid-move
		// reads as done-or-failed once the move lands.
		contract.Intent = IntentChooseMethod
	}
	return contract
}

// maskEmail hides the local part except its first character.
func maskEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}
