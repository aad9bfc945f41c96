// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package flow

// ContractVersion is bumped on any breaking change to the contract shape.
const ContractVersion = "1"

// Intents are the stable semantic labels UIs branch on. State names are
// implementation detail and may change; intents may not.
const (
	IntentCollectIdentifier = "collect_identifier"
	IntentChooseMethod      = "choose_method"
	IntentPasskeyAssert     = "authenticate_passkey"
	IntentPasskeyRegister   = "register_passkey"
	IntentCollectEmailCode  = "collect_email_code"
	IntentContinueUpstream  = "continue_upstream"
	IntentReviewConsent     = "review_consent"
	IntentApproveRequest    = "approve_request"
	IntentEnterUserCode     = "enter_user_code"
	IntentDone              = "done"
	IntentFailed            = "failed"
)

// Contract stability classes.
const (
	StabilityStable   = "stable"   // waiting for user input
	StabilityTerminal = "terminal" // flow finished, no further events
)

// Capability is one piece of input the UI must collect.
type Capability struct {
	Type       string         `json:"type"`
	ID         string         `json:"id"`
	Required   bool           `json:"required"`
	Hints      map[string]any `json:"hints,omitempty"`
	Validation map[string]any `json:"validation,omitempty"`
}

// Features carries the policy-derived facts a UI may branch on.
type Features struct {
	Policy      string   `json:"policy"`
	Targets     []string `json:"targets,omitempty"`
	AuthMethods []string `json:"auth_methods,omitempty"`
}

// ContractError surfaces a flow-local failure inside the contract instead
// of as an HTTP error.
type ContractError struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// ContractContext is the display context for the current step.
type ContractContext struct {
	Client      string         `json:"client,omitempty"`
	User        string         `json:"user,omitempty"`
	RedirectTo  string         `json:"redirect_to,omitempty"`
	Error       *ContractError `json:"error,omitempty"`
}

// Actions names the permitted events for the current step.
type Actions struct {
	Primary   string   `json:"primary"`
	Secondary []string `json:"secondary,omitempty"`
}

// UIContract is the UI-neutral description of one flow step.
type UIContract struct {
	Version      string          `json:"version"`
	State        string          `json:"state"`
	Intent       string          `json:"intent"`
	Stability    string          `json:"stability"`
	Features     Features        `json:"features"`
	Capabilities []Capability    `json:"capabilities,omitempty"`
	Context      ContractContext `json:"context"`
	Actions      Actions         `json:"actions"`
}

// Result is the outcome of handling one event: either the next contract or
// a redirect for terminal authorization steps.
type Result struct {
	Contract   *UIContract `json:"contract,omitempty"`
	RedirectTo string      `json:"redirect_to,omitempty"`
	// SessionID is the browser session created on completion. It travels
	// out-of-band (a cookie), never in the response body.
	SessionID string `json:"-"`
}
