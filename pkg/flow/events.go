// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package flow

import "encoding/json"

// Typed event names accepted by the engine.
const (
	EventSubmit     = "SUBMIT"
	EventUsePasskey = "USE_PASSKEY"
	EventApprove    = "APPROVE"
	EventDeny       = "DENY"
	EventCancel     = "CANCEL"
	EventBack       = "BACK"
	EventConfirm    = "CONFIRM"
	EventResendCode = "RESEND_CODE"
)

// Event is one typed submission against a challenge. Data carries simple
// string fields (identifier, code, method); Payload carries structured
// bodies such as WebAuthn responses.
type Event struct {
	Type    string            `json:"type"`
	Data    map[string]string `json:"data,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
}

func (e *Event) field(name string) string {
	if e.Data == nil {
		return ""
	}
	return e.Data[name]
}
