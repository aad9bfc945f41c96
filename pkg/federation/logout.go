// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/stacklok/passgate/pkg/contracts"
	"github.com/stacklok/passgate/pkg/protocol"
)

// ErrBadLogoutToken is returned for upstream logout tokens that verify
// cryptographically but violate the Back-Channel Logout profile.
var ErrBadLogoutToken = errors.New("invalid logout token")

// LogoutClaims is the verified content of an upstream logout token.
type LogoutClaims struct {
	// Subject is the upstream sub; may be empty when the token is
	// sid-only.
	Subject string
	// SID is the upstream session id; may be empty when the token is
	// sub-only.
	SID string
}

// VerifyLogoutToken verifies a logout token sent by an upstream provider
// against that provider's keys and the Back-Channel Logout 1.0 profile:
// a backchannel-logout events member, no nonce, and at least one of sub
// and sid.
func (s *Service) VerifyLogoutToken(ctx context.Context, upstream *contracts.UpstreamProvider, raw string) (*LogoutClaims, error) {
	p, err := s.discover(ctx, upstream.Issuer)
	if err != nil {
		return nil, err
	}

	httpCtx := oidc.ClientContext(ctx, s.httpClient)
	tok, err := p.Verifier(&oidc.Config{ClientID: upstream.ClientID}).Verify(httpCtx, raw)
	if err != nil {
		return nil, fmt.Errorf("verifying upstream logout token: %w", err)
	}

	var claims struct {
		Nonce  string                     `json:"nonce"`
		SID    string                     `json:"sid"`
		Events map[string]json.RawMessage `json:"events"`
	}
	if err := tok.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decoding logout token claims: %w", err)
	}
	if _, ok := claims.Events[protocol.BackchannelLogoutEvent]; !ok {
		return nil, fmt.Errorf("%w: missing backchannel-logout event", ErrBadLogoutToken)
	}
	if claims.Nonce != "" {
		return nil, fmt.Errorf("%w: nonce is prohibited", ErrBadLogoutToken)
	}
	if tok.Subject == "" && claims.SID == "" {
		return nil, fmt.Errorf("%w: neither sub nor sid present", ErrBadLogoutToken)
	}
	return &LogoutClaims{Subject: tok.Subject, SID: claims.SID}, nil
}
