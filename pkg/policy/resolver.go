// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/stacklok/passgate/pkg/contracts"
	"github.com/stacklok/passgate/pkg/protocol"
)

// ErrMissingSecret is returned when the resolver is constructed without the
// policy HMAC secret. There is no unkeyed fallback.
var ErrMissingSecret = errors.New("policy resolver secret is not set")

// Resolver computes ResolvedPolicy values. It is safe for concurrent use.
type Resolver struct {
	secret []byte
	now    func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

// NewResolver creates a Resolver keyed with the given HMAC secret.
func NewResolver(secret []byte, opts ...Option) (*Resolver, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	r := &Resolver{
		secret: secret,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Resolve composes the two contracts into the effective policy for one flow.
// A client referencing any tenant version other than the current one fails
// with policy_stale: the client contract must be re-validated by an admin
// against the new envelope before it can start flows again.
func (r *Resolver) Resolve(tenant *contracts.TenantContract, client *contracts.ClientContract) (*ResolvedPolicy, error) {
	if client.TenantContractVersion != tenant.Version {
		return nil, protocol.ErrPolicyStale.WithDescription(
			"client %s pinned to tenant version %d, current is %d",
			client.ClientID, client.TenantContractVersion, tenant.Version)
	}

	p := &ResolvedPolicy{
		ResolvedAt:    r.now().UTC(),
		TenantID:      tenant.TenantID,
		ClientID:      client.ClientID,
		TenantVersion: tenant.Version,
		ClientVersion: client.Version,
		Issuer:        tenant.Issuer,

		Scopes:        intersect(client.Scopes, tenant.AllowedScopes),
		GrantTypes:    intersect(client.GrantTypes, tenant.OAuth.GrantTypes),
		ResponseTypes: append([]string(nil), tenant.OAuth.ResponseTypes...),

		RateLimits: tenant.RateLimit,
		Limits:     tenant.Limits,
	}

	// Auth methods: the client subset when declared, otherwise the tenant set.
	if len(client.AuthMethods) > 0 {
		p.AuthMethods = intersect(client.AuthMethods, tenant.AuthMethods)
	} else {
		p.AuthMethods = append([]string(nil), tenant.AuthMethods...)
	}

	// Signing: the client's choice from the tenant set, RS256 primary.
	p.SigningAlg = client.IDTokenSigningAlg
	if p.SigningAlg == "" {
		p.SigningAlg = "RS256"
	}
	if !containsString(tenant.SigningAlgs, p.SigningAlg) {
		return nil, protocol.ErrPolicyStale.WithDescription(
			"signing alg %s no longer in tenant envelope", p.SigningAlg)
	}
	p.IDTokenEncryption = client.IDTokenEncryption
	p.UserinfoSigned = client.UserinfoSignedResponse
	p.UserinfoEncryption = client.UserinfoEncryption

	// Lifetimes: minimum of the two contracts, with spec defaults.
	p.AccessTokenTTL = minTTL(client.Tokens.AccessTTL, tenant.Tokens.AccessTTL, DefaultAccessTokenTTL)
	p.IDTokenTTL = minTTL(client.Tokens.IDTTL, tenant.Tokens.IDTTL, DefaultIDTokenTTL)
	p.RefreshTokenTTL = minTTL(client.Tokens.RefreshTTL, tenant.Tokens.RefreshTTL, DefaultRefreshTokenTTL)
	p.SessionTTL = minTTL(client.Session.AbsoluteTTL, tenant.Session.AbsoluteTTL, DefaultSessionTTL)
	p.SessionIdleTTL = minTTL(client.Session.IdleTTL, tenant.Session.IdleTTL, DefaultSessionIdleTTL)

	// Security: maximum tier, union of requirements. Public clients always
	// carry PKCE regardless of contracts.
	p.SecurityTier = max(tenant.Security.Tier, client.Security.Tier)
	p.RequireMFA = tenant.Security.RequireMFA || client.Security.RequireMFA
	p.RequirePKCE = tenant.Security.RequirePKCE || client.Security.RequirePKCE || client.Public()
	p.RedirectExactMatch = true
	p.RequirePAR = tenant.OAuth.RequirePAR || client.RequirePAR

	// Consent: explicit wins over auto; remember only when both allow it.
	p.ConsentMode = tenant.Consent.Mode
	if client.Consent.Mode == contracts.ConsentExplicit {
		p.ConsentMode = contracts.ConsentExplicit
	}
	p.ConsentRemember = tenant.Consent.Remember && (client.Consent.Mode == "" || client.Consent.Remember)

	p.CIBA = resolveAsync(tenant.CIBA.Enabled && (client.CIBA.Enabled || !clientSetsCIBA(client)),
		tenant.CIBA.RequestTTL, client.CIBA.RequestTTL, DefaultCIBARequestTTL,
		tenant.CIBA.PollInterval, client.CIBA.PollInterval, DefaultCIBAInterval,
		tenant.CIBA.UserCodeSupport && client.CIBA.UserCodeSupport)
	p.CIBA.Enabled = p.CIBA.Enabled && containsString(p.GrantTypes, protocol.GrantCIBA)

	p.Device = resolveAsync(tenant.DeviceFlow.Enabled,
		tenant.DeviceFlow.CodeTTL, client.DeviceFlow.CodeTTL, DefaultDeviceCodeTTL,
		tenant.DeviceFlow.PollInterval, client.DeviceFlow.PollInterval, DefaultDeviceInterval,
		true)
	p.Device.Enabled = p.Device.Enabled && containsString(p.GrantTypes, protocol.GrantDeviceCode)

	p.FlowPalette = buildPalette(p)

	id, err := r.resolutionID(p)
	if err != nil {
		return nil, err
	}
	p.ResolutionID = id

	return p, nil
}

// resolutionID derives the pinned identity of the effective settings:
// HMAC-SHA256 over tenantVersion || clientVersion || canonical(settings),
// where canonical is RFC 8785 JSON canonicalization.
func (r *Resolver) resolutionID(p *ResolvedPolicy) (string, error) {
	// ResolutionID and ResolvedAt are excluded from the canonical form so
	// identical settings always produce identical ids.
	clone := *p
	clone.ResolutionID = ""
	clone.ResolvedAt = time.Time{}

	raw, err := json.Marshal(&clone)
	if err != nil {
		return "", fmt.Errorf("marshaling settings: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalizing settings: %w", err)
	}

	mac := hmac.New(sha256.New, r.secret)
	fmt.Fprintf(mac, "%d|%d|", p.TenantVersion, p.ClientVersion)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// buildPalette filters the universe of flow nodes down to the set this
// policy permits. Any node outside the palette is unreachable for the flow.
func buildPalette(p *ResolvedPolicy) []string {
	palette := []string{
		NodeValidating, NodeCheckingSession, NodeNeedsLogin, NodeNeedsReauth,
		NodeCheckingConsent, NodeIssuingCode, NodeComplete, NodeError,
		NodeIdentifyingUser, NodeSelectingMethod, NodeAuthenticated,
		NodeLogoutConfirm, NodeLogoutFanout, NodeLogoutComplete,
	}

	if p.ConsentMode == contracts.ConsentExplicit {
		palette = append(palette, NodeNeedsConsent, NodeConsentReview, NodeConsentDone)
	}
	if p.AllowsAuthMethod(contracts.MethodPasskey) {
		palette = append(palette, NodePasskey)
	}
	if p.AllowsAuthMethod(contracts.MethodEmailCode) {
		palette = append(palette, NodeEmailCode)
	}
	if p.AllowsAuthMethod(contracts.MethodExternalIdP) {
		palette = append(palette, NodeExternalIdP)
	}
	if p.AllowsAuthMethod(contracts.MethodDID) {
		palette = append(palette, NodeDID)
	}
	if p.Device.Enabled {
		palette = append(palette, NodeDeviceCodeEntry, NodeDeviceApproval, NodeDeviceDone)
	}
	if p.CIBA.Enabled {
		palette = append(palette, NodeCIBAApproval, NodeCIBADone)
	}
	return palette
}

func resolveAsync(enabled bool,
	tenantTTL, clientTTL contracts.Seconds, defaultTTL time.Duration,
	tenantInterval, clientInterval contracts.Seconds, defaultInterval time.Duration,
	userCode bool,
) AsyncPolicy {
	interval := maxDuration(tenantInterval.Duration(), clientInterval.Duration())
	if interval <= 0 {
		interval = defaultInterval
	}
	return AsyncPolicy{
		Enabled:      enabled,
		RequestTTL:   minTTL(clientTTL, tenantTTL, defaultTTL),
		PollInterval: interval,
		UserCode:     userCode,
	}
}

// clientSetsCIBA distinguishes "client never mentioned CIBA" from "client
// disabled CIBA": a client that names a delivery mode has opted in.
func clientSetsCIBA(c *contracts.ClientContract) bool {
	return c.CIBA.Enabled || c.CIBADeliveryMode != "" || c.CIBA.RequestTTL > 0
}

func minTTL(a, b contracts.Seconds, fallback time.Duration) time.Duration {
	switch {
	case a > 0 && b > 0:
		return minDuration(a.Duration(), b.Duration())
	case a > 0:
		return a.Duration()
	case b > 0:
		return b.Duration()
	default:
		return fallback
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func intersect(a, b []string) []string {
	if b == nil {
		return append([]string(nil), a...)
	}
	out := make([]string, 0, len(a))
	for _, v := range a {
		if containsString(b, v) {
			out = append(out, v)
		}
	}
	return out
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

