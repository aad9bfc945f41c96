// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"html/template"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/passgate/pkg/authorize"
	"github.com/stacklok/passgate/pkg/flow"
	"github.com/stacklok/passgate/pkg/logout"
	"github.com/stacklok/passgate/pkg/protocol"
	"github.com/stacklok/passgate/pkg/ratelimit"
	"github.com/stacklok/passgate/pkg/storage"
)

// discoveryMaxAge is the Cache-Control lifetime of the discovery document
// and the JWKS.
const discoveryMaxAge = time.Hour

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	iss := s.cfg.IssuerURL
	doc := &protocol.DiscoveryDocument{
		Issuer:                iss,
		AuthorizationEndpoint: iss + "/authorize",
		TokenEndpoint:         iss + "/token",
		UserinfoEndpoint:      iss + "/userinfo",
		JWKSURI:               iss + "/.well-known/jwks.json",

		PushedAuthorizationRequestEndpoint: iss + "/par",
		IntrospectionEndpoint:              iss + "/introspect",
		RevocationEndpoint:                 iss + "/revoke",
		EndSessionEndpoint:                 iss + "/logout",
		DeviceAuthorizationEndpoint:        iss + "/device_authorization",
		BackchannelAuthenticationEndpoint:  iss + "/bc-authorize",

		ResponseTypesSupported: []string{"code"},
		GrantTypesSupported: []string{
			protocol.GrantAuthorizationCode,
			protocol.GrantRefreshToken,
			protocol.GrantClientCredentials,
			protocol.GrantCIBA,
			protocol.GrantDeviceCode,
		},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{"RS256", "ES256"},
		ScopesSupported:                  []string{"openid", "profile", "email", "offline_access"},
		ClaimsSupported:                  []string{"sub", "name", "email", "email_verified", "auth_time", "acr", "amr", "sid"},
		CodeChallengeMethodsSupported:    []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{
			protocol.AuthMethodSecretBasic,
			protocol.AuthMethodSecretPost,
			protocol.AuthMethodPrivateKeyJWT,
			protocol.AuthMethodTLSClientAuth,
			protocol.AuthMethodNone,
		},

		BackchannelTokenDeliveryModesSupported: []string{"poll", "ping", "push"},
		BackchannelUserCodeParameterSupported:  true,

		BackchannelLogoutSupported:  true,
		FrontchannelLogoutSupported: true,

		RequestParameterSupported:    true,
		RequestURIParameterSupported: true,
	}
	w.Header().Set("Cache-Control", cacheControl(discoveryMaxAge))
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", cacheControl(discoveryMaxAge))
	w.Header().Set("Vary", "Accept-Encoding")
	writeJSON(w, http.StatusOK, s.cfg.Keys.JWKS())
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	if r.Method == http.MethodPost {
		// Form-post authorization requests; r.Form merges body and query.
		if err := r.ParseForm(); err != nil {
			protocol.WriteProblem(w, r, protocol.ErrInvalidRequest.WithDescription("malformed form body"))
			return
		}
		params = r.Form
	}
	res, err := s.cfg.Orchestrator.BeginAuthorize(r.Context(), authorize.BeginInput{
		Params:    params,
		SessionID: sessionFromCookie(r),
	})
	if err != nil {
		protocol.WriteProblem(w, r, err)
		return
	}
	if res.RedirectTo != "" {
		http.Redirect(w, r, res.RedirectTo, http.StatusFound)
		return
	}
	http.Redirect(w, r, s.cfg.LoginURL+"?flow="+url.QueryEscape(res.ChallengeID), http.StatusFound)
}

func (s *Server) handlePAR(w http.ResponseWriter, r *http.Request) {
	resp, err := s.cfg.Orchestrator.PushAuthorization(r.Context(), r)
	if err != nil {
		protocol.WriteTokenError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	resp, err := s.cfg.Orchestrator.Token(r.Context(), r)
	if err != nil {
		protocol.WriteTokenError(w, err)
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.TokenIssued(r.PostFormValue("grant_type"), "access")
	}
	protocol.WriteTokenResponse(w, resp)
}

func (s *Server) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	res, err := s.cfg.Userinfo.UserInfo(r.Context(), r)
	if err != nil {
		e := protocol.AsError(err)
		w.Header().Set("WWW-Authenticate", `Bearer error="`+e.Code+`"`)
		protocol.WriteProblem(w, r, err)
		return
	}
	if res.JWT != "" {
		w.Header().Set("Content-Type", "application/jwt")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(res.JWT))
		return
	}
	writeJSON(w, http.StatusOK, res.Claims)
}

func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	resp, err := s.cfg.Orchestrator.Introspect(r.Context(), r)
	if err != nil {
		protocol.WriteTokenError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Orchestrator.Revoke(r.Context(), r); err != nil {
		protocol.WriteTokenError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleBCAuthorize(w http.ResponseWriter, r *http.Request) {
	client, err := s.cfg.Orchestrator.AuthenticateClient(r.Context(), r)
	if err != nil {
		protocol.WriteTokenError(w, err)
		return
	}
	resp, err := s.cfg.CIBA.Begin(r.Context(), client, r.PostForm)
	if err != nil {
		protocol.WriteTokenError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	client, err := s.cfg.Orchestrator.AuthenticateClient(r.Context(), r)
	if err != nil {
		protocol.WriteTokenError(w, err)
		return
	}
	resp, err := s.cfg.Device.Authorize(r.Context(), client, r.PostForm)
	if err != nil {
		protocol.WriteTokenError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCIBAComplete records a signed-in user's decision on a pending
// backchannel authentication request. The request must have been hinted at
// the session's user; if the client registered a user_code it must be
// retyped here.
func (s *Server) handleCIBAComplete(w http.ResponseWriter, r *http.Request) {
	sess, err := s.cfg.Stores.Sessions.Active(r.Context(), sessionFromCookie(r), time.Now())
	if err != nil {
		protocol.WriteProblem(w, r, protocol.ErrLoginRequired.WithDescription("an active session is required"))
		return
	}
	if err := r.ParseForm(); err != nil {
		protocol.WriteProblem(w, r, protocol.ErrInvalidRequest.WithDescription("malformed form body"))
		return
	}
	authReqID := r.PostFormValue("auth_req_id")
	if authReqID == "" {
		protocol.WriteProblem(w, r, protocol.ErrInvalidRequest.WithDescription("auth_req_id is required"))
		return
	}
	rec, err := s.cfg.Stores.CIBA.Get(r.Context(), authReqID)
	if err != nil {
		protocol.WriteProblem(w, r, protocol.ErrInvalidGrant.WithDescription("unknown auth_req_id"))
		return
	}
	if rec.UserID != sess.UserID {
		protocol.WriteProblem(w, r, protocol.ErrAccessDenied.WithDescription("request was not addressed to this user"))
		return
	}
	if rec.UserCode != "" && subtle.ConstantTimeCompare([]byte(rec.UserCode), []byte(r.PostFormValue("user_code"))) != 1 {
		protocol.WriteProblem(w, r, protocol.ErrAccessDenied.WithDescription("user_code does not match"))
		return
	}
	c := &storage.Challenge{
		TenantID: rec.TenantID,
		ClientID: rec.ClientID,
		Type:     storage.ChallengeCIBA,
		UserID:   sess.UserID,
		AsyncID:  rec.AuthReqID,
	}
	if err := decide(r.Context(), s.cfg.CIBA, c, r.PostFormValue("approve")); err != nil {
		protocol.WriteProblem(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeviceComplete lets a signed-in user approve or deny a device grant
// by submitting the code shown on the device.
func (s *Server) handleDeviceComplete(w http.ResponseWriter, r *http.Request) {
	sess, err := s.cfg.Stores.Sessions.Active(r.Context(), sessionFromCookie(r), time.Now())
	if err != nil {
		protocol.WriteProblem(w, r, protocol.ErrLoginRequired.WithDescription("an active session is required"))
		return
	}
	if err := r.ParseForm(); err != nil {
		protocol.WriteProblem(w, r, protocol.ErrInvalidRequest.WithDescription("malformed form body"))
		return
	}
	userCode := r.PostFormValue("user_code")
	if userCode == "" {
		protocol.WriteProblem(w, r, protocol.ErrInvalidRequest.WithDescription("user_code is required"))
		return
	}
	c := &storage.Challenge{
		TenantID: sess.TenantID,
		Type:     storage.ChallengeDevice,
		UserID:   sess.UserID,
	}
	if err := s.cfg.Device.Attach(r.Context(), c, userCode); err != nil {
		protocol.WriteProblem(w, r, err)
		return
	}
	if err := decide(r.Context(), s.cfg.Device, c, r.PostFormValue("approve")); err != nil {
		protocol.WriteProblem(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// asyncDecider is the approve/deny half of the runners' approver contract.
type asyncDecider interface {
	Approve(ctx context.Context, c *storage.Challenge) error
	Deny(ctx context.Context, c *storage.Challenge) error
}

func decide(ctx context.Context, d asyncDecider, c *storage.Challenge, approve string) error {
	ok, err := strconv.ParseBool(approve)
	if err != nil {
		return protocol.ErrInvalidRequest.WithDescription("approve must be true or false")
	}
	if ok {
		return d.Approve(ctx, c)
	}
	return d.Deny(ctx, c)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	res, err := s.cfg.Logout.Logout(r.Context(), logout.Input{
		IDTokenHint:           r.Form.Get("id_token_hint"),
		ClientID:              r.Form.Get("client_id"),
		PostLogoutRedirectURI: r.Form.Get("post_logout_redirect_uri"),
		State:                 r.Form.Get("state"),
		SessionID:             sessionFromCookie(r),
	})
	if err != nil {
		protocol.WriteProblem(w, r, err)
		return
	}
	clearSessionCookie(w)
	if len(res.FrontchannelURIs) > 0 {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_ = logoutPage.Execute(w, res)
		return
	}
	if res.RedirectTo != "" {
		http.Redirect(w, r, res.RedirectTo, http.StatusFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// logoutPage notifies relying parties over the front channel before sending
// the browser on to the post-logout destination.
var logoutPage = template.Must(template.New("logout").Parse(`<!DOCTYPE html>
<html>
<head>
<title>Signed out</title>
{{if .RedirectTo}}<meta http-equiv="refresh" content="2;url={{.RedirectTo}}">{{end}}
</head>
<body>
<p>You have been signed out.</p>
{{range .FrontchannelURIs}}<iframe src="{{.}}" style="display:none"></iframe>
{{end}}</body>
</html>
`))

// handleBackchannelLogout receives logout tokens from the upstream providers
// we federate with and ends the local sessions they reference.
func (s *Server) handleBackchannelLogout(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		protocol.WriteTokenError(w, protocol.ErrInvalidRequest.WithDescription("malformed form body"))
		return
	}
	if _, err := s.cfg.Logout.Backchannel(r.Context(), r.PostFormValue("logout_token")); err != nil {
		protocol.WriteTokenError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleFlowContract(w http.ResponseWriter, r *http.Request) {
	contract, err := s.cfg.Flow.Contract(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		protocol.WriteProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, contract)
}

func (s *Server) handleFlowEvent(w http.ResponseWriter, r *http.Request) {
	var evt flow.Event
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		protocol.WriteProblem(w, r, protocol.ErrInvalidRequest.WithDescription("malformed event body"))
		return
	}
	res, err := s.cfg.Flow.HandleEvent(r.Context(), chi.URLParam(r, "id"), evt)
	if err != nil {
		protocol.WriteProblem(w, r, err)
		return
	}
	if res.SessionID != "" {
		setSessionCookie(w, res.SessionID)
	}
	writeJSON(w, http.StatusOK, res)
}

// handleFederationCallback closes an upstream IdP round-trip. The OAuth
// state parameter is the challenge ID, so a failed exchange still lands the
// user back on their flow.
func (s *Server) handleFederationCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := q.Get("state")
	if state == "" {
		protocol.WriteProblem(w, r, protocol.ErrInvalidRequest.WithDescription("missing state"))
		return
	}
	res, err := s.cfg.Flow.CompleteFederation(r.Context(), state, q.Get("code"))
	if err != nil {
		protocol.WriteProblem(w, r, err)
		return
	}
	if res.SessionID != "" {
		setSessionCookie(w, res.SessionID)
	}
	if res.RedirectTo != "" {
		http.Redirect(w, r, res.RedirectTo, http.StatusFound)
		return
	}
	http.Redirect(w, r, s.cfg.LoginURL+"?flow="+url.QueryEscape(state), http.StatusFound)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Stores.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func sessionFromCookie(r *http.Request) string {
	c, err := r.Cookie(SessionCookie)
	if err != nil {
		return ""
	}
	return c.Value
}

func setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, r *http.Request, err error) {
	protocol.WriteProblem(w, r, err)
}

func protocolRateLimited(dec ratelimit.Decision) error {
	retry := int(dec.RetryAfter / time.Second)
	if retry < 1 {
		retry = 1
	}
	return protocol.ErrResourceExhausted.
		WithDescription("rate limit exceeded").
		WithRetryAfter(retry)
}

func cacheControl(maxAge time.Duration) string {
	return "public, max-age=" + strconv.Itoa(int(maxAge/time.Second))
}
