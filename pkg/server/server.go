// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server is the HTTP surface of the authorization server: route
// wiring, the browser session cookie, rate limiting, and the translation
// between transport and the protocol-agnostic services underneath.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/passgate/pkg/authorize"
	"github.com/stacklok/passgate/pkg/ciba"
	"github.com/stacklok/passgate/pkg/device"
	"github.com/stacklok/passgate/pkg/flow"
	"github.com/stacklok/passgate/pkg/keys"
	"github.com/stacklok/passgate/pkg/logger"
	"github.com/stacklok/passgate/pkg/logout"
	"github.com/stacklok/passgate/pkg/ratelimit"
	"github.com/stacklok/passgate/pkg/storage"
	"github.com/stacklok/passgate/pkg/telemetry"
	"github.com/stacklok/passgate/pkg/userinfo"
)

// SessionCookie is the browser session cookie name.
const SessionCookie = "pg_session"

// maxBodyBytes caps every request body; no endpoint here needs more.
const maxBodyBytes = 1 << 20

// parMaxBodyBytes is the tighter cap on pushed authorization requests.
const parMaxBodyBytes = 32 << 10

// requestTimeout bounds one request end to end.
const requestTimeout = 30 * time.Second

// Config wires the server's collaborators.
type Config struct {
	IssuerURL  string
	ListenAddr string
	// LoginURL is the page hosting the flow UI; opened challenges redirect
	// there with ?flow={id}.
	LoginURL string

	Orchestrator *authorize.Orchestrator
	Flow         *flow.Engine
	CIBA         *ciba.Runner
	Device       *device.Runner
	Logout       *logout.Service
	Userinfo     *userinfo.Service
	Keys         *keys.Manager
	Stores       *storage.Stores
	Metrics      *telemetry.Metrics
	Limiter      ratelimit.Limiter

	ShutdownTimeout time.Duration
}

// Server serves the OAuth/OIDC endpoints.
type Server struct {
	cfg     Config
	handler http.Handler
}

// New builds the server and its route table.
func New(cfg Config) *Server {
	if cfg.LoginURL == "" {
		cfg.LoginURL = cfg.IssuerURL + "/login"
	}
	s := &Server{cfg: cfg}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(s.observe)
	r.Use(capBody(maxBodyBytes))

	r.Get("/.well-known/openid-configuration", s.handleDiscovery)
	r.Get("/.well-known/jwks.json", s.handleJWKS)

	r.With(s.limit("authorize")).Get("/authorize", s.handleAuthorize)
	r.With(s.limit("authorize")).Post("/authorize", s.handleAuthorize)
	r.With(s.limit("par"), capBody(parMaxBodyBytes)).Post("/par", s.handlePAR)
	r.With(s.limit("token")).Post("/token", s.handleToken)
	r.Get("/userinfo", s.handleUserinfo)
	r.Post("/userinfo", s.handleUserinfo)
	r.Post("/introspect", s.handleIntrospect)
	r.Post("/revoke", s.handleRevoke)
	r.With(s.limit("bc-authorize")).Post("/bc-authorize", s.handleBCAuthorize)
	r.Post("/device_authorization", s.handleDeviceAuthorization)
	r.Post("/ciba/complete", s.handleCIBAComplete)
	r.Post("/device/complete", s.handleDeviceComplete)
	r.Get("/logout", s.handleLogout)
	r.Post("/logout", s.handleLogout)
	r.Post("/logout/backchannel", s.handleBackchannelLogout)

	r.Get("/flow/{id}", s.handleFlowContract)
	r.Post("/flow/{id}/event", s.handleFlowEvent)
	r.Get("/callback", s.handleFederationCallback)

	r.Get("/health", s.handleHealth)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	s.handler = r
	return s
}

// Handler exposes the route table for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until the context is cancelled, then drains within the
// shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", s.cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	err := <-errCh
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// observe records one timing sample per request against the matched route
// pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		s.cfg.Metrics.ObserveRequest(pattern, ww.Status(), time.Since(start))
	})
}

func capBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// limit applies the fixed-window limiter keyed by endpoint and caller IP.
func (s *Server) limit(endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.cfg.Limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			pol := ratelimit.PolicyFor(nil, endpoint)
			dec, err := s.cfg.Limiter.Check(r.Context(), endpoint+":"+r.RemoteAddr, pol)
			if err != nil {
				// A broken limiter must not take the endpoint down.
				next.ServeHTTP(w, r)
				return
			}
			if !dec.Allowed {
				if s.cfg.Metrics != nil {
					s.cfg.Metrics.RateLimited(endpoint)
				}
				writeJSONError(w, r, protocolRateLimited(dec))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
