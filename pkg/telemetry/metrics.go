// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry exposes the prometheus collectors for the provider.
// Everything registers on a private registry so tests can create isolated
// instances; the HTTP handler serves that registry on /metrics.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the provider emits.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	tokensIssued    *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
	keyRotations    *prometheus.CounterVec
	storeContention prometheus.Counter
	eventsEmitted   *prometheus.CounterVec
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "passgate_requests_total",
			Help: "HTTP requests by endpoint and status code.",
		}, []string{"endpoint", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "passgate_request_duration_seconds",
			Help:    "HTTP request latency by endpoint.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "passgate_tokens_issued_total",
			Help: "Tokens issued by grant type and token type.",
		}, []string{"grant", "token_type"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "passgate_rate_limited_total",
			Help: "Requests rejected by the rate limiter, by endpoint.",
		}, []string{"endpoint"}),
		keyRotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "passgate_key_rotations_total",
			Help: "Signing key rotations by reason.",
		}, []string{"reason"}),
		storeContention: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "passgate_store_contention_retries_total",
			Help: "CAS retries inside the record stores.",
		}),
		eventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "passgate_events_emitted_total",
			Help: "Events emitted on the bus, by event name.",
		}, []string{"event"}),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.tokensIssued,
		m.rateLimited,
		m.keyRotations,
		m.storeContention,
		m.eventsEmitted,
	)
	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one served request.
func (m *Metrics) ObserveRequest(endpoint string, code int, elapsed time.Duration) {
	m.requestsTotal.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// TokenIssued records one issued token.
func (m *Metrics) TokenIssued(grant, tokenType string) {
	m.tokensIssued.WithLabelValues(grant, tokenType).Inc()
}

// RateLimited records one rejected request.
func (m *Metrics) RateLimited(endpoint string) {
	m.rateLimited.WithLabelValues(endpoint).Inc()
}

// KeyRotated records one key rotation.
func (m *Metrics) KeyRotated(reason string) {
	m.keyRotations.WithLabelValues(reason).Inc()
}

// StoreContention records one CAS retry.
func (m *Metrics) StoreContention() {
	m.storeContention.Inc()
}

// EventEmitted records one bus event.
func (m *Metrics) EventEmitted(name string) {
	m.eventsEmitted.WithLabelValues(name).Inc()
}
