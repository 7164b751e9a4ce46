// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics for the chat gateway.
//
// # Description
//
// Prometheus metrics for identity propagation and streaming relay:
//   - Request counters (by endpoint, status) and error counters (by code)
//   - Session gauges and latency histograms (time to first token, duration)
//   - Identity resolutions by trust mode and token verifications by outcome
//
// StreamingMetrics implements relay.Observer, so the relay reports session
// lifecycle directly.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/embedchat/services/gateway/identity"
	"github.com/AleutianAI/embedchat/services/gateway/relay"
	"github.com/AleutianAI/embedchat/services/gateway/token"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "embedchat"

const (
	streamingSubsystem = "streaming"
	identitySubsystem  = "identity"
)

// StreamingMetrics holds all Prometheus metrics for the gateway.
//
// # Fields
//
//   - RequestsTotal: chat requests by endpoint and status
//   - ActiveSessions: relay sessions not yet terminal
//   - TimeToFirstTokenSeconds: session start to first forwarded fragment
//   - SessionDurationSeconds: session start to terminal state, by state
//   - FragmentsTotal: fragments handed to consumers
//   - UpstreamRetriesTotal: reconnects to the model service
//   - ErrorsTotal: errors by endpoint and code
//   - KeepAlivesTotal, ClientDisconnectsTotal: by endpoint
//   - IdentityResolutionsTotal: by trust mode and outcome
//   - TokenVerificationsTotal: by outcome
//   - RateLimitedTotal: requests refused by the per-subject limiter
//
// # Thread Safety
//
// All operations are thread-safe.
type StreamingMetrics struct {
	RequestsTotal           *prometheus.CounterVec
	ActiveSessions          prometheus.Gauge
	TimeToFirstTokenSeconds prometheus.Histogram
	SessionDurationSeconds  *prometheus.HistogramVec
	FragmentsTotal          prometheus.Counter
	UpstreamRetriesTotal    prometheus.Counter
	ErrorsTotal             *prometheus.CounterVec
	KeepAlivesTotal         *prometheus.CounterVec
	ClientDisconnectsTotal  *prometheus.CounterVec

	IdentityResolutionsTotal *prometheus.CounterVec
	TokenVerificationsTotal  *prometheus.CounterVec
	RateLimitedTotal         prometheus.Counter
}

var _ relay.Observer = (*StreamingMetrics)(nil)

// NewStreamingMetrics creates and registers all metrics with reg.
//
// # Inputs
//
//   - reg: registry to register with. Tests pass prometheus.NewRegistry();
//     the service passes prometheus.DefaultRegisterer.
//
// # Limitations
//
//   - Panics on duplicate registration, so call once per registry.
func NewStreamingMetrics(reg prometheus.Registerer) *StreamingMetrics {
	f := promauto.With(reg)
	return &StreamingMetrics{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "requests_total",
				Help:      "Total number of chat requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		ActiveSessions: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "active_sessions",
				Help:      "Number of relay sessions not yet terminal",
			},
		),

		TimeToFirstTokenSeconds: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from session start to first forwarded fragment in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
		),

		SessionDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "session_duration_seconds",
				Help:      "Session duration in seconds by terminal state",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"state"},
		),

		FragmentsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "fragments_total",
				Help:      "Total fragments forwarded to clients",
			},
		),

		UpstreamRetriesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "upstream_retries_total",
				Help:      "Total reconnects to the model service",
			},
		),

		ErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "errors_total",
				Help:      "Total errors by endpoint and error code",
			},
			[]string{"endpoint", "error_code"},
		),

		KeepAlivesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "keepalives_total",
				Help:      "Total keepalive pings sent",
			},
			[]string{"endpoint"},
		),

		ClientDisconnectsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
			[]string{"endpoint"},
		),

		IdentityResolutionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: identitySubsystem,
				Name:      "resolutions_total",
				Help:      "Identity resolutions by trust mode and outcome",
			},
			[]string{"trust_mode", "outcome"},
		),

		TokenVerificationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: identitySubsystem,
				Name:      "token_verifications_total",
				Help:      "Assertion verifications by outcome",
			},
			[]string{"outcome"},
		),

		RateLimitedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: identitySubsystem,
				Name:      "rate_limited_total",
				Help:      "Requests refused by the per-subject rate limiter",
			},
		),
	}
}

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode represents a categorized error type for metrics.
type ErrorCode string

const (
	ErrorCodeValidation       ErrorCode = "validation"
	ErrorCodeUnauthorized     ErrorCode = "unauthorized"
	ErrorCodeRateLimited      ErrorCode = "rate_limited"
	ErrorCodeUpstream         ErrorCode = "upstream_error"
	ErrorCodeMalformed        ErrorCode = "malformed_fragment"
	ErrorCodeBackpressure     ErrorCode = "backpressure"
	ErrorCodeCancelTimeout    ErrorCode = "cancel_timeout"
	ErrorCodeInternal         ErrorCode = "internal"
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
	ErrorCodePolicyViolation  ErrorCode = "policy_violation"
)

// ErrorCodeFor classifies err.
func ErrorCodeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, relay.ErrBackpressureExceeded):
		return ErrorCodeBackpressure
	case errors.Is(err, relay.ErrCancelTimeout):
		return ErrorCodeCancelTimeout
	case errors.Is(err, relay.ErrMalformedFragment):
		return ErrorCodeMalformed
	case errors.Is(err, relay.ErrUpstreamFailure):
		return ErrorCodeUpstream
	case errors.Is(err, relay.ErrInvalidRequest):
		return ErrorCodeValidation
	case errors.Is(err, identity.ErrMissingIdentity),
		errors.Is(err, identity.ErrModeMismatch),
		errors.Is(err, token.ErrBadSignature),
		errors.Is(err, token.ErrExpired):
		return ErrorCodeUnauthorized
	default:
		return ErrorCodeInternal
	}
}

// =============================================================================
// Endpoint Names
// =============================================================================

// Endpoint represents a chat endpoint for metrics labeling.
type Endpoint string

const (
	EndpointChatStream Endpoint = "chat_stream"
	EndpointChat       Endpoint = "chat"
	EndpointWebSocket  Endpoint = "websocket"

	// EndpointRelay labels errors reported by the relay itself.
	EndpointRelay Endpoint = "relay"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a completed chat request.
func (m *StreamingMetrics) RecordRequest(endpoint Endpoint, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.RequestsTotal.WithLabelValues(string(endpoint), status).Inc()
}

// RecordError records an error.
func (m *StreamingMetrics) RecordError(endpoint Endpoint, code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// RecordKeepAlive increments the keepalive counter.
func (m *StreamingMetrics) RecordKeepAlive(endpoint Endpoint) {
	m.KeepAlivesTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordClientDisconnect increments the client disconnect counter.
func (m *StreamingMetrics) RecordClientDisconnect(endpoint Endpoint) {
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordIdentity records one identity resolution. trustMode is empty when
// resolution failed before a mode could be attributed.
func (m *StreamingMetrics) RecordIdentity(trustMode string, err error) {
	outcome := "success"
	if err != nil {
		outcome = string(ErrorCodeFor(err))
	}
	if trustMode == "" {
		trustMode = "unknown"
	}
	m.IdentityResolutionsTotal.WithLabelValues(trustMode, outcome).Inc()
}

// RecordTokenVerification records one assertion verification.
func (m *StreamingMetrics) RecordTokenVerification(err error) {
	outcome := "valid"
	switch {
	case err == nil:
	case errors.Is(err, token.ErrExpired):
		outcome = "expired"
	default:
		outcome = "bad_signature"
	}
	m.TokenVerificationsTotal.WithLabelValues(outcome).Inc()
}

// RecordRateLimited increments the rate limit counter.
func (m *StreamingMetrics) RecordRateLimited() {
	m.RateLimitedTotal.Inc()
}

// =============================================================================
// relay.Observer
// =============================================================================

// SessionStarted increments the active sessions gauge.
func (m *StreamingMetrics) SessionStarted() {
	m.ActiveSessions.Inc()
}

// SessionEnded decrements the active sessions gauge and records duration
// and, for failed sessions, the error code.
func (m *StreamingMetrics) SessionEnded(state relay.State, err error, duration time.Duration) {
	m.ActiveSessions.Dec()
	m.SessionDurationSeconds.WithLabelValues(state.String()).Observe(duration.Seconds())
	if err != nil {
		m.RecordError(EndpointRelay, ErrorCodeFor(err))
	}
}

// FirstFragment records time to first token.
func (m *StreamingMetrics) FirstFragment(latency time.Duration) {
	m.TimeToFirstTokenSeconds.Observe(latency.Seconds())
}

// FragmentForwarded increments the fragment counter.
func (m *StreamingMetrics) FragmentForwarded() {
	m.FragmentsTotal.Inc()
}

// UpstreamRetry increments the retry counter.
func (m *StreamingMetrics) UpstreamRetry() {
	m.UpstreamRetriesTotal.Inc()
}
