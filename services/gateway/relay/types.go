// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/embedchat/services/gateway/datatypes"
	"github.com/AleutianAI/embedchat/services/gateway/token"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrBackpressureExceeded means the consumer did not drain the buffer
	// within Config.BackpressureTimeout.
	ErrBackpressureExceeded = errors.New("relay: backpressure exceeded")

	// ErrUpstreamFailure is the class of every model-service failure.
	ErrUpstreamFailure = errors.New("relay: upstream failure")

	// ErrMalformedFragment means a fragment could not be decoded.
	ErrMalformedFragment = errors.New("relay: malformed fragment")

	// ErrUpstreamUnavailable is a connection-level failure. Retryable once,
	// only before the first fragment is forwarded.
	ErrUpstreamUnavailable = fmt.Errorf("%w: unavailable", ErrUpstreamFailure)

	// ErrUpstreamStatus is a non-success response from the model service.
	// Not retryable.
	ErrUpstreamStatus = fmt.Errorf("%w: bad status", ErrUpstreamFailure)

	// ErrCancelTimeout means the producer did not stop within
	// Config.CancelGrace after cancellation.
	ErrCancelTimeout = errors.New("relay: upstream ignored cancellation")

	// ErrCancelled is returned by Collect for a cancelled session.
	ErrCancelled = errors.New("relay: session cancelled")

	// ErrInvalidRequest is returned by Start for a request it cannot run.
	ErrInvalidRequest = errors.New("relay: invalid request")

	// ErrDuplicateSession is returned when registering an id twice.
	ErrDuplicateSession = errors.New("relay: duplicate session id")

	// ErrSessionNotFound is returned for an unknown or finished session.
	ErrSessionNotFound = errors.New("relay: session not found")

	// ErrSessionNotOwned is returned when a caller acts on another
	// subject's session.
	ErrSessionNotOwned = errors.New("relay: session not owned by caller")
)

// -----------------------------------------------------------------------------
// State
// -----------------------------------------------------------------------------

// State is a session's lifecycle state.
//
//	Open ──► Streaming ──► Completed
//	  │          │
//	  │          ├──────► Cancelled
//	  │          └──────► Failed
//	  ├─────────────────► Cancelled
//	  └─────────────────► Failed
//
// No transition leaves a terminal state.
type State int

const (
	// StateOpen: started, nothing forwarded yet.
	StateOpen State = iota

	// StateStreaming: at least one fragment forwarded.
	StateStreaming

	// StateCompleted: the model finished and every fragment was forwarded.
	StateCompleted

	// StateCancelled: stopped on request or client disconnect.
	StateCancelled

	// StateFailed: stopped by an error.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal returns true for Completed, Cancelled and Failed.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Cause records why a session was cancelled.
type Cause int

const (
	// CauseClientDisconnect: the consumer's context ended.
	CauseClientDisconnect Cause = iota

	// CauseUserRequest: explicit cancel through the API.
	CauseUserRequest

	// CauseSinkError: writing to the client failed.
	CauseSinkError

	// CauseShutdown: the process is stopping.
	CauseShutdown
)

// String returns the cause name.
func (c Cause) String() string {
	switch c {
	case CauseClientDisconnect:
		return "client_disconnect"
	case CauseUserRequest:
		return "user_request"
	case CauseSinkError:
		return "sink_error"
	case CauseShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Events
// -----------------------------------------------------------------------------

// EventKind distinguishes fragment events from the terminal signal.
type EventKind int

const (
	// EventToken carries one fragment.
	EventToken EventKind = iota

	// EventDone is the completion sentinel.
	EventDone

	// EventCancelled acknowledges cancellation.
	EventCancelled

	// EventError carries the terminal error.
	EventError
)

// String returns the wire name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventToken:
		return "token"
	case EventDone:
		return "done"
	case EventCancelled:
		return "cancelled"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one item delivered to a Sink.
type Event struct {
	Kind    EventKind
	Seq     int
	Content string

	// Err is set for EventError only. It is the internal error; sinks that
	// talk to clients must sanitize it.
	Err error
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Kind != EventToken
}

// Sink receives a session's events in order.
type Sink interface {
	Send(ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev Event) error

// Send calls f(ev).
func (f SinkFunc) Send(ev Event) error {
	return f(ev)
}

// -----------------------------------------------------------------------------
// Requests and configuration
// -----------------------------------------------------------------------------

// Request is one chat turn. Whether the caller wants the fragments as a
// stream or collected is the transport's concern; a session always streams.
type Request struct {
	Messages  []datatypes.Message
	Model     string
	Assertion *token.Assertion
}

// Config tunes sessions. Zero values take defaults.
type Config struct {
	// BufferSize is the fragment channel capacity. Default 64.
	BufferSize int

	// BackpressureTimeout is how long the producer waits on a full buffer
	// before failing the session. Default 10s.
	BackpressureTimeout time.Duration

	// CancelGrace is how long the producer has to stop after cancellation.
	// Default 5s.
	CancelGrace time.Duration
}

const (
	DefaultBufferSize          = 64
	DefaultBackpressureTimeout = 10 * time.Second
	DefaultCancelGrace         = 5 * time.Second

	// maxConnectAttempts allows one retry, before the first fragment.
	maxConnectAttempts = 2
)

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.BackpressureTimeout <= 0 {
		c.BackpressureTimeout = DefaultBackpressureTimeout
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = DefaultCancelGrace
	}
}
