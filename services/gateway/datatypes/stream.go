// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// StreamEventType names an SSE / websocket event.
type StreamEventType string

const (
	// StreamEventStatus carries the session id before the first token.
	StreamEventStatus StreamEventType = "status"

	// StreamEventToken carries one model fragment.
	StreamEventToken StreamEventType = "token"

	// StreamEventDone is the completion sentinel.
	StreamEventDone StreamEventType = "done"

	// StreamEventCancelled acknowledges a cancellation.
	StreamEventCancelled StreamEventType = "cancelled"

	// StreamEventError carries a sanitized error message.
	StreamEventError StreamEventType = "error"
)

// IsTerminal reports whether t ends a stream.
func (t StreamEventType) IsTerminal() bool {
	return t == StreamEventDone || t == StreamEventCancelled || t == StreamEventError
}

// StreamEvent is one event on the client stream.
//
// Id, Seq, CreatedAt, Hash and PrevHash are set by the writer. Hash chains
// each event to its predecessor so that a recorded stream can be checked
// for dropped or reordered events.
type StreamEvent struct {
	Id        string          `json:"id"`
	Seq       int             `json:"seq"`
	Type      StreamEventType `json:"type"`
	CreatedAt int64           `json:"created_at"`
	Content   string          `json:"content,omitempty"`
	Message   string          `json:"message,omitempty"`
	Error     string          `json:"error,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Hash      string          `json:"hash"`
	PrevHash  string          `json:"prev_hash,omitempty"`
}

// =============================================================================
// Auth endpoints
// =============================================================================

// TokenResponse is returned by the assertion issue endpoint.
type TokenResponse struct {
	Token       string    `json:"token"`
	TokenType   string    `json:"token_type"`
	Subject     string    `json:"subject"`
	DisplayName string    `json:"display_name,omitempty"`
	TrustMode   string    `json:"trust_mode"`
	ExpiresAt   time.Time `json:"expires_at"`
	ExpiresIn   int64     `json:"expires_in"`
}

// VerifyResponse is returned by the introspection endpoint.
type VerifyResponse struct {
	Active      bool   `json:"active"`
	Subject     string `json:"subject"`
	DisplayName string `json:"display_name,omitempty"`
	TrustMode   string `json:"trust_mode"`
	AssertionID string `json:"assertion_id"`
}

// SessionView describes an in-flight relay session.
type SessionView struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	Fragments int       `json:"fragments"`
}

// SessionListResponse lists the caller's sessions.
type SessionListResponse struct {
	Sessions []SessionView `json:"sessions"`
}
