// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"time"
)

// Audit event types emitted by the gateway.
const (
	EventIdentityResolved = "identity.resolved"
	EventIdentityRejected = "identity.rejected"
	EventTokenIssued      = "token.issued"
	EventTokenRejected    = "token.rejected"
	EventChatCompleted    = "chat.completed"
	EventChatCancelled    = "chat.cancelled"
	EventChatFailed       = "chat.failed"
	EventSessionCancel    = "session.cancel"
	EventPolicyViolation  = "chat.policy_violation"
)

// AuditEvent is a security-relevant event for compliance logging.
//
// Events are named "category.action". Trust-mode information travels in
// Metadata["trust_mode"] so that an auditor can tell development-override
// identities from certificate-backed ones.
//
//	event := AuditEvent{
//	    EventType:    extensions.EventChatCompleted,
//	    Subject:      caller.Subject,
//	    Action:       "chat",
//	    ResourceType: "session",
//	    ResourceID:   sessionID,
//	    Outcome:      "success",
//	    Metadata:     map[string]any{"trust_mode": caller.TrustMode},
//	}
type AuditEvent struct {
	// ID is assigned by the logger when empty.
	ID string

	// EventType categorizes the event ("identity.resolved", "chat.completed").
	EventType string

	// Timestamp is when the event occurred, UTC. Set by the logger when zero.
	Timestamp time.Time

	// Subject identifies who performed the action; "anonymous" if unknown.
	Subject string

	// Action is what was attempted: "resolve", "issue", "chat", "cancel".
	Action string

	// ResourceType is the category of resource: "assertion", "session".
	ResourceType string

	// ResourceID is the specific resource instance (optional).
	ResourceID string

	// Outcome is "success", "failure", "cancelled", or "error".
	Outcome string

	// Metadata holds event-specific details. Never put assertions or
	// secrets here.
	Metadata map[string]any
}

// AuditFilter selects audit events. Zero-valued fields do not filter;
// set fields are combined with AND.
type AuditFilter struct {
	// EventTypes limits results to the listed types.
	EventTypes []string

	// Subject limits results to one caller.
	Subject string

	// StartTime is the inclusive lower bound.
	StartTime time.Time

	// EndTime is the exclusive upper bound.
	EndTime time.Time

	// ResourceID limits results to one resource.
	ResourceID string

	// Outcome limits results to one outcome.
	Outcome string

	// Limit caps the result count. Zero means the implementation default.
	Limit int
}

// Matches reports whether event satisfies every set field of f.
func (f AuditFilter) Matches(event AuditEvent) bool {
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if t == event.EventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Subject != "" && f.Subject != event.Subject {
		return false
	}
	if !f.StartTime.IsZero() && event.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && !event.Timestamp.Before(f.EndTime) {
		return false
	}
	if f.ResourceID != "" && f.ResourceID != event.ResourceID {
		return false
	}
	if f.Outcome != "" && f.Outcome != event.Outcome {
		return false
	}
	return true
}

// AuditLogger records security-relevant events.
//
// # Description
//
// Log must return quickly; the gateway calls it on the request path after
// the response has been written. Query returns events newest first. Flush
// persists anything buffered and is called once at shutdown.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
	Flush(ctx context.Context) error
}

// NopAuditLogger discards all events.
type NopAuditLogger struct{}

// Log discards the event.
func (l *NopAuditLogger) Log(_ context.Context, _ AuditEvent) error {
	return nil
}

// Query returns an empty slice.
func (l *NopAuditLogger) Query(_ context.Context, _ AuditFilter) ([]AuditEvent, error) {
	return []AuditEvent{}, nil
}

// Flush is a no-op.
func (l *NopAuditLogger) Flush(_ context.Context) error {
	return nil
}

var _ AuditLogger = (*NopAuditLogger)(nil)
