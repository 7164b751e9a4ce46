// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
)

// ErrUnauthorized is returned when validation or authorization fails.
// Implementations wrap it with context:
//
//	return fmt.Errorf("subject %s cannot cancel: %w", subject, extensions.ErrUnauthorized)
var ErrUnauthorized = errors.New("unauthorized")

// Caller is the identity a request acts on behalf of, as carried by a
// verified assertion.
//
// TrustMode records how the identity was established ("certificate" or
// "development"). It is informational: authorization decisions must be made
// on Subject alone so that both trust modes are treated identically.
type Caller struct {
	// Subject is the unique identifier of the end user. Never empty.
	Subject string

	// DisplayName is a human-readable name. May be empty.
	DisplayName string

	// TrustMode is "certificate" or "development".
	TrustMode string

	// AssertionID is the jti of the assertion the caller presented.
	AssertionID string
}

// AuthProvider validates a bearer assertion and returns the caller it
// names.
//
// The gateway's token verifier implements this interface; enterprise
// deployments may substitute one that also consults a revocation list.
type AuthProvider interface {
	// Validate returns the caller for a valid token. Errors wrap
	// ErrUnauthorized.
	Validate(ctx context.Context, token string) (*Caller, error)
}

// AuthzRequest describes an authorization check as (caller, action, resource).
//
//	req := AuthzRequest{
//	    Caller:       caller,
//	    Action:       "cancel",
//	    ResourceType: "session",
//	    ResourceID:   sessionID,
//	}
type AuthzRequest struct {
	// Caller is the verified identity making the request.
	Caller *Caller

	// Action is the operation being attempted: "chat", "cancel", "list".
	Action string

	// ResourceType is the category of resource: "session", "model".
	ResourceType string

	// ResourceID is the specific instance. Empty for type-level checks.
	ResourceID string
}

// AuthzProvider checks if a caller is authorized to perform an action.
//
// # Open Source Behavior
//
// NopAuthzProvider allows everything; ownership of relay sessions is still
// enforced by the session registry independently of this provider.
type AuthzProvider interface {
	// Authorize returns nil when permitted, ErrUnauthorized (wrapped) if denied.
	Authorize(ctx context.Context, req AuthzRequest) error
}

// NopAuthProvider rejects every token. Deployments that expose assertion
// introspection replace it with the token verifier.
type NopAuthProvider struct{}

// Validate always fails with ErrUnauthorized.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*Caller, error) {
	return nil, ErrUnauthorized
}

// NopAuthzProvider allows all actions.
type NopAuthzProvider struct{}

// Authorize always returns nil.
func (p *NopAuthzProvider) Authorize(_ context.Context, _ AuthzRequest) error {
	return nil
}

var (
	_ AuthProvider  = (*NopAuthProvider)(nil)
	_ AuthzProvider = (*NopAuthzProvider)(nil)
)
