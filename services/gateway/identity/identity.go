// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package identity resolves the caller of an inbound request.
//
// A process runs in exactly one trust mode. In certificate mode the caller
// comes from a client certificate that the transport layer has already
// verified; in development mode it comes from an explicit mock-user signal.
// The mode is chosen once, when the Resolver is built, and nothing outside
// this package branches on it: the Identity it returns has the same shape in
// both modes, with IssuedVia recording how it was obtained.
package identity

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrMissingIdentity means the configured mode's signal is absent or
	// unusable.
	ErrMissingIdentity = errors.New("identity: missing identity")

	// ErrModeMismatch means the request carries the other mode's signal.
	ErrModeMismatch = errors.New("identity: trust mode mismatch")
)

// =============================================================================
// Mode
// =============================================================================

// Mode is the process-wide trust mode.
type Mode int

const (
	// ModeCertificate trusts pre-validated client-certificate attributes.
	ModeCertificate Mode = iota

	// ModeDevelopment trusts the mock-user override.
	ModeDevelopment
)

// String returns "certificate" or "development".
func (m Mode) String() string {
	switch m {
	case ModeCertificate:
		return "certificate"
	case ModeDevelopment:
		return "development"
	default:
		return "unknown"
	}
}

// ParseMode converts a configuration value to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "certificate", "production":
		return ModeCertificate, nil
	case "development":
		return ModeDevelopment, nil
	default:
		return ModeCertificate, fmt.Errorf("identity: unknown trust mode %q", s)
	}
}

// =============================================================================
// Identity
// =============================================================================

// IssuedVia records which trust path produced an Identity.
type IssuedVia int

const (
	// ViaCertificate marks identities read from a verified client certificate.
	ViaCertificate IssuedVia = iota

	// ViaDevOverride marks identities supplied by the development override.
	ViaDevOverride
)

// String returns the wire name used in assertions.
func (v IssuedVia) String() string {
	switch v {
	case ViaCertificate:
		return "certificate"
	case ViaDevOverride:
		return "dev_override"
	default:
		return "unknown"
	}
}

// ParseIssuedVia is the inverse of IssuedVia.String.
func ParseIssuedVia(s string) (IssuedVia, error) {
	switch s {
	case "certificate":
		return ViaCertificate, nil
	case "dev_override":
		return ViaDevOverride, nil
	default:
		return ViaCertificate, fmt.Errorf("identity: unknown issued_via %q", s)
	}
}

// TrustMode returns the Mode that produces identities with this IssuedVia.
func (v IssuedVia) TrustMode() Mode {
	if v == ViaDevOverride {
		return ModeDevelopment
	}
	return ModeCertificate
}

// Identity is the resolved caller. It is a value type; copies are
// independent and nothing mutates one after Resolve returns it.
type Identity struct {
	// Subject is the unique caller name, e.g. "john.doe@dept.gov".
	Subject string

	// DisplayName is optional.
	DisplayName string

	// IssuedVia records the trust path.
	IssuedVia IssuedVia
}

// Name returns DisplayName, falling back to Subject.
func (i Identity) Name() string {
	if i.DisplayName != "" {
		return i.DisplayName
	}
	return i.Subject
}

// =============================================================================
// Subject hygiene
// =============================================================================

// MaxSubjectBytes bounds a subject's length.
const MaxSubjectBytes = 256

// cleanSubject trims s and reports whether it is usable. An empty result
// means "absent"; an error means "present but unacceptable".
func cleanSubject(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	if len(s) > MaxSubjectBytes {
		return "", fmt.Errorf("subject exceeds %d bytes: %w", MaxSubjectBytes, ErrMissingIdentity)
	}
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("subject contains control characters: %w", ErrMissingIdentity)
		}
	}
	return s, nil
}
