// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package identity

import (
	"net/http"
	"strings"
)

// Development override signal names.
const (
	MockUserHeader     = "X-Mock-User"
	MockUserNameHeader = "X-Mock-User-Name"
	MockUserQuery      = "mockUser"
)

// EdgeHeaders names the headers an edge proxy uses to forward a client
// certificate it has already verified. The proxy must strip these headers
// from client traffic; the resolver does not re-check the certificate.
type EdgeHeaders struct {
	// Verify carries the proxy's verification result; only "SUCCESS" is
	// accepted.
	Verify string

	// Subject carries the certificate subject common name.
	Subject string

	// Email carries the first email SAN. Optional.
	Email string
}

// DefaultEdgeHeaders matches nginx's ssl_client_* variables as commonly
// forwarded.
func DefaultEdgeHeaders() EdgeHeaders {
	return EdgeHeaders{
		Verify:  "X-SSL-Client-Verify",
		Subject: "X-SSL-Client-S-DN-CN",
		Email:   "X-SSL-Client-Email",
	}
}

// signalSource is one trust mode's view of a request.
type signalSource interface {
	resolve(r *http.Request) (Identity, error)

	// admits reports ErrModeMismatch when r carries the other mode's signal.
	admits(r *http.Request) error
}

// Resolver produces one Identity per request, or fails.
//
// # Description
//
// The trust mode is fixed at construction. Resolve never parses certificates
// or makes trust decisions: it reads attributes the transport layer has
// already validated (r.TLS.VerifiedChains, or the edge-proxy headers).
//
// # Thread Safety
//
// Immutable after NewResolver; safe for concurrent use.
type Resolver struct {
	mode   Mode
	source signalSource
}

// NewResolver builds a Resolver for mode. Empty fields of edge fall back to
// DefaultEdgeHeaders.
func NewResolver(mode Mode, edge EdgeHeaders) *Resolver {
	defaults := DefaultEdgeHeaders()
	if edge.Verify == "" {
		edge.Verify = defaults.Verify
	}
	if edge.Subject == "" {
		edge.Subject = defaults.Subject
	}

	cert := &certificateSource{edge: edge}
	var source signalSource
	switch mode {
	case ModeDevelopment:
		source = &overrideSource{cert: cert}
	default:
		mode = ModeCertificate
		source = cert
	}
	return &Resolver{mode: mode, source: source}
}

// Mode returns the configured trust mode.
func (r *Resolver) Mode() Mode {
	return r.mode
}

// Resolve extracts the caller of req.
//
// # Outputs
//
//   - Identity: the caller, when the configured mode's signal is present.
//   - error: ErrModeMismatch if the other mode's signal is present,
//     ErrMissingIdentity if no usable signal is present. Both may be wrapped.
func (r *Resolver) Resolve(req *http.Request) (Identity, error) {
	return r.source.resolve(req)
}

// CheckMode rejects a request that carries a trust signal the configured
// mode does not accept, without resolving an identity. It applies to
// requests that authenticate some other way, such as a bearer assertion:
// an override header in certificate mode fails here even when the bearer
// itself is valid.
//
// # Outputs
//
//   - error: ErrModeMismatch, or nil if every signal present is admissible.
func (r *Resolver) CheckMode(req *http.Request) error {
	return r.source.admits(req)
}

// =============================================================================
// Certificate mode
// =============================================================================

type certificateSource struct {
	edge EdgeHeaders
}

func (s *certificateSource) admits(r *http.Request) error {
	if hasOverride(r) {
		return ErrModeMismatch
	}
	return nil
}

func (s *certificateSource) resolve(r *http.Request) (Identity, error) {
	if hasOverride(r) {
		return Identity{}, ErrModeMismatch
	}

	subject, display, err := s.fromTLS(r)
	if err != nil {
		return Identity{}, err
	}
	if subject == "" {
		subject, display, err = s.fromEdge(r)
		if err != nil {
			return Identity{}, err
		}
	}
	if subject == "" {
		return Identity{}, ErrMissingIdentity
	}
	return Identity{Subject: subject, DisplayName: display, IssuedVia: ViaCertificate}, nil
}

// present reports whether r carries any certificate signal, verified or not.
func (s *certificateSource) present(r *http.Request) bool {
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		return true
	}
	return r.Header.Get(s.edge.Verify) != "" || r.Header.Get(s.edge.Subject) != ""
}

func (s *certificateSource) fromTLS(r *http.Request) (string, string, error) {
	if r.TLS == nil || len(r.TLS.VerifiedChains) == 0 || len(r.TLS.VerifiedChains[0]) == 0 {
		return "", "", nil
	}
	leaf := r.TLS.VerifiedChains[0][0]

	display, err := cleanSubject(leaf.Subject.CommonName)
	if err != nil {
		return "", "", err
	}
	subject := display
	for _, email := range leaf.EmailAddresses {
		e, err := cleanSubject(email)
		if err != nil {
			return "", "", err
		}
		if e != "" {
			subject = e
			break
		}
	}
	return subject, display, nil
}

func (s *certificateSource) fromEdge(r *http.Request) (string, string, error) {
	if r.Header.Get(s.edge.Verify) != "SUCCESS" {
		return "", "", nil
	}
	display, err := cleanSubject(r.Header.Get(s.edge.Subject))
	if err != nil {
		return "", "", err
	}
	subject := display
	if s.edge.Email != "" {
		email, err := cleanSubject(r.Header.Get(s.edge.Email))
		if err != nil {
			return "", "", err
		}
		if email != "" {
			subject = email
		}
	}
	return subject, display, nil
}

// =============================================================================
// Development mode
// =============================================================================

type overrideSource struct {
	cert *certificateSource
}

func (s *overrideSource) admits(r *http.Request) error {
	if !hasOverride(r) && s.cert.present(r) {
		return ErrModeMismatch
	}
	return nil
}

func (s *overrideSource) resolve(r *http.Request) (Identity, error) {
	raw := r.Header.Get(MockUserHeader)
	if strings.TrimSpace(raw) == "" && r.URL != nil {
		raw = r.URL.Query().Get(MockUserQuery)
	}
	subject, err := cleanSubject(raw)
	if err != nil {
		return Identity{}, err
	}
	if subject == "" {
		if s.cert.present(r) {
			return Identity{}, ErrModeMismatch
		}
		return Identity{}, ErrMissingIdentity
	}

	display, err := cleanSubject(r.Header.Get(MockUserNameHeader))
	if err != nil {
		display = ""
	}
	return Identity{Subject: subject, DisplayName: display, IssuedVia: ViaDevOverride}, nil
}

func hasOverride(r *http.Request) bool {
	if strings.TrimSpace(r.Header.Get(MockUserHeader)) != "" {
		return true
	}
	return r.URL != nil && strings.TrimSpace(r.URL.Query().Get(MockUserQuery)) != ""
}
