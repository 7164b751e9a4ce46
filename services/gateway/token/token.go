// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package token issues and verifies identity assertions.
//
// An Assertion is an HS256 JWT over the caller's identity with a fixed claim
// set: sub, name, via, iat, exp, jti, iss. Both trust modes produce the same
// claim set; via records the trust path for auditors and is never consulted
// for authorization.
//
// # Usage
//
//	secret, _ := token.NewSecret(key)
//	issuer := token.NewIssuer(secret, 8*time.Hour, "embedchat")
//	verifier := token.NewVerifier(secret, "embedchat")
//
//	a, _ := issuer.Issue(id)
//	got, err := verifier.Verify(a.Token)
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/AleutianAI/embedchat/services/gateway/identity"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrBadSignature means the assertion was not produced by this process's
	// secret, or was altered after signing.
	ErrBadSignature = errors.New("token: bad signature")

	// ErrExpired means the signature is valid but the assertion is past its
	// expiry.
	ErrExpired = errors.New("token: expired")

	// ErrMalformed means the token could not be decoded at all. It matches
	// ErrBadSignature under errors.Is.
	ErrMalformed = fmt.Errorf("%w: malformed token", ErrBadSignature)
)

// =============================================================================
// Types
// =============================================================================

// Assertion is a signed, time-bounded statement of a caller's identity.
type Assertion struct {
	ID          string             `json:"id"`
	Subject     string             `json:"subject"`
	DisplayName string             `json:"display_name,omitempty"`
	IssuedVia   identity.IssuedVia `json:"-"`
	IssuedAt    time.Time          `json:"issued_at"`
	ExpiresAt   time.Time          `json:"expires_at"`

	// Token is the compact signed form carried on downstream calls.
	Token string `json:"-"`
}

// Identity returns the identity the assertion speaks for.
func (a *Assertion) Identity() identity.Identity {
	return identity.Identity{
		Subject:     a.Subject,
		DisplayName: a.DisplayName,
		IssuedVia:   a.IssuedVia,
	}
}

// claims is the JWT payload.
type claims struct {
	Name string `json:"name,omitempty"`
	Via  string `json:"via"`
	jwt.RegisteredClaims
}

const signingAlg = "HS256"

func newAssertionID() string {
	return uuid.NewString()
}

// Option configures an Issuer or Verifier.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// =============================================================================
// Issuer
// =============================================================================

// Issuer signs assertions. Safe for concurrent use.
type Issuer struct {
	secret *Secret
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// NewIssuer creates an Issuer whose assertions live for ttl.
func NewIssuer(secret *Secret, ttl time.Duration, issuer string, opts ...Option) *Issuer {
	o := buildOptions(opts)
	return &Issuer{secret: secret, ttl: ttl, issuer: issuer, now: o.now}
}

// TTL returns the assertion lifetime.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue converts id into a signed assertion.
//
// # Description
//
// IssuedAt is now and ExpiresAt is now+TTL, both truncated to whole seconds
// to match the JWT NumericDate encoding so that the struct fields and the
// signed claims agree exactly.
//
// # Outputs
//
//   - *Assertion: with Token set.
//   - error: empty subject, or a destroyed secret.
func (i *Issuer) Issue(id identity.Identity) (*Assertion, error) {
	if id.Subject == "" {
		return nil, fmt.Errorf("token: issue: empty subject")
	}
	key, err := i.secret.key()
	if err != nil {
		return nil, err
	}

	now := i.now().UTC().Truncate(time.Second)
	a := &Assertion{
		ID:          newAssertionID(),
		Subject:     id.Subject,
		DisplayName: id.DisplayName,
		IssuedVia:   id.IssuedVia,
		IssuedAt:    now,
		ExpiresAt:   now.Add(i.ttl),
	}

	c := claims{
		Name: a.DisplayName,
		Via:  a.IssuedVia.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   a.Subject,
			Issuer:    i.issuer,
			ID:        a.ID,
			IssuedAt:  jwt.NewNumericDate(a.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(a.ExpiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(key)
	if err != nil {
		return nil, fmt.Errorf("token: sign: %w", err)
	}
	a.Token = signed
	return a, nil
}

// =============================================================================
// Verifier
// =============================================================================

// Verifier checks assertions. Safe for concurrent use.
type Verifier struct {
	secret *Secret
	parser *jwt.Parser
}

// NewVerifier creates a Verifier that accepts only HS256 tokens from issuer.
func NewVerifier(secret *Secret, issuer string, opts ...Option) *Verifier {
	o := buildOptions(opts)
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{signingAlg}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		// jwt rejects now == exp; an assertion is still valid at its
		// expiry instant and expires only once now is past it.
		jwt.WithLeeway(time.Nanosecond),
		jwt.WithTimeFunc(o.now),
	)
	return &Verifier{secret: secret, parser: parser}
}

// Verify decodes and checks a compact token.
//
// # Description
//
// The signature is checked first, with the HMAC comparison done in constant
// time by crypto/hmac. Claims are only examined once the signature holds,
// so an altered token is always ErrBadSignature even if it is also expired.
//
// # Outputs
//
//   - *Assertion: the verified assertion with Token set to raw.
//   - error: ErrBadSignature (including ErrMalformed) or ErrExpired.
func (v *Verifier) Verify(raw string) (*Assertion, error) {
	key, err := v.secret.key()
	if err != nil {
		return nil, err
	}

	var c claims
	_, err = v.parser.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) {
		return key, nil
	})
	if err != nil {
		return nil, classify(err)
	}

	via, err := identity.ParseIssuedVia(c.Via)
	if err != nil || c.Subject == "" || c.ID == "" || c.IssuedAt == nil {
		return nil, ErrMalformed
	}
	return &Assertion{
		ID:          c.ID,
		Subject:     c.Subject,
		DisplayName: c.Name,
		IssuedVia:   via,
		IssuedAt:    c.IssuedAt.Time.UTC(),
		ExpiresAt:   c.ExpiresAt.Time.UTC(),
		Token:       raw,
	}, nil
}

// VerifyAssertion verifies a.Token and checks that every field of a matches
// the signed claims. Any mismatch is ErrBadSignature.
func (v *Verifier) VerifyAssertion(a *Assertion) (*identity.Identity, error) {
	if a == nil {
		return nil, ErrMalformed
	}
	signed, err := v.Verify(a.Token)
	if err != nil {
		return nil, err
	}
	if a.ID != signed.ID ||
		a.Subject != signed.Subject ||
		a.DisplayName != signed.DisplayName ||
		a.IssuedVia != signed.IssuedVia ||
		!a.IssuedAt.Equal(signed.IssuedAt) ||
		!a.ExpiresAt.Equal(signed.ExpiresAt) {
		return nil, fmt.Errorf("%w: assertion fields differ from signed claims", ErrBadSignature)
	}
	id := signed.Identity()
	return &id, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	default:
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
}
