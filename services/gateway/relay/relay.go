// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package relay streams model output to clients.
//
// Each chat turn is a Session: one producer goroutine reading fragments from
// the model service, one consumer forwarding them to the client, and a
// bounded channel between them. Sessions are tracked in a Registry from
// Start until their first terminal transition.
//
// # Guarantees
//
//   - Fragments reach the client in the order the model produced them,
//     one event per fragment.
//   - The client sees exactly one terminal event: done, cancelled, or error.
//   - A connection error is retried once, and only before anything has been
//     forwarded.
//   - A slow client fails its own session after BackpressureTimeout instead
//     of growing memory without bound.
//
// The relay never inspects how the caller's identity was established; it
// only carries the signed assertion to the model service.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Relay starts sessions against one Upstream.
//
// # Thread Safety
//
// Safe for concurrent use.
type Relay struct {
	upstream Upstream
	registry *Registry
	cfg      Config
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// Option configures a Relay.
type Option func(*Relay)

// WithObserver installs a lifecycle observer.
func WithObserver(o Observer) Option {
	return func(r *Relay) {
		if o != nil {
			r.observer = o
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock replaces time.Now for session timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) {
		r.now = now
	}
}

// WithIDGenerator replaces the uuid session id generator.
func WithIDGenerator(gen func() string) Option {
	return func(r *Relay) {
		r.newID = gen
	}
}

// New creates a Relay. Zero fields of cfg take defaults.
func New(upstream Upstream, registry *Registry, cfg Config, opts ...Option) *Relay {
	cfg.ApplyDefaults()
	r := &Relay{
		upstream: upstream,
		registry: registry,
		cfg:      cfg,
		observer: NopObserver{},
		logger:   slog.Default(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(slog.String("component", "relay"))
	return r
}

// Registry returns the session registry.
func (r *Relay) Registry() *Registry {
	return r.registry
}

// Start creates, registers and starts a session.
//
// # Description
//
// The session keeps ctx's values (trace span, request id) but not its
// cancellation. It stops only through Cancel, which Deliver calls when its
// own context ends, so every terminal transition goes through one path.
//
// # Inputs
//
//   - ctx: request context, for values.
//   - req: messages, model, and the caller's assertion. The assertion is
//     required; a turn without a verified identity never reaches the
//     model service.
//
// # Outputs
//
//   - *Session: in state Open; its producer is already running.
//   - error: ErrInvalidRequest, ErrRegistryClosed, ErrDuplicateSession.
func (r *Relay) Start(ctx context.Context, req Request) (*Session, error) {
	if req.Assertion == nil || req.Assertion.Subject == "" || req.Assertion.Token == "" {
		return nil, fmt.Errorf("%w: missing assertion", ErrInvalidRequest)
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("%w: no messages", ErrInvalidRequest)
	}

	id := r.newID()
	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		id:        id,
		subject:   req.Assertion.Subject,
		model:     req.Model,
		createdAt: r.now(),
		req: UpstreamRequest{
			SessionID: id,
			Messages:  req.Messages,
			Model:     req.Model,
			Assertion: req.Assertion,
		},
		cfg:      r.cfg,
		upstream: r.upstream,
		registry: r.registry,
		observer: r.observer,
		logger: r.logger.With(
			slog.String("session_id", id),
			slog.String("subject", req.Assertion.Subject)),
		now:    r.now,
		ctx:    sessCtx,
		cancel: cancel,
		events: make(chan Event, r.cfg.BufferSize),
		done:   make(chan struct{}),
		state:  StateOpen,
	}

	if err := r.registry.Register(s); err != nil {
		cancel()
		return nil, err
	}

	r.observer.SessionStarted()
	s.logger.Info("session started", slog.String("model", req.Model))
	go s.run()
	return s, nil
}
