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
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/embedchat/services/gateway/datatypes"
	"github.com/AleutianAI/embedchat/services/gateway/token"
)

// step is one Recv result.
type step struct {
	fragment string
	err      error
}

func frag(s string) step  { return step{fragment: s} }
func fail(err error) step { return step{err: err} }
func frags(ss ...string) []step {
	out := make([]step, len(ss))
	for i, s := range ss {
		out[i] = frag(s)
	}
	return out
}

// fakeStream replays steps, then either ends (io.EOF) or holds.
type fakeStream struct {
	ctx       context.Context
	steps     []step
	pos       int
	hold      <-chan struct{}
	ignoreCtx bool
	closed    atomic.Bool
}

func (s *fakeStream) Recv() (string, error) {
	if s.pos < len(s.steps) {
		st := s.steps[s.pos]
		s.pos++
		return st.fragment, st.err
	}
	if s.hold == nil {
		return "", io.EOF
	}
	if s.ignoreCtx {
		<-s.hold
		return "", io.EOF
	}
	select {
	case <-s.hold:
		return "", io.EOF
	case <-s.ctx.Done():
		return "", s.ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.closed.Store(true)
	return nil
}

// fakeUpstream records every OpenStream call.
type fakeUpstream struct {
	mu    sync.Mutex
	calls int
	reqs  []UpstreamRequest
	open  func(ctx context.Context, attempt int) (FragmentStream, error)
}

func (u *fakeUpstream) OpenStream(ctx context.Context, req UpstreamRequest) (FragmentStream, error) {
	u.mu.Lock()
	u.calls++
	n := u.calls
	u.reqs = append(u.reqs, req)
	u.mu.Unlock()
	return u.open(ctx, n)
}

func (u *fakeUpstream) Calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

func replay(steps ...step) *fakeUpstream {
	return &fakeUpstream{open: func(ctx context.Context, _ int) (FragmentStream, error) {
		return &fakeStream{ctx: ctx, steps: steps}, nil
	}}
}

func holding(hold <-chan struct{}, ignoreCtx bool, steps ...step) *fakeUpstream {
	return &fakeUpstream{open: func(ctx context.Context, _ int) (FragmentStream, error) {
		return &fakeStream{ctx: ctx, steps: steps, hold: hold, ignoreCtx: ignoreCtx}, nil
	}}
}

// recordingSink collects delivered events.
type recordingSink struct {
	mu      sync.Mutex
	events  []Event
	onEvent func(ev Event) error
}

func (s *recordingSink) Send(ev Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	hook := s.onEvent
	s.mu.Unlock()
	if hook != nil {
		return hook(ev)
	}
	return nil
}

func (s *recordingSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func (s *recordingSink) Terminals() int {
	n := 0
	for _, ev := range s.Events() {
		if ev.Terminal() {
			n++
		}
	}
	return n
}

// countingObserver counts lifecycle signals.
type countingObserver struct {
	started   atomic.Int64
	ended     atomic.Int64
	first     atomic.Int64
	forwarded atomic.Int64
	retries   atomic.Int64
}

func (o *countingObserver) SessionStarted()                          { o.started.Add(1) }
func (o *countingObserver) SessionEnded(State, error, time.Duration) { o.ended.Add(1) }
func (o *countingObserver) FirstFragment(time.Duration)              { o.first.Add(1) }
func (o *countingObserver) FragmentForwarded()                       { o.forwarded.Add(1) }
func (o *countingObserver) UpstreamRetry()                           { o.retries.Add(1) }

func testAssertion(subject string) *token.Assertion {
	return &token.Assertion{ID: "a-" + subject, Subject: subject, Token: "signed." + subject}
}

func testRequest(subject string) Request {
	return Request{
		Messages:  []datatypes.Message{{Role: "user", Content: "Hi"}},
		Model:     "llama3:latest",
		Assertion: testAssertion(subject),
	}
}

func newTestRelay(up Upstream, cfg Config, opts ...Option) *Relay {
	return New(up, NewRegistry(nil), cfg, opts...)
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx), "session did not reach a terminal state")
}
