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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrAlreadyConsumed is returned by a second Deliver or Collect call.
var ErrAlreadyConsumed = errors.New("relay: session already consumed")

// Session is one chat turn relayed from the model service to one client.
//
// # Description
//
// A producer goroutine reads fragments from the upstream and pushes them,
// in order and unbatched, into a bounded channel. The consumer (Deliver or
// Collect, running on the caller's goroutine) forwards them to a Sink and
// then emits exactly one terminal event.
//
// The first terminal transition wins. It records the final state, removes
// the session from the Registry and closes Done(). Later attempts are
// no-ops, so a late producer result cannot overwrite a cancel-timeout
// failure and vice versa.
//
// # Thread Safety
//
// Accessors and Cancel are safe for concurrent use. Deliver and Collect may
// be called once, from one goroutine.
type Session struct {
	id        string
	subject   string
	model     string
	createdAt time.Time

	req      UpstreamRequest
	cfg      Config
	upstream Upstream
	registry *Registry
	observer Observer
	logger   *slog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	events chan Event
	done   chan struct{}

	consumed atomic.Bool

	mu              sync.Mutex
	state           State
	err             error
	cause           Cause
	cancelRequested bool
	grace           *time.Timer
	forwarded       int
	attempts        int
	endedAt         time.Time
}

// =============================================================================
// Accessors
// =============================================================================

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Subject returns the caller's subject.
func (s *Session) Subject() string { return s.subject }

// Model returns the model the session talks to.
func (s *Session) Model() string { return s.model }

// Done is closed on the first terminal transition.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal error of a Failed session, else nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Fragments returns the number of fragments pushed to the consumer.
func (s *Session) Fragments() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forwarded
}

// Attempts returns the number of upstream connection attempts.
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Info returns a point-in-time description.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:        s.id,
		Subject:   s.subject,
		Model:     s.model,
		State:     s.state,
		CreatedAt: s.createdAt,
		Fragments: s.forwarded,
	}
}

// Wait blocks until the session is terminal or ctx ends.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// Cancellation
// =============================================================================

// Cancel asks the session to stop.
//
// # Description
//
// Cancellation is cooperative: the upstream context is cancelled and the
// producer is expected to observe it and finish as Cancelled. If it has not
// done so within Config.CancelGrace, the session is failed with
// ErrCancelTimeout.
//
// # Outputs
//
//   - bool: true if this call initiated cancellation; false if the session
//     was already terminal or already cancelling.
func (s *Session) Cancel(cause Cause) bool {
	s.mu.Lock()
	if s.state.IsTerminal() || s.cancelRequested {
		s.mu.Unlock()
		return false
	}
	s.cancelRequested = true
	s.cause = cause
	s.grace = time.AfterFunc(s.cfg.CancelGrace, func() {
		if s.finish(StateFailed, ErrCancelTimeout) {
			s.logger.Warn("upstream did not stop within cancel grace",
				slog.Duration("grace", s.cfg.CancelGrace))
		}
	})
	s.mu.Unlock()

	s.logger.Info("cancelling session", slog.String("cause", cause.String()))
	s.cancel()
	return true
}

// =============================================================================
// Producer
// =============================================================================

// run is the producer goroutine.
func (s *Session) run() {
	var current FragmentStream
	defer func() {
		if current != nil {
			_ = current.Close()
		}
	}()

	current, err := s.connect()
	if err != nil {
		s.fail(err)
		return
	}

	for {
		fragment, err := current.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.finish(StateCompleted, nil)
				return
			}
			if !s.shouldRetry(err) {
				s.fail(err)
				return
			}
			_ = current.Close()
			current = nil
			if current, err = s.connect(); err != nil {
				s.fail(err)
				return
			}
			continue
		}

		if fragment == "" {
			continue
		}
		if err := s.push(fragment); err != nil {
			s.fail(err)
			return
		}
	}
}

// connect opens the upstream, retrying once on a connection error while
// nothing has been forwarded.
func (s *Session) connect() (FragmentStream, error) {
	for {
		s.mu.Lock()
		s.attempts++
		s.mu.Unlock()

		stream, err := s.upstream.OpenStream(s.ctx, s.req)
		if err == nil {
			return stream, nil
		}
		if !s.shouldRetry(err) {
			return nil, err
		}
	}
}

// shouldRetry reports whether err permits another connection attempt. A
// retry after a forwarded fragment would duplicate delivered content, so it
// is never allowed.
func (s *Session) shouldRetry(err error) bool {
	if s.ctx.Err() != nil || !errors.Is(err, ErrUpstreamUnavailable) {
		return false
	}
	s.mu.Lock()
	attempts, forwarded := s.attempts, s.forwarded
	s.mu.Unlock()

	if forwarded > 0 || attempts >= maxConnectAttempts {
		return false
	}
	s.logger.Warn("upstream connection failed, retrying",
		slog.Int("attempt", attempts),
		slog.String("error", err.Error()))
	s.observer.UpstreamRetry()
	return true
}

// push hands one fragment to the consumer, waiting at most
// BackpressureTimeout for buffer space.
func (s *Session) push(fragment string) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	ev := Event{Kind: EventToken, Seq: s.forwarded + 1, Content: fragment}
	s.mu.Unlock()

	select {
	case s.events <- ev:
	default:
		timer := time.NewTimer(s.cfg.BackpressureTimeout)
		defer timer.Stop()
		select {
		case s.events <- ev:
		case <-s.ctx.Done():
			return s.ctx.Err()
		case <-timer.C:
			return fmt.Errorf("%w: buffer of %d full for %s",
				ErrBackpressureExceeded, cap(s.events), s.cfg.BackpressureTimeout)
		}
	}

	s.mu.Lock()
	s.forwarded++
	first := s.state == StateOpen
	if first {
		s.state = StateStreaming
	}
	s.mu.Unlock()

	if first {
		s.observer.FirstFragment(s.now().Sub(s.createdAt))
	}
	s.observer.FragmentForwarded()
	return nil
}

// fail ends the session after a producer error. Errors caused by our own
// cancellation end it as Cancelled.
func (s *Session) fail(err error) {
	if s.ctx.Err() != nil {
		s.finish(StateCancelled, nil)
		return
	}
	if !errors.Is(err, ErrUpstreamFailure) &&
		!errors.Is(err, ErrMalformedFragment) &&
		!errors.Is(err, ErrBackpressureExceeded) {
		err = fmt.Errorf("%w: %v", ErrUpstreamFailure, err)
	}
	s.finish(StateFailed, err)
}

// finish performs the first terminal transition. It returns false if the
// session was already terminal.
func (s *Session) finish(state State, err error) bool {
	s.mu.Lock()
	if s.state.IsTerminal() {
		s.mu.Unlock()
		return false
	}
	s.state = state
	s.err = err
	s.endedAt = s.now()
	if s.grace != nil {
		s.grace.Stop()
	}
	forwarded, cause, cancelRequested := s.forwarded, s.cause, s.cancelRequested
	duration := s.endedAt.Sub(s.createdAt)
	s.mu.Unlock()

	s.cancel()
	s.registry.Remove(s.id)
	close(s.done)

	attrs := []any{
		slog.String("state", state.String()),
		slog.Int("fragments", forwarded),
		slog.Duration("duration", duration),
	}
	if cancelRequested {
		attrs = append(attrs, slog.String("cause", cause.String()))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		s.logger.Warn("session ended", attrs...)
	} else {
		s.logger.Info("session ended", attrs...)
	}
	s.observer.SessionEnded(state, err, duration)
	return true
}

// =============================================================================
// Consumer
// =============================================================================

// Deliver forwards events to sink until the session ends.
//
// # Description
//
// Fragments are delivered in production order, followed by exactly one
// terminal event: EventDone, EventCancelled or EventError. If ctx ends
// (client disconnect) or the sink fails, the session is cancelled and
// Deliver returns without a terminal event, since nobody is left to
// receive it.
//
// # Inputs
//
//   - ctx: the consumer's lifetime, usually the HTTP request context.
//   - sink: receives events. Called from this goroutine only.
//
// # Outputs
//
//   - error: ctx.Err() on disconnect, the sink error, ErrAlreadyConsumed,
//     or nil after the terminal event was sent.
func (s *Session) Deliver(ctx context.Context, sink Sink) error {
	if !s.consumed.CompareAndSwap(false, true) {
		return ErrAlreadyConsumed
	}

	last := 0
	send := func(ev Event) error {
		if err := sink.Send(ev); err != nil {
			return fmt.Errorf("relay: deliver: %w", err)
		}
		last = ev.Seq
		return nil
	}

	for {
		select {
		case ev := <-s.events:
			if err := send(ev); err != nil {
				s.Cancel(CauseSinkError)
				return err
			}

		case <-s.done:
			for drained := false; !drained; {
				select {
				case ev := <-s.events:
					if err := send(ev); err != nil {
						return err
					}
				default:
					drained = true
				}
			}
			ev := s.terminalEvent()
			ev.Seq = last + 1
			return send(ev)

		case <-ctx.Done():
			s.Cancel(CauseClientDisconnect)
			return ctx.Err()
		}
	}
}

// Collect consumes the session without streaming and returns the
// concatenated fragments.
//
// # Outputs
//
//   - string: the full reply for a Completed session; the partial reply
//     for a Cancelled one.
//   - error: nil, ErrCancelled, the terminal error of a Failed session, or
//     ctx.Err() if the caller went away.
func (s *Session) Collect(ctx context.Context) (string, error) {
	var b strings.Builder
	var terminal Event
	err := s.Deliver(ctx, SinkFunc(func(ev Event) error {
		if ev.Kind == EventToken {
			b.WriteString(ev.Content)
		} else {
			terminal = ev
		}
		return nil
	}))
	if err != nil {
		return "", err
	}

	switch terminal.Kind {
	case EventDone:
		return b.String(), nil
	case EventCancelled:
		return b.String(), ErrCancelled
	default:
		return "", terminal.Err
	}
}

func (s *Session) terminalEvent() Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateCompleted:
		return Event{Kind: EventDone}
	case StateCancelled:
		return Event{Kind: EventCancelled}
	default:
		return Event{Kind: EventError, Err: s.err}
	}
}
