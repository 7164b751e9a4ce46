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
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrRegistryClosed is returned by Register after Close.
var ErrRegistryClosed = errors.New("relay: registry closed")

// SessionInfo is a snapshot of one session.
type SessionInfo struct {
	ID        string
	Subject   string
	Model     string
	State     State
	CreatedAt time.Time
	Fragments int
}

// Registry tracks in-flight sessions by id.
//
// # Description
//
// Sessions register on Start and remove themselves on their first terminal
// transition, so the registry only ever holds live sessions. The registry
// mutex is the only lock shared between chat turns and is never held while
// calling into a session.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. A nil logger uses slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger.With(slog.String("component", "session_registry")),
	}
}

// Register adds s. Fails with ErrDuplicateSession or ErrRegistryClosed.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	if _, exists := r.sessions[s.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, s.ID())
	}
	r.sessions[s.ID()] = s
	return nil
}

// Remove deletes id. It returns true only for the call that removed it.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// Lookup returns the live session with id.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Cancel cancels the session with id.
func (r *Registry) Cancel(id string, cause Cause) error {
	s, ok := r.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.Cancel(cause)
	return nil
}

// CancelOwned cancels the session with id on behalf of subject. Only the
// session's own subject may cancel it.
func (r *Registry) CancelOwned(id, subject string) error {
	s, ok := r.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if s.Subject() != subject {
		r.logger.Warn("cancel refused: not owner",
			slog.String("session_id", id),
			slog.String("subject", subject))
		return fmt.Errorf("%w: %s", ErrSessionNotOwned, id)
	}
	s.Cancel(CauseUserRequest)
	return nil
}

// Snapshot returns every live session, oldest first.
func (r *Registry) Snapshot() []SessionInfo {
	return r.snapshot(func(*Session) bool { return true })
}

// SnapshotFor returns subject's live sessions, oldest first.
func (r *Registry) SnapshotFor(subject string) []SessionInfo {
	return r.snapshot(func(s *Session) bool { return s.Subject() == subject })
}

func (r *Registry) snapshot(keep func(*Session) bool) []SessionInfo {
	sessions := r.list()
	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		if keep(s) {
			infos = append(infos, s.Info())
		}
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

func (r *Registry) list() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// CancelAll cancels every live session and returns how many were asked
// to stop.
func (r *Registry) CancelAll(cause Cause) int {
	sessions := r.list()
	n := 0
	for _, s := range sessions {
		if s.Cancel(cause) {
			n++
		}
	}
	if n > 0 {
		r.logger.Warn("cancelled all sessions",
			slog.Int("count", n),
			slog.String("cause", cause.String()))
	}
	return n
}

// Close refuses further registrations. Live sessions are unaffected.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// Drain waits until every session live at call time is terminal, or ctx
// ends.
func (r *Registry) Drain(ctx context.Context) error {
	for _, s := range r.list() {
		if err := s.Wait(ctx); err != nil {
			return fmt.Errorf("drain: %d sessions still live: %w", r.Len(), err)
		}
	}
	return nil
}
