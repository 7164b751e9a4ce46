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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// steppingClock returns t0, t0+1s, t0+2s, ...
func steppingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now := t
		t = t.Add(time.Second)
		return now
	}
}

// heldRelay starts sessions that stay open until release is called.
func heldRelay(t *testing.T, opts ...Option) (r *Relay, release func()) {
	t.Helper()
	hold := make(chan struct{})
	var once sync.Once
	release = func() { once.Do(func() { close(hold) }) }
	t.Cleanup(release)
	return newTestRelay(holding(hold, false), Config{}, opts...), release
}

func TestRegistry_LookupAndRemove(t *testing.T) {
	r, _ := heldRelay(t)

	s, err := r.Start(context.Background(), testRequest("u"))
	require.NoError(t, err)

	got, ok := r.Registry().Lookup(s.ID())
	require.True(t, ok)
	assert.Same(t, s, got)

	s.Cancel(CauseUserRequest)
	waitDone(t, s)

	_, ok = r.Registry().Lookup(s.ID())
	assert.False(t, ok)
	assert.False(t, r.Registry().Remove(s.ID()), "removal happens once")
}

func TestRegistry_CancelOwned(t *testing.T) {
	r, _ := heldRelay(t)
	reg := r.Registry()

	s, err := r.Start(context.Background(), testRequest("alice@dept.gov"))
	require.NoError(t, err)

	assert.ErrorIs(t, reg.CancelOwned(s.ID(), "mallory@dept.gov"), ErrSessionNotOwned)
	assert.Equal(t, StateOpen, s.State())

	assert.ErrorIs(t, reg.CancelOwned("missing", "alice@dept.gov"), ErrSessionNotFound)

	require.NoError(t, reg.CancelOwned(s.ID(), "alice@dept.gov"))
	waitDone(t, s)
	assert.Equal(t, StateCancelled, s.State())
}

func TestRegistry_CancelByID(t *testing.T) {
	r, _ := heldRelay(t)
	reg := r.Registry()

	s, err := r.Start(context.Background(), testRequest("u"))
	require.NoError(t, err)

	assert.ErrorIs(t, reg.Cancel("nope", CauseShutdown), ErrSessionNotFound)
	require.NoError(t, reg.Cancel(s.ID(), CauseShutdown))
	waitDone(t, s)
	assert.Equal(t, StateCancelled, s.State())
}

func TestRegistry_SnapshotOrderAndFilter(t *testing.T) {
	r, _ := heldRelay(t, WithClock(steppingClock()))
	reg := r.Registry()

	a, err := r.Start(context.Background(), testRequest("alice"))
	require.NoError(t, err)
	b, err := r.Start(context.Background(), testRequest("bob"))
	require.NoError(t, err)
	c, err := r.Start(context.Background(), testRequest("alice"))
	require.NoError(t, err)

	all := reg.Snapshot()
	require.Len(t, all, 3)
	assert.Equal(t, []string{a.ID(), b.ID(), c.ID()},
		[]string{all[0].ID, all[1].ID, all[2].ID})

	mine := reg.SnapshotFor("alice")
	require.Len(t, mine, 2)
	assert.Equal(t, a.ID(), mine[0].ID)
	assert.Equal(t, c.ID(), mine[1].ID)
	assert.Equal(t, "llama3:latest", mine[0].Model)
	assert.Equal(t, StateOpen, mine[0].State)

	assert.Empty(t, reg.SnapshotFor("carol"))
}

func TestRegistry_CancelAllAndDrain(t *testing.T) {
	r, _ := heldRelay(t)
	reg := r.Registry()

	for range 3 {
		_, err := r.Start(context.Background(), testRequest("u"))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, reg.CancelAll(CauseShutdown))
	assert.Equal(t, 0, reg.CancelAll(CauseShutdown), "already cancelling")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, reg.Drain(ctx))
	assert.Equal(t, 0, reg.Len())
}

func TestRegistry_DrainTimesOut(t *testing.T) {
	r, release := heldRelay(t)
	reg := r.Registry()

	_, err := r.Start(context.Background(), testRequest("u"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = reg.Drain(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	require.NoError(t, reg.Drain(context.Background()))
}

func TestRegistry_ClosedRejectsNewSessions(t *testing.T) {
	r, _ := heldRelay(t)
	reg := r.Registry()

	live, err := r.Start(context.Background(), testRequest("u"))
	require.NoError(t, err)

	reg.Close()
	_, err = r.Start(context.Background(), testRequest("u"))
	assert.ErrorIs(t, err, ErrRegistryClosed)

	assert.Equal(t, StateOpen, live.State(), "close leaves live sessions alone")
	assert.Equal(t, 1, reg.Len())
}
