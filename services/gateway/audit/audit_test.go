// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/embedchat/pkg/extensions"
)

func openInMemory(t *testing.T) *BadgerLogger {
	t.Helper()
	l, err := Open(InMemoryStoreConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func event(eventType, subject string, at time.Time) extensions.AuditEvent {
	return extensions.AuditEvent{
		EventType: eventType,
		Subject:   subject,
		Timestamp: at,
		Outcome:   "success",
		Metadata:  map[string]any{"trust_mode": "certificate"},
	}
}

func TestBadgerLogger_LogAndQueryNewestFirst(t *testing.T) {
	l := openInMemory(t)
	ctx := context.Background()

	for i := range 5 {
		require.NoError(t, l.Log(ctx, event(extensions.EventIdentityResolved,
			"john.doe@dept.gov", t0.Add(time.Duration(i)*time.Minute))))
	}

	got, err := l.Query(ctx, extensions.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i-1].Timestamp.After(got[i].Timestamp), "newest first")
	}
	assert.NotEmpty(t, got[0].ID)
	assert.Equal(t, "certificate", got[0].Metadata["trust_mode"])
}

func TestBadgerLogger_FillsDefaults(t *testing.T) {
	l := openInMemory(t)
	l.now = func() time.Time { return t0 }

	require.NoError(t, l.Log(context.Background(), extensions.AuditEvent{
		EventType: extensions.EventIdentityRejected,
		Outcome:   "failure",
	}))

	got, err := l.Query(context.Background(), extensions.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "anonymous", got[0].Subject)
	assert.True(t, got[0].Timestamp.Equal(t0))
	assert.NotEmpty(t, got[0].ID)
}

func TestBadgerLogger_QueryFilters(t *testing.T) {
	l := openInMemory(t)
	ctx := context.Background()

	require.NoError(t, l.Log(ctx, event(extensions.EventIdentityResolved, "alice", t0)))
	require.NoError(t, l.Log(ctx, event(extensions.EventTokenIssued, "alice", t0.Add(time.Minute))))
	require.NoError(t, l.Log(ctx, event(extensions.EventIdentityResolved, "bob", t0.Add(2*time.Minute))))
	failed := event(extensions.EventChatFailed, "bob", t0.Add(3*time.Minute))
	failed.Outcome = "error"
	failed.ResourceID = "session-9"
	require.NoError(t, l.Log(ctx, failed))

	tests := []struct {
		name   string
		filter extensions.AuditFilter
		want   int
	}{
		{"all", extensions.AuditFilter{}, 4},
		{"by subject", extensions.AuditFilter{Subject: "alice"}, 2},
		{"by type", extensions.AuditFilter{EventTypes: []string{extensions.EventIdentityResolved}}, 2},
		{"by outcome", extensions.AuditFilter{Outcome: "error"}, 1},
		{"by resource", extensions.AuditFilter{ResourceID: "session-9"}, 1},
		{"start inclusive", extensions.AuditFilter{StartTime: t0.Add(time.Minute)}, 3},
		{"end exclusive", extensions.AuditFilter{EndTime: t0.Add(2 * time.Minute)}, 2},
		{"window", extensions.AuditFilter{StartTime: t0.Add(time.Minute), EndTime: t0.Add(3 * time.Minute)}, 2},
		{"limit", extensions.AuditFilter{Limit: 3}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.Query(ctx, tt.filter)
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestBadgerLogger_LimitKeepsNewest(t *testing.T) {
	l := openInMemory(t)
	ctx := context.Background()
	for i := range 10 {
		ev := event(extensions.EventChatCompleted, "u", t0.Add(time.Duration(i)*time.Second))
		ev.ResourceID = fmt.Sprintf("s-%d", i)
		require.NoError(t, l.Log(ctx, ev))
	}

	got, err := l.Query(ctx, extensions.AuditFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "s-9", got[0].ResourceID)
	assert.Equal(t, "s-8", got[1].ResourceID)
}

func TestBadgerLogger_PersistsAcrossReopen(t *testing.T) {
	cfg := DefaultStoreConfig(t.TempDir())
	cfg.GCInterval = 0

	l, err := Open(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, l.Log(context.Background(), event(extensions.EventTokenIssued, "alice", t0)))
	require.NoError(t, l.Flush(context.Background()))
	require.NoError(t, l.Close())

	l, err = Open(cfg, nil)
	require.NoError(t, err)
	defer l.Close()

	got, err := l.Query(context.Background(), extensions.AuditFilter{Subject: "alice"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, extensions.EventTokenIssued, got[0].EventType)
}

func TestBadgerLogger_ClosedAndCancelled(t *testing.T) {
	l, err := Open(InMemoryStoreConfig(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Log(ctx, event("x", "u", t0)), context.Canceled)
	assert.ErrorIs(t, l.Flush(ctx), context.Canceled)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close(), "close is idempotent")
	assert.ErrorIs(t, l.Log(context.Background(), event("x", "u", t0)), ErrClosed)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(StoreConfig{}, nil)
	assert.Error(t, err)
}
