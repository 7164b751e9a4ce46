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
	"sync"
	"testing"
	"time"
)

// ============================================================================
// ServiceOptions Tests
// ============================================================================

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	if _, ok := opts.AuthProvider.(*NopAuthProvider); !ok {
		t.Error("DefaultOptions().AuthProvider should be *NopAuthProvider")
	}
	if _, ok := opts.AuthzProvider.(*NopAuthzProvider); !ok {
		t.Error("DefaultOptions().AuthzProvider should be *NopAuthzProvider")
	}
	if _, ok := opts.AuditLogger.(*NopAuditLogger); !ok {
		t.Error("DefaultOptions().AuditLogger should be *NopAuditLogger")
	}
}

func TestServiceOptions_Normalize(t *testing.T) {
	custom := &recordingAuditLogger{}
	opts := ServiceOptions{AuditLogger: custom}.Normalize()

	if opts.AuthProvider == nil || opts.AuthzProvider == nil {
		t.Fatal("Normalize should fill nil providers")
	}
	if opts.AuditLogger != custom {
		t.Error("Normalize should keep a non-nil AuditLogger")
	}
}

func TestServiceOptions_FluentChaining(t *testing.T) {
	audit := &recordingAuditLogger{}
	authz := &denyAuthz{}
	original := DefaultOptions()

	opts := original.WithAuthz(authz).WithAudit(audit)

	if opts.AuthzProvider != authz {
		t.Error("WithAuthz did not set provider")
	}
	if opts.AuditLogger != audit {
		t.Error("WithAudit did not set logger")
	}
	if _, ok := original.AuditLogger.(*NopAuditLogger); !ok {
		t.Error("With* must not mutate the receiver")
	}
}

// ============================================================================
// Auth Tests
// ============================================================================

func TestNopAuthProvider_RejectsEverything(t *testing.T) {
	p := &NopAuthProvider{}
	for _, token := range []string{"", "abc", "eyJhbGciOiJIUzI1NiJ9.e30.sig"} {
		caller, err := p.Validate(context.Background(), token)
		if caller != nil {
			t.Errorf("Validate(%q) returned caller %+v", token, caller)
		}
		if !errors.Is(err, ErrUnauthorized) {
			t.Errorf("Validate(%q) err = %v, want ErrUnauthorized", token, err)
		}
	}
}

func TestNopAuthzProvider_AllowsEverything(t *testing.T) {
	p := &NopAuthzProvider{}
	tests := []AuthzRequest{
		{Caller: &Caller{Subject: "a"}, Action: "chat", ResourceType: "model"},
		{Caller: &Caller{Subject: "b"}, Action: "cancel", ResourceType: "session", ResourceID: "s1"},
		{},
	}
	for _, req := range tests {
		if err := p.Authorize(context.Background(), req); err != nil {
			t.Errorf("Authorize(%+v) = %v, want nil", req, err)
		}
	}
}

// ============================================================================
// Audit Tests
// ============================================================================

func TestAuditFilter_Matches(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	event := AuditEvent{
		EventType:  EventChatCompleted,
		Timestamp:  base,
		Subject:    "john.doe@dept.gov",
		ResourceID: "sess-1",
		Outcome:    "success",
	}

	tests := []struct {
		name   string
		filter AuditFilter
		want   bool
	}{
		{"zero filter", AuditFilter{}, true},
		{"type match", AuditFilter{EventTypes: []string{EventChatFailed, EventChatCompleted}}, true},
		{"type miss", AuditFilter{EventTypes: []string{EventChatFailed}}, false},
		{"subject miss", AuditFilter{Subject: "other"}, false},
		{"start inclusive", AuditFilter{StartTime: base}, true},
		{"end exclusive", AuditFilter{EndTime: base}, false},
		{"end after", AuditFilter{EndTime: base.Add(time.Second)}, true},
		{"resource miss", AuditFilter{ResourceID: "sess-2"}, false},
		{"outcome match", AuditFilter{Outcome: "success"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(event); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNopAuditLogger(t *testing.T) {
	l := &NopAuditLogger{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := l.Log(ctx, AuditEvent{EventType: EventTokenIssued}); err != nil {
		t.Errorf("Log() = %v", err)
	}
	events, err := l.Query(ctx, AuditFilter{})
	if err != nil || events == nil || len(events) != 0 {
		t.Errorf("Query() = %v, %v; want empty non-nil slice", events, err)
	}
	if err := l.Flush(ctx); err != nil {
		t.Errorf("Flush() = %v", err)
	}
}

func TestNopImplementations_ConcurrentSafety(t *testing.T) {
	opts := DefaultOptions()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = opts.AuthProvider.Validate(ctx, "t")
			_ = opts.AuthzProvider.Authorize(ctx, AuthzRequest{})
			_ = opts.AuditLogger.Log(ctx, AuditEvent{})
		}()
	}
	wg.Wait()
}

// ============================================================================
// Helpers
// ============================================================================

type recordingAuditLogger struct {
	NopAuditLogger
}

type denyAuthz struct{}

func (d *denyAuthz) Authorize(_ context.Context, _ AuthzRequest) error {
	return ErrUnauthorized
}
