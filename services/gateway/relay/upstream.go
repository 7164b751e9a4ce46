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
	"time"

	"github.com/AleutianAI/embedchat/services/gateway/datatypes"
	"github.com/AleutianAI/embedchat/services/gateway/token"
)

// UpstreamRequest is what the relay hands the model service for one
// connection attempt.
type UpstreamRequest struct {
	SessionID string
	Messages  []datatypes.Message
	Model     string

	// Assertion authorizes the call. Implementations must attach
	// Assertion.Token to every request they make.
	Assertion *token.Assertion
}

// Upstream opens fragment streams against the model service.
//
// Implementations classify failures: connection-level errors wrap
// ErrUpstreamUnavailable, non-success responses wrap ErrUpstreamStatus,
// undecodable payloads wrap ErrMalformedFragment.
type Upstream interface {
	OpenStream(ctx context.Context, req UpstreamRequest) (FragmentStream, error)
}

// FragmentStream yields decoded fragments. Recv returns io.EOF on natural
// completion. Recv must return promptly once the OpenStream context ends.
type FragmentStream interface {
	Recv() (string, error)
	Close() error
}

// Observer receives session lifecycle signals, typically for metrics.
type Observer interface {
	SessionStarted()
	SessionEnded(state State, err error, duration time.Duration)
	FirstFragment(latency time.Duration)
	FragmentForwarded()
	UpstreamRetry()
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) SessionStarted()                          {}
func (NopObserver) SessionEnded(State, error, time.Duration) {}
func (NopObserver) FirstFragment(time.Duration)              {}
func (NopObserver) FragmentForwarded()                       {}
func (NopObserver) UpstreamRetry()                           {}

var _ Observer = NopObserver{}
