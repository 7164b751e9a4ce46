// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the gateway's wire types.
package datatypes

import (
	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxMessageContentBytes bounds a single message's content.
	MaxMessageContentBytes = 32 * 1024

	// MaxMessagesPerRequest bounds conversation history per turn.
	MaxMessagesPerRequest = 100

	// MaxModelNameBytes bounds the optional model override.
	MaxModelNameBytes = 128
)

// =============================================================================
// Validator
// =============================================================================

var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes checks byte length, not rune count, so multi-byte
// payloads cannot exceed the memory bound.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Messages
// =============================================================================

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content" validate:"required,maxbytes"`
}

// ChatRequest is the inbound chat body.
//
// # Description
//
// Stream is a pointer so that an absent field can default to true, which is
// what the embedded widget expects. Model, when set, overrides the
// configured upstream model for this turn.
//
// # Validation
//
//   - Messages: 1..100 entries, each with a known role and at most 32KB.
//   - Model: at most 128 bytes, printable ASCII.
type ChatRequest struct {
	Messages []Message `json:"messages" validate:"required,min=1,max=100,dive"`
	Stream   *bool     `json:"stream,omitempty"`
	Model    string    `json:"model,omitempty" validate:"omitempty,max=128,printascii"`
}

// Validate runs the struct validators.
func (r *ChatRequest) Validate() error {
	return chatValidate.Struct(r)
}

// Streaming reports whether the caller wants an event stream. Defaults to
// true.
func (r *ChatRequest) Streaming() bool {
	return r.Stream == nil || *r.Stream
}

// ChatResponse is the non-streaming reply.
//
//	{
//	    "message": {"role": "assistant", "content": "Hello!"},
//	    "model": "llama3:latest",
//	    "user": "john.doe@dept.gov",
//	    "session_id": "5b1c..."
//	}
type ChatResponse struct {
	Message   Message `json:"message"`
	Model     string  `json:"model"`
	User      string  `json:"user"`
	SessionID string  `json:"session_id"`
}

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}
