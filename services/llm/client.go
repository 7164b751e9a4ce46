// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm connects the relay to the model service, either through the
// OpenAI-compatible API or Ollama's native chat API.
package llm

import (
	"strings"
	"time"
)

// DefaultSystemPrompt names the caller to the model. {user} is replaced with
// the verified subject.
const DefaultSystemPrompt = "You are a helpful AI assistant for a government department. " +
	"You are currently assisting {user}. Be concise and professional."

// AssertionHeader carries the signed identity assertion on every upstream
// request.
const AssertionHeader = "X-Identity-Assertion"

// Config configures the upstream model client.
type Config struct {
	// Provider selects the wire protocol: ProviderOpenAI (default) or
	// ProviderOllama.
	Provider string

	// BaseURL is the OpenAI-compatible API root, e.g. http://localhost:11434/v1.
	BaseURL string

	// APIKey authenticates to the model service. When empty the identity
	// assertion is used as the bearer credential instead.
	APIKey string

	// Model is used when a request does not name one.
	Model string

	Temperature  float32
	MaxTokens    int
	SystemPrompt string

	// Timeout bounds one whole upstream call, streaming included.
	Timeout time.Duration
}

// GenerationParams are the sampling parameters for one call.
type GenerationParams struct {
	Temperature float32
	MaxTokens   int
}

func (c Config) params() GenerationParams {
	return GenerationParams{Temperature: c.Temperature, MaxTokens: c.MaxTokens}
}

// systemPrompt renders the configured prompt for subject.
func (c Config) systemPrompt(subject string) string {
	tmpl := c.SystemPrompt
	if tmpl == "" {
		tmpl = DefaultSystemPrompt
	}
	return strings.ReplaceAll(tmpl, "{user}", subject)
}
