// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy keeps credentials and personal identifiers out of the
// conversations the gateway forwards upstream.
//
// Rules are classifications of regular expressions loaded from YAML. The
// default rule set is compiled into the binary; operators may replace it
// with their own file.
package policy

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/embedchat/services/gateway/datatypes"
)

//go:embed patterns.yaml
var defaultPatterns []byte

// Engine scans text against the loaded classifications.
//
// # Thread Safety
//
// Immutable after construction and safe for concurrent use.
type Engine struct {
	classifications []Classification
}

// NewEngine loads the built-in rule set.
func NewEngine() (*Engine, error) {
	return NewEngineFromYAML(defaultPatterns)
}

// NewEngineFromFile loads a rule set from path.
func NewEngineFromFile(path string) (*Engine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	return NewEngineFromYAML(data)
}

// NewEngineFromYAML parses and compiles a rule set.
//
// # Outputs
//
//   - *Engine: ready to scan, classifications ordered by descending priority.
//   - error: malformed YAML, an unknown confidence level or a bad regex.
func NewEngineFromYAML(data []byte) (*Engine, error) {
	var file patternFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if err := file.compile(); err != nil {
		return nil, err
	}
	file.sortByPriority()
	return &Engine{classifications: file.Classifications}, nil
}

// PatternCount returns the number of compiled patterns.
func (e *Engine) PatternCount() int {
	n := 0
	for _, c := range e.classifications {
		n += len(c.Patterns)
	}
	return n
}

// Scan checks every line of content against every pattern. Findings are
// ordered by line, then by classification priority.
func (e *Engine) Scan(content string) []Finding {
	var findings []Finding
	for lineNum, line := range strings.Split(content, "\n") {
		for _, c := range e.classifications {
			for _, p := range c.Patterns {
				if p.compiled.MatchString(line) {
					findings = append(findings, Finding{
						LineNumber:     lineNum + 1,
						Classification: c.Name,
						PatternID:      p.ID,
						Description:    p.Description,
						Confidence:     p.Confidence,
					})
				}
			}
		}
	}
	return findings
}

// ScanMessages scans the user-authored messages of a conversation.
// Assistant and system turns are skipped since the caller did not write
// them.
func (e *Engine) ScanMessages(messages []datatypes.Message) []Finding {
	var findings []Finding
	for i, m := range messages {
		if m.Role != "user" {
			continue
		}
		for _, f := range e.Scan(m.Content) {
			f.MessageIndex = i
			findings = append(findings, f)
		}
	}
	return findings
}
