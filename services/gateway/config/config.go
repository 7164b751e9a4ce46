// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads gateway configuration.
//
// Sources are applied in order: compiled defaults, an optional YAML file,
// then environment variables. The result is validated before use; an
// invalid configuration never reaches the service.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// EnvDevelopment enables the development trust mode by default.
	EnvDevelopment = "development"

	// EnvProduction is the default environment.
	EnvProduction = "production"

	// AuthModeCertificate trusts client-certificate attributes only.
	AuthModeCertificate = "certificate"

	// AuthModeDevelopment trusts the mock-user override only.
	AuthModeDevelopment = "development"

	// DevSecret is the well-known signing key accepted only in development.
	DevSecret = "dev-secret-key-change-in-production"

	// MinSecretBytes is the shortest accepted HMAC key.
	MinSecretBytes = 32
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// =============================================================================
// Types
// =============================================================================

// Config is the complete gateway configuration.
type Config struct {
	Environment string          `yaml:"environment" validate:"oneof=development production"`
	AuthMode    string          `yaml:"auth_mode" validate:"oneof=certificate development"`
	Server      ServerConfig    `yaml:"server"`
	Identity    IdentityConfig  `yaml:"identity"`
	Token       TokenConfig     `yaml:"token"`
	Upstream    UpstreamConfig  `yaml:"upstream"`
	Relay       RelayConfig     `yaml:"relay"`
	CORS        CORSConfig      `yaml:"cors"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
	Audit       AuditConfig     `yaml:"audit"`
	Policy      PolicyConfig    `yaml:"policy"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Logging     LoggingConfig   `yaml:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
	TLS             TLSConfig     `yaml:"tls"`
}

// TLSConfig enables in-process TLS termination with mandatory client
// certificates. When CertFile is empty the gateway serves plain HTTP and
// expects an edge proxy to forward verified certificate attributes.
type TLSConfig struct {
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file" validate:"required_with=CertFile"`
	ClientCAFile string `yaml:"client_ca_file" validate:"required_with=CertFile"`
}

// Enabled reports whether the gateway terminates TLS itself.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != ""
}

// IdentityConfig names the edge-proxy headers that carry verified
// certificate attributes.
type IdentityConfig struct {
	VerifyHeader  string `yaml:"verify_header" validate:"required"`
	SubjectHeader string `yaml:"subject_header" validate:"required"`
	EmailHeader   string `yaml:"email_header"`
}

// TokenConfig configures assertion signing.
type TokenConfig struct {
	Secret string        `yaml:"secret"`
	TTL    time.Duration `yaml:"ttl" validate:"gt=0"`
	Issuer string        `yaml:"issuer" validate:"required"`
}

// UpstreamConfig points at the OpenAI-compatible model endpoint.
type UpstreamConfig struct {
	Provider     string        `yaml:"provider" validate:"oneof=openai ollama"`
	BaseURL      string        `yaml:"base_url" validate:"required,url"`
	APIKey       string        `yaml:"api_key"`
	Model        string        `yaml:"model" validate:"required"`
	Temperature  float32       `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens    int           `yaml:"max_tokens" validate:"min=1"`
	SystemPrompt string        `yaml:"system_prompt" validate:"required"`
	Timeout      time.Duration `yaml:"timeout" validate:"gt=0"`
}

// RelayConfig tunes the per-session buffer and timers.
type RelayConfig struct {
	BufferSize          int           `yaml:"buffer_size" validate:"min=1,max=4096"`
	BackpressureTimeout time.Duration `yaml:"backpressure_timeout" validate:"gt=0"`
	CancelGrace         time.Duration `yaml:"cancel_grace" validate:"gt=0"`
	KeepAliveInterval   time.Duration `yaml:"keepalive_interval" validate:"gt=0"`
}

// CORSConfig lists origins allowed to embed the widget.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" validate:"dive,url"`
}

// RateLimitConfig bounds chat turns per subject. Zero disables limiting.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" validate:"gte=0"`
	Burst             int     `yaml:"burst" validate:"gte=0"`
}

// AuditConfig controls the audit trail. An empty Path keeps events in
// memory only.
type AuditConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention" validate:"gte=0"`
}

// PolicyConfig controls outbound message screening. An empty PatternsFile
// uses the built-in rules.
type PolicyConfig struct {
	Enabled      bool   `yaml:"enabled"`
	PatternsFile string `yaml:"patterns_file"`
}

// TelemetryConfig configures tracing. TraceExporter "otlp" ships spans to
// OTLPEndpoint, "stdout" prints them. When TraceExporter is empty, export
// is on exactly when OTLPEndpoint is set.
type TelemetryConfig struct {
	TraceExporter string `yaml:"trace_exporter" validate:"omitempty,oneof=otlp stdout"`
	OTLPEndpoint  string `yaml:"otlp_endpoint" validate:"required_if=TraceExporter otlp"`
	ServiceName   string `yaml:"service_name" validate:"required"`
}

// Exporter returns the effective trace exporter, or "" when tracing is off.
func (t TelemetryConfig) Exporter() string {
	if t.TraceExporter == "" && t.OTLPEndpoint != "" {
		return "otlp"
	}
	return t.TraceExporter
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
	Dir    string `yaml:"dir"`
}

// =============================================================================
// Defaults
// =============================================================================

// Default returns the compiled-in configuration.
func Default() Config {
	return Config{
		Environment: EnvProduction,
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8000,
			ShutdownTimeout: 10 * time.Second,
		},
		Identity: IdentityConfig{
			VerifyHeader:  "X-SSL-Client-Verify",
			SubjectHeader: "X-SSL-Client-S-DN-CN",
			EmailHeader:   "X-SSL-Client-Email",
		},
		Token: TokenConfig{
			TTL:    8 * time.Hour,
			Issuer: "embedchat",
		},
		Upstream: UpstreamConfig{
			Provider:    "openai",
			BaseURL:     "http://localhost:11434/v1",
			Model:       "llama3:latest",
			Temperature: 0.7,
			MaxTokens:   500,
			SystemPrompt: "You are a helpful AI assistant for a government department. " +
				"You are currently assisting {user}. Be concise and professional.",
			Timeout: 5 * time.Minute,
		},
		Relay: RelayConfig{
			BufferSize:          64,
			BackpressureTimeout: 10 * time.Second,
			CancelGrace:         5 * time.Second,
			KeepAliveInterval:   15 * time.Second,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 30,
			Burst:             10,
		},
		Audit: AuditConfig{
			Enabled:   true,
			Retention: 30 * 24 * time.Hour,
		},
		Policy: PolicyConfig{
			Enabled: true,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "embedchat-gateway",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// =============================================================================
// Loading
// =============================================================================

// LookupFunc reads an environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the process environment, then validates it.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an injectable environment.
//
// # Description
//
// Unknown YAML keys are rejected so that a misspelled security setting
// fails loudly instead of silently keeping its default.
//
// # Inputs
//
//   - path: YAML file, or "" for none.
//   - lookup: environment accessor.
//
// # Outputs
//
//   - *Config: validated configuration.
//   - error: read, parse or validation failure. Validation failures wrap
//     ErrInvalidConfig.
func LoadWithEnv(path string, lookup LookupFunc) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return nil, err
	}
	cfg.finalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config, lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("ENVIRONMENT", &cfg.Environment)
	str("AUTH_MODE", &cfg.AuthMode)
	str("JWT_SECRET_KEY", &cfg.Token.Secret)
	str("UPSTREAM_PROVIDER", &cfg.Upstream.Provider)
	str("OPENAI_BASE_URL", &cfg.Upstream.BaseURL)
	str("OPENAI_API_KEY", &cfg.Upstream.APIKey)
	str("OPENAI_MODEL", &cfg.Upstream.Model)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	str("OTEL_TRACES_EXPORTER", &cfg.Telemetry.TraceExporter)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("AUDIT_PATH", &cfg.Audit.Path)
	str("POLICY_PATTERNS_FILE", &cfg.Policy.PatternsFile)

	if v, ok := lookup("GATEWAY_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GATEWAY_PORT %q: %w", v, ErrInvalidConfig)
		}
		cfg.Server.Port = port
	}
	if v, ok := lookup("CORS_ORIGINS"); ok && v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.CORS.AllowedOrigins = origins
	}
	return nil
}

// finalize derives values that depend on other fields.
func (c *Config) finalize() {
	c.Environment = strings.ToLower(strings.TrimSpace(c.Environment))
	c.AuthMode = strings.ToLower(strings.TrimSpace(c.AuthMode))
	if c.AuthMode == "" {
		if c.Environment == EnvDevelopment {
			c.AuthMode = AuthModeDevelopment
		} else {
			c.AuthMode = AuthModeCertificate
		}
	}
	if c.Token.Secret == "" && c.Environment == EnvDevelopment {
		c.Token.Secret = DevSecret
	}
}

// =============================================================================
// Validation
// =============================================================================

var validate = validator.New()

// Validate checks struct constraints and the cross-field security rules:
//
//   - development auth mode requires the development environment
//   - a signing secret of at least MinSecretBytes is present
//   - the well-known development secret is refused outside development
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.AuthMode == AuthModeDevelopment && c.Environment != EnvDevelopment {
		return fmt.Errorf("%w: auth_mode development requires environment development", ErrInvalidConfig)
	}
	if c.Token.Secret == "" {
		return fmt.Errorf("%w: JWT_SECRET_KEY is required", ErrInvalidConfig)
	}
	if len(c.Token.Secret) < MinSecretBytes {
		return fmt.Errorf("%w: signing secret must be at least %d bytes", ErrInvalidConfig, MinSecretBytes)
	}
	if c.Token.Secret == DevSecret && c.Environment != EnvDevelopment {
		return fmt.Errorf("%w: development secret refused outside development", ErrInvalidConfig)
	}
	return nil
}

// IsDevelopment reports whether the mock-user override is the trust signal.
func (c *Config) IsDevelopment() bool {
	return c.AuthMode == AuthModeDevelopment
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// SafeView is the subset of configuration that may be shown to clients.
type SafeView struct {
	UpstreamBaseURL string `json:"openai_base_url"`
	Model           string `json:"openai_model"`
	Environment     string `json:"environment"`
	AuthMode        string `json:"auth_mode"`
	TokenTTLSeconds int64  `json:"token_ttl_seconds"`
}

// Safe returns the client-visible subset. Secrets and API keys are never
// included.
func (c *Config) Safe() SafeView {
	return SafeView{
		UpstreamBaseURL: c.Upstream.BaseURL,
		Model:           c.Upstream.Model,
		Environment:     c.Environment,
		AuthMode:        c.AuthMode,
		TokenTTLSeconds: int64(c.Token.TTL / time.Second),
	}
}
