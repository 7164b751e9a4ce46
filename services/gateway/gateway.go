// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gateway assembles the embedded-chat gateway.
//
// The gateway sits between a browser widget and an OpenAI-compatible model
// service. Every request is attributed to a person: the caller's identity is
// resolved from a verified client certificate (or, in development, an
// override header), sealed into a short-lived signed assertion, and carried
// upstream with each chat turn. Replies are relayed fragment by fragment over
// Server-Sent Events or a WebSocket.
//
// # Usage
//
//	cfg, err := config.Load("gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := gateway.New(cfg, gateway.Options{Version: version})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	log.Fatal(svc.Run(ctx))
//
// # Extension Points
//
// Options.Extensions accepts the AuthProvider, AuthzProvider and AuditLogger
// from pkg/extensions. Nil fields fall back to the gateway's own verifier,
// allow-all authorization and the BadgerDB audit trail (when enabled).
package gateway

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/embedchat/pkg/extensions"
	"github.com/AleutianAI/embedchat/services/gateway/audit"
	"github.com/AleutianAI/embedchat/services/gateway/config"
	"github.com/AleutianAI/embedchat/services/gateway/handlers"
	"github.com/AleutianAI/embedchat/services/gateway/identity"
	"github.com/AleutianAI/embedchat/services/gateway/middleware"
	"github.com/AleutianAI/embedchat/services/gateway/observability"
	"github.com/AleutianAI/embedchat/services/gateway/policy"
	"github.com/AleutianAI/embedchat/services/gateway/relay"
	"github.com/AleutianAI/embedchat/services/gateway/routes"
	"github.com/AleutianAI/embedchat/services/gateway/token"
	"github.com/AleutianAI/embedchat/services/llm"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the gateway lifecycle.
//
// # Thread Safety
//
// Run and Serve block and must be called at most once. Shutdown may be
// called from any goroutine, any number of times.
type Service interface {
	// Run listens on the configured address and serves until ctx ends, then
	// shuts down gracefully.
	Run(ctx context.Context) error

	// Serve is Run on a caller-supplied listener.
	Serve(ctx context.Context, ln net.Listener) error

	// Shutdown stops accepting sessions, cancels the ones in flight, waits
	// for them to drain and releases every resource New acquired.
	Shutdown(ctx context.Context) error

	// Router returns the configured Gin engine, for tests.
	Router() *gin.Engine
}

// Options carries the optional collaborators of New.
type Options struct {
	// Version is reported by GET /.
	Version string

	// Extensions overrides authentication, authorization and auditing.
	Extensions extensions.ServiceOptions

	// Upstream replaces the OpenAI-compatible client. Tests use this.
	Upstream relay.Upstream

	// Registry receives the gateway's metrics and backs /metrics. Nil
	// creates a private registry with the Go and process collectors.
	Registry *prometheus.Registry

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service.
//
// # Fields
//
//   - secret: signing key; destroyed on Shutdown
//   - auditStore: the BadgerDB trail when this package opened it, else nil
//   - tracerCleanup: flushes the OTLP exporter; nil when tracing is off
type service struct {
	cfg    *config.Config
	router *gin.Engine
	logger *slog.Logger

	relay      *relay.Relay
	chat       *handlers.ChatHandler
	secret     *token.Secret
	auditStore *audit.BadgerLogger

	tracerCleanup func(context.Context)

	mu     sync.Mutex
	server *http.Server

	shutdownOnce sync.Once
	shutdownErr  error
	releaseOnce  sync.Once
}

// New builds the gateway from cfg.
//
// # Description
//
// New validates cfg, then wires the stack bottom-up:
//  1. OpenTelemetry tracing (only when an OTLP endpoint is configured)
//  2. Prometheus metrics
//  3. The signing secret, issuer and verifier
//  4. The audit trail
//  5. The upstream client, session registry and relay
//  6. Middleware, handlers and routes
//
// Anything acquired before a failing step is released before New returns.
//
// # Inputs
//
//   - cfg: loaded configuration; see config.Load.
//   - opts: optional collaborators; the zero value is valid.
//
// # Outputs
//
//   - Service: ready to Run.
//   - error: config.ErrInvalidConfig, or a wrapped setup failure.
func New(cfg *config.Config, opts Options) (Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", config.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &service{cfg: cfg, logger: logger}
	if err := s.init(opts); err != nil {
		s.release(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *service) init(opts Options) error {
	cfg := s.cfg

	if cfg.Telemetry.Exporter() != "" {
		cleanup, err := s.initTracer()
		if err != nil {
			return err
		}
		s.tracerCleanup = cleanup
	}

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	metrics := observability.NewStreamingMetrics(reg)

	mode, err := identity.ParseMode(cfg.AuthMode)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	secret, err := token.NewSecret([]byte(cfg.Token.Secret))
	if err != nil {
		return fmt.Errorf("failed to seal signing secret: %w", err)
	}
	s.secret = secret
	issuer := token.NewIssuer(secret, cfg.Token.TTL, cfg.Token.Issuer)
	verifier := token.NewVerifier(secret, cfg.Token.Issuer)

	ext := opts.Extensions
	if ext.AuthProvider == nil {
		ext.AuthProvider = verifier
	}
	if ext.AuditLogger == nil && cfg.Audit.Enabled {
		store, err := s.openAudit()
		if err != nil {
			return err
		}
		s.auditStore = store
		ext.AuditLogger = store
	}
	ext = ext.Normalize()

	upstream := opts.Upstream
	if upstream == nil {
		upstream, err = llm.NewUpstream(llm.Config{
			Provider:     cfg.Upstream.Provider,
			BaseURL:      cfg.Upstream.BaseURL,
			APIKey:       cfg.Upstream.APIKey,
			Model:        cfg.Upstream.Model,
			Temperature:  cfg.Upstream.Temperature,
			MaxTokens:    cfg.Upstream.MaxTokens,
			SystemPrompt: cfg.Upstream.SystemPrompt,
			Timeout:      cfg.Upstream.Timeout,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("failed to create upstream client: %w", err)
		}
	}
	s.relay = relay.New(upstream, relay.NewRegistry(s.logger), relay.Config{
		BufferSize:          cfg.Relay.BufferSize,
		BackpressureTimeout: cfg.Relay.BackpressureTimeout,
		CancelGrace:         cfg.Relay.CancelGrace,
	}, relay.WithObserver(metrics), relay.WithLogger(s.logger))

	guard, err := openPolicy(cfg.Policy, s.logger)
	if err != nil {
		return err
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)
	s.chat = handlers.NewChatHandler(handlers.ChatConfig{
		Relay:             s.relay,
		Authz:             ext.AuthzProvider,
		Audit:             ext.AuditLogger,
		Metrics:           metrics,
		Limiter:           limiter,
		Policy:            guard,
		KeepAliveInterval: cfg.Relay.KeepAliveInterval,
		DefaultModel:      cfg.Upstream.Model,
		AllowedOrigins:    cfg.CORS.AllowedOrigins,
		Logger:            s.logger,
	})
	deps := routes.Deps{
		Chat:   s.chat,
		Auth:   handlers.NewAuthHandler(issuer, ext.AuthProvider, ext.AuditLogger, metrics, s.logger),
		Health: handlers.NewHealthHandler(opts.Version, cfg.Safe(), s.relay.Registry()),
		Identity: middleware.IdentityMiddleware(middleware.IdentityConfig{
			Resolver: identity.NewResolver(mode, identity.EdgeHeaders{
				Verify:  cfg.Identity.VerifyHeader,
				Subject: cfg.Identity.SubjectHeader,
				Email:   cfg.Identity.EmailHeader,
			}),
			Issuer:   issuer,
			Verifier: verifier,
			Audit:    ext.AuditLogger,
			Metrics:  metrics,
			Logger:   s.logger,
		}),
		RateLimit: middleware.RateLimitMiddleware(limiter, metrics, s.logger),
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(handlers.ServiceName))
	s.router.Use(middleware.CORS(cfg.CORS.AllowedOrigins))
	routes.SetupRoutes(s.router, deps)

	s.logger.Info("gateway initialized",
		slog.String("environment", cfg.Environment),
		slog.String("auth_mode", mode.String()),
		slog.String("upstream", cfg.Upstream.BaseURL),
		slog.String("model", cfg.Upstream.Model),
		slog.Bool("audit", cfg.Audit.Enabled),
		slog.Bool("tls", cfg.Server.TLS.Enabled()))
	return nil
}

// openAudit opens the BadgerDB trail. An empty path keeps it in memory.
func (s *service) openAudit() (*audit.BadgerLogger, error) {
	storeCfg := audit.InMemoryStoreConfig()
	if s.cfg.Audit.Path != "" {
		storeCfg = audit.DefaultStoreConfig(s.cfg.Audit.Path)
	}
	storeCfg.Retention = s.cfg.Audit.Retention
	storeCfg.Logger = s.logger

	store, err := audit.Open(storeCfg, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit store: %w", err)
	}
	return store, nil
}

// openPolicy loads the message-screening rules. A disabled policy yields a
// nil engine, which the chat handler treats as "allow everything".
func openPolicy(cfg config.PolicyConfig, logger *slog.Logger) (*policy.Engine, error) {
	if !cfg.Enabled {
		logger.Warn("message policy disabled")
		return nil, nil
	}
	var (
		engine *policy.Engine
		err    error
	)
	if cfg.PatternsFile != "" {
		engine, err = policy.NewEngineFromFile(cfg.PatternsFile)
	} else {
		engine, err = policy.NewEngine()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message policy: %w", err)
	}
	logger.Info("message policy loaded",
		"patterns", engine.PatternCount(),
		"source", cfg.PatternsFile)
	return engine, nil
}

// initTracer initializes OpenTelemetry distributed tracing.
//
// # Description
//
// Sets up the configured span exporter and installs the W3C trace-context
// propagator. "otlp" sends spans to the collector at OTLPEndpoint over
// gRPC; "stdout" pretty-prints them for local debugging.
//
// # Outputs
//
//   - func(context.Context): flushes and stops the exporter
//   - error: non-nil if exporter setup fails
//
// # Limitations
//
//   - Uses an insecure gRPC connection (collector on the internal network)
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	var (
		traceExporter sdktrace.SpanExporter
		conn          *grpc.ClientConn
		err           error
	)
	switch s.cfg.Telemetry.Exporter() {
	case "stdout":
		traceExporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
	default:
		conn, err = grpc.NewClient(s.cfg.Telemetry.OTLPEndpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
		}
		traceExporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(s.cfg.Telemetry.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown trace exporter", slog.Any("error", err))
		}
		if conn != nil {
			_ = conn.Close()
		}
	}

	return cleanup, nil
}

// =============================================================================
// Lifecycle
// =============================================================================

func (s *service) Router() *gin.Engine {
	return s.router
}

func (s *service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		s.release(context.Background())
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends or the server fails.
//
// # Description
//
// With TLS configured the listener is wrapped for mutual TLS: a client
// certificate signed by the configured CA is mandatory, and the identity
// resolver reads the verified chain from the connection state. Otherwise
// plain HTTP is served behind an edge proxy.
//
// No write timeout is set; streams are bounded by the relay's own timers
// and keepalives.
func (s *service) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	if s.cfg.Server.TLS.Enabled() {
		tlsCfg, err := s.tlsConfig()
		if err != nil {
			_ = ln.Close()
			s.release(context.Background())
			return err
		}
		srv.TLSConfig = tlsCfg
		ln = tls.NewListener(ln, tlsCfg)
	}

	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	serveCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(serveCtx)
	g.Go(func() error {
		defer stop()
		s.logger.Info("gateway listening", slog.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// tlsConfig loads the server key pair and the client CA pool.
func (s *service) tlsConfig() (*tls.Config, error) {
	t := s.cfg.Server.TLS
	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}
	pem, err := os.ReadFile(t.ClientCAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read client CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%w: no certificates in %s", config.ErrInvalidConfig, t.ClientCAFile)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Shutdown drains the gateway.
//
// # Description
//
// The order matters for clients: the registry is closed first so no new
// session starts, live sessions are cancelled so every stream ends with a
// cancelled event, and only then is the HTTP server stopped. The audit trail
// is closed after every session's outcome has been recorded.
//
// # Outputs
//
//   - error: the first of drain and server shutdown errors; repeated calls
//     return the same value.
func (s *service) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		registry := s.relay.Registry()
		registry.Close()
		if n := registry.CancelAll(relay.CauseShutdown); n > 0 {
			s.logger.Info("cancelling sessions for shutdown", slog.Int("sessions", n))
		}
		drainErr := registry.Drain(ctx)
		if drainErr != nil {
			s.logger.Warn("sessions did not drain before deadline", slog.Int("remaining", registry.Len()))
		}

		s.mu.Lock()
		srv := s.server
		s.mu.Unlock()
		var srvErr error
		if srv != nil {
			srvErr = srv.Shutdown(ctx)
		}
		if err := s.chat.WaitOutcomes(ctx); err != nil {
			s.logger.Warn("session outcomes not recorded before deadline", slog.Any("error", err))
		}

		s.release(ctx)
		s.shutdownErr = errors.Join(drainErr, srvErr)
		s.logger.Info("gateway stopped")
	})
	return s.shutdownErr
}

// release frees the secret, the audit store and the tracer. Safe on a
// partially built service and on repeated calls.
func (s *service) release(ctx context.Context) {
	s.releaseOnce.Do(func() { s.releaseResources(ctx) })
}

func (s *service) releaseResources(ctx context.Context) {
	if s.secret != nil {
		s.secret.Destroy()
	}
	if s.auditStore != nil {
		if err := s.auditStore.Flush(ctx); err != nil {
			s.logger.Warn("failed to flush audit store", slog.Any("error", err))
		}
		if err := s.auditStore.Close(); err != nil {
			s.logger.Warn("failed to close audit store", slog.Any("error", err))
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(ctx)
	}
}
