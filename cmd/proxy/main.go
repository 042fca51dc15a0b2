// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main runs the single-port HTTP/WebSocket reverse proxy with
// metrics, health checks, a circuit breaker, rate limiting, and connection
// pooling.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/jordan-breton/uws-reverse-proxy/pkg/breaker"
	"github.com/jordan-breton/uws-reverse-proxy/pkg/client"
	"github.com/jordan-breton/uws-reverse-proxy/pkg/connection"
	"github.com/jordan-breton/uws-reverse-proxy/pkg/edge/nethttp"
	"github.com/jordan-breton/uws-reverse-proxy/pkg/health"
	"github.com/jordan-breton/uws-reverse-proxy/pkg/metrics"
	"github.com/jordan-breton/uws-reverse-proxy/pkg/proxy"
	"github.com/jordan-breton/uws-reverse-proxy/pkg/ratelimit"
)

// Config holds the application configuration.
type Config struct {
	// Edge
	Addr        string `env:"ADDR"         envDefault:":8000"`
	TLSCertFile string `env:"TLS_CERT_FILE"`
	TLSKeyFile  string `env:"TLS_KEY_FILE"`

	// Backend
	BackendProtocol string `env:"BACKEND_PROTOCOL" envDefault:"http"`
	BackendHost     string `env:"BACKEND_HOST"     envDefault:"127.0.0.1"`
	BackendPort     string `env:"BACKEND_PORT"     envDefault:"35974"`

	// Observability
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8081"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`

	// Resource limits
	MaxGoroutines  int    `env:"MAX_GOROUTINES"  envDefault:"50000"`
	MaxHeapBytes   uint64 `env:"MAX_HEAP_BYTES"  envDefault:"2147483648"`

	// Connection pooling
	MaxConnectionsByHost   int           `env:"MAX_CONNECTIONS_BY_HOST"    envDefault:"10"`
	ConnectionTimeout      time.Duration `env:"CONNECTION_TIMEOUT"         envDefault:"5s"`
	RequestTimeout         time.Duration `env:"REQUEST_TIMEOUT"            envDefault:"5m"`
	ReconnectionAttempts   int           `env:"RECONNECTION_ATTEMPTS"      envDefault:"3"`
	ReconnectionDelay      time.Duration `env:"RECONNECTION_DELAY"         envDefault:"1s"`
	MaxPipelinedByConn     int           `env:"MAX_PIPELINED_PER_CONN"     envDefault:"100000"`

	// Circuit breaker
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"60s"`
	BreakerTimeout      time.Duration `env:"BREAKER_TIMEOUT"       envDefault:"30s"`

	// Rate limiting
	RateLimitCapacity int64 `env:"RATE_LIMIT_CAPACITY" envDefault:"100"`
	RateLimitRefill   int64 `env:"RATE_LIMIT_REFILL"   envDefault:"10"`
	RateLimitEnabled  bool  `env:"RATE_LIMIT_ENABLED"  envDefault:"false"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

func main() {
	cfg := Config{}
	if err := godotenv.Load(); err != nil {
		// .env file is optional
	}
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	backendKey := cfg.BackendHost + ":" + cfg.BackendPort
	logger.Info("starting reverse proxy",
		slog.String("addr", cfg.Addr),
		slog.String("backend", backendKey))

	m := metrics.New("uws_reverse_proxy")
	go startMetricsServer(cfg.MetricsPort, logger)

	healthChecker := health.NewChecker(10 * time.Second)
	healthChecker.Register("goroutines", health.GoroutineCheck(cfg.MaxGoroutines))
	healthChecker.Register("memory", health.MemoryCheck(cfg.MaxHeapBytes))
	go reportResourceMetrics(m)

	pool := client.New(client.Options{
		Options: connection.Options{
			ReconnectionAttempts:             cfg.ReconnectionAttempts,
			ReconnectionDelay:                cfg.ReconnectionDelay,
			ConnectionTimeout:                cfg.ConnectionTimeout,
			Timeout:                          cfg.RequestTimeout,
			MaxPipelinedRequestsByConnection: cfg.MaxPipelinedByConn,
		},
		MaxConnectionsByHost: cfg.MaxConnectionsByHost,
	}, logger)
	defer pool.Close("", "")

	healthChecker.RegisterTarget("connection_pool", backendKey, func(ctx context.Context) error {
		return health.PoolCheck(pool, cfg.BackendHost, cfg.BackendPort)(ctx)
	})

	go startHealthServer(cfg.HealthPort, healthChecker, logger)

	var limiter *ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewLimiter(cfg.RateLimitCapacity, cfg.RateLimitRefill, 10000)
	}

	cb := breaker.New(breaker.Config{
		Backend:      backendKey,
		MaxFailures:  cfg.BreakerMaxFailures,
		ResetTimeout: cfg.BreakerResetTimeout,
		Timeout:      cfg.BreakerTimeout,
	})
	cb.OnStateChange(func(backend string, from, to breaker.State) {
		logger.Warn("circuit breaker state changed",
			slog.String("backend", backend),
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		m.CircuitBreakerState.WithLabelValues(backend).Set(float64(to))
		if to == breaker.StateOpen {
			m.CircuitBreakerTrips.WithLabelValues(backend).Inc()
		}
	})

	p := proxy.New(pool, proxy.Backend{
		Protocol: cfg.BackendProtocol,
		Host:     cfg.BackendHost,
		Port:     cfg.BackendPort,
	}, proxy.Options{
		Breaker:     cb,
		RateLimiter: limiter,
		Metrics:     m,
	}, logger)

	srv := nethttp.New(nethttp.Config{
		Addr:            cfg.Addr,
		TLSCertFile:     cfg.TLSCertFile,
		TLSKeyFile:      cfg.TLSKeyFile,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
	}, p)

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Listen(ctx)
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("context cancelled")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			logger.Error("shutdown error", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("graceful shutdown completed")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout exceeded, forcing exit")
		os.Exit(1)
	}
}

// reportResourceMetrics periodically samples the goroutine count and heap
// usage into the gauges the teacher's health checks used to update inline;
// kept separate from the checks themselves, which only report pass/fail.
func reportResourceMetrics(m *metrics.Metrics) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		m.GoroutinesActive.WithLabelValues("all").Set(float64(runtime.NumGoroutine()))
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		m.MemoryAllocated.WithLabelValues("heap").Set(float64(stats.HeapAlloc))
		m.MemoryAllocated.WithLabelValues("sys").Set(float64(stats.Sys))
	}
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// startMetricsServer starts the Prometheus metrics HTTP server.
func startMetricsServer(port int, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("starting metrics server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server error", slog.String("error", err.Error()))
	}
}

// startHealthServer starts the health check HTTP server.
func startHealthServer(port int, checker *health.Checker, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("starting health server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("health server error", slog.String("error", err.Error()))
	}
}
