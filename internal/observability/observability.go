// Package observability wires tracing and the metrics endpoint for the CLI.
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds observability configuration
type Config struct {
	ServiceName    string
	ServiceVersion string

	// EnableTracing enables OpenTelemetry tracing
	EnableTracing bool

	// TraceOutput receives exported spans. Defaults to stderr.
	TraceOutput io.Writer

	// MetricsAddr is the listen address of the metrics endpoint.
	// Empty disables the HTTP server.
	MetricsAddr string

	// MetricsHandler serves /metrics when MetricsAddr is set.
	MetricsHandler http.Handler
}

// Manager owns the tracer provider and the metrics server.
type Manager struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
	metricsServer  *http.Server
	shutdownOnce   sync.Once
}

// New creates a new observability manager
func New(config Config) *Manager {
	if config.ServiceName == "" {
		config.ServiceName = "albatrossctl"
	}
	if config.TraceOutput == nil {
		config.TraceOutput = os.Stderr
	}
	return &Manager{config: config}
}

// Initialize sets up observability components
func (m *Manager) Initialize(ctx context.Context) error {
	if m.config.EnableTracing {
		if err := m.initializeTracing(ctx); err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		slog.Debug("tracing initialized", "service_name", m.config.ServiceName)
	}

	if m.config.MetricsAddr != "" && m.config.MetricsHandler != nil {
		m.startMetricsServer()
	}
	return nil
}

func (m *Manager) initializeTracing(ctx context.Context) error {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(m.config.ServiceName),
			semconv.ServiceVersion(m.config.ServiceVersion),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := stdouttrace.New(
		stdouttrace.WithWriter(m.config.TraceOutput),
		stdouttrace.WithPrettyPrint(),
	)
	if err != nil {
		return fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	m.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(m.tracerProvider)
	return nil
}

// Tracer returns a tracer for the given instrumentation name. Without
// tracing enabled the global no-op provider is used.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

func (m *Manager) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.config.MetricsHandler)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	m.metricsServer = &http.Server{
		Addr:              m.config.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("metrics server listening", "addr", m.config.MetricsAddr)
		if err := m.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()
}

// Shutdown flushes spans and stops the metrics server.
func (m *Manager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	m.shutdownOnce.Do(func() {
		if m.metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := m.metricsServer.Shutdown(shutdownCtx); err != nil {
				shutdownErr = fmt.Errorf("metrics server shutdown: %w", err)
			}
		}

		if m.tracerProvider != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := m.tracerProvider.Shutdown(shutdownCtx); err != nil && shutdownErr == nil {
				shutdownErr = fmt.Errorf("tracer provider shutdown: %w", err)
			}
		}
	})

	return shutdownErr
}
