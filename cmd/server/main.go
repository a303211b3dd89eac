// cmd/server/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/effenzeffer/ml-agents/internal/cache"
	"github.com/effenzeffer/ml-agents/internal/config"
	"github.com/effenzeffer/ml-agents/internal/decisionlog"
	"github.com/effenzeffer/ml-agents/internal/metrics"
	"github.com/effenzeffer/ml-agents/internal/middleware"
	"github.com/effenzeffer/ml-agents/internal/server"
)

const serviceName = "ml-agents-bridge"

func main() {
	// Parse command-line flags
	port := flag.Int("port", 0, "bridge server port (default: 8080)")
	metricsPort := flag.Int("metrics", 0, "Prometheus metrics port (default: 9100)")
	modelPath := flag.String("model", "", "path to the default model artifact")
	engine := flag.String("engine", "", "execution engine: onnx or graph (default: onnx)")
	device := flag.String("device", "", "inference device: cpu or accelerator (default: cpu)")
	redisAddr := flag.String("redis", "", "Redis address for the decision cache (optional)")
	decisionLog := flag.String("decision-log", "", "path to the SQLite decision log (optional)")
	configFile := flag.String("config", "", "path to config file (optional)")
	useMock := flag.Bool("mock", false, "use the mock engine (for testing)")
	flag.Parse()

	// Load configuration from file and environment
	var cfg *config.Config
	var err error
	if *configFile != "" {
		cfg, err = config.LoadWithConfigFile(*configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Override with flags if provided
	if *port > 0 {
		cfg.Port = *port
	}
	if *metricsPort > 0 {
		cfg.MetricsPort = *metricsPort
	}
	if *modelPath != "" {
		cfg.Model = *modelPath
	}
	if *engine != "" {
		cfg.Engine = *engine
	}
	if *device != "" {
		cfg.Device = *device
	}
	if *redisAddr != "" {
		cfg.Redis = *redisAddr
	}
	if *decisionLog != "" {
		cfg.DecisionLog = *decisionLog
	}
	if *useMock {
		cfg.UseMockEngine = true
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	log.Printf("Starting %s...", serviceName)
	log.Printf("Configuration: port=%d, metrics=%d, engine=%s, device=%s, model=%s, otel=%v",
		cfg.Port, cfg.MetricsPort, cfg.Engine, cfg.Device, cfg.Model, cfg.OTELEnabled)

	// Initialize OpenTelemetry tracer
	var tracerShutdown func(context.Context) error
	if cfg.OTELEnabled {
		tracerShutdown, err = initTracer(cfg.OTELEndpoint)
		if err != nil {
			log.Printf("Warning: Failed to initialize tracer: %v", err)
		} else {
			log.Printf("OpenTelemetry tracing enabled (endpoint: %s)", cfg.OTELEndpoint)
		}
	}

	// Initialize Redis decision cache (optional)
	var cacheClient *cache.Cache
	if cfg.Redis != "" {
		log.Printf("Connecting to Redis at %s...", cfg.Redis)
		cacheClient, err = cache.New(cfg.Redis)
		if err != nil {
			log.Printf("Warning: Failed to connect to Redis: %v (continuing without cache)", err)
		} else {
			defer cacheClient.Close()
			log.Printf("Redis connected successfully")
		}
	}

	// Open the decision log (optional)
	var dlog *decisionlog.Log
	if cfg.DecisionLog != "" {
		dlog, err = decisionlog.Open(cfg.DecisionLog)
		if err != nil {
			log.Fatalf("Failed to open decision log at %s: %v", cfg.DecisionLog, err)
		}
		defer dlog.Close()
		log.Printf("Decision log at %s", cfg.DecisionLog)
	}

	var healthy atomic.Bool

	// Start HTTP server for metrics and health checks
	obsServer := startObservabilityServer(cfg.MetricsPort, &healthy)

	// Bridge server
	bridge := server.NewBridge(cfg, cacheClient, dlog)
	mux := http.NewServeMux()
	mux.Handle("/v1/session",
		middleware.WithRequestID(middleware.WithMetrics("/v1/session", bridge.Handler())))

	addr := fmt.Sprintf(":%d", cfg.Port)
	bridgeServer := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	healthy.Store(true)
	metrics.SetHealthy()

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, shutting down gracefully...", sig)

		healthy.Store(false)
		metrics.SetUnhealthy()

		// Give time for load balancers to detect unhealthy status
		time.Sleep(5 * time.Second)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		bridgeServer.Shutdown(ctx)
		obsServer.Shutdown(ctx)

		if tracerShutdown != nil {
			tracerShutdown(ctx)
		}
	}()

	log.Printf("Bridge server listening on %s", addr)
	log.Printf("%s is ready to accept sessions", serviceName)

	if err := bridgeServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Failed to serve: %v", err)
	}

	log.Printf("Server shutdown complete")
}

func startObservabilityServer(port int, healthy *atomic.Bool) *http.Server {
	mux := http.NewServeMux()

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Health check endpoint
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Service Unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Readiness check (same as healthz for now)
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Not Ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Ready"))
	})

	addr := fmt.Sprintf(":%d", port)
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		log.Printf("HTTP server listening on %s (metrics, health)", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	return server
}

func initTracer(endpoint string) (func(context.Context) error, error) {
	var exporter sdktrace.SpanExporter
	var err error

	if endpoint != "" {
		// For now, use stdout exporter as OTLP requires more setup
		// In production, use: otlptrace.New(ctx, otlptracegrpc.NewClient(...))
		log.Printf("Note: Using stdout trace exporter (OTLP endpoint: %s)", endpoint)
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	} else {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	// Create resource with service information
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Create tracer provider
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	// Set global tracer provider
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
