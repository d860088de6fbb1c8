// Package telemetry wires OpenTelemetry tracing and Prometheus metrics for
// the agent (§4.4/§4.8 expansion), adapted from this codebase's
// observability package: same sync.Once-guarded init, OTLP-or-stdout
// exporter fallback, and env-driven sampler ratio.
package telemetry

import (
	"context"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ronhanson/jobmanager-agent/internal/config"
	"github.com/ronhanson/jobmanager-agent/internal/logging"
)

// Config describes the service identity attached to every trace this
// process emits.
type Config struct {
	ServiceName string
	Environment string
	Version     string
}

var (
	otelOnce     sync.Once
	otelShutdown func(context.Context) error
)

// InitTracing initializes the global TracerProvider once per process. It is
// a no-op (returning a no-op shutdown func) unless cfg.OtelEndpoint is set
// or OTEL_ENABLED is on, mirroring the teacher's opt-in stance on tracing
// overhead for a background worker.
func InitTracing(ctx context.Context, log *logging.Logger, agentCfg *config.Config, cfg Config) func(context.Context) error {
	otelOnce.Do(func() {
		if !tracingEnabled(agentCfg) {
			otelShutdown = func(context.Context) error { return nil }
			return
		}
		serviceName := strings.TrimSpace(cfg.ServiceName)
		if serviceName == "" {
			serviceName = "jobmanager-agent"
		}
		res, err := resource.New(
			ctx,
			resource.WithAttributes(
				semconv.ServiceNameKey.String(serviceName),
				attribute.String("deployment.environment", strings.TrimSpace(cfg.Environment)),
				semconv.ServiceVersionKey.String(strings.TrimSpace(cfg.Version)),
			),
		)
		if err != nil && log != nil {
			log.Warn("otel resource init failed (continuing)", "error", err)
		}

		exporter, expErr := buildTraceExporter(ctx, log, agentCfg)
		if expErr != nil && log != nil {
			log.Warn("otel exporter init failed (continuing)", "error", expErr)
		}
		var tp *sdktrace.TracerProvider
		if exporter != nil {
			tp = sdktrace.NewTracerProvider(
				sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
				sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio()))),
				sdktrace.WithResource(res),
			)
		} else {
			tp = sdktrace.NewTracerProvider(
				sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio()))),
				sdktrace.WithResource(res),
			)
		}
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		otelShutdown = tp.Shutdown
		if log != nil {
			log.Info("otel tracing initialized", "service", serviceName, "endpoint", agentCfg.OtelEndpoint)
		}
	})
	return otelShutdown
}

func tracingEnabled(agentCfg *config.Config) bool {
	if agentCfg != nil && agentCfg.OtelEndpoint != "" {
		return true
	}
	v := strings.TrimSpace(strings.ToLower(os.Getenv("OTEL_ENABLED")))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func sampleRatio() float64 {
	v := strings.TrimSpace(os.Getenv("OTEL_SAMPLER_RATIO"))
	if v == "" {
		return 1.0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) {
		return 1.0
	}
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func buildTraceExporter(ctx context.Context, log *logging.Logger, agentCfg *config.Config) (sdktrace.SpanExporter, error) {
	endpoint := ""
	if agentCfg != nil {
		endpoint = agentCfg.OtelEndpoint
	}
	if endpoint != "" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if strings.TrimSpace(strings.ToLower(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"))) != "" {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	}
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	if log != nil {
		log.Warn("otel using stdout exporter (no endpoint configured)")
	}
	return exp, nil
}

// Metrics holds the agent's Prometheus collectors (§4.4, §4.8). The
// supervisor updates the job counters and ChildrenActive; SlotsInFlight and
// SlotsCapacity are registered but no component sets them. A single
// instance is created at startup and shared by value of pointer across
// components.
type Metrics struct {
	JobsClaimed    prometheus.Counter
	JobsSpawned    prometheus.Counter
	JobsTimedOut   prometheus.Counter
	JobsRetried    prometheus.Counter
	ChildrenActive prometheus.Gauge
	SlotsInFlight  *prometheus.GaugeVec
	SlotsCapacity  *prometheus.GaugeVec
}

// NewMetrics constructs and registers every collector against reg. Passing
// a fresh prometheus.NewRegistry() (rather than the global default
// registry) keeps repeated NewMetrics calls in tests collision-free.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobagent_jobs_claimed_total",
			Help: "Total number of jobs claimed from the repository.",
		}),
		JobsSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobagent_jobs_spawned_total",
			Help: "Total number of child processes spawned.",
		}),
		JobsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobagent_jobs_timed_out_total",
			Help: "Total number of jobs killed for exceeding their timeout.",
		}),
		JobsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobagent_jobs_retried_total",
			Help: "Total number of failed jobs re-queued by the retry duplicator.",
		}),
		ChildrenActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobagent_children_active",
			Help: "Number of child processes currently running.",
		}),
		SlotsInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jobagent_slots_in_flight",
			Help: "Occupied slots per job type.",
		}, []string{"job_type"}),
		SlotsCapacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jobagent_slots_capacity",
			Help: "Configured slot capacity per job type.",
		}, []string{"job_type"}),
	}
	reg.MustRegister(m.JobsClaimed, m.JobsSpawned, m.JobsTimedOut, m.JobsRetried,
		m.ChildrenActive, m.SlotsInFlight, m.SlotsCapacity)
	return m
}
