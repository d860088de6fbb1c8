package telemetry

import (
	"context"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ronhanson/jobmanager-agent/internal/config"
)

func TestNewMetricsRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.JobsClaimed.Inc()
	m.JobsSpawned.Inc()
	m.JobsTimedOut.Inc()
	m.JobsRetried.Inc()
	m.ChildrenActive.Set(3)
	m.SlotsInFlight.WithLabelValues("encode").Set(1)
	m.SlotsCapacity.WithLabelValues("encode").Set(4)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"jobagent_jobs_claimed_total",
		"jobagent_jobs_spawned_total",
		"jobagent_jobs_timed_out_total",
		"jobagent_jobs_retried_total",
		"jobagent_children_active",
		"jobagent_slots_in_flight",
		"jobagent_slots_capacity",
	} {
		if !names[want] {
			t.Errorf("missing registered collector %q", want)
		}
	}
}

func TestNewMetricsOnFreshRegistriesNeverCollide(t *testing.T) {
	// Two independent registries must each accept their own NewMetrics call;
	// MustRegister would panic on a duplicate-collector conflict if NewMetrics
	// ever reused the global default registry.
	NewMetrics(prometheus.NewRegistry())
	NewMetrics(prometheus.NewRegistry())
}

func TestSampleRatioClampsAndDefaults(t *testing.T) {
	cases := map[string]float64{
		"":      1.0,
		"0.25":  0.25,
		"1":     1.0,
		"2.5":   1.0,
		"-1":    0,
		"nan":   1.0,
		"junk!": 1.0,
	}
	for in, want := range cases {
		t.Setenv("OTEL_SAMPLER_RATIO", in)
		if got := sampleRatio(); got != want {
			t.Errorf("sampleRatio() with OTEL_SAMPLER_RATIO=%q = %v, want %v", in, got, want)
		}
	}
}

func TestTracingEnabled(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "")
	if tracingEnabled(&config.Config{}) {
		t.Fatal("tracingEnabled() with no endpoint and no env = true, want false")
	}
	if !tracingEnabled(&config.Config{OtelEndpoint: "http://collector:4318"}) {
		t.Fatal("tracingEnabled() with endpoint set = false, want true")
	}

	t.Setenv("OTEL_ENABLED", "true")
	if !tracingEnabled(&config.Config{}) {
		t.Fatal("tracingEnabled() with OTEL_ENABLED=true = false, want true")
	}
}

func TestInitTracingIsNoopWithoutConfiguration(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "")
	os.Unsetenv("OTEL_SAMPLER_RATIO")
	shutdown := InitTracing(context.Background(), nil, &config.Config{}, Config{ServiceName: "test"})
	if shutdown == nil {
		t.Fatal("InitTracing returned nil shutdown func")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("no-op shutdown returned error: %v", err)
	}
}
