// Package statusticker implements the Status Ticker (§4.2): on a fixed
// interval it upserts this host's durable status row and, best-effort,
// broadcasts the same snapshot for passive observers.
package statusticker

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"time"

	"gorm.io/datatypes"

	"github.com/ronhanson/jobmanager-agent/internal/jobdomain"
	"github.com/ronhanson/jobmanager-agent/internal/logging"
	"github.com/ronhanson/jobmanager-agent/internal/repository"
	"github.com/ronhanson/jobmanager-agent/internal/slots"
)

// Reporter produces the opaque status_payload attached to every heartbeat.
// Pluggable so a deployment can report more than process vitals (queue
// depth, disk headroom, whatever it cares about) without this package
// needing to know about it.
type Reporter interface {
	Report() (map[string]interface{}, error)
}

// RuntimeReporter is the default Reporter: process uptime and memory
// statistics from the Go runtime, the same vitals this codebase's
// heartbeat code reports elsewhere.
type RuntimeReporter struct {
	start time.Time
}

func NewRuntimeReporter() *RuntimeReporter {
	return &RuntimeReporter{start: time.Now().UTC()}
}

func (r *RuntimeReporter) Report() (map[string]interface{}, error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return map[string]interface{}{
		"uptime_seconds": time.Since(r.start).Seconds(),
		"goroutines":     runtime.NumGoroutine(),
		"heap_alloc":     mem.HeapAlloc,
		"heap_sys":       mem.HeapSys,
	}, nil
}

// Publisher is the optional secondary fan-out this package invokes after
// every successful Postgres upsert (§4.2 "publishes the same snapshot...
// for passive observers"). A nil Publisher disables broadcast entirely.
type Publisher interface {
	Publish(ctx context.Context, hostname string, payload []byte) error
}

// Ticker drives the periodic host-status heartbeat.
type Ticker struct {
	hostname string
	repo     repository.Repository
	pool     *slots.Pool
	reporter Reporter
	pub      Publisher
	interval time.Duration
	log      *logging.Logger
}

func New(hostname string, repo repository.Repository, pool *slots.Pool, reporter Reporter, pub Publisher, interval time.Duration, baseLog *logging.Logger) *Ticker {
	if reporter == nil {
		reporter = NewRuntimeReporter()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	hn := hostname
	if hn == "" {
		if h, err := os.Hostname(); err == nil {
			hn = h
		}
	}
	return &Ticker{
		hostname: hn,
		repo:     repo,
		pool:     pool,
		reporter: reporter,
		pub:      pub,
		interval: interval,
		log:      baseLog.With("component", "StatusTicker"),
	}
}

// Run ticks until ctx is cancelled, matching the rest of this codebase's
// time.Ticker + ctx.Done() shutdown convention.
func (t *Ticker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	// Emit one heartbeat immediately so a freshly started agent doesn't wait
	// a full interval before it appears in the hosts table.
	t.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			t.log.Info("status ticker stopped")
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

func (t *Ticker) tick(ctx context.Context) {
	slotsJSON, err := t.encodeSlots()
	if err != nil {
		t.log.Warn("failed to encode slot snapshot", "error", err)
		slotsJSON = datatypes.JSON([]byte("{}"))
	}

	statusJSON, err := t.encodeStatus()
	if err != nil {
		t.log.Warn("failed to build status payload", "error", err)
		statusJSON = datatypes.JSON([]byte("{}"))
	}

	host := &jobdomain.Host{
		Hostname:       t.hostname,
		JobSlots:       slotsJSON,
		LastStatusTime: time.Now().UTC(),
		StatusPayload:  statusJSON,
	}

	if err := t.repo.UpsertHostStatus(ctx, host); err != nil {
		t.log.Error("failed to upsert host status", "hostname", t.hostname, "error", err)
		return
	}

	if t.pub != nil {
		if err := t.pub.Publish(ctx, t.hostname, statusJSON); err != nil {
			// Best-effort secondary channel: log and move on, the durable
			// Postgres write above already succeeded (§4.2).
			t.log.Warn("status broadcast failed", "hostname", t.hostname, "error", err)
		}
	}
}

func (t *Ticker) encodeSlots() (datatypes.JSON, error) {
	snapshot := t.pool.Snapshot()
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func (t *Ticker) encodeStatus() (datatypes.JSON, error) {
	payload, err := t.reporter.Report()
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}
