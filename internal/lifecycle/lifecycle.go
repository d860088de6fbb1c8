// Package lifecycle wires together every agent component (config, storage,
// slot pool, supervisor, status ticker, telemetry) and drives their
// coordinated start and shutdown (§4.8), generalizing this codebase's
// App.New/Start/Close shape with an errgroup so a setup-time failure in one
// background task cancels the others instead of leaking a goroutine.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/ronhanson/jobmanager-agent/internal/broadcast"
	"github.com/ronhanson/jobmanager-agent/internal/childproc"
	"github.com/ronhanson/jobmanager-agent/internal/config"
	"github.com/ronhanson/jobmanager-agent/internal/db"
	"github.com/ronhanson/jobmanager-agent/internal/logging"
	"github.com/ronhanson/jobmanager-agent/internal/repository"
	"github.com/ronhanson/jobmanager-agent/internal/retry"
	"github.com/ronhanson/jobmanager-agent/internal/slots"
	"github.com/ronhanson/jobmanager-agent/internal/statusticker"
	"github.com/ronhanson/jobmanager-agent/internal/supervisor"
	"github.com/ronhanson/jobmanager-agent/internal/telemetry"
)

// Options configures the pieces of Setup that aren't derived from the YAML
// config file: binary paths and build identity.
type Options struct {
	ConfigPath      string
	ChildRunnerPath string
	LogDir          string
	ServiceVersion  string
}

// Agent bundles every wired component of one running host agent process.
type Agent struct {
	Log          *logging.Logger
	Cfg          *config.Config
	DB           *gorm.DB
	Repo         repository.Repository
	Pool         *slots.Pool
	Supervisor   *supervisor.Supervisor
	StatusTicker *statusticker.Ticker
	Bus          broadcast.Bus
	Metrics      *telemetry.Metrics

	metricsAddr    string
	metricsHandler http.Handler
	metricsServer  *http.Server
	otelShutdown   func(context.Context) error
	cancel         context.CancelFunc
	group          *errgroup.Group

	tickerCancel context.CancelFunc
	tickerDone   chan struct{}
}

// Setup loads configuration, connects to Postgres (and, if configured,
// Redis), and wires the supervisor and status ticker. It does not start
// anything — call Run for that.
func Setup(opts Options) (*Agent, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "production"
	}
	log, err := logging.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("load config: %w", err)
	}

	gdb, err := db.Open(cfg)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	repo := repository.NewPostgres(gdb, log)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}

	pool := slots.NewPool(cfg.Slots)
	duper := retry.New(repo, log)

	registry := prometheusRegistry()
	metrics := telemetry.NewMetrics(registry)

	otelShutdown := telemetry.InitTracing(context.Background(), log, cfg, telemetry.Config{
		ServiceName: "jobmanager-agent",
		Environment: os.Getenv("DEPLOY_ENV"),
		Version:     opts.ServiceVersion,
	})

	var bus broadcast.Bus
	if cfg.RedisAddr != "" {
		bus, err = broadcast.New(cfg.RedisAddr, "", log)
		if err != nil {
			log.Warn("broadcast bus unavailable, continuing without it", "error", err)
			bus = nil
		}
	}

	sup := supervisor.New(supervisor.Config{
		Hostname:        hostname,
		ChildRunnerPath: opts.ChildRunnerPath,
		ConfigPath:      opts.ConfigPath,
		LogDir:          opts.LogDir,
		TickInterval:    durationSeconds(cfg.LoopDurationSeconds),
		Spawn:           childproc.ExecSpawner,
	}, repo, pool, duper, log, metrics)

	var pub statusticker.Publisher
	if bus != nil {
		pub = busPublisherAdapter{bus: bus}
	}
	ticker := statusticker.New(hostname, repo, pool, nil, pub, durationSeconds(cfg.UpdateTimingSeconds), log)

	return &Agent{
		Log:            log,
		Cfg:            cfg,
		DB:             gdb,
		Repo:           repo,
		Pool:           pool,
		Supervisor:     sup,
		StatusTicker:   ticker,
		Bus:            bus,
		Metrics:        metrics,
		metricsAddr:    cfg.MetricsAddr,
		metricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		otelShutdown:   otelShutdown,
	}, nil
}

// Run starts the supervisor tick loop and status ticker concurrently,
// bound to a cancellable context, and blocks until either exits (normally
// only on Shutdown calling cancel, or a component returning an error).
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	group, gctx := errgroup.WithContext(ctx)
	a.group = group

	// The Status Ticker runs off its own cancellation, distinct from gctx,
	// so Shutdown can stop it independently and wait for it to actually
	// exit before touching the supervisor's children (§4.8: "stop Status
	// Ticker first").
	tickerCtx, tickerCancel := context.WithCancel(gctx)
	a.tickerCancel = tickerCancel
	a.tickerDone = make(chan struct{})

	group.Go(func() error {
		return a.Supervisor.Run(gctx)
	})
	group.Go(func() error {
		defer close(a.tickerDone)
		a.StatusTicker.Run(tickerCtx)
		return nil
	})
	if a.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metricsHandler)
		a.metricsServer = &http.Server{Addr: a.metricsAddr, Handler: mux}
		group.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.metricsServer.Shutdown(shutdownCtx)
		})
		group.Go(func() error {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	a.Log.Info("agent started")
	return group.Wait()
}

// Shutdown stops the Status Ticker first, then the rest of the agent, then
// terminates and bounded-joins any children the supervisor left active, and
// finally flushes telemetry and closes connections in reverse order of
// acquisition (§4.8). Stopping the ticker before the supervisor's children
// are killed prevents a heartbeat from racing a child's forced termination.
func (a *Agent) Shutdown(ctx context.Context) error {
	if a.tickerCancel != nil {
		a.tickerCancel()
		select {
		case <-a.tickerDone:
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
		}
	}

	if a.cancel != nil {
		a.cancel()
	}
	if a.group != nil {
		_ = a.group.Wait()
	}

	if a.Supervisor != nil {
		a.Supervisor.Shutdown(5 * time.Second)
	}

	if a.otelShutdown != nil {
		if err := a.otelShutdown(ctx); err != nil {
			a.Log.Warn("otel shutdown failed", "error", err)
		}
	}
	if a.Bus != nil {
		if err := a.Bus.Close(); err != nil {
			a.Log.Warn("broadcast bus close failed", "error", err)
		}
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	a.Log.Info("agent stopped")
	a.Log.Sync()
	return nil
}

func prometheusRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

func durationSeconds(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

// busPublisherAdapter satisfies statusticker.Publisher using a
// broadcast.Bus, keeping the two packages from depending on each other's
// exact method set.
type busPublisherAdapter struct{ bus broadcast.Bus }

func (a busPublisherAdapter) Publish(ctx context.Context, hostname string, payload []byte) error {
	return a.bus.Publish(ctx, hostname, payload)
}
