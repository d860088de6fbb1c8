// Command agent runs the long-running host agent: Job Supervisor and
// Status Ticker, wired together by internal/lifecycle (§4.8).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ronhanson/jobmanager-agent/internal/lifecycle"
)

var version = "dev"

func main() {
	configPath := flag.String("config", envOr("JOBAGENT_CONFIG", "/etc/jobagent/agent.yaml"), "path to the agent's YAML config file")
	childRunnerPath := flag.String("childrunner", envOr("JOBAGENT_CHILDRUNNER_PATH", "childrunner"), "path to the childrunner binary")
	logDir := flag.String("log-dir", envOr("JOBAGENT_CHILD_LOG_DIR", "/var/log/jobagent/children"), "directory for per-child log files")
	flag.Parse()

	agent, err := lifecycle.Setup(lifecycle.Options{
		ConfigPath:      *configPath,
		ChildRunnerPath: *childRunnerPath,
		LogDir:          *logDir,
		ServiceVersion:  version,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent: failed to initialize: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		agent.Log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = agent.Shutdown(shutdownCtx)
	}()

	if err := agent.Run(ctx); err != nil {
		agent.Log.Error("agent exited with error", "error", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
