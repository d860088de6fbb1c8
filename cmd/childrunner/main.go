// Command childrunner is the short-lived process the Job Supervisor execs
// once per claimed job (§4.5). It registers every compiled-in job-type
// handler, then dispatches to whichever one matches the claimed job.
package main

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/ronhanson/jobmanager-agent/internal/childrunner"
	"github.com/ronhanson/jobmanager-agent/internal/config"
	"github.com/ronhanson/jobmanager-agent/internal/jobtypes"
	"github.com/ronhanson/jobmanager-agent/internal/registry"
)

func main() {
	args, err := childrunner.ParseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "childrunner: %v\n", err)
		os.Exit(1)
	}

	reg := registry.New()
	for _, h := range defaultHandlers() {
		if err := reg.Register(h); err != nil {
			fmt.Fprintf(os.Stderr, "childrunner: registering handler: %v\n", err)
			os.Exit(1)
		}
	}

	if err := validateImports(args.ConfigPath, reg); err != nil {
		fmt.Fprintf(os.Stderr, "childrunner: %v\n", err)
		os.Exit(1)
	}

	os.Exit(childrunner.Run(context.Background(), args, reg))
}

// defaultHandlers lists every job-type handler this binary is compiled
// with (§1 scope: real job-type code is out of scope, these exist so the
// registry and child-runner sequence can be exercised end to end).
func defaultHandlers() []registry.JobHandler {
	return []registry.JobHandler{
		jobtypes.Noop{},
		jobtypes.Sleep{},
		jobtypes.Fail{},
	}
}

// validateImports fails fast if the configured `imports` list names a job
// type this binary has no handler for — a configured-but-unregistered type
// is a wiring error, not something to silently skip (§6).
func validateImports(configPath string, reg *registry.Registry) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	registered := make(map[string]struct{})
	for _, t := range reg.Types() {
		registered[t] = struct{}{}
	}

	var missing []string
	for _, imp := range cfg.Imports {
		name := strings.TrimSpace(path.Base(imp))
		if _, ok := registered[name]; !ok {
			missing = append(missing, imp)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("configured imports with no registered handler: %s", strings.Join(missing, ", "))
	}
	return nil
}
