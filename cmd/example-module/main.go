// Package main is an example module implementing the "example" interface.
// It runs as any module whose manifest provides "example" implementations,
// e.g. MODULE_ID=rs_errors against the RsErrors manifest.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/morezero/modbridge/internal/config"
	"github.com/morezero/modbridge/pkg/dispatcher"
	"github.com/morezero/modbridge/pkg/events"
	"github.com/morezero/modbridge/pkg/runtime"
	"github.com/morezero/modbridge/pkg/taxonomy"
)

const logPrefix = "example-module:main"

// exampleModule keeps the keys in use and the limits last set.
type exampleModule struct {
	mu         sync.Mutex
	keys       map[string]bool
	maxCurrent float64
	phases     int
	ready      chan struct{}
}

func newExampleModule() *exampleModule {
	return &exampleModule{keys: map[string]bool{"in-use": true}, ready: make(chan struct{})}
}

func (m *exampleModule) HandleCommand(implID, name string, args dispatcher.Arguments) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch name {
	case "uses_something":
		var key string
		if err := args.Decode("key", &key); err != nil {
			return nil, err
		}
		return m.keys[key], nil
	case "set_limits":
		if err := args.Decode("max_current", &m.maxCurrent); err != nil {
			return nil, err
		}
		if err := args.Decode("phases", &m.phases); err != nil {
			return nil, err
		}
		slog.Info(fmt.Sprintf("%s - %s: limits set to %.1fA on %d phases", logPrefix, implID, m.maxCurrent, m.phases))
		return nil, nil
	}
	return nil, fmt.Errorf("%s - unsupported command %s.%s", logPrefix, implID, name)
}

func (m *exampleModule) OnReady() {
	close(m.ready)
}

// raiseExampleErrors raises errors A, B and C on the main implementation,
// clears A and then clears the rest.
func raiseExampleErrors(ctx context.Context, r *runtime.Runtime) error {
	errs, err := r.Errors(ctx, "main")
	if err != nil {
		return err
	}
	raised := make([]taxonomy.Kind, 0, 3)
	for _, name := range []string{"ExampleErrorA", "ExampleErrorB", "ExampleErrorC"} {
		kind, err := errs.Kind("example", name)
		if err != nil {
			return err
		}
		if err := errs.Raise(ctx, kind, fmt.Sprintf("%s raised by %s", name, r.ModuleID()), events.SeverityMedium); err != nil {
			return fmt.Errorf("%s - raise %s: %w", logPrefix, kind, err)
		}
		raised = append(raised, kind)
	}
	if err := errs.Clear(ctx, raised[0]); err != nil {
		return fmt.Errorf("%s - clear %s: %w", logPrefix, raised[0], err)
	}
	if err := errs.ClearAll(ctx); err != nil {
		return fmt.Errorf("%s - clear all: %w", logPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Raised and cleared %d errors on main", logPrefix, len(raised)))
	return nil
}

func main() {
	cfg, err := config.LoadModuleConfig()
	if err != nil {
		log.Fatalf("example-module: %v", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mod := newExampleModule()
	r, err := runtime.FromEnv(ctx, mod)
	if err != nil {
		log.Fatalf("example-module: %v", err)
	}
	defer r.Close()

	select {
	case <-mod.ready:
	case <-ctx.Done():
		return
	}

	moduleCfg, err := r.Config(ctx)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - no module config: %v", logPrefix, err))
	} else {
		slog.Info(fmt.Sprintf("%s - %s running with config %v", logPrefix, r.ModuleID(), moduleCfg.Module))
	}
	if err := raiseExampleErrors(ctx, r); err != nil {
		slog.Warn(fmt.Sprintf("%s - error example skipped: %v", logPrefix, err))
	}
	<-ctx.Done()
	slog.Info(fmt.Sprintf("%s - Shutting down", logPrefix))
}
