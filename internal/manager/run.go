package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/modbridge/internal/config"
	"github.com/morezero/modbridge/pkg/bootstrap"
	"github.com/morezero/modbridge/pkg/commsutil"
	"github.com/morezero/modbridge/pkg/db"
	"github.com/morezero/modbridge/pkg/schema"
)

const runLogPrefix = "manager:run"

// ConfigStore persists the system configuration between runs.
type ConfigStore interface {
	WriteConfig(ctx context.Context, cfg *bootstrap.SystemConfig) error
	LoadConfig(ctx context.Context) (*bootstrap.SystemConfig, error)
	MarkValid(ctx context.Context, valid bool, dump json.RawMessage, configFile string) error
	ContainsValidConfig(ctx context.Context) (bool, error)
}

// BootConfig picks the system config to run with. With source "db" a valid
// stored config wins; otherwise the file is loaded, checked against catalog
// and, when store is set, written to it and marked valid.
func BootConfig(ctx context.Context, source, file string, catalog *schema.Catalog, store ConfigStore) (*bootstrap.SystemConfig, error) {
	if source == "db" {
		if store == nil {
			return nil, fmt.Errorf("%s - config source db needs a database", runLogPrefix)
		}
		valid, err := store.ContainsValidConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s - check stored config: %w", runLogPrefix, err)
		}
		if valid {
			cfg, err := store.LoadConfig(ctx)
			if err != nil {
				return nil, fmt.Errorf("%s - load stored config: %w", runLogPrefix, err)
			}
			slog.Info(fmt.Sprintf("%s - Using stored config %q", runLogPrefix, cfg.Name))
			return cfg, nil
		}
		if file == "" {
			return nil, fmt.Errorf("%s - database holds no valid config and no config file is set", runLogPrefix)
		}
		slog.Info(fmt.Sprintf("%s - Database holds no valid config, seeding from %s", runLogPrefix, file))
	}

	cfg, path, err := bootstrap.LoadSystemConfig(file)
	if err != nil {
		return nil, err
	}
	resolved, err := bootstrap.Resolve(cfg, catalog)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return cfg, nil
	}

	if err := store.WriteConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("%s - store config: %w", runLogPrefix, err)
	}
	dump, err := json.Marshal(&bootstrap.SystemConfig{Name: cfg.Name, Description: cfg.Description, ActiveModules: resolved.Entries()})
	if err != nil {
		return nil, fmt.Errorf("%s - dump config: %w", runLogPrefix, err)
	}
	if err := store.MarkValid(ctx, true, dump, path); err != nil {
		return nil, fmt.Errorf("%s - mark config valid: %w", runLogPrefix, err)
	}
	return cfg, nil
}

// Run starts the manager and blocks until ctx is done, then shuts down.
func Run(ctx context.Context, cfg *config.ManagerConfig) error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)})))
	slog.Info(fmt.Sprintf("%s - Starting manager", runLogPrefix))

	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	// Step 1: schemas
	catalog, err := schema.LoadDir(cfg.SchemaDir)
	if err != nil {
		return fmt.Errorf("%s - failed to load schemas: %w", runLogPrefix, err)
	}

	// Step 2: optional config database
	var pool *pgxpool.Pool
	var store ConfigStore
	if cfg.DatabaseURL != "" {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("%s - failed to connect to database: %w", runLogPrefix, err)
		}
		defer pool.Close()

		if cfg.RunMigrations {
			migrations, err := db.LoadMigrationFiles(cfg.MigrationPath)
			if err != nil {
				return fmt.Errorf("%s - failed to load migrations: %w", runLogPrefix, err)
			}
			if err := db.RunMigrations(ctx, pool, migrations); err != nil {
				return fmt.Errorf("%s - failed to run migrations: %w", runLogPrefix, err)
			}
		}
		store = db.NewRepository(pool)
	}

	// Step 3: system config
	bootCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	system, err := BootConfig(bootCtx, cfg.ConfigSource, cfg.ConfigFile, catalog, store)
	cancel()
	if err != nil {
		return fmt.Errorf("%s - failed to load system config: %w", runLogPrefix, err)
	}

	// Step 4: COMMS
	nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to COMMS: %w", runLogPrefix, err)
	}
	defer nc.Close()

	m, err := New(Params{Conn: nc, SubjectPrefix: cfg.SubjectPrefix, Catalog: catalog, System: system})
	if err != nil {
		return err
	}
	if err := m.Start(); err != nil {
		return err
	}
	defer m.Stop()

	if cfg.WatchSchemas {
		w, err := WatchSchemas(m, cfg.SchemaDir)
		if err != nil {
			return err
		}
		defer w.Stop()
	}

	// Step 5: HTTP
	checks := map[string]HealthChecker{
		"comms": func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		},
	}
	if pool != nil {
		checks["database"] = pool.Ping
	}
	httpServer := &http.Server{Addr: cfg.ListenAddr(), Handler: Router(m, cfg.HealthCheckTimeout, checks)}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP server listening on %s", runLogPrefix, httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", runLogPrefix, err))
		}
	}()

	slog.Info(fmt.Sprintf("%s - Manager is ready", runLogPrefix))
	<-ctx.Done()
	slog.Info(fmt.Sprintf("%s - Shutting down", runLogPrefix))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HealthCheckTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn(fmt.Sprintf("%s - HTTP shutdown: %v", runLogPrefix, err))
	}
	m.Stop()
	if err := nc.Drain(); err != nil {
		slog.Warn(fmt.Sprintf("%s - COMMS drain: %v", runLogPrefix, err))
	}

	slog.Info(fmt.Sprintf("%s - Shutdown complete", runLogPrefix))
	return nil
}
