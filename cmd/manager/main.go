// Package main is the entrypoint for the module manager.
package main

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/modbridge/internal/config"
	"github.com/morezero/modbridge/internal/manager"
	"github.com/morezero/modbridge/pkg/db"
)

const usage = `Usage: manager [command]
       manager serve              Start the manager (COMMS, HTTP, schema and config service).
       manager migrate up         Run database migrations.
       manager migrate status     Show migration status.
       manager ensure-db [name]   Create database if missing (default name: modbridge_test). Uses DATABASE_URL host/user.
       manager clear              Remove the stored system config; schema is preserved.

Commands:
  serve           (default) Start the manager.
  migrate up      Run database migrations only.
  migrate status  Show current migration status.
  ensure-db [name] Create database (e.g. modbridge_test) on same host as DATABASE_URL.
  clear           Truncate stored config; schema preserved.

Environment: SCHEMA_DIR (default schemas), MANAGER_CONFIG_FILE, MANAGER_CONFIG_SOURCE (file or db),
DATABASE_URL (optional for serve, required for migrate/clear), MIGRATION_PATH, COMMS_URL,
EVEREST_PREFIX, MANAGER_HTTP_ADDR (default :8080), WATCH_SCHEMAS. See README.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("manager migrate: require subcommand (up, status)")
		}
		sub := args[1]
		switch sub {
		case "up":
			if err := runMigrateUp(); err != nil {
				log.Fatalf("manager migrate up: %v", err)
			}
		case "status":
			if err := runMigrateStatus(); err != nil {
				log.Fatalf("manager migrate status: %v", err)
			}
		default:
			log.Fatalf("manager migrate: unknown subcommand %q (use up, status)", sub)
		}
		return
	case "clear":
		if err := runClear(); err != nil {
			log.Fatalf("manager clear: %v", err)
		}
		return
	case "ensure-db":
		dbName := "modbridge_test"
		if len(args) > 1 && args[1] != "" {
			dbName = args[1]
		}
		if err := runEnsureDB(dbName); err != nil {
			log.Fatalf("manager ensure-db: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	cfg, err := config.LoadManagerConfig()
	if err != nil {
		log.Fatalf("manager: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := manager.Run(ctx, cfg); err != nil {
		log.Fatalf("manager: %v", err)
	}
}

// withPool loads the manager config and opens the database for a
// DB-only command.
func withPool(fn func(ctx context.Context, cfg *config.ManagerConfig, pool *pgxpool.Pool) error) error {
	cfg, err := config.LoadManagerConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	return fn(ctx, cfg, pool)
}

func runMigrateUp() error {
	return withPool(func(ctx context.Context, cfg *config.ManagerConfig, pool *pgxpool.Pool) error {
		migrations, err := db.LoadMigrationFiles(cfg.MigrationPath)
		if err != nil {
			return fmt.Errorf("load migrations: %w", err)
		}
		if err := db.RunMigrations(ctx, pool, migrations); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		return nil
	})
}

func runMigrateStatus() error {
	return withPool(func(ctx context.Context, cfg *config.ManagerConfig, pool *pgxpool.Pool) error {
		return db.MigrationStatus(ctx, pool, cfg.MigrationPath, os.Stdout)
	})
}

func runClear() error {
	return withPool(func(ctx context.Context, _ *config.ManagerConfig, pool *pgxpool.Pool) error {
		if err := db.NewRepository(pool).Wipe(ctx); err != nil {
			return fmt.Errorf("clear config: %w", err)
		}
		return nil
	})
}

func runEnsureDB(dbName string) error {
	cfg, err := config.LoadManagerConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	u, err := url.Parse(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	// Query parameters such as sslmode are kept.
	u.Path = "/" + dbName
	if err := db.EnsureDatabase(context.Background(), u.String()); err != nil {
		return err
	}
	fmt.Printf("Database %q is ready.\n", dbName)
	return nil
}
