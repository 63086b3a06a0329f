package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const clearLogPrefix = "db:clear"

// ClearConfig removes the stored system configuration. The schema is kept.
func ClearConfig(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info(fmt.Sprintf("%s - Clearing config tables", clearLogPrefix))

	_, err := pool.Exec(ctx, `TRUNCATE TABLE fulfillments, config_values, modules, config_meta CASCADE`)
	if err != nil {
		return fmt.Errorf("%s - truncate failed: %w", clearLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Config cleared", clearLogPrefix))
	return nil
}
