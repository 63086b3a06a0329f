package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/modbridge/pkg/bootstrap"
)

const repoLogPrefix = "db:repository"

// ErrNoConfig is returned when no configuration has been stored.
var ErrNoConfig = errors.New("no stored config")

// Repository persists the system configuration.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a repository backed by pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WriteConfig replaces the stored configuration with cfg. The stored config
// is marked invalid until MarkValid is called.
func (r *Repository) WriteConfig(ctx context.Context, cfg *bootstrap.SystemConfig) error {
	modules, values, fulfillments, err := flattenConfig(cfg)
	if err != nil {
		return fmt.Errorf("%s - WriteConfig: %w", repoLogPrefix, err)
	}

	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM modules`); err != nil {
			return err
		}

		batch := &pgx.Batch{}
		batch.Queue(`INSERT INTO config_meta (id, name, valid, config_file, config_dump, modified)
		             VALUES (1, $1, FALSE, '', NULL, now())
		             ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, valid = FALSE,
		                 config_file = '', config_dump = NULL, modified = now()`, cfg.Name)
		for _, m := range modules {
			batch.Queue(`INSERT INTO modules (id, module_type, standalone) VALUES ($1, $2, $3)`,
				m.ID, m.ModuleType, m.Standalone)
		}
		for _, v := range values {
			batch.Queue(`INSERT INTO config_values (module_id, implementation_id, key, value) VALUES ($1, $2, $3, $4)`,
				v.ModuleID, v.ImplementationID, v.Key, v.Value)
		}
		for _, f := range fulfillments {
			batch.Queue(`INSERT INTO fulfillments (module_id, requirement_id, position, peer_module_id, peer_implementation_id)
			             VALUES ($1, $2, $3, $4, $5)`,
				f.ModuleID, f.RequirementID, f.Position, f.PeerModuleID, f.PeerImplementationID)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("%s - WriteConfig failed: %w", repoLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Stored config %q with %d modules", repoLogPrefix, cfg.Name, len(modules)))
	return nil
}

// LoadConfig reads the stored configuration back.
func (r *Repository) LoadConfig(ctx context.Context) (*bootstrap.SystemConfig, error) {
	meta, err := r.Meta(ctx)
	if err != nil {
		return nil, err
	}

	var modules []moduleRow
	rows, err := r.pool.Query(ctx, `SELECT id, module_type, standalone FROM modules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%s - LoadConfig modules: %w", repoLogPrefix, err)
	}
	for rows.Next() {
		var m moduleRow
		if err := rows.Scan(&m.ID, &m.ModuleType, &m.Standalone); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%s - LoadConfig scan module: %w", repoLogPrefix, err)
		}
		modules = append(modules, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - LoadConfig modules: %w", repoLogPrefix, err)
	}

	var values []valueRow
	rows, err = r.pool.Query(ctx, `SELECT module_id, implementation_id, key, value FROM config_values`)
	if err != nil {
		return nil, fmt.Errorf("%s - LoadConfig values: %w", repoLogPrefix, err)
	}
	for rows.Next() {
		var v valueRow
		if err := rows.Scan(&v.ModuleID, &v.ImplementationID, &v.Key, &v.Value); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%s - LoadConfig scan value: %w", repoLogPrefix, err)
		}
		values = append(values, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - LoadConfig values: %w", repoLogPrefix, err)
	}

	var fulfillments []fulfillmentRow
	rows, err = r.pool.Query(ctx, `SELECT module_id, requirement_id, position, peer_module_id, peer_implementation_id
	                               FROM fulfillments ORDER BY module_id, requirement_id, position`)
	if err != nil {
		return nil, fmt.Errorf("%s - LoadConfig fulfillments: %w", repoLogPrefix, err)
	}
	for rows.Next() {
		var f fulfillmentRow
		if err := rows.Scan(&f.ModuleID, &f.RequirementID, &f.Position, &f.PeerModuleID, &f.PeerImplementationID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%s - LoadConfig scan fulfillment: %w", repoLogPrefix, err)
		}
		fulfillments = append(fulfillments, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - LoadConfig fulfillments: %w", repoLogPrefix, err)
	}

	cfg, err := assembleConfig(meta.Name, modules, values, fulfillments)
	if err != nil {
		return nil, fmt.Errorf("%s - LoadConfig: %w", repoLogPrefix, err)
	}
	return cfg, nil
}

// Meta returns the config_meta row, or ErrNoConfig.
func (r *Repository) Meta(ctx context.Context) (*ConfigMeta, error) {
	var m ConfigMeta
	var dump []byte
	err := r.pool.QueryRow(ctx,
		`SELECT name, valid, config_file, config_dump, modified FROM config_meta WHERE id = 1`).
		Scan(&m.Name, &m.Valid, &m.ConfigFile, &dump, &m.Modified)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoConfig
	}
	if err != nil {
		return nil, fmt.Errorf("%s - Meta failed: %w", repoLogPrefix, err)
	}
	m.Dump = dump
	return &m, nil
}

// MarkValid records whether the stored config passed validation, along with
// the resolved config dump and the file it was loaded from.
func (r *Repository) MarkValid(ctx context.Context, valid bool, dump json.RawMessage, configFile string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE config_meta SET valid = $1, config_dump = $2, config_file = $3, modified = now() WHERE id = 1`,
		valid, []byte(dump), configFile)
	if err != nil {
		return fmt.Errorf("%s - MarkValid failed: %w", repoLogPrefix, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoConfig
	}
	return nil
}

// ContainsValidConfig reports whether a config is stored and marked valid.
func (r *Repository) ContainsValidConfig(ctx context.Context) (bool, error) {
	meta, err := r.Meta(ctx)
	if errors.Is(err, ErrNoConfig) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return meta.Valid, nil
}

// Wipe removes the stored configuration.
func (r *Repository) Wipe(ctx context.Context) error {
	return ClearConfig(ctx, r.pool)
}

// flattenConfig converts cfg into table rows in a stable order.
func flattenConfig(cfg *bootstrap.SystemConfig) ([]moduleRow, []valueRow, []fulfillmentRow, error) {
	ids := make([]string, 0, len(cfg.ActiveModules))
	for id := range cfg.ActiveModules {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var (
		modules      []moduleRow
		values       []valueRow
		fulfillments []fulfillmentRow
	)
	addValues := func(moduleID, implID string, kv map[string]any) error {
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			data, err := json.Marshal(kv[k])
			if err != nil {
				return fmt.Errorf("module %s: value %s: %w", moduleID, k, err)
			}
			values = append(values, valueRow{ModuleID: moduleID, ImplementationID: implID, Key: k, Value: data})
		}
		return nil
	}

	for _, id := range ids {
		entry := cfg.ActiveModules[id]
		modules = append(modules, moduleRow{ID: id, ModuleType: entry.Module, Standalone: entry.Standalone})

		if err := addValues(id, "", entry.ConfigModule); err != nil {
			return nil, nil, nil, err
		}
		impls := make([]string, 0, len(entry.ConfigImplementation))
		for impl := range entry.ConfigImplementation {
			impls = append(impls, impl)
		}
		sort.Strings(impls)
		for _, impl := range impls {
			if impl == "" {
				return nil, nil, nil, fmt.Errorf("module %s: empty implementation id", id)
			}
			if err := addValues(id, impl, entry.ConfigImplementation[impl]); err != nil {
				return nil, nil, nil, err
			}
		}

		reqs := make([]string, 0, len(entry.Connections))
		for req := range entry.Connections {
			reqs = append(reqs, req)
		}
		sort.Strings(reqs)
		for _, req := range reqs {
			for i, f := range entry.Connections[req] {
				fulfillments = append(fulfillments, fulfillmentRow{
					ModuleID:             id,
					RequirementID:        req,
					Position:             i,
					PeerModuleID:         f.ModuleID,
					PeerImplementationID: f.ImplementationID,
				})
			}
		}
	}
	return modules, values, fulfillments, nil
}

// assembleConfig is the inverse of flattenConfig. Fulfillments must be
// ordered by position.
func assembleConfig(name string, modules []moduleRow, values []valueRow, fulfillments []fulfillmentRow) (*bootstrap.SystemConfig, error) {
	cfg := &bootstrap.SystemConfig{Name: name, ActiveModules: make(map[string]bootstrap.ModuleEntry, len(modules))}
	for _, m := range modules {
		cfg.ActiveModules[m.ID] = bootstrap.ModuleEntry{Module: m.ModuleType, Standalone: m.Standalone}
	}

	for _, v := range values {
		entry, ok := cfg.ActiveModules[v.ModuleID]
		if !ok {
			return nil, fmt.Errorf("value %s for unknown module %s", v.Key, v.ModuleID)
		}
		var value any
		if err := json.Unmarshal(v.Value, &value); err != nil {
			return nil, fmt.Errorf("module %s: value %s: %w", v.ModuleID, v.Key, err)
		}
		if v.ImplementationID == "" {
			if entry.ConfigModule == nil {
				entry.ConfigModule = map[string]any{}
			}
			entry.ConfigModule[v.Key] = value
		} else {
			if entry.ConfigImplementation == nil {
				entry.ConfigImplementation = map[string]map[string]any{}
			}
			if entry.ConfigImplementation[v.ImplementationID] == nil {
				entry.ConfigImplementation[v.ImplementationID] = map[string]any{}
			}
			entry.ConfigImplementation[v.ImplementationID][v.Key] = value
		}
		cfg.ActiveModules[v.ModuleID] = entry
	}

	for _, f := range fulfillments {
		entry, ok := cfg.ActiveModules[f.ModuleID]
		if !ok {
			return nil, fmt.Errorf("connection %s for unknown module %s", f.RequirementID, f.ModuleID)
		}
		if entry.Connections == nil {
			entry.Connections = map[string][]bootstrap.Fulfillment{}
		}
		entry.Connections[f.RequirementID] = append(entry.Connections[f.RequirementID],
			bootstrap.Fulfillment{ModuleID: f.PeerModuleID, ImplementationID: f.PeerImplementationID})
		cfg.ActiveModules[f.ModuleID] = entry
	}
	return cfg, nil
}
