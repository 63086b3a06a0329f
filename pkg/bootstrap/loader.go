package bootstrap

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/morezero/modbridge/pkg/schema"
)

const logPrefix = "bootstrap:loader"

// ErrNoConfig is returned when none of the candidate paths exists.
var ErrNoConfig = errors.New("no system config file found")

// ParseSystemConfig decodes a system configuration, rejecting unknown fields.
func ParseSystemConfig(data []byte) (*SystemConfig, error) {
	var cfg SystemConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return &SystemConfig{ActiveModules: map[string]ModuleEntry{}}, nil
		}
		return nil, fmt.Errorf("%s - %w", logPrefix, err)
	}
	if cfg.ActiveModules == nil {
		cfg.ActiveModules = map[string]ModuleEntry{}
	}
	return &cfg, nil
}

// LoadSystemConfig loads the system config from the first existing path.
// It tries paths in order: first any paths passed in, then MANAGER_CONFIG_FILE
// env, then defaults. A user config with the same file name in a
// "user-config" directory next to it is merged on top.
func LoadSystemConfig(paths ...string) (*SystemConfig, string, error) {
	all := make([]string, 0, len(paths)+3)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	if envPath := os.Getenv("MANAGER_CONFIG_FILE"); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, "config/config.yaml", "config.yaml")

	for _, p := range all {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		cfg, err := ParseSystemConfig(data)
		if err != nil {
			return nil, p, fmt.Errorf("%s - failed to parse %s: %w", logPrefix, p, err)
		}
		slog.Info(fmt.Sprintf("%s - Loaded system config from %s", logPrefix, p))

		userPath := filepath.Join(filepath.Dir(p), "user-config", filepath.Base(p))
		if data, err := os.ReadFile(userPath); err == nil {
			user, err := ParseSystemConfig(data)
			if err != nil {
				return nil, p, fmt.Errorf("%s - failed to parse user config %s: %w", logPrefix, userPath, err)
			}
			slog.Info(fmt.Sprintf("%s - Merged user config from %s", logPrefix, userPath))
			cfg = MergeSystemConfigs(cfg, user)
		}
		return cfg, p, nil
	}
	return nil, "", fmt.Errorf("%s - %w (tried %v)", logPrefix, ErrNoConfig, all)
}

// MergeSystemConfigs merges an override config into a base config. Config
// values are merged key by key; connections of a requirement are replaced.
func MergeSystemConfigs(base, override *SystemConfig) *SystemConfig {
	merged := *base
	merged.ActiveModules = make(map[string]ModuleEntry, len(base.ActiveModules))
	for id, m := range base.ActiveModules {
		merged.ActiveModules[id] = m
	}
	if override.Name != "" {
		merged.Name = override.Name
	}

	for id, o := range override.ActiveModules {
		m, ok := merged.ActiveModules[id]
		if !ok {
			merged.ActiveModules[id] = o
			continue
		}
		if o.Module != "" {
			m.Module = o.Module
		}
		m.ConfigModule = mergeValues(m.ConfigModule, o.ConfigModule)
		if len(o.ConfigImplementation) > 0 {
			impls := make(map[string]map[string]any, len(m.ConfigImplementation))
			for impl, values := range m.ConfigImplementation {
				impls[impl] = values
			}
			for impl, values := range o.ConfigImplementation {
				impls[impl] = mergeValues(impls[impl], values)
			}
			m.ConfigImplementation = impls
		}
		if len(o.Connections) > 0 {
			conns := make(map[string][]Fulfillment, len(m.Connections))
			for req, f := range m.Connections {
				conns[req] = f
			}
			for req, f := range o.Connections {
				conns[req] = f
			}
			m.Connections = conns
		}
		m.Standalone = m.Standalone || o.Standalone
		merged.ActiveModules[id] = m
	}
	return &merged
}

func mergeValues(base, override map[string]any) map[string]any {
	if len(override) == 0 {
		return base
	}
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// Resolve validates cfg against the manifests of catalog: every module
// type must exist, configured values must match their entries, and every
// requirement must be fulfilled by a matching implementation within its
// connection bounds.
func Resolve(cfg *SystemConfig, catalog *schema.Catalog) (*ResolvedConfig, error) {
	rc := &ResolvedConfig{
		name:    cfg.Name,
		ids:     sortedIDs(cfg.ActiveModules),
		modules: make(map[string]*ResolvedModule, len(cfg.ActiveModules)),
	}

	for _, id := range rc.ids {
		entry := cfg.ActiveModules[id]
		if entry.Module == "" {
			return nil, fmt.Errorf("%s - module %s: missing module type", logPrefix, id)
		}
		manifest, err := catalog.Manifest(entry.Module)
		if err != nil {
			return nil, fmt.Errorf("%s - module %s: %w", logPrefix, id, err)
		}

		values, err := applyConfig(manifest.Config, entry.ConfigModule)
		if err != nil {
			return nil, fmt.Errorf("%s - module %s: config_module: %w", logPrefix, id, err)
		}
		for impl := range entry.ConfigImplementation {
			if _, ok := manifest.Provides[impl]; !ok {
				return nil, fmt.Errorf("%s - module %s: config_implementation: %s provides no implementation %q",
					logPrefix, id, entry.Module, impl)
			}
		}
		implValues := map[string]map[string]any{}
		for _, impl := range sortedIDs(manifest.Provides) {
			v, err := applyConfig(manifest.Provides[impl].Config, entry.ConfigImplementation[impl])
			if err != nil {
				return nil, fmt.Errorf("%s - module %s: config_implementation.%s: %w", logPrefix, id, impl, err)
			}
			if len(v) > 0 {
				implValues[impl] = v
			}
		}

		rc.modules[id] = &ResolvedModule{
			ID:                   id,
			Type:                 entry.Module,
			Manifest:             manifest,
			Config:               values,
			ImplementationConfig: implValues,
			Connections:          entry.Connections,
			Standalone:           entry.Standalone,
		}
	}

	for _, id := range rc.ids {
		if err := rc.resolveRequirements(rc.modules[id]); err != nil {
			return nil, err
		}
	}
	return rc, nil
}

func (rc *ResolvedConfig) resolveRequirements(m *ResolvedModule) error {
	for req := range m.Connections {
		if _, ok := m.Manifest.Requires[req]; !ok {
			return fmt.Errorf("%s - module %s: connection for %q, which %s does not require", logPrefix, m.ID, req, m.Type)
		}
	}

	for _, req := range sortedIDs(m.Manifest.Requires) {
		entry := m.Manifest.Requires[req]
		min, max := entry.Bounds()
		conns, listed := m.Connections[req]
		if !listed && min < 1 {
			slog.Debug(fmt.Sprintf("%s - Optional requirement %s of %s not connected", logPrefix, req, m.ID))
			continue
		}
		if len(conns) < min || len(conns) > max {
			return fmt.Errorf("%s - module %s: requirement %s has %d connections, want between %d and %d",
				logPrefix, m.ID, req, len(conns), min, max)
		}
		for _, f := range conns {
			peer := rc.modules[f.ModuleID]
			if peer == nil {
				return fmt.Errorf("%s - module %s: requirement %s: module %q not active", logPrefix, m.ID, req, f.ModuleID)
			}
			provides, ok := peer.Manifest.Provides[f.ImplementationID]
			if !ok {
				return fmt.Errorf("%s - module %s: requirement %s: %s provides no implementation %q",
					logPrefix, m.ID, req, f.ModuleID, f.ImplementationID)
			}
			if provides.Interface != entry.Interface {
				return fmt.Errorf("%s - module %s: requirement %s needs interface %s, %s.%s provides %s",
					logPrefix, m.ID, req, entry.Interface, f.ModuleID, f.ImplementationID, provides.Interface)
			}
		}
	}
	return nil
}

// applyConfig checks values against entries and fills in defaults.
func applyConfig(entries map[string]schema.ConfigEntry, values map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(entries))
	for key := range values {
		if _, ok := entries[key]; !ok {
			return nil, fmt.Errorf("unknown config key %q", key)
		}
	}
	for _, key := range sortedIDs(entries) {
		entry := entries[key]
		v, ok := values[key]
		if !ok {
			if entry.Default == nil {
				return nil, fmt.Errorf("missing value for %q without default", key)
			}
			out[key] = entry.Default
			continue
		}
		if err := entry.Check(v); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out[key] = v
	}
	return out, nil
}
