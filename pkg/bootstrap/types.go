// Package bootstrap loads the system configuration: which modules run, how
// their requirements are connected and the values of their config entries.
package bootstrap

import (
	"sort"

	"github.com/morezero/modbridge/pkg/schema"
)

// Fulfillment connects a requirement to one implementation of another module.
type Fulfillment struct {
	ModuleID         string `yaml:"module_id" json:"module_id"`
	ImplementationID string `yaml:"implementation_id" json:"implementation_id"`
}

// ModuleEntry is one active module of the system configuration.
type ModuleEntry struct {
	Module               string                    `yaml:"module" json:"module"`
	ConfigModule         map[string]any            `yaml:"config_module,omitempty" json:"config_module,omitempty"`
	ConfigImplementation map[string]map[string]any `yaml:"config_implementation,omitempty" json:"config_implementation,omitempty"`
	Connections          map[string][]Fulfillment  `yaml:"connections,omitempty" json:"connections,omitempty"`
	// Standalone modules are started outside the manager but still counted
	// for the global ready signal.
	Standalone bool `yaml:"standalone,omitempty" json:"standalone,omitempty"`
}

// SystemConfig is the root of a system configuration file.
type SystemConfig struct {
	Name          string                 `yaml:"name,omitempty" json:"name,omitempty"`
	Description   string                 `yaml:"description,omitempty" json:"description,omitempty"`
	ActiveModules map[string]ModuleEntry `yaml:"active_modules" json:"active_modules"`
}

// ResolvedModule is an active module validated against its manifest, with
// config defaults applied.
type ResolvedModule struct {
	ID                   string
	Type                 string
	Manifest             *schema.Manifest
	Config               map[string]any
	ImplementationConfig map[string]map[string]any
	Connections          map[string][]Fulfillment
	Standalone           bool
}

// ResolvedConfig provides lookup of the resolved modules.
type ResolvedConfig struct {
	name    string
	ids     []string
	modules map[string]*ResolvedModule
}

// Name returns the configuration name.
func (rc *ResolvedConfig) Name() string {
	return rc.name
}

// Get returns a module by id, or nil.
func (rc *ResolvedConfig) Get(moduleID string) *ResolvedModule {
	return rc.modules[moduleID]
}

// IDs returns the sorted ids of all active modules.
func (rc *ResolvedConfig) IDs() []string {
	return append([]string(nil), rc.ids...)
}

// Connections returns the fulfillments of requirementID of moduleID. An
// optional requirement without connections yields an empty list.
func (rc *ResolvedConfig) Connections(moduleID, requirementID string) []Fulfillment {
	m := rc.modules[moduleID]
	if m == nil {
		return nil
	}
	return append([]Fulfillment{}, m.Connections[requirementID]...)
}

// Entries converts the resolved modules back to config entries, defaults
// included, e.g. for persisting.
func (rc *ResolvedConfig) Entries() map[string]ModuleEntry {
	out := make(map[string]ModuleEntry, len(rc.modules))
	for id, m := range rc.modules {
		out[id] = ModuleEntry{
			Module:               m.Type,
			ConfigModule:         m.Config,
			ConfigImplementation: m.ImplementationConfig,
			Connections:          m.Connections,
			Standalone:           m.Standalone,
		}
	}
	return out
}

func sortedIDs[V any](m map[string]V) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
