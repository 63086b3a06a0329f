package db

import (
	"encoding/json"
	"time"
)

// ConfigMeta is the single row describing the stored configuration.
type ConfigMeta struct {
	Name       string
	Valid      bool
	ConfigFile string
	Dump       json.RawMessage
	Modified   time.Time
}

// moduleRow mirrors the modules table.
type moduleRow struct {
	ID         string
	ModuleType string
	Standalone bool
}

// valueRow mirrors config_values. ImplementationID is empty for module
// level values.
type valueRow struct {
	ModuleID         string
	ImplementationID string
	Key              string
	Value            []byte
}

// fulfillmentRow mirrors fulfillments.
type fulfillmentRow struct {
	ModuleID             string
	RequirementID        string
	Position             int
	PeerModuleID         string
	PeerImplementationID string
}
