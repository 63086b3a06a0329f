package db

import (
	"reflect"
	"testing"

	"github.com/morezero/modbridge/pkg/bootstrap"
)

const repoTestPrefix = "db:repository_test"

func sampleConfig() *bootstrap.SystemConfig {
	return &bootstrap.SystemConfig{
		Name: "error-demo",
		ActiveModules: map[string]bootstrap.ModuleEntry{
			"rs_errors": {
				Module:               "RsErrors",
				ConfigModule:         map[string]any{"max_retries": float64(5), "mode": "slow"},
				ConfigImplementation: map[string]map[string]any{"main": {"verbose": true}},
			},
			"observer": {
				Module: "ErrorObserver",
				Connections: map[string][]bootstrap.Fulfillment{
					"errors": {
						{ModuleID: "rs_errors", ImplementationID: "main"},
						{ModuleID: "rs_errors", ImplementationID: "other"},
					},
				},
				Standalone: true,
			},
		},
	}
}

func TestFlattenConfig(t *testing.T) {
	modules, values, fulfillments, err := flattenConfig(sampleConfig())
	if err != nil {
		t.Fatalf("%s - flattenConfig: %v", repoTestPrefix, err)
	}

	wantModules := []moduleRow{
		{ID: "observer", ModuleType: "ErrorObserver", Standalone: true},
		{ID: "rs_errors", ModuleType: "RsErrors"},
	}
	if !reflect.DeepEqual(modules, wantModules) {
		t.Errorf("%s - modules = %+v", repoTestPrefix, modules)
	}

	wantValues := []valueRow{
		{ModuleID: "rs_errors", Key: "max_retries", Value: []byte("5")},
		{ModuleID: "rs_errors", Key: "mode", Value: []byte(`"slow"`)},
		{ModuleID: "rs_errors", ImplementationID: "main", Key: "verbose", Value: []byte("true")},
	}
	if !reflect.DeepEqual(values, wantValues) {
		t.Errorf("%s - values = %+v", repoTestPrefix, values)
	}

	if len(fulfillments) != 2 || fulfillments[1].Position != 1 || fulfillments[1].PeerImplementationID != "other" {
		t.Errorf("%s - fulfillments = %+v", repoTestPrefix, fulfillments)
	}
}

func TestFlattenConfigRejectsEmptyImplementation(t *testing.T) {
	cfg := &bootstrap.SystemConfig{ActiveModules: map[string]bootstrap.ModuleEntry{
		"a": {Module: "RsErrors", ConfigImplementation: map[string]map[string]any{"": {"k": 1}}},
	}}
	if _, _, _, err := flattenConfig(cfg); err == nil {
		t.Errorf("%s - expected error for empty implementation id", repoTestPrefix)
	}
}

func TestAssembleConfigRoundTrip(t *testing.T) {
	want := sampleConfig()
	modules, values, fulfillments, err := flattenConfig(want)
	if err != nil {
		t.Fatal(err)
	}
	got, err := assembleConfig(want.Name, modules, values, fulfillments)
	if err != nil {
		t.Fatalf("%s - assembleConfig: %v", repoTestPrefix, err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("%s - round trip mismatch:\n got %+v\nwant %+v", repoTestPrefix, got, want)
	}
}

func TestAssembleConfigUnknownModule(t *testing.T) {
	_, err := assembleConfig("", nil, []valueRow{{ModuleID: "ghost", Key: "k", Value: []byte("1")}}, nil)
	if err == nil {
		t.Errorf("%s - expected error for value of unknown module", repoTestPrefix)
	}
	_, err = assembleConfig("", nil, nil, []fulfillmentRow{{ModuleID: "ghost", RequirementID: "r"}})
	if err == nil {
		t.Errorf("%s - expected error for connection of unknown module", repoTestPrefix)
	}
}
