// Package schema provides the typed model of interface, manifest and error-list documents.
package schema

// Interface is a named contract of commands, variables and referenced errors.
type Interface struct {
	Description string             `yaml:"description" json:"description"`
	Cmds        map[string]Command `yaml:"cmds,omitempty" json:"cmds,omitempty"`
	Vars        map[string]Type    `yaml:"vars,omitempty" json:"vars,omitempty"`
	// Errors keeps the declaration order of the document.
	Errors []ErrorReference `yaml:"errors,omitempty" json:"errors,omitempty"`
}

// Command is one RPC exposed by an interface.
type Command struct {
	Description string          `yaml:"description" json:"description"`
	Arguments   map[string]Type `yaml:"arguments,omitempty" json:"arguments,omitempty"`
	Result      *Type           `yaml:"result,omitempty" json:"result,omitempty"`
}

// ErrorReference points into an error-list file, e.g. "/errors/example#/ExampleErrorA".
// A reference without a fragment selects every error of the file.
type ErrorReference struct {
	Reference string `yaml:"reference" json:"reference"`
}

// Type is the JSON-schema subset used for arguments, results and variables.
type Type struct {
	Description          string          `yaml:"description,omitempty" json:"description,omitempty"`
	Type                 string          `yaml:"type,omitempty" json:"type,omitempty"`
	Ref                  string          `yaml:"$ref,omitempty" json:"$ref,omitempty"`
	Items                *Type           `yaml:"items,omitempty" json:"items,omitempty"`
	Properties           map[string]Type `yaml:"properties,omitempty" json:"properties,omitempty"`
	Required             []string        `yaml:"required,omitempty" json:"required,omitempty"`
	AdditionalProperties *bool           `yaml:"additionalProperties,omitempty" json:"additionalProperties,omitempty"`
	Enum                 []any           `yaml:"enum,omitempty" json:"enum,omitempty"`
	Minimum              *float64        `yaml:"minimum,omitempty" json:"minimum,omitempty"`
	Maximum              *float64        `yaml:"maximum,omitempty" json:"maximum,omitempty"`
	MinLength            *int            `yaml:"minLength,omitempty" json:"minLength,omitempty"`
	MaxLength            *int            `yaml:"maxLength,omitempty" json:"maxLength,omitempty"`
	MinItems             *int            `yaml:"minItems,omitempty" json:"minItems,omitempty"`
	MaxItems             *int            `yaml:"maxItems,omitempty" json:"maxItems,omitempty"`
	Pattern              string          `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Format               string          `yaml:"format,omitempty" json:"format,omitempty"`
	Default              any             `yaml:"default,omitempty" json:"default,omitempty"`
	QoS                  *int            `yaml:"qos,omitempty" json:"qos,omitempty"`
}

// ErrorList is the content of one error-definition file.
type ErrorList struct {
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Errors      []ErrorDefinition `yaml:"errors" json:"errors"`
}

// ErrorDefinition is a single named error.
type ErrorDefinition struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Has reports whether the list defines name.
func (l *ErrorList) Has(name string) bool {
	for _, e := range l.Errors {
		if e.Name == name {
			return true
		}
	}
	return false
}

// Manifest declares what a module provides and requires.
type Manifest struct {
	Description        string                   `yaml:"description,omitempty" json:"description,omitempty"`
	Metadata           *Metadata                `yaml:"metadata" json:"metadata"`
	Provides           map[string]ProvidesEntry `yaml:"provides" json:"provides"`
	Requires           map[string]RequiresEntry `yaml:"requires,omitempty" json:"requires,omitempty"`
	EnableTelemetry    bool                     `yaml:"enable_telemetry,omitempty" json:"enable_telemetry,omitempty"`
	EnableExternalMQTT bool                     `yaml:"enable_external_mqtt,omitempty" json:"enable_external_mqtt,omitempty"`
	Config             map[string]ConfigEntry   `yaml:"config,omitempty" json:"config,omitempty"`
	Capabilities       []string                 `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	EnableGlobalErrors bool                     `yaml:"enable_global_errors,omitempty" json:"enable_global_errors,omitempty"`
}

// Metadata carries licensing information of a module.
type Metadata struct {
	License string   `yaml:"license" json:"license"`
	Authors []string `yaml:"authors" json:"authors"`
}

// ProvidesEntry is one implementation offered by a module.
type ProvidesEntry struct {
	Interface   string                 `yaml:"interface" json:"interface"`
	Description string                 `yaml:"description" json:"description"`
	Config      map[string]ConfigEntry `yaml:"config,omitempty" json:"config,omitempty"`
}

// RequiresEntry is one interface a module depends on.
type RequiresEntry struct {
	Interface      string `yaml:"interface" json:"interface"`
	MinConnections *int   `yaml:"min_connections,omitempty" json:"min_connections,omitempty"`
	MaxConnections *int   `yaml:"max_connections,omitempty" json:"max_connections,omitempty"`
	Ignore         Ignore `yaml:"ignore,omitempty" json:"ignore,omitempty"`
}

// Bounds returns the effective connection bounds; both default to 1.
func (r RequiresEntry) Bounds() (min, max int) {
	min, max = 1, 1
	if r.MinConnections != nil {
		min = *r.MinConnections
	}
	if r.MaxConnections != nil {
		max = *r.MaxConnections
	}
	return min, max
}

// Ignore suppresses parts of a required interface.
type Ignore struct {
	Vars   []string `yaml:"vars,omitempty" json:"vars,omitempty"`
	Errors bool     `yaml:"errors,omitempty" json:"errors,omitempty"`
}

// IgnoresVar reports whether the variable is suppressed.
func (i Ignore) IgnoresVar(name string) bool {
	for _, v := range i.Vars {
		if v == name {
			return true
		}
	}
	return false
}
