package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"gopkg.in/yaml.v3"
)

// decodeStrict decodes a YAML (or JSON) document, rejecting unknown fields.
func decodeStrict(doc string, data []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return &SchemaError{Document: doc, Message: "empty document"}
		}
		return decodeError(doc, err)
	}
	return nil
}

// ParseInterface parses and validates an interface document.
func ParseInterface(data []byte) (*Interface, error) {
	var iface Interface
	if err := decodeStrict("interface", data, &iface); err != nil {
		return nil, err
	}
	iface.normalize()
	if err := iface.Validate(); err != nil {
		return nil, err
	}
	return &iface, nil
}

// ParseManifest parses and validates a manifest document.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := decodeStrict("manifest", data, &m); err != nil {
		return nil, err
	}
	m.normalize()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ParseErrorList parses and validates an error-list document.
func ParseErrorList(data []byte) (*ErrorList, error) {
	var l ErrorList
	if err := decodeStrict("error list", data, &l); err != nil {
		return nil, err
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &l, nil
}

// MarshalInterface serializes an interface as YAML.
func MarshalInterface(iface *Interface) ([]byte, error) {
	return marshalYAML(iface)
}

// MarshalManifest serializes a manifest as YAML.
func MarshalManifest(m *Manifest) ([]byte, error) {
	return marshalYAML(m)
}

func marshalYAML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("schema - failed to encode yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("schema - failed to encode yaml: %w", err)
	}
	return buf.Bytes(), nil
}

// JSON returns the interface as the JSON payload exchanged with the broker.
func (i *Interface) JSON() ([]byte, error) { return json.Marshal(i) }

// JSON returns the manifest as the JSON payload exchanged with the broker.
func (m *Manifest) JSON() ([]byte, error) { return json.Marshal(m) }

// JSON returns the error list as the JSON payload exchanged with the broker.
func (l *ErrorList) JSON() ([]byte, error) { return json.Marshal(l) }

// normalize drops empty collections so that a document and its
// re-serialization compare equal.
func (i *Interface) normalize() {
	if len(i.Cmds) == 0 {
		i.Cmds = nil
	}
	for name, cmd := range i.Cmds {
		if len(cmd.Arguments) == 0 {
			cmd.Arguments = nil
			i.Cmds[name] = cmd
		}
	}
	if len(i.Vars) == 0 {
		i.Vars = nil
	}
	if len(i.Errors) == 0 {
		i.Errors = nil
	}
	for name, cmd := range i.Cmds {
		for arg, t := range cmd.Arguments {
			t.normalize()
			cmd.Arguments[arg] = t
		}
		if cmd.Result != nil {
			cmd.Result.normalize()
		}
		i.Cmds[name] = cmd
	}
	for name, t := range i.Vars {
		t.normalize()
		i.Vars[name] = t
	}
}

// normalize makes numeric enum and default values float64, the form they
// take after a JSON round trip.
func (t *Type) normalize() {
	for idx, v := range t.Enum {
		t.Enum[idx] = canonicalValue(v)
	}
	t.Default = canonicalValue(t.Default)
	if t.Items != nil {
		t.Items.normalize()
	}
	for name, p := range t.Properties {
		p.normalize()
		t.Properties[name] = p
	}
}

func normalizeConfig(entries map[string]ConfigEntry) {
	for key, c := range entries {
		c.Default = canonicalValue(c.Default)
		entries[key] = c
	}
}

// canonicalValue converts every number in v to float64.
func canonicalValue(v any) any {
	if f, ok := toFloat(v); ok {
		return f
	}
	switch x := v.(type) {
	case []any:
		for i := range x {
			x[i] = canonicalValue(x[i])
		}
	case map[string]any:
		for k, e := range x {
			x[k] = canonicalValue(e)
		}
	}
	return v
}

func (m *Manifest) normalize() {
	if len(m.Requires) == 0 {
		m.Requires = nil
	}
	if len(m.Config) == 0 {
		m.Config = nil
	}
	if len(m.Capabilities) == 0 {
		m.Capabilities = nil
	}
	normalizeConfig(m.Config)
	for id, p := range m.Provides {
		if len(p.Config) == 0 {
			p.Config = nil
		}
		normalizeConfig(p.Config)
		m.Provides[id] = p
	}
	for id, r := range m.Requires {
		if len(r.Ignore.Vars) == 0 {
			r.Ignore.Vars = nil
			m.Requires[id] = r
		}
	}
}

// Validate checks required fields and error reference syntax.
func (i *Interface) Validate() error {
	const doc = "interface"
	if i.Description == "" {
		return fieldError(doc, "description", "missing required field")
	}
	for _, name := range sortedKeys(i.Cmds) {
		if i.Cmds[name].Description == "" {
			return fieldError(doc, joinPath("cmds", name, "description"), "missing required field")
		}
	}
	for idx, ref := range i.Errors {
		if _, _, err := ref.Split(); err != nil {
			return fieldError(doc, fmt.Sprintf("errors[%d].reference", idx), "%v", err)
		}
	}
	return nil
}

// Validate checks required fields, connection bounds and config entries.
func (m *Manifest) Validate() error {
	const doc = "manifest"
	if m.Metadata == nil {
		return fieldError(doc, "metadata", "missing required field")
	}
	if m.Metadata.License == "" {
		return fieldError(doc, "metadata.license", "missing required field")
	}
	if m.Metadata.Authors == nil {
		return fieldError(doc, "metadata.authors", "missing required field")
	}
	if m.Provides == nil {
		return fieldError(doc, "provides", "missing required field")
	}
	for _, id := range sortedKeys(m.Provides) {
		p := m.Provides[id]
		if p.Interface == "" {
			return fieldError(doc, joinPath("provides", id, "interface"), "missing required field")
		}
		if p.Description == "" {
			return fieldError(doc, joinPath("provides", id, "description"), "missing required field")
		}
		if err := validateConfig(doc, joinPath("provides", id, "config"), p.Config); err != nil {
			return err
		}
	}
	for _, id := range sortedKeys(m.Requires) {
		r := m.Requires[id]
		if r.Interface == "" {
			return fieldError(doc, joinPath("requires", id, "interface"), "missing required field")
		}
		if r.MinConnections != nil && *r.MinConnections < 0 {
			return fieldError(doc, joinPath("requires", id, "min_connections"), "must not be negative")
		}
		if r.MinConnections != nil && r.MaxConnections != nil && *r.MinConnections > *r.MaxConnections {
			return fieldError(doc, joinPath("requires", id), "min_connections %d exceeds max_connections %d",
				*r.MinConnections, *r.MaxConnections)
		}
		seen := make(map[string]bool, len(r.Ignore.Vars))
		for _, v := range r.Ignore.Vars {
			if seen[v] {
				return fieldError(doc, joinPath("requires", id, "ignore", "vars"), "duplicate variable %q", v)
			}
			seen[v] = true
		}
	}
	return validateConfig(doc, "config", m.Config)
}

func validateConfig(doc, path string, entries map[string]ConfigEntry) error {
	for _, name := range sortedKeys(entries) {
		if err := entries[name].Validate(); err != nil {
			return fieldError(doc, joinPath(path, name), "%v", err)
		}
	}
	return nil
}

// Validate checks that every error has a unique, well-formed name.
func (l *ErrorList) Validate() error {
	const doc = "error list"
	if l.Errors == nil {
		return fieldError(doc, "errors", "missing required field")
	}
	seen := make(map[string]bool, len(l.Errors))
	for idx, e := range l.Errors {
		path := fmt.Sprintf("errors[%d].name", idx)
		if e.Name == "" {
			return fieldError(doc, path, "missing required field")
		}
		if !errorNameRegex.MatchString(e.Name) {
			return fieldError(doc, path, "invalid error name %q", e.Name)
		}
		if seen[e.Name] {
			return fieldError(doc, path, "duplicate error name %q", e.Name)
		}
		seen[e.Name] = true
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
