package schema

import (
	"fmt"
	"math"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// ConfigType is the declared type of a configuration entry.
type ConfigType string

const (
	ConfigBoolean ConfigType = "boolean"
	ConfigString  ConfigType = "string"
	ConfigInteger ConfigType = "integer"
	ConfigNumber  ConfigType = "number"
)

// Mutability controls who may change a configuration value at run time.
type Mutability string

const (
	ReadOnly  Mutability = "ReadOnly"
	ReadWrite Mutability = "ReadWrite"
	WriteOnly Mutability = "WriteOnly"
)

// ConfigEntry is one configuration value declared by a manifest. The option
// fields that are valid depend on Type.
type ConfigEntry struct {
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`
	Type        ConfigType `yaml:"type" json:"type"`
	Default     any        `yaml:"default,omitempty" json:"default,omitempty"`
	Minimum     *float64   `yaml:"minimum,omitempty" json:"minimum,omitempty"`
	Maximum     *float64   `yaml:"maximum,omitempty" json:"maximum,omitempty"`
	MinLength   *int       `yaml:"minLength,omitempty" json:"minLength,omitempty"`
	MaxLength   *int       `yaml:"maxLength,omitempty" json:"maxLength,omitempty"`
	Pattern     string     `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Format      string     `yaml:"format,omitempty" json:"format,omitempty"`
	Enum        []string   `yaml:"enum,omitempty" json:"enum,omitempty"`
	Mutability  Mutability `yaml:"mutability" json:"mutability"`
}

var configOptions = map[ConfigType][]string{
	ConfigBoolean: {"default"},
	ConfigString:  {"default", "minLength", "maxLength", "pattern", "format", "enum"},
	ConfigInteger: {"default", "minimum", "maximum"},
	ConfigNumber:  {"default", "minimum", "maximum"},
}

var configCommonKeys = []string{"description", "type", "mutability"}

// configEntryFields avoids recursing into UnmarshalYAML.
type configEntryFields ConfigEntry

// UnmarshalYAML decodes a config entry, rejecting options that do not belong
// to the declared type.
func (c *ConfigEntry) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: config entry must be a mapping", node.Line)
	}

	keys := make(map[string]*yaml.Node, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		keys[node.Content[i].Value] = node.Content[i+1]
	}

	typeNode, ok := keys["type"]
	if !ok {
		return fmt.Errorf("line %d: config entry is missing field \"type\"", node.Line)
	}
	allowed, ok := configOptions[ConfigType(typeNode.Value)]
	if !ok {
		return fmt.Errorf("line %d: unknown config type %q", typeNode.Line, typeNode.Value)
	}

	valid := make(map[string]bool, len(allowed)+len(configCommonKeys))
	for _, k := range append(allowed, configCommonKeys...) {
		valid[k] = true
	}
	var unknown []string
	for k := range keys {
		if !valid[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("line %d: field %q not valid for config type %q", node.Line, unknown[0], typeNode.Value)
	}

	var fields configEntryFields
	if err := node.Decode(&fields); err != nil {
		return err
	}
	*c = ConfigEntry(fields)
	if c.Mutability == "" {
		c.Mutability = ReadOnly
	}
	return nil
}

// Validate checks the entry's options and default value against its type.
func (c ConfigEntry) Validate() error {
	switch c.Mutability {
	case ReadOnly, ReadWrite, WriteOnly:
	default:
		return fmt.Errorf("unknown mutability %q", c.Mutability)
	}
	if c.Minimum != nil && c.Maximum != nil && *c.Minimum > *c.Maximum {
		return fmt.Errorf("minimum %v exceeds maximum %v", *c.Minimum, *c.Maximum)
	}
	if c.MinLength != nil && c.MaxLength != nil && *c.MinLength > *c.MaxLength {
		return fmt.Errorf("minLength %d exceeds maxLength %d", *c.MinLength, *c.MaxLength)
	}
	if c.Pattern != "" {
		if _, err := regexp.Compile(c.Pattern); err != nil {
			return fmt.Errorf("invalid pattern: %w", err)
		}
	}
	if c.Default != nil {
		if err := c.Check(c.Default); err != nil {
			return fmt.Errorf("default: %w", err)
		}
	}
	return nil
}

// Check validates a concrete configuration value against the entry.
func (c ConfigEntry) Check(value any) error {
	switch c.Type {
	case ConfigBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", value)
		}
	case ConfigString:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
		if c.MinLength != nil && len(s) < *c.MinLength {
			return fmt.Errorf("length %d below minLength %d", len(s), *c.MinLength)
		}
		if c.MaxLength != nil && len(s) > *c.MaxLength {
			return fmt.Errorf("length %d above maxLength %d", len(s), *c.MaxLength)
		}
		if c.Pattern != "" {
			re, err := regexp.Compile(c.Pattern)
			if err != nil {
				return fmt.Errorf("invalid pattern: %w", err)
			}
			if !re.MatchString(s) {
				return fmt.Errorf("value %q does not match pattern %q", s, c.Pattern)
			}
		}
		if len(c.Enum) > 0 && !containsString(c.Enum, s) {
			return fmt.Errorf("value %q not in enum %v", s, c.Enum)
		}
	case ConfigInteger, ConfigNumber:
		f, ok := toFloat(value)
		if !ok {
			return fmt.Errorf("expected %s, got %T", c.Type, value)
		}
		if c.Type == ConfigInteger && f != math.Trunc(f) {
			return fmt.Errorf("expected integer, got %v", value)
		}
		if c.Minimum != nil && f < *c.Minimum {
			return fmt.Errorf("value %v below minimum %v", value, *c.Minimum)
		}
		if c.Maximum != nil && f > *c.Maximum {
			return fmt.Errorf("value %v above maximum %v", value, *c.Maximum)
		}
	default:
		return fmt.Errorf("unknown config type %q", c.Type)
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
