package schema

import (
	"fmt"
	"math"
	"reflect"
	"regexp"
	"sort"
)

// Check validates a value decoded by encoding/json against the type.
// A type without "type" (for example a bare $ref) accepts any value.
func (t *Type) Check(value any) error {
	return t.check("", value)
}

func (t *Type) check(path string, value any) error {
	fail := func(format string, args ...any) error {
		msg := fmt.Sprintf(format, args...)
		if path == "" {
			return fmt.Errorf("%s", msg)
		}
		return fmt.Errorf("%s: %s", path, msg)
	}

	switch t.Type {
	case "":
	case "null":
		if value != nil {
			return fail("expected null, got %T", value)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fail("expected boolean, got %s", jsonKind(value))
		}
	case "integer", "number":
		f, ok := toFloat(value)
		if !ok {
			return fail("expected %s, got %s", t.Type, jsonKind(value))
		}
		if t.Type == "integer" && f != math.Trunc(f) {
			return fail("expected integer, got %v", f)
		}
		if t.Minimum != nil && f < *t.Minimum {
			return fail("%v below minimum %v", f, *t.Minimum)
		}
		if t.Maximum != nil && f > *t.Maximum {
			return fail("%v above maximum %v", f, *t.Maximum)
		}
	case "string":
		s, ok := value.(string)
		if !ok {
			return fail("expected string, got %s", jsonKind(value))
		}
		if t.MinLength != nil && len(s) < *t.MinLength {
			return fail("length %d below minLength %d", len(s), *t.MinLength)
		}
		if t.MaxLength != nil && len(s) > *t.MaxLength {
			return fail("length %d above maxLength %d", len(s), *t.MaxLength)
		}
		if t.Pattern != "" {
			re, err := regexp.Compile(t.Pattern)
			if err != nil {
				return fail("invalid pattern %q: %v", t.Pattern, err)
			}
			if !re.MatchString(s) {
				return fail("%q does not match pattern %q", s, t.Pattern)
			}
		}
	case "array":
		items, ok := value.([]any)
		if !ok {
			return fail("expected array, got %s", jsonKind(value))
		}
		if t.MinItems != nil && len(items) < *t.MinItems {
			return fail("%d items below minItems %d", len(items), *t.MinItems)
		}
		if t.MaxItems != nil && len(items) > *t.MaxItems {
			return fail("%d items above maxItems %d", len(items), *t.MaxItems)
		}
		if t.Items != nil {
			for i, item := range items {
				if err := t.Items.check(fmt.Sprintf("%s[%d]", path, i), item); err != nil {
					return err
				}
			}
		}
	case "object":
		obj, ok := value.(map[string]any)
		if !ok {
			return fail("expected object, got %s", jsonKind(value))
		}
		for _, name := range t.Required {
			if _, ok := obj[name]; !ok {
				return fail("missing required property %q", name)
			}
		}
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			prop, ok := t.Properties[k]
			if !ok {
				if t.AdditionalProperties != nil && !*t.AdditionalProperties {
					return fail("unexpected property %q", k)
				}
				continue
			}
			if err := prop.check(joinField(path, k), obj[k]); err != nil {
				return err
			}
		}
	default:
		return fail("unsupported type %q", t.Type)
	}

	if len(t.Enum) > 0 && !enumContains(t.Enum, value) {
		return fail("%v not in enum %v", value, t.Enum)
	}
	return nil
}

func enumContains(enum []any, value any) bool {
	for _, e := range enum {
		if ef, ok := toFloat(e); ok {
			if vf, ok := toFloat(value); ok && ef == vf {
				return true
			}
			continue
		}
		if reflect.DeepEqual(e, value) {
			return true
		}
	}
	return false
}

func joinField(path, field string) string {
	if path == "" {
		return field
	}
	return path + "." + field
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64, int, int64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}
