package schema

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// SchemaError reports a malformed or incomplete document.
type SchemaError struct {
	// Document names the input, e.g. "manifest RsErrors" or a file path.
	Document string
	// Path is the dotted field path of the offending value when known.
	Path    string
	Message string
}

func (e *SchemaError) Error() string {
	var b strings.Builder
	b.WriteString("schema: ")
	if e.Document != "" {
		b.WriteString(e.Document)
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

func fieldError(doc, path, format string, args ...any) *SchemaError {
	return &SchemaError{Document: doc, Path: path, Message: fmt.Sprintf(format, args...)}
}

// decodeError converts a yaml decoding failure into a SchemaError.
func decodeError(doc string, err error) *SchemaError {
	var typeErr *yaml.TypeError
	if errors.As(err, &typeErr) {
		return &SchemaError{Document: doc, Message: strings.Join(typeErr.Errors, "; ")}
	}
	return &SchemaError{Document: doc, Message: strings.TrimPrefix(err.Error(), "yaml: ")}
}

func joinPath(parts ...string) string {
	return strings.Join(parts, ".")
}
