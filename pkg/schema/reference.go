package schema

import (
	"fmt"
	"regexp"
	"strings"
)

const errorsDir = "errors/"

var errorNameRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Split parses the reference into the error file stem and the error name.
// Name is empty when the whole file is referenced.
//
// Accepted forms: "/errors/<file>", "/errors/<file>#/<Name>" (leading slash optional).
func (r ErrorReference) Split() (file, name string, err error) {
	ref := strings.TrimSpace(r.Reference)
	if ref == "" {
		return "", "", fmt.Errorf("empty error reference")
	}

	path := ref
	if idx := strings.Index(ref, "#"); idx >= 0 {
		path = ref[:idx]
		frag := ref[idx+1:]
		if !strings.HasPrefix(frag, "/") {
			return "", "", fmt.Errorf("malformed error reference %q: fragment must start with '/'", ref)
		}
		name = frag[1:]
		if !errorNameRegex.MatchString(name) {
			return "", "", fmt.Errorf("malformed error reference %q: invalid error name %q", ref, name)
		}
	}

	path = strings.TrimPrefix(path, "/")
	if !strings.HasPrefix(path, errorsDir) {
		return "", "", fmt.Errorf("malformed error reference %q: path must be under /%s", ref, errorsDir)
	}
	file = strings.TrimPrefix(path, errorsDir)
	if file == "" || strings.Contains(file, "/") {
		return "", "", fmt.Errorf("malformed error reference %q: invalid error file %q", ref, file)
	}
	return file, name, nil
}

// ReferenceTo builds the reference string for an error in file.
func ReferenceTo(file, name string) ErrorReference {
	if name == "" {
		return ErrorReference{Reference: "/" + errorsDir + file}
	}
	return ErrorReference{Reference: "/" + errorsDir + file + "#/" + name}
}
