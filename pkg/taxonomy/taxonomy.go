// Package taxonomy compiles the error references of interfaces into closed
// unions of error kinds.
//
// Three combination policies are recognised:
//
//   - duplicate: the same error is referenced more than once (directly or via
//     a whole-file reference); it appears exactly once in the union.
//   - selected: only a subset of a file is referenced; the remaining names are
//     not part of the union and cannot be constructed or parsed.
//   - multiple: references span several files; variants are grouped per file
//     and a name defined in two files yields two distinct kinds.
package taxonomy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/morezero/modbridge/pkg/schema"
)

// Reference is a parsed error reference. An empty Name selects the whole file.
type Reference struct {
	File string
	Name string
}

// ParseReference parses "/errors/<file>#/<Name>" or "/errors/<file>".
func ParseReference(s string) (Reference, error) {
	file, name, err := schema.ErrorReference{Reference: s}.Split()
	if err != nil {
		return Reference{}, err
	}
	return Reference{File: file, Name: name}, nil
}

func (r Reference) String() string {
	return schema.ReferenceTo(r.File, r.Name).Reference
}

// Definition is one error of a file.
type Definition struct {
	Name        string
	Description string
}

// Catalog maps error-file stems to their ordered definitions.
type Catalog struct {
	files map[string][]Definition
}

// NewCatalog builds a catalog from parsed error lists keyed by file stem.
func NewCatalog(lists map[string]*schema.ErrorList) *Catalog {
	c := &Catalog{files: make(map[string][]Definition, len(lists))}
	for file, l := range lists {
		defs := make([]Definition, 0, len(l.Errors))
		for _, e := range l.Errors {
			defs = append(defs, Definition{Name: e.Name, Description: e.Description})
		}
		c.files[file] = defs
	}
	return c
}

func (c *Catalog) file(name string) ([]Definition, bool) {
	defs, ok := c.files[name]
	return defs, ok
}

// ResolveError reports a reference that names an unknown file or error.
type ResolveError struct {
	Reference string
	Reason    string
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("taxonomy: unresolved error reference %q: %s", e.Reference, e.Reason)
}

// UnknownKindError reports a kind outside a compiled union.
type UnknownKindError struct {
	Kind string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("taxonomy: %q is not part of the error union", e.Kind)
}

// Kind identifies one error variant. Its wire form is "<file>/<Name>".
type Kind struct {
	File string
	Name string
}

func (k Kind) String() string {
	return k.File + "/" + k.Name
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if k.File == "" || k.Name == "" {
		return nil, fmt.Errorf("taxonomy: incomplete kind %+v", k)
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. It only checks the
// syntax; use Union.ParseKind to restrict a kind to a union.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := splitKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func splitKind(s string) (Kind, error) {
	file, name, ok := strings.Cut(s, "/")
	if !ok || file == "" || name == "" || strings.Contains(name, "/") {
		return Kind{}, fmt.Errorf("taxonomy: malformed error kind %q", s)
	}
	return Kind{File: file, Name: name}, nil
}

// Variant is one member of a union.
type Variant struct {
	Kind        Kind
	Description string

	// position in the error file
	pos int
}

// FileUnion holds the variants contributed by a single error file.
type FileUnion struct {
	File     string
	Variants []Variant
}

// TypeName is the generated type name for the file, e.g. "more_errors" ->
// "MoreErrorsError".
func (f FileUnion) TypeName() string {
	var b strings.Builder
	for _, part := range strings.FieldsFunc(f.File, func(r rune) bool { return r == '_' || r == '-' || r == '.' }) {
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	b.WriteString("Error")
	return b.String()
}

// Policy describes how the references of a union were combined.
type Policy int

const (
	PolicyNone Policy = iota
	PolicyDuplicate
	PolicySelected
	PolicyMultiple
)

func (p Policy) String() string {
	switch p {
	case PolicyDuplicate:
		return "duplicate"
	case PolicySelected:
		return "selected"
	case PolicyMultiple:
		return "multiple"
	}
	return "none"
}

// Union is the closed set of error kinds a component may raise or observe.
type Union struct {
	Files  []FileUnion
	policy Policy
	index  map[Kind]int
}

// Compile resolves refs against the catalog. Variants are grouped by file in
// first-reference order and ordered within a file as the file defines them.
func Compile(catalog *Catalog, refs []schema.ErrorReference) (*Union, error) {
	type fileSel struct {
		all   bool
		names map[string]bool
	}
	var order []string
	sel := map[string]*fileSel{}
	refCount := map[Kind]int{}

	for _, ref := range refs {
		r, err := ParseReference(ref.Reference)
		if err != nil {
			return nil, &ResolveError{Reference: ref.Reference, Reason: err.Error()}
		}
		defs, ok := catalog.file(r.File)
		if !ok {
			return nil, &ResolveError{Reference: ref.Reference, Reason: fmt.Sprintf("error file %q not found", r.File)}
		}
		s, seen := sel[r.File]
		if !seen {
			s = &fileSel{names: map[string]bool{}}
			sel[r.File] = s
			order = append(order, r.File)
		}
		if r.Name == "" {
			s.all = true
			for _, d := range defs {
				refCount[Kind{File: r.File, Name: d.Name}]++
			}
			continue
		}
		if !hasDefinition(defs, r.Name) {
			return nil, &ResolveError{Reference: ref.Reference, Reason: fmt.Sprintf("error %q not defined in %q", r.Name, r.File)}
		}
		s.names[r.Name] = true
		refCount[Kind{File: r.File, Name: r.Name}]++
	}

	u := &Union{index: map[Kind]int{}}
	subset := false
	for _, file := range order {
		defs, _ := catalog.file(file)
		s := sel[file]
		fu := FileUnion{File: file}
		for i, d := range defs {
			if !s.all && !s.names[d.Name] {
				subset = true
				continue
			}
			k := Kind{File: file, Name: d.Name}
			u.index[k] = len(u.index)
			fu.Variants = append(fu.Variants, Variant{Kind: k, Description: d.Description, pos: i})
		}
		u.Files = append(u.Files, fu)
	}

	duplicate := false
	for _, n := range refCount {
		if n > 1 {
			duplicate = true
			break
		}
	}
	switch {
	case len(u.Files) > 1:
		u.policy = PolicyMultiple
	case subset:
		u.policy = PolicySelected
	case duplicate:
		u.policy = PolicyDuplicate
	}
	return u, nil
}

func hasDefinition(defs []Definition, name string) bool {
	for _, d := range defs {
		if d.Name == name {
			return true
		}
	}
	return false
}

// Policy reports how the union's references were combined.
func (u *Union) Policy() Policy { return u.policy }

// Len returns the number of distinct kinds.
func (u *Union) Len() int { return len(u.index) }

// Kinds returns every kind in union order.
func (u *Union) Kinds() []Kind {
	out := make([]Kind, 0, len(u.index))
	for _, f := range u.Files {
		for _, v := range f.Variants {
			out = append(out, v.Kind)
		}
	}
	return out
}

// Contains reports whether k is a member of the union.
func (u *Union) Contains(k Kind) bool {
	_, ok := u.index[k]
	return ok
}

// Kind constructs a member kind, failing for names outside the union.
func (u *Union) Kind(file, name string) (Kind, error) {
	k := Kind{File: file, Name: name}
	if !u.Contains(k) {
		return Kind{}, &UnknownKindError{Kind: k.String()}
	}
	return k, nil
}

// ParseKind parses a wire form and checks membership.
func (u *Union) ParseKind(wire string) (Kind, error) {
	k, err := splitKind(wire)
	if err != nil {
		return Kind{}, err
	}
	if !u.Contains(k) {
		return Kind{}, &UnknownKindError{Kind: wire}
	}
	return k, nil
}

// Describe returns the description of a member kind.
func (u *Union) Describe(k Kind) string {
	for _, f := range u.Files {
		if f.File != k.File {
			continue
		}
		for _, v := range f.Variants {
			if v.Kind == k {
				return v.Description
			}
		}
	}
	return ""
}

// Merge folds several unions into one. Files keep first-seen order and the
// variants of a file follow the file's definition order.
func Merge(unions ...*Union) *Union {
	out := &Union{index: map[Kind]int{}}
	pos := map[string]int{}
	for _, u := range unions {
		if u == nil {
			continue
		}
		for _, f := range u.Files {
			i, ok := pos[f.File]
			if !ok {
				i = len(out.Files)
				pos[f.File] = i
				out.Files = append(out.Files, FileUnion{File: f.File})
			}
			for _, v := range f.Variants {
				if out.Contains(v.Kind) {
					continue
				}
				out.index[v.Kind] = len(out.index)
				out.Files[i].Variants = append(out.Files[i].Variants, v)
			}
		}
	}
	n := 0
	for _, f := range out.Files {
		sort.SliceStable(f.Variants, func(a, b int) bool { return f.Variants[a].pos < f.Variants[b].pos })
		for _, v := range f.Variants {
			out.index[v.Kind] = n
			n++
		}
	}
	if len(out.Files) > 1 {
		out.policy = PolicyMultiple
	}
	return out
}
