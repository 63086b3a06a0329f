package taxonomy

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/morezero/modbridge/pkg/schema"
)

func loadTestCatalog(t *testing.T) (*schema.Catalog, *Catalog) {
	t.Helper()
	c, err := schema.LoadDir("../schema/testdata/schemas")
	if err != nil {
		t.Fatalf("taxonomy:taxonomy_test - LoadDir: %v", err)
	}
	return c, NewCatalog(c.ErrorLists)
}

func compileInterface(t *testing.T, name string) *Union {
	t.Helper()
	sc, cat := loadTestCatalog(t)
	iface, err := sc.Interface(name)
	if err != nil {
		t.Fatalf("taxonomy:taxonomy_test - %v", err)
	}
	u, err := Compile(cat, iface.Errors)
	if err != nil {
		t.Fatalf("taxonomy:taxonomy_test - Compile(%s): %v", name, err)
	}
	return u
}

func kinds(file string, names ...string) []Kind {
	out := make([]Kind, 0, len(names))
	for _, n := range names {
		out = append(out, Kind{File: file, Name: n})
	}
	return out
}

func TestCompileDuplicate(t *testing.T) {
	u := compileInterface(t, "errors_duplicate")

	want := kinds("example", "ExampleErrorA", "ExampleErrorB", "ExampleErrorC", "ExampleErrorD")
	if got := u.Kinds(); !reflect.DeepEqual(got, want) {
		t.Errorf("taxonomy:taxonomy_test - kinds = %v, want %v", got, want)
	}
	if u.Policy() != PolicyDuplicate {
		t.Errorf("taxonomy:taxonomy_test - policy = %s, want duplicate", u.Policy())
	}
	if len(u.Files) != 1 || u.Files[0].TypeName() != "ExampleError" {
		t.Errorf("taxonomy:taxonomy_test - files = %+v", u.Files)
	}
}

func TestCompileSelected(t *testing.T) {
	u := compileInterface(t, "errors_selected")

	want := kinds("example", "ExampleErrorA", "ExampleErrorB")
	if got := u.Kinds(); !reflect.DeepEqual(got, want) {
		t.Errorf("taxonomy:taxonomy_test - kinds = %v, want %v", got, want)
	}
	if u.Policy() != PolicySelected {
		t.Errorf("taxonomy:taxonomy_test - policy = %s, want selected", u.Policy())
	}

	for _, name := range []string{"ExampleErrorC", "ExampleErrorD"} {
		_, err := u.Kind("example", name)
		var uk *UnknownKindError
		if !errors.As(err, &uk) {
			t.Errorf("taxonomy:taxonomy_test - Kind(example, %s) err = %v, want UnknownKindError", name, err)
		}
		if _, err := u.ParseKind("example/" + name); err == nil {
			t.Errorf("taxonomy:taxonomy_test - ParseKind(example/%s) accepted an unselected kind", name)
		}
	}
	if _, err := u.ParseKind("example/ExampleErrorB"); err != nil {
		t.Errorf("taxonomy:taxonomy_test - ParseKind(example/ExampleErrorB): %v", err)
	}
}

func TestCompileMultiple(t *testing.T) {
	u := compileInterface(t, "errors_multiple")

	if u.Policy() != PolicyMultiple {
		t.Errorf("taxonomy:taxonomy_test - policy = %s, want multiple", u.Policy())
	}
	if len(u.Files) != 2 {
		t.Fatalf("taxonomy:taxonomy_test - files = %d, want 2", len(u.Files))
	}
	if u.Files[0].File != "example" || u.Files[1].File != "more_errors" {
		t.Errorf("taxonomy:taxonomy_test - file order = %s, %s", u.Files[0].File, u.Files[1].File)
	}
	if got := u.Files[1].TypeName(); got != "MoreErrorsError" {
		t.Errorf("taxonomy:taxonomy_test - TypeName = %q, want MoreErrorsError", got)
	}

	a1 := Kind{File: "example", Name: "ExampleErrorA"}
	a2 := Kind{File: "more_errors", Name: "ExampleErrorA"}
	if !u.Contains(a1) || !u.Contains(a2) {
		t.Error("taxonomy:taxonomy_test - same literal name from two files must be two kinds")
	}
	if u.Len() != 7 {
		t.Errorf("taxonomy:taxonomy_test - Len = %d, want 7", u.Len())
	}
	if u.Describe(a2) != "Same literal name as example/ExampleErrorA" {
		t.Errorf("taxonomy:taxonomy_test - Describe(%s) = %q", a2, u.Describe(a2))
	}
}

func TestCompileUnresolved(t *testing.T) {
	_, cat := loadTestCatalog(t)

	tests := []struct {
		name string
		ref  string
	}{
		{"unknown file", "/errors/nope"},
		{"unknown name", "/errors/example#/ExampleErrorZ"},
		{"malformed", "/errors/example#ExampleErrorA"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(cat, []schema.ErrorReference{{Reference: tt.ref}})
			var re *ResolveError
			if !errors.As(err, &re) {
				t.Fatalf("taxonomy:taxonomy_test - err = %v, want ResolveError", err)
			}
			if re.Reference != tt.ref {
				t.Errorf("taxonomy:taxonomy_test - Reference = %q, want %q", re.Reference, tt.ref)
			}
		})
	}
}

func TestCompileEmpty(t *testing.T) {
	_, cat := loadTestCatalog(t)
	u, err := Compile(cat, nil)
	if err != nil {
		t.Fatalf("taxonomy:taxonomy_test - Compile(nil): %v", err)
	}
	if u.Len() != 0 || u.Policy() != PolicyNone {
		t.Errorf("taxonomy:taxonomy_test - empty union = %d kinds, policy %s", u.Len(), u.Policy())
	}
}

func TestMerge(t *testing.T) {
	selected := compileInterface(t, "errors_selected")
	multiple := compileInterface(t, "errors_multiple")

	m := Merge(selected, nil, multiple)
	if m.Len() != 7 {
		t.Errorf("taxonomy:taxonomy_test - merged Len = %d, want 7", m.Len())
	}
	if m.Policy() != PolicyMultiple {
		t.Errorf("taxonomy:taxonomy_test - merged policy = %s", m.Policy())
	}
	first := m.Kinds()[:2]
	if !reflect.DeepEqual(first, kinds("example", "ExampleErrorA", "ExampleErrorB")) {
		t.Errorf("taxonomy:taxonomy_test - merged order starts with %v", first)
	}
}

func TestMergeKeepsDefinitionOrder(t *testing.T) {
	_, cat := loadTestCatalog(t)
	compile := func(refs ...string) *Union {
		t.Helper()
		errs := make([]schema.ErrorReference, 0, len(refs))
		for _, r := range refs {
			errs = append(errs, schema.ErrorReference{Reference: r})
		}
		u, err := Compile(cat, errs)
		if err != nil {
			t.Fatalf("taxonomy:taxonomy_test - Compile(%v): %v", refs, err)
		}
		return u
	}

	tests := []struct {
		name   string
		unions []*Union
		want   []Kind
	}{
		{
			name: "later definition seen first",
			unions: []*Union{
				compile("/errors/example#/ExampleErrorD"),
				compile("/errors/example#/ExampleErrorB", "/errors/example#/ExampleErrorA"),
			},
			want: kinds("example", "ExampleErrorA", "ExampleErrorB", "ExampleErrorD"),
		},
		{
			name: "files keep first-seen order",
			unions: []*Union{
				compile("/errors/more_errors"),
				compile("/errors/example#/ExampleErrorC"),
				compile("/errors/example#/ExampleErrorA"),
			},
			want: append(compile("/errors/more_errors").Kinds(), kinds("example", "ExampleErrorA", "ExampleErrorC")...),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Merge(tt.unions...)
			if got := m.Kinds(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("taxonomy:taxonomy_test - Kinds = %v, want %v", got, tt.want)
			}
			for _, k := range tt.want {
				if !m.Contains(k) {
					t.Errorf("taxonomy:taxonomy_test - merged union lost %s", k)
				}
			}
		})
	}
}

func TestKindWireForm(t *testing.T) {
	k := Kind{File: "more_errors", Name: "snake_case_error"}
	data, err := json.Marshal(k)
	if err != nil {
		t.Fatalf("taxonomy:taxonomy_test - marshal: %v", err)
	}
	if string(data) != `"more_errors/snake_case_error"` {
		t.Errorf("taxonomy:taxonomy_test - wire = %s", data)
	}

	var back Kind
	if err := json.Unmarshal(data, &back); err != nil || back != k {
		t.Errorf("taxonomy:taxonomy_test - unmarshal = %+v, %v", back, err)
	}
	if err := json.Unmarshal([]byte(`"no-slash"`), &back); err == nil {
		t.Error("taxonomy:taxonomy_test - expected error for malformed kind")
	}
}

func TestParseReference(t *testing.T) {
	r, err := ParseReference("/errors/example#/ExampleErrorA")
	if err != nil || r != (Reference{File: "example", Name: "ExampleErrorA"}) {
		t.Errorf("taxonomy:taxonomy_test - ParseReference = %+v, %v", r, err)
	}
	if r.String() != "/errors/example#/ExampleErrorA" {
		t.Errorf("taxonomy:taxonomy_test - String = %q", r.String())
	}
}
