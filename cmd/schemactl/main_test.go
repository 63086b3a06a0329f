package main

import (
	"bytes"
	"strings"
	"testing"
)

const mainTestPrefix = "cmd/schemactl:main_test"

const schemas = "../../pkg/schema/testdata/schemas"

func TestRun(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    []string
		wantErr bool
	}{
		{name: "usage", args: nil, want: []string{"validate", "errors", "commands", "config"}},
		{name: "validate", args: []string{"validate", schemas}, want: []string{"ok: 4 interfaces, 2 error files, 3 modules"}},
		{name: "selected errors", args: []string{"errors", schemas, "errors_selected"},
			want: []string{"2 kinds (selected)", "ExampleError", "example/ExampleErrorA", "example/ExampleErrorB"}},
		{name: "commands", args: []string{"commands", schemas, "RsErrors"},
			want: []string{"example.set_limits (example) args=[max_current, phases]", "example.uses_something (example) args=[key]"}},
		{name: "config", args: []string{"config", schemas, "../../internal/manager/testdata/config.yaml"},
			want: []string{`config "e2e": 3 modules`, "errors -> rs_errors.main", "example -> rs_errors.example"}},
		{name: "unknown command", args: []string{"lint", schemas}, wantErr: true},
		{name: "missing argument", args: []string{"errors", schemas}, wantErr: true},
		{name: "unknown interface", args: []string{"errors", schemas, "ghost"}, wantErr: true},
		{name: "unknown module", args: []string{"commands", schemas, "Ghost"}, wantErr: true},
		{name: "missing schema dir", args: []string{"validate", "does-not-exist"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := run(tt.args, &out)
			if tt.wantErr {
				if err == nil {
					t.Errorf("%s - expected error, output %q", mainTestPrefix, out.String())
				}
				return
			}
			if err != nil {
				t.Fatalf("%s - run: %v", mainTestPrefix, err)
			}
			for _, w := range tt.want {
				if !strings.Contains(out.String(), w) {
					t.Errorf("%s - output missing %q:\n%s", mainTestPrefix, w, out.String())
				}
			}
		})
	}
}
