package dispatcher

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/morezero/modbridge/pkg/broker"
	"github.com/morezero/modbridge/pkg/registry"
	"github.com/morezero/modbridge/pkg/schema"
)

type fakeModule struct {
	mu     sync.Mutex
	calls  []string
	result any
	err    error
	ready  int
}

func (f *fakeModule) HandleCommand(implID, name string, args Arguments) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, implID+"."+name)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	var key string
	if err := args.Decode("key", &key); err != nil {
		return nil, err
	}
	return key == "in-use", nil
}

func (f *fakeModule) OnReady() { f.ready++ }

type fatalRecorder struct {
	msgs []string
	errs []error
}

func (r *fatalRecorder) fatal(msg string, err error) {
	r.msgs = append(r.msgs, msg)
	r.errs = append(r.errs, err)
}

var usesSomething = broker.CommandMeta{ImplementationID: "main", Command: "uses_something"}

func testRegistrations(t *testing.T) *registry.Set {
	t.Helper()
	minLen := 1
	iface := &schema.Interface{
		Description: "x",
		Cmds: map[string]schema.Command{
			"uses_something": {
				Description: "d",
				Arguments:   map[string]schema.Type{"key": {Type: "string", MinLength: &minLen}},
				Result:      &schema.Type{Type: "boolean"},
			},
		},
	}
	m := &schema.Manifest{Provides: map[string]schema.ProvidesEntry{"main": {Interface: "x", Description: "d"}}}
	set, err := registry.Build(m, registry.ResolverFunc(func(string) (*schema.Interface, error) { return iface, nil }))
	if err != nil {
		t.Fatal(err)
	}
	return set
}

func TestDispatch(t *testing.T) {
	mod := &fakeModule{}
	rec := &fatalRecorder{}
	d := New(mod, WithFatal(rec.fatal), WithOrigin("rs_errors"))

	out := d.Dispatch(usesSomething, []byte(`{"id":"42","name":"uses_something","type":"call","args":{"key":"in-use"}}`))
	if out == nil {
		t.Fatalf("dispatcher:dispatcher_test - no reply, fatal = %v", rec.msgs)
	}

	var resp CommandResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("dispatcher:dispatcher_test - bad reply %s: %v", out, err)
	}
	if resp.ID != "42" || resp.Type != TypeResult || resp.Name != "uses_something" || resp.Origin != "rs_errors" {
		t.Errorf("dispatcher:dispatcher_test - envelope = %+v", resp)
	}
	if resp.Retval != true {
		t.Errorf("dispatcher:dispatcher_test - retval = %v, want true", resp.Retval)
	}
	var retval bool
	if err := DecodeResult(out, &retval); err != nil || !retval {
		t.Errorf("dispatcher:dispatcher_test - DecodeResult = %v, %v", retval, err)
	}
	if len(rec.msgs) != 0 {
		t.Errorf("dispatcher:dispatcher_test - unexpected fatal: %v", rec.msgs)
	}
}

func TestDispatchFatal(t *testing.T) {
	tests := []struct {
		name    string
		module  *fakeModule
		payload string
	}{
		{"handler error", &fakeModule{err: errors.New("boom")}, `{"id":"1","args":{}}`},
		{"missing argument inside handler", &fakeModule{}, `{"id":"1","args":{}}`},
		{"malformed payload", &fakeModule{}, `{"id":`},
		{"unknown envelope field", &fakeModule{}, `{"id":"1","args":{},"extra":1}`},
		{"unencodable result", &fakeModule{result: make(chan int)}, `{"id":"1","args":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &fatalRecorder{}
			d := New(tt.module, WithFatal(rec.fatal))

			if out := d.Dispatch(usesSomething, []byte(tt.payload)); out != nil {
				t.Errorf("dispatcher:dispatcher_test - expected no reply, got %s", out)
			}
			if len(rec.msgs) != 1 {
				t.Errorf("dispatcher:dispatcher_test - fatal called %d times, want 1", len(rec.msgs))
			}
		})
	}
}

func TestDispatchInvalidCallsAreFatal(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantKind registry.ArgumentErrorKind
		argError bool
	}{
		{"missing argument", `{"id":"1","args":{}}`, registry.ArgumentMissing, true},
		{"argument too short", `{"id":"1","args":{"key":""}}`, registry.ArgumentInvalid, true},
		{"argument wrong type", `{"id":"1","args":{"key":5}}`, registry.ArgumentInvalid, true},
		{"other command name", `{"id":"1","name":"reset","args":{"key":"a"}}`, 0, false},
		{"not a call", `{"id":"1","type":"result","args":{"key":"a"}}`, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mod := &fakeModule{}
			rec := &fatalRecorder{}
			d := New(mod, WithFatal(rec.fatal), WithRegistrations(testRegistrations(t)))

			if out := d.Dispatch(usesSomething, []byte(tt.payload)); out != nil {
				t.Errorf("dispatcher:dispatcher_test - expected no reply, got %s", out)
			}
			if len(mod.calls) != 0 {
				t.Errorf("dispatcher:dispatcher_test - handler called for an invalid call: %v", mod.calls)
			}
			if len(rec.msgs) != 1 {
				t.Fatalf("dispatcher:dispatcher_test - fatal called %d times, want 1", len(rec.msgs))
			}
			if !tt.argError {
				return
			}
			var ae *ArgumentError
			if !errors.As(rec.errs[0], &ae) || ae.Kind != tt.wantKind || ae.Argument != "key" {
				t.Errorf("dispatcher:dispatcher_test - fatal error = %v, want %v argument error for key", rec.errs[0], tt.wantKind)
			}
		})
	}
}

func TestDispatchUnregisteredCommandIsFatal(t *testing.T) {
	rec := &fatalRecorder{}
	d := New(&fakeModule{}, WithFatal(rec.fatal), WithRegistrations(testRegistrations(t)))

	d.Dispatch(broker.CommandMeta{ImplementationID: "main", Command: "reset"}, []byte(`{"id":"1","args":{}}`))
	if len(rec.msgs) != 1 {
		t.Errorf("dispatcher:dispatcher_test - fatal called %d times, want 1", len(rec.msgs))
	}
}

func TestArgumentsDecode(t *testing.T) {
	args := Arguments{"n": json.RawMessage(`3`), "s": json.RawMessage(`"x"`)}

	var n int
	if err := args.Decode("n", &n); err != nil || n != 3 {
		t.Errorf("dispatcher:dispatcher_test - Decode(n) = %d, %v", n, err)
	}

	var ae *ArgumentError
	if err := args.Decode("missing", &n); !errors.As(err, &ae) || ae.Kind != registry.ArgumentMissing {
		t.Errorf("dispatcher:dispatcher_test - Decode(missing) err = %v", err)
	}
	if err := args.Decode("s", &n); !errors.As(err, &ae) || ae.Kind != registry.ArgumentInvalid {
		t.Errorf("dispatcher:dispatcher_test - Decode(s into int) err = %v", err)
	}
	if !args.Has("s") || args.Has("t") {
		t.Error("dispatcher:dispatcher_test - Has mismatch")
	}
}

func TestNewCall(t *testing.T) {
	data, err := NewCall("7", "uses_something", "observer", map[string]any{"key": "k"})
	if err != nil {
		t.Fatal(err)
	}
	var req CommandRequest
	if err := json.Unmarshal(data, &req); err != nil {
		t.Fatal(err)
	}
	if req.Type != TypeCall || req.ID != "7" || string(req.Args["key"]) != `"k"` {
		t.Errorf("dispatcher:dispatcher_test - request = %+v", req)
	}

	mod := &fakeModule{}
	d := New(mod, WithFatal(func(string, error) { t.Error("unexpected fatal") }))
	d.Ready()
	if mod.ready != 1 {
		t.Errorf("dispatcher:dispatcher_test - OnReady called %d times", mod.ready)
	}
}
