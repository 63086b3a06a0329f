package broker

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/morezero/modbridge/pkg/events"
	"github.com/morezero/modbridge/pkg/schema"
	"github.com/morezero/modbridge/pkg/taxonomy"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	c, err := schema.LoadDir("../schema/testdata/schemas")
	if err != nil {
		t.Fatalf("broker:memory_test - LoadDir: %v", err)
	}
	hub := NewHub(c)
	hub.AddModule("rs_errors", "RsErrors")
	hub.AddModule("observer", "ErrorObserver")
	return hub
}

func open(t *testing.T, hub *Hub, id string) Module {
	t.Helper()
	m, err := hub.Opener()(context.Background(), id, "", "")
	if err != nil {
		t.Fatalf("broker:memory_test - open %s: %v", id, err)
	}
	return m
}

func TestHubDocuments(t *testing.T) {
	hub := newTestHub(t)
	m := open(t, hub, "rs_errors")
	ctx := context.Background()

	raw, err := m.Initialize(ctx)
	if err != nil {
		t.Fatalf("broker:memory_test - Initialize: %v", err)
	}
	manifest, err := schema.ParseManifest(raw)
	if err != nil {
		t.Fatalf("broker:memory_test - manifest from hub does not parse: %v", err)
	}
	if len(manifest.Provides) != 4 {
		t.Errorf("broker:memory_test - provides = %d, want 4", len(manifest.Provides))
	}

	if _, err := m.GetInterface(ctx, "errors_selected"); err != nil {
		t.Errorf("broker:memory_test - GetInterface: %v", err)
	}
	if _, err := m.GetErrorList(ctx, "example"); err != nil {
		t.Errorf("broker:memory_test - GetErrorList: %v", err)
	}
	cfg, err := m.Config(ctx)
	if err != nil || cfg.Module == nil {
		t.Errorf("broker:memory_test - default Config = %+v, %v", cfg, err)
	}
	hub.SetConfig("rs_errors", &ModuleConfig{Module: map[string]any{"mode": "slow"}})
	if cfg, _ := m.Config(ctx); cfg.Module["mode"] != "slow" {
		t.Errorf("broker:memory_test - Config = %+v", cfg)
	}

	if _, err := m.GetInterface(ctx, "ghost"); err == nil {
		t.Error("broker:memory_test - expected error for unknown interface")
	}

	if _, err := hub.Opener()(ctx, "rs_errors", "", ""); err == nil {
		t.Error("broker:memory_test - a module may only be opened once")
	}
	if _, err := hub.Opener()(ctx, "stranger", "", ""); err == nil {
		t.Error("broker:memory_test - undeclared modules must be rejected")
	}
}

func TestHubGlobalReadyOnce(t *testing.T) {
	hub := newTestHub(t)
	a := open(t, hub, "rs_errors")
	b := open(t, hub, "observer")

	var count atomic.Int32
	done := make(chan struct{}, 2)
	ready := func() {
		count.Add(1)
		done <- struct{}{}
	}

	if err := a.SignalReady(ready); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
		t.Fatal("broker:memory_test - global ready fired before every module was ready")
	case <-time.After(50 * time.Millisecond):
	}

	if err := b.SignalReady(ready); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("broker:memory_test - timeout waiting for global ready")
		}
	}

	// A repeated signal is ignored.
	if err := a.SignalReady(ready); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := count.Load(); got != 2 {
		t.Errorf("broker:memory_test - ready callbacks = %d, want 2", got)
	}
}

func TestHubCommands(t *testing.T) {
	hub := newTestHub(t)
	m := open(t, hub, "rs_errors")
	ctx := context.Background()
	conn := Connection{ModuleID: "rs_errors", ImplementationID: "example"}

	err := m.ProvideCommand(CommandMeta{ImplementationID: "example", Command: "echo"}, func(meta CommandMeta, payload []byte) []byte {
		return append([]byte(meta.Command+":"), payload...)
	})
	if err != nil {
		t.Fatal(err)
	}
	_ = m.ProvideCommand(CommandMeta{ImplementationID: "example", Command: "silent"}, func(CommandMeta, []byte) []byte { return nil })
	if err := m.ProvideCommand(CommandMeta{ImplementationID: "example", Command: "echo"}, nil); err == nil {
		t.Error("broker:memory_test - a command handler may only be registered once")
	}

	reply, err := hub.Call(ctx, conn, "echo", []byte("x"))
	if err != nil || string(reply) != "echo:x" {
		t.Errorf("broker:memory_test - echo = %q, %v", reply, err)
	}
	if _, err := hub.Call(ctx, conn, "silent", nil); !errors.Is(err, ErrNoResponse) {
		t.Errorf("broker:memory_test - silent err = %v, want ErrNoResponse", err)
	}
	if _, err := hub.Call(ctx, conn, "missing", nil); err == nil {
		t.Error("broker:memory_test - expected error for unknown command")
	}
}

func TestHubCloseWaitsForCallbacks(t *testing.T) {
	hub := newTestHub(t)
	m := open(t, hub, "rs_errors")
	conn := Connection{ModuleID: "rs_errors", ImplementationID: "example"}

	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	_ = m.ProvideCommand(CommandMeta{ImplementationID: "example", Command: "slow"}, func(CommandMeta, []byte) []byte {
		close(entered)
		<-release
		finished.Store(true)
		return []byte("ok")
	})

	go func() { _, _ = hub.Call(context.Background(), conn, "slow", nil) }()
	<-entered

	closed := make(chan struct{})
	go func() {
		_ = m.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("broker:memory_test - Close returned while a callback was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-closed
	if !finished.Load() {
		t.Error("broker:memory_test - callback did not finish before Close returned")
	}

	if _, err := hub.Call(context.Background(), conn, "slow", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("broker:memory_test - call after close err = %v, want ErrClosed", err)
	}
	if err := m.ProvideCommand(CommandMeta{ImplementationID: "example", Command: "late"}, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("broker:memory_test - provide after close err = %v, want ErrClosed", err)
	}
	log := hub.Log()
	if last := log[len(log)-1]; last != "rs_errors close" {
		t.Errorf("broker:memory_test - last log entry = %q", last)
	}
}

func TestHubErrors(t *testing.T) {
	hub := newTestHub(t)
	pub := open(t, hub, "rs_errors")
	obs := open(t, hub, "observer")
	hub.Connect("observer", "errors", Connection{ModuleID: "rs_errors", ImplementationID: "main"})

	conns, err := obs.Connections(context.Background(), "errors")
	if err != nil || len(conns) != 1 {
		t.Fatalf("broker:memory_test - Connections = %v, %v", conns, err)
	}

	var got []*events.ErrorEvent
	if err := obs.SubscribeErrors(conns[0], func(ev *events.ErrorEvent) { got = append(got, ev) }); err != nil {
		t.Fatal(err)
	}

	ev := &events.ErrorEvent{
		Type:   taxonomy.Kind{File: "example", Name: "ExampleErrorA"},
		Origin: events.Origin{ModuleID: "rs_errors", ImplementationID: "main"},
		State:  events.StateActive,
	}
	if err := pub.PublishError(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	other := *ev
	other.Origin.ImplementationID = "selected"
	_ = pub.PublishError(context.Background(), &other)

	if len(got) != 1 || got[0] != ev {
		t.Errorf("broker:memory_test - observer received %d events", len(got))
	}

	_ = obs.Close()
	_ = pub.PublishError(context.Background(), ev)
	if len(got) != 1 {
		t.Error("broker:memory_test - closed observer must not receive events")
	}

	found := false
	for _, line := range hub.Log() {
		if strings.HasPrefix(line, "observer subscribe errors") {
			found = true
		}
	}
	if !found {
		t.Error("broker:memory_test - subscription not recorded")
	}
}
