package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/morezero/modbridge/pkg/events"
	"github.com/morezero/modbridge/pkg/schema"
)

const memoryLogPrefix = "broker:memory"

// Hub is an in-process broker serving documents from a schema catalog.
// Modules must be declared with AddModule before they are opened.
type Hub struct {
	catalog *schema.Catalog

	mu          sync.Mutex
	types       map[string]string
	connections map[string]map[string][]Connection
	configs     map[string]*ModuleConfig
	modules     map[string]*MemoryModule
	ready       map[string]bool
	readyFns    []ReadyFunc
	fired       bool
	errorSubs   map[Connection][]ErrorFunc
	log         []string
	onProvide   func(moduleID string, meta CommandMeta)
}

// NewHub creates a hub backed by catalog.
func NewHub(catalog *schema.Catalog) *Hub {
	return &Hub{
		catalog:     catalog,
		types:       map[string]string{},
		connections: map[string]map[string][]Connection{},
		configs:     map[string]*ModuleConfig{},
		modules:     map[string]*MemoryModule{},
		ready:       map[string]bool{},
		errorSubs:   map[Connection][]ErrorFunc{},
	}
}

// AddModule declares a module instance and its manifest name.
func (h *Hub) AddModule(moduleID, moduleType string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.types[moduleID] = moduleType
}

// Connect fulfils requirementID of moduleID with conns.
func (h *Hub) Connect(moduleID, requirementID string, conns ...Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.connections[moduleID] == nil {
		h.connections[moduleID] = map[string][]Connection{}
	}
	h.connections[moduleID][requirementID] = append(h.connections[moduleID][requirementID], conns...)
}

// SetConfig sets the config values served to moduleID.
func (h *Hub) SetConfig(moduleID string, cfg *ModuleConfig) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.configs[moduleID] = cfg
}

// OnProvide installs a hook invoked after each command registration.
func (h *Hub) OnProvide(fn func(moduleID string, meta CommandMeta)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onProvide = fn
}

// Log returns the ordered protocol events seen by the hub, e.g.
// "rs_errors provide example.uses_something", "rs_errors ready".
func (h *Hub) Log() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.log...)
}

func (h *Hub) record(format string, args ...any) {
	h.log = append(h.log, fmt.Sprintf(format, args...))
}

// Opener returns an Opener that attaches modules to the hub.
func (h *Hub) Opener() Opener {
	return func(_ context.Context, moduleID, _, _ string) (Module, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.types[moduleID]; !ok {
			return nil, fmt.Errorf("%s - unknown module %q", memoryLogPrefix, moduleID)
		}
		if _, ok := h.modules[moduleID]; ok {
			return nil, fmt.Errorf("%s - module %q already open", memoryLogPrefix, moduleID)
		}
		m := &MemoryModule{hub: h, id: moduleID, commands: map[CommandMeta]CommandFunc{}}
		h.modules[moduleID] = m
		h.record("%s open", moduleID)
		return m, nil
	}
}

// Call invokes a provided command as a peer would.
func (h *Hub) Call(ctx context.Context, conn Connection, cmd string, payload []byte) ([]byte, error) {
	h.mu.Lock()
	m, ok := h.modules[conn.ModuleID]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s - unknown module %q", memoryLogPrefix, conn.ModuleID)
	}
	return m.invoke(ctx, CommandMeta{ImplementationID: conn.ImplementationID, Command: cmd}, payload)
}

func (h *Hub) signalReady(moduleID string, fn ReadyFunc) {
	h.mu.Lock()
	h.readyFns = append(h.readyFns, fn)
	h.ready[moduleID] = true
	h.record("%s ready", moduleID)
	if h.fired {
		h.mu.Unlock()
		slog.Debug(fmt.Sprintf("%s - Ignoring ready signal from %s, system already ready", memoryLogPrefix, moduleID))
		return
	}
	for id := range h.types {
		if !h.ready[id] {
			h.mu.Unlock()
			return
		}
	}
	h.fired = true
	h.record("global ready")
	fns := append([]ReadyFunc(nil), h.readyFns...)
	h.mu.Unlock()

	for _, f := range fns {
		go f()
	}
}

func (h *Hub) publishError(ev *events.ErrorEvent, global bool) {
	conn := Connection{ModuleID: ev.Origin.ModuleID, ImplementationID: ev.Origin.ImplementationID}
	h.mu.Lock()
	subs := append([]ErrorFunc(nil), h.errorSubs[conn]...)
	h.record("%s error %s %s", conn.ModuleID, ev.State, ev.Type)
	if global {
		h.record("%s global error %s %s", conn.ModuleID, ev.State, ev.Type)
	}
	h.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// MemoryModule is a module attached to a Hub.
type MemoryModule struct {
	hub *Hub
	id  string

	mu       sync.RWMutex
	closed   bool
	global   bool
	commands map[CommandMeta]CommandFunc
	inflight sync.WaitGroup
}

func (m *MemoryModule) Initialize(_ context.Context) ([]byte, error) {
	m.hub.mu.Lock()
	moduleType := m.hub.types[m.id]
	m.hub.record("%s initialize", m.id)
	m.hub.mu.Unlock()

	manifest, err := m.hub.catalog.Manifest(moduleType)
	if err != nil {
		return nil, fmt.Errorf("%s - %w", memoryLogPrefix, err)
	}
	return manifest.JSON()
}

func (m *MemoryModule) GetInterface(_ context.Context, name string) ([]byte, error) {
	iface, err := m.hub.catalog.Interface(name)
	if err != nil {
		return nil, fmt.Errorf("%s - %w", memoryLogPrefix, err)
	}
	return iface.JSON()
}

func (m *MemoryModule) GetErrorList(_ context.Context, file string) ([]byte, error) {
	l, err := m.hub.catalog.ErrorList(file)
	if err != nil {
		return nil, fmt.Errorf("%s - %w", memoryLogPrefix, err)
	}
	return l.JSON()
}

func (m *MemoryModule) Config(_ context.Context) (*ModuleConfig, error) {
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	if cfg := m.hub.configs[m.id]; cfg != nil {
		return cfg, nil
	}
	return &ModuleConfig{Module: map[string]any{}}, nil
}

func (m *MemoryModule) Connections(_ context.Context, requirementID string) ([]Connection, error) {
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	return append([]Connection(nil), m.hub.connections[m.id][requirementID]...), nil
}

func (m *MemoryModule) ProvideCommand(meta CommandMeta, fn CommandFunc) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, ok := m.commands[meta]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%s - %s: handler for %s.%s already registered", memoryLogPrefix, m.id, meta.ImplementationID, meta.Command)
	}
	m.commands[meta] = fn
	m.mu.Unlock()

	m.hub.mu.Lock()
	m.hub.record("%s provide %s.%s", m.id, meta.ImplementationID, meta.Command)
	hook := m.hub.onProvide
	m.hub.mu.Unlock()

	if hook != nil {
		hook(m.id, meta)
	}
	return nil
}

func (m *MemoryModule) SignalReady(fn ReadyFunc) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	m.hub.signalReady(m.id, func() {
		m.mu.RLock()
		if m.closed {
			m.mu.RUnlock()
			return
		}
		m.inflight.Add(1)
		m.mu.RUnlock()
		defer m.inflight.Done()
		fn()
	})
	return nil
}

func (m *MemoryModule) PublishError(_ context.Context, event *events.ErrorEvent) error {
	m.mu.RLock()
	closed, global := m.closed, m.global
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	m.hub.publishError(event, global)
	return nil
}

func (m *MemoryModule) EnableGlobalErrors() {
	m.mu.Lock()
	m.global = true
	m.mu.Unlock()

	m.hub.mu.Lock()
	m.hub.record("%s enable global errors", m.id)
	m.hub.mu.Unlock()
}

func (m *MemoryModule) SubscribeErrors(conn Connection, fn ErrorFunc) error {
	wrapped := func(ev *events.ErrorEvent) {
		m.mu.RLock()
		if m.closed {
			m.mu.RUnlock()
			return
		}
		m.inflight.Add(1)
		m.mu.RUnlock()
		defer m.inflight.Done()
		fn(ev)
	}

	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	m.hub.errorSubs[conn] = append(m.hub.errorSubs[conn], wrapped)
	m.hub.record("%s subscribe errors %s.%s", m.id, conn.ModuleID, conn.ImplementationID)
	return nil
}

func (m *MemoryModule) CallCommand(ctx context.Context, conn Connection, cmd string, payload []byte) ([]byte, error) {
	return m.hub.Call(ctx, conn, cmd, payload)
}

func (m *MemoryModule) invoke(ctx context.Context, meta CommandMeta, payload []byte) ([]byte, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrClosed
	}
	fn, ok := m.commands[meta]
	if ok {
		m.inflight.Add(1)
	}
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s - %s has no command %s.%s", memoryLogPrefix, m.id, meta.ImplementationID, meta.Command)
	}
	defer m.inflight.Done()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reply := fn(meta, payload)
	if reply == nil {
		return nil, ErrNoResponse
	}
	return reply, nil
}

// Close stops delivery and waits for running callbacks.
func (m *MemoryModule) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.inflight.Wait()

	m.hub.mu.Lock()
	m.hub.record("%s close", m.id)
	m.hub.mu.Unlock()
	return nil
}
