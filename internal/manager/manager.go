// Package manager serves schema documents and the resolved system
// configuration to modules over COMMS, and broadcasts the global ready
// signal once every configured module has announced itself.
package manager

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/modbridge/pkg/bootstrap"
	"github.com/morezero/modbridge/pkg/broker"
	"github.com/morezero/modbridge/pkg/commsutil"
	"github.com/morezero/modbridge/pkg/metrics"
	"github.com/morezero/modbridge/pkg/schema"
)

const logPrefix = "manager:manager"

// Params configures a Manager.
type Params struct {
	Conn *comms.Conn
	// SubjectPrefix namespaces every subject; empty means commsutil.DefaultPrefix.
	SubjectPrefix string
	Catalog       *schema.Catalog
	System        *bootstrap.SystemConfig
}

// ModuleStatus describes one configured module.
type ModuleStatus struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Ready      bool   `json:"ready"`
	Standalone bool   `json:"standalone,omitempty"`
}

// Manager answers manager requests and tracks readiness.
type Manager struct {
	nc     *comms.Conn
	prefix string

	mu       sync.RWMutex
	catalog  *schema.Catalog
	system   *bootstrap.SystemConfig
	resolved *bootstrap.ResolvedConfig
	ready    map[string]bool
	fired    bool
	subs     []*comms.Subscription
}

// New validates the system config against the catalog.
func New(p Params) (*Manager, error) {
	if p.Conn == nil {
		return nil, fmt.Errorf("%s - COMMS connection is required", logPrefix)
	}
	resolved, err := bootstrap.Resolve(p.System, p.Catalog)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid system config: %w", logPrefix, err)
	}
	prefix := p.SubjectPrefix
	if prefix == "" {
		prefix = commsutil.DefaultPrefix
	}
	return &Manager{
		nc:       p.Conn,
		prefix:   prefix,
		catalog:  p.Catalog,
		system:   p.System,
		resolved: resolved,
		ready:    map[string]bool{},
	}, nil
}

// Start subscribes to the manager operations and module ready subjects.
func (m *Manager) Start() error {
	handlers := map[string]func(*broker.ManagerRequest) (any, *broker.ErrorDetail){
		commsutil.OpManifest:    m.manifest,
		commsutil.OpInterface:   m.iface,
		commsutil.OpErrorList:   m.errorList,
		commsutil.OpConnections: m.connections,
		commsutil.OpConfig:      m.config,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for op, fn := range handlers {
		subject := commsutil.ManagerSubject(m.prefix, op)
		sub, err := m.nc.Subscribe(subject, m.handle(op, fn))
		if err != nil {
			m.unsubscribeLocked()
			return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, subject, err)
		}
		m.subs = append(m.subs, sub)
	}

	readySubject := commsutil.ModuleReadyWildcard(m.prefix)
	sub, err := m.nc.Subscribe(readySubject, func(msg *comms.Msg) {
		m.moduleReady(string(msg.Data))
	})
	if err != nil {
		m.unsubscribeLocked()
		return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, readySubject, err)
	}
	m.subs = append(m.subs, sub)

	if err := m.nc.Flush(); err != nil {
		m.unsubscribeLocked()
		return fmt.Errorf("%s - failed to flush: %w", logPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Serving %d modules under %s", logPrefix, len(m.resolved.IDs()), m.prefix))
	return nil
}

// Stop removes all subscriptions.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribeLocked()
}

func (m *Manager) unsubscribeLocked() {
	for _, sub := range m.subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Warn(fmt.Sprintf("%s - unsubscribe %s: %v", logPrefix, sub.Subject, err))
		}
	}
	m.subs = nil
}

func (m *Manager) handle(op string, fn func(*broker.ManagerRequest) (any, *broker.ErrorDetail)) comms.MsgHandler {
	return func(msg *comms.Msg) {
		var req broker.ManagerRequest
		var resp *broker.ManagerResponse
		if err := commsutil.DecodeEnvelope(msg.Data, &req); err != nil {
			resp = broker.ErrorResponse("", broker.CodeInvalidArgument, fmt.Sprintf("failed to decode request: %v", err), false)
		} else if result, detail := fn(&req); detail != nil {
			resp = &broker.ManagerResponse{ID: req.ID, Error: detail}
		} else {
			resp = broker.OkResponse(req.ID, result)
		}

		outcome := "ok"
		if !resp.Ok {
			outcome = resp.Error.Code
			slog.Warn(fmt.Sprintf("%s - %s request from %q failed: %s", logPrefix, op, req.Module, resp.Error.Message))
		}
		metrics.ManagerRequestsTotal.WithLabelValues(op, outcome).Inc()

		if msg.Reply == "" {
			return
		}
		if err := commsutil.RespondJSON(msg, resp); err != nil {
			slog.Error(fmt.Sprintf("%s - %s reply failed: %v", logPrefix, op, err))
		}
	}
}

func notFound(format string, args ...any) *broker.ErrorDetail {
	return &broker.ErrorDetail{Code: broker.CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func internalError(err error) *broker.ErrorDetail {
	return &broker.ErrorDetail{Code: broker.CodeInternal, Message: err.Error(), Retryable: true}
}

// module looks up the requesting module of req.
func (m *Manager) module(req *broker.ManagerRequest) (*bootstrap.ResolvedModule, *broker.ErrorDetail) {
	if req.Module == "" {
		return nil, &broker.ErrorDetail{Code: broker.CodeInvalidArgument, Message: "module is required"}
	}
	m.mu.RLock()
	mod := m.resolved.Get(req.Module)
	m.mu.RUnlock()
	if mod == nil {
		return nil, notFound("module %q is not configured", req.Module)
	}
	return mod, nil
}

func (m *Manager) manifest(req *broker.ManagerRequest) (any, *broker.ErrorDetail) {
	mod, detail := m.module(req)
	if detail != nil {
		return nil, detail
	}
	raw, err := mod.Manifest.JSON()
	if err != nil {
		return nil, internalError(err)
	}
	slog.Info(fmt.Sprintf("%s - Module %s (%s) initializing, prefix %q, config %q",
		logPrefix, mod.ID, mod.Type, req.Prefix, req.ConfigPath))
	return json.RawMessage(raw), nil
}

func (m *Manager) iface(req *broker.ManagerRequest) (any, *broker.ErrorDetail) {
	m.mu.RLock()
	iface, err := m.catalog.Interface(req.Name)
	m.mu.RUnlock()
	if err != nil {
		return nil, notFound("%v", err)
	}
	raw, err := iface.JSON()
	if err != nil {
		return nil, internalError(err)
	}
	return json.RawMessage(raw), nil
}

func (m *Manager) errorList(req *broker.ManagerRequest) (any, *broker.ErrorDetail) {
	m.mu.RLock()
	l, err := m.catalog.ErrorList(req.Name)
	m.mu.RUnlock()
	if err != nil {
		return nil, notFound("%v", err)
	}
	raw, err := l.JSON()
	if err != nil {
		return nil, internalError(err)
	}
	return json.RawMessage(raw), nil
}

func (m *Manager) connections(req *broker.ManagerRequest) (any, *broker.ErrorDetail) {
	mod, detail := m.module(req)
	if detail != nil {
		return nil, detail
	}
	if _, ok := mod.Manifest.Requires[req.Name]; !ok {
		return nil, notFound("module %s has no requirement %q", mod.ID, req.Name)
	}
	m.mu.RLock()
	fulfillments := m.resolved.Connections(mod.ID, req.Name)
	m.mu.RUnlock()

	conns := make([]broker.Connection, 0, len(fulfillments))
	for _, f := range fulfillments {
		conns = append(conns, broker.Connection{ModuleID: f.ModuleID, ImplementationID: f.ImplementationID})
	}
	return conns, nil
}

func (m *Manager) config(req *broker.ManagerRequest) (any, *broker.ErrorDetail) {
	mod, detail := m.module(req)
	if detail != nil {
		return nil, detail
	}
	return broker.ModuleConfig{Module: mod.Config, Implementations: mod.ImplementationConfig}, nil
}

// moduleReady records a ready announcement and publishes the global ready
// signal once all configured modules are ready. A module announcing itself
// after that gets the signal again; modules ignore repeats.
func (m *Manager) moduleReady(moduleID string) {
	m.mu.Lock()
	if m.resolved.Get(moduleID) == nil {
		m.mu.Unlock()
		slog.Warn(fmt.Sprintf("%s - Ignoring ready from unconfigured module %q", logPrefix, moduleID))
		return
	}
	m.ready[moduleID] = true
	metrics.ManagerModulesReady.Set(float64(len(m.ready)))

	publish := m.fired
	if !m.fired && m.allReadyLocked() {
		m.fired = true
		publish = true
		slog.Info(fmt.Sprintf("%s - All %d modules ready", logPrefix, len(m.ready)))
	}
	m.mu.Unlock()

	slog.Info(fmt.Sprintf("%s - Module %s ready", logPrefix, moduleID))
	if !publish {
		return
	}
	if err := m.nc.Publish(commsutil.GlobalReadySubject(m.prefix), nil); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish global ready: %v", logPrefix, err))
	}
}

func (m *Manager) allReadyLocked() bool {
	for _, id := range m.resolved.IDs() {
		if !m.ready[id] {
			return false
		}
	}
	return true
}

// AllReady reports whether the global ready signal was sent.
func (m *Manager) AllReady() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fired
}

// Modules returns the status of every configured module, sorted by id.
func (m *Manager) Modules() []ModuleStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ModuleStatus, 0, len(m.resolved.IDs()))
	for _, id := range m.resolved.IDs() {
		mod := m.resolved.Get(id)
		out = append(out, ModuleStatus{ID: id, Type: mod.Type, Ready: m.ready[id], Standalone: mod.Standalone})
	}
	return out
}

// Module returns the resolved module with the given id, or nil.
func (m *Manager) Module(id string) *bootstrap.ResolvedModule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resolved.Get(id)
}

// Resolved returns the current resolved configuration.
func (m *Manager) Resolved() *bootstrap.ResolvedConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resolved
}

// Reload swaps in a new catalog after checking the system config against
// it. On error the previous catalog stays in place.
func (m *Manager) Reload(catalog *schema.Catalog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	resolved, err := bootstrap.Resolve(m.system, catalog)
	if err != nil {
		metrics.ManagerSchemaReloadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("%s - reloaded schemas reject the system config: %w", logPrefix, err)
	}
	m.catalog = catalog
	m.resolved = resolved
	metrics.ManagerSchemaReloadsTotal.WithLabelValues("ok").Inc()

	slog.Info(fmt.Sprintf("%s - Schemas reloaded for modules %v", logPrefix, resolved.IDs()))
	return nil
}
