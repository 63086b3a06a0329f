// Package runtime owns a module's broker connection and its single command
// handler. It registers every command of the module before signalling
// readiness and tears the connection down before releasing the handler.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/morezero/modbridge/internal/config"
	"github.com/morezero/modbridge/pkg/broker"
	"github.com/morezero/modbridge/pkg/dispatcher"
	"github.com/morezero/modbridge/pkg/events"
	"github.com/morezero/modbridge/pkg/metrics"
	"github.com/morezero/modbridge/pkg/registry"
	"github.com/morezero/modbridge/pkg/schema"
	"github.com/morezero/modbridge/pkg/taxonomy"
)

const logPrefix = "runtime:runtime"

// Params are the process entry parameters used to open the broker connection.
type Params struct {
	ModuleID   string
	Prefix     string
	ConfigPath string
}

// Option configures a Runtime.
type Option func(*options)

type options struct {
	fatal dispatcher.FatalFunc
}

// WithFatal replaces the policy applied to failed calls.
func WithFatal(f dispatcher.FatalFunc) Option {
	return func(o *options) { o.fatal = f }
}

// Runtime is a module connected to the broker.
type Runtime struct {
	params   Params
	module   broker.Module
	slot     *slot
	manifest *schema.Manifest
	regs     *registry.Set

	mu         sync.Mutex
	interfaces map[string]*schema.Interface
	errorLists map[string]*schema.ErrorList
	managers   map[string]*events.ErrorManager

	closeOnce sync.Once
	closeErr  error
}

// New opens the broker connection and registers handler for every command
// the module provides. The steps run strictly in order:
// initialize, resolve interfaces, provide every command, signal ready.
// handler.OnReady is never called before the last command is registered.
func New(ctx context.Context, opener broker.Opener, p Params, handler dispatcher.GenericModule, opts ...Option) (*Runtime, error) {
	o := &options{fatal: dispatcher.ExitOnFatal}
	for _, opt := range opts {
		opt(o)
	}

	module, err := opener(ctx, p.ModuleID, p.Prefix, p.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to open module %s: %w", logPrefix, p.ModuleID, err)
	}
	r := &Runtime{
		params:     p,
		module:     module,
		interfaces: map[string]*schema.Interface{},
		errorLists: map[string]*schema.ErrorList{},
		managers:   map[string]*events.ErrorManager{},
	}

	fail := func(err error) (*Runtime, error) {
		if r.slot != nil {
			r.slot.abort()
		}
		if cerr := module.Close(); cerr != nil {
			slog.Warn(fmt.Sprintf("%s - close after failed start: %v", logPrefix, cerr))
		}
		if r.slot != nil {
			r.slot.release()
		}
		return nil, err
	}

	raw, err := module.Initialize(ctx)
	if err != nil {
		return fail(fmt.Errorf("%s - initialize %s: %w", logPrefix, p.ModuleID, err))
	}
	r.manifest, err = schema.ParseManifest(raw)
	if err != nil {
		return fail(fmt.Errorf("%s - manifest of %s: %w", logPrefix, p.ModuleID, err))
	}
	if r.manifest.EnableGlobalErrors {
		module.EnableGlobalErrors()
	}

	r.regs, err = registry.Build(r.manifest, registry.ResolverFunc(func(name string) (*schema.Interface, error) {
		return r.fetchInterface(ctx, name)
	}))
	if err != nil {
		return fail(fmt.Errorf("%s - registrations of %s: %w", logPrefix, p.ModuleID, err))
	}

	d := dispatcher.New(handler,
		dispatcher.WithFatal(o.fatal),
		dispatcher.WithRegistrations(r.regs),
		dispatcher.WithOrigin(p.ModuleID),
	)
	r.slot = newSlot(d)

	for _, reg := range r.regs.All() {
		meta := broker.CommandMeta{ImplementationID: reg.ImplementationID, Command: reg.Command}
		if err := module.ProvideCommand(meta, r.slot.dispatch); err != nil {
			return fail(fmt.Errorf("%s - provide %s: %w", logPrefix, reg.Key(), err))
		}
	}
	r.slot.open()
	slog.Info(fmt.Sprintf("%s - Registered %d commands for %s", logPrefix, r.regs.Len(), p.ModuleID))

	if err := module.SignalReady(r.slot.ready); err != nil {
		return fail(fmt.Errorf("%s - signal ready: %w", logPrefix, err))
	}
	return r, nil
}

// FromEnv opens handler's module over NATS using ModuleConfig.
func FromEnv(ctx context.Context, handler dispatcher.GenericModule, opts ...Option) (*Runtime, error) {
	cfg, err := config.LoadModuleConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opener := broker.NATSOpener(broker.NATSOptions{
		URL:            cfg.COMMSURL,
		SubjectPrefix:  cfg.SubjectPrefix,
		RequestTimeout: cfg.RequestTimeout,
		GlobalErrors:   cfg.GlobalErrors,
		DrainTimeout:   cfg.DrainTimeout,
	})
	return New(ctx, opener, Params{ModuleID: cfg.ModuleID, Prefix: cfg.Prefix, ConfigPath: cfg.ConfigPath}, handler, opts...)
}

func (r *Runtime) fetchInterface(ctx context.Context, name string) (*schema.Interface, error) {
	r.mu.Lock()
	iface, ok := r.interfaces[name]
	r.mu.Unlock()
	if ok {
		return iface, nil
	}

	raw, err := r.module.GetInterface(ctx, name)
	if err != nil {
		return nil, err
	}
	iface, err = schema.ParseInterface(raw)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.interfaces[name] = iface
	r.mu.Unlock()
	return iface, nil
}

func (r *Runtime) fetchErrorList(ctx context.Context, file string) (*schema.ErrorList, error) {
	r.mu.Lock()
	l, ok := r.errorLists[file]
	r.mu.Unlock()
	if ok {
		return l, nil
	}

	raw, err := r.module.GetErrorList(ctx, file)
	if err != nil {
		return nil, err
	}
	l, err = schema.ParseErrorList(raw)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.errorLists[file] = l
	r.mu.Unlock()
	return l, nil
}

// compileErrors builds the error union of the named interface.
func (r *Runtime) compileErrors(ctx context.Context, ifaceName string) (*taxonomy.Union, error) {
	iface, err := r.fetchInterface(ctx, ifaceName)
	if err != nil {
		return nil, err
	}
	lists := map[string]*schema.ErrorList{}
	for _, ref := range iface.Errors {
		parsed, err := taxonomy.ParseReference(ref.Reference)
		if err != nil {
			return nil, &taxonomy.ResolveError{Reference: ref.Reference, Reason: err.Error()}
		}
		if _, ok := lists[parsed.File]; ok {
			continue
		}
		l, err := r.fetchErrorList(ctx, parsed.File)
		if err != nil {
			return nil, err
		}
		lists[parsed.File] = l
	}
	return taxonomy.Compile(taxonomy.NewCatalog(lists), iface.Errors)
}

// ModuleID returns the id the module was opened with.
func (r *Runtime) ModuleID() string { return r.params.ModuleID }

// Manifest returns the manifest received from the broker.
func (r *Runtime) Manifest() *schema.Manifest { return r.manifest }

// Config returns the config values the manager resolved for this module.
func (r *Runtime) Config(ctx context.Context) (*broker.ModuleConfig, error) {
	cfg, err := r.module.Config(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s - config of %s: %w", logPrefix, r.params.ModuleID, err)
	}
	return cfg, nil
}

// Registrations returns the registered commands.
func (r *Runtime) Registrations() *registry.Set { return r.regs }

// Errors returns the error manager of implementation implID. Only errors
// of the implementation's interface can be raised through it.
func (r *Runtime) Errors(ctx context.Context, implID string) (*events.ErrorManager, error) {
	r.mu.Lock()
	m, ok := r.managers[implID]
	r.mu.Unlock()
	if ok {
		return m, nil
	}

	p, ok := r.manifest.Provides[implID]
	if !ok {
		return nil, fmt.Errorf("%s - %s provides no implementation %q", logPrefix, r.params.ModuleID, implID)
	}
	union, err := r.compileErrors(ctx, p.Interface)
	if err != nil {
		return nil, fmt.Errorf("%s - errors of %s: %w", logPrefix, implID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.managers[implID]; ok {
		return m, nil
	}
	m = events.NewErrorManager(events.Origin{ModuleID: r.params.ModuleID, ImplementationID: implID}, union, r.module)
	r.managers[implID] = m
	return m, nil
}

// requiredErrors returns the error union of requirementID, or nil when the
// requirement ignores errors.
func (r *Runtime) requiredErrors(ctx context.Context, requirementID string) (*taxonomy.Union, error) {
	req, ok := r.manifest.Requires[requirementID]
	if !ok {
		return nil, fmt.Errorf("%s - %s has no requirement %q", logPrefix, r.params.ModuleID, requirementID)
	}
	if req.Ignore.Errors {
		return nil, nil
	}
	union, err := r.compileErrors(ctx, req.Interface)
	if err != nil {
		return nil, fmt.Errorf("%s - errors of requirement %s: %w", logPrefix, requirementID, err)
	}
	return union, nil
}

// SubscribeErrors delivers the error events of every connection fulfilling
// requirementID to fn. Events whose kind is outside the required interface's
// errors are rejected and counted. A requirement that ignores errors is not
// subscribed.
func (r *Runtime) SubscribeErrors(ctx context.Context, requirementID string, fn broker.ErrorFunc) error {
	union, err := r.requiredErrors(ctx, requirementID)
	if err != nil {
		return err
	}
	if union == nil {
		slog.Info(fmt.Sprintf("%s - Requirement %s ignores errors, not subscribing", logPrefix, requirementID))
		return nil
	}
	return r.subscribeErrors(ctx, requirementID, union, fn)
}

func (r *Runtime) subscribeErrors(ctx context.Context, requirementID string, union *taxonomy.Union, fn broker.ErrorFunc) error {
	conns, err := r.module.Connections(ctx, requirementID)
	if err != nil {
		return fmt.Errorf("%s - connections of %s: %w", logPrefix, requirementID, err)
	}

	filtered := func(ev *events.ErrorEvent) {
		kind, err := union.ParseKind(ev.Type.String())
		if err != nil {
			metrics.ErrorEventsRejectedTotal.WithLabelValues(requirementID, "undeclared").Inc()
			slog.Error(fmt.Sprintf("%s - Rejecting error event of %s.%s for %s: %v", logPrefix,
				ev.Origin.ModuleID, ev.Origin.ImplementationID, requirementID, err))
			return
		}
		ev.Type = kind
		fn(ev)
	}
	for _, conn := range conns {
		if err := r.module.SubscribeErrors(conn, filtered); err != nil {
			return fmt.Errorf("%s - subscribe errors of %s.%s: %w", logPrefix, conn.ModuleID, conn.ImplementationID, err)
		}
	}
	return nil
}

// ObserveErrors subscribes to requirementID and tracks raised and cleared
// errors in a StateMonitor. The monitor of a requirement that ignores
// errors stays empty.
func (r *Runtime) ObserveErrors(ctx context.Context, requirementID string) (*events.StateMonitor, error) {
	union, err := r.requiredErrors(ctx, requirementID)
	if err != nil {
		return nil, err
	}
	if union == nil {
		return events.NewStateMonitor(taxonomy.Merge()), nil
	}
	monitor := events.NewStateMonitor(union)
	if err := r.subscribeErrors(ctx, requirementID, union, monitor.Handle); err != nil {
		return nil, err
	}
	return monitor, nil
}

// Call invokes cmd on every connection of requirementID, in connection
// order, decoding each result with decode. decode may be nil.
func (r *Runtime) Call(ctx context.Context, requirementID, cmd string, args map[string]any, decode func(conn broker.Connection, result []byte) error) error {
	conns, err := r.module.Connections(ctx, requirementID)
	if err != nil {
		return fmt.Errorf("%s - connections of %s: %w", logPrefix, requirementID, err)
	}
	for _, conn := range conns {
		payload, err := dispatcher.NewCall(uuid.NewString(), cmd, r.params.ModuleID, args)
		if err != nil {
			return err
		}
		reply, err := r.module.CallCommand(ctx, conn, cmd, payload)
		if err != nil {
			return fmt.Errorf("%s - call %s on %s.%s: %w", logPrefix, cmd, conn.ModuleID, conn.ImplementationID, err)
		}
		if decode != nil {
			if err := decode(conn, reply); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close closes the broker connection, waiting for in-flight callbacks, and
// only then releases the handler.
func (r *Runtime) Close() error {
	r.closeOnce.Do(func() {
		// Callbacks still waiting for registration must not block the drain.
		r.slot.abort()
		r.closeErr = r.module.Close()
		r.slot.release()
		slog.Info(fmt.Sprintf("%s - Module %s closed", logPrefix, r.params.ModuleID))
	})
	return r.closeErr
}
