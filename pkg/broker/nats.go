package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/modbridge/pkg/commsutil"
	"github.com/morezero/modbridge/pkg/events"
	"github.com/morezero/modbridge/pkg/metrics"
)

const natsLogPrefix = "broker:nats"

// NATSOptions configures NATS modules.
type NATSOptions struct {
	// URL of the COMMS server.
	URL string
	// SubjectPrefix namespaces every subject; empty means commsutil.DefaultPrefix.
	SubjectPrefix string
	// RequestTimeout bounds manager requests issued outside of a context deadline.
	RequestTimeout time.Duration
	// GlobalErrors mirrors published errors onto the global error subject.
	GlobalErrors bool
	// DrainTimeout bounds Close.
	DrainTimeout time.Duration
}

// NATSOpener returns an Opener connecting modules over NATS.
func NATSOpener(opts NATSOptions) Opener {
	return func(ctx context.Context, moduleID, installPrefix, configPath string) (Module, error) {
		return OpenNATS(ctx, opts, moduleID, installPrefix, configPath)
	}
}

// NATSModule is a Module bound to a NATS connection.
type NATSModule struct {
	nc         *comms.Conn
	moduleID   string
	prefix     string
	installDir string
	configPath string
	opts       NATSOptions
	publisher  *events.CommsPublisher
	closed     chan struct{}

	mu        sync.Mutex
	subs      []*comms.Subscription
	provided  map[CommandMeta]bool
	readyOnce sync.Once
	isClosed  bool
}

// OpenNATS connects moduleID to the server at opts.URL. installPrefix and
// configPath are forwarded to the manager with every request.
func OpenNATS(_ context.Context, opts NATSOptions, moduleID, installPrefix, configPath string) (*NATSModule, error) {
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.DrainTimeout == 0 {
		opts.DrainTimeout = 5 * time.Second
	}
	prefix := opts.SubjectPrefix
	if prefix == "" {
		prefix = commsutil.DefaultPrefix
	}

	closed := make(chan struct{})
	nc, err := commsutil.Connect(opts.URL, "module:"+moduleID,
		comms.ClosedHandler(func(*comms.Conn) {
			slog.Info(fmt.Sprintf("%s - COMMS connection of %s closed", natsLogPrefix, moduleID))
			close(closed)
		}),
		comms.DrainTimeout(opts.DrainTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("%s - %w", natsLogPrefix, err)
	}

	return &NATSModule{
		nc:         nc,
		moduleID:   moduleID,
		prefix:     prefix,
		installDir: installPrefix,
		configPath: configPath,
		opts:       opts,
		publisher:  events.NewCommsPublisher(nc, &events.CommsPublisherOpts{Prefix: prefix, Global: opts.GlobalErrors}),
		closed:     closed,
		provided:   map[CommandMeta]bool{},
	}, nil
}

func (m *NATSModule) request(ctx context.Context, op, name string) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.RequestTimeout)
		defer cancel()
	}

	req := ManagerRequest{
		ID:         uuid.NewString(),
		Module:     m.moduleID,
		Name:       name,
		Prefix:     m.installDir,
		ConfigPath: m.configPath,
	}
	data, err := commsutil.EncodePayload(req)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode %s request: %w", natsLogPrefix, op, err)
	}

	subject := commsutil.ManagerSubject(m.prefix, op)
	msg, err := m.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("%s - %s request for %q failed: %w", natsLogPrefix, op, name, err)
	}

	var resp ManagerResponse
	if err := commsutil.DecodePayload(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("%s - failed to decode %s response: %w", natsLogPrefix, op, err)
	}
	if !resp.Ok {
		if resp.Error == nil {
			return nil, fmt.Errorf("%s - %s request for %q failed", natsLogPrefix, op, name)
		}
		return nil, fmt.Errorf("%s - %s request for %q: %w", natsLogPrefix, op, name, resp.Error)
	}
	return resp.Result, nil
}

func (m *NATSModule) Initialize(ctx context.Context) ([]byte, error) {
	slog.Info(fmt.Sprintf("%s - Initializing module %s", natsLogPrefix, m.moduleID))
	return m.request(ctx, commsutil.OpManifest, m.moduleID)
}

func (m *NATSModule) GetInterface(ctx context.Context, name string) ([]byte, error) {
	return m.request(ctx, commsutil.OpInterface, name)
}

func (m *NATSModule) GetErrorList(ctx context.Context, file string) ([]byte, error) {
	return m.request(ctx, commsutil.OpErrorList, file)
}

func (m *NATSModule) Config(ctx context.Context) (*ModuleConfig, error) {
	raw, err := m.request(ctx, commsutil.OpConfig, m.moduleID)
	if err != nil {
		return nil, err
	}
	var cfg ModuleConfig
	if err := commsutil.DecodePayload(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%s - failed to decode config: %w", natsLogPrefix, err)
	}
	return &cfg, nil
}

func (m *NATSModule) Connections(ctx context.Context, requirementID string) ([]Connection, error) {
	raw, err := m.request(ctx, commsutil.OpConnections, requirementID)
	if err != nil {
		return nil, err
	}
	var conns []Connection
	if err := commsutil.DecodePayload(raw, &conns); err != nil {
		return nil, fmt.Errorf("%s - failed to decode connections: %w", natsLogPrefix, err)
	}
	return conns, nil
}

func (m *NATSModule) subscribe(subject string, handler comms.MsgHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isClosed {
		return ErrClosed
	}
	sub, err := m.nc.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("%s - failed to subscribe to %s: %w", natsLogPrefix, subject, err)
	}
	m.subs = append(m.subs, sub)
	return nil
}

func (m *NATSModule) ProvideCommand(meta CommandMeta, fn CommandFunc) error {
	m.mu.Lock()
	if m.provided[meta] {
		m.mu.Unlock()
		return fmt.Errorf("%s - %s: handler for %s.%s already registered", natsLogPrefix, m.moduleID, meta.ImplementationID, meta.Command)
	}
	m.provided[meta] = true
	m.mu.Unlock()

	subject := commsutil.CommandSubject(m.prefix, m.moduleID, meta.ImplementationID, meta.Command)
	err := m.subscribe(subject, func(msg *comms.Msg) {
		reply := fn(meta, msg.Data)
		if reply == nil || msg.Reply == "" {
			return
		}
		if err := msg.Respond(reply); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to respond on %s: %v", natsLogPrefix, subject, err))
		}
	})
	if err != nil {
		return err
	}
	slog.Debug(fmt.Sprintf("%s - Provided %s", natsLogPrefix, subject))
	return nil
}

func (m *NATSModule) SignalReady(fn ReadyFunc) error {
	err := m.subscribe(commsutil.GlobalReadySubject(m.prefix), func(*comms.Msg) {
		fired := false
		m.readyOnce.Do(func() {
			fired = true
			fn()
		})
		if !fired {
			slog.Debug(fmt.Sprintf("%s - Ignoring repeated global ready for %s", natsLogPrefix, m.moduleID))
		}
	})
	if err != nil {
		return err
	}
	// The global ready subscription must be live before the manager can
	// answer our own ready announcement.
	if err := m.nc.Flush(); err != nil {
		return fmt.Errorf("%s - failed to flush: %w", natsLogPrefix, err)
	}
	if err := m.nc.Publish(commsutil.ModuleReadySubject(m.prefix, m.moduleID), []byte(m.moduleID)); err != nil {
		return fmt.Errorf("%s - failed to publish ready: %w", natsLogPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Module %s signalled ready", natsLogPrefix, m.moduleID))
	return m.nc.Flush()
}

func (m *NATSModule) PublishError(ctx context.Context, event *events.ErrorEvent) error {
	return m.publisher.PublishError(ctx, event)
}

func (m *NATSModule) EnableGlobalErrors() {
	m.publisher.EnableGlobal()
	slog.Info(fmt.Sprintf("%s - Module %s mirrors errors to %s", natsLogPrefix, m.moduleID, commsutil.GlobalErrorSubject(m.prefix)))
}

func (m *NATSModule) SubscribeErrors(conn Connection, fn ErrorFunc) error {
	subject := commsutil.ErrorSubject(m.prefix, conn.ModuleID, conn.ImplementationID)
	err := m.subscribe(subject, func(msg *comms.Msg) {
		var ev events.ErrorEvent
		if err := commsutil.DecodePayload(msg.Data, &ev); err != nil {
			metrics.ErrorEventsRejectedTotal.WithLabelValues(conn.ModuleID+"."+conn.ImplementationID, "malformed").Inc()
			slog.Error(fmt.Sprintf("%s - Rejecting malformed error event on %s: %v", natsLogPrefix, subject, err))
			return
		}
		fn(&ev)
	})
	if err != nil {
		return err
	}
	// Events published after we return must be delivered.
	if err := m.nc.Flush(); err != nil {
		return fmt.Errorf("%s - failed to flush: %w", natsLogPrefix, err)
	}
	return nil
}

func (m *NATSModule) CallCommand(ctx context.Context, conn Connection, cmd string, payload []byte) ([]byte, error) {
	subject := commsutil.CommandSubject(m.prefix, conn.ModuleID, conn.ImplementationID, cmd)
	msg, err := m.nc.RequestWithContext(ctx, subject, payload)
	if err != nil {
		return nil, fmt.Errorf("%s - call %s failed: %w", natsLogPrefix, subject, err)
	}
	return msg.Data, nil
}

// Close drains the connection, which lets in-flight callbacks finish, and
// waits for it to close.
func (m *NATSModule) Close() error {
	m.mu.Lock()
	if m.isClosed {
		m.mu.Unlock()
		return nil
	}
	m.isClosed = true
	n := len(m.subs)
	m.mu.Unlock()

	slog.Info(fmt.Sprintf("%s - Draining module %s (%d subscriptions)", natsLogPrefix, m.moduleID, n))

	if err := m.nc.Drain(); err != nil {
		m.nc.Close()
		return fmt.Errorf("%s - drain failed: %w", natsLogPrefix, err)
	}
	select {
	case <-m.closed:
	case <-time.After(m.opts.DrainTimeout + time.Second):
		m.nc.Close()
		return fmt.Errorf("%s - timed out waiting for drain", natsLogPrefix)
	}
	return nil
}
