package dispatcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/morezero/modbridge/pkg/broker"
	"github.com/morezero/modbridge/pkg/commsutil"
	"github.com/morezero/modbridge/pkg/metrics"
	"github.com/morezero/modbridge/pkg/registry"
)

const logPrefix = "dispatcher:dispatch"

// GenericModule is the single handler a module registers with the runtime.
// HandleCommand may be called concurrently from broker goroutines.
type GenericModule interface {
	HandleCommand(implID, name string, args Arguments) (any, error)
	OnReady()
}

// FatalFunc is called when a call cannot be completed. It is not expected
// to return in production.
type FatalFunc func(msg string, err error)

// ExitOnFatal logs and terminates the process.
func ExitOnFatal(msg string, err error) {
	slog.Error(fmt.Sprintf("%s - %s: %v", logPrefix, msg, err))
	os.Exit(1)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithFatal replaces the fatal policy. Tests use it to observe failures.
func WithFatal(f FatalFunc) Option {
	return func(d *Dispatcher) { d.fatal = f }
}

// WithRegistrations validates call arguments against the registered
// command types. Calls that do not validate are fatal.
func WithRegistrations(set *registry.Set) Option {
	return func(d *Dispatcher) { d.regs = set }
}

// WithOrigin sets the origin reported in result envelopes.
func WithOrigin(moduleID string) Option {
	return func(d *Dispatcher) { d.origin = moduleID }
}

// Dispatcher turns serialized calls into HandleCommand invocations.
type Dispatcher struct {
	handler GenericModule
	fatal   FatalFunc
	regs    *registry.Set
	origin  string
}

// New creates a Dispatcher for handler.
func New(handler GenericModule, opts ...Option) *Dispatcher {
	d := &Dispatcher{handler: handler, fatal: ExitOnFatal}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch decodes payload, calls the handler and encodes its result.
// A nil return means no reply is sent, which only happens after the fatal
// policy ran. Malformed payloads, envelopes that are not a call to this
// command, arguments that fail the registration's checks, handler errors and
// unencodable results are all fatal.
func (d *Dispatcher) Dispatch(meta broker.CommandMeta, payload []byte) []byte {
	slog.Debug(fmt.Sprintf("%s - %s.%s", logPrefix, meta.ImplementationID, meta.Command))

	var req CommandRequest
	if err := commsutil.DecodeEnvelope(payload, &req); err != nil {
		// TODO: report malformed payloads to the caller once the envelope
		// carries an error field; until then they are fatal like handler errors.
		d.fatal(fmt.Sprintf("malformed call to %s.%s", meta.ImplementationID, meta.Command), err)
		return nil
	}
	if (req.Type != "" && req.Type != TypeCall) || (req.Name != "" && req.Name != meta.Command) {
		d.fatal(fmt.Sprintf("unexpected envelope on %s.%s", meta.ImplementationID, meta.Command),
			fmt.Errorf("type %q, name %q", req.Type, req.Name))
		return nil
	}
	if req.Args == nil {
		req.Args = Arguments{}
	}

	if d.regs != nil {
		reg, ok := d.regs.Lookup(meta.ImplementationID, meta.Command)
		if !ok {
			d.fatal(fmt.Sprintf("call to unregistered command %s.%s", meta.ImplementationID, meta.Command),
				errors.New("no registration"))
			return nil
		}
		if err := reg.CheckArguments(req.Args); err != nil {
			reason := "invalid"
			var ae *registry.ArgumentError
			if errors.As(err, &ae) {
				reason = ae.Kind.String()
			}
			metrics.DispatchRejectedTotal.WithLabelValues(meta.ImplementationID, meta.Command, reason).Inc()
			d.fatal(fmt.Sprintf("call %s to %s.%s with %s arguments", req.ID, meta.ImplementationID, meta.Command, reason), err)
			return nil
		}
	}

	start := time.Now()
	result, err := d.handler.HandleCommand(meta.ImplementationID, meta.Command, req.Args)
	metrics.DispatchDuration.WithLabelValues(meta.ImplementationID, meta.Command).Observe(time.Since(start).Seconds())
	metrics.DispatchTotal.WithLabelValues(meta.ImplementationID, meta.Command).Inc()
	if err != nil {
		d.fatal(fmt.Sprintf("handler failed for %s.%s", meta.ImplementationID, meta.Command), err)
		return nil
	}

	out, err := json.Marshal(CommandResponse{
		ID:     req.ID,
		Name:   meta.Command,
		Type:   TypeResult,
		Retval: result,
		Origin: d.origin,
	})
	if err != nil {
		d.fatal(fmt.Sprintf("cannot encode result of %s.%s", meta.ImplementationID, meta.Command), err)
		return nil
	}
	return out
}

// Ready forwards the global ready signal to the handler.
func (d *Dispatcher) Ready() {
	d.handler.OnReady()
}
