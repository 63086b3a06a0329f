package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/modbridge/pkg/commsutil"
)

const commsPublisherLogPrefix = "events:comms_publisher"

// CommsPublisherOpts configures CommsPublisher. Nil or zero values use defaults.
type CommsPublisherOpts struct {
	// Prefix is the subject root, commsutil.DefaultPrefix when empty.
	Prefix string
	// Global also mirrors every event onto the global error subject.
	Global bool
}

// CommsPublisher publishes error events to COMMS subjects.
type CommsPublisher struct {
	nc     *comms.Conn
	prefix string
	global atomic.Bool
}

// NewCommsPublisher creates a new CommsPublisher. Pass nil for opts to use defaults.
func NewCommsPublisher(nc *comms.Conn, opts *CommsPublisherOpts) *CommsPublisher {
	p := &CommsPublisher{nc: nc, prefix: commsutil.DefaultPrefix}
	if opts != nil {
		if opts.Prefix != "" {
			p.prefix = opts.Prefix
		}
		p.global.Store(opts.Global)
	}
	return p
}

// EnableGlobal starts mirroring events onto the global error subject.
func (p *CommsPublisher) EnableGlobal() {
	p.global.Store(true)
}

// PublishError publishes the event on the origin implementation's error
// subject and, when enabled, on the global error subject.
func (p *CommsPublisher) PublishError(_ context.Context, event *ErrorEvent) error {
	data, err := commsutil.EncodePayload(event)
	if err != nil {
		return fmt.Errorf("%s - failed to encode event: %w", commsPublisherLogPrefix, err)
	}

	subject := commsutil.ErrorSubject(p.prefix, event.Origin.ModuleID, event.Origin.ImplementationID)
	if err := p.nc.Publish(subject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, subject, err))
		return err
	}

	if p.global.Load() {
		globalSubject := commsutil.GlobalErrorSubject(p.prefix)
		if err := p.nc.Publish(globalSubject, data); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, globalSubject, err))
			return err
		}
	}

	slog.Debug(fmt.Sprintf("%s - Published %s %s from %s.%s", commsPublisherLogPrefix,
		event.State, event.Type, event.Origin.ModuleID, event.Origin.ImplementationID))
	return nil
}
