// Package broker defines the contract between a module runtime and the
// message broker, with an in-process implementation and a NATS binding.
package broker

import (
	"context"
	"errors"

	"github.com/morezero/modbridge/pkg/events"
)

var (
	// ErrClosed is returned by operations on a closed module.
	ErrClosed = errors.New("broker: module closed")
	// ErrNoResponse is returned when a command produced no reply.
	ErrNoResponse = errors.New("broker: command produced no response")
)

// CommandMeta identifies the command a callback is bound to.
type CommandMeta struct {
	ImplementationID string
	Command          string
}

// CommandFunc handles one serialized call. Returning nil sends no reply.
type CommandFunc func(meta CommandMeta, payload []byte) []byte

// ReadyFunc is invoked once, when every module of the system is ready.
type ReadyFunc func()

// ErrorFunc receives error events of a peer implementation.
type ErrorFunc func(event *events.ErrorEvent)

// Connection is one fulfilment of a requirement.
type Connection struct {
	ModuleID         string `json:"module_id"`
	ImplementationID string `json:"implementation_id"`
}

// ModuleConfig holds the resolved config values of a module instance.
type ModuleConfig struct {
	Module          map[string]any            `json:"module"`
	Implementations map[string]map[string]any `json:"implementations,omitempty"`
}

// Module is a module's handle onto the broker. Callbacks run on broker
// goroutines and may run concurrently.
type Module interface {
	// Initialize returns the module's manifest document.
	Initialize(ctx context.Context) ([]byte, error)
	GetInterface(ctx context.Context, name string) ([]byte, error)
	GetErrorList(ctx context.Context, file string) ([]byte, error)
	Config(ctx context.Context) (*ModuleConfig, error)
	// Connections lists the implementations fulfilling a requirement.
	Connections(ctx context.Context, requirementID string) ([]Connection, error)
	ProvideCommand(meta CommandMeta, fn CommandFunc) error
	// SignalReady announces that registration is complete; fn runs once the
	// whole system is ready.
	SignalReady(fn ReadyFunc) error
	PublishError(ctx context.Context, event *events.ErrorEvent) error
	// EnableGlobalErrors also mirrors published events onto the global
	// error subject.
	EnableGlobalErrors()
	SubscribeErrors(conn Connection, fn ErrorFunc) error
	CallCommand(ctx context.Context, conn Connection, cmd string, payload []byte) ([]byte, error)
	// Close stops delivery and waits for in-flight callbacks.
	Close() error
}

// Opener connects a module to the broker. installPrefix and configPath are
// the process entry parameters of the module.
type Opener func(ctx context.Context, moduleID, installPrefix, configPath string) (Module, error)
