// Package events defines error events raised by module implementations and
// the publishers and observers that carry them.
package events

import (
	"github.com/morezero/modbridge/pkg/taxonomy"
)

// Severity of a raised error.
type Severity string

const (
	SeverityLow    Severity = "Low"
	SeverityMedium Severity = "Medium"
	SeverityHigh   Severity = "High"
)

// State of an error event.
type State string

const (
	StateActive          State = "Active"
	StateClearedByModule State = "ClearedByModule"
	StateClearedByReboot State = "ClearedByReboot"
)

// Origin identifies the implementation that raised an error.
type Origin struct {
	ModuleID         string `json:"module_id"`
	ImplementationID string `json:"implementation_id"`
}

// ErrorEvent is emitted when an error is raised or cleared.
type ErrorEvent struct {
	Type        taxonomy.Kind `json:"type"`
	Message     string        `json:"message"`
	Description string        `json:"description"`
	Origin      Origin        `json:"origin"`
	Severity    Severity      `json:"severity"`
	Timestamp   string        `json:"timestamp"`
	UUID        string        `json:"uuid"`
	State       State         `json:"state"`
}

// Cleared reports whether the event clears a previously raised error.
func (e *ErrorEvent) Cleared() bool {
	return e.State == StateClearedByModule || e.State == StateClearedByReboot
}
