// Package dispatcher bridges serialized command calls from the broker to a
// single type-erased module handler.
package dispatcher

import (
	"encoding/json"
	"fmt"

	"github.com/morezero/modbridge/pkg/registry"
)

// Envelope types.
const (
	TypeCall   = "call"
	TypeResult = "result"
)

// CommandRequest is the JSON envelope of an incoming command call.
type CommandRequest struct {
	ID     string    `json:"id"`
	Name   string    `json:"name,omitempty"`
	Type   string    `json:"type,omitempty"`
	Args   Arguments `json:"args"`
	Origin string    `json:"origin,omitempty"`
}

// CommandResponse is the JSON envelope of a command result.
type CommandResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	Retval any    `json:"retval"`
	Origin string `json:"origin,omitempty"`
}

// Arguments are the named, still-encoded arguments of a call.
type Arguments map[string]json.RawMessage

// ArgumentError is returned by Arguments.Decode.
type ArgumentError = registry.ArgumentError

// Has reports whether the argument is present.
func (a Arguments) Has(name string) bool {
	_, ok := a[name]
	return ok
}

// Decode unmarshals the named argument into v.
func (a Arguments) Decode(name string, v any) error {
	raw, ok := a[name]
	if !ok {
		return &ArgumentError{Argument: name, Kind: registry.ArgumentMissing}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &ArgumentError{Argument: name, Kind: registry.ArgumentInvalid, Err: err}
	}
	return nil
}

// NewCall builds the envelope for calling a command with args.
func NewCall(id, name, origin string, args map[string]any) ([]byte, error) {
	encoded := make(Arguments, len(args))
	for k, v := range args {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("dispatcher:envelope - failed to encode argument %q: %w", k, err)
		}
		encoded[k] = raw
	}
	return json.Marshal(CommandRequest{ID: id, Name: name, Type: TypeCall, Args: encoded, Origin: origin})
}

// DecodeResult extracts the return value of a result envelope into v.
func DecodeResult(data []byte, v any) error {
	var resp struct {
		ID     string          `json:"id"`
		Type   string          `json:"type"`
		Retval json.RawMessage `json:"retval"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("dispatcher:envelope - malformed result: %w", err)
	}
	if resp.Type != TypeResult {
		return fmt.Errorf("dispatcher:envelope - unexpected envelope type %q", resp.Type)
	}
	if v == nil || len(resp.Retval) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Retval, v)
}
