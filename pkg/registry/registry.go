// Package registry derives the set of command registrations a module must
// install from its manifest and the interfaces it provides.
package registry

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/morezero/modbridge/pkg/schema"
)

// InterfaceResolver looks up interface definitions by name.
type InterfaceResolver interface {
	Interface(name string) (*schema.Interface, error)
}

// ResolverFunc adapts a function to InterfaceResolver.
type ResolverFunc func(name string) (*schema.Interface, error)

// Interface implements InterfaceResolver.
func (f ResolverFunc) Interface(name string) (*schema.Interface, error) { return f(name) }

// Registration binds one command of one implementation.
type Registration struct {
	ImplementationID string
	Command          string
	Interface        string
	Arguments        map[string]schema.Type
	Result           *schema.Type
}

// Key is the "<impl>.<cmd>" identity of the registration.
func (r Registration) Key() string {
	return r.ImplementationID + "." + r.Command
}

// UnresolvedInterfaceError reports a provided interface the resolver could
// not supply.
type UnresolvedInterfaceError struct {
	ImplementationID string
	Interface        string
	Err              error
}

func (e *UnresolvedInterfaceError) Error() string {
	return fmt.Sprintf("registry: implementation %q: cannot resolve interface %q: %v",
		e.ImplementationID, e.Interface, e.Err)
}

func (e *UnresolvedInterfaceError) Unwrap() error { return e.Err }

// Set is an immutable, ordered collection of registrations.
type Set struct {
	entries []Registration
	index   map[string]int
}

// Build produces one registration per (provided implementation, command),
// ordered by implementation id then command name.
func Build(manifest *schema.Manifest, resolver InterfaceResolver) (*Set, error) {
	implIDs := make([]string, 0, len(manifest.Provides))
	for id := range manifest.Provides {
		implIDs = append(implIDs, id)
	}
	sort.Strings(implIDs)

	s := &Set{index: map[string]int{}}
	for _, implID := range implIDs {
		p := manifest.Provides[implID]
		iface, err := resolver.Interface(p.Interface)
		if err != nil {
			return nil, &UnresolvedInterfaceError{ImplementationID: implID, Interface: p.Interface, Err: err}
		}
		if iface == nil {
			return nil, &UnresolvedInterfaceError{ImplementationID: implID, Interface: p.Interface,
				Err: fmt.Errorf("resolver returned no interface")}
		}

		cmds := make([]string, 0, len(iface.Cmds))
		for name := range iface.Cmds {
			cmds = append(cmds, name)
		}
		sort.Strings(cmds)

		for _, name := range cmds {
			cmd := iface.Cmds[name]
			r := Registration{
				ImplementationID: implID,
				Command:          name,
				Interface:        p.Interface,
				Arguments:        cmd.Arguments,
				Result:           cmd.Result,
			}
			s.index[r.Key()] = len(s.entries)
			s.entries = append(s.entries, r)
		}
	}
	return s, nil
}

// Len returns the number of registrations.
func (s *Set) Len() int { return len(s.entries) }

// All returns a copy of the registrations in order.
func (s *Set) All() []Registration {
	out := make([]Registration, len(s.entries))
	copy(out, s.entries)
	return out
}

// Lookup finds the registration for implID and cmd.
func (s *Set) Lookup(implID, cmd string) (Registration, bool) {
	i, ok := s.index[implID+"."+cmd]
	if !ok {
		return Registration{}, false
	}
	return s.entries[i], true
}

// CheckArguments validates a call's arguments against the declared types.
// Every declared argument is required; undeclared ones are ignored.
func (r Registration) CheckArguments(args map[string]json.RawMessage) error {
	names := make([]string, 0, len(r.Arguments))
	for name := range r.Arguments {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		raw, ok := args[name]
		if !ok {
			return &ArgumentError{Command: r.Key(), Argument: name, Kind: ArgumentMissing}
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return &ArgumentError{Command: r.Key(), Argument: name, Kind: ArgumentInvalid, Err: err}
		}
		typ := r.Arguments[name]
		if err := typ.Check(v); err != nil {
			return &ArgumentError{Command: r.Key(), Argument: name, Kind: ArgumentInvalid, Err: err}
		}
	}
	return nil
}
