package events

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/morezero/modbridge/pkg/taxonomy"
)

const monitorLogPrefix = "events:monitor"

// Snapshot is a point-in-time view of a StateMonitor.
type Snapshot struct {
	Raised  []taxonomy.Kind
	Cleared []taxonomy.Kind
	Active  []taxonomy.Kind
}

// StateMonitor tracks the error events observed from peers.
type StateMonitor struct {
	union *taxonomy.Union

	mu      sync.Mutex
	raised  map[taxonomy.Kind]bool
	cleared map[taxonomy.Kind]bool
	active  map[taxonomy.Kind]*ErrorEvent
	changed chan struct{}
}

// NewStateMonitor creates a monitor. When union is non-nil, events of other
// kinds are dropped.
func NewStateMonitor(union *taxonomy.Union) *StateMonitor {
	return &StateMonitor{
		union:   union,
		raised:  map[taxonomy.Kind]bool{},
		cleared: map[taxonomy.Kind]bool{},
		active:  map[taxonomy.Kind]*ErrorEvent{},
		changed: make(chan struct{}),
	}
}

// Handle records one event. It is safe for concurrent use.
func (s *StateMonitor) Handle(ev *ErrorEvent) {
	if s.union != nil && !s.union.Contains(ev.Type) {
		slog.Warn(fmt.Sprintf("%s - Dropping event of unexpected kind %s", monitorLogPrefix, ev.Type))
		return
	}

	s.mu.Lock()
	if ev.Cleared() {
		s.cleared[ev.Type] = true
		delete(s.active, ev.Type)
	} else {
		s.raised[ev.Type] = true
		s.active[ev.Type] = ev
	}
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
}

// IsActive reports whether kind is currently raised.
func (s *StateMonitor) IsActive(kind taxonomy.Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[kind]
	return ok
}

// Snapshot returns the sorted raised, cleared and active sets.
func (s *StateMonitor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *StateMonitor) snapshotLocked() Snapshot {
	active := make(map[taxonomy.Kind]bool, len(s.active))
	for k := range s.active {
		active[k] = true
	}
	return Snapshot{
		Raised:  sortedKinds(s.raised),
		Cleared: sortedKinds(s.cleared),
		Active:  sortedKinds(active),
	}
}

// Wait blocks until cond holds for the current snapshot or ctx is done.
func (s *StateMonitor) Wait(ctx context.Context, cond func(Snapshot) bool) (Snapshot, error) {
	for {
		s.mu.Lock()
		snap := s.snapshotLocked()
		changed := s.changed
		s.mu.Unlock()

		if cond(snap) {
			return snap, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return snap, ctx.Err()
		}
	}
}

func sortedKinds(set map[taxonomy.Kind]bool) []taxonomy.Kind {
	out := make([]taxonomy.Kind, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
