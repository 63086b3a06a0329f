package runtime

import (
	"fmt"
	"sync"

	"github.com/morezero/modbridge/pkg/broker"
	"github.com/morezero/modbridge/pkg/dispatcher"
)

type slotState int

const (
	slotPending slotState = iota
	slotOpen
	slotAborted
	slotReleased
)

// slot pins the dispatcher for the lifetime of a broker connection. The
// broker only ever holds the slot's methods; the dispatcher behind it is
// set once and dropped by release.
type slot struct {
	gate     chan struct{}
	gateOnce sync.Once

	mu    sync.RWMutex
	state slotState
	d     *dispatcher.Dispatcher
}

func newSlot(d *dispatcher.Dispatcher) *slot {
	return &slot{gate: make(chan struct{}), d: d}
}

// open lets callbacks through once every command is registered.
func (s *slot) open() {
	s.mu.Lock()
	if s.state == slotPending {
		s.state = slotOpen
	}
	s.mu.Unlock()
	s.gateOnce.Do(func() { close(s.gate) })
}

// abort unblocks waiting callbacks without running them. Used when startup
// fails or the runtime closes before registration completed.
func (s *slot) abort() {
	s.mu.Lock()
	if s.state == slotPending {
		s.state = slotAborted
	}
	s.mu.Unlock()
	s.gateOnce.Do(func() { close(s.gate) })
}

// release drops the dispatcher. The broker connection must already be closed.
func (s *slot) release() {
	s.abort()
	s.mu.Lock()
	s.state = slotReleased
	s.d = nil
	s.mu.Unlock()
}

func (s *slot) enter() (*dispatcher.Dispatcher, bool) {
	<-s.gate
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch s.state {
	case slotReleased:
		panic(fmt.Sprintf("%s - callback after the handler was released", logPrefix))
	case slotAborted:
		return nil, false
	}
	return s.d, true
}

// dispatch is the CommandFunc registered for every command.
func (s *slot) dispatch(meta broker.CommandMeta, payload []byte) []byte {
	d, ok := s.enter()
	if !ok {
		return nil
	}
	return d.Dispatch(meta, payload)
}

// ready is the ReadyFunc passed to SignalReady.
func (s *slot) ready() {
	d, ok := s.enter()
	if !ok {
		return
	}
	d.Ready()
}
