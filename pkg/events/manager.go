package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/modbridge/pkg/taxonomy"
)

const managerLogPrefix = "events:manager"

var (
	// ErrAlreadyActive is returned when raising an error that is still active.
	ErrAlreadyActive = errors.New("error already active")
	// ErrNotActive is returned when clearing an error that is not active.
	ErrNotActive = errors.New("error not active")
)

// ErrorManager raises and clears the errors of one implementation. Only
// kinds of its union can be raised.
type ErrorManager struct {
	origin    Origin
	union     *taxonomy.Union
	publisher EventPublisher
	now       func() time.Time

	mu     sync.Mutex
	order  []taxonomy.Kind
	active map[taxonomy.Kind]*ErrorEvent
}

// NewErrorManager creates an ErrorManager for origin. A nil publisher
// discards events.
func NewErrorManager(origin Origin, union *taxonomy.Union, publisher EventPublisher) *ErrorManager {
	if publisher == nil {
		publisher = &NoOpPublisher{}
	}
	return &ErrorManager{
		origin:    origin,
		union:     union,
		publisher: publisher,
		now:       time.Now,
		active:    map[taxonomy.Kind]*ErrorEvent{},
	}
}

// Union returns the kinds this manager may raise.
func (m *ErrorManager) Union() *taxonomy.Union { return m.union }

// Kind resolves file and name against the union.
func (m *ErrorManager) Kind(file, name string) (taxonomy.Kind, error) {
	return m.union.Kind(file, name)
}

// Raise publishes an Active event for kind.
func (m *ErrorManager) Raise(ctx context.Context, kind taxonomy.Kind, message string, severity Severity) error {
	if !m.union.Contains(kind) {
		return &taxonomy.UnknownKindError{Kind: kind.String()}
	}
	switch severity {
	case SeverityLow, SeverityMedium, SeverityHigh:
	default:
		return fmt.Errorf("%s - unknown severity %q", managerLogPrefix, severity)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[kind]; ok {
		return fmt.Errorf("%s - %s: %w", managerLogPrefix, kind, ErrAlreadyActive)
	}

	ev := &ErrorEvent{
		Type:        kind,
		Message:     message,
		Description: m.union.Describe(kind),
		Origin:      m.origin,
		Severity:    severity,
		Timestamp:   m.now().UTC().Format(time.RFC3339Nano),
		UUID:        uuid.NewString(),
		State:       StateActive,
	}
	if err := m.publisher.PublishError(ctx, ev); err != nil {
		return fmt.Errorf("%s - failed to publish %s: %w", managerLogPrefix, kind, err)
	}
	m.active[kind] = ev
	m.order = append(m.order, kind)

	slog.Info(fmt.Sprintf("%s - Raised %s on %s.%s", managerLogPrefix, kind, m.origin.ModuleID, m.origin.ImplementationID))
	return nil
}

// Clear publishes a ClearedByModule event for an active kind.
func (m *ErrorManager) Clear(ctx context.Context, kind taxonomy.Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clearLocked(ctx, kind)
}

// ClearAll clears every active error in the order they were raised.
func (m *ErrorManager) ClearAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kinds := append([]taxonomy.Kind(nil), m.order...)
	for _, k := range kinds {
		if err := m.clearLocked(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (m *ErrorManager) clearLocked(ctx context.Context, kind taxonomy.Kind) error {
	raised, ok := m.active[kind]
	if !ok {
		return fmt.Errorf("%s - %s: %w", managerLogPrefix, kind, ErrNotActive)
	}

	ev := *raised
	ev.State = StateClearedByModule
	ev.Timestamp = m.now().UTC().Format(time.RFC3339Nano)
	if err := m.publisher.PublishError(ctx, &ev); err != nil {
		return fmt.Errorf("%s - failed to publish clear of %s: %w", managerLogPrefix, kind, err)
	}

	delete(m.active, kind)
	for i, k := range m.order {
		if k == kind {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	slog.Info(fmt.Sprintf("%s - Cleared %s on %s.%s", managerLogPrefix, kind, m.origin.ModuleID, m.origin.ImplementationID))
	return nil
}

// Active returns the active kinds in raise order.
func (m *ErrorManager) Active() []taxonomy.Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]taxonomy.Kind(nil), m.order...)
}
