package events

import "context"

// EventPublisher is the interface for publishing error events.
type EventPublisher interface {
	PublishError(ctx context.Context, event *ErrorEvent) error
}

// NoOpPublisher is an EventPublisher that does nothing.
type NoOpPublisher struct{}

// PublishError is a no-op.
func (p *NoOpPublisher) PublishError(_ context.Context, _ *ErrorEvent) error {
	return nil
}

// CallbackPublisher is an EventPublisher that calls a callback function.
type CallbackPublisher struct {
	callback func(ctx context.Context, event *ErrorEvent) error
}

// NewCallbackPublisher creates a new CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, event *ErrorEvent) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

// PublishError calls the callback.
func (p *CallbackPublisher) PublishError(ctx context.Context, event *ErrorEvent) error {
	return p.callback(ctx, event)
}
