package eventbus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/leafybank/transactor/pkg/domain/events"
)

// SimpleEventBus is an in-process EventBus. Handlers for an event type run
// in subscription order; handlers that must not block the publisher are
// expected to spawn their own goroutine.
type SimpleEventBus struct {
	handlers map[string][]func(context.Context, events.Event)
	mu       sync.RWMutex
}

// NewSimpleEventBus creates an empty in-process bus.
func NewSimpleEventBus() *SimpleEventBus {
	return &SimpleEventBus{handlers: make(map[string][]func(context.Context, events.Event))}
}

// Publish delivers the event to all subscribers of its type.
func (b *SimpleEventBus) Publish(ctx context.Context, event events.Event) error {
	slog.Debug("eventbus publish", "event_type", event.Type())
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, handler := range b.handlers[event.Type()] {
		handler(ctx, event)
	}
	return nil
}

// Subscribe registers a handler for the given event type.
func (b *SimpleEventBus) Subscribe(eventType string, handler func(context.Context, events.Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}
