package outbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// EventHandler consumes one outbox entry. Handlers must be idempotent:
// delivery is at-least-once by design.
type EventHandler func(ctx context.Context, entry *Entry) error

// HandlerRegistry stores event handlers by event type. Multiple handlers may
// subscribe to the same type; an entry is dispatched only when all of them
// succeed.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: map[string][]EventHandler{}}
}

// Register subscribes a handler to an event type.
func (registry *HandlerRegistry) Register(eventType string, handler EventHandler) error {
	if registry == nil {
		return ErrHandlerRegistryRequired
	}

	normalizedType := strings.TrimSpace(eventType)
	if normalizedType == "" {
		return ErrEventTypeRequired
	}

	if handler == nil {
		return ErrEventHandlerRequired
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if registry.handlers == nil {
		registry.handlers = make(map[string][]EventHandler)
	}

	registry.handlers[normalizedType] = append(registry.handlers[normalizedType], handler)

	return nil
}

// Handle invokes every handler registered for the entry's event type,
// stopping at the first failure.
func (registry *HandlerRegistry) Handle(ctx context.Context, entry *Entry) error {
	if registry == nil {
		return ErrHandlerRegistryRequired
	}

	if entry == nil {
		return ErrEntryRequired
	}

	eventType := strings.TrimSpace(entry.EventType)
	if eventType == "" {
		return ErrEventTypeRequired
	}

	registry.mu.RLock()
	handlers := append([]EventHandler(nil), registry.handlers[eventType]...)
	registry.mu.RUnlock()

	if len(handlers) == 0 {
		return fmt.Errorf("%w: %s", ErrHandlerNotRegistered, eventType)
	}

	for index, handler := range handlers {
		if err := invokeHandler(ctx, handler, entry); err != nil {
			return fmt.Errorf("handler %d for %s: %w", index, eventType, err)
		}
	}

	return nil
}

// invokeHandler shields the relay from handler panics; a panic surfaces as
// an ordinary failure for that entry only.
func invokeHandler(ctx context.Context, handler EventHandler, entry *Entry) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanicked, recovered)
		}
	}()

	return handler(ctx, entry)
}
