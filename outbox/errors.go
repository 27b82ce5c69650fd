package outbox

import "errors"

var (
	ErrEntryRequired           = errors.New("outbox entry is required")
	ErrEntryPayloadRequired    = errors.New("outbox entry payload is required")
	ErrRepositoryRequired      = errors.New("outbox repository is required")
	ErrDispatcherRequired      = errors.New("outbox dispatcher is required")
	ErrDispatcherRunning       = errors.New("outbox dispatcher is already running")
	ErrHandlerRegistryRequired = errors.New("handler registry is required")
	ErrEventTypeRequired       = errors.New("event type is required")
	ErrEventHandlerRequired    = errors.New("event handler is required")
	ErrHandlerNotRegistered    = errors.New("no event handler registered")
	ErrStatusInvalid           = errors.New("invalid outbox status")
	ErrTransitionInvalid       = errors.New("invalid outbox status transition")
	ErrHandlerPanicked         = errors.New("event handler panicked")
)
