package outbox

import "fmt"

// Raw status values as stored in the status column.
const (
	StatusPendingRaw      = "PENDING"
	StatusProcessingRaw   = "PROCESSING"
	StatusDispatchedRaw   = "DISPATCHED"
	StatusFailedRaw       = "FAILED"
	StatusDeadLetteredRaw = "DEAD_LETTERED"
)

// Status represents a valid outbox entry lifecycle state.
type Status string

const (
	StatusPending      Status = StatusPendingRaw
	StatusProcessing   Status = StatusProcessingRaw
	StatusDispatched   Status = StatusDispatchedRaw
	StatusFailed       Status = StatusFailedRaw
	StatusDeadLettered Status = StatusDeadLetteredRaw
)

// ParseStatus validates and converts a raw string status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)

	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the outbox lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case StatusPending, StatusProcessing, StatusDispatched, StatusFailed, StatusDeadLettered:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status ends normal relay processing.
// Dead-lettered entries are terminal for the relay but may be requeued by an
// operator, which restarts the lifecycle from Pending.
func (status Status) IsTerminal() bool {
	return status == StatusDispatched || status == StatusDeadLettered
}

// CanTransitionTo reports whether a transition from status to next is allowed.
//
// The forward path is Pending → Processing → Dispatched. Failures loop
// through Failed → Processing until attempts are exhausted, then land in
// DeadLettered. Processing → Pending is the lease release used when the relay
// gives an entry back without consuming an attempt.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusDispatched || next == StatusFailed ||
			next == StatusDeadLettered || next == StatusPending
	case StatusFailed:
		return next == StatusProcessing
	case StatusDeadLettered:
		return next == StatusPending
	case StatusDispatched:
		return false
	default:
		return false
	}
}

// ValidateTransition validates a status transition using typed lifecycle rules.
func ValidateTransition(fromRaw, toRaw string) error {
	from, err := ParseStatus(fromRaw)
	if err != nil {
		return fmt.Errorf("from status: %w", err)
	}

	to, err := ParseStatus(toRaw)
	if err != nil {
		return fmt.Errorf("to status: %w", err)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionInvalid, from, to)
	}

	return nil
}

func (status Status) String() string {
	return string(status)
}
