// Package order is the reference aggregate exercising the outbox core end to
// end: every business transition records exactly one domain event, and the
// unit of work persists state and events atomically.
package order

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/harborline/lib-outbox/aggregate"
	"github.com/harborline/lib-outbox/event"
)

// AggregateType is the aggregate type name stored on every order event.
const AggregateType = "order"

// Event types emitted by the order lifecycle.
const (
	EventTypePlaced    = "order.placed"
	EventTypePaid      = "order.paid"
	EventTypeCancelled = "order.cancelled"
)

// SchemaVersion is the payload schema version for all order events.
const SchemaVersion = 1

// Status represents the order lifecycle state.
type Status string

const (
	StatusPlaced    Status = "PLACED"
	StatusPaid      Status = "PAID"
	StatusCancelled Status = "CANCELLED"
)

var (
	ErrCustomerRequired    = errors.New("customer id is required")
	ErrTotalMustBePositive = errors.New("order total must be greater than zero")
	ErrCurrencyInvalid     = errors.New("currency must be a three-letter code")
	ErrPaymentRefRequired  = errors.New("payment reference is required")
	ErrNotPayable          = errors.New("order is not in a payable state")
	ErrNotCancellable      = errors.New("order is not in a cancellable state")
)

// PlacedPayload is the serialized body of an order.placed event.
type PlacedPayload struct {
	OrderID    uuid.UUID       `json:"orderId"`
	CustomerID uuid.UUID       `json:"customerId"`
	Total      decimal.Decimal `json:"total"`
	Currency   string          `json:"currency"`
}

// PaidPayload is the serialized body of an order.paid event.
type PaidPayload struct {
	OrderID    uuid.UUID `json:"orderId"`
	PaymentRef string    `json:"paymentRef"`
}

// CancelledPayload is the serialized body of an order.cancelled event.
type CancelledPayload struct {
	OrderID uuid.UUID `json:"orderId"`
	Reason  string    `json:"reason"`
}

// Order is a customer order. It embeds the aggregate base, so mutations
// buffer events in memory until the unit of work flushes them.
type Order struct {
	aggregate.Root

	customerID uuid.UUID
	total      decimal.Decimal
	currency   string
	status     Status
}

// Place creates a new order and records the order.placed event.
func Place(orderID, customerID uuid.UUID, total decimal.Decimal, currency string) (*Order, error) {
	if customerID == uuid.Nil {
		return nil, ErrCustomerRequired
	}

	if !total.IsPositive() {
		return nil, ErrTotalMustBePositive
	}

	currency = strings.ToUpper(strings.TrimSpace(currency))
	if len(currency) != 3 {
		return nil, ErrCurrencyInvalid
	}

	root, err := aggregate.NewRoot(orderID)
	if err != nil {
		return nil, err
	}

	ord := &Order{
		Root:       root,
		customerID: customerID,
		total:      total,
		currency:   currency,
		status:     StatusPlaced,
	}

	if err := ord.record(EventTypePlaced, PlacedPayload{
		OrderID:    orderID,
		CustomerID: customerID,
		Total:      total,
		Currency:   currency,
	}); err != nil {
		return nil, err
	}

	return ord, nil
}

// Hydrate rebuilds an order from persisted state. No event is recorded.
func Hydrate(
	orderID uuid.UUID,
	version int64,
	customerID uuid.UUID,
	total decimal.Decimal,
	currency string,
	status Status,
) (*Order, error) {
	root, err := aggregate.HydrateRoot(orderID, version)
	if err != nil {
		return nil, err
	}

	return &Order{
		Root:       root,
		customerID: customerID,
		total:      total,
		currency:   currency,
		status:     status,
	}, nil
}

// Pay marks a placed order as paid and records the order.paid event.
func (ord *Order) Pay(paymentRef string) error {
	paymentRef = strings.TrimSpace(paymentRef)
	if paymentRef == "" {
		return ErrPaymentRefRequired
	}

	if ord.status != StatusPlaced {
		return fmt.Errorf("%w: %s", ErrNotPayable, ord.status)
	}

	if err := ord.record(EventTypePaid, PaidPayload{
		OrderID:    ord.AggregateID(),
		PaymentRef: paymentRef,
	}); err != nil {
		return err
	}

	ord.status = StatusPaid

	return nil
}

// Cancel cancels a placed order and records the order.cancelled event. Paid
// orders cannot be cancelled; a refund is a separate business flow.
func (ord *Order) Cancel(reason string) error {
	if ord.status != StatusPlaced {
		return fmt.Errorf("%w: %s", ErrNotCancellable, ord.status)
	}

	if err := ord.record(EventTypeCancelled, CancelledPayload{
		OrderID: ord.AggregateID(),
		Reason:  strings.TrimSpace(reason),
	}); err != nil {
		return err
	}

	ord.status = StatusCancelled

	return nil
}

// AggregateType returns the aggregate type name.
func (ord *Order) AggregateType() string {
	return AggregateType
}

// CustomerID returns the owning customer.
func (ord *Order) CustomerID() uuid.UUID {
	return ord.customerID
}

// Total returns the order total.
func (ord *Order) Total() decimal.Decimal {
	return ord.total
}

// Currency returns the ISO currency code.
func (ord *Order) Currency() string {
	return ord.currency
}

// Status returns the lifecycle state.
func (ord *Order) Status() Status {
	return ord.status
}

func (ord *Order) record(eventType string, payload any) error {
	evt, err := event.New(AggregateType, ord.AggregateID(), eventType, SchemaVersion, payload)
	if err != nil {
		return fmt.Errorf("recording %s: %w", eventType, err)
	}

	return ord.Record(evt)
}
