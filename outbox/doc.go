// Package outbox implements the durable half of the transactional outbox
// pattern: entries written in the same transaction as the business change,
// and the relay that claims, dispatches, and retires them.
package outbox
