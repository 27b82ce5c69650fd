// Package postgres implements the outbox repository on PostgreSQL.
//
// Claiming uses FOR UPDATE SKIP LOCKED so relay workers on separate
// connections never contend on the same rows, and every status mutation is a
// conditional update so a lost lease surfaces as a state transition conflict
// instead of a double dispatch.
package postgres
