// Package conductor is the control plane for managed nodes. A conductor
// takes per-node reservations through the store, drives provisioning
// through the state machine, runs hardware operations on a bounded worker
// pool, and sweeps for wait-state timeouts and nodes abandoned by offline
// conductors.
//
// The central type is Task: a reservation-backed handle on one node.
// Callers acquire a task, defer its Release, and either do their work
// synchronously or hand the task to a pool goroutine with SpawnAfter,
// which keeps the reservation held until the background work finishes.
package conductor
