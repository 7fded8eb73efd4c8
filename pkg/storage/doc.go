/*
Package storage provides BoltDB-backed persistence for Ferrum's shared
provisioning state.

The storage package implements the Store interface using BoltDB as the
underlying database, providing ACID transactions for nodes, ports,
portgroups, allocations, node history, registered conductors, deploy
templates, and runbooks. All data is serialized as JSON and stored in
separate buckets.

The interesting part is node locking. A node's Reservation field is the
lock: ReserveNode sets it to the calling conductor's hostname only when it
is currently empty, and ReleaseNode clears it only when held by the caller.
Both run their check and write inside a single bbolt write transaction, so
two conductors racing for the same node serialize on the transaction commit
and exactly one of them wins; the loser gets a NodeLockedError naming the
holder. There is no in-memory lock state that could drift from the store;
the database row is the single source of truth.
*/
package storage
