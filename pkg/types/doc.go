// Package types defines the core data model shared by all Ferrum packages:
// nodes and their owned records (ports, portgroups, history), provisioning
// and power state constants, steps, templates, runbooks, allocations, and
// registered conductors.
//
// A Node's Reservation field is the lock primitive: it holds the hostname of
// the conductor that currently owns the node, and is only ever set or
// cleared through the storage layer's conditional updates.
package types
