// Package states implements the node provisioning state machine: the fixed
// transition table, the events that drive it, and the helpers that classify
// stable and wait states. Nothing here touches storage; callers persist the
// node after a successful transition.
package states
