// Package events provides an in-process broker for conductor events:
// provision and power state changes, lock contention, conductor liveness,
// and allocation lifecycle. Subscribers with full buffers are skipped
// rather than blocking the publisher.
package events
