package storage

import (
	"errors"
	"fmt"
)

// NodeLockedError is returned when a conditional reservation fails because
// another conductor already holds the node. Retryable.
type NodeLockedError struct {
	Node string
	Host string
}

func (e *NodeLockedError) Error() string {
	return fmt.Sprintf("node %s is locked by conductor %s, please retry after the current operation is completed", e.Node, e.Host)
}

// NodeNotLockedError is returned when releasing a node that this host does
// not hold.
type NodeNotLockedError struct {
	Node string
	Host string
}

func (e *NodeNotLockedError) Error() string {
	return fmt.Sprintf("node %s is not locked by conductor %s", e.Node, e.Host)
}

// NotFoundError is returned when a record does not exist. Non-retryable.
type NotFoundError struct {
	Kind  string
	Ident string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Ident)
}

// InvalidParameterError reports caller input that fails validation. The
// message is safe to surface verbatim.
type InvalidParameterError struct {
	Msg string
}

func (e *InvalidParameterError) Error() string { return e.Msg }

// IsNotFound reports whether err wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsNodeLocked reports whether err wraps a NodeLockedError.
func IsNodeLocked(err error) bool {
	var nl *NodeLockedError
	return errors.As(err, &nl)
}
