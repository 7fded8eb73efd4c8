// Package log wraps zerolog with a process-wide logger and helpers for the
// child-logger fields used across Ferrum (component, node, conductor).
package log
