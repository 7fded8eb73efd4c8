package states

import (
	"fmt"

	"github.com/ferrumproject/ferrum/pkg/types"
)

// Event is a named transition applied to a node's provision state
type Event string

const (
	EventManage   Event = "manage"
	EventProvide  Event = "provide"
	EventDeploy   Event = "deploy"
	EventClean    Event = "clean"
	EventDelete   Event = "delete"
	EventRescue   Event = "rescue"
	EventUnrescue Event = "unrescue"
	EventWait     Event = "wait"
	EventResume   Event = "resume"
	EventDone     Event = "done"
	EventFail     Event = "fail"
	EventAbort    Event = "abort"
)

// InvalidStateError reports an event that is not legal from the node's
// current provision state. It indicates a programming or consistency error
// and is never silently ignored.
type InvalidStateError struct {
	Node  string
	State types.ProvisionState
	Event Event
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("node %s: event %q is not allowed in provision state %q",
		e.Node, e.Event, e.State)
}

type transitionKey struct {
	from  types.ProvisionState
	event Event
}

// dynamicTarget marks transitions whose destination is the node's current
// target provision state (cleaning can finish into manageable or available
// depending on which verb started it).
const dynamicTarget = types.ProvisionState("<target>")

var transitions = map[transitionKey]types.ProvisionState{
	{types.StateEnroll, EventManage}:   types.StateVerifying,
	{types.StateVerifying, EventDone}:  types.StateManageable,
	{types.StateVerifying, EventFail}:  types.StateEnroll,

	{types.StateManageable, EventProvide}: types.StateCleaning,
	{types.StateManageable, EventClean}:   types.StateCleaning,

	{types.StateAvailable, EventDeploy}: types.StateDeploying,

	{types.StateDeploying, EventWait}: types.StateDeployWait,
	{types.StateDeploying, EventDone}: types.StateActive,
	{types.StateDeploying, EventFail}: types.StateDeployFail,

	{types.StateDeployWait, EventResume}: types.StateDeploying,
	{types.StateDeployWait, EventDone}:   types.StateActive,
	{types.StateDeployWait, EventFail}:   types.StateDeployFail,

	{types.StateDeployFail, EventDeploy}: types.StateDeploying,
	{types.StateDeployFail, EventDelete}: types.StateDeleting,

	{types.StateActive, EventDelete}: types.StateDeleting,
	{types.StateActive, EventRescue}: types.StateRescuing,

	{types.StateDeleting, EventClean}: types.StateCleaning,
	{types.StateDeleting, EventDone}:  types.StateCleaning,
	{types.StateDeleting, EventFail}:  types.StateError,

	{types.StateCleaning, EventWait}: types.StateCleanWait,
	{types.StateCleaning, EventDone}: dynamicTarget,
	{types.StateCleaning, EventFail}: types.StateCleanFail,

	{types.StateCleanWait, EventResume}: types.StateCleaning,
	{types.StateCleanWait, EventFail}:   types.StateCleanFail,
	{types.StateCleanWait, EventAbort}:  types.StateCleanFail,

	{types.StateCleanFail, EventManage}: types.StateManageable,

	{types.StateError, EventDelete}: types.StateDeleting,

	{types.StateRescuing, EventWait}: types.StateRescueWait,
	{types.StateRescuing, EventDone}: types.StateRescue,
	{types.StateRescuing, EventFail}: types.StateRescueFail,

	{types.StateRescueWait, EventResume}: types.StateRescuing,
	{types.StateRescueWait, EventDone}:   types.StateRescue,
	{types.StateRescueWait, EventFail}:   types.StateRescueFail,
	{types.StateRescueWait, EventAbort}:  types.StateRescueFail,

	{types.StateRescue, EventUnrescue}: types.StateUnrescuing,
	{types.StateRescue, EventDelete}:   types.StateDeleting,

	{types.StateRescueFail, EventRescue}:   types.StateRescuing,
	{types.StateRescueFail, EventUnrescue}: types.StateUnrescuing,
	{types.StateRescueFail, EventDelete}:   types.StateDeleting,

	{types.StateUnrescuing, EventDone}: types.StateActive,
	{types.StateUnrescuing, EventFail}: types.StateUnrescueFail,

	{types.StateUnrescueFail, EventRescue}:   types.StateRescuing,
	{types.StateUnrescueFail, EventUnrescue}: types.StateUnrescuing,
	{types.StateUnrescueFail, EventDelete}:   types.StateDeleting,
}

// verbTargets maps verb events to the target provision state they establish
// when the transition is taken.
var verbTargets = map[Event]types.ProvisionState{
	EventProvide:  types.StateAvailable,
	EventClean:    types.StateManageable,
	EventDeploy:   types.StateActive,
	EventDelete:   types.StateAvailable,
	EventRescue:   types.StateRescue,
	EventUnrescue: types.StateActive,
}

// stableStates are resting states: no operation is in flight, so the target
// provision state is cleared on arrival.
var stableStates = map[types.ProvisionState]bool{
	types.StateEnroll:       true,
	types.StateManageable:   true,
	types.StateAvailable:    true,
	types.StateActive:       true,
	types.StateRescue:       true,
	types.StateError:        true,
	types.StateDeployFail:   true,
	types.StateCleanFail:    true,
	types.StateRescueFail:   true,
	types.StateUnrescueFail: true,
}

// waitStates are the states subject to callback timeouts.
var waitStates = map[types.ProvisionState]bool{
	types.StateDeployWait: true,
	types.StateCleanWait:  true,
	types.StateRescueWait: true,
}

// IsStable reports whether the state is a resting state with no operation
// in flight.
func IsStable(s types.ProvisionState) bool { return stableStates[s] }

// IsWait reports whether the state has an associated callback timeout.
func IsWait(s types.ProvisionState) bool { return waitStates[s] }

// EventOption adjusts how an event is processed
type EventOption func(*eventOptions)

type eventOptions struct {
	target    types.ProvisionState
	hasTarget bool
}

// WithTarget overrides the target provision state established by the event.
// Error handlers use it to send a failed node back toward a specific stable
// state.
func WithTarget(t types.ProvisionState) EventOption {
	return func(o *eventOptions) {
		o.target = t
		o.hasTarget = true
	}
}

// ProcessEvent advances the node's provision state by the named event,
// validating it against the transition table. On an illegal transition the
// node is left untouched and an *InvalidStateError is returned.
func ProcessEvent(node *types.Node, event Event, opts ...EventOption) error {
	var o eventOptions
	for _, opt := range opts {
		opt(&o)
	}

	next, ok := transitions[transitionKey{node.ProvisionState, event}]
	if !ok {
		return &InvalidStateError{Node: node.UUID, State: node.ProvisionState, Event: event}
	}

	if next == dynamicTarget {
		// Cleaning finishes into whatever the verb that started it was
		// aiming for. Manual cleaning targets manageable; automated
		// cleaning on provide/tear-down targets available.
		if node.TargetProvisionState == types.StateManageable {
			next = types.StateManageable
		} else {
			next = types.StateAvailable
		}
	}

	node.ProvisionState = next

	switch {
	case o.hasTarget:
		node.TargetProvisionState = o.target
	case verbTargets[event] != types.StateNone:
		node.TargetProvisionState = verbTargets[event]
	case IsStable(next):
		node.TargetProvisionState = types.StateNone
	}

	return nil
}

// TargetPowerState returns the power state implied by a power action:
// on and reboot variants imply power on, off variants imply power off.
func TargetPowerState(action types.PowerState) (types.PowerState, error) {
	switch action {
	case types.PowerOn, types.Reboot, types.SoftReboot:
		return types.PowerOn, nil
	case types.PowerOff, types.SoftPowerOff:
		return types.PowerOff, nil
	default:
		return types.PowerNone, fmt.Errorf("unknown power action %q", action)
	}
}
