package conductor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ferrumproject/ferrum/pkg/drivers"
	"github.com/ferrumproject/ferrum/pkg/log"
	"github.com/ferrumproject/ferrum/pkg/metrics"
	"github.com/ferrumproject/ferrum/pkg/states"
	"github.com/ferrumproject/ferrum/pkg/storage"
	"github.com/ferrumproject/ferrum/pkg/types"
)

// deployScratchKeys and cleanScratchKeys are the driver-internal keys the
// error handlers wipe unconditionally so that no stale progress markers
// survive into the next attempt.
var deployScratchKeys = []string{
	types.DeployStepIndexKey,
	types.DeploymentRebootKey,
	types.DeploymentPollingKey,
	types.SkipCurrentDeployStepKey,
	types.DeployStepsKey,
	types.AgentURLKey,
}

var cleanScratchKeys = []string{
	types.CleanStepIndexKey,
	types.CleaningRebootKey,
	types.CleaningPollingKey,
	types.SkipCurrentCleanStepKey,
	types.CleanStepsKey,
}

// publicError renders an error for node.LastError. Domain errors carry
// operator-safe messages and pass through verbatim; anything else is
// replaced with a generic sentinel so internals never leak into the API.
func publicError(err error) string {
	var opErr *drivers.OperationError
	if errors.As(err, &opErr) {
		return opErr.Error()
	}
	var invalid *storage.InvalidParameterError
	if errors.As(err, &invalid) {
		return invalid.Error()
	}
	var notFound *storage.NotFoundError
	if errors.As(err, &notFound) {
		return notFound.Error()
	}
	var invalidState *states.InvalidStateError
	if errors.As(err, &invalidState) {
		return invalidState.Error()
	}
	return "unhandled exception in background task"
}

// NodePowerAction carries out a power action on the task's node. It is
// idempotent: a node already in the requested state is left alone. On
// power off the agent token is purged unless it was pre-generated.
func NodePowerAction(ctx context.Context, task *Task, action types.PowerState) error {
	if task.Shared() {
		return &ExclusiveLockRequiredError{Node: task.Node.UUID, Purpose: "power action"}
	}

	node := task.Node
	logger := log.WithNode(node.UUID)
	started := time.Now()

	target, err := states.TargetPowerState(action)
	if err != nil {
		return err
	}

	current, err := task.Driver.Power.PowerState(ctx, node)
	if err != nil {
		node.LastError = fmt.Sprintf("failed to read power state: %s", publicError(err))
		node.TargetPowerState = types.PowerNone
		if saveErr := task.Save(); saveErr != nil {
			logger.Error().Err(saveErr).Msg("Failed to save node after power state read failure")
		}
		metrics.PowerActionsTotal.WithLabelValues(string(action), "error").Inc()
		return err
	}

	isReboot := action == types.Reboot || action == types.SoftReboot

	if current == target && !isReboot {
		// Already there. Clear any stale intent and record the observed
		// state.
		changed := node.PowerState != current || node.TargetPowerState != types.PowerNone || node.LastError != ""
		node.PowerState = current
		node.TargetPowerState = types.PowerNone
		node.LastError = ""
		if changed {
			if err := task.Save(); err != nil {
				return err
			}
		}
		logger.Debug().
			Str("action", string(action)).
			Msg("Node already in requested power state")
		metrics.PowerActionsTotal.WithLabelValues(string(action), "noop").Inc()
		return nil
	}

	// Record intent before acting so an interrupted action is visible.
	node.TargetPowerState = target
	node.LastError = ""
	if err := task.Save(); err != nil {
		return err
	}

	if target == types.PowerOn && task.Driver.Storage != nil {
		if err := task.Driver.Storage.AttachVolumes(ctx, node); err != nil {
			return powerActionFailed(task, action, fmt.Errorf("failed to attach volumes: %w", err))
		}
	}

	if isReboot {
		err = task.Driver.Power.Reboot(ctx, node)
	} else {
		err = task.Driver.Power.SetPowerState(ctx, node, action)
	}
	if err != nil {
		return powerActionFailed(task, action, err)
	}

	if target == types.PowerOff && task.Driver.Storage != nil {
		if err := task.Driver.Storage.DetachVolumes(ctx, node); err != nil {
			logger.Warn().Err(err).Msg("Failed to detach volumes after power off")
		}
	}

	node.PowerState = target
	node.TargetPowerState = types.PowerNone
	node.LastError = ""
	node.SetDriverInternal(types.LastPowerStateChangeKey, time.Now().UTC().Format(time.RFC3339Nano))

	if target == types.PowerOff && !node.DriverInternalBool(types.AgentTokenPregeneratedKey) {
		// A powered-off ramdisk cannot hold its token; a fresh one is
		// issued on next boot.
		node.DelDriverInternal(types.AgentTokenKey)
	}

	if err := task.Save(); err != nil {
		return err
	}

	metrics.PowerActionsTotal.WithLabelValues(string(action), "success").Inc()
	metrics.PowerActionDuration.Observe(time.Since(started).Seconds())
	logger.Info().
		Str("action", string(action)).
		Str("power_state", string(target)).
		Msg("Power action succeeded")
	return nil
}

func powerActionFailed(task *Task, action types.PowerState, err error) error {
	node := task.Node
	node.TargetPowerState = types.PowerNone
	node.LastError = fmt.Sprintf("failed to change power state to %q: %s", action, publicError(err))
	if saveErr := task.Save(); saveErr != nil {
		log.WithNode(node.UUID).Error().Err(saveErr).Msg("Failed to save node after power action failure")
	}
	metrics.PowerActionsTotal.WithLabelValues(string(action), "error").Inc()
	RecordHistory(task.mgr.store, node, node.LastError, "power", types.HistoryError, task.mgr.host)
	return err
}

// IsFastTrack reports whether the node's deploy ramdisk is known to be up
// and recently heard from, allowing deployment to skip the power cycle.
func IsFastTrack(node *types.Node, timeout time.Duration) bool {
	if node.PowerState != types.PowerOn {
		return false
	}
	if node.Maintenance || node.LastError != "" {
		return false
	}
	if node.DriverInternalString(types.AgentURLKey) == "" {
		return false
	}
	last := node.DriverInternalTime(types.AgentLastHeartbeatKey)
	if last.IsZero() {
		return false
	}
	// A heartbeat from before the most recent power transition belongs to
	// a previous boot and says nothing about the current ramdisk.
	if changed := node.DriverInternalTime(types.LastPowerStateChangeKey); !changed.IsZero() && !last.After(changed) {
		return false
	}
	return time.Since(last) <= timeout
}

// DeployingErrorHandler moves a failing deployment into deploy failed,
// running the deploy interface's cleanup hook and wiping deployment
// scratch state. A secondary InvalidStateError from the transition is
// logged and contained, never propagated.
func DeployingErrorHandler(ctx context.Context, task *Task, cause error, message string) {
	node := task.Node
	logger := log.WithNode(node.UUID)

	var cleanUpErr error
	if task.Driver != nil && task.Driver.Deploy != nil {
		cleanUpErr = task.Driver.Deploy.CleanUp(ctx, node)
	}

	node.DelDriverInternal(deployScratchKeys...)
	node.DeployStep = nil

	lastError := message
	if cause != nil {
		lastError = fmt.Sprintf("%s: %s", message, publicError(cause))
	}
	if cleanUpErr != nil {
		logger.Error().Err(cleanUpErr).Msg("Cleanup after deploy failure itself failed")
		lastError = fmt.Sprintf("%s. Also failed to clean up after the failure: %s",
			lastError, publicError(cleanUpErr))
	}
	node.LastError = lastError

	if err := task.ProcessEvent(states.EventFail); err != nil {
		var invalid *states.InvalidStateError
		if errors.As(err, &invalid) {
			logger.Error().Err(err).Msg("Node left deploying state before failure could be recorded")
		} else {
			logger.Error().Err(err).Msg("Failed to record deploy failure")
		}
		if saveErr := task.Save(); saveErr != nil {
			logger.Error().Err(saveErr).Msg("Failed to save node after deploy failure")
		}
	}

	RecordHistory(task.mgr.store, node, lastError, "deploy", types.HistoryError, task.mgr.host)
	logger.Error().Str("error", lastError).Msg("Deployment failed")
}

// CleaningErrorHandler moves a failing cleaning operation into clean
// failed, tearing down the cleaning environment and wiping cleaning
// scratch state. The node is placed in maintenance so it is not picked
// up for scheduling until an operator intervenes.
func CleaningErrorHandler(ctx context.Context, task *Task, cause error, message string) {
	node := task.Node
	logger := log.WithNode(node.UUID)

	var tearDownErr error
	if task.Driver != nil && task.Driver.Deploy != nil {
		tearDownErr = task.Driver.Deploy.TearDownCleaning(ctx, node)
	}

	node.DelDriverInternal(cleanScratchKeys...)
	node.DelDriverInternal(types.AgentURLKey)
	node.CleanStep = nil

	lastError := message
	if cause != nil {
		lastError = fmt.Sprintf("%s: %s", message, publicError(cause))
	}
	if tearDownErr != nil {
		logger.Error().Err(tearDownErr).Msg("Tear down after cleaning failure itself failed")
		lastError = fmt.Sprintf("%s. Also failed to tear down cleaning: %s",
			lastError, publicError(tearDownErr))
	}
	node.LastError = lastError
	node.Maintenance = true
	node.MaintenanceReason = lastError

	// The only way out of clean failed is a manage; record it as the
	// pending target so operators can see where the node is headed.
	if err := task.ProcessEvent(states.EventFail, states.WithTarget(types.StateManageable)); err != nil {
		var invalid *states.InvalidStateError
		if errors.As(err, &invalid) {
			logger.Error().Err(err).Msg("Node left cleaning state before failure could be recorded")
		} else {
			logger.Error().Err(err).Msg("Failed to record cleaning failure")
		}
		if saveErr := task.Save(); saveErr != nil {
			logger.Error().Err(saveErr).Msg("Failed to save node after cleaning failure")
		}
	}

	RecordHistory(task.mgr.store, node, lastError, "clean", types.HistoryError, task.mgr.host)
	logger.Error().Str("error", lastError).Msg("Cleaning failed")
}

// RescuingErrorHandler moves a failing rescue into rescue failed, running
// the rescue interface's cleanup hook.
func RescuingErrorHandler(ctx context.Context, task *Task, cause error, message string) {
	node := task.Node
	logger := log.WithNode(node.UUID)

	var cleanUpErr error
	if task.Driver != nil && task.Driver.Rescue != nil {
		cleanUpErr = task.Driver.Rescue.CleanUp(ctx, node)
	}

	node.DelDriverInternal(types.AgentURLKey)

	lastError := message
	if cause != nil {
		lastError = fmt.Sprintf("%s: %s", message, publicError(cause))
	}
	if cleanUpErr != nil {
		logger.Error().Err(cleanUpErr).Msg("Cleanup after rescue failure itself failed")
		lastError = fmt.Sprintf("%s. Also failed to clean up after the failure: %s",
			lastError, publicError(cleanUpErr))
	}
	node.LastError = lastError

	if err := task.ProcessEvent(states.EventFail); err != nil {
		var invalid *states.InvalidStateError
		if errors.As(err, &invalid) {
			logger.Error().Err(err).Msg("Node left rescuing state before failure could be recorded")
		} else {
			logger.Error().Err(err).Msg("Failed to record rescue failure")
		}
		if saveErr := task.Save(); saveErr != nil {
			logger.Error().Err(saveErr).Msg("Failed to save node after rescue failure")
		}
	}

	RecordHistory(task.mgr.store, node, lastError, "rescue", types.HistoryError, task.mgr.host)
	logger.Error().Str("error", lastError).Msg("Rescue failed")
}

// CleanupAfterTimeout fails a node stuck in a wait state past its callback
// deadline, dispatching to the matching error handler.
func CleanupAfterTimeout(ctx context.Context, task *Task) error {
	if task.Shared() {
		return &ExclusiveLockRequiredError{Node: task.Node.UUID, Purpose: "timeout cleanup"}
	}

	node := task.Node
	message := fmt.Sprintf("timeout reached while waiting for a callback for node %s", node.UUID)

	switch node.ProvisionState {
	case types.StateDeployWait:
		metrics.WaitTimeoutsTotal.WithLabelValues("deploy").Inc()
		DeployingErrorHandler(ctx, task, nil, message)
	case types.StateCleanWait:
		metrics.WaitTimeoutsTotal.WithLabelValues("clean").Inc()
		CleaningErrorHandler(ctx, task, nil, message)
	case types.StateRescueWait:
		metrics.WaitTimeoutsTotal.WithLabelValues("rescue").Inc()
		RescuingErrorHandler(ctx, task, nil, message)
	default:
		// The callback arrived between listing and locking. Not an error.
		return nil
	}
	return nil
}

// OnlineConductors returns conductors whose heartbeat is within timeout.
func OnlineConductors(store storage.Store, timeout time.Duration) ([]*types.Conductor, error) {
	return conductorsByFreshness(store, timeout, true)
}

// OfflineConductors returns conductors whose heartbeat is older than timeout.
func OfflineConductors(store storage.Store, timeout time.Duration) ([]*types.Conductor, error) {
	return conductorsByFreshness(store, timeout, false)
}

func conductorsByFreshness(store storage.Store, timeout time.Duration, fresh bool) ([]*types.Conductor, error) {
	conductors, err := store.ListConductors()
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-timeout)
	var out []*types.Conductor
	for _, c := range conductors {
		if c.UpdatedAt.After(cutoff) == fresh {
			out = append(out, c)
		}
	}
	return out, nil
}

// RecordHistory appends a node history entry. Failures are logged and
// swallowed; history must never fail the operation it describes.
func RecordHistory(store storage.Store, node *types.Node, event, eventType string, severity types.HistorySeverity, conductor string) {
	entry := &types.NodeHistory{
		UUID:      uuid.NewString(),
		NodeUUID:  node.UUID,
		Event:     event,
		EventType: eventType,
		Severity:  severity,
		Conductor: conductor,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.AddNodeHistory(entry); err != nil {
		log.WithNode(node.UUID).Warn().Err(err).Msg("Failed to record node history")
	}
}

// ValidateNode runs Validate on every interface of the node's driver and
// aggregates the failures.
func ValidateNode(ctx context.Context, task *Task) error {
	if task.Driver == nil {
		return &storage.InvalidParameterError{Msg: fmt.Sprintf("node %s has no driver set", task.Node.UUID)}
	}

	var failures []string
	for name, iface := range task.Driver.Interfaces() {
		if err := iface.Validate(ctx, task.Node); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", name, err))
		}
	}
	if len(failures) > 0 {
		return &storage.InvalidParameterError{
			Msg: fmt.Sprintf("driver validation failed for node %s: %v", task.Node.UUID, failures),
		}
	}
	return nil
}
