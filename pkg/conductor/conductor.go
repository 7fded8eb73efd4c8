package conductor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ferrumproject/ferrum/pkg/config"
	"github.com/ferrumproject/ferrum/pkg/drivers"
	"github.com/ferrumproject/ferrum/pkg/events"
	"github.com/ferrumproject/ferrum/pkg/imageservice"
	"github.com/ferrumproject/ferrum/pkg/log"
	"github.com/ferrumproject/ferrum/pkg/states"
	"github.com/ferrumproject/ferrum/pkg/storage"
	"github.com/ferrumproject/ferrum/pkg/types"
)

// Conductor owns a share of the node fleet: it takes node reservations,
// drives provisioning state through the state machine, runs periodic
// sweeps, and takes over nodes from conductors that stop heartbeating.
type Conductor struct {
	cfg      *config.Config
	store    storage.Store
	registry *drivers.Registry
	broker   *events.Broker
	images   *imageservice.Service

	pool  *WorkerPool
	tasks *TaskManager

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(cfg *config.Config, store storage.Store, registry *drivers.Registry, broker *events.Broker, images *imageservice.Service) *Conductor {
	pool := NewWorkerPool(cfg.WorkerPoolSize)
	return &Conductor{
		cfg:      cfg,
		store:    store,
		registry: registry,
		broker:   broker,
		images:   images,
		pool:     pool,
		tasks: NewTaskManager(store, registry, cfg.Hostname,
			cfg.NodeLockedRetryAttempts, cfg.NodeLockedRetryInterval, pool),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Tasks exposes the task manager for callers that need ad-hoc node access.
func (c *Conductor) Tasks() *TaskManager { return c.tasks }

// Start registers this conductor and launches the heartbeat, sweep and
// takeover loops.
func (c *Conductor) Start(ctx context.Context) error {
	hardwareTypes := c.registry.Names()
	sort.Strings(hardwareTypes)

	err := c.store.RegisterConductor(&types.Conductor{
		Hostname:       c.cfg.Hostname,
		HardwareTypes:  hardwareTypes,
		ConductorGroup: c.cfg.ConductorGroup,
	})
	if err != nil {
		return fmt.Errorf("failed to register conductor %s: %w", c.cfg.Hostname, err)
	}

	c.publish(events.EventConductorOnline, "", "conductor started")
	log.WithConductor(c.cfg.Hostname).Info().
		Strs("hardware_types", hardwareTypes).
		Msg("Conductor started")

	go c.run(ctx)
	return nil
}

// Stop halts the periodic loops, drains in-flight work and releases any
// reservations this conductor still holds.
func (c *Conductor) Stop() {
	close(c.stopCh)
	<-c.doneCh

	c.pool.Stop()
	c.releaseHeldReservations()

	if err := c.store.UnregisterConductor(c.cfg.Hostname); err != nil {
		log.WithConductor(c.cfg.Hostname).Warn().Err(err).Msg("Failed to unregister conductor")
	}
	c.publish(events.EventConductorOffline, "", "conductor stopped")
	log.WithConductor(c.cfg.Hostname).Info().Msg("Conductor stopped")
}

func (c *Conductor) releaseHeldReservations() {
	nodes, err := c.store.ListNodesReservedBy(c.cfg.Hostname)
	if err != nil {
		log.WithConductor(c.cfg.Hostname).Warn().Err(err).Msg("Failed to list held reservations")
		return
	}
	for _, node := range nodes {
		if err := c.store.ReleaseNode(c.cfg.Hostname, node.UUID); err != nil {
			log.WithNode(node.UUID).Warn().Err(err).Msg("Failed to release reservation on shutdown")
		}
	}
}

func (c *Conductor) publish(t events.EventType, nodeUUID, message string) {
	if c.broker == nil {
		return
	}
	c.broker.Publish(&events.Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now(),
		NodeUUID:  nodeUUID,
		Conductor: c.cfg.Hostname,
		Message:   message,
	})
}

// ChangeNodePowerState starts a power action in the background. The node
// lock is held until the action completes.
func (c *Conductor) ChangeNodePowerState(ctx context.Context, ident string, action types.PowerState) error {
	if _, err := states.TargetPowerState(action); err != nil {
		return &storage.InvalidParameterError{Msg: err.Error()}
	}

	task, err := c.tasks.Acquire(ctx, ident, WithPurpose("changing node power state"))
	if err != nil {
		return err
	}
	defer task.Release()

	return task.SpawnAfter(func(t *Task) {
		if err := NodePowerAction(context.Background(), t, action); err != nil {
			log.WithNode(t.Node.UUID).Error().Err(err).Msg("Power action failed")
			c.publish(events.EventPowerFailed, t.Node.UUID, t.Node.LastError)
			return
		}
		c.publish(events.EventPowerState, t.Node.UUID, string(t.Node.PowerState))
	})
}

// DoNodeDeploy validates the node and starts deployment. The provision
// state is advanced before the handoff so an immediate second request
// sees deploying and is rejected by the state machine.
func (c *Conductor) DoNodeDeploy(ctx context.Context, ident string) error {
	task, err := c.tasks.Acquire(ctx, ident, WithPurpose("node deployment"))
	if err != nil {
		return err
	}
	defer task.Release()

	if task.Node.Maintenance {
		return &storage.InvalidParameterError{
			Msg: fmt.Sprintf("node %s is in maintenance mode", task.Node.UUID),
		}
	}
	if err := ValidateNode(ctx, task); err != nil {
		return err
	}

	if err := task.ProcessEvent(states.EventDeploy); err != nil {
		return err
	}
	c.publish(events.EventProvisionState, task.Node.UUID, string(task.Node.ProvisionState))

	return task.SpawnAfter(func(t *Task) {
		c.doDeploy(context.Background(), t)
	})
}

func (c *Conductor) doDeploy(ctx context.Context, task *Task) {
	node := task.Node
	logger := log.WithNode(node.UUID)

	fastTrack := c.cfg.FastTrack && IsFastTrack(node, c.cfg.FastTrackTimeout)
	if fastTrack {
		logger.Info().Msg("Agent is alive, fast-tracking deployment")
	} else {
		if err := task.Driver.Boot.PrepareRamdisk(ctx, node); err != nil {
			DeployingErrorHandler(ctx, task, err, "failed to prepare deploy ramdisk")
			return
		}
		if err := NodePowerAction(ctx, task, types.Reboot); err != nil {
			DeployingErrorHandler(ctx, task, err, "failed to power on for deployment")
			return
		}
	}

	if err := task.Driver.Deploy.Prepare(ctx, node); err != nil {
		DeployingErrorHandler(ctx, task, err, "failed to prepare deployment")
		return
	}

	steps, err := c.deployTemplateSteps(node)
	if err != nil {
		DeployingErrorHandler(ctx, task, err, "failed to resolve deploy templates")
		return
	}
	if len(steps) > 0 {
		storeDeploySteps(node, steps)
		if err := task.Save(); err != nil {
			DeployingErrorHandler(ctx, task, err, "failed to record deploy steps")
			return
		}
	}

	result, err := task.Driver.Deploy.Deploy(ctx, node)
	if err != nil {
		DeployingErrorHandler(ctx, task, err, "failed to deploy")
		return
	}

	if result == drivers.StepWait {
		if err := task.ProcessEvent(states.EventWait); err != nil {
			DeployingErrorHandler(ctx, task, err, "failed to record deploy wait")
		}
		return
	}

	c.finishDeploy(ctx, task)
}

// ContinueNodeDeploy resumes a deployment whose asynchronous portion has
// called back, moving the node from deploy wait to completion.
func (c *Conductor) ContinueNodeDeploy(ctx context.Context, ident string) error {
	task, err := c.tasks.Acquire(ctx, ident, WithPurpose("continue deployment"))
	if err != nil {
		return err
	}
	defer task.Release()

	if task.Node.ProvisionState != types.StateDeployWait {
		return &states.InvalidStateError{
			Node:  task.Node.UUID,
			State: task.Node.ProvisionState,
			Event: states.EventResume,
		}
	}
	if err := task.ProcessEvent(states.EventResume); err != nil {
		return err
	}

	return task.SpawnAfter(func(t *Task) {
		c.finishDeploy(context.Background(), t)
	})
}

func (c *Conductor) finishDeploy(ctx context.Context, task *Task) {
	node := task.Node

	if err := task.Driver.Boot.PrepareInstance(ctx, node); err != nil {
		DeployingErrorHandler(ctx, task, err, "failed to prepare instance boot")
		return
	}

	node.DelDriverInternal(deployScratchKeys...)
	node.DeployStep = nil
	node.LastError = ""

	if err := task.ProcessEvent(states.EventDone); err != nil {
		DeployingErrorHandler(ctx, task, err, "failed to finish deployment")
		return
	}

	RecordHistory(c.store, node, "deployment completed", "deploy", types.HistoryInfo, c.cfg.Hostname)
	c.publish(events.EventProvisionState, node.UUID, string(node.ProvisionState))
	log.WithNode(node.UUID).Info().Msg("Deployment completed")
}

// DoNodeTearDown unprovisions an active (or failed) node. Tear-down flows
// into automated cleaning and the node finishes available.
func (c *Conductor) DoNodeTearDown(ctx context.Context, ident string) error {
	task, err := c.tasks.Acquire(ctx, ident, WithPurpose("node tear down"))
	if err != nil {
		return err
	}
	defer task.Release()

	if err := task.ProcessEvent(states.EventDelete); err != nil {
		return err
	}
	c.publish(events.EventProvisionState, task.Node.UUID, string(task.Node.ProvisionState))

	return task.SpawnAfter(func(t *Task) {
		c.doTearDown(context.Background(), t)
	})
}

func (c *Conductor) doTearDown(ctx context.Context, task *Task) {
	node := task.Node
	logger := log.WithNode(node.UUID)

	if err := task.Driver.Deploy.TearDown(ctx, node); err != nil {
		logger.Error().Err(err).Msg("Tear down failed")
		c.tearDownFailed(task, err)
		return
	}
	if err := task.Driver.Boot.CleanUpInstance(ctx, node); err != nil {
		logger.Error().Err(err).Msg("Instance boot cleanup failed")
		c.tearDownFailed(task, err)
		return
	}

	node.InstanceUUID = ""
	node.DeployStep = nil
	node.DelDriverInternal(deployScratchKeys...)
	node.DelDriverInternal(types.AgentURLKey, types.AgentTokenKey)
	node.LastError = ""

	// deleting -> cleaning, then run the automated clean toward available.
	if err := task.ProcessEvent(states.EventDone); err != nil {
		c.tearDownFailed(task, err)
		return
	}

	RecordHistory(c.store, node, "instance torn down", "teardown", types.HistoryInfo, c.cfg.Hostname)
	c.doCleaning(ctx, task, nil)
}

func (c *Conductor) tearDownFailed(task *Task, cause error) {
	node := task.Node
	node.LastError = fmt.Sprintf("failed to tear down: %s", publicError(cause))
	if err := task.ProcessEvent(states.EventFail); err != nil {
		log.WithNode(node.UUID).Error().Err(err).Msg("Failed to record tear down failure")
		if saveErr := task.Save(); saveErr != nil {
			log.WithNode(node.UUID).Error().Err(saveErr).Msg("Failed to save node after tear down failure")
		}
	}
	RecordHistory(c.store, node, node.LastError, "teardown", types.HistoryError, c.cfg.Hostname)
}

// DoNodeClean starts manual cleaning on a manageable node with an explicit
// step list, or the steps of a named runbook.
func (c *Conductor) DoNodeClean(ctx context.Context, ident string, steps []*types.Step, runbookName string) error {
	if len(steps) > 0 && runbookName != "" {
		return &storage.InvalidParameterError{Msg: "provide either clean steps or a runbook, not both"}
	}

	if runbookName != "" {
		runbook, err := c.store.GetRunbookByName(runbookName)
		if err != nil {
			return err
		}
		steps = runbookSteps(runbook)
	}
	if len(steps) == 0 {
		return &storage.InvalidParameterError{Msg: "manual cleaning requires at least one step"}
	}

	task, err := c.tasks.Acquire(ctx, ident, WithPurpose("manual cleaning"))
	if err != nil {
		return err
	}
	defer task.Release()

	if err := ValidateNode(ctx, task); err != nil {
		return err
	}

	// Manual cleaning returns the node to manageable when done.
	if err := task.ProcessEvent(states.EventClean); err != nil {
		return err
	}
	c.publish(events.EventProvisionState, task.Node.UUID, string(task.Node.ProvisionState))

	return task.SpawnAfter(func(t *Task) {
		c.doCleaning(context.Background(), t, steps)
	})
}

// DoNodeProvide moves a manageable node through automated cleaning into
// available.
func (c *Conductor) DoNodeProvide(ctx context.Context, ident string) error {
	task, err := c.tasks.Acquire(ctx, ident, WithPurpose("providing node"))
	if err != nil {
		return err
	}
	defer task.Release()

	if err := task.ProcessEvent(states.EventProvide); err != nil {
		return err
	}
	c.publish(events.EventProvisionState, task.Node.UUID, string(task.Node.ProvisionState))

	return task.SpawnAfter(func(t *Task) {
		c.doCleaning(context.Background(), t, nil)
	})
}

// doCleaning runs the cleaning phase: prepare the environment, execute the
// steps in order, tear the environment down and fire the done event. A nil
// step list is automated cleaning.
func (c *Conductor) doCleaning(ctx context.Context, task *Task, steps []*types.Step) {
	node := task.Node

	result, err := task.Driver.Deploy.PrepareCleaning(ctx, node)
	if err != nil {
		CleaningErrorHandler(ctx, task, err, "failed to prepare cleaning")
		return
	}
	if result == drivers.StepWait {
		if stepsErr := storeCleanSteps(node, steps); stepsErr != nil {
			CleaningErrorHandler(ctx, task, stepsErr, "failed to record clean steps")
			return
		}
		if err := task.ProcessEvent(states.EventWait); err != nil {
			CleaningErrorHandler(ctx, task, err, "failed to record clean wait")
		}
		return
	}

	c.runCleanSteps(ctx, task, steps, 0)
}

// ContinueNodeClean resumes cleaning when the asynchronous environment
// preparation has called back.
func (c *Conductor) ContinueNodeClean(ctx context.Context, ident string) error {
	task, err := c.tasks.Acquire(ctx, ident, WithPurpose("continue cleaning"))
	if err != nil {
		return err
	}
	defer task.Release()

	if task.Node.ProvisionState != types.StateCleanWait {
		return &states.InvalidStateError{
			Node:  task.Node.UUID,
			State: task.Node.ProvisionState,
			Event: states.EventResume,
		}
	}
	if err := task.ProcessEvent(states.EventResume); err != nil {
		return err
	}

	steps, index := loadCleanSteps(task.Node)

	return task.SpawnAfter(func(t *Task) {
		c.runCleanSteps(context.Background(), t, steps, index)
	})
}

func (c *Conductor) runCleanSteps(ctx context.Context, task *Task, steps []*types.Step, startIndex int) {
	node := task.Node
	logger := log.WithNode(node.UUID)

	for i := startIndex; i < len(steps); i++ {
		step := steps[i]
		runner, err := task.Driver.StepRunnerFor(step.Interface)
		if err != nil {
			CleaningErrorHandler(ctx, task, err,
				fmt.Sprintf("cannot run clean step %s.%s", step.Interface, step.Step))
			return
		}

		node.CleanStep = step
		result, err := runner.ExecuteStep(ctx, node, step)
		if err != nil {
			CleaningErrorHandler(ctx, task, err,
				fmt.Sprintf("clean step %s.%s failed", step.Interface, step.Step))
			return
		}

		if result == drivers.StepWait {
			if stepsErr := storeCleanSteps(node, steps); stepsErr != nil {
				CleaningErrorHandler(ctx, task, stepsErr, "failed to record clean steps")
				return
			}
			node.SetDriverInternal(types.CleanStepIndexKey, i+1)
			if err := task.ProcessEvent(states.EventWait); err != nil {
				CleaningErrorHandler(ctx, task, err, "failed to record clean wait")
			}
			return
		}

		logger.Info().
			Str("interface", step.Interface).
			Str("step", step.Step).
			Msg("Clean step completed")
	}

	if err := task.Driver.Deploy.TearDownCleaning(ctx, node); err != nil {
		CleaningErrorHandler(ctx, task, err, "failed to tear down cleaning")
		return
	}

	node.CleanStep = nil
	node.DelDriverInternal(cleanScratchKeys...)
	node.LastError = ""

	// cleaning -> manageable or available depending on what started it.
	if err := task.ProcessEvent(states.EventDone); err != nil {
		CleaningErrorHandler(ctx, task, err, "failed to finish cleaning")
		return
	}

	RecordHistory(c.store, node, "cleaning completed", "clean", types.HistoryInfo, c.cfg.Hostname)
	c.publish(events.EventProvisionState, node.UUID, string(node.ProvisionState))
	logger.Info().Str("provision_state", string(node.ProvisionState)).Msg("Cleaning completed")
}

// DoNodeRescue boots an active node into a rescue ramdisk.
func (c *Conductor) DoNodeRescue(ctx context.Context, ident string) error {
	task, err := c.tasks.Acquire(ctx, ident, WithPurpose("node rescue"))
	if err != nil {
		return err
	}
	defer task.Release()

	if task.Driver.Rescue == nil {
		return &storage.InvalidParameterError{
			Msg: fmt.Sprintf("driver %s does not support rescue", task.Node.Driver),
		}
	}
	if err := task.ProcessEvent(states.EventRescue); err != nil {
		return err
	}
	c.publish(events.EventProvisionState, task.Node.UUID, string(task.Node.ProvisionState))

	return task.SpawnAfter(func(t *Task) {
		ctx := context.Background()
		result, err := t.Driver.Rescue.Rescue(ctx, t.Node)
		if err != nil {
			RescuingErrorHandler(ctx, t, err, "failed to rescue")
			return
		}
		if result == drivers.StepWait {
			if err := t.ProcessEvent(states.EventWait); err != nil {
				RescuingErrorHandler(ctx, t, err, "failed to record rescue wait")
			}
			return
		}
		t.Node.LastError = ""
		if err := t.ProcessEvent(states.EventDone); err != nil {
			RescuingErrorHandler(ctx, t, err, "failed to finish rescue")
			return
		}
		c.publish(events.EventProvisionState, t.Node.UUID, string(t.Node.ProvisionState))
	})
}

// DoNodeUnrescue returns a rescued node to active.
func (c *Conductor) DoNodeUnrescue(ctx context.Context, ident string) error {
	task, err := c.tasks.Acquire(ctx, ident, WithPurpose("node unrescue"))
	if err != nil {
		return err
	}
	defer task.Release()

	if task.Driver.Rescue == nil {
		return &storage.InvalidParameterError{
			Msg: fmt.Sprintf("driver %s does not support rescue", task.Node.Driver),
		}
	}
	if err := task.ProcessEvent(states.EventUnrescue); err != nil {
		return err
	}
	c.publish(events.EventProvisionState, task.Node.UUID, string(task.Node.ProvisionState))

	return task.SpawnAfter(func(t *Task) {
		ctx := context.Background()
		if err := t.Driver.Rescue.Unrescue(ctx, t.Node); err != nil {
			node := t.Node
			node.LastError = fmt.Sprintf("failed to unrescue: %s", publicError(err))
			if evErr := t.ProcessEvent(states.EventFail); evErr != nil {
				log.WithNode(node.UUID).Error().Err(evErr).Msg("Failed to record unrescue failure")
				if saveErr := t.Save(); saveErr != nil {
					log.WithNode(node.UUID).Error().Err(saveErr).Msg("Failed to save node after unrescue failure")
				}
			}
			return
		}
		t.Node.DelDriverInternal(types.AgentURLKey)
		t.Node.LastError = ""
		if err := t.ProcessEvent(states.EventDone); err != nil {
			log.WithNode(t.Node.UUID).Error().Err(err).Msg("Failed to finish unrescue")
			return
		}
		c.publish(events.EventProvisionState, t.Node.UUID, string(t.Node.ProvisionState))
	})
}

// deployTemplateSteps collects the steps of every deploy template whose
// name matches one of the node's traits, highest priority first.
func (c *Conductor) deployTemplateSteps(node *types.Node) ([]*types.Step, error) {
	templates, err := c.store.ListDeployTemplates()
	if err != nil {
		return nil, err
	}

	var steps []*types.Step
	for _, tpl := range templates {
		if node.HasTrait(tpl.Name) {
			steps = append(steps, tpl.Steps...)
		}
	}
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Priority > steps[j].Priority })
	return steps, nil
}

// storeDeploySteps records the resolved step plan in scratch space where
// the deploy interface picks it up.
func storeDeploySteps(node *types.Node, steps []*types.Step) {
	encoded := make([]interface{}, 0, len(steps))
	for _, s := range steps {
		encoded = append(encoded, map[string]interface{}{
			"interface": s.Interface,
			"step":      s.Step,
			"args":      s.Args,
			"priority":  s.Priority,
		})
	}
	node.SetDriverInternal(types.DeployStepsKey, encoded)
}

func runbookSteps(runbook *types.Runbook) []*types.Step {
	ordered := make([]*types.RunbookStep, len(runbook.Steps))
	copy(ordered, runbook.Steps)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	steps := make([]*types.Step, 0, len(ordered))
	for _, rs := range ordered {
		steps = append(steps, &types.Step{
			Interface: rs.Interface,
			Step:      rs.Step,
			Args:      rs.Args,
		})
	}
	return steps
}

// storeCleanSteps serializes the remaining plan into scratch space so a
// resume after the wait state can pick up where it left off.
func storeCleanSteps(node *types.Node, steps []*types.Step) error {
	if len(steps) == 0 {
		return nil
	}
	encoded := make([]interface{}, 0, len(steps))
	for _, s := range steps {
		encoded = append(encoded, map[string]interface{}{
			"interface": s.Interface,
			"step":      s.Step,
			"args":      s.Args,
		})
	}
	node.SetDriverInternal(types.CleanStepsKey, encoded)
	return nil
}

func loadCleanSteps(node *types.Node) ([]*types.Step, int) {
	raw, ok := node.DriverInternalInfo[types.CleanStepsKey].([]interface{})
	if !ok {
		return nil, 0
	}
	steps := make([]*types.Step, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		step := &types.Step{}
		if v, ok := m["interface"].(string); ok {
			step.Interface = v
		}
		if v, ok := m["step"].(string); ok {
			step.Step = v
		}
		if v, ok := m["args"].(map[string]interface{}); ok {
			step.Args = v
		}
		steps = append(steps, step)
	}

	index := 0
	switch v := node.DriverInternalInfo[types.CleanStepIndexKey].(type) {
	case int:
		index = v
	case float64:
		// JSON round-trips numbers as float64.
		index = int(v)
	}
	return steps, index
}
