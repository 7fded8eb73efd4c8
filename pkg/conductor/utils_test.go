package conductor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrumproject/ferrum/pkg/drivers"
	"github.com/ferrumproject/ferrum/pkg/drivers/fake"
	"github.com/ferrumproject/ferrum/pkg/storage"
	"github.com/ferrumproject/ferrum/pkg/types"
)

type powerEnv struct {
	store storage.Store
	hw    *fake.Hardware
	mgr   *TaskManager
}

func newPowerEnv(t *testing.T) *powerEnv {
	t.Helper()
	store := newTestStore(t)
	registry, hw := newTestRegistry(t)
	pool := NewWorkerPool(4)
	t.Cleanup(pool.Stop)
	return &powerEnv{
		store: store,
		hw:    hw,
		mgr:   NewTaskManager(store, registry, "conductor-a", 1, 0, pool),
	}
}

func (e *powerEnv) acquire(t *testing.T, uuid string) *Task {
	t.Helper()
	task, err := e.mgr.Acquire(context.Background(), uuid)
	require.NoError(t, err)
	t.Cleanup(task.Release)
	return task
}

func TestNodePowerActionPowerOn(t *testing.T) {
	env := newPowerEnv(t)
	node := createTestNode(t, env.store, types.StateAvailable)
	task := env.acquire(t, node.UUID)

	require.NoError(t, NodePowerAction(context.Background(), task, types.PowerOn))

	stored, err := env.store.GetNode(node.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.PowerOn, stored.PowerState)
	assert.Equal(t, types.PowerNone, stored.TargetPowerState)
	assert.Empty(t, stored.LastError)
	assert.Equal(t, 1, env.hw.CallCount("power.set"))
	assert.Equal(t, 1, env.hw.CallCount("storage.attach"))
	assert.NotZero(t, stored.DriverInternalTime(types.LastPowerStateChangeKey))
}

func TestNodePowerActionIdempotent(t *testing.T) {
	env := newPowerEnv(t)
	node := createTestNode(t, env.store, types.StateActive)
	env.hw.SetPowerState(node.UUID, types.PowerOn)
	task := env.acquire(t, node.UUID)

	require.NoError(t, NodePowerAction(context.Background(), task, types.PowerOn))

	assert.Equal(t, 0, env.hw.CallCount("power.set"),
		"a node already in the requested state must not be touched")

	stored, err := env.store.GetNode(node.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.PowerOn, stored.PowerState)
	assert.Equal(t, types.PowerNone, stored.TargetPowerState)
}

func TestNodePowerActionIdempotentClearsLastError(t *testing.T) {
	env := newPowerEnv(t)
	node := createTestNode(t, env.store, types.StateActive)
	node.PowerState = types.PowerOn
	node.LastError = "previous failure"
	require.NoError(t, env.store.UpdateNode(node))
	env.hw.SetPowerState(node.UUID, types.PowerOn)
	task := env.acquire(t, node.UUID)

	require.NoError(t, NodePowerAction(context.Background(), task, types.PowerOn))

	assert.Equal(t, 0, env.hw.CallCount("power.set"))
	stored, err := env.store.GetNode(node.UUID)
	require.NoError(t, err)
	assert.Empty(t, stored.LastError, "a stale last_error must be cleared even when no action is taken")
}

func TestNodePowerActionRebootNotIdempotent(t *testing.T) {
	env := newPowerEnv(t)
	node := createTestNode(t, env.store, types.StateActive)
	env.hw.SetPowerState(node.UUID, types.PowerOn)
	task := env.acquire(t, node.UUID)

	require.NoError(t, NodePowerAction(context.Background(), task, types.Reboot))
	assert.Equal(t, 1, env.hw.CallCount("power.reboot"))
}

func TestNodePowerActionOffPurgesAgentToken(t *testing.T) {
	env := newPowerEnv(t)
	node := createTestNode(t, env.store, types.StateActive)
	node.SetDriverInternal(types.AgentTokenKey, "secret")
	require.NoError(t, env.store.UpdateNode(node))
	env.hw.SetPowerState(node.UUID, types.PowerOn)
	task := env.acquire(t, node.UUID)

	require.NoError(t, NodePowerAction(context.Background(), task, types.PowerOff))

	stored, err := env.store.GetNode(node.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.PowerOff, stored.PowerState)
	assert.Empty(t, stored.DriverInternalString(types.AgentTokenKey),
		"agent token must not survive power off")
	assert.Equal(t, 1, env.hw.CallCount("storage.detach"))
}

func TestNodePowerActionOffKeepsPregeneratedToken(t *testing.T) {
	env := newPowerEnv(t)
	node := createTestNode(t, env.store, types.StateActive)
	node.SetDriverInternal(types.AgentTokenKey, "secret")
	node.SetDriverInternal(types.AgentTokenPregeneratedKey, true)
	require.NoError(t, env.store.UpdateNode(node))
	env.hw.SetPowerState(node.UUID, types.PowerOn)
	task := env.acquire(t, node.UUID)

	require.NoError(t, NodePowerAction(context.Background(), task, types.PowerOff))

	stored, err := env.store.GetNode(node.UUID)
	require.NoError(t, err)
	assert.Equal(t, "secret", stored.DriverInternalString(types.AgentTokenKey))
}

func TestNodePowerActionFailure(t *testing.T) {
	env := newPowerEnv(t)
	node := createTestNode(t, env.store, types.StateAvailable)
	env.hw.SetPowerErr = &drivers.OperationError{Msg: "BMC unreachable"}
	task := env.acquire(t, node.UUID)

	err := NodePowerAction(context.Background(), task, types.PowerOn)
	require.Error(t, err)

	stored, getErr := env.store.GetNode(node.UUID)
	require.NoError(t, getErr)
	assert.Equal(t, types.PowerNone, stored.TargetPowerState,
		"failed action must clear the target power state")
	assert.Contains(t, stored.LastError, "BMC unreachable")

	history, err := env.store.ListNodeHistory(node.UUID)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, types.HistoryError, history[0].Severity)
}

func TestNodePowerActionHidesInternalErrors(t *testing.T) {
	env := newPowerEnv(t)
	node := createTestNode(t, env.store, types.StateAvailable)
	env.hw.SetPowerErr = errors.New("nil pointer dereference in driver")
	task := env.acquire(t, node.UUID)

	err := NodePowerAction(context.Background(), task, types.PowerOn)
	require.Error(t, err)

	stored, getErr := env.store.GetNode(node.UUID)
	require.NoError(t, getErr)
	assert.NotContains(t, stored.LastError, "nil pointer")
	assert.Contains(t, stored.LastError, "unhandled exception")
}

func TestNodePowerActionRequiresExclusive(t *testing.T) {
	env := newPowerEnv(t)
	node := createTestNode(t, env.store, types.StateAvailable)

	task, err := env.mgr.Acquire(context.Background(), node.UUID, WithShared())
	require.NoError(t, err)
	defer task.Release()

	err = NodePowerAction(context.Background(), task, types.PowerOn)
	var exclusive *ExclusiveLockRequiredError
	require.ErrorAs(t, err, &exclusive)
}

func TestDeployingErrorHandler(t *testing.T) {
	env := newPowerEnv(t)
	node := createTestNode(t, env.store, types.StateDeploying)
	node.TargetProvisionState = types.StateActive
	node.DeployStep = &types.Step{Interface: "deploy", Step: "write_image"}
	node.SetDriverInternal(types.DeployStepIndexKey, 2)
	node.SetDriverInternal(types.DeploymentRebootKey, true)
	node.SetDriverInternal(types.AgentURLKey, "http://agent")
	require.NoError(t, env.store.UpdateNode(node))
	task := env.acquire(t, node.UUID)

	DeployingErrorHandler(context.Background(), task,
		&drivers.OperationError{Msg: "image checksum mismatch"}, "deploy failed")

	stored, err := env.store.GetNode(node.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.StateDeployFail, stored.ProvisionState)
	assert.Nil(t, stored.DeployStep)
	assert.Contains(t, stored.LastError, "deploy failed: image checksum mismatch")
	assert.NotContains(t, stored.DriverInternalInfo, types.DeployStepIndexKey)
	assert.NotContains(t, stored.DriverInternalInfo, types.DeploymentRebootKey)
	assert.NotContains(t, stored.DriverInternalInfo, types.AgentURLKey,
		"agent url must not survive a failed deployment")
	assert.Equal(t, 1, env.hw.CallCount("deploy.clean_up"))
}

func TestDeployingErrorHandlerConcatenatesCleanupFailure(t *testing.T) {
	env := newPowerEnv(t)
	node := createTestNode(t, env.store, types.StateDeploying)
	require.NoError(t, env.store.UpdateNode(node))
	env.hw.CleanUpErr = &drivers.OperationError{Msg: "ramdisk unreachable"}
	task := env.acquire(t, node.UUID)

	DeployingErrorHandler(context.Background(), task,
		&drivers.OperationError{Msg: "boom"}, "deploy failed")

	stored, err := env.store.GetNode(node.UUID)
	require.NoError(t, err)
	assert.Contains(t, stored.LastError, "boom")
	assert.Contains(t, stored.LastError, "Also failed to clean up")
	assert.Contains(t, stored.LastError, "ramdisk unreachable")
}

func TestDeployingErrorHandlerContainsSecondaryInvalidState(t *testing.T) {
	env := newPowerEnv(t)
	// Not in a deploying state: the fail event is illegal here.
	node := createTestNode(t, env.store, types.StateAvailable)
	node.SetDriverInternal(types.DeployStepIndexKey, 1)
	require.NoError(t, env.store.UpdateNode(node))
	task := env.acquire(t, node.UUID)

	DeployingErrorHandler(context.Background(), task, errors.New("late failure"), "deploy failed")

	stored, err := env.store.GetNode(node.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.StateAvailable, stored.ProvisionState,
		"illegal fail transition must leave the provision state alone")
	assert.Contains(t, stored.LastError, "deploy failed",
		"the error must still be recorded on the node")
	assert.NotContains(t, stored.DriverInternalInfo, types.DeployStepIndexKey,
		"scratch keys are wiped even when the transition is illegal")
}

func TestCleaningErrorHandler(t *testing.T) {
	env := newPowerEnv(t)
	node := createTestNode(t, env.store, types.StateCleaning)
	node.TargetProvisionState = types.StateAvailable
	node.CleanStep = &types.Step{Interface: "deploy", Step: "erase_devices"}
	node.SetDriverInternal(types.CleanStepIndexKey, 1)
	node.SetDriverInternal(types.AgentURLKey, "http://agent")
	require.NoError(t, env.store.UpdateNode(node))
	task := env.acquire(t, node.UUID)

	CleaningErrorHandler(context.Background(), task, errors.New("disk on fire"), "clean step failed")

	stored, err := env.store.GetNode(node.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.StateCleanFail, stored.ProvisionState)
	assert.Equal(t, types.StateManageable, stored.TargetProvisionState,
		"a failed clean is headed back to manageable")
	assert.True(t, stored.Maintenance, "failed cleaning parks the node in maintenance")
	assert.Nil(t, stored.CleanStep)
	assert.NotContains(t, stored.DriverInternalInfo, types.CleanStepIndexKey)
	assert.NotContains(t, stored.DriverInternalInfo, types.AgentURLKey)
	assert.Contains(t, stored.LastError, "unhandled exception")
	assert.Equal(t, 1, env.hw.CallCount("deploy.tear_down_cleaning"))
}

func TestRescuingErrorHandler(t *testing.T) {
	env := newPowerEnv(t)
	node := createTestNode(t, env.store, types.StateRescuing)
	node.TargetProvisionState = types.StateRescue
	node.SetDriverInternal(types.AgentURLKey, "http://agent")
	require.NoError(t, env.store.UpdateNode(node))
	task := env.acquire(t, node.UUID)

	RescuingErrorHandler(context.Background(), task,
		&drivers.OperationError{Msg: "ramdisk boot failed"}, "rescue failed")

	stored, err := env.store.GetNode(node.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.StateRescueFail, stored.ProvisionState)
	assert.Contains(t, stored.LastError, "ramdisk boot failed")
	assert.NotContains(t, stored.DriverInternalInfo, types.AgentURLKey)
	assert.Equal(t, 1, env.hw.CallCount("rescue.clean_up"))
}

func TestCleanupAfterTimeout(t *testing.T) {
	tests := []struct {
		name      string
		state     types.ProvisionState
		target    types.ProvisionState
		wantState types.ProvisionState
	}{
		{"deploy wait", types.StateDeployWait, types.StateActive, types.StateDeployFail},
		{"clean wait", types.StateCleanWait, types.StateAvailable, types.StateCleanFail},
		{"rescue wait", types.StateRescueWait, types.StateRescue, types.StateRescueFail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newPowerEnv(t)
			node := createTestNode(t, env.store, tt.state)
			node.TargetProvisionState = tt.target
			require.NoError(t, env.store.UpdateNode(node))
			task := env.acquire(t, node.UUID)

			require.NoError(t, CleanupAfterTimeout(context.Background(), task))

			stored, err := env.store.GetNode(node.UUID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, stored.ProvisionState)
			assert.Contains(t, stored.LastError, "timeout reached")
		})
	}
}

func TestCleanupAfterTimeoutNoopOutsideWaitStates(t *testing.T) {
	env := newPowerEnv(t)
	node := createTestNode(t, env.store, types.StateActive)
	task := env.acquire(t, node.UUID)

	require.NoError(t, CleanupAfterTimeout(context.Background(), task))

	stored, err := env.store.GetNode(node.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.StateActive, stored.ProvisionState)
	assert.Empty(t, stored.LastError)
}

func TestCleanupAfterTimeoutRequiresExclusive(t *testing.T) {
	env := newPowerEnv(t)
	node := createTestNode(t, env.store, types.StateDeployWait)
	node.TargetProvisionState = types.StateActive
	require.NoError(t, env.store.UpdateNode(node))

	task, err := env.mgr.Acquire(context.Background(), node.UUID, WithShared())
	require.NoError(t, err)
	defer task.Release()

	err = CleanupAfterTimeout(context.Background(), task)
	var exclusive *ExclusiveLockRequiredError
	require.ErrorAs(t, err, &exclusive)

	stored, err := env.store.GetNode(node.UUID)
	require.NoError(t, err)
	assert.Equal(t, types.StateDeployWait, stored.ProvisionState)
	assert.Empty(t, stored.LastError)
}

func TestIsFastTrack(t *testing.T) {
	fresh := time.Now().UTC().Format(time.RFC3339Nano)
	stale := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339Nano)

	tests := []struct {
		name string
		node *types.Node
		want bool
	}{
		{
			name: "agent alive",
			node: &types.Node{
				PowerState: types.PowerOn,
				DriverInternalInfo: map[string]interface{}{
					types.AgentURLKey:           "http://agent",
					types.AgentLastHeartbeatKey: fresh,
				},
			},
			want: true,
		},
		{
			name: "powered off",
			node: &types.Node{
				PowerState: types.PowerOff,
				DriverInternalInfo: map[string]interface{}{
					types.AgentURLKey:           "http://agent",
					types.AgentLastHeartbeatKey: fresh,
				},
			},
			want: false,
		},
		{
			name: "stale heartbeat",
			node: &types.Node{
				PowerState: types.PowerOn,
				DriverInternalInfo: map[string]interface{}{
					types.AgentURLKey:           "http://agent",
					types.AgentLastHeartbeatKey: stale,
				},
			},
			want: false,
		},
		{
			// A heartbeat recorded before the node was last power cycled
			// came from the previous boot and must not count.
			name: "heartbeat predates power cycle",
			node: &types.Node{
				PowerState: types.PowerOn,
				DriverInternalInfo: map[string]interface{}{
					types.AgentURLKey:             "http://agent",
					types.AgentLastHeartbeatKey:   fresh,
					types.LastPowerStateChangeKey: time.Now().Add(time.Minute).UTC().Format(time.RFC3339Nano),
				},
			},
			want: false,
		},
		{
			name: "no agent url",
			node: &types.Node{
				PowerState: types.PowerOn,
				DriverInternalInfo: map[string]interface{}{
					types.AgentLastHeartbeatKey: fresh,
				},
			},
			want: false,
		},
		{
			name: "in maintenance",
			node: &types.Node{
				PowerState:  types.PowerOn,
				Maintenance: true,
				DriverInternalInfo: map[string]interface{}{
					types.AgentURLKey:           "http://agent",
					types.AgentLastHeartbeatKey: fresh,
				},
			},
			want: false,
		},
		{
			name: "has last error",
			node: &types.Node{
				PowerState: types.PowerOn,
				LastError:  "something broke",
				DriverInternalInfo: map[string]interface{}{
					types.AgentURLKey:           "http://agent",
					types.AgentLastHeartbeatKey: fresh,
				},
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsFastTrack(tt.node, 5*time.Minute))
		})
	}
}

func TestOnlineOfflineConductors(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.RegisterConductor(&types.Conductor{Hostname: "cond-1"}))

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, store.RegisterConductor(&types.Conductor{Hostname: "cond-2"}))

	online, err := OnlineConductors(store, 20*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, "cond-2", online[0].Hostname)

	offline, err := OfflineConductors(store, 20*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, offline, 1)
	assert.Equal(t, "cond-1", offline[0].Hostname)

	// A heartbeat brings the stale conductor back online.
	require.NoError(t, store.TouchConductor("cond-1"))
	online, err = OnlineConductors(store, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, online, 2)
}

func TestValidateNode(t *testing.T) {
	env := newPowerEnv(t)
	node := createTestNode(t, env.store, types.StateAvailable)
	task := env.acquire(t, node.UUID)

	require.NoError(t, ValidateNode(context.Background(), task))
}

func TestPublicError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"operation error", &drivers.OperationError{Msg: "BMC timeout"}, "BMC timeout"},
		{"invalid parameter", &storage.InvalidParameterError{Msg: "bad driver_info"}, "bad driver_info"},
		{"not found", &storage.NotFoundError{Kind: "node", Ident: "x"}, "x"},
		{"arbitrary error", errors.New("panic: index out of range"), "unhandled exception"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, publicError(tt.err), tt.want)
		})
	}
}
