package states

import (
	"testing"

	"github.com/ferrumproject/ferrum/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessEventTransitions(t *testing.T) {
	tests := []struct {
		name       string
		from       types.ProvisionState
		target     types.ProvisionState
		event      Event
		wantState  types.ProvisionState
		wantTarget types.ProvisionState
	}{
		{
			name:       "manage from enroll",
			from:       types.StateEnroll,
			event:      EventManage,
			wantState:  types.StateVerifying,
			wantTarget: types.StateNone,
		},
		{
			name:       "deploy sets active target",
			from:       types.StateAvailable,
			event:      EventDeploy,
			wantState:  types.StateDeploying,
			wantTarget: types.StateActive,
		},
		{
			name:       "deploy waits for callback",
			from:       types.StateDeploying,
			target:     types.StateActive,
			event:      EventWait,
			wantState:  types.StateDeployWait,
			wantTarget: types.StateActive,
		},
		{
			name:       "deploy done clears target",
			from:       types.StateDeploying,
			target:     types.StateActive,
			event:      EventDone,
			wantState:  types.StateActive,
			wantTarget: types.StateNone,
		},
		{
			name:       "provide starts automated cleaning",
			from:       types.StateManageable,
			event:      EventProvide,
			wantState:  types.StateCleaning,
			wantTarget: types.StateAvailable,
		},
		{
			name:       "automated cleaning done lands in available",
			from:       types.StateCleaning,
			target:     types.StateAvailable,
			event:      EventDone,
			wantState:  types.StateAvailable,
			wantTarget: types.StateNone,
		},
		{
			name:       "manual cleaning done lands in manageable",
			from:       types.StateCleaning,
			target:     types.StateManageable,
			event:      EventDone,
			wantState:  types.StateManageable,
			wantTarget: types.StateNone,
		},
		{
			name:       "tear down finishes into cleaning",
			from:       types.StateDeleting,
			target:     types.StateAvailable,
			event:      EventDone,
			wantState:  types.StateCleaning,
			wantTarget: types.StateAvailable,
		},
		{
			name:       "rescue wait abort fails the rescue",
			from:       types.StateRescueWait,
			target:     types.StateRescue,
			event:      EventAbort,
			wantState:  types.StateRescueFail,
			wantTarget: types.StateNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := &types.Node{
				UUID:                 "node-1",
				ProvisionState:       tt.from,
				TargetProvisionState: tt.target,
			}
			err := ProcessEvent(node, tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, node.ProvisionState)
			assert.Equal(t, tt.wantTarget, node.TargetProvisionState)
		})
	}
}

func TestProcessEventInvalid(t *testing.T) {
	node := &types.Node{
		UUID:           "node-1",
		ProvisionState: types.StateActive,
	}

	err := ProcessEvent(node, EventDeploy)
	require.Error(t, err)

	var ise *InvalidStateError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, types.StateActive, ise.State)
	assert.Equal(t, EventDeploy, ise.Event)

	// Node must be untouched on an illegal transition
	assert.Equal(t, types.StateActive, node.ProvisionState)
}

func TestProcessEventWithTarget(t *testing.T) {
	node := &types.Node{
		UUID:                 "node-1",
		ProvisionState:       types.StateCleanWait,
		TargetProvisionState: types.StateAvailable,
	}

	err := ProcessEvent(node, EventFail, WithTarget(types.StateManageable))
	require.NoError(t, err)
	assert.Equal(t, types.StateCleanFail, node.ProvisionState)
	assert.Equal(t, types.StateManageable, node.TargetProvisionState)
}

func TestTargetPowerState(t *testing.T) {
	tests := []struct {
		action types.PowerState
		want   types.PowerState
	}{
		{types.PowerOn, types.PowerOn},
		{types.Reboot, types.PowerOn},
		{types.SoftReboot, types.PowerOn},
		{types.PowerOff, types.PowerOff},
		{types.SoftPowerOff, types.PowerOff},
	}

	for _, tt := range tests {
		got, err := TargetPowerState(tt.action)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := TargetPowerState(types.PowerState("warp"))
	assert.Error(t, err)
}

func TestStateClassification(t *testing.T) {
	assert.True(t, IsStable(types.StateActive))
	assert.True(t, IsStable(types.StateDeployFail))
	assert.False(t, IsStable(types.StateDeploying))

	assert.True(t, IsWait(types.StateDeployWait))
	assert.True(t, IsWait(types.StateCleanWait))
	assert.True(t, IsWait(types.StateRescueWait))
	assert.False(t, IsWait(types.StateActive))
}
