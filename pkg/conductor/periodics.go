package conductor

import (
	"context"
	"errors"
	"time"

	"github.com/ferrumproject/ferrum/pkg/events"
	"github.com/ferrumproject/ferrum/pkg/log"
	"github.com/ferrumproject/ferrum/pkg/metrics"
	"github.com/ferrumproject/ferrum/pkg/storage"
	"github.com/ferrumproject/ferrum/pkg/types"
)

// run drives the conductor's periodic work: heartbeats, wait-state timeout
// sweeps, allocation matching and takeover of nodes abandoned by offline
// conductors.
func (c *Conductor) run(ctx context.Context) {
	defer close(c.doneCh)

	heartbeat := time.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	sweep := time.NewTicker(c.cfg.SweepInterval)
	defer sweep.Stop()

	c.heartbeat()

	for {
		select {
		case <-heartbeat.C:
			c.heartbeat()
		case <-sweep.C:
			started := time.Now()
			c.sweepWaitTimeouts(ctx)
			c.takeOverOfflineConductors(ctx)
			c.processAllocations(ctx)
			metrics.SweepDuration.Observe(time.Since(started).Seconds())
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Conductor) heartbeat() {
	if err := c.store.TouchConductor(c.cfg.Hostname); err != nil {
		log.WithConductor(c.cfg.Hostname).Error().Err(err).Msg("Heartbeat failed")
	}
}

// sweepWaitTimeouts fails nodes stuck in a wait state past their phase's
// callback timeout. Locked nodes are skipped without retrying; a later
// sweep will see them again.
func (c *Conductor) sweepWaitTimeouts(ctx context.Context) {
	phases := []struct {
		state   types.ProvisionState
		timeout time.Duration
	}{
		{types.StateDeployWait, c.cfg.DeployCallbackTimeout},
		{types.StateCleanWait, c.cfg.CleanCallbackTimeout},
		{types.StateRescueWait, c.cfg.RescueCallbackTimeout},
	}

	for _, phase := range phases {
		if phase.timeout <= 0 {
			continue
		}
		nodes, err := c.store.ListNodesByProvisionState(phase.state)
		if err != nil {
			log.WithComponent("conductor").Error().Err(err).
				Str("state", string(phase.state)).
				Msg("Failed to list nodes for timeout sweep")
			continue
		}

		cutoff := time.Now().Add(-phase.timeout)
		for _, node := range nodes {
			if node.ProvisionUpdatedAt.After(cutoff) {
				continue
			}
			if node.Maintenance {
				continue
			}
			c.expireWaitingNode(ctx, node)
		}
	}
}

func (c *Conductor) expireWaitingNode(ctx context.Context, node *types.Node) {
	task, err := c.tasks.Acquire(ctx, node.UUID,
		WithPurpose("wait timeout cleanup"), WithoutRetry())
	if err != nil {
		if storage.IsNodeLocked(err) || storage.IsNotFound(err) {
			return
		}
		log.WithNode(node.UUID).Error().Err(err).Msg("Failed to lock node for timeout cleanup")
		return
	}
	defer task.Release()

	if err := CleanupAfterTimeout(ctx, task); err != nil {
		log.WithNode(node.UUID).Error().Err(err).Msg("Timeout cleanup failed")
		return
	}
	c.publish(events.EventWaitTimeout, node.UUID, string(node.ProvisionState))
}

// takeOverOfflineConductors breaks reservations held by conductors whose
// heartbeat has gone stale, making their nodes lockable again.
func (c *Conductor) takeOverOfflineConductors(ctx context.Context) {
	offline, err := OfflineConductors(c.store, c.cfg.ConductorTimeout)
	if err != nil {
		log.WithComponent("conductor").Error().Err(err).Msg("Failed to list offline conductors")
		return
	}

	for _, dead := range offline {
		if dead.Hostname == c.cfg.Hostname {
			continue
		}
		nodes, err := c.store.ListNodesReservedBy(dead.Hostname)
		if err != nil {
			log.WithComponent("conductor").Error().Err(err).
				Str("conductor", dead.Hostname).
				Msg("Failed to list nodes reserved by offline conductor")
			continue
		}

		for _, node := range nodes {
			if err := c.store.ReleaseNode(dead.Hostname, node.UUID); err != nil {
				var notLocked *storage.NodeNotLockedError
				if errors.As(err, &notLocked) {
					continue
				}
				log.WithNode(node.UUID).Error().Err(err).
					Str("conductor", dead.Hostname).
					Msg("Failed to break stale reservation")
				continue
			}
			log.WithNode(node.UUID).Warn().
				Str("conductor", dead.Hostname).
				Msg("Broke reservation held by offline conductor")
			RecordHistory(c.store, node,
				"reservation taken over from offline conductor "+dead.Hostname,
				"takeover", types.HistoryWarning, c.cfg.Hostname)
			c.publish(events.EventConductorTakeover, node.UUID, dead.Hostname)
		}
	}
}
