package conductor

import (
	"context"
	"fmt"
	"time"

	"github.com/ferrumproject/ferrum/pkg/events"
	"github.com/ferrumproject/ferrum/pkg/log"
	"github.com/ferrumproject/ferrum/pkg/storage"
	"github.com/ferrumproject/ferrum/pkg/types"
)

// processAllocations tries to bind every allocation still in the
// allocating state to a matching available node. An allocation that
// matches no node at all is failed; one whose candidates are merely
// locked right now is retried on the next sweep.
func (c *Conductor) processAllocations(ctx context.Context) {
	allocations, err := c.store.ListAllocations()
	if err != nil {
		log.WithComponent("allocations").Error().Err(err).Msg("Failed to list allocations")
		return
	}

	for _, alloc := range allocations {
		if alloc.State != types.AllocationAllocating {
			continue
		}
		c.tryBindAllocation(ctx, alloc)
	}
}

func (c *Conductor) tryBindAllocation(ctx context.Context, alloc *types.Allocation) {
	logger := log.WithComponent("allocations")

	candidates, err := c.allocationCandidates(alloc)
	if err != nil {
		logger.Error().Err(err).Str("allocation", alloc.UUID).Msg("Candidate search failed")
		return
	}

	if len(candidates) == 0 {
		alloc.State = types.AllocationError
		alloc.LastError = fmt.Sprintf("no node matches resource class %q with traits %v",
			alloc.ResourceClass, alloc.Traits)
		alloc.UpdatedAt = time.Now()
		if err := c.store.UpdateAllocation(alloc); err != nil {
			logger.Error().Err(err).Str("allocation", alloc.UUID).Msg("Failed to fail allocation")
			return
		}
		c.publish(events.EventAllocationFailed, "", alloc.LastError)
		return
	}

	for _, candidate := range candidates {
		task, err := c.tasks.Acquire(ctx, candidate.UUID,
			WithPurpose("binding allocation"), WithoutRetry())
		if err != nil {
			// Locked or raced away; try the next candidate.
			continue
		}

		node := task.Node
		if !c.allocationMatches(alloc, node) {
			task.Release()
			continue
		}

		node.InstanceUUID = alloc.UUID
		if err := task.Save(); err != nil {
			logger.Error().Err(err).Str("node", node.UUID).Msg("Failed to bind node to allocation")
			task.Release()
			continue
		}

		alloc.NodeUUID = node.UUID
		alloc.State = types.AllocationActive
		alloc.LastError = ""
		alloc.UpdatedAt = time.Now()
		if err := c.store.UpdateAllocation(alloc); err != nil {
			// Roll the node back so it stays schedulable.
			node.InstanceUUID = ""
			if saveErr := task.Save(); saveErr != nil {
				logger.Error().Err(saveErr).Str("node", node.UUID).Msg("Failed to unbind node after allocation update failure")
			}
			task.Release()
			logger.Error().Err(err).Str("allocation", alloc.UUID).Msg("Failed to activate allocation")
			return
		}
		task.Release()

		logger.Info().
			Str("allocation", alloc.UUID).
			Str("node", node.UUID).
			Msg("Allocation bound")
		c.publish(events.EventAllocationBound, node.UUID, alloc.UUID)
		return
	}
	// Every candidate was locked or changed underneath us. Retry later.
}

// allocationCandidates returns available nodes matching the allocation's
// criteria. Reserved nodes stay in the set; the lock attempt decides
// whether they can be bound, so a transient lock means retry rather than
// failure.
func (c *Conductor) allocationCandidates(alloc *types.Allocation) ([]*types.Node, error) {
	nodes, err := c.store.ListNodesByProvisionState(types.StateAvailable)
	if err != nil {
		return nil, err
	}

	restrict := make(map[string]bool, len(alloc.CandidateNodes))
	for _, uuid := range alloc.CandidateNodes {
		restrict[uuid] = true
	}

	var out []*types.Node
	for _, node := range nodes {
		if len(restrict) > 0 && !restrict[node.UUID] {
			continue
		}
		if c.allocationMatches(alloc, node) {
			out = append(out, node)
		}
	}
	return out, nil
}

func (c *Conductor) allocationMatches(alloc *types.Allocation, node *types.Node) bool {
	if node.ProvisionState != types.StateAvailable || node.Maintenance {
		return false
	}
	if node.InstanceUUID != "" {
		return false
	}
	if alloc.ResourceClass != "" && node.ResourceClass != alloc.ResourceClass {
		return false
	}
	for _, trait := range alloc.Traits {
		if !node.HasTrait(trait) {
			return false
		}
	}
	return true
}

// CreateAllocation records a new allocation request; binding happens on
// the next periodic sweep.
func (c *Conductor) CreateAllocation(alloc *types.Allocation) error {
	if alloc.UUID == "" {
		return &storage.InvalidParameterError{Msg: "allocation requires a UUID"}
	}
	alloc.State = types.AllocationAllocating
	alloc.CreatedAt = time.Now()
	alloc.UpdatedAt = alloc.CreatedAt
	if err := c.store.CreateAllocation(alloc); err != nil {
		return err
	}
	c.publish(events.EventAllocationCreated, "", alloc.UUID)
	return nil
}
