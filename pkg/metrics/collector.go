package metrics

import (
	"context"
	"time"

	"github.com/ferrumproject/ferrum/pkg/log"
	"github.com/ferrumproject/ferrum/pkg/storage"
	"github.com/ferrumproject/ferrum/pkg/types"
)

// Collector periodically refreshes fleet gauges from the store.
type Collector struct {
	store            storage.Store
	interval         time.Duration
	conductorTimeout time.Duration
	stopCh           chan struct{}
	doneCh           chan struct{}
}

func NewCollector(store storage.Store, interval, conductorTimeout time.Duration) *Collector {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Collector{
		store:            store,
		interval:         interval,
		conductorTimeout: conductorTimeout,
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
	}
}

func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Collector) run(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect()

	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Collector) collect() {
	logger := log.WithComponent("metrics")

	nodes, err := c.store.ListNodes()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list nodes for metrics")
		return
	}

	byState := make(map[types.ProvisionState]int)
	maintenance := 0
	for _, node := range nodes {
		byState[node.ProvisionState]++
		if node.Maintenance {
			maintenance++
		}
	}

	NodesTotal.Reset()
	for state, count := range byState {
		NodesTotal.WithLabelValues(string(state)).Set(float64(count))
	}
	NodesInMaintenance.Set(float64(maintenance))

	allocations, err := c.store.ListAllocations()
	if err == nil {
		byAllocState := make(map[types.AllocationState]int)
		for _, alloc := range allocations {
			byAllocState[alloc.State]++
		}
		AllocationsTotal.Reset()
		for state, count := range byAllocState {
			AllocationsTotal.WithLabelValues(string(state)).Set(float64(count))
		}
	}

	conductors, err := c.store.ListConductors()
	if err == nil {
		online := 0
		cutoff := time.Now().Add(-c.conductorTimeout)
		for _, cond := range conductors {
			if cond.UpdatedAt.After(cutoff) {
				online++
			}
		}
		ConductorsOnline.Set(float64(online))
	}
}
