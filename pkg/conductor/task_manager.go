package conductor

import (
	"context"
	"fmt"
	"time"

	"github.com/ferrumproject/ferrum/pkg/drivers"
	"github.com/ferrumproject/ferrum/pkg/log"
	"github.com/ferrumproject/ferrum/pkg/metrics"
	"github.com/ferrumproject/ferrum/pkg/states"
	"github.com/ferrumproject/ferrum/pkg/storage"
	"github.com/ferrumproject/ferrum/pkg/types"
)

// ExclusiveLockRequiredError reports an operation attempted on a shared
// task that mutates node state.
type ExclusiveLockRequiredError struct {
	Node    string
	Purpose string
}

func (e *ExclusiveLockRequiredError) Error() string {
	return fmt.Sprintf("node %s: %s requires an exclusive lock", e.Node, e.Purpose)
}

// TaskManager hands out node tasks. An exclusive task holds the node's
// reservation in the store for its whole lifetime; a shared task is a
// read-only view and holds nothing.
type TaskManager struct {
	store    storage.Store
	registry *drivers.Registry
	host     string

	retryAttempts int
	retryInterval time.Duration

	pool *WorkerPool
}

func NewTaskManager(store storage.Store, registry *drivers.Registry, host string, retryAttempts int, retryInterval time.Duration, pool *WorkerPool) *TaskManager {
	if retryAttempts < 1 {
		retryAttempts = 1
	}
	return &TaskManager{
		store:         store,
		registry:      registry,
		host:          host,
		retryAttempts: retryAttempts,
		retryInterval: retryInterval,
		pool:          pool,
	}
}

// TaskOption adjusts how a task is acquired
type TaskOption func(*taskOptions)

type taskOptions struct {
	shared  bool
	noRetry bool
	purpose string
}

// WithShared acquires a read-only task that does not reserve the node.
func WithShared() TaskOption {
	return func(o *taskOptions) { o.shared = true }
}

// WithPurpose names the operation for logs and lock-contention errors.
func WithPurpose(purpose string) TaskOption {
	return func(o *taskOptions) { o.purpose = purpose }
}

// WithoutRetry fails immediately on lock contention instead of retrying.
func WithoutRetry() TaskOption {
	return func(o *taskOptions) { o.noRetry = true }
}

// Task is a unit of work on one node. Exactly one Release (or a SpawnAfter
// handoff) must happen on every path after a successful Acquire; callers
// defer Release immediately.
type Task struct {
	mgr *TaskManager

	Node   *types.Node
	Driver *drivers.HardwareType
	Ports  []*types.Port

	shared     bool
	purpose    string
	released   bool
	spawned    bool
	acquiredAt time.Time
}

// Acquire returns a task for the node identified by UUID or name. For an
// exclusive task the node's reservation is taken atomically, retrying a
// bounded number of times when another conductor holds it.
func (m *TaskManager) Acquire(ctx context.Context, ident string, opts ...TaskOption) (*Task, error) {
	var o taskOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.purpose == "" {
		o.purpose = "unspecified action"
	}

	task := &Task{
		mgr:        m,
		shared:     o.shared,
		purpose:    o.purpose,
		acquiredAt: time.Now(),
	}

	if o.shared {
		node, err := m.store.GetNodeByIdent(ident)
		if err != nil {
			return nil, err
		}
		task.Node = node
	} else {
		node, err := m.reserve(ctx, ident, o)
		if err != nil {
			return nil, err
		}
		task.Node = node
	}

	if err := m.populate(task); err != nil {
		task.Release()
		return nil, err
	}
	return task, nil
}

func (m *TaskManager) reserve(ctx context.Context, ident string, o taskOptions) (*types.Node, error) {
	attempts := m.retryAttempts
	if o.noRetry {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		node, err := m.store.ReserveNode(m.host, ident)
		if err == nil {
			metrics.LockAcquiresTotal.WithLabelValues("success").Inc()
			return node, nil
		}
		if !storage.IsNodeLocked(err) {
			return nil, err
		}
		lastErr = err
		metrics.LockAcquiresTotal.WithLabelValues("contended").Inc()

		if attempt == attempts {
			break
		}
		log.WithComponent("taskmanager").Debug().
			Str("node", ident).
			Str("purpose", o.purpose).
			Int("attempt", attempt).
			Msg("Node is locked, retrying")

		select {
		case <-time.After(m.retryInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	metrics.LockAcquiresTotal.WithLabelValues("failed").Inc()
	return nil, lastErr
}

func (m *TaskManager) populate(task *Task) error {
	if m.registry != nil && task.Node.Driver != "" {
		driver, err := m.registry.Get(task.Node.Driver)
		if err != nil {
			return err
		}
		task.Driver = driver
	}

	ports, err := m.store.ListPortsByNode(task.Node.UUID)
	if err != nil {
		return err
	}
	task.Ports = ports
	return nil
}

// Shared reports whether this task holds only a read-only view.
func (t *Task) Shared() bool { return t.shared }

// Purpose returns the operation name this task was acquired for.
func (t *Task) Purpose() string { return t.purpose }

// UpgradeLock converts a shared task into an exclusive one by taking the
// reservation, then re-reading the node since it may have changed while
// the task was shared.
func (t *Task) UpgradeLock(ctx context.Context) error {
	if !t.shared {
		return nil
	}

	node, err := t.mgr.reserve(ctx, t.Node.UUID, taskOptions{purpose: t.purpose})
	if err != nil {
		return err
	}

	t.Node = node
	t.shared = false
	t.acquiredAt = time.Now()
	return t.mgr.populate(t)
}

// Save persists the task's node. Requires an exclusive lock.
func (t *Task) Save() error {
	if t.shared {
		return &ExclusiveLockRequiredError{Node: t.Node.UUID, Purpose: "saving node"}
	}
	return t.mgr.store.UpdateNode(t.Node)
}

// ProcessEvent advances the node's provision state and persists it.
// Requires an exclusive lock.
func (t *Task) ProcessEvent(event states.Event, opts ...states.EventOption) error {
	if t.shared {
		return &ExclusiveLockRequiredError{Node: t.Node.UUID, Purpose: fmt.Sprintf("provision event %q", event)}
	}

	if err := states.ProcessEvent(t.Node, event, opts...); err != nil {
		return err
	}

	t.Node.ProvisionUpdatedAt = time.Now()
	metrics.ProvisionEventsTotal.WithLabelValues(string(event)).Inc()
	return t.Save()
}

// SpawnAfter hands the task off to a pool goroutine. On success the
// caller's deferred Release becomes a no-op and the lock is released by
// the goroutine when fn returns. On submission failure ownership stays
// with the caller and the error is returned.
func (t *Task) SpawnAfter(fn func(*Task)) error {
	if t.shared {
		return &ExclusiveLockRequiredError{Node: t.Node.UUID, Purpose: "spawning background work"}
	}
	if t.released {
		return fmt.Errorf("node %s: task already released", t.Node.UUID)
	}

	t.spawned = true
	err := t.mgr.pool.Submit(func() {
		defer t.releaseForce()
		fn(t)
	})
	if err != nil {
		t.spawned = false
		return fmt.Errorf("failed to start background work for node %s: %w", t.Node.UUID, err)
	}
	return nil
}

// Release drops the task's reservation. It is idempotent and is a no-op
// after a successful SpawnAfter handoff.
func (t *Task) Release() {
	if t.spawned {
		return
	}
	t.releaseForce()
}

func (t *Task) releaseForce() {
	if t.released {
		return
	}
	t.released = true

	if t.shared {
		return
	}

	metrics.LockHoldDuration.Observe(time.Since(t.acquiredAt).Seconds())

	if err := t.mgr.store.ReleaseNode(t.mgr.host, t.Node.UUID); err != nil {
		// The node may have been deleted, or the reservation broken by
		// takeover. Nothing to do beyond logging.
		log.WithComponent("taskmanager").Warn().
			Err(err).
			Str("node", t.Node.UUID).
			Str("purpose", t.purpose).
			Msg("Failed to release node reservation")
	}
}
