// Package service coordinates units of work against process instances.
//
// The state machine in pkg/instance is not internally synchronized; this
// layer owns the single-writer discipline. Every mutating operation locks
// the instance id, applies the change, drains queued work-item completions,
// persists the snapshot and publishes the resulting lifecycle event before
// releasing the lock.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/procflow/procflow/pkg/deadline"
	"github.com/procflow/procflow/pkg/eventbus"
	"github.com/procflow/procflow/pkg/events"
	"github.com/procflow/procflow/pkg/instance"
	"github.com/procflow/procflow/pkg/marshaller"
	"github.com/procflow/procflow/pkg/models"
	"github.com/procflow/procflow/pkg/persistence"
	"github.com/procflow/procflow/pkg/registry"
	"github.com/procflow/procflow/pkg/replay"
	"github.com/procflow/procflow/pkg/scheduler"
	"github.com/procflow/procflow/pkg/workitem"
)

// ProcessService runs process instances: creation, signalling, work-item
// completion and lifecycle commands, each as one persisted unit of work.
type ProcessService struct {
	logger     *slog.Logger
	registry   *registry.Registry
	store      persistence.Store
	publisher  eventbus.EventPublisher
	replay     replay.Queue
	scheduler  *scheduler.DeadlineScheduler
	workItems  *workitem.Manager
	marshaller *marshaller.Marshaller

	mu    sync.Mutex
	locks map[string]*instanceLock
	live  map[string]*instance.ProcessInstance
}

// instanceLock serializes units of work on one instance id. Entries are
// refcounted so the table only holds ids somebody is actively locking;
// arbitrary ids probed by inbound events do not accumulate.
type instanceLock struct {
	mu   sync.Mutex
	refs int
}

// NewProcessService wires the engine together. The publisher and scheduler
// may be nil; lifecycle events and deadlines are then disabled. Passing a
// nil replay queue falls back to an in-memory one.
func NewProcessService(
	logger *slog.Logger,
	reg *registry.Registry,
	store persistence.Store,
	publisher eventbus.EventPublisher,
	replayQueue replay.Queue,
	strategies ...marshaller.ObjectMarshallerStrategy,
) *ProcessService {
	if replayQueue == nil {
		replayQueue = replay.NewMemoryQueue()
	}

	s := &ProcessService{
		logger:    logger.With("module", "process_service"),
		registry:  reg,
		store:     store,
		publisher: publisher,
		replay:    replayQueue,
		locks:     make(map[string]*instanceLock),
		live:      make(map[string]*instance.ProcessInstance),
	}

	s.workItems = workitem.NewManager(logger, s)
	s.marshaller = marshaller.NewMarshaller(logger, s.workItems, strategies...)

	return s
}

// HealthCheck checks the health of the persistence layer.
func (s *ProcessService) HealthCheck(ctx context.Context) (string, bool) {
	if s.store == nil {
		return "Persistence layer not initialized", false
	}

	err := s.store.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// WorkItems exposes the work-item manager for handler registration.
func (s *ProcessService) WorkItems() *workitem.Manager {
	return s.workItems
}

// SetDeadlineScheduler attaches a deadline scheduler. Must be called before
// the first instance is created.
func (s *ProcessService) SetDeadlineScheduler(ds *scheduler.DeadlineScheduler) {
	s.scheduler = ds
}

// acquire blocks until the caller owns the instance's lock. Every acquire
// must be paired with release.
func (s *ProcessService) acquire(instanceID string) *instanceLock {
	lock := s.ref(instanceID)
	lock.mu.Lock()

	return lock
}

// tryAcquire takes the lock only if it is free right now.
func (s *ProcessService) tryAcquire(instanceID string) (*instanceLock, bool) {
	lock := s.ref(instanceID)
	if !lock.mu.TryLock() {
		s.unref(instanceID, lock)

		return nil, false
	}

	return lock, true
}

func (s *ProcessService) release(instanceID string, lock *instanceLock) {
	lock.mu.Unlock()
	s.unref(instanceID, lock)
}

func (s *ProcessService) ref(instanceID string) *instanceLock {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[instanceID]
	if !ok {
		lock = &instanceLock{}
		s.locks[instanceID] = lock
	}

	lock.refs++

	return lock
}

func (s *ProcessService) unref(instanceID string, lock *instanceLock) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock.refs--
	if lock.refs == 0 {
		delete(s.locks, instanceID)
	}
}

// CreateInstance builds a new instance of the process, starts it with the
// given trigger and persists the first snapshot. An empty trigger starts
// every untriggered start node.
func (s *ProcessService) CreateInstance(ctx context.Context, processID string, vars map[string]any, trigger, correlationID string) (*instance.ProcessInstance, error) {
	def, err := s.registry.Process(processID)
	if err != nil {
		return nil, err
	}

	inst := instance.New("", def, vars, s.workItems, s.logger)

	lock := s.acquire(inst.ID())
	defer s.release(inst.ID(), lock)

	if correlationID != "" {
		inst.SetCorrelationID(correlationID)

		err = s.store.SetCorrelation(ctx, correlationID, inst.ID())
		if err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	s.live[inst.ID()] = inst
	s.mu.Unlock()

	err = inst.Start(ctx, trigger)
	if err != nil {
		s.evict(inst)

		// No snapshot was written; a correlation pointing at the dead id
		// must not survive.
		if correlationID != "" {
			if derr := s.store.DeleteCorrelation(ctx, correlationID); derr != nil {
				s.logger.Error("Failed to delete correlation after start failure",
					"instance_id", inst.ID(), "correlation_id", correlationID, "error", derr)
			}
		}

		return nil, err
	}

	if s.publisher != nil {
		started := events.InstanceStarted{
			BaseEvent:     events.NewBase(uuid.New().String(), events.InstanceStartedEvent, processID, inst.ID()),
			Trigger:       trigger,
			CorrelationID: correlationID,
		}
		if err := s.publisher.Publish(ctx, inst.ID(), started); err != nil {
			s.logger.Error("Failed to publish start event", "instance_id", inst.ID(), "error", err)
		}
	}

	s.scheduleDeadlines(ctx, inst)

	err = s.finish(ctx, inst)
	if err != nil {
		return nil, err
	}

	return inst, nil
}

// SignalInstance delivers a named signal to the instance as one unit of
// work.
func (s *ProcessService) SignalInstance(ctx context.Context, instanceID, signal string, payload any) (*instance.ProcessInstance, error) {
	lock := s.acquire(instanceID)
	defer s.release(instanceID, lock)

	inst, err := s.load(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	err = inst.SignalEvent(ctx, signal, payload)
	if err != nil {
		return nil, err
	}

	err = s.finish(ctx, inst)
	if err != nil {
		return nil, err
	}

	return inst, nil
}

// InstanceByID loads an instance. Read-only loads rehydrate a detached
// copy from the latest snapshot without touching the live table; mutating
// it fails fast.
func (s *ProcessService) InstanceByID(ctx context.Context, instanceID string, readOnly bool) (*instance.ProcessInstance, error) {
	if readOnly {
		snap, err := s.store.LoadSnapshot(ctx, instanceID)
		if err != nil {
			return nil, err
		}

		def, err := s.registry.Process(snap.ProcessID)
		if err != nil {
			return nil, err
		}

		return s.marshaller.UnmarshalProcessInstance(snap.Data, def, true, nil, nil)
	}

	lock := s.acquire(instanceID)
	defer s.release(instanceID, lock)

	return s.load(ctx, instanceID)
}

// InstanceByCorrelation resolves a correlation id to its instance id.
func (s *ProcessService) InstanceByCorrelation(ctx context.Context, correlationID string) (string, error) {
	return s.store.InstanceByCorrelation(ctx, correlationID)
}

// ListInstances returns the persisted snapshots, optionally filtered by
// process id.
func (s *ProcessService) ListInstances(ctx context.Context, processID string) ([]*persistence.Snapshot, error) {
	return s.store.ListSnapshots(ctx, processID)
}

// AbortInstance cancels the instance: outstanding work items are aborted,
// deadlines cancelled and parked completions discarded.
func (s *ProcessService) AbortInstance(ctx context.Context, instanceID string) (*instance.ProcessInstance, error) {
	return s.command(ctx, instanceID, func(ctx context.Context, inst *instance.ProcessInstance) error {
		return inst.Abort(ctx)
	})
}

// SuspendInstance pauses signal delivery for the instance.
func (s *ProcessService) SuspendInstance(ctx context.Context, instanceID string) (*instance.ProcessInstance, error) {
	return s.command(ctx, instanceID, func(_ context.Context, inst *instance.ProcessInstance) error {
		return inst.Suspend()
	})
}

// ResumeInstance reactivates a suspended instance.
func (s *ProcessService) ResumeInstance(ctx context.Context, instanceID string) (*instance.ProcessInstance, error) {
	return s.command(ctx, instanceID, func(_ context.Context, inst *instance.ProcessInstance) error {
		return inst.Resume()
	})
}

// RetriggerInstance re-executes the failed node of an instance in error.
func (s *ProcessService) RetriggerInstance(ctx context.Context, instanceID string) (*instance.ProcessInstance, error) {
	return s.command(ctx, instanceID, func(ctx context.Context, inst *instance.ProcessInstance) error {
		return inst.Retrigger(ctx)
	})
}

// SkipFailedNode completes the failed node of an instance in error without
// re-running it.
func (s *ProcessService) SkipFailedNode(ctx context.Context, instanceID string) (*instance.ProcessInstance, error) {
	return s.command(ctx, instanceID, func(ctx context.Context, inst *instance.ProcessInstance) error {
		return inst.Skip(ctx)
	})
}

// TriggerNode starts the given node of a live instance, typically from an
// administrative surface.
func (s *ProcessService) TriggerNode(ctx context.Context, instanceID, nodeID string) (*instance.ProcessInstance, error) {
	return s.command(ctx, instanceID, func(ctx context.Context, inst *instance.ProcessInstance) error {
		return inst.TriggerNode(ctx, nodeID)
	})
}

func (s *ProcessService) command(ctx context.Context, instanceID string, op func(context.Context, *instance.ProcessInstance) error) (*instance.ProcessInstance, error) {
	lock := s.acquire(instanceID)
	defer s.release(instanceID, lock)

	inst, err := s.load(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	err = op(ctx, inst)
	if err != nil {
		return nil, err
	}

	err = s.finish(ctx, inst)
	if err != nil {
		return nil, err
	}

	return inst, nil
}

// CompleteWorkItem applies a handler callback with results. Unknown ids are
// a silent no-op; the completion may have raced an abort.
func (s *ProcessService) CompleteWorkItem(ctx context.Context, workItemID string, results map[string]any) error {
	return s.workItems.CompleteWorkItem(ctx, workItemID, results)
}

// AbortWorkItem applies a handler abort callback.
func (s *ProcessService) AbortWorkItem(ctx context.Context, workItemID string) error {
	return s.workItems.AbortWorkItem(ctx, workItemID)
}

// DeliverCompletion routes a work-item completion back to its owning
// instance. Completions for instances that are not live are parked for
// replay instead of being dropped.
func (s *ProcessService) DeliverCompletion(ctx context.Context, signal string, wi *models.WorkItem) error {
	instanceID := wi.ProcessInstanceID

	s.mu.Lock()
	inst, isLive := s.live[instanceID]
	s.mu.Unlock()

	if !isLive {
		s.logger.Debug("Parking completion for offline instance",
			"instance_id", instanceID, "work_item_id", wi.ID)

		return s.replay.Park(ctx, instanceID, replay.Entry{Signal: signal, WorkItem: wi})
	}

	inst.EnqueueCompletion(instance.CompletionEvent{Signal: signal, WorkItem: wi})

	// If another unit of work holds the lock, its drain loop picks the
	// queued completion up; park a copy as well so the completion survives
	// a crash before the next persisted unit of work. A replayed duplicate
	// matches no waiting node and is dropped.
	lock, ok := s.tryAcquire(instanceID)
	if !ok {
		return s.replay.Park(ctx, instanceID, replay.Entry{Signal: signal, WorkItem: wi})
	}
	defer s.release(instanceID, lock)

	return s.finish(ctx, inst)
}

// DeadlineFired delivers a deadline notification as a signal to its
// instance. The signal name comes from the notification's "signal" key,
// defaulting to "timerTriggered".
func (s *ProcessService) DeadlineFired(ctx context.Context, d scheduler.Deadline) {
	signal := d.Notification["signal"]
	if signal == "" {
		signal = "timerTriggered"
	}

	payload := make(map[string]any, len(d.Notification)+1)
	for k, v := range d.Notification {
		payload[k] = v
	}

	payload["nodeId"] = d.NodeID

	_, err := s.SignalInstance(ctx, d.InstanceID, signal, payload)
	if err != nil && !persistence.IsInstanceNotFound(err) {
		s.logger.Error("Failed to deliver deadline signal",
			"instance_id", d.InstanceID, "signal", signal, "error", err)
	}
}

// Close disposes the work-item handlers and the replay queue.
func (s *ProcessService) Close() error {
	s.workItems.Dispose()

	return s.replay.Close()
}

// load returns the live instance or rehydrates it from its latest
// snapshot. Caller must hold the instance lock.
func (s *ProcessService) load(ctx context.Context, instanceID string) (*instance.ProcessInstance, error) {
	s.mu.Lock()
	inst, ok := s.live[instanceID]
	s.mu.Unlock()

	if ok {
		return inst, nil
	}

	snap, err := s.store.LoadSnapshot(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	def, err := s.registry.Process(snap.ProcessID)
	if err != nil {
		return nil, err
	}

	inst, err = s.marshaller.UnmarshalProcessInstance(snap.Data, def, false, s.workItems, s.workItems)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.live[instanceID] = inst
	s.mu.Unlock()

	err = s.replayCompletions(ctx, inst)
	if err != nil {
		return nil, err
	}

	return inst, nil
}

func (s *ProcessService) replayCompletions(ctx context.Context, inst *instance.ProcessInstance) error {
	entries, err := s.replay.Drain(ctx, inst.ID())
	if err != nil {
		return err
	}

	for _, entry := range entries {
		s.logger.Debug("Replaying parked completion",
			"instance_id", inst.ID(), "work_item_id", entry.WorkItem.ID)
		inst.EnqueueCompletion(instance.CompletionEvent{Signal: entry.Signal, WorkItem: entry.WorkItem})
	}

	return nil
}

// finish closes a unit of work: drains queued completions, persists the
// snapshot, publishes the lifecycle event and evicts terminal instances.
// Caller must hold the instance lock.
func (s *ProcessService) finish(ctx context.Context, inst *instance.ProcessInstance) error {
	err := inst.DrainCompletions(ctx)
	if err != nil {
		return err
	}

	err = s.persist(ctx, inst)
	if err != nil {
		return err
	}

	s.publish(ctx, inst)

	if inst.Status().Terminal() {
		s.evict(inst)
	}

	return nil
}

func (s *ProcessService) persist(ctx context.Context, inst *instance.ProcessInstance) error {
	data, err := s.marshaller.MarshalProcessInstance(inst)
	if err != nil {
		return fmt.Errorf("failed to snapshot instance %s: %w", inst.ID(), err)
	}

	return s.store.SaveSnapshot(ctx, &persistence.Snapshot{
		InstanceID: inst.ID(),
		ProcessID:  inst.ProcessID(),
		Status:     string(inst.Status()),
		Data:       data,
	})
}

func (s *ProcessService) publish(ctx context.Context, inst *instance.ProcessInstance) {
	if s.publisher == nil {
		return
	}

	event := events.StatusEvent(uuid.New().String(), inst.ProcessID(), inst.ID(), inst.Status(), inst.ProcessError())
	if event == nil {
		return
	}

	err := s.publisher.Publish(ctx, inst.ID(), event)
	if err != nil {
		s.logger.Error("Failed to publish lifecycle event",
			"instance_id", inst.ID(), "error", err)
	}
}

func (s *ProcessService) evict(inst *instance.ProcessInstance) {
	instanceID := inst.ID()

	s.mu.Lock()
	delete(s.live, instanceID)
	s.mu.Unlock()

	if s.scheduler != nil {
		s.scheduler.CancelInstance(instanceID)
	}

	if inst.Status().Terminal() {
		ctx := context.Background()

		if corrID := inst.CorrelationID(); corrID != "" {
			if err := s.store.DeleteCorrelation(ctx, corrID); err != nil {
				s.logger.Error("Failed to delete correlation",
					"instance_id", instanceID, "correlation_id", corrID, "error", err)
			}
		}

		if err := s.replay.Discard(ctx, instanceID); err != nil {
			s.logger.Error("Failed to discard parked completions",
				"instance_id", instanceID, "error", err)
		}
	}
}

func (s *ProcessService) scheduleDeadlines(ctx context.Context, inst *instance.ProcessInstance) {
	if s.scheduler == nil {
		return
	}

	for _, node := range inst.Definition().Nodes {
		if node.Deadlines == "" {
			continue
		}

		infos, err := deadline.Parse(node.Deadlines)
		if err != nil {
			s.logger.Error("Invalid deadline expression",
				"instance_id", inst.ID(), "node_id", node.ID, "error", err)

			continue
		}

		for _, info := range infos {
			for _, sched := range info.Schedules {
				exp, err := deadline.GetExpirationTime(sched, time.Now())
				if err != nil {
					s.logger.Error("Failed to compute expiration",
						"instance_id", inst.ID(), "node_id", node.ID, "error", err)

					continue
				}

				s.scheduler.Schedule(ctx, inst.ID(), node.ID, info.Notification, exp)
			}
		}
	}
}
