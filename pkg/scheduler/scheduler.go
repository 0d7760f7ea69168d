// Package scheduler fires process deadlines computed by the deadline
// package. The engine registers a timer per deadline expression; the
// scheduler calls back with the notification payload at each expiration.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/procflow/procflow/pkg/deadline"
)

// Deadline identifies one scheduled notification: which instance and node
// it concerns and the free-form key/value pairs to deliver on expiration.
type Deadline struct {
	ID           string
	InstanceID   string
	NodeID       string
	Notification map[string]string
}

// Callback is invoked on every expiration of a scheduled deadline.
type Callback func(ctx context.Context, d Deadline)

type job struct {
	deadline  Deadline
	timer     *time.Timer
	entryID   cron.EntryID
	hasEntry  bool
	remaining int
}

// DeadlineScheduler runs deadline timers in-process. The first fire is an
// absolute-time timer; repeats run on a cron scheduler at the computed
// interval until the repeat limit is exhausted or the deadline is
// cancelled.
type DeadlineScheduler struct {
	logger   *slog.Logger
	callback Callback
	cron     *cron.Cron

	mu   sync.Mutex
	jobs map[string]*job
}

func NewDeadlineScheduler(logger *slog.Logger, callback Callback) *DeadlineScheduler {
	return &DeadlineScheduler{
		logger:   logger.With("module", "deadline_scheduler"),
		callback: callback,
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cron.DefaultLogger),
			cron.Recover(cron.DefaultLogger),
		)),
		jobs: make(map[string]*job),
	}
}

// Start begins dispatching repeat timers. First fires are armed per
// deadline and do not require Start.
func (s *DeadlineScheduler) Start() {
	s.cron.Start()
}

// Schedule arms a timer for the given expiration. It returns the deadline
// id used to cancel it. The callback runs on the scheduler's goroutines;
// it must hand the work to the engine rather than mutate instances
// directly.
func (s *DeadlineScheduler) Schedule(ctx context.Context, instanceID, nodeID string, notification map[string]string, exp deadline.ExpirationTime) string {
	d := Deadline{
		ID:           uuid.New().String(),
		InstanceID:   instanceID,
		NodeID:       nodeID,
		Notification: notification,
	}

	j := &job{deadline: d, remaining: exp.RepeatLimit}

	delay := time.Until(exp.FirstFire)
	if delay < 0 {
		delay = 0
	}

	j.timer = time.AfterFunc(delay, func() {
		s.fire(ctx, d.ID, exp.RepeatInterval)
	})

	s.mu.Lock()
	s.jobs[d.ID] = j
	s.mu.Unlock()

	s.logger.Debug("Scheduled deadline",
		"deadline_id", d.ID,
		"instance_id", instanceID,
		"node_id", nodeID,
		"first_fire", exp.FirstFire,
		"repeat_limit", exp.RepeatLimit)

	return d.ID
}

func (s *DeadlineScheduler) fire(ctx context.Context, deadlineID string, interval time.Duration) {
	s.mu.Lock()
	j, ok := s.jobs[deadlineID]
	s.mu.Unlock()

	if !ok {
		return
	}

	s.callback(ctx, j.deadline)

	if interval <= 0 || j.remaining == 0 {
		s.removeJob(deadlineID)

		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, still := s.jobs[deadlineID]; !still {
		return
	}

	j.entryID = s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		s.repeat(ctx, deadlineID)
	}))
	j.hasEntry = true
}

func (s *DeadlineScheduler) repeat(ctx context.Context, deadlineID string) {
	s.mu.Lock()
	j, ok := s.jobs[deadlineID]
	s.mu.Unlock()

	if !ok {
		return
	}

	s.callback(ctx, j.deadline)

	if j.remaining == deadline.UnboundedRepetitions {
		return
	}

	s.mu.Lock()
	j.remaining--
	exhausted := j.remaining <= 0
	s.mu.Unlock()

	if exhausted {
		s.removeJob(deadlineID)
	}
}

// Cancel stops a deadline before its next fire. Cancelling an unknown or
// already-exhausted id is a no-op.
func (s *DeadlineScheduler) Cancel(deadlineID string) {
	s.removeJob(deadlineID)
}

// CancelInstance stops every deadline scheduled for the instance. Called
// when an instance completes or aborts.
func (s *DeadlineScheduler) CancelInstance(instanceID string) {
	s.mu.Lock()

	var ids []string

	for id, j := range s.jobs {
		if j.deadline.InstanceID == instanceID {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.removeJob(id)
	}
}

func (s *DeadlineScheduler) removeJob(deadlineID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[deadlineID]
	if !ok {
		return
	}

	if j.timer != nil {
		j.timer.Stop()
	}

	if j.hasEntry {
		s.cron.Remove(j.entryID)
	}

	delete(s.jobs, deadlineID)
}

// Stop cancels all deadlines and shuts the repeat scheduler down,
// returning once running callbacks finish.
func (s *DeadlineScheduler) Stop() {
	s.mu.Lock()

	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.removeJob(id)
	}

	<-s.cron.Stop().Done()
}
