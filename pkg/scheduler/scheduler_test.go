package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/procflow/procflow/pkg/deadline"
	"github.com/procflow/procflow/pkg/log"
)

func TestScheduler_OneShotFires(t *testing.T) {
	var fired atomic.Int32

	var got atomic.Value

	s := NewDeadlineScheduler(log.NewTestLogger(), func(_ context.Context, d Deadline) {
		fired.Add(1)
		got.Store(d)
	})
	s.Start()

	defer s.Stop()

	s.Schedule(context.Background(), "inst-1", "node-1",
		map[string]string{"subject": "reminder"},
		deadline.ExpirationTime{FirstFire: time.Now().Add(20 * time.Millisecond)})

	assert.Eventually(t, func() bool {
		return fired.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	d, ok := got.Load().(Deadline)
	assert.True(t, ok)
	assert.Equal(t, "inst-1", d.InstanceID)
	assert.Equal(t, "node-1", d.NodeID)
	assert.Equal(t, "reminder", d.Notification["subject"])

	// One-shot timers do not repeat.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestScheduler_CancelBeforeFire(t *testing.T) {
	var fired atomic.Int32

	s := NewDeadlineScheduler(log.NewTestLogger(), func(_ context.Context, _ Deadline) {
		fired.Add(1)
	})
	s.Start()

	defer s.Stop()

	id := s.Schedule(context.Background(), "inst-1", "node-1", nil,
		deadline.ExpirationTime{FirstFire: time.Now().Add(150 * time.Millisecond)})
	s.Cancel(id)

	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, fired.Load())
}

func TestScheduler_CancelInstanceStopsAllItsDeadlines(t *testing.T) {
	var fired atomic.Int32

	s := NewDeadlineScheduler(log.NewTestLogger(), func(_ context.Context, d Deadline) {
		if d.InstanceID == "inst-1" {
			fired.Add(1)
		}
	})
	s.Start()

	defer s.Stop()

	first := time.Now().Add(150 * time.Millisecond)
	s.Schedule(context.Background(), "inst-1", "node-1", nil, deadline.ExpirationTime{FirstFire: first})
	s.Schedule(context.Background(), "inst-1", "node-2", nil, deadline.ExpirationTime{FirstFire: first})
	s.Schedule(context.Background(), "inst-2", "node-1", nil, deadline.ExpirationTime{FirstFire: first})

	s.CancelInstance("inst-1")

	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, fired.Load())
}

func TestScheduler_BoundedRepeat(t *testing.T) {
	if testing.Short() {
		t.Skip("repeat intervals are second-granular")
	}

	var fired atomic.Int32

	s := NewDeadlineScheduler(log.NewTestLogger(), func(_ context.Context, _ Deadline) {
		fired.Add(1)
	})
	s.Start()

	defer s.Stop()

	// First fire plus two repeats, then the timer retires itself.
	s.Schedule(context.Background(), "inst-1", "node-1", nil, deadline.ExpirationTime{
		FirstFire:      time.Now().Add(20 * time.Millisecond),
		RepeatInterval: time.Second,
		RepeatLimit:    2,
	})

	assert.Eventually(t, func() bool {
		return fired.Load() == 3
	}, 10*time.Second, 50*time.Millisecond)

	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, int32(3), fired.Load())
}
