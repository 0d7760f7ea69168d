// Package replay buffers work-item completions that arrive for an instance
// the engine cannot signal right now, so they can be re-delivered when the
// instance is next loaded.
//
// A completion is lost when its instance was aborted, evicted or is mid
// restart between the handler callback and signal delivery. Instead of
// dropping it, the service parks it here keyed by instance id and drains
// the queue as part of the next unit of work on that instance.
package replay

import (
	"context"
	"sync"

	"github.com/goccy/go-json"

	"github.com/procflow/procflow/pkg/models"
)

// Entry is one parked completion: the signal that should have been
// delivered and the work item carrying its results.
type Entry struct {
	Signal   string           `json:"signal"`
	WorkItem *models.WorkItem `json:"work_item"`
}

// Queue parks and releases completion entries per instance id.
// Implementations must be safe for concurrent use.
type Queue interface {
	Park(ctx context.Context, instanceID string, entry Entry) error

	// Drain returns all parked entries for the instance, in arrival order,
	// and removes them. An empty slice means nothing was parked.
	Drain(ctx context.Context, instanceID string) ([]Entry, error)

	// Discard drops all parked entries for the instance.
	Discard(ctx context.Context, instanceID string) error

	Close() error
}

// MemoryQueue keeps parked completions in process memory. Entries do not
// survive a restart; use the redis-backed queue when that matters.
type MemoryQueue struct {
	mu      sync.Mutex
	entries map[string][]Entry
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{entries: make(map[string][]Entry)}
}

func (q *MemoryQueue) Park(_ context.Context, instanceID string, entry Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries[instanceID] = append(q.entries[instanceID], entry)

	return nil
}

func (q *MemoryQueue) Drain(_ context.Context, instanceID string) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.entries[instanceID]
	delete(q.entries, instanceID)

	return entries, nil
}

func (q *MemoryQueue) Discard(_ context.Context, instanceID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.entries, instanceID)

	return nil
}

func (q *MemoryQueue) Close() error {
	return nil
}

func marshalEntry(entry Entry) ([]byte, error) {
	return json.Marshal(entry)
}

func unmarshalEntry(data []byte) (Entry, error) {
	var entry Entry

	err := json.Unmarshal(data, &entry)

	return entry, err
}
