// Package persistence abstracts durable storage of process-instance
// snapshots and their correlation index.
package persistence

import "context"

// Snapshot is one persisted process-instance record.
type Snapshot struct {
	InstanceID string
	ProcessID  string
	Status     string
	Data       []byte
}

// Store persists marshalled instance snapshots. Implementations must be
// safe for concurrent use; snapshot writes for one instance are serialized
// by the service layer's unit of work.
type Store interface {
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
	LoadSnapshot(ctx context.Context, instanceID string) (*Snapshot, error)
	DeleteSnapshot(ctx context.Context, instanceID string) error
	ListSnapshots(ctx context.Context, processID string) ([]*Snapshot, error)

	// Correlation index: maps an external correlation id to an instance id.
	SetCorrelation(ctx context.Context, correlationID, instanceID string) error
	InstanceByCorrelation(ctx context.Context, correlationID string) (string, error)
	DeleteCorrelation(ctx context.Context, correlationID string) error

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
