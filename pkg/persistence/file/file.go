// Package file provides file-based persistence for process-instance
// snapshots. Intended for development and single-node deployments.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"

	"github.com/procflow/procflow/pkg/persistence"
)

// Store implements persistence.Store on the local file system. Snapshots
// live under <root>/snapshots, one JSON file per instance; correlations
// under <root>/correlations, one file per correlation id.
type Store struct {
	root string
}

// NewStore creates a file store rooted at the given directory.
func NewStore(root string) (*Store, error) {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	for _, dir := range []string{"snapshots", "correlations"} {
		if err := os.MkdirAll(filepath.Join(cleanRoot, dir), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}

	return &Store{root: cleanRoot}, nil
}

type snapshotRecord struct {
	InstanceID string `json:"instance_id"`
	ProcessID  string `json:"process_id"`
	Status     string `json:"status"`
	Data       []byte `json:"data"`
}

func (s *Store) snapshotPath(instanceID string) string {
	return filepath.Join(s.root, "snapshots", instanceID+".json")
}

func (s *Store) correlationPath(correlationID string) string {
	return filepath.Join(s.root, "correlations", correlationID)
}

func (s *Store) SaveSnapshot(_ context.Context, snap *persistence.Snapshot) error {
	record := snapshotRecord{
		InstanceID: snap.InstanceID,
		ProcessID:  snap.ProcessID,
		Status:     snap.Status,
		Data:       snap.Data,
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return persistence.NewStoreError("save snapshot", snap.InstanceID, err)
	}

	if err := os.WriteFile(s.snapshotPath(snap.InstanceID), data, 0o644); err != nil {
		return persistence.NewStoreError("save snapshot", snap.InstanceID, err)
	}

	return nil
}

func (s *Store) LoadSnapshot(_ context.Context, instanceID string) (*persistence.Snapshot, error) {
	data, err := os.ReadFile(s.snapshotPath(instanceID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.ErrInstanceNotFound
		}

		return nil, persistence.NewStoreError("load snapshot", instanceID, err)
	}

	var record snapshotRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, persistence.NewStoreError("load snapshot", instanceID, err)
	}

	return &persistence.Snapshot{
		InstanceID: record.InstanceID,
		ProcessID:  record.ProcessID,
		Status:     record.Status,
		Data:       record.Data,
	}, nil
}

func (s *Store) DeleteSnapshot(_ context.Context, instanceID string) error {
	if err := os.Remove(s.snapshotPath(instanceID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return persistence.NewStoreError("delete snapshot", instanceID, err)
	}

	return nil
}

func (s *Store) ListSnapshots(ctx context.Context, processID string) ([]*persistence.Snapshot, error) {
	root := os.DirFS(filepath.Join(s.root, "snapshots"))

	files, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, persistence.NewStoreError("list snapshots", "", err)
	}

	snapshots := make([]*persistence.Snapshot, 0, len(files))

	for _, file := range files {
		instanceID := strings.TrimSuffix(file, ".json")

		snap, err := s.LoadSnapshot(ctx, instanceID)
		if err != nil {
			if persistence.IsInstanceNotFound(err) {
				continue
			}

			return nil, err
		}

		if processID != "" && snap.ProcessID != processID {
			continue
		}

		snapshots = append(snapshots, snap)
	}

	return snapshots, nil
}

func (s *Store) SetCorrelation(_ context.Context, correlationID, instanceID string) error {
	if err := os.WriteFile(s.correlationPath(correlationID), []byte(instanceID), 0o644); err != nil {
		return persistence.NewStoreError("set correlation", instanceID, err)
	}

	return nil
}

func (s *Store) InstanceByCorrelation(_ context.Context, correlationID string) (string, error) {
	data, err := os.ReadFile(s.correlationPath(correlationID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", persistence.ErrCorrelationNotFound
		}

		return "", persistence.NewStoreError("lookup correlation", "", err)
	}

	return string(data), nil
}

func (s *Store) DeleteCorrelation(_ context.Context, correlationID string) error {
	if err := os.Remove(s.correlationPath(correlationID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return persistence.NewStoreError("delete correlation", "", err)
	}

	return nil
}

func (s *Store) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(s.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

// Close performs any necessary cleanup. For file-based persistence, there
// is nothing to clean up.
func (s *Store) Close(_ context.Context) error {
	return nil
}
