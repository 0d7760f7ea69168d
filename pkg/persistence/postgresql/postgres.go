// Package postgresql provides PostgreSQL persistence for process-instance
// snapshots.
package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq" // postgres driver

	"github.com/procflow/procflow/pkg/persistence"
	"github.com/procflow/procflow/pkg/persistence/sqlbase"
)

// Store implements persistence.Store on PostgreSQL. Snapshots are stored
// as BYTEA rows keyed by instance id; the correlation index is a separate
// table.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore connects to PostgreSQL and runs pending schema migrations.
func NewStore(ctx context.Context, logger *slog.Logger, databaseURL string) (*Store, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: database, logger: logger}, nil
}

func (s *Store) SaveSnapshot(ctx context.Context, snap *persistence.Snapshot) error {
	query := `
		INSERT INTO process_instances (instance_id, process_id, status, snapshot, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (instance_id) DO UPDATE SET
			status = EXCLUDED.status,
			snapshot = EXCLUDED.snapshot,
			updated_at = NOW()
	`

	_, err := s.db.ExecContext(ctx, query, snap.InstanceID, snap.ProcessID, snap.Status, snap.Data)
	if err != nil {
		return persistence.NewStoreError("save snapshot", snap.InstanceID, err)
	}

	return nil
}

func (s *Store) LoadSnapshot(ctx context.Context, instanceID string) (*persistence.Snapshot, error) {
	query := `
		SELECT instance_id, process_id, status, snapshot
		FROM process_instances
		WHERE instance_id = $1
	`

	snap := &persistence.Snapshot{}

	err := s.db.QueryRowContext(ctx, query, instanceID).
		Scan(&snap.InstanceID, &snap.ProcessID, &snap.Status, &snap.Data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrInstanceNotFound
		}

		return nil, persistence.NewStoreError("load snapshot", instanceID, err)
	}

	return snap, nil
}

func (s *Store) DeleteSnapshot(ctx context.Context, instanceID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM process_instances WHERE instance_id = $1", instanceID)
	if err != nil {
		return persistence.NewStoreError("delete snapshot", instanceID, err)
	}

	return nil
}

func (s *Store) ListSnapshots(ctx context.Context, processID string) ([]*persistence.Snapshot, error) {
	query := `
		SELECT instance_id, process_id, status, snapshot
		FROM process_instances
	`

	var (
		rows *sql.Rows
		err  error
	)

	if processID != "" {
		rows, err = s.db.QueryContext(ctx, query+" WHERE process_id = $1 ORDER BY created_at", processID)
	} else {
		rows, err = s.db.QueryContext(ctx, query+" ORDER BY created_at")
	}

	if err != nil {
		return nil, persistence.NewStoreError("list snapshots", "", err)
	}
	defer func() { _ = rows.Close() }()

	var snapshots []*persistence.Snapshot

	for rows.Next() {
		snap := &persistence.Snapshot{}

		err := rows.Scan(&snap.InstanceID, &snap.ProcessID, &snap.Status, &snap.Data)
		if err != nil {
			return nil, persistence.NewStoreError("list snapshots", "", err)
		}

		snapshots = append(snapshots, snap)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewStoreError("list snapshots", "", err)
	}

	return snapshots, nil
}

func (s *Store) SetCorrelation(ctx context.Context, correlationID, instanceID string) error {
	query := `
		INSERT INTO instance_correlations (correlation_id, instance_id)
		VALUES ($1, $2)
		ON CONFLICT (correlation_id) DO UPDATE SET instance_id = EXCLUDED.instance_id
	`

	_, err := s.db.ExecContext(ctx, query, correlationID, instanceID)
	if err != nil {
		return persistence.NewStoreError("set correlation", instanceID, err)
	}

	return nil
}

func (s *Store) InstanceByCorrelation(ctx context.Context, correlationID string) (string, error) {
	var instanceID string

	err := s.db.QueryRowContext(ctx,
		"SELECT instance_id FROM instance_correlations WHERE correlation_id = $1",
		correlationID).Scan(&instanceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", persistence.ErrCorrelationNotFound
		}

		return "", persistence.NewStoreError("lookup correlation", "", err)
	}

	return instanceID, nil
}

func (s *Store) DeleteCorrelation(ctx context.Context, correlationID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM instance_correlations WHERE correlation_id = $1", correlationID)
	if err != nil {
		return persistence.NewStoreError("delete correlation", "", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *Store) HealthCheck(ctx context.Context) error {
	err := s.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close(_ context.Context) error {
	if s.db != nil {
		err := s.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}
