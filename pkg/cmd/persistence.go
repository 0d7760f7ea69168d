// Package cmd provides common initialization functions for command-line
// applications.
package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/procflow/procflow/pkg/persistence"
	"github.com/procflow/procflow/pkg/persistence/file"
	"github.com/procflow/procflow/pkg/persistence/postgresql"
)

// NewStore picks the snapshot store from the database URL scheme. Postgres
// URLs get the SQL store; everything else falls back to the file store.
func NewStore(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Store, error) {
	switch parseStoreProvider(databaseURL) {
	case "postgres", "postgresql":
		return postgresql.NewStore(ctx, logger, databaseURL)
	default:
		return file.NewStore(databaseURL)
	}
}

func parseStoreProvider(databaseURL string) string {
	parts := strings.Split(databaseURL, "://")

	return parts[0]
}
