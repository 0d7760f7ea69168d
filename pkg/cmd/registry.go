package cmd

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/procflow/procflow/pkg/models"
	"github.com/procflow/procflow/pkg/registry"
)

// NewRegistry builds a registry from the JSON process definitions found
// under processesPath. A missing directory yields an empty registry;
// invalid definitions fail startup.
func NewRegistry(logger *slog.Logger, processesPath string) (*registry.Registry, error) {
	reg := registry.NewRegistry(logger)

	if processesPath == "" {
		return reg, nil
	}

	root := os.DirFS(processesPath)

	files, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list process definitions: %w", err)
	}

	for _, file := range files {
		data, err := os.ReadFile(filepath.Join(processesPath, file))
		if err != nil {
			return nil, fmt.Errorf("failed to read process definition %s: %w", file, err)
		}

		var def models.ProcessDefinition
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("failed to parse process definition %s: %w", file, err)
		}

		if err := reg.RegisterProcess(&def); err != nil {
			return nil, fmt.Errorf("invalid process definition %s: %w", file, err)
		}
	}

	return reg, nil
}
