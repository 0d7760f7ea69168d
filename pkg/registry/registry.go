// Package registry holds process definitions and typed payload converters.
//
// The registry is constructed explicitly and handed to the engine at startup;
// there is no package-level instance.
package registry

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/procflow/procflow/pkg/models"
)

// ErrProcessNotFound is returned when no definition is registered under the
// requested id.
var ErrProcessNotFound = errors.New("process not registered")

// Converter turns an inbound event payload into the variable bindings of a
// new process instance. Converters are registered per process id at
// definition build time; no runtime reflection is involved.
type Converter func(payload map[string]any) (map[string]any, error)

type Registry struct {
	logger     *slog.Logger
	validate   *validator.Validate
	processes  map[string]*models.ProcessDefinition
	converters map[string]Converter
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:     logger,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		processes:  make(map[string]*models.ProcessDefinition),
		converters: make(map[string]Converter),
	}
}

// RegisterProcess validates and stores a process definition. Last
// registration for an id wins.
func (r *Registry) RegisterProcess(def *models.ProcessDefinition) error {
	if err := r.validate.Struct(def); err != nil {
		return fmt.Errorf("invalid process definition: %w", err)
	}

	r.processes[def.ID] = def
	r.logger.Info("Registered process definition",
		"process_id", def.ID, "version", def.Version)

	return nil
}

// RegisterConverter associates a payload converter with a process id.
func (r *Registry) RegisterConverter(processID string, conv Converter) {
	r.converters[processID] = conv
}

// Process returns the definition registered under the given id.
func (r *Registry) Process(id string) (*models.ProcessDefinition, error) {
	def, ok := r.processes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProcessNotFound, id)
	}

	return def, nil
}

// Processes returns all registered definitions.
func (r *Registry) Processes() []*models.ProcessDefinition {
	defs := make([]*models.ProcessDefinition, 0, len(r.processes))
	for _, def := range r.processes {
		defs = append(defs, def)
	}

	return defs
}

// Convert runs the converter registered for the process, or passes the
// payload through unchanged when none is registered.
func (r *Registry) Convert(processID string, payload map[string]any) (map[string]any, error) {
	conv, ok := r.converters[processID]
	if !ok {
		return payload, nil
	}

	return conv(payload)
}
