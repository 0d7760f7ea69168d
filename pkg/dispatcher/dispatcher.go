// Package dispatcher correlates inbound messages to process instances.
//
// An inbound payload is either a cloud event envelope or a plain data event.
// Cloud events matching the configured topic and source are routed to an
// existing instance via their reference id when one resolves, and fall
// through to fresh instance creation otherwise. Everything else is a routing
// miss and resolves to a nil instance.
package dispatcher

import (
	"context"
	"log/slog"

	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/procflow/procflow/pkg/instance"
	"github.com/procflow/procflow/pkg/models"
	"github.com/procflow/procflow/pkg/otelhelper"
	"github.com/procflow/procflow/pkg/persistence"
	"github.com/procflow/procflow/pkg/registry"
)

// SignalPrefix is prepended to the topic to form the signal name delivered
// to message nodes.
const SignalPrefix = "Message-"

// ProcessService is the slice of the engine the dispatcher drives. Signals
// and creations run under the service's per-instance serialization.
type ProcessService interface {
	SignalInstance(ctx context.Context, instanceID, signal string, payload any) (*instance.ProcessInstance, error)
	CreateInstance(ctx context.Context, processID string, vars map[string]any, trigger, correlationID string) (*instance.ProcessInstance, error)
}

type Dispatcher struct {
	logger   *slog.Logger
	service  ProcessService
	registry *registry.Registry
	def      *models.ProcessDefinition
	executor Executor
	schema   *gojsonschema.Schema
	tracer   trace.Tracer
}

// NewDispatcher builds a dispatcher for one process definition. A nil
// executor defaults to one goroutine per dispatch.
func NewDispatcher(
	logger *slog.Logger,
	service ProcessService,
	reg *registry.Registry,
	def *models.ProcessDefinition,
	executor Executor,
) (*Dispatcher, error) {
	schema, err := compileEnvelopeSchema()
	if err != nil {
		return nil, err
	}

	if executor == nil {
		executor = goExecutor{}
	}

	return &Dispatcher{
		logger:   logger.With("module", "dispatcher", "process_id", def.ID),
		service:  service,
		registry: reg,
		def:      def,
		executor: executor,
		schema:   schema,
		tracer:   otel.Tracer("procflow-dispatcher"),
	}, nil
}

// Dispatch routes a raw payload received on topic. The work runs on the
// dispatcher's executor; the returned future resolves to the targeted or
// created instance, or to nil on a routing miss.
func (d *Dispatcher) Dispatch(ctx context.Context, topic string, payload []byte) *Future {
	future := newFuture()

	d.executor.Execute(func() {
		spanCtx, span := otelhelper.StartSpan(ctx, d.tracer, "dispatcher dispatch",
			attribute.String(otelhelper.ProcessIDKey, d.def.ID),
			attribute.String("procflow.topic", topic),
		)
		defer span.End()

		inst, err := d.route(spanCtx, topic, payload)
		if err != nil {
			d.logger.Error("Dispatch failed", "topic", topic, "error", err)
			otelhelper.SetError(span, err)
		}

		future.resolve(inst, err)
	})

	return future
}

func (d *Dispatcher) route(ctx context.Context, topic string, payload []byte) (*instance.ProcessInstance, error) {
	signal := SignalPrefix + topic

	ce, isCloudEvent := parseCloudEvent(d.schema, payload)
	if !isCloudEvent {
		return d.createFromData(ctx, signal, payload, "")
	}

	if ce.Type != topic || ce.Source != d.def.Source {
		d.logger.Debug("Ignoring event for other topic or source",
			"topic", topic, "event_type", ce.Type, "event_source", ce.Source)

		return nil, nil
	}

	if ce.ReferenceID != "" {
		inst, err := d.service.SignalInstance(ctx, ce.ReferenceID, signal, ce.Data)
		if err == nil {
			return inst, nil
		}

		if !persistence.IsInstanceNotFound(err) {
			return nil, err
		}

		d.logger.Debug("Reference id did not resolve, creating new instance",
			"reference_id", ce.ReferenceID)
	}

	return d.create(ctx, signal, ce.Data, ce.ReferenceID)
}

func (d *Dispatcher) createFromData(ctx context.Context, signal string, payload []byte, correlationID string) (*instance.ProcessInstance, error) {
	var data map[string]any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &data); err != nil {
			d.logger.Debug("Ignoring undecodable event payload", "error", err)

			return nil, nil
		}
	}

	return d.create(ctx, signal, data, correlationID)
}

func (d *Dispatcher) create(ctx context.Context, signal string, data map[string]any, correlationID string) (*instance.ProcessInstance, error) {
	vars, err := d.registry.Convert(d.def.ID, data)
	if err != nil {
		return nil, err
	}

	return d.service.CreateInstance(ctx, d.def.ID, vars, signal, correlationID)
}
