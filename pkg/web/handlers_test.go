package web_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/pkg/dispatcher"
	"github.com/procflow/procflow/pkg/log"
	"github.com/procflow/procflow/pkg/models"
	"github.com/procflow/procflow/pkg/persistence/file"
	"github.com/procflow/procflow/pkg/registry"
	"github.com/procflow/procflow/pkg/service"
	"github.com/procflow/procflow/pkg/web"
)

func orderProcess() *models.ProcessDefinition {
	return &models.ProcessDefinition{
		ID:      "orders",
		Name:    "Order Handling",
		Version: "1.0",
		Source:  "/orders/source",
		Nodes: []*models.Node{
			{
				ID:      "wait",
				Name:    "Wait for shipment",
				Type:    models.NodeTypeEvent,
				Signals: []string{"Message-orders", "shipped"},
				Start:   true,
			},
		},
	}
}

func setupTestApp(t *testing.T) (*fiber.App, *service.ProcessService) {
	t.Helper()

	logger := log.NewTestLogger()

	reg := registry.NewRegistry(logger)
	require.NoError(t, reg.RegisterProcess(orderProcess()))

	store, err := file.NewStore(t.TempDir())
	require.NoError(t, err)

	processService := service.NewProcessService(logger, reg, store, nil, nil)
	t.Cleanup(func() { _ = processService.Close() })

	d, err := dispatcher.NewDispatcher(logger, processService, reg, orderProcess(), dispatcher.SynchronousExecutor{})
	require.NoError(t, err)

	handlers := web.NewAPIHandlers(processService, reg,
		validator.New(validator.WithRequiredStructEnabled()),
		map[string]*dispatcher.Dispatcher{"orders": d})

	app := fiber.New()
	handlers.RegisterRoutes(app)

	return app, processService
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, data
}

func TestAPIHandlers_HealthCheck(t *testing.T) {
	app, _ := setupTestApp(t)

	resp, body := doJSON(t, app, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "healthy")
}

func TestAPIHandlers_GetProcesses(t *testing.T) {
	app, _ := setupTestApp(t)

	resp, body := doJSON(t, app, http.MethodGet, "/processes", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var defs []*models.ProcessDefinition
	require.NoError(t, json.Unmarshal(body, &defs))
	require.Len(t, defs, 1)
	assert.Equal(t, "orders", defs[0].ID)
}

func TestAPIHandlers_CreateInstance(t *testing.T) {
	app, _ := setupTestApp(t)

	resp, body := doJSON(t, app, http.MethodPost, "/processes/orders/instances", web.CreateInstanceRequest{
		Variables: map[string]any{"item": "book"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created web.InstanceResponse
	require.NoError(t, json.Unmarshal(body, &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "orders", created.ProcessID)
	assert.Equal(t, string(models.InstanceStatusActive), created.Status)
	require.Len(t, created.Nodes, 1)
	assert.Equal(t, "waiting", created.Nodes[0].State)
}

func TestAPIHandlers_CreateInstanceUnknownProcess(t *testing.T) {
	app, _ := setupTestApp(t)

	resp, body := doJSON(t, app, http.MethodPost, "/processes/nope/instances", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "process_not_found")
}

func TestAPIHandlers_GetInstance(t *testing.T) {
	app, _ := setupTestApp(t)

	_, createdBody := doJSON(t, app, http.MethodPost, "/processes/orders/instances", nil)

	var created web.InstanceResponse
	require.NoError(t, json.Unmarshal(createdBody, &created))

	resp, body := doJSON(t, app, http.MethodGet, "/instances/"+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var fetched web.InstanceResponse
	require.NoError(t, json.Unmarshal(body, &fetched))
	assert.Equal(t, created.ID, fetched.ID)
}

func TestAPIHandlers_GetInstanceNotFound(t *testing.T) {
	app, _ := setupTestApp(t)

	resp, body := doJSON(t, app, http.MethodGet, "/instances/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "instance_not_found")
}

func TestAPIHandlers_SignalInstance(t *testing.T) {
	app, _ := setupTestApp(t)

	_, createdBody := doJSON(t, app, http.MethodPost, "/processes/orders/instances", nil)

	var created web.InstanceResponse
	require.NoError(t, json.Unmarshal(createdBody, &created))

	resp, body := doJSON(t, app, http.MethodPost, "/instances/"+created.ID+"/signal", web.SignalRequest{
		Signal:  "shipped",
		Payload: map[string]any{"carrier": "acme"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var signalled web.InstanceResponse
	require.NoError(t, json.Unmarshal(body, &signalled))
	assert.Equal(t, string(models.InstanceStatusCompleted), signalled.Status)
	assert.Equal(t, "acme", signalled.Variables["carrier"])
}

func TestAPIHandlers_SignalValidation(t *testing.T) {
	app, _ := setupTestApp(t)

	resp, _ := doJSON(t, app, http.MethodPost, "/instances/any/signal", map[string]any{"payload": 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIHandlers_AbortInstance(t *testing.T) {
	app, _ := setupTestApp(t)

	_, createdBody := doJSON(t, app, http.MethodPost, "/processes/orders/instances", nil)

	var created web.InstanceResponse
	require.NoError(t, json.Unmarshal(createdBody, &created))

	resp, body := doJSON(t, app, http.MethodPost, "/instances/"+created.ID+"/abort", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var aborted web.InstanceResponse
	require.NoError(t, json.Unmarshal(body, &aborted))
	assert.Equal(t, string(models.InstanceStatusAborted), aborted.Status)
}

func TestAPIHandlers_SuspendConflict(t *testing.T) {
	app, _ := setupTestApp(t)

	_, createdBody := doJSON(t, app, http.MethodPost, "/processes/orders/instances", nil)

	var created web.InstanceResponse
	require.NoError(t, json.Unmarshal(createdBody, &created))

	resp, _ := doJSON(t, app, http.MethodPost, "/instances/"+created.ID+"/suspend", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Suspending twice is an invalid transition.
	resp, body := doJSON(t, app, http.MethodPost, "/instances/"+created.ID+"/suspend", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, string(body), "invalid_transition")
}

func TestAPIHandlers_ListInstances(t *testing.T) {
	app, _ := setupTestApp(t)

	doJSON(t, app, http.MethodPost, "/processes/orders/instances", nil)
	doJSON(t, app, http.MethodPost, "/processes/orders/instances", nil)

	resp, body := doJSON(t, app, http.MethodGet, "/instances?process_id=orders", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Instances  []web.InstanceSummary `json:"instances"`
		TotalCount int                   `json:"total_count"`
	}
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, 2, result.TotalCount)
}

func TestAPIHandlers_DispatchEvent(t *testing.T) {
	app, _ := setupTestApp(t)

	resp, body := doJSON(t, app, http.MethodPost, "/events/orders", map[string]any{
		"id":     "evt-1",
		"type":   "orders",
		"source": "/orders/source",
		"data":   map[string]any{"item": "lamp"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var created web.InstanceResponse
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, "orders", created.ProcessID)
}

func TestAPIHandlers_DispatchEventRoutingMiss(t *testing.T) {
	app, _ := setupTestApp(t)

	resp, _ := doJSON(t, app, http.MethodPost, "/events/orders", map[string]any{
		"id":     "evt-2",
		"type":   "payments",
		"source": "/orders/source",
	})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestAPIHandlers_DispatchEventUnknownTopic(t *testing.T) {
	app, _ := setupTestApp(t)

	resp, _ := doJSON(t, app, http.MethodPost, "/events/unknown", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
