// Package handlers provides built-in work-item handlers for common node
// kinds: outbound REST calls and structured log emission. Anything else
// (human tasks, custom integrations) registers its own handler.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/procflow/procflow/pkg/models"
	"github.com/procflow/procflow/pkg/template"
	"github.com/procflow/procflow/pkg/workitem"
)

const defaultTimeoutSeconds = 30

var (
	// ErrRESTURLMissing is returned when a REST work item carries no url
	// parameter.
	ErrRESTURLMissing = errors.New("missing 'url' in work item parameters")
	// ErrRESTServerError is returned when the remote returns a 5xx status.
	ErrRESTServerError = errors.New("server error during REST work item")
)

// RetryConfig defines retry behavior for REST work items.
type RetryConfig struct {
	Attempts int
	Delay    time.Duration
}

// RESTHandler performs an HTTP request described by the work item's
// parameters and completes the item with the response. Parameters:
// url (required, templated), method, headers, body (templated) and
// retry {attempts, delay}.
type RESTHandler struct {
	logger *slog.Logger
	client *http.Client
}

func NewRESTHandler(logger *slog.Logger) *RESTHandler {
	return &RESTHandler{
		logger: logger.With("module", "rest_handler"),
		client: &http.Client{Timeout: defaultTimeoutSeconds * time.Second},
	}
}

// ExecuteWorkItem performs the request with retry on 5xx and transport
// errors, then completes the work item with status, body and headers.
func (h *RESTHandler) ExecuteWorkItem(ctx context.Context, wi *models.WorkItem, manager *workitem.Manager) error {
	logger := h.logger.With("work_item_id", wi.ID, "process_instance_id", wi.ProcessInstanceID)

	retry := parseRetryConfig(wi.Parameters["retry"])

	var (
		lastErr error
		resp    *http.Response
	)

	for attempt := 1; attempt <= retry.Attempts; attempt++ {
		if attempt > 1 {
			logger.InfoContext(ctx, fmt.Sprintf("REST work item retry attempt %d/%d", attempt, retry.Attempts))
			time.Sleep(retry.Delay)
		}

		req, err := h.buildRequest(ctx, wi)
		if err != nil {
			return err
		}

		resp, err = h.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http request failed: %w", err)

			continue
		}

		if resp.StatusCode >= 500 && attempt < retry.Attempts {
			if cerr := resp.Body.Close(); cerr != nil {
				logger.ErrorContext(ctx, "failed to close response body", "error", cerr)
			}

			lastErr = fmt.Errorf("status %d, retrying: %w", resp.StatusCode, ErrRESTServerError)

			continue
		}

		break
	}

	if resp == nil {
		return fmt.Errorf("all retry attempts failed, last error: %w", lastErr)
	}

	results, err := h.processResponse(ctx, resp, logger)
	if err != nil {
		return err
	}

	return manager.CompleteWorkItem(ctx, wi.ID, results)
}

// AbortWorkItem has nothing to undo: the request either already ran or
// never started.
func (h *RESTHandler) AbortWorkItem(_ context.Context, wi *models.WorkItem, _ *workitem.Manager) error {
	h.logger.Debug("Aborting REST work item", "work_item_id", wi.ID)

	return nil
}

// Close releases pooled connections.
func (h *RESTHandler) Close() error {
	h.client.CloseIdleConnections()

	return nil
}

func (h *RESTHandler) buildRequest(ctx context.Context, wi *models.WorkItem) (*http.Request, error) {
	rawURL, ok := wi.Parameters["url"].(string)
	if !ok || rawURL == "" {
		return nil, ErrRESTURLMissing
	}

	urlResult, err := template.RenderWorkItem(rawURL, wi)
	if err != nil {
		return nil, fmt.Errorf("failed to render url template: %w", err)
	}

	method, _ := wi.Parameters["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	bodyReader, err := buildRequestBody(wi)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), fmt.Sprintf("%v", urlResult), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}

	if err := setRequestHeaders(req, wi); err != nil {
		return nil, err
	}

	return req, nil
}

func buildRequestBody(wi *models.WorkItem) (io.Reader, error) {
	raw, _ := wi.Parameters["body"].(string)
	if raw == "" {
		return strings.NewReader(""), nil
	}

	body, err := template.RenderWorkItem(raw, wi)
	if err != nil {
		return nil, fmt.Errorf("failed to render body template: %w", err)
	}

	var bodyBytes []byte
	if str, ok := body.(string); ok {
		bodyBytes = []byte(str)
	} else {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
	}

	return strings.NewReader(string(bodyBytes)), nil
}

func setRequestHeaders(req *http.Request, wi *models.WorkItem) error {
	headersParam, ok := wi.Parameters["headers"].(map[string]any)
	if !ok {
		return nil
	}

	for key, value := range headersParam {
		raw, ok := value.(string)
		if !ok {
			continue
		}

		headerResult, err := template.RenderWorkItem(raw, wi)
		if err != nil {
			return fmt.Errorf("failed to render header '%s' template: %w", key, err)
		}

		req.Header.Set(key, fmt.Sprintf("%v", headerResult))
	}

	return nil
}

func (h *RESTHandler) processResponse(ctx context.Context, resp *http.Response, logger *slog.Logger) (map[string]any, error) {
	defer func() {
		_ = resp.Body.Close()
	}()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var body any

	err = json.Unmarshal(bodyBytes, &body)
	if err != nil {
		body = string(bodyBytes)

		logger.WarnContext(ctx, "Failed to parse response as JSON, returning as string", "error", err)
	}

	headers := make(map[string]any, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	return map[string]any{
		"status":  resp.StatusCode,
		"body":    body,
		"headers": headers,
	}, nil
}

func parseRetryConfig(raw any) RetryConfig {
	retry := RetryConfig{Attempts: 1, Delay: 0}

	retryMap, ok := raw.(map[string]any)
	if !ok {
		return retry
	}

	if attempts, ok := retryMap["attempts"].(float64); ok && attempts > 0 {
		retry.Attempts = int(attempts)
	}

	if delay, ok := retryMap["delay"].(float64); ok && delay > 0 {
		retry.Delay = time.Duration(delay) * time.Second
	}

	return retry
}
