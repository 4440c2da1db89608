// Package webhook implements the CALL_WEBHOOK action.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/dukex/psaflow/pkg/actions"
	"github.com/dukex/psaflow/pkg/models"
)

const defaultTimeoutSeconds = 30

const maxResponseBody = 1 << 20

var (
	ErrClientError = errors.New("webhook returned a client error")
	ErrServerError = errors.New("webhook returned a server error")
	ErrCircuitOpen = errors.New("webhook circuit open")
	ErrInvalidURL  = errors.New("invalid webhook url")
)

type Config struct {
	URL            string            `json:"url"`
	Method         string            `json:"method,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           any               `json:"body,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// Action calls HTTP endpoints. One circuit breaker is kept per target host;
// only server errors and transport failures count against it.
type Action struct {
	client   *http.Client
	logger   *slog.Logger
	settings gobreaker.Settings

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

type Option func(*Action)

func WithClient(client *http.Client) Option {
	return func(a *Action) {
		a.client = client
	}
}

// WithBreaker sets how many consecutive failures open a host's circuit and
// how long it stays open.
func WithBreaker(consecutiveFailures uint32, openFor time.Duration) Option {
	return func(a *Action) {
		a.settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutiveFailures
		}
		a.settings.Timeout = openFor
	}
}

func New(logger *slog.Logger, opts ...Option) *Action {
	if logger == nil {
		logger = slog.Default()
	}

	a := &Action{
		client:   &http.Client{},
		logger:   logger.With("module", "webhook_action"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		settings: gobreaker.Settings{
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				return err == nil || actions.IsPermanent(err)
			},
		},
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

func (*Action) Type() models.ActionType {
	return models.ActionCallWebhook
}

func (*Action) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":    "string",
				"pattern": "^https?://",
			},
			"method": map[string]any{
				"type": "string",
				"enum": []string{"GET", "POST", "PUT", "PATCH", "DELETE", "get", "post", "put", "patch", "delete"},
			},
			"headers": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
			},
			"timeout_seconds": map[string]any{"type": "integer", "minimum": 0},
		},
		"required": []string{"url"},
	}
}

func (a *Action) Execute(ctx context.Context, config map[string]any, actx *actions.ActionContext) (map[string]any, error) {
	var cfg Config
	if err := actions.DecodeConfig(config, &cfg); err != nil {
		return nil, err
	}

	target, err := url.Parse(cfg.URL)
	if err != nil || target.Host == "" {
		return nil, actions.Permanent(fmt.Errorf("%w: %q", ErrInvalidURL, cfg.URL))
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodPost
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeoutSeconds * time.Second
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := a.buildRequest(reqCtx, method, cfg, actx)
	if err != nil {
		return nil, err
	}

	result, err := a.breaker(target.Host).Execute(func() (any, error) {
		return a.do(req)
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, fmt.Errorf("%w for %s: %w", ErrCircuitOpen, target.Host, err)
	case err != nil:
		return nil, err
	}

	output, _ := result.(map[string]any)

	a.logger.InfoContext(ctx, "Webhook called",
		"workflow_id", actx.WorkflowID,
		"method", method,
		"host", target.Host,
		"status_code", output["status_code"])

	return output, nil
}

func (a *Action) buildRequest(ctx context.Context, method string, cfg Config, actx *actions.ActionContext) (*http.Request, error) {
	var body io.Reader

	contentType := ""

	switch typed := cfg.Body.(type) {
	case nil:
	case string:
		body = strings.NewReader(typed)
		contentType = "text/plain; charset=utf-8"
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return nil, actions.Permanent(fmt.Errorf("%w: body: %w", actions.ErrInvalidConfig, err))
		}

		body = bytes.NewReader(encoded)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, body)
	if err != nil {
		return nil, actions.Permanent(fmt.Errorf("%w: %w", ErrInvalidURL, err))
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	req.Header.Set("X-Psaflow-Workflow-Id", actx.WorkflowID)
	req.Header.Set("X-Psaflow-Execution-Id", actx.ExecutionID)

	for key, value := range cfg.Headers {
		req.Header.Set(key, value)
	}

	return req, nil
}

func (a *Action) do(req *http.Request) (map[string]any, error) {
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: status %d", ErrServerError, resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, actions.Permanent(fmt.Errorf("%w: status %d", ErrClientError, resp.StatusCode))
	}

	var body any
	if err := json.Unmarshal(raw, &body); err != nil {
		body = string(raw)
	}

	headers := make(map[string]any, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"body":        body,
		"headers":     headers,
	}, nil
}

func (a *Action) breaker(host string) *gobreaker.CircuitBreaker {
	a.mu.Lock()
	defer a.mu.Unlock()

	cb, ok := a.breakers[host]
	if !ok {
		settings := a.settings
		settings.Name = host
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			a.logger.Warn("Webhook circuit state changed", "host", name, "from", from.String(), "to", to.String())
		}

		cb = gobreaker.NewCircuitBreaker(settings)
		a.breakers[host] = cb
	}

	return cb
}
