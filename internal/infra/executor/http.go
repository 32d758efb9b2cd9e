// Package executor provides TestExecutor implementations: a remote HTTP
// executor and a static one for development and tests.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openctemio/orchestrator/internal/app"
	"github.com/openctemio/orchestrator/pkg/logger"
)

const (
	defaultTimeout = 30 * time.Minute

	// maxResponseSize bounds the decoded executor response.
	maxResponseSize = 32 << 20
)

// Errors returned by HTTPExecutor.
var (
	ErrNotConfigured = errors.New("executor URL is not configured")
	ErrUnavailable   = errors.New("executor unavailable")
)

// HTTPConfig holds configuration for the remote executor.
type HTTPConfig struct {
	URL        string
	Timeout    time.Duration
	MaxRetries int
}

// HTTPExecutor runs scenarios on a remote service. It POSTs the scenario,
// target and config as JSON and decodes {tools_executed, findings}.
type HTTPExecutor struct {
	url        string
	httpClient *http.Client
	maxRetries int
	logger     *logger.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

var _ app.TestExecutor = (*HTTPExecutor)(nil)

type executeRequest struct {
	RunID      string         `json:"run_id"`
	ScenarioID string         `json:"scenario_id"`
	Target     string         `json:"target"`
	Config     map[string]any `json:"config"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewHTTPExecutor creates an HTTPExecutor.
func NewHTTPExecutor(cfg HTTPConfig, log *logger.Logger) (*HTTPExecutor, error) {
	if cfg.URL == "" {
		return nil, ErrNotConfigured
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &HTTPExecutor{
		url:        cfg.URL,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		logger:     log.With("component", "http_executor"),
		sleep:      sleepContext,
	}, nil
}

// Execute sends one run to the remote executor. Only responses that show the
// request was not accepted (429, 503) or transport errors are retried.
func (e *HTTPExecutor) Execute(ctx context.Context, req app.ExecutionRequest) (*app.ExecutionResult, error) {
	cfg := req.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	body, err := json.Marshal(executeRequest{
		RunID:      req.RunID.String(),
		ScenarioID: req.ScenarioID,
		Target:     req.Target,
		Config:     cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal execute request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			if err := e.sleep(ctx, time.Duration(attempt*attempt)*time.Second); err != nil {
				return nil, err
			}
			e.logger.Debug("retrying executor request", "run_id", req.RunID.String(), "attempt", attempt)
		}

		result, retry, err := e.do(ctx, body)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retry || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (e *HTTPExecutor) do(ctx context.Context, body []byte) (*app.ExecutionResult, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, true, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, false, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusServiceUnavailable:
		return nil, true, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		var errResp errorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return nil, false, fmt.Errorf("executor error: status %d: %s", resp.StatusCode, errResp.Error)
		}
		return nil, false, fmt.Errorf("executor error: status %d", resp.StatusCode)
	}

	var result app.ExecutionResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, false, fmt.Errorf("decode executor response: %w", err)
	}
	return &result, false, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
