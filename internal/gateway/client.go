// Package gateway implements the grading backend requests over HTTP.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/playground/internal/config"
	"github.com/fyrsmithlabs/playground/internal/experiment"
	"github.com/fyrsmithlabs/playground/internal/logging"
	"github.com/fyrsmithlabs/playground/internal/orchestrator"
)

const (
	headerSecret       = "X-API-Secret"
	headerModuleConfig = "X-Module-Config"

	defaultMaxRetries  = 2
	defaultBaseBackoff = 500 * time.Millisecond
	maxErrorBody       = 512
)

var (
	// ErrStatus is returned when the backend answers with a non-200 status.
	ErrStatus = errors.New("unexpected backend status")
	// ErrNoSubmissions is returned for selection requests without candidates.
	ErrNoSubmissions = errors.New("no submissions to select from")
)

// ModuleResponse is the envelope every backend module endpoint answers with.
type ModuleResponse struct {
	ModuleName string          `json:"module_name"`
	Status     int             `json:"status"`
	Data       json.RawMessage `json:"data"`
	Meta       json.RawMessage `json:"meta,omitempty"`
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Client talks to one module of the grading backend.
type Client struct {
	baseURL      string
	secret       config.Secret
	module       experiment.Module
	moduleConfig json.RawMessage
	httpClient   *http.Client
	limiter      *rate.Limiter
	logger       *logging.Logger
	maxRetries   int
	backoff      time.Duration
}

var _ orchestrator.Gateway = (*Client)(nil)

// NewClient creates a client for the module of moduleCfg. When moduleCfg names
// no module, the module from cfg is used.
func NewClient(cfg config.BackendConfig, moduleCfg experiment.ModuleConfiguration, logger *logging.Logger) (*Client, error) {
	module := moduleCfg.Module
	if module.Type == "" {
		module.Type = cfg.ModuleType
	}
	if module.Name == "" {
		module.Name = cfg.ModuleName
	}
	if module.Type == "" || module.Name == "" {
		return nil, fmt.Errorf("module type and name required")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("backend url required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return &Client{
		baseURL:      strings.TrimRight(cfg.URL, "/"),
		secret:       cfg.Secret,
		module:       module,
		moduleConfig: moduleCfg.ModuleConfig,
		httpClient: &http.Client{
			Timeout: cfg.Timeout.Duration(),
		},
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger.Named("gateway"),
		maxRetries: defaultMaxRetries,
		backoff:    defaultBaseBackoff,
	}, nil
}

// Module returns the module the client sends requests to.
func (c *Client) Module() experiment.Module { return c.module }

// SendSubmissions implements orchestrator.Gateway.
func (c *Client) SendSubmissions(ctx context.Context, exercise experiment.Exercise, submissions []experiment.Submission) error {
	_, err := c.post(ctx, "submissions", struct {
		Exercise    experiment.Exercise     `json:"exercise"`
		Submissions []experiment.Submission `json:"submissions"`
	}{exercise, submissions})
	return err
}

// SendFeedbacks implements orchestrator.Gateway.
func (c *Client) SendFeedbacks(ctx context.Context, exercise experiment.Exercise, submission experiment.Submission, feedbacks []experiment.Feedback) error {
	_, err := c.post(ctx, "feedbacks", struct {
		Exercise   experiment.Exercise   `json:"exercise"`
		Submission experiment.Submission `json:"submission"`
		Feedbacks  []experiment.Feedback `json:"feedbacks"`
	}{exercise, submission, feedbacks})
	return err
}

// RequestSubmissionSelection implements orchestrator.Gateway.
func (c *Client) RequestSubmissionSelection(ctx context.Context, exercise experiment.Exercise, submissions []experiment.Submission) (*orchestrator.SelectionResponse, error) {
	if len(submissions) == 0 {
		return nil, ErrNoSubmissions
	}
	ids := make([]experiment.SubmissionID, len(submissions))
	for i, s := range submissions {
		ids[i] = s.ID
	}
	resp, err := c.post(ctx, "select_submission", struct {
		Exercise      experiment.Exercise       `json:"exercise"`
		SubmissionIDs []experiment.SubmissionID `json:"submission_ids"`
	}{exercise, ids})
	if err != nil {
		return nil, err
	}

	out := &orchestrator.SelectionResponse{Data: orchestrator.NoSelection, Meta: resp.Meta}
	if len(resp.Data) > 0 && string(resp.Data) != "null" {
		if err := json.Unmarshal(resp.Data, &out.Data); err != nil {
			return nil, fmt.Errorf("failed to parse selection: %w", err)
		}
	}
	return out, nil
}

// RequestFeedbackSuggestions implements orchestrator.Gateway.
func (c *Client) RequestFeedbackSuggestions(ctx context.Context, exercise experiment.Exercise, submission experiment.Submission) (*orchestrator.SuggestionsResponse, error) {
	resp, err := c.post(ctx, "feedback_suggestions", struct {
		Exercise   experiment.Exercise   `json:"exercise"`
		Submission experiment.Submission `json:"submission"`
	}{exercise, submission})
	if err != nil {
		return nil, err
	}

	out := &orchestrator.SuggestionsResponse{Data: []experiment.Feedback{}, Meta: resp.Meta}
	if len(resp.Data) > 0 && string(resp.Data) != "null" {
		if err := json.Unmarshal(resp.Data, &out.Data); err != nil {
			return nil, fmt.Errorf("failed to parse feedback suggestions: %w", err)
		}
	}
	return out, nil
}

// post sends body to the module endpoint, retrying on 429 and 503.
func (c *Client) post(ctx context.Context, endpoint string, body interface{}) (*ModuleResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := c.do(ctx, endpoint, payload)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		var retryable *retryableError
		if !errors.As(err, &retryable) {
			return nil, err
		}
		c.logger.Warn(ctx, "retrying backend request",
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) do(ctx context.Context, endpoint string, payload []byte) (*ModuleResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter error: %w", err)
	}

	url := fmt.Sprintf("%s/modules/%s/%s/%s", c.baseURL, c.module.Type, c.module.Name, endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret.IsSet() {
		req.Header.Set(headerSecret, c.secret.Value())
	}
	if len(c.moduleConfig) > 0 {
		req.Header.Set(headerModuleConfig, string(c.moduleConfig))
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	c.logger.Debug(ctx, "backend request",
		zap.String("endpoint", endpoint),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("%w: %s responded %d: %s", ErrStatus, endpoint, resp.StatusCode, truncate(data, maxErrorBody))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
			return nil, &retryableError{err: err}
		}
		return nil, err
	}

	var out ModuleResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &out, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
