// Package controlplane provides the retrying JSON HTTP client shared by the
// relay and CDN adapters.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrCallFailed classifies every failed call to an external control plane.
var ErrCallFailed = errors.New("provider call failed")

// CallError describes a failed control-plane request.
type CallError struct {
	Provider string
	Method   string
	URL      string
	Status   int
	Attempts int
	Err      error
}

func (e *CallError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s %s: status %d after %d attempt(s): %v", e.Provider, e.Method, e.URL, e.Status, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %d attempt(s): %v", e.Provider, e.Method, e.URL, e.Attempts, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrCallFailed) match any CallError.
func (e *CallError) Is(target error) bool { return target == ErrCallFailed }

// Config configures a Client.
type Config struct {
	Provider      string
	BaseURL       string
	Token         string
	HTTPClient    *http.Client
	Logger        *slog.Logger
	MaxAttempts   int
	RetryInterval time.Duration
	Timeout       time.Duration
}

const (
	defaultTimeout     = 5 * time.Second
	defaultMaxAttempts = 3
)

// Client issues JSON requests against a single control-plane base URL.
type Client struct {
	provider      string
	baseURL       string
	token         string
	client        *http.Client
	logger        *slog.Logger
	maxAttempts   int
	retryInterval time.Duration
}

// New builds a Client. A nil HTTPClient gets one bounded by Timeout.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	interval := cfg.RetryInterval
	if interval < 0 {
		interval = 0
	}
	provider := strings.TrimSpace(cfg.Provider)
	if provider == "" {
		provider = "control-plane"
	}
	return &Client{
		provider:      provider,
		baseURL:       strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		token:         strings.TrimSpace(cfg.Token),
		client:        httpClient,
		logger:        logger,
		maxAttempts:   attempts,
		retryInterval: interval,
	}
}

// BaseURL returns the normalised base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// GetJSON performs a GET on path and decodes the response into dest.
func (c *Client) GetJSON(ctx context.Context, path string, dest interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, dest)
}

// PostJSON marshals payload, POSTs it and decodes the response into dest.
func (c *Client) PostJSON(ctx context.Context, path string, payload interface{}, dest interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, body, dest)
}

// Delete issues a DELETE on path, decoding the body into dest when non-nil.
func (c *Client) Delete(ctx context.Context, path string, dest interface{}) error {
	return c.do(ctx, http.MethodDelete, path, nil, dest)
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return http.StatusText(e.status)
	}
	return fmt.Sprintf("%s: %s", http.StatusText(e.status), e.body)
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, dest interface{}) error {
	url := c.baseURL + path

	var lastErr error
	var lastStatus int
	attempt := 1
	for ; attempt <= c.maxAttempts; attempt++ {
		status, err := c.once(ctx, method, url, payload, dest)
		lastErr, lastStatus = err, status
		if err == nil {
			return nil
		}
		if !retryable(status, err) || ctx.Err() != nil || attempt == c.maxAttempts {
			break
		}
		c.logger.Warn("control plane request failed", "provider", c.provider, "method", method, "url", url, "attempt", attempt, "error", err)
		if c.retryInterval > 0 {
			timer := time.NewTimer(c.retryInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return &CallError{Provider: c.provider, Method: method, URL: url, Attempts: attempt, Err: ctx.Err()}
			case <-timer.C:
			}
		}
	}
	if attempt > c.maxAttempts {
		attempt = c.maxAttempts
	}
	return &CallError{Provider: c.provider, Method: method, URL: url, Status: lastStatus, Attempts: attempt, Err: lastErr}
}

func (c *Client) once(ctx context.Context, method, url string, payload []byte, dest interface{}) (int, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	setBearer(req, c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, &statusError{status: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}
	if dest == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

// retryable reports whether a failed attempt may succeed when repeated:
// transport errors, 5xx and 429 qualify, other statuses and decode errors do not.
func retryable(status int, err error) bool {
	if status == 0 {
		return !errors.Is(err, context.Canceled)
	}
	var se *statusError
	if !errors.As(err, &se) {
		return false
	}
	return status == http.StatusTooManyRequests || status >= 500
}

func setBearer(req *http.Request, token string) {
	if token == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
}
