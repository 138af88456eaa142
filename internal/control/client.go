// Package control provides a thin client over the external browser-control
// HTTP API. The control process owns the isolated browser profiles; this
// client only opens, closes, and inspects profile windows.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/Averden/uploadmatrix/internal/metrics"
	"github.com/Averden/uploadmatrix/internal/security"
	"github.com/Averden/uploadmatrix/internal/types"
)

// Window is one profile window descriptor as reported by the control API.
type Window struct {
	WindowID   string `json:"windowId"`
	WindowName string `json:"windowName"`
	Status     string `json:"status"`
}

// OpenResult is the outcome of opening a profile window. WS is the CDP
// debug endpoint used to attach an automation session.
type OpenResult struct {
	WindowID string `json:"windowId"`
	WS       string `json:"ws"`
	HTTP     string `json:"http"`
}

// apiError is the control API's error body.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Permanent error codes reported by the control API. These are not retried.
const (
	codeWindowNotFound = 404
	codeAlreadyOpen    = 409
	codeInvalidRequest = 400
)

// Config holds control client settings.
type Config struct {
	BaseURL     string
	MaxRetries  int           // attempts per call, including the first
	RetryBase   time.Duration // base delay for exponential backoff
	CallTimeout time.Duration
}

// Client talks to the browser-control process. All calls retry transient
// failures with capped exponential backoff and jitter; 4xx responses are
// permanent. Request bodies are sanitized before appearing in errors.
type Client struct {
	cfg  Config
	http *http.Client
}

// New creates a control client. Zero config fields get defaults.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://127.0.0.1:54345"
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 1 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.CallTimeout},
	}
}

// OpenWindow opens (or attaches to) a profile window by id or name.
// Exactly one of windowID and windowName should be set.
func (c *Client) OpenWindow(ctx context.Context, windowID, windowName string) (*OpenResult, error) {
	body := map[string]any{}
	if windowID != "" {
		body["id"] = windowID
	} else {
		body["name"] = windowName
	}

	var result OpenResult
	if err := c.call(ctx, "open", http.MethodPost, "/browser/open", body, &result); err != nil {
		return nil, err
	}
	if result.WindowID == "" || result.WS == "" {
		return nil, fmt.Errorf("%w: open returned empty window descriptor", types.ErrControlPermanent)
	}
	return &result, nil
}

// CloseWindow closes a profile window. Closing an unknown window is not an
// error for callers; they are disposing state either way.
func (c *Client) CloseWindow(ctx context.Context, windowID string) error {
	err := c.call(ctx, "close", http.MethodPost, "/browser/close", map[string]any{"id": windowID}, nil)
	if errors.Is(err, types.ErrWindowNotFound) {
		return nil
	}
	return err
}

// ListWindows returns all known profile windows.
func (c *Client) ListWindows(ctx context.Context) ([]Window, error) {
	var windows []Window
	if err := c.call(ctx, "list", http.MethodGet, "/browser/list", nil, &windows); err != nil {
		return nil, err
	}
	return windows, nil
}

// DescribeWindow returns the status of one window.
func (c *Client) DescribeWindow(ctx context.Context, windowID string) (string, error) {
	var desc struct {
		Status string `json:"status"`
	}
	path := "/browser/details?id=" + windowID
	if err := c.call(ctx, "details", http.MethodGet, path, nil, &desc); err != nil {
		return "", err
	}
	return desc.Status, nil
}

// call performs one API operation with retry. out may be nil for calls
// whose response body is ignored.
func (c *Client) call(ctx context.Context, op, method, path string, body map[string]any, out any) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.RetryBase
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.3
	policy.MaxInterval = 30 * time.Second

	attempts := uint64(c.cfg.MaxRetries)
	run := backoff.WithContext(backoff.WithMaxRetries(policy, attempts-1), ctx)

	err := backoff.Retry(func() error {
		return c.doOnce(ctx, method, path, body, out)
	}, run)

	if err != nil {
		metrics.ControlCalls.WithLabelValues(op, "error").Inc()
		log.Warn().
			Str("op", op).
			Str("url", security.RedactURL(c.cfg.BaseURL+path)).
			Err(err).
			Msg("Control API call failed")
		return err
	}

	metrics.ControlCalls.WithLabelValues(op, "ok").Inc()
	return nil
}

func (c *Client) doOnce(ctx context.Context, method, path string, body map[string]any, out any) error {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(callCtx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Connection-level failures are transient
		return types.NewUploadError(types.CategoryNetwork, "control-api",
			fmt.Sprintf("control API unreachable: %v", err), true, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return types.NewUploadError(types.CategoryNetwork, "control-api",
			fmt.Sprintf("read control response: %v", err), true, err)
	}

	if resp.StatusCode >= 500 {
		// 5xx is transient
		return types.NewUploadError(types.CategoryBrowser, "control-api",
			fmt.Sprintf("control API %s %s: status %d", method, path, resp.StatusCode), true, nil)
	}

	if resp.StatusCode >= 400 {
		return backoff.Permanent(c.permanentError(method, path, resp.StatusCode, raw, body))
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode control response: %w", err))
		}
	}
	return nil
}

// permanentError maps a 4xx response to a sentinel. The request body is
// sanitized before appearing in the message; credentials never leak here.
func (c *Client) permanentError(method, path string, status int, raw []byte, body map[string]any) error {
	var ae apiError
	_ = json.Unmarshal(raw, &ae)

	safeBody, _ := json.Marshal(security.SanitizeBody(body))
	msg := fmt.Sprintf("control API %s %s rejected (status %d, code %d): %s body=%s",
		method, path, status, ae.Code, ae.Msg, safeBody)

	switch ae.Code {
	case codeWindowNotFound:
		return fmt.Errorf("%s: %w", msg, types.ErrWindowNotFound)
	case codeAlreadyOpen, codeInvalidRequest:
		return fmt.Errorf("%s: %w", msg, types.ErrControlPermanent)
	}
	if status == http.StatusNotFound {
		return fmt.Errorf("%s: %w", msg, types.ErrWindowNotFound)
	}
	return fmt.Errorf("%s: %w", msg, types.ErrControlPermanent)
}
