package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loonghao/taskchain/pkg/schema"
)

// HTTPConfig configures the http.request handler.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// HTTPRequestHandler implements the "http.request" prompt: it performs one
// HTTP call described by the mapped input and returns the decoded response.
type HTTPRequestHandler struct {
	config HTTPConfig
}

// NewHTTPRequestHandler creates an http.request handler.
func NewHTTPRequestHandler(cfg HTTPConfig) *HTTPRequestHandler {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &HTTPRequestHandler{config: cfg}
}

func (h *HTTPRequestHandler) Name() string { return "http.request" }

func (h *HTTPRequestHandler) Description() string {
	return "Execute an HTTP request (method, url, headers, body) and return status and decoded body."
}

func (h *HTTPRequestHandler) Invoke(ctx context.Context, input map[string]any) (map[string]any, error) {
	rawURL := stringParam(input, "url", "")
	if rawURL == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "http.request: url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http.request: invalid url %q", rawURL)
	}

	method := strings.ToUpper(stringParam(input, "method", http.MethodGet))

	var body io.Reader
	if raw, ok := input["body"]; ok && raw != nil {
		data, marshalErr := json.Marshal(raw)
		if marshalErr != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "http.request: invalid body: %s", marshalErr.Error())
		}
		body = bytes.NewReader(data)
	}

	timeout := h.config.DefaultTimeout
	if raw := stringParam(input, "timeout", ""); raw != "" {
		if d, parseErr := time.ParseDuration(raw); parseErr == nil && d > 0 {
			timeout = d
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http.request: %s", err.Error())
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := input["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, isStr := v.(string); isStr {
				req.Header.Set(k, s)
			}
		}
	}

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "http.request: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "http.request: read body: %s", err.Error()).WithCause(err)
	}

	if boolParam(input, "fail_on_error_status", false) && resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed,
			"http.request: %s returned %s", rawURL, resp.Status)
	}

	out := map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"content_type": resp.Header.Get("Content-Type"),
		"duration_ms":  time.Since(start).Milliseconds(),
	}

	// JSON responses decode into the bag; everything else stays a string.
	var decoded any
	if json.Unmarshal(data, &decoded) == nil && strings.Contains(resp.Header.Get("Content-Type"), "json") {
		out["body"] = decoded
	} else {
		out["body"] = string(data)
	}
	return out, nil
}
