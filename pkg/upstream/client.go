// Package upstream is a minimal client for the Anthropic Messages API.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/config"
	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/models"
	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/observability"
)

// ErrModelNotFound is matched when the upstream does not recognize the
// requested model.
var ErrModelNotFound = errors.New("model not found")

// stopMaxTokens is the stop reason for output cut off at max_tokens.
const stopMaxTokens = "max_tokens"

// Error is a non-2xx response from the upstream.
type Error struct {
	Status  int
	Type    string
	Message string
}

func (e *Error) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("upstream %d %s: %s", e.Status, e.Type, e.Message)
	}
	return fmt.Sprintf("upstream %d: %s", e.Status, e.Message)
}

// Unwrap lets errors.Is match ErrModelNotFound.
func (e *Error) Unwrap() error {
	if e.Status == http.StatusNotFound || e.Type == "not_found_error" {
		return ErrModelNotFound
	}
	return nil
}

// Request is one upstream call.
type Request struct {
	Model     string
	MaxTokens int
	System    string
	Messages  []models.AnthropicMessage
	// Extra is merged into the top level of the body without overriding
	// the fields above.
	Extra map[string]any
}

// Result is a successful upstream reply.
type Result struct {
	Text       string
	Model      string
	StopReason string
	Usage      *models.UsageReport
}

// Truncated reports whether output stopped at the length cap.
func (r *Result) Truncated() bool {
	return r.StopReason == stopMaxTokens
}

// Client calls POST {base}/v1/messages.
type Client struct {
	baseURL string
	apiKey  string
	version string
	http    *http.Client
}

// New creates a Client. A nil httpClient uses one with the configured timeout.
func New(cfg config.UpstreamConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	version := cfg.Version
	if version == "" {
		version = "2023-06-01"
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		version: version,
		http:    httpClient,
	}
}

// Messages sends one request. Cancelling ctx aborts the call.
func (c *Client) Messages(ctx context.Context, req Request) (*Result, error) {
	ctx, span := observability.Tracer().Start(ctx, "upstream.messages")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", req.Model))

	body, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", c.version)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("read response: %w", err)
	}
	span.SetAttributes(
		attribute.Int("http.status_code", resp.StatusCode),
		attribute.Int64("upstream.latency_ms", time.Since(start).Milliseconds()),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		uerr := decodeError(resp.StatusCode, respBody)
		span.RecordError(uerr)
		span.SetStatus(codes.Error, uerr.Type)
		return nil, uerr
	}

	var ar models.AnthropicResponse
	if err := json.Unmarshal(respBody, &ar); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("decode response: %w", err)
	}

	res := &Result{
		Text:       joinText(ar.Content),
		Model:      ar.Model,
		StopReason: ar.StopReason,
		Usage:      ar.Usage.ToUsage(),
	}
	if res.Model == "" {
		res.Model = req.Model
	}
	if res.Usage != nil {
		observability.RecordTokenUsage(span, res.Usage.InputTokens, res.Usage.OutputTokens)
	}
	span.SetAttributes(attribute.String("llm.stop_reason", res.StopReason))
	return res, nil
}

// protected fields are never overridden by Extra.
var protected = map[string]bool{
	"model":      true,
	"messages":   true,
	"max_tokens": true,
	"system":     true,
	"stream":     true,
}

// encodeRequest marshals the request and merges Extra at the top level.
func encodeRequest(req Request) ([]byte, error) {
	body, err := json.Marshal(models.AnthropicRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		System:    req.System,
		Messages:  req.Messages,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if len(req.Extra) == 0 {
		return body, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	for k, v := range req.Extra {
		if protected[k] {
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode extra param %q: %w", k, err)
		}
		raw[k] = b
	}
	out, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return out, nil
}

func decodeError(status int, body []byte) *Error {
	e := &Error{Status: status}
	var ae models.AnthropicError
	if err := json.Unmarshal(body, &ae); err == nil && ae.Error.Type != "" {
		e.Type = ae.Error.Type
		e.Message = ae.Error.Message
		return e
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	e.Message = msg
	return e
}

func joinText(blocks []models.AnthropicContent) string {
	var b strings.Builder
	for _, c := range blocks {
		if c.Type != models.BlockText {
			continue
		}
		b.WriteString(c.Text)
	}
	return b.String()
}
