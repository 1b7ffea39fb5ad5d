package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"atelier/internal/logging"
)

// =============================================================================
// TYPES
// =============================================================================

// Message is one turn of a chat transcript.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Request describes one generation call.
type Request struct {
	Agent       string    // caller label for usage attribution
	Model       string
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	IsCode      bool // code-generation calls get the longer deadline
}

// Response is the uniform call record. Failures set Err and Message and
// leave Content empty; callers branch on Err instead of a Go error so a
// single provider outage can never take the orchestrator down.
type Response struct {
	Err          bool
	Message      string // error description when Err
	Provider     string
	Model        string
	Content      string
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
}

// UsageRecorder receives one record per call, success or failure.
type UsageRecorder interface {
	RecordCall(agent, model, provider string, inputTokens, outputTokens int, duration time.Duration, success bool, errMsg string)
}

// Deadlines and retry pacing.
const (
	defaultDeadline = 60 * time.Second
	codeDeadline    = 180 * time.Second
	maxTokenDefault = 4096
)

var rateLimitBackoffs = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// Client is the multi-provider LLM client. Safe for concurrent use.
type Client struct {
	httpClient   *http.Client
	recorder     UsageRecorder
	defaultModel string

	// test seams
	baseOverrides map[string]string
	sleep         func(time.Duration)
	deadline      time.Duration
	codeDeadlineD time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithUsageRecorder wires per-call usage accounting.
func WithUsageRecorder(r UsageRecorder) Option {
	return func(c *Client) { c.recorder = r }
}

// WithHTTPClient swaps the transport.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// NewClient builds a client that falls back to defaultModel when a request
// names no model.
func NewClient(defaultModel string, opts ...Option) *Client {
	c := &Client{
		httpClient:    &http.Client{},
		defaultModel:  defaultModel,
		baseOverrides: map[string]string{},
		sleep:         time.Sleep,
		deadline:      defaultDeadline,
		codeDeadlineD: codeDeadline,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// =============================================================================
// GENERATION
// =============================================================================

// Generate runs one completion. It never returns a Go error: transport,
// auth, and provider failures all come back as an error record.
func (c *Client) Generate(ctx context.Context, req Request) Response {
	start := time.Now()

	if req.Model == "" {
		req.Model = c.defaultModel
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = maxTokenDefault
	}

	provider, ok := ResolveProvider(req.Model)
	if !ok {
		return c.fail(req, Response{Message: fmt.Sprintf("no provider for model %q", req.Model)}, start)
	}
	apiKey := provider.APIKey()
	if apiKey == "" {
		return c.fail(req, Response{
			Provider: provider.Name,
			Message:  fmt.Sprintf("missing API key: set %s", provider.EnvKey),
		}, start)
	}

	deadline := c.deadline
	if req.IsCode {
		deadline = c.codeDeadlineD
	}

	resp := c.callWithRetries(ctx, provider, apiKey, req, deadline)
	resp.Provider = provider.Name
	resp.Model = req.Model
	resp.Duration = time.Since(start)
	c.record(req, resp)

	if resp.Err {
		logging.LLMWarn("call failed: provider=%s model=%s: %s", provider.Name, req.Model, resp.Message)
	} else {
		logging.LLMDebug("call ok: provider=%s model=%s in=%d out=%d dur=%s",
			provider.Name, req.Model, resp.InputTokens, resp.OutputTokens, resp.Duration)
	}
	return resp
}

// callWithRetries applies the resilience policy around callOnce:
//   - timeout: one retry with a doubled deadline
//   - 401: immediate failure, no retry
//   - 429: retries after 2s, 4s, 8s; a non-429 failure mid-sequence stops it
//   - 5xx: one retry after 3s
func (c *Client) callWithRetries(ctx context.Context, p Provider, key string, req Request, deadline time.Duration) Response {
	resp, status, err := c.callOnce(ctx, p, key, req, deadline)

	if err != nil {
		if isTimeout(err) {
			logging.LLM("timeout after %s, retrying with doubled deadline", deadline)
			resp, status, err = c.callOnce(ctx, p, key, req, 2*deadline)
			if err != nil {
				return Response{Err: true, Message: fmt.Sprintf("timed out twice: %v", err)}
			}
		} else {
			return Response{Err: true, Message: fmt.Sprintf("transport error: %v", err)}
		}
	}

	if status == http.StatusTooManyRequests {
		for _, backoff := range rateLimitBackoffs {
			c.sleep(backoff)
			resp, status, err = c.callOnce(ctx, p, key, req, deadline)
			if err != nil {
				return Response{Err: true, Message: fmt.Sprintf("transport error during rate-limit retry: %v", err)}
			}
			if status != http.StatusTooManyRequests {
				break
			}
		}
		if status == http.StatusTooManyRequests {
			return Response{Err: true, Message: "rate limited: retries exhausted"}
		}
	}

	if status >= 500 {
		c.sleep(3 * time.Second)
		resp, status, err = c.callOnce(ctx, p, key, req, deadline)
		if err != nil {
			return Response{Err: true, Message: fmt.Sprintf("transport error during server-error retry: %v", err)}
		}
	}

	switch {
	case status == http.StatusUnauthorized:
		return Response{Err: true, Message: fmt.Sprintf("authentication failed (401): check %s", p.EnvKey)}
	case status >= 400:
		return Response{Err: true, Message: fmt.Sprintf("provider returned HTTP %d: %s", status, truncate(resp, 200))}
	}

	return c.parseBody(p, resp)
}

// callOnce performs a single HTTP round trip under its own deadline and
// returns the raw body and status.
func (c *Client) callOnce(ctx context.Context, p Provider, key string, req Request, deadline time.Duration) ([]byte, int, error) {
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	url, headers, body, err := c.buildRequest(p, key, req)
	if err != nil {
		return nil, 0, err
	}

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, 0, err
	}
	return raw, httpResp.StatusCode, nil
}

func (c *Client) fail(req Request, resp Response, start time.Time) Response {
	resp.Err = true
	resp.Model = req.Model
	resp.Duration = time.Since(start)
	c.record(req, resp)
	logging.LLMWarn("call failed: model=%s: %s", req.Model, resp.Message)
	return resp
}

func (c *Client) record(req Request, resp Response) {
	if c.recorder == nil {
		return
	}
	c.recorder.RecordCall(req.Agent, resp.Model, resp.Provider,
		resp.InputTokens, resp.OutputTokens, resp.Duration, !resp.Err, resp.Message)
}

func (c *Client) baseURL(p Provider) string {
	if u, ok := c.baseOverrides[p.Name]; ok {
		return u
	}
	return p.BaseURL
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n]
	}
	return s
}
