// Package ai is the HTTP client for the external reasoning service that
// generates Gem Scout's natural-language replies. The service is a black
// box: POST {endpoint}/chat with a bearer key and a message history, read
// back {output: {content}}. The client owns timeout, retry, and failure
// classification so callers only ever see a bounded Outcome.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// Role tags a message turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged turn sent to the reasoning service.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Meta is an opaque observability bag forwarded with each request. The
// service may log it; it never affects routing.
type Meta struct {
	Platform string `json:"platform,omitempty"`
	UserID   string `json:"userId,omitempty"`
	ChatID   string `json:"chatId,omitempty"`
	Feature  string `json:"feature,omitempty"`
}

// Request is a single chat call: ordered turns plus optional model override
// and metadata.
type Request struct {
	Messages []Message
	Model    string // overrides the client's configured model if set
	Meta     *Meta
}

// OutcomeKind classifies the result of a Chat call. Exactly one kind is
// produced per call.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeNotConfigured
	OutcomeRetryableFailure
	OutcomeTerminalFailure
	OutcomeTimeout
)

// String returns the kind name for logs.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeNotConfigured:
		return "not_configured"
	case OutcomeRetryableFailure:
		return "retryable_failure"
	case OutcomeTerminalFailure:
		return "terminal_failure"
	case OutcomeTimeout:
		return "timeout"
	}
	return "unknown"
}

// Outcome is the bounded result of a Chat call.
type Outcome struct {
	Kind    OutcomeKind
	Text    string // reply text, set on success
	Status  int    // last HTTP status (0 for transport-level failures)
	Message string // service error message or transport error text
}

// OK reports a successful outcome.
func (o Outcome) OK() bool { return o.Kind == OutcomeSuccess }

// Default client knobs.
const (
	DefaultTimeout    = 10 * time.Minute
	DefaultMaxRetries = 2
	DefaultBackoff    = 900 * time.Millisecond
)

// Client calls the reasoning service. It is stateless and safe for
// concurrent use.
type Client struct {
	endpoint   string
	key        string
	model      string
	timeout    time.Duration
	maxRetries int
	backoff    time.Duration
	httpc      *http.Client
	sleep      func(ctx context.Context, d time.Duration) bool
}

// ClientOpts holds parameters for creating a Client.
type ClientOpts struct {
	Endpoint   string // base URL; trailing slashes are trimmed
	Key        string // bearer credential
	Model      string // default model identifier (optional)
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration // base inter-attempt delay; grows linearly per attempt
	HTTPClient *http.Client  // optional; tests inject one
}

// NewClient creates a reasoning client. An empty endpoint or key is not an
// error: every Chat call then short-circuits to NotConfigured.
func NewClient(opts ClientOpts) *Client {
	c := &Client{
		endpoint:   strings.TrimRight(strings.TrimSpace(opts.Endpoint), "/"),
		key:        strings.TrimSpace(opts.Key),
		model:      opts.Model,
		timeout:    opts.Timeout,
		maxRetries: opts.MaxRetries,
		backoff:    opts.Backoff,
		httpc:      opts.HTTPClient,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.maxRetries < 0 {
		c.maxRetries = DefaultMaxRetries
	}
	if c.backoff <= 0 {
		c.backoff = DefaultBackoff
	}
	if c.httpc == nil {
		c.httpc = &http.Client{}
	}
	c.sleep = sleepCtx
	return c
}

// Configured reports whether both endpoint and key are set.
func (c *Client) Configured() bool {
	return c.endpoint != "" && c.key != ""
}

// chatPayload is the wire body for POST /chat.
type chatPayload struct {
	Messages []Message `json:"messages"`
	Model    string    `json:"model,omitempty"`
	Meta     *Meta     `json:"meta,omitempty"`
}

// chatResponse is the subset of the service response we consume.
type chatResponse struct {
	Output struct {
		Content string `json:"content"`
	} `json:"output"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Chat sends the request and returns a classified Outcome. Retryable
// failures (408/429/500-504, timeouts, transport errors) are retried up to
// the configured maximum with strictly increasing backoff; exhaustion
// returns the last observed outcome so callers can tell "service said no"
// from "service never answered".
func (c *Client) Chat(ctx context.Context, req Request) Outcome {
	if !c.Configured() {
		return Outcome{Kind: OutcomeNotConfigured, Message: "ai endpoint or key not set"}
	}

	model := c.model
	if req.Model != "" {
		model = req.Model
	}
	msgs := req.Messages
	if msgs == nil {
		msgs = []Message{}
	}
	body, err := json.Marshal(chatPayload{Messages: msgs, Model: model, Meta: req.Meta})
	if err != nil {
		return Outcome{Kind: OutcomeTerminalFailure, Message: fmt.Sprintf("encode request: %v", err)}
	}

	url := c.endpoint + "/chat"
	started := time.Now()
	log.Printf("ai: chat start turns=%d model=%q", len(msgs), model)

	var out Outcome
	for attempt := 1; ; attempt++ {
		var retryable bool
		out, retryable = c.attempt(ctx, url, body)
		if out.OK() {
			log.Printf("ai: chat ok attempt=%d ms=%d", attempt, time.Since(started).Milliseconds())
			return out
		}
		log.Printf("ai: chat fail attempt=%d kind=%s status=%d ms=%d err=%s",
			attempt, out.Kind, out.Status, time.Since(started).Milliseconds(), snippet(out.Message, 300))
		if !retryable || attempt > c.maxRetries {
			return out
		}
		// Delay grows with attempt number to back off a degraded service.
		if !c.sleep(ctx, c.backoff*time.Duration(attempt)) {
			return out
		}
	}
}

// attempt performs one bounded call. The bool result reports whether the
// failure may be retried.
func (c *Client) attempt(ctx context.Context, url string, body []byte) (Outcome, bool) {
	actx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(actx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Outcome{Kind: OutcomeTerminalFailure, Message: err.Error()}, false
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.key)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			// Parent cancelled: report a timeout but do not retry.
			return Outcome{Kind: OutcomeTimeout, Status: http.StatusRequestTimeout, Message: ctx.Err().Error()}, false
		}
		if actx.Err() == context.DeadlineExceeded {
			return Outcome{Kind: OutcomeTimeout, Status: http.StatusRequestTimeout, Message: "attempt timed out"}, true
		}
		return Outcome{Kind: OutcomeRetryableFailure, Message: err.Error()}, true
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Outcome{Kind: OutcomeRetryableFailure, Status: resp.StatusCode, Message: err.Error()}, true
	}
	var parsed chatResponse
	decodeErr := json.Unmarshal(raw, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := parsed.Error
		if msg == "" {
			msg = parsed.Message
		}
		if msg == "" {
			msg = snippet(string(raw), 300)
		}
		if msg == "" {
			msg = fmt.Sprintf("HTTP_%d", resp.StatusCode)
		}
		if isRetryableStatus(resp.StatusCode) {
			return Outcome{Kind: OutcomeRetryableFailure, Status: resp.StatusCode, Message: msg}, true
		}
		return Outcome{Kind: OutcomeTerminalFailure, Status: resp.StatusCode, Message: msg}, false
	}

	if decodeErr != nil {
		// 2xx with an unparseable body: success with empty text, which the
		// caller treats the same as an empty reply.
		return Outcome{Kind: OutcomeSuccess, Status: resp.StatusCode}, false
	}
	return Outcome{Kind: OutcomeSuccess, Status: resp.StatusCode, Text: strings.TrimSpace(parsed.Output.Content)}, false
}

// isRetryableStatus reports whether an HTTP status warrants a retry.
func isRetryableStatus(status int) bool {
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests ||
		(status >= 500 && status <= 504)
}

// sleepCtx sleeps for d, returning false if ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// snippet truncates s for log output.
func snippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
