package ai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// newTestClient builds a client against srv with recorded backoff sleeps.
func newTestClient(t *testing.T, srv *httptest.Server, maxRetries int) (*Client, *[]time.Duration) {
	t.Helper()
	c := NewClient(ClientOpts{
		Endpoint:   srv.URL,
		Key:        "test-key",
		MaxRetries: maxRetries,
		Backoff:    10 * time.Millisecond,
	})
	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) bool {
		slept = append(slept, d)
		return true
	}
	return c, &slept
}

// --- configuration tests ---

func TestChat_NotConfigured(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
	}))
	defer srv.Close()

	// Endpoint set but key missing.
	c := NewClient(ClientOpts{Endpoint: srv.URL})
	out := c.Chat(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if out.Kind != OutcomeNotConfigured {
		t.Fatalf("expected NotConfigured, got %s", out.Kind)
	}
	if atomic.LoadInt64(&calls) != 0 {
		t.Fatalf("unconfigured client must not touch the network, saw %d calls", calls)
	}
}

func TestNewClient_TrimsEndpointSlash(t *testing.T) {
	c := NewClient(ClientOpts{Endpoint: "https://ai.example.com/v1/", Key: "k"})
	if c.endpoint != "https://ai.example.com/v1" {
		t.Fatalf("endpoint not trimmed: %q", c.endpoint)
	}
}

// --- retry tests ---

func TestChat_RetriesThenSucceeds(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&calls, 1)
		if n <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error":"upstream blew up"}`)
			return
		}
		fmt.Fprint(w, `{"output":{"content":"PEPE looks risky."}}`)
	}))
	defer srv.Close()

	c, slept := newTestClient(t, srv, 2)
	out := c.Chat(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "gem PEPE"}}})

	if !out.OK() {
		t.Fatalf("expected success, got %s (%s)", out.Kind, out.Message)
	}
	if out.Text != "PEPE looks risky." {
		t.Fatalf("unexpected text %q", out.Text)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts (1 + 2 retries), got %d", calls)
	}
	if len(*slept) != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %d", len(*slept))
	}
	if (*slept)[0] >= (*slept)[1] {
		t.Fatalf("backoff must strictly increase: %v", *slept)
	}
}

func TestChat_RetryExhaustion(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, slept := newTestClient(t, srv, 2)
	out := c.Chat(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})

	if out.Kind != OutcomeRetryableFailure {
		t.Fatalf("expected RetryableFailure, got %s", out.Kind)
	}
	if out.Status != 500 {
		t.Fatalf("expected status 500, got %d", out.Status)
	}
	if calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", calls)
	}
	if len(*slept) != 2 {
		t.Fatalf("expected 2 sleeps before giving up, got %d", len(*slept))
	}
}

func TestChat_TerminalStatusNotRetried(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"message":"bad payload"}`)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, 5)
	out := c.Chat(context.Background(), Request{})

	if out.Kind != OutcomeTerminalFailure {
		t.Fatalf("expected TerminalFailure, got %s", out.Kind)
	}
	if out.Message != "bad payload" {
		t.Fatalf("expected service message, got %q", out.Message)
	}
	if calls != 1 {
		t.Fatalf("4xx must not be retried, saw %d attempts", calls)
	}
}

func TestChat_RateLimitedIsRetryable(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"output":{"content":"ok"}}`)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, 2)
	out := c.Chat(context.Background(), Request{})
	if !out.OK() || out.Text != "ok" {
		t.Fatalf("expected recovery after 429, got %s (%s)", out.Kind, out.Message)
	}
}

// --- timeout tests ---

func TestChat_AttemptTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := NewClient(ClientOpts{
		Endpoint:   srv.URL,
		Key:        "k",
		Timeout:    50 * time.Millisecond,
		MaxRetries: 0,
	})
	out := c.Chat(context.Background(), Request{})
	if out.Kind != OutcomeTimeout {
		t.Fatalf("expected Timeout, got %s (%s)", out.Kind, out.Message)
	}
	if out.Status != http.StatusRequestTimeout {
		t.Fatalf("expected status 408, got %d", out.Status)
	}
}

func TestChat_ParentCancelStopsRetries(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		// Drain the body so the server notices the client disconnect and
		// cancels the request context; with an unread body it never would,
		// and srv.Close would block on this handler forever.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c, _ := newTestClient(t, srv, 5)
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	out := c.Chat(ctx, Request{})
	if out.Kind != OutcomeTimeout {
		t.Fatalf("expected Timeout on parent cancel, got %s", out.Kind)
	}
	if calls != 1 {
		t.Fatalf("cancelled call must not be retried, saw %d attempts", calls)
	}
}

// --- response parsing tests ---

func TestChat_UnparseableSuccessBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>not json</html>")
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, 0)
	out := c.Chat(context.Background(), Request{})
	if !out.OK() {
		t.Fatalf("2xx must classify as success, got %s", out.Kind)
	}
	if out.Text != "" {
		t.Fatalf("expected empty text, got %q", out.Text)
	}
}

func TestChat_SendsAuthAndPayload(t *testing.T) {
	var gotAuth, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		fmt.Fprint(w, `{"output":{"content":"fine"}}`)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, 0)
	out := c.Chat(context.Background(), Request{
		Messages: []Message{{Role: RoleSystem, Content: "persona"}},
		Meta:     &Meta{Platform: "telegram", Feature: "agent"},
	})
	if !out.OK() {
		t.Fatalf("chat failed: %s", out.Message)
	}
	if gotAuth != "Bearer test-key" {
		t.Fatalf("missing bearer auth, got %q", gotAuth)
	}
	if gotType != "application/json" {
		t.Fatalf("wrong content type %q", gotType)
	}
}
