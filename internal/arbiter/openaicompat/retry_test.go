package openaicompat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestDelayForAttempt_GrowsAndCaps(t *testing.T) {
	p := retryPolicy{Initial: 500 * time.Millisecond, Factor: 2.0, Max: 10 * time.Second}

	if got := delayForAttempt(1, p, ""); got != 500*time.Millisecond {
		t.Fatalf("attempt 1: got %v want %v", got, 500*time.Millisecond)
	}
	if got := delayForAttempt(2, p, ""); got != time.Second {
		t.Fatalf("attempt 2: got %v want %v", got, time.Second)
	}
	if got := delayForAttempt(20, p, ""); got != 10*time.Second {
		t.Fatalf("attempt 20 should hit the cap: got %v", got)
	}
	if got := delayForAttempt(3, retryPolicy{}, ""); got != 0 {
		t.Fatalf("zero policy should not delay: got %v", got)
	}
}

func TestDelayForAttempt_JitterIsDeterministic(t *testing.T) {
	p := retryPolicy{Initial: time.Second, Factor: 2.0, Max: time.Minute, Jitter: true}

	a := delayForAttempt(1, p, "seed-a:1")
	b := delayForAttempt(1, p, "seed-a:1")
	if a != b {
		t.Fatalf("same seed should give the same delay: %v vs %v", a, b)
	}
	if a < 500*time.Millisecond || a > 1500*time.Millisecond {
		t.Fatalf("jittered delay out of band: %v", a)
	}
}

func TestClient_Judge_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"outcome\":\"continue\"}"}}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Model: "m", MaxRetries: 2})
	c.retry = retryPolicy{Initial: time.Millisecond, Factor: 1.0, Max: time.Millisecond}

	raw, err := c.Judge(context.Background(), "anything")
	if err != nil {
		t.Fatalf("Judge: %v", err)
	}
	if raw != `{"outcome":"continue"}` {
		t.Fatalf("content: %q", raw)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls: got %d want 3", got)
	}
}

func TestClient_Judge_DoesNotRetryDefinitionErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"unknown model"}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Model: "m"})
	c.retry = retryPolicy{Initial: time.Millisecond, Factor: 1.0, Max: time.Millisecond}

	if _, err := c.Judge(context.Background(), "anything"); err == nil {
		t.Fatal("expected error")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("400 must not retry: %d calls", got)
	}
}

func TestClient_Judge_RetriesExhaustSurfaceLastError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Model: "m", MaxRetries: 1})
	c.retry = retryPolicy{Initial: time.Millisecond, Factor: 1.0, Max: time.Millisecond}

	_, err := c.Judge(context.Background(), "anything")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("one retry means two calls: %d", got)
	}
}
