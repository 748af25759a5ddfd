package dispatcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func fastOpts() *Options {
	return &Options{
		MaxAttempts: 3,
		Timeout:     2 * time.Second,
		RetryDelays: []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond},
	}
}

func TestDispatchSuccess(t *testing.T) {
	var gotUA, gotCT string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotCT = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res := New().Dispatch(context.Background(), srv.URL, []byte(`{"ok":true}`), "", fastOpts())
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Attempts != 1 || res.StatusCode != 200 {
		t.Fatalf("expected one attempt with 200, got attempts=%d status=%d", res.Attempts, res.StatusCode)
	}
	if gotUA != "Second-Layer/1.0" {
		t.Fatalf("unexpected user agent %q", gotUA)
	}
	if gotCT != "application/json" {
		t.Fatalf("unexpected content type %q", gotCT)
	}
}

func TestDispatchRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res := New().Dispatch(context.Background(), srv.URL, []byte(`{}`), "", fastOpts())
	if !res.Success {
		t.Fatalf("expected eventual success, got %+v", res)
	}
	if res.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", res.Attempts)
	}
}

func TestDispatch4xxIsPermanent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	res := New().Dispatch(context.Background(), srv.URL, []byte(`{}`), "", fastOpts())
	if res.Success {
		t.Fatal("4xx must not be success")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("4xx must not retry, got %d calls", got)
	}
	if res.StatusCode != http.StatusGone {
		t.Fatalf("expected status 410, got %d", res.StatusCode)
	}
}

func TestDispatchExhaustsAttemptsOn5xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	res := New().Dispatch(context.Background(), srv.URL, []byte(`{}`), "", fastOpts())
	if res.Success {
		t.Fatal("expected failure")
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if res.StatusCode != 500 || res.Err == nil {
		t.Fatalf("expected last status and error recorded, got %+v", res)
	}
}

func TestDispatchTimeoutIsDistinguishable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	opts := &Options{
		MaxAttempts: 1,
		Timeout:     20 * time.Millisecond,
		RetryDelays: []time.Duration{time.Millisecond},
	}
	res := New().Dispatch(context.Background(), srv.URL, []byte(`{}`), "", opts)
	if res.Success {
		t.Fatal("expected timeout failure")
	}
	if res.Err == nil || !strings.Contains(res.Err.Error(), "timeout after") {
		t.Fatalf("expected timeout error, got %v", res.Err)
	}
}

func TestDispatchSignsWhenSecretSet(t *testing.T) {
	payload := []byte(`{"blockHeight":100}`)
	secret := "whsec_test"

	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get(SignatureHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res := New().Dispatch(context.Background(), srv.URL, payload, secret, fastOpts())
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if header == "" {
		t.Fatal("signature header missing")
	}
	if err := Verify(secret, payload, header, time.Now()); err != nil {
		t.Fatalf("signature failed verification: %v", err)
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	secret := "whsec_test"
	header := Sign(secret, []byte(`{"a":1}`), time.Now())

	if err := Verify(secret, []byte(`{"a":2}`), header, time.Now()); err == nil {
		t.Fatal("tampered payload must fail verification")
	}
	if err := Verify("other-secret", []byte(`{"a":1}`), header, time.Now()); err == nil {
		t.Fatal("wrong secret must fail verification")
	}
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{}`)
	old := time.Now().Add(-10 * time.Minute)
	header := Sign(secret, payload, old)

	if err := Verify(secret, payload, header, time.Now()); err == nil {
		t.Fatal("timestamp outside tolerance must fail")
	}
	if err := Verify(secret, payload, header, old.Add(time.Minute)); err != nil {
		t.Fatalf("timestamp within tolerance must pass: %v", err)
	}
}

func TestStreamLimiterThrottles(t *testing.T) {
	l := NewStreamLimiter()
	ctx := context.Background()

	// Rate 2/s with burst 2: third acquire should wait roughly half a second.
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.Acquire(ctx, "s1", 2); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Fatalf("expected throttling, three acquires took %s", elapsed)
	}
}

func TestStreamLimiterRespectsContext(t *testing.T) {
	l := NewStreamLimiter()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// Drain the burst, then the next acquire must abort on ctx.
	l.Acquire(context.Background(), "s2", 1)
	if err := l.Acquire(ctx, "s2", 1); err == nil {
		t.Fatal("expected context error while waiting for a token")
	}
}
