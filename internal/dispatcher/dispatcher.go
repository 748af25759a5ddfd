package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
)

// Defaults for delivery options; per-stream options override them.
const (
	DefaultMaxAttempts = 3
	DefaultTimeout     = 10 * time.Second
)

var defaultRetryDelays = []time.Duration{1 * time.Second, 5 * time.Second, 10 * time.Second}

// Options tunes a single dispatch call.
type Options struct {
	MaxAttempts int
	Timeout     time.Duration
	RetryDelays []time.Duration
}

func (o *Options) withDefaults() Options {
	out := Options{MaxAttempts: DefaultMaxAttempts, Timeout: DefaultTimeout, RetryDelays: defaultRetryDelays}
	if o == nil {
		return out
	}
	if o.MaxAttempts > 0 {
		out.MaxAttempts = o.MaxAttempts
	}
	if o.Timeout > 0 {
		out.Timeout = o.Timeout
	}
	if len(o.RetryDelays) > 0 {
		out.RetryDelays = o.RetryDelays
	}
	return out
}

// Result summarizes a dispatch: whether any attempt got a 2xx, the last
// status code seen, total wall time, attempt count, and the last error.
type Result struct {
	Success        bool
	StatusCode     int
	ResponseTimeMs int64
	Attempts       int
	Err            error
}

// Backend delivers one payload to one URL. The direct dispatcher implements
// it; a Svix-backed variant can be swapped in via configuration.
type Backend interface {
	Dispatch(ctx context.Context, url string, payload []byte, secret string, opts *Options) Result
}

// Dispatcher POSTs signed JSON payloads to webhook endpoints with bounded
// retries. 2xx succeeds, 4xx fails permanently without retry, 5xx and
// transport errors retry with fixed delays.
type Dispatcher struct {
	client *http.Client
}

var _ Backend = (*Dispatcher)(nil)

func New() *Dispatcher {
	return &Dispatcher{
		client: &http.Client{
			// Per-attempt deadlines come from the request context.
			Timeout: 0,
		},
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, url string, payload []byte, secret string, opts *Options) Result {
	o := opts.withDefaults()
	deliveryID := uuid.NewString()
	start := time.Now()

	var res Result
	for attempt := 1; attempt <= o.MaxAttempts; attempt++ {
		res.Attempts = attempt

		status, err := d.post(ctx, url, payload, secret, deliveryID, o.Timeout)
		res.StatusCode = status
		res.Err = err

		if err == nil && status >= 200 && status < 300 {
			res.Success = true
			break
		}
		if err == nil && status >= 400 && status < 500 {
			// Client errors do not heal on retry.
			res.Err = fmt.Errorf("endpoint returned %d", status)
			break
		}
		if ctx.Err() != nil {
			res.Err = ctx.Err()
			break
		}
		if attempt == o.MaxAttempts {
			if res.Err == nil {
				res.Err = fmt.Errorf("endpoint returned %d", status)
			}
			break
		}

		delay := o.RetryDelays[len(o.RetryDelays)-1]
		if attempt-1 < len(o.RetryDelays) {
			delay = o.RetryDelays[attempt-1]
		}
		log.Printf("[dispatcher] attempt %d/%d to %s failed (status=%d err=%v), retrying in %s",
			attempt, o.MaxAttempts, url, status, err, delay)

		select {
		case <-ctx.Done():
			res.Err = ctx.Err()
			res.ResponseTimeMs = time.Since(start).Milliseconds()
			return res
		case <-time.After(delay):
		}
	}

	res.ResponseTimeMs = time.Since(start).Milliseconds()
	return res
}

// post performs one delivery attempt under its own timeout. A timeout is
// reported with a distinguishable "timeout after" error.
func (d *Dispatcher) post(ctx context.Context, url string, payload []byte, secret, deliveryID string, timeout time.Duration) (int, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Second-Layer/1.0")
	req.Header.Set("X-Secondlayer-Delivery-Id", deliveryID)
	if secret != "" {
		req.Header.Set(SignatureHeader, Sign(secret, payload, time.Now()))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
			return 0, fmt.Errorf("timeout after %s: %w", timeout, err)
		}
		return 0, fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return resp.StatusCode, nil
}
