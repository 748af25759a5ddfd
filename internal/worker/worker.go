package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"secondlayer/internal/clarity"
	"secondlayer/internal/dispatcher"
	"secondlayer/internal/eventbus"
	"secondlayer/internal/matcher"
	"secondlayer/internal/models"
	"secondlayer/internal/queue"
	"secondlayer/internal/repository"
	"secondlayer/internal/streams"
)

// Failure-trip defaults; overridable through Options.
const (
	DefaultMaxConsecutiveFailures = 10
	DefaultFailureWindow          = 60 * time.Minute
	DefaultIdleWait               = 3 * time.Second
	DefaultMaxJobAttempts         = 3
)

// Options tunes a worker pool.
type Options struct {
	MaxJobAttempts         int
	MaxConsecutiveFailures int
	FailureWindow          time.Duration
	IdleWait               time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxJobAttempts <= 0 {
		o.MaxJobAttempts = DefaultMaxJobAttempts
	}
	if o.MaxConsecutiveFailures <= 0 {
		o.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if o.FailureWindow <= 0 {
		o.FailureWindow = DefaultFailureWindow
	}
	if o.IdleWait <= 0 {
		o.IdleWait = DefaultIdleWait
	}
	return o
}

// Worker claims stream jobs and runs them through match, dispatch and
// record. Several workers compete for jobs; the claim statement is the only
// mutual exclusion they need.
type Worker struct {
	id      string
	queue   *queue.Queue
	repo    *repository.Repository
	streams *streams.Store
	backend dispatcher.Backend
	limiter *dispatcher.StreamLimiter
	decoder clarity.Decoder
	bus     *eventbus.Bus
	opts    Options

	wake chan eventbus.Event
}

func New(id string, q *queue.Queue, repo *repository.Repository, st *streams.Store,
	backend dispatcher.Backend, limiter *dispatcher.StreamLimiter, decoder clarity.Decoder,
	bus *eventbus.Bus, opts Options) *Worker {

	w := &Worker{
		id:      id,
		queue:   q,
		repo:    repo,
		streams: st,
		backend: backend,
		limiter: limiter,
		decoder: decoder,
		bus:     bus,
		opts:    opts.withDefaults(),
		wake:    make(chan eventbus.Event, 16),
	}
	bus.Subscribe(eventbus.TypeJobNew, w.wake)
	return w
}

// Run processes jobs until ctx is cancelled. On idle it blocks on the wakeup
// channel with a bounded wait, then re-polls; a missed notification costs at
// most one idle interval.
func (w *Worker) Run(ctx context.Context) {
	log.Printf("[worker %s] started", w.id)
	for {
		if ctx.Err() != nil {
			log.Printf("[worker %s] stopped", w.id)
			return
		}

		job, err := w.queue.Claim(ctx, w.id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[worker %s] claim failed: %v", w.id, err)
			w.idle(ctx)
			continue
		}
		if job == nil {
			w.idle(ctx)
			continue
		}

		if err := w.process(ctx, job); err != nil {
			if errors.Is(err, queue.ErrClaimLost) {
				// Recovery re-queued the job under another worker; ours is
				// a duplicate and must not touch it again.
				log.Printf("[worker %s] job %d claim lost, dropping result", w.id, job.ID)
				continue
			}
			log.Printf("[worker %s] job %d (stream=%s height=%d) failed: %v",
				w.id, job.ID, job.StreamID, job.BlockHeight, err)
			if ferr := w.queue.Fail(ctx, job.ID, w.id, err.Error(), w.opts.MaxJobAttempts); ferr != nil && !errors.Is(ferr, queue.ErrClaimLost) {
				log.Printf("[worker %s] failed to record job failure: %v", w.id, ferr)
			}
		}
	}
}

func (w *Worker) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-w.wake:
	case <-time.After(w.opts.IdleWait):
	}
}

// process runs one claimed job to completion. A nil return means the job was
// completed; an error means it was (or should be) failed for retry.
func (w *Worker) process(ctx context.Context, job *models.Job) error {
	stream, err := w.streams.GetStream(ctx, job.StreamID)
	if err != nil {
		return fmt.Errorf("load stream: %w", err)
	}
	if stream == nil || stream.Status != models.StreamStatusActive {
		// Stream deleted, paused or tripped since enqueue. Not an error.
		return w.queue.Complete(ctx, job.ID, w.id)
	}

	block, err := w.repo.GetBlock(ctx, job.BlockHeight)
	if err != nil {
		return fmt.Errorf("load block %d: %w", job.BlockHeight, err)
	}
	if block == nil || !block.Canonical {
		return w.queue.Complete(ctx, job.ID, w.id)
	}

	txs, err := w.repo.GetTransactionsByHeight(ctx, job.BlockHeight)
	if err != nil {
		return fmt.Errorf("load transactions: %w", err)
	}
	events, err := w.repo.GetEventsByHeight(ctx, job.BlockHeight)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}

	res := matcher.Evaluate(stream.Filters, txs, events)
	if !res.AnyMatch {
		return w.queue.Complete(ctx, job.ID, w.id)
	}

	payload, err := buildPayload(ctx, stream, block, res, w.decoder, job.IsBackfill)
	if err != nil {
		return fmt.Errorf("build payload: %w", err)
	}

	if err := w.limiter.Acquire(ctx, stream.ID, stream.Options.RateLimit); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	dr := w.backend.Dispatch(ctx, stream.WebhookURL, payload, stream.WebhookSecret, w.dispatchOptions(stream))

	if err := w.recordDelivery(ctx, stream, job, payload, dr); err != nil {
		return err
	}

	w.bus.Publish(eventbus.Event{
		Type:      eventbus.TypeDeliveryResult,
		StreamID:  stream.ID,
		Height:    job.BlockHeight,
		Timestamp: time.Now(),
		Data:      dr,
	})

	if dr.Success {
		return w.queue.Complete(ctx, job.ID, w.id)
	}

	// 4xx responses are permanent: the job completes even though the
	// delivery is recorded as failed. Everything else retries the job.
	if dr.StatusCode >= 400 && dr.StatusCode < 500 {
		return w.queue.Complete(ctx, job.ID, w.id)
	}
	errMsg := "delivery failed"
	if dr.Err != nil {
		errMsg = dr.Err.Error()
	}
	return w.queue.Fail(ctx, job.ID, w.id, errMsg, w.opts.MaxJobAttempts)
}

func (w *Worker) dispatchOptions(stream *models.Stream) *dispatcher.Options {
	opts := &dispatcher.Options{}
	if stream.Options.TimeoutMs > 0 {
		opts.Timeout = time.Duration(stream.Options.TimeoutMs) * time.Millisecond
	}
	if stream.Options.MaxRetries > 0 {
		opts.MaxAttempts = stream.Options.MaxRetries
	}
	return opts
}

// recordDelivery appends the delivery row, bumps usage and metrics, and runs
// the consecutive-failure check on failures.
func (w *Worker) recordDelivery(ctx context.Context, stream *models.Stream, job *models.Job, payload []byte, dr dispatcher.Result) error {
	outcome := models.DeliveryFailed
	if dr.Success {
		outcome = models.DeliverySuccess
	}

	d := &models.Delivery{
		StreamID:       stream.ID,
		JobID:          &job.ID,
		BlockHeight:    job.BlockHeight,
		Outcome:        outcome,
		ResponseTimeMs: dr.ResponseTimeMs,
		Attempts:       dr.Attempts,
		Payload:        payload,
	}
	if dr.StatusCode != 0 {
		code := dr.StatusCode
		d.StatusCode = &code
	}
	if dr.Err != nil {
		msg := dr.Err.Error()
		d.Error = &msg
	}
	if err := w.streams.InsertDelivery(ctx, d); err != nil {
		return err
	}

	if accountID, err := w.repo.AccountForKeyID(ctx, stream.OwnerKeyID); err == nil && accountID != "" {
		if err := w.repo.IncrementDeliveries(ctx, accountID); err != nil {
			log.Printf("[worker %s] usage increment failed: %v", w.id, err)
		}
	}

	if dr.Success {
		if !job.IsBackfill {
			return w.streams.RecordSuccess(ctx, stream.ID, job.BlockHeight)
		}
		return w.streams.RecordSuccessQuiet(ctx, stream.ID)
	}

	errMsg := "delivery failed"
	if dr.Err != nil {
		errMsg = dr.Err.Error()
	}
	if err := w.streams.RecordFailure(ctx, stream.ID, errMsg); err != nil {
		return err
	}

	failures, err := w.streams.CountConsecutiveFailures(ctx, stream.ID, w.opts.FailureWindow)
	if err != nil {
		return err
	}
	if failures >= w.opts.MaxConsecutiveFailures {
		reason := fmt.Sprintf("%d consecutive delivery failures within %s; last: %s",
			failures, w.opts.FailureWindow, errMsg)
		log.Printf("[worker %s] tripping stream %s: %s", w.id, stream.ID, reason)
		return w.streams.MarkFailed(ctx, stream.ID, reason)
	}
	return nil
}

// RunRecovery periodically returns stale processing jobs to pending.
// Compensates for workers that died mid-job.
func RunRecovery(ctx context.Context, q *queue.Queue, interval, threshold time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	if threshold <= 0 {
		threshold = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.RecoverStale(ctx, threshold)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("[recovery] pass failed: %v", err)
				}
				continue
			}
			if n > 0 {
				log.Printf("[recovery] returned %d stale jobs to pending", n)
			}
		}
	}
}
