package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"secondlayer/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ChannelNewJob is the Postgres notification channel signalling new work.
// The payload is the stream id when known, otherwise empty.
const ChannelNewJob = "streams_new_job"

// Queue is a durable job queue over app.jobs. Claims are atomic under
// concurrent workers: a single UPDATE locks one pending row (skipping rows
// locked by other claimers) and transitions it to processing.
type Queue struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Queue {
	return &Queue{pool: pool}
}

// Stats holds current job counts by status.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Total      int64 `json:"total"`
}

// Enqueue inserts a pending job and notifies listeners. Notification failure
// is swallowed: listeners poll on a timer, so a lost wakeup only adds latency.
func (q *Queue) Enqueue(ctx context.Context, streamID string, blockHeight uint64, isBackfill bool) (int64, error) {
	var jobID int64
	err := q.pool.QueryRow(ctx, `
		INSERT INTO app.jobs (stream_id, block_height, is_backfill)
		VALUES ($1, $2, $3)
		RETURNING id`,
		streamID, blockHeight, isBackfill,
	).Scan(&jobID)
	if err != nil {
		return 0, fmt.Errorf("enqueue job for stream %s height %d: %w", streamID, blockHeight, err)
	}

	_ = q.Notify(ctx, streamID)
	return jobID, nil
}

// EnqueueBatch inserts one pending job per height and sends one notification.
func (q *Queue) EnqueueBatch(ctx context.Context, streamID string, heights []uint64, isBackfill bool) (int, error) {
	if len(heights) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, h := range heights {
		batch.Queue(`
			INSERT INTO app.jobs (stream_id, block_height, is_backfill)
			VALUES ($1, $2, $3)`,
			streamID, h, isBackfill,
		)
	}

	br := q.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < len(heights); i++ {
		if _, err := br.Exec(); err != nil {
			return i, fmt.Errorf("enqueue batch for stream %s: %w", streamID, err)
		}
	}
	if err := br.Close(); err != nil {
		return len(heights), err
	}

	_ = q.Notify(ctx, streamID)
	return len(heights), nil
}

// Claim atomically transitions exactly one pending job to processing,
// stamping the lock columns and incrementing attempts. Returns (nil, nil)
// when no work is available. Live jobs outrank backfills; within a class,
// older blocks first.
func (q *Queue) Claim(ctx context.Context, workerID string) (*models.Job, error) {
	var j models.Job
	err := q.pool.QueryRow(ctx, `
		UPDATE app.jobs SET
			status = 'processing',
			attempts = attempts + 1,
			locked_at = now(),
			locked_by = $1
		WHERE id = (
			SELECT id FROM app.jobs
			WHERE status = 'pending'
			ORDER BY is_backfill ASC, block_height ASC, created_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, stream_id, block_height, status, attempts, locked_at, locked_by, last_error, is_backfill, created_at, completed_at`,
		workerID,
	).Scan(&j.ID, &j.StreamID, &j.BlockHeight, &j.Status, &j.Attempts, &j.LockedAt, &j.LockedBy, &j.LastError, &j.IsBackfill, &j.CreatedAt, &j.CompletedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &j, nil
}

// ErrClaimLost reports that a completion or failure update matched no row:
// the job was recovered as stale and re-claimed (or finished) by another
// worker while this one held it.
var ErrClaimLost = errors.New("job claim lost")

// Complete marks a job completed and clears its lock. The update is guarded
// by the claim columns so a stale worker that outlived recovery cannot
// clobber a job another worker now owns.
func (q *Queue) Complete(ctx context.Context, jobID int64, workerID string) error {
	cmd, err := q.pool.Exec(ctx, `
		UPDATE app.jobs SET
			status = 'completed',
			locked_at = NULL,
			locked_by = NULL,
			completed_at = now()
		WHERE id = $1 AND status = 'processing' AND locked_by = $2`,
		jobID, workerID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

// Fail records an error on a job. While attempts < maxAttempts the job is
// requeued to pending; otherwise it is marked failed terminally. Guarded by
// the claim columns like Complete.
func (q *Queue) Fail(ctx context.Context, jobID int64, workerID, errMsg string, maxAttempts int) error {
	cmd, err := q.pool.Exec(ctx, `
		UPDATE app.jobs SET
			status = CASE WHEN attempts < $3 THEN 'pending' ELSE 'failed' END,
			completed_at = CASE WHEN attempts < $3 THEN NULL ELSE now() END,
			last_error = $2,
			locked_at = NULL,
			locked_by = NULL
		WHERE id = $1 AND status = 'processing' AND locked_by = $4`,
		jobID, errMsg, maxAttempts, workerID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

// Stats returns current job counts.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	err := q.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*)
		FROM app.jobs`,
	).Scan(&s.Pending, &s.Processing, &s.Completed, &s.Failed, &s.Total)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// RecoverStale returns processing jobs whose lock is older than threshold to
// pending, clearing their locks. A worker crash mid-job lands here.
func (q *Queue) RecoverStale(ctx context.Context, threshold time.Duration) (int64, error) {
	cmd, err := q.pool.Exec(ctx, `
		UPDATE app.jobs SET
			status = 'pending',
			locked_at = NULL,
			locked_by = NULL
		WHERE status = 'processing' AND locked_at < now() - $1::interval`,
		threshold.String())
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

// DistinctFailedHeights returns the distinct block heights of failed
// deliveries for a stream, ascending. Used by replay-failed.
func (q *Queue) DistinctFailedHeights(ctx context.Context, streamID string) ([]uint64, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT DISTINCT block_height FROM app.deliveries
		WHERE stream_id = $1 AND outcome = 'failed'
		ORDER BY block_height ASC`, streamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var heights []uint64
	for rows.Next() {
		var h uint64
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		heights = append(heights, h)
	}
	return heights, rows.Err()
}

// Notify publishes an advisory wakeup on the new-job channel.
func (q *Queue) Notify(ctx context.Context, streamID string) error {
	_, err := q.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, ChannelNewJob, streamID)
	return err
}
