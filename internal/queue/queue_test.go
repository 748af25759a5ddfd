package queue

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"secondlayer/internal/repository"

	"github.com/google/uuid"
)

// These tests run against a real Postgres because the queue's guarantees live
// in its SQL. Set TEST_DATABASE_URL to enable them.
func testQueue(t *testing.T) (*Queue, string) {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	repo, err := repository.NewRepository(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(repo.Close)

	if err := repo.Migrate("../../schema.sql"); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ctx := context.Background()
	pool := repo.Pool()

	if _, err := pool.Exec(ctx, `TRUNCATE app.jobs RESTART IDENTITY`); err != nil {
		t.Fatalf("truncate jobs: %v", err)
	}

	// Each test gets its own account/key/stream so runs never collide.
	accountID := uuid.NewString()
	keyID := uuid.NewString()
	streamID := uuid.NewString()
	if _, err := pool.Exec(ctx, `
		INSERT INTO app.accounts (id, name, schema_prefix) VALUES ($1, 'queue-test', $2)`,
		accountID, "t_"+accountID[:8]); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		INSERT INTO app.api_keys (id, account_id, key_hash, key_prefix) VALUES ($1, $2, $3, 'sk_test')`,
		keyID, accountID, uuid.NewString()); err != nil {
		t.Fatalf("seed api key: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		INSERT INTO app.streams (id, name, filters, webhook_url, owner_key_id)
		VALUES ($1, 'queue-test', '[]'::jsonb, 'https://example.com/hook', $2)`,
		streamID, keyID); err != nil {
		t.Fatalf("seed stream: %v", err)
	}

	return New(pool), streamID
}

func jobStatus(t *testing.T, q *Queue, jobID int64) string {
	t.Helper()
	var status string
	err := q.pool.QueryRow(context.Background(),
		`SELECT status FROM app.jobs WHERE id = $1`, jobID).Scan(&status)
	if err != nil {
		t.Fatalf("job status: %v", err)
	}
	return status
}

func TestClaimOrdersLiveBeforeBackfill(t *testing.T) {
	q, streamID := testQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, streamID, 5, true); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, streamID, 9, false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, streamID, 3, false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	want := []struct {
		height   uint64
		backfill bool
	}{
		{3, false}, {9, false}, {5, true},
	}
	for i, w := range want {
		job, err := q.Claim(ctx, "w1")
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if job == nil {
			t.Fatalf("claim %d: no job", i)
		}
		if job.BlockHeight != w.height || job.IsBackfill != w.backfill {
			t.Errorf("claim %d: got height=%d backfill=%v, want height=%d backfill=%v",
				i, job.BlockHeight, job.IsBackfill, w.height, w.backfill)
		}
		if job.Status != "processing" || job.Attempts != 1 {
			t.Errorf("claim %d: status=%s attempts=%d", i, job.Status, job.Attempts)
		}
	}

	job, err := q.Claim(ctx, "w1")
	if err != nil {
		t.Fatalf("final claim: %v", err)
	}
	if job != nil {
		t.Errorf("expected empty queue, claimed job %d", job.ID)
	}
}

func TestConcurrentClaimsAreExclusive(t *testing.T) {
	q, streamID := testQueue(t)
	ctx := context.Background()

	const total = 30
	heights := make([]uint64, total)
	for i := range heights {
		heights[i] = uint64(i + 1)
	}
	if _, err := q.EnqueueBatch(ctx, streamID, heights, false); err != nil {
		t.Fatalf("enqueue batch: %v", err)
	}

	claimed := make(chan int64, total+8)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		workerID := uuid.NewString()
		go func() {
			defer wg.Done()
			for {
				job, err := q.Claim(ctx, workerID)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if job == nil {
					return
				}
				claimed <- job.ID
			}
		}()
	}
	wg.Wait()
	close(claimed)

	seen := make(map[int64]bool)
	for id := range claimed {
		if seen[id] {
			t.Errorf("job %d claimed twice", id)
		}
		seen[id] = true
	}
	if len(seen) != total {
		t.Errorf("claimed %d jobs, want %d", len(seen), total)
	}
}

func TestCompleteRequiresOwningWorker(t *testing.T) {
	q, streamID := testQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, streamID, 1, false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := q.Claim(ctx, "w1")
	if err != nil || job == nil {
		t.Fatalf("claim: job=%v err=%v", job, err)
	}

	if err := q.Complete(ctx, job.ID, "w2"); err != ErrClaimLost {
		t.Errorf("complete by other worker: got %v, want ErrClaimLost", err)
	}
	if s := jobStatus(t, q, job.ID); s != "processing" {
		t.Errorf("status after rejected complete = %s", s)
	}

	if err := q.Complete(ctx, job.ID, "w1"); err != nil {
		t.Fatalf("complete by owner: %v", err)
	}
	if s := jobStatus(t, q, job.ID); s != "completed" {
		t.Errorf("status after complete = %s", s)
	}
	// Completing twice also loses the claim.
	if err := q.Complete(ctx, job.ID, "w1"); err != ErrClaimLost {
		t.Errorf("second complete: got %v, want ErrClaimLost", err)
	}
}

func TestFailRetriesThenTerminal(t *testing.T) {
	q, streamID := testQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, streamID, 1, false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := q.Claim(ctx, "w1")
	if err != nil || job == nil {
		t.Fatalf("claim: job=%v err=%v", job, err)
	}

	if err := q.Fail(ctx, job.ID, "w2", "boom", 2); err != ErrClaimLost {
		t.Errorf("fail by other worker: got %v, want ErrClaimLost", err)
	}

	// attempts=1 < max=2: back to pending.
	if err := q.Fail(ctx, job.ID, "w1", "boom", 2); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if s := jobStatus(t, q, job.ID); s != "pending" {
		t.Errorf("status after first failure = %s", s)
	}

	job2, err := q.Claim(ctx, "w1")
	if err != nil || job2 == nil || job2.ID != job.ID {
		t.Fatalf("reclaim: job=%v err=%v", job2, err)
	}
	if job2.Attempts != 2 {
		t.Errorf("attempts after reclaim = %d", job2.Attempts)
	}

	// attempts=2 >= max=2: terminal.
	if err := q.Fail(ctx, job.ID, "w1", "boom again", 2); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if s := jobStatus(t, q, job.ID); s != "failed" {
		t.Errorf("status after final failure = %s", s)
	}
}

func TestRecoverStaleReturnsJobAndInvalidatesOldClaim(t *testing.T) {
	q, streamID := testQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, streamID, 1, false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := q.Claim(ctx, "dead-worker")
	if err != nil || job == nil {
		t.Fatalf("claim: job=%v err=%v", job, err)
	}

	// Age the lock past the threshold.
	if _, err := q.pool.Exec(ctx, `
		UPDATE app.jobs SET locked_at = now() - interval '10 minutes' WHERE id = $1`,
		job.ID); err != nil {
		t.Fatalf("age lock: %v", err)
	}

	n, err := q.RecoverStale(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered %d jobs, want 1", n)
	}
	if s := jobStatus(t, q, job.ID); s != "pending" {
		t.Errorf("status after recovery = %s", s)
	}

	job2, err := q.Claim(ctx, "live-worker")
	if err != nil || job2 == nil || job2.ID != job.ID {
		t.Fatalf("reclaim: job=%v err=%v", job2, err)
	}

	// The dead worker coming back must not clobber the new claim.
	if err := q.Complete(ctx, job.ID, "dead-worker"); err != ErrClaimLost {
		t.Errorf("stale complete: got %v, want ErrClaimLost", err)
	}
	if err := q.Fail(ctx, job.ID, "dead-worker", "late failure", 3); err != ErrClaimLost {
		t.Errorf("stale fail: got %v, want ErrClaimLost", err)
	}
	if s := jobStatus(t, q, job.ID); s != "processing" {
		t.Errorf("status after stale updates = %s", s)
	}

	if err := q.Complete(ctx, job.ID, "live-worker"); err != nil {
		t.Errorf("owner complete: %v", err)
	}
}
