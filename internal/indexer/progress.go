package indexer

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"secondlayer/internal/models"
	"secondlayer/internal/queue"
	"secondlayer/internal/repository"
	"secondlayer/internal/streams"
	"secondlayer/internal/views"
)

// Tracker watches canonical block data written by the upstream indexer,
// advances the per-network progress watermark, fans out jobs to active
// streams for newly contiguous heights, and applies view handlers.
type Tracker struct {
	repo     *repository.Repository
	queue    *queue.Queue
	streams  *streams.Store
	registry *views.Registry
	cache    *views.Cache
	network  string
	interval time.Duration
}

func NewTracker(repo *repository.Repository, q *queue.Queue, st *streams.Store,
	registry *views.Registry, cache *views.Cache, network string, interval time.Duration) *Tracker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Tracker{
		repo:     repo,
		queue:    q,
		streams:  st,
		registry: registry,
		cache:    cache,
		network:  network,
		interval: interval,
	}
}

// Run ticks until ctx is cancelled. Each pass is independent; a failed pass
// is retried from the persisted watermark on the next tick.
func (t *Tracker) Run(ctx context.Context) {
	log.Printf("[indexer] tracking %s every %s", t.network, t.interval)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.pass(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[indexer] pass failed: %v", err)
			}
		}
	}
}

// pass advances the contiguous watermark and processes every height that
// became contiguous since the last pass. Heights are only processed once:
// the watermark moves forward atomically after fan-out.
func (t *Tracker) pass(ctx context.Context) error {
	progress, err := t.repo.GetIndexProgress(ctx, t.network)
	if err != nil {
		return err
	}

	tip, err := t.repo.GetChainTip(ctx)
	if err != nil {
		return err
	}
	if tip == 0 || tip <= progress.LastIndexedHeight {
		return nil
	}

	from := progress.LastIndexedHeight + 1
	if progress.LastIndexedHeight == 0 {
		// Cold start: begin at the tip rather than replaying history.
		from = tip
	}

	contiguous, err := t.repo.ContiguousTip(ctx, from)
	if err != nil {
		return err
	}
	if contiguous < from {
		return nil
	}

	active, err := t.streams.ListActiveStreams(ctx)
	if err != nil {
		return err
	}

	for h := from; h <= contiguous; h++ {
		for i := range active {
			if _, err := t.queue.Enqueue(ctx, active[i].ID, h, false); err != nil {
				return err
			}
		}
		t.applyViews(ctx, h)
	}

	progress.LastIndexedHeight = contiguous
	progress.LastContiguousHeight = contiguous
	if tip > progress.HighestSeenHeight {
		progress.HighestSeenHeight = tip
	}
	if err := t.repo.UpdateIndexProgress(ctx, progress); err != nil {
		return err
	}

	if contiguous >= from {
		log.Printf("[indexer] advanced %s to %d (%d heights, %d active streams)",
			t.network, contiguous, contiguous-from+1, len(active))
	}
	return nil
}

// applyViews runs every active view's handler over one block. View errors
// are recorded on the view and never stall stream processing.
func (t *Tracker) applyViews(ctx context.Context, height uint64) {
	for _, v := range t.cache.GetAll(nil) {
		if v.Status != models.ViewStatusActive {
			continue
		}
		var def views.Definition
		if err := json.Unmarshal(v.Definition, &def); err != nil {
			log.Printf("[indexer] view %s has undecodable definition: %v", v.Name, err)
			continue
		}
		handler, err := views.ParseHandler(v.Handler, def)
		if err != nil {
			log.Printf("[indexer] view %s has undecodable handler: %v", v.Name, err)
			continue
		}
		vv := v
		if err := t.registry.ApplyBlock(ctx, &vv, def, handler, height); err != nil {
			log.Printf("[indexer] view %s failed at height %d: %v", v.Name, height, err)
			if rerr := t.registry.RecordError(ctx, v.ID, err.Error()); rerr != nil {
				log.Printf("[indexer] view %s: recording error failed: %v", v.Name, rerr)
			}
			continue
		}
		if err := t.registry.RecordProgress(ctx, v.ID, height); err != nil {
			log.Printf("[indexer] view %s: recording progress failed: %v", v.Name, err)
		}
	}
}
