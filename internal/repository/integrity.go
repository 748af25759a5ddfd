package repository

import (
	"context"

	"secondlayer/internal/models"

	"github.com/jackc/pgx/v5"
)

// --- Integrity tracking over canonical block heights ---

// FindGaps detects missing height ranges between consecutive canonical blocks.
// For each adjacent pair (h, next_h) with next_h - h > 1 it emits the gap
// [h+1, next_h-1]. Results are ordered by gap start, bounded by limit.
func (r *Repository) FindGaps(ctx context.Context, limit int) ([]models.Gap, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.Query(ctx, `
		WITH ordered AS (
			SELECT height,
			       LEAD(height) OVER (ORDER BY height) AS next_height
			FROM chain.blocks
			WHERE canonical = true
		)
		SELECT height + 1 AS gap_start,
		       next_height - 1 AS gap_end,
		       next_height - height - 1 AS size
		FROM ordered
		WHERE next_height IS NOT NULL AND next_height - height > 1
		ORDER BY gap_start
		LIMIT $1`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var gaps []models.Gap
	for rows.Next() {
		var g models.Gap
		if err := rows.Scan(&g.GapStart, &g.GapEnd, &g.Size); err != nil {
			return nil, err
		}
		gaps = append(gaps, g)
	}
	return gaps, rows.Err()
}

// CountMissing returns the total number of heights missing between the lowest
// and highest canonical block.
func (r *Repository) CountMissing(ctx context.Context) (uint64, error) {
	var missing uint64
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(MAX(height) - MIN(height) + 1 - COUNT(*), 0)
		FROM chain.blocks
		WHERE canonical = true`).Scan(&missing)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	return missing, err
}

// ContiguousTip returns the largest height h >= fromHeight such that every
// height in [fromHeight, h] is canonical. If fromHeight itself is not
// canonical the run is empty and fromHeight-1 is returned, so callers see no
// advance and re-check on the next pass.
func (r *Repository) ContiguousTip(ctx context.Context, fromHeight uint64) (uint64, error) {
	// The gap query below only sees gaps between present rows; a hole at
	// fromHeight itself would be invisible to it and the watermark would
	// jump the missing block. Check presence first.
	var present bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM chain.blocks WHERE height = $1 AND canonical = true
		)`, fromHeight,
	).Scan(&present)
	if err != nil {
		return 0, err
	}
	if !present {
		if fromHeight == 0 {
			return 0, nil
		}
		return fromHeight - 1, nil
	}

	// The first gap at or above fromHeight bounds the contiguous run.
	var gapStart uint64
	err = r.db.QueryRow(ctx, `
		WITH ordered AS (
			SELECT height,
			       LEAD(height) OVER (ORDER BY height) AS next_height
			FROM chain.blocks
			WHERE canonical = true AND height >= $1
		)
		SELECT height + 1
		FROM ordered
		WHERE next_height IS NOT NULL AND next_height - height > 1
		ORDER BY height
		LIMIT 1`, fromHeight,
	).Scan(&gapStart)

	if err == nil {
		return gapStart - 1, nil
	}
	if err != pgx.ErrNoRows {
		return 0, err
	}

	// No gaps above fromHeight: the contiguous run extends to the max height.
	var maxHeight uint64
	err = r.db.QueryRow(ctx, `
		SELECT COALESCE(MAX(height), $1)
		FROM chain.blocks
		WHERE canonical = true AND height >= $1`, fromHeight,
	).Scan(&maxHeight)
	if err != nil {
		return 0, err
	}
	return maxHeight, nil
}

// --- Index progress ---

func (r *Repository) GetIndexProgress(ctx context.Context, network string) (*models.IndexProgress, error) {
	var p models.IndexProgress
	err := r.db.QueryRow(ctx, `
		SELECT network, last_indexed_height, last_contiguous_height, highest_seen_height, updated_at
		FROM app.index_progress WHERE network = $1`, network,
	).Scan(&p.Network, &p.LastIndexedHeight, &p.LastContiguousHeight, &p.HighestSeenHeight, &p.UpdatedAt)
	if err == pgx.ErrNoRows {
		return &models.IndexProgress{Network: network}, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateIndexProgress upserts progress for a network. Heights only move
// forward; a lagging writer cannot regress the watermark.
func (r *Repository) UpdateIndexProgress(ctx context.Context, p *models.IndexProgress) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO app.index_progress (network, last_indexed_height, last_contiguous_height, highest_seen_height, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (network) DO UPDATE SET
			last_indexed_height = GREATEST(app.index_progress.last_indexed_height, EXCLUDED.last_indexed_height),
			last_contiguous_height = GREATEST(app.index_progress.last_contiguous_height, EXCLUDED.last_contiguous_height),
			highest_seen_height = GREATEST(app.index_progress.highest_seen_height, EXCLUDED.highest_seen_height),
			updated_at = now()`,
		p.Network, p.LastIndexedHeight, p.LastContiguousHeight, p.HighestSeenHeight,
	)
	return err
}
