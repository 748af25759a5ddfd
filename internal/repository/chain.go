package repository

import (
	"context"
	"fmt"

	"secondlayer/internal/models"

	"github.com/jackc/pgx/v5"
)

// GetBlock returns the block at the given height, or nil if absent.
func (r *Repository) GetBlock(ctx context.Context, height uint64) (*models.Block, error) {
	var b models.Block
	err := r.db.QueryRow(ctx, `
		SELECT height, hash, parent_hash, burn_block_height, timestamp, canonical, network
		FROM chain.blocks WHERE height = $1`, height,
	).Scan(&b.Height, &b.Hash, &b.ParentHash, &b.BurnBlockHeight, &b.Timestamp, &b.Canonical, &b.Network)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetTransactionsByHeight returns all transactions in a block, in tx order.
func (r *Repository) GetTransactionsByHeight(ctx context.Context, height uint64) ([]models.Transaction, error) {
	rows, err := r.db.Query(ctx, `
		SELECT tx_id, block_height, tx_index, type, sender, status, contract_id, function_name, raw_tx
		FROM chain.transactions
		WHERE block_height = $1
		ORDER BY tx_index ASC`, height,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.TxID, &t.BlockHeight, &t.TxIndex, &t.Type, &t.Sender, &t.Status, &t.ContractID, &t.FunctionName, &t.RawTx); err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// GetEventsByHeight returns all events in a block ordered by event_index.
func (r *Repository) GetEventsByHeight(ctx context.Context, height uint64) ([]models.Event, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, tx_id, block_height, event_index, type, data
		FROM chain.events
		WHERE block_height = $1
		ORDER BY event_index ASC`, height,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var e models.Event
		if err := rows.Scan(&e.ID, &e.TxID, &e.BlockHeight, &e.EventIndex, &e.Type, &e.Data); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetCanonicalHeightsInRange returns canonical block heights in [from, to], ascending.
func (r *Repository) GetCanonicalHeightsInRange(ctx context.Context, from, to uint64) ([]uint64, error) {
	rows, err := r.db.Query(ctx, `
		SELECT height FROM chain.blocks
		WHERE canonical = true AND height >= $1 AND height <= $2
		ORDER BY height ASC`, from, to,
	)
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

// GetChainTip returns the highest canonical height, or 0 when no blocks exist.
func (r *Repository) GetChainTip(ctx context.Context) (uint64, error) {
	var h uint64
	err := r.db.QueryRow(ctx, `
		SELECT height FROM chain.blocks
		WHERE canonical = true
		ORDER BY height DESC LIMIT 1`).Scan(&h)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return h, nil
}

// SaveBlock atomically writes a block with its transactions and events.
// Used by the indexer collaborator and by operator tooling; re-runs are
// idempotent so backfills can overlap live ingestion.
func (r *Repository) SaveBlock(ctx context.Context, b *models.Block, txs []models.Transaction, events []models.Event) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO chain.blocks (height, hash, parent_hash, burn_block_height, timestamp, canonical, network)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (height) DO UPDATE SET
			hash = EXCLUDED.hash,
			parent_hash = EXCLUDED.parent_hash,
			burn_block_height = EXCLUDED.burn_block_height,
			timestamp = EXCLUDED.timestamp,
			canonical = EXCLUDED.canonical`,
		b.Height, b.Hash, b.ParentHash, b.BurnBlockHeight, b.Timestamp, b.Canonical, b.Network,
	)
	if err != nil {
		return fmt.Errorf("insert block %d: %w", b.Height, err)
	}

	for _, t := range txs {
		_, err = tx.Exec(ctx, `
			INSERT INTO chain.transactions (tx_id, block_height, tx_index, type, sender, status, contract_id, function_name, raw_tx)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (tx_id) DO UPDATE SET
				block_height = EXCLUDED.block_height,
				status = EXCLUDED.status`,
			t.TxID, t.BlockHeight, t.TxIndex, t.Type, t.Sender, t.Status, t.ContractID, t.FunctionName, t.RawTx,
		)
		if err != nil {
			return fmt.Errorf("insert tx %s: %w", t.TxID, err)
		}
	}

	for _, e := range events {
		_, err = tx.Exec(ctx, `
			INSERT INTO chain.events (tx_id, block_height, event_index, type, data)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (tx_id, event_index) DO UPDATE SET
				data = EXCLUDED.data`,
			e.TxID, e.BlockHeight, e.EventIndex, e.Type, e.Data,
		)
		if err != nil {
			return fmt.Errorf("insert event %s/%d: %w", e.TxID, e.EventIndex, err)
		}
	}

	return tx.Commit(ctx)
}

// SetCanonical flips the canonical flag for a height (reorg resolution).
func (r *Repository) SetCanonical(ctx context.Context, height uint64, canonical bool) error {
	_, err := r.db.Exec(ctx,
		`UPDATE chain.blocks SET canonical = $2 WHERE height = $1`, height, canonical)
	return err
}
