package views

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"secondlayer/internal/models"
	"secondlayer/internal/queue"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ChainReader is the slice of the repository the registry needs for
// reindexing.
type ChainReader interface {
	GetBlock(ctx context.Context, height uint64) (*models.Block, error)
	GetTransactionsByHeight(ctx context.Context, height uint64) ([]models.Transaction, error)
	GetEventsByHeight(ctx context.Context, height uint64) ([]models.Event, error)
	GetCanonicalHeightsInRange(ctx context.Context, from, to uint64) ([]uint64, error)
}

// Registry coordinates view lifecycle: deploy applies DDL and persists the
// registry row, delete tears the schema down, reindex re-runs the handler
// over a block range. Every mutation publishes a change notification so
// caches across processes refresh.
type Registry struct {
	db    *pgxpool.Pool
	store *Store
	cache *Cache
	chain ChainReader
}

func NewRegistry(db *pgxpool.Pool, store *Store, cache *Cache, chain ChainReader) *Registry {
	return &Registry{db: db, store: store, cache: cache, chain: chain}
}

// DeployRequest carries everything needed to create or update a view.
type DeployRequest struct {
	Name         string
	OwnerKeyID   string
	SchemaPrefix string
	Definition   json.RawMessage
	Handler      json.RawMessage
	Reindex      bool
	FromHeight   uint64
	ToHeight     uint64
}

// Deploy validates, applies DDL, upserts the registry row and notifies.
// A redeploy with an unchanged content hash skips DDL and returns the
// existing row.
func (r *Registry) Deploy(ctx context.Context, req DeployRequest) (*models.View, error) {
	var def Definition
	if err := json.Unmarshal(req.Definition, &def); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if _, err := ParseHandler(req.Handler, def); err != nil {
		return nil, err
	}

	schemaName, err := SchemaName(req.SchemaPrefix, req.Name)
	if err != nil {
		return nil, err
	}
	hash := Hash(def, req.Handler)

	// No-op redeploy: same content, nothing to do.
	if existing := r.cache.Get(req.Name, []string{req.OwnerKeyID}); existing != nil && existing.SchemaHash == hash {
		return existing, nil
	}

	if err := r.store.ApplyDDL(ctx, schemaName, def); err != nil {
		return nil, err
	}

	stored, err := r.store.Upsert(ctx, &models.View{
		Name:       req.Name,
		Definition: req.Definition,
		SchemaHash: hash,
		Handler:    req.Handler,
		SchemaName: schemaName,
		OwnerKeyID: req.OwnerKeyID,
	})
	if err != nil {
		return nil, err
	}

	r.notify(ctx, req.Name)
	log.Printf("[views] deployed %s (schema=%s version=%d)", stored.Name, stored.SchemaName, stored.Version)

	if req.Reindex {
		go func() {
			if err := r.Reindex(context.Background(), stored.ID, req.FromHeight, req.ToHeight); err != nil {
				log.Printf("[views] reindex of %s failed: %v", stored.Name, err)
			}
		}()
	}
	return stored, nil
}

// Delete drops the physical schema, removes the registry row and notifies.
func (r *Registry) Delete(ctx context.Context, id string) (bool, error) {
	v, err := r.store.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if v == nil {
		return false, nil
	}

	if err := r.store.DropSchema(ctx, v.SchemaName); err != nil {
		return false, fmt.Errorf("drop schema %s: %w", v.SchemaName, err)
	}
	deleted, err := r.store.Delete(ctx, id)
	if err != nil {
		return false, err
	}

	r.notify(ctx, v.Name)
	log.Printf("[views] deleted %s (schema=%s)", v.Name, v.SchemaName)
	return deleted, nil
}

// Reindex re-runs the view's handler over every canonical block in
// [from, to]. Handlers upsert on (_block_height, _tx_id), so overlapping
// runs converge instead of duplicating. Per-block failures are recorded and
// skipped; the pass continues.
func (r *Registry) Reindex(ctx context.Context, id string, from, to uint64) error {
	v, err := r.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if v == nil {
		return fmt.Errorf("view %s not found", id)
	}

	var def Definition
	if err := json.Unmarshal(v.Definition, &def); err != nil {
		return fmt.Errorf("decode definition for %s: %w", v.Name, err)
	}
	handler, err := ParseHandler(v.Handler, def)
	if err != nil {
		return err
	}

	if err := r.store.SetStatus(ctx, id, models.ViewStatusReindexing); err != nil {
		return err
	}

	heights, err := r.chain.GetCanonicalHeightsInRange(ctx, from, to)
	if err != nil {
		return err
	}

	log.Printf("[views] reindexing %s over %d blocks [%d,%d]", v.Name, len(heights), from, to)
	for _, h := range heights {
		if err := r.ApplyBlock(ctx, v, def, handler, h); err != nil {
			log.Printf("[views] %s: block %d failed: %v", v.Name, h, err)
			if rerr := r.store.RecordError(ctx, id, err.Error()); rerr != nil {
				return rerr
			}
			continue
		}
		if err := r.store.RecordProgress(ctx, id, h, 1, 0); err != nil {
			return err
		}
	}

	return r.store.SetStatus(ctx, id, models.ViewStatusActive)
}

// ApplyBlock runs one view's handler against one block and persists the rows.
func (r *Registry) ApplyBlock(ctx context.Context, v *models.View, def Definition, handler *Handler, height uint64) error {
	block, err := r.chain.GetBlock(ctx, height)
	if err != nil {
		return err
	}
	if block == nil || !block.Canonical {
		return nil
	}

	txs, err := r.chain.GetTransactionsByHeight(ctx, height)
	if err != nil {
		return err
	}
	events, err := r.chain.GetEventsByHeight(ctx, height)
	if err != nil {
		return err
	}

	rows := handler.Apply(block, txs, events)
	if len(rows) == 0 {
		return nil
	}
	return r.store.UpsertRows(ctx, v.SchemaName, def, rows)
}

// RecordProgress and RecordError expose per-block bookkeeping for callers
// that drive ApplyBlock themselves (the live block tracker).
func (r *Registry) RecordProgress(ctx context.Context, id string, height uint64) error {
	return r.store.RecordProgress(ctx, id, height, 1, 0)
}

func (r *Registry) RecordError(ctx context.Context, id string, errMsg string) error {
	return r.store.RecordError(ctx, id, errMsg)
}

func (r *Registry) notify(ctx context.Context, viewName string) {
	if _, err := r.db.Exec(ctx, `SELECT pg_notify($1, $2)`, queue.ChannelViewChanges, viewName); err != nil {
		log.Printf("[views] change notification failed: %v", err)
	}
}
