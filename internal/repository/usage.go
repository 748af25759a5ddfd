package repository

import (
	"context"

	"secondlayer/internal/models"

	"github.com/jackc/pgx/v5"
)

// --- Usage counters (monotonic per day) ---

func (r *Repository) IncrementAPIRequests(ctx context.Context, accountID string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO app.usage_daily (account_id, date, api_requests)
		VALUES ($1, CURRENT_DATE, 1)
		ON CONFLICT (account_id, date) DO UPDATE SET
			api_requests = app.usage_daily.api_requests + 1`,
		accountID,
	)
	return err
}

func (r *Repository) IncrementDeliveries(ctx context.Context, accountID string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO app.usage_daily (account_id, date, deliveries)
		VALUES ($1, CURRENT_DATE, 1)
		ON CONFLICT (account_id, date) DO UPDATE SET
			deliveries = app.usage_daily.deliveries + 1`,
		accountID,
	)
	return err
}

// GetAccountUsage assembles the usage snapshot the plan enforcer compares
// against plan limits.
func (r *Repository) GetAccountUsage(ctx context.Context, accountID string) (*models.AccountUsage, error) {
	var u models.AccountUsage

	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(api_requests, 0)
		FROM app.usage_daily
		WHERE account_id = $1 AND date = CURRENT_DATE`, accountID,
	).Scan(&u.APIRequestsToday)
	if err != nil && err != pgx.ErrNoRows {
		return nil, err
	}

	err = r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(deliveries), 0)
		FROM app.usage_daily
		WHERE account_id = $1 AND date >= date_trunc('month', CURRENT_DATE)`, accountID,
	).Scan(&u.DeliveriesThisMonth)
	if err != nil {
		return nil, err
	}

	err = r.db.QueryRow(ctx, `
		SELECT storage_bytes FROM app.usage_snapshots
		WHERE account_id = $1
		ORDER BY measured_at DESC LIMIT 1`, accountID,
	).Scan(&u.StorageBytes)
	if err != nil && err != pgx.ErrNoRows {
		return nil, err
	}

	err = r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM app.streams s
		JOIN app.api_keys k ON k.id = s.owner_key_id
		WHERE k.account_id = $1`, accountID,
	).Scan(&u.Streams)
	if err != nil {
		return nil, err
	}

	err = r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM app.views v
		JOIN app.api_keys k ON k.id = v.owner_key_id
		WHERE k.account_id = $1`, accountID,
	).Scan(&u.Views)
	if err != nil {
		return nil, err
	}

	return &u, nil
}

// InsertStorageSnapshot appends a storage measurement for an account.
func (r *Repository) InsertStorageSnapshot(ctx context.Context, accountID string, bytes int64) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO app.usage_snapshots (account_id, storage_bytes)
		VALUES ($1, $2)`, accountID, bytes)
	return err
}

// MeasureViewStorage sums the physical size of an account's view schemas.
// Best-effort: missing schemas contribute zero.
func (r *Repository) MeasureViewStorage(ctx context.Context, accountID string) (int64, error) {
	var total int64
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(pg_total_relation_size(c.oid)), 0)
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		JOIN app.views v ON v.schema_name = n.nspname
		JOIN app.api_keys k ON k.id = v.owner_key_id
		WHERE k.account_id = $1 AND c.relkind = 'r'`, accountID,
	).Scan(&total)
	return total, err
}
