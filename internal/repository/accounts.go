package repository

import (
	"context"

	"secondlayer/internal/models"

	"github.com/jackc/pgx/v5"
)

// AccountForKeyHash resolves an active API key hash to its account and key id,
// stamping last_used on the way. Returns ("", "", nil) for unknown keys.
func (r *Repository) AccountForKeyHash(ctx context.Context, keyHash string) (accountID, keyID string, err error) {
	err = r.db.QueryRow(ctx, `
		UPDATE app.api_keys SET last_used = now()
		WHERE key_hash = $1 AND is_active = true
		RETURNING account_id, id`, keyHash,
	).Scan(&accountID, &keyID)
	if err == pgx.ErrNoRows {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	return accountID, keyID, nil
}

// KeySetForAccount returns all key ids that belong to an account, including
// rotated-out inactive keys. Ownership checks span key rotations.
func (r *Repository) KeySetForAccount(ctx context.Context, accountID string) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id FROM app.api_keys WHERE account_id = $1`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repository) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	var a models.Account
	err := r.db.QueryRow(ctx, `
		SELECT id, name, plan, schema_prefix, created_at
		FROM app.accounts WHERE id = $1`, accountID,
	).Scan(&a.ID, &a.Name, &a.Plan, &a.SchemaPrefix, &a.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// AccountForKeyID resolves the owning account of a key id (active or not).
func (r *Repository) AccountForKeyID(ctx context.Context, keyID string) (string, error) {
	var accountID string
	err := r.db.QueryRow(ctx,
		`SELECT account_id FROM app.api_keys WHERE id = $1`, keyID).Scan(&accountID)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return accountID, nil
}

func (r *Repository) GetPlanLimits(ctx context.Context, plan string) (*models.PlanLimits, error) {
	var p models.PlanLimits
	err := r.db.QueryRow(ctx, `
		SELECT name, api_requests_per_day, deliveries_per_month, storage_bytes, max_streams, max_views
		FROM app.plans WHERE name = $1`, plan,
	).Scan(&p.Name, &p.APIRequestsPerDay, &p.DeliveriesPerMonth, &p.StorageBytes, &p.MaxStreams, &p.MaxViews)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
