package streams

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"secondlayer/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides stream CRUD, delivery records and per-stream metrics.
type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// GenerateWebhookSecret returns a fresh signing secret.
func GenerateWebhookSecret() string {
	buf := make([]byte, 24)
	rand.Read(buf)
	return "whsec_" + hex.EncodeToString(buf)
}

// ValidateStream checks the fields a caller controls on create/update.
func ValidateStream(s *models.Stream) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.WebhookURL == "" {
		return fmt.Errorf("webhook_url is required")
	}
	if len(s.Filters) == 0 {
		return fmt.Errorf("at least one filter is required")
	}
	for i, f := range s.Filters {
		if !models.IsKnownFilterType(f.Type) {
			return fmt.Errorf("filters[%d]: unknown filter type %q", i, f.Type)
		}
	}
	return s.Options.Validate()
}

// CreateStream inserts a stream (active by default) with its metrics row.
// A webhook secret is generated when none is supplied.
func (s *Store) CreateStream(ctx context.Context, st *models.Stream) error {
	if err := ValidateStream(st); err != nil {
		return err
	}
	if st.Status == "" {
		st.Status = models.StreamStatusActive
	}
	if st.WebhookSecret == "" {
		st.WebhookSecret = GenerateWebhookSecret()
	}

	filters, err := json.Marshal(st.Filters)
	if err != nil {
		return fmt.Errorf("marshal filters: %w", err)
	}
	options, err := json.Marshal(st.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO app.streams (name, status, filters, options, webhook_url, webhook_secret, owner_key_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`,
		st.Name, st.Status, filters, options, st.WebhookURL, st.WebhookSecret, st.OwnerKeyID,
	).Scan(&st.ID, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert stream: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO app.stream_metrics (stream_id) VALUES ($1)`, st.ID); err != nil {
		return fmt.Errorf("insert stream metrics: %w", err)
	}

	return tx.Commit(ctx)
}

const streamColumns = `id, name, status, filters, options, webhook_url, webhook_secret, owner_key_id, created_at, updated_at`

func scanStream(row pgx.Row) (*models.Stream, error) {
	var st models.Stream
	var filters, options []byte
	err := row.Scan(&st.ID, &st.Name, &st.Status, &filters, &options,
		&st.WebhookURL, &st.WebhookSecret, &st.OwnerKeyID, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(filters, &st.Filters); err != nil {
		return nil, fmt.Errorf("decode filters for stream %s: %w", st.ID, err)
	}
	if err := json.Unmarshal(options, &st.Options); err != nil {
		return nil, fmt.Errorf("decode options for stream %s: %w", st.ID, err)
	}
	return &st, nil
}

// GetStream returns a stream by id, or nil if absent.
func (s *Store) GetStream(ctx context.Context, id string) (*models.Stream, error) {
	st, err := scanStream(s.db.QueryRow(ctx,
		`SELECT `+streamColumns+` FROM app.streams WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return st, err
}

// ListStreams returns streams owned by any of the given key ids. A nil key
// set lists all streams (admin surface).
func (s *Store) ListStreams(ctx context.Context, ownerKeyIDs []string) ([]models.Stream, error) {
	var rows pgx.Rows
	var err error
	if ownerKeyIDs == nil {
		rows, err = s.db.Query(ctx,
			`SELECT `+streamColumns+` FROM app.streams ORDER BY created_at DESC`)
	} else {
		rows, err = s.db.Query(ctx,
			`SELECT `+streamColumns+` FROM app.streams WHERE owner_key_id = ANY($1) ORDER BY created_at DESC`,
			ownerKeyIDs)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Stream
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// ListActiveStreams returns streams in active status.
func (s *Store) ListActiveStreams(ctx context.Context) ([]models.Stream, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+streamColumns+` FROM app.streams WHERE status = 'active' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Stream
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// StreamUpdate is a partial update; nil fields are left untouched.
type StreamUpdate struct {
	Name       *string
	Filters    []models.Filter
	Options    *models.StreamOptions
	WebhookURL *string
}

// UpdateStream applies a partial update and returns the updated stream.
func (s *Store) UpdateStream(ctx context.Context, id string, u StreamUpdate) (*models.Stream, error) {
	st, err := s.GetStream(ctx, id)
	if err != nil || st == nil {
		return st, err
	}

	if u.Name != nil {
		st.Name = *u.Name
	}
	if u.Filters != nil {
		st.Filters = u.Filters
	}
	if u.Options != nil {
		st.Options = *u.Options
	}
	if u.WebhookURL != nil {
		st.WebhookURL = *u.WebhookURL
	}
	if err := ValidateStream(st); err != nil {
		return nil, err
	}

	filters, err := json.Marshal(st.Filters)
	if err != nil {
		return nil, fmt.Errorf("marshal filters: %w", err)
	}
	options, err := json.Marshal(st.Options)
	if err != nil {
		return nil, fmt.Errorf("marshal options: %w", err)
	}

	err = s.db.QueryRow(ctx, `
		UPDATE app.streams SET
			name = $2,
			filters = $3,
			options = $4,
			webhook_url = $5,
			updated_at = now()
		WHERE id = $1
		RETURNING updated_at`,
		id, st.Name, filters, options, st.WebhookURL,
	).Scan(&st.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update stream %s: %w", id, err)
	}
	return st, nil
}

// DeleteStream removes a stream; jobs, metrics and deliveries cascade.
func (s *Store) DeleteStream(ctx context.Context, id string) (bool, error) {
	cmd, err := s.db.Exec(ctx, `DELETE FROM app.streams WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

// ApplyAction resolves a status action through the transition table and
// persists the new status. Returns the new status.
func (s *Store) ApplyAction(ctx context.Context, id, action string) (string, error) {
	st, err := s.GetStream(ctx, id)
	if err != nil {
		return "", err
	}
	if st == nil {
		return "", pgx.ErrNoRows
	}

	next, err := Transition(st.Status, action)
	if err != nil {
		return "", err
	}
	_, err = s.db.Exec(ctx,
		`UPDATE app.streams SET status = $2, updated_at = now() WHERE id = $1`, id, next)
	return next, err
}

// MarkFailed flips an active stream to failed and records the trip reason.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	cmd, err := tx.Exec(ctx, `
		UPDATE app.streams SET status = 'failed', updated_at = now()
		WHERE id = $1 AND status = 'active'`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE app.stream_metrics SET last_error_message = $2 WHERE stream_id = $1`,
			id, reason); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// RotateSecret replaces the webhook secret and returns the new value.
func (s *Store) RotateSecret(ctx context.Context, id string) (string, error) {
	secret := GenerateWebhookSecret()
	cmd, err := s.db.Exec(ctx, `
		UPDATE app.streams SET webhook_secret = $2, updated_at = now() WHERE id = $1`,
		id, secret)
	if err != nil {
		return "", err
	}
	if cmd.RowsAffected() == 0 {
		return "", pgx.ErrNoRows
	}
	return secret, nil
}

// BulkAction applies pause or resume to every eligible stream owned by the
// given keys and returns how many changed. Streams in a status the action
// does not apply to are skipped, not errored.
func (s *Store) BulkAction(ctx context.Context, ownerKeyIDs []string, action string) (int64, error) {
	var from, to string
	switch action {
	case ActionPause:
		from, to = models.StreamStatusActive, models.StreamStatusPaused
	case ActionResume:
		from, to = models.StreamStatusPaused, models.StreamStatusActive
	default:
		return 0, fmt.Errorf("bulk action must be pause or resume, got %q", action)
	}

	cmd, err := s.db.Exec(ctx, `
		UPDATE app.streams SET status = $3, updated_at = now()
		WHERE owner_key_id = ANY($1) AND status = $2`,
		ownerKeyIDs, from, to)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

// --- Metrics ---

func (s *Store) GetMetrics(ctx context.Context, streamID string) (*models.StreamMetrics, error) {
	var m models.StreamMetrics
	err := s.db.QueryRow(ctx, `
		SELECT stream_id, last_triggered_at, last_triggered_block, total_deliveries, failed_deliveries, last_error_message
		FROM app.stream_metrics WHERE stream_id = $1`, streamID,
	).Scan(&m.StreamID, &m.LastTriggeredAt, &m.LastTriggeredBlock, &m.TotalDeliveries, &m.FailedDeliveries, &m.LastErrorMessage)
	if err == pgx.ErrNoRows {
		return &models.StreamMetrics{StreamID: streamID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// RecordSuccess bumps delivery counters after a successful delivery.
func (s *Store) RecordSuccess(ctx context.Context, streamID string, blockHeight uint64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE app.stream_metrics SET
			last_triggered_at = now(),
			last_triggered_block = $2,
			total_deliveries = total_deliveries + 1
		WHERE stream_id = $1`, streamID, blockHeight)
	return err
}

// RecordSuccessQuiet counts a successful delivery without stamping the
// last-triggered fields. Used for backfill deliveries.
func (s *Store) RecordSuccessQuiet(ctx context.Context, streamID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE app.stream_metrics SET
			total_deliveries = total_deliveries + 1
		WHERE stream_id = $1`, streamID)
	return err
}

// RecordFailure bumps failure counters after a failed delivery.
func (s *Store) RecordFailure(ctx context.Context, streamID string, errMsg string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE app.stream_metrics SET
			total_deliveries = total_deliveries + 1,
			failed_deliveries = failed_deliveries + 1,
			last_error_message = $2
		WHERE stream_id = $1`, streamID, errMsg)
	return err
}

// --- Deliveries ---

// InsertDelivery appends a delivery record.
func (s *Store) InsertDelivery(ctx context.Context, d *models.Delivery) error {
	err := s.db.QueryRow(ctx, `
		INSERT INTO app.deliveries (stream_id, job_id, block_height, outcome, status_code, response_time_ms, attempts, error, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`,
		d.StreamID, d.JobID, d.BlockHeight, d.Outcome, d.StatusCode, d.ResponseTimeMs, d.Attempts, d.Error, d.Payload,
	).Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert delivery for stream %s: %w", d.StreamID, err)
	}
	return nil
}

// ListDeliveries pages a stream's delivery history, newest first. outcome
// filters by "success" or "failed"; empty includes both.
func (s *Store) ListDeliveries(ctx context.Context, streamID, outcome string, limit, offset int) ([]models.Delivery, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, stream_id, job_id, block_height, outcome, status_code, response_time_ms, attempts, error, payload, created_at
		FROM app.deliveries
		WHERE stream_id = $1 AND ($2 = '' OR outcome = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`,
		streamID, outcome, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Delivery
	for rows.Next() {
		var d models.Delivery
		if err := rows.Scan(&d.ID, &d.StreamID, &d.JobID, &d.BlockHeight, &d.Outcome,
			&d.StatusCode, &d.ResponseTimeMs, &d.Attempts, &d.Error, &d.Payload, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountConsecutiveFailures counts failed deliveries for a stream since its
// most recent success, restricted to the given window. Drives the
// worker-triggered fail transition.
func (s *Store) CountConsecutiveFailures(ctx context.Context, streamID string, window time.Duration) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM app.deliveries
		WHERE stream_id = $1
		  AND outcome = 'failed'
		  AND created_at > now() - $2::interval
		  AND created_at > COALESCE(
			(SELECT MAX(created_at) FROM app.deliveries
			 WHERE stream_id = $1 AND outcome = 'success'),
			'-infinity'::timestamptz)`,
		streamID, window.String(),
	).Scan(&count)
	return count, err
}

// CountByStatus returns stream counts keyed by status.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM app.streams GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// RecentDeliveryCount counts deliveries within the window, split by outcome.
func (s *Store) RecentDeliveryCount(ctx context.Context, window time.Duration) (success, failed int64, err error) {
	err = s.db.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE outcome = 'success'),
			COUNT(*) FILTER (WHERE outcome = 'failed')
		FROM app.deliveries
		WHERE created_at > now() - $1::interval`,
		window.String(),
	).Scan(&success, &failed)
	return success, failed, err
}
