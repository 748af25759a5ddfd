package views

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"secondlayer/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists view registry rows and owns the physical DDL for view
// schemas. All identifiers are validated before interpolation; values are
// always bound as parameters.
type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const viewColumns = `id, name, version, status, definition, schema_hash, handler, schema_name,
	last_processed_height, total_processed, total_errors, last_error, last_error_at,
	owner_key_id, created_at, updated_at`

func scanView(row pgx.Row) (*models.View, error) {
	var v models.View
	err := row.Scan(&v.ID, &v.Name, &v.Version, &v.Status, &v.Definition, &v.SchemaHash,
		&v.Handler, &v.SchemaName, &v.LastProcessedHeight, &v.TotalProcessed, &v.TotalErrors,
		&v.LastError, &v.LastErrorAt, &v.OwnerKeyID, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// LoadAll returns every registered view.
func (s *Store) LoadAll(ctx context.Context) ([]models.View, error) {
	rows, err := s.db.Query(ctx, `SELECT `+viewColumns+` FROM app.views ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.View
	for rows.Next() {
		v, err := scanView(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// GetByID returns a view by id, or nil if absent.
func (s *Store) GetByID(ctx context.Context, id string) (*models.View, error) {
	v, err := scanView(s.db.QueryRow(ctx, `SELECT `+viewColumns+` FROM app.views WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return v, err
}

// Upsert inserts a view row or, when the (name, owner) pair exists, bumps
// its version and replaces definition and handler. Returns the stored row.
func (s *Store) Upsert(ctx context.Context, v *models.View) (*models.View, error) {
	stored, err := scanView(s.db.QueryRow(ctx, `
		INSERT INTO app.views (name, definition, schema_hash, handler, schema_name, owner_key_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name, owner_key_id) DO UPDATE SET
			version = app.views.version + 1,
			status = 'active',
			definition = EXCLUDED.definition,
			schema_hash = EXCLUDED.schema_hash,
			handler = EXCLUDED.handler,
			updated_at = now()
		RETURNING `+viewColumns,
		v.Name, v.Definition, v.SchemaHash, v.Handler, v.SchemaName, v.OwnerKeyID))
	if err != nil {
		return nil, fmt.Errorf("upsert view %s: %w", v.Name, err)
	}
	return stored, nil
}

// Delete removes the registry row. The physical schema is dropped separately.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	cmd, err := s.db.Exec(ctx, `DELETE FROM app.views WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

// SetStatus updates the lifecycle status of a view.
func (s *Store) SetStatus(ctx context.Context, id, status string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE app.views SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	return err
}

// RecordProgress advances processing counters after a block is handled.
func (s *Store) RecordProgress(ctx context.Context, id string, height uint64, processed, errored int64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE app.views SET
			last_processed_height = GREATEST(last_processed_height, $2),
			total_processed = total_processed + $3,
			total_errors = total_errors + $4,
			updated_at = now()
		WHERE id = $1`, id, height, processed, errored)
	return err
}

// RecordError stores the latest handler failure.
func (s *Store) RecordError(ctx context.Context, id string, errMsg string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE app.views SET
			total_errors = total_errors + 1,
			last_error = $2,
			last_error_at = now(),
			updated_at = now()
		WHERE id = $1`, id, errMsg)
	return err
}

// --- Physical schema DDL ---

// ApplyDDL creates the view's schema and tables. Every table carries the
// system columns and a unique key on (_block_height, _tx_id) so handler
// re-runs upsert instead of duplicating. Idempotent.
func (s *Store) ApplyDDL(ctx context.Context, schemaName string, def Definition) error {
	if !ValidIdent(schemaName) {
		return fmt.Errorf("invalid schema name %q", schemaName)
	}
	if err := def.Validate(); err != nil {
		return err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+schemaName); err != nil {
		return fmt.Errorf("create schema %s: %w", schemaName, err)
	}

	for table, td := range def {
		cols := make([]string, 0, len(td.Columns))
		for c := range td.Columns {
			cols = append(cols, c)
		}
		sort.Strings(cols)

		var b strings.Builder
		fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s.%s (\n", schemaName, table)
		b.WriteString("    _id BIGSERIAL PRIMARY KEY,\n")
		b.WriteString("    _block_height BIGINT NOT NULL,\n")
		b.WriteString("    _tx_id TEXT NOT NULL,\n")
		b.WriteString("    _created_at TIMESTAMPTZ NOT NULL DEFAULT now(),\n")
		for _, c := range cols {
			fmt.Fprintf(&b, "    %s %s,\n", c, allowedTypes[td.Columns[c]])
		}
		b.WriteString("    UNIQUE (_block_height, _tx_id)\n)")

		if _, err := tx.Exec(ctx, b.String()); err != nil {
			return fmt.Errorf("create table %s.%s: %w", schemaName, table, err)
		}

		for i, idx := range td.Indexes {
			name := fmt.Sprintf("idx_%s_%d", table, i)
			stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s.%s (%s)",
				name, schemaName, table, strings.Join(idx, ", "))
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("create index on %s.%s: %w", schemaName, table, err)
			}
		}
	}

	return tx.Commit(ctx)
}

// DropSchema removes a view's physical schema and everything in it.
func (s *Store) DropSchema(ctx context.Context, schemaName string) error {
	if !ValidIdent(schemaName) {
		return fmt.Errorf("invalid schema name %q", schemaName)
	}
	_, err := s.db.Exec(ctx, `DROP SCHEMA IF EXISTS `+schemaName+` CASCADE`)
	return err
}

// UpsertRows writes handler output. Conflicts on (_block_height, _tx_id)
// replace the user columns, keeping handler re-runs idempotent.
func (s *Store) UpsertRows(ctx context.Context, schemaName string, def Definition, rows []Row) error {
	if !ValidIdent(schemaName) {
		return fmt.Errorf("invalid schema name %q", schemaName)
	}

	for _, row := range rows {
		td, ok := def[row.Table]
		if !ok || !ValidIdent(row.Table) {
			return fmt.Errorf("row targets unknown table %q", row.Table)
		}

		cols := make([]string, 0, len(row.Values))
		for c := range row.Values {
			if _, declared := td.Columns[c]; !declared || !ValidIdent(c) {
				return fmt.Errorf("row for %s references unknown column %q", row.Table, c)
			}
			cols = append(cols, c)
		}
		sort.Strings(cols)

		names := []string{"_block_height", "_tx_id"}
		args := []interface{}{row.BlockHeight, row.TxID}
		placeholders := []string{"$1", "$2"}
		var updates []string
		for _, c := range cols {
			args = append(args, toSQLValue(row.Values[c]))
			names = append(names, c)
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
		}

		stmt := fmt.Sprintf(
			"INSERT INTO %s.%s (%s) VALUES (%s) ON CONFLICT (_block_height, _tx_id) DO UPDATE SET %s",
			schemaName, row.Table,
			strings.Join(names, ", "), strings.Join(placeholders, ", "),
			updateClause(updates))

		if _, err := s.db.Exec(ctx, stmt, args...); err != nil {
			return fmt.Errorf("upsert into %s.%s: %w", schemaName, row.Table, err)
		}
	}
	return nil
}

func updateClause(updates []string) string {
	if len(updates) == 0 {
		return "_tx_id = EXCLUDED._tx_id"
	}
	return strings.Join(updates, ", ")
}

// toSQLValue flattens handler-extracted values. Maps and slices go in as
// JSON text so they can land in text or jsonb columns.
func toSQLValue(v interface{}) interface{} {
	switch v.(type) {
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return string(b)
	default:
		return v
	}
}
