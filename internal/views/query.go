package views

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"secondlayer/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Typed lookup failures; the API layer maps these to response codes.
var (
	ErrViewNotFound  = errors.New("view not found")
	ErrTableNotFound = errors.New("table not found")
	ErrRowNotFound   = errors.New("row not found")
)

// InvalidColumnError reports a filter, sort or projection key that is not a
// column of the queried table.
type InvalidColumnError struct {
	Column string
}

func (e *InvalidColumnError) Error() string {
	return fmt.Sprintf("invalid column %q", e.Column)
}

// Pagination bounds for list queries.
const (
	DefaultLimit = 50
	MaxLimit     = 1000
)

var filterOps = map[string]string{
	"gte": ">=",
	"lte": "<=",
	"gt":  ">",
	"lt":  "<",
	"neq": "<>",
}

// Engine serves read-only queries over view tables. Identifiers are checked
// against the table's declared columns before interpolation; every value is
// a bound parameter.
type Engine struct {
	db    *pgxpool.Pool
	cache *Cache
}

func NewEngine(db *pgxpool.Pool, cache *Cache) *Engine {
	return &Engine{db: db, cache: cache}
}

// QueryResult is one page of rows plus paging metadata.
type QueryResult struct {
	Data   []map[string]interface{} `json:"data"`
	Total  int64                    `json:"total"`
	Limit  int                      `json:"limit"`
	Offset int                      `json:"offset"`
}

type parsedQuery struct {
	view    *models.View
	table   string
	columns map[string]bool

	selectCols []string
	where      []string
	args       []interface{}
	sortCol    string
	sortDesc   bool
	limit      int
	offset     int
}

// resolve finds the view (scoped to keyIDs; nil = admin) and the table's
// column set.
func (e *Engine) resolve(viewName, table string, keyIDs []string) (*models.View, map[string]bool, error) {
	v := e.cache.Get(viewName, keyIDs)
	if v == nil {
		return nil, nil, ErrViewNotFound
	}

	var def Definition
	if err := json.Unmarshal(v.Definition, &def); err != nil {
		return nil, nil, fmt.Errorf("decode definition for %s: %w", viewName, err)
	}
	td, ok := def[table]
	if !ok {
		return nil, nil, ErrTableNotFound
	}

	columns := make(map[string]bool, len(td.Columns)+len(systemColumns))
	for c := range td.Columns {
		columns[c] = true
	}
	for _, c := range systemColumns {
		columns[c] = true
	}
	return v, columns, nil
}

// parse builds a safe query plan from URL parameters.
func (e *Engine) parse(viewName, table string, keyIDs []string, params url.Values) (*parsedQuery, error) {
	v, columns, err := e.resolve(viewName, table, keyIDs)
	if err != nil {
		return nil, err
	}

	q := &parsedQuery{
		view:    v,
		table:   table,
		columns: columns,
		sortCol: "_id",
		limit:   DefaultLimit,
		offset:  0,
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := params.Get(key)
		switch key {
		case "_sort":
			if !q.columns[value] {
				return nil, &InvalidColumnError{Column: value}
			}
			q.sortCol = value
		case "_order":
			switch strings.ToLower(value) {
			case "", "asc":
			case "desc":
				q.sortDesc = true
			default:
				return nil, fmt.Errorf("_order must be asc or desc")
			}
		case "_limit":
			var n int
			if _, err := fmt.Sscanf(value, "%d", &n); err != nil {
				return nil, fmt.Errorf("_limit must be an integer")
			}
			switch {
			case n > MaxLimit:
				q.limit = MaxLimit
			case n == 0:
				q.limit = DefaultLimit
			case n < 0:
				q.limit = 1
			default:
				q.limit = n
			}
		case "_offset":
			var n int
			if _, err := fmt.Sscanf(value, "%d", &n); err != nil || n < 0 {
				return nil, fmt.Errorf("_offset must be a non-negative integer")
			}
			q.offset = n
		case "_fields":
			for _, f := range strings.Split(value, ",") {
				f = strings.TrimSpace(f)
				if f == "" {
					continue
				}
				if !q.columns[f] {
					return nil, &InvalidColumnError{Column: f}
				}
				q.selectCols = append(q.selectCols, f)
			}
		default:
			col, op := key, "="
			if i := strings.LastIndexByte(key, '.'); i >= 0 {
				if sqlOp, ok := filterOps[key[i+1:]]; ok {
					col, op = key[:i], sqlOp
				}
			}
			if !q.columns[col] {
				return nil, &InvalidColumnError{Column: col}
			}
			q.args = append(q.args, value)
			q.where = append(q.where, fmt.Sprintf("%s %s $%d", col, op, len(q.args)))
		}
	}

	if len(q.selectCols) == 0 {
		q.selectCols = []string{"*"}
	}
	return q, nil
}

func (q *parsedQuery) whereClause() string {
	if len(q.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.where, " AND ")
}

// Query returns one page of rows matching the parameters.
func (e *Engine) Query(ctx context.Context, viewName, table string, keyIDs []string, params url.Values) (*QueryResult, error) {
	q, err := e.parse(viewName, table, keyIDs, params)
	if err != nil {
		return nil, err
	}

	order := "ASC"
	if q.sortDesc {
		order = "DESC"
	}
	stmt := fmt.Sprintf("SELECT %s FROM %s.%s%s ORDER BY %s %s, _id ASC LIMIT %d OFFSET %d",
		strings.Join(q.selectCols, ", "), q.view.SchemaName, q.table,
		q.whereClause(), q.sortCol, order, q.limit, q.offset)

	rows, err := e.db.Query(ctx, stmt, q.args...)
	if err != nil {
		return nil, fmt.Errorf("query %s.%s: %w", q.view.SchemaName, q.table, err)
	}
	data, err := collectRows(rows)
	if err != nil {
		return nil, err
	}

	countStmt := fmt.Sprintf("SELECT COUNT(*) FROM %s.%s%s", q.view.SchemaName, q.table, q.whereClause())
	var total int64
	if err := e.db.QueryRow(ctx, countStmt, q.args...).Scan(&total); err != nil {
		return nil, err
	}

	return &QueryResult{Data: data, Total: total, Limit: q.limit, Offset: q.offset}, nil
}

// Count returns the number of rows matching the filter parameters.
func (e *Engine) Count(ctx context.Context, viewName, table string, keyIDs []string, params url.Values) (int64, error) {
	q, err := e.parse(viewName, table, keyIDs, params)
	if err != nil {
		return 0, err
	}

	stmt := fmt.Sprintf("SELECT COUNT(*) FROM %s.%s%s", q.view.SchemaName, q.table, q.whereClause())
	var total int64
	if err := e.db.QueryRow(ctx, stmt, q.args...).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// GetRow fetches a single row by its _id surrogate key.
func (e *Engine) GetRow(ctx context.Context, viewName, table string, keyIDs []string, id int64) (map[string]interface{}, error) {
	v, _, err := e.resolve(viewName, table, keyIDs)
	if err != nil {
		return nil, err
	}

	stmt := fmt.Sprintf("SELECT * FROM %s.%s WHERE _id = $1", v.SchemaName, table)
	rows, err := e.db.Query(ctx, stmt, id)
	if err != nil {
		return nil, err
	}
	data, err := collectRows(rows)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrRowNotFound
	}
	return data[0], nil
}

func collectRows(rows pgx.Rows) ([]map[string]interface{}, error) {
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []map[string]interface{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		m := make(map[string]interface{}, len(fields))
		for i, f := range fields {
			m[string(f.Name)] = values[i]
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
