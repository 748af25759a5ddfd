package views

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
)

// identRe validates every schema, table and column name before it is
// interpolated into DDL or queries. Values never go through this path; they
// are always bound as parameters.
var identRe = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// ValidIdent reports whether s is safe to use as a SQL identifier.
func ValidIdent(s string) bool {
	return s != "" && len(s) <= 63 && identRe.MatchString(s)
}

// Column types a view may declare. Type strings are an allowlist, never
// interpolated from user input directly.
var allowedTypes = map[string]string{
	"integer":   "INTEGER",
	"text":      "TEXT",
	"timestamp": "TIMESTAMPTZ",
	"bigint":    "BIGINT",
	"numeric":   "NUMERIC",
	"boolean":   "BOOLEAN",
	"bytea":     "BYTEA",
	"jsonb":     "JSONB",
}

// System columns present on every view table. _block_height and _tx_id form
// the idempotency key handlers upsert on.
var systemColumns = []string{"_id", "_block_height", "_tx_id", "_created_at"}

func isSystemColumn(name string) bool {
	for _, c := range systemColumns {
		if c == name {
			return true
		}
	}
	return false
}

// TableDef declares one table of a view: user columns and optional indexes.
type TableDef struct {
	Columns map[string]string `json:"columns"`
	Indexes [][]string        `json:"indexes,omitempty"`
}

// Definition maps table names to their declarations.
type Definition map[string]TableDef

// Validate checks every identifier and column type in the definition.
func (d Definition) Validate() error {
	if len(d) == 0 {
		return fmt.Errorf("definition declares no tables")
	}
	for table, td := range d {
		if !ValidIdent(table) {
			return fmt.Errorf("invalid table name %q", table)
		}
		if len(td.Columns) == 0 {
			return fmt.Errorf("table %s declares no columns", table)
		}
		for col, typ := range td.Columns {
			if !ValidIdent(col) {
				return fmt.Errorf("table %s: invalid column name %q", table, col)
			}
			if isSystemColumn(col) {
				return fmt.Errorf("table %s: column %q collides with a system column", table, col)
			}
			if _, ok := allowedTypes[typ]; !ok {
				return fmt.Errorf("table %s column %s: unsupported type %q", table, col, typ)
			}
		}
		for _, idx := range td.Indexes {
			if len(idx) == 0 {
				return fmt.Errorf("table %s: empty index", table)
			}
			for _, col := range idx {
				if isSystemColumn(col) {
					continue
				}
				if _, ok := td.Columns[col]; !ok {
					return fmt.Errorf("table %s: index references unknown column %q", table, col)
				}
			}
		}
	}
	return nil
}

// Hash returns a stable content hash of the definition plus handler source,
// used to detect no-op redeploys.
func Hash(def Definition, handler json.RawMessage) string {
	tables := make([]string, 0, len(def))
	for t := range def {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	h := sha256.New()
	for _, t := range tables {
		td := def[t]
		h.Write([]byte(t))
		cols := make([]string, 0, len(td.Columns))
		for c := range td.Columns {
			cols = append(cols, c)
		}
		sort.Strings(cols)
		for _, c := range cols {
			fmt.Fprintf(h, "%s:%s;", c, td.Columns[c])
		}
		for _, idx := range td.Indexes {
			fmt.Fprintf(h, "idx:%v;", idx)
		}
	}
	h.Write(handler)
	return hex.EncodeToString(h.Sum(nil))
}

// SchemaName derives the physical schema for a view from the owning
// account's prefix. Both parts must already be valid identifiers.
func SchemaName(accountPrefix, viewName string) (string, error) {
	if !ValidIdent(accountPrefix) {
		return "", fmt.Errorf("invalid schema prefix %q", accountPrefix)
	}
	if !ValidIdent(viewName) {
		return "", fmt.Errorf("invalid view name %q", viewName)
	}
	name := accountPrefix + "_" + viewName
	if !ValidIdent(name) {
		return "", fmt.Errorf("derived schema name %q too long", name)
	}
	return name, nil
}
