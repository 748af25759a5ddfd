package views

import (
	"encoding/json"
	"errors"
	"net/url"
	"testing"

	"secondlayer/internal/models"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	def, _ := json.Marshal(Definition{
		"listings": TableDef{Columns: map[string]string{"price": "bigint", "seller": "text"}},
	})
	v := models.View{
		ID:         "v-1",
		Name:       "v1",
		SchemaName: "acct_v1",
		Definition: def,
		OwnerKeyID: "key-1",
	}
	cache := &Cache{
		byName: map[string][]models.View{"v1": {v}},
		byID:   map[string]models.View{"v-1": v},
	}
	return &Engine{cache: cache}
}

func parseParams(t *testing.T, e *Engine, keyIDs []string, raw string) (*parsedQuery, error) {
	t.Helper()
	params, err := url.ParseQuery(raw)
	if err != nil {
		t.Fatalf("parse query %q: %v", raw, err)
	}
	return e.parse("v1", "listings", keyIDs, params)
}

func TestParseUnknownColumnIsTyped(t *testing.T) {
	e := testEngine(t)
	_, err := parseParams(t, e, nil, "nonexistent=foo")
	var ice *InvalidColumnError
	if !errors.As(err, &ice) {
		t.Fatalf("expected InvalidColumnError, got %v", err)
	}
	if ice.Column != "nonexistent" {
		t.Fatalf("unexpected column in error: %q", ice.Column)
	}
}

func TestParseFuzzKeysNeverReachSQL(t *testing.T) {
	e := testEngine(t)
	fuzz := []string{
		`price;drop table x`,
		`price"--`,
		`a b`,
		`price.gte.extra`,
		`__proto__`,
	}
	for _, key := range fuzz {
		params := url.Values{key: []string{"1"}}
		_, err := e.parse("v1", "listings", nil, params)
		var ice *InvalidColumnError
		if !errors.As(err, &ice) {
			t.Errorf("key %q: expected InvalidColumnError, got %v", key, err)
		}
	}
}

func TestParseLimitClamps(t *testing.T) {
	e := testEngine(t)
	cases := []struct {
		raw  string
		want int
	}{
		{"_limit=5000", 1000},
		{"_limit=-1", 1},
		{"_limit=0", 50},
		{"_limit=25", 25},
		{"", 50},
	}
	for _, tc := range cases {
		q, err := parseParams(t, e, nil, tc.raw)
		if err != nil {
			t.Errorf("%q: unexpected error %v", tc.raw, err)
			continue
		}
		if q.limit != tc.want {
			t.Errorf("%q: limit=%d, want %d", tc.raw, q.limit, tc.want)
		}
	}
}

func TestParseFilterOps(t *testing.T) {
	e := testEngine(t)
	q, err := parseParams(t, e, nil, "price.gte=100&price.lt=500&seller=SPAAA")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Keys are processed in sorted order, so placeholders are deterministic.
	want := []string{"price >= $1", "price < $2", "seller = $3"}
	if len(q.where) != len(want) {
		t.Fatalf("expected %d predicates, got %v", len(want), q.where)
	}
	for i, w := range q.where {
		if w != want[i] {
			t.Errorf("predicate %d: got %q, want %q", i, w, want[i])
		}
	}
	if len(q.args) != 3 {
		t.Fatalf("expected 3 bound args, got %v", q.args)
	}
}

func TestParseSortAndFields(t *testing.T) {
	e := testEngine(t)
	q, err := parseParams(t, e, nil, "_sort=price&_order=desc&_fields=price,seller")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.sortCol != "price" || !q.sortDesc {
		t.Fatalf("sort not applied: %s desc=%v", q.sortCol, q.sortDesc)
	}
	if len(q.selectCols) != 2 {
		t.Fatalf("projection not applied: %v", q.selectCols)
	}

	if _, err := parseParams(t, e, nil, "_sort=ghost"); err == nil {
		t.Fatal("sort on unknown column must fail")
	}
	if _, err := parseParams(t, e, nil, "_fields=price,ghost"); err == nil {
		t.Fatal("projection of unknown column must fail")
	}
}

func TestParseSystemColumnsAreQueryable(t *testing.T) {
	e := testEngine(t)
	q, err := parseParams(t, e, nil, "_sort=_block_height&_block_height.gte=100")
	if err != nil {
		t.Fatalf("system columns must be usable: %v", err)
	}
	if q.sortCol != "_block_height" {
		t.Fatalf("unexpected sort column %q", q.sortCol)
	}
}

func TestResolveOwnershipScoping(t *testing.T) {
	e := testEngine(t)

	if _, _, err := e.resolve("v1", "listings", []string{"key-1"}); err != nil {
		t.Fatalf("owner must see the view: %v", err)
	}
	if _, _, err := e.resolve("v1", "listings", []string{"other-key"}); !errors.Is(err, ErrViewNotFound) {
		t.Fatalf("non-owner must get ErrViewNotFound, got %v", err)
	}
	if _, _, err := e.resolve("v1", "listings", nil); err != nil {
		t.Fatalf("admin (nil key set) must see the view: %v", err)
	}
	if _, _, err := e.resolve("v1", "ghost_table", nil); !errors.Is(err, ErrTableNotFound) {
		t.Fatalf("unknown table must get ErrTableNotFound, got %v", err)
	}
	if _, _, err := e.resolve("ghost_view", "listings", nil); !errors.Is(err, ErrViewNotFound) {
		t.Fatalf("unknown view must get ErrViewNotFound, got %v", err)
	}
}
