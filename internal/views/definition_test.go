package views

import (
	"encoding/json"
	"testing"
)

func validDef() Definition {
	return Definition{
		"listings": TableDef{
			Columns: map[string]string{
				"price":  "bigint",
				"seller": "text",
			},
			Indexes: [][]string{{"seller"}, {"_block_height"}},
		},
	}
}

func TestDefinitionValidate(t *testing.T) {
	if err := validDef().Validate(); err != nil {
		t.Fatalf("valid definition rejected: %v", err)
	}
}

func TestDefinitionRejectsBadIdentifiers(t *testing.T) {
	cases := []Definition{
		{"bad-table": TableDef{Columns: map[string]string{"a": "text"}}},
		{"t": TableDef{Columns: map[string]string{"drop table x; --": "text"}}},
		{"t": TableDef{Columns: map[string]string{`a"b`: "text"}}},
		{"t": TableDef{Columns: map[string]string{"价格": "text"}}},
	}
	for i, d := range cases {
		if err := d.Validate(); err == nil {
			t.Errorf("case %d: expected rejection", i)
		}
	}
}

func TestDefinitionRejectsUnknownType(t *testing.T) {
	d := Definition{"t": TableDef{Columns: map[string]string{"a": "varchar(255)"}}}
	if err := d.Validate(); err == nil {
		t.Fatal("non-allowlisted type must be rejected")
	}
}

func TestDefinitionRejectsSystemColumnCollision(t *testing.T) {
	d := Definition{"t": TableDef{Columns: map[string]string{"_id": "bigint"}}}
	if err := d.Validate(); err == nil {
		t.Fatal("system column collision must be rejected")
	}
}

func TestDefinitionRejectsIndexOnUnknownColumn(t *testing.T) {
	d := Definition{"t": TableDef{
		Columns: map[string]string{"a": "text"},
		Indexes: [][]string{{"missing"}},
	}}
	if err := d.Validate(); err == nil {
		t.Fatal("index on unknown column must be rejected")
	}
}

func TestHashIsStableAndContentSensitive(t *testing.T) {
	handler := json.RawMessage(`{"rules":[]}`)
	a := Hash(validDef(), handler)
	b := Hash(validDef(), handler)
	if a != b {
		t.Fatal("hash must be deterministic")
	}

	changed := validDef()
	changed["listings"].Columns["price"] = "numeric"
	if Hash(changed, handler) == a {
		t.Fatal("definition change must change the hash")
	}
	if Hash(validDef(), json.RawMessage(`{"rules":[{}]}`)) == a {
		t.Fatal("handler change must change the hash")
	}
}

func TestSchemaName(t *testing.T) {
	name, err := SchemaName("acct_ab12", "marketplace")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "acct_ab12_marketplace" {
		t.Fatalf("unexpected schema name %q", name)
	}

	if _, err := SchemaName("acct;drop", "v"); err == nil {
		t.Fatal("invalid prefix must be rejected")
	}
	if _, err := SchemaName("acct", "v1; --"); err == nil {
		t.Fatal("invalid view name must be rejected")
	}
}
