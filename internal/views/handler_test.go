package views

import (
	"encoding/json"
	"testing"
	"time"

	"secondlayer/internal/models"
)

func listingsDef() Definition {
	return Definition{
		"listings": TableDef{
			Columns: map[string]string{
				"price":  "bigint",
				"seller": "text",
				"fn":     "text",
			},
		},
	}
}

func TestParseHandlerValidates(t *testing.T) {
	def := listingsDef()

	good := json.RawMessage(`{"rules":[{
		"table": "listings",
		"filter": {"type": "print_event", "contract_id": "SP123.marketplace"},
		"columns": {"price": "data.value.price", "seller": "data.value.seller"}
	}]}`)
	if _, err := ParseHandler(good, def); err != nil {
		t.Fatalf("valid handler rejected: %v", err)
	}

	unknownTable := json.RawMessage(`{"rules":[{"table":"nope","filter":{"type":"print_event"},"columns":{"price":"x"}}]}`)
	if _, err := ParseHandler(unknownTable, def); err == nil {
		t.Fatal("unknown table must be rejected")
	}

	unknownColumn := json.RawMessage(`{"rules":[{"table":"listings","filter":{"type":"print_event"},"columns":{"ghost":"x"}}]}`)
	if _, err := ParseHandler(unknownColumn, def); err == nil {
		t.Fatal("unknown column must be rejected")
	}

	badFilter := json.RawMessage(`{"rules":[{"table":"listings","filter":{"type":"teleport"},"columns":{"price":"x"}}]}`)
	if _, err := ParseHandler(badFilter, def); err == nil {
		t.Fatal("unknown filter type must be rejected")
	}

	empty := json.RawMessage(`{"rules":[]}`)
	if _, err := ParseHandler(empty, def); err == nil {
		t.Fatal("empty rule list must be rejected")
	}
}

func TestHandlerApplyExtractsEventFields(t *testing.T) {
	def := listingsDef()
	raw := json.RawMessage(`{"rules":[{
		"table": "listings",
		"filter": {"type": "print_event", "contract_id": "SP123.marketplace", "topic": "print"},
		"columns": {"price": "data.value.price", "seller": "data.value.seller"}
	}]}`)
	h, err := ParseHandler(raw, def)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	block := &models.Block{Height: 100, Timestamp: time.Now()}
	data, _ := json.Marshal(map[string]interface{}{
		"contract_identifier": "SP123.marketplace",
		"topic":               "print",
		"value": map[string]interface{}{
			"price":  float64(5000),
			"seller": "SPAAA",
		},
	})
	events := []models.Event{
		{ID: 1, TxID: "tx1", BlockHeight: 100, EventIndex: 0, Type: models.EventSmartContractEvent, Data: data},
		{ID: 2, TxID: "tx2", BlockHeight: 100, EventIndex: 1, Type: models.EventStxTransfer, Data: []byte(`{}`)},
	}

	rows := h.Apply(block, nil, events)
	if len(rows) != 1 {
		t.Fatalf("expected one row, got %d", len(rows))
	}
	row := rows[0]
	if row.Table != "listings" || row.BlockHeight != 100 || row.TxID != "tx1" {
		t.Fatalf("unexpected row keys: %+v", row)
	}
	if row.Values["price"] != float64(5000) {
		t.Fatalf("price not extracted: %v", row.Values["price"])
	}
	if row.Values["seller"] != "SPAAA" {
		t.Fatalf("seller not extracted: %v", row.Values["seller"])
	}
}

func TestHandlerApplyExtractsTxFields(t *testing.T) {
	def := listingsDef()
	raw := json.RawMessage(`{"rules":[{
		"table": "listings",
		"filter": {"type": "contract_call", "contract_id": "SP123.marketplace"},
		"columns": {"seller": "sender", "fn": "function_name"}
	}]}`)
	h, err := ParseHandler(raw, def)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	contractID := "SP123.marketplace"
	fn := "list-asset"
	txs := []models.Transaction{
		{TxID: "tx9", Type: models.TxTypeContractCall, Sender: "SPAAA", ContractID: &contractID, FunctionName: &fn},
	}

	rows := h.Apply(&models.Block{Height: 7}, txs, nil)
	if len(rows) != 1 {
		t.Fatalf("expected one row, got %d", len(rows))
	}
	if rows[0].Values["seller"] != "SPAAA" || rows[0].Values["fn"] != "list-asset" {
		t.Fatalf("tx fields not extracted: %+v", rows[0].Values)
	}
}

func TestHandlerMissingPathYieldsNil(t *testing.T) {
	def := listingsDef()
	raw := json.RawMessage(`{"rules":[{
		"table": "listings",
		"filter": {"type": "print_event"},
		"columns": {"price": "data.value.no_such_field"}
	}]}`)
	h, err := ParseHandler(raw, def)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	data, _ := json.Marshal(map[string]interface{}{"topic": "print", "value": map[string]interface{}{}})
	rows := h.Apply(&models.Block{Height: 1}, nil, []models.Event{
		{ID: 1, TxID: "tx1", Type: models.EventSmartContractEvent, Data: data},
	})
	if len(rows) != 1 {
		t.Fatalf("expected one row, got %d", len(rows))
	}
	if rows[0].Values["price"] != nil {
		t.Fatalf("missing path must yield nil, got %v", rows[0].Values["price"])
	}
}
