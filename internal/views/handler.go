package views

import (
	"encoding/json"
	"fmt"
	"strings"

	"secondlayer/internal/matcher"
	"secondlayer/internal/models"
)

// Handler is the declarative program a view deploys instead of runtime code.
// Each rule selects block items with a filter and maps fields into a table.
// Interpreted in-process; no code loading.
type Handler struct {
	Rules []Rule `json:"rules"`
}

// Rule emits one row per matched transaction or event into Table. Columns
// maps a declared column to a dot path into the match (see extract).
type Rule struct {
	Table   string            `json:"table"`
	Filter  models.Filter     `json:"filter"`
	Columns map[string]string `json:"columns"`
}

// Row is one emitted row, keyed for idempotent upsert on
// (_block_height, _tx_id) plus the rule's table.
type Row struct {
	Table       string
	BlockHeight uint64
	TxID        string
	Values      map[string]interface{}
}

// ParseHandler decodes and validates handler JSON against a definition.
func ParseHandler(raw json.RawMessage, def Definition) (*Handler, error) {
	var h Handler
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("decode handler: %w", err)
	}
	if len(h.Rules) == 0 {
		return nil, fmt.Errorf("handler declares no rules")
	}
	for i, r := range h.Rules {
		td, ok := def[r.Table]
		if !ok {
			return nil, fmt.Errorf("rules[%d]: unknown table %q", i, r.Table)
		}
		if !models.IsKnownFilterType(r.Filter.Type) {
			return nil, fmt.Errorf("rules[%d]: unknown filter type %q", i, r.Filter.Type)
		}
		if len(r.Columns) == 0 {
			return nil, fmt.Errorf("rules[%d]: no column mappings", i)
		}
		for col := range r.Columns {
			if _, ok := td.Columns[col]; !ok {
				return nil, fmt.Errorf("rules[%d]: table %s has no column %q", i, r.Table, col)
			}
		}
	}
	return &h, nil
}

// Apply runs every rule against one block's transactions and events and
// returns the rows to upsert. Pure; persistence happens in the store.
func (h *Handler) Apply(block *models.Block, txs []models.Transaction, events []models.Event) []Row {
	var rows []Row
	for _, rule := range h.Rules {
		res := matcher.Evaluate([]models.Filter{rule.Filter}, txs, events)
		for _, tx := range res.MatchedTxs {
			rows = append(rows, rule.rowFromTx(block, &tx))
		}
		for _, ev := range res.MatchedEvents {
			rows = append(rows, rule.rowFromEvent(block, &ev))
		}
	}
	return rows
}

func (r *Rule) rowFromTx(block *models.Block, tx *models.Transaction) Row {
	fields := map[string]interface{}{
		"tx_id":        tx.TxID,
		"type":         tx.Type,
		"sender":       tx.Sender,
		"status":       tx.Status,
		"block_height": block.Height,
		"block_time":   block.Timestamp,
	}
	if tx.ContractID != nil {
		fields["contract_id"] = *tx.ContractID
	}
	if tx.FunctionName != nil {
		fields["function_name"] = *tx.FunctionName
	}
	return Row{
		Table:       r.Table,
		BlockHeight: block.Height,
		TxID:        tx.TxID,
		Values:      r.mapColumns(fields),
	}
}

func (r *Rule) rowFromEvent(block *models.Block, ev *models.Event) Row {
	fields := map[string]interface{}{
		"tx_id":        ev.TxID,
		"type":         ev.Type,
		"event_index":  ev.EventIndex,
		"block_height": block.Height,
		"block_time":   block.Timestamp,
	}
	var data map[string]interface{}
	if err := json.Unmarshal(ev.Data, &data); err == nil {
		fields["data"] = data
	}
	return Row{
		Table:       r.Table,
		BlockHeight: block.Height,
		TxID:        ev.TxID,
		Values:      r.mapColumns(fields),
	}
}

func (r *Rule) mapColumns(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(r.Columns))
	for col, path := range r.Columns {
		out[col] = extract(fields, path)
	}
	return out
}

// extract walks a dot path ("data.value.price") through nested maps.
// Missing segments yield nil, which lands as SQL NULL.
func extract(fields map[string]interface{}, path string) interface{} {
	cur := interface{}(fields)
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}
