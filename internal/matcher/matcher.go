package matcher

import (
	"secondlayer/internal/models"
)

// Result is the outcome of evaluating a stream's filter list over one block.
type Result struct {
	MatchedTxs    []models.Transaction
	MatchedEvents []models.Event
	AnyMatch      bool
}

// Evaluate applies each filter to the block's transactions and events and
// returns the union of matches. Pure function, no I/O.
//
// Filters compose with OR. Each matching transaction appears at most once
// (keyed by tx id) and each matching event at most once (keyed by event id);
// ordering follows the first filter that matched each item.
func Evaluate(filters []models.Filter, txs []models.Transaction, events []models.Event) Result {
	var res Result
	seenTxs := make(map[string]bool)
	seenEvents := make(map[int64]bool)

	for _, f := range filters {
		switch f.Type {
		case models.FilterContractCall, models.FilterContractDeploy:
			for _, tx := range txs {
				if seenTxs[tx.TxID] {
					continue
				}
				if matchTransaction(&f, &tx) {
					seenTxs[tx.TxID] = true
					res.MatchedTxs = append(res.MatchedTxs, tx)
				}
			}
		default:
			for _, ev := range events {
				if seenEvents[ev.ID] {
					continue
				}
				if matchEvent(&f, &ev) {
					seenEvents[ev.ID] = true
					res.MatchedEvents = append(res.MatchedEvents, ev)
				}
			}
		}
	}

	res.AnyMatch = len(res.MatchedTxs) > 0 || len(res.MatchedEvents) > 0
	return res
}
