package worker

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"time"

	"secondlayer/internal/clarity"
	"secondlayer/internal/matcher"
	"secondlayer/internal/models"
)

// Webhook payload wire format. Field names and nesting are stable; consumers
// depend on them.

type payloadBlock struct {
	Height          uint64    `json:"height"`
	Hash            string    `json:"hash"`
	ParentHash      string    `json:"parentHash,omitempty"`
	BurnBlockHeight uint64    `json:"burnBlockHeight,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

type payloadTx struct {
	TxID         string  `json:"txId"`
	Type         string  `json:"type"`
	Sender       string  `json:"sender"`
	Status       string  `json:"status"`
	ContractID   *string `json:"contractId"`
	FunctionName *string `json:"functionName"`
	RawTx        string  `json:"rawTx,omitempty"`
}

type payloadEvent struct {
	TxID       string          `json:"txId"`
	EventIndex int             `json:"eventIndex"`
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data"`
}

type payloadMatches struct {
	Transactions []payloadTx    `json:"transactions"`
	Events       []payloadEvent `json:"events"`
}

type webhookPayload struct {
	StreamID    string         `json:"streamId"`
	StreamName  string         `json:"streamName"`
	Network     string         `json:"network"`
	Block       payloadBlock   `json:"block"`
	Matches     payloadMatches `json:"matches"`
	IsBackfill  bool           `json:"isBackfill"`
	DeliveredAt time.Time      `json:"deliveredAt"`
}

// buildPayload assembles the delivery body for one (stream, block) match.
// Transactions precede events; events are ordered by eventIndex ascending.
func buildPayload(ctx context.Context, stream *models.Stream, block *models.Block, res matcher.Result, decoder clarity.Decoder, isBackfill bool) ([]byte, error) {
	p := webhookPayload{
		StreamID:   stream.ID,
		StreamName: stream.Name,
		Network:    block.Network,
		Block: payloadBlock{
			Height:          block.Height,
			Hash:            block.Hash,
			ParentHash:      block.ParentHash,
			BurnBlockHeight: block.BurnBlockHeight,
			Timestamp:       block.Timestamp,
		},
		Matches: payloadMatches{
			Transactions: []payloadTx{},
			Events:       []payloadEvent{},
		},
		IsBackfill:  isBackfill,
		DeliveredAt: time.Now().UTC(),
	}

	if !stream.Options.IncludeBlockMetadata {
		p.Block.ParentHash = ""
		p.Block.BurnBlockHeight = 0
	}

	for _, tx := range res.MatchedTxs {
		pt := payloadTx{
			TxID:         tx.TxID,
			Type:         tx.Type,
			Sender:       tx.Sender,
			Status:       tx.Status,
			ContractID:   tx.ContractID,
			FunctionName: tx.FunctionName,
		}
		if stream.Options.IncludeRawTx {
			pt.RawTx = tx.RawTx
		}
		p.Matches.Transactions = append(p.Matches.Transactions, pt)
	}

	events := make([]models.Event, len(res.MatchedEvents))
	copy(events, res.MatchedEvents)
	sort.SliceStable(events, func(i, j int) bool { return events[i].EventIndex < events[j].EventIndex })

	for _, ev := range events {
		data := ev.Data
		if stream.Options.DecodeClarityValues {
			decoded, err := decoder.Decode(ctx, ev.Data)
			if err != nil {
				log.Printf("[worker] clarity decode failed for event %d, using raw payload: %v", ev.ID, err)
			} else {
				data = decoded
			}
		}
		p.Matches.Events = append(p.Matches.Events, payloadEvent{
			TxID:       ev.TxID,
			EventIndex: ev.EventIndex,
			Type:       ev.Type,
			Data:       data,
		})
	}

	return json.Marshal(p)
}
