package matcher

import (
	"encoding/json"
	"strings"

	"secondlayer/internal/models"
)

// matchEvent dispatches an event-scoped filter to its predicate. Fields left
// empty on the filter do not constrain the match.
func matchEvent(f *models.Filter, ev *models.Event) bool {
	switch f.Type {
	case models.FilterStxTransfer:
		return ev.Type == models.EventStxTransfer && matchStx(f, ev, true, true)
	case models.FilterStxMint:
		return ev.Type == models.EventStxMint && matchStx(f, ev, false, true)
	case models.FilterStxBurn:
		return ev.Type == models.EventStxBurn && matchStx(f, ev, true, false)
	case models.FilterStxLock:
		return ev.Type == models.EventStxLock && matchStxLock(f, ev)
	case models.FilterFtTransfer:
		return ev.Type == models.EventFtTransfer && matchFt(f, ev)
	case models.FilterFtMint:
		return ev.Type == models.EventFtMint && matchFt(f, ev)
	case models.FilterFtBurn:
		return ev.Type == models.EventFtBurn && matchFt(f, ev)
	case models.FilterNftTransfer:
		return ev.Type == models.EventNftTransfer && matchNft(f, ev)
	case models.FilterNftMint:
		return ev.Type == models.EventNftMint && matchNft(f, ev)
	case models.FilterNftBurn:
		return ev.Type == models.EventNftBurn && matchNft(f, ev)
	case models.FilterPrintEvent:
		return ev.Type == models.EventSmartContractEvent && matchPrint(f, ev)
	}
	return false
}

func matchStx(f *models.Filter, ev *models.Event, hasSender, hasRecipient bool) bool {
	var d models.StxEventData
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		return false
	}
	if hasSender && f.Sender != "" && f.Sender != d.Sender {
		return false
	}
	if hasRecipient && f.Recipient != "" && f.Recipient != d.Recipient {
		return false
	}
	return amountInRange(&d.Amount, f.MinAmount, f.MaxAmount)
}

func matchStxLock(f *models.Filter, ev *models.Event) bool {
	var d models.StxLockEventData
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		return false
	}
	if f.LockedAddress != "" && f.LockedAddress != d.LockedAddress {
		return false
	}
	return amountInRange(&d.LockedAmount, f.MinAmount, nil)
}

func matchFt(f *models.Filter, ev *models.Event) bool {
	var d models.FtEventData
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		return false
	}
	if f.AssetIdentifier != "" && f.AssetIdentifier != d.AssetIdentifier {
		return false
	}
	if f.Sender != "" && f.Sender != d.Sender {
		return false
	}
	if f.Recipient != "" && f.Recipient != d.Recipient {
		return false
	}
	return amountInRange(&d.Amount, f.MinAmount, f.MaxAmount)
}

func matchNft(f *models.Filter, ev *models.Event) bool {
	var d models.NftEventData
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		return false
	}
	if f.AssetIdentifier != "" && f.AssetIdentifier != d.AssetIdentifier {
		return false
	}
	if f.Sender != "" && f.Sender != d.Sender {
		return false
	}
	if f.Recipient != "" && f.Recipient != d.Recipient {
		return false
	}
	if f.TokenID != "" && !tokenIDEqual(f.TokenID, d.Value) {
		return false
	}
	return true
}

func matchPrint(f *models.Filter, ev *models.Event) bool {
	var d models.PrintEventData
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		return false
	}
	if f.ContractID != "" && f.ContractID != d.ContractIdentifier {
		return false
	}
	if f.Topic != "" && f.Topic != d.Topic {
		return false
	}
	if f.Contains != "" && !strings.Contains(string(d.Value), f.Contains) {
		return false
	}
	return true
}

// amountInRange checks min <= amount <= max on full-precision integers.
// A missing amount compares as zero; nil bounds do not constrain.
func amountInRange(amount *models.BigAmount, min, max *models.BigAmount) bool {
	if min != nil && amount.Cmp(&min.Int) < 0 {
		return false
	}
	if max != nil && amount.Cmp(&max.Int) > 0 {
		return false
	}
	return true
}

// tokenIDEqual compares a filter token id against the Clarity-encoded value
// carried on the event. The value may be a bare JSON number, a quoted string,
// or a {"repr": "u123"} object from decoded payloads.
func tokenIDEqual(want string, value json.RawMessage) bool {
	raw := strings.TrimSpace(string(value))
	if raw == want || raw == `"`+want+`"` {
		return true
	}
	var obj struct {
		Repr string `json:"repr"`
	}
	if err := json.Unmarshal(value, &obj); err == nil && obj.Repr != "" {
		return obj.Repr == want || strings.TrimPrefix(obj.Repr, "u") == want
	}
	return false
}
