package models

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// --- Chain entities (written by the external indexer, read-only here) ---

type Block struct {
	Height          uint64    `json:"height"`
	Hash            string    `json:"hash"`
	ParentHash      string    `json:"parent_hash"`
	BurnBlockHeight uint64    `json:"burn_block_height"`
	Timestamp       time.Time `json:"timestamp"`
	Canonical       bool      `json:"canonical"`
	Network         string    `json:"network"`
}

// Transaction types on the Stacks chain.
const (
	TxTypeTokenTransfer    = "token_transfer"
	TxTypeContractCall     = "contract_call"
	TxTypeSmartContract    = "smart_contract"
	TxTypeCoinbase         = "coinbase"
	TxTypeTenureChange     = "tenure_change"
	TxTypePoisonMicroblock = "poison_microblock"
)

type Transaction struct {
	TxID         string  `json:"tx_id"`
	BlockHeight  uint64  `json:"block_height"`
	TxIndex      int     `json:"tx_index"`
	Type         string  `json:"type"`
	Sender       string  `json:"sender"`
	Status       string  `json:"status"`
	ContractID   *string `json:"contract_id"`
	FunctionName *string `json:"function_name"`
	RawTx        string  `json:"raw_tx,omitempty"`
}

// ContractName returns the name component of a contract identifier
// ("SP123.marketplace" -> "marketplace").
func (t *Transaction) ContractName() string {
	if t.ContractID == nil {
		return ""
	}
	if i := strings.IndexByte(*t.ContractID, '.'); i >= 0 {
		return (*t.ContractID)[i+1:]
	}
	return *t.ContractID
}

// Event types emitted by Stacks transactions.
const (
	EventStxTransfer        = "stx_transfer_event"
	EventStxMint            = "stx_mint_event"
	EventStxBurn            = "stx_burn_event"
	EventStxLock            = "stx_lock_event"
	EventFtTransfer         = "ft_transfer_event"
	EventFtMint             = "ft_mint_event"
	EventFtBurn             = "ft_burn_event"
	EventNftTransfer        = "nft_transfer_event"
	EventNftMint            = "nft_mint_event"
	EventNftBurn            = "nft_burn_event"
	EventSmartContractEvent = "smart_contract_event"
)

type Event struct {
	ID          int64           `json:"id"`
	TxID        string          `json:"tx_id"`
	BlockHeight uint64          `json:"block_height"`
	EventIndex  int             `json:"event_index"`
	Type        string          `json:"type"`
	Data        json.RawMessage `json:"data"`
}

// Per-type event payload shapes. Data is decoded into one of these by the
// matcher and the view handler interpreter.

type StxEventData struct {
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Amount    BigAmount `json:"amount"`
}

type StxLockEventData struct {
	LockedAddress string    `json:"locked_address"`
	LockedAmount  BigAmount `json:"locked_amount"`
	UnlockHeight  uint64    `json:"unlock_height"`
}

type FtEventData struct {
	AssetIdentifier string    `json:"asset_identifier"`
	Sender          string    `json:"sender"`
	Recipient       string    `json:"recipient"`
	Amount          BigAmount `json:"amount"`
}

type NftEventData struct {
	AssetIdentifier string          `json:"asset_identifier"`
	Sender          string          `json:"sender"`
	Recipient       string          `json:"recipient"`
	Value           json.RawMessage `json:"value"` // token id, Clarity-encoded
}

type PrintEventData struct {
	ContractIdentifier string          `json:"contract_identifier"`
	Topic              string          `json:"topic"`
	Value              json.RawMessage `json:"value"`
}

// --- Streams ---

// Stream status machine (transitions validated in internal/streams).
const (
	StreamStatusInactive = "inactive"
	StreamStatusActive   = "active"
	StreamStatusPaused   = "paused"
	StreamStatusFailed   = "failed"
)

type Stream struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Status        string        `json:"status"`
	Filters       []Filter      `json:"filters"`
	Options       StreamOptions `json:"options"`
	WebhookURL    string        `json:"webhook_url"`
	WebhookSecret string        `json:"-"`
	OwnerKeyID    string        `json:"owner_key_id"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Option bounds enforced at validation time.
const (
	MaxRateLimit  = 100
	MaxTimeoutMs  = 30000
	MaxMaxRetries = 10
)

type StreamOptions struct {
	DecodeClarityValues  bool `json:"decode_clarity_values,omitempty"`
	IncludeRawTx         bool `json:"include_raw_tx,omitempty"`
	IncludeBlockMetadata bool `json:"include_block_metadata,omitempty"`
	RateLimit            int  `json:"rate_limit,omitempty"`
	TimeoutMs            int  `json:"timeout_ms,omitempty"`
	MaxRetries           int  `json:"max_retries,omitempty"`
}

func (o *StreamOptions) Validate() error {
	if o.RateLimit < 0 || o.RateLimit > MaxRateLimit {
		return fmt.Errorf("rate_limit must be in [0,%d]", MaxRateLimit)
	}
	if o.TimeoutMs < 0 || o.TimeoutMs > MaxTimeoutMs {
		return fmt.Errorf("timeout_ms must be in [0,%d]", MaxTimeoutMs)
	}
	if o.MaxRetries < 0 || o.MaxRetries > MaxMaxRetries {
		return fmt.Errorf("max_retries must be in [0,%d]", MaxMaxRetries)
	}
	return nil
}

type StreamMetrics struct {
	StreamID           string     `json:"stream_id"`
	LastTriggeredAt    *time.Time `json:"last_triggered_at"`
	LastTriggeredBlock *uint64    `json:"last_triggered_block"`
	TotalDeliveries    int64      `json:"total_deliveries"`
	FailedDeliveries   int64      `json:"failed_deliveries"`
	LastErrorMessage   *string    `json:"last_error_message"`
}

// --- Filters (discriminated union keyed by Type) ---

const (
	FilterStxTransfer    = "stx_transfer"
	FilterStxMint        = "stx_mint"
	FilterStxBurn        = "stx_burn"
	FilterStxLock        = "stx_lock"
	FilterFtTransfer     = "ft_transfer"
	FilterFtMint         = "ft_mint"
	FilterFtBurn         = "ft_burn"
	FilterNftTransfer    = "nft_transfer"
	FilterNftMint        = "nft_mint"
	FilterNftBurn        = "nft_burn"
	FilterContractCall   = "contract_call"
	FilterContractDeploy = "contract_deploy"
	FilterPrintEvent     = "print_event"
)

// Filter is one variant of the stream filter algebra. Only the fields
// meaningful for the given Type are consulted; absent fields do not
// constrain the match.
type Filter struct {
	Type string `json:"type"`

	Sender        string     `json:"sender,omitempty"`
	Recipient     string     `json:"recipient,omitempty"`
	LockedAddress string     `json:"locked_address,omitempty"`
	MinAmount     *BigAmount `json:"min_amount,omitempty"`
	MaxAmount     *BigAmount `json:"max_amount,omitempty"`

	AssetIdentifier string `json:"asset_identifier,omitempty"`
	TokenID         string `json:"token_id,omitempty"`

	ContractID   string `json:"contract_id,omitempty"`
	FunctionName string `json:"function_name,omitempty"`
	Caller       string `json:"caller,omitempty"`

	Deployer     string `json:"deployer,omitempty"`
	ContractName string `json:"contract_name,omitempty"`

	Topic    string `json:"topic,omitempty"`
	Contains string `json:"contains,omitempty"`
}

var knownFilterTypes = map[string]bool{
	FilterStxTransfer: true, FilterStxMint: true, FilterStxBurn: true,
	FilterStxLock: true, FilterFtTransfer: true, FilterFtMint: true,
	FilterFtBurn: true, FilterNftTransfer: true, FilterNftMint: true,
	FilterNftBurn: true, FilterContractCall: true, FilterContractDeploy: true,
	FilterPrintEvent: true,
}

func IsKnownFilterType(t string) bool { return knownFilterTypes[t] }

// --- BigAmount ---

// BigAmount is a 128-bit-safe integer amount. It unmarshals from either a
// JSON number or a numeric string (event payloads use strings for amounts
// above 2^53).
type BigAmount struct {
	big.Int
}

func NewBigAmount(s string) (*BigAmount, error) {
	a := &BigAmount{}
	if _, ok := a.SetString(s, 10); !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return a, nil
}

func (a *BigAmount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		a.SetInt64(0)
		return nil
	}
	if _, ok := a.SetString(s, 10); !ok {
		return fmt.Errorf("invalid amount %q", s)
	}
	return nil
}

func (a BigAmount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// --- Jobs ---

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

type Job struct {
	ID          int64      `json:"id"`
	StreamID    string     `json:"stream_id"`
	BlockHeight uint64     `json:"block_height"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	LockedAt    *time.Time `json:"locked_at"`
	LockedBy    *string    `json:"locked_by"`
	LastError   *string    `json:"last_error"`
	IsBackfill  bool       `json:"is_backfill"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// --- Deliveries ---

const (
	DeliverySuccess = "success"
	DeliveryFailed  = "failed"
)

type Delivery struct {
	ID             int64           `json:"id"`
	StreamID       string          `json:"stream_id"`
	JobID          *int64          `json:"job_id"`
	BlockHeight    uint64          `json:"block_height"`
	Outcome        string          `json:"outcome"`
	StatusCode     *int            `json:"status_code"`
	ResponseTimeMs int64           `json:"response_time_ms"`
	Attempts       int             `json:"attempts"`
	Error          *string         `json:"error"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
}

// --- Index progress / integrity ---

type IndexProgress struct {
	Network              string    `json:"network"`
	LastIndexedHeight    uint64    `json:"last_indexed_height"`
	LastContiguousHeight uint64    `json:"last_contiguous_height"`
	HighestSeenHeight    uint64    `json:"highest_seen_height"`
	UpdatedAt            time.Time `json:"updated_at"`
}

type Gap struct {
	GapStart uint64 `json:"gap_start"`
	GapEnd   uint64 `json:"gap_end"`
	Size     uint64 `json:"size"`
}

// --- Views ---

const (
	ViewStatusActive     = "active"
	ViewStatusReindexing = "reindexing"
	ViewStatusErrored    = "errored"
)

type View struct {
	ID                  string          `json:"id"`
	Name                string          `json:"name"`
	Version             int             `json:"version"`
	Status              string          `json:"status"`
	Definition          json.RawMessage `json:"definition"`
	SchemaHash          string          `json:"schema_hash"`
	Handler             json.RawMessage `json:"handler"`
	SchemaName          string          `json:"schema_name"`
	LastProcessedHeight uint64          `json:"last_processed_height"`
	TotalProcessed      int64           `json:"total_processed"`
	TotalErrors         int64           `json:"total_errors"`
	LastError           *string         `json:"last_error"`
	LastErrorAt         *time.Time      `json:"last_error_at"`
	OwnerKeyID          string          `json:"owner_key_id"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// --- Usage / plans ---

type UsageDaily struct {
	AccountID   string    `json:"account_id"`
	Date        time.Time `json:"date"`
	APIRequests int64     `json:"api_requests"`
	Deliveries  int64     `json:"deliveries"`
}

type PlanLimits struct {
	Name               string `json:"name"`
	APIRequestsPerDay  int64  `json:"api_requests_per_day"`
	DeliveriesPerMonth int64  `json:"deliveries_per_month"`
	StorageBytes       int64  `json:"storage_bytes"`
	MaxStreams         int    `json:"max_streams"`
	MaxViews           int    `json:"max_views"`
}

type AccountUsage struct {
	APIRequestsToday    int64 `json:"api_requests_today"`
	DeliveriesThisMonth int64 `json:"deliveries_this_month"`
	StorageBytes        int64 `json:"storage_bytes"`
	Streams             int   `json:"streams"`
	Views               int   `json:"views"`
}

type Account struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Plan         string    `json:"plan"`
	SchemaPrefix string    `json:"schema_prefix"`
	CreatedAt    time.Time `json:"created_at"`
}

type APIKey struct {
	ID        string     `json:"id"`
	AccountID string     `json:"account_id"`
	KeyPrefix string     `json:"key_prefix"`
	Name      string     `json:"name"`
	IsActive  bool       `json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
}
