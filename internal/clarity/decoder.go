package clarity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Decoder turns raw Clarity-encoded event payloads into decoded JSON.
// Streams opt in via decodeClarityValues; decoding failures fall back to the
// raw payload rather than failing the delivery.
type Decoder interface {
	Decode(ctx context.Context, raw json.RawMessage) (json.RawMessage, error)
}

// Passthrough returns payloads unchanged. Used when no indexer URL is
// configured.
type Passthrough struct{}

func (Passthrough) Decode(_ context.Context, raw json.RawMessage) (json.RawMessage, error) {
	return raw, nil
}

// HTTPDecoder delegates decoding to the upstream indexer's decode endpoint.
type HTTPDecoder struct {
	baseURL string
	client  *http.Client
}

func NewHTTPDecoder(baseURL string) *HTTPDecoder {
	return &HTTPDecoder{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (d *HTTPDecoder) Decode(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		d.baseURL+"/v1/clarity/decode", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("decoder returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("decoder returned invalid JSON")
	}
	return body, nil
}
