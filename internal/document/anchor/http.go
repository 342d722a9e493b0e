package anchor

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"docseal/pkg/platform/sentinel"
)

const maxReceiptBytes = 64 << 10

// HTTPBackend posts digests to a remote anchoring endpoint.
type HTTPBackend struct {
	url    string
	token  string
	client *http.Client
}

type HTTPOption func(*HTTPBackend)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(b *HTTPBackend) {
		if c != nil {
			b.client = c
		}
	}
}

func WithBearerToken(token string) HTTPOption {
	return func(b *HTTPBackend) {
		b.token = token
	}
}

func NewHTTPBackend(url string, opts ...HTTPOption) (*HTTPBackend, error) {
	if url == "" {
		return nil, fmt.Errorf("anchor url is required")
	}
	b := &HTTPBackend{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *HTTPBackend) Name() string { return "http" }

type submitRequest struct {
	Digest string `json:"digest"`
}

type submitResponse struct {
	Reference string    `json:"reference"`
	Timestamp time.Time `json:"timestamp"`
}

func (b *HTTPBackend) Submit(ctx context.Context, digest [32]byte) (Receipt, error) {
	body, err := json.Marshal(submitRequest{Digest: hex.EncodeToString(digest[:])})
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal anchor request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("create anchor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("anchor request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Receipt{}, fmt.Errorf("%w: status %d", sentinel.ErrUnavailable, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return Receipt{}, fmt.Errorf("%w: status %d", sentinel.ErrBadResponse, resp.StatusCode)
	}

	var out submitResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxReceiptBytes)).Decode(&out); err != nil {
		return Receipt{}, fmt.Errorf("%w: decode receipt: %v", sentinel.ErrBadResponse, err)
	}
	if out.Reference == "" {
		return Receipt{}, fmt.Errorf("%w: empty reference", sentinel.ErrBadResponse)
	}
	return Receipt{Reference: out.Reference, Timestamp: out.Timestamp}, nil
}
