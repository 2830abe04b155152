package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aria-network/reward-engine/internal/app/domain/record"
)

// HTTPSubmitClient talks to the reward engine's public API. It implements
// both SubmitClient and StatsClient.
type HTTPSubmitClient struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTPSubmitClient builds a client for the given base endpoint. token is
// sent as a bearer credential on every request.
func NewHTTPSubmitClient(endpoint, token string) *HTTPSubmitClient {
	return &HTTPSubmitClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

type wireItem struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type submitRequest struct {
	Items []wireItem `json:"items"`
}

type submitResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    struct {
		SyncedData []ItemAck `json:"syncedData"`
	} `json:"data"`
}

type statsResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    struct {
		TotalRewards float64 `json:"totalRewards"`
	} `json:"data"`
}

// Submit posts one batch and returns the per-item acknowledgements.
func (c *HTTPSubmitClient) Submit(ctx context.Context, items []record.Item) ([]ItemAck, error) {
	req := submitRequest{Items: make([]wireItem, 0, len(items))}
	for _, item := range items {
		req.Items = append(req.Items, wireItem{
			ID:        item.ID,
			Type:      item.Type,
			Content:   item.Content,
			Timestamp: item.CollectedAt,
		})
	}

	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, "/data/submit", req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("submit rejected: %s", resp.Message)
	}
	return resp.Data.SyncedData, nil
}

// TotalRewards fetches the server-side reward total for the caller.
func (c *HTTPSubmitClient) TotalRewards(ctx context.Context) (float64, error) {
	var resp statsResponse
	if err := c.do(ctx, http.MethodGet, "/user/stats", nil, &resp); err != nil {
		return 0, err
	}
	if !resp.Success {
		return 0, fmt.Errorf("stats rejected: %s", resp.Message)
	}
	return resp.Data.TotalRewards, nil
}

func (c *HTTPSubmitClient) do(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
