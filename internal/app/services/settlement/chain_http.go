package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aria-network/reward-engine/pkg/logger"
)

// HTTPChainClient talks to the external ledger service over HTTP. The engine
// deliberately does not implement a blockchain client; transfer submission
// and confirmation are remote calls with their own retry semantics.
type HTTPChainClient struct {
	client   *http.Client
	endpoint *url.URL
	apiKey   string
	log      *logger.Logger
}

var _ ChainClient = (*HTTPChainClient)(nil)

// NewHTTPChainClient constructs a client for the given ledger endpoint.
func NewHTTPChainClient(client *http.Client, endpoint, apiKey string, log *logger.Logger) (*HTTPChainClient, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("chain endpoint required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse chain endpoint: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("chain-http")
	}
	return &HTTPChainClient{
		client:   client,
		endpoint: parsed,
		apiKey:   strings.TrimSpace(apiKey),
		log:      log,
	}, nil
}

func (c *HTTPChainClient) SubmitTransfer(ctx context.Context, toAddress string, amount float64, memo string) (TransferReceipt, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"to_address": toAddress,
		"amount":     amount,
		"memo":       memo,
	})
	if err != nil {
		return TransferReceipt{}, fmt.Errorf("encode transfer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("transfers"), bytes.NewReader(payload))
	if err != nil {
		return TransferReceipt{}, fmt.Errorf("build transfer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return TransferReceipt{}, fmt.Errorf("submit transfer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return TransferReceipt{}, fmt.Errorf("chain submit status %d", resp.StatusCode)
	}

	var body struct {
		TxID        string `json:"tx_id"`
		FromAddress string `json:"from_address"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return TransferReceipt{}, fmt.Errorf("decode transfer response: %w", err)
	}
	if body.TxID == "" {
		return TransferReceipt{}, fmt.Errorf("chain returned no transaction id")
	}
	return TransferReceipt{TxRef: body.TxID, FromAddress: body.FromAddress}, nil
}

func (c *HTTPChainClient) ConfirmTransfer(ctx context.Context, txRef string) (bool, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("transfers", txRef), nil)
	if err != nil {
		return false, false, fmt.Errorf("build confirm request: %w", err)
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return false, false, fmt.Errorf("confirm transfer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, false, fmt.Errorf("chain confirm status %d", resp.StatusCode)
	}

	var body struct {
		Done    bool   `json:"done"`
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, false, fmt.Errorf("decode confirm response: %w", err)
	}
	if body.Done && !body.Success && body.Error != "" {
		c.log.WithField("tx_ref", txRef).Warnf("transfer rejected: %s", body.Error)
	}
	return body.Done, body.Success, nil
}

// Balance queries the confirmed on-chain balance of an address.
func (c *HTTPChainClient) Balance(ctx context.Context, address string) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("balances", address), nil)
	if err != nil {
		return 0, fmt.Errorf("build balance request: %w", err)
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("chain balance status %d", resp.StatusCode)
	}

	var body struct {
		Balance float64 `json:"balance"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode balance response: %w", err)
	}
	return body.Balance, nil
}

func (c *HTTPChainClient) url(parts ...string) string {
	u := *c.endpoint
	u.Path = strings.TrimRight(u.Path, "/")
	for _, part := range parts {
		u.Path += "/" + url.PathEscape(part)
	}
	return u.String()
}

func (c *HTTPChainClient) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
