package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the configuration for connecting to the risk API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // Optional bearer key, sent only when set
}

// RiskClient is a pure HTTP client for the walletrisk API.
type RiskClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewRiskClient creates a new client for the risk API.
func NewRiskClient(cfg Config) *RiskClient {
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &RiskClient{
		cfg: cfg,
		httpClient: &http.Client{
			// Inline scoring of a large batch can take a while.
			Timeout: 60 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *RiskClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		var data []byte
		if raw, ok := body.(json.RawMessage); ok {
			data = raw
		} else if data, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetWalletRisk returns the latest score for a wallet.
func (c *RiskClient) GetWalletRisk(ctx context.Context, address string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/risk/"+url.PathEscape(address), nil, nil)
}

// GetWalletRiskHistory returns up to limit past scores for a wallet, newest first.
func (c *RiskClient) GetWalletRiskHistory(ctx context.Context, address string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/risk/"+url.PathEscape(address)+"/history", q, nil)
}

// GetLatestRun returns the most recent scoring run and its scores.
func (c *RiskClient) GetLatestRun(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/runs/latest", nil, nil)
}

// ScoreTransactions scores an inline transaction batch. payload is the raw
// request body: {"transactions": [...], "wallets": [...]}.
func (c *RiskClient) ScoreTransactions(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/risk/score", nil, payload)
}
