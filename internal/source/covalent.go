package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/walletrisk/internal/circuitbreaker"
	"github.com/mbd888/walletrisk/internal/retry"
	"github.com/mbd888/walletrisk/internal/risk"
)

const covalentPageSize = 1000

// CovalentConfig configures a CovalentSource.
type CovalentConfig struct {
	BaseURL    string
	APIKey     string
	ChainID    int64
	Attempts   int
	RetryDelay time.Duration
	HTTPClient *http.Client
}

// CovalentSource pulls token transfers from the Covalent transfers_v2 API and
// classifies them by sign: inflows are deposits, outflows are repays.
type CovalentSource struct {
	cfg     CovalentConfig
	client  *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewCovalentSource creates a Covalent-backed source.
func NewCovalentSource(cfg CovalentConfig, breaker *circuitbreaker.Breaker, logger *slog.Logger) *CovalentSource {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.covalenthq.com"
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return &CovalentSource{
		cfg:     cfg,
		client:  client,
		breaker: breaker,
		logger:  logger,
	}
}

func (c *CovalentSource) Name() string { return "covalent" }

type covalentTransfer struct {
	Delta         flexString `json:"delta"`
	TickerSymbol  string     `json:"contract_ticker_symbol"`
	Decimals      *int32     `json:"contract_decimals"`
	QuoteRate     flexString `json:"quote_rate"`
	BlockSignedAt string     `json:"block_signed_at"`
	TransferType  string     `json:"transfer_type"`
}

type covalentItem struct {
	covalentTransfer
	Transfers []covalentTransfer `json:"transfers"`
}

type covalentPage struct {
	Data struct {
		Items      []covalentItem `json:"items"`
		Pagination *struct {
			HasMore bool `json:"has_more"`
		} `json:"pagination"`
	} `json:"data"`
	Error        bool   `json:"error"`
	ErrorMessage string `json:"error_message"`
}

// Transactions pages through every transfer of wallet. A failure on the
// first page is returned; a failure on a later page keeps what was collected.
func (c *CovalentSource) Transactions(ctx context.Context, wallet string) ([]risk.Transaction, error) {
	wallet = strings.ToLower(wallet)
	var txs []risk.Transaction

	for page := 0; ; page++ {
		p, err := c.fetchPage(ctx, wallet, page)
		if err != nil {
			if page == 0 {
				return nil, err
			}
			c.logger.Warn("covalent pagination stopped early",
				"wallet", wallet, "page", page, "collected", len(txs), "error", err)
			break
		}
		if len(p.Data.Items) == 0 {
			break
		}
		for _, item := range p.Data.Items {
			txs = append(txs, convertCovalentItem(wallet, item)...)
		}
		if p.Data.Pagination == nil || !p.Data.Pagination.HasMore {
			break
		}
	}

	if txs == nil {
		txs = []risk.Transaction{}
	}
	return txs, nil
}

func (c *CovalentSource) breakerKey() string {
	return "covalent:" + strconv.FormatInt(c.cfg.ChainID, 10)
}

func (c *CovalentSource) fetchPage(ctx context.Context, wallet string, page int) (*covalentPage, error) {
	endpoint := fmt.Sprintf("%s/v1/%d/address/%s/transfers_v2/",
		strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.ChainID, url.PathEscape(wallet))
	q := url.Values{}
	q.Set("key", c.cfg.APIKey)
	q.Set("page-size", strconv.Itoa(covalentPageSize))
	q.Set("page-number", strconv.Itoa(page))

	var out covalentPage
	err := c.breaker.Do(c.breakerKey(), func() error {
		return retry.Do(ctx, c.cfg.Attempts, c.cfg.RetryDelay, func() error {
			return c.get(ctx, endpoint+"?"+q.Encode(), &out)
		})
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, ErrCircuitOpen
	}
	if err != nil {
		return nil, err
	}
	if out.Error {
		return nil, fmt.Errorf("covalent error: %s", out.ErrorMessage)
	}
	return &out, nil
}

func (c *CovalentSource) get(ctx context.Context, u string, out *covalentPage) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return retry.Permanent(ctx.Err())
		}
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return retry.StatusError(resp.StatusCode, strings.TrimSpace(string(body)))
	}
	*out = covalentPage{}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.Permanent(fmt.Errorf("decode covalent page: %w", err))
	}
	return nil
}

// convertCovalentItem flattens an item's nested transfers, falling back to
// the item's own fields when it has none.
func convertCovalentItem(wallet string, item covalentItem) []risk.Transaction {
	if len(item.Transfers) == 0 {
		return []risk.Transaction{convertCovalentTransfer(wallet, item.covalentTransfer)}
	}
	out := make([]risk.Transaction, 0, len(item.Transfers))
	for _, t := range item.Transfers {
		if t.BlockSignedAt == "" {
			t.BlockSignedAt = item.BlockSignedAt
		}
		out = append(out, convertCovalentTransfer(wallet, t))
	}
	return out
}

func convertCovalentTransfer(wallet string, t covalentTransfer) risk.Transaction {
	decimals := int32(18)
	if t.Decimals != nil {
		decimals = *t.Decimals
	}

	delta, err := decimal.NewFromString(strings.TrimSpace(string(t.Delta)))
	if err != nil {
		delta = decimal.Zero
	}

	action := risk.ActionRepay
	if delta.IsPositive() {
		action = risk.ActionDeposit
	}

	tokens := delta.Abs().Shift(-decimals)
	price := risk.ParseDecimal(string(t.QuoteRate))

	return risk.Transaction{
		Wallet:        wallet,
		Action:        string(action),
		Amount:        risk.EncodeAmount(t.TickerSymbol, tokens),
		AssetSymbol:   t.TickerSymbol,
		AssetPriceUSD: price.String(),
		Timestamp:     parseTimestamp(t.BlockSignedAt),
	}
}
