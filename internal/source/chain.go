package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/mbd888/walletrisk/internal/circuitbreaker"
	"github.com/mbd888/walletrisk/internal/retry"
	"github.com/mbd888/walletrisk/internal/risk"
)

// Aave V2 LendingPool events the chain source understands.
const lendingPoolABIJSON = `[
 {"anonymous":false,"name":"Deposit","type":"event","inputs":[
  {"indexed":true,"name":"reserve","type":"address"},
  {"indexed":false,"name":"user","type":"address"},
  {"indexed":true,"name":"onBehalfOf","type":"address"},
  {"indexed":false,"name":"amount","type":"uint256"},
  {"indexed":true,"name":"referral","type":"uint16"}]},
 {"anonymous":false,"name":"Borrow","type":"event","inputs":[
  {"indexed":true,"name":"reserve","type":"address"},
  {"indexed":false,"name":"user","type":"address"},
  {"indexed":true,"name":"onBehalfOf","type":"address"},
  {"indexed":false,"name":"amount","type":"uint256"},
  {"indexed":false,"name":"borrowRateMode","type":"uint256"},
  {"indexed":false,"name":"borrowRate","type":"uint256"},
  {"indexed":true,"name":"referral","type":"uint16"}]},
 {"anonymous":false,"name":"Repay","type":"event","inputs":[
  {"indexed":true,"name":"reserve","type":"address"},
  {"indexed":true,"name":"user","type":"address"},
  {"indexed":true,"name":"repayer","type":"address"},
  {"indexed":false,"name":"amount","type":"uint256"}]},
 {"anonymous":false,"name":"LiquidationCall","type":"event","inputs":[
  {"indexed":true,"name":"collateralAsset","type":"address"},
  {"indexed":true,"name":"debtAsset","type":"address"},
  {"indexed":true,"name":"user","type":"address"},
  {"indexed":false,"name":"debtToCover","type":"uint256"},
  {"indexed":false,"name":"liquidatedCollateralAmount","type":"uint256"},
  {"indexed":false,"name":"liquidator","type":"address"},
  {"indexed":false,"name":"receiveAToken","type":"bool"}]}
]`

var lendingPoolABI = mustParseABI(lendingPoolABIJSON)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

// DefaultBlockSpan is the widest block range asked of the node per query.
const DefaultBlockSpan = 50_000

// ChainClient is the subset of ethclient.Client the chain source needs.
type ChainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Asset describes a lending-pool reserve.
type Asset struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals int32  `json:"decimals"`
	PriceUSD string `json:"priceUSD"`
}

// AssetRegistry maps reserve addresses to assets.
type AssetRegistry map[common.Address]Asset

// LoadAssets reads a JSON array of Asset from path.
func LoadAssets(path string) (AssetRegistry, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied input path
	if err != nil {
		return nil, fmt.Errorf("source: read assets %s: %w", path, err)
	}
	var assets []Asset
	if err := json.Unmarshal(data, &assets); err != nil {
		return nil, fmt.Errorf("source: parse assets %s: %w", path, err)
	}
	reg := make(AssetRegistry, len(assets))
	for _, a := range assets {
		if !common.IsHexAddress(a.Address) {
			return nil, fmt.Errorf("source: asset %s has invalid address %q", a.Symbol, a.Address)
		}
		reg[common.HexToAddress(a.Address)] = a
	}
	return reg, nil
}

// ChainConfig configures a ChainSource.
type ChainConfig struct {
	LendingPool common.Address
	FromBlock   uint64
	BlockSpan   uint64
	Attempts    int
	RetryDelay  time.Duration
}

// ChainSource reads a wallet's Aave V2 LendingPool events straight from a node.
type ChainSource struct {
	client  ChainClient
	cfg     ChainConfig
	assets  AssetRegistry
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger

	mu         sync.Mutex
	blockTimes map[uint64]int64
}

// NewChainSource creates a chain-backed source.
func NewChainSource(client ChainClient, cfg ChainConfig, assets AssetRegistry, breaker *circuitbreaker.Breaker, logger *slog.Logger) *ChainSource {
	if cfg.BlockSpan == 0 {
		cfg.BlockSpan = DefaultBlockSpan
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 250 * time.Millisecond
	}
	if breaker == nil {
		breaker = circuitbreaker.New(5, 0)
	}
	return &ChainSource{
		client:     client,
		cfg:        cfg,
		assets:     assets,
		breaker:    breaker,
		logger:     logger,
		blockTimes: make(map[uint64]int64),
	}
}

func (c *ChainSource) Name() string { return "chain" }

func (c *ChainSource) call(ctx context.Context, fn func() error) error {
	err := c.breaker.Do("rpc", func() error {
		return retry.Do(ctx, c.cfg.Attempts, c.cfg.RetryDelay, fn)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return ErrCircuitOpen
	}
	return err
}

// Transactions scans the configured block range for the wallet's events.
func (c *ChainSource) Transactions(ctx context.Context, wallet string) ([]risk.Transaction, error) {
	if !common.IsHexAddress(wallet) {
		return []risk.Transaction{}, nil
	}
	addr := common.HexToAddress(wallet)
	walletTopic := common.BytesToHash(addr.Bytes())

	var head uint64
	if err := c.call(ctx, func() (err error) {
		head, err = c.client.BlockNumber(ctx)
		return err
	}); err != nil {
		return nil, fmt.Errorf("block number: %w", err)
	}

	ev := lendingPoolABI.Events
	queries := [][][]common.Hash{
		// Deposit and Borrow index onBehalfOf, Repay indexes user, all at topic 2.
		{{ev["Deposit"].ID, ev["Borrow"].ID, ev["Repay"].ID}, nil, {walletTopic}},
		// LiquidationCall indexes the liquidated user at topic 3.
		{{ev["LiquidationCall"].ID}, nil, nil, {walletTopic}},
	}

	var logs []types.Log
	for from := c.cfg.FromBlock; from <= head; from += c.cfg.BlockSpan {
		to := min(from+c.cfg.BlockSpan-1, head)
		for _, topics := range queries {
			q := ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(from),
				ToBlock:   new(big.Int).SetUint64(to),
				Addresses: []common.Address{c.cfg.LendingPool},
				Topics:    topics,
			}
			var batch []types.Log
			if err := c.call(ctx, func() (err error) {
				batch, err = c.client.FilterLogs(ctx, q)
				return err
			}); err != nil {
				return nil, fmt.Errorf("filter logs %d-%d: %w", from, to, err)
			}
			logs = append(logs, batch...)
		}
	}

	txs := make([]risk.Transaction, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		tx, ok := c.decode(l)
		if !ok {
			continue
		}
		tx.Wallet = strings.ToLower(wallet)
		ts, err := c.blockTime(ctx, l.BlockNumber)
		if err != nil {
			c.logger.Warn("block timestamp unavailable", "block", l.BlockNumber, "error", err)
		}
		tx.Timestamp = ts
		txs = append(txs, tx)
	}
	return txs, nil
}

func (c *ChainSource) decode(l types.Log) (risk.Transaction, bool) {
	if len(l.Topics) == 0 {
		return risk.Transaction{}, false
	}
	event, err := lendingPoolABI.EventByID(l.Topics[0])
	if err != nil {
		return risk.Transaction{}, false
	}

	fields := map[string]any{}
	if err := lendingPoolABI.UnpackIntoMap(fields, event.Name, l.Data); err != nil {
		c.logger.Warn("undecodable lending pool log", "event", event.Name, "tx", l.TxHash.Hex(), "error", err)
		return risk.Transaction{}, false
	}

	var (
		action  risk.Action
		reserve common.Address
		amount  *big.Int
	)
	switch event.Name {
	case "Deposit":
		action, amount = risk.ActionDeposit, bigField(fields, "amount")
	case "Borrow":
		action, amount = risk.ActionBorrow, bigField(fields, "amount")
	case "Repay":
		action, amount = risk.ActionRepay, bigField(fields, "amount")
	case "LiquidationCall":
		action, amount = risk.ActionLiquidation, bigField(fields, "liquidatedCollateralAmount")
	default:
		return risk.Transaction{}, false
	}
	if len(l.Topics) > 1 {
		reserve = common.BytesToAddress(l.Topics[1].Bytes())
	}

	asset, known := c.assets[reserve]
	if !known {
		asset = Asset{Symbol: reserve.Hex(), Decimals: 18, PriceUSD: "0"}
	}
	tokens := decimal.NewFromBigInt(amount, -asset.Decimals)

	return risk.Transaction{
		Action:        string(action),
		Amount:        risk.EncodeAmount(asset.Symbol, tokens),
		AssetSymbol:   asset.Symbol,
		AssetPriceUSD: asset.PriceUSD,
	}, true
}

func bigField(fields map[string]any, name string) *big.Int {
	if v, ok := fields[name].(*big.Int); ok && v != nil {
		return v
	}
	return new(big.Int)
}

// blockTime returns a block's timestamp, caching it across wallets.
func (c *ChainSource) blockTime(ctx context.Context, number uint64) (int64, error) {
	c.mu.Lock()
	ts, ok := c.blockTimes[number]
	c.mu.Unlock()
	if ok {
		return ts, nil
	}

	var header *types.Header
	if err := c.call(ctx, func() (err error) {
		header, err = c.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		return err
	}); err != nil {
		return 0, err
	}

	ts = int64(header.Time) // #nosec G115 -- block times fit in int64
	c.mu.Lock()
	c.blockTimes[number] = ts
	c.mu.Unlock()
	return ts, nil
}
