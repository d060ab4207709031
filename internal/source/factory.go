package source

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/walletrisk/internal/circuitbreaker"
	"github.com/mbd888/walletrisk/internal/config"
)

// FromConfig builds the configured Source, wrapped with Graceful. The
// returned close func releases any upstream connection.
func FromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Source, func(), error) {
	noop := func() {}
	breaker := circuitbreaker.New(5, 0)

	switch cfg.Source {
	case config.SourceFile:
		src, err := LoadFile(cfg.TransactionsPath)
		if err != nil {
			return nil, noop, err
		}
		logger.Info("loaded transaction dump", "path", cfg.TransactionsPath, "wallets", len(src.Wallets()))
		return Graceful(src, logger), noop, nil

	case config.SourceCovalent:
		src := NewCovalentSource(CovalentConfig{
			BaseURL:    cfg.CovalentBaseURL,
			APIKey:     cfg.CovalentAPIKey,
			ChainID:    cfg.ChainID,
			Attempts:   cfg.RetryAttempts,
			HTTPClient: &http.Client{Timeout: cfg.FetchTimeout},
		}, breaker, logger)
		return Graceful(src, logger), noop, nil

	case config.SourceChain:
		assets, err := LoadAssets(cfg.AssetsPath)
		if err != nil {
			return nil, noop, err
		}
		client, err := ethclient.DialContext(ctx, cfg.RPCURL)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to connect to RPC: %w", err)
		}
		src := NewChainSource(client, ChainConfig{
			LendingPool: common.HexToAddress(cfg.LendingPool),
			FromBlock:   cfg.ChainFromBlock,
			Attempts:    cfg.RetryAttempts,
		}, assets, breaker, logger)
		return Graceful(src, logger), client.Close, nil

	default:
		return nil, noop, fmt.Errorf("unknown source %q", cfg.Source)
	}
}
