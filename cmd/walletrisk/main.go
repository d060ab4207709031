// walletrisk - batch wallet credit risk scoring
//
// Reads the wallet list, pulls each wallet's lending history from the
// configured source, and writes one risk score per wallet.
//
// Usage:
//
//	walletrisk [-wallets data/raw/Wallet_id.csv] [-out outputs/wallet_risk_scores.csv] [-source file|covalent|chain]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mbd888/walletrisk/internal/config"
	"github.com/mbd888/walletrisk/internal/logging"
	"github.com/mbd888/walletrisk/internal/pipeline"
	"github.com/mbd888/walletrisk/internal/risk"
	"github.com/mbd888/walletrisk/internal/sink"
	"github.com/mbd888/walletrisk/internal/snapshot"
	"github.com/mbd888/walletrisk/internal/source"
	"github.com/mbd888/walletrisk/internal/traces"
	"github.com/mbd888/walletrisk/internal/walletlist"
)

// Exit codes
const (
	exitOK         = 0
	exitFailure    = 1
	exitBadWallets = 2
)

// flagEnv maps each override flag to the config key it replaces.
var flagEnv = map[string]string{
	"wallets":      "WALLETS_PATH",
	"out":          "OUTPUT_PATH",
	"source":       "SOURCE",
	"transactions": "TRANSACTIONS_PATH",
	"workers":      "WORKERS",
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("walletrisk", flag.ContinueOnError)
	fs.String("wallets", "", "wallet list CSV (overrides WALLETS_PATH)")
	fs.String("out", "", "output CSV path (overrides OUTPUT_PATH)")
	fs.String("source", "", "transaction source: file, covalent or chain (overrides SOURCE)")
	fs.String("transactions", "", "transactions JSON for the file source (overrides TRANSACTIONS_PATH)")
	fs.String("workers", "", "parallel wallet fetches (overrides WORKERS)")
	if err := fs.Parse(args); err != nil {
		return exitFailure
	}
	if err := applyFlagOverrides(fs); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitFailure
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	shutdownTraces, err := traces.Init(ctx, "walletrisk-batch", cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		return exitFailure
	}
	defer func() { _ = shutdownTraces(context.Background()) }()

	wallets, err := walletlist.Load(cfg.WalletsPath)
	if err != nil {
		logger.Error("failed to load wallet list", "path", cfg.WalletsPath, "error", err)
		if errors.Is(err, walletlist.ErrNoWalletColumn) {
			return exitBadWallets
		}
		return exitFailure
	}

	src, closeSource, err := source.FromConfig(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build transaction source", "source", cfg.Source, "error", err)
		return exitFailure
	}
	defer closeSource()

	// Runs are only persisted when a database is configured.
	var store snapshot.Store
	if cfg.DatabaseURL != "" {
		s, db, err := snapshot.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to open database", "error", err)
			return exitFailure
		}
		defer func() { _ = db.Close() }()
		store = s
	}

	sinks, closeSinks, err := sink.FromConfig(cfg, store, logger)
	if err != nil {
		logger.Error("failed to build sinks", "error", err)
		return exitFailure
	}
	defer func() { _ = closeSinks() }()

	runner := pipeline.NewRunner(src,
		pipeline.WithWorkers(cfg.Workers),
		pipeline.WithFetchTimeout(cfg.FetchTimeout),
		pipeline.WithSinks(sinks...),
		pipeline.WithLogger(logger),
	)

	res, err := runner.Run(ctx, wallets)
	if res == nil {
		logger.Error("scoring run failed", "error", err)
		return exitFailure
	}
	printSummary(stdout, res, cfg.OutputPath)
	if err != nil {
		logger.Error("scores computed but not every sink was written", "error", err)
		return exitFailure
	}
	return exitOK
}

// applyFlagOverrides exports explicitly set flags as their config keys so
// config.Load validates the effective values.
func applyFlagOverrides(fs *flag.FlagSet) error {
	var err error
	fs.Visit(func(f *flag.Flag) {
		if key, ok := flagEnv[f.Name]; ok && err == nil {
			err = os.Setenv(key, f.Value.String())
		}
	})
	return err
}

func printSummary(w io.Writer, res *pipeline.Result, outputPath string) {
	bands := make(map[risk.Band]int)
	for _, row := range res.Rows {
		bands[row.Band]++
	}
	fmt.Fprintf(w, "run %s (%s): %d wallets in %s\n", res.RunID, res.Source, res.Stats.Wallets, res.Duration().Round(time.Millisecond))
	fmt.Fprintf(w, "  extracted %d, no activity %d, failed %d, duplicates %d\n",
		res.Stats.Extracted, res.Stats.DefaultEmpty, res.Stats.DefaultFailed, res.Stats.Duplicates)
	fmt.Fprintf(w, "  low %d, moderate %d, high %d, critical %d\n",
		bands[risk.BandLow], bands[risk.BandModerate], bands[risk.BandHigh], bands[risk.BandCritical])
	if outputPath != "" {
		fmt.Fprintf(w, "  scores written to %s\n", outputPath)
	}
}
