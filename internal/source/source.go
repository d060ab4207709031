// Package source fetches a wallet's lending-protocol transactions.
//
// Every Source returns an empty slice, not an error, when a wallet simply has
// no data. Errors mean the upstream failed; wrap a Source with Graceful to
// turn those into an empty slice plus a warning, which is what the scoring
// pipeline expects.
package source

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/walletrisk/internal/logging"
	"github.com/mbd888/walletrisk/internal/metrics"
	"github.com/mbd888/walletrisk/internal/risk"
)

// ErrCircuitOpen is returned when an upstream's circuit breaker is open.
var ErrCircuitOpen = errors.New("source: upstream circuit open")

// Source yields the transactions of one wallet.
type Source interface {
	Transactions(ctx context.Context, wallet string) ([]risk.Transaction, error)
	Name() string
}

// StaticSource serves transactions from memory.
type StaticSource struct {
	mu  sync.RWMutex
	txs map[string][]risk.Transaction
}

// NewStaticSource indexes txs by their lower-cased Wallet field.
func NewStaticSource(txs []risk.Transaction) *StaticSource {
	s := &StaticSource{txs: make(map[string][]risk.Transaction)}
	for _, tx := range txs {
		s.Add(tx)
	}
	return s
}

// Add appends one transaction.
func (s *StaticSource) Add(tx risk.Transaction) {
	key := strings.ToLower(tx.Wallet)
	s.mu.Lock()
	s.txs[key] = append(s.txs[key], tx)
	s.mu.Unlock()
}

func (s *StaticSource) Transactions(_ context.Context, wallet string) ([]risk.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	txs := s.txs[strings.ToLower(wallet)]
	out := make([]risk.Transaction, len(txs))
	copy(out, txs)
	return out, nil
}

func (s *StaticSource) Name() string { return "static" }

// Wallets returns every wallet with at least one transaction.
func (s *StaticSource) Wallets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.txs))
	for w := range s.txs {
		out = append(out, w)
	}
	return out
}

type graceful struct {
	src    Source
	logger *slog.Logger
}

// Graceful wraps src so fetch errors are logged and counted, and the wallet
// is reported as having no transactions.
func Graceful(src Source, logger *slog.Logger) Source {
	return &graceful{src: src, logger: logger}
}

func (g *graceful) Name() string { return g.src.Name() }

func (g *graceful) Transactions(ctx context.Context, wallet string) ([]risk.Transaction, error) {
	start := time.Now()
	txs, err := g.src.Transactions(ctx, wallet)
	metrics.ObserveFetch(g.src.Name(), err, time.Since(start))
	if err != nil {
		logger := g.logger
		if logger == nil {
			logger = logging.L(ctx)
		}
		logger.Warn("transaction fetch failed, treating wallet as empty",
			"source", g.src.Name(), "wallet", wallet, "error", err)
		return []risk.Transaction{}, nil
	}
	if txs == nil {
		txs = []risk.Transaction{}
	}
	return txs, nil
}
