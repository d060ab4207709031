package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/walletrisk/internal/idgen"
	"github.com/mbd888/walletrisk/internal/logging"
	"github.com/mbd888/walletrisk/internal/metrics"
	"github.com/mbd888/walletrisk/internal/risk"
	"github.com/mbd888/walletrisk/internal/source"
	"github.com/mbd888/walletrisk/internal/syncutil"
	"github.com/mbd888/walletrisk/internal/traces"
)

// Runner executes scoring runs. Runs are serialized: a second Run waits for
// the first, TryRun fails fast instead.
type Runner struct {
	source       source.Source
	extractor    *risk.Extractor
	scorer       *risk.Scorer
	sinks        []Sink
	listeners    []Listener
	workers      int
	fetchTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time
	gate         *syncutil.Gate
}

// Option configures a Runner.
type Option func(*Runner)

// WithWorkers bounds how many wallets are fetched and extracted at once.
func WithWorkers(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithFetchTimeout bounds each wallet's transaction fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(r *Runner) { r.fetchTimeout = d }
}

// WithSinks appends result sinks.
func WithSinks(sinks ...Sink) Option {
	return func(r *Runner) { r.sinks = append(r.sinks, sinks...) }
}

// WithListener registers a run listener.
func WithListener(l Listener) Option {
	return func(r *Runner) { r.listeners = append(r.listeners, l) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithScorer replaces the default scorer.
func WithScorer(s *risk.Scorer) Option {
	return func(r *Runner) { r.scorer = s }
}

// WithClock overrides the time source for run timestamps and extraction.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
		r.extractor = r.extractor.WithClock(now)
	}
}

// NewRunner creates a Runner reading transactions from src.
func NewRunner(src source.Source, opts ...Option) *Runner {
	r := &Runner{
		source:    src,
		extractor: risk.NewExtractor(),
		scorer:    risk.NewScorer(),
		workers:   1,
		logger:    slog.Default(),
		now:       time.Now,
		gate:      syncutil.NewGate(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Busy reports whether a run is in progress.
func (r *Runner) Busy() bool { return r.gate.Busy() }

// Run scores wallets, waiting for any in-flight run to finish first.
func (r *Runner) Run(ctx context.Context, wallets []string) (*Result, error) {
	unlock, err := r.gate.LockContext(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return r.run(ctx, wallets)
}

// TryRun is Run but returns ErrRunInProgress instead of waiting.
func (r *Runner) TryRun(ctx context.Context, wallets []string) (*Result, error) {
	unlock, ok := r.gate.TryLock()
	if !ok {
		return nil, ErrRunInProgress
	}
	defer unlock()
	return r.run(ctx, wallets)
}

func (r *Runner) run(ctx context.Context, wallets []string) (res *Result, err error) {
	started := r.now()
	runID := idgen.RunID(started)
	ctx = logging.WithRunID(logging.WithLogger(ctx, r.logger), runID)
	logger := logging.L(ctx)

	ctx, span := traces.StartSpan(ctx, "pipeline.run", traces.RunID(runID), traces.Source(r.source.Name()))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	list, dups := dedupe(wallets)
	if dups > 0 {
		logger.Warn("duplicate wallets skipped", "duplicates", dups)
	}
	if len(list) == 0 {
		metrics.RunsTotal.WithLabelValues("failed").Inc()
		return nil, ErrNoWallets
	}
	span.SetAttributes(traces.WalletCount(len(list)))

	for _, l := range r.listeners {
		l.RunStarted(runID, len(list))
	}
	defer func() {
		for _, l := range r.listeners {
			l.RunFinished(res, err)
		}
	}()

	logger.Info("scoring run started", "wallets", len(list), "source", r.source.Name(), "workers", r.workers)

	// Phase 1: per-wallet extraction. Slots are indexed so table order
	// matches the input order regardless of completion order.
	extracted := make([]risk.ExtractResult, len(list))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i, wallet := range list {
		g.Go(func() error {
			logger.Info(fmt.Sprintf("[%d/%d] processing wallet", i+1, len(list)), "wallet", wallet)
			extracted[i] = r.extractOne(gctx, wallet)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		metrics.RunsTotal.WithLabelValues("cancelled").Inc()
		return nil, fmt.Errorf("run %s cancelled: %w", runID, err)
	}

	table := risk.NewFeatureTable()
	stats := Stats{Wallets: len(list), Duplicates: dups}
	for i, er := range extracted {
		switch {
		case er.OK:
			stats.Extracted++
			metrics.WalletsProcessedTotal.WithLabelValues(metrics.OutcomeExtracted).Inc()
		case er.Reason == risk.ReasonNoTransactions:
			stats.DefaultEmpty++
			metrics.WalletsProcessedTotal.WithLabelValues(metrics.OutcomeDefaultEmpty).Inc()
		default:
			stats.DefaultFailed++
			metrics.WalletsProcessedTotal.WithLabelValues(metrics.OutcomeDefaultFailed).Inc()
			logger.Warn("feature extraction failed, using defaults", "wallet", list[i], "reason", er.Reason)
		}
		if err := table.Append(list[i], er.FeaturesOrDefault()); err != nil {
			return nil, fmt.Errorf("build feature table: %w", err)
		}
	}

	// Phase 2: population scoring over the complete table.
	_, scoreSpan := traces.StartSpan(ctx, "pipeline.score", traces.WalletCount(table.Len()))
	scores := r.scorer.Score(table)
	scoreSpan.End()

	res = &Result{
		RunID:      runID,
		Source:     r.source.Name(),
		StartedAt:  started,
		FinishedAt: r.now(),
		Features:   table,
		Scores:     scores,
		Rows:       risk.Join(table, scores),
		Stats:      stats,
	}
	for _, row := range res.Rows {
		metrics.RiskScores.Observe(row.RiskScore)
	}
	metrics.LastRunWallets.Set(float64(len(res.Rows)))
	metrics.RunDuration.Observe(res.Duration().Seconds())

	err = r.writeSinks(ctx, res)
	if err != nil {
		metrics.RunsTotal.WithLabelValues("sink_error").Inc()
	} else {
		metrics.RunsTotal.WithLabelValues("ok").Inc()
	}

	logger.Info("scoring run finished",
		"wallets", stats.Wallets,
		"extracted", stats.Extracted,
		"default_empty", stats.DefaultEmpty,
		"default_failed", stats.DefaultFailed,
		"duration", res.Duration(),
	)
	return res, err
}

func (r *Runner) extractOne(ctx context.Context, wallet string) risk.ExtractResult {
	ctx, span := traces.StartSpan(ctx, "pipeline.wallet", traces.Wallet(wallet))
	defer span.End()

	if r.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.fetchTimeout)
		defer cancel()
	}

	txs, err := r.source.Transactions(ctx, wallet)
	if err != nil {
		span.RecordError(err)
		return risk.ExtractResult{Wallet: wallet, Reason: "fetch: " + err.Error()}
	}
	span.SetAttributes(traces.TransactionCount(len(txs)))
	return r.extractor.Extract(wallet, txs)
}

// writeSinks attempts every sink and joins their errors.
func (r *Runner) writeSinks(ctx context.Context, res *Result) error {
	var errs []error
	for _, s := range r.sinks {
		if err := s.Write(ctx, res); err != nil {
			metrics.SinkWritesTotal.WithLabelValues(s.Name(), "error").Inc()
			logging.L(ctx).Error("sink write failed", "sink", s.Name(), "error", err)
			errs = append(errs, fmt.Errorf("sink %s: %w", s.Name(), err))
			continue
		}
		metrics.SinkWritesTotal.WithLabelValues(s.Name(), "ok").Inc()
	}
	return errors.Join(errs...)
}

// dedupe trims and lower-cases wallets, dropping empties and repeats.
func dedupe(wallets []string) ([]string, int) {
	seen := make(map[string]struct{}, len(wallets))
	out := make([]string, 0, len(wallets))
	dups := 0
	for _, w := range wallets {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		if _, ok := seen[w]; ok {
			dups++
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out, dups
}
