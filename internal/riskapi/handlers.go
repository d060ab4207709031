// Package riskapi serves wallet risk scores over HTTP.
package riskapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/walletrisk/internal/logging"
	"github.com/mbd888/walletrisk/internal/pagination"
	"github.com/mbd888/walletrisk/internal/pipeline"
	"github.com/mbd888/walletrisk/internal/risk"
	"github.com/mbd888/walletrisk/internal/snapshot"
	"github.com/mbd888/walletrisk/internal/source"
	"github.com/mbd888/walletrisk/internal/validation"
)

// MaxInlineWallets caps the population of an inline scoring request.
const MaxInlineWallets = 1000

// Handler provides HTTP endpoints for risk scores.
type Handler struct {
	store     snapshot.Store
	runner    *pipeline.Runner
	wallets   pipeline.WalletLoader
	stream    http.HandlerFunc
	extractor *risk.Extractor
	scorer    *risk.Scorer
}

// Option configures a Handler.
type Option func(*Handler)

// WithRunner enables POST /runs over the wallets returned by load.
func WithRunner(r *pipeline.Runner, load pipeline.WalletLoader) Option {
	return func(h *Handler) {
		h.runner = r
		h.wallets = load
	}
}

// WithStream enables GET /runs/stream.
func WithStream(stream http.HandlerFunc) Option {
	return func(h *Handler) { h.stream = stream }
}

// WithClock fixes the extraction clock for inline scoring.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.extractor = risk.NewExtractor().WithClock(now) }
}

// NewHandler creates a handler reading scores from store.
func NewHandler(store snapshot.Store, opts ...Option) *Handler {
	h := &Handler{
		store:     store,
		extractor: risk.NewExtractor(),
		scorer:    risk.NewScorer(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes sets up risk endpoints.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	addr := r.Group("/risk/:address", validation.AddressParamMiddleware())
	addr.GET("", h.GetRisk)
	addr.GET("/history", h.GetRiskHistory)

	r.POST("/risk/score", h.ScoreInline)
	r.GET("/runs/latest", h.GetLatestRun)
	r.POST("/runs", h.TriggerRun)
	r.GET("/runs/stream", h.Stream)
}

// GetRisk returns the latest stored score of a wallet.
// GET /v1/risk/:address
func (h *Handler) GetRisk(c *gin.Context) {
	address := strings.ToLower(c.Param("address"))

	score, err := h.store.Latest(c.Request.Context(), address)
	if errors.Is(err, snapshot.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No score recorded for this wallet",
		})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("latest score lookup failed", "wallet", address, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "query_failed",
			"message": "Failed to load wallet score",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"score": score})
}

// GetRiskHistory returns a wallet's past scores, newest first.
// GET /v1/risk/:address/history?from=&to=&limit=&cursor=
func (h *Handler) GetRiskHistory(c *gin.Context) {
	address := strings.ToLower(c.Param("address"))
	q := snapshot.HistoryQuery{Wallet: address}
	limit := snapshot.DefaultHistoryLimit

	if from := c.Query("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			badRequest(c, "invalid_from", "from must be an RFC3339 timestamp")
			return
		}
		q.From = t
	}
	if to := c.Query("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			badRequest(c, "invalid_to", "to must be an RFC3339 timestamp")
			return
		}
		q.To = t
	}
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, snapshot.MaxHistoryLimit)
		}
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		badRequest(c, "invalid_cursor", "cursor is not valid")
		return
	}
	q.After = cursor
	q.Limit = limit + 1

	scores, err := h.store.History(c.Request.Context(), q)
	if err != nil {
		logging.L(c.Request.Context()).Error("history query failed", "wallet", address, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "query_failed",
			"message": "Failed to query score history",
		})
		return
	}
	if scores == nil {
		scores = []snapshot.Score{}
	}
	scores, next, hasMore := pagination.ComputePage(scores, limit, func(s snapshot.Score) (time.Time, string) {
		return s.ScoredAt, s.RunID
	})
	resp := gin.H{
		"address": address,
		"scores":  scores,
		"count":   len(scores),
		"hasMore": hasMore,
	}
	if hasMore {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// GetLatestRun returns the most recent run and all of its scores.
// GET /v1/runs/latest
func (h *Handler) GetLatestRun(c *gin.Context) {
	ctx := c.Request.Context()
	run, err := h.store.LatestRun(ctx)
	if errors.Is(err, snapshot.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No scoring run has completed yet",
		})
		return
	}
	if err == nil {
		var scores []snapshot.Score
		if scores, err = h.store.RunScores(ctx, run.ID); err == nil {
			c.JSON(http.StatusOK, gin.H{"run": run, "scores": scores, "count": len(scores)})
			return
		}
	}
	logging.L(ctx).Error("latest run lookup failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "query_failed",
		"message": "Failed to load latest run",
	})
}

// ScoreRequest is the body of POST /v1/risk/score.
type ScoreRequest struct {
	Transactions []source.Record `json:"transactions"`
	// Wallets is the scoring population. When empty, every wallet appearing
	// in Transactions is scored, in order of first appearance.
	Wallets []string `json:"wallets"`
}

// ScoreInline scores a population supplied in the request body. Nothing is
// stored. ?strict=true rejects non-address wallet IDs, unknown actions and
// malformed amounts instead of ignoring them.
// POST /v1/risk/score
func (h *Handler) ScoreInline(c *gin.Context) {
	var req ScoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "Request body must contain a 'transactions' array")
		return
	}

	txs := make([]risk.Transaction, len(req.Transactions))
	for i, rec := range req.Transactions {
		txs[i] = rec.Transaction()
	}
	wallets := req.Wallets
	if len(wallets) == 0 {
		wallets = walletsOf(txs)
	}

	if len(wallets) == 0 {
		badRequest(c, "no_wallets", "At least one wallet is required")
		return
	}
	if len(wallets) > MaxInlineWallets {
		badRequest(c, "too_many_wallets", fmt.Sprintf("Maximum %d wallets per request", MaxInlineWallets))
		return
	}

	// Wallet IDs are opaque, case-insensitive identifiers; strict mode also
	// requires them to be hex addresses.
	strict := c.Query("strict") == "true"
	checks := make([]func() *validation.ValidationError, 0, len(wallets))
	for i, w := range wallets {
		field, id := fmt.Sprintf("wallets[%d]", i), strings.TrimSpace(w)
		checks = append(checks, validation.Required(field, id))
		if strict {
			checks = append(checks, validation.ValidAddress(field, id))
		}
	}
	if strict {
		for i, tx := range txs {
			checks = append(checks,
				validation.KnownAction(fmt.Sprintf("transactions[%d].action", i), tx.Action),
				validation.ValidAmount(fmt.Sprintf("transactions[%d].actionData.amount", i), tx.Amount),
			)
		}
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	rows, err := h.scoreInline(c.Request.Context(), source.NewStaticSource(txs), wallets)
	if err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"scores": rows, "count": len(rows)})
}

func (h *Handler) scoreInline(ctx context.Context, src source.Source, wallets []string) ([]risk.Row, error) {
	table := risk.NewFeatureTable()
	for _, w := range wallets {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		if _, dup := table.Get(w); dup {
			continue
		}
		txs, err := src.Transactions(ctx, w)
		if err != nil {
			return nil, err
		}
		res := h.extractor.Extract(w, txs)
		if err := table.Append(w, res.FeaturesOrDefault()); err != nil {
			return nil, err
		}
	}
	return risk.Join(table, h.scorer.Score(table)), nil
}

// TriggerRun runs the pipeline over the configured wallet list and returns
// once it has finished.
// POST /v1/runs
func (h *Handler) TriggerRun(c *gin.Context) {
	if h.runner == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error":   "not_available",
			"message": "Run triggering is not configured",
		})
		return
	}
	if h.runner.Busy() {
		runInProgress(c)
		return
	}

	// A disconnecting client must not abort a run that sinks are writing.
	ctx := context.WithoutCancel(c.Request.Context())
	wallets, err := h.wallets(ctx)
	if err != nil {
		logging.L(ctx).Error("load wallet list failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "wallet_list_unavailable",
			"message": "Failed to load the wallet list",
		})
		return
	}

	res, err := h.runner.TryRun(ctx, wallets)
	switch {
	case errors.Is(err, pipeline.ErrRunInProgress):
		runInProgress(c)
		return
	case errors.Is(err, pipeline.ErrNoWallets):
		badRequest(c, "no_wallets", "The wallet list is empty")
		return
	case res == nil:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "run_failed",
			"message": err.Error(),
		})
		return
	}

	resp := gin.H{
		"runId":      res.RunID,
		"source":     res.Source,
		"startedAt":  res.StartedAt,
		"finishedAt": res.FinishedAt,
		"stats":      res.Stats,
	}
	if err != nil {
		resp["sinkError"] = err.Error()
	}
	c.JSON(http.StatusAccepted, resp)
}

// Stream upgrades to the run event WebSocket.
// GET /v1/runs/stream
func (h *Handler) Stream(c *gin.Context) {
	if h.stream == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error":   "not_available",
			"message": "Run streaming is not configured",
		})
		return
	}
	h.stream(c.Writer, c.Request)
}

func runInProgress(c *gin.Context) {
	c.JSON(http.StatusConflict, gin.H{
		"error":   "run_in_progress",
		"message": "A scoring run is already in progress",
	})
}

func badRequest(c *gin.Context, code, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": code, "message": msg})
}

func walletsOf(txs []risk.Transaction) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, tx := range txs {
		if tx.Wallet == "" {
			continue
		}
		if _, ok := seen[tx.Wallet]; ok {
			continue
		}
		seen[tx.Wallet] = struct{}{}
		out = append(out, tx.Wallet)
	}
	return out
}
