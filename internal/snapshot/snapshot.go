// Package snapshot persists scoring runs and per-wallet scores so the API can
// serve the latest score and a wallet's score history.
package snapshot

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/walletrisk/internal/pagination"
	"github.com/mbd888/walletrisk/internal/risk"
)

// ErrNotFound is returned when no run or score matches.
var ErrNotFound = errors.New("snapshot: not found")

// DefaultHistoryLimit and MaxHistoryLimit bound History queries.
const (
	DefaultHistoryLimit = 100
	MaxHistoryLimit     = 1000
)

// Run summarizes one completed scoring run.
type Run struct {
	ID            string    `json:"id"`
	Source        string    `json:"source"`
	StartedAt     time.Time `json:"startedAt"`
	FinishedAt    time.Time `json:"finishedAt"`
	Wallets       int       `json:"wallets"`
	Extracted     int       `json:"extracted"`
	DefaultEmpty  int       `json:"defaultEmpty"`
	DefaultFailed int       `json:"defaultFailed"`
}

// Score is one wallet's result within a run.
type Score struct {
	RunID      string          `json:"runId"`
	Wallet     string          `json:"wallet"`
	RiskScore  float64         `json:"riskScore"`
	Band       risk.Band       `json:"band"`
	Features   risk.Features   `json:"features"`
	Components risk.Components `json:"components,omitempty"`
	ScoredAt   time.Time       `json:"scoredAt"`
}

// ScoresFromRows converts joined rows into Scores stamped with the run.
func ScoresFromRows(runID string, at time.Time, rows []risk.Row) []Score {
	out := make([]Score, len(rows))
	for i, r := range rows {
		out[i] = Score{
			RunID:      runID,
			Wallet:     r.Wallet,
			RiskScore:  r.RiskScore,
			Band:       r.Band,
			Features:   r.Features,
			Components: r.Components,
			ScoredAt:   at,
		}
	}
	return out
}

// HistoryQuery selects a wallet's past scores, newest first.
type HistoryQuery struct {
	Wallet string
	From   time.Time
	To     time.Time
	Limit  int
	// After resumes a listing: only scores sorting after it in
	// (scored_at DESC, run_id DESC) order are returned.
	After *pagination.Cursor
}

func (q HistoryQuery) limit() int {
	switch {
	case q.Limit <= 0:
		return DefaultHistoryLimit
	case q.Limit > MaxHistoryLimit+1:
		// One row past a full page lets callers detect a next page.
		return MaxHistoryLimit + 1
	default:
		return q.Limit
	}
}

// Store persists runs and their scores.
type Store interface {
	// SaveRun stores a run together with all of its scores atomically.
	SaveRun(ctx context.Context, run *Run, scores []Score) error

	// LatestRun returns the most recently finished run.
	LatestRun(ctx context.Context) (*Run, error)

	// Latest returns the newest score for a wallet.
	Latest(ctx context.Context, wallet string) (*Score, error)

	// History returns a wallet's scores matching q, newest first.
	History(ctx context.Context, q HistoryQuery) ([]Score, error)

	// RunScores returns every score of a run in wallet-list order.
	RunScores(ctx context.Context, runID string) ([]Score, error)
}
