// Package pipeline runs the two-phase scoring batch: extract every wallet's
// features (concurrently, bounded), then score the complete table at once and
// hand the result to the configured sinks.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/walletrisk/internal/risk"
)

var (
	// ErrNoWallets is returned when the wallet list is empty after cleanup.
	ErrNoWallets = errors.New("pipeline: no wallets to score")

	// ErrRunInProgress is returned by TryRun while another run holds the runner.
	ErrRunInProgress = errors.New("pipeline: a run is already in progress")
)

// Stats counts how each wallet's feature record was produced.
type Stats struct {
	Wallets       int `json:"wallets"`
	Extracted     int `json:"extracted"`
	DefaultEmpty  int `json:"defaultEmpty"`
	DefaultFailed int `json:"defaultFailed"`
	Duplicates    int `json:"duplicates"`
}

// Result is the outcome of one run.
type Result struct {
	RunID      string
	Source     string
	StartedAt  time.Time
	FinishedAt time.Time
	Features   *risk.FeatureTable
	Scores     *risk.ScoreTable
	Rows       []risk.Row
	Stats      Stats
}

// Duration is the wall time of the run.
func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Sink receives every completed run.
type Sink interface {
	Name() string
	Write(ctx context.Context, res *Result) error
}

// Listener is told when runs start and finish. RunFinished receives the
// result (nil if the run aborted) and the run's error.
type Listener interface {
	RunStarted(runID string, wallets int)
	RunFinished(res *Result, err error)
}
