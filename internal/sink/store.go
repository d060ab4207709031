package sink

import (
	"context"
	"fmt"

	"github.com/mbd888/walletrisk/internal/pipeline"
	"github.com/mbd888/walletrisk/internal/snapshot"
)

// StoreSink persists runs to a snapshot store.
type StoreSink struct {
	store snapshot.Store
}

// NewStoreSink creates a sink over store.
func NewStoreSink(store snapshot.Store) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Name() string { return "store" }

func (s *StoreSink) Write(ctx context.Context, res *pipeline.Result) error {
	run := RunFromResult(res)
	scores := snapshot.ScoresFromRows(res.RunID, res.FinishedAt, res.Rows)
	if err := s.store.SaveRun(ctx, run, scores); err != nil {
		return fmt.Errorf("save run %s: %w", res.RunID, err)
	}
	return nil
}

// RunFromResult summarizes a pipeline result as a snapshot run.
func RunFromResult(res *pipeline.Result) *snapshot.Run {
	return &snapshot.Run{
		ID:            res.RunID,
		Source:        res.Source,
		StartedAt:     res.StartedAt,
		FinishedAt:    res.FinishedAt,
		Wallets:       res.Stats.Wallets,
		Extracted:     res.Stats.Extracted,
		DefaultEmpty:  res.Stats.DefaultEmpty,
		DefaultFailed: res.Stats.DefaultFailed,
	}
}
