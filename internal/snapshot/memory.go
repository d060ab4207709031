package snapshot

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryStore implements Store in memory.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   []*Run
	scores map[string][]Score // run ID -> scores in insertion order
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{scores: make(map[string][]Score)}
}

func (m *MemoryStore) SaveRun(_ context.Context, run *Run, scores []Score) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.scores[run.ID]; ok {
		return fmt.Errorf("snapshot: run %s already saved", run.ID)
	}
	r := *run
	m.runs = append(m.runs, &r)

	copied := make([]Score, len(scores))
	for i, s := range scores {
		s.RunID = run.ID
		s.Wallet = strings.ToLower(s.Wallet)
		copied[i] = s
	}
	m.scores[run.ID] = copied
	return nil
}

func (m *MemoryStore) LatestRun(_ context.Context) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Run
	for _, r := range m.runs {
		if latest == nil || !r.FinishedAt.Before(latest.FinishedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	out := *latest
	return &out, nil
}

func (m *MemoryStore) Latest(ctx context.Context, wallet string) (*Score, error) {
	scores, err := m.History(ctx, HistoryQuery{Wallet: wallet, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(scores) == 0 {
		return nil, ErrNotFound
	}
	return &scores[0], nil
}

func (m *MemoryStore) History(_ context.Context, q HistoryQuery) ([]Score, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wallet := strings.ToLower(q.Wallet)
	var results []Score
	for _, r := range m.runs {
		for _, s := range m.scores[r.ID] {
			if s.Wallet != wallet {
				continue
			}
			if !q.From.IsZero() && s.ScoredAt.Before(q.From) {
				continue
			}
			if !q.To.IsZero() && s.ScoredAt.After(q.To) {
				continue
			}
			if !q.After.Admits(s.ScoredAt, s.RunID) {
				continue
			}
			results = append(results, s)
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if !results[i].ScoredAt.Equal(results[j].ScoredAt) {
			return results[i].ScoredAt.After(results[j].ScoredAt)
		}
		return results[i].RunID > results[j].RunID
	})

	if limit := q.limit(); len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (m *MemoryStore) RunScores(_ context.Context, runID string) ([]Score, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	scores, ok := m.scores[runID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Score, len(scores))
	copy(out, scores)
	return out, nil
}
