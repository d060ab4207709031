package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mbd888/walletrisk/internal/risk"
)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const scoreColumns = `run_id, wallet, risk_score, band, features, components, scored_at`

func (p *PostgresStore) SaveRun(ctx context.Context, run *Run, scores []Score) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO score_runs
			(id, source, started_at, finished_at, wallets, extracted, default_empty, default_failed)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		run.ID, run.Source, run.StartedAt, run.FinishedAt,
		run.Wallets, run.Extracted, run.DefaultEmpty, run.DefaultFailed)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO wallet_scores
			(run_id, wallet, position, risk_score, band, features, components, scored_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for i, s := range scores {
		features, err := json.Marshal(s.Features)
		if err != nil {
			return err
		}
		components, err := json.Marshal(s.Components)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, run.ID, strings.ToLower(s.Wallet), i,
			s.RiskScore, string(s.Band), features, components, s.ScoredAt); err != nil {
			return fmt.Errorf("insert score for %s: %w", s.Wallet, err)
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) LatestRun(ctx context.Context) (*Run, error) {
	const q = `
		SELECT id, source, started_at, finished_at, wallets, extracted, default_empty, default_failed
		FROM score_runs
		ORDER BY finished_at DESC
		LIMIT 1`

	r := &Run{}
	err := p.db.QueryRowContext(ctx, q).Scan(&r.ID, &r.Source, &r.StartedAt, &r.FinishedAt,
		&r.Wallets, &r.Extracted, &r.DefaultEmpty, &r.DefaultFailed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (p *PostgresStore) Latest(ctx context.Context, wallet string) (*Score, error) {
	scores, err := p.History(ctx, HistoryQuery{Wallet: wallet, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(scores) == 0 {
		return nil, ErrNotFound
	}
	return &scores[0], nil
}

func (p *PostgresStore) History(ctx context.Context, q HistoryQuery) ([]Score, error) {
	query := `SELECT ` + scoreColumns + ` FROM wallet_scores WHERE wallet = $1`
	args := []any{strings.ToLower(q.Wallet)}
	argIdx := 2

	if !q.From.IsZero() {
		query += " AND scored_at >= $" + strconv.Itoa(argIdx)
		args = append(args, q.From)
		argIdx++
	}
	if !q.To.IsZero() {
		query += " AND scored_at <= $" + strconv.Itoa(argIdx)
		args = append(args, q.To)
		argIdx++
	}
	if q.After != nil {
		query += " AND (scored_at, run_id) < ($" + strconv.Itoa(argIdx) + ", $" + strconv.Itoa(argIdx+1) + ")"
		args = append(args, q.After.At, q.After.ID)
		argIdx += 2
	}

	query += " ORDER BY scored_at DESC, run_id DESC LIMIT $" + strconv.Itoa(argIdx)
	args = append(args, q.limit())

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanScores(rows)
}

func (p *PostgresStore) RunScores(ctx context.Context, runID string) ([]Score, error) {
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM score_runs WHERE id = $1)`, runID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT `+scoreColumns+` FROM wallet_scores WHERE run_id = $1 ORDER BY position`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanScores(rows)
}

func scanScores(rows *sql.Rows) ([]Score, error) {
	out := []Score{}
	for rows.Next() {
		var (
			s          Score
			band       string
			features   []byte
			components []byte
		)
		if err := rows.Scan(&s.RunID, &s.Wallet, &s.RiskScore, &band,
			&features, &components, &s.ScoredAt); err != nil {
			return nil, err
		}
		s.Band = risk.Band(band)
		if err := json.Unmarshal(features, &s.Features); err != nil {
			return nil, fmt.Errorf("decode features for %s: %w", s.Wallet, err)
		}
		if err := json.Unmarshal(components, &s.Components); err != nil {
			return nil, fmt.Errorf("decode components for %s: %w", s.Wallet, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
