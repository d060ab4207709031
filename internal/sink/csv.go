// Package sink delivers completed scoring runs: a CSV report, the snapshot
// store, and a Kafka topic.
package sink

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/mbd888/walletrisk/internal/pipeline"
	"github.com/mbd888/walletrisk/internal/risk"
)

// CSVHeader is the column layout of the report file.
var CSVHeader = []string{
	"wallet",
	"total_lifetime_borrow",
	"total_lifetime_supply",
	"net_position",
	"borrow_frequency",
	"repayment_ratio",
	"liquidation_count",
	"average_health_factor",
	"time_since_last_liquidation",
	"collateral_diversity",
	"position_size_volatility",
	"risk_score",
}

// CSVSink writes one row per wallet to a file, replacing it on every run.
type CSVSink struct {
	path string
}

// NewCSVSink creates a sink writing to path.
func NewCSVSink(path string) *CSVSink {
	return &CSVSink{path: path}
}

func (s *CSVSink) Name() string { return "csv" }

// Write renders the run to a temp file beside path and renames it into
// place, so readers never see a half-written report.
func (s *CSVSink) Write(_ context.Context, res *pipeline.Result) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".wallet_risk_*.csv")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := WriteCSV(tmp, res.Rows); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	return nil
}

// WriteCSV writes the header and rows to w.
func WriteCSV(w io.Writer, rows []risk.Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, r := range rows {
		if err := cw.Write(csvRecord(r)); err != nil {
			return fmt.Errorf("write row %s: %w", r.Wallet, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func csvRecord(r risk.Row) []string {
	f := r.Features
	return []string{
		r.Wallet,
		formatFloat(f.TotalLifetimeBorrow),
		formatFloat(f.TotalLifetimeSupply),
		formatFloat(f.NetPosition),
		strconv.Itoa(f.BorrowFrequency),
		formatFloat(f.RepaymentRatio),
		strconv.Itoa(f.LiquidationCount),
		formatFloat(f.AverageHealthFactor),
		strconv.FormatInt(f.TimeSinceLastLiquidation, 10),
		strconv.Itoa(f.CollateralDiversity),
		formatFloat(f.PositionSizeVolatility),
		formatFloat(r.RiskScore),
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
