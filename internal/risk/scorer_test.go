package risk

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultWeightsSumToOne(t *testing.T) {
	assert.InDelta(t, 1.0, DefaultWeights.Sum(), 1e-12)
}

func TestScoredColumns(t *testing.T) {
	cols := ScoredColumns()
	require.Len(t, cols, 8)
	assert.Equal(t, ColLiquidationCount, cols[0])

	safer := map[Column]bool{
		ColRepaymentRatio:           true,
		ColNetPosition:              true,
		ColTimeSinceLastLiquidation: true,
		ColCollateralDiversity:      true,
	}
	for _, c := range cols {
		assert.Equal(t, safer[c], IsSaferHigher(c), "column %s", c)
	}
}

func TestMinMax(t *testing.T) {
	tests := []struct {
		name string
		in   []float64
		want []float64
	}{
		{"empty", nil, []float64{}},
		{"single", []float64{42}, []float64{0}},
		{"constant", []float64{3, 3, 3}, []float64{0, 0, 0}},
		{"range", []float64{10, 20, 15}, []float64{0, 1, 0.5}},
		{"negative", []float64{-50, 50, 0}, []float64{0, 1, 0.5}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, MinMax(tc.in))
		})
	}
}

func TestMinMax_EndpointsExact(t *testing.T) {
	in := []float64{0.1, 1e10, 7.3, 123456.789, 0.1}
	out := MinMax(in)
	assert.Equal(t, 0.0, out[0])
	assert.Equal(t, 1.0, out[1])
	assert.Equal(t, 0.0, out[4])
	for _, v := range out {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
}

func mustTable(t *testing.T, rows map[string]Features, order ...string) *FeatureTable {
	t.Helper()
	tbl := NewFeatureTable()
	for _, w := range order {
		require.NoError(t, tbl.Append(w, rows[w]))
	}
	return tbl
}

func TestScore_EmptyTable(t *testing.T) {
	scores := NewScorer().Score(NewFeatureTable())
	assert.Equal(t, 0, scores.Len())
}

func TestScore_SingleWallet(t *testing.T) {
	tbl := NewFeatureTable()
	require.NoError(t, tbl.Append("0xonly", DefaultFeatures()))

	scores := NewScorer().Score(tbl)
	row, ok := scores.Get("0xonly")
	require.True(t, ok)

	// Zero variance everywhere: risk-increasing columns are 0, inverted
	// columns are 1 - 0 = 1.
	assert.InDelta(t, 350.0, row.RiskScore, 1e-9)
	assert.False(t, math.IsNaN(row.RiskScore))
}

func TestScore_IdenticalWallets(t *testing.T) {
	f := Features{
		TotalLifetimeSupply:      1000,
		NetPosition:              1000,
		BorrowFrequency:          2,
		RepaymentRatio:           0.5,
		LiquidationCount:         1,
		AverageHealthFactor:      1,
		TimeSinceLastLiquidation: 3600,
		CollateralDiversity:      2,
	}
	tbl := mustTable(t, map[string]Features{"0xa": f, "0xb": f, "0xc": f}, "0xa", "0xb", "0xc")

	scores := NewScorer().Score(tbl)
	require.Equal(t, 3, scores.Len())

	first := scores.Rows()[0].RiskScore
	for _, r := range scores.Rows() {
		assert.Equal(t, first, r.RiskScore)
		assert.False(t, math.IsNaN(r.RiskScore))
	}
	assert.InDelta(t, 350.0, first, 1e-9)
}

func TestScore_ConstantColumnsAreInert(t *testing.T) {
	low := DefaultFeatures()
	high := DefaultFeatures()
	high.LiquidationCount = 4
	high.TimeSinceLastLiquidation = 10

	scores := NewScorer().Score(mustTable(t, map[string]Features{"0xlow": low, "0xhigh": high}, "0xlow", "0xhigh"))

	for _, r := range scores.Rows() {
		assert.Equal(t, 0.0, r.Components[ColAverageHealthFactor])
		assert.Equal(t, 0.0, r.Components[ColPositionSizeVolatility])
	}
}

func TestScore_NormalizationEndpoints(t *testing.T) {
	rows := map[string]Features{
		"0xmin": {BorrowFrequency: 1, NetPosition: -500, RepaymentRatio: 0.2},
		"0xmid": {BorrowFrequency: 5, NetPosition: 0, RepaymentRatio: 0.6},
		"0xmax": {BorrowFrequency: 9, NetPosition: 500, RepaymentRatio: 1.0},
	}
	scores := NewScorer().Score(mustTable(t, rows, "0xmin", "0xmid", "0xmax"))

	minRow, _ := scores.Get("0xmin")
	maxRow, _ := scores.Get("0xmax")
	midRow, _ := scores.Get("0xmid")

	// Risk-increasing column: min -> 0, max -> 1.
	assert.Equal(t, 0.0, minRow.Components[ColBorrowFrequency])
	assert.Equal(t, 1.0, maxRow.Components[ColBorrowFrequency])
	assert.InDelta(t, 0.5, midRow.Components[ColBorrowFrequency], 1e-12)

	// Safer-is-higher columns are inverted after normalization.
	assert.Equal(t, 1.0, minRow.Components[ColNetPosition])
	assert.Equal(t, 0.0, maxRow.Components[ColNetPosition])
	assert.Equal(t, 1.0, minRow.Components[ColRepaymentRatio])
	assert.Equal(t, 0.0, maxRow.Components[ColRepaymentRatio])
}

func TestScore_BoundsAndRounding(t *testing.T) {
	rows := map[string]Features{
		"0xsafe": {
			NetPosition: 1e6, RepaymentRatio: 1, AverageHealthFactor: 1,
			TimeSinceLastLiquidation: NoLiquidationSentinel, CollateralDiversity: 5,
		},
		"0xrisky": {
			NetPosition: -1e6, RepaymentRatio: 0, BorrowFrequency: 40, LiquidationCount: 7,
			AverageHealthFactor: 1, TimeSinceLastLiquidation: 5,
		},
		"0xmiddle": {
			NetPosition: 3.3333, RepaymentRatio: 0.3333, BorrowFrequency: 3, LiquidationCount: 1,
			AverageHealthFactor: 1, TimeSinceLastLiquidation: 86400, CollateralDiversity: 1,
		},
	}
	scores := NewScorer().Score(mustTable(t, rows, "0xsafe", "0xrisky", "0xmiddle"))

	safe, _ := scores.Get("0xsafe")
	risky, _ := scores.Get("0xrisky")
	assert.Equal(t, 0.0, safe.RiskScore)
	// Everything but the two constant columns is maximal.
	assert.InDelta(t, 750.0, risky.RiskScore, 1e-9)

	for _, r := range scores.Rows() {
		assert.GreaterOrEqual(t, r.RiskScore, 0.0)
		assert.LessOrEqual(t, r.RiskScore, 1000.0)
		assert.InDelta(t, r.RiskScore, math.Round(r.RiskScore*100)/100, 1e-9)
	}
}

func TestScore_NonFiniteTreatedAsZero(t *testing.T) {
	rows := map[string]Features{
		"0xa": {NetPosition: math.NaN(), BorrowFrequency: 1},
		"0xb": {NetPosition: 10, BorrowFrequency: 2},
	}
	scores := NewScorer().Score(mustTable(t, rows, "0xa", "0xb"))
	for _, r := range scores.Rows() {
		assert.False(t, math.IsNaN(r.RiskScore))
	}
	a, _ := scores.Get("0xa")
	assert.Equal(t, 1.0, a.Components[ColNetPosition])
}

func TestScore_CustomWeights(t *testing.T) {
	rows := map[string]Features{
		"0xa": {LiquidationCount: 0},
		"0xb": {LiquidationCount: 2},
	}
	s := NewScorerWithWeights(Weights{LiquidationCount: 1})
	scores := s.Score(mustTable(t, rows, "0xa", "0xb"))

	a, _ := scores.Get("0xa")
	b, _ := scores.Get("0xb")
	assert.Equal(t, 0.0, a.RiskScore)
	assert.Equal(t, 1000.0, b.RiskScore)
}

// Two-wallet walk-through: A lends and borrows responsibly, B was liquidated.
func TestScore_EndToEndExample(t *testing.T) {
	now := fixedNow.Unix()
	e := newTestExtractor()

	a := e.Extract("0xA", []Transaction{
		{Action: "deposit", Amount: "100", AssetSymbol: "ETH", AssetPriceUSD: "2000", Timestamp: now - 86400},
		{Action: "borrow", Amount: "50000000", AssetSymbol: "USDC", AssetPriceUSD: "1", Timestamp: now - 3600},
		{Action: "repay", Amount: "50000000", AssetSymbol: "USDC", AssetPriceUSD: "1", Timestamp: now - 60},
	})
	b := e.Extract("0xB", []Transaction{
		{Action: "liquidate", Amount: "1", AssetSymbol: "ETH", AssetPriceUSD: "2000", Timestamp: now - 30},
	})
	require.True(t, a.OK)
	require.True(t, b.OK)

	assert.Equal(t, 200000.0, a.Features.TotalLifetimeSupply)
	assert.Equal(t, 50.0, a.Features.TotalLifetimeBorrow)
	assert.Equal(t, 1, a.Features.BorrowFrequency)
	assert.Equal(t, 1.0, a.Features.RepaymentRatio)
	assert.Equal(t, 1, a.Features.CollateralDiversity)
	assert.Equal(t, 0, a.Features.LiquidationCount)

	assert.Equal(t, 1, b.Features.LiquidationCount)
	assert.Equal(t, 0.0, b.Features.TotalLifetimeSupply)
	assert.Equal(t, 0.0, b.Features.TotalLifetimeBorrow)
	assert.Equal(t, 0, b.Features.BorrowFrequency)
	assert.Equal(t, 1.0, b.Features.RepaymentRatio)
	assert.Equal(t, int64(30), b.Features.TimeSinceLastLiquidation)

	tbl := NewFeatureTable()
	require.NoError(t, tbl.Append(a.Wallet, a.Features))
	require.NoError(t, tbl.Append(b.Wallet, b.Features))
	scores := NewScorer().Score(tbl)

	sa, ok := scores.Get("0xa")
	require.True(t, ok)
	sb, ok := scores.Get("0xb")
	require.True(t, ok)

	assert.Equal(t, 0.0, sa.Components[ColLiquidationCount])
	assert.Equal(t, 1.0, sb.Components[ColLiquidationCount])
	assert.Equal(t, 0.0, sa.Components[ColNetPosition])
	assert.Equal(t, 1.0, sb.Components[ColNetPosition])

	assert.InDelta(t, 250.0, sa.RiskScore, 1e-9)
	assert.InDelta(t, 650.0, sb.RiskScore, 1e-9)
	assert.Greater(t, sb.RiskScore, sa.RiskScore)
}
