package risk

import "math"

// Column names a weighted feature column.
type Column string

const (
	ColLiquidationCount         Column = "liquidation_count"
	ColAverageHealthFactor      Column = "average_health_factor"
	ColRepaymentRatio           Column = "repayment_ratio"
	ColBorrowFrequency          Column = "borrow_frequency"
	ColNetPosition              Column = "net_position"
	ColTimeSinceLastLiquidation Column = "time_since_last_liquidation"
	ColCollateralDiversity      Column = "collateral_diversity"
	ColPositionSizeVolatility   Column = "position_size_volatility"
)

// Components maps each weighted column to its normalized, risk-oriented
// value in [0,1] for one wallet (after inversion).
type Components map[Column]float64

// Weights for the scored columns (must sum to 1.0)
type Weights struct {
	LiquidationCount         float64
	AverageHealthFactor      float64
	RepaymentRatio           float64
	BorrowFrequency          float64
	NetPosition              float64
	TimeSinceLastLiquidation float64
	CollateralDiversity      float64
	PositionSizeVolatility   float64
}

// DefaultWeights is the fixed production weight vector.
//
// AverageHealthFactor and PositionSizeVolatility are constant for every
// wallet today, so their 0.25 combined weight never contributes.
var DefaultWeights = Weights{
	LiquidationCount:         0.30,
	AverageHealthFactor:      0.20,
	RepaymentRatio:           0.15,
	BorrowFrequency:          0.10,
	NetPosition:              0.10,
	TimeSinceLastLiquidation: 0.05,
	CollateralDiversity:      0.05,
	PositionSizeVolatility:   0.05,
}

// Sum returns the total weight.
func (w Weights) Sum() float64 {
	return w.LiquidationCount + w.AverageHealthFactor + w.RepaymentRatio +
		w.BorrowFrequency + w.NetPosition + w.TimeSinceLastLiquidation +
		w.CollateralDiversity + w.PositionSizeVolatility
}

func (w Weights) of(c Column) float64 {
	switch c {
	case ColLiquidationCount:
		return w.LiquidationCount
	case ColAverageHealthFactor:
		return w.AverageHealthFactor
	case ColRepaymentRatio:
		return w.RepaymentRatio
	case ColBorrowFrequency:
		return w.BorrowFrequency
	case ColNetPosition:
		return w.NetPosition
	case ColTimeSinceLastLiquidation:
		return w.TimeSinceLastLiquidation
	case ColCollateralDiversity:
		return w.CollateralDiversity
	case ColPositionSizeVolatility:
		return w.PositionSizeVolatility
	}
	return 0
}

type column struct {
	name  Column
	value func(Features) float64
	// safer marks columns where a higher raw value means lower risk.
	safer bool
}

var scoredColumns = []column{
	{ColLiquidationCount, func(f Features) float64 { return float64(f.LiquidationCount) }, false},
	{ColAverageHealthFactor, func(f Features) float64 { return f.AverageHealthFactor }, false},
	{ColRepaymentRatio, func(f Features) float64 { return f.RepaymentRatio }, true},
	{ColBorrowFrequency, func(f Features) float64 { return float64(f.BorrowFrequency) }, false},
	{ColNetPosition, func(f Features) float64 { return f.NetPosition }, true},
	{ColTimeSinceLastLiquidation, func(f Features) float64 { return float64(f.TimeSinceLastLiquidation) }, true},
	{ColCollateralDiversity, func(f Features) float64 { return float64(f.CollateralDiversity) }, true},
	{ColPositionSizeVolatility, func(f Features) float64 { return f.PositionSizeVolatility }, false},
}

// ScoredColumns returns the weighted column names in scoring order.
func ScoredColumns() []Column {
	out := make([]Column, len(scoredColumns))
	for i, c := range scoredColumns {
		out[i] = c.name
	}
	return out
}

// IsSaferHigher reports whether c is inverted after normalization.
func IsSaferHigher(c Column) bool {
	for _, sc := range scoredColumns {
		if sc.name == c {
			return sc.safer
		}
	}
	return false
}

// Scorer turns a complete FeatureTable into a ScoreTable.
type Scorer struct {
	weights Weights
}

// NewScorer creates a scorer with DefaultWeights.
func NewScorer() *Scorer {
	return &Scorer{weights: DefaultWeights}
}

// NewScorerWithWeights creates a scorer with custom weights.
func NewScorerWithWeights(w Weights) *Scorer {
	return &Scorer{weights: w}
}

// Score normalizes every weighted column across the table and combines them.
// It needs the whole population: min and max are taken over all rows.
func (s *Scorer) Score(table *FeatureTable) *ScoreTable {
	n := table.Len()
	out := newScoreTable(n)
	if n == 0 {
		return out
	}

	normalized := make(map[Column][]float64, len(scoredColumns))
	for _, c := range scoredColumns {
		raw := make([]float64, n)
		for i, r := range table.rows {
			raw[i] = finite(c.value(r.Features))
		}
		norm := MinMax(raw)
		if c.safer {
			for i := range norm {
				norm[i] = 1 - norm[i]
			}
		}
		normalized[c.name] = norm
	}

	for i, r := range table.rows {
		comps := make(Components, len(scoredColumns))
		var factor float64
		for _, c := range scoredColumns {
			v := normalized[c.name][i]
			comps[c.name] = v
			factor += v * s.weights.of(c.name)
		}
		out.add(ScoreRow{
			Wallet:     r.Wallet,
			RiskScore:  roundTo(factor*1000, 2),
			Components: comps,
		})
	}
	return out
}

// MinMax rescales values into [0,1] using their own minimum and maximum.
// A zero-variance column maps every value to 0.
func MinMax(values []float64) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	span := hi - lo
	if span == 0 {
		return out
	}
	for i, v := range values {
		out[i] = (v - lo) / span
	}
	return out
}

func roundTo(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
