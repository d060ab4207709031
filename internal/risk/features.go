package risk

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// NoLiquidationSentinel is TimeSinceLastLiquidation for wallets never liquidated.
const NoLiquidationSentinel int64 = 10_000_000_000

// Placeholders until a data source exists for them.
const (
	DefaultHealthFactor       = 1.0
	DefaultPositionVolatility = 0.0
)

// Features is the fixed per-wallet behavioral record.
type Features struct {
	TotalLifetimeBorrow      float64 `json:"total_lifetime_borrow"`
	TotalLifetimeSupply      float64 `json:"total_lifetime_supply"`
	NetPosition              float64 `json:"net_position"`
	BorrowFrequency          int     `json:"borrow_frequency"`
	RepaymentRatio           float64 `json:"repayment_ratio"`
	LiquidationCount         int     `json:"liquidation_count"`
	AverageHealthFactor      float64 `json:"average_health_factor"`
	TimeSinceLastLiquidation int64   `json:"time_since_last_liquidation"`
	CollateralDiversity      int     `json:"collateral_diversity"`
	PositionSizeVolatility   float64 `json:"position_size_volatility"`
}

// DefaultFeatures is the safe record used when a wallet has no usable data.
func DefaultFeatures() Features {
	return Features{
		RepaymentRatio:           1.0,
		AverageHealthFactor:      DefaultHealthFactor,
		TimeSinceLastLiquidation: NoLiquidationSentinel,
		PositionSizeVolatility:   DefaultPositionVolatility,
	}
}

// ExtractResult is the outcome of extracting one wallet. When OK is false,
// Reason says why and Features must be replaced by the caller.
type ExtractResult struct {
	Wallet   string
	Features Features
	OK       bool
	Reason   string
}

// Failure reasons.
const (
	ReasonNoTransactions = "no transactions"
)

// FeaturesOrDefault returns the extracted record, or DefaultFeatures on failure.
func (r ExtractResult) FeaturesOrDefault() Features {
	if !r.OK {
		return DefaultFeatures()
	}
	return r.Features
}

// Extractor derives Features from a wallet's transactions.
type Extractor struct {
	now func() time.Time
}

// NewExtractor creates an extractor using the wall clock.
func NewExtractor() *Extractor {
	return &Extractor{now: time.Now}
}

// WithClock sets the clock used for TimeSinceLastLiquidation.
func (e *Extractor) WithClock(now func() time.Time) *Extractor {
	e.now = now
	return e
}

// Extract produces one Features record for wallet. It never returns an
// error; malformed fields contribute 0 and an empty input is reported as a
// failed result.
func (e *Extractor) Extract(wallet string, txs []Transaction) (res ExtractResult) {
	res.Wallet = wallet
	if len(txs) == 0 {
		res.Reason = ReasonNoTransactions
		return res
	}

	var (
		supply, borrow        decimal.Decimal
		borrowCount, repayCnt int
		liquidations          int
		lastLiquidation       int64
	)
	collateral := make(map[string]struct{})

	for _, tx := range txs {
		switch ParseAction(tx.Action) {
		case ActionDeposit:
			supply = supply.Add(usdContribution(tx))
			collateral[tx.AssetSymbol] = struct{}{}
		case ActionBorrow:
			borrow = borrow.Add(usdContribution(tx))
			borrowCount++
		case ActionRepay:
			repayCnt++
		case ActionLiquidation:
			if liquidations == 0 || tx.Timestamp > lastLiquidation {
				lastLiquidation = tx.Timestamp
			}
			liquidations++
		}
	}

	f := DefaultFeatures()
	f.TotalLifetimeSupply = finite(supply.InexactFloat64())
	f.TotalLifetimeBorrow = finite(borrow.InexactFloat64())
	f.NetPosition = finite(supply.Sub(borrow).InexactFloat64())
	f.BorrowFrequency = borrowCount
	if borrowCount > 0 {
		f.RepaymentRatio = float64(repayCnt) / float64(borrowCount)
	}
	f.LiquidationCount = liquidations
	if liquidations > 0 {
		f.TimeSinceLastLiquidation = sinceUnix(e.now(), lastLiquidation)
	}
	f.CollateralDiversity = len(collateral)

	res.Features = f
	res.OK = true
	return res
}

// usdContribution is tx's USD value, or 0 when it does not fit a float64.
func usdContribution(tx Transaction) decimal.Decimal {
	v := tx.USDValue()
	if math.IsInf(v.InexactFloat64(), 0) {
		return decimal.Zero
	}
	return v
}

// sinceUnix returns now minus ts in seconds, floored at 0 for timestamps in
// the future.
func sinceUnix(now time.Time, ts int64) int64 {
	d := now.Unix() - ts
	if d < 0 {
		return 0
	}
	return d
}

// finite replaces NaN and infinities with 0.
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
