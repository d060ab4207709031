package risk

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestExtractor() *Extractor {
	return NewExtractor().WithClock(func() time.Time { return fixedNow })
}

func TestParseAction(t *testing.T) {
	tests := []struct {
		in   string
		want Action
	}{
		{"deposit", ActionDeposit},
		{"Deposit", ActionDeposit},
		{" borrow ", ActionBorrow},
		{"repay", ActionRepay},
		{"liquidate", ActionLiquidation},
		{"liquidation", ActionLiquidation},
		{"LIQUIDATION", ActionLiquidation},
		{"redeemUnderlying", ActionUnknown},
		{"", ActionUnknown},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, ParseAction(tc.in), "input %q", tc.in)
	}
}

func TestNormalizeAmount(t *testing.T) {
	assert.True(t, decimal.NewFromInt(50).Equal(NormalizeAmount("USDC", decimal.NewFromInt(50_000_000))))
	assert.True(t, decimal.NewFromInt(3).Equal(NormalizeAmount("DAI", decimal.NewFromInt(3_000_000))))
	assert.True(t, decimal.NewFromInt(100).Equal(NormalizeAmount("ETH", decimal.NewFromInt(100))))
}

func TestEncodeAmountRoundTrip(t *testing.T) {
	tokens := decimal.RequireFromString("12.5")
	for _, sym := range []string{"USDC", "USDT", "DAI", "WETH"} {
		encoded := EncodeAmount(sym, tokens)
		got := NormalizeAmount(sym, ParseDecimal(encoded))
		assert.True(t, tokens.Equal(got), "symbol %s: got %s", sym, got)
	}
	assert.Equal(t, "12500000", EncodeAmount("USDC", tokens))
}

func TestParseDecimal(t *testing.T) {
	assert.True(t, ParseDecimal("").IsZero())
	assert.True(t, ParseDecimal("not-a-number").IsZero())
	assert.True(t, ParseDecimal("NaN").IsZero())
	assert.Equal(t, "1.5", ParseDecimal(" 1.5 ").String())
	assert.Equal(t, "0.00001", ParseDecimal("1e-5").String())
}

func TestDefaultFeatures(t *testing.T) {
	f := DefaultFeatures()
	assert.Equal(t, Features{
		RepaymentRatio:           1.0,
		AverageHealthFactor:      1.0,
		TimeSinceLastLiquidation: 10_000_000_000,
	}, f)
}

func TestExtract_EmptyIsFailure(t *testing.T) {
	res := newTestExtractor().Extract("0xabc", nil)

	assert.False(t, res.OK)
	assert.Equal(t, ReasonNoTransactions, res.Reason)
	assert.Equal(t, DefaultFeatures(), res.FeaturesOrDefault())
}

func TestExtract_OnlyUnknownActionsMatchesDefault(t *testing.T) {
	res := newTestExtractor().Extract("0xabc", []Transaction{
		{Action: "redeemUnderlying", Amount: "5", AssetSymbol: "ETH", AssetPriceUSD: "2000"},
		{Action: "flashloan", Amount: "1", AssetSymbol: "ETH", AssetPriceUSD: "2000"},
	})

	require.True(t, res.OK)
	assert.Equal(t, DefaultFeatures(), res.Features)
}

func TestExtract_LendingActivity(t *testing.T) {
	txs := []Transaction{
		{Action: "deposit", Amount: "100", AssetSymbol: "ETH", AssetPriceUSD: "2000", Timestamp: 1700000000},
		{Action: "deposit", Amount: "1000000", AssetSymbol: "USDC", AssetPriceUSD: "1", Timestamp: 1700000100},
		{Action: "deposit", Amount: "2", AssetSymbol: "ETH", AssetPriceUSD: "2000", Timestamp: 1700000200},
		{Action: "borrow", Amount: "50000000", AssetSymbol: "USDC", AssetPriceUSD: "1", Timestamp: 1700000300},
		{Action: "borrow", Amount: "1", AssetSymbol: "WBTC", AssetPriceUSD: "30000", Timestamp: 1700000400},
		{Action: "repay", Amount: "50000000", AssetSymbol: "USDC", AssetPriceUSD: "1", Timestamp: 1700000500},
	}

	res := newTestExtractor().Extract("0xabc", txs)
	require.True(t, res.OK)
	f := res.Features

	assert.InDelta(t, 204001.0, f.TotalLifetimeSupply, 1e-9)
	assert.InDelta(t, 30050.0, f.TotalLifetimeBorrow, 1e-9)
	assert.InDelta(t, 173951.0, f.NetPosition, 1e-9)
	assert.Equal(t, 2, f.BorrowFrequency)
	assert.InDelta(t, 0.5, f.RepaymentRatio, 1e-12)
	assert.Equal(t, 0, f.LiquidationCount)
	assert.Equal(t, NoLiquidationSentinel, f.TimeSinceLastLiquidation)
	assert.Equal(t, 2, f.CollateralDiversity)
	assert.Equal(t, 1.0, f.AverageHealthFactor)
	assert.Equal(t, 0.0, f.PositionSizeVolatility)
}

func TestExtract_RepaymentRatioWithoutBorrows(t *testing.T) {
	res := newTestExtractor().Extract("0xabc", []Transaction{
		{Action: "repay", Amount: "1", AssetSymbol: "ETH", AssetPriceUSD: "1"},
		{Action: "repay", Amount: "1", AssetSymbol: "ETH", AssetPriceUSD: "1"},
		{Action: "repay", Amount: "1", AssetSymbol: "ETH", AssetPriceUSD: "1"},
	})

	require.True(t, res.OK)
	assert.Equal(t, 0, res.Features.BorrowFrequency)
	assert.Equal(t, 1.0, res.Features.RepaymentRatio)
}

func TestExtract_TimeSinceLastLiquidation(t *testing.T) {
	now := fixedNow.Unix()
	res := newTestExtractor().Extract("0xabc", []Transaction{
		{Action: "liquidate", Timestamp: now - 5000},
		{Action: "liquidation", Timestamp: now - 120},
		{Action: "liquidate", Timestamp: now - 9000},
	})

	require.True(t, res.OK)
	assert.Equal(t, 3, res.Features.LiquidationCount)
	assert.Equal(t, int64(120), res.Features.TimeSinceLastLiquidation)
}

func TestExtract_LiquidationWithUnknownTimestamp(t *testing.T) {
	res := newTestExtractor().Extract("0xabc", []Transaction{{Action: "liquidate"}})

	require.True(t, res.OK)
	assert.Equal(t, fixedNow.Unix(), res.Features.TimeSinceLastLiquidation)
}

func TestExtract_FutureLiquidationFloorsAtZero(t *testing.T) {
	res := newTestExtractor().Extract("0xabc", []Transaction{
		{Action: "liquidate", Timestamp: fixedNow.Unix() + 3600},
	})

	require.True(t, res.OK)
	assert.Equal(t, int64(0), res.Features.TimeSinceLastLiquidation)
}

func TestExtract_CollateralCountsDepositsOnly(t *testing.T) {
	res := newTestExtractor().Extract("0xabc", []Transaction{
		{Action: "deposit", Amount: "1", AssetSymbol: "ETH", AssetPriceUSD: "1"},
		{Action: "deposit", Amount: "1", AssetSymbol: "ETH", AssetPriceUSD: "1"},
		{Action: "borrow", Amount: "1", AssetSymbol: "WBTC", AssetPriceUSD: "1"},
		{Action: "repay", Amount: "1", AssetSymbol: "LINK", AssetPriceUSD: "1"},
		{Action: "liquidate", AssetSymbol: "AAVE", Timestamp: fixedNow.Unix()},
	})

	require.True(t, res.OK)
	assert.Equal(t, 1, res.Features.CollateralDiversity)
}

func TestExtract_MalformedFieldsContributeZero(t *testing.T) {
	res := newTestExtractor().Extract("0xabc", []Transaction{
		{Action: "deposit", Amount: "garbage", AssetSymbol: "ETH", AssetPriceUSD: "2000"},
		{Action: "deposit", Amount: "3", AssetSymbol: "LINK", AssetPriceUSD: ""},
		{Action: "deposit", Amount: "1", AssetSymbol: "ETH", AssetPriceUSD: "2000"},
		{Action: "borrow", Amount: "1", AssetSymbol: "ETH", AssetPriceUSD: "n/a"},
	})

	require.True(t, res.OK)
	assert.InDelta(t, 2000.0, res.Features.TotalLifetimeSupply, 1e-9)
	assert.Equal(t, 0.0, res.Features.TotalLifetimeBorrow)
	assert.Equal(t, 1, res.Features.BorrowFrequency)
	assert.Equal(t, 2, res.Features.CollateralDiversity)
}

func TestExtract_OverflowingValueContributesZero(t *testing.T) {
	res := newTestExtractor().Extract("0xabc", []Transaction{
		{Action: "deposit", Amount: "1e400", AssetSymbol: "ETH", AssetPriceUSD: "2000"},
		{Action: "deposit", Amount: "1", AssetSymbol: "LINK", AssetPriceUSD: "1e400"},
		{Action: "deposit", Amount: "2", AssetSymbol: "ETH", AssetPriceUSD: "1000"},
		{Action: "borrow", Amount: "1e500", AssetSymbol: "WBTC", AssetPriceUSD: "1"},
	})

	require.True(t, res.OK)
	assert.InDelta(t, 2000.0, res.Features.TotalLifetimeSupply, 1e-9)
	assert.Equal(t, 0.0, res.Features.TotalLifetimeBorrow)
	assert.InDelta(t, 2000.0, res.Features.NetPosition, 1e-9)
	assert.Equal(t, 1, res.Features.BorrowFrequency)
	assert.Equal(t, 2, res.Features.CollateralDiversity)

	_, err := json.Marshal(res.Features)
	assert.NoError(t, err)
}

func TestExtract_OverflowingTotalIsFinite(t *testing.T) {
	// Each value fits a float64 but their sum does not.
	res := newTestExtractor().Extract("0xabc", []Transaction{
		{Action: "deposit", Amount: "1e308", AssetSymbol: "ETH", AssetPriceUSD: "1"},
		{Action: "deposit", Amount: "1e308", AssetSymbol: "ETH", AssetPriceUSD: "1"},
	})

	require.True(t, res.OK)
	assert.False(t, math.IsInf(res.Features.TotalLifetimeSupply, 0))
	assert.False(t, math.IsInf(res.Features.NetPosition, 0))
	_, err := json.Marshal(res.Features)
	assert.NoError(t, err)
}

func TestExtract_OrderIndependent(t *testing.T) {
	now := fixedNow.Unix()
	txs := []Transaction{
		{Action: "deposit", Amount: "3", AssetSymbol: "ETH", AssetPriceUSD: "1800"},
		{Action: "borrow", Amount: "100000000", AssetSymbol: "USDT", AssetPriceUSD: "1"},
		{Action: "liquidate", Timestamp: now - 10},
		{Action: "repay", Amount: "1", AssetSymbol: "USDT", AssetPriceUSD: "1"},
		{Action: "deposit", Amount: "1", AssetSymbol: "LINK", AssetPriceUSD: "15"},
		{Action: "liquidation", Timestamp: now - 500},
	}
	reversed := make([]Transaction, len(txs))
	for i, tx := range txs {
		reversed[len(txs)-1-i] = tx
	}

	e := newTestExtractor()
	assert.Equal(t, e.Extract("0xabc", txs), e.Extract("0xabc", reversed))
}
