package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeatureTable_AppendLowercasesAndRejectsDuplicates(t *testing.T) {
	tbl := NewFeatureTable()
	require.NoError(t, tbl.Append("0xABCDEF", DefaultFeatures()))
	require.NoError(t, tbl.Append("0x123456", DefaultFeatures()))

	err := tbl.Append("0xabcdef", DefaultFeatures())
	assert.ErrorIs(t, err, ErrDuplicateWallet)

	assert.Equal(t, 2, tbl.Len())
	assert.Equal(t, []string{"0xabcdef", "0x123456"}, tbl.Wallets())

	f, ok := tbl.Get("0xAbCdEf")
	require.True(t, ok)
	assert.Equal(t, DefaultFeatures(), f)

	_, ok = tbl.Get("0xmissing")
	assert.False(t, ok)
}

func TestFeatureTable_RowsIsCopy(t *testing.T) {
	tbl := NewFeatureTable()
	require.NoError(t, tbl.Append("0xa", DefaultFeatures()))

	rows := tbl.Rows()
	rows[0].Features.LiquidationCount = 99

	f, _ := tbl.Get("0xa")
	assert.Equal(t, 0, f.LiquidationCount)
}

func TestJoin(t *testing.T) {
	risky := DefaultFeatures()
	risky.LiquidationCount = 3
	risky.TimeSinceLastLiquidation = 100

	tbl := NewFeatureTable()
	require.NoError(t, tbl.Append("0xsafe", DefaultFeatures()))
	require.NoError(t, tbl.Append("0xrisky", risky))

	scores := NewScorer().Score(tbl)
	rows := Join(tbl, scores)
	require.Len(t, rows, 2)

	assert.Equal(t, "0xsafe", rows[0].Wallet)
	assert.Equal(t, DefaultFeatures(), rows[0].Features)
	assert.Equal(t, "0xrisky", rows[1].Wallet)
	assert.Equal(t, 3, rows[1].Features.LiquidationCount)
	assert.Greater(t, rows[1].RiskScore, rows[0].RiskScore)
	assert.Equal(t, BandFor(rows[1].RiskScore), rows[1].Band)
	assert.NotEmpty(t, rows[1].Components)
}

func TestJoin_SkipsUnscoredWallets(t *testing.T) {
	tbl := NewFeatureTable()
	require.NoError(t, tbl.Append("0xa", DefaultFeatures()))
	scores := NewScorer().Score(tbl)

	require.NoError(t, tbl.Append("0xlate", DefaultFeatures()))
	rows := Join(tbl, scores)
	require.Len(t, rows, 1)
	assert.Equal(t, "0xa", rows[0].Wallet)
}

func TestBandFor(t *testing.T) {
	tests := []struct {
		score float64
		want  Band
	}{
		{0, BandLow},
		{249.99, BandLow},
		{250, BandModerate},
		{499.99, BandModerate},
		{500, BandHigh},
		{749.99, BandHigh},
		{750, BandCritical},
		{1000, BandCritical},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, BandFor(tc.score), "score %v", tc.score)
	}
}
