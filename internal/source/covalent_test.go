package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/walletrisk/internal/circuitbreaker"
	"github.com/mbd888/walletrisk/internal/risk"
)

func newTestCovalent(t *testing.T, h http.HandlerFunc) (*CovalentSource, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	src := NewCovalentSource(CovalentConfig{
		BaseURL:    srv.URL,
		APIKey:     "cqt_test",
		ChainID:    137,
		Attempts:   3,
		RetryDelay: time.Millisecond,
	}, circuitbreaker.New(100, time.Minute), testLogger())
	return src, srv
}

func TestCovalent_PaginatesAndConverts(t *testing.T) {
	var pages atomic.Int32
	src, _ := newTestCovalent(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/137/address/0xabc/transfers_v2/", r.URL.Path)
		assert.Equal(t, "cqt_test", r.URL.Query().Get("key"))
		assert.Equal(t, "1000", r.URL.Query().Get("page-size"))
		pages.Add(1)

		switch r.URL.Query().Get("page-number") {
		case "0":
			fmt.Fprint(w, `{"data":{"items":[
				{"block_signed_at":"2024-01-01T00:00:00Z","transfers":[
					{"delta":"50000000","contract_ticker_symbol":"USDC","contract_decimals":6,"quote_rate":1.0},
					{"delta":"-2000000000000000000","contract_ticker_symbol":"WETH","contract_decimals":18,"quote_rate":2500.5}
				]}
			],"pagination":{"has_more":true}}}`)
		case "1":
			fmt.Fprint(w, `{"data":{"items":[
				{"block_signed_at":"2024-01-02T00:00:00Z","delta":"7","contract_ticker_symbol":"LINK"}
			],"pagination":{"has_more":false}}}`)
		default:
			t.Errorf("unexpected page %s", r.URL.Query().Get("page-number"))
		}
	})

	txs, err := src.Transactions(context.Background(), "0xABC")
	require.NoError(t, err)
	assert.Equal(t, int32(2), pages.Load())
	require.Len(t, txs, 3)

	usdc := txs[0]
	assert.Equal(t, "deposit", usdc.Action)
	assert.Equal(t, "USDC", usdc.AssetSymbol)
	assert.Equal(t, "50000000", usdc.Amount, "stablecoins are carried in micro-units")
	assert.Equal(t, "1", usdc.AssetPriceUSD)
	assert.Equal(t, int64(1704067200), usdc.Timestamp)
	assert.Equal(t, "0xabc", usdc.Wallet)
	assert.InDelta(t, 50.0, usdc.USDValue().InexactFloat64(), 1e-12)

	weth := txs[1]
	assert.Equal(t, "repay", weth.Action)
	assert.Equal(t, "2", weth.Amount)
	assert.InDelta(t, 5001.0, weth.USDValue().InexactFloat64(), 1e-9)

	link := txs[2]
	assert.Equal(t, "deposit", link.Action)
	assert.Equal(t, "0.000000000000000007", link.Amount, "missing decimals default to 18")
	assert.Equal(t, "0", link.AssetPriceUSD)
}

func TestCovalent_StopsOnEmptyItems(t *testing.T) {
	var pages atomic.Int32
	src, _ := newTestCovalent(t, func(w http.ResponseWriter, r *http.Request) {
		pages.Add(1)
		fmt.Fprint(w, `{"data":{"items":[],"pagination":{"has_more":true}}}`)
	})

	txs, err := src.Transactions(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.NotNil(t, txs)
	assert.Empty(t, txs)
	assert.Equal(t, int32(1), pages.Load())
}

func TestCovalent_FirstPageErrorSurfaced(t *testing.T) {
	var calls atomic.Int32
	src, _ := newTestCovalent(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "invalid key", http.StatusUnauthorized)
	})

	_, err := src.Transactions(context.Background(), "0xabc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, int32(1), calls.Load(), "4xx is not retried")
}

func TestCovalent_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	src, _ := newTestCovalent(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"data":{"items":[{"delta":"1","contract_ticker_symbol":"DAI","contract_decimals":18}],"pagination":{"has_more":false}}}`)
	})

	txs, err := src.Transactions(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Len(t, txs, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCovalent_MidPaginationFailureKeepsItems(t *testing.T) {
	src, _ := newTestCovalent(t, func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page-number"))
		if page > 0 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"data":{"items":[{"delta":"1","contract_ticker_symbol":"WBTC","contract_decimals":8}],"pagination":{"has_more":true}}}`)
	})

	txs, err := src.Transactions(context.Background(), "0xabc")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "0.00000001", txs[0].Amount)
}

func TestCovalent_ErrorEnvelope(t *testing.T) {
	src, _ := newTestCovalent(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":true,"error_message":"chain not supported"}`)
	})
	_, err := src.Transactions(context.Background(), "0xabc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chain not supported")
}

func TestCovalent_CircuitOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	src := NewCovalentSource(CovalentConfig{
		BaseURL: srv.URL, APIKey: "k", ChainID: 1, Attempts: 1, RetryDelay: time.Millisecond,
	}, circuitbreaker.New(2, time.Hour), testLogger())

	for i := 0; i < 2; i++ {
		_, err := src.Transactions(context.Background(), "0xabc")
		require.Error(t, err)
	}
	_, err := src.Transactions(context.Background(), "0xabc")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load())
}

func TestConvertCovalentTransfer_BadDelta(t *testing.T) {
	tx := convertCovalentTransfer("0xabc", covalentTransfer{Delta: "oops", TickerSymbol: "USDT"})
	assert.Equal(t, string(risk.ActionRepay), tx.Action)
	assert.Equal(t, "0", tx.Amount)
	assert.Equal(t, int64(0), tx.Timestamp)
}
