package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{204, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{409, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "code %d", tt.code)
	}
}

func TestObserveFetch(t *testing.T) {
	okBefore := counterValue(t, SourceFetchesTotal.WithLabelValues("test", "ok"))
	errBefore := counterValue(t, SourceFetchesTotal.WithLabelValues("test", "error"))

	ObserveFetch("test", nil, 10*time.Millisecond)
	ObserveFetch("test", errors.New("boom"), time.Millisecond)
	ObserveFetch("test", nil, time.Millisecond)

	assert.Equal(t, okBefore+2, counterValue(t, SourceFetchesTotal.WithLabelValues("test", "ok")))
	assert.Equal(t, errBefore+1, counterValue(t, SourceFetchesTotal.WithLabelValues("test", "error")))
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	WalletsProcessedTotal.WithLabelValues(OutcomeDefaultEmpty).Inc()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "walletrisk_last_run_wallets")
	assert.Contains(t, body, "walletrisk_active_websocket_clients")
	assert.Contains(t, body, `walletrisk_wallets_processed_total{outcome="default_empty"}`)
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/risk/:address", func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	})

	counter := HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/v1/risk/:address", "4xx")
	before := counterValue(t, counter)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/risk/0xabc", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, before+1, counterValue(t, counter))
}
