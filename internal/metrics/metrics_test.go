package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "statusBucket(%d)", tt.code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	// Gauges always appear; counters only after first observation.
	assert.Contains(t, w.Body.String(), "escrowd_active_websocket_clients")

	PayoutItemsTotal.WithLabelValues("completed").Inc()

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, w.Body.String(), "escrowd_payout_items_total")
}

func TestMiddleware_RecordsRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/escrows/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/v1/escrows/:id", "4xx"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/escrows/esc_123", nil))

	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/v1/escrows/:id", "4xx"))
	assert.Equal(t, before+1, after)
}

func TestEscrowTransitions_CountsByTarget(t *testing.T) {
	EscrowTransitionsTotal.Reset()
	EscrowTransitionsTotal.WithLabelValues("held").Inc()
	EscrowTransitionsTotal.WithLabelValues("held").Inc()
	EscrowTransitionsTotal.WithLabelValues("cancelled").Inc()

	m := &dto.Metric{}
	counter, err := EscrowTransitionsTotal.GetMetricWithLabelValues("held")
	require.NoError(t, err)
	require.NoError(t, counter.Write(m))
	assert.Equal(t, 2.0, m.GetCounter().GetValue())

	cancelled := &dto.Metric{}
	require.NoError(t, EscrowTransitionsTotal.WithLabelValues("cancelled").Write(cancelled))
	assert.Equal(t, 1.0, cancelled.GetCounter().GetValue())
	require.Len(t, cancelled.GetLabel(), 1)
	assert.Equal(t, "to", cancelled.GetLabel()[0].GetName())
}

func TestPayoutSubmitDuration_Observes(t *testing.T) {
	ch := make(chan prometheus.Metric, 1)
	PayoutSubmitDuration.Collect(ch)
	before := &dto.Metric{}
	require.NoError(t, (<-ch).Write(before))

	PayoutSubmitDuration.Observe(0.2)

	PayoutSubmitDuration.Collect(ch)
	after := &dto.Metric{}
	require.NoError(t, (<-ch).Write(after))
	assert.Equal(t, before.GetHistogram().GetSampleCount()+1, after.GetHistogram().GetSampleCount())
	assert.InDelta(t, before.GetHistogram().GetSampleSum()+0.2, after.GetHistogram().GetSampleSum(), 1e-9)
}

func TestRegistered(t *testing.T) {
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"escrowd_active_websocket_clients",
		"escrowd_db_open_connections",
	} {
		assert.True(t, names[want], want)
	}
}
