package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusClass(t *testing.T) {
	for code, want := range map[int]string{
		101: "1xx", 200: "2xx", 204: "2xx", 302: "3xx",
		404: "4xx", 409: "4xx", 503: "5xx", 0: "other", 700: "other",
	} {
		assert.Equal(t, want, statusClass(code), "%d", code)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())
	IntentsTotal.WithLabelValues("CANCEL", "applied").Inc()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	for _, name := range []string{
		"agentbattle_active_sessions",
		"agentbattle_active_websocket_clients",
		"agentbattle_intents_total",
		"go_goroutines",
		"promhttp_metric_handler_errors_total",
	} {
		assert.Contains(t, body, name)
	}
}

func TestMiddlewareLabelsByRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/sessions/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, path := range []string{"/v1/sessions/bs_a", "/v1/sessions/bs_b", "/nowhere"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.GreaterOrEqual(t, testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/sessions/:id", "2xx")), 2.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "4xx")), 1.0)
}

func TestTransitionsTotal(t *testing.T) {
	TransitionsTotal.Reset()
	TransitionsTotal.WithLabelValues("DELIVERED", "SETTLED").Inc()
	TransitionsTotal.WithLabelValues("DELIVERED", "SETTLED").Inc()
	TransitionsTotal.WithLabelValues("DISPUTED", "RESOLVED").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(TransitionsTotal.WithLabelValues("DELIVERED", "SETTLED")))
	assert.Equal(t, 2, testutil.CollectAndCount(TransitionsTotal))
}

func TestNegotiationRoundsBuckets(t *testing.T) {
	NegotiationRounds.Observe(0)
	NegotiationRounds.Observe(3)

	var m dto.Metric
	require.NoError(t, NegotiationRounds.Write(&m))
	h := m.GetHistogram()
	require.Len(t, h.GetBucket(), 6)
	assert.GreaterOrEqual(t, h.GetSampleCount(), uint64(2))
	assert.Equal(t, 5.0, h.GetBucket()[5].GetUpperBound())
}
