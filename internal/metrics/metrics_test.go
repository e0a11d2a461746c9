package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{202, "2xx"},
		{301, "3xx"},
		{409, "4xx"},
		{422, "4xx"},
		{502, "5xx"},
	}

	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "escrowcore_active_websocket_clients") {
		t.Error("Expected gauge escrowcore_active_websocket_clients")
	}

	SettlementsTotal.WithLabelValues("dispute", "settled").Inc()

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(w.Body.String(), "escrowcore_settlements_total") {
		t.Error("Expected escrowcore_settlements_total after incrementing")
	}
}

func TestObserveChainCall(t *testing.T) {
	before := testutil.CollectAndCount(ChainCallDuration)
	ObserveChainCall("test_distribute", time.Now(), nil)
	ObserveChainCall("test_distribute", time.Now(), errors.New("timeout"))
	after := testutil.CollectAndCount(ChainCallDuration)
	if after-before != 2 {
		t.Errorf("expected 2 new series (ok, error), got %d", after-before)
	}
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/disputes/:id", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/disputes/dsp_1", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/disputes/:id", "2xx"))
	if got < 1 {
		t.Errorf("expected request counted under route pattern, got %v", got)
	}
}

func TestDisputeResolutionDuration_Observes(t *testing.T) {
	DisputeResolutionDuration.Reset()
	DisputeResolutionDuration.WithLabelValues("split").Observe(3600)

	ch := make(chan prometheus.Metric, 4)
	DisputeResolutionDuration.Collect(ch)
	close(ch)

	found := false
	for metric := range ch {
		m := &dto.Metric{}
		if err := metric.Write(m); err != nil {
			t.Fatalf("write metric: %v", err)
		}
		if m.Histogram != nil && m.Histogram.GetSampleCount() == 1 && m.Histogram.GetSampleSum() == 3600 {
			found = true
		}
	}
	if !found {
		t.Error("expected histogram with one 3600s sample")
	}
}
