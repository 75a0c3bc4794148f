package observability

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/msgwire/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("msgwirectl", "GET", "/health", 200, 12*time.Millisecond)
	RecordFrameWritten("metrics-test", "standard")
	RecordFrameRead("metrics-test", "disconnect")
	RecordDelivered("metrics-test")
	RecordDropped("metrics-test", "unresolved")
	RecordLoopRestart("metrics-test")
	RecordEpochStarted("metrics-test")
	RecordEpochEnded("metrics-test", "cancelled")
	SetQueueDepth("metrics-test", 3)

	if got := testutil.ToFloat64(messagesDropped.WithLabelValues("metrics-test", "unresolved")); got != 1 {
		t.Fatalf("dropped counter got=%v want=1", got)
	}
	if got := testutil.ToFloat64(queueDepth.WithLabelValues("metrics-test")); got != 3 {
		t.Fatalf("queue depth got=%v want=3", got)
	}
}

func TestRouterHealthAndMetrics(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	r := NewRouter("router-test", testlog.Logger(t), func() any {
		return map[string]int{"sessions": 2}
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" || body["service"] != "router-test" {
		t.Fatalf("unexpected health body: %#v", body)
	}
	detail, ok := body["detail"].(map[string]any)
	if !ok || detail["sessions"] != float64(2) {
		t.Fatalf("unexpected health detail: %#v", body["detail"])
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected metrics status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "msgwire_http_requests_total") {
		t.Fatalf("metrics output missing http counter")
	}
}
