package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPMetricsMiddleware_Basic(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	mw := HTTPMetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(204) }))
	mw.ServeHTTP(rec, r)
	if rec.Result().StatusCode != 204 {
		t.Fatalf("want 204")
	}
}

func TestCrawlMetricsHelpers(t *testing.T) {
	InitMetrics()
	ObserveUpstream("polygon", "success", 120*time.Millisecond)
	ObserveUpstream("polygon", "over_limit", 80*time.Millisecond)
	AcquireHit("polygon")
	AcquireMiss("keyword")
	TaskTransition("running")
	TaskTransition("waiting")
	StartTaskRun()
	FinishTaskRun()
	ProxyRetriesTotal.WithLabelValues("polygon").Inc()
	PagesFetchedTotal.Inc()
	POIRowsWrittenTotal.Add(25)
	ExecutorQueueDepth.Set(2)
}
