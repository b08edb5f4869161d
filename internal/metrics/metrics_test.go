package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestMiddlewareLabelsByPattern(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /api/content/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	h := Middleware(mux)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodDelete, "/api/content/12345", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	body := scrape(t)
	if !strings.Contains(body, `welcomeapp_http_requests_total{method="DELETE",path="DELETE /api/content/{id}",status="404"} 1`) {
		t.Error("missing pattern-labelled request counter")
	}
	if !strings.Contains(body, `path="unmatched"`) {
		t.Error("missing unmatched label")
	}
	if strings.Contains(body, "12345") {
		t.Error("raw path leaked into labels")
	}
}

func TestRecorders(t *testing.T) {
	RecordFailoverAttempt("db1 (a:5432)", "connect_failed")
	RecordAcquire("read-write", 0, false)
	SetActiveEndpoint(1)
	RecordBlobOperation("local", "put", 0, true)
	RecordOrphanedBlob("create")
	SetHealthy(true)

	body := scrape(t)
	for _, want := range []string{
		`welcomeapp_failover_attempts_total{endpoint="db1 (a:5432)",outcome="connect_failed"} 1`,
		`welcomeapp_db_acquisitions_total{mode="read-write",result="error"} 1`,
		`welcomeapp_active_endpoint_index 1`,
		`welcomeapp_blob_operations_total{backend="local",operation="put",status="success"} 1`,
		`welcomeapp_orphaned_blobs_total{operation="create"} 1`,
		`welcomeapp_health_status 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %s", want)
		}
	}
}
