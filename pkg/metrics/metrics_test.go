package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistryObserveAndSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST /v1/execute", 200, 15*time.Millisecond)
	r.Observe("POST /v1/execute", 503, 35*time.Millisecond)
	r.IncDecision("ALLOW")
	r.IncDecision("ALLOW")
	r.IncRiskLevel("LOW")
	r.IncFactor("SMALL_GROUP")
	r.IncAppliedRule("R2")
	r.IncReceiptsIssued()

	snap := r.Snapshot()
	ep, ok := snap.Endpoints["POST /v1/execute"]
	if !ok {
		t.Fatal("missing endpoint metric")
	}
	if ep.Count != 2 {
		t.Fatalf("expected count=2 got=%d", ep.Count)
	}
	if ep.ErrorCount != 1 {
		t.Fatalf("expected error_count=1 got=%d", ep.ErrorCount)
	}
	if ep.MaxMillis != 35 {
		t.Fatalf("expected max_millis=35 got=%d", ep.MaxMillis)
	}
	if snap.Decisions["ALLOW"] != 2 {
		t.Fatalf("expected ALLOW=2 got=%d", snap.Decisions["ALLOW"])
	}
	if snap.RiskLevels["LOW"] != 1 {
		t.Fatalf("expected LOW=1 got=%d", snap.RiskLevels["LOW"])
	}
	if snap.FactorCodes["SMALL_GROUP"] != 1 {
		t.Fatalf("expected SMALL_GROUP=1 got=%d", snap.FactorCodes["SMALL_GROUP"])
	}
	if snap.AppliedRules["R2"] != 1 {
		t.Fatalf("expected R2=1 got=%d", snap.AppliedRules["R2"])
	}
	if snap.ReceiptsIssuedTotal != 1 {
		t.Fatalf("expected receipts_issued_total=1 got=%d", snap.ReceiptsIssuedTotal)
	}
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]int{"b": 2, "a": 1, "c": 3})
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys got=%d", len(keys))
	}
	if keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Fatalf("unexpected order: %#v", keys)
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST /v1/execute", 200, 12*time.Millisecond)
	r.Observe("POST /v1/execute", 500, 20*time.Millisecond)
	r.IncDecision("REWRITE")
	r.IncRiskLevel("HIGH")
	r.IncReceiptsIssued()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil)
	r.PrometheusHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "privacygate_endpoint_count") {
		t.Fatalf("missing endpoint metric: %s", body)
	}
	if !strings.Contains(body, `privacygate_decision_total{decision="REWRITE"} 1`) {
		t.Fatalf("missing decision metric: %s", body)
	}
	if !strings.Contains(body, "privacygate_receipts_issued_total 1") {
		t.Fatalf("missing receipts counter: %s", body)
	}
}

func TestJSONHandlerAndEmptyInputs(t *testing.T) {
	r := NewRegistry()
	r.IncDecision("")
	r.IncRiskLevel("")
	r.IncFactor("")
	r.IncAppliedRule("")
	r.Observe("GET /healthz", 204, 5*time.Millisecond)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected json content type, got %q", got)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "\"generated_at\"") {
		t.Fatalf("expected generated timestamp in body: %s", body)
	}
	if strings.Contains(body, "\"\"") {
		t.Fatalf("did not expect empty-key counters in body: %s", body)
	}
}
