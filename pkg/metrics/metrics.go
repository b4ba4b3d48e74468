package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry tracks request-level and privacy-decision counters for the
// gateway. It is safe for concurrent use across requests.
type Registry struct {
	mu            sync.RWMutex
	endpoint      map[string]*EndpointStat
	decision      map[string]int64
	riskLevel     map[string]int64
	factorCode    map[string]int64
	appliedRule   map[string]int64
	receiptsTotal int64
	verifyLatency VerifyLatencyStat
	Histograms    *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type VerifyLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt         string                  `json:"generated_at"`
	Endpoints           map[string]EndpointStat `json:"endpoints"`
	Decisions           map[string]int64        `json:"decisions"`
	RiskLevels          map[string]int64        `json:"risk_levels"`
	FactorCodes         map[string]int64        `json:"factor_codes"`
	AppliedRules        map[string]int64        `json:"applied_rules"`
	ReceiptsIssuedTotal int64                   `json:"receipts_issued_total"`
	VerifyLatencyMS     VerifyLatencyStat       `json:"verify_latency_ms"`
	Histograms          []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:    map[string]*EndpointStat{},
		decision:    map[string]int64{},
		riskLevel:   map[string]int64{},
		factorCode:  map[string]int64{},
		appliedRule: map[string]int64{},
		Histograms:  NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) IncDecision(decision string) {
	decision = strings.TrimSpace(decision)
	if decision == "" {
		return
	}
	r.mu.Lock()
	r.decision[decision]++
	r.mu.Unlock()
}

func (r *Registry) IncRiskLevel(level string) {
	level = strings.TrimSpace(level)
	if level == "" {
		return
	}
	r.mu.Lock()
	r.riskLevel[level]++
	r.mu.Unlock()
}

func (r *Registry) IncFactor(code string) {
	code = strings.TrimSpace(code)
	if code == "" {
		return
	}
	r.mu.Lock()
	r.factorCode[code]++
	r.mu.Unlock()
}

func (r *Registry) IncAppliedRule(rule string) {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return
	}
	r.mu.Lock()
	r.appliedRule[rule]++
	r.mu.Unlock()
}

func (r *Registry) IncReceiptsIssued() {
	r.mu.Lock()
	r.receiptsTotal++
	r.mu.Unlock()
}

func (r *Registry) ObserveVerifyLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifyLatency.Count++
	r.verifyLatency.TotalMS += ms
	r.verifyLatency.LastMS = ms
	if ms > r.verifyLatency.MaxMS {
		r.verifyLatency.MaxMS = ms
	}
	r.verifyLatency.AvgMS = float64(r.verifyLatency.TotalMS) / float64(r.verifyLatency.Count)
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:         time.Now().UTC().Format(time.RFC3339),
		Endpoints:           make(map[string]EndpointStat, len(r.endpoint)),
		Decisions:           make(map[string]int64, len(r.decision)),
		RiskLevels:          make(map[string]int64, len(r.riskLevel)),
		FactorCodes:         make(map[string]int64, len(r.factorCode)),
		AppliedRules:        make(map[string]int64, len(r.appliedRule)),
		ReceiptsIssuedTotal: r.receiptsTotal,
		VerifyLatencyMS: VerifyLatencyStat{
			Count:   r.verifyLatency.Count,
			TotalMS: r.verifyLatency.TotalMS,
			MaxMS:   r.verifyLatency.MaxMS,
			LastMS:  r.verifyLatency.LastMS,
			AvgMS:   r.verifyLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.decision {
		out.Decisions[k] = v
	}
	for k, v := range r.riskLevel {
		out.RiskLevels[k] = v
	}
	for k, v := range r.factorCode {
		out.FactorCodes[k] = v
	}
	for k, v := range r.appliedRule {
		out.AppliedRules[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}

		b.WriteString("# HELP privacygate_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE privacygate_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "privacygate_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP privacygate_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE privacygate_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "privacygate_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP privacygate_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE privacygate_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "privacygate_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP privacygate_decision_total queries by final decision\n")
		b.WriteString("# TYPE privacygate_decision_total counter\n")
		for _, decision := range SortedKeys(snap.Decisions) {
			fmt.Fprintf(b, "privacygate_decision_total{decision=%q} %d\n", decision, snap.Decisions[decision])
		}
		b.WriteString("# HELP privacygate_risk_level_total queries by risk level\n")
		b.WriteString("# TYPE privacygate_risk_level_total counter\n")
		for _, level := range SortedKeys(snap.RiskLevels) {
			fmt.Fprintf(b, "privacygate_risk_level_total{level=%q} %d\n", level, snap.RiskLevels[level])
		}
		b.WriteString("# HELP privacygate_factor_total risk factors raised, by code\n")
		b.WriteString("# TYPE privacygate_factor_total counter\n")
		for _, code := range SortedKeys(snap.FactorCodes) {
			fmt.Fprintf(b, "privacygate_factor_total{code=%q} %d\n", code, snap.FactorCodes[code])
		}
		b.WriteString("# HELP privacygate_rewrite_rule_total rewrite rules applied, by rule id\n")
		b.WriteString("# TYPE privacygate_rewrite_rule_total counter\n")
		for _, rule := range SortedKeys(snap.AppliedRules) {
			fmt.Fprintf(b, "privacygate_rewrite_rule_total{rule=%q} %d\n", rule, snap.AppliedRules[rule])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP privacygate_latency_seconds latency histogram\n")
			b.WriteString("# TYPE privacygate_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "privacygate_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "privacygate_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "privacygate_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "privacygate_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "privacygate_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "privacygate_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "privacygate_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		b.WriteString("# HELP privacygate_verify_latency_ms receipt verification latency in ms\n")
		b.WriteString("# TYPE privacygate_verify_latency_ms gauge\n")
		fmt.Fprintf(b, "privacygate_verify_latency_ms{stat=%q} %d\n", "last", snap.VerifyLatencyMS.LastMS)
		fmt.Fprintf(b, "privacygate_verify_latency_ms{stat=%q} %.3f\n", "avg", snap.VerifyLatencyMS.AvgMS)
		fmt.Fprintf(b, "privacygate_verify_latency_ms{stat=%q} %d\n", "max", snap.VerifyLatencyMS.MaxMS)

		b.WriteString("# HELP privacygate_receipts_issued_total receipts issued since process start\n")
		b.WriteString("# TYPE privacygate_receipts_issued_total counter\n")
		fmt.Fprintf(b, "privacygate_receipts_issued_total %d\n", snap.ReceiptsIssuedTotal)

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
