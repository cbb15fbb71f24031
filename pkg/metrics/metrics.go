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

type Registry struct {
	mu             sync.RWMutex
	endpoint       map[string]*EndpointStat
	decision       map[string]int64
	reason         map[string]int64
	ruleHits       map[string]int64
	gauges         map[string]float64
	dedupeHits     map[string]int64
	sweptTotal     int64
	decisionsTotal int64
	Histograms     *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt    string                  `json:"generated_at"`
	Endpoints      map[string]EndpointStat `json:"endpoints"`
	Decisions      map[string]int64        `json:"decisions"`
	Reasons        map[string]int64        `json:"reasons"`
	RuleHits       map[string]int64        `json:"rule_hits"`
	Gauges         map[string]float64      `json:"gauges"`
	DedupeHits     map[string]int64        `json:"dedupe_hits"`
	SweptTotal     int64                   `json:"swept_total"`
	DecisionsTotal int64                   `json:"decisions_total"`
	Histograms     []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:   map[string]*EndpointStat{},
		decision:   map[string]int64{},
		reason:     map[string]int64{},
		ruleHits:   map[string]int64{},
		gauges:     map[string]float64{},
		dedupeHits: map[string]int64{},
		Histograms: NewHistogramRegistry(),
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

// IncDecision counts a decision by kind (proceed, denied, approval, dry_run,
// duplicate) and, when set, by reason and matched rule.
func (r *Registry) IncDecision(kind, reason, ruleID string) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisionsTotal++
	r.decision[kind]++
	if reason = strings.TrimSpace(reason); reason != "" {
		r.reason[reason]++
	}
	if ruleID = strings.TrimSpace(ruleID); ruleID != "" {
		r.ruleHits[ruleID]++
	}
}

// IncDedupeHit counts a short-circuited duplicate by path ("fast" for the
// cache window, "durable" for the audit trail).
func (r *Registry) IncDedupeHit(path string) {
	path = strings.TrimSpace(path)
	if path == "" {
		return
	}
	r.mu.Lock()
	r.dedupeHits[path]++
	r.mu.Unlock()
}

// AddSwept accumulates how many pending records the stale sweep closed.
func (r *Registry) AddSwept(n int64) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.sweptTotal += n
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:    time.Now().UTC().Format(time.RFC3339),
		Endpoints:      make(map[string]EndpointStat, len(r.endpoint)),
		Decisions:      make(map[string]int64, len(r.decision)),
		Reasons:        make(map[string]int64, len(r.reason)),
		RuleHits:       make(map[string]int64, len(r.ruleHits)),
		Gauges:         make(map[string]float64, len(r.gauges)),
		DedupeHits:     make(map[string]int64, len(r.dedupeHits)),
		SweptTotal:     r.sweptTotal,
		DecisionsTotal: r.decisionsTotal,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.decision {
		out.Decisions[k] = v
	}
	for k, v := range r.reason {
		out.Reasons[k] = v
	}
	for k, v := range r.ruleHits {
		out.RuleHits[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	for k, v := range r.dedupeHits {
		out.DedupeHits[k] = v
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
		b.WriteString("# HELP replyguy_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE replyguy_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "replyguy_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP replyguy_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE replyguy_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "replyguy_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP replyguy_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE replyguy_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "replyguy_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP replyguy_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE replyguy_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "replyguy_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP replyguy_decision_total total decisions by kind\n")
		b.WriteString("# TYPE replyguy_decision_total counter\n")
		for _, kind := range SortedKeys(snap.Decisions) {
			fmt.Fprintf(b, "replyguy_decision_total{kind=%q} %d\n", kind, snap.Decisions[kind])
		}
		b.WriteString("# HELP replyguy_decision_reason_total total decisions by reason\n")
		b.WriteString("# TYPE replyguy_decision_reason_total counter\n")
		for _, reason := range SortedKeys(snap.Reasons) {
			fmt.Fprintf(b, "replyguy_decision_reason_total{reason=%q} %d\n", reason, snap.Reasons[reason])
		}
		b.WriteString("# HELP replyguy_rule_hit_total terminal rule matches by rule id\n")
		b.WriteString("# TYPE replyguy_rule_hit_total counter\n")
		for _, rule := range SortedKeys(snap.RuleHits) {
			fmt.Fprintf(b, "replyguy_rule_hit_total{rule=%q} %d\n", rule, snap.RuleHits[rule])
		}
		b.WriteString("# HELP replyguy_dedupe_hit_total duplicate short-circuits by path\n")
		b.WriteString("# TYPE replyguy_dedupe_hit_total counter\n")
		for _, path := range SortedKeys(snap.DedupeHits) {
			fmt.Fprintf(b, "replyguy_dedupe_hit_total{path=%q} %d\n", path, snap.DedupeHits[path])
		}
		b.WriteString("# HELP replyguy_swept_total pending audit records marked stale\n")
		b.WriteString("# TYPE replyguy_swept_total counter\n")
		fmt.Fprintf(b, "replyguy_swept_total %d\n", snap.SweptTotal)
		b.WriteString("# HELP replyguy_gauge operational gauge metrics\n")
		b.WriteString("# TYPE replyguy_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "replyguy_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP replyguy_latency_seconds latency histogram\n")
			b.WriteString("# TYPE replyguy_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "replyguy_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "replyguy_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "replyguy_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "replyguy_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "replyguy_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "replyguy_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "replyguy_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}
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
