// Package metrics is a small hand-rolled registry exposed in Prometheus
// text format; enough for a gateway without pulling in a client library.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry holds metrics. Keys are "name|labels".
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]uint64
	gauges     map[string]int64
	histograms map[string]*Histogram
}

type Histogram struct {
	Count   uint64
	Sum     float64
	Buckets []float64
	Counts  []uint64
}

var metricHelp = map[string]string{
	"requests_total":           "Total number of requests handled",
	"in_flight_requests":       "Requests currently being handled",
	"pool_idle_connections":    "Idle pooled connections per upstream",
	"upstream_up":              "Whether the last connection attempt to the upstream succeeded",
	"upstream_latency_seconds": "Time spent serving the request",
}

var metricType = map[string]string{
	"requests_total":           "counter",
	"in_flight_requests":       "gauge",
	"pool_idle_connections":    "gauge",
	"upstream_up":              "gauge",
	"upstream_latency_seconds": "histogram",
}

func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]uint64),
		gauges:     make(map[string]int64),
		histograms: make(map[string]*Histogram),
	}
}

func (r *Registry) IncRequest(route, upstream, method, status string) {
	key := fmt.Sprintf("requests_total|route=%q,upstream=%q,method=%q,status=%q",
		route, upstream, method, status)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[key]++
}

func (r *Registry) IncInFlight(route string) {
	key := fmt.Sprintf("in_flight_requests|route=%q", route)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[key]++
}

func (r *Registry) DecInFlight(route string) {
	key := fmt.Sprintf("in_flight_requests|route=%q", route)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[key]--
}

func (r *Registry) SetPoolIdle(upstream string, n int) {
	key := fmt.Sprintf("pool_idle_connections|upstream=%q", upstream)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[key] = int64(n)
}

func (r *Registry) SetUpstreamUp(upstream string, up bool) {
	key := fmt.Sprintf("upstream_up|upstream=%q", upstream)
	v := int64(0)
	if up {
		v = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[key] = v
}

func (r *Registry) ObserveLatency(route, upstream string, duration time.Duration) {
	key := fmt.Sprintf("upstream_latency_seconds|route=%q,upstream=%q", route, upstream)
	val := duration.Seconds()

	buckets := []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.histograms[key]
	if !ok {
		h = &Histogram{
			Buckets: buckets,
			Counts:  make([]uint64, len(buckets)),
		}
		r.histograms[key] = h
	}

	h.Count++
	h.Sum += val
	for i, b := range h.Buckets {
		if val <= b {
			h.Counts[i]++
		}
	}
}

func (r *Registry) WritePrometheus(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	writeHeader := func(seen map[string]bool, name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, metricHelp[name])
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, metricType[name])
	}

	seen := make(map[string]bool)

	keys := make([]string, 0, len(r.counters))
	for k := range r.counters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name, labels, ok := strings.Cut(k, "|")
		if !ok {
			continue
		}
		writeHeader(seen, name)
		_, _ = fmt.Fprintf(w, "%s{%s} %d\n", name, labels, r.counters[k])
	}

	keys = keys[:0]
	for k := range r.gauges {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name, labels, ok := strings.Cut(k, "|")
		if !ok {
			continue
		}
		writeHeader(seen, name)
		_, _ = fmt.Fprintf(w, "%s{%s} %d\n", name, labels, r.gauges[k])
	}

	keys = keys[:0]
	for k := range r.histograms {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name, labels, ok := strings.Cut(k, "|")
		if !ok {
			continue
		}
		writeHeader(seen, name)
		h := r.histograms[k]
		for i, b := range h.Buckets {
			_, _ = fmt.Fprintf(w, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, b, h.Counts[i])
		}
		_, _ = fmt.Fprintf(w, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, h.Count)
		_, _ = fmt.Fprintf(w, "%s_sum{%s} %g\n", name, labels, h.Sum)
		_, _ = fmt.Fprintf(w, "%s_count{%s} %d\n", name, labels, h.Count)
	}
}
