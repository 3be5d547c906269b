// Metrics collection for the axiplot host.
//
// A small Prometheus-text-format registry: counters (optionally labeled),
// gauges and histograms. The serial engine and device session record their
// traffic here, and the monitor server exposes the registry for scraping.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// value is a float64 updated atomically through its bit pattern.
type value struct {
	bits atomic.Uint64
}

func (v *value) add(delta float64) {
	for {
		old := v.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if v.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (v *value) set(x float64) {
	v.bits.Store(math.Float64bits(x))
}

func (v *value) get() float64 {
	return math.Float64frombits(v.bits.Load())
}

// Counter is a monotonically increasing value.
type Counter struct {
	v value
}

// Inc adds one.
func (c *Counter) Inc() { c.v.add(1) }

// Add adds a non-negative delta; negative deltas are ignored.
func (c *Counter) Add(delta float64) {
	if delta > 0 {
		c.v.add(delta)
	}
}

// Value returns the current count.
func (c *Counter) Value() float64 { return c.v.get() }

// Gauge is a value that can go up and down.
type Gauge struct {
	v value
}

// Set replaces the value.
func (g *Gauge) Set(x float64) { g.v.set(x) }

// Add shifts the value by delta.
func (g *Gauge) Add(delta float64) { g.v.add(delta) }

// Value returns the current value.
func (g *Gauge) Value() float64 { return g.v.get() }

// Histogram tracks a distribution across fixed buckets.
type Histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

// Observe records one sample.
func (h *Histogram) Observe(x float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, upper := range h.buckets {
		if x <= upper {
			h.counts[i]++
		}
	}
	h.sum += x
	h.count++
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// CounterVec is a family of counters keyed by label values.
type CounterVec struct {
	labelNames []string
	mu         sync.Mutex
	children   map[string]*Counter
}

// With returns the counter for the given label values, creating it on
// first use. The number of values must match the label names.
func (cv *CounterVec) With(labelValues ...string) *Counter {
	if len(labelValues) != len(cv.labelNames) {
		panic(fmt.Sprintf("metrics: got %d label values, want %d",
			len(labelValues), len(cv.labelNames)))
	}
	key := strings.Join(labelValues, "\x00")
	cv.mu.Lock()
	defer cv.mu.Unlock()
	c, ok := cv.children[key]
	if !ok {
		c = &Counter{}
		cv.children[key] = c
	}
	return c
}

type metricKind int

const (
	kindCounter metricKind = iota
	kindGauge
	kindHistogram
	kindCounterVec
)

type metric struct {
	name string
	help string
	kind metricKind

	counter    *Counter
	gauge      *Gauge
	histogram  *Histogram
	counterVec *CounterVec
}

// Registry holds named metrics and renders them in Prometheus text format.
type Registry struct {
	mu      sync.Mutex
	metrics map[string]*metric
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]*metric)}
}

var (
	defaultMu       sync.Mutex
	defaultRegistry *Registry
)

// Default returns the process-wide registry.
func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultRegistry == nil {
		defaultRegistry = NewRegistry()
	}
	return defaultRegistry
}

func (r *Registry) register(name, help string, kind metricKind) *metric {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.metrics[name]; ok {
		if m.kind != kind {
			panic(fmt.Sprintf("metrics: %s re-registered with a different kind", name))
		}
		return m
	}
	m := &metric{name: name, help: help, kind: kind}
	r.metrics[name] = m
	r.order = append(r.order, name)
	return m
}

// Counter returns the named counter, registering it on first use.
func (r *Registry) Counter(name, help string) *Counter {
	m := r.register(name, help, kindCounter)
	if m.counter == nil {
		m.counter = &Counter{}
	}
	return m.counter
}

// Gauge returns the named gauge, registering it on first use.
func (r *Registry) Gauge(name, help string) *Gauge {
	m := r.register(name, help, kindGauge)
	if m.gauge == nil {
		m.gauge = &Gauge{}
	}
	return m.gauge
}

// Histogram returns the named histogram, registering it on first use.
func (r *Registry) Histogram(name, help string, buckets []float64) *Histogram {
	m := r.register(name, help, kindHistogram)
	if m.histogram == nil {
		sorted := append([]float64(nil), buckets...)
		sort.Float64s(sorted)
		m.histogram = &Histogram{buckets: sorted, counts: make([]uint64, len(sorted))}
	}
	return m.histogram
}

// CounterVec returns the named counter family, registering it on first use.
func (r *Registry) CounterVec(name, help string, labelNames ...string) *CounterVec {
	m := r.register(name, help, kindCounterVec)
	if m.counterVec == nil {
		m.counterVec = &CounterVec{
			labelNames: labelNames,
			children:   make(map[string]*Counter),
		}
	}
	return m.counterVec
}

// Gather renders every metric in Prometheus text exposition format.
func (r *Registry) Gather() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var sb strings.Builder
	for _, name := range r.order {
		m := r.metrics[name]
		typeName := "counter"
		switch m.kind {
		case kindGauge:
			typeName = "gauge"
		case kindHistogram:
			typeName = "histogram"
		}
		fmt.Fprintf(&sb, "# HELP %s %s\n", m.name, m.help)
		fmt.Fprintf(&sb, "# TYPE %s %s\n", m.name, typeName)

		switch m.kind {
		case kindCounter:
			fmt.Fprintf(&sb, "%s %s\n", m.name, formatValue(m.counter.Value()))
		case kindGauge:
			fmt.Fprintf(&sb, "%s %s\n", m.name, formatValue(m.gauge.Value()))
		case kindHistogram:
			h := m.histogram
			h.mu.Lock()
			for i, upper := range h.buckets {
				fmt.Fprintf(&sb, "%s_bucket{le=\"%s\"} %d\n", m.name, formatValue(upper), h.counts[i])
			}
			fmt.Fprintf(&sb, "%s_bucket{le=\"+Inf\"} %d\n", m.name, h.count)
			fmt.Fprintf(&sb, "%s_sum %s\n", m.name, formatValue(h.sum))
			fmt.Fprintf(&sb, "%s_count %d\n", m.name, h.count)
			h.mu.Unlock()
		case kindCounterVec:
			cv := m.counterVec
			cv.mu.Lock()
			keys := make([]string, 0, len(cv.children))
			for k := range cv.children {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				values := strings.Split(k, "\x00")
				pairs := make([]string, len(values))
				for i, v := range values {
					pairs[i] = fmt.Sprintf("%s=%q", cv.labelNames[i], v)
				}
				fmt.Fprintf(&sb, "%s{%s} %s\n", m.name, strings.Join(pairs, ","),
					formatValue(cv.children[k].Value()))
			}
			cv.mu.Unlock()
		}
	}
	return sb.String()
}

func formatValue(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%g", v)
}

// Handler serves the registry over HTTP for scraping.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprint(w, r.Gather())
	})
}
