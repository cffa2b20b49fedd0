package observ

import (
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Thin facade over a dedicated Prometheus registry. Metric vectors are
// created lazily on first use; label names are fixed by the first call
// for a given metric name, so callers must keep label sets consistent.
type registry struct {
	mu       sync.Mutex
	reg      *prometheus.Registry
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
	hist     map[string]*prometheus.HistogramVec
}

var reg = &registry{
	reg:      prometheus.NewRegistry(),
	counters: map[string]*prometheus.CounterVec{},
	gauges:   map[string]*prometheus.GaugeVec{},
	hist:     map[string]*prometheus.HistogramVec{},
}

func labelNames(lbl map[string]string) []string {
	if len(lbl) == 0 {
		return nil
	}
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	reg.mu.Lock()
	vec, ok := reg.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: name},
			labelNames(labels),
		)
		reg.reg.MustRegister(vec)
		reg.counters[name] = vec
	}
	reg.mu.Unlock()
	vec.With(prometheus.Labels(labels)).Add(value)
}

func SetGauge(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	vec, ok := reg.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: name},
			labelNames(labels),
		)
		reg.reg.MustRegister(vec)
		reg.gauges[name] = vec
	}
	reg.mu.Unlock()
	vec.With(prometheus.Labels(labels)).Set(value)
}

func Observe(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	vec, ok := reg.hist[name]
	if !ok {
		vec = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    name,
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
			},
			labelNames(labels),
		)
		reg.reg.MustRegister(vec)
		reg.hist[name] = vec
	}
	reg.mu.Unlock()
	vec.With(prometheus.Labels(labels)).Observe(value)
}

// Handler exposes the metrics registry in Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(reg.reg, promhttp.HandlerOpts{})
}
