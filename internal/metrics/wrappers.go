package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// register adds c to the default registry, returning the already registered
// collector when an identical one exists.
func register[T prometheus.Collector](c T) T {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		// Other errors leave c unregistered but usable
	}
	return c
}

// Counter wraps prometheus.Counter
type Counter struct {
	counter prometheus.Counter
}

// NewCounter creates a counter with constant labels, reusing a registered one.
func NewCounter(name, help string, labels map[string]string) *Counter {
	return &Counter{counter: register(prometheus.NewCounter(prometheus.CounterOpts{
		Name:        name,
		Help:        help,
		ConstLabels: labels,
	}))}
}

func (c *Counter) Inc() {
	c.counter.Inc()
}

func (c *Counter) Add(v float64) {
	c.counter.Add(v)
}

// Value reads the current count, for stats endpoints.
func (c *Counter) Value() float64 {
	return readValue(c.counter)
}

// Gauge wraps prometheus.Gauge
type Gauge struct {
	gauge prometheus.Gauge
}

// NewGauge creates a gauge with constant labels, reusing a registered one.
func NewGauge(name, help string, labels map[string]string) *Gauge {
	return &Gauge{gauge: register(prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        name,
		Help:        help,
		ConstLabels: labels,
	}))}
}

func (g *Gauge) Set(v float64) {
	g.gauge.Set(v)
}

func (g *Gauge) Value() float64 {
	return readValue(g.gauge)
}

// Histogram wraps prometheus.Histogram
type Histogram struct {
	histogram prometheus.Histogram
}

// NewHistogram creates a histogram with constant labels, reusing a registered one.
func NewHistogram(name, help string, labels map[string]string, buckets []float64) *Histogram {
	return &Histogram{histogram: register(prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        name,
		Help:        help,
		ConstLabels: labels,
		Buckets:     buckets,
	}))}
}

// Observe adds a single observation to the histogram
func (h *Histogram) Observe(v float64) {
	h.histogram.Observe(v)
}

func readValue(m prometheus.Metric) float64 {
	var out dto.Metric
	if err := m.Write(&out); err != nil {
		return 0
	}
	switch {
	case out.Counter != nil:
		return out.Counter.GetValue()
	case out.Gauge != nil:
		return out.Gauge.GetValue()
	}
	return 0
}
