package query

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics observes the view cache.
type Metrics struct {
	hits   *prometheus.CounterVec
	misses *prometheus.CounterVec
	build  *prometheus.HistogramVec
}

// NewMetrics registers the view cache collectors. Collectors already present
// in registerer are reused so several services may share one registry.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	if registerer == nil {
		return nil, nil
	}
	m := &Metrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consol_view_cache_hits_total",
			Help: "Number of cache hits for consolidation views.",
		}, []string{"view"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consol_view_cache_miss_total",
			Help: "Number of cache misses for consolidation views.",
		}, []string{"view"}),
		build: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "consol_view_build_duration_seconds",
			Help:    "Duration required to build consolidation views.",
			Buckets: prometheus.DefBuckets,
		}, []string{"view"}),
	}
	var err error
	if m.hits, err = registerCounter(registerer, m.hits); err != nil {
		return nil, err
	}
	if m.misses, err = registerCounter(registerer, m.misses); err != nil {
		return nil, err
	}
	if err := registerer.Register(m.build); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, err
		}
		existing, ok := already.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return nil, err
		}
		m.build = existing
	}
	return m, nil
}

func registerCounter(registerer prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := registerer.Register(vec); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, err
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, err
		}
		return existing, nil
	}
	return vec, nil
}

func (m *Metrics) hit(view string) {
	if m == nil {
		return
	}
	m.hits.WithLabelValues(view).Inc()
}

func (m *Metrics) miss(view string) {
	if m == nil {
		return
	}
	m.misses.WithLabelValues(view).Inc()
}

func (m *Metrics) observeBuild(view string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.build.WithLabelValues(view).Observe(elapsed.Seconds())
}
