// Package metrics holds the in-memory Prometheus counters of the whale
// service. Every Metrics value owns a private registry so that tests and
// multiple service instances never collide on registration.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "whales"

// Metrics groups every collector the service updates.
type Metrics struct {
	Registry *prometheus.Registry

	// Provider metrics
	ProviderFetches  *prometheus.CounterVec
	ProviderFailures *prometheus.CounterVec
	ProviderLatency  *prometheus.SummaryVec
	ProviderRecords  *prometheus.CounterVec

	// Filter metrics
	Rejected *prometheus.CounterVec

	// Cache metrics
	CacheSize prometheus.Gauge
	Inserts   prometheus.Counter
	DedupHits prometheus.Counter
	Evictions prometheus.Counter
	Wipes     prometheus.Counter

	// Fan-out metrics
	Subscribers        prometheus.Gauge
	SlowSubscribersOut prometheus.Counter

	// Price and persistence metrics
	PriceLookups  *prometheus.CounterVec
	PersistWrites *prometheus.CounterVec
}

// New builds a Metrics with all collectors registered on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		ProviderFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_fetches_total",
				Help:      "Chain fetches attempted per provider",
			},
			[]string{"provider"},
		),
		ProviderFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_fetches_failed_total",
				Help:      "Chain fetches that ended in an unrecoverable error",
			},
			[]string{"provider"},
		),
		ProviderLatency: prometheus.NewSummaryVec(
			prometheus.SummaryOpts{
				Namespace:  namespace,
				Name:       "provider_latency_ms",
				Help:       "Chain fetch latency in milliseconds",
				Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
			},
			[]string{"provider"},
		),
		ProviderRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_records_returned_total",
				Help:      "Raw contracts returned per provider",
			},
			[]string{"provider"},
		),

		Rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rejected_total",
				Help:      "Raw contracts discarded by the filter, by reason",
			},
			[]string{"reason"},
		),

		CacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_size",
			Help:      "Records in the all view",
		}),
		Inserts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_inserts_total",
			Help:      "Accepted insertions",
		}),
		DedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_dedup_hits_total",
			Help:      "Insertions dropped as duplicates",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Records evicted by the view cap",
		}),
		Wipes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_wipes_total",
			Help:      "Pre-market wipes",
		}),

		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Live stream subscribers",
		}),
		SlowSubscribersOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_subscribers_dropped_total",
			Help:      "Subscribers unregistered because their buffer was full",
		}),

		PriceLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "price_lookups_total",
				Help:      "Spot price resolutions by source and result",
			},
			[]string{"source", "result"}, // result: hit|miss|error
		),
		PersistWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "persist_writes_total",
				Help:      "Snapshot file writes",
			},
			[]string{"result"}, // result: ok|error
		),
	}

	m.Registry.MustRegister(
		m.ProviderFetches,
		m.ProviderFailures,
		m.ProviderLatency,
		m.ProviderRecords,
		m.Rejected,
		m.CacheSize,
		m.Inserts,
		m.DedupHits,
		m.Evictions,
		m.Wipes,
		m.Subscribers,
		m.SlowSubscribersOut,
		m.PriceLookups,
		m.PersistWrites,
	)
	return m
}

// RegisterCacheAge exposes the seconds since the last accepted insertion,
// computed by fn at collection time.
func (m *Metrics) RegisterCacheAge(fn func() float64) {
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cache_age_seconds",
		Help:      "Seconds since the last accepted insertion",
	}, fn))
}

// ProviderStats is the per-provider slice of a Snapshot.
type ProviderStats struct {
	Fetches      float64 `json:"fetches_total"`
	Failed       float64 `json:"fetches_failed"`
	P50LatencyMS float64 `json:"p50_latency_ms"`
	Records      float64 `json:"records_returned"`
}

// Snapshot is a flattened read of every collector, for logs and tests.
type Snapshot struct {
	Providers   map[string]ProviderStats `json:"providers"`
	Rejected    map[string]float64       `json:"rejected_total"`
	CacheSize   float64                  `json:"size"`
	Inserts     float64                  `json:"inserts_total"`
	DedupHits   float64                  `json:"dedup_hits_total"`
	Evictions   float64                  `json:"evictions_total"`
	Wipes       float64                  `json:"wipes_total"`
	AgeSeconds  float64                  `json:"age_seconds"`
	Subscribers float64                  `json:"subscribers"`
	SlowDropped float64                  `json:"slow_subscribers_dropped_total"`
}

// Snapshot gathers the registry and flattens it.
func (m *Metrics) Snapshot() (Snapshot, error) {
	families, err := m.Registry.Gather()
	if err != nil {
		return Snapshot{}, err
	}

	s := Snapshot{
		Providers: make(map[string]ProviderStats),
		Rejected:  make(map[string]float64),
	}
	provider := func(metric *dto.Metric, apply func(*ProviderStats)) {
		name := label(metric, "provider")
		ps := s.Providers[name]
		apply(&ps)
		s.Providers[name] = ps
	}

	for _, fam := range families {
		for _, metric := range fam.GetMetric() {
			switch fam.GetName() {
			case namespace + "_provider_fetches_total":
				provider(metric, func(ps *ProviderStats) { ps.Fetches = metric.GetCounter().GetValue() })
			case namespace + "_provider_fetches_failed_total":
				provider(metric, func(ps *ProviderStats) { ps.Failed = metric.GetCounter().GetValue() })
			case namespace + "_provider_records_returned_total":
				provider(metric, func(ps *ProviderStats) { ps.Records = metric.GetCounter().GetValue() })
			case namespace + "_provider_latency_ms":
				provider(metric, func(ps *ProviderStats) { ps.P50LatencyMS = quantile(metric, 0.5) })
			case namespace + "_rejected_total":
				s.Rejected[label(metric, "reason")] = metric.GetCounter().GetValue()
			case namespace + "_cache_size":
				s.CacheSize = metric.GetGauge().GetValue()
			case namespace + "_cache_inserts_total":
				s.Inserts = metric.GetCounter().GetValue()
			case namespace + "_cache_dedup_hits_total":
				s.DedupHits = metric.GetCounter().GetValue()
			case namespace + "_cache_evictions_total":
				s.Evictions = metric.GetCounter().GetValue()
			case namespace + "_cache_wipes_total":
				s.Wipes = metric.GetCounter().GetValue()
			case namespace + "_cache_age_seconds":
				s.AgeSeconds = metric.GetGauge().GetValue()
			case namespace + "_subscribers":
				s.Subscribers = metric.GetGauge().GetValue()
			case namespace + "_slow_subscribers_dropped_total":
				s.SlowDropped = metric.GetCounter().GetValue()
			}
		}
	}
	return s, nil
}

func label(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func quantile(m *dto.Metric, q float64) float64 {
	for _, qv := range m.GetSummary().GetQuantile() {
		if qv.GetQuantile() == q {
			return qv.GetValue()
		}
	}
	return 0
}
