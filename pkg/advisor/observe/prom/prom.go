// Package prom exports pipeline signals as Prometheus metrics.
package prom

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor"
	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor/breaker"
)

// Observer implements advisor.Observer on top of a Prometheus registry.
type Observer struct {
	submits     *prometheus.CounterVec
	settled     *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	transitions *prometheus.CounterVec

	queueDepth    prometheus.Gauge
	queueCapacity prometheus.Gauge
	inFlight      prometheus.Gauge
	avgLatency    prometheus.Gauge
	cacheEntries  prometheus.Gauge
	cachePending  prometheus.Gauge
	cacheBytes    prometheus.Gauge
	breakerState  *prometheus.GaugeVec
	bucketTokens  *prometheus.GaugeVec

	// last is the most recent snapshot; cumulative counters owned by the
	// cache and client are exported from it.
	mu   sync.Mutex
	last advisor.Stats
}

var _ advisor.Observer = (*Observer)(nil)

// NewObserver creates the metrics and registers them with reg. Metric names
// are prefixed with namespace (default "advisor").
func NewObserver(reg prometheus.Registerer, namespace string) (*Observer, error) {
	if namespace == "" {
		namespace = "advisor"
	}
	o := &Observer{
		submits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submits_total",
			Help:      "Error submissions by outcome and reject reason.",
		}, []string{"outcome", "reason"}),
		settled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settled_total",
			Help:      "Fingerprints that reached ready or failed.",
		}, []string{"status", "provider"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settle_latency_seconds",
			Help:      "Time from first enqueue to settlement.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"status"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state changes.",
		}, []string{"provider", "from", "to"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth", Help: "Entries waiting for a worker.",
		}),
		queueCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_capacity", Help: "Maximum queued entries.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "in_flight", Help: "Analyses currently running.",
		}),
		avgLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "avg_latency_seconds", Help: "Moving average of dequeue-to-settlement latency.",
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cache_entries", Help: "Entries held by the advice cache.",
		}),
		cachePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cache_pending", Help: "Cache entries awaiting analysis.",
		}),
		cacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cache_bytes", Help: "Approximate bytes held by the advice cache.",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit state per provider: 0 closed, 1 open, 2 half-open.",
		}, []string{"provider"}),
		bucketTokens: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ratelimit_tokens",
			Help:      "Tokens available per provider bucket.",
		}, []string{"provider"}),
	}

	collectors := []prometheus.Collector{
		o.submits, o.settled, o.latency, o.transitions,
		o.queueDepth, o.queueCapacity, o.inFlight, o.avgLatency,
		o.cacheEntries, o.cachePending, o.cacheBytes,
		o.breakerState, o.bucketTokens,
	}
	for name, read := range map[string]func(advisor.Stats) int64{
		"cache_hits_total":            func(s advisor.Stats) int64 { return s.Cache.Hits },
		"cache_misses_total":          func(s advisor.Stats) int64 { return s.Cache.Misses },
		"cache_evictions_total":       func(s advisor.Stats) int64 { return s.Cache.Evictions },
		"cache_expirations_total":     func(s advisor.Stats) int64 { return s.Cache.Expirations },
		"provider_calls_total":        func(s advisor.Stats) int64 { return s.Client.ProviderCalls },
		"coalesced_calls_total":       func(s advisor.Stats) int64 { return s.Client.Coalesced },
		"rate_limited_total":          func(s advisor.Stats) int64 { return s.Client.RateLimited },
		"circuit_short_circuit_total": func(s advisor.Stats) int64 { return s.Client.CircuitOpen },
		"retries_total":               func(s advisor.Stats) int64 { return s.Retries },
	} {
		collectors = append(collectors, prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      "Cumulative value as of the last stats snapshot.",
		}, o.fromLast(read)))
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *Observer) fromLast(read func(advisor.Stats) int64) func() float64 {
	return func() float64 {
		o.mu.Lock()
		defer o.mu.Unlock()
		return float64(read(o.last))
	}
}

func (o *Observer) ObserveSubmit(kind advisor.OutcomeKind, reason advisor.RejectReason) {
	o.submits.WithLabelValues(kind.String(), string(reason)).Inc()
}

func (o *Observer) ObserveSettled(status advisor.AdviceStatus, provider string, latency time.Duration) {
	o.settled.WithLabelValues(string(status), provider).Inc()
	o.latency.WithLabelValues(string(status)).Observe(latency.Seconds())
}

func (o *Observer) ObserveBreakerTransition(provider string, from, to breaker.State) {
	o.transitions.WithLabelValues(provider, from.String(), to.String()).Inc()
	o.breakerState.WithLabelValues(provider).Set(float64(to))
}

func (o *Observer) ObserveStats(s advisor.Stats) {
	o.mu.Lock()
	o.last = s
	o.mu.Unlock()

	o.queueDepth.Set(float64(s.QueueDepth))
	o.queueCapacity.Set(float64(s.QueueCapacity))
	o.inFlight.Set(float64(s.InFlight))
	o.avgLatency.Set(s.AvgLatency.Seconds())
	o.cacheEntries.Set(float64(s.Cache.Entries))
	o.cachePending.Set(float64(s.Cache.Pending))
	o.cacheBytes.Set(float64(s.Cache.Bytes))
	for _, b := range s.Breakers {
		o.breakerState.WithLabelValues(b.Name).Set(float64(b.State))
	}
	for _, b := range s.Buckets {
		o.bucketTokens.WithLabelValues(b.Provider).Set(b.Tokens)
	}
}
