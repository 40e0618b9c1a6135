// stats.go holds pipeline counters and the Observer hook.

package advisor

import (
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor/breaker"
	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor/cache"
	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor/client"
	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor/ratelimit"
)

// Stats is a point-in-time view of the pipeline.
type Stats struct {
	QueueDepth    int
	QueueCapacity int

	Submitted      int64
	CacheHits      int64
	AlreadyPending int64
	Queued         int64
	Rejected       map[RejectReason]int64

	InFlight  int64
	Completed int64
	Failed    int64
	Retries   int64

	// AvgLatency is an exponential moving average of dequeue-to-settlement
	// time per attempt.
	AvgLatency time.Duration

	Cache    cache.Stats
	Client   client.Stats
	Breakers []breaker.Snapshot
	Buckets  []ratelimit.Bucket
}

// TotalRejected sums rejections over all reasons.
func (s Stats) TotalRejected() int64 {
	var n int64
	for _, v := range s.Rejected {
		n += v
	}
	return n
}

// Observer receives observability signals. Calls happen on pipeline
// goroutines and must not block; panics are recovered and logged.
type Observer interface {
	// ObserveSubmit is called once per Submit.
	ObserveSubmit(kind OutcomeKind, reason RejectReason)

	// ObserveSettled is called when a fingerprint reaches ready or failed.
	ObserveSettled(status AdviceStatus, provider string, latency time.Duration)

	// ObserveBreakerTransition is called on every circuit state change.
	ObserveBreakerTransition(provider string, from, to breaker.State)

	// ObserveStats is called every metrics interval.
	ObserveStats(stats Stats)
}

// NoopObserver ignores all signals.
type NoopObserver struct{}

func (NoopObserver) ObserveSubmit(OutcomeKind, RejectReason)                       {}
func (NoopObserver) ObserveSettled(AdviceStatus, string, time.Duration)            {}
func (NoopObserver) ObserveBreakerTransition(string, breaker.State, breaker.State) {}
func (NoopObserver) ObserveStats(Stats)                                            {}

// LogObserver writes periodic stats and breaker transitions to a logger.
type LogObserver struct {
	Logger *slog.Logger
}

func (o LogObserver) ObserveSubmit(OutcomeKind, RejectReason)            {}
func (o LogObserver) ObserveSettled(AdviceStatus, string, time.Duration) {}

func (o LogObserver) ObserveBreakerTransition(provider string, from, to breaker.State) {
	o.Logger.Warn("circuit state change",
		slog.String("provider", provider),
		slog.String("from", from.String()),
		slog.String("to", to.String()))
}

func (o LogObserver) ObserveStats(s Stats) {
	o.Logger.Info("pipeline stats",
		slog.Int("queue_depth", s.QueueDepth),
		slog.Int64("rejected", s.TotalRejected()),
		slog.Int64("in_flight", s.InFlight),
		slog.Int64("completed", s.Completed),
		slog.Int64("failed", s.Failed),
		slog.Duration("avg_latency", s.AvgLatency),
		slog.Int64("cache_hits", s.Cache.Hits),
		slog.Int64("cache_misses", s.Cache.Misses),
		slog.Int("cache_entries", s.Cache.Entries),
		slog.Int64("cache_bytes", s.Cache.Bytes))
}

var rejectReasons = []RejectReason{
	ReasonQueueFull,
	ReasonCacheFull,
	ReasonRecentlyFailed,
	ReasonRecursion,
	ReasonClosed,
	ReasonInternal,
}

// counters are owned by one Pipeline and updated atomically.
type counters struct {
	submitted      atomic.Int64
	cacheHits      atomic.Int64
	alreadyPending atomic.Int64
	queued         atomic.Int64
	inFlight       atomic.Int64
	completed      atomic.Int64
	failed         atomic.Int64
	retries        atomic.Int64

	// rejected is populated once in newCounters and only read afterwards.
	rejected map[RejectReason]*atomic.Int64
}

func newCounters() *counters {
	c := &counters{rejected: make(map[RejectReason]*atomic.Int64, len(rejectReasons))}
	for _, r := range rejectReasons {
		c.rejected[r] = new(atomic.Int64)
	}
	return c
}

func (c *counters) reject(r RejectReason) {
	if n, ok := c.rejected[r]; ok {
		n.Add(1)
		return
	}
	c.rejected[ReasonInternal].Add(1)
}

func (c *counters) rejectedSnapshot() map[RejectReason]int64 {
	out := make(map[RejectReason]int64, len(c.rejected))
	for r, n := range c.rejected {
		out[r] = n.Load()
	}
	return out
}

// emaAlpha weights the newest latency sample.
const emaAlpha = 0.2

// ema is an exponential moving average stored as float64 bits so it can be
// updated without a lock.
type ema struct {
	bits atomic.Uint64
}

func (e *ema) observe(d time.Duration) {
	sample := float64(d)
	for {
		old := e.bits.Load()
		next := sample
		if old != 0 {
			prev := math.Float64frombits(old)
			next = prev + emaAlpha*(sample-prev)
		}
		if next == 0 {
			// zero bits mean "no sample yet"
			next = math.SmallestNonzeroFloat64
		}
		if e.bits.CompareAndSwap(old, math.Float64bits(next)) {
			return
		}
	}
}

func (e *ema) value() time.Duration {
	bits := e.bits.Load()
	if bits == 0 {
		return 0
	}
	return time.Duration(math.Float64frombits(bits))
}
