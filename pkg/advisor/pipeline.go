// pipeline.go wires fingerprinting, the advice cache, the analysis queue and
// the analysis client into a fail-open background pipeline.

package advisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor/breaker"
	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor/cache"
	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor/client"
	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor/queue"
	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor/ratelimit"
)

const (
	// sinkTimeout bounds a single notification write and the final flush.
	sinkTimeout = 5 * time.Second

	reasonShutdown = "pipeline shut down"
)

// Option configures a Pipeline.
type Option func(*pipelineOptions)

type pipelineOptions struct {
	logger    *slog.Logger
	sink      Sink
	observer  Observer
	providers []client.Provider
	now       func() time.Time
	getenv    func(string) string
}

// WithLogger sets the logger. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(o *pipelineOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSink sets the destination for advice notifications.
func WithSink(s Sink) Option {
	return func(o *pipelineOptions) {
		o.sink = s
	}
}

// WithObserver sets the observability hook. The default logs periodic
// stats and breaker transitions through the pipeline logger.
func WithObserver(obs Observer) Option {
	return func(o *pipelineOptions) {
		o.observer = obs
	}
}

// WithProviders replaces the providers built from Config.Providers.
// Order is fallback order.
func WithProviders(providers ...client.Provider) Option {
	return func(o *pipelineOptions) {
		o.providers = providers
	}
}

// WithClock sets a custom clock function (for testing). It drives the
// cache, breakers and rate limiter as well.
func WithClock(fn func() time.Time) Option {
	return func(o *pipelineOptions) {
		o.now = fn
	}
}

// WithGetenv sets the lookup used for provider credentials.
func WithGetenv(fn func(string) string) Option {
	return func(o *pipelineOptions) {
		o.getenv = fn
	}
}

// origin is kept per queued fingerprint for notifications.
type origin struct {
	firstEnqueued time.Time
	contextID     *uint64
}

type retryTimer struct {
	timer    *time.Timer
	entry    queue.Entry
	provider string
}

// Pipeline is the in-process analysis pipeline. Submit is safe to call
// from any goroutine, including error and panic paths.
type Pipeline struct {
	cfg           Config
	logger        *slog.Logger
	fingerprinter *Fingerprinter
	scrubber      *Scrubber
	cache         *cache.Cache
	queue         *queue.Queue
	breakers      *breaker.Set
	limiter       *ratelimit.Limiter
	client        *client.Client
	sink          Sink
	observer      Observer
	sem           *semaphore.Weighted
	now           func() time.Time

	counters *counters
	latency  ema
	origins  sync.Map // fingerprint -> origin

	closing atomic.Bool

	mu          sync.Mutex
	started     bool
	closed      bool
	retryTimers map[*retryTimer]struct{}

	tickCtx      context.Context
	stopTicks    context.CancelFunc
	dispatchCtx  context.Context
	stopDispatch context.CancelFunc
	workCtx      context.Context
	cancelWork   context.CancelFunc

	dispatcherDone chan struct{}
	workers        sync.WaitGroup
	tickers        sync.WaitGroup
}

// New builds a pipeline from cfg. A nil cfg uses DefaultConfig. Providers
// come from WithProviders or, failing that, from cfg.Providers.
func New(cfg *Config, opts ...Option) (*Pipeline, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("advisor: invalid config: %w", err)
	}

	o := &pipelineOptions{
		logger: slog.New(slog.DiscardHandler),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	providers := o.providers
	if len(providers) == 0 {
		built, err := cfg.BuildProviders(o.getenv)
		if err != nil {
			return nil, fmt.Errorf("advisor: %w", err)
		}
		providers = built
	}
	if len(providers) == 0 {
		return nil, errors.New("advisor: no providers configured")
	}

	logger := o.logger.With(slog.String("component", "advisor"))
	p := &Pipeline{
		cfg:            *cfg,
		logger:         logger,
		fingerprinter:  NewFingerprinter(cfg.Fingerprint),
		scrubber:       NewScrubber(cfg.Scrubber),
		cache:          cache.New(cfg.cacheConfig(), cache.WithClock(o.now)),
		queue:          queue.New(cfg.Queue.MaxSize),
		sink:           o.sink,
		observer:       o.observer,
		sem:            semaphore.NewWeighted(int64(cfg.Queue.Concurrency)),
		now:            o.now,
		counters:       newCounters(),
		retryTimers:    make(map[*retryTimer]struct{}),
		dispatcherDone: make(chan struct{}),
	}
	if p.sink == nil {
		p.sink = noopSink{}
	}
	if p.observer == nil {
		p.observer = LogObserver{Logger: logger}
	}

	p.breakers = breaker.NewSet(
		breaker.WithThreshold(cfg.Breaker.FailureThreshold),
		breaker.WithRecoveryTimeout(cfg.Breaker.RecoveryTimeout.D()),
		breaker.WithClock(o.now),
		breaker.WithStateChange(p.onBreakerChange),
	)
	p.limiter = ratelimit.New(append(cfg.limiterOptions(), ratelimit.WithClock(o.now))...)

	c, err := client.New(providers, p.breakers, p.limiter,
		client.WithCallTimeout(cfg.Client.CallTimeout.D()),
		client.WithInCallRetries(cfg.Client.InCallRetries),
		client.WithBackoff(cfg.Client.InitialBackoff.D(), cfg.Client.MaxBackoff.D()),
		client.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("advisor: %w", err)
	}
	p.client = c

	base := withPipeline(context.Background())
	p.tickCtx, p.stopTicks = context.WithCancel(base)
	p.dispatchCtx, p.stopDispatch = context.WithCancel(base)
	p.workCtx, p.cancelWork = context.WithCancel(base)
	return p, nil
}

// Start launches the dispatcher, the cache sweeper and the metrics ticker.
// Events submitted before Start wait in the queue. Start is idempotent.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	go p.dispatch()

	p.tickers.Add(2)
	go p.every("sweep", p.cfg.SweepInterval.D(), p.sweep)
	go p.every("metrics", p.cfg.MetricsInterval.D(), func() {
		stats := p.Stats()
		p.observe(func(o Observer) { o.ObserveStats(stats) })
	})

	p.logger.Info("pipeline started",
		slog.Int("concurrency", p.cfg.Queue.Concurrency),
		slog.Int("queue_size", p.cfg.Queue.MaxSize),
		slog.Any("providers", p.client.Providers()))
}

// Submit hands an event to the pipeline. It never blocks on analysis and
// never panics: failures are reported as OutcomeRejected.
func (p *Pipeline) Submit(ctx context.Context, event ErrorEvent) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("submit panicked", slog.Any("panic", r))
			out = Outcome{Kind: OutcomeRejected, Fingerprint: out.Fingerprint, EventID: out.EventID, Reason: ReasonInternal}
		}
		p.record(out)
	}()

	if IsPipelineContext(ctx) {
		return Outcome{Kind: OutcomeRejected, EventID: event.EventID, Reason: ReasonRecursion}
	}
	if p.closing.Load() {
		return Outcome{Kind: OutcomeRejected, EventID: event.EventID, Reason: ReasonClosed}
	}

	now := p.now()
	ev := event.prepare(now)
	if ev.ContextID == nil {
		if id, ok := ContextIDFromContext(ctx); ok {
			ev.ContextID = &id
		}
	}
	fp := p.fingerprinter.Fingerprint(ev)
	out = Outcome{Fingerprint: fp, EventID: ev.EventID}

	if entry, ok := p.cache.Lookup(fp); ok {
		switch entry.Status {
		case cache.StatusReady:
			adv := client.DecodeAdvice(entry.Advice)
			if adv.Provider == "" {
				adv.Provider = entry.Provider
			}
			out.Kind, out.Advice = OutcomeCacheHit, &adv
		case cache.StatusPending:
			out.Kind = OutcomeAlreadyPending
		default:
			out.Kind, out.Reason = OutcomeRejected, ReasonRecentlyFailed
		}
		return out
	}

	inserted, err := p.cache.MarkPending(fp, p.scrubber.BuildSample(ev))
	if err != nil {
		out.Kind, out.Reason = OutcomeRejected, ReasonCacheFull
		return out
	}
	if !inserted {
		out.Kind = OutcomeAlreadyPending
		return out
	}

	p.origins.Store(fp, origin{firstEnqueued: now, contextID: ev.ContextID})
	if err := p.queue.TryEnqueue(queue.Entry{Fingerprint: fp, EnqueuedAt: now}); err != nil {
		reason := ReasonQueueFull
		if errors.Is(err, queue.ErrClosed) {
			reason = ReasonClosed
		}
		p.origins.Delete(fp)
		_ = p.cache.Fail(fp, "rejected: "+string(reason))
		out.Kind, out.Reason = OutcomeRejected, reason
		return out
	}

	out.Kind = OutcomeQueued
	return out
}

func (p *Pipeline) record(out Outcome) {
	c := p.counters
	c.submitted.Add(1)
	switch out.Kind {
	case OutcomeCacheHit:
		c.cacheHits.Add(1)
	case OutcomeAlreadyPending:
		c.alreadyPending.Add(1)
	case OutcomeQueued:
		c.queued.Add(1)
	default:
		c.reject(out.Reason)
	}
	p.observe(func(o Observer) { o.ObserveSubmit(out.Kind, out.Reason) })
}

// Lookup returns the cache entry for fp, for callers polling for advice.
func (p *Pipeline) Lookup(fp string) (cache.Entry, bool) {
	return p.cache.Lookup(fp)
}

// Fingerprint computes the fingerprint Submit would assign to event.
func (p *Pipeline) Fingerprint(event ErrorEvent) string {
	return p.fingerprinter.Fingerprint(event)
}

// Stats returns a snapshot of pipeline counters and component state.
func (p *Pipeline) Stats() Stats {
	c := p.counters
	return Stats{
		QueueDepth:     p.queue.Len(),
		QueueCapacity:  p.queue.Cap(),
		Submitted:      c.submitted.Load(),
		CacheHits:      c.cacheHits.Load(),
		AlreadyPending: c.alreadyPending.Load(),
		Queued:         c.queued.Load(),
		Rejected:       c.rejectedSnapshot(),
		InFlight:       c.inFlight.Load(),
		Completed:      c.completed.Load(),
		Failed:         c.failed.Load(),
		Retries:        c.retries.Load(),
		AvgLatency:     p.latency.value(),
		Cache:          p.cache.Stats(),
		Client:         p.client.Stats(),
		Breakers:       p.breakers.Snapshot(),
		Buckets:        p.limiter.Snapshot(),
	}
}

// dispatch takes a concurrency slot before each dequeue so at most
// Concurrency entries are analyzed at once.
func (p *Pipeline) dispatch() {
	defer close(p.dispatcherDone)
	for {
		if err := p.sem.Acquire(p.dispatchCtx, 1); err != nil {
			return
		}
		select {
		case e, ok := <-p.queue.Entries():
			if !ok {
				p.sem.Release(1)
				return
			}
			p.workers.Add(1)
			go p.work(e)
		case <-p.dispatchCtx.Done():
			p.sem.Release(1)
			return
		}
	}
}

func (p *Pipeline) work(e queue.Entry) {
	defer p.workers.Done()
	defer p.sem.Release(1)

	p.counters.inFlight.Add(1)
	defer p.counters.inFlight.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker panicked", slog.String("fingerprint", e.Fingerprint), slog.Any("panic", r))
			p.settleFailed(e, "", fmt.Sprintf("internal error: %v", r))
		}
	}()

	entry, ok := p.cache.Peek(e.Fingerprint)
	if !ok || entry.Status != cache.StatusPending {
		// Settled elsewhere (pending watchdog).
		p.origins.Delete(e.Fingerprint)
		return
	}

	start := p.now()
	var (
		lastErr      error
		lastProvider string
	)
	for _, name := range p.client.Providers() {
		adv, err := p.client.Analyze(p.workCtx, client.Request{
			Fingerprint: e.Fingerprint,
			Sample:      entry.Sample,
			Provider:    name,
		})
		if err == nil {
			p.latency.observe(p.now().Sub(start))
			p.settleReady(e, adv)
			return
		}
		lastErr, lastProvider = err, name
		if p.workCtx.Err() != nil {
			break
		}
		p.logger.Debug("analysis attempt failed",
			slog.String("fingerprint", e.Fingerprint),
			slog.String("provider", name),
			slog.Any("error", err))
	}
	p.latency.observe(p.now().Sub(start))

	if p.workCtx.Err() != nil {
		p.settleFailed(e, lastProvider, reasonShutdown)
		return
	}

	e.AttemptCount++
	if e.AttemptCount >= p.cfg.Retry.MaxAttempts {
		p.settleFailed(e, lastProvider, lastErr.Error())
		return
	}
	p.scheduleRetry(e, lastProvider)
}

// retryDelay grows linearly with the attempt count up to MaxDelay.
func (p *Pipeline) retryDelay(attempt int) time.Duration {
	d := p.cfg.Retry.BaseDelay.D() * time.Duration(attempt)
	if ceiling := p.cfg.Retry.MaxDelay.D(); d > ceiling {
		d = ceiling
	}
	return d
}

func (p *Pipeline) scheduleRetry(e queue.Entry, provider string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.settleFailed(e, provider, reasonShutdown)
		return
	}
	rt := &retryTimer{entry: e, provider: provider}
	p.retryTimers[rt] = struct{}{}
	p.workers.Add(1)
	rt.timer = time.AfterFunc(p.retryDelay(e.AttemptCount), func() { p.fireRetry(rt) })
	p.mu.Unlock()

	p.counters.retries.Add(1)
}

func (p *Pipeline) fireRetry(rt *retryTimer) {
	defer p.workers.Done()

	p.mu.Lock()
	delete(p.retryTimers, rt)
	closed := p.closed
	p.mu.Unlock()

	if closed {
		p.settleFailed(rt.entry, rt.provider, reasonShutdown)
		return
	}
	if err := p.queue.TryEnqueue(rt.entry); err != nil {
		p.settleFailed(rt.entry, rt.provider, "retry not enqueued: "+err.Error())
	}
}

func (p *Pipeline) settleReady(e queue.Entry, adv client.Advice) {
	sample := p.sampleOf(e.Fingerprint)
	err := p.cache.Complete(e.Fingerprint, adv.Encode(), adv.Provider)
	switch {
	case errors.Is(err, cache.ErrNotPending):
		p.origins.Delete(e.Fingerprint)
		p.logger.Warn("advice arrived after entry settled", slog.String("fingerprint", e.Fingerprint))
		return
	case errors.Is(err, cache.ErrFull):
		// The cache already failed the entry.
		p.notify(e, AdviceFailed, nil, adv.Provider, "cache full", sample)
		return
	case err != nil:
		p.settleFailed(e, adv.Provider, err.Error())
		return
	}
	p.notify(e, AdviceReady, &adv, adv.Provider, "", sample)
}

func (p *Pipeline) settleFailed(e queue.Entry, provider, reason string) {
	sample := p.sampleOf(e.Fingerprint)
	if err := p.cache.Fail(e.Fingerprint, reason); err != nil {
		p.origins.Delete(e.Fingerprint)
		return
	}
	p.notify(e, AdviceFailed, nil, provider, reason, sample)
}

// sampleOf reads the sample before a terminal transition drops it.
func (p *Pipeline) sampleOf(fp string) string {
	if entry, ok := p.cache.Peek(fp); ok {
		return entry.Sample
	}
	return ""
}

func (p *Pipeline) notify(e queue.Entry, status AdviceStatus, adv *client.Advice, provider, reason, sample string) {
	now := p.now()
	ev := AdviceEvent{
		Fingerprint:   e.Fingerprint,
		Status:        status,
		Advice:        adv,
		Provider:      provider,
		FailureReason: reason,
		Sample:        sample,
		Attempts:      e.AttemptCount,
		CompletedAt:   now,
	}
	if status == AdviceReady {
		ev.Attempts++
		p.counters.completed.Add(1)
	} else {
		p.counters.failed.Add(1)
		p.logger.Warn("analysis failed",
			slog.String("fingerprint", e.Fingerprint),
			slog.String("provider", provider),
			slog.String("reason", reason))
	}
	if v, ok := p.origins.LoadAndDelete(e.Fingerprint); ok {
		o := v.(origin)
		ev.ContextID = o.contextID
		ev.Latency = now.Sub(o.firstEnqueued)
	}
	p.observe(func(o Observer) { o.ObserveSettled(status, provider, ev.Latency) })

	ctx, cancel := context.WithTimeout(withPipeline(context.Background()), sinkTimeout)
	defer cancel()
	if err := p.writeSink(ctx, ev); err != nil {
		p.logger.Debug("sink write failed", slog.String("fingerprint", e.Fingerprint), slog.Any("error", err))
	}
}

func (p *Pipeline) writeSink(ctx context.Context, ev AdviceEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	return p.sink.Write(ctx, ev)
}

func (p *Pipeline) sweep() {
	if n := p.cache.EvictExpired(); n > 0 {
		p.logger.Debug("cache sweep", slog.Int("removed", n))
	}
}

func (p *Pipeline) every(name string, interval time.Duration, fn func()) {
	defer p.tickers.Done()
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-p.tickCtx.Done():
			return
		case <-t.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						p.logger.Error("background task panicked", slog.String("task", name), slog.Any("panic", r))
					}
				}()
				fn()
			}()
		}
	}
}

// observe calls the observer, swallowing panics.
func (p *Pipeline) observe(fn func(Observer)) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Debug("observer panicked", slog.Any("panic", r))
		}
	}()
	fn(p.observer)
}

func (p *Pipeline) onBreakerChange(provider string, from, to breaker.State) {
	p.observe(func(o Observer) { o.ObserveBreakerTransition(provider, from, to) })
}

// Close stops accepting events and lets queued and in-flight analyses finish
// until ctx is done. Remaining work is then cancelled and its entries
// failed. The sink is flushed and closed. Close returns ctx.Err() if the
// grace period ran out.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.closing.Store(true)
	started := p.started
	var stopped []*retryTimer
	for rt := range p.retryTimers {
		if rt.timer.Stop() {
			stopped = append(stopped, rt)
		}
		delete(p.retryTimers, rt)
	}
	p.mu.Unlock()

	for _, rt := range stopped {
		p.settleFailed(rt.entry, rt.provider, reasonShutdown)
		p.workers.Done()
	}

	p.stopTicks()
	p.queue.Close()

	var graceErr error
	if started {
		done := make(chan struct{})
		go func() {
			<-p.dispatcherDone
			p.workers.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			graceErr = ctx.Err()
			p.logger.Warn("grace period expired, abandoning in-flight analyses")
		}
	}
	p.stopDispatch()
	p.cancelWork()
	if started {
		<-p.dispatcherDone
	}

	// Entries never dispatched.
	for e := range p.queue.Entries() {
		p.settleFailed(e, "", reasonShutdown)
	}
	p.tickers.Wait()

	flushCtx, cancel := context.WithTimeout(withPipeline(context.Background()), sinkTimeout)
	defer cancel()
	if err := p.sink.Flush(flushCtx); err != nil {
		p.logger.Debug("sink flush failed", slog.Any("error", err))
	}
	if err := p.sink.Close(); err != nil {
		p.logger.Debug("sink close failed", slog.Any("error", err))
	}

	p.logger.Info("pipeline stopped", slog.Int64("completed", p.counters.completed.Load()), slog.Int64("failed", p.counters.failed.Load()))
	return graceErr
}
