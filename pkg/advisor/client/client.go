// Package client calls LLM providers on behalf of the analysis pipeline.
//
// Every call passes through, in order: request coalescing (one in-flight call
// per provider and fingerprint), the provider's circuit breaker, the
// provider's rate limiter, and a bounded provider call with a small number of
// immediate retries for transient failures. Retries across attempts belong to
// the caller.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor/breaker"
	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor/ratelimit"
)

// Request identifies one analysis.
type Request struct {
	Fingerprint string
	Sample      string
	Provider    string
}

// Stats counts client activity since construction.
type Stats struct {
	ProviderCalls int64 // individual Complete invocations, retries included
	Coalesced     int64 // Analyze calls that shared another caller's result
	Successes     int64
	Failures      int64
	CircuitOpen   int64
	RateLimited   int64
}

type clientConfig struct {
	callTimeout    time.Duration
	inCallRetries  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         *slog.Logger
}

// Option configures a Client.
type Option func(*clientConfig)

// WithCallTimeout bounds each provider call. Default 10s.
func WithCallTimeout(d time.Duration) Option {
	return func(c *clientConfig) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithInCallRetries sets how many immediate retries a transient failure gets
// within one Analyze call. Default 1.
func WithInCallRetries(n int) Option {
	return func(c *clientConfig) {
		if n >= 0 {
			c.inCallRetries = n
		}
	}
}

// WithBackoff sets the initial and maximum delay between in-call retries.
func WithBackoff(initial, max time.Duration) Option {
	return func(c *clientConfig) {
		if initial > 0 {
			c.initialBackoff = initial
		}
		if max >= c.initialBackoff {
			c.maxBackoff = max
		}
	}
}

// WithLogger sets the logger used for retry and failure reporting.
func WithLogger(l *slog.Logger) Option {
	return func(c *clientConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// Client is safe for concurrent use.
type Client struct {
	cfg       clientConfig
	providers map[string]Provider
	order     []string
	breakers  *breaker.Set
	limiter   *ratelimit.Limiter
	group     singleflight.Group

	calls       atomic.Int64
	coalesced   atomic.Int64
	successes   atomic.Int64
	failures    atomic.Int64
	circuitOpen atomic.Int64
	rateLimited atomic.Int64
}

// New builds a client over providers, in fallback order. The breaker set and
// limiter are shared with whoever else reports on them.
func New(providers []Provider, breakers *breaker.Set, limiter *ratelimit.Limiter, opts ...Option) (*Client, error) {
	if len(providers) == 0 {
		return nil, errors.New("client: at least one provider is required")
	}
	cfg := clientConfig{
		callTimeout:    10 * time.Second,
		inCallRetries:  1,
		initialBackoff: 200 * time.Millisecond,
		maxBackoff:     2 * time.Second,
		logger:         slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if breakers == nil {
		breakers = breaker.NewSet()
	}
	if limiter == nil {
		limiter = ratelimit.New()
	}

	c := &Client{
		cfg:       cfg,
		providers: make(map[string]Provider, len(providers)),
		breakers:  breakers,
		limiter:   limiter,
	}
	for _, p := range providers {
		name := p.Name()
		if _, dup := c.providers[name]; dup {
			return nil, fmt.Errorf("client: duplicate provider %q", name)
		}
		c.providers[name] = p
		c.order = append(c.order, name)
	}
	return c, nil
}

// Providers returns provider names in fallback order.
func (c *Client) Providers() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Analyze obtains advice for req. Concurrent calls for the same provider and
// fingerprint share one provider call and its result. All errors are
// *AnalysisError.
func (c *Client) Analyze(ctx context.Context, req Request) (Advice, error) {
	p, ok := c.providers[req.Provider]
	if !ok {
		c.failures.Add(1)
		return Advice{}, &AnalysisError{
			Kind:     KindProviderFailure,
			Provider: req.Provider,
			Err:      fmt.Errorf("unknown provider %q", req.Provider),
		}
	}

	key := req.Provider + "|" + req.Fingerprint
	leader := false
	v, err, _ := c.group.Do(key, func() (any, error) {
		leader = true
		return c.analyze(ctx, p, req)
	})
	if !leader {
		c.coalesced.Add(1)
	}
	if err != nil {
		return Advice{}, err
	}
	return v.(Advice), nil
}

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() Stats {
	return Stats{
		ProviderCalls: c.calls.Load(),
		Coalesced:     c.coalesced.Load(),
		Successes:     c.successes.Load(),
		Failures:      c.failures.Load(),
		CircuitOpen:   c.circuitOpen.Load(),
		RateLimited:   c.rateLimited.Load(),
	}
}

func (c *Client) analyze(ctx context.Context, p Provider, req Request) (Advice, error) {
	name := p.Name()
	b := c.breakers.Get(name)
	if err := b.Allow(); err != nil {
		c.circuitOpen.Add(1)
		return Advice{}, &AnalysisError{Kind: KindCircuitOpen, Provider: name, Err: err}
	}

	if !c.limiter.TryAcquire(name) {
		b.Release()
		c.rateLimited.Add(1)
		return Advice{}, &AnalysisError{Kind: KindRateLimited, Provider: name}
	}

	raw, err := c.call(ctx, p, BuildPrompt(req.Fingerprint, req.Sample))
	if err != nil {
		c.failures.Add(1)
		if ctx.Err() != nil {
			// Shutdown, not the provider's fault.
			b.Release()
		} else {
			b.RecordFailure()
		}
		c.cfg.logger.WarnContext(ctx, "provider call failed",
			"provider", name,
			"fingerprint", req.Fingerprint,
			"error", err,
		)
		return Advice{}, &AnalysisError{
			Kind:       KindProviderFailure,
			Provider:   name,
			StatusCode: statusCode(err),
			Err:        err,
		}
	}

	b.RecordSuccess()
	c.successes.Add(1)
	return ParseAdvice(raw, name), nil
}

// call runs the provider with a per-attempt timeout and exponential backoff
// between transient failures.
func (c *Client) call(ctx context.Context, p Provider, prompt Prompt) (string, error) {
	var lastErr error
	backoff := c.cfg.initialBackoff

	for attempt := 0; attempt <= c.cfg.inCallRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.callTimeout)
		c.calls.Add(1)
		out, err := p.Complete(attemptCtx, prompt)
		cancel()
		if err == nil {
			return out, nil
		}
		lastErr = err

		if !IsTransient(err) || attempt == c.cfg.inCallRetries || ctx.Err() != nil {
			break
		}

		c.cfg.logger.DebugContext(ctx, "retrying provider call",
			"provider", p.Name(),
			"attempt", attempt+1,
			"backoff", backoff,
			"error", err,
		)
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return "", fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
		}
		backoff *= 2
		if backoff > c.cfg.maxBackoff {
			backoff = c.cfg.maxBackoff
		}
	}
	return "", lastErr
}
