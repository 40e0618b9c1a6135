package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor"
	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor/client"
	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor/sinks/stderr"
)

type stormOptions struct {
	events   int
	distinct int
	workers  int
	latency  time.Duration
	failRate float64
	wait     time.Duration
	verbose  bool
}

func newStormCmd(g *globalFlags) *cobra.Command {
	o := stormOptions{}
	cmd := &cobra.Command{
		Use:   "storm",
		Short: "Submit a burst of errors against a simulated provider",
		Long: `Simulate an error storm: many goroutines submit variants of a few distinct
errors at once. The run shows how submissions collapse into a handful of
provider calls and how the queue and cache absorb the burst.

The provider is simulated; no network calls are made.

Examples:
  advisorctl storm
  advisorctl storm --events 5000 --distinct 20 --workers 64
  advisorctl storm --fail-rate 0.5 --latency 200ms`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			return runStorm(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), g, cfg, o)
		},
	}
	f := cmd.Flags()
	f.IntVarP(&o.events, "events", "n", 500, "Events to submit")
	f.IntVar(&o.distinct, "distinct", 5, "Distinct error shapes")
	f.IntVar(&o.workers, "workers", 16, "Submitting goroutines")
	f.DurationVar(&o.latency, "latency", 100*time.Millisecond, "Simulated provider latency")
	f.Float64Var(&o.failRate, "fail-rate", 0, "Fraction of provider calls that fail (0-1)")
	f.DurationVar(&o.wait, "wait", 30*time.Second, "How long to wait for analyses to settle")
	f.BoolVarP(&o.verbose, "verbose", "v", false, "Print samples with each advice notification")
	return cmd
}

func runStorm(ctx context.Context, out, errOut io.Writer, g *globalFlags, cfg *advisor.Config, o stormOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if o.distinct <= 0 || o.events <= 0 || o.workers <= 0 {
		return errors.New("events, distinct and workers must be > 0")
	}

	provider := newSimulatedProvider(o.latency, o.failRate)
	sinkOpts := []stderr.StderrSinkOption{stderr.WithWriter(errOut), stderr.WithColor(!color.NoColor)}
	if o.verbose {
		sinkOpts = append(sinkOpts, stderr.WithVerbose())
	}
	p, err := advisor.New(cfg,
		advisor.WithProviders(provider),
		advisor.WithSink(stderr.NewStderrSink(sinkOpts...)),
		advisor.WithLogger(g.logger(errOut)),
		advisor.WithObserver(advisor.NoopObserver{}),
	)
	if err != nil {
		return err
	}
	p.Start()

	tally := newOutcomeTally()
	start := time.Now()
	var (
		next atomic.Int64
		wg   sync.WaitGroup
	)
	for w := 0; w < o.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(next.Add(1)) - 1
				if i >= o.events {
					return
				}
				tally.add(p.Submit(ctx, stormEvent(i, o.distinct)))
			}
		}()
	}
	wg.Wait()
	submitted := time.Since(start)

	settled := waitSettled(ctx, p, o.wait)

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	closeErr := p.Close(closeCtx)

	printStormReport(out, o, tally, p.Stats(), provider.calls.Load(), submitted, settled)
	if !settled {
		return fmt.Errorf("analyses did not settle within %s", o.wait)
	}
	return closeErr
}

// stormEvent varies numbers, addresses and quoted values so events of one
// shape normalize to the same fingerprint.
func stormEvent(i, distinct int) advisor.ErrorEvent {
	shape := i % distinct
	return advisor.ErrorEvent{
		Severity:  advisor.SeverityError,
		ErrorType: fmt.Sprintf("storm_error_%d", shape),
		Message: fmt.Sprintf("request %d to 10.0.%d.%d failed after %dms: upstream %q unavailable",
			i, shape, i%250, 100+i%900, fmt.Sprintf("svc-%d", i)),
		Operation: "storm",
		Context: map[string]any{
			"attempt": i % 3,
			"shard":   shape,
		},
	}
}

func waitSettled(ctx context.Context, p *advisor.Pipeline, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		s := p.Stats()
		if s.Completed+s.Failed >= s.Queued && s.QueueDepth == 0 && s.InFlight == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-tick.C:
		}
	}
}

type outcomeTally struct {
	mu     sync.Mutex
	counts map[string]int
	fps    map[string]struct{}
}

func newOutcomeTally() *outcomeTally {
	return &outcomeTally{counts: make(map[string]int), fps: make(map[string]struct{})}
}

func (t *outcomeTally) add(out advisor.Outcome) {
	key := out.Kind.String()
	if out.Kind == advisor.OutcomeRejected {
		key += "/" + string(out.Reason)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[key]++
	if out.Fingerprint != "" {
		t.fps[out.Fingerprint] = struct{}{}
	}
}

func printStormReport(w io.Writer, o stormOptions, t *outcomeTally, s advisor.Stats, calls int64, submitted time.Duration, settled bool) {
	bold := color.New(color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	dim := color.New(color.FgHiBlack).SprintFunc()

	fmt.Fprintf(w, "\n%s\n", bold("Storm report"))
	fmt.Fprintf(w, "  events:        %d in %s %s\n", o.events, submitted.Round(time.Millisecond),
		dim(fmt.Sprintf("(%d workers)", o.workers)))
	fmt.Fprintf(w, "  fingerprints:  %d\n", len(t.fps))

	t.mu.Lock()
	keys := make([]string, 0, len(t.counts))
	for k := range t.counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(w, "\n%s\n", bold("Outcomes"))
	for _, k := range keys {
		label := k
		if strings.HasPrefix(k, "rejected") {
			label = red(k)
		}
		fmt.Fprintf(w, "  %-28s %d\n", label, t.counts[k])
	}
	t.mu.Unlock()

	fmt.Fprintf(w, "\n%s\n", bold("Analysis"))
	fmt.Fprintf(w, "  provider calls: %d\n", calls)
	fmt.Fprintf(w, "  completed:      %s\n", green(s.Completed))
	fmt.Fprintf(w, "  failed:         %s\n", red(s.Failed))
	fmt.Fprintf(w, "  retries:        %d\n", s.Retries)
	fmt.Fprintf(w, "  avg latency:    %s\n", s.AvgLatency.Round(time.Millisecond))
	fmt.Fprintf(w, "  cache:          %d entries, %d bytes, %d hits, %d misses\n",
		s.Cache.Entries, s.Cache.Bytes, s.Cache.Hits, s.Cache.Misses)
	for _, b := range s.Breakers {
		fmt.Fprintf(w, "  breaker %-8s %s\n", b.Name+":", b.State)
	}
	if !settled {
		fmt.Fprintf(w, "\n%s\n", red("timed out waiting for analyses to settle"))
	}
}

// simulatedProvider answers after a fixed latency and fails a fraction of
// calls.
type simulatedProvider struct {
	latency  time.Duration
	failRate float64
	calls    atomic.Int64
}

func newSimulatedProvider(latency time.Duration, failRate float64) *simulatedProvider {
	return &simulatedProvider{latency: latency, failRate: failRate}
}

func (s *simulatedProvider) Name() string { return "simulated" }

func (s *simulatedProvider) Complete(ctx context.Context, p client.Prompt) (string, error) {
	s.calls.Add(1)
	if s.latency > 0 {
		t := time.NewTimer(s.latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
		}
	}
	if s.failRate > 0 && rand.Float64() < s.failRate {
		return "", errors.New("simulated provider failure")
	}

	kind := "error"
	for _, line := range strings.Split(p.User, "\n") {
		if v, ok := strings.CutPrefix(line, "kind: "); ok {
			kind = v
			break
		}
	}
	return fmt.Sprintf(`{"summary":"Simulated diagnosis for %s","root_cause":"The upstream dependency is unavailable.","steps":["Check upstream health","Retry with backoff"]}`, kind), nil
}
