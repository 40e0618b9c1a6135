package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	cxdbclient "github.com/strongdm/ai-cxdb/clients/go"

	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor"
	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor/adapters/httpmw"
	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor/client"
	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor/observe/prom"
	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor/sinks/async"
	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor/sinks/cxdb"
	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor/sinks/multi"
	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor/sinks/stderr"
)

type serveOptions struct {
	addr        string
	cxdbAddr    string
	cxdbLabels  []string
	simulate    bool
	quiet       bool
	gracePeriod time.Duration
}

func newServeCmd(g *globalFlags) *cobra.Command {
	o := serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a pipeline behind an HTTP API",
		Long: `Run a pipeline and expose it over HTTP:

  POST /v1/errors                  submit an error event (JSON)
  GET  /v1/advice/{fingerprint}    cached advice for a fingerprint
  GET  /v1/stats                   pipeline counters
  GET  /metrics                    Prometheus metrics
  GET  /healthz                    liveness

Providers come from the config file. With --simulate a local fake provider
is used instead. With --cxdb, advice is also appended to cxdb contexts.

Examples:
  advisorctl serve --simulate
  advisorctl serve --config advisor.yaml --cxdb localhost:9009`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd.ErrOrStderr(), g.logger(cmd.ErrOrStderr()), cfg, o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.addr, "addr", ":8080", "Listen address")
	f.StringVar(&o.cxdbAddr, "cxdb", "", "cxdb binary protocol address (host:port); empty disables")
	f.StringSliceVar(&o.cxdbLabels, "cxdb-labels", []string{"advice", "unlinked"}, "Labels for advice contexts not linked to a conversation")
	f.BoolVar(&o.simulate, "simulate", false, "Use a simulated provider instead of configured ones")
	f.BoolVarP(&o.quiet, "quiet", "q", false, "Do not print advice notifications")
	f.DurationVar(&o.gracePeriod, "grace-period", 10*time.Second, "Time allowed for in-flight analyses on shutdown")
	return cmd
}

func runServe(ctx context.Context, errOut io.Writer, logger *slog.Logger, cfg *advisor.Config, o serveOptions) error {
	var sinks []advisor.Sink
	if !o.quiet {
		sinks = append(sinks, stderr.NewStderrSink(stderr.WithWriter(errOut)))
	}
	if o.cxdbAddr != "" {
		cc, err := cxdbclient.Dial(o.cxdbAddr, cxdbclient.WithClientTag("advisorctl"))
		if err != nil {
			return fmt.Errorf("connect to cxdb: %w", err)
		}
		defer cc.Close()
		logger.Info("connected to cxdb", slog.String("addr", o.cxdbAddr), slog.Any("session", cc.SessionID()))

		sinks = append(sinks, async.NewAsyncSink(
			cxdb.NewCXDBSink(cc, cxdb.WithOrphanLabels(o.cxdbLabels), cxdb.WithClientTag("advisorctl")),
			async.WithOnError(func(err error) {
				logger.Warn("cxdb write failed", slog.Any("error", err))
			}),
		))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	obs, err := prom.NewObserver(reg, "advisor")
	if err != nil {
		return err
	}

	opts := []advisor.Option{
		advisor.WithLogger(logger),
		advisor.WithObserver(obs),
		advisor.WithSink(multi.NewMultiSink(sinks...)),
	}
	if o.simulate {
		opts = append(opts, advisor.WithProviders(newSimulatedProvider(500*time.Millisecond, 0)))
	}
	p, err := advisor.New(cfg, opts...)
	if err != nil {
		return err
	}
	p.Start()

	srv := &http.Server{
		Addr:              o.addr,
		Handler:           newServeHandler(p, reg, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", o.addr))
		errCh <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), o.gracePeriod)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.Any("error", err))
	}
	if err := p.Close(shutdownCtx); err != nil {
		logger.Warn("pipeline shutdown", slog.Any("error", err))
	}
	return serveErr
}

// pipelineAPI is what the HTTP handler needs from a pipeline.
type pipelineAPI interface {
	advisor.Submitter
	httpmw.Source
}

func newServeHandler(p pipelineAPI, gatherer prometheus.Gatherer, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(httpmw.Middleware(p, httpmw.WithLogger(logger)))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Post("/v1/errors", submitHandler(p))
	r.Mount("/v1", httpmw.Routes(p))
	return r
}

// errorRequest is the body of POST /v1/errors.
type errorRequest struct {
	Severity   string         `json:"severity"`
	Type       string         `json:"type"`
	Message    string         `json:"message"`
	StackTrace string         `json:"stack_trace"`
	Operation  string         `json:"operation"`
	Agent      string         `json:"agent"`
	Tool       string         `json:"tool"`
	ContextID  *uint64        `json:"context_id"`
	Context    map[string]any `json:"context"`
}

type submitResponse struct {
	Outcome     string         `json:"outcome"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	EventID     string         `json:"event_id,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Advice      *client.Advice `json:"advice,omitempty"`
}

func submitHandler(sub advisor.Submitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req errorRequest
		if err := decodeJSON(r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		severity := advisor.Severity(req.Severity)
		if severity == "" {
			severity = advisor.SeverityError
		}
		out := sub.Submit(context.WithoutCancel(r.Context()), advisor.ErrorEvent{
			Severity:   severity,
			ErrorType:  req.Type,
			Message:    req.Message,
			StackTrace: req.StackTrace,
			Operation:  req.Operation,
			AgentName:  req.Agent,
			ToolName:   req.Tool,
			ContextID:  req.ContextID,
			Context:    req.Context,
		})

		status := http.StatusAccepted
		switch out.Kind {
		case advisor.OutcomeCacheHit:
			status = http.StatusOK
		case advisor.OutcomeRejected:
			status = http.StatusTooManyRequests
		}
		writeJSON(w, status, submitResponse{
			Outcome:     out.Kind.String(),
			Fingerprint: out.Fingerprint,
			EventID:     out.EventID,
			Reason:      string(out.Reason),
			Advice:      out.Advice,
		})
	}
}
