// Package httpmw reports HTTP handler panics and server errors to an
// advisor pipeline and serves cached advice over HTTP.
package httpmw

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor"
)

// Option configures the middleware.
type Option func(*config)

type config struct {
	sub       advisor.Submitter
	minStatus int
	logger    *slog.Logger
	onOutcome func(*http.Request, advisor.Outcome)
}

// WithMinStatus sets the lowest response status reported as an error
// (default 500). Zero disables status reporting; panics are still reported.
func WithMinStatus(status int) Option {
	return func(c *config) {
		c.minStatus = status
	}
}

// WithLogger sets the logger for recovered panics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithOnOutcome registers a callback for each submission.
func WithOnOutcome(fn func(*http.Request, advisor.Outcome)) Option {
	return func(c *config) {
		c.onOutcome = fn
	}
}

// Middleware submits an event for every handler panic and for responses at
// or above the configured status. Panics are answered with 500 and not
// re-raised, except http.ErrAbortHandler.
//
// Events use the chi route pattern rather than the raw path so requests to
// the same route share a fingerprint.
func Middleware(sub advisor.Submitter, opts ...Option) func(http.Handler) http.Handler {
	cfg := config{sub: sub, minStatus: http.StatusInternalServerError, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				event := advisor.PanicEvent(r.Context(), rec, debug.Stack())
				event.Operation = "http"
				event.Context = requestContext(r, http.StatusInternalServerError)
				cfg.logger.Error("handler panic",
					slog.String("method", r.Method),
					slog.String("route", routePattern(r)),
					slog.Any("panic", rec))
				cfg.submit(r, event)

				if ww.Status() == 0 {
					ww.WriteHeader(http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if cfg.minStatus > 0 && status >= cfg.minStatus {
				cfg.submit(r, advisor.ErrorEvent{
					Severity:  advisor.SeverityError,
					ErrorType: fmt.Sprintf("http_%d", status),
					Message:   fmt.Sprintf("%s %s returned %d %s", r.Method, routePattern(r), status, http.StatusText(status)),
					Operation: "http",
					Context:   requestContext(r, status),
				})
			}
		})
	}
}

func (c config) submit(r *http.Request, event advisor.ErrorEvent) {
	// The request context may already be cancelled; submission does not
	// block, so only its values matter.
	out := c.sub.Submit(context.WithoutCancel(r.Context()), event)
	if c.onOutcome != nil {
		c.onOutcome(r, out)
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

func requestContext(r *http.Request, status int) map[string]any {
	ctx := map[string]any{
		"method": r.Method,
		"route":  routePattern(r),
		"status": status,
	}
	if id := middleware.GetReqID(r.Context()); id != "" {
		ctx["request_id"] = id
	}
	return ctx
}
