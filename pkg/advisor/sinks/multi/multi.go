// Package multi provides a sink that fans out to several sinks.
package multi

import (
	"context"
	"errors"

	"github.com/strongdm/ai-cxdb-advisor/pkg/advisor"
)

type multiSink struct {
	sinks []advisor.Sink
}

// NewMultiSink creates a sink that writes every event to all sinks.
// Nil sinks are skipped. Errors are aggregated via errors.Join and never
// stop delivery to the remaining sinks.
func NewMultiSink(sinks ...advisor.Sink) advisor.Sink {
	kept := make([]advisor.Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &multiSink{sinks: kept}
}

func (s *multiSink) Write(ctx context.Context, event advisor.AdviceEvent) error {
	return s.each(func(sink advisor.Sink) error { return sink.Write(ctx, event) })
}

func (s *multiSink) Flush(ctx context.Context) error {
	return s.each(func(sink advisor.Sink) error { return sink.Flush(ctx) })
}

func (s *multiSink) Close() error {
	return s.each(advisor.Sink.Close)
}

func (s *multiSink) each(fn func(advisor.Sink) error) error {
	var errs []error
	for _, sink := range s.sinks {
		if err := fn(sink); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
