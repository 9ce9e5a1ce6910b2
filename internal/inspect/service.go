// Package inspect implements the lease-based protocols that find, verify and
// mutate individual messages or filtered subsets of a queue.
package inspect

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nuetzliches/sbinspect/internal/filter"
	"github.com/nuetzliches/sbinspect/internal/queue"
)

const tracerName = "sbinspect/inspect"

// Operation names reported to Observe and used as span names.
const (
	OpBrowse           = "browse"
	OpExists           = "exists"
	OpMutate           = "mutate"
	OpDrain            = "drain"
	OpDeleteMatching   = "delete_matching"
	OpResubmitMatching = "resubmit_matching"
	OpSend             = "send"
	OpSendDeadLetter   = "send_dead_letter"
)

// Service runs inspector operations against one backend. Settings may be
// replaced while operations run; each call uses the settings current at its
// start.
type Service struct {
	Backend queue.Backend
	Logger  *slog.Logger
	// Observe is called once per operation with its outcome label and the
	// number of messages it removed or moved.
	Observe func(op, outcome string, mutated int, elapsed time.Duration)

	mu       sync.RWMutex
	settings Settings
}

func NewService(backend queue.Backend, settings Settings) *Service {
	return &Service{Backend: backend, settings: settings.normalized()}
}

func (s *Service) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

func (s *Service) SetSettings(settings Settings) {
	s.mu.Lock()
	s.settings = settings.normalized()
	s.mu.Unlock()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Service) start(ctx context.Context, op string, entity queue.Entity, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	attrs = append(attrs, attribute.String("sbinspect.entity", entity.Path()))
	ctx, span := otel.Tracer(tracerName).Start(ctx, op, trace.WithAttributes(attrs...))
	return ctx, span, time.Now()
}

func (s *Service) finish(span trace.Span, op, outcome string, mutated int, started time.Time, err error) {
	if err != nil && !isCancel(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		attribute.String("sbinspect.outcome", outcome),
		attribute.Int("sbinspect.mutated", mutated),
	)
	span.End()
	if s.Observe != nil {
		s.Observe(op, outcome, mutated, time.Since(started))
	}
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// bulkOutcome labels a count-returning operation.
func bulkOutcome(err error) string {
	switch {
	case err == nil:
		return "done"
	case isCancel(err):
		return "canceled"
	default:
		return "failed"
	}
}

func (s *Service) CheckExists(ctx context.Context, entity queue.Entity, sub queue.SubQueue, seq int64) (bool, error) {
	ctx, span, started := s.start(ctx, OpExists, entity, attribute.Int64("sbinspect.sequence", seq))
	ok, err := NewScanner(s.Backend, s.Settings()).Exists(ctx, entity, sub, seq)
	outcome := "absent"
	switch {
	case err != nil:
		outcome = "failed"
		s.logger().Warn("exists_failed",
			slog.String("entity", entity.Path()),
			slog.String("sub", sub.String()),
			slog.Int64("sequence", seq),
			slog.Any("err", err),
		)
	case ok:
		outcome = "present"
	}
	s.finish(span, OpExists, outcome, 0, started, err)
	return ok, err
}

// MutateOption adjusts the settings of a single MutateOne call.
type MutateOption func(*Settings)

// WithSkipPeekVerification overrides the peek pre-check for one call.
func WithSkipPeekVerification(skip bool) MutateOption {
	return func(s *Settings) { s.SkipPeekVerification = skip }
}

// MutateOne applies action to the message with sequence number seq.
func (s *Service) MutateOne(ctx context.Context, entity queue.Entity, seq int64, action Action, opts ...MutateOption) Result {
	settings := s.Settings()
	for _, opt := range opts {
		opt(&settings)
	}
	ctx, span, started := s.start(ctx, OpMutate, entity,
		attribute.Int64("sbinspect.sequence", seq),
		attribute.String("sbinspect.action", action.String()),
		attribute.Bool("sbinspect.skip_peek", settings.SkipPeekVerification),
	)
	res := NewMutator(s.Backend, settings).Mutate(ctx, entity, seq, action)

	mutated := 0
	if res.OK() {
		mutated = 1
	}
	attrs := []any{
		slog.String("entity", entity.Path()),
		slog.Int64("sequence", seq),
		slog.String("action", action.String()),
		slog.String("outcome", res.Outcome.String()),
		slog.Int("batches", res.Batches),
	}
	if res.Err != nil {
		s.logger().Warn("mutate_failed", append(attrs, slog.Any("err", res.Err))...)
	} else {
		s.logger().Info("mutate_done", attrs...)
	}
	s.finish(span, OpMutate+"_"+action.String(), res.Outcome.String(), mutated, started, res.Err)
	return res
}

func (s *Service) Drain(ctx context.Context, entity queue.Entity, sub queue.SubQueue, progress ProgressFunc) (int, error) {
	ctx, span, started := s.start(ctx, OpDrain, entity, attribute.String("sbinspect.sub", sub.String()))
	n, err := NewDrainer(s.Backend, s.Settings()).Drain(ctx, entity, sub, s.progressLogger(OpDrain, entity, progress))
	s.logBulk(OpDrain, entity, sub, n, err)
	s.finish(span, OpDrain, bulkOutcome(err), n, started, err)
	return n, err
}

func (s *Service) DeleteMatching(ctx context.Context, entity queue.Entity, sub queue.SubQueue, filters []filter.Filter, progress ProgressFunc) (int, error) {
	ctx, span, started := s.start(ctx, OpDeleteMatching, entity,
		attribute.String("sbinspect.sub", sub.String()),
		attribute.Int("sbinspect.filters", filter.Compile(filters).Len()),
	)
	n, err := NewFilteredMutator(s.Backend, s.Settings()).DeleteMatching(ctx, entity, sub, filters, s.progressLogger(OpDeleteMatching, entity, progress))
	s.logBulk(OpDeleteMatching, entity, sub, n, err)
	s.finish(span, OpDeleteMatching, bulkOutcome(err), n, started, err)
	return n, err
}

// ResubmitMatching moves matching dead-letter messages back to the entity.
func (s *Service) ResubmitMatching(ctx context.Context, entity queue.Entity, filters []filter.Filter, progress ProgressFunc) (int, error) {
	ctx, span, started := s.start(ctx, OpResubmitMatching, entity,
		attribute.Int("sbinspect.filters", filter.Compile(filters).Len()),
	)
	n, err := NewFilteredMutator(s.Backend, s.Settings()).ResubmitMatching(ctx, entity, filters, s.progressLogger(OpResubmitMatching, entity, progress))
	s.logBulk(OpResubmitMatching, entity, queue.SubQueueDeadLetter, n, err)
	s.finish(span, OpResubmitMatching, bulkOutcome(err), n, started, err)
	return n, err
}

func (s *Service) progressLogger(op string, entity queue.Entity, progress ProgressFunc) ProgressFunc {
	logger := s.logger()
	return func(n int) {
		logger.Debug(op+"_progress",
			slog.String("entity", entity.Path()),
			slog.Int("count", n),
		)
		progress.report(n)
	}
}

func (s *Service) logBulk(op string, entity queue.Entity, sub queue.SubQueue, n int, err error) {
	attrs := []any{
		slog.String("entity", entity.Path()),
		slog.String("sub", sub.String()),
		slog.Int("count", n),
	}
	switch {
	case err == nil:
		s.logger().Info(op+"_done", attrs...)
	case isCancel(err):
		s.logger().Info(op+"_canceled", attrs...)
	default:
		s.logger().Warn(op+"_failed", append(attrs, slog.Any("err", err))...)
	}
}
