package database

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/utafrali/identity/pkg/database"

// QueryTracer wraps database calls in client spans and logs statements that
// exceed a slow-query threshold. A nil *QueryTracer still traces but never
// logs.
type QueryTracer struct {
	threshold time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewQueryTracer returns a tracer that warns about queries slower than
// threshold. A zero threshold or nil logger disables slow-query logging.
func NewQueryTracer(threshold time.Duration, logger *slog.Logger) *QueryTracer {
	return &QueryTracer{threshold: threshold, logger: logger, now: time.Now}
}

// Trace starts a span for one database operation. Call the returned function
// with the operation's error once it completes:
//
//	ctx, end := q.Trace(ctx, "GetUserByEmail", query)
//	defer func() { end(err) }()
func (q *QueryTracer) Trace(ctx context.Context, operation, statement string) (context.Context, func(error)) {
	now := time.Now
	if q != nil && q.now != nil {
		now = q.now
	}
	start := now()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "db."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", operation),
			attribute.String("db.statement", statement),
		),
	)

	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		if q == nil || q.threshold <= 0 || q.logger == nil {
			return
		}
		elapsed := now().Sub(start)
		if elapsed < q.threshold {
			return
		}
		attrs := []any{
			slog.String("operation", operation),
			slog.String("statement", statement),
			slog.Duration("duration", elapsed),
		}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		q.logger.WarnContext(ctx, "slow query detected", attrs...)
	}
}
