// Package tracing wraps job execution in OpenTelemetry spans.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxorio/buildqueue/pkg/workqueue"
)

// tracerName is the instrumentation scope name for job spans.
const tracerName = "github.com/fluxorio/buildqueue"

// Observer opens one span per job, from dequeue to completion.
// The span is carried in the context RunTask receives, so tasks can start
// child spans.
type Observer struct {
	workqueue.NopObserver
	tracer trace.Tracer
}

var _ workqueue.Observer = (*Observer)(nil)

// NewObserver returns an observer using tracer, or the global tracer
// provider when tracer is nil. With no provider configured it is a no-op.
func NewObserver(tracer trace.Tracer) *Observer {
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Observer{tracer: tracer}
}

// JobStarted implements workqueue.Observer.
func (o *Observer) JobStarted(ctx context.Context, queue string, job workqueue.JobInfo) context.Context {
	ctx, _ = o.tracer.Start(ctx, "job "+job.Title,
		trace.WithAttributes(
			attribute.String("queue", queue),
			attribute.String("job.id", job.ID),
			attribute.String("job.title", job.Title),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	return ctx
}

// JobFinished implements workqueue.Observer.
func (o *Observer) JobFinished(ctx context.Context, _ string, _ workqueue.JobInfo, ok bool, elapsed time.Duration) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.Int64("job.elapsed_ms", elapsed.Milliseconds()))
	if ok {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, "job failed")
	}
	span.End()
}

// Config configures the process-wide tracer provider.
type Config struct {
	ServiceName string
	// Writer receives exported spans as JSON. Defaults to stdout.
	Writer io.Writer
}

// Setup installs a global tracer provider exporting to cfg.Writer. The
// returned function flushes and stops it.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "buildqueue"
	}
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(cfg.Writer))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to build trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
