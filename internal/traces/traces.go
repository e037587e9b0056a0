// Package traces wires OpenTelemetry spans around security decisions.
//
// Evaluation spans carry the actor, amount and outcome. Rejections are not
// errors in the Go sense, but they are marked as span errors with the
// rejection code so a trace search for blocked transactions needs no
// attribute knowledge.
package traces

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName  = "github.com/mbd888/txguard"
	serviceName = "txguard"

	// RejectedEvent is the span event added for every blocked decision.
	RejectedEvent = "decision.rejected"
)

// Config selects the exporter and sampling for the tracer provider.
type Config struct {
	Endpoint    string  // OTLP gRPC collector; tracing is disabled when empty
	Environment string  // deployment.environment resource attribute
	Version     string  // service.version resource attribute
	SampleRatio float64 // fraction of new root traces kept, in [0, 1]
}

// Sampler keeps parent decisions and samples new roots at ratio. Ratios at
// or above 1 keep everything.
func Sampler(ratio float64) sdktrace.Sampler {
	if ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	if ratio <= 0 {
		return sdktrace.ParentBased(sdktrace.NeverSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// NewProvider builds a tracer provider around exp.
func NewProvider(ctx context.Context, exp sdktrace.SpanExporter, cfg Config) (*sdktrace.TracerProvider, error) {
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(version),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(cfg.SampleRatio)),
	), nil
}

// Init installs the global tracer provider and returns its shutdown func.
// With no endpoint the global no-op provider stays in place.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	tp, err := NewProvider(ctx, exporter, cfg)
	if err != nil {
		return nil, errors.Join(err, exporter.Shutdown(ctx))
	}
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", cfg.Endpoint, "sampleRatio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

// StartSpan starts a span on the global provider.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Reject marks span as a blocked decision.
func Reject(span trace.Span, code, message string) {
	span.SetAttributes(RejectionCode(code))
	span.AddEvent(RejectedEvent, trace.WithAttributes(
		RejectionCode(code),
		attribute.String("rejection.message", message),
	))
	span.SetStatus(codes.Error, code)
}

// Fail records an internal failure on span.
func Fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func ActorID(id string) attribute.KeyValue {
	return attribute.String("actor.id", id)
}

func Amount(amount string) attribute.KeyValue {
	return attribute.String("amount", amount)
}

func TransactionID(id string) attribute.KeyValue {
	return attribute.String("transaction.id", id)
}

func Outcome(code string) attribute.KeyValue {
	return attribute.String("outcome", code)
}

func RiskScore(score int) attribute.KeyValue {
	return attribute.Int("risk.score", score)
}

func RejectionCode(code string) attribute.KeyValue {
	return attribute.String("rejection.code", code)
}
