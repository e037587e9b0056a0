package traces

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func useProvider(t *testing.T, cfg Config) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp, err := NewProvider(context.Background(), exp, cfg)
	require.NoError(t, err)

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func flush(t *testing.T) {
	t.Helper()
	tp, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	require.True(t, ok)
	require.NoError(t, tp.ForceFlush(context.Background()))
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func attr(attrs []attribute.KeyValue, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range attrs {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestInit_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{}, testLogger())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestNewProvider_Resource(t *testing.T) {
	exp := useProvider(t, Config{Environment: "staging", Version: "1.4.2", SampleRatio: 1})

	_, span := StartSpan(context.Background(), "engine.Evaluate", ActorID("alice"))
	span.End()
	flush(t)

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	res := spans[0].Resource.Attributes()
	v, ok := attr(res, semconv.ServiceNameKey)
	require.True(t, ok)
	assert.Equal(t, "txguard", v.AsString())
	v, _ = attr(res, semconv.ServiceVersionKey)
	assert.Equal(t, "1.4.2", v.AsString())
	v, _ = attr(res, semconv.DeploymentEnvironmentKey)
	assert.Equal(t, "staging", v.AsString())

	v, ok = attr(spans[0].Attributes, "actor.id")
	require.True(t, ok)
	assert.Equal(t, "alice", v.AsString())
}

func TestSampler(t *testing.T) {
	t.Run("zero ratio drops new roots", func(t *testing.T) {
		exp := useProvider(t, Config{SampleRatio: 0})
		_, span := StartSpan(context.Background(), "engine.Evaluate")
		assert.False(t, span.SpanContext().IsSampled())
		span.End()
		flush(t)
		assert.Empty(t, exp.GetSpans())
	})

	t.Run("children follow a sampled parent", func(t *testing.T) {
		exp := useProvider(t, Config{SampleRatio: 1})
		ctx, parent := StartSpan(context.Background(), "engine.Evaluate")
		_, child := StartSpan(ctx, "engine.Fraud")
		child.End()
		parent.End()
		flush(t)
		assert.Len(t, exp.GetSpans(), 2)
	})

	t.Run("ratio descriptions", func(t *testing.T) {
		assert.Contains(t, Sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
		assert.Contains(t, Sampler(2).Description(), "AlwaysOnSampler")
	})
}

func TestReject(t *testing.T) {
	exp := useProvider(t, Config{SampleRatio: 1})

	_, span := StartSpan(context.Background(), "engine.Evaluate")
	Reject(span, "DAILY_LIMIT_EXCEEDED", "daily limit exceeded")
	span.End()
	flush(t)

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	s := spans[0]
	assert.Equal(t, codes.Error, s.Status.Code)
	assert.Equal(t, "DAILY_LIMIT_EXCEEDED", s.Status.Description)
	v, ok := attr(s.Attributes, "rejection.code")
	require.True(t, ok)
	assert.Equal(t, "DAILY_LIMIT_EXCEEDED", v.AsString())

	require.Len(t, s.Events, 1)
	assert.Equal(t, RejectedEvent, s.Events[0].Name)
	v, _ = attr(s.Events[0].Attributes, "rejection.message")
	assert.Equal(t, "daily limit exceeded", v.AsString())
}

func TestFail(t *testing.T) {
	exp := useProvider(t, Config{SampleRatio: 1})

	_, span := StartSpan(context.Background(), "engine.Commit")
	Fail(span, errors.New("ledger unavailable"))
	span.End()
	flush(t)

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "ledger unavailable", spans[0].Status.Description)
	require.NotEmpty(t, spans[0].Events)
	assert.Equal(t, "exception", spans[0].Events[0].Name)
}
