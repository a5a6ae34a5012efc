package telemetry

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })
	return recorder
}

func TestWithSpan(t *testing.T) {
	recorder := recordSpans(t)

	err := WithSpan(context.Background(), "skill.read", func(ctx context.Context) error {
		SetAttributes(ctx, attribute.Int("bytes", 10))
		AddEvent(ctx, "truncated")
		return nil
	}, attribute.String("skill", "demo"))
	require.NoError(t, err)

	boom := errors.New("boom")
	err = WithSpan(context.Background(), "skill.run", func(context.Context) error { return boom })
	assert.Equal(t, boom, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, "skill.read", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.String("skill", "demo"))
	assert.Contains(t, spans[0].Attributes(), attribute.Int("bytes", 10))
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "truncated", spans[0].Events()[0].Name)

	assert.Equal(t, "skill.run", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "boom", spans[1].Status().Description)
}

func TestInitTracerDisabled(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSampler(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample().Description(), Sampler(Config{}).Description())
	assert.Equal(t, sdktrace.AlwaysSample().Description(), Sampler(Config{SamplerType: "always"}).Description())
	assert.Equal(t, sdktrace.NeverSample().Description(), Sampler(Config{SamplerType: "never"}).Description())
	assert.Contains(t, Sampler(Config{SamplerType: "ratio", SamplerRatio: 0.5}).Description(), "TraceIDRatioBased")
}
