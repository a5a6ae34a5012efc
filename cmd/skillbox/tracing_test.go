package main

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestWithTracing(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	boom := errors.New("boom")
	var sawSpan bool
	cmd := withTracing(&cobra.Command{
		Use: "read",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sawSpan = trace.SpanFromContext(cmd.Context()).SpanContext().IsValid()
			return boom
		},
	})
	cmd.Flags().Int("max-bytes", 0, "")
	cmd.Flags().String("stdin", "", "")
	cmd.SetArgs([]string{"demo", "references/guide.md", "--max-bytes", "10", "--stdin", "secret.json"})
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	err := cmd.ExecuteContext(context.Background())
	assert.Equal(t, boom, err)
	assert.True(t, sawSpan)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "cli.command", span.Name())
	assert.Equal(t, codes.Error, span.Status().Code)

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range span.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "read", attrs["command.name"].AsString())
	assert.Equal(t, int64(2), attrs["args.count"].AsInt64())
	assert.Equal(t, "demo", attrs["skill.name"].AsString())
	assert.Equal(t, "10", attrs["flag.max-bytes"].AsString())
	_, recorded := attrs["flag.stdin"]
	assert.False(t, recorded)
}
