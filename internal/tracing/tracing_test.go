package tracing

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

func TestInitializeDisabled(t *testing.T) {
	shutdown, err := Initialize(Config{Enabled: false}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	ctx, span := StartStageSpan(context.Background(), "run-1", "decompose", 1)
	defer span.End()
	assert.Empty(t, W3CTraceparent(ctx), "no-op spans carry no trace context")
}

func TestTraceparentRoundTrip(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	tracer = tp.Tracer("test")

	ctx, span := StartGatewaySpan(context.Background(), "llm", http.MethodPost, "http://llm/v1/chat/completions")
	defer span.End()

	req, _ := http.NewRequest(http.MethodPost, "http://llm", nil)
	InjectTraceparent(ctx, req)
	header := req.Header.Get("traceparent")
	require.NotEmpty(t, header)

	traceID, spanID, _, ok := ParseTraceparent(header)
	require.True(t, ok)
	assert.Equal(t, span.SpanContext().TraceID().String(), traceID)
	assert.Equal(t, span.SpanContext().SpanID().String(), spanID)
}

func TestParseTraceparentRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "01-abc-def-01", "00-short-short-01", "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331"} {
		_, _, _, ok := ParseTraceparent(in)
		assert.False(t, ok, in)
	}
}
