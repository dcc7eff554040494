package tracer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"athena/internal/infra/config"
)

var svc = config.ServiceConfig{Name: "athena", Environment: "test"}

func TestSetupDisabledUsesNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: false}, svc)
	require.NoError(t, err)
	defer shutdown(context.Background())

	_, ok := otel.GetTracerProvider().(noop.TracerProvider)
	assert.True(t, ok)
}

func TestSetupEmptyExporterUsesNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: true}, svc)
	require.NoError(t, err)
	defer shutdown(context.Background())

	_, ok := otel.GetTracerProvider().(noop.TracerProvider)
	assert.True(t, ok)
}

func TestSetupStdout(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "stdout"}, svc)
	require.NoError(t, err)
	defer shutdown(context.Background())

	_, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, ok)
}

func TestSetupUnsupportedExporter(t *testing.T) {
	_, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "zipkin"}, svc)
	assert.Error(t, err)
}

func TestStartSpanAndHelpers(t *testing.T) {
	otel.SetTracerProvider(noop.NewTracerProvider())

	ctx, span := StartSpan(context.Background(), "graph.node",
		// attributes are accepted through the standard options
	)
	require.NotNil(t, ctx)
	span.SetAttributes(StringAttr("node", "classify"), IntAttr("step", 2))
	SetOK(span)
	RecordError(span, errors.New("boom"))
	span.End()
}

func TestAttrHelpers(t *testing.T) {
	assert.Equal(t, "key", string(StringAttr("key", "value").Key))
	assert.Equal(t, int64(42), IntAttr("count", 42).Value.AsInt64())
}
