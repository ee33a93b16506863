package instrumentation

import (
	"context"
	"errors"
	"testing"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNew_Disabled(t *testing.T) {
	inst, err := New(Config{})
	require.NoError(t, err)

	assert.Equal(t, DefaultServiceName, inst.config.ServiceName)
	assert.Equal(t, DefaultServiceVersion, inst.config.ServiceVersion)
	require.NotNil(t, inst.Metrics())

	// no-op providers still hand out usable instruments
	inst.Metrics().RecordSubmission(context.Background(), "personal", "submitted", false)
	_, span := inst.Tracer("test").Start(context.Background(), "op")
	span.End()

	assert.NoError(t, inst.Shutdown(context.Background()))
}

func TestNew_Prometheus(t *testing.T) {
	reg := promclient.NewRegistry()
	inst, err := New(Config{
		Enabled:              true,
		MetricsExporter:      ExporterPrometheus,
		PrometheusRegisterer: reg,
	})
	require.NoError(t, err)
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	inst.Metrics().RecordAuthorityCall(ctx, "obligations", 200, 12.5)
	inst.Metrics().RecordTokenRefresh(ctx, "success", 1)

	families, err := reg.Gather()
	require.NoError(t, err)

	// the exporter keeps the dotted instrument names and adds the counter suffix
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "mtd.authority.calls_total", "authority call counter not exported")
	assert.Contains(t, names, "mtd.token.refreshes_total", "token refresh counter not exported")
}

func TestNew_UnsupportedExporter(t *testing.T) {
	_, err := New(Config{Enabled: true, MetricsExporter: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestNilInstrumentation(t *testing.T) {
	var inst *Instrumentation
	assert.Nil(t, inst.Metrics())

	var m *Metrics
	ctx := context.Background()
	m.RecordCallback(ctx, "connected")
	m.RecordCacheFallback(ctx, "obligations")
	m.RecordStorageOperation(ctx, "memory", "get_token", "success", 1)

	tracer := TracerOrNoop(nil, "auth")
	_, span := tracer.Start(ctx, "noop")
	span.End()

	_, done := StorageSpan(ctx, nil, "memory", "get_token")
	done(errors.New("ignored"))
}

func TestStorageSpan_RecordsOutcome(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	inst, err := New(Config{
		Enabled:        true,
		SpanProcessors: []sdktrace.SpanProcessor{sdktrace.NewSimpleSpanProcessor(exporter)},
	})
	require.NoError(t, err)

	_, done := StorageSpan(context.Background(), inst, "memory", "put_token")
	done(nil)
	_, done = StorageSpan(context.Background(), inst, "memory", "get_token")
	done(errors.New("boom"))

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "storage.put_token", spans[0].Name)
	assert.Equal(t, "Ok", spans[0].Status.Code.String())
	assert.Equal(t, "storage.get_token", spans[1].Name)
	assert.Equal(t, "Error", spans[1].Status.Code.String())
	assert.Len(t, spans[1].Events, 1, "error event should be recorded")
}

func TestRecordError_NilSafe(t *testing.T) {
	RecordError(nil, errors.New("x"))
	SetSpanSuccess(nil)
	SetSpanAttributes(nil)
}
