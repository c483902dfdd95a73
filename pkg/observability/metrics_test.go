package observability

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/capwire/capwire-go/pkg/connection"
	"github.com/capwire/capwire-go/pkg/protocol"
)

// The provider must satisfy the connection instrumentation surface.
var _ connection.Metrics = (*MetricsProvider)(nil)

func TestMetricsProviderRecords(t *testing.T) {
	p, err := NewMetricsProvider(MetricsConfig{ServiceName: "test"})
	require.NoError(t, err)

	p.RecordRequest("tools/call", "ok", 12*time.Millisecond)
	p.RecordRequest("tools/call", "ok", 30*time.Millisecond)
	p.RecordRequest("tools/call", "error", 5*time.Millisecond)
	p.RecordIncomingRequest("tools/list", "ok", time.Millisecond)
	p.RecordNotification("notifications/resources/updated", false)
	p.RecordNotification("notifications/cancelled", true)
	p.RecordConnectionState("open")
	p.RecordPendingCalls(3)
	p.RecordPendingCalls(-1)

	assert.Equal(t, float64(2),
		testutil.ToFloat64(p.requestTotal.WithLabelValues("tools/call", "ok")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(p.requestTotal.WithLabelValues("tools/call", "error")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(p.incomingRequestTotal.WithLabelValues("tools/list", "ok")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(p.notificationTotal.WithLabelValues("notifications/resources/updated", "outgoing")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(p.notificationTotal.WithLabelValues("notifications/cancelled", "incoming")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(p.connectionStateTotal.WithLabelValues("open")))
	assert.Equal(t, float64(2), testutil.ToFloat64(p.pendingCalls))
}

func TestMetricsProvidersAreIsolated(t *testing.T) {
	// Two providers never collide: each owns its registry.
	a, err := NewMetricsProvider(MetricsConfig{})
	require.NoError(t, err)
	b, err := NewMetricsProvider(MetricsConfig{})
	require.NoError(t, err)

	a.RecordConnectionState("open")
	assert.Equal(t, float64(1), testutil.ToFloat64(a.connectionStateTotal.WithLabelValues("open")))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.connectionStateTotal.WithLabelValues("open")))
}

func TestMetricsGather(t *testing.T) {
	p, err := NewMetricsProvider(MetricsConfig{ServiceName: "svc", Environment: "test"})
	require.NoError(t, err)
	p.RecordRequest("ping", "ok", time.Millisecond)

	families, err := p.Registry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["capwire_request_total"])
	assert.True(t, names["capwire_request_duration_milliseconds"])
}

func TestTracingProviderNoop(t *testing.T) {
	tp, err := NewTracingProvider(TracingConfig{
		ServiceName:  "test",
		ExporterType: ExporterTypeNoop,
		SampleRate:   1.0,
		AlwaysSample: []string{"tools/call"},
		NeverSample:  []string{"ping"},
	})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, tp.Shutdown(context.Background()))
	}()

	ctx, span := tp.StartMethodSpan(context.Background(), "tools/call", trace.SpanKindClient)
	require.NotNil(t, span)
	tp.RecordError(ctx, assert.AnError)
	span.End()
}

func TestTracingMiddlewarePassesThrough(t *testing.T) {
	tp, err := NewTracingProvider(TracingConfig{ExporterType: ExporterTypeNoop})
	require.NoError(t, err)
	defer tp.Shutdown(context.Background())

	mw := TracingMiddleware(tp)
	called := false
	handler := mw("tools/list", func(ctx context.Context, req *protocol.Request) (interface{}, error) {
		called = true
		return "ok", nil
	})

	req, err := protocol.NewRequest(1, "tools/list", nil)
	require.NoError(t, err)
	result, err := handler(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.True(t, called)
}

func TestTracingMiddlewareRecordsHandlerError(t *testing.T) {
	tp, err := NewTracingProvider(TracingConfig{ExporterType: ExporterTypeNoop})
	require.NoError(t, err)
	defer tp.Shutdown(context.Background())

	handler := TracingMiddleware(tp)("tools/call",
		func(ctx context.Context, req *protocol.Request) (interface{}, error) {
			return nil, assert.AnError
		})

	req, err := protocol.NewRequest(2, "tools/call", nil)
	require.NoError(t, err)
	_, err = handler(context.Background(), req)
	assert.ErrorIs(t, err, assert.AnError)
}
