package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestProvider(t *testing.T) (*Provider, *sdkmetric.ManualReader, *tracetest.SpanRecorder) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	recorder := tracetest.NewSpanRecorder()
	p, err := NewWithProviders(
		sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)),
		sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p, reader, recorder
}

func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) (int64, []attribute.Set) {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	var sets []attribute.Set
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
				sets = append(sets, dp.Attributes)
			}
		}
	}
	return total, sets
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "tollgate", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.True(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.tracerOrGlobal())

	ctx := context.Background()
	_, done := p.TrackOperation(ctx, "tollgate.invoke")
	done(errors.New("boom"))
	p.RecordDecision(ctx, false, "DENY_NO_POLICY")
	p.RecordAuditFault(ctx, "requested")
	require.NoError(t, p.Shutdown(ctx))
}

func TestNilProviderIsNoop(t *testing.T) {
	var p *Provider
	ctx := context.Background()

	newCtx, finish := p.TrackOperation(ctx, "tool.invoke")
	require.NotNil(t, newCtx)
	finish(errors.New("failed"))

	p.RecordDecision(ctx, true, "ALLOW_READ_DEFAULT")
	p.RecordAuditFault(ctx, "succeeded")
	require.NoError(t, p.Shutdown(ctx))
}

func TestTrackOperation(t *testing.T) {
	p, reader, recorder := newTestProvider(t)
	attrs := InvocationAttributes("acme", "github.list_prs", "READ")

	_, finish := p.TrackOperation(context.Background(), "tool.invoke", attrs...)
	finish(nil)
	_, finish = p.TrackOperation(context.Background(), "tool.invoke", attrs...)
	finish(errors.New("handler failed"))

	requests, _ := counterTotal(t, reader, "tollgate.requests.total")
	require.Equal(t, int64(2), requests)
	errs, sets := counterTotal(t, reader, "tollgate.errors.total")
	require.Equal(t, int64(1), errs)
	v, ok := sets[0].Value("error.type")
	require.True(t, ok)
	require.Equal(t, "*errors.errorString", v.AsString())

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	require.Equal(t, "tool.invoke", spans[0].Name())
	require.Equal(t, codes.Error, spans[1].Status().Code)
}

func TestRecordDecisionAndAuditFault(t *testing.T) {
	p, reader, _ := newTestProvider(t)
	ctx := context.Background()

	p.RecordDecision(ctx, true, "ALLOW_READ_DEFAULT", AttrTenantID.String("acme"))
	p.RecordDecision(ctx, false, "DENY_DESTRUCTIVE_NO_APPROVAL", AttrTenantID.String("acme"))
	p.RecordDecision(ctx, false, "DENY_DESTRUCTIVE_NO_APPROVAL", AttrTenantID.String("acme"))
	p.RecordAuditFault(ctx, "policy_checked")

	decisions, sets := counterTotal(t, reader, "tollgate.policy.decisions")
	require.Equal(t, int64(3), decisions)
	require.Len(t, sets, 2)

	faults, sets := counterTotal(t, reader, "tollgate.audit.faults")
	require.Equal(t, int64(1), faults)
	stage, ok := sets[0].Value(AttrAuditStage)
	require.True(t, ok)
	require.Equal(t, "policy_checked", stage.AsString())
}

func TestInvocationAttributes(t *testing.T) {
	attrs := InvocationAttributes("acme", "github.merge_pr", "DESTRUCTIVE")
	require.Len(t, attrs, 3)
	require.Equal(t, "tollgate.tool.name", string(attrs[1].Key))
	require.Equal(t, "DESTRUCTIVE", attrs[2].Value.AsString())
}

func TestSpanHelpers(t *testing.T) {
	ctx := context.Background()
	AddSpanEvent(ctx, "audit.fault", AttrAuditStage.String("requested"))
	SetSpanAttributes(ctx, AttrRunID.String("run-1"))
}
