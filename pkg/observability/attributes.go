package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Semantic convention attributes for tool invocations.
var (
	AttrTenantID       = attribute.Key("tollgate.tenant.id")
	AttrRunID          = attribute.Key("tollgate.run.id")
	AttrToolName       = attribute.Key("tollgate.tool.name")
	AttrClassification = attribute.Key("tollgate.tool.classification")
	AttrAllowed        = attribute.Key("tollgate.policy.allowed")
	AttrReasonCode     = attribute.Key("tollgate.policy.reason_code")
	AttrFailureCode    = attribute.Key("tollgate.failure.code")
	AttrAuditStage     = attribute.Key("tollgate.audit.stage")
)

// InvocationAttributes identifies one tool invocation. Run ids are left
// off metric attributes by callers to bound cardinality.
func InvocationAttributes(tenantID, toolName, classification string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrToolName.String(toolName),
		AttrClassification.String(classification),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanAttributes annotates the current span.
func SetSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
