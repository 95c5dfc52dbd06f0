// Package observability provides keel-specific instrumentation helpers.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Keel-specific semantic convention attributes.
var (
	// Deal attributes
	AttrDealID    = attribute.Key("keel.deal.id")
	AttrDealState = attribute.Key("keel.deal.state")
	AttrDealSeq   = attribute.Key("keel.deal.seq")

	// Decision attributes
	AttrAction         = attribute.Key("keel.action")
	AttrDecisionStatus = attribute.Key("keel.decision.status")

	// Tenancy attributes
	AttrOrgID   = attribute.Key("keel.org.id")
	AttrActorID = attribute.Key("keel.actor.id")

	// Proof pack attributes
	AttrPackHash = attribute.Key("keel.pack.hash")
)

// SubmitOperation creates attributes for action submissions.
func SubmitOperation(dealID, action, status string, seq uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrDealID.String(dealID),
		AttrAction.String(action),
		AttrDecisionStatus.String(status),
		AttrDealSeq.Int64(int64(seq)),
	}
}

// ReplayOperation creates attributes for replay and explain evaluations.
func ReplayOperation(dealID, state string, seq uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrDealID.String(dealID),
		AttrDealState.String(state),
		AttrDealSeq.Int64(int64(seq)),
	}
}

// ExportOperation creates attributes for proof pack exports.
func ExportOperation(dealID, packHash string, seq uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrDealID.String(dealID),
		AttrPackHash.String(packHash),
		AttrDealSeq.Int64(int64(seq)),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus sets the span status based on error.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
