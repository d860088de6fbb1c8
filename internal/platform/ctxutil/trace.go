package ctxutil

import (
	"context"

	"github.com/google/uuid"
)

type traceDataKey struct{}

// TraceData correlates log lines and spans with the job/slot they belong
// to, so a claim, a spawn, and a terminal callback for the same job can be
// grepped together across the supervisor and its children.
type TraceData struct {
	JobID      uuid.UUID
	SlotNumber int
}

func WithTraceData(ctx context.Context, td *TraceData) context.Context {
	return context.WithValue(ctx, traceDataKey{}, td)
}

func GetTraceData(ctx context.Context) *TraceData {
	val := ctx.Value(traceDataKey{})
	if td, ok := val.(*TraceData); ok {
		return td
	}
	return nil
}
