package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/ddsync_backend/appctx"
	"github.com/google/uuid"
)

// GetSubjectFromContext is the operator named in the bearer token.
func GetSubjectFromContext(ctx context.Context) (string, bool) {
	return appctx.Subject.Get(ctx)
}

func SetSubjectInContext(ctx context.Context, subject string) context.Context {
	return appctx.Subject.Set(ctx, subject)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.CorrelationId.Get(ctx)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.CorrelationId.Set(ctx, correlationId)
}

// EnsureCorrelationId returns ctx unchanged when it already carries a
// correlation id, otherwise it attaches a fresh one.
func EnsureCorrelationId(ctx context.Context) (context.Context, string) {
	if id, ok := GetCorrelationIdFromContext(ctx); ok && id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return SetCorrelationIdInContext(ctx, id), id
}

func GetSyncRunIdFromContext(ctx context.Context) (uint, bool) {
	return appctx.SyncRunId.Get(ctx)
}

func SetSyncRunIdInContext(ctx context.Context, runId uint) context.Context {
	return appctx.SyncRunId.Set(ctx, runId)
}

func GetInteractiveFromContext(ctx context.Context) bool {
	v, _ := appctx.Interactive.Get(ctx)
	return v
}

func SetInteractiveInContext(ctx context.Context, interactive bool) context.Context {
	return appctx.Interactive.Set(ctx, interactive)
}
