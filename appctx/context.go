// Package appctx holds the request and run scoped values passed through
// context.Context.
package appctx

import "context"

// Key is a context key whose type parameter fixes the value it carries.
type Key[T any] struct {
	name string
}

func NewKey[T any](name string) Key[T] {
	return Key[T]{name: name}
}

func (k Key[T]) String() string { return k.name }

func (k Key[T]) Get(ctx context.Context) (T, bool) {
	v, ok := ctx.Value(k).(T)
	return v, ok
}

func (k Key[T]) Set(ctx context.Context, value T) context.Context {
	return context.WithValue(ctx, k, value)
}

var (
	Subject       = NewKey[string]("Subject")
	CorrelationId = NewKey[string]("CorrelationId")

	// SyncRunId is the SyncRun row being executed.
	SyncRunId = NewKey[uint]("SyncRunId")

	// Interactive is true when an operator started the run.
	Interactive = NewKey[bool]("Interactive")
)
