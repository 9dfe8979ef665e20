package engine

import (
	"context"
	"errors"
	"sync"
)

// Memo caches the outcome of a lazy evaluation shared by concurrent readers.
// Outcomes caused by the caller's context ending are not cached, so a later
// call with a live context evaluates again.
type Memo[T any] struct {
	mu   sync.Mutex
	done bool
	val  T
	err  error
}

// Do returns the cached outcome, or runs fn and caches it.
func (m *Memo[T]) Do(ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.done {
		return m.val, m.err
	}

	val, err := fn(ctx)
	if err != nil && (IsContextError(err) || ctx.Err() != nil) {
		var zero T
		return zero, err
	}
	m.val, m.err, m.done = val, err, true
	return val, err
}

// IsContextError reports whether err comes from a cancelled or expired context.
func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
