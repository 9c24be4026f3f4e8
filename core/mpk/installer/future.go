package installer

import "context"

// Future is the pending result of an asynchronous operation.
type Future[T any] struct {
	opID string
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any](opID string) *Future[T] {
	return &Future[T]{opID: opID, done: make(chan struct{})}
}

func (f *Future[T]) complete(val T, err error) {
	f.val, f.err = val, err
	close(f.done)
}

// OperationID identifies the operation record behind the future.
func (f *Future[T]) OperationID() string { return f.opID }

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the operation finishes or ctx ends. A ctx error does not
// cancel the operation itself.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
