// Package future provides a result that settles exactly once.
//
// Handlers hand a Future back to the dispatcher when their result is not
// ready yet, and the client uses one to turn its callback API into a blocking
// call. Whichever of Resolve or Reject runs first wins; later attempts are
// ignored and report false.
package future

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Future is a single-assignment value or error.
type Future[T any] struct {
	settled atomic.Bool
	done    chan struct{}
	value   T
	err     error
}

// New returns an unsettled future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Go runs fn on a new goroutine and settles the future with its result.
// A panic in fn rejects the future with the panic value as message.
func Go[T any](fn func() (T, error)) *Future[T] {
	f := New[T]()
	go func() {
		defer func() {
			if x := recover(); x != nil {
				f.Reject(fmt.Errorf("%v", x))
			}
		}()
		v, err := fn()
		if err != nil {
			f.Reject(err)
			return
		}
		f.Resolve(v)
	}()
	return f
}

// Resolved returns a future already settled with v.
func Resolved[T any](v T) *Future[T] {
	f := New[T]()
	f.Resolve(v)
	return f
}

// Rejected returns a future already settled with err.
func Rejected[T any](err error) *Future[T] {
	f := New[T]()
	f.Reject(err)
	return f
}

// Resolve settles the future with v. It returns false if already settled.
func (f *Future[T]) Resolve(v T) bool {
	if !f.settled.CompareAndSwap(false, true) {
		return false
	}
	f.value = v
	close(f.done)
	return true
}

// Reject settles the future with err. It returns false if already settled.
func (f *Future[T]) Reject(err error) bool {
	if !f.settled.CompareAndSwap(false, true) {
		return false
	}
	if err == nil {
		err = fmt.Errorf("future: rejected with nil error")
	}
	f.err = err
	close(f.done)
	return true
}

// Done is closed once the future is settled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Result blocks until the future is settled.
func (f *Future[T]) Result() (T, error) {
	<-f.done
	return f.value, f.err
}

// Await is Result bounded by ctx. The future itself is left untouched when
// ctx ends first.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
