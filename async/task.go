package async

import (
	"context"
	"fmt"
	"sync"
)

// Task is a lazy, memoized asynchronous computation. The underlying
// function does not run until the first Await (or SyncWait); its outcome is
// computed once and every subsequent Await observes the same value or
// error. A Task is safe for concurrent use.
type Task[T any] struct {
	fn    func() (T, error)
	start sync.Once
	done  chan struct{}

	value T
	err   error
}

// NewTask creates a Task around fn. fn runs in its own goroutine, started
// by the first Await; a panic in fn is captured as the task's error.
func NewTask[T any](fn func() (T, error)) *Task[T] {
	return &Task[T]{
		fn:   fn,
		done: make(chan struct{}),
	}
}

// Resolve returns an already-completed Task carrying value.
func Resolve[T any](value T) *Task[T] {
	t := &Task[T]{done: make(chan struct{})}
	t.start.Do(func() {})
	t.value = value
	close(t.done)
	return t
}

// Reject returns an already-completed Task carrying err.
func Reject[T any](err error) *Task[T] {
	t := &Task[T]{done: make(chan struct{})}
	t.start.Do(func() {})
	t.err = err
	close(t.done)
	return t
}

func (t *Task[T]) run() {
	t.start.Do(func() {
		go func() {
			defer close(t.done)
			defer func() {
				if r := recover(); r != nil {
					t.err = fmt.Errorf("task panicked: %v", r)
				}
			}()
			t.value, t.err = t.fn()
		}()
	})
}

// Await starts the task if needed and blocks until it completes or ctx is
// done. A ctx error abandons the wait, not the task: the computation keeps
// running and a later Await can still observe its outcome.
func (t *Task[T]) Await(ctx context.Context) (T, error) {
	t.run()
	select {
	case <-t.done:
		return t.value, t.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done reports whether the task has completed.
func (t *Task[T]) Done() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Then chains fn onto t, producing a task that awaits t and, on success,
// applies fn to its value. A failure of t short-circuits the chain.
func Then[T, U any](t *Task[T], fn func(T) (U, error)) *Task[U] {
	return NewTask(func() (U, error) {
		v, err := t.Await(context.Background())
		if err != nil {
			var zero U
			return zero, err
		}
		return fn(v)
	})
}

// SyncWait bridges a Task into synchronous code: it starts the task and
// blocks the calling goroutine until the outcome is available.
func SyncWait[T any](t *Task[T]) (T, error) {
	return t.Await(context.Background())
}
