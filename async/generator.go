package async

import (
	"fmt"
	"iter"
)

// Generator produces a sequence of values lazily. The producer function does
// not run until the first Next call, and between yields it stays suspended
// until the consumer pulls again. A Generator is single-pass: once exhausted
// or stopped it stays exhausted, and it must not be shared across goroutines
// without external synchronization.
type Generator[T any] struct {
	producer func(yield func(T) bool) error

	values  chan T
	resume  chan struct{}
	done    chan struct{}
	stopped chan struct{}

	started  bool
	finished bool
	current  T
	err      error
}

// New creates a Generator running producer on demand. The producer calls
// yield for each value; yield returns false when the consumer has stopped
// pulling, at which point the producer should return. The producer's return
// value, or a recovered panic, becomes the generator's fault, observable via
// Err after the sequence ends.
func New[T any](producer func(yield func(T) bool) error) *Generator[T] {
	return &Generator[T]{
		producer: producer,
		values:   make(chan T),
		resume:   make(chan struct{}),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

func (g *Generator[T]) start() {
	g.started = true
	go func() {
		defer close(g.done)
		defer func() {
			if r := recover(); r != nil {
				g.err = fmt.Errorf("generator panicked: %v", r)
			}
		}()

		g.err = g.producer(func(v T) bool {
			select {
			case g.values <- v:
			case <-g.stopped:
				return false
			}
			select {
			case <-g.resume:
				return true
			case <-g.stopped:
				return false
			}
		})
	}()
}

// Next advances the generator and reports whether a value was produced.
// After Next returns false the sequence is over; check Err for a fault.
func (g *Generator[T]) Next() bool {
	if g.finished {
		return false
	}
	if !g.started {
		g.start()
	} else {
		select {
		case g.resume <- struct{}{}:
		case <-g.done:
			g.finished = true
			return false
		}
	}

	select {
	case v := <-g.values:
		g.current = v
		return true
	case <-g.done:
		g.finished = true
		return false
	}
}

// Current returns the value produced by the last successful Next call.
func (g *Generator[T]) Current() T {
	return g.current
}

// Err returns the fault that ended the sequence, if any. It is meaningful
// only after Next has returned false.
func (g *Generator[T]) Err() error {
	return g.err
}

// All returns an iterator over the remaining values. Breaking out of the
// range loop stops the generator.
func (g *Generator[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		defer g.Stop()
		for g.Next() {
			if !yield(g.Current()) {
				return
			}
		}
	}
}

// Stop abandons the sequence. The producer observes yield returning false
// on its next yield and should return. Stop is idempotent.
func (g *Generator[T]) Stop() {
	if g.finished {
		return
	}
	g.finished = true
	select {
	case <-g.stopped:
	default:
		close(g.stopped)
	}
}
