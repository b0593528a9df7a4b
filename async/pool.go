package async

import "sync"

// defaultBatchSize is the number of objects allocated per batch when none is
// specified.
const defaultBatchSize = 128

// Pool hands out pointers to zero-valued objects, allocating storage in
// fixed-size batches so consecutive objects share an allocation. Objects are
// never recycled: the pool grows monotonically and every pointer returned by
// Get stays valid for the pool's lifetime. A Pool is safe for concurrent
// use.
type Pool[T any] struct {
	batchSize int

	mu      sync.Mutex
	batches [][]T
	cursor  int
}

// NewPool creates a Pool allocating batchSize objects at a time. A
// non-positive batchSize selects the default of 128.
func NewPool[T any](batchSize int) *Pool[T] {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Pool[T]{batchSize: batchSize}
}

// Get returns a pointer to a fresh zero-valued object.
func (p *Pool[T]) Get() *T {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.batches) == 0 || p.cursor == p.batchSize {
		p.batches = append(p.batches, make([]T, p.batchSize))
		p.cursor = 0
	}
	batch := p.batches[len(p.batches)-1]
	obj := &batch[p.cursor]
	p.cursor++
	return obj
}

// Len returns the number of objects handed out so far.
func (p *Pool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.batches) == 0 {
		return 0
	}
	return (len(p.batches)-1)*p.batchSize + p.cursor
}

// Handles returns a generator producing an unbounded stream of fresh
// objects from the pool, one per pull.
func (p *Pool[T]) Handles() *Generator[*T] {
	return New(func(yield func(*T) bool) error {
		for yield(p.Get()) {
		}
		return nil
	})
}
