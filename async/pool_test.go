package async_test

import (
	"sync"
	"testing"

	"github.com/tidegate/go-jrpc/async"
)

type poolItem struct {
	id   int
	name string
}

func TestPoolHandsOutDistinctZeroValues(t *testing.T) {
	p := async.NewPool[poolItem](4)

	seen := make(map[*poolItem]bool)
	for i := 0; i < 10; i++ {
		obj := p.Get()
		if obj == nil {
			t.Fatal("Get returned nil")
		}
		if obj.id != 0 || obj.name != "" {
			t.Errorf("object %d is not zero-valued: %+v", i, *obj)
		}
		if seen[obj] {
			t.Errorf("object %d was handed out twice", i)
		}
		seen[obj] = true
		obj.id = i
	}

	if p.Len() != 10 {
		t.Errorf("wrong pool length. Got %d, want 10", p.Len())
	}
}

func TestPoolGrowsAcrossBatches(t *testing.T) {
	p := async.NewPool[int](2)

	// Pointers must stay valid after the pool allocates further batches.
	first := p.Get()
	*first = 42
	for i := 0; i < 7; i++ {
		p.Get()
	}

	if *first != 42 {
		t.Errorf("earlier object was clobbered by growth. Got %d, want 42", *first)
	}
	if p.Len() != 8 {
		t.Errorf("wrong pool length. Got %d, want 8", p.Len())
	}
}

func TestPoolDefaultBatchSize(t *testing.T) {
	p := async.NewPool[int](0)
	for i := 0; i < 130; i++ {
		p.Get()
	}
	if p.Len() != 130 {
		t.Errorf("wrong pool length. Got %d, want 130", p.Len())
	}
}

func TestPoolConcurrentGet(t *testing.T) {
	p := async.NewPool[poolItem](8)

	const goroutines = 8
	const perGoroutine = 100

	var mu sync.Mutex
	seen := make(map[*poolItem]bool)

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				obj := p.Get()
				mu.Lock()
				if seen[obj] {
					t.Error("object was handed out twice")
				}
				seen[obj] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if p.Len() != goroutines*perGoroutine {
		t.Errorf("wrong pool length. Got %d, want %d", p.Len(), goroutines*perGoroutine)
	}
}

func TestPoolHandles(t *testing.T) {
	p := async.NewPool[poolItem](4)
	g := p.Handles()
	defer g.Stop()

	var objs []*poolItem
	for i := 0; i < 6; i++ {
		if !g.Next() {
			t.Fatal("handle stream ended unexpectedly")
		}
		objs = append(objs, g.Current())
	}

	for i, a := range objs {
		for j, b := range objs {
			if i != j && a == b {
				t.Fatalf("handles %d and %d point at the same object", i, j)
			}
		}
	}
}
