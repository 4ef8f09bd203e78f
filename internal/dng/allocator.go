package dng

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Allocator hands out pixel memory. Implementations must be safe for
// concurrent use by area-task workers.
type Allocator interface {
	Allocate(size int) (*Block, error)
}

// Block is memory obtained from an Allocator.
type Block struct {
	data    []byte
	release func()
	once    sync.Once
}

// Bytes returns the block's memory.
func (b *Block) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.data
}

// Release returns the block to its allocator. Safe to call more than once.
func (b *Block) Release() {
	if b == nil {
		return
	}
	b.once.Do(func() {
		if b.release != nil {
			b.release()
		}
		b.data = nil
	})
}

// HeapAllocator allocates from the Go heap.
type HeapAllocator struct{}

func (HeapAllocator) Allocate(size int) (*Block, error) {
	if size < 0 {
		return nil, fmt.Errorf("allocate: negative size %d", size)
	}
	return &Block{data: make([]byte, size)}, nil
}

// LimitAllocator caps the bytes outstanding at any time and returns
// ErrMemoryFull beyond that.
type LimitAllocator struct {
	limit int64
	used  atomic.Int64
	base  Allocator
}

// NewLimitAllocator wraps base (HeapAllocator when nil) with a byte limit.
func NewLimitAllocator(limit int64, base Allocator) *LimitAllocator {
	if base == nil {
		base = HeapAllocator{}
	}
	return &LimitAllocator{limit: limit, base: base}
}

func (a *LimitAllocator) Allocate(size int) (*Block, error) {
	if used := a.used.Add(int64(size)); used > a.limit {
		a.used.Add(-int64(size))
		return nil, fmt.Errorf("%w: %d bytes requested, %d of %d in use", ErrMemoryFull, size, used-int64(size), a.limit)
	}
	blk, err := a.base.Allocate(size)
	if err != nil {
		a.used.Add(-int64(size))
		return nil, err
	}
	inner := blk.release
	blk.release = func() {
		if inner != nil {
			inner()
		}
		a.used.Add(-int64(size))
	}
	return blk, nil
}

// InUse returns the bytes currently allocated.
func (a *LimitAllocator) InUse() int64 { return a.used.Load() }
