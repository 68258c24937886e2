// Package idalloc hands out small integer ids from a bounded range and keeps
// them dense while entries are released out of order.
//
// Live ids normally form one contiguous span [start, last) of a ring of
// maxSize slots. Allocation takes last and advances it, which is O(1). Ids
// released from inside the span leave holes. Once the span wraps all the way
// around, allocation falls back to scanning for a hole from a remembered
// cursor.
package idalloc

import "errors"

// ErrInvalidSize is returned by New for a non-positive size.
var ErrInvalidSize = errors.New("idalloc: size must be positive")

// Allocator maps ids in [0, maxSize) to entries. It is not safe for
// concurrent use.
type Allocator[T any] struct {
	entries map[uint64]T
	maxSize uint64
	start   uint64
	last    uint64
	cursor  uint64
}

// New returns an allocator for ids in [0, maxSize).
func New[T any](maxSize int) (*Allocator[T], error) {
	if maxSize <= 0 {
		return nil, ErrInvalidSize
	}
	return &Allocator[T]{
		entries: make(map[uint64]T),
		maxSize: uint64(maxSize),
	}, nil
}

// Allocate stores v under a free id. It reports false when every id is live.
func (a *Allocator[T]) Allocate(v T) (uint64, bool) {
	n := uint64(len(a.entries))
	if n == a.maxSize {
		return 0, false
	}
	var id uint64
	if n == 0 || a.start != a.last {
		id = a.last
		a.last = a.next(a.last)
	} else {
		id = a.scan()
	}
	a.entries[id] = v
	return id, true
}

// scan finds a hole inside a span that covers the whole ring. The caller
// guarantees at least one free slot.
func (a *Allocator[T]) scan() uint64 {
	id := a.cursor
	for {
		if _, used := a.entries[id]; !used {
			a.cursor = a.next(id)
			return id
		}
		id = a.next(id)
	}
}

// Get returns the entry stored under id.
func (a *Allocator[T]) Get(id uint64) (T, bool) {
	v, ok := a.entries[id]
	return v, ok
}

// Release removes id and returns its entry.
func (a *Allocator[T]) Release(id uint64) (T, bool) {
	v, ok := a.entries[id]
	if !ok {
		return v, false
	}
	delete(a.entries, id)

	if len(a.entries) == 0 {
		a.start = a.last
		return v, true
	}
	if id == a.start {
		for !a.used(a.start) {
			a.start = a.next(a.start)
		}
	}
	if id == a.prev(a.last) {
		for !a.used(a.prev(a.last)) {
			a.last = a.prev(a.last)
		}
	}
	return v, true
}

// Len returns the number of live ids.
func (a *Allocator[T]) Len() int {
	return len(a.entries)
}

// FreeSize returns how many more ids can be allocated.
func (a *Allocator[T]) FreeSize() int {
	return int(a.maxSize) - len(a.entries)
}

// Range calls fn for every live entry in no particular order until fn
// returns false.
func (a *Allocator[T]) Range(fn func(id uint64, v T) bool) {
	for id, v := range a.entries {
		if !fn(id, v) {
			return
		}
	}
}

// Clear releases every id.
func (a *Allocator[T]) Clear() {
	clear(a.entries)
	a.start, a.last, a.cursor = 0, 0, 0
}

func (a *Allocator[T]) used(id uint64) bool {
	_, ok := a.entries[id]
	return ok
}

func (a *Allocator[T]) next(id uint64) uint64 {
	if id+1 == a.maxSize {
		return 0
	}
	return id + 1
}

func (a *Allocator[T]) prev(id uint64) uint64 {
	if id == 0 {
		return a.maxSize - 1
	}
	return id - 1
}
