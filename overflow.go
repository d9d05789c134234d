// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package immixcons

import "unsafe"

// OverflowAllocator serves Medium objects (one line < size <= LargeObject)
// from dedicated, wholly-owned blocks, to keep them from fragmenting the
// blocks NormalAllocator depends on for small-object holes. It mirrors
// NormalAllocator but bump-allocates across a whole block with no
// hole-skipping: every block it touches must be clean, so stepping
// blindly from line 1 to line 255 never runs over live data.
type OverflowAllocator struct {
	pool    *GlobalBlockAllocator
	current *Block
	ptr     uintptr
	limit   uintptr
}

func newOverflowAllocator(pool *GlobalBlockAllocator) *OverflowAllocator {
	return &OverflowAllocator{pool: pool}
}

// AllocMedium bump-allocates size bytes, escalating to a fresh block
// whenever the current one cannot fit the request.
func (a *OverflowAllocator) AllocMedium(size, align uintptr) (unsafe.Pointer, bool) {
	for {
		if a.current != nil {
			start := alignUp(a.ptr, align)
			if start+size <= a.limit {
				obj := unsafe.Pointer(start)
				a.ptr = start + size
				a.current.recordObjectStart(start - a.current.Base())
				a.markWholeObject(start, size)
				return obj, true
			}

			state, _ := a.current.Sweep()
			a.pool.Release(a.current, state)
			a.current = nil
		}

		b, ok := a.pool.AcquireClean(ownerOverflow)
		if !ok {
			return nil, false
		}
		a.current = b
		a.ptr = b.Base() + LineSize // line 0 is the header; payload starts at line 1
		a.limit = b.Base() + BlockSize
	}
}

// markWholeObject marks the starting line Marked and every overlapped
// line ConservativelyMarked immediately at allocation time, rather than
// waiting for the next trace. A medium object occupies a dedicated
// block that nothing else will bump-allocate into, so marking it
// eagerly only affects the block's Sweep() classification, which must
// see these lines as occupied even before the first GC cycle runs.
func (a *OverflowAllocator) markWholeObject(start, size uintptr) {
	a.current.markRange(start-a.current.Base(), size)
}

// Current returns the block the allocator is actively bump-allocating
// into, for the same reason NormalAllocator exposes one (see normal.go).
func (a *OverflowAllocator) Current() *Block { return a.current }
