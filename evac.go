// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package immixcons

import "unsafe"

// EvacAllocator holds up to EvacHeadroom clean blocks reserved strictly
// for evacuation. Outside of a moving cycle it is inert: TopUp fills
// the reservation when the heap is created and refills it at the end of
// every cycle, and Alloc is only ever called by the tracer while moving
// mode is active.
type EvacAllocator struct {
	pool   *GlobalBlockAllocator
	blocks []*Block // reserved blocks, in acquisition order
	idx    int      // index into blocks of the one currently being filled
	ptr    uintptr
	limit  uintptr
}

func newEvacAllocator(pool *GlobalBlockAllocator) *EvacAllocator {
	return &EvacAllocator{pool: pool}
}

// TopUp acquires clean blocks until the reservation holds EvacHeadroom
// blocks, or the pool runs out. Safe to call when already full.
func (e *EvacAllocator) TopUp() {
	for len(e.blocks) < EvacHeadroom {
		b, ok := e.pool.AcquireClean(ownerEvac)
		if !ok {
			return
		}
		e.blocks = append(e.blocks, b)
	}
}

// Alloc bump-allocates size bytes from the reservation, advancing
// through reserved blocks in order. Returns ok=false once the
// reservation is exhausted; the caller (the tracer) must then leave
// the object in place, marked but not forwarded.
func (e *EvacAllocator) Alloc(size, align uintptr) (unsafe.Pointer, *Block, bool) {
	for {
		if e.idx < len(e.blocks) {
			b := e.blocks[e.idx]
			if e.limit == 0 { // first use of this reserved block
				e.ptr = b.Base() + LineSize
				e.limit = b.Base() + BlockSize
			}
			start := alignUp(e.ptr, align)
			if start+size <= e.limit {
				e.ptr = start + size
				b.recordObjectStart(start - b.Base())
				return unsafe.Pointer(start), b, true
			}
			// This reserved block is exhausted; move to the next one.
			e.idx++
			e.ptr, e.limit = 0, 0
			continue
		}
		return nil, nil, false
	}
}

// Drain hands every reserved block back to the pool for ordinary
// reuse, classifying each via Sweep so the pool files it as
// Free/Recyclable/Unavailable like any other post-cycle block, and
// resets the reservation so TopUp can refill it before the next moving
// cycle.
func (e *EvacAllocator) Drain() {
	for _, b := range e.blocks {
		state, _ := b.Sweep()
		e.pool.Release(b, state)
	}
	e.blocks = e.blocks[:0]
	e.idx = 0
	e.ptr, e.limit = 0, 0
}

// Reserved reports the blocks currently held in reservation - used by
// the driver to keep them out of the fragmentation measure and the
// evacuation-candidate selection, and to keep them from being released
// to the pool after the post-cycle sweep.
func (e *EvacAllocator) Reserved() []*Block { return e.blocks }
