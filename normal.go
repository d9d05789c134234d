// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package immixcons

import "unsafe"

// NormalAllocator is the bump allocator for Small objects (size <=
// LineSize), hole-skipping across free line runs of recyclable and
// clean blocks. One NormalAllocator exists per heap, not per mutator
// thread; all mutators share it, serialized by the heap's allocation
// lock (which Heap.alloc takes on their behalf) outside of GC pauses
// and by the stop-the-world protocol during them.
type NormalAllocator struct {
	pool    *GlobalBlockAllocator
	current *Block
	line    int // payload line index to resume hole-scanning from (one past the current hole's last line)
	ptr     uintptr
	limit   uintptr
}

func newNormalAllocator(pool *GlobalBlockAllocator) *NormalAllocator {
	return &NormalAllocator{pool: pool}
}

// AllocSmall bumps within the active hole, then the current block's next
// hole, then a recyclable block, then a clean block, in that order. It
// returns ok=false when the GlobalBlockAllocator cannot supply another
// block, signaling the caller to escalate to the GC driver.
func (a *NormalAllocator) AllocSmall(size, align uintptr) (unsafe.Pointer, bool) {
	for {
		if a.current != nil {
			start := alignUp(a.ptr, align)
			if start+size <= a.limit {
				obj := unsafe.Pointer(start)
				a.ptr = start + size
				a.current.recordObjectStart(start - a.current.Base())
				// Mark the lines this object occupies immediately,
				// not just when the tracer visits it on the next
				// cycle: otherwise a block released mid-epoch via
				// Sweep() below (before any trace has run against
				// it) would report these just-allocated lines as
				// still Free, and a later acquirer could bump
				// straight over this object's bytes. resetLineMarks
				// wipes this back to Free at the start of the next
				// cycle, so an object that turns out unreachable
				// still reverts and gets reclaimed normally.
				a.current.markRange(start-a.current.Base(), size)
				return obj, true
			}

			// Look for the next hole in the current block.
			nextLine := a.line
			if begin, end, _, ok := a.current.FindNextHole(nextLine); ok {
				a.ptr, a.limit = a.current.Base()+begin, a.current.Base()+end
				a.line = lineOffset(end)
				continue
			}
		}

		// The current block (if any) has no more holes; file it and
		// request a replacement, recyclable first, then clean.
		if a.current != nil {
			state, holes := a.current.Sweep()
			if state == BlockRecyclable && holes == 0 {
				// Free lines exist but none adjacent: no allocator can
				// use this block until the next cycle reclassifies it.
				// Filing it recyclable would hand it straight back to
				// this very loop, which would release it again, forever.
				state = BlockUnavailable
			}
			a.pool.Release(a.current, state)
			a.current = nil
		}

		if b, ok := a.pool.AcquireRecyclableOnly(ownerNormal); ok {
			a.installBlock(b)
			continue
		}
		if b, ok := a.pool.AcquireClean(ownerNormal); ok {
			a.installBlock(b)
			continue
		}

		// No block available.
		return nil, false
	}
}

// installBlock adopts a freshly acquired block as the allocator's
// current bump target, positioning the cursor at its first hole (a
// brand-new clean block is a single hole spanning every payload line).
func (a *NormalAllocator) installBlock(b *Block) {
	a.current = b
	if begin, end, _, ok := b.FindNextHole(0); ok {
		a.ptr, a.limit = b.Base()+begin, b.Base()+end
		a.line = lineOffset(end)
	} else {
		// A block with no hole at all cannot serve this allocator;
		// treat it as exhausted immediately so the next loop iteration
		// moves on.
		a.ptr, a.limit = b.Base(), b.Base()
		a.line = payloadLines
	}
}

// Current returns the block the allocator is actively bump-allocating
// into, or nil. The GC driver excludes this block from the set it
// re-files during sweep: ownership of an allocator's active block must
// not change mid-cycle, or a concurrent Acquire elsewhere could hand
// the same block to a second allocator.
func (a *NormalAllocator) Current() *Block { return a.current }
