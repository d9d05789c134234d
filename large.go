// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package immixcons

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// losHeader precedes every large object's payload in its own
// individually-mapped region. Unlike block-space objects, a large
// object never moves, so it carries no forwarding slot - only an RTTI
// pointer, a mark bit and the payload size.
type losHeader struct {
	rtti   *RTTI
	marked uint32
	size   uintptr
}

const losHeaderSize = unsafe.Sizeof(losHeader{})

// losEntry is the Go-heap-side record the LargeObjectSpace keeps for
// each mapped region, analogous to the Block wrapper around block-space
// memory.
type losEntry struct {
	base unsafe.Pointer
	size uintptr // total mapped size, including losHeaderSize
}

// LargeObjectSpace serves objects larger than LargeObject: each is
// mapped individually via the same BlockBackend used for ordinary
// blocks (a large mapping is just a bigger one) and tracked in a flat
// Go-side table rather than an intrusive list, since Go cannot embed a
// typed next-pointer inside memory it doesn't statically type.
type LargeObjectSpace struct {
	mu      sync.Mutex
	backend BlockBackend
	entries map[unsafe.Pointer]*losEntry

	// pendingReclaim holds entries found dead-and-finalizable in the
	// previous Sweep: their finalizer has run by the time the next
	// Sweep starts (RunPending runs right after Sweep returns, outside
	// the stop-the-world window), so it is now safe to unmap them.
	// Without this deferral a dead finalizable large object would be
	// re-enqueued every cycle forever and its mapping never released.
	pendingReclaim []*losEntry
}

func newLargeObjectSpace(backend BlockBackend) *LargeObjectSpace {
	return &LargeObjectSpace{backend: backend, entries: make(map[unsafe.Pointer]*losEntry)}
}

// Alloc maps size+header bytes, initializes the tagged header in place
// (large objects are never forwarded, though they can be pinned, and
// trySetMarked/clearForNextCycle still apply uniformly to every object),
// and returns the payload pointer. The Large size class has no upper
// bound, so an object needing more than one block's worth gets a single
// contiguous multi-block mapping via BlockBackend.MapRegion rather than
// being rejected.
func (los *LargeObjectSpace) Alloc(size uintptr, rtti *RTTI) (unsafe.Pointer, error) {
	total := alignUp(losHeaderSize+size, headerAlign)
	regionSize := alignUp(total, BlockSize)

	base, err := los.backend.MapRegion(regionSize)
	if err != nil {
		return nil, fmt.Errorf("immixcons: large object alloc: %w", err)
	}

	hdr := (*losHeader)(base)
	hdr.rtti = rtti
	hdr.marked = 0
	hdr.size = size

	payload := unsafe.Pointer(uintptr(base) + losHeaderSize)
	headerAt(payload).initHeader(rtti)

	los.mu.Lock()
	los.entries[base] = &losEntry{base: base, size: regionSize}
	los.mu.Unlock()

	return payload, nil
}

// Contains reports whether addr falls inside any currently-mapped large
// object's mapping (header included) and returns that mapping's base -
// used by the tracer to route a traced reference to the large-object
// path instead of block space.
func (los *LargeObjectSpace) Contains(addr unsafe.Pointer) (unsafe.Pointer, bool) {
	los.mu.Lock()
	defer los.mu.Unlock()
	a := uintptr(addr)
	for base, e := range los.entries {
		b := uintptr(base)
		if a >= b && a < b+e.size {
			return base, true
		}
	}
	return nil, false
}

// markBase sets the mark bit in the losHeader at base (the raw mapping
// base, not the payload pointer) and reports whether this call set it.
func (los *LargeObjectSpace) markBase(base unsafe.Pointer) bool {
	hdr := (*losHeader)(base)
	return atomic.CompareAndSwapUint32(&hdr.marked, 0, 1)
}

// Sweep first reclaims whatever was queued for finalization in the
// previous cycle (its finalizer has since run), then unmaps every
// currently dead, non-finalizable entry immediately and queues dead
// finalizable entries for the finalizer queue, deferring their unmap to
// the next Sweep. Live entries have their mark bit cleared for the
// next cycle.
func (los *LargeObjectSpace) Sweep(fq *FinalizerQueue) {
	los.mu.Lock()
	reclaim := los.pendingReclaim
	los.pendingReclaim = nil

	dead := make([]*losEntry, 0)
	for base, e := range los.entries {
		hdr := (*losHeader)(base)
		if atomic.LoadUint32(&hdr.marked) == 0 {
			dead = append(dead, e)
			delete(los.entries, base)
			continue
		}
		atomic.StoreUint32(&hdr.marked, 0)
		// The tagged header at the payload carries its own, separate
		// marked bit (set via Tracer.Trace's generic trySetMarked, used
		// to dedupe worklist enqueues the same way it does for
		// block-space objects). Nothing else ever clears it; left set,
		// the object's second surviving cycle would see trySetMarked
		// report "already marked" and skip re-enqueuing it, so its
		// outgoing references would never be rescanned again.
		payload := unsafe.Pointer(uintptr(base) + losHeaderSize)
		headerAt(payload).clearForNextCycle()
	}
	los.mu.Unlock()

	for _, e := range reclaim {
		_ = los.backend.UnmapBlock(e.base)
	}

	var stillPending []*losEntry
	for _, e := range dead {
		hdr := (*losHeader)(e.base)
		payload := unsafe.Pointer(uintptr(e.base) + losHeaderSize)
		if hdr.rtti != nil && hdr.rtti.NeedsFinalization {
			fq.Enqueue(payload, hdr.rtti)
			stillPending = append(stillPending, e)
			continue
		}
		_ = los.backend.UnmapBlock(e.base)
	}

	if len(stillPending) > 0 {
		los.mu.Lock()
		los.pendingReclaim = append(los.pendingReclaim, stillPending...)
		los.mu.Unlock()
	}
}

// Count reports how many large objects are currently live, for stats.
func (los *LargeObjectSpace) Count() int {
	los.mu.Lock()
	defer los.mu.Unlock()
	return len(los.entries)
}
