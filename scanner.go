// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package immixcons

import (
	"sort"
	"unsafe"
)

// stackRange is one word-aligned address range the ConservativeTracer
// has been asked to scan: typically a mutator's stack, but a host may
// register any memory region it cannot describe precisely (e.g. a
// register-spill area saved by its own yieldpoint trampoline).
type stackRange struct {
	begin, end uintptr
}

// ConservativeTracer collects ranges to scan during a cycle's root
// phase; it is handed to the host's RootCallback alongside a precise
// Tracer. The actual scan happens later, once the
// callback has finished registering every range, so that Scan can run
// once over a stable set rather than interleaving with registration.
type ConservativeTracer struct {
	pool   *GlobalBlockAllocator
	los    *LargeObjectSpace
	tracer *Tracer
	ranges []stackRange
}

func newConservativeTracer(pool *GlobalBlockAllocator, los *LargeObjectSpace, tracer *Tracer) *ConservativeTracer {
	return &ConservativeTracer{pool: pool, los: los, tracer: tracer}
}

// AddRange registers [begin, end) for conservative scanning. Both ends
// are rounded to word boundaries; only word-aligned slots are scanned.
func (c *ConservativeTracer) AddRange(begin, end unsafe.Pointer) {
	b := uintptr(begin) &^ (unsafe.Sizeof(uintptr(0)) - 1)
	e := uintptr(end) &^ (unsafe.Sizeof(uintptr(0)) - 1)
	if e < b {
		b, e = e, b
	}
	c.ranges = append(c.ranges, stackRange{begin: b, end: e})
}

// Scan walks every registered range one word at a time. Each word that
// could plausibly be a reference into the heap - it lands inside a live
// block, or inside a large object's payload - is resolved to the object
// whose body covers it and pinned: a conservative root can never be
// proven to be a real pointer (it might be a stray integer that happens
// to look like one), so the object it points at must not move and must
// be treated as reachable regardless of precision.
func (c *ConservativeTracer) Scan() {
	word := unsafe.Sizeof(uintptr(0))
	for _, r := range c.ranges {
		for addr := r.begin; addr+word <= r.end; addr += word {
			candidate := *(*uintptr)(unsafe.Pointer(addr))
			if candidate == 0 {
				continue
			}
			c.considerCandidate(unsafe.Pointer(candidate))
		}
	}
}

func (c *ConservativeTracer) considerCandidate(candidate unsafe.Pointer) {
	if block, ok := c.pool.LiveBlockFor(candidate); ok {
		obj, ok := block.resolveObjectStart(candidate)
		if !ok {
			return
		}
		c.pinAndTrace(obj)
		return
	}

	if base, ok := c.los.Contains(candidate); ok {
		obj := unsafe.Pointer(uintptr(base) + losHeaderSize)
		c.pinAndTrace(obj)
	}
}

func (c *ConservativeTracer) pinAndTrace(obj unsafe.Pointer) {
	hdr := headerAt(obj)
	word := hdr.load()
	if hdr.forwarded(word) {
		// Already moved by a precise reference traced earlier this
		// cycle; nothing conservative can do but leave it be - the
		// object it names no longer exists at this address.
		return
	}
	hdr.trySetPinned()
	ptr := obj
	c.tracer.Trace(&ptr)
}

// resolveObjectStart finds the allocation in objectStarts whose range
// covers addr, using RTTI.HeapSize to bound each candidate's extent.
// objectStarts is kept sorted ascending by Block.recordObjectStart (not
// merely append-ordered: a block recycled to a different allocator can
// bump-allocate at offsets lower than entries left behind by its
// previous owner), so a binary search for the largest start <= the
// candidate's block-relative offset finds the only allocation that
// could cover it.
func (b *Block) resolveObjectStart(addr unsafe.Pointer) (unsafe.Pointer, bool) {
	offset := uintptr(addr) - b.Base()
	starts := b.objectStarts
	i := sort.Search(len(starts), func(i int) bool { return starts[i] > offset })
	if i == 0 {
		return nil, false
	}
	start := starts[i-1]
	obj := unsafe.Pointer(b.Base() + start)

	word := headerAt(obj).load()
	if word&flagForwarded != 0 {
		return nil, false
	}
	rtti := rttiOf(word)
	if rtti == nil || rtti.HeapSize == nil {
		return nil, false
	}
	size := rtti.HeapSize(obj)
	if offset >= start+size {
		return nil, false
	}
	return obj, true
}
