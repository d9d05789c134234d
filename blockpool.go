// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package immixcons

import (
	"sync"
	"unsafe"
)

// GlobalBlockAllocator owns all OS-mapped block memory and services
// every other allocator (NormalAllocator, OverflowAllocator,
// EvacAllocator). It keeps three block lists - clean, recyclable,
// unavailable - plus a membership index covering every block that may
// hold objects, used by the tracer and the conservative scanner to test
// whether an arbitrary address falls inside managed block memory.
type GlobalBlockAllocator struct {
	mu sync.Mutex

	backend BlockBackend

	clean       []*Block
	recyclable  []*Block
	unavailable []*Block

	// live indexes every block that may contain objects: blocks held by
	// an allocator AND blocks parked in the recyclable/unavailable
	// lists. Only clean blocks (all lines free, nothing allocated) are
	// absent. A parked block's objects are still reachable through
	// conservative roots and still participate in every cycle, so
	// membership must not lapse just because no allocator is actively
	// bumping into the block.
	live      map[uintptr]*Block
	maxBlocks int
	mapped    int
}

// NewGlobalBlockAllocator creates a pool bounded to heapSize bytes of
// block memory, backed by backend.
func NewGlobalBlockAllocator(heapSize uintptr, backend BlockBackend) *GlobalBlockAllocator {
	return &GlobalBlockAllocator{
		backend:   backend,
		live:      make(map[uintptr]*Block),
		maxBlocks: int(heapSize / BlockSize),
	}
}

// Acquire returns a block for the given owner kind, preferring a
// recyclable block (so its holes get reused) over a clean one, and only
// asking the backend to map fresh memory once both lists are empty and
// the heap_size budget still has room. Returns ok=false when the heap is
// full - the caller's allocation path escalates to the GC driver.
func (g *GlobalBlockAllocator) Acquire(kind ownerKind) (*Block, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var b *Block
	switch {
	case len(g.recyclable) > 0:
		b = g.recyclable[len(g.recyclable)-1]
		g.recyclable = g.recyclable[:len(g.recyclable)-1]
	case len(g.clean) > 0:
		b = g.clean[len(g.clean)-1]
		g.clean = g.clean[:len(g.clean)-1]
	case g.mapped < g.maxBlocks:
		base, err := g.backend.MapBlock()
		if err != nil {
			return nil, false
		}
		b = newBlockAt(base)
		g.mapped++
	default:
		return nil, false
	}

	b.SetOwner(kind)
	g.live[b.Base()] = b
	return b, true
}

// AcquireClean returns a block from the clean list, or maps a fresh one,
// but never reaches into the recyclable list. OverflowAllocator and
// EvacAllocator both bump-allocate across a block with no hole-skipping,
// so they require genuinely empty blocks - handing them a recyclable
// block (which mixes live data with holes) would let them bump straight
// over still-live objects.
func (g *GlobalBlockAllocator) AcquireClean(kind ownerKind) (*Block, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var b *Block
	switch {
	case len(g.clean) > 0:
		b = g.clean[len(g.clean)-1]
		g.clean = g.clean[:len(g.clean)-1]
	case g.mapped < g.maxBlocks:
		base, err := g.backend.MapBlock()
		if err != nil {
			return nil, false
		}
		b = newBlockAt(base)
		g.mapped++
	default:
		return nil, false
	}

	b.SetOwner(kind)
	g.live[b.Base()] = b
	return b, true
}

// AcquireRecyclableOnly attempts to get a block from the recyclable list
// specifically, without falling back to clean or fresh memory. Used by
// NormalAllocator, whose slow path must try recyclable blocks first and
// clean blocks second as two distinct steps.
func (g *GlobalBlockAllocator) AcquireRecyclableOnly(kind ownerKind) (*Block, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.recyclable) == 0 {
		return nil, false
	}
	b := g.recyclable[len(g.recyclable)-1]
	g.recyclable = g.recyclable[:len(g.recyclable)-1]
	b.SetOwner(kind)
	g.live[b.Base()] = b
	return b, true
}

// Release files a block into clean/recyclable/unavailable according to
// its post-sweep state. Only a Free block leaves the live index: a
// Recyclable or Unavailable block still holds objects, and those objects
// must stay resolvable by the tracer and the conservative scanner for as
// long as any of them might be reachable.
func (g *GlobalBlockAllocator) Release(b *Block, state BlockState) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch state {
	case BlockFree:
		delete(g.live, b.Base())
		b.SetOwner(ownerFree)
		g.clean = append(g.clean, b)
	case BlockRecyclable:
		b.SetOwner(ownerRecyclable)
		g.live[b.Base()] = b
		g.recyclable = append(g.recyclable, b)
	case BlockUnavailable:
		b.SetOwner(ownerUnavailable)
		g.live[b.Base()] = b
		g.unavailable = append(g.unavailable, b)
	}
}

// BlocksForCycle hands the driver every block that participates in the
// coming trace-and-sweep: all live blocks, whether actively owned by an
// allocator or parked in the recyclable/unavailable lists. The parked
// lists are drained in the same step - the driver re-files every
// non-current block via Release after sweeping it, so leaving list
// entries behind would file the same block twice.
func (g *GlobalBlockAllocator) BlocksForCycle() []*Block {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recyclable = g.recyclable[:0]
	g.unavailable = g.unavailable[:0]
	out := make([]*Block, 0, len(g.live))
	for _, b := range g.live {
		out = append(out, b)
	}
	return out
}

// LiveBlockFor resolves an arbitrary address to the Block whose 32 KiB
// aligned region contains it, or ok=false if the address does not fall
// inside any block that may hold objects. Used by the tracer (to decide
// whether a traced reference lands in block space or large-object
// space) and by the conservative scanner (to test stack words).
func (g *GlobalBlockAllocator) LiveBlockFor(addr unsafe.Pointer) (*Block, bool) {
	base := uintptr(addr) &^ (BlockSize - 1)
	g.mu.Lock()
	b, ok := g.live[base]
	g.mu.Unlock()
	return b, ok
}

// InUseBlocks returns every block that may contain objects, in no
// particular order. Used by the stats/diagnostics layer; the driver
// uses BlocksForCycle instead, which additionally drains the parked
// lists for re-filing.
func (g *GlobalBlockAllocator) InUseBlocks() []*Block {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Block, 0, len(g.live))
	for _, b := range g.live {
		out = append(out, b)
	}
	return out
}

// Stats reports the pool's block-count breakdown for fragmentation and
// heap-accounting purposes.
func (g *GlobalBlockAllocator) Stats() (clean, recyclable, unavailable, live, mapped int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clean), len(g.recyclable), len(g.unavailable), len(g.live), g.mapped
}
