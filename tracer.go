// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package immixcons

import "unsafe"

// Tracer is the marking engine, built around a LIFO grey work list: one
// Tracer instance serves a whole stop-the-world cycle, shared by every
// root and every object scanned from those roots (tracing is
// single-threaded within a cycle).
type Tracer struct {
	pool     *GlobalBlockAllocator
	los      *LargeObjectSpace
	evac     *EvacAllocator
	moving   bool
	log      *Logger
	worklist []unsafe.Pointer // header-start pointers awaiting VisitReferences
}

func newTracer(pool *GlobalBlockAllocator, los *LargeObjectSpace, evac *EvacAllocator, moving bool, log *Logger) *Tracer {
	return &Tracer{pool: pool, los: los, evac: evac, moving: moving, log: log}
}

// Trace is the single operation object visitors see: given a slot
// holding a reference to an object (the header-start address), it marks
// the object reachable, evacuates it if eligible, rewrites *slot to the
// object's current location, and enqueues it for reference scanning if
// this is the first time it was marked this cycle. Slots holding nil or
// an address outside managed memory are ignored.
func (t *Tracer) Trace(slot *unsafe.Pointer) {
	if slot == nil {
		return
	}
	obj := *slot
	if obj == nil {
		return
	}

	// Membership first: the header must not be dereferenced until obj is
	// known to lie inside managed memory, or a garbage slot value could
	// fault the collector.
	block, inBlock := t.pool.LiveBlockFor(obj)
	var losBase unsafe.Pointer
	var inLOS bool
	if !inBlock {
		losBase, inLOS = t.los.Contains(obj)
		if !inLOS {
			return
		}
	}

	hdr := headerAt(obj)
	word := hdr.load()

	// An already-forwarded object just needs the slot updated; whatever
	// moved it already pushed it onto the work list.
	if hdr.forwarded(word) {
		*slot = forwardAddressOf(word)
		return
	}

	rtti := rttiOf(word)
	if rtti == nil || rtti.HeapSize == nil {
		fatal("Trace", "RTTI.HeapSize must not be nil")
	}

	// Finalizable objects are pinned the first time they are traced and
	// are never forwarded: a finalizer may be handed the object's
	// address and must not see it move out from under it, so the pin
	// must land before the evacuation-candidate check below runs.
	if rtti.NeedsFinalization {
		hdr.trySetPinned()
		word = hdr.load()
	}

	// Evacuation candidates get a chance to move before the mark bit is
	// even tested, since a successful copy changes which header we go
	// on to mark.
	if t.moving && inBlock && block.EvacCandidate() && !hdr.pinned(word) {
		if newObj, ok := t.tryEvacuate(obj, hdr, rtti); ok {
			*slot = newObj
			t.markAndEnqueue(headerAt(newObj), rtti, newObj)
			return
		}
	}

	// Ordinary mark, test-and-set.
	already := hdr.trySetMarked()
	if already {
		return
	}

	if inBlock {
		size := rtti.HeapSize(obj)
		block.markRange(uintptr(obj)-block.Base(), size)
	} else {
		t.los.markBase(losBase)
	}

	t.worklist = append(t.worklist, obj)
}

// tryEvacuate attempts to copy obj into the EvacAllocator's reservation.
// On success it installs a forwarding pointer at the old location and
// returns the new location; on failure (headroom exhausted) it leaves
// obj untouched so the caller falls through to the ordinary mark path.
func (t *Tracer) tryEvacuate(obj unsafe.Pointer, hdr *taggedHeader, rtti *RTTI) (unsafe.Pointer, bool) {
	size := rtti.HeapSize(obj)
	dst, _, ok := t.evac.Alloc(size, headerAlign)
	if !ok {
		return nil, false
	}

	src := unsafe.Slice((*byte)(obj), size)
	out := unsafe.Slice((*byte)(dst), size)
	copy(out, src)

	hdr.setForwarded(dst)
	return dst, true
}

// markAndEnqueue marks the (possibly just-evacuated) object at its
// current location and enqueues it for reference scanning, used for the
// evacuated path where Trace already knows the object was not
// previously marked (a fresh copy can never have been marked before the
// copy existed).
func (t *Tracer) markAndEnqueue(hdr *taggedHeader, rtti *RTTI, obj unsafe.Pointer) {
	hdr.trySetMarked()
	if block, ok := t.pool.LiveBlockFor(obj); ok {
		size := rtti.HeapSize(obj)
		block.markRange(uintptr(obj)-block.Base(), size)
	}
	t.worklist = append(t.worklist, obj)
}

// Drain pops objects off the grey work list, invoking their RTTI's
// VisitReferences so outgoing references get traced in turn, until the
// work list runs dry.
func (t *Tracer) Drain() {
	for len(t.worklist) > 0 {
		n := len(t.worklist) - 1
		obj := t.worklist[n]
		t.worklist = t.worklist[:n]

		word := headerAt(obj).load()
		if word&flagForwarded != 0 {
			continue
		}
		rtti := rttiOf(word)
		if rtti != nil && rtti.VisitReferences != nil {
			rtti.VisitReferences(obj, t)
		}
	}
}
