// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package immixcons

import (
	"testing"
	"unsafe"
)

// fixedSizeRTTI returns an RTTI whose HeapSize always reports size,
// with no outgoing references - enough for most tracer tests, which
// only care about header state transitions, not graph traversal.
func fixedSizeRTTI(size uintptr) *RTTI {
	return NewRTTI(func(unsafe.Pointer) uintptr { return size }, nil, false, nil)
}

func TestTraceMarksAndEnqueuesOnce(t *testing.T) {
	pool := newTestPool(t, 2)
	a := newNormalAllocator(pool)
	los := newLargeObjectSpace(newSimBackend())
	evac := newEvacAllocator(pool)

	rtti := fixedSizeRTTI(32)
	obj, ok := a.AllocSmall(32, headerAlign)
	if !ok {
		t.Fatal("alloc failed")
	}
	headerAt(obj).initHeader(rtti)

	tracer := newTracer(pool, los, evac, false, nil)
	slot := obj
	tracer.Trace(&slot)
	if len(tracer.worklist) != 1 {
		t.Fatalf("expected one object enqueued, got %d", len(tracer.worklist))
	}
	if !headerAt(obj).marked(headerAt(obj).load()) {
		t.Fatal("expected object marked after trace")
	}

	// Tracing the same slot again must not enqueue it twice.
	tracer.Trace(&slot)
	if len(tracer.worklist) != 1 {
		t.Fatalf("expected no duplicate enqueue, got %d entries", len(tracer.worklist))
	}
}

func TestTraceNilSlotIsNoop(t *testing.T) {
	pool := newTestPool(t, 1)
	los := newLargeObjectSpace(newSimBackend())
	evac := newEvacAllocator(pool)
	tracer := newTracer(pool, los, evac, false, nil)

	tracer.Trace(nil)
	var nilSlot unsafe.Pointer
	tracer.Trace(&nilSlot)
	if len(tracer.worklist) != 0 {
		t.Fatalf("expected no work enqueued for nil references, got %d", len(tracer.worklist))
	}
}

func TestDrainVisitsOutgoingReferences(t *testing.T) {
	pool := newTestPool(t, 2)
	a := newNormalAllocator(pool)
	los := newLargeObjectSpace(newSimBackend())
	evac := newEvacAllocator(pool)

	childRTTI := fixedSizeRTTI(32)
	child, ok := a.AllocSmall(32, headerAlign)
	if !ok {
		t.Fatal("child alloc failed")
	}
	headerAt(child).initHeader(childRTTI)

	visited := false
	parentRTTI := NewRTTI(func(unsafe.Pointer) uintptr { return 32 }, func(obj unsafe.Pointer, tr *Tracer) {
		visited = true
		slot := child
		tr.Trace(&slot)
	}, false, nil)
	parent, ok := a.AllocSmall(32, headerAlign)
	if !ok {
		t.Fatal("parent alloc failed")
	}
	headerAt(parent).initHeader(parentRTTI)

	tracer := newTracer(pool, los, evac, false, nil)
	slot := parent
	tracer.Trace(&slot)
	tracer.Drain()

	if !visited {
		t.Fatal("expected parent's VisitReferences to run during Drain")
	}
	if !headerAt(child).marked(headerAt(child).load()) {
		t.Fatal("expected child marked transitively through parent")
	}
}

func TestEvacuationForwardsAndUpdatesSlot(t *testing.T) {
	pool := newTestPool(t, EvacHeadroom+1)
	a := newNormalAllocator(pool)
	los := newLargeObjectSpace(newSimBackend())
	evac := newEvacAllocator(pool)
	evac.TopUp()

	rtti := fixedSizeRTTI(32)
	obj, ok := a.AllocSmall(32, headerAlign)
	if !ok {
		t.Fatal("alloc failed")
	}
	headerAt(obj).initHeader(rtti)

	block, _ := pool.LiveBlockFor(obj)
	block.SetEvacCandidate(true)

	tracer := newTracer(pool, los, evac, true, nil)
	slot := obj
	tracer.Trace(&slot)

	if slot == obj {
		t.Fatal("expected the slot to be rewritten to the forwarded address")
	}
	word := headerAt(obj).load()
	if !headerAt(obj).forwarded(word) {
		t.Fatal("expected the original object header to carry a forwarding flag")
	}
	if forwardAddressOf(word) != slot {
		t.Fatal("expected the forwarding address to match the rewritten slot")
	}
}

func TestPinnedObjectIsNeverEvacuated(t *testing.T) {
	pool := newTestPool(t, EvacHeadroom+1)
	a := newNormalAllocator(pool)
	los := newLargeObjectSpace(newSimBackend())
	evac := newEvacAllocator(pool)
	evac.TopUp()

	rtti := fixedSizeRTTI(32)
	obj, ok := a.AllocSmall(32, headerAlign)
	if !ok {
		t.Fatal("alloc failed")
	}
	headerAt(obj).initHeader(rtti)
	headerAt(obj).trySetPinned()

	block, _ := pool.LiveBlockFor(obj)
	block.SetEvacCandidate(true)

	tracer := newTracer(pool, los, evac, true, nil)
	slot := obj
	tracer.Trace(&slot)

	if slot != obj {
		t.Fatal("expected a pinned object to remain at its original address")
	}
}
