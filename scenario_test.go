// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package immixcons

import (
	"testing"
	"unsafe"
)

// End-to-end scenarios, each against a standalone Heap built on
// simBackend so multiple scenarios can run in the same test binary
// without touching the process-wide Init singleton.

// alignedTotal mirrors Heap.alloc's own size computation, so a test
// RTTI's HeapSize reports exactly what was actually bump-allocated
// instead of an unaligned approximation.
func alignedTotal(payload uintptr) uintptr {
	return alignUp(HeaderSize+payload, headerAlign)
}

// TestScenarioSmallAllocationAndTrace: 1000 size-16 objects allocated,
// 10 rooted; after collect(false) exactly those 10 survive, and live
// bytes in block space drop to the handful of lines they occupy.
func TestScenarioSmallAllocationAndTrace(t *testing.T) {
	var roots []unsafe.Pointer
	visited := make(map[unsafe.Pointer]int)
	h := newTestHeap(t, Config{
		HeapSize:  512 * 1024,
		Threshold: 0,
		RootCallback: func(data unsafe.Pointer, tracer *Tracer, cons *ConservativeTracer) {
			for _, r := range roots {
				slot := r
				tracer.Trace(&slot)
			}
		},
	})

	// The visitor only ever runs for objects the trace found live, once
	// per object per cycle - counting its invocations counts survivors.
	rtti := NewRTTI(
		func(unsafe.Pointer) uintptr { return alignedTotal(16) },
		func(obj unsafe.Pointer, tracer *Tracer) { visited[obj]++ },
		false, nil,
	)
	for i := 0; i < 1000; i++ {
		obj, err := h.alloc(16, rtti)
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		if i < 10 {
			roots = append(roots, obj)
		}
	}

	if err := h.Collect(false); err != nil {
		t.Fatalf("collect: %v", err)
	}

	if len(visited) != 10 {
		t.Fatalf("expected exactly 10 survivors, got %d", len(visited))
	}
	for obj, n := range visited {
		if n != 1 {
			t.Fatalf("expected each survivor visited exactly once, object %p visited %d times", obj, n)
		}
	}

	// 10 surviving 32-byte cells packed from the start of the first
	// payload line cover exactly 3 lines; everything else reverted to
	// Free.
	wantLive := uintptr(3) * LineSize
	if got := h.Snapshot().LiveBytes; got != wantLive {
		t.Fatalf("expected %d live bytes after collection, got %d", wantLive, got)
	}
}

// TestScenarioMediumSpillsIntoOverflow: a 200-byte object lands in an
// Overflow block, never touching the Normal allocator.
func TestScenarioMediumSpillsIntoOverflow(t *testing.T) {
	h := newTestHeap(t, Config{HeapSize: minHeapSize})
	rtti := fixedSizeRTTI(alignedTotal(200))

	obj, err := h.alloc(200, rtti)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if h.normal.Current() != nil {
		t.Fatal("expected the Normal allocator to remain untouched")
	}
	b := h.overflow.Current()
	if b == nil {
		t.Fatal("expected the Overflow allocator to have a current block")
	}
	if uintptr(obj) != b.Base()+LineSize {
		t.Fatal("expected the medium object in the block's first payload line")
	}
}

// TestScenarioLargeObjectPath: a 16 KiB object lives in
// LargeObjectSpace, outside block alignment, and is unmapped by a
// rootless collect(false).
func TestScenarioLargeObjectPath(t *testing.T) {
	h := newTestHeap(t, Config{HeapSize: minHeapSize})
	rtti := fixedSizeRTTI(alignedTotal(16*1024))

	obj, err := h.alloc(16*1024, rtti)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if uintptr(obj)%BlockSize == 0 {
		t.Fatal("a large object's payload should not land on a block-aligned address")
	}
	if h.los.Count() != 1 {
		t.Fatalf("expected one live large object, got %d", h.los.Count())
	}

	if err := h.Collect(false); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if h.los.Count() != 0 {
		t.Fatal("expected the unreachable large object to be unmapped")
	}
}

// TestScenarioEvacuation: 256 64-byte objects, every other one
// released, collect(true). Fragmentation clears the trigger ratio and
// survivors are forwarded into Evac blocks.
func TestScenarioEvacuation(t *testing.T) {
	var roots []unsafe.Pointer
	h := newTestHeap(t, Config{
		HeapSize: minHeapSize,
		RootCallback: func(data unsafe.Pointer, tracer *Tracer, cons *ConservativeTracer) {
			for _, r := range roots {
				slot := r
				tracer.Trace(&slot)
			}
		},
	})

	rtti := fixedSizeRTTI(alignedTotal(64))
	var all []unsafe.Pointer
	for i := 0; i < 256; i++ {
		obj, err := h.alloc(64, rtti)
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		all = append(all, obj)
	}
	for i, obj := range all {
		if i%2 == 0 {
			roots = append(roots, obj)
		}
	}

	if err := h.Collect(true); err != nil {
		t.Fatalf("collect: %v", err)
	}

	// Not every survivor is guaranteed to be in an evacuation candidate
	// block (selection is fragmentation-driven), but at least some must
	// have moved for this scenario to hold.
	movedAny := false
	for _, orig := range roots {
		if headerAt(orig).forwarded(headerAt(orig).load()) {
			movedAny = true
			break
		}
	}
	if !movedAny {
		t.Fatal("expected at least one surviving object to have been evacuated")
	}
}

// TestScenarioFinalizerOrdering: a finalizable object's finalizer runs
// exactly once, after collect returns, never again on a later collect.
func TestScenarioFinalizerOrdering(t *testing.T) {
	h := newTestHeap(t, Config{HeapSize: minHeapSize})
	runs := 0
	rtti := NewRTTI(func(unsafe.Pointer) uintptr { return 32 }, nil, true, func(unsafe.Pointer) {
		runs++
	})

	if _, err := h.alloc(16, rtti); err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if runs != 0 {
		t.Fatal("finalizer must not run before any collection")
	}

	if err := h.Collect(false); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if runs != 1 {
		t.Fatalf("expected finalizer to run exactly once after collect, ran %d times", runs)
	}

	if err := h.Collect(false); err != nil {
		t.Fatalf("second collect: %v", err)
	}
	if runs != 1 {
		t.Fatalf("expected finalizer not to run again, ran %d times", runs)
	}
}

// TestScenarioConservativeStackRoot: an address on a registered
// conservative range survives and does not move, even under
// collect(true), because it was pinned rather than precisely rooted.
func TestScenarioConservativeStackRoot(t *testing.T) {
	h := newTestHeap(t, Config{HeapSize: minHeapSize})
	rtti := fixedSizeRTTI(alignedTotal(64))

	obj, err := h.alloc(64, rtti)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	block, ok := h.pool.LiveBlockFor(obj)
	if !ok {
		t.Fatal("expected the allocated object to live in a known block")
	}
	block.SetEvacCandidate(true)

	// Simulate a stack slot holding the address as a plain integer, no
	// typed root anywhere.
	var fakeStackWord uintptr = uintptr(obj)
	begin := unsafe.Pointer(&fakeStackWord)
	end := unsafe.Pointer(uintptr(begin) + unsafe.Sizeof(fakeStackWord))

	m := h.registry.RegisterMainThread()
	m.SetStackRange(begin, end)
	defer m.Unregister()

	if err := h.Collect(true); err != nil {
		t.Fatalf("collect: %v", err)
	}

	// The header's mark bit is cleared again on the way out of the
	// cycle, so survival shows in the line marks, which hold until the
	// next trace begins.
	startLine := lineOffset(uintptr(obj) - block.Base())
	if block.LineState(startLine) != lineMarked {
		t.Fatal("expected the conservatively referenced object to survive")
	}
	word := headerAt(obj).load()
	if headerAt(obj).forwarded(word) {
		t.Fatal("expected the conservatively referenced object to remain at its original address")
	}
	if !headerAt(obj).pinned(word) {
		t.Fatal("expected the conservatively referenced object to be pinned")
	}
	KeepOnStack(unsafe.Pointer(&fakeStackWord))
}
