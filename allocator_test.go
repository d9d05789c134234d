// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package immixcons

import (
	"testing"
	"unsafe"
)

func newTestPool(t *testing.T, blocks int) *GlobalBlockAllocator {
	t.Helper()
	return NewGlobalBlockAllocator(uintptr(blocks)*BlockSize, newSimBackend())
}

func TestNormalAllocatorBumpsAndEscalates(t *testing.T) {
	pool := newTestPool(t, 2)
	a := newNormalAllocator(pool)

	var first uintptr
	for i := 0; i < 100; i++ {
		obj, ok := a.AllocSmall(32, headerAlign)
		if !ok {
			t.Fatalf("alloc %d failed unexpectedly", i)
		}
		if i == 0 {
			first = uintptr(obj)
		}
	}
	if first == 0 {
		t.Fatal("expected a recorded first allocation")
	}
	if a.Current() == nil {
		t.Fatal("expected an installed current block")
	}
}

func TestNormalAllocatorFailsWhenPoolExhausted(t *testing.T) {
	pool := newTestPool(t, 0)
	a := newNormalAllocator(pool)
	if _, ok := a.AllocSmall(32, headerAlign); ok {
		t.Fatal("expected allocation to fail against an empty pool")
	}
}

func TestOverflowAllocatorPlacesFirstObjectAfterHeader(t *testing.T) {
	pool := newTestPool(t, 1)
	o := newOverflowAllocator(pool)

	obj, ok := o.AllocMedium(500, headerAlign)
	if !ok {
		t.Fatal("expected medium allocation to succeed")
	}
	if obj == nil {
		t.Fatal("expected non-nil object")
	}
	b := o.Current()
	if b == nil {
		t.Fatal("expected a current block")
	}
	if uintptr(obj) != b.Base()+LineSize {
		t.Fatalf("expected first medium object right after the header line, got %#x vs base %#x", uintptr(obj), b.Base())
	}
	if b.LineState(0) != lineMarked {
		t.Fatalf("expected the medium object's first line eagerly marked")
	}
}

func TestEvacAllocatorTopUpReservesHeadroom(t *testing.T) {
	pool := newTestPool(t, EvacHeadroom+1)
	e := newEvacAllocator(pool)
	e.TopUp()
	if len(e.Reserved()) != EvacHeadroom {
		t.Fatalf("expected %d reserved blocks, got %d", EvacHeadroom, len(e.Reserved()))
	}

	_, _, ok := e.Alloc(64, headerAlign)
	if !ok {
		t.Fatal("expected evac allocation to succeed")
	}
}

func TestEvacAllocatorFailsWhenHeadroomExhausted(t *testing.T) {
	pool := newTestPool(t, 1)
	e := newEvacAllocator(pool)
	e.TopUp() // only one block available in the whole pool

	for i := 0; i < 1000; i++ {
		if _, _, ok := e.Alloc(200, headerAlign); !ok {
			return
		}
	}
	t.Fatal("expected evac allocator to exhaust its single reserved block")
}

func TestLargeObjectSpaceAllocAndSweep(t *testing.T) {
	backend := newSimBackend()
	los := newLargeObjectSpace(backend)
	rtti := NewRTTI(func(unsafe.Pointer) uintptr { return 9000 }, nil, false, nil)

	obj, err := los.Alloc(9000, rtti)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if _, ok := los.Contains(obj); !ok {
		t.Fatal("expected the payload address to fall inside its own mapping")
	}
	if los.Count() != 1 {
		t.Fatalf("expected one live large object, got %d", los.Count())
	}

	fq := newFinalizerQueue(nil)
	los.Sweep(fq) // not marked -> unmapped
	if los.Count() != 0 {
		t.Fatalf("expected the unmarked large object to be swept away, got count %d", los.Count())
	}
}

// TestLargeObjectSpaceAllocSpansMultipleBlocks exercises an object whose
// header+payload exceeds a single 32 KiB block: the Large size class
// has no upper bound, so this must succeed via a multi-block contiguous
// mapping rather than failing.
func TestLargeObjectSpaceAllocSpansMultipleBlocks(t *testing.T) {
	backend := newSimBackend()
	los := newLargeObjectSpace(backend)
	const size = BlockSize * 3
	rtti := NewRTTI(func(unsafe.Pointer) uintptr { return size }, nil, false, nil)

	obj, err := los.Alloc(size, rtti)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if _, ok := los.Contains(obj); !ok {
		t.Fatal("expected the payload address to fall inside its own mapping")
	}
	// An address well past one block's worth from the base must still
	// resolve into the same mapping.
	tail := unsafe.Pointer(uintptr(obj) + BlockSize*2)
	if _, ok := los.Contains(tail); !ok {
		t.Fatal("expected an address in the mapping's later blocks to still be contained")
	}
}
