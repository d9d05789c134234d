// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package immixcons

import (
	"sort"
	"testing"
	"unsafe"

	"modernc.org/sortutil"
)

func newTestBlock(t *testing.T) *Block {
	t.Helper()
	backend := newSimBackend()
	base, err := backend.MapBlock()
	if err != nil {
		t.Fatalf("MapBlock: %v", err)
	}
	return newBlockAt(base)
}

func TestBlockFreshIsOneHole(t *testing.T) {
	b := newTestBlock(t)
	begin, end, line, ok := b.FindNextHole(0)
	if !ok {
		t.Fatal("expected a hole in a fresh block")
	}
	if line != 0 {
		t.Fatalf("expected hole to start at line 0, got %d", line)
	}
	if begin != LineSize {
		t.Fatalf("expected hole to begin right after the header line, got %#x", begin)
	}
	if end != BlockSize {
		t.Fatalf("expected hole to run to the block end, got %#x", end)
	}
}

func TestLineStateUpgradeOnly(t *testing.T) {
	b := newTestBlock(t)
	b.setLineState(10, lineConservativelyMarked)
	b.setLineState(10, lineMarked)
	if got := b.LineState(10); got != lineMarked {
		t.Fatalf("expected lineMarked after upgrade, got %v", got)
	}
	// A later attempt to downgrade back to conservative must not stick.
	b.setLineState(10, lineConservativelyMarked)
	if got := b.LineState(10); got != lineMarked {
		t.Fatalf("lineMarked must not be downgraded, got %v", got)
	}
}

func TestMarkRangeSpillsToNextLine(t *testing.T) {
	b := newTestBlock(t)
	// An object starting mid-line-1 and running past its end spills
	// into line 2.
	start := LineSize + 64
	b.markRange(uintptr(start), 128)
	if b.LineState(0) != lineMarked {
		t.Fatalf("expected start line marked")
	}
	if b.LineState(1) != lineConservativelyMarked {
		t.Fatalf("expected spill line conservatively marked")
	}
}

func TestSweepClassification(t *testing.T) {
	b := newTestBlock(t)
	state, holes := b.Sweep()
	if state != BlockFree || holes != 0 {
		t.Fatalf("fresh block should sweep Free/0 holes, got %v/%d", state, holes)
	}

	b.markRange(LineSize, LineSize) // mark exactly line 0 (payload-relative)
	state, holes = b.Sweep()
	if state != BlockRecyclable {
		t.Fatalf("partially marked block should be Recyclable, got %v", state)
	}
	if holes != 1 {
		t.Fatalf("expected exactly one hole after the run of marked lines, got %d", holes)
	}
}

func TestResetLineMarksClearsMarksKeepsObjectStarts(t *testing.T) {
	b := newTestBlock(t)
	b.markRange(LineSize, LineSize)
	b.recordObjectStart(LineSize)
	b.resetLineMarks()

	if state, holes := b.Sweep(); state != BlockFree || holes != 0 {
		t.Fatalf("expected Free/0 holes after reset, got %v/%d", state, holes)
	}
	// objectStarts is deliberately untouched by resetLineMarks: the
	// conservative scan for the cycle this reset kicks off still needs to
	// resolve interior pointers into objects recorded in prior cycles.
	if len(b.objectStarts) != 1 {
		t.Fatalf("expected objectStarts left intact across reset, got %v", b.objectStarts)
	}
}

// TestInUseBlockBasesSortDeterministically allocates several blocks out
// of a pool (whose acquisition order is not itself meaningful) and uses
// sortutil to put their base addresses into a deterministic order, the
// same way a diagnostic dump (stats.go) needs a stable block ordering
// independent of map/slice iteration order.
func TestInUseBlockBasesSortDeterministically(t *testing.T) {
	pool := newTestPool(t, 4)
	bases := make(sortutil.UintSlice, 0, 4)
	for i := 0; i < 4; i++ {
		b, ok := pool.Acquire(ownerNormal)
		if !ok {
			t.Fatalf("acquire %d failed unexpectedly", i)
		}
		bases = append(bases, uint(b.Base()))
	}

	sort.Sort(bases)
	seen := make(map[uint]bool, len(bases))
	for i, base := range bases {
		if seen[base] {
			t.Fatalf("expected distinct block bases, got duplicate %#x", base)
		}
		seen[base] = true
		if i > 0 && base <= bases[i-1] {
			t.Fatalf("expected strictly increasing bases after sort, got %v", bases)
		}
	}
}

// TestRecordObjectStartStaysSortedAcrossReuse simulates a block recycled
// from one owner to another: the first tenant leaves a stale, high-offset
// entry behind, and the new tenant then bump-allocates starting from a
// lower offset (exactly what NormalAllocator.installBlock's FindNextHole(0)
// does on a freshly (re)acquired block). objectStarts must stay sorted so
// resolveObjectStart's binary search remains correct for a conservative
// root pointing into the new, lower-offset object.
func TestRecordObjectStartStaysSortedAcrossReuse(t *testing.T) {
	b := newTestBlock(t)

	highOffset := uintptr(20 * LineSize)
	lowOffset := uintptr(2 * LineSize)

	rtti := NewRTTI(func(unsafe.Pointer) uintptr { return 32 }, nil, false, nil)

	highObj := unsafe.Pointer(b.Base() + highOffset)
	headerAt(highObj).initHeader(rtti)
	b.recordObjectStart(highOffset)

	lowObj := unsafe.Pointer(b.Base() + lowOffset)
	headerAt(lowObj).initHeader(rtti)
	b.recordObjectStart(lowOffset)

	if len(b.objectStarts) != 2 || b.objectStarts[0] != lowOffset || b.objectStarts[1] != highOffset {
		t.Fatalf("expected objectStarts sorted ascending, got %v", b.objectStarts)
	}

	resolved, ok := b.resolveObjectStart(unsafe.Pointer(uintptr(lowObj) + 4))
	if !ok || resolved != lowObj {
		t.Fatalf("expected interior pointer into the low-offset object to resolve to it, got %v/%v", resolved, ok)
	}

	resolved, ok = b.resolveObjectStart(unsafe.Pointer(uintptr(highObj) + 4))
	if !ok || resolved != highObj {
		t.Fatalf("expected interior pointer into the high-offset object to resolve to it, got %v/%v", resolved, ok)
	}
}

func TestFindNextHoleSkipsSingleFreeLine(t *testing.T) {
	b := newTestBlock(t)
	// Mark line 0, leave line 1 free, mark line 2: the single free line
	// bracketed by marked lines is not a hole.
	b.setLineState(0, lineMarked)
	b.setLineState(2, lineMarked)
	_, _, line, ok := b.FindNextHole(0)
	if !ok {
		t.Fatal("expected a later hole to be found")
	}
	if line <= 2 {
		t.Fatalf("expected the single free line 1 to be skipped, got hole at line %d", line)
	}
}
