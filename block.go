// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package immixcons

import (
	"sort"
	"sync/atomic"
	"unsafe"

	"modernc.org/mathutil"
)

// blockHeader is the in-band header living in line 0 of every block. It
// is addressed directly inside the block's raw memory via unsafe.Pointer
// - there is no separate Go-heap copy of this part of a block's state.
//
// Layout budget: 4 uint32 fields (16 bytes) plus a 64-byte packed line
// mark bitmap (two bits per line, 255 payload lines -> 64 bytes) comes
// to 80 bytes, comfortably inside the 128-byte budget of line 0.
type blockHeader struct {
	owner         uint32
	blockMark     uint32
	holeCount     uint32
	evacCandidate uint32
	lineMarks     [lineMarkBytes]uint8
}

const (
	// payloadLines excludes line 0, which the header occupies.
	payloadLines = NumLinesPerBlock - 1

	// lineMarkBytes packs two bits per payload line.
	lineMarkBytes = (NumLinesPerBlock*2 + 7) / 8
)

// Block is a handle to a 32 KiB aligned region of raw memory. The
// handle itself (this struct) is ordinary Go-heap memory; only `base`
// points into the block's own bytes.
type Block struct {
	base unsafe.Pointer

	// objectStarts is a side table of object-start offsets (relative
	// to base) recorded by the allocators as they bump-allocate. It
	// lives on the Go heap rather than in the in-band header, and
	// exists purely to let the conservative scanner find the object
	// whose body covers an arbitrary interior address without having
	// to walk every byte of a line from scratch. Entries are never
	// removed, and allocation only ever moves forward *within one
	// owner's tenancy* of a block - but a block recycled to a
	// different allocator (NormalAllocator reusing a block
	// OverflowAllocator or EvacAllocator previously held, or vice
	// versa) restarts bump-allocation from low offsets while stale,
	// higher-offset entries from the prior tenancy are still present.
	// recordObjectStart therefore keeps this slice sorted on insert
	// rather than relying on append-order monotonicity; stale entries
	// left behind by dead objects are still harmless for a
	// conservative scan, just no longer guaranteed to sort last.
	objectStarts []uintptr
}

// newBlockAt wraps a freshly mapped, zeroed 32 KiB region as a Block and
// resets its header to the all-free state.
func newBlockAt(base unsafe.Pointer) *Block {
	b := &Block{base: base}
	hdr := b.header()
	*hdr = blockHeader{owner: uint32(ownerFree)}
	return b
}

func (b *Block) header() *blockHeader {
	return (*blockHeader)(b.base)
}

// Base returns the block's base address.
func (b *Block) Base() uintptr { return uintptr(b.base) }

func (b *Block) Owner() ownerKind     { return ownerKind(atomic.LoadUint32(&b.header().owner)) }
func (b *Block) SetOwner(k ownerKind) { atomic.StoreUint32(&b.header().owner, uint32(k)) }

func (b *Block) HoleCount() int { return int(atomic.LoadUint32(&b.header().holeCount)) }

func (b *Block) EvacCandidate() bool {
	return atomic.LoadUint32(&b.header().evacCandidate) != 0
}

func (b *Block) SetEvacCandidate(v bool) {
	var n uint32
	if v {
		n = 1
	}
	atomic.StoreUint32(&b.header().evacCandidate, n)
}

// setBlockMark sets the block-level mark byte; it is
// set the first time any object in the block is marked during a cycle
// and is consulted by nothing in the core algorithm other than
// diagnostics, since line marks are the real source of truth for
// sweeping. Kept atomic for the same reason object mark bits are.
func (b *Block) setBlockMark() {
	atomic.StoreUint32(&b.header().blockMark, 1)
}

// lineOffset returns the payload-relative line index (0-based over the
// 255 payload lines) for a byte offset from the block base. Offsets
// inside line 0 (the header) are never valid payload addresses.
func lineOffset(byteOffset uintptr) int {
	return int(byteOffset/LineSize) - 1
}

func lineByteOffset(line int) uintptr {
	return uintptr(line+1) * LineSize
}

// LineState reads the packed 2-bit state of payload line i (0-based).
func (b *Block) LineState(i int) lineState {
	if i < 0 || i >= payloadLines {
		panic("immixcons: line index out of range")
	}
	marks := &b.header().lineMarks
	byteIdx := i / 4
	shift := uint((i % 4) * 2)
	return lineState((marks[byteIdx] >> shift) & 0x3)
}

// setLineState sets the packed 2-bit state of payload line i, but never
// downgrades Marked to ConservativelyMarked - the tracer may visit the
// same line from two different angles (as an object's start line and as
// a neighboring object's conservative spill) and the stronger state
// must win.
//
// Line marks are only ever written by the allocators and by the tracer
// during the stop-the-world trace phase, both of which are
// single-threaded with respect to the heap; a plain read-modify-write
// is therefore sufficient, and only the object-header mark bit and the
// global GC-request flag carry the atomic discipline.
func (b *Block) setLineState(i int, s lineState) {
	if i < 0 || i >= payloadLines {
		panic("immixcons: line index out of range")
	}
	marks := &b.header().lineMarks
	byteIdx := i / 4
	shift := uint((i % 4) * 2)
	old := marks[byteIdx]
	cur := lineState((old >> shift) & 0x3)
	if cur == lineMarked || (cur == lineConservativelyMarked && s != lineMarked) {
		return
	}
	marks[byteIdx] = (old &^ (0x3 << shift)) | (uint8(s) << shift)
}

// markRange marks every payload line overlapped by an object of size
// bytes starting at byteOffset: the start line is Marked, any line the
// object's body spills into is ConservativelyMarked.
func (b *Block) markRange(byteOffset, size uintptr) {
	startLine := lineOffset(byteOffset)
	endByte := byteOffset + size
	endLine := lineOffset(endByte - 1)
	b.setLineState(startLine, lineMarked)
	for l := startLine + 1; l <= endLine; l++ {
		b.setLineState(l, lineConservativelyMarked)
	}
	b.setBlockMark()
}

// recordObjectStart inserts an allocation start offset into the side
// table used by the ConservativeScanner, keeping it sorted ascending.
// A block handed to a new owner can bump-allocate at offsets lower
// than entries left behind by its previous owner, so a plain append
// would leave resolveObjectStart's binary search over a non-monotonic
// slice. The insertion point is the first entry >= byteOffset, found
// with sort.Search.
func (b *Block) recordObjectStart(byteOffset uintptr) {
	starts := b.objectStarts
	i := sort.Search(len(starts), func(i int) bool { return starts[i] >= byteOffset })
	if i < len(starts) && starts[i] == byteOffset {
		return
	}
	starts = append(starts, 0)
	copy(starts[i+1:], starts[i:])
	starts[i] = byteOffset
	b.objectStarts = starts
}

// resetLineMarks clears every payload line back to Free and clears the
// block-level mark bit. The driver calls this for every block that is
// about to participate in a trace, immediately before seeding the
// tracer - never right after a sweep: lines covering objects that
// survived a cycle must stay non-Free for the whole mutator period
// that follows, or NormalAllocator would bump-allocate straight over
// live data.
//
// It deliberately does not touch objectStarts: that side table is the
// conservative scanner's only way to resolve an interior stack address
// to its covering object, and the scan for *this very cycle* runs right
// after this reset - an object allocated in an earlier epoch and never
// since reallocated must still be resolvable. objectStarts entries
// outlive any number of cycles and stay sorted (recordObjectStart
// inserts in order) even across a change of owner; see the field's
// doc comment on why stale entries are harmless.
func (b *Block) resetLineMarks() {
	hdr := b.header()
	for i := range hdr.lineMarks {
		hdr.lineMarks[i] = 0
	}
	atomic.StoreUint32(&hdr.blockMark, 0)
}

// FindNextHole scans line marks starting at payload line `startLine`
// (0-based) for the first run of two or more consecutive Free lines -
// a hole. Two lines are required because an object whose last byte
// lands inside a line implicitly marks the next line
// ConservativelyMarked; a one-line gap could therefore actually be the
// tail of a still-live object's conservative spill. Returns the byte
// range [begin, end) spanning those lines, relative to the block base,
// or ok=false if no hole exists.
func (b *Block) FindNextHole(startLine int) (begin, end uintptr, line int, ok bool) {
	i := mathutil.Max(startLine, 0)
	for i < payloadLines {
		if b.LineState(i) != lineFree {
			i++
			continue
		}
		runStart := i
		for i < payloadLines && b.LineState(i) == lineFree {
			i++
		}
		if i-runStart >= 2 {
			return lineByteOffset(runStart), lineByteOffset(i), runStart, true
		}
		// Single free line bracketed by non-free lines: not a hole,
		// keep scanning past it.
	}
	return 0, 0, 0, false
}

// BlockState is the post-sweep classification of a block, derived from
// its line states.
type BlockState int

const (
	BlockFree BlockState = iota
	BlockRecyclable
	BlockUnavailable
)

// Sweep reclassifies the block from its current line states (set by the
// trace that just completed) into Free/Recyclable/Unavailable, and
// returns the hole count used for fragmentation accounting. It does not
// itself clear line marks - see resetLineMarks and the note on it above.
func (b *Block) Sweep() (state BlockState, holes int) {
	free := 0
	holes = 0
	i := 0
	for i < payloadLines {
		if b.LineState(i) != lineFree {
			i++
			continue
		}
		runStart := i
		for i < payloadLines && b.LineState(i) == lineFree {
			i++
			free++
		}
		if i-runStart >= 2 {
			holes++
		}
	}
	switch {
	case free == payloadLines:
		// An entirely empty block is about to be returned to the pool;
		// its one giant free run is capacity, not fragmentation.
		state = BlockFree
		holes = 0
	case free == 0:
		state = BlockUnavailable
	default:
		state = BlockRecyclable
	}
	atomic.StoreUint32(&b.header().holeCount, uint32(holes))
	return state, holes
}
