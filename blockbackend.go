// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package immixcons

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// BlockBackend is the pluggable source of raw, block-aligned memory for
// the GlobalBlockAllocator and the LargeObjectSpace. The pool programs
// against the interface rather than the OS directly so tests can
// substitute Go-heap-backed memory for real anonymous mappings.
type BlockBackend interface {
	// MapBlock returns the base address of a fresh, zeroed, BlockSize-
	// aligned region, or an error if the OS refuses the mapping.
	MapBlock() (unsafe.Pointer, error)

	// MapRegion returns the base address of a fresh, zeroed,
	// BlockSize-aligned region at least size bytes long (rounded up to
	// a BlockSize multiple) - LargeObjectSpace's equivalent of MapBlock
	// for objects that do not fit in a single block.
	MapRegion(size uintptr) (unsafe.Pointer, error)

	// UnmapBlock releases a region previously returned by MapBlock or
	// MapRegion.
	UnmapBlock(base unsafe.Pointer) error
}

// mmapBackend maps real, anonymous OS memory with golang.org/x/sys/unix.
// Since mmap itself gives no alignment guarantee beyond the page size,
// each block is carved out of an oversized mapping and the excess on
// either side is unmapped immediately, the usual "over-allocate, trim"
// technique for getting aligned memory out of an OS allocator.
type mmapBackend struct {
	mu       sync.Mutex
	mappings map[uintptr]int // base -> length, for Unmap bookkeeping
}

func newMmapBackend() *mmapBackend {
	return &mmapBackend{mappings: make(map[uintptr]int)}
}

func (m *mmapBackend) MapBlock() (unsafe.Pointer, error) {
	return m.mapAligned(BlockSize)
}

// MapRegion maps a BlockSize-aligned region at least size bytes long,
// rounding up to the nearest BlockSize multiple so a large object
// spanning several blocks still gets a single contiguous mapping (the
// Large size class has no upper bound, only a lower one).
func (m *mmapBackend) MapRegion(size uintptr) (unsafe.Pointer, error) {
	return m.mapAligned(alignUp(size, BlockSize))
}

func (m *mmapBackend) mapAligned(want uintptr) (unsafe.Pointer, error) {
	oversize := int(want + BlockSize) // enough slack to align within

	raw, err := unix.Mmap(-1, 0, oversize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("immixcons: mmap region: %w", err)
	}

	base := uintptr(unsafe.Pointer(&raw[0]))
	aligned := alignUp(base, BlockSize)
	headSlack := aligned - base
	tailSlack := uintptr(oversize) - headSlack - want

	if headSlack > 0 {
		_ = unix.Munmap(raw[:headSlack])
	}
	if tailSlack > 0 {
		_ = unix.Munmap(raw[headSlack+want:])
	}

	m.mu.Lock()
	m.mappings[aligned] = int(want)
	m.mu.Unlock()

	return unsafe.Pointer(aligned), nil
}

func (m *mmapBackend) UnmapBlock(base unsafe.Pointer) error {
	addr := uintptr(base)
	m.mu.Lock()
	length, ok := m.mappings[addr]
	delete(m.mappings, addr)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("immixcons: unmap: unknown block base %#x", addr)
	}
	slice := unsafe.Slice((*byte)(base), length)
	return unix.Munmap(slice)
}

// simBackend is a memory-only BlockBackend used by tests in place of
// mmapBackend. It keeps a sparse map of
// aligned slabs, one per mapping, each allocated over-sized and aligned
// exactly as mmapBackend does, just from the Go heap rather than from
// the OS directly.
type simBackend struct {
	mu    sync.Mutex
	slabs map[uintptr][]byte // aligned base -> backing slice (kept alive)
}

func newSimBackend() *simBackend {
	return &simBackend{slabs: make(map[uintptr][]byte)}
}

func (s *simBackend) MapBlock() (unsafe.Pointer, error) {
	return s.mapAligned(BlockSize)
}

// MapRegion is simBackend's analogue of mmapBackend.MapRegion: a
// BlockSize-aligned slab at least size bytes long, rounded up to a
// BlockSize multiple.
func (s *simBackend) MapRegion(size uintptr) (unsafe.Pointer, error) {
	return s.mapAligned(alignUp(size, BlockSize))
}

func (s *simBackend) mapAligned(want uintptr) (unsafe.Pointer, error) {
	raw := make([]byte, want+BlockSize)
	base := uintptr(unsafe.Pointer(&raw[0]))
	aligned := alignUp(base, BlockSize)

	s.mu.Lock()
	s.slabs[aligned] = raw
	s.mu.Unlock()

	// make([]byte, n) is already zeroed, matching the fresh-mapping
	// guarantee mmapBackend gets from the OS.
	return unsafe.Pointer(aligned), nil
}

func (s *simBackend) UnmapBlock(base unsafe.Pointer) error {
	addr := uintptr(base)
	s.mu.Lock()
	_, ok := s.slabs[addr]
	delete(s.slabs, addr)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("immixcons: unmap: unknown simulated block base %#x", addr)
	}
	return nil
}
