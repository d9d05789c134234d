// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package immixcons

import (
	"encoding/binary"
	"io"

	"github.com/golang/snappy"
)

// Snapshot reports the heap's state at the moment Heap.Snapshot is
// called; BlocksFreed and Fragmentation are those recorded by the most
// recent cycle (zero if none has run yet).
type Snapshot struct {
	Cycles           uint64
	LiveBytes        uintptr
	FreeBytes        uintptr
	UnavailableBytes uintptr
	BlocksFreed      int
	LargeObjects     int
	Fragmentation    float64
}

// Snapshot reports the heap's current bookkeeping without pausing
// mutators: block counts are read under the pool's own lock, so the
// numbers are a consistent instant but may be stale by the time the
// caller observes them if a collection starts concurrently.
func (h *Heap) Snapshot() Snapshot {
	clean, _, unavailable, _, _ := h.pool.Stats()
	s := Snapshot{
		Cycles:           h.cycles,
		FreeBytes:        uintptr(clean) * BlockSize,
		UnavailableBytes: uintptr(unavailable) * BlockSize,
		BlocksFreed:      h.lastBlocksFreed,
		LargeObjects:     h.los.Count(),
		Fragmentation:    h.lastFragmentation,
	}
	s.LiveBytes = h.liveLineBytes()
	return s
}

// liveLineBytes sums actual occupied-line bytes (any line not in the
// Free state) across every in-use block, Recyclable and Unavailable
// alike. Reporting LiveBytes this way - rather than counting a
// Recyclable block's every byte as live - avoids overstating a
// Recyclable block's occupancy, since a Recyclable block by definition
// still carries at least one hole of free lines. An Unavailable block's
// occupied lines are counted here as well as in UnavailableBytes.
func (h *Heap) liveLineBytes() uintptr {
	var live uintptr
	for _, b := range h.pool.InUseBlocks() {
		for i := 0; i < payloadLines; i++ {
			if b.LineState(i) != lineFree {
				live += LineSize
			}
		}
	}
	return live
}

// DumpStats writes a compact diagnostic dump of the current snapshot
// plus every in-use block's packed line-mark bitmap, Snappy-compressed
// - the same shape as a core-file section, useful for offline
// fragmentation analysis without needing the live process. Snappy keeps
// the dump small without requiring an external compressor.
func (h *Heap) DumpStats(w io.Writer) error {
	s := h.Snapshot()

	var header [56]byte
	binary.LittleEndian.PutUint64(header[0:], s.Cycles)
	binary.LittleEndian.PutUint64(header[8:], uint64(s.LiveBytes))
	binary.LittleEndian.PutUint64(header[16:], uint64(s.FreeBytes))
	binary.LittleEndian.PutUint64(header[24:], uint64(s.UnavailableBytes))
	binary.LittleEndian.PutUint64(header[32:], uint64(s.BlocksFreed))
	binary.LittleEndian.PutUint64(header[40:], uint64(s.LargeObjects))
	binary.LittleEndian.PutUint64(header[48:], uint64(s.Fragmentation*1e6))

	blocks := h.pool.InUseBlocks()
	payload := make([]byte, 0, len(header)+len(blocks)*lineMarkBytes)
	payload = append(payload, header[:]...)
	for _, b := range blocks {
		payload = append(payload, b.header().lineMarks[:]...)
	}

	compressed := snappy.Encode(nil, payload)
	_, err := w.Write(compressed)
	return err
}
