// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package immixcons

import "unsafe"

// Tuning constants. They are plain Go constants rather than Config
// fields: the in-band block header and the packed line-mark bitmap are
// sized from them at compile time.
const (
	// BlockSize is the size, in bytes, of a single aligned heap block.
	BlockSize = 32 * 1024

	// LineSize is the granularity of mark bookkeeping within a block.
	LineSize = 128

	// NumLinesPerBlock is BlockSize/LineSize; line 0 is reserved for the
	// in-band block header, the remaining 255 lines carry payload.
	NumLinesPerBlock = BlockSize / LineSize

	// MediumObject is the largest size served by the NormalAllocator;
	// larger objects go to the OverflowAllocator.
	MediumObject = LineSize

	// LargeObject is the largest size served by the OverflowAllocator;
	// larger objects go to the LargeObjectSpace.
	LargeObject = 8 * 1024

	// UseEvacuation enables the evacuating (compacting) collector path.
	UseEvacuation = true

	// EvacHeadroom is the number of clean blocks reserved for evacuation.
	EvacHeadroom = 5

	// EvacTriggerThreshold is the fragmentation ratio (blocks with >=1
	// hole / blocks in use) above which a requested moving collection
	// actually enables moving mode.
	EvacTriggerThreshold = 0.25

	// minHeapSize is the floor Config.HeapSize is clamped to on Init.
	minHeapSize = 512 * 1024

	// defaultThresholdRatio is applied when Config.Threshold is zero.
	defaultThresholdRatio = 0.30
)

// State is the opaque mutator GC-state code returned by SafeEnter,
// SafeLeave, UnsafeEnter and UnsafeLeave. Callers treat it as opaque;
// its only valid use is passing it back into the matching *Leave call.
type State int32

// Thread-state encoding. The zero value is Unsafe, the default for a
// freshly registered mutator.
const (
	StateUnsafe  State = 0
	StateWaiting State = 1
	StateSafe    State = 2
)

// Config amends the behavior of Init. New fields may be added over
// time and existing ones are never repurposed, so client code should
// assign via field names rather than positional literals.
type Config struct {
	// HeapSize is the maximum heap size in bytes. Values below
	// minHeapSize are clamped up to it.
	HeapSize uintptr

	// Threshold is the number of bytes allocated since the last cycle
	// that triggers the next one. Zero means defaultThresholdRatio of
	// HeapSize (after clamping).
	Threshold uintptr

	// RootCallback is invoked at the start of every cycle, inside the
	// stop-the-world window, to let the host hand the collector its
	// roots. May be nil, in which case only conservative thread-stack
	// roots are traced.
	RootCallback RootCallback

	// CallbackData is passed back to RootCallback unchanged.
	CallbackData unsafe.Pointer

	// Logger receives structured diagnostics about cycles and
	// allocation failures. Nil disables logging entirely.
	Logger *Logger

	// Threaded controls whether the safepoint machinery actually parks
	// mutators at yieldpoints. False is the single-mutator fast path:
	// Yieldpoint and the safe/unsafe transitions remain callable but
	// never block. Hosts running more than one mutator thread must set
	// it.
	Threaded bool
}

// clampHeapSize applies the >= 512 KiB floor documented for Init.
func clampHeapSize(n uintptr) uintptr {
	if n < minHeapSize {
		return minHeapSize
	}
	return n
}

// resolveThreshold applies the 30%-of-heap default when threshold is zero.
func resolveThreshold(threshold, heapSize uintptr) uintptr {
	if threshold != 0 {
		return threshold
	}
	return uintptr(float64(heapSize) * defaultThresholdRatio)
}
