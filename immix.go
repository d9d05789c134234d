// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package immixcons implements an Immix-style mark-region garbage
// collector with optional evacuating (compacting) collection, embeddable
// by language runtimes that describe their object layouts at runtime via
// an RTTI descriptor supplied per object kind.
//
// The package provides the block/line allocation substrate, the
// bump-pointer allocators for small and medium objects, the large-object
// space, the evacuation machinery, the tracing/marking algorithm, the
// conservative stack scan and the stop-the-world protocol that
// coordinates mutator threads with the collector. The host runtime
// whose roots the collector traces stays an opaque callback.
package immixcons

import (
	"sync/atomic"
	"unsafe"
)

// RTTI is the runtime-type-information descriptor a host supplies per
// object kind: size, reference-visitor and finalizer hooks.
type RTTI struct {
	// HeapSize returns the total in-heap size of obj, including the
	// header. Mandatory: a nil HeapSize is a contract violation,
	// discovered (and raised as a ContractViolationError panic) the
	// first time the tracer visits an object using this RTTI.
	HeapSize func(obj unsafe.Pointer) uintptr

	// VisitReferences traces obj's outgoing references by calling
	// tracer.Trace on the address of each reference-typed field. May
	// be nil for object kinds with no outgoing references.
	VisitReferences func(obj unsafe.Pointer, tracer *Tracer)

	// NeedsFinalization marks objects of this kind for finalization
	// instead of immediate reclamation once proven dead.
	NeedsFinalization bool

	// Finalizer is invoked exactly once, on the caller's thread, after
	// a cycle in which an object of this kind was first found
	// unreachable. Must be non-nil iff NeedsFinalization is true.
	Finalizer func(obj unsafe.Pointer)
}

// NoopVisitor is a VisitReferences implementation for object kinds with
// no outgoing references, so callers don't need to write their own stub.
func NoopVisitor(obj unsafe.Pointer, tracer *Tracer) {}

// RootCallback is invoked once per cycle, inside the stop-the-world
// window, so the host can hand the collector its roots. It receives
// both a precise Tracer and a ConservativeTracer in the same call: the
// host traces typed roots through the former and registers untyped
// memory ranges with the latter.
type RootCallback func(data unsafe.Pointer, tracer *Tracer, cons *ConservativeTracer)

// NoopRootCallback is a RootCallback that contributes no extra roots.
func NoopRootCallback(data unsafe.Pointer, tracer *Tracer, cons *ConservativeTracer) {}

// KeepOnStack is an opaque no-op that prevents the compiler from
// dropping x's liveness before this call, so a conservatively scanned
// stack still holds the reference. It has no effect beyond that.
func KeepOnStack(x unsafe.Pointer) {
	keepAlive(x)
}

//go:noinline
func keepAlive(x unsafe.Pointer) {}

// Tagged header layout. An object begins with one word (taggedHeader)
// that, ordinarily, is an *RTTI pointer with four low bits repurposed as
// flags: forwarded, pinned, marked and new. RTTI descriptors must
// therefore be allocated on at least a 16-byte boundary - see NewRTTI.
//
// When flagForwarded is set, the remaining bits hold the forwarding
// address instead of the RTTI pointer: the header has no room for both,
// and nothing but the forwarding logic itself ever needs a forwarded
// object's RTTI again.
const (
	flagForwarded uintptr = 1 << 0
	flagPinned    uintptr = 1 << 1
	flagMarked    uintptr = 1 << 2
	flagNew       uintptr = 1 << 3
	flagMask      uintptr = flagForwarded | flagPinned | flagMarked | flagNew

	// headerAlign is the alignment required of both RTTI descriptors
	// and forwarding addresses so flagMask bits never collide with
	// real pointer bits.
	headerAlign = flagMask + 1

	// HeaderSize is the number of header bytes every allocated object
	// carries ahead of its payload.
	HeaderSize = unsafe.Sizeof(uintptr(0))
)

// taggedHeader is the raw header word of a heap object, read and
// written atomically since the tracer's mark-bit test-and-set and
// forwarding writes must be safe with respect to concurrent mutators
// observing the header.
type taggedHeader struct {
	word uintptr
}

func headerAt(obj unsafe.Pointer) *taggedHeader {
	return (*taggedHeader)(obj)
}

func (h *taggedHeader) load() uintptr {
	return atomic.LoadUintptr(&h.word)
}

func (h *taggedHeader) forwarded(word uintptr) bool { return word&flagForwarded != 0 }
func (h *taggedHeader) pinned(word uintptr) bool    { return word&flagPinned != 0 }
func (h *taggedHeader) marked(word uintptr) bool    { return word&flagMarked != 0 }

func rttiOf(word uintptr) *RTTI {
	return (*RTTI)(unsafe.Pointer(word &^ flagMask))
}

func forwardAddressOf(word uintptr) unsafe.Pointer {
	return unsafe.Pointer(word &^ flagMask)
}

// initHeader writes a fresh header for a newly allocated object: RTTI
// pointer plus flagNew, no other flags set.
func (h *taggedHeader) initHeader(rtti *RTTI) {
	atomic.StoreUintptr(&h.word, uintptr(unsafe.Pointer(rtti))|flagNew)
}

// trySetPinned atomically sets flagPinned; safe to call repeatedly.
func (h *taggedHeader) trySetPinned() {
	for {
		old := atomic.LoadUintptr(&h.word)
		if old&flagPinned != 0 || old&flagForwarded != 0 {
			return
		}
		if atomic.CompareAndSwapUintptr(&h.word, old, old|flagPinned) {
			return
		}
	}
}

// trySetMarked atomically sets flagMarked and reports whether the bit
// was already set before this call.
func (h *taggedHeader) trySetMarked() (wasAlreadyMarked bool) {
	for {
		old := atomic.LoadUintptr(&h.word)
		if old&flagMarked != 0 {
			return true
		}
		if atomic.CompareAndSwapUintptr(&h.word, old, old|flagMarked) {
			return false
		}
	}
}

// clearForNextCycle resets the marked and new bits ahead of the next
// trace, leaving forwarded/pinned/RTTI untouched - forwarded objects
// are dead husks that tracing never revisits, and pinned is permanent.
func (h *taggedHeader) clearForNextCycle() {
	for {
		old := atomic.LoadUintptr(&h.word)
		next := old &^ (flagMarked | flagNew)
		if atomic.CompareAndSwapUintptr(&h.word, old, next) {
			return
		}
	}
}

// setForwarded installs a forwarding address, replacing the RTTI slot.
func (h *taggedHeader) setForwarded(to unsafe.Pointer) {
	atomic.StoreUintptr(&h.word, uintptr(to)|flagForwarded)
}

// ObjectRTTI returns the RTTI descriptor pointer from obj's header, or
// nil if obj has been forwarded (its header no longer carries one).
func ObjectRTTI(obj unsafe.Pointer) *RTTI {
	word := headerAt(obj).load()
	if word&flagForwarded != 0 {
		return nil
	}
	return rttiOf(word)
}

// NewRTTI allocates an RTTI descriptor on a headerAlign-byte boundary,
// so the descriptor pointer's low bits are guaranteed zero and free to
// carry header flags. Plain `&RTTI{...}` literals are not guaranteed
// that alignment on all platforms, so embedders should prefer NewRTTI.
func NewRTTI(heapSize func(unsafe.Pointer) uintptr, visit func(unsafe.Pointer, *Tracer), needsFinalization bool, finalizer func(unsafe.Pointer)) *RTTI {
	if heapSize == nil {
		fatal("NewRTTI", "HeapSize must not be nil")
	}
	if needsFinalization && finalizer == nil {
		fatal("NewRTTI", "NeedsFinalization requires a non-nil Finalizer")
	}
	if !needsFinalization && finalizer != nil {
		fatal("NewRTTI", "Finalizer must be nil when NeedsFinalization is false")
	}

	raw := make([]unsafe.Pointer, (unsafe.Sizeof(RTTI{})+headerAlign)/unsafe.Sizeof(uintptr(0)))
	base := unsafe.Pointer(&raw[0])
	r := (*RTTI)(unsafe.Add(base, alignUp(uintptr(base), headerAlign)-uintptr(base)))
	*r = RTTI{
		HeapSize:          heapSize,
		VisitReferences:   visit,
		NeedsFinalization: needsFinalization,
		Finalizer:         finalizer,
	}
	return r
}

// ownerKind is the owner field of a block's in-band header: which
// allocator currently holds the block, or that it is free/recyclable.
type ownerKind uint32

const (
	ownerFree ownerKind = iota
	ownerRecyclable
	ownerNormal
	ownerOverflow
	ownerEvac
	ownerUnavailable
)

// lineState is the per-line mark byte (packed two bits per line in the
// in-band header - see block.go).
type lineState uint8

const (
	lineFree lineState = iota
	lineMarked
	lineConservativelyMarked
)

// sizeClass classifies an object size into Small/Medium/Large.
type sizeClass int

const (
	sizeSmall sizeClass = iota
	sizeMedium
	sizeLarge
)

func classify(size uintptr) sizeClass {
	switch {
	case size <= LineSize:
		return sizeSmall
	case size <= LargeObject:
		return sizeMedium
	default:
		return sizeLarge
	}
}

func alignUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}
