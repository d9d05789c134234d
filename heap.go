// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package immixcons

import (
	"context"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/exp/slices"
)

// Heap is the collector singleton: one per process, created by Init and
// reached thereafter through the package-level functions and through
// registered Mutators. It wires every subsystem together and drives the
// collection cycle.
type Heap struct {
	cfg Config

	pool     *GlobalBlockAllocator
	normal   *NormalAllocator
	overflow *OverflowAllocator
	evac     *EvacAllocator
	los      *LargeObjectSpace
	fq       *FinalizerQueue
	registry *ThreadRegistry
	log      *Logger

	allocMu sync.Mutex

	bytesSinceCycle   uint64 // atomic
	cycles            uint64
	lastBlocksFreed   int
	lastFragmentation float64

	// pendingFinalize tracks block-space objects queued for
	// finalization in a previous cycle whose storage has not yet been
	// confirmed reclaimable - see sweepBlockObjects.
	pendingFinalize map[unsafe.Pointer]bool

	// onGC holds additional root callbacks registered after Init.
	// Registration is append-only; a callback can never be removed.
	onGC []registeredCallback
}

type registeredCallback struct {
	cb   RootCallback
	data unsafe.Pointer
}

var (
	heapOnce sync.Once
	heap     *Heap
)

// Init creates the collector singleton. Calling Init more than once is a
// contract violation (ContractViolationError, panicked) rather than a
// silently-ignored no-op - a second Init would otherwise leave every
// Mutator registered against the first heap dangling.
func Init(cfg Config) *Heap {
	if heap != nil {
		fatal("Init", "collector already initialized")
	}
	h := newHeap(cfg, newMmapBackend())
	heapOnce.Do(func() { heap = h })
	return h
}

// newHeap builds a standalone Heap against the given backend without
// touching the package-level singleton, so tests can construct an
// independent heap per test case (the process-wide singleton Init
// installs is a concern of embedding hosts, not of exercising the
// collector's own logic). backend is overridable so tests can use
// simBackend instead of real OS mappings.
func newHeap(cfg Config, backend BlockBackend) *Heap {
	cfg.HeapSize = clampHeapSize(cfg.HeapSize)
	cfg.Threshold = resolveThreshold(cfg.Threshold, cfg.HeapSize)
	if cfg.RootCallback == nil {
		cfg.RootCallback = NoopRootCallback
	}

	pool := NewGlobalBlockAllocator(cfg.HeapSize, backend)

	h := &Heap{
		cfg:             cfg,
		pool:            pool,
		normal:          newNormalAllocator(pool),
		overflow:        newOverflowAllocator(pool),
		evac:            newEvacAllocator(pool),
		los:             newLargeObjectSpace(backend),
		fq:              newFinalizerQueue(cfg.Logger),
		registry:        newThreadRegistry(),
		log:             cfg.Logger,
		pendingFinalize: make(map[unsafe.Pointer]bool),
	}
	h.evac.TopUp()
	h.registry.heap = h
	return h
}

// InitLogger installs a logger on an already-initialized heap; logging
// can be wired up independently of the heap_size/threshold parameters
// and at any point in the process lifetime.
func InitLogger(log *Logger) {
	if heap == nil {
		fatal("InitLogger", "collector not initialized")
	}
	heap.log = log
	heap.fq.log = log
}

// RegisterOnGCCallback adds a root callback after Init, for hosts that
// need to defer callback registration until their own root set is
// ready. Registered callbacks run every cycle, after the Config's own
// RootCallback, and cannot be removed.
func RegisterOnGCCallback(cb RootCallback, data unsafe.Pointer) {
	if heap == nil {
		fatal("RegisterOnGCCallback", "collector not initialized")
	}
	heap.RegisterOnGCCallback(cb, data)
}

// RegisterOnGCCallback is the per-heap form of the package-level
// function of the same name.
func (h *Heap) RegisterOnGCCallback(cb RootCallback, data unsafe.Pointer) {
	if cb == nil {
		return
	}
	h.onGC = append(h.onGC, registeredCallback{cb: cb, data: data})
}

// RegisterMainThread registers the calling goroutine as the collector's
// main mutator.
func RegisterMainThread() *Mutator {
	if heap == nil {
		fatal("RegisterMainThread", "collector not initialized")
	}
	return heap.registry.RegisterMainThread()
}

// RegisterThread registers any other goroutine that will touch managed
// memory.
func RegisterThread() *Mutator {
	if heap == nil {
		fatal("RegisterThread", "collector not initialized")
	}
	return heap.registry.RegisterThread()
}

// Alloc allocates size bytes described by rtti on behalf of m,
// dispatching to the Normal, Overflow or LargeObjectSpace allocator by
// size class and escalating through a non-moving then a moving
// collection before giving up. Large objects are mapped directly by the
// LargeObjectSpace; a failed mapping is returned as an error without a
// collection being attempted.
func (m *Mutator) Alloc(size uintptr, rtti *RTTI) (unsafe.Pointer, error) {
	return m.reg.heap.alloc(size, rtti)
}

func (h *Heap) alloc(size uintptr, rtti *RTTI) (unsafe.Pointer, error) {
	total := alignUp(HeaderSize+size, headerAlign)

	if classify(total) == sizeLarge {
		obj, err := h.los.Alloc(total, rtti)
		if err != nil {
			return nil, err
		}
		atomic.AddUint64(&h.bytesSinceCycle, uint64(total))
		h.maybeCollect()
		return obj, nil
	}

	h.allocMu.Lock()
	obj, ok := h.allocOnce(total)
	h.allocMu.Unlock()

	if !ok {
		if err := h.Collect(false); err != nil {
			return nil, err
		}
		h.allocMu.Lock()
		obj, ok = h.allocOnce(total)
		h.allocMu.Unlock()
	}
	if !ok {
		h.log.emergencyCollection()
		if err := h.Collect(true); err != nil {
			return nil, err
		}
		h.allocMu.Lock()
		obj, ok = h.allocOnce(total)
		h.allocMu.Unlock()
	}
	if !ok {
		h.log.allocFailed(size)
		return nil, &AllocationError{Size: size, HeapBytes: h.cfg.HeapSize}
	}

	// Blocks are recycled without being rezeroed, so a bump-allocated
	// range may still hold a prior tenant's bytes; alloc promises
	// zero-initialized objects. Large objects skip this - their mapping
	// is fresh from the backend and already zero.
	clear(unsafe.Slice((*byte)(obj), total))
	headerAt(obj).initHeader(rtti)
	atomic.AddUint64(&h.bytesSinceCycle, uint64(total))
	h.maybeCollect()
	return obj, nil
}

// allocOnce tries exactly one allocation attempt against the Normal or
// Overflow allocator, with no escalation - callers handle escalation.
func (h *Heap) allocOnce(total uintptr) (unsafe.Pointer, bool) {
	if classify(total) == sizeSmall {
		return h.normal.AllocSmall(total, headerAlign)
	}
	return h.overflow.AllocMedium(total, headerAlign)
}

// maybeCollect triggers a non-moving collection once bytesSinceCycle
// crosses the configured threshold - the only way a cycle starts other
// than an explicit Collect call or an allocation miss.
func (h *Heap) maybeCollect() {
	if atomic.LoadUint64(&h.bytesSinceCycle) < uint64(h.cfg.Threshold) {
		return
	}
	_ = h.Collect(false)
}

// Collect runs the Init-configured singleton through one full cycle.
func Collect(moving bool) error {
	if heap == nil {
		fatal("Collect", "collector not initialized")
	}
	return heap.Collect(moving)
}

// Collect runs one stop-the-world cycle: stop every mutator, reset
// bookkeeping for the blocks about to be traced, trace from precise and
// conservative roots to transitive closure, sweep, resume mutators,
// then run finalizers outside the paused window.
func (h *Heap) Collect(requestMoving bool) error {
	// In the non-threaded fast path (Config.Threaded == false) there is
	// at most one mutator, and it is this very call stack - there is no
	// one else to hand off to, so the handshake would simply wait on
	// itself forever. Tracing/sweeping proceed directly instead.
	if h.cfg.Threaded {
		ctx := context.Background()
		if err := h.registry.stopTheWorld(ctx); err != nil {
			h.registry.resumeTheWorld()
			return err
		}
	}

	inUse := h.pool.BlocksForCycle()

	// The evac reservation is empty space waiting to receive copies this
	// very cycle, not part of the live heap being measured: counting it
	// would both inflate fragmentation (every freshly reserved block is
	// one giant free-line run, i.e. a hole) and, worse, make a
	// reservation block itself eligible to be picked as an evacuation
	// source in selectEvacCandidates, which would corrupt the very
	// blocks the tracer is about to copy into.
	reserved := map[*Block]bool{}
	for _, b := range h.evac.Reserved() {
		reserved[b] = true
	}
	measurable := inUse
	if len(reserved) > 0 {
		measurable = make([]*Block, 0, len(inUse))
		for _, b := range inUse {
			if !reserved[b] {
				measurable = append(measurable, b)
			}
		}
	}

	fragmentation := h.fragmentation(measurable)
	moving := requestMoving && UseEvacuation && fragmentation > EvacTriggerThreshold
	h.log.cycleStart(moving, fragmentation)

	if moving {
		h.selectEvacCandidates(measurable)
	}

	for _, b := range inUse {
		b.resetLineMarks()
	}

	tracer := newTracer(h.pool, h.los, h.evac, moving, h.log)
	cons := newConservativeTracer(h.pool, h.los, tracer)

	h.registry.snapshotRanges(cons)
	h.cfg.RootCallback(h.cfg.CallbackData, tracer, cons)
	for _, reg := range h.onGC {
		reg.cb(reg.data, tracer, cons)
	}
	cons.Scan()
	tracer.Drain()

	for _, b := range inUse {
		h.sweepBlockObjects(b)
	}

	currentBlocks := map[*Block]bool{}
	if b := h.normal.Current(); b != nil {
		currentBlocks[b] = true
	}
	if b := h.overflow.Current(); b != nil {
		currentBlocks[b] = true
	}
	for _, b := range h.evac.Reserved() {
		currentBlocks[b] = true
	}

	blocksFreed := 0
	for _, b := range inUse {
		state, _ := b.Sweep()
		b.SetEvacCandidate(false)
		if currentBlocks[b] {
			continue
		}
		h.pool.Release(b, state)
		if state == BlockFree {
			blocksFreed++
		}
	}

	h.los.Sweep(h.fq)

	if moving {
		h.evac.Drain()
	}
	h.evac.TopUp()

	if h.cfg.Threaded {
		h.registry.resumeTheWorld()
	}

	h.fq.RunPending()

	h.cycles++
	h.lastBlocksFreed = blocksFreed
	h.lastFragmentation = fragmentation
	atomic.StoreUint64(&h.bytesSinceCycle, 0)

	h.log.cycleEnd(h.Snapshot())
	return nil
}

// sweepBlockObjects walks b's recorded object starts right after tracing
// has completed (marks are final for this cycle, but Sweep() has not yet
// reclassified the block) and does two things per object header:
//
//  1. Clears a live object's marked/new header bits (taggedHeader.
//     clearForNextCycle) so the next cycle's trace starts from a clean
//     test-and-set state. Nothing else in the collector ever clears this
//     bit - leaving it set would make trySetMarked report "already
//     marked" forever starting with an object's second surviving cycle,
//     which would skip re-marking its lines (letting the allocator bump
//     straight over still-live data) and skip re-enqueuing it for
//     reference rescanning.
//  2. Finds dead, finalizable objects - the block-space counterpart of
//     LargeObjectSpace.Sweep's finalization path. A block-space object
//     has no individually-mapped region to defer unmapping on, so
//     instead this keeps the object's lines artificially Marked for one
//     more epoch (markRange) the first time it is found dead, queuing
//     its finalizer; by the next cycle resetLineMarks wipes that
//     artificial mark and, being genuinely unreachable, nothing re-marks
//     it, so its lines revert to Free on the following sweep exactly one
//     cycle after the finalizer ran.
func (h *Heap) sweepBlockObjects(b *Block) {
	for _, start := range b.objectStarts {
		obj := unsafe.Pointer(b.Base() + start)
		hdr := headerAt(obj)
		word := hdr.load()

		if hdr.forwarded(word) {
			continue
		}
		if hdr.marked(word) {
			delete(h.pendingFinalize, obj)
			hdr.clearForNextCycle()
			continue
		}

		if h.pendingFinalize[obj] {
			// Queued in a previous cycle; its finalizer has run since
			// then, so its storage may now finally be reclaimed like
			// any other dead object. Zero the header rather than just
			// forgetting it: objectStarts is never pruned (see block.go),
			// so this exact offset stays in the side table forever, and
			// a stray future allocation elsewhere in the block must
			// never find this stale RTTI pointer still live here and
			// queue a second, phantom finalization for the same object.
			atomic.StoreUintptr(&hdr.word, 0)
			delete(h.pendingFinalize, obj)
			continue
		}

		rtti := rttiOf(word)
		if rtti == nil || rtti.HeapSize == nil || !rtti.NeedsFinalization {
			continue
		}

		size := rtti.HeapSize(obj)
		h.fq.Enqueue(obj, rtti)
		h.pendingFinalize[obj] = true
		b.markRange(start, size)
	}
}

// fragmentation is the ratio of blocks carrying at least one hole to
// all blocks holding data, the metric compared against
// EvacTriggerThreshold to decide whether a requested moving collection
// actually evacuates anything. As a side effect every block's
// holeCount is refreshed from its current line marks, which
// selectEvacCandidates relies on.
func (h *Heap) fragmentation(inUse []*Block) float64 {
	if len(inUse) == 0 {
		return 0
	}
	holey := 0
	for _, b := range inUse {
		if _, holes := b.Sweep(); holes > 0 {
			holey++
		}
	}
	return float64(holey) / float64(len(inUse))
}

// selectEvacCandidates flags the most fragmented blocks as evacuation
// sources, most-holey first, until the flagged holes add up to roughly
// what the evac reservation can absorb. Runs right after fragmentation,
// so every block's holeCount is current.
func (h *Heap) selectEvacCandidates(inUse []*Block) {
	ranked := append([]*Block(nil), inUse...)
	slices.SortFunc(ranked, func(a, b *Block) bool {
		return a.HoleCount() > b.HoleCount()
	})

	budget := len(h.evac.Reserved()) * int(BlockSize/LineSize)
	used := 0
	for _, b := range ranked {
		holes := b.HoleCount()
		if holes == 0 || used >= budget {
			break
		}
		b.SetEvacCandidate(true)
		used += holes
	}
}
