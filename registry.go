// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package immixcons

import (
	"context"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Mutator is a registered thread's handle into the collector, carrying
// its conservative stack range and its slot in the stop-the-world
// handshake.
type Mutator struct {
	reg   *ThreadRegistry
	tid   int
	mu    sync.Mutex
	state State
	// parked is closed whenever state != StateUnsafe, i.e. whenever this
	// mutator is not actively running managed code and can be safely
	// ignored by a collection in progress. It is recreated each time the
	// mutator transitions back to Unsafe.
	parked chan struct{}

	stackBegin, stackEnd unsafe.Pointer
}

func newMutator(reg *ThreadRegistry, tid int) *Mutator {
	return &Mutator{reg: reg, tid: tid, state: StateUnsafe, parked: make(chan struct{})}
}

// SetStackRange records the word range the ConservativeTracer should
// scan for this mutator's roots. Hosts call this once after registering
// (with their own stack bounds) and again whenever a fiber/coroutine
// switch moves the live stack window.
func (m *Mutator) SetStackRange(begin, end unsafe.Pointer) {
	m.mu.Lock()
	m.stackBegin, m.stackEnd = begin, end
	m.mu.Unlock()
}

func (m *Mutator) setState(s State) State {
	m.mu.Lock()
	old := m.state
	m.state = s
	if s != StateUnsafe {
		select {
		case <-m.parked:
		default:
			close(m.parked)
		}
	} else {
		select {
		case <-m.parked:
			m.parked = make(chan struct{})
		default:
		}
	}
	m.mu.Unlock()
	return old
}

// SafeEnter marks the calling mutator Safe - not actively touching
// managed memory - and returns the prior state to pass to SafeLeave.
// Unlike UnsafeLeave/Yieldpoint, this never blocks: a mutator entering
// Safe is exactly the condition the collector is waiting for.
func (m *Mutator) SafeEnter() State { return m.setState(StateSafe) }

// SafeLeave restores prev, blocking first if a collection is in
// progress - resuming managed execution must wait for the stop-the-
// world window to close.
func (m *Mutator) SafeLeave(prev State) {
	m.reg.waitForResume()
	m.setState(prev)
}

// UnsafeEnter marks the calling mutator Unsafe (actively running
// managed code) and returns the prior state.
func (m *Mutator) UnsafeEnter() State { return m.setState(StateUnsafe) }

// UnsafeLeave restores prev. If the registry has requested a
// collection, the mutator parks as Waiting first and blocks until the
// world resumes - the same handshake Yieldpoint provides for
// longer-running Unsafe stretches.
func (m *Mutator) UnsafeLeave(prev State) {
	if m.reg.stwRequested() {
		m.setState(StateWaiting)
		m.reg.waitForResume()
	}
	m.setState(prev)
}

// Yieldpoint is the fast, inlinable-in-spirit check a mutator calls
// periodically from long-running Unsafe code. If a collection has been
// requested, it parks until the world resumes and otherwise returns
// immediately.
func (m *Mutator) Yieldpoint() {
	if !m.reg.stwRequested() {
		return
	}
	prev := m.setState(StateWaiting)
	m.reg.waitForResume()
	m.setState(prev)
}

// Unregister removes the mutator from its registry. Must be called from
// Unsafe state (the default) with no collection in progress.
func (m *Mutator) Unregister() {
	m.reg.unregister(m)
}

// ThreadRegistry tracks every registered Mutator and drives the stop-
// the-world handshake: request, wait for every mutator to park, run
// the cycle, resume.
type ThreadRegistry struct {
	mu             sync.Mutex
	mutators       map[*Mutator]struct{}
	requested      bool
	resumeCh       chan struct{}
	mainRegistered bool

	// heap is the back-reference a registered Mutator uses to reach
	// Heap.alloc/Collect without going through the package-level
	// singleton - set once by newHeap, right after both exist.
	heap *Heap
}

func newThreadRegistry() *ThreadRegistry {
	return &ThreadRegistry{mutators: make(map[*Mutator]struct{}), resumeCh: make(chan struct{})}
}

// RegisterMainThread registers the calling goroutine as the main
// mutator. Calling this twice is a contract violation - unlike
// RegisterThread, there is only ever one main mutator.
func (r *ThreadRegistry) RegisterMainThread() *Mutator {
	r.mu.Lock()
	if r.mainRegistered {
		r.mu.Unlock()
		fatal("RegisterMainThread", "main thread already registered")
	}
	r.mainRegistered = true
	r.mu.Unlock()
	return r.register()
}

// RegisterThread registers any other goroutine acting as a mutator
// (e.g. a worker pool member that touches managed memory).
func (r *ThreadRegistry) RegisterThread() *Mutator {
	return r.register()
}

// register locks the calling goroutine to its current OS thread and
// uses the real OS thread id (via golang.org/x/sys/unix.Gettid, which
// is stable for the thread's lifetime once locked) as the key a future
// CurrentMutator lookup resolves against - the closest Go equivalent
// of a thread-local mutator handle, since goroutines themselves carry
// no stable, queryable identity.
func (r *ThreadRegistry) register() *Mutator {
	runtime.LockOSThread()
	tid := unix.Gettid()

	m := newMutator(r, tid)
	r.mu.Lock()
	r.mutators[m] = struct{}{}
	r.mu.Unlock()

	currentMu.Lock()
	current[tid] = m
	currentMu.Unlock()

	return m
}

func (r *ThreadRegistry) unregister(m *Mutator) {
	r.mu.Lock()
	delete(r.mutators, m)
	r.mu.Unlock()

	currentMu.Lock()
	delete(current, m.tid)
	currentMu.Unlock()

	runtime.UnlockOSThread()
}

func (r *ThreadRegistry) stwRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requested
}

// waitForResume blocks until the registry's current stop-the-world
// window (if any) closes.
func (r *ThreadRegistry) waitForResume() {
	r.mu.Lock()
	ch := r.resumeCh
	requested := r.requested
	r.mu.Unlock()
	if requested {
		<-ch
	}
}

// stopTheWorld requests a collection and blocks until every other
// currently registered mutator has parked (Safe or Waiting). The
// initiating thread's own mutator, if it has one, is exempt: it is
// inside the collector right now, which is as parked as it gets, and
// waiting on it would deadlock. Uses errgroup to fan out one waiter
// per mutator and fail together if ctx is canceled - exactly the
// "launch N independent waits, join them, propagate the first failure"
// shape errgroup exists for.
func (r *ThreadRegistry) stopTheWorld(ctx context.Context) error {
	self := CurrentMutator()

	r.mu.Lock()
	r.requested = true
	mutators := make([]*Mutator, 0, len(r.mutators))
	for m := range r.mutators {
		if m == self {
			continue
		}
		mutators = append(mutators, m)
	}
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, m := range mutators {
		m := m
		g.Go(func() error {
			// Snapshot the channel under m.mu rather than referencing
			// m.parked directly in the select below: setState replaces
			// the field whenever a mutator returns to Unsafe, and reading
			// it unsynchronized here would race with that write.
			m.mu.Lock()
			ch := m.parked
			m.mu.Unlock()
			select {
			case <-ch:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	return g.Wait()
}

// resumeTheWorld closes the current resume channel, waking every
// mutator parked in waitForResume, and installs a fresh one for the
// next cycle.
func (r *ThreadRegistry) resumeTheWorld() {
	r.mu.Lock()
	r.requested = false
	close(r.resumeCh)
	r.resumeCh = make(chan struct{})
	r.mu.Unlock()
}

// snapshotRanges collects every registered mutator's stack range for
// the ConservativeTracer, called only while the world is stopped.
func (r *ThreadRegistry) snapshotRanges(cons *ConservativeTracer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for m := range r.mutators {
		m.mu.Lock()
		begin, end := m.stackBegin, m.stackEnd
		m.mu.Unlock()
		if begin != nil && end != nil {
			cons.AddRange(begin, end)
		}
	}
}

var (
	currentMu sync.Mutex
	current   = make(map[int]*Mutator)
)

// CurrentMutator returns the Mutator registered for the calling
// goroutine's OS thread, or nil if none was registered via
// RegisterMainThread/RegisterThread. Only meaningful from a goroutine
// that has not since called runtime.UnlockOSThread itself.
func CurrentMutator() *Mutator {
	tid := unix.Gettid()
	currentMu.Lock()
	m := current[tid]
	currentMu.Unlock()
	return m
}
