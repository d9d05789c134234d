// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package immixcons

import (
	"sync"
	"unsafe"
)

// finalizable is one object discovered dead-but-finalizable during a
// sweep, queued until RunPending invokes its finalizer outside the
// stop-the-world window.
type finalizable struct {
	obj  unsafe.Pointer
	rtti *RTTI
}

// FinalizerQueue holds objects whose RTTI.NeedsFinalization is true
// that were found unreachable this cycle. Append-only and
// mutex-guarded; finalization is not a hot path, so nothing fancier is
// warranted.
type FinalizerQueue struct {
	mu      sync.Mutex
	pending []finalizable
	log     *Logger
}

func newFinalizerQueue(log *Logger) *FinalizerQueue {
	return &FinalizerQueue{log: log}
}

// Enqueue records obj as finalizable. The object's memory is not
// reclaimed by the caller (LargeObjectSpace.Sweep/Heap's block sweep)
// until after its finalizer has run.
func (fq *FinalizerQueue) Enqueue(obj unsafe.Pointer, rtti *RTTI) {
	fq.mu.Lock()
	fq.pending = append(fq.pending, finalizable{obj: obj, rtti: rtti})
	fq.mu.Unlock()
}

// Len reports how many finalizers are currently pending.
func (fq *FinalizerQueue) Len() int {
	fq.mu.Lock()
	defer fq.mu.Unlock()
	return len(fq.pending)
}

// RunPending invokes every queued finalizer once, draining the queue.
// Called by the driver after the stop-the-world window has closed:
// finalizers never run while mutators are paused, since they are
// arbitrary user code that may itself allocate. A finalizer
// that panics is recovered and reported through the logger rather than
// propagated, so one broken finalizer cannot wedge the whole queue.
func (fq *FinalizerQueue) RunPending() {
	fq.mu.Lock()
	batch := fq.pending
	fq.pending = nil
	fq.mu.Unlock()

	for _, f := range batch {
		fq.runOne(f)
	}
}

func (fq *FinalizerQueue) runOne(f finalizable) {
	defer func() {
		if r := recover(); r != nil {
			fq.log.finalizerPanic(&FinalizerError{Recovered: r})
		}
	}()
	f.rtti.Finalizer(f.obj)
}
