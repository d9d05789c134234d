// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package immixcons

import "fmt"

// Error taxonomy: small struct-typed errors carrying just enough
// context to explain the failure, returned as a plain `error` through
// the usual (result, err) idiom wherever recovery is possible, and
// panicked with where the condition is a fatal contract breach.

// AllocationError is returned by Alloc when the heap remains exhausted
// after an emergency collection.
type AllocationError struct {
	Size      uintptr
	HeapBytes uintptr
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("immixcons: allocation of %d bytes failed: heap of %d bytes exhausted after emergency collection", e.Size, e.HeapBytes)
}

// ContractViolationError is raised (via panic) for fatal misuse:
// duplicate main-thread registration, a second Init or a call before
// Init, and RTTI contract breaches such as a nil HeapSize callback
// discovered at trace time. Managed operations do not check whether the
// calling thread is registered.
type ContractViolationError struct {
	Op     string
	Detail string
}

func (e *ContractViolationError) Error() string {
	return fmt.Sprintf("immixcons: contract violation in %s: %s", e.Op, e.Detail)
}

// FinalizerError wraps a panic recovered from user finalizer code. It
// is never propagated to the caller of Collect, only logged - other
// finalizers continue, and a broken finalizer never aborts the
// collector.
type FinalizerError struct {
	Recovered interface{}
}

func (e *FinalizerError) Error() string {
	return fmt.Sprintf("immixcons: finalizer panicked: %v", e.Recovered)
}

// fatal raises a ContractViolationError. It is the one place contract
// breaches convert into a panic, kept centralized so the message shape
// stays consistent.
func fatal(op, detail string) {
	panic(&ContractViolationError{Op: op, Detail: detail})
}
