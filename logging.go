// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package immixcons

import "go.uber.org/zap"

// Logger wraps *zap.Logger behind a type that tolerates a nil receiver:
// a nil *Logger (the zero value of Config.Logger) is simply never
// dereferenced, so logging is free when disabled.
type Logger struct {
	z *zap.Logger
}

// NewLogger wraps an existing *zap.Logger. Passing nil is valid and
// yields a Logger that behaves as if logging were disabled.
func NewLogger(z *zap.Logger) *Logger {
	return &Logger{z: z}
}

// NewProductionLogger builds a Logger backed by zap's production preset
// (JSON encoding, info level), a one-line way for embedders to opt in.
func NewProductionLogger() (*Logger, error) {
	z, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return &Logger{z: z}, nil
}

func (l *Logger) cycleStart(moving bool, fragmentation float64) {
	if l == nil || l.z == nil {
		return
	}
	l.z.Info("gc cycle start", zap.Bool("moving", moving), zap.Float64("fragmentation", fragmentation))
}

func (l *Logger) cycleEnd(stats Snapshot) {
	if l == nil || l.z == nil {
		return
	}
	l.z.Info("gc cycle end",
		zap.Uint64("cycle", stats.Cycles),
		zap.Uintptr("live_bytes", stats.LiveBytes),
		zap.Uintptr("free_bytes", stats.FreeBytes),
		zap.Uintptr("unavailable_bytes", stats.UnavailableBytes),
		zap.Int("blocks_freed", stats.BlocksFreed),
	)
}

func (l *Logger) allocFailed(size uintptr) {
	if l == nil || l.z == nil {
		return
	}
	l.z.Warn("allocation failed after emergency collection", zap.Uintptr("size", size))
}

func (l *Logger) finalizerPanic(err *FinalizerError) {
	if l == nil || l.z == nil {
		return
	}
	l.z.Error("finalizer panicked", zap.Error(err))
}

func (l *Logger) emergencyCollection() {
	if l == nil || l.z == nil {
		return
	}
	l.z.Warn("emergency collection triggered")
}
