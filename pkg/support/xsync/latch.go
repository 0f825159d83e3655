// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements some extra synchronization tools.
package xsync

import "sync"

// Latch is a one-shot signal: once triggered it stays triggered, and every waiter is released.
type Latch struct {
	once sync.Once
	done chan struct{}
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{done: make(chan struct{})}
}

// Trigger the latch. Calling it again is a no-op.
func (l *Latch) Trigger() {
	l.once.Do(func() { close(l.done) })
}

// Wait blocks until the latch is triggered.
func (l *Latch) Wait() { <-l.done }

// Triggered reports whether Trigger was called.
func (l *Latch) Triggered() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the latch is triggered, to be used in a select.
func (l *Latch) Done() <-chan struct{} { return l.done }
