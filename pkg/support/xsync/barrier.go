// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"sync/atomic"
	"time"
)

// Barrier is a one-shot barrier for a fixed number of parties: it releases the waiters once all
// parties have called Arrive.
//
// A new Barrier is created for each synchronization round (e.g. each training step).
type Barrier struct {
	parties int32
	arrived atomic.Int32
	done    *Latch
}

// NewBarrier creates a Barrier for the given number of parties.
// A barrier for 0 parties is released immediately.
func NewBarrier(parties int) *Barrier {
	b := &Barrier{parties: int32(parties), done: NewLatch()}
	if parties <= 0 {
		b.done.Trigger()
	}
	return b
}

// Arrive marks one party as arrived. Extra arrivals beyond the number of parties are ignored.
func (b *Barrier) Arrive() {
	if b.arrived.Add(1) == b.parties {
		b.done.Trigger()
	}
}

// Arrived returns the number of parties that have arrived so far (capped at the number of parties).
func (b *Barrier) Arrived() int {
	return int(min(b.arrived.Load(), b.parties))
}

// Parties returns the number of parties the barrier waits for.
func (b *Barrier) Parties() int {
	return int(b.parties)
}

// Wait blocks until all parties have arrived.
func (b *Barrier) Wait() {
	b.done.Wait()
}

// WaitTimeout blocks until all parties have arrived or until the timeout expires.
// A timeout <= 0 waits forever.
//
// It returns whether all parties arrived.
func (b *Barrier) WaitTimeout(timeout time.Duration) bool {
	if timeout <= 0 {
		b.done.Wait()
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-b.done.Done():
		return true
	case <-timer.C:
		return b.done.Triggered()
	}
}
