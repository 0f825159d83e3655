// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	require.False(t, l.Triggered())
	go l.Trigger()
	l.Wait()
	require.True(t, l.Triggered())
	l.Trigger() // No-op.
	select {
	case <-l.Done():
	default:
		t.Fatal("Done should be closed after Trigger")
	}
}

func TestBarrier(t *testing.T) {
	const parties = 4
	b := NewBarrier(parties)
	for range parties {
		go b.Arrive()
	}
	require.True(t, b.WaitTimeout(0))
	assert.Equal(t, parties, b.Arrived())
	b.Arrive()
	assert.Equal(t, parties, b.Arrived())
	assert.Equal(t, parties, b.Parties())
}

func TestBarrierTimeout(t *testing.T) {
	b := NewBarrier(3)
	b.Arrive()
	b.Arrive()
	require.False(t, b.WaitTimeout(10*time.Millisecond))
	assert.Equal(t, 2, b.Arrived())

	empty := NewBarrier(0)
	require.True(t, empty.WaitTimeout(time.Millisecond))
}
