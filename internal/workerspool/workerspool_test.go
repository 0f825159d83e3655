// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPool_ForEach(t *testing.T) {
	for _, parallelism := range []int{0, 1, 3, -1} {
		pool := New()
		pool.SetMaxParallelism(parallelism)
		var running, maxRunning atomic.Int32
		results := make([]int, 20)
		pool.ForEach(len(results), func(i int) {
			current := running.Add(1)
			for {
				seen := maxRunning.Load()
				if current <= seen || maxRunning.CompareAndSwap(seen, current) {
					break
				}
			}
			results[i] = i * i
			running.Add(-1)
		})
		for i, v := range results {
			assert.Equal(t, i*i, v)
		}
		if parallelism > 0 {
			assert.LessOrEqual(t, int(maxRunning.Load()), parallelism)
		}
		if parallelism == 0 {
			assert.False(t, pool.IsEnabled())
			assert.Equal(t, int32(1), maxRunning.Load())
		}
	}
}
