// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package summary

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/towers/pkg/core/tensors"
	"github.com/gomlx/towers/ui/plots"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func TestHistogram(t *testing.T) {
	h := NewHistogram([]float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, math.NaN(), math.Inf(1)}, 5)
	assert.Equal(t, 10, h.Count)
	assert.Equal(t, 2, h.NonFinite)
	assert.Equal(t, 0.0, h.Min)
	assert.Equal(t, 9.0, h.Max)
	assert.InDelta(t, 4.5, h.Mean, 1e-9)
	require.Len(t, h.Dividers, 6)
	require.Len(t, h.Counts, 5)
	assert.Equal(t, 10.0, floats.Sum(h.Counts))
	assert.Equal(t, []float64{2, 2, 2, 2, 2}, h.Counts)

	constant := NewHistogram([]float64{3, 3, 3}, 10)
	assert.Equal(t, []float64{3}, constant.Counts)
	assert.Equal(t, 0.0, constant.StdDev)

	empty := NewHistogram(nil, 10)
	assert.Equal(t, 0, empty.Count)
	assert.Empty(t, empty.Points("x"))

	fromTensor := TensorHistogram(tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2))
	assert.Equal(t, 4, fromTensor.Count)
	assert.Len(t, fromTensor.Counts, DefaultHistogramBins)
}

func TestHistogramRandomTensors(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for range 1000 {
		data := make([]float32, 64)
		for i := range data {
			data[i] = float32(rng.NormFloat64())
		}
		var h *Histogram
		require.NotPanics(t, func() { h = TensorHistogram(tensors.FromFlatDataAndDimensions(data, 8, 8)) })
		require.Len(t, h.Dividers, DefaultHistogramBins+1)
		assert.Greater(t, h.Dividers[DefaultHistogramBins], h.Max)
		assert.Equal(t, 64.0, floats.Sum(h.Counts))
	}
}

func TestNames(t *testing.T) {
	assert.Equal(t, "loss", MetricType("loss"))
	assert.Equal(t, "loss", MetricType("loss/cross_entropy"))
	assert.Equal(t, "accuracy", MetricType("top_k"))
	assert.Equal(t, "learning_rate", MetricType("learning_rate"))
	assert.Equal(t, "cross_entropy", ShortName("loss/cross_entropy"))
	assert.Equal(t, "loss", ShortName("loss"))
}

func TestJSONLinesSink(t *testing.T) {
	dir := t.TempDir()
	runID := NewRunID()
	sink, err := NewJSONLinesSink(dir, runID)
	require.NoError(t, err)
	sink.Write(10, map[string]Value{
		"loss":          Scalar(0.5),
		"learning_rate": Scalar(0.1),
		"gradients/w":   NewHistogram([]float64{-1, 0, 1}, 3),
	})
	sink.Write(20, map[string]Value{"loss": Scalar(0.25)})
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())

	// Dropped after close.
	sink.Write(30, map[string]Value{"loss": Scalar(0.1)})

	raw, err := plots.LoadPointsFromCheckpoint(dir)
	require.NoError(t, err)
	// Histogram (4 statistics) + 2 scalars at step 10, 1 scalar at step 20.
	require.Len(t, raw, 7)
	for _, p := range raw {
		assert.Equal(t, runID, p.RunID)
	}
	points := plots.NewPoints(raw)
	steps, values := points.Series("loss")
	assert.Equal(t, []float64{10, 20}, steps)
	assert.Equal(t, []float64{0.5, 0.25}, values)
	_, means := points.Series("gradients/w/mean")
	assert.Equal(t, []float64{0}, means)
}

type recordingSink struct {
	steps  []int64
	closed bool
}

func (r *recordingSink) Write(step int64, _ map[string]Value) { r.steps = append(r.steps, step) }
func (r *recordingSink) Close() error                         { r.closed = true; return nil }

func TestMultiSink(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	ms := MultiSink{a, b, NopSink{}, LogSink{}}
	ms.Write(1, map[string]Value{"loss": Scalar(1)})
	ms.Write(2, map[string]Value{"loss": Scalar(1)})
	require.NoError(t, ms.Close())
	assert.Equal(t, []int64{1, 2}, a.steps)
	assert.Equal(t, []int64{1, 2}, b.steps)
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}
