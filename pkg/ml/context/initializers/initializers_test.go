// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package initializers

import (
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/towers/pkg/core/shapes"
	"github.com/gomlx/towers/pkg/core/tensors"
	"github.com/gomlx/towers/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstantInitializers(t *testing.T) {
	shape := shapes.Make(dtypes.Float32, 2, 2)
	assert.Equal(t, []float32{0, 0, 0, 0}, tensors.CopyFlatData[float32](Zero(shape)))
	assert.Equal(t, []float32{1, 1, 1, 1}, tensors.CopyFlatData[float32](One(shape)))
	assert.Equal(t, []int64{1, 1}, tensors.CopyFlatData[int64](One(shapes.Make(dtypes.Int64, 2))))
}

func TestUniformAndNormal(t *testing.T) {
	src := NewSource(42)
	shape := shapes.Make(dtypes.Float64, 100, 100)
	values := tensors.CopyFlatData[float64](Uniform(src, -0.5, 0.5)(shape))
	var sum float64
	for _, v := range values {
		require.True(t, v >= -0.5 && v < 0.5)
		sum += v
	}
	assert.InDelta(t, 0.0, sum/float64(len(values)), 0.02)

	values = tensors.CopyFlatData[float64](Normal(src, 2.0)(shape))
	var sumSq float64
	for _, v := range values {
		sumSq += v * v
	}
	assert.InDelta(t, 2.0, math.Sqrt(sumSq/float64(len(values))), 0.1)

	// Integer variables are initialized to zero.
	assert.Equal(t, []int64{0, 0}, tensors.CopyFlatData[int64](Normal(src, 1)(shapes.Make(dtypes.Int64, 2))))
}

func TestDeterministicSeed(t *testing.T) {
	shape := shapes.Make(dtypes.Float32, 3, 3, 4, 8)
	a := GlorotUniform(NewSource(7))(shape)
	b := GlorotUniform(NewSource(7))(shape)
	assert.True(t, a.Equal(b))
	c := GlorotUniform(NewSource(8))(shape)
	assert.False(t, a.Equal(c))
}

func TestGlorotAndHe(t *testing.T) {
	src := NewSource(1)
	// Biases are zero.
	assert.Equal(t, []float64{0, 0, 0}, tensors.CopyFlatData[float64](GlorotUniform(src)(shapes.Make(dtypes.Float64, 3))))
	assert.Equal(t, []float64{0, 0, 0}, tensors.CopyFlatData[float64](He(src)(shapes.Make(dtypes.Float64, 3))))

	shape := shapes.Make(dtypes.Float64, 3, 3, 16, 32)
	fanIn, fanOut := computeFanInFanOut(shape)
	assert.Equal(t, 9*16, fanIn)
	assert.Equal(t, 9*32, fanOut)
	limit := math.Sqrt(3.0 / (float64(fanIn+fanOut) / 2))
	for _, v := range tensors.CopyFlatData[float64](GlorotUniform(src)(shape)) {
		require.LessOrEqual(t, math.Abs(v), limit)
	}
}

func TestFromContext(t *testing.T) {
	ctx := context.New()
	ctx.SetParams(map[string]any{ParamInitialSeed: int64(3), ParamDefault: "he"})
	initFn := FromContext(ctx)
	v := ctx.WithInitializer(initFn).VariableWithShape("w", shapes.Make(dtypes.Float64, 4, 4))
	assert.False(t, tensors.FromShape(v.Shape()).Equal(v.Value()))

	ctx.SetParam(ParamDefault, "bogus")
	require.Panics(t, func() { FromContext(ctx) })
}
