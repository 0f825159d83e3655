// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	invalidShape := Invalid()
	require.False(t, invalidShape.Ok())

	shape0 := Make(dtypes.Float64)
	require.True(t, shape0.Ok())
	require.True(t, shape0.IsScalar())
	require.Equal(t, 0, shape0.Rank())
	require.Len(t, shape0.Dimensions, 0)
	require.Equal(t, 1, shape0.Size())
	require.Equal(t, 8, int(shape0.Memory()))

	shape1 := Make(dtypes.Float32, 4, 3, 2)
	require.True(t, shape1.Ok())
	require.False(t, shape1.IsScalar())
	require.Equal(t, 3, shape1.Rank())
	require.Equal(t, 4*3*2, shape1.Size())
	require.Equal(t, 4*4*3*2, int(shape1.Memory()))
	require.Equal(t, "(Float32)[4 3 2]", shape1.String())

	require.Panics(t, func() { _ = Make(dtypes.Float32, 2, 0) })
}

func TestDim(t *testing.T) {
	shape := Make(dtypes.Float32, 4, 3, 2)
	require.Equal(t, 4, shape.Dim(0))
	require.Equal(t, 2, shape.Dim(-1))
	require.Equal(t, 4, shape.Dim(-3))
	require.Panics(t, func() { _ = shape.Dim(3) })
	require.Panics(t, func() { _ = shape.Dim(-4) })
}

func TestEqualAndClone(t *testing.T) {
	s := Make(dtypes.Float64, 3, 3)
	s2 := s.Clone()
	require.True(t, s.Equal(s2))
	s2.Dimensions[0] = 5
	require.False(t, s.Equal(s2))
	require.Equal(t, 3, s.Dimensions[0])
	require.True(t, s.EqualDimensions(Make(dtypes.Float32, 3, 3)))
	require.False(t, s.Equal(Make(dtypes.Float32, 3, 3)))
}

func TestCheckDims(t *testing.T) {
	s := Make(dtypes.Float32, 8, 32, 32, 3)
	require.NoError(t, s.CheckDims(-1, 32, 32, 3))
	require.Error(t, s.CheckDims(8, 32, 32))
	require.Error(t, s.CheckDims(8, 16, 32, 3))
	require.Panics(t, func() { AssertDims(s, 1, 2, 3, 4) })
}

func TestParseDType(t *testing.T) {
	for _, dtype := range []dtypes.DType{dtypes.Float16, dtypes.Float32, dtypes.Float64, dtypes.Int64} {
		got, err := ParseDType(dtype.String())
		require.NoError(t, err)
		require.Equal(t, dtype, got)
	}
	_, err := ParseDType("complex256")
	require.Error(t, err)
}
