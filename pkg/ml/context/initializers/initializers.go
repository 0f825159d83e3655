// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package initializers include several weight initializers, to be used with context.
// They implement context.VariableInitializer type.
package initializers

import (
	"math"
	"math/rand/v2"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/towers/pkg/core/shapes"
	"github.com/gomlx/towers/pkg/core/tensors"
	"github.com/gomlx/towers/pkg/ml/context"
)

// VariableInitializer builds a value used to initialize a variable of the given shape.
type VariableInitializer = context.VariableInitializer

var (
	// ParamInitialSeed is the key for the hyperparameter to use for initial seed (int64). The default is 0,
	// which makes it non-deterministic. Set it to a value different from 0 for a deterministic (as long
	// as the model doesn't change) initialization.
	ParamInitialSeed = "rng_seed"

	// ParamDefault is the key for the hyperparameter with the name of the default initializer:
	// one of "zero", "normal", "uniform", "glorot_uniform", "he". Defaults to "glorot_uniform".
	ParamDefault = "initializer"
)

// NoSeed is the seed value used to make the random number generator non-deterministic.
const NoSeed = int64(0)

// Source is a goroutine-safe random number generator shared by the initializers of a model.
type Source struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSource creates a random source with the given seed. If seed is NoSeed, a random seed is used.
func NewSource(seed int64) *Source {
	if seed == NoSeed {
		seed = rand.Int64()
	}
	return &Source{rng: rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))}
}

// SourceFromContext creates a Source seeded with the ParamInitialSeed hyperparameter.
func SourceFromContext(ctx *context.Context) *Source {
	return NewSource(context.GetParamOr(ctx, ParamInitialSeed, NoSeed))
}

// fill generates size values with fn, holding the source lock.
func (s *Source) fill(size int, fn func(rng *rand.Rand) float64) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	values := make([]float64, size)
	for ii := range values {
		values[ii] = fn(s.rng)
	}
	return values
}

var (
	// Zero initializes variables with zero.
	Zero VariableInitializer = func(shape shapes.Shape) *tensors.Tensor {
		return tensors.FromShape(shape)
	}

	// One initializes variables with one.
	One VariableInitializer = func(shape shapes.Shape) *tensors.Tensor {
		return constant(shape, 1)
	}
)

func constant(shape shapes.Shape, value float64) *tensors.Tensor {
	values := make([]float64, shape.Size())
	for ii := range values {
		values[ii] = value
	}
	return tensors.FromFloat64s(shape.DType, values, shape.Dimensions...)
}

// Normal returns an initializer that generates random normal values with the given standard deviation
// and mean set to 0.
//
// Non-float numbers are initialized to 0 instead.
func Normal(src *Source, stddev float64) VariableInitializer {
	return func(shape shapes.Shape) *tensors.Tensor {
		if !shape.DType.IsFloat() {
			return Zero(shape)
		}
		values := src.fill(shape.Size(), func(rng *rand.Rand) float64 { return rng.NormFloat64() * stddev })
		return tensors.FromFloat64s(shape.DType, values, shape.Dimensions...)
	}
}

// Uniform returns an initializer that generates random uniform values from [min, max).
//
// Non-float variables are initialized with zero instead.
func Uniform(src *Source, minValue, maxValue float64) VariableInitializer {
	return func(shape shapes.Shape) *tensors.Tensor {
		if !shape.DType.IsFloat() {
			return Zero(shape)
		}
		values := src.fill(shape.Size(), func(rng *rand.Rand) float64 {
			return minValue + rng.Float64()*(maxValue-minValue)
		})
		return tensors.FromFloat64s(shape.DType, values, shape.Dimensions...)
	}
}

// GlorotUniform returns a Glorot uniform initializer, also called Xavier uniform initializer.
//
// It draws samples from a uniform distribution within `[-limit, limit]`, where
// `limit = sqrt(3 / ((fan_in + fan_out)/2))` (`fan_in` is the number of input units in
// the weight tensor and fan_out is the number of output units).
//
// It assumes the variables are either biases, dense weights or convolution kernels shaped
// `[kernelHeight, kernelWidth, inputChannels, outputChannels]`.
//
// It initializes biases (anything with rank <= 1) to zeros.
func GlorotUniform(src *Source) VariableInitializer {
	return func(shape shapes.Shape) *tensors.Tensor {
		if !shape.DType.IsFloat() || shape.Rank() <= 1 {
			return Zero(shape)
		}
		fanIn, fanOut := computeFanInFanOut(shape)
		scale := max(1.0, float64(fanIn+fanOut)/2.0)
		limit := math.Sqrt(3.0 / scale)
		return Uniform(src, -limit, limit)(shape)
	}
}

// He returns the initializer that tries to preserve the variance of 1, calculated for the Relu activation functions.
//
// It initializes biases (anything with rank <= 1) to zeros.
//
// [1] https://arxiv.org/pdf/1502.01852
func He(src *Source) VariableInitializer {
	return func(shape shapes.Shape) *tensors.Tensor {
		if !shape.DType.IsFloat() || shape.Rank() <= 1 {
			return Zero(shape)
		}
		fanIn, _ := computeFanInFanOut(shape)
		stddev := math.Sqrt(2.0 / max(1.0, float64(fanIn)))
		return Normal(src, stddev)(shape)
	}
}

// computeFanInFanOut of a variable expected to be the parameters of
// either a dense layer or a convolution.
func computeFanInFanOut(shape shapes.Shape) (fanIn, fanOut int) {
	rank := shape.Rank()
	switch rank {
	case 0: // Scalar.
		fanIn = 1
		fanOut = fanIn
	case 1: // 1D shape, like a bias term in a dense layer.
		fanIn = 0
		fanOut = fanIn
	case 2: // 2D shape, weights of a dense layer.
		fanIn = shape.Dimensions[0]
		fanOut = shape.Dimensions[1]
	default: // Assuming convolution kernels (2D, 3D, or more):
		receptiveFieldSize := 1
		for _, dim := range shape.Dimensions[:rank-2] {
			receptiveFieldSize *= dim
		}
		fanIn = shape.Dimensions[rank-2] * receptiveFieldSize
		fanOut = shape.Dimensions[rank-1] * receptiveFieldSize
	}
	return
}

// FromContext returns the initializer named by the ParamDefault hyperparameter (default "glorot_uniform"),
// using a Source seeded from ParamInitialSeed. Unknown names panic.
func FromContext(ctx *context.Context) VariableInitializer {
	src := SourceFromContext(ctx)
	name := context.GetParamOr(ctx, ParamDefault, "glorot_uniform")
	switch name {
	case "zero", "zeros":
		return Zero
	case "normal":
		return Normal(src, context.GetParamOr(ctx, "initializer_stddev", 0.05))
	case "uniform":
		limit := context.GetParamOr(ctx, "initializer_limit", 0.05)
		return Uniform(src, -limit, limit)
	case "glorot_uniform", "xavier_uniform":
		return GlorotUniform(src)
	case "he":
		return He(src)
	}
	exceptions.Panicf("unknown initializer %q (from hyperparameter %q), valid values are \"zero\", \"normal\", "+
		"\"uniform\", \"glorot_uniform\" and \"he\"", name, ParamDefault)
	return nil
}
