// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cnn

import (
	"math"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/towers/pkg/core/tensors"
	"github.com/gomlx/towers/pkg/ml/context"
	"github.com/gomlx/towers/pkg/ml/context/initializers"
	"github.com/gomlx/towers/pkg/ml/data"
	"github.com/gomlx/towers/pkg/ml/train"
	"github.com/gomlx/towers/pkg/ml/train/optimizers"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// overrideReader reads from a base reader, except for the overridden values.
type overrideReader struct {
	base      context.Reader
	overrides map[string]*tensors.Tensor
}

func (r *overrideReader) Get(name string) (*tensors.Tensor, bool) {
	if t, found := r.overrides[name]; found {
		return t, true
	}
	return r.base.Get(name)
}

// buildSmallModel creates a model with float64 variables for images [4, 6, 2] and 3 classes.
func buildSmallModel(t *testing.T, weightDecay float64) (*context.Context, *Model) {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamConvChannels:             []int{3, 4},
		ParamWeightDecay:              weightDecay,
		ParamDType:                    "float64",
		initializers.ParamInitialSeed: int64(17),
	})
	model, err := New(ctx, []int{4, 6, 2}, 3)
	require.NoError(t, err)
	require.NoError(t, model.Build(ctx))
	return ctx, model
}

func randomBatch(batchSize int, seed uint64) (images, labels *tensors.Tensor) {
	rng := rand.New(rand.NewPCG(seed, seed))
	imageValues := make([]float64, batchSize*4*6*2)
	for ii := range imageValues {
		imageValues[ii] = rng.NormFloat64()
	}
	labelValues := make([]int64, batchSize)
	for ii := range labelValues {
		labelValues[ii] = int64(rng.IntN(3))
	}
	return tensors.FromFlatDataAndDimensions(imageValues, batchSize, 4, 6, 2),
		tensors.FromFlatDataAndDimensions(labelValues, batchSize)
}

func TestVariables(t *testing.T) {
	ctx, model := buildSmallModel(t, 0)
	assert.Equal(t, "cnn[3 4]", model.Name())
	var names []string
	for v := range ctx.IterVariables() {
		names = append(names, v.ParameterName())
		assert.Equal(t, dtypes.Float64, v.DType())
	}
	assert.Equal(t, []string{
		"/cnn/features/conv_0/weights", "/cnn/features/conv_0/biases",
		"/cnn/features/conv_1/weights", "/cnn/features/conv_1/biases",
		"/cnn/logits/weights", "/cnn/logits/biases",
	}, names)
	// 4x6 -> 2x3 -> 1x1, with 4 channels.
	assert.Equal(t, []int{4, 3}, ctx.GetVariableByParameterName(LogitsWeightsName).Shape().Dimensions)
	assert.Equal(t, []int{3, 3, 3, 4}, ctx.GetVariableByParameterName(ConvWeightsName(1)).Shape().Dimensions)
	for _, v := range tensors.CopyFlatData[float64](ctx.GetVariableByParameterName(ConvBiasesName(0)).Value()) {
		assert.Equal(t, 0.0, v)
	}
	assert.True(t, context.InScope(ConvWeightsName(0), "/cnn/features"))
	assert.False(t, context.InScope(LogitsWeightsName, "/cnn/features"))

	_, err := New(ctx, []int{1, 1, 3}, 3)
	require.Error(t, err, "too small for pooling")
	_, err = New(ctx, []int{32, 32, 3}, 1)
	require.Error(t, err)
}

// TestGradients compares the analytic gradients with central finite differences.
func TestGradients(t *testing.T) {
	ctx, model := buildSmallModel(t, 0.01)
	images, labels := randomBatch(5, 3)
	snapshot := ctx.Store().Pin()
	inputs, labelsList := []*tensors.Tensor{images}, []*tensors.Tensor{labels}

	output, err := model.Forward(snapshot, inputs, labelsList, true)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 3}, output.Logits.Shape().Dimensions)
	assert.InDelta(t, output.Loss, output.LossTerms[LossCrossEntropy]+output.LossTerms[LossWeightDecay], 1e-12)
	assert.Greater(t, output.LossTerms[LossWeightDecay], 0.0)
	require.Len(t, output.Gradients, 6)

	const epsilon = 1e-6
	lossWith := func(name string, values []float64, shape []int) float64 {
		reader := &overrideReader{base: snapshot, overrides: map[string]*tensors.Tensor{
			name: tensors.FromFlatDataAndDimensions(values, shape...),
		}}
		out, err := model.Forward(reader, inputs, labelsList, false)
		require.NoError(t, err)
		return out.Loss
	}
	for name, grad := range output.Gradients {
		value, found := snapshot.Get(name)
		require.True(t, found, name)
		values := tensors.CopyFlatData[float64](value)
		analytic := tensors.CopyFlatData[float64](grad)
		require.Len(t, analytic, len(values))
		// Check a few positions of each parameter.
		for _, ii := range []int{0, len(values) / 2, len(values) - 1} {
			perturbed := slices.Clone(values)
			perturbed[ii] = values[ii] + epsilon
			lossPlus := lossWith(name, perturbed, value.Shape().Dimensions)
			perturbed[ii] = values[ii] - epsilon
			lossMinus := lossWith(name, perturbed, value.Shape().Dimensions)
			numeric := (lossPlus - lossMinus) / (2 * epsilon)
			assert.InDelta(t, numeric, analytic[ii], 1e-5+1e-4*math.Abs(numeric),
				"gradient of %q at position %d", name, ii)
		}
	}
}

func TestForwardWithoutTraining(t *testing.T) {
	ctx, model := buildSmallModel(t, 0)
	images, labels := randomBatch(2, 5)
	output, err := model.Forward(ctx.Store().Pin(), []*tensors.Tensor{images}, []*tensors.Tensor{labels}, false)
	require.NoError(t, err)
	assert.Nil(t, output.Gradients)
	assert.Greater(t, output.Loss, 0.0)
	assert.Equal(t, 0.0, output.LossTerms[LossWeightDecay])

	// Only logits.
	output, err = model.Forward(ctx.Store().Pin(), []*tensors.Tensor{images}, nil, false)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, output.Logits.Shape().Dimensions)
	assert.Nil(t, output.LossTerms)
}

func TestForwardErrors(t *testing.T) {
	ctx, model := buildSmallModel(t, 0)
	snapshot := ctx.Store().Pin()
	images, _ := randomBatch(2, 5)

	_, err := model.Forward(snapshot, []*tensors.Tensor{images},
		[]*tensors.Tensor{tensors.FromFlatDataAndDimensions([]int64{0, 3}, 2)}, true)
	require.Error(t, err, "label out of range")

	_, err = model.Forward(snapshot, []*tensors.Tensor{tensors.FromScalarAndDimensions(0.0, 2, 5, 6, 2)}, nil, true)
	require.Error(t, err, "wrong image size")

	_, err = model.Forward(context.NewStore().Pin(), []*tensors.Tensor{images}, nil, true)
	require.Error(t, err, "missing parameters")
}

// TestTrainSynthetic trains the model with 2 replicas on a separable synthetic dataset.
func TestTrainSynthetic(t *testing.T) {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamConvChannels:             []int{4},
		initializers.ParamInitialSeed: int64(1),
	})
	images, labels := data.Synthetic(3, []int{8, 8, 3}, 96, 7)
	ds := must.M1(data.InMemory("synthetic", images, labels)).BatchSize(8).Shuffle(3)
	model := must.M1(New(ctx, []int{8, 8, 3}, 3))
	require.NoError(t, model.Build(ctx))
	engine, err := train.NewUpdateEngine(ctx, optimizers.Constant(0.05), optimizers.SGD().Done(), nil)
	require.NoError(t, err)

	config := train.DefaultConfig()
	config.NumReplicas = 2
	config.StartStep = 0
	config.MaxSteps = 100
	config.TopK = 1
	config.ProgressEvery, config.DiagnosticsEvery, config.CheckpointEvery = 0, 0, 0
	loop, err := train.NewLoop(ctx, model, ds, engine, config)
	require.NoError(t, err)
	var losses []float64
	loop.OnStep("losses", 0, func(_ *train.Loop, result *train.StepResult) error {
		losses = append(losses, result.Aggregated.Loss)
		return nil
	})
	last, err := loop.Run()
	require.NoError(t, err)
	require.Len(t, losses, 100)
	assert.Equal(t, int64(100), last.Updated.GlobalStep)
	first := (losses[0] + losses[1] + losses[2]) / 3
	final := (losses[97] + losses[98] + losses[99]) / 3
	assert.Less(t, final, 0.8*first, "losses: %v", losses)
}
