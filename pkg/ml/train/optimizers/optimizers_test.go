/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package optimizers

import (
	"math"
	"testing"

	"github.com/gomlx/towers/pkg/core/tensors"
	"github.com/gomlx/towers/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// applyOnce runs one optimizer update in a store transaction.
func applyOnce(t *testing.T, ctx *context.Context, opt Interface, grads map[string]*tensors.Tensor, lr float64) {
	_, err := ctx.Store().Update(func(tx *context.Tx) error {
		return opt.Update(tx, grads, lr)
	})
	require.NoError(t, err)
}

func TestSGD(t *testing.T) {
	ctx := context.New()
	x := ctx.VariableWithValue("x", 1.0)
	opt := SGD().Done()
	require.NoError(t, opt.Build(ctx, ctx.TrainableVariables()))
	assert.Equal(t, "sgd", opt.Name())
	applyOnce(t, ctx, opt, map[string]*tensors.Tensor{"/x": tensors.FromScalar(3.0)}, 0.1)
	assert.InDelta(t, 0.7, tensors.ToScalar[float64](x.Value()), 1e-12)

	// Gradients with wrong shape are rejected, and nothing is published.
	generation := ctx.Store().Generation()
	_, err := ctx.Store().Update(func(tx *context.Tx) error {
		return opt.Update(tx, map[string]*tensors.Tensor{"/x": tensors.FromScalarAndDimensions(1.0, 2)}, 0.1)
	})
	require.Error(t, err)
	assert.Equal(t, generation, ctx.Store().Generation())
}

func TestSGDClipStep(t *testing.T) {
	ctx := context.New()
	ctx.SetParam(ParamClipStepByValue, 0.05)
	x := ctx.VariableWithValue("x", tensors.FromFlatDataAndDimensions([]float64{1, 1}, 2))
	opt := SGD().FromContext(ctx).Done()
	require.NoError(t, opt.Build(ctx, ctx.TrainableVariables()))
	applyOnce(t, ctx, opt, map[string]*tensors.Tensor{"/x": tensors.FromFlatDataAndDimensions([]float64{10, 0.1}, 2)}, 0.1)
	got := tensors.CopyFlatData[float64](x.Value())
	assert.InDelta(t, 0.95, got[0], 1e-12)
	assert.InDelta(t, 0.99, got[1], 1e-12)
}

func TestMomentum(t *testing.T) {
	ctx := context.New()
	x := ctx.VariableWithValue("x", 1.0)
	opt := SGD().WithMomentum(0.5).Done()
	require.NoError(t, opt.Build(ctx, ctx.TrainableVariables()))
	assert.Equal(t, "momentum", opt.Name())
	grads := map[string]*tensors.Tensor{"/x": tensors.FromScalar(1.0)}
	applyOnce(t, ctx, opt, grads, 0.1) // accum=1, x=1-0.1
	applyOnce(t, ctx, opt, grads, 0.1) // accum=1.5, x=0.9-0.15
	assert.InDelta(t, 0.75, tensors.ToScalar[float64](x.Value()), 1e-12)
	accum := ctx.GetVariableByParameterName("/optimizers/momentum/x/accumulator")
	require.NotNil(t, accum)
	assert.False(t, accum.Trainable)
	assert.InDelta(t, 1.5, tensors.ToScalar[float64](accum.Value()), 1e-12)
}

func TestAdam(t *testing.T) {
	ctx := context.New()
	x := ctx.VariableWithValue("x", 1.0)
	opt := Adam().Done()
	require.NoError(t, opt.Build(ctx, ctx.TrainableVariables()))
	// First Adam step moves each coordinate by ~learning rate, in the opposite direction of the gradient.
	applyOnce(t, ctx, opt, map[string]*tensors.Tensor{"/x": tensors.FromScalar(123.0)}, 0.01)
	assert.InDelta(t, 0.99, tensors.ToScalar[float64](x.Value()), 1e-6)
	step := ctx.GetVariableByParameterName("/optimizers/adam/step")
	require.NotNil(t, step)
	assert.Equal(t, int64(1), tensors.ToScalar[int64](step.Value()))
}

func TestByName(t *testing.T) {
	ctx := context.New()
	assert.Equal(t, "sgd", FromContext(ctx).Name())
	ctx.SetParam(ParamOptimizer, "adam")
	assert.Equal(t, "adam", FromContext(ctx).Name())
	assert.Equal(t, "momentum", ByName(ctx, "momentum").Name())
	require.Panics(t, func() { ByName(ctx, "unknown") })
}

func TestGlobalStep(t *testing.T) {
	ctx := context.New()
	assert.Equal(t, int64(0), GetGlobalStep(ctx))
	require.NoError(t, SetGlobalStep(ctx, 7))
	assert.Equal(t, "/optimizers/global_step", GetGlobalStepVar(ctx).ParameterName())
	for range 3 {
		_, err := ctx.Store().Update(func(tx *context.Tx) error {
			_, err := IncrementGlobalStep(tx)
			return err
		})
		require.NoError(t, err)
	}
	assert.Equal(t, int64(10), GetGlobalStep(ctx))
	step, err := ReadGlobalStep(ctx.Store().Pin())
	require.NoError(t, err)
	assert.Equal(t, int64(10), step)
	require.Error(t, SetGlobalStep(ctx, -1))

	_, err = ReadGlobalStep(context.NewStore().Pin())
	require.Error(t, err)
}

func TestMovingAverage(t *testing.T) {
	ctx := context.New()
	x := ctx.VariableWithValue("x", 0.0)
	ema := MovingAverage(0.9).Done()
	require.NoError(t, ema.Build(ctx, ctx.TrainableVariables()))
	shadow := ctx.GetVariableByParameterName("/x/moving_average")
	require.NotNil(t, shadow)
	assert.False(t, shadow.Trainable)
	assert.Equal(t, []string{"/x"}, ema.Names())

	// Hold the live value constant: shadow converges to it.
	require.NoError(t, x.SetValue(tensors.FromScalar(2.0)))
	for step := range int64(300) {
		_, err := ctx.Store().Update(func(tx *context.Tx) error { return ema.Update(tx, step) })
		require.NoError(t, err)
	}
	assert.InDelta(t, 2.0, tensors.ToScalar[float64](shadow.Value()), 1e-9)

	// One update: 0.9*2 + 0.1*4.
	require.NoError(t, x.SetValue(tensors.FromScalar(4.0)))
	_, err := ctx.Store().Update(func(tx *context.Tx) error { return ema.Update(tx, 1000) })
	require.NoError(t, err)
	assert.InDelta(t, 2.2, tensors.ToScalar[float64](shadow.Value()), 1e-9)

	require.Panics(t, func() { MovingAverage(1.0).Done() })
}

func TestMovingAverageNumUpdates(t *testing.T) {
	ema := MovingAverage(0.999).WithNumUpdates(true).Done()
	assert.InDelta(t, 0.1, ema.Decay(0), 1e-12)
	assert.InDelta(t, 11.0/20.0, ema.Decay(10), 1e-12)
	assert.InDelta(t, 0.999, ema.Decay(1_000_000), 1e-12)
	assert.InDelta(t, 0.999, MovingAverage(0.999).Done().Decay(0), 1e-12)

	ctx := context.New()
	assert.NotNil(t, MovingAverageFromContext(ctx))
	ctx.SetParam(ParamMovingAverageDecay, 0.0)
	assert.Nil(t, MovingAverageFromContext(ctx))
}

func TestStaircaseSchedule(t *testing.T) {
	// 50000 examples, batch 128 -> 390.625 batches per epoch; 2 epochs per decay -> 781 steps.
	schedule := ExponentialDecay().Initial(0.1).DecayFactor(0.1).FromEpochs(50000, 128, 2).Done()
	assert.InDelta(t, 0.1, schedule.LearningRate(0), 1e-12)
	assert.InDelta(t, 0.1, schedule.LearningRate(780), 1e-12)
	assert.InDelta(t, 0.01, schedule.LearningRate(781), 1e-12)
	assert.InDelta(t, 0.01, schedule.LearningRate(1561), 1e-12)
	assert.InDelta(t, 0.001, schedule.LearningRate(1562), 1e-12)

	continuous := ExponentialDecay().Initial(1).DecayFactor(0.5).DecaySteps(10).Staircase(false).Done()
	assert.InDelta(t, math.Pow(0.5, 0.5), continuous.LearningRate(5), 1e-12)
	require.Panics(t, func() { ExponentialDecay().Done() })
}

func TestScheduleFromContext(t *testing.T) {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamLearningRate:            0.2,
		ParamLearningRateDecayFactor: 0.5,
		ParamEpochsPerDecay:          1.0,
	})
	schedule := ScheduleFromContext(ctx, 1000, 100)
	assert.InDelta(t, 0.2, schedule.LearningRate(9), 1e-12)
	assert.InDelta(t, 0.1, schedule.LearningRate(10), 1e-12)

	ctx.SetParam(ParamLearningRateSchedule, "constant")
	assert.InDelta(t, 0.2, ScheduleFromContext(ctx, 1000, 100).LearningRate(1e6), 1e-12)
	ctx.SetParam(ParamLearningRateSchedule, "bogus")
	require.Panics(t, func() { ScheduleFromContext(ctx, 1000, 100) })
}

func TestCosineAnnealingSchedule(t *testing.T) {
	const periodInSteps = 100
	const minLearningRate = 0.001
	const baseLearningRate = 1.0
	schedule := CosineAnnealing().
		PeriodInSteps(periodInSteps).
		LearningRate(baseLearningRate).
		MinLearningRate(minLearningRate).
		Done()
	for step := range int64(2 * periodInSteps) {
		cycle := float64(step%periodInSteps) / periodInSteps
		want := minLearningRate + (baseLearningRate-minLearningRate)*(math.Cos(cycle*math.Pi)+1)/2
		require.InDeltaf(t, want, schedule.LearningRate(step), 1e-9, "step %d", step)
	}

	// Warm-up and period as a fraction of training.
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamLearningRate:      0.5,
		ParamCosinePeriodSteps: -1,
		ParamCosineWarmUpSteps: 10,
		ParamTrainSteps:        110,
	})
	schedule = CosineAnnealing().FromContext(ctx).Done()
	assert.InDelta(t, 0.0, schedule.LearningRate(0), 1e-12)
	assert.InDelta(t, 0.25, schedule.LearningRate(5), 1e-12)
	assert.InDelta(t, 0.5, schedule.LearningRate(10), 1e-12)
	assert.InDelta(t, 0.25, schedule.LearningRate(10+55), 1e-12)

	require.Panics(t, func() { CosineAnnealing().PeriodInSteps(-1).Done() })
}

func TestShadowReader(t *testing.T) {
	ctx := context.New()
	ctx.VariableWithValue("x", 1.0)
	ctx.VariableWithValue("y", 7.0).SetTrainable(false)
	require.NoError(t, MovingAverage(0.5).Done().Build(ctx, ctx.TrainableVariables()))
	require.NoError(t, ctx.GetVariableByParameterName("/x/moving_average").SetValue(tensors.FromScalar(3.0)))

	reader := ShadowReader{Base: ctx.Store().Pin()}
	x, found := reader.Get("/x")
	require.True(t, found)
	assert.Equal(t, 3.0, tensors.ToScalar[float64](x))
	y, found := reader.Get("/y")
	require.True(t, found)
	assert.Equal(t, 7.0, tensors.ToScalar[float64](y))
	_, found = reader.Get("/z")
	assert.False(t, found)
}
