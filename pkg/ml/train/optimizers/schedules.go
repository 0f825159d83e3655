// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/towers/pkg/ml/context"
	"golang.org/x/exp/maps"
)

// Schedule is a learning rate schedule: a pure function of the global step.
// Implementations must be stateless and deterministic, so the learning rate can be recomputed from the
// global step alone (e.g. after a restore).
type Schedule interface {
	LearningRate(step int64) float64
}

// ScheduleFunc adapts a function to a Schedule.
type ScheduleFunc func(step int64) float64

// LearningRate implements Schedule.
func (fn ScheduleFunc) LearningRate(step int64) float64 { return fn(step) }

// Constant learning rate schedule.
type Constant float64

// LearningRate implements Schedule.
func (c Constant) LearningRate(int64) float64 { return float64(c) }

var (
	// ParamLearningRateSchedule is the context parameter with the name of the learning rate schedule,
	// one of KnownSchedules. Default is "exponential".
	ParamLearningRateSchedule = "learning_rate_schedule"

	// KnownSchedules maps schedule names to their constructors from context hyperparameters.
	// The constructors take the number of examples per epoch and the batch size used per step, used
	// by schedules defined in epochs.
	KnownSchedules = map[string]func(ctx *context.Context, examplesPerEpoch, batchSize int) Schedule{
		"constant": func(ctx *context.Context, _, _ int) Schedule {
			return Constant(context.GetParamOr(ctx, ParamLearningRate, DefaultLearningRate))
		},
		"exponential": func(ctx *context.Context, examplesPerEpoch, batchSize int) Schedule {
			return ExponentialDecay().FromContext(ctx, examplesPerEpoch, batchSize).Done()
		},
		"cosine": func(ctx *context.Context, _, _ int) Schedule {
			return CosineAnnealing().FromContext(ctx).Done()
		},
	}
)

// DefaultLearningRate is used if no learning rate is configured.
const DefaultLearningRate = 0.1

// ScheduleFromContext creates the learning rate schedule configured in the context, see
// ParamLearningRateSchedule.
func ScheduleFromContext(ctx *context.Context, examplesPerEpoch, batchSize int) Schedule {
	name := context.GetParamOr(ctx, ParamLearningRateSchedule, "exponential")
	builder, found := KnownSchedules[name]
	if !found {
		exceptions.Panicf("unknown learning rate schedule %q, valid values are %v", name, maps.Keys(KnownSchedules))
	}
	return builder(ctx, examplesPerEpoch, batchSize)
}

// ExponentialDecayConfig is created by ExponentialDecay and once configured, Done returns the Schedule.
type ExponentialDecayConfig struct {
	initial, factor float64
	decaySteps      int64
	staircase       bool
}

// ExponentialDecay creates a configuration for an exponentially decaying learning rate:
//
//	lr = initial * factor^(step / decaySteps)
//
// With Staircase(true) (the default) `step / decaySteps` is an integer division, and the learning rate
// is piecewise constant, with geometric step-downs every decaySteps.
//
// Defaults: initial=DefaultLearningRate, factor=0.1. The decay steps must be set, either directly
// with DecaySteps or with FromEpochs.
func ExponentialDecay() *ExponentialDecayConfig {
	return &ExponentialDecayConfig{
		initial:    DefaultLearningRate,
		factor:     0.1,
		decaySteps: -1,
		staircase:  true,
	}
}

// FromContext configures the schedule from the hyperparameters ParamLearningRate, ParamLearningRateDecayFactor and
// ParamEpochsPerDecay, with the given epoch size and batch size.
func (c *ExponentialDecayConfig) FromContext(ctx *context.Context, examplesPerEpoch, batchSize int) *ExponentialDecayConfig {
	c.initial = context.GetParamOr(ctx, ParamLearningRate, c.initial)
	c.factor = context.GetParamOr(ctx, ParamLearningRateDecayFactor, c.factor)
	return c.FromEpochs(examplesPerEpoch, batchSize, context.GetParamOr(ctx, ParamEpochsPerDecay, 350.0))
}

// Initial sets the initial learning rate.
func (c *ExponentialDecayConfig) Initial(learningRate float64) *ExponentialDecayConfig {
	c.initial = learningRate
	return c
}

// DecayFactor sets the factor multiplied to the learning rate at every decaySteps.
func (c *ExponentialDecayConfig) DecayFactor(factor float64) *ExponentialDecayConfig {
	c.factor = factor
	return c
}

// DecaySteps sets the number of steps between decays.
func (c *ExponentialDecayConfig) DecaySteps(steps int64) *ExponentialDecayConfig {
	c.decaySteps = steps
	return c
}

// FromEpochs sets the decay steps from the number of epochs per decay:
//
//	decaySteps = int((examplesPerEpoch / batchSize) * epochsPerDecay)
func (c *ExponentialDecayConfig) FromEpochs(examplesPerEpoch, batchSize int, epochsPerDecay float64) *ExponentialDecayConfig {
	if batchSize <= 0 {
		exceptions.Panicf("ExponentialDecay.FromEpochs requires batchSize > 0, got %d", batchSize)
	}
	batchesPerEpoch := float64(examplesPerEpoch) / float64(batchSize)
	c.decaySteps = int64(batchesPerEpoch * epochsPerDecay)
	return c
}

// Staircase sets whether the decay happens in discrete steps (the default) or continuously.
func (c *ExponentialDecayConfig) Staircase(staircase bool) *ExponentialDecayConfig {
	c.staircase = staircase
	return c
}

// Done returns the configured Schedule. It panics if the decay steps were not configured to a positive value.
func (c *ExponentialDecayConfig) Done() Schedule {
	if c.decaySteps <= 0 {
		exceptions.Panicf("ExponentialDecay requires decay steps > 0, got %d -- set it with DecaySteps or FromEpochs",
			c.decaySteps)
	}
	cfg := *c
	return ScheduleFunc(func(step int64) float64 {
		if step < 0 {
			step = 0
		}
		var exponent float64
		if cfg.staircase {
			exponent = float64(step / cfg.decaySteps)
		} else {
			exponent = float64(step) / float64(cfg.decaySteps)
		}
		return cfg.initial * math.Pow(cfg.factor, exponent)
	})
}
