// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/towers/pkg/core/tensors"
	"github.com/gomlx/towers/pkg/ml/context"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

var (
	// ParamMovingAverageDecay is the decay of the exponential moving average of the trainable variables.
	// Default is 0.9999. If set to 0, moving averages are disabled.
	ParamMovingAverageDecay = "moving_average_decay"

	// ParamMovingAverageNumUpdates enables the use of the global step to lower the decay at the start of
	// training, see MovingAverageConfig.WithNumUpdates. Default is true.
	ParamMovingAverageNumUpdates = "moving_average_num_updates"
)

// MovingAverageVariableName is the name of the shadow variable, created in a scope named after the
// trainable variable's parameter name. E.g.: "/cnn/logits/weights/moving_average".
const MovingAverageVariableName = "moving_average"

// MovingAverageConfig is created by MovingAverage, and once configured Done returns the ExponentialMovingAverage.
type MovingAverageConfig struct {
	decay      float64
	numUpdates bool
}

// MovingAverage creates a configuration for an exponential moving average (shadow) of the trainable variables:
//
//	shadow = decay * shadow + (1 - decay) * value
//
// Shadows are initialized with the value of the variable when built, and they are not trainable.
func MovingAverage(decay float64) *MovingAverageConfig {
	return &MovingAverageConfig{decay: decay}
}

// MovingAverageFromContext creates a moving average from the hyperparameters ParamMovingAverageDecay and
// ParamMovingAverageNumUpdates. It returns nil if the decay is 0.
func MovingAverageFromContext(ctx *context.Context) *ExponentialMovingAverage {
	decay := context.GetParamOr(ctx, ParamMovingAverageDecay, 0.9999)
	if decay == 0 {
		return nil
	}
	return MovingAverage(decay).WithNumUpdates(context.GetParamOr(ctx, ParamMovingAverageNumUpdates, true)).Done()
}

// WithNumUpdates makes the decay depend on the global step, lowering it at the start of training:
//
//	decay = min(decay, (1 + step) / (10 + step))
func (c *MovingAverageConfig) WithNumUpdates(enabled bool) *MovingAverageConfig {
	c.numUpdates = enabled
	return c
}

// Done returns the configured ExponentialMovingAverage. It panics if decay is not in (0, 1).
func (c *MovingAverageConfig) Done() *ExponentialMovingAverage {
	if c.decay <= 0 || c.decay >= 1 {
		exceptions.Panicf("moving average decay must be in the range (0, 1), got %g", c.decay)
	}
	return &ExponentialMovingAverage{config: *c, shadows: make(map[string]string)}
}

// ExponentialMovingAverage keeps a shadow copy of each trainable variable.
type ExponentialMovingAverage struct {
	config MovingAverageConfig

	// shadows maps the trainable parameter name to its shadow parameter name.
	shadows map[string]string
	order   []string
}

// ShadowName returns the parameter name of the shadow of the given parameter.
func ShadowName(parameterName string) string {
	return context.JoinScope(parameterName, MovingAverageVariableName)
}

// Build creates the shadow variables, initialized with the current value of the variables.
// Existing shadows (e.g. restored from a checkpoint) are reused.
func (ema *ExponentialMovingAverage) Build(ctx *context.Context, trainable []*context.Variable) error {
	for _, v := range trainable {
		if _, found := ema.shadows[v.ParameterName()]; found {
			continue
		}
		shadowCtx := ctx.InAbsPath(v.ParameterName()).Checked(false)
		shadow := shadowCtx.VariableWithValue(MovingAverageVariableName, v.Value().Clone()).SetTrainable(false)
		ema.shadows[v.ParameterName()] = shadow.ParameterName()
		ema.order = append(ema.order, v.ParameterName())
	}
	return nil
}

// Decay returns the decay used at the given global step.
func (ema *ExponentialMovingAverage) Decay(step int64) float64 {
	decay := ema.config.decay
	if ema.config.numUpdates {
		decay = min(decay, float64(1+step)/float64(10+step))
	}
	return decay
}

// Names returns the parameter names of the variables tracked, in the order they were built.
func (ema *ExponentialMovingAverage) Names() []string {
	return ema.order
}

// Update all shadows toward the current value of their variables in the transaction. It should be called after
// the optimizer update, so it reflects the values of the new step.
func (ema *ExponentialMovingAverage) Update(tx *context.Tx, step int64) error {
	decay := ema.Decay(step)
	for _, name := range ema.order {
		shadowName := ema.shadows[name]
		live, found := tx.Get(name)
		if !found {
			return errors.Errorf("moving average of unknown variable %q", name)
		}
		shadowT, found := tx.Get(shadowName)
		if !found {
			return errors.Errorf("moving average shadow %q not found", shadowName)
		}
		shadow := shadowT.Float64s()
		floats.Scale(decay, shadow)
		floats.AddScaled(shadow, 1-decay, live.Float64s())
		if err := setFloat64s(tx, shadowName, shadowT, shadow); err != nil {
			return err
		}
	}
	return nil
}

// ShadowReader reads the shadow (moving average) of each variable that has one, and the variable itself
// otherwise. It is used to evaluate a model with its averaged parameters.
type ShadowReader struct {
	Base context.Reader
}

// Get implements context.Reader.
func (r ShadowReader) Get(parameterName string) (*tensors.Tensor, bool) {
	if t, found := r.Base.Get(ShadowName(parameterName)); found {
		return t, true
	}
	return r.Base.Get(parameterName)
}
