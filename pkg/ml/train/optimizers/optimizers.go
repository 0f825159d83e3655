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

// Package optimizers implements a collection of ML optimizers, learning rate schedules and moving averages
// used by the train.UpdateEngine. Optimizers implement optimizers.Interface.
package optimizers

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/towers/pkg/core/tensors"
	"github.com/gomlx/towers/pkg/ml/context"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"gonum.org/v1/gonum/floats"
)

// Interface implemented by optimizer implementations.
//
// Optimizers are used in two phases: Build is called once (before training starts) with the trainable
// variables, and creates any slot variables the optimizer needs (e.g. momentum accumulators) in the context.
// Update is called once per training step, inside a context.Store transaction, with the aggregated gradients.
type Interface interface {
	// Name of the optimizer, as in KnownOptimizers.
	Name() string

	// Build creates the optimizer slot variables for the given trainable variables. Slot variables are
	// created under the Scope reserved for optimizers, and are not trainable.
	//
	// It can be called more than once with the same variables (e.g. after a restore): existing slots are reused.
	Build(ctx *context.Context, trainable []*context.Variable) error

	// Update applies one optimizer step to every parameter with a gradient in gradients (keyed by parameter name),
	// writing the new values (parameters and slots) in tx.
	//
	// Published tensors are never changed in place: new tensors are Set in the transaction.
	Update(tx *context.Tx, gradients map[string]*tensors.Tensor, learningRate float64) error
}

var (
	// KnownOptimizers is a map of known optimizers by name to their default constructors.
	// This provides an easy quick start point. One can hyperparameter-tune the optimizers
	// for usually slightly better results.
	KnownOptimizers = map[string]func(ctx *context.Context) Interface{
		"sgd": func(ctx *context.Context) Interface { return SGD().FromContext(ctx).Done() },
		"momentum": func(ctx *context.Context) Interface {
			return SGD().FromContext(ctx).WithMomentum(context.GetParamOr(ctx, ParamMomentum, 0.9)).Done()
		},
		"adam": func(ctx *context.Context) Interface { return Adam().FromContext(ctx).Done() },
	}

	// ParamOptimizer is the context parameter with the name of the optimizer.
	// The default value is "sgd", and the valid values are "sgd", "momentum" and "adam".
	ParamOptimizer = "optimizer"

	// ParamLearningRate is the context parameter name for the initial value of learning rate.
	ParamLearningRate = "learning_rate"

	// ParamLearningRateDecayFactor is the multiplicative factor applied to the learning rate at every decay
	// boundary of the ExponentialDecay schedule. Default is 0.1.
	ParamLearningRateDecayFactor = "learning_rate_decay_factor"

	// ParamEpochsPerDecay is the number of epochs between learning rate decays. Default is 350.
	ParamEpochsPerDecay = "num_epochs_per_decay"

	// ParamMomentum is the momentum used by the "momentum" optimizer. Default is 0.9.
	ParamMomentum = "momentum"

	// ParamClipStepByValue is a scalar value used to clip each value of the gradient step, after
	// being scaled by the learning rate and the optimizer.
	// The step applied will be `Clip(step, -clip_step_by_value, +clip_step_by_value)`.
	// Defaults to no clipping, and values are expected to be float64.
	ParamClipStepByValue = "clip_step_by_value"
)

const (
	// GlobalStepVariableName as stored in context.Context, in the Scope reserved for optimizers.
	GlobalStepVariableName = "global_step"

	// LearningRateVariableName of the variable holding the learning rate used in the last update.
	LearningRateVariableName = "learning_rate"

	// Scope reserved for optimizers.
	Scope = "optimizers"
)

var (
	// GlobalStepParameterName is the parameter name (scope+name) of the global step variable.
	GlobalStepParameterName = context.JoinScope(context.ScopeSeparator+Scope, GlobalStepVariableName)

	// LearningRateParameterName is the parameter name (scope+name) of the learning rate variable.
	LearningRateParameterName = context.JoinScope(context.ScopeSeparator+Scope, LearningRateVariableName)
)

// FromContext creates an optimizer from context hyperparameters.
// See [ParamOptimizer]. The default is "sgd".
func FromContext(ctx *context.Context) Interface {
	optName := context.GetParamOr(ctx, ParamOptimizer, "sgd")
	return ByName(ctx, optName)
}

// ByName returns an optimizer given the name, or panics if one does not exist.
// It uses KnownOptimizers -- in case one wants to better handle invalid values.
//
// Some optimizers (e.g.: Adam) uses optional hyperparameters set in the context for configuration.
//
// Example usage:
//
//	var flagOptimizer = flag.String("optimizer", "sgd", fmt.Sprintf("Optimizer, options: %q", maps.Keys(optimizers.KnownOptimizers)))
//	...
//	opt := optimizers.ByName(ctx, *flagOptimizer)
func ByName(ctx *context.Context, optName string) Interface {
	optBuilder, found := KnownOptimizers[optName]
	if !found {
		exceptions.Panicf("Unknown optimizer %q, valid values are %v.", optName, maps.Keys(KnownOptimizers))
	}
	return optBuilder(ctx)
}

// GetGlobalStepVar returns the global step counter, a dtypes.Int64 variable in the Scope reserved for optimizers.
// It creates it (initialized with 0) if not already there.
func GetGlobalStepVar(ctx *context.Context) *context.Variable {
	return ctx.InAbsPath(context.ScopeSeparator+Scope).Checked(false).
		VariableWithValue(GlobalStepVariableName, int64(0)).SetTrainable(false)
}

// GetGlobalStep returns the current global step value.
// It creates the global step variable if it does not yet exist.
func GetGlobalStep(ctx *context.Context) int64 {
	return tensors.ToScalar[int64](GetGlobalStepVar(ctx).Value())
}

// SetGlobalStep sets the global step to the given value, e.g. to seed it from a configured starting step.
func SetGlobalStep(ctx *context.Context, step int64) error {
	if step < 0 {
		return errors.Errorf("global step must be >= 0, got %d", step)
	}
	return GetGlobalStepVar(ctx).SetValue(tensors.FromScalar(step))
}

// ReadGlobalStep reads the global step from the given reader (a Snapshot, a View or a Tx).
func ReadGlobalStep(reader context.Reader) (int64, error) {
	value, found := reader.Get(GlobalStepParameterName)
	if !found {
		return 0, errors.Errorf("global step variable %q not found", GlobalStepParameterName)
	}
	if !value.IsScalar() {
		return 0, errors.Errorf("global step variable %q must be a scalar, got shape %s", GlobalStepParameterName, value.Shape())
	}
	return tensors.ToScalar[int64](value), nil
}

// IncrementGlobalStep increments the global step in the transaction, and returns its new value.
func IncrementGlobalStep(tx *context.Tx) (int64, error) {
	step, err := ReadGlobalStep(tx)
	if err != nil {
		return 0, err
	}
	step++
	if err := tx.Set(GlobalStepParameterName, tensors.FromScalar(step)); err != nil {
		return 0, err
	}
	return step, nil
}

// LearningRateVar returns the learning rate variable -- a scalar float64 holding the learning rate of the
// last update, used for diagnostics and persisted with checkpoints.
//
// If the variable doesn't exist yet, it is initialized with initialValue.
func LearningRateVar(ctx *context.Context, initialValue float64) *context.Variable {
	ctx = ctx.InAbsPath(context.ScopeSeparator + Scope).Checked(false)
	return ctx.VariableWithValue(LearningRateVariableName, initialValue).SetTrainable(false)
}

// slotName returns the parameter name of an optimizer slot variable of the given trainable parameter.
func slotName(optimizerScope, parameterName, slot string) string {
	return context.JoinScope(context.ScopeSeparator+Scope+context.ScopeSeparator+optimizerScope+parameterName, slot)
}

// createSlot creates (or reuses) a zero-initialized slot variable with the same shape as the trainable variable.
func createSlot(ctx *context.Context, optimizerScope string, v *context.Variable, slot string) string {
	name := slotName(optimizerScope, v.ParameterName(), slot)
	scope, base := context.SplitScope(name)
	ctx.InAbsPath(scope).Checked(false).WithInitializer(tensors.FromShape).
		VariableWithShape(base, v.Shape()).SetTrainable(false)
	return name
}

// valueAndGradient returns a float64 copy of the parameter value and the gradient, checking that they match.
func valueAndGradient(tx *context.Tx, name string, gradient *tensors.Tensor) (current *tensors.Tensor, values, grad []float64, err error) {
	current, found := tx.Get(name)
	if !found {
		return nil, nil, nil, errors.Errorf("optimizer update for unknown variable %q", name)
	}
	if !current.Shape().EqualDimensions(gradient.Shape()) {
		return nil, nil, nil, errors.Errorf("gradient for variable %q has shape %s, but variable has shape %s",
			name, gradient.Shape(), current.Shape())
	}
	return current, current.Float64s(), gradient.Float64s(), nil
}

// readSlot returns a float64 copy of a slot variable.
func readSlot(tx *context.Tx, name string) ([]float64, error) {
	slot, found := tx.Get(name)
	if !found {
		return nil, errors.Errorf("optimizer slot %q not found, was the optimizer built (Interface.Build) for this variable?", name)
	}
	return slot.Float64s(), nil
}

// setFloat64s sets the variable in the transaction with the values converted to the dtype and shape of like.
func setFloat64s(tx *context.Tx, name string, like *tensors.Tensor, values []float64) error {
	return tx.Set(name, tensors.FromFloat64s(like.DType(), values, like.Shape().Dimensions...))
}

// clipStep clips each value of step to [-clip, +clip], if clip > 0.
func clipStep(step []float64, clip float64) {
	if clip <= 0 {
		return
	}
	for ii, v := range step {
		step[ii] = math.Max(-clip, math.Min(clip, v))
	}
}

// SGDConfig implements a Stochastic Gradient Descent optimizer, optionally with momentum.
type SGDConfig struct {
	momentum float64
	nesterov bool
	clip     float64

	// slots maps the trainable parameter name to its momentum accumulator.
	slots map[string]string
}

// SGD creates an optimizer that performs (mini-batch) stochastic gradient descent:
// `param -= learning_rate * gradient`.
//
// Use WithMomentum to add momentum. The learning rate is given by the schedule of the update engine at each step.
func SGD() *SGDConfig {
	return &SGDConfig{slots: make(map[string]string)}
}

// FromContext configures the optimizer from the context hyperparameters (ParamClipStepByValue).
func (sgd *SGDConfig) FromContext(ctx *context.Context) *SGDConfig {
	sgd.clip = context.GetParamOr(ctx, ParamClipStepByValue, 0.0)
	return sgd
}

// WithMomentum sets the momentum: an accumulator is kept per variable, `accum = momentum * accum + gradient`, and
// the step taken is `param -= learning_rate * accum`. A value of 0 (the default) disables momentum.
//
// It returns itself to allow chaining.
func (sgd *SGDConfig) WithMomentum(momentum float64) *SGDConfig {
	if momentum < 0 || momentum >= 1 {
		exceptions.Panicf("SGD momentum must be in [0, 1), got %g", momentum)
	}
	sgd.momentum = momentum
	return sgd
}

// WithNesterov enables Nesterov momentum: `param -= learning_rate * (gradient + momentum * accum)`.
// Only used if momentum is set.
func (sgd *SGDConfig) WithNesterov(enabled bool) *SGDConfig {
	sgd.nesterov = enabled
	return sgd
}

// Done returns an optimizer.Interface.
// It's a no-op since SGDConfig is itself implements optimizer.Interface, but it keeps it consistent with
// the builder pattern, and the returned Interface is no longer configurable.
func (sgd *SGDConfig) Done() Interface {
	return sgd
}

// Name implements optimizers.Interface.
func (sgd *SGDConfig) Name() string {
	if sgd.momentum > 0 {
		return "momentum"
	}
	return "sgd"
}

// Build implements optimizers.Interface.
// Only with momentum it creates slot variables.
func (sgd *SGDConfig) Build(ctx *context.Context, trainable []*context.Variable) error {
	if sgd.momentum == 0 {
		return nil
	}
	for _, v := range trainable {
		sgd.slots[v.ParameterName()] = createSlot(ctx, "momentum", v, "accumulator")
	}
	return nil
}

// Update implements optimizers.Interface.
func (sgd *SGDConfig) Update(tx *context.Tx, gradients map[string]*tensors.Tensor, learningRate float64) error {
	for name, gradient := range gradients {
		current, values, grad, err := valueAndGradient(tx, name, gradient)
		if err != nil {
			return err
		}
		step := grad
		if sgd.momentum > 0 {
			accumName, found := sgd.slots[name]
			if !found {
				return errors.Errorf("momentum accumulator for variable %q not built", name)
			}
			accum, err := readSlot(tx, accumName)
			if err != nil {
				return err
			}
			floats.Scale(sgd.momentum, accum)
			floats.Add(accum, grad)
			if err := setFloat64s(tx, accumName, current, accum); err != nil {
				return err
			}
			if sgd.nesterov {
				floats.AddScaled(step, sgd.momentum, accum)
			} else {
				step = accum
			}
		}
		floats.Scale(learningRate, step)
		clipStep(step, sgd.clip)
		floats.Sub(values, step)
		if err := setFloat64s(tx, name, current, values); err != nil {
			return err
		}
	}
	return nil
}
