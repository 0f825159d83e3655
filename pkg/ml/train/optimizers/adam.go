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

	"github.com/gomlx/towers/pkg/core/tensors"
	"github.com/gomlx/towers/pkg/ml/context"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

const (
	// AdamDefaultScope is the default scope name (under Scope) for moments and step used by Adam.
	AdamDefaultScope = "adam"

	// ParamAdamEpsilon can be used to configure the default value of epsilon. It must be a float64.
	ParamAdamEpsilon = "adam_epsilon"

	// ParamAdamWeightDecay defaults to 0.0. See AdamConfig.WeightDecay.
	ParamAdamWeightDecay = "adam_weight_decay"

	// ParamAdamBeta1 is the moving average coefficient for the gradient (momentum), the numerator.
	// The default value is 0.9
	ParamAdamBeta1 = "adam_beta1"

	// ParamAdamBeta2 is the moving average coefficient for the variance, the denominator.
	// The default value is 0.999
	ParamAdamBeta2 = "adam_beta2"
)

// Adam optimization is a stochastic gradient descent method based on an adaptive estimation of first-order and
// second-order moments. According to [Kingma et al., 2014](http://arxiv.org/abs/1412.6980),
// the method is "*computationally efficient, has little memory requirement, invariant to diagonal rescaling of
// gradients, and is well suited for problems that are large in terms of data/parameters*".
//
// It returns a configuration object that can be used to set its parameters. Once configured, call AdamConfig.Done,
// and it will return an optimizer.Interface.
//
// See [AdamConfig.FromContext] to configure it from the context hyperparameters.
func Adam() *AdamConfig {
	return &AdamConfig{
		scopeName: AdamDefaultScope,
		beta1:     0.9,
		beta2:     0.999,
		epsilon:   1e-7,
	}
}

// AdamConfig holds the configuration for an Adam configuration, create using Adam(), and once configured
// call Done to create an Adam-based optimizer.Interface.
type AdamConfig struct {
	scopeName    string
	beta1, beta2 float64
	epsilon      float64
	weightDecay  float64 // Works as AdamW.
	clip         float64
}

// FromContext will configure Adam with hyperparameters set in the given context.
// E.g.: "adam_epsilon" (see [ParamAdamEpsilon]) is used to set [AdamConfig.Epsilon].
func (c *AdamConfig) FromContext(ctx *context.Context) *AdamConfig {
	c.Epsilon(context.GetParamOr(ctx, ParamAdamEpsilon, c.epsilon))
	c.WeightDecay(context.GetParamOr(ctx, ParamAdamWeightDecay, 0.0))
	c.beta1 = context.GetParamOr(ctx, ParamAdamBeta1, c.beta1)
	c.beta2 = context.GetParamOr(ctx, ParamAdamBeta2, c.beta2)
	c.clip = context.GetParamOr(ctx, ParamClipStepByValue, 0.0)
	return c
}

// Scope defines the scope (under Scope) to use to store the 1st and 2nd order moments of the gradients and the
// step number used by Adam optimizer.
//
// It defaults to AdamDefaultScope.
func (c *AdamConfig) Scope(name string) *AdamConfig {
	c.scopeName = name
	return c
}

// Betas set the two moving averages constants (exponential decays). They default to 0.9 and 0.999.
//
// The first is for the gradient momentum (the numerator of the step taken), and the second
// is for the variance of the gradients (denominator).
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// WeightDecay configure optimizer to work as AdamW, with the given static weight decay.
// This is because L2 regularization doesn't work well with Adam.
func (c *AdamConfig) WeightDecay(weightDecay float64) *AdamConfig {
	c.weightDecay = weightDecay
	return c
}

// Done will finish the configuration and construct an optimizer.Interface that implements Adam to specification.
func (c *AdamConfig) Done() Interface {
	return &adam{config: c, moments: make(map[string][2]string)}
}

// adam implements the Adam algorithm as an optimizer.Interface.
type adam struct {
	config *AdamConfig

	// moments maps the trainable parameter name to its 1st and 2nd moments slots.
	moments  map[string][2]string
	stepName string
}

// Name implements optimizers.Interface.
func (o *adam) Name() string { return "adam" }

// Build implements optimizers.Interface.
// It creates the moments of each variable and Adam's own step counter, which can be reset separately from
// the global step.
func (o *adam) Build(ctx *context.Context, trainable []*context.Variable) error {
	for _, v := range trainable {
		o.moments[v.ParameterName()] = [2]string{
			createSlot(ctx, o.config.scopeName, v, "1st_moment"),
			createSlot(ctx, o.config.scopeName, v, "2nd_moment"),
		}
	}
	adamCtx := ctx.InAbsPath(context.ScopeSeparator + Scope).In(o.config.scopeName).Checked(false)
	o.stepName = adamCtx.VariableWithValue("step", int64(0)).SetTrainable(false).ParameterName()
	return nil
}

// Update implements optimizers.Interface.
func (o *adam) Update(tx *context.Tx, gradients map[string]*tensors.Tensor, learningRate float64) error {
	if o.stepName == "" {
		return errors.New("adam optimizer used before Build")
	}
	stepT, found := tx.Get(o.stepName)
	if !found {
		return errors.Errorf("adam step variable %q not found", o.stepName)
	}
	adamStep := tensors.ToScalar[int64](stepT) + 1
	if err := tx.Set(o.stepName, tensors.FromScalar(adamStep)); err != nil {
		return err
	}

	// Debias terms of the moving averages.
	debias1 := 1.0 / (1.0 - math.Pow(o.config.beta1, float64(adamStep)))
	debias2 := 1.0 / (1.0 - math.Pow(o.config.beta2, float64(adamStep)))

	for name, gradient := range gradients {
		current, values, grad, err := valueAndGradient(tx, name, gradient)
		if err != nil {
			return err
		}
		slots, found := o.moments[name]
		if !found {
			return errors.Errorf("adam moments for variable %q not built", name)
		}
		moment1, err := readSlot(tx, slots[0])
		if err != nil {
			return err
		}
		moment2, err := readSlot(tx, slots[1])
		if err != nil {
			return err
		}
		step := make([]float64, len(values))
		for ii, g := range grad {
			moment1[ii] = o.config.beta1*moment1[ii] + (1-o.config.beta1)*g
			moment2[ii] = o.config.beta2*moment2[ii] + (1-o.config.beta2)*g*g
			step[ii] = learningRate * (moment1[ii] * debias1) / (math.Sqrt(moment2[ii]*debias2) + o.config.epsilon)
		}
		if o.config.weightDecay > 0 {
			// Weight decay: also scaled by the learning rate.
			floats.AddScaled(step, learningRate*o.config.weightDecay, values)
		}
		clipStep(step, o.config.clip)
		floats.Sub(values, step)
		if err := setFloat64s(tx, slots[0], current, moment1); err != nil {
			return err
		}
		if err := setFloat64s(tx, slots[1], current, moment2); err != nil {
			return err
		}
		if err := setFloat64s(tx, name, current, values); err != nil {
			return err
		}
	}
	return nil
}
