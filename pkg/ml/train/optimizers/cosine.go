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

	"github.com/gomlx/exceptions"
	"github.com/gomlx/towers/pkg/ml/context"
)

var (
	// ParamCosinePeriodSteps defines the number of steps in a cosine annealing period.
	//
	//  * Positive value: Sets the period to the specified number of steps.
	//  * Negative value: Sets the period to a fraction of the total training steps (ParamTrainSteps).
	//      * -1: Period equals the total number of training steps (common setting).
	//      * -2: Period equals half the total number of training steps, and so on.
	ParamCosinePeriodSteps = "cosine_schedule_steps"

	// ParamCosineWarmUpSteps is the number of warmup steps: during these initial steps the learning rate
	// linearly increases from 0 to the learning rate defined by ParamLearningRate.
	// Only after the warmup steps the cosine annealing schedule starts.
	// The default is 0, which means no warmup.
	ParamCosineWarmUpSteps = "cosine_schedule_warmup_steps"

	// ParamCosineMinLearningRate is the minimum value of the learning rate during the
	// cosine annealing schedule.
	// Defaults to 0.0.
	ParamCosineMinLearningRate = "cosine_schedule_min_learning_rate"

	// ParamTrainSteps is the total number of training steps, used by schedules defined as a fraction of training.
	ParamTrainSteps = "train_steps"
)

// CosineConfig of the cosine annealing schedule strategy.
// CosineAnnealing creates it and once configured, call CosineConfig.Done to get the Schedule.
type CosineConfig struct {
	learningRate, minLearningRate float64
	periodNumSteps                int64
	trainSteps                    int64
	warmUpSteps                   int64
}

// CosineAnnealing creates a configuration to apply a cosine annealing schedule for the learning rate.
// See details https://paperswithcode.com/method/cosine-annealing.
//
// Example with only one cycle, and a warmup of 1000 steps:
//
//	schedule := optimizers.CosineAnnealing().
//		LearningRate(0.1).
//		MinLearningRate(0.001).
//		WarmUpSteps(1000).
//		PeriodInSteps(*flagNumSteps).Done()
func CosineAnnealing() *CosineConfig {
	return &CosineConfig{learningRate: DefaultLearningRate, periodNumSteps: -1}
}

// FromContext configures the cosine annealing from the context, using the keys
// [ParamCosinePeriodSteps], [ParamCosineMinLearningRate], [ParamCosineWarmUpSteps], [ParamTrainSteps] and
// [ParamLearningRate].
func (opt *CosineConfig) FromContext(ctx *context.Context) *CosineConfig {
	opt.periodNumSteps = context.GetParamOr(ctx, ParamCosinePeriodSteps, opt.periodNumSteps)
	opt.learningRate = context.GetParamOr(ctx, ParamLearningRate, opt.learningRate)
	opt.minLearningRate = context.GetParamOr(ctx, ParamCosineMinLearningRate, opt.minLearningRate)
	opt.warmUpSteps = context.GetParamOr(ctx, ParamCosineWarmUpSteps, opt.warmUpSteps)
	opt.trainSteps = context.GetParamOr(ctx, ParamTrainSteps, opt.trainSteps)
	return opt
}

// PeriodInSteps sets the number of steps for one period of the cosine schedule. The effective
// learning rate decreases over the given period of training steps and then is restarted at
// each new period.
//
// Negative values are a fraction of the total number of training steps, see TrainSteps.
func (opt *CosineConfig) PeriodInSteps(periodSteps int64) *CosineConfig {
	opt.periodNumSteps = periodSteps
	return opt
}

// TrainSteps sets the total number of training steps, used when the period is negative.
func (opt *CosineConfig) TrainSteps(trainSteps int64) *CosineConfig {
	opt.trainSteps = trainSteps
	return opt
}

// MinLearningRate at the end of the cosine cycle. Defaults to 0.0.
func (opt *CosineConfig) MinLearningRate(minLearningRate float64) *CosineConfig {
	opt.minLearningRate = minLearningRate
	return opt
}

// WarmUpSteps sets the number of steps to linearly increase the learning rate from 0 to the
// initial learning rate.
func (opt *CosineConfig) WarmUpSteps(warmUpSteps int64) *CosineConfig {
	opt.warmUpSteps = warmUpSteps
	return opt
}

// LearningRate at the start of the cosine cycle.
func (opt *CosineConfig) LearningRate(learningRate float64) *CosineConfig {
	opt.learningRate = learningRate
	return opt
}

// Done returns the configured Schedule.
func (opt *CosineConfig) Done() Schedule {
	period := opt.periodNumSteps
	if period < 0 {
		if opt.trainSteps <= 0 {
			exceptions.Panicf("cosine schedule with period %d (a fraction of training) requires the number of "+
				"training steps (%q) to be set", period, ParamTrainSteps)
		}
		period = max(1, opt.trainSteps/-period)
	}
	if period == 0 {
		exceptions.Panicf("cosine schedule requires a period != 0")
	}
	lrMax, lrMin, warmUp := opt.learningRate, opt.minLearningRate, opt.warmUpSteps
	return ScheduleFunc(func(step int64) float64 {
		if step < warmUp {
			return lrMax * float64(step) / float64(warmUp)
		}
		cycle := float64(step-warmUp) / float64(period)
		cycle -= math.Floor(cycle) // Fractional part, in the range `[0.0, 1.0)`.
		cosine := math.Cos(cycle * math.Pi)
		return lrMin + (lrMax-lrMin)*(cosine+1)/2
	})
}
