// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"maps"
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/towers/pkg/core/tensors"
	"github.com/gomlx/towers/pkg/ml/context"
	"github.com/gomlx/towers/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// UpdatedState is the state published by one UpdateEngine.Apply.
type UpdatedState struct {
	// GlobalStep after the update.
	GlobalStep int64

	// LearningRate used for the update.
	LearningRate float64

	// Generation of the store published with the update.
	Generation uint64
}

// UpdateEngine applies the aggregated gradients to the shared parameters: it is the only writer of the
// context's store during training.
//
// Each Apply publishes exactly one new generation, with the optimizer step on the parameters, the global step
// incremented by one and the moving averages updated. Either all of it is published, or nothing.
type UpdateEngine struct {
	ctx           *context.Context
	store         *context.Store
	schedule      optimizers.Schedule
	optimizer     optimizers.Interface
	movingAverage *optimizers.ExponentialMovingAverage

	// trainable parameter names, as of the engine construction.
	trainable map[string]bool
}

// NewUpdateEngine creates the engine for the trainable variables of ctx.
//
// It builds the optimizer (its slot variables) and the moving averages (if movingAverage is not nil), and creates
// the global step and learning rate variables, if they don't exist yet. So it must be called after the model
// variables are created, and before any checkpoint is restored.
func NewUpdateEngine(ctx *context.Context, schedule optimizers.Schedule, optimizer optimizers.Interface,
	movingAverage *optimizers.ExponentialMovingAverage) (*UpdateEngine, error) {
	if schedule == nil || optimizer == nil {
		return nil, errors.Errorf("NewUpdateEngine requires a schedule and an optimizer")
	}
	e := &UpdateEngine{
		ctx:           ctx,
		store:         ctx.Store(),
		schedule:      schedule,
		optimizer:     optimizer,
		movingAverage: movingAverage,
		trainable:     make(map[string]bool),
	}
	trainable := ctx.TrainableVariables()
	if len(trainable) == 0 {
		return nil, errors.Errorf("no trainable variables in the context, was the model built?")
	}
	for _, v := range trainable {
		e.trainable[v.ParameterName()] = true
	}
	err := exceptions.TryCatch[error](func() {
		step := optimizers.GetGlobalStep(ctx)
		optimizers.LearningRateVar(ctx, schedule.LearningRate(step))
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "creating global step and learning rate variables")
	}
	if err = optimizer.Build(ctx, trainable); err != nil {
		return nil, errors.WithMessagef(err, "building optimizer %q", optimizer.Name())
	}
	if movingAverage != nil {
		if err = movingAverage.Build(ctx, trainable); err != nil {
			return nil, errors.WithMessagef(err, "building moving averages")
		}
	}
	klog.V(1).Infof("update engine: optimizer %q for %d trainable variables (%d parameters), moving averages=%v",
		optimizer.Name(), len(trainable), ctx.NumParameters(), movingAverage != nil)
	return e, nil
}

// Optimizer used by the engine.
func (e *UpdateEngine) Optimizer() optimizers.Interface { return e.optimizer }

// Schedule used by the engine.
func (e *UpdateEngine) Schedule() optimizers.Schedule { return e.schedule }

// MovingAverage used by the engine, or nil.
func (e *UpdateEngine) MovingAverage() *optimizers.ExponentialMovingAverage { return e.movingAverage }

// TrainableNames returns the sorted names of the parameters updated by the engine.
func (e *UpdateEngine) TrainableNames() []string {
	return slices.Sorted(maps.Keys(e.trainable))
}

// GlobalStep returns the global step of the latest published generation.
func (e *UpdateEngine) GlobalStep() (int64, error) {
	return optimizers.ReadGlobalStep(e.store.Pin())
}

// ValidateGradientNames returns an *UnknownParameterError listing the names that are not trainable parameters
// of the engine. It is used by Apply, and can be used earlier, e.g. after a first forward pass, to catch
// configuration errors before training starts.
func (e *UpdateEngine) ValidateGradientNames(names []string) error {
	var unknown []string
	for _, name := range names {
		if !e.trainable[name] {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		slices.Sort(unknown)
		return &UnknownParameterError{Names: unknown}
	}
	return nil
}

// Apply the aggregated gradients, in one store update:
//
//  1. Read the current global step, and compute the learning rate from the schedule.
//  2. Apply the optimizer step to every parameter with an aggregated gradient.
//  3. Increment the global step.
//  4. Update the moving averages of every trainable parameter.
//
// If anything fails, nothing is published and the global step is not incremented.
func (e *UpdateEngine) Apply(aggregated *AggregatedGradients) (*UpdatedState, error) {
	if err := e.ValidateGradientNames(slices.Collect(maps.Keys(aggregated.Gradients))); err != nil {
		return nil, err
	}
	state := &UpdatedState{}
	generation, err := e.store.Update(func(tx *context.Tx) error {
		step, err := optimizers.ReadGlobalStep(tx)
		if err != nil {
			return err
		}
		lr := e.schedule.LearningRate(step)
		if math.IsNaN(lr) || math.IsInf(lr, 0) || lr < 0 {
			return errors.Errorf("invalid learning rate %g at global step %d", lr, step)
		}
		if err = e.optimizer.Update(tx, aggregated.Gradients, lr); err != nil {
			return errors.WithMessagef(err, "optimizer %q update at global step %d", e.optimizer.Name(), step)
		}
		newStep, err := optimizers.IncrementGlobalStep(tx)
		if err != nil {
			return err
		}
		if err = tx.Set(optimizers.LearningRateParameterName, tensors.FromScalar(lr)); err != nil {
			return err
		}
		if e.movingAverage != nil {
			if err = e.movingAverage.Update(tx, step); err != nil {
				return errors.WithMessagef(err, "moving averages update at global step %d", step)
			}
		}
		state.GlobalStep = newStep
		state.LearningRate = lr
		return nil
	})
	if err != nil {
		return nil, err
	}
	state.Generation = generation
	return state, nil
}
