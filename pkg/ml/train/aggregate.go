// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"cmp"
	"maps"
	"math"
	"slices"
	"time"

	"github.com/gomlx/towers/pkg/core/distributed"
	"github.com/gomlx/towers/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// AbsentPolicy defines how the Aggregator handles parameters for which only some replicas report a gradient.
type AbsentPolicy int

const (
	// AbsentMeanOverReporting averages a parameter's gradient over the replicas that reported it.
	AbsentMeanOverReporting AbsentPolicy = iota

	// AbsentAsZero averages a parameter's gradient over all replicas, counting absent gradients as zeros.
	AbsentAsZero
)

// String implements fmt.Stringer.
func (p AbsentPolicy) String() string {
	switch p {
	case AbsentMeanOverReporting:
		return "mean_over_reporting"
	case AbsentAsZero:
		return "zero"
	}
	return "unknown"
}

// ParseAbsentPolicy parses the names returned by AbsentPolicy.String.
func ParseAbsentPolicy(name string) (AbsentPolicy, error) {
	for _, p := range []AbsentPolicy{AbsentMeanOverReporting, AbsentAsZero} {
		if p.String() == name {
			return p, nil
		}
	}
	return 0, errors.Errorf("unknown absent gradients policy %q, valid values are %q and %q",
		name, AbsentMeanOverReporting, AbsentAsZero)
}

// AggregatedGradients is the reduction of the results of all replicas for one step.
type AggregatedGradients struct {
	// Step is the loop step the gradients were computed at.
	Step int64

	// Gradients is the mean gradient per parameter name.
	Gradients map[string]*tensors.Tensor

	// Loss is the mean loss over the replicas, and LossTerms the mean of each loss term.
	Loss      float64
	LossTerms map[string]float64

	// TopK is the top-k accuracy over all examples of the step, NaN if not reported.
	TopK float64

	// Examples is the total number of examples in the step.
	Examples int

	// Straggler is the device of the slowest replica, and StragglerDuration its duration.
	Straggler         distributed.DeviceNum
	StragglerDuration time.Duration
}

// Aggregator reduces the results of all replicas of a step to their mean.
type Aggregator struct {
	NumReplicas int
	Absent      AbsentPolicy
}

// NewAggregator returns an Aggregator for the given number of replicas, with the AbsentMeanOverReporting policy.
func NewAggregator(numReplicas int) *Aggregator {
	return &Aggregator{NumReplicas: numReplicas}
}

// Aggregate the replica results of one step.
//
// It requires exactly one non-nil result per replica, otherwise it returns an *IncompleteSynchronizationError:
// a step is never partially aggregated. The order of the results doesn't change the output: replicas are
// always reduced in device order.
func (a *Aggregator) Aggregate(step int64, results []*ReplicaResult) (*AggregatedGradients, error) {
	got := 0
	for _, r := range results {
		if r != nil {
			got++
		}
	}
	if got != a.NumReplicas || len(results) != a.NumReplicas {
		return nil, &IncompleteSynchronizationError{Expected: a.NumReplicas, Got: got, Step: step}
	}
	ordered := slices.Clone(results)
	slices.SortStableFunc(ordered, func(r1, r2 *ReplicaResult) int { return cmp.Compare(r1.Device, r2.Device) })

	agg := &AggregatedGradients{
		Step:      step,
		Gradients: make(map[string]*tensors.Tensor),
		LossTerms: make(map[string]float64),
		TopK:      math.NaN(),
	}
	names := make(map[string]struct{})
	var totalLoss float64
	var hits, topKExamples int
	for _, r := range ordered {
		totalLoss += r.Loss
		for term, value := range r.LossTerms {
			agg.LossTerms[term] += value / float64(a.NumReplicas)
		}
		agg.Examples += r.Examples
		if r.Duration >= agg.StragglerDuration {
			agg.Straggler, agg.StragglerDuration = r.Device, r.Duration
		}
		if hitsT, found := r.Metrics[MetricTopKHits]; found {
			hits += int(math.Round(hitsT.Float64s()[0]))
			topKExamples += r.Examples
		}
		for name := range r.Gradients {
			names[name] = struct{}{}
		}
	}
	agg.Loss = totalLoss / float64(a.NumReplicas)
	if topKExamples > 0 {
		agg.TopK = float64(hits) / float64(topKExamples)
	}

	for _, name := range slices.Sorted(maps.Keys(names)) {
		mean, err := a.meanGradient(name, ordered)
		if err != nil {
			return nil, err
		}
		agg.Gradients[name] = mean
	}
	return agg, nil
}

// meanGradient of the parameter over the ordered results, according to the absent policy.
func (a *Aggregator) meanGradient(name string, ordered []*ReplicaResult) (*tensors.Tensor, error) {
	var (
		first     *tensors.Tensor
		sum       []float64
		reporting int
	)
	for _, r := range ordered {
		grad, found := r.Gradients[name]
		if !found {
			continue
		}
		if first == nil {
			first = grad
			sum = grad.Float64s()
		} else {
			if !first.Shape().EqualDimensions(grad.Shape()) {
				return nil, errors.Errorf("gradient for parameter %q has shape %s on %s, but %s on another replica",
					name, grad.Shape(), r.Device, first.Shape())
			}
			floats.Add(sum, grad.Float64s())
		}
		reporting++
	}
	count := reporting
	if a.Absent == AbsentAsZero {
		count = a.NumReplicas
	}
	floats.Scale(1/float64(count), sum)
	return tensors.FromFloat64s(first.DType(), sum, first.Shape().Dimensions...), nil
}
