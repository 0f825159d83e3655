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

// Package metrics holds a library of metrics computed on the host: top-k precision of logits, and
// running statistics (mean, moving average, median) of per-step values reported by the training loop.
package metrics

import (
	"fmt"
	"math"

	"github.com/gomlx/towers/pkg/core/tensors"
	"github.com/pkg/errors"
)

const (
	// LossKey is the key of the mean loss (across replicas) reported at each step.
	LossKey = "loss"

	// TopKKey is the key of the top-k precision reported at each step: the fraction of examples whose
	// label is within the k largest logits.
	TopKKey = "top_k"

	// TopKHitsKey is the number of examples whose label is within the k largest logits.
	TopKHitsKey = "top_k_hits"

	// StepDurationKey is the duration of a training step, in seconds.
	StepDurationKey = "step_duration"
)

// Interface for a running metric over values reported at each training step.
type Interface interface {
	// Name of the metric.
	Name() string

	// ShortName is a shortened version of the name (preferably a few characters) to display in progress bars or
	// similar UIs.
	ShortName() string

	// MetricType is a key for metrics that share the same quantity or semantics. Eg.:
	// "Moving-Average-Accuracy" and "Batch-Accuracy" would both have the same
	// "accuracy" metric type, and for instance, can be displayed on the same plot, sharing
	// the Y-axis.
	MetricType() string

	// Key of the per-step value the metric consumes, e.g. LossKey or TopKKey.
	Key() string

	// Update the metric with a new value, weighted by weight (usually the number of examples).
	Update(value, weight float64)

	// Read the current value of the metric. It returns NaN if no value was seen yet.
	Read() float64

	// PrettyPrint is used to pretty-print a metric value, usually in a short form.
	PrettyPrint(value float64) string

	// Reset metrics internal counters.
	Reset()
}

// PrettyPrintFn is a function to convert a metric value to a string.
type PrettyPrintFn func(value float64) string

// baseMetric implements the descriptive part of metrics.Interface.
type baseMetric struct {
	name, shortName, metricType, key string
	pPrintFn                         PrettyPrintFn // if nil will display default.
}

func (m *baseMetric) Name() string {
	return m.name
}

func (m *baseMetric) ShortName() string {
	return m.shortName
}

func (m *baseMetric) MetricType() string {
	return m.metricType
}

func (m *baseMetric) Key() string {
	return m.key
}

func (m *baseMetric) PrettyPrint(value float64) string {
	if m.pPrintFn == nil {
		return fmt.Sprintf("%.3g", value)
	}
	return m.pPrintFn(value)
}

// lastValueMetric keeps only the last value seen.
type lastValueMetric struct {
	baseMetric
	value float64
	seen  bool
}

// NewLastValueMetric creates a metric that reports the value of the last step only.
// `prettyPrintFn` can be left as nil, and a default will be used.
func NewLastValueMetric(name, shortName, metricType, key string, prettyPrintFn PrettyPrintFn) Interface {
	return &lastValueMetric{baseMetric: baseMetric{
		name: name, shortName: shortName, metricType: metricType, key: key, pPrintFn: prettyPrintFn}}
}

func (m *lastValueMetric) Update(value, _ float64) {
	m.value, m.seen = value, true
}

func (m *lastValueMetric) Read() float64 {
	if !m.seen {
		return math.NaN()
	}
	return m.value
}

func (m *lastValueMetric) Reset() {
	m.seen = false
}

// MeanMetric implements a metric that keeps the weighted mean of a value.
type MeanMetric struct {
	baseMetric
	total, weight float64
	dynamicBatch  bool
}

// NewMeanMetric creates a metric that keeps the mean of the values with the given key.
//
// Each value is weighted by the weight given in Update (the number of examples of the step).
// If you want all steps to count the same, set WithDynamicBatch(false).
//
// `prettyPrintFn` can be left as nil, and a default will be used.
func NewMeanMetric(name, shortName, metricType, key string, prettyPrintFn PrettyPrintFn) *MeanMetric {
	return &MeanMetric{
		baseMetric: baseMetric{
			name:       name,
			shortName:  shortName,
			metricType: metricType,
			key:        key,
			pPrintFn:   prettyPrintFn,
		},
		dynamicBatch: true,
	}
}

// WithDynamicBatch sets whether the mean should weight each value by the weight given in Update. Default is true.
//
// If set to false, each step counts as 1.
func (m *MeanMetric) WithDynamicBatch(dynamicBatch bool) *MeanMetric {
	m.dynamicBatch = dynamicBatch
	return m
}

func (m *MeanMetric) Update(value, weight float64) {
	if !m.dynamicBatch {
		weight = 1
	}
	m.total += value * weight
	m.weight += weight
}

func (m *MeanMetric) Read() float64 {
	if m.weight == 0 {
		return math.NaN()
	}
	return m.total / m.weight
}

func (m *MeanMetric) Reset() {
	m.total, m.weight = 0, 0
}

// movingAverageMetric implements a metric that keeps the exponential moving average of a value.
//
// It behaves just like a MeanMetric, but each new value has weight of newExampleWeight, and
// the stored weight is capped at (1-newExampleWeight).
type movingAverageMetric struct {
	baseMetric
	mean, weight     float64
	newExampleWeight float64
}

// NewExponentialMovingAverageMetric creates a metric of the values with the given key. It takes new values with
// the given weight (newExampleWeight), and decays the rest to 1-newExampleWeight.
//
// A typical value of newExampleWeight is 0.01, the smaller the value, the slower the moving average moves.
// pPrintFn can be left as nil, and a default will be used.
//
// This doesn't have a set prior, it will start being a normal average until there are enough terms, and it becomes
// an exponential moving average.
func NewExponentialMovingAverageMetric(name, shortName, metricType, key string, pPrintFn PrettyPrintFn,
	newExampleWeight float64) Interface {
	return &movingAverageMetric{
		baseMetric: baseMetric{
			name: name, shortName: shortName, metricType: metricType, key: key, pPrintFn: pPrintFn},
		newExampleWeight: newExampleWeight,
	}
}

func (m *movingAverageMetric) Update(value, _ float64) {
	weight := m.weight + 1
	newWeight := max(1/weight, m.newExampleWeight)
	m.mean = m.mean*(1-newWeight) + value*newWeight
	m.weight = weight
}

func (m *movingAverageMetric) Read() float64 {
	if m.weight == 0 {
		return math.NaN()
	}
	return m.mean
}

func (m *movingAverageMetric) Reset() {
	m.mean, m.weight = 0, 0
}

func precisionPPrint(value float64) string {
	return fmt.Sprintf("%.2f%%", 100*value)
}

// NewMeanLoss returns a mean of the loss reported at each step.
func NewMeanLoss(name, shortName string) *MeanMetric {
	return NewMeanMetric(name, shortName, "loss", LossKey, nil)
}

// NewMovingAverageLoss returns an exponential moving average of the loss.
func NewMovingAverageLoss(name, shortName string, newExampleWeight float64) Interface {
	return NewExponentialMovingAverageMetric(name, shortName, "loss", LossKey, nil, newExampleWeight)
}

// NewMeanTopK returns a mean of the top-k precision reported at each step.
func NewMeanTopK(name, shortName string) *MeanMetric {
	return NewMeanMetric(name, shortName, "precision", TopKKey, precisionPPrint)
}

// NewMovingAverageTopK returns an exponential moving average of the top-k precision.
func NewMovingAverageTopK(name, shortName string, newExampleWeight float64) Interface {
	return NewExponentialMovingAverageMetric(name, shortName, "precision", TopKKey, precisionPPrint, newExampleWeight)
}

// TopKHits returns the number of examples whose label is within the k largest logits.
//
// Logits must be shaped `[batchSize, numClasses]` (float) and labels `[batchSize]` or `[batchSize, 1]` (integer).
// If several classes have the same logit as the label's class and straddle the k-th position, they are all
// considered to be in the top-k. Examples with a non-finite logit for its label, or with a label out of range,
// are never counted.
func TopKHits(logits, labels *tensors.Tensor, k int) (hits int, err error) {
	if k <= 0 {
		return 0, errors.Errorf("top-k requires k > 0, got %d", k)
	}
	if logits.Rank() != 2 {
		return 0, errors.Errorf("top-k requires logits shaped [batchSize, numClasses], got %s", logits.Shape())
	}
	batchSize, numClasses := logits.Shape().Dimensions[0], logits.Shape().Dimensions[1]
	if labels.Size() != batchSize || labels.Rank() > 2 {
		return 0, errors.Errorf("top-k requires labels shaped [batchSize] or [batchSize, 1], with batchSize=%d, got %s",
			batchSize, labels.Shape())
	}
	if labels.DType().IsFloat() || !logits.DType().IsFloat() {
		return 0, errors.Errorf("top-k requires float logits and integer labels, got dtypes %s and %s",
			logits.DType(), labels.DType())
	}
	labelValues := labels.Float64s()
	logitValues := logits.Float64s()
	for example := range batchSize {
		label := int(labelValues[example])
		if label < 0 || label >= numClasses {
			continue
		}
		row := logitValues[example*numClasses : (example+1)*numClasses]
		target := row[label]
		if math.IsNaN(target) || math.IsInf(target, 0) {
			continue
		}
		larger := 0
		for _, v := range row {
			if v > target {
				larger++
			}
		}
		if larger < k {
			hits++
		}
	}
	return hits, nil
}
