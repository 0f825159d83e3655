// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"math"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/towers/pkg/core/distributed"
	"github.com/gomlx/towers/pkg/core/tensors"
	"github.com/gomlx/towers/pkg/ml/context"
	"github.com/gomlx/towers/pkg/ml/train/metrics"
	"github.com/pkg/errors"
)

// DefaultTopK is the default k of the top-k accuracy reported by the replicas.
const DefaultTopK = 5

// Batch is one mini-batch yielded by a Dataset to one replica.
type Batch struct {
	Spec           any
	Inputs, Labels []*tensors.Tensor
}

// NumExamples returns the batch size: the leading dimension of the first input, or 0 if there are no inputs.
func (b *Batch) NumExamples() int {
	if b == nil || len(b.Inputs) == 0 || b.Inputs[0].Rank() == 0 {
		return 0
	}
	return b.Inputs[0].Shape().Dim(0)
}

// Output of a Model forward (and backward) pass.
type Output struct {
	// Logits are the class scores, shaped [batchSize, numClasses].
	Logits *tensors.Tensor

	// Loss is the total loss: the primary task loss plus all regularization terms.
	Loss float64

	// LossTerms are the individual terms that add up to Loss, e.g. "cross_entropy" and "weight_decay".
	LossTerms map[string]float64

	// Gradients of the Loss with respect to each trainable parameter that took part in the forward pass,
	// keyed by parameter name. Parameters not touched are simply absent.
	Gradients map[string]*tensors.Tensor
}

// Model is the architecture trained by the loop. The training core only depends on this interface.
type Model interface {
	// Name of the model, used for logging.
	Name() string

	// Build creates the model variables in the context, initialized from the context's initializer.
	Build(ctx *context.Context) error

	// Forward computes the logits, the loss and the gradients of the loss with respect to the parameters.
	// The parameters are read from params (a pinned View during training), and must not be modified.
	Forward(params context.Reader, inputs, labels []*tensors.Tensor, training bool) (*Output, error)
}

// Names of the auxiliary metrics reported by replicas.
const (
	// MetricTopK is the fraction of examples whose label is within the top-k logits.
	MetricTopK = metrics.TopKKey

	// MetricTopKHits is the number of examples whose label is within the top-k logits.
	MetricTopKHits = metrics.TopKHitsKey
)

// ReplicaResult is the result of one replica for one step.
type ReplicaResult struct {
	Device distributed.DeviceNum

	// Loss is the total loss of the replica's batch.
	Loss      float64
	LossTerms map[string]float64

	// Gradients keyed by parameter name.
	Gradients map[string]*tensors.Tensor

	// Metrics are the auxiliary metrics (MetricTopK, MetricTopKHits), not used in the gradient.
	Metrics map[string]*tensors.Tensor

	// Logits from the forward pass, kept for diagnostics.
	Logits *tensors.Tensor

	Examples int
	Duration time.Duration

	// Generation of the parameters the replica read.
	Generation uint64
}

// Metric returns the scalar value of the given metric, or NaN if not reported.
func (r *ReplicaResult) Metric(name string) float64 {
	t, found := r.Metrics[name]
	if !found || t == nil || t.Size() == 0 {
		return math.NaN()
	}
	return t.Float64s()[0]
}

// RunReplica runs one replica step: the model forward/backward pass on the batch, reading the parameters
// through the view (pinned by the caller at the start of the step).
//
// It returns a *DivergenceError if the loss is not finite. Panics in the model are converted to errors.
// Gradients for parameters that exist in the view must match their shapes. Gradients for names unknown
// to the view are passed through: it is the update engine that reports them as UnknownParameterError.
func RunReplica(step int64, view *context.View, model Model, batch *Batch, topK int) (result *ReplicaResult, err error) {
	start := time.Now()
	device := view.Device()
	var output *Output
	if exception := exceptions.Try(func() {
		output, err = model.Forward(view, batch.Inputs, batch.Labels, true)
	}); exception != nil {
		if panicErr, ok := exception.(error); ok {
			err = panicErr
		} else {
			err = errors.Errorf("%v", exception)
		}
		err = errors.WithMessagef(err, "model %q panicked in replica on %s", model.Name(), device)
		return nil, err
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "model %q failed in replica on %s", model.Name(), device)
	}
	if output == nil {
		return nil, errors.Errorf("model %q returned no output in replica on %s", model.Name(), device)
	}
	if math.IsNaN(output.Loss) || math.IsInf(output.Loss, 0) {
		return nil, &DivergenceError{Device: device, Step: step, Loss: output.Loss}
	}
	for name, grad := range output.Gradients {
		if grad == nil {
			return nil, errors.Errorf("replica on %s: nil gradient for parameter %q", device, name)
		}
		value, found := view.Get(name)
		if !found {
			continue
		}
		if !value.Shape().EqualDimensions(grad.Shape()) {
			return nil, errors.Errorf("replica on %s: gradient for parameter %q has shape %s, but the parameter has shape %s",
				device, name, grad.Shape(), value.Shape())
		}
	}

	result = &ReplicaResult{
		Device:     device,
		Loss:       output.Loss,
		LossTerms:  output.LossTerms,
		Gradients:  output.Gradients,
		Metrics:    make(map[string]*tensors.Tensor, 2),
		Logits:     output.Logits,
		Examples:   batch.NumExamples(),
		Generation: view.Generation(),
	}
	if output.Logits != nil && len(batch.Labels) > 0 {
		hits, err := metrics.TopKHits(output.Logits, batch.Labels[0], topK)
		if err != nil {
			return nil, errors.WithMessagef(err, "replica on %s: top-%d accuracy", device, topK)
		}
		numExamples := output.Logits.Shape().Dim(0)
		result.Metrics[MetricTopKHits] = tensors.FromScalar(int64(hits))
		result.Metrics[MetricTopK] = tensors.FromScalar(float64(hits) / float64(max(numExamples, 1)))
		if result.Examples == 0 {
			result.Examples = numExamples
		}
	}
	result.Duration = time.Since(start)
	return result, nil
}
