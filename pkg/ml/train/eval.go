// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"io"

	"github.com/gomlx/towers/pkg/ml/context"
	"github.com/gomlx/towers/pkg/ml/train/metrics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// EvalResult holds the metrics of an evaluation over a whole dataset.
type EvalResult struct {
	DatasetName string

	// Loss is the mean loss, weighted by the number of examples of each batch.
	Loss float64

	// TopK is the fraction of examples whose label is within the top-k logits.
	TopK float64
	K    int

	Examples, Batches int
}

// Evaluate runs the model in inference mode (training=false) over ds, reading the parameters from params,
// until the dataset is exhausted (io.EOF). The dataset is Reset before starting.
//
// To evaluate with the moving averages of the parameters, pass an optimizers.ShadowReader as params.
// The dataset must be finite, and batches must carry labels.
func Evaluate(model Model, params context.Reader, ds Dataset, topK int) (*EvalResult, error) {
	if topK <= 0 {
		topK = 1
	}
	meanLoss := metrics.NewMeanLoss("Mean Loss", "#loss")
	meanTopK := metrics.NewMeanTopK("Mean Top-K", "#topk")
	result := &EvalResult{DatasetName: ds.Name(), K: topK}
	ds.Reset()
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "evaluating %q on dataset %q", model.Name(), ds.Name())
		}
		if len(labels) == 0 {
			return nil, errors.Errorf("evaluating %q: dataset %q yielded a batch without labels", model.Name(), ds.Name())
		}
		output, err := model.Forward(params, inputs, labels, false)
		if err != nil {
			return nil, errors.WithMessagef(err, "evaluating %q on dataset %q, batch #%d", model.Name(), ds.Name(),
				result.Batches)
		}
		numExamples := (&Batch{Inputs: inputs}).NumExamples()
		if numExamples == 0 {
			numExamples = output.Logits.Shape().Dim(0)
		}
		hits, err := metrics.TopKHits(output.Logits, labels[0], topK)
		if err != nil {
			return nil, errors.WithMessagef(err, "evaluating %q: top-%d accuracy", model.Name(), topK)
		}
		meanLoss.Update(output.Loss, float64(numExamples))
		meanTopK.Update(float64(hits)/float64(numExamples), float64(numExamples))
		result.Examples += numExamples
		result.Batches++
	}
	if result.Batches == 0 {
		return nil, errors.Errorf("evaluating %q: dataset %q is empty", model.Name(), ds.Name())
	}
	result.Loss = meanLoss.Read()
	result.TopK = meanTopK.Read()
	klog.V(1).Infof("evaluation of %q on %q: %d examples, %s=%.4f, %s=%s", model.Name(), ds.Name(),
		result.Examples, meanLoss.ShortName(), result.Loss, meanTopK.ShortName(), meanTopK.PrettyPrint(result.TopK))
	return result, nil
}
