// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"math"
	"time"

	"github.com/gomlx/towers/pkg/ml/summary"
)

// ProgressTimeLayout is the layout of the timestamp that starts each progress line.
const ProgressTimeLayout = "2006-01-02 15:04:05"

// FormatProgressLine formats the progress line emitted every Config.ProgressEvery steps, e.g.:
//
//	2026-01-02 15:04:05: step 10, loss = 2.30, top5 = 0.51 (3120.5 examples/sec; 0.041 sec/batch)
func FormatProgressLine(now time.Time, step int64, loss float64, k int, topK, examplesPerSec, secPerBatch float64) string {
	return fmt.Sprintf("%s: step %d, loss = %.2f, top%d = %.2f (%.1f examples/sec; %.3f sec/batch)",
		now.Format(ProgressTimeLayout), step, loss, k, topK, examplesPerSec, secPerBatch)
}

// Throughput of a step: examples per second over all replicas, and seconds per batch (the step
// duration divided by the number of replicas, each processing one batch).
func Throughput(examples, numReplicas int, duration time.Duration) (examplesPerSec, secPerBatch float64) {
	seconds := duration.Seconds()
	if seconds <= 0 {
		seconds = time.Millisecond.Seconds()
	}
	examplesPerSec = float64(examples) / seconds
	secPerBatch = seconds / float64(max(numReplicas, 1))
	return
}

// progressLine for the result of a step.
func (loop *Loop) progressLine(result *StepResult) string {
	examplesPerSec, secPerBatch := Throughput(result.Aggregated.Examples, loop.config.NumReplicas, result.Duration)
	return FormatProgressLine(time.Now(), result.Step, result.Aggregated.Loss, loop.config.TopK,
		result.Aggregated.TopK, examplesPerSec, secPerBatch)
}

// diagnostics returns the summaries of a step: the aggregated scalars, the learning rate, the histograms of the
// aggregated gradients and of the updated variables, and the loss and logits of the most recently completed
// replica.
func (loop *Loop) diagnostics(result *StepResult) map[string]summary.Value {
	agg := result.Aggregated
	values := map[string]summary.Value{
		"loss":          summary.Scalar(agg.Loss),
		"learning_rate": summary.Scalar(result.Updated.LearningRate),
		"global_step":   summary.Scalar(float64(result.Updated.GlobalStep)),
		"step_seconds":  summary.Scalar(result.Duration.Seconds()),
	}
	if !math.IsNaN(agg.TopK) {
		values[MetricTopK] = summary.Scalar(agg.TopK)
	}
	examplesPerSec, _ := Throughput(agg.Examples, loop.config.NumReplicas, result.Duration)
	values["examples_per_sec"] = summary.Scalar(examplesPerSec)
	for term, value := range agg.LossTerms {
		values["loss/"+term] = summary.Scalar(value)
	}
	for name, grad := range agg.Gradients {
		values["gradients"+name] = summary.TensorHistogram(grad)
	}
	snapshot := loop.store.Pin()
	for _, name := range loop.engine.TrainableNames() {
		if value, found := snapshot.Get(name); found {
			values["variables"+name] = summary.TensorHistogram(value)
		}
	}
	if ema := loop.engine.MovingAverage(); ema != nil {
		values["moving_average_decay"] = summary.Scalar(ema.Decay(result.Updated.GlobalStep - 1))
	}
	if replica := loop.LastCompletedReplica(); replica != nil {
		prefix := fmt.Sprintf("replica/%d/", int(replica.Device))
		values[prefix+"loss"] = summary.Scalar(replica.Loss)
		if replica.Logits != nil {
			values[prefix+"logits"] = summary.TensorHistogram(replica.Logits)
		}
	}
	return values
}
