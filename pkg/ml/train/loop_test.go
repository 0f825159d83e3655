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

package train

import (
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/towers/pkg/ml/context"
	"github.com/gomlx/towers/pkg/ml/summary"
	"github.com/gomlx/towers/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink keeps the steps and values written to it.
type recordingSink struct {
	mu     sync.Mutex
	steps  []int64
	values []map[string]summary.Value
}

func (s *recordingSink) Write(step int64, values map[string]summary.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step)
	s.values = append(s.values, values)
}

func (s *recordingSink) Close() error { return nil }

// newTestLoop creates a loop for linearModel with the given number of replicas, running steps [0, maxSteps),
// with all cadences disabled.
func newTestLoop(t *testing.T, model *linearModel, ds Dataset, numReplicas int, maxSteps int64) (*context.Context, *Loop) {
	ctx, engine := setupLinear(t, model)
	config := DefaultConfig()
	config.NumReplicas = numReplicas
	config.StartStep = 0
	config.MaxSteps = maxSteps
	config.ProgressEvery, config.DiagnosticsEvery, config.CheckpointEvery = 0, 0, 0
	loop, err := NewLoop(ctx, model, ds, engine, config)
	require.NoError(t, err)
	loop.SetProgressFn(func(string) {})
	return ctx, loop
}

func TestLoopOneStep(t *testing.T) {
	ctx, loop := newTestLoop(t, &linearModel{}, newValuesDataset(4, 2, 4), 2, 1)
	assert.Equal(t, StateInitializing, loop.State())
	last, err := loop.Run()
	require.NoError(t, err)
	assert.InDelta(t, 0.7, readW(t, ctx), 1e-12)
	assert.Equal(t, int64(1), optimizers.GetGlobalStep(ctx))
	assert.Equal(t, int64(0), last.Step)
	assert.Equal(t, int64(1), last.Updated.GlobalStep)
	assert.Equal(t, 8, last.Aggregated.Examples)
	assert.Equal(t, StateTerminated, loop.State())
	// With a single step, the median is that step's duration.
	assert.InDelta(t, float64(last.Duration), float64(loop.MedianTrainStepDuration()), 1e3)

	// A terminated loop can't run again.
	_, err = loop.Run()
	require.Error(t, err)
}

func TestLoopCadences(t *testing.T) {
	ds := newValuesDataset(4, 2, 4)
	model := &linearModel{numClasses: 10, vectorSize: 8}
	ctx, engine := setupLinear(t, model)
	config := DefaultConfig()
	config.NumReplicas = 2
	config.StartStep = 0
	config.MaxSteps = 3
	config.ProgressEvery = 1
	config.DiagnosticsEvery = 2
	config.CheckpointEvery = 2
	loop, err := NewLoop(ctx, model, ds, engine, config)
	require.NoError(t, err)

	var lines []string
	loop.SetProgressFn(func(line string) { lines = append(lines, line) })
	sink := &recordingSink{}
	loop.SetSink(sink)
	checkpointer := &countingCheckpointer{ctx: ctx}
	loop.SetCheckpointer(checkpointer)
	var states []State
	loop.OnStep("states", 0, func(loop *Loop, _ *StepResult) error {
		states = append(states, loop.State())
		return nil
	})

	_, err = loop.Run()
	require.NoError(t, err)

	// Each step sees the gradients 2 and 4 (in any order), so w decreases by 0.3 per step.
	assert.InDelta(t, 0.1, readW(t, ctx), 1e-12)
	assert.Equal(t, int64(3), optimizers.GetGlobalStep(ctx))
	assert.Equal(t, 2, ds.Resets())
	assert.Equal(t, int64(2), loop.Epoch())

	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], ": step 0, loss = 3.00, top5 = 1.00 (")
	assert.Contains(t, lines[2], ": step 2, loss = ")
	assert.True(t, strings.HasSuffix(lines[1], " sec/batch)"), "got %q", lines[1])

	assert.Equal(t, []int64{1, 3}, sink.steps)
	first := sink.values[0]
	for _, key := range []string{"loss", "learning_rate", "global_step", "top_k", "loss/linear", "gradients/w",
		"variables/w", "gradients/v", "variables/v", "examples_per_sec"} {
		assert.Contains(t, first, key)
	}
	assert.Equal(t, summary.Scalar(0.1), first["learning_rate"])
	// Multi-valued parameters get full histograms.
	for _, key := range []string{"gradients/v", "variables/v"} {
		h, ok := first[key].(*summary.Histogram)
		require.True(t, ok, "%q is a %T", key, first[key])
		assert.Equal(t, 8, h.Count)
		assert.Len(t, h.Counts, summary.DefaultHistogramBins)
	}

	// Checkpoints at step 0 (on cadence) and at the last step.
	assert.Equal(t, []int64{1, 3}, checkpointer.steps)
	assert.Equal(t, []State{StateRunning, StateRunning, StateRunning}, states)

	total := 0
	for _, count := range loop.StragglerStats() {
		total += count
	}
	assert.Equal(t, 3, total)
	assert.NotNil(t, loop.LastCompletedReplica())
}

func TestLoopRequestStop(t *testing.T) {
	ctx, loop := newTestLoop(t, &linearModel{}, newValuesDataset(2, 1), 1, 100)
	loop.config.CheckpointEvery = 1000
	checkpointer := &countingCheckpointer{ctx: ctx}
	loop.SetCheckpointer(checkpointer)
	loop.OnStep("stopper", 0, func(loop *Loop, result *StepResult) error {
		if result.Step == 1 {
			loop.RequestStop()
		}
		return nil
	})
	var endCalled bool
	loop.OnEnd("end", 0, func(_ *Loop, last *StepResult) error {
		endCalled = true
		assert.Equal(t, int64(1), last.Step)
		return nil
	})
	last, err := loop.Run()
	require.NoError(t, err)
	assert.True(t, loop.StopRequested())
	assert.True(t, endCalled)
	assert.Equal(t, int64(1), last.Step)
	assert.Equal(t, int64(2), optimizers.GetGlobalStep(ctx))
	// Step 0 is on the cadence, step 1 is checkpointed because of the stop.
	assert.Equal(t, []int64{1, 2}, checkpointer.steps)
	assert.Equal(t, StateTerminated, loop.State())
}

// stopOnSaveCheckpointer requests a stop of the loop while saving, after the loop decided whether
// to checkpoint the current step.
type stopOnSaveCheckpointer struct {
	countingCheckpointer
	loop *Loop
}

func (c *stopOnSaveCheckpointer) Save() error {
	c.loop.RequestStop()
	return c.countingCheckpointer.Save()
}

func TestLoopStopDuringCheckpoint(t *testing.T) {
	ctx, loop := newTestLoop(t, &linearModel{}, newValuesDataset(2, 1), 1, 100)
	loop.config.CheckpointEvery = 1000
	checkpointer := &stopOnSaveCheckpointer{countingCheckpointer: countingCheckpointer{ctx: ctx}, loop: loop}
	loop.SetCheckpointer(checkpointer)
	last, err := loop.Run()
	require.NoError(t, err)
	// The stop arrives while step 0 is saved: step 1 still runs, and is checkpointed before stopping.
	assert.Equal(t, int64(1), last.Step)
	assert.Equal(t, []int64{1, 2}, checkpointer.steps)
	assert.Equal(t, int64(2), optimizers.GetGlobalStep(ctx))
}

func TestLoopResumesFromGlobalStep(t *testing.T) {
	ctx, loop := newTestLoop(t, &linearModel{}, newValuesDataset(2, 1), 1, 7)
	require.NoError(t, optimizers.SetGlobalStep(ctx, 5))
	loop.config.StartStep = -1
	var steps []int64
	loop.OnStep("steps", 0, func(_ *Loop, result *StepResult) error {
		steps = append(steps, result.Step)
		return nil
	})
	_, err := loop.Run()
	require.NoError(t, err)
	assert.Equal(t, int64(5), loop.StartStep)
	assert.Equal(t, []int64{5, 6}, steps)
	assert.Equal(t, int64(7), optimizers.GetGlobalStep(ctx))
}

func TestLoopDivergence(t *testing.T) {
	ctx, loop := newTestLoop(t, &linearModel{}, newValuesDataset(4, 2, 4, math.NaN(), 4), 2, 10)
	last, err := loop.Run()
	require.Error(t, err)
	var divergence *DivergenceError
	require.True(t, errors.As(err, &divergence), "got error %v", err)
	assert.Equal(t, int64(1), divergence.Step)
	assert.True(t, math.IsNaN(divergence.Loss))
	assert.Equal(t, KindDivergence, FatalKind(err))

	// Only the first step was applied.
	assert.Equal(t, int64(0), last.Step)
	assert.InDelta(t, 0.7, readW(t, ctx), 1e-12)
	assert.Equal(t, int64(1), optimizers.GetGlobalStep(ctx))
	assert.Equal(t, StateTerminated, loop.State())
}

func TestLoopReplicaFailure(t *testing.T) {
	ctx, loop := newTestLoop(t, &linearModel{}, newValuesDataset(4, panicValue, 2), 2, 10)
	_, err := loop.Run()
	var incomplete *IncompleteSynchronizationError
	require.True(t, errors.As(err, &incomplete), "got error %v", err)
	assert.Equal(t, 2, incomplete.Expected)
	assert.Equal(t, 1, incomplete.Got)
	require.Error(t, incomplete.Cause)
	assert.Contains(t, incomplete.Cause.Error(), "linearModel exploded")
	assert.Equal(t, 1.0, readW(t, ctx))
	assert.Equal(t, int64(0), optimizers.GetGlobalStep(ctx))
}

func TestLoopReplicaTimeout(t *testing.T) {
	model := &linearModel{slow: 500 * time.Millisecond}
	ctx, loop := newTestLoop(t, model, newValuesDataset(4, slowValue, 2), 2, 10)
	loop.config.ReplicaTimeout = 50 * time.Millisecond
	_, err := loop.Run()
	var incomplete *IncompleteSynchronizationError
	require.True(t, errors.As(err, &incomplete), "got error %v", err)
	assert.Less(t, incomplete.Got, 2)
	assert.Equal(t, int64(0), incomplete.Step)
	assert.Equal(t, 1.0, readW(t, ctx))
	assert.Equal(t, int64(0), optimizers.GetGlobalStep(ctx))
}

func TestLoopUnknownParameter(t *testing.T) {
	ctx, loop := newTestLoop(t, &linearModel{extraGradient: "/ghost"}, newValuesDataset(4, 1), 1, 10)
	_, err := loop.Run()
	assert.Equal(t, KindUnknownParameter, FatalKind(err))
	assert.Equal(t, int64(0), optimizers.GetGlobalStep(ctx))
}

func TestLoopDatasetErrors(t *testing.T) {
	_, loop := newTestLoop(t, &linearModel{}, newValuesDataset(4), 1, 10)
	_, err := loop.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
	assert.False(t, IsFatal(err))
}

func TestLoopCheckpointFailure(t *testing.T) {
	ctx, loop := newTestLoop(t, &linearModel{}, newValuesDataset(4, 1), 1, 10)
	loop.config.CheckpointEvery = 1
	loop.SetCheckpointer(&countingCheckpointer{ctx: ctx, err: errors.New("disk full")})
	_, err := loop.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, int64(1), optimizers.GetGlobalStep(ctx))
}

func TestNewLoopValidation(t *testing.T) {
	model := &linearModel{}
	ctx, engine := setupLinear(t, model)
	config := DefaultConfig()
	config.NumReplicas = 0
	_, err := NewLoop(ctx, model, newValuesDataset(1, 1), engine, config)
	require.Error(t, err)
	_, err = NewLoop(ctx, model, nil, engine, DefaultConfig())
	require.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Checkpointing", StateCheckpointing.String())
	assert.Equal(t, "State(17)", State(17).String())
}

func TestLoopCallbacks(t *testing.T) {
	_, loop := newTestLoop(t, &linearModel{}, newValuesDataset(2, 1), 1, 10)
	var nTimesSteps, everySteps []int64
	NTimesDuringLoop(loop, 2, "n-times", 0, func(_ *Loop, result *StepResult) error {
		nTimesSteps = append(nTimesSteps, result.Step)
		return nil
	})
	EveryNSteps(loop, 3, "every-3", 0, func(_ *Loop, result *StepResult) error {
		everySteps = append(everySteps, result.Step)
		return nil
	})
	var exponentialSteps []int64
	ExponentialCallback(loop, 2, 2, false, "exponential", 0, func(_ *Loop, result *StepResult) error {
		exponentialSteps = append(exponentialSteps, result.Step)
		return nil
	})
	_, err := loop.Run()
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 4, 9}, nTimesSteps)
	assert.Equal(t, []int64{2, 5, 8}, everySteps)
	assert.Equal(t, []int64{2, 6}, exponentialSteps)
}

func TestLoopHookErrors(t *testing.T) {
	_, loop := newTestLoop(t, &linearModel{}, newValuesDataset(2, 1), 1, 10)
	loop.OnStart("failing", 0, func(*Loop) error { return errors.New("not today") })
	_, err := loop.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not today")
	assert.Equal(t, StateTerminated, loop.State())
}

func TestProgressLine(t *testing.T) {
	now := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	line := FormatProgressLine(now, 10, 2.3012, 5, 0.5099, 3120.54, 0.0412)
	assert.Equal(t, "2026-01-02 15:04:05: step 10, loss = 2.30, top5 = 0.51 (3120.5 examples/sec; 0.041 sec/batch)", line)

	examplesPerSec, secPerBatch := Throughput(256, 2, 500*time.Millisecond)
	assert.InDelta(t, 512.0, examplesPerSec, 1e-9)
	assert.InDelta(t, 0.25, secPerBatch, 1e-9)
}
