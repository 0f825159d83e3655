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
	"fmt"
	"io"
	"iter"
	"math"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/towers/pkg/core/distributed"
	"github.com/gomlx/towers/pkg/ml/context"
	"github.com/gomlx/towers/pkg/ml/summary"
	"github.com/gomlx/towers/pkg/ml/train/metrics"
	"github.com/gomlx/towers/pkg/support/xsync"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop) error

// OnStepFn is the type of OnStep hooks, called after each completed step, before the progress,
// diagnostics and checkpoint cadences.
type OnStepFn func(loop *Loop, result *StepResult) error

// OnEndFn is the type of OnEnd hooks. last is nil if no step was run.
type OnEndFn func(loop *Loop, last *StepResult) error

// Checkpointer persists the full training state: it is called by the loop on its checkpoint cadence,
// always between steps.
type Checkpointer interface {
	Save() error
}

// State of the training loop controller.
type State int

const (
	StateInitializing State = iota
	StateRunning
	StateCheckpointing
	StateDiagnostics
	StateTerminated
)

var stateNames = []string{"Initializing", "Running", "Checkpointing", "Diagnostics", "Terminated"}

// String implements fmt.Stringer.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// validTransitions of the controller: diagnostics and checkpoints happen between steps, from Running and
// back to Running. Any state can terminate.
var validTransitions = map[State][]State{
	StateInitializing:  {StateRunning, StateTerminated},
	StateRunning:       {StateRunning, StateDiagnostics, StateCheckpointing, StateTerminated},
	StateDiagnostics:   {StateRunning, StateCheckpointing, StateTerminated},
	StateCheckpointing: {StateRunning, StateTerminated},
	StateTerminated:    nil,
}

// Config of the training loop.
type Config struct {
	// NumReplicas is the number of replicas run in lock-step at each step.
	NumReplicas int

	// StartStep is the first loop step to run. If negative, the loop starts at the current global step
	// (e.g. restored from a checkpoint).
	StartStep int64

	// MaxSteps is one-past the last loop step to run.
	MaxSteps int64

	// ReplicaTimeout is how long the controller waits for all replicas at the step barrier.
	// 0 waits forever.
	ReplicaTimeout time.Duration

	// TopK is the k of the top-k accuracy reported by the replicas.
	TopK int

	// Cadences, in loop steps: a value of 0 disables it. Progress lines are emitted when step%ProgressEvery == 0,
	// diagnostics when step%DiagnosticsEvery == 0 and checkpoints when step%CheckpointEvery == 0, or at the
	// last step.
	ProgressEvery, DiagnosticsEvery, CheckpointEvery int64

	// Absent is the policy for gradients reported by only some replicas.
	Absent AbsentPolicy

	// Placement of the replicas on devices. If nil, replica i runs on device i.
	Placement *distributed.Placement
}

// DefaultConfig returns the default configuration, for one replica and MaxSteps not set.
func DefaultConfig() Config {
	return Config{
		NumReplicas:      1,
		StartStep:        -1,
		TopK:             DefaultTopK,
		ProgressEvery:    10,
		DiagnosticsEvery: 100,
		CheckpointEvery:  1000,
	}
}

// StepResult is the outcome of one synchronized step.
type StepResult struct {
	// Step is the loop step index.
	Step int64

	Aggregated *AggregatedGradients
	Updated    *UpdatedState

	// Duration of the whole step, from the dispatch of the replicas to the published update.
	Duration time.Duration
}

// Loop is the training loop controller: each step it runs all replicas in parallel on the same
// generation of the parameters, waits for all of them at a barrier, aggregates their gradients and
// applies the update. Between steps, it emits progress lines, diagnostics (to a summary.Sink) and
// checkpoints (to a Checkpointer) according to its cadences.
//
// Any error in a step is fatal: the loop terminates, and Run returns the error. See IsFatal.
//
// The public attributes are meant for reading only, don't change them -- behavior
// can be undefined.
type Loop struct {
	ctx        *context.Context
	store      *context.Store
	model      Model
	dataset    Dataset
	engine     *UpdateEngine
	aggregator *Aggregator
	config     Config
	views      []*context.View

	sink         summary.Sink
	checkpointer Checkpointer
	progressFn   func(line string)

	// LoopStep currently being executed.
	LoopStep int64

	// StartStep and EndStep (one-past the last step) of the current run.
	StartStep, EndStep int64

	// SharedData allows for cross-tools to publish and consume information. Keys (strings)
	// and semantics/type of their values are not specified by loop.
	SharedData map[string]any

	// stepDurations keeps a sample of the durations of the training steps, in seconds.
	stepDurations *metrics.StreamingMedianMetric

	muState       sync.Mutex
	state         State
	stopRequested atomic.Bool

	muDataset sync.Mutex
	epoch     atomic.Int64

	muLast        sync.Mutex
	lastCompleted *ReplicaResult
	stragglers    map[distributed.DeviceNum]int

	// Registered hooks.
	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a new training loop, in the StateInitializing state.
//
// The model variables and the engine (with its optimizer slots and moving averages) must already be built
// in ctx. The dataset must be safe for concurrent calls to Yield.
func NewLoop(ctx *context.Context, model Model, ds Dataset, engine *UpdateEngine, config Config) (*Loop, error) {
	if config.NumReplicas <= 0 {
		return nil, errors.Errorf("NumReplicas must be > 0, got %d", config.NumReplicas)
	}
	if config.Placement != nil && config.Placement.NumReplicas() != config.NumReplicas {
		return nil, errors.Errorf("placement is for %d replicas, but NumReplicas=%d",
			config.Placement.NumReplicas(), config.NumReplicas)
	}
	if config.TopK <= 0 {
		config.TopK = DefaultTopK
	}
	if model == nil || ds == nil || engine == nil {
		return nil, errors.Errorf("NewLoop requires a model, a dataset and an update engine")
	}
	loop := &Loop{
		ctx:        ctx,
		store:      ctx.Store(),
		model:      model,
		dataset:    ds,
		engine:     engine,
		aggregator: &Aggregator{NumReplicas: config.NumReplicas, Absent: config.Absent},
		config:     config,
		sink:       summary.NopSink{},
		progressFn: func(line string) { klog.Info(line) },
		SharedData: make(map[string]any),
		stragglers: make(map[distributed.DeviceNum]int),
		stepDurations: metrics.NewMedianMetric("Median train step duration", "step", "duration",
			metrics.StepDurationKey, nil).WithSampleSize(1_001),
		onStart: newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:  newPriorityHooks[*hookWithName[OnStepFn]](),
		onEnd:   newPriorityHooks[*hookWithName[OnEndFn]](),
	}
	for replica := range config.NumReplicas {
		device := distributed.DeviceNum(replica)
		if config.Placement != nil {
			device = config.Placement.Devices[replica]
		}
		loop.views = append(loop.views, ctx.View(device))
	}
	return loop, nil
}

// Context of the loop.
func (loop *Loop) Context() *context.Context { return loop.ctx }

// Config of the loop.
func (loop *Loop) Config() Config { return loop.config }

// Engine returns the update engine used by the loop.
func (loop *Loop) Engine() *UpdateEngine { return loop.engine }

// Dataset returns the dataset used by the loop.
func (loop *Loop) Dataset() Dataset { return loop.dataset }

// SetSink sets the summary sink receiving the diagnostics. The loop doesn't close it.
func (loop *Loop) SetSink(sink summary.Sink) {
	if sink == nil {
		sink = summary.NopSink{}
	}
	loop.sink = sink
}

// SetCheckpointer sets the Checkpointer called on the checkpoint cadence.
func (loop *Loop) SetCheckpointer(checkpointer Checkpointer) {
	loop.checkpointer = checkpointer
}

// SetProgressFn sets the function that receives the progress lines. By default, they are logged with klog.Info.
func (loop *Loop) SetProgressFn(fn func(line string)) {
	loop.progressFn = fn
}

// State returns the current state of the loop.
func (loop *Loop) State() State {
	loop.muState.Lock()
	defer loop.muState.Unlock()
	return loop.state
}

// transition to a new state, if valid.
func (loop *Loop) transition(to State) error {
	loop.muState.Lock()
	defer loop.muState.Unlock()
	if !slices.Contains(validTransitions[loop.state], to) {
		return errors.Errorf("invalid training loop transition from %s to %s", loop.state, to)
	}
	klog.V(2).Infof("training loop: %s -> %s", loop.state, to)
	loop.state = to
	return nil
}

// RequestStop asks the loop to stop. It is safe to call from any goroutine (e.g. a signal handler).
//
// The loop stops at the next step boundary: after the step's update is published, and after a checkpoint
// (the step is checkpointed even if it is not on the checkpoint cadence).
func (loop *Loop) RequestStop() {
	loop.stopRequested.Store(true)
}

// StopRequested returns whether RequestStop was called.
func (loop *Loop) StopRequested() bool {
	return loop.stopRequested.Load()
}

// Epoch returns the number of times the dataset was exhausted and reset.
func (loop *Loop) Epoch() int64 {
	return loop.epoch.Load()
}

// LastCompletedReplica returns the result of the most recently completed replica, or nil.
func (loop *Loop) LastCompletedReplica() *ReplicaResult {
	loop.muLast.Lock()
	defer loop.muLast.Unlock()
	return loop.lastCompleted
}

// StragglerStats returns how many steps each device was the slowest replica.
func (loop *Loop) StragglerStats() map[distributed.DeviceNum]int {
	loop.muLast.Lock()
	defer loop.muLast.Unlock()
	stats := make(map[distributed.DeviceNum]int, len(loop.stragglers))
	for device, count := range loop.stragglers {
		stats[device] = count
	}
	return stats
}

// Run the loop from its start step until MaxSteps, or until a stop is requested.
//
// It returns the result of the last step run, or an error if the training was interrupted by a failure:
// the fatal error classes (see IsFatal) are returned as is (possibly with extra context), and can be
// tested with errors.As.
func (loop *Loop) Run() (last *StepResult, err error) {
	defer func() {
		if transitionErr := loop.transition(StateTerminated); transitionErr != nil && err == nil {
			err = transitionErr
		}
	}()
	loop.StartStep = loop.config.StartStep
	if loop.StartStep < 0 {
		loop.StartStep, err = loop.engine.GlobalStep()
		if err != nil {
			return nil, err
		}
	}
	loop.EndStep = loop.config.MaxSteps
	loop.stepDurations.Reset()
	if err = loop.start(); err != nil {
		return nil, err
	}
	if err = loop.transition(StateRunning); err != nil {
		return nil, err
	}
	klog.Infof("training %q with %d replicas: steps %d to %d", loop.model.Name(), loop.config.NumReplicas,
		loop.StartStep, loop.EndStep-1)

	for loop.LoopStep = loop.StartStep; loop.LoopStep < loop.EndStep; loop.LoopStep++ {
		step := loop.LoopStep
		result, err := loop.step(step)
		if err != nil {
			klog.Errorf("training step %d failed: %v", step, err)
			return last, errors.WithMessagef(err, "Loop.Run(): failed step %d", step)
		}
		last = result
		stopping, err := loop.postStep(result)
		if err != nil {
			return last, err
		}
		if stopping {
			klog.Infof("stop requested: terminating after step %d (global step %d)", step, result.Updated.GlobalStep)
			break
		}
	}
	if err = loop.end(last); err != nil {
		return last, errors.WithMessagef(err, "Loop.Run(): failed end (LoopStep=%d)", loop.LoopStep)
	}
	return last, nil
}

// postStep runs the OnStep hooks, and the progress, diagnostics and checkpoint cadences.
// It returns whether the loop must stop after this step: only a stop observed before the checkpoint
// decision is honored here, so the stopped step is always checkpointed.
func (loop *Loop) postStep(result *StepResult) (stopping bool, err error) {
	step := result.Step
	for hook := range loop.onStep.All() {
		if err := hook.fn(loop, result); err != nil {
			return false, errors.WithMessagef(err, "train.Loop.OnStep(hook %q)", hook.name)
		}
	}
	if isDue(step, loop.config.ProgressEvery) {
		loop.progressFn(loop.progressLine(result))
	}
	if isDue(step, loop.config.DiagnosticsEvery) {
		if err := loop.transition(StateDiagnostics); err != nil {
			return false, err
		}
		loop.sink.Write(result.Updated.GlobalStep, loop.diagnostics(result))
	}

	// A stop requested after this point is honored at the end of the next step.
	stopping = loop.stopRequested.Load()
	if loop.checkpointer != nil && (isDue(step, loop.config.CheckpointEvery) || step+1 == loop.EndStep || stopping) {
		if err := loop.transition(StateCheckpointing); err != nil {
			return false, err
		}
		if err := loop.checkpointer.Save(); err != nil {
			return false, errors.WithMessagef(err, "saving checkpoint after step %d (global step %d)",
				step, result.Updated.GlobalStep)
		}
	}
	return stopping, loop.transition(StateRunning)
}

// isDue returns whether step is on the cadence given by interval. A non-positive interval is never due.
func isDue(step, interval int64) bool {
	return interval > 0 && step%interval == 0
}

// datasetError marks errors reading the dataset, which are not replica failures.
type datasetError struct{ err error }

func (e *datasetError) Error() string { return e.err.Error() }
func (e *datasetError) Unwrap() error { return e.err }

// step runs one synchronized step: all replicas on the same pinned generation, the barrier, the aggregation
// and the update.
func (loop *Loop) step(step int64) (*StepResult, error) {
	start := time.Now()
	numReplicas := loop.config.NumReplicas
	snapshot := loop.store.Pin()
	for _, view := range loop.views {
		view.PinSnapshot(snapshot)
	}

	results := make([]*ReplicaResult, numReplicas)
	replicaErrs := make([]error, numReplicas)
	barrier := xsync.NewBarrier(numReplicas)
	var group errgroup.Group
	for replica := range numReplicas {
		group.Go(func() error {
			defer barrier.Arrive()
			batch, err := loop.nextBatch()
			if err != nil {
				replicaErrs[replica] = &datasetError{err}
				return err
			}
			result, err := RunReplica(step, loop.views[replica], loop.model, batch, loop.config.TopK)
			if err != nil {
				replicaErrs[replica] = err
				return err
			}
			results[replica] = result
			loop.muLast.Lock()
			loop.lastCompleted = result
			loop.muLast.Unlock()
			return nil
		})
	}
	if !barrier.WaitTimeout(loop.config.ReplicaTimeout) {
		// Late replicas only read the pinned snapshot: their results are dropped.
		return nil, &IncompleteSynchronizationError{
			Expected: numReplicas,
			Got:      barrier.Arrived(),
			Step:     step,
			Cause:    errors.Errorf("timed out after %s waiting for the replicas", loop.config.ReplicaTimeout),
		}
	}
	firstErr := group.Wait()

	// Divergence is reported before anything else, and before any update.
	for _, err := range replicaErrs {
		var divergence *DivergenceError
		if errors.As(err, &divergence) {
			return nil, err
		}
	}
	for _, err := range replicaErrs {
		var dsErr *datasetError
		if errors.As(err, &dsErr) {
			return nil, errors.WithMessagef(dsErr.err, "reading from dataset %q", loop.dataset.Name())
		}
	}
	if firstErr != nil {
		got := 0
		for _, r := range results {
			if r != nil {
				got++
			}
		}
		return nil, &IncompleteSynchronizationError{Expected: numReplicas, Got: got, Step: step, Cause: firstErr}
	}

	aggregated, err := loop.aggregator.Aggregate(step, results)
	if err != nil {
		return nil, err
	}
	updated, err := loop.engine.Apply(aggregated)
	if err != nil {
		return nil, err
	}
	if updated.Generation != snapshot.Generation()+1 {
		return nil, errors.Errorf("parameters changed during step %d: replicas read generation %d, but the update "+
			"published generation %d -- only the update engine may write the parameters during training",
			step, snapshot.Generation(), updated.Generation)
	}

	elapsed := time.Since(start)
	loop.stepDurations.Update(elapsed.Seconds(), 1)
	loop.muLast.Lock()
	loop.stragglers[aggregated.Straggler]++
	loop.muLast.Unlock()
	klog.V(2).Infof("step %d: straggler %s took %s of %s", step, aggregated.Straggler,
		aggregated.StragglerDuration, elapsed)
	return &StepResult{Step: step, Aggregated: aggregated, Updated: updated, Duration: elapsed}, nil
}

// nextBatch yields the next batch from the dataset. At the end of the dataset (io.EOF) it is reset once,
// by the first replica to reach the end, and reading continues.
func (loop *Loop) nextBatch() (*Batch, error) {
	for attempt := 0; ; attempt++ {
		epoch := loop.epoch.Load()
		spec, inputs, labels, err := loop.dataset.Yield()
		if err == nil {
			return &Batch{Spec: spec, Inputs: inputs, Labels: labels}, nil
		}
		if !errors.Is(err, io.EOF) {
			return nil, err
		}
		if attempt > 0 {
			return nil, errors.Errorf("dataset %q is empty: io.EOF right after Reset()", loop.dataset.Name())
		}
		loop.muDataset.Lock()
		if loop.epoch.Load() == epoch {
			loop.dataset.Reset()
			loop.epoch.Add(1)
			klog.V(1).Infof("dataset %q reset, starting epoch %d", loop.dataset.Name(), loop.epoch.Load())
		}
		loop.muDataset.Unlock()
	}
}

// start of loop: it calls the OnStart hooks.
func (loop *Loop) start() error {
	for hook := range loop.onStart.All() {
		if err := hook.fn(loop); err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

// end of loop: it calls the OnEnd hooks.
func (loop *Loop) end(last *StepResult) error {
	for hook := range loop.onEnd.All() {
		if err := hook.fn(loop, last); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

// MedianTrainStepDuration returns the (approximate) median duration of the training steps of the current run.
// It returns 1 millisecond if no training step was recorded (to avoid potential division by 0).
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	median := loop.stepDurations.Read()
	if math.IsNaN(median) {
		return time.Millisecond
	}
	return time.Duration(median * float64(time.Second))
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a loop.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{
		name: name,
		fn:   fn,
	})
}

// OnStep adds a hook with given priority and name (for error reporting) to each step of a loop.
// The function `fn` is called after each step's update is published.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{
		name: name,
		fn:   fn,
	})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a loop,
// after the last step (and its checkpoint).
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{
		name: name,
		fn:   fn,
	})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			return keys[i] < keys[j]
		})
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
