// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"os/signal"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/towers/pkg/core/distributed"
	"github.com/gomlx/towers/pkg/core/tensors"
	"github.com/gomlx/towers/pkg/ml/context"
	"github.com/gomlx/towers/pkg/ml/context/checkpoints"
	"github.com/gomlx/towers/pkg/ml/data"
	"github.com/gomlx/towers/pkg/ml/model/cnn"
	"github.com/gomlx/towers/pkg/ml/summary"
	"github.com/gomlx/towers/pkg/ml/train"
	"github.com/gomlx/towers/pkg/ml/train/optimizers"
	"github.com/gomlx/towers/pkg/support/fsutil"
	"github.com/gomlx/towers/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// syntheticData is the value of -data that selects the synthetic dataset.
const syntheticData = "synthetic"

// options of one training run.
type options struct {
	trainDir, data, subset string

	numReplicas, numDevices int
	placement               distributed.PlacementOptions

	batchSize                                    int
	startStep, maxSteps                          int64
	progressEvery, summaryEvery, checkpointEvery int64
	keep                                         int

	pretrained, restoreScope string

	topK           int
	replicaTimeout time.Duration
	absent         train.AbsentPolicy

	syntheticExamples, syntheticSize int
	distort, progressBar, eval       bool
	evalBatchSize                    int
	seed                             uint64

	// handleSignals makes SIGINT request a graceful stop of the loop.
	handleSignals bool
}

// loadData returns the images and labels to train on, and the ones to evaluate on.
func loadData(opts *options) (trainImages, trainLabels, evalImages, evalLabels *tensors.Tensor, err error) {
	if opts.data == syntheticData {
		shape := []int{opts.syntheticSize, opts.syntheticSize, data.Depth}
		trainImages, trainLabels = data.Synthetic(data.CIFAR10NumClasses, shape, opts.syntheticExamples, opts.seed)
		// There is no held-out split: it is evaluated on the training examples, without distortions.
		evalImages, evalLabels = trainImages, trainLabels
		return
	}
	dir, err := fsutil.ReplaceTildeInDir(opts.data)
	if err != nil {
		return
	}
	trainImages, trainLabels, err = data.LoadCIFAR10(dir, opts.subset)
	if err != nil || !opts.eval {
		return
	}
	evalImages, evalLabels, err = data.LoadCIFAR10(dir, "test")
	return
}

// trainModel runs the training configured by ctx hyperparameters and opts. It returns the result of the last
// step run.
func trainModel(ctx *context.Context, opts *options) (last *train.StepResult, err error) {
	if opts.numReplicas <= 0 || opts.batchSize <= 0 {
		return nil, errors.Errorf("-num_replicas (%d) and -batch_size (%d) must be > 0", opts.numReplicas, opts.batchSize)
	}
	placement, err := distributed.Place(opts.numReplicas, opts.numDevices, opts.placement)
	if err != nil {
		return nil, err
	}
	klog.Infof("replicas: %s over %d devices (soft placement: %v)", placement.Mesh, opts.numDevices, placement.Soft)
	trainImages, trainLabels, evalImages, evalLabels, err := loadData(opts)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading data from %q", opts.data)
	}
	klog.Infof("training data: images %s, labels %s", trainImages.Shape(), trainLabels.Shape())

	// Input pipeline.
	trainDS, err := data.InMemory("train", trainImages, trainLabels)
	if err != nil {
		return nil, err
	}
	if opts.batchSize > trainDS.NumExamples() {
		return nil, errors.Errorf("-batch_size=%d is larger than the %d training examples", opts.batchSize,
			trainDS.NumExamples())
	}
	trainDS.BatchSize(opts.batchSize).Shuffle(opts.seed).Infinite(true)
	var ds train.Dataset = trainDS
	if opts.distort {
		ds = data.Distort(ds).WithSeed(opts.seed)
	}
	pds := data.Parallel(data.Map(ds, data.PerImageStandardization))
	defer pds.Done()

	// Model, optimizer and moving averages.
	model, err := cnn.New(ctx, trainImages.Shape().Dimensions[1:], data.CIFAR10NumClasses)
	if err != nil {
		return nil, err
	}
	if err = model.Build(ctx); err != nil {
		return nil, err
	}
	var (
		schedule  optimizers.Schedule
		optimizer optimizers.Interface
		ema       *optimizers.ExponentialMovingAverage
	)
	err = exceptions.TryCatch[error](func() {
		schedule = optimizers.ScheduleFromContext(ctx, trainDS.NumExamples(), opts.batchSize)
		ema = optimizers.MovingAverageFromContext(ctx)
		optimizer = optimizers.FromContext(ctx)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "configuring the optimizer")
	}
	engine, err := train.NewUpdateEngine(ctx, schedule, optimizer, ema)
	if err != nil {
		return nil, err
	}

	// Restore, and sinks.
	runID := summary.NewRunID()
	var sink summary.Sink = summary.LogSink{}
	var checkpoint *checkpoints.Handler
	var restored string
	if opts.trainDir != "" {
		checkpoint, err = checkpoints.Build(ctx).Dir(opts.trainDir).Keep(opts.keep).WithRunID(runID).Done()
		if err != nil {
			return nil, err
		}
		restored, err = checkpoint.RestoreLatest()
		if err != nil {
			return nil, err
		}
		if restored == "" && opts.pretrained != "" {
			if _, err = checkpoints.RestorePretrained(ctx, opts.pretrained, opts.restoreScope); err != nil {
				return nil, err
			}
		}
		jsonSink, err := summary.NewJSONLinesSink(checkpoint.Dir(), runID)
		if err != nil {
			klog.Warningf("summaries won't be saved: %v", err)
		} else {
			sink = summary.MultiSink{sink, jsonSink}
		}
	} else if opts.pretrained != "" {
		if _, err = checkpoints.RestorePretrained(ctx, opts.pretrained, opts.restoreScope); err != nil {
			return nil, err
		}
	}
	defer func() {
		if closeErr := sink.Close(); closeErr != nil {
			klog.Warningf("closing summaries: %v", closeErr)
		}
	}()

	if restored == "" && opts.startStep >= 0 {
		// A fresh run counts its global step from the configured start step.
		if err = optimizers.SetGlobalStep(ctx, opts.startStep); err != nil {
			return nil, err
		}
	}

	// Loop.
	config := train.DefaultConfig()
	config.NumReplicas = opts.numReplicas
	config.Placement = placement
	config.StartStep = opts.startStep
	config.MaxSteps = opts.maxSteps
	config.ReplicaTimeout = opts.replicaTimeout
	config.TopK = opts.topK
	config.ProgressEvery = opts.progressEvery
	config.DiagnosticsEvery = opts.summaryEvery
	config.CheckpointEvery = opts.checkpointEvery
	config.Absent = opts.absent
	loop, err := train.NewLoop(ctx, model, pds, engine, config)
	if err != nil {
		return nil, err
	}
	loop.SetSink(sink)
	if checkpoint != nil {
		checkpoint.AttachToLoop(loop)
	}
	if opts.progressBar {
		commandline.AttachProgressBar(loop)
		loop.SetProgressFn(func(line string) { klog.V(1).Info(line) })
	}
	if opts.handleSignals {
		defer stopOnInterrupt(loop)()
	}
	klog.Infof("model %q: %d variables, %d parameters (%d replicas, batch size %d)", model.Name(),
		ctx.NumVariables(), ctx.NumParameters(), opts.numReplicas, opts.batchSize)

	last, err = loop.Run()
	if err != nil {
		return last, err
	}
	for device, count := range loop.StragglerStats() {
		klog.V(1).Infof("%s was the straggler in %d steps", device, count)
	}

	if opts.eval && evalImages != nil {
		if err = evaluate(ctx, model, ema, evalImages, evalLabels, opts.evalBatchSize); err != nil {
			return last, err
		}
	}
	return last, nil
}

// stopOnInterrupt makes SIGINT request a graceful stop of the loop: it finishes the current step and saves a
// checkpoint. It returns a function to stop listening.
func stopOnInterrupt(loop *train.Loop) (stop func()) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt)
	go func() {
		for range signals {
			klog.Warningf("interrupted: stopping after the current step")
			loop.RequestStop()
		}
	}()
	return func() {
		signal.Stop(signals)
		close(signals)
	}
}

// evaluate the model on the evaluation data, with the moving averages of the variables if ema is not nil, and
// prints the results.
func evaluate(ctx *context.Context, model train.Model, ema *optimizers.ExponentialMovingAverage,
	images, labels *tensors.Tensor, batchSize int) error {
	evalDS, err := data.InMemory("test", images, labels)
	if err != nil {
		return err
	}
	evalDS.BatchSize(min(max(batchSize, 1), evalDS.NumExamples()))
	var params context.Reader = ctx.Store().Pin()
	if ema != nil {
		params = optimizers.ShadowReader{Base: params}
	}
	_, err = commandline.ReportEval(os.Stdout, model, params, 1, data.Map(evalDS, data.PerImageStandardization))
	return err
}
