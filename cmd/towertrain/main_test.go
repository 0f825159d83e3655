// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/gomlx/towers/pkg/core/distributed"
	"github.com/gomlx/towers/pkg/ml/context"
	"github.com/gomlx/towers/pkg/ml/context/initializers"
	"github.com/gomlx/towers/pkg/ml/model/cnn"
	"github.com/gomlx/towers/pkg/ml/train"
	"github.com/gomlx/towers/pkg/ml/train/optimizers"
	"github.com/gomlx/towers/pkg/support/fsutil"
	"github.com/gomlx/towers/ui/plots"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testContext returns the default context with a small model.
func testContext(channels ...int) *context.Context {
	ctx := createDefaultContext()
	ctx.SetParams(map[string]any{
		cnn.ParamConvChannels:                channels,
		optimizers.ParamLearningRateSchedule: "constant",
		optimizers.ParamLearningRate:         0.05,
		optimizers.ParamMovingAverageDecay:   0.99,
		initializers.ParamInitialSeed:        int64(7),
	})
	return ctx
}

// testOptions trains on a small synthetic dataset with 2 replicas.
func testOptions(trainDir string, maxSteps int64) *options {
	return &options{
		trainDir:          trainDir,
		data:              syntheticData,
		numReplicas:       2,
		numDevices:        2,
		placement:         distributed.PlacementOptions{LogDevicePlacement: true},
		batchSize:         8,
		startStep:         -1,
		maxSteps:          maxSteps,
		summaryEvery:      5,
		checkpointEvery:   5,
		keep:              2,
		topK:              1,
		syntheticExamples: 64,
		syntheticSize:     8,
		distort:           true,
		eval:              true,
		evalBatchSize:     32,
		seed:              3,
	}
}

func TestTrainAndResume(t *testing.T) {
	trainDir := t.TempDir()
	last, err := trainModel(testContext(4), testOptions(trainDir, 10))
	require.NoError(t, err)
	assert.Equal(t, int64(9), last.Step)
	assert.Equal(t, int64(10), last.Updated.GlobalStep)
	assert.Equal(t, 2*8, last.Aggregated.Examples)
	exists, err := fsutil.FileExists(filepath.Join(trainDir, plots.TrainingPlotFileName))
	require.NoError(t, err)
	assert.True(t, exists)

	// Resume from the latest checkpoint.
	last, err = trainModel(testContext(4), testOptions(trainDir, 15))
	require.NoError(t, err)
	assert.Equal(t, int64(14), last.Step)
	assert.Equal(t, int64(15), last.Updated.GlobalStep)

	// A model with different shapes can't be restored.
	_, err = trainModel(testContext(6), testOptions(trainDir, 20))
	require.Error(t, err)
	assert.Equal(t, exitCheckpointMismatch, exitCode(err))
}

func TestPretrained(t *testing.T) {
	pretrainedDir := t.TempDir()
	_, err := trainModel(testContext(4), testOptions(pretrainedDir, 5))
	require.NoError(t, err)

	// A new run restores only the features, and starts from step 0.
	opts := testOptions(t.TempDir(), 3)
	opts.pretrained = pretrainedDir
	opts.restoreScope = "/cnn/features"
	opts.eval = false
	last, err := trainModel(testContext(4), opts)
	require.NoError(t, err)
	assert.Equal(t, int64(3), last.Updated.GlobalStep)

	opts = testOptions(t.TempDir(), 3)
	opts.pretrained = filepath.Join(t.TempDir(), "missing")
	_, err = trainModel(testContext(4), opts)
	require.Error(t, err)
	assert.Equal(t, exitCheckpointMismatch, exitCode(err))
}

func TestStartStep(t *testing.T) {
	// A fresh run starting at step 50 counts its global step from there.
	trainDir := t.TempDir()
	opts := testOptions(trainDir, 53)
	opts.startStep = 50
	opts.eval = false
	last, err := trainModel(testContext(4), opts)
	require.NoError(t, err)
	assert.Equal(t, int64(52), last.Step)
	assert.Equal(t, int64(53), last.Updated.GlobalStep)

	// Resuming continues from the restored global step.
	opts = testOptions(trainDir, 55)
	opts.eval = false
	last, err = trainModel(testContext(4), opts)
	require.NoError(t, err)
	assert.Equal(t, int64(54), last.Step)
	assert.Equal(t, int64(55), last.Updated.GlobalStep)
}

func TestInvalidHyperparameters(t *testing.T) {
	for key, value := range map[string]any{
		optimizers.ParamOptimizer:            "bogus",
		optimizers.ParamLearningRateSchedule: "bogus",
		optimizers.ParamMovingAverageDecay:   1.5,
	} {
		ctx := testContext(4)
		ctx.SetParam(key, value)
		var err error
		require.NotPanics(t, func() { _, err = trainModel(ctx, testOptions("", 1)) }, "-set %s=%v", key, value)
		require.Error(t, err, "-set %s=%v", key, value)
		assert.Equal(t, exitOther, exitCode(err), "-set %s=%v: %v", key, value, err)
	}
}

func TestAbsentGradientsUsage(t *testing.T) {
	absentFlag := flag.Lookup("absent_gradients")
	require.NotNil(t, absentFlag)
	_, err := train.ParseAbsentPolicy(absentFlag.DefValue)
	require.NoError(t, err)
	// Every value listed in the help is accepted.
	names := regexp.MustCompile(`"([^"]+)"`).FindAllStringSubmatch(absentFlag.Usage, -1)
	require.Len(t, names, 2)
	for _, name := range names {
		_, err = train.ParseAbsentPolicy(name[1])
		assert.NoError(t, err, "-absent_gradients=%s", name[1])
	}
}

func TestPlacementFailure(t *testing.T) {
	opts := testOptions("", 1)
	opts.numReplicas = 4
	_, err := trainModel(testContext(4), opts)
	require.Error(t, err, "4 replicas on 2 devices without soft placement")
	assert.Equal(t, exitOther, exitCode(err))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, exitOther, exitCode(errors.New("boom")))
	assert.Equal(t, exitDivergence,
		exitCode(errors.WithMessage(&train.DivergenceError{Step: 3}, "Loop.Run()")))
	assert.Equal(t, exitIncompleteSync, exitCode(&train.IncompleteSynchronizationError{}))
	assert.Equal(t, exitUnknownParameter, exitCode(errors.WithStack(&train.UnknownParameterError{})))
	assert.Equal(t, exitCheckpointMismatch, exitCode(&train.CheckpointMismatchError{Path: "x"}))
	assert.Contains(t, diagnostic(&train.DivergenceError{Step: 3}), train.KindDivergence)
}
