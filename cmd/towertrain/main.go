// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// towertrain trains a CNN on CIFAR-10 (or a synthetic dataset) with N replicas in lock-step: at each step
// every replica computes the gradients of its own batch on the same version of the parameters, the
// gradients are averaged and applied once.
//
// Exit status is 0 after the last step (or after a stop with SIGINT), and otherwise it names the failure:
// 2 for a DivergenceError, 3 for an IncompleteSynchronizationError, 4 for an UnknownParameterError,
// 5 for a CheckpointMismatchError and 1 for any other error.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/towers/pkg/core/distributed"
	"github.com/gomlx/towers/pkg/ml/context"
	"github.com/gomlx/towers/pkg/ml/context/initializers"
	"github.com/gomlx/towers/pkg/ml/model/cnn"
	"github.com/gomlx/towers/pkg/ml/train"
	"github.com/gomlx/towers/pkg/ml/train/optimizers"
	"github.com/gomlx/towers/ui/commandline"
	"k8s.io/klog/v2"
)

var (
	flagTrainDir = flag.String("train_dir", "~/work/towers/cifar10_train",
		"Directory where to write checkpoints and summaries, and from where to resume training. "+
			"If empty, nothing is saved.")
	flagData = flag.String("data", "~/work/cifar",
		"Directory with the CIFAR-10 binary files, or \"synthetic\" for a generated dataset.")
	flagSubset = flag.String("subset", "train", "Subset of the data to train on: \"train\" or \"test\".")

	flagNumReplicas = flag.Int("num_replicas", 1, "Number of replicas (towers) trained in lock-step.")
	flagNumDevices  = flag.Int("num_devices", 0,
		"Number of devices available for the replicas. If 0, one per CPU core.")
	flagSoftPlacement = flag.Bool("allow_soft_placement", true,
		"Allow more replicas than devices, by sharing devices round-robin.")
	flagLogDevicePlacement = flag.Bool("log_device_placement", false, "Log the device assigned to each replica.")

	flagBatchSize = flag.Int("batch_size", 128, "Number of images per batch, for each replica.")
	flagStartStep = flag.Int64("start_step", -1,
		"First step to run. If negative, training continues from the global step of the restored checkpoint.")
	flagMaxSteps = flag.Int64("max_steps", 1_000_000, "One past the last step to run.")

	flagProgressEvery   = flag.Int64("log_frequency", 10, "Steps between progress lines. 0 disables them.")
	flagSummaryEvery    = flag.Int64("summary_every", 100, "Steps between summaries. 0 disables them.")
	flagCheckpointEvery = flag.Int64("checkpoint_every", 1000, "Steps between checkpoints. 0 only saves at the end.")
	flagKeep            = flag.Int("keep", 5, "Number of checkpoints to keep. -1 keeps all of them.")

	flagLearningRate   = flag.Float64("initial_learning_rate", 0.1, "Initial learning rate.")
	flagDecayFactor    = flag.Float64("learning_rate_decay_factor", 0.1, "Learning rate decay factor.")
	flagEpochsPerDecay = flag.Float64("num_epochs_per_decay", 350, "Epochs after which the learning rate decays.")
	flagMovingAverage  = flag.Float64("moving_average_decay", 0.9999,
		"Decay of the moving averages of the trainable variables. 0 disables them.")

	flagPretrained = flag.String("pretrained_model_checkpoint_path", "",
		"Checkpoint (or directory) to restore the variables within -restore_scope from, when starting a new run.")
	flagRestoreScope = flag.String("restore_scope", "/"+cnn.Scope+"/features",
		"Scope of the variables restored from -pretrained_model_checkpoint_path.")

	flagTopK           = flag.Int("top_k", train.DefaultTopK, "k of the top-k accuracy reported during training.")
	flagReplicaTimeout = flag.Duration("replica_timeout", 0,
		"How long to wait for all replicas at each step. 0 waits forever.")
	flagAbsent = flag.String("absent_gradients", train.AbsentMeanOverReporting.String(),
		fmt.Sprintf("How to average gradients not reported by all replicas: %q (over the replicas that report it) "+
			"or %q (absent gradients count as zeros).", train.AbsentMeanOverReporting, train.AbsentAsZero))

	flagSynthetic     = flag.Int("synthetic_examples", 5000, "Number of examples of -data=synthetic.")
	flagSyntheticSize = flag.Int("synthetic_size", 32, "Height and width of the images of -data=synthetic.")
	flagDistort       = flag.Bool("distort", true, "Randomly distort the training images.")
	flagProgressBar   = flag.Bool("progress_bar", false, "Display a progress bar, instead of logging progress lines.")
	flagEval          = flag.Bool("eval", true, "Evaluate the model on the test data at the end.")
	flagEvalBatchSize = flag.Int("eval_batch_size", 500, "Batch size used for evaluation.")
	flagSeed          = flag.Uint64("seed", 42, "Seed for data shuffling and distortions.")
)

// createDefaultContext sets the context with the default hyperparameters.
func createDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		optimizers.ParamOptimizer:               "sgd",
		optimizers.ParamLearningRateSchedule:    "exponential",
		optimizers.ParamMomentum:                0.9,
		optimizers.ParamMovingAverageNumUpdates: true,
		initializers.ParamDefault:               "he",
		initializers.ParamInitialSeed:           int64(0),

		cnn.ParamConvChannels: []int{32, 64},
		cnn.ParamWeightDecay:  1e-4,
		cnn.ParamDType:        "float32",
	})
	return ctx
}

// optionsFromFlags returns the training options and sets the hyperparameters given by flags in ctx.
func optionsFromFlags(ctx *context.Context) (*options, error) {
	absent, err := train.ParseAbsentPolicy(*flagAbsent)
	if err != nil {
		return nil, err
	}
	ctx.SetParams(map[string]any{
		optimizers.ParamLearningRate:            *flagLearningRate,
		optimizers.ParamLearningRateDecayFactor: *flagDecayFactor,
		optimizers.ParamEpochsPerDecay:          *flagEpochsPerDecay,
		optimizers.ParamMovingAverageDecay:      *flagMovingAverage,
	})
	numDevices := *flagNumDevices
	if numDevices <= 0 {
		numDevices = distributed.NumHostDevices()
	}
	return &options{
		trainDir:          *flagTrainDir,
		data:              *flagData,
		subset:            *flagSubset,
		numReplicas:       *flagNumReplicas,
		numDevices:        numDevices,
		placement:         distributed.PlacementOptions{AllowSoftPlacement: *flagSoftPlacement, LogDevicePlacement: *flagLogDevicePlacement},
		batchSize:         *flagBatchSize,
		startStep:         *flagStartStep,
		maxSteps:          *flagMaxSteps,
		progressEvery:     *flagProgressEvery,
		summaryEvery:      *flagSummaryEvery,
		checkpointEvery:   *flagCheckpointEvery,
		keep:              *flagKeep,
		pretrained:        *flagPretrained,
		restoreScope:      *flagRestoreScope,
		topK:              *flagTopK,
		replicaTimeout:    *flagReplicaTimeout,
		absent:            absent,
		syntheticExamples: *flagSynthetic,
		syntheticSize:     *flagSyntheticSize,
		distort:           *flagDistort,
		progressBar:       *flagProgressBar,
		eval:              *flagEval,
		evalBatchSize:     *flagEvalBatchSize,
		seed:              *flagSeed,
		handleSignals:     true,
	}, nil
}

func main() {
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	opts, err := optionsFromFlags(ctx)
	if err == nil {
		var paramsSet []string
		paramsSet, err = commandline.ParseContextSettings(ctx, *settings)
		if err == nil && len(paramsSet) > 0 {
			klog.Infof("hyperparameters set:\n%s", commandline.SprintModifiedContextSettings(ctx, paramsSet))
		}
	}
	if err == nil {
		_, err = trainModel(ctx, opts)
	}
	if code := exitCode(err); code != 0 {
		klog.Errorf("towertrain failed: %+v", err)
		klog.Flush()
		fmt.Fprintf(os.Stderr, "towertrain: %s\n", diagnostic(err))
		os.Exit(code)
	}
}

// Exit codes of the fatal error classes.
const (
	exitOther              = 1
	exitDivergence         = 2
	exitIncompleteSync     = 3
	exitUnknownParameter   = 4
	exitCheckpointMismatch = 5
)

// exitCode returns the process exit status for the result of the training.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	switch train.FatalKind(err) {
	case train.KindDivergence:
		return exitDivergence
	case train.KindIncompleteSync:
		return exitIncompleteSync
	case train.KindUnknownParameter:
		return exitUnknownParameter
	case train.KindCheckpointMismatch:
		return exitCheckpointMismatch
	}
	return exitOther
}

// diagnostic returns a one-line message naming the class of the failure.
func diagnostic(err error) string {
	kind := train.FatalKind(err)
	if kind == "" {
		kind = "error"
	}
	return fmt.Sprintf("%s: %v", kind, err)
}
