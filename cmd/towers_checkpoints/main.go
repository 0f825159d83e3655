// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// towers_checkpoints inspects the checkpoints written by towertrain: it reports a summary, the hyperparameters,
// the variables (with their magnitudes) and the metrics collected during training, and it can plot the
// metrics to PNG files.
//
// Usage:
//
//	towers_checkpoints [flags] <train_dir> [<train_dir> ...]
//
// When more than one training directory is given, the reports compare their latest checkpoints side by side.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/towers/pkg/ml/context"
	"github.com/gomlx/towers/pkg/ml/context/checkpoints"
	"github.com/gomlx/towers/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagScope = flag.String("scope", "/cnn", "The scope of the checkpoint to inspect. "+
		"Besides the model, a checkpoint holds support variables (optimizer slots, moving averages, the global step) "+
		"that may not matter: this flag tells which scope is considered for the summary and variables reports.")

	flagSummary = flag.Bool("summary", false, "Display a summary of the checkpoint: global step, run id, and the model sizes "+
		"for the variables under -scope.")
	flagParams   = flag.Bool("params", false, "Lists the hyperparameters.")
	flagVars     = flag.Bool("vars", false, "Lists the variables under -scope.")
	flagList     = flag.Bool("list", false, "Lists all checkpoints kept in the training directory.")
	flagGlossary = flag.Bool("glossary", true, "Print a glossary for the columns of the variables report.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing checkpoint directory to read from. See 'towers_checkpoints -help'")
		os.Exit(1)
	}
	if err := report(args); err != nil {
		klog.Errorf("Failed: %+v", err)
		os.Exit(1)
	}
}

// loadLatest reads the most recent checkpoint in the training directory.
func loadLatest(dir string) (*checkpoints.Checkpoint, error) {
	dir = fsutil.MustReplaceTildeInDir(dir)
	exists, err := fsutil.FileExists(dir)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.Errorf("checkpoint directory %q does not exist", dir)
	}
	handler, err := checkpoints.Build(context.New()).Dir(dir).Keep(-1).Done()
	if err != nil {
		return nil, err
	}
	latest, err := handler.LatestCheckpoint()
	if err != nil {
		return nil, err
	}
	if latest == "" {
		return nil, errors.Errorf("no checkpoints found in %q", dir)
	}
	return checkpoints.Read(handler.Backend(), latest)
}

func report(dirs []string) error {
	names := MinimalUniquePaths(dirs...)
	if *flagPerturbVars != 0 {
		for _, dir := range dirs {
			if err := PerturbVars(dir, *flagPerturbVars, uint64(*flagPerturbSeed)); err != nil {
				return err
			}
		}
	}

	needsCheckpoints := *flagSummary || *flagParams || *flagVars
	var cps []*checkpoints.Checkpoint
	if needsCheckpoints {
		for _, dir := range dirs {
			cp, err := loadLatest(dir)
			if err != nil {
				return err
			}
			cps = append(cps, cp)
		}
	}
	if *flagSummary {
		Summary(cps, names, *flagScope)
	}
	if *flagParams {
		Params(cps, names)
	}
	if *flagVars {
		for ii, cp := range cps {
			if len(cps) > 1 {
				fmt.Println(titleStyle.Render(names[ii]))
			}
			ListVariables(os.Stdout, cp, *flagScope)
		}
		if *flagGlossary {
			printGlossary()
		}
	}
	if *flagList {
		for _, dir := range dirs {
			if err := ListCheckpoints(dir); err != nil {
				return err
			}
		}
	}
	if *flagMetrics || *flagMetricsLabels || *flagMetricsDescribe || *flagPlot != "" {
		return metrics(dirs, names)
	}
	return nil
}
