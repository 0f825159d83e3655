package main

import (
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/towers/pkg/core/tensors"
	"github.com/gomlx/towers/pkg/ml/context"
	"github.com/gomlx/towers/pkg/ml/context/checkpoints"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

var (
	flagPerturbVars = flag.Float64("perturb", 0,
		"Perturbs trainable variables by <x>: it multiplies the weights by 1.0+(RandomUniform(-1, 1)*x), and saves "+
			"a new checkpoint with the same global step. Only variables that are both trainable and float are modified.")
	flagPerturbSeed = flag.Int64("perturb_seed", 0, "Seed used for -perturb.")
)

// VariableStats holds the magnitudes of a variable's values.
type VariableStats struct {
	// MAV is the mean absolute value, RMS the root mean square and MaxAV the max absolute value.
	MAV, RMS, MaxAV float64
}

// ComputeVariableStats for a float tensor with at least one value.
func ComputeVariableStats(value *tensors.Tensor) VariableStats {
	values := value.Float64s()
	absValues := make([]float64, len(values))
	for ii, v := range values {
		absValues[ii] = math.Abs(v)
	}
	n := float64(len(values))
	return VariableStats{
		MAV:   stat.Mean(absValues, nil),
		RMS:   floats.Norm(values, 2) / math.Sqrt(n),
		MaxAV: floats.Max(absValues),
	}
}

// variablesRows returns the rows of the variables report for the variables of the checkpoint under scope,
// sorted by scope and name.
func variablesRows(cp *checkpoints.Checkpoint, scope string) [][]string {
	var rows [][]string
	for _, info := range cp.Variables {
		if !context.InScope(info.ParameterName, scope) {
			continue
		}
		value := cp.Values[info.ParameterName]
		varScope, name := context.SplitScope(info.ParameterName)
		var mav, rms, maxAV string
		switch {
		case value.Size() == 1:
			mav = fmt.Sprintf("%8v", value.Float64s()[0])
		case value.DType().IsFloat() && value.Size() > 0:
			s := ComputeVariableStats(value)
			mav = fmt.Sprintf("%.3g", s.MAV)
			rms = fmt.Sprintf("%.3g", s.RMS)
			maxAV = fmt.Sprintf("%.3g", s.MaxAV)
		}
		shape := value.Shape().String()
		if info.StorageDType != info.DType {
			shape = fmt.Sprintf("%s (stored as %s)", shape, info.StorageDType)
		}
		rows = append(rows, []string{
			varScope, name, shape,
			humanize.Comma(int64(value.Size())),
			humanize.Bytes(uint64(value.Memory())),
			mav, rms, maxAV,
		})
	}
	slices.SortFunc(rows, func(a, b []string) int {
		if c := strings.Compare(a[0], b[0]); c != 0 {
			return c
		}
		return strings.Compare(a[1], b[1])
	})
	return rows
}

// ListVariables prints the variables of the checkpoint under scope, with their shape and magnitudes.
func ListVariables(w io.Writer, cp *checkpoints.Checkpoint, scope string) {
	_, _ = fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Variables in scope %q", scope)))
	table := newPlainTable(true)
	table.Headers("Scope", "Name", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV")
	for _, row := range variablesRows(cp, scope) {
		table.Row(row...)
	}
	_, _ = fmt.Fprintln(w, table.Render())
}

func printGlossary() {
	fmt.Printf("  %s:\n", sectionStyle.Render("Glossary"))
	fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("Scalar/MAV"), italicStyle.Render("If variable is a scalar then the value itself, else the Mean Absolute Value"))
	fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("RMS"), italicStyle.Render("Root Mean Square"))
	fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("MaxAV"), italicStyle.Render("Max Absolute Value"))
}

// PerturbVars loads the latest checkpoint in dir, multiplies each value of the trainable float variables by
// 1+RandomUniform(-x, x), and saves the result as a new checkpoint with the same global step and Params.
func PerturbVars(dir string, x float64, seed uint64) error {
	cp, err := loadLatest(dir)
	if err != nil {
		return err
	}
	ctx := context.New()
	for scope, params := range cp.Params {
		scopedCtx := ctx.InAbsPath(scope)
		for key, value := range params {
			scopedCtx.SetParam(key, value)
		}
	}
	rng := rand.New(rand.NewPCG(seed, seed))
	var numUpdates int
	for _, info := range cp.Variables {
		value := cp.Values[info.ParameterName]
		if info.Trainable && value.DType().IsFloat() {
			values := value.Float64s()
			for ii := range values {
				values[ii] *= 1 + (2*rng.Float64()-1)*x
			}
			value = tensors.FromFloat64s(value.DType(), values, value.Shape().Dimensions...)
			numUpdates++
		}
		scope, name := context.SplitScope(info.ParameterName)
		ctx.InAbsPath(scope).VariableWithValue(name, value).SetTrainable(info.Trainable)
	}
	handler, err := checkpoints.Build(ctx).Dir(dir).Keep(-1).WithRunID(cp.RunID).Done()
	if err != nil {
		return err
	}
	if err = handler.Persist(cp.GlobalStep); err != nil {
		return err
	}
	klog.Infof("%d trainable variables perturbed by %g, new checkpoint saved in %q", numUpdates, x, handler.Dir())
	return nil
}
