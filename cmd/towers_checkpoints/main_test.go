// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/gomlx/towers/pkg/core/tensors"
	"github.com/gomlx/towers/pkg/ml/context"
	"github.com/gomlx/towers/pkg/ml/context/checkpoints"
	"github.com/gomlx/towers/pkg/support/fsutil"
	"github.com/gomlx/towers/ui/plots"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// saveTestCheckpoint saves a checkpoint with a trainable matrix, a non-trainable counter and one param.
func saveTestCheckpoint(t *testing.T, dir string) {
	ctx := context.New()
	ctx.SetParam("learning_rate", 0.1)
	ctx.InAbsPath("/cnn").VariableWithValue("w", tensors.FromScalarAndDimensions(1.0, 100, 100))
	ctx.InAbsPath("/cnn").VariableWithValue("b", tensors.FromFlatDataAndDimensions([]float64{-3, 4}, 2))
	ctx.InAbsPath("/stats").VariableWithValue("count", int64(7)).SetTrainable(false)
	handler, err := checkpoints.Build(ctx).Dir(dir).Keep(-1).Done()
	require.NoError(t, err)
	require.NoError(t, handler.Save())
}

func TestPerturbVars(t *testing.T) {
	dir := t.TempDir()
	saveTestCheckpoint(t, dir)

	const perturbAmount = 0.1
	require.NoError(t, PerturbVars(dir, perturbAmount, 42))

	cp, err := loadLatest(dir)
	require.NoError(t, err)
	values := cp.Values["/cnn/w"].Float64s()
	var lowerCount, higherCount int
	for _, v := range values {
		require.Greater(t, v, 1.0-perturbAmount)
		require.Less(t, v, 1.0+perturbAmount)
		if v < 1.0 {
			lowerCount++
		} else if v > 1.0 {
			higherCount++
		}
	}
	// At least 99% of the values must have changed, about evenly up and down.
	totalCount := len(values)
	require.Greater(t, lowerCount+higherCount, 99*totalCount/100)
	diffCount := lowerCount - higherCount
	if diffCount < 0 {
		diffCount = -diffCount
	}
	require.Less(t, diffCount, 10*totalCount/100)

	// Non-trainable variables and params are preserved.
	assert.Equal(t, int64(7), tensors.ToScalar[int64](cp.Values["/stats/count"]))
	assert.Equal(t, 0.1, cp.Params[context.RootScope]["learning_rate"])

	handler, err := checkpoints.Build(context.New()).Dir(dir).Keep(-1).Done()
	require.NoError(t, err)
	names, err := handler.ListCheckpoints()
	require.NoError(t, err)
	assert.Len(t, names, 2)
}

func TestVariablesReport(t *testing.T) {
	dir := t.TempDir()
	saveTestCheckpoint(t, dir)
	cp, err := loadLatest(dir)
	require.NoError(t, err)

	s := ComputeVariableStats(cp.Values["/cnn/b"])
	assert.InDelta(t, 3.5, s.MAV, 1e-9)
	assert.InDelta(t, math.Sqrt(12.5), s.RMS, 1e-9)
	assert.InDelta(t, 4.0, s.MaxAV, 1e-9)

	rows := variablesRows(cp, "/cnn")
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"/cnn", "b"}, rows[0][:2])
	assert.Equal(t, "3.5", rows[0][5])
	assert.Equal(t, "10,000", rows[1][3])

	rows = variablesRows(cp, "/stats")
	require.Len(t, rows, 1)
	assert.Contains(t, rows[0][5], "7")
	assert.Empty(t, rows[0][6])

	_, err = loadLatest(filepath.Join(dir, "missing"))
	require.Error(t, err)
}

func TestParamsRows(t *testing.T) {
	cps := []*checkpoints.Checkpoint{
		{Params: map[string]map[string]any{"/": {"learning_rate": 0.1, "optimizer": "sgd"}}},
		{Params: map[string]map[string]any{"/": {"learning_rate": 0.2, "optimizer": "sgd"}}},
	}
	rows, differ := paramsRows(cps)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"/", "learning_rate", "float64", "0.1", "0.2"}, rows[0])
	assert.Equal(t, []string{"/", "optimizer", "string", "sgd", "sgd"}, rows[1])
	assert.Equal(t, []bool{true, false}, differ)
}

func TestMinimalUniquePaths(t *testing.T) {
	assert.Equal(t, []string{"/a/b"}, MinimalUniquePaths("/a/b"))
	assert.Equal(t, []string{"run1", "run2"}, MinimalUniquePaths("/work/run1/train", "/work/run2/train"))
	assert.Equal(t, []string{"a...x", "b...y"}, MinimalUniquePaths("/a/train/x", "/b/train/y"))
	assert.Equal(t, []string{"train", "train"}, MinimalUniquePaths("/w/train", "/w/train"))
}

func writePoints(t *testing.T, dir string, points ...plots.Point) {
	writer, err := plots.NewPointsWriter(filepath.Join(dir, plots.TrainingPlotFileName))
	require.NoError(t, err)
	require.NoError(t, writer.Write(points...))
	require.NoError(t, writer.Close())
}

func TestMetrics(t *testing.T) {
	dir := t.TempDir()
	writePoints(t, dir,
		plots.Point{MetricName: "Loss", Short: "loss", MetricType: "loss", Step: 10, Value: 2},
		plots.Point{MetricName: "Top-1", Short: "top1", MetricType: "accuracy", Step: 10, Value: 0.25},
		plots.Point{MetricName: "Loss", Short: "loss", MetricType: "loss", Step: 20, Value: 1},
		plots.Point{MetricName: "Loss", Short: "loss", MetricType: "loss", Step: 30, Value: math.NaN()},
		// Resumed run, appended to the same file.
		plots.Point{MetricName: "Loss", Short: "loss", MetricType: "loss", Step: 20, Value: 1.5},
	)
	points, err := plots.LoadPointsFromCheckpoint(dir)
	require.NoError(t, err)
	// The non-finite loss is not stored.
	require.Len(t, points, 4)
	allPoints := [][]plots.Point{plots.Latest(points)}
	names := []string{"run"}

	filter, err := newMetricsFilter("", "")
	require.NoError(t, err)
	metricsOrder, shortToName := orderMetrics(names, allPoints, filter)
	assert.Equal(t, map[string]string{"loss": "Loss", "top1": "Top-1"}, shortToName)
	assert.Equal(t, 1, metricsOrder[ModelNameAndMetric{"run", "loss", "loss"}])
	assert.Equal(t, 2, metricsOrder[ModelNameAndMetric{"run", "top1", "accuracy"}])
	assert.Equal(t, []string{"Global Step", "loss", "top1"}, metricsHeader(1, metricsOrder))

	rows := metricsTableRows(names, metricsOrder, allPoints)
	assert.Equal(t, [][]string{
		{"10", "2", "25.00%"},
		{"20", "1.5", ""},
	}, rows)

	all := metricSeries(names, metricsOrder, allPoints)
	require.Len(t, all, 2)
	assert.Equal(t, 2, all[0].Len())
	assert.InDelta(t, 1.75, all[0].Mean(), 1e-9)

	filter, err = newMetricsFilter("^top", "")
	require.NoError(t, err)
	metricsOrder, _ = orderMetrics(names, allPoints, filter)
	assert.Len(t, metricsOrder, 1)
	filter, err = newMetricsFilter("", "loss,learning_rate")
	require.NoError(t, err)
	metricsOrder, _ = orderMetrics(names, allPoints, filter)
	assert.Len(t, metricsOrder, 1)
	_, err = newMetricsFilter("(", "")
	require.Error(t, err)
}

func TestBuildPlots(t *testing.T) {
	dir := t.TempDir()
	allPoints := [][]plots.Point{{
		{MetricName: "Loss", Short: "loss", MetricType: "loss", Step: 1, Value: 2},
		{MetricName: "Loss", Short: "loss", MetricType: "loss", Step: 2, Value: 1},
		{MetricName: "Top-1", Short: "top1", MetricType: "accuracy", Step: 1, Value: 0.25},
		{MetricName: "Top-1", Short: "top1", MetricType: "accuracy", Step: 2, Value: 0.5},
	}}
	names := []string{"run"}
	filter, err := newMetricsFilter("", "")
	require.NoError(t, err)
	metricsOrder, _ := orderMetrics(names, allPoints, filter)
	files, err := BuildPlots(filepath.Join(dir, "metrics.png"), names, metricsOrder, allPoints)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "metrics-accuracy.png"), filepath.Join(dir, "metrics-loss.png")}, files)
	for _, file := range files {
		exists, err := fsutil.FileExists(file)
		require.NoError(t, err)
		assert.True(t, exists, file)
	}
	assert.Equal(t, "p.png", plotFileName("p.png", "loss", 1))
}
