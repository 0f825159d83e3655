// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"math"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPointsWriterAndLoad(t *testing.T) {
	dir := t.TempDir()
	filePath := path.Join(dir, TrainingPlotFileName)
	writer, err := NewPointsWriter(filePath)
	require.NoError(t, err)
	for step := range 3 {
		require.NoError(t, writer.Write(
			Point{RunID: "run", MetricName: "Loss", Short: "loss", MetricType: "loss",
				Step: float64(step * 10), Value: 1.0 / float64(step+1)},
			Point{RunID: "run", MetricName: "Top-5", Short: "top5", MetricType: "accuracy",
				Step: float64(step * 10), Value: 0.5}))
	}
	require.NoError(t, writer.Close())
	require.NoError(t, writer.Close())
	require.Error(t, writer.Write(Point{MetricName: "Loss"}))

	raw, err := LoadPointsFromCheckpoint(dir)
	require.NoError(t, err)
	require.Len(t, raw, 6)
	assert.Equal(t, "run", raw[0].RunID)

	points := NewPoints(raw)
	assert.Len(t, points, 3)
	assert.Equal(t, []string{"Top-5", "Loss"}, points.MetricsNames())

	assert.Equal(t, []float64{0, 10, 20}, points.Steps())
	steps, values := points.Series("Loss")
	assert.Equal(t, []float64{0, 10, 20}, steps)
	assert.InDelta(t, 0.5, values[1], 1e-9)

	table := points.TableForMetrics("Loss")
	assert.Contains(t, table, "Loss")
	assert.NotContains(t, table, "Top-5")
	assert.Contains(t, points.String(), "Top-5")

	// Appending to an existing file keeps the previous points.
	writer, err = NewPointsWriter(filePath)
	require.NoError(t, err)
	require.NoError(t, writer.Write(Point{RunID: "resumed", MetricName: "Loss", MetricType: "loss", Step: 30, Value: 0.1}))
	require.NoError(t, writer.Close())
	raw, err = LoadPoints(filePath)
	require.NoError(t, err)
	assert.Len(t, raw, 7)
	assert.Equal(t, "resumed", raw[6].RunID)
}

func TestPointsWriterSkipsNonFinite(t *testing.T) {
	filePath := path.Join(t.TempDir(), TrainingPlotFileName)
	writer, err := NewPointsWriter(filePath)
	require.NoError(t, err)
	require.NoError(t, writer.Write(Point{MetricName: "top_k", MetricType: "accuracy", Step: 1, Value: math.NaN()}))
	for step := 2; step <= 5; step++ {
		require.NoError(t, writer.Write(Point{MetricName: "loss", MetricType: "loss", Step: float64(step), Value: 1}))
	}
	require.NoError(t, writer.Write(Point{MetricName: "loss", MetricType: "loss", Step: 6, Value: math.Inf(1)}))
	require.NoError(t, writer.Write(Point{MetricName: "loss", MetricType: "loss", Step: 7, Value: 0.5}))
	require.NoError(t, writer.Close())

	raw, err := LoadPoints(filePath)
	require.NoError(t, err)
	require.Len(t, raw, 5)
	steps, _ := NewPoints(raw).Series("loss")
	assert.Equal(t, []float64{2, 3, 4, 5, 7}, steps)
}

func TestLoadPointsMissingFile(t *testing.T) {
	_, err := LoadPoints(path.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestSeries(t *testing.T) {
	points := NewPoints([]Point{
		{MetricName: "Loss", Step: 20, Value: 0.5},
		{MetricName: "Loss", Step: 10, Value: 1.0},
		{MetricName: "Top-5", Step: 10, Value: 0.3},
	})
	steps, values := points.Series("Loss")
	assert.Equal(t, []float64{10, 20}, steps)
	assert.Equal(t, []float64{1.0, 0.5}, values)
}

func TestLatest(t *testing.T) {
	latest := Latest([]Point{
		{MetricName: "Loss", Step: 10, Value: 1},
		{MetricName: "Loss", Step: 20, Value: 0.9},
		{MetricName: "Top-1", Step: 20, Value: 0.1},
		// Resumed from step 10.
		{MetricName: "Loss", Step: 20, Value: 0.8},
		{MetricName: "Loss", Step: 30, Value: 0.7},
	})
	require.Len(t, latest, 4)
	assert.Equal(t, []float64{1, 0.1, 0.8, 0.7},
		[]float64{latest[0].Value, latest[1].Value, latest[2].Value, latest[3].Value})
}
