// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package summary implements the diagnostics sink of the training loop: scalar and histogram
// summaries, keyed by name and tagged with the step they were taken at.
//
// Sinks are fire-and-forget: a failing sink logs a warning and drops the summary, it never
// interrupts training.
package summary

import (
	"fmt"
	"maps"
	"path"
	"slices"
	"strings"

	"github.com/gomlx/towers/pkg/support/fsutil"
	"github.com/gomlx/towers/ui/plots"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Value of a summary: either a Scalar or a *Histogram.
type Value interface {
	// Points converts the value to plot points for the given summary name.
	Points(name string) []plots.Point
}

// Scalar summary value.
type Scalar float64

// Points implements Value.
func (s Scalar) Points(name string) []plots.Point {
	return []plots.Point{{
		MetricName: name,
		Short:      ShortName(name),
		MetricType: MetricType(name),
		Value:      float64(s),
	}}
}

// Sink receives the summaries of the training loop.
type Sink interface {
	// Write the values for the given step. It never fails: errors are logged and the values dropped.
	Write(step int64, values map[string]Value)

	// Close flushes and releases the sink. Writes after Close are dropped.
	Close() error
}

// NewRunID returns a new unique identifier for a training run.
func NewRunID() string {
	return uuid.NewString()
}

// MetricType returns the type of metric for a summary name, used to group similar metrics
// in plots: it is the first component of the name, with "top_k" mapped to "accuracy".
func MetricType(name string) string {
	first, _, _ := strings.Cut(name, "/")
	switch first {
	case "top_k":
		return "accuracy"
	case "":
		return "scalar"
	}
	return first
}

// ShortName returns the last component of a summary name.
func ShortName(name string) string {
	if idx := strings.LastIndex(name, "/"); idx >= 0 && idx < len(name)-1 {
		return name[idx+1:]
	}
	return name
}

// SortedNames returns the names of the values in sorted order.
func SortedNames(values map[string]Value) []string {
	return slices.Sorted(maps.Keys(values))
}

// NopSink drops all summaries.
type NopSink struct{}

// Write implements Sink.
func (NopSink) Write(int64, map[string]Value) {}

// Close implements Sink.
func (NopSink) Close() error { return nil }

// MultiSink writes to all its sinks.
type MultiSink []Sink

// Write implements Sink.
func (ms MultiSink) Write(step int64, values map[string]Value) {
	for _, s := range ms {
		s.Write(step, values)
	}
}

// Close implements Sink. It closes all sinks, and returns the first error.
func (ms MultiSink) Close() error {
	var firstErr error
	for _, s := range ms {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LogSink logs the scalar summaries with klog at verbosity level 1.
type LogSink struct{}

// Write implements Sink.
func (LogSink) Write(step int64, values map[string]Value) {
	if !klog.V(1).Enabled() {
		return
	}
	var parts []string
	for _, name := range SortedNames(values) {
		switch v := values[name].(type) {
		case Scalar:
			parts = append(parts, fmt.Sprintf("%s=%.4g", name, float64(v)))
		case *Histogram:
			parts = append(parts, fmt.Sprintf("%s=hist(n=%d, mean=%.4g)", name, v.Count, v.Mean))
		}
	}
	klog.V(1).Infof("summaries at step %d: %s", step, strings.Join(parts, ", "))
}

// Close implements Sink.
func (LogSink) Close() error { return nil }

// JSONLinesSink appends the summaries as plots.Point records, one JSON object per line, to the
// file plots.TrainingPlotFileName in a directory.
type JSONLinesSink struct {
	runID  string
	writer *plots.PointsWriter
}

var _ Sink = (*JSONLinesSink)(nil)

// NewJSONLinesSink creates the directory if needed, and starts appending summaries to its
// plots.TrainingPlotFileName file. The runID tags every point written.
func NewJSONLinesSink(dir, runID string) (*JSONLinesSink, error) {
	dir, err := fsutil.EnsureDir(dir)
	if err != nil {
		return nil, errors.WithMessagef(err, "summary sink")
	}
	writer, err := plots.NewPointsWriter(path.Join(dir, plots.TrainingPlotFileName))
	if err != nil {
		return nil, errors.WithMessagef(err, "summary sink")
	}
	return &JSONLinesSink{runID: runID, writer: writer}, nil
}

// FilePath where the summaries are written.
func (s *JSONLinesSink) FilePath() string {
	return s.writer.FilePath()
}

// Write implements Sink.
func (s *JSONLinesSink) Write(step int64, values map[string]Value) {
	var points []plots.Point
	for _, name := range SortedNames(values) {
		for _, point := range values[name].Points(name) {
			point.RunID = s.runID
			point.Step = float64(step)
			points = append(points, point)
		}
	}
	if err := s.writer.Write(points...); err != nil {
		klog.Warningf("dropping %d summaries of step %d: %v", len(values), step, err)
	}
}

// Close implements Sink. It waits for all points to be written.
func (s *JSONLinesSink) Close() error {
	if err := s.writer.Close(); err != nil {
		klog.Warningf("summaries to %q were not all written: %v", s.FilePath(), err)
		return err
	}
	return nil
}
