// Package plots defines the metric points recorded during training: they are appended to a
// JSON-lines file in the training directory (see NewPointsWriter), and loaded back for tables
// and plots (see LoadPoints).
package plots

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path"
	"slices"
	"sort"
	"sync"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/towers/pkg/support/fsutil"
	"github.com/gomlx/towers/pkg/support/sets"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// TrainingPlotFileName is the file name within a training directory where the metric points collected
// during training are stored.
const TrainingPlotFileName = "training_plot_points.json"

// Point is one measurement of a metric. It is the record stored in the points file.
type Point struct {
	// RunID identifies the training run (process) that recorded the point. A resumed training
	// appends points with a new RunID to the same file.
	RunID string `json:",omitempty"`

	// MetricName and its Short version, used for column names.
	MetricName, Short string

	// MetricType typically will be "loss", "accuracy", "learning_rate" or "histogram".
	// Plots group metrics of the same type.
	MetricType string

	// Step is the global step the metric was measured, stored as a float64.
	Step float64

	Value float64
}

// LoadPointsFromCheckpoint loads the points saved during training in the file TrainingPlotFileName
// of a training directory.
func LoadPointsFromCheckpoint(checkpointDir string) ([]Point, error) {
	return LoadPoints(path.Join(fsutil.MustReplaceTildeInDir(checkpointDir), TrainingPlotFileName))
}

// LoadPoints parses all points saved in the given file, in the order they were written.
func LoadPoints(filePath string) ([]Point, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read points file %q", filePath)
	}
	defer func() { _ = f.Close() }()

	var points []Point
	dec := json.NewDecoder(bufio.NewReader(f))
	for dec.More() {
		var point Point
		if err := dec.Decode(&point); err != nil {
			return nil, errors.Wrapf(err, "error while decoding point #%d of file %q", len(points), filePath)
		}
		points = append(points, point)
	}
	return points, nil
}

// PointsWriter appends points to a file in the background, so writes don't block the training loop.
type PointsWriter struct {
	filePath string
	points   chan Point
	done     chan error

	mu     sync.Mutex
	closed bool
}

// NewPointsWriter opens (or creates) the file for appending points.
func NewPointsWriter(filePath string) (*PointsWriter, error) {
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open points file %q for append", filePath)
	}
	w := &PointsWriter{filePath: filePath, points: make(chan Point, 100), done: make(chan error, 1)}
	go w.writeLoop(f)
	return w, nil
}

// writeLoop writes the queued points until the queue is closed. Non-finite values, which JSON can't
// represent, are skipped. A point that fails to be written is logged and dropped, and the writer carries
// on with the next ones: the first such error is reported by Close.
func (w *PointsWriter) writeLoop(f *os.File) {
	buf := bufio.NewWriter(f)
	enc := json.NewEncoder(buf)
	var firstErr error
	report := func(err error) {
		klog.Warningf("points file %q: %v", w.filePath, err)
		if firstErr == nil {
			firstErr = err
		}
	}
	for point := range w.points {
		if math.IsNaN(point.Value) || math.IsInf(point.Value, 0) {
			klog.V(1).Infof("points file %q: skipping non-finite %s=%g at step %g", w.filePath,
				point.MetricName, point.Value, point.Step)
			continue
		}
		if err := enc.Encode(point); err != nil {
			report(errors.Wrapf(err, "failed to encode point %+v", point))
			continue
		}
		if len(w.points) == 0 {
			if err := buf.Flush(); err != nil {
				report(errors.Wrapf(err, "failed to write to %q", w.filePath))
			}
		}
	}
	if err := buf.Flush(); err != nil {
		report(errors.Wrapf(err, "failed to write to %q", w.filePath))
	}
	if err := f.Close(); err != nil {
		report(errors.Wrapf(err, "failed to close %q", w.filePath))
	}
	w.done <- firstErr
}

// FilePath where the points are written.
func (w *PointsWriter) FilePath() string { return w.filePath }

// Write queues the points to be written. It returns an error if the writer was already closed.
func (w *PointsWriter) Write(points ...Point) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.Errorf("points writer for %q already closed", w.filePath)
	}
	for _, point := range points {
		w.points <- point
	}
	return nil
}

// Close waits for all queued points to be written, and closes the file. It returns the first error
// that happened while writing, if any. Further calls are no-ops.
func (w *PointsWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	close(w.points)
	return <-w.done
}

// Latest keeps, for each metric and step, only the last point written. A resumed training may record again
// steps already recorded by an interrupted run: the newer values are kept, in their original position.
func Latest(points []Point) []Point {
	type key struct {
		name string
		step float64
	}
	last := make(map[key]int, len(points))
	for ii, point := range points {
		last[key{point.MetricName, point.Step}] = ii
	}
	latest := make([]Point, 0, len(last))
	for ii, point := range points {
		if last[key{point.MetricName, point.Step}] == ii {
			latest = append(latest, point)
		}
	}
	return latest
}

// Points is a collection of Point objects organized by their Step value.
type Points map[float64][]Point

// NewPoints creates a Points collection from individual points.
func NewPoints(rawPoints []Point) Points {
	points := make(Points)
	for _, p := range rawPoints {
		points[p.Step] = append(points[p.Step], p)
	}
	return points
}

// Steps returns the steps with points, in increasing order.
func (points Points) Steps() []float64 {
	steps := maps.Keys(points)
	slices.Sort(steps)
	return steps
}

// Map executes fn on all individual points, in Step order.
func (points Points) Map(fn func(p *Point)) {
	for _, step := range points.Steps() {
		stepPoints := points[step]
		for ii := range stepPoints {
			fn(&stepPoints[ii])
		}
	}
}

// MetricsNames returns the metric names in the collection, sorted by their type and then by their name.
func (points Points) MetricsNames() []string {
	metricNames := sets.Make[string]()
	nameToType := make(map[string]string)
	points.Map(func(p *Point) {
		metricNames.Insert(p.MetricName)
		nameToType[p.MetricName] = p.MetricType
	})
	names := sets.Sorted(metricNames)
	sort.SliceStable(names, func(i, j int) bool {
		return nameToType[names[i]] < nameToType[names[j]]
	})
	return names
}

// Series returns the steps and values of the given metric, in step order.
// Non-finite values are skipped.
func (points Points) Series(metricName string) (steps, values []float64) {
	points.Map(func(p *Point) {
		if p.MetricName != metricName || math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			return
		}
		steps = append(steps, p.Step)
		values = append(values, p.Value)
	})
	return
}

// TableForMetrics renders a table with the Step in the first column followed by one column per metric.
// If metrics is empty, all metrics are included.
func (points Points) TableForMetrics(metrics ...string) string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := cellStyle.Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row < 0 {
				return headerStyle
			}
			return cellStyle
		})
	if len(metrics) == 0 {
		metrics = points.MetricsNames()
	}
	table.Headers(append([]string{"Step"}, metrics...)...)
	for _, step := range points.Steps() {
		row := make([]string, 1+len(metrics))
		row[0] = fmt.Sprintf("%.0f", step)
		for _, pt := range points[step] {
			if idx := slices.Index(metrics, pt.MetricName); idx != -1 {
				if math.IsNaN(pt.Value) {
					row[idx+1] = "-"
				} else {
					row[idx+1] = fmt.Sprintf("%g", pt.Value)
				}
			}
		}
		table.Row(row...)
	}
	return table.String()
}

func (points Points) String() string {
	return points.TableForMetrics()
}
