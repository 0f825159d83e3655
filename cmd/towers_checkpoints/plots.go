package main

import (
	"flag"
	"fmt"
	"math"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/towers/pkg/support/sets"
	"github.com/gomlx/towers/ui/plots"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

var flagPlot = flag.String("plot", "",
	"Plots the selected metrics (see -metrics_names and -metrics_types) to the given PNG file. "+
		"If there is more than one metric type, one file per type is created, with the type appended to the file name.")

// plotFileName returns the file name of the plot of the given metric type.
func plotFileName(basePath, metricType string, numTypes int) string {
	if numTypes <= 1 {
		return basePath
	}
	ext := filepath.Ext(basePath)
	return fmt.Sprintf("%s-%s%s", strings.TrimSuffix(basePath, ext), metricType, ext)
}

// BuildPlots saves one plot per metric type with a line per selected metric (and model). It returns the files
// created.
func BuildPlots(basePath string, names []string, metricsOrder map[ModelNameAndMetric]int, points [][]plots.Point) (
	[]string, error) {
	lines := make(map[ModelNameAndMetric]plotter.XYs, len(metricsOrder))
	for modelIdx, pointsPerModel := range points {
		for _, point := range pointsPerModel {
			key := ModelNameAndMetric{names[modelIdx], point.Short, point.MetricType}
			if _, found := metricsOrder[key]; !found || math.IsNaN(point.Value) || math.IsInf(point.Value, 0) {
				continue
			}
			lines[key] = append(lines[key], plotter.XY{X: point.Step, Y: point.Value})
		}
	}
	metricTypes := sets.Make[string]()
	for key := range lines {
		metricTypes.Insert(key.MetricType)
	}

	var files []string
	for _, metricType := range sets.Sorted(metricTypes) {
		p := plot.New()
		p.Title.Text = metricType
		p.X.Label.Text = "Global Step"
		p.Legend.Top = true
		var keys []ModelNameAndMetric
		for key := range lines {
			if key.MetricType == metricType {
				keys = append(keys, key)
			}
		}
		slices.SortFunc(keys, func(a, b ModelNameAndMetric) int { return metricsOrder[a] - metricsOrder[b] })
		for ii, key := range keys {
			xys := lines[key]
			slices.SortStableFunc(xys, func(a, b plotter.XY) int {
				switch {
				case a.X < b.X:
					return -1
				case a.X > b.X:
					return 1
				}
				return 0
			})
			line, err := plotter.NewLine(xys)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to plot metric %q", key.MetricName)
			}
			line.Color = plotutil.Color(ii)
			line.Dashes = plotutil.Dashes(ii / 7)
			p.Add(line)
			label := key.MetricName
			if len(names) > 1 {
				label = fmt.Sprintf("%s: %s", key.ModelName, key.MetricName)
			}
			p.Legend.Add(label, line)
		}
		p.Add(plotter.NewGrid())
		fileName := plotFileName(basePath, metricType, len(metricTypes))
		if err := p.Save(10*vg.Inch, 6*vg.Inch, fileName); err != nil {
			return nil, errors.Wrapf(err, "failed to save plot to %q", fileName)
		}
		files = append(files, fileName)
	}
	return files, nil
}
