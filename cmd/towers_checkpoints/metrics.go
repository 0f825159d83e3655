package main

import (
	"cmp"
	"flag"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/towers/pkg/support/sets"
	"github.com/gomlx/towers/ui/plots"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

var (
	flagMetrics = flag.Bool("metrics", false,
		fmt.Sprintf("Lists the metrics collected for plotting in file %q", plots.TrainingPlotFileName))
	flagMetricsLabels = flag.Bool("metrics_labels", false,
		fmt.Sprintf("Lists the metrics labels (short names) with their full description from file %q", plots.TrainingPlotFileName))
	flagMetricsDescribe = flag.Bool("metrics_describe", false,
		"Describes the distribution of each metric over the whole training: mean, standard deviation, quantiles.")
	flagMetricsNames = flag.String("metrics_names", "", "Regular expression that if matches the name or short name, the metric is included.")
	flagMetricsTypes = flag.String("metrics_types", "", "Comma-separate list of metric types to include in metrics reports.")
)

// ModelNameAndMetric holds information on the model name and one of its metric.
type ModelNameAndMetric struct{ ModelName, MetricName, MetricType string }

// metricsFilter selects the metrics included in the reports.
type metricsFilter struct {
	names *regexp.Regexp
	types sets.Set[string]
}

func newMetricsFilter(namesRegexp, typesList string) (*metricsFilter, error) {
	f := &metricsFilter{}
	if namesRegexp != "" {
		var err error
		f.names, err = regexp.Compile(namesRegexp)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to compile -metrics_names=%q matcher", namesRegexp)
		}
	}
	if typesList != "" {
		f.types = sets.MakeWith(strings.Split(typesList, ",")...)
	}
	return f, nil
}

func (f *metricsFilter) match(point plots.Point) bool {
	if f.names == nil && f.types == nil {
		return true
	}
	foundName := f.names != nil && (f.names.MatchString(point.MetricName) || f.names.MatchString(point.Short))
	foundType := f.types != nil && f.types.Has(point.MetricType)
	return foundName || foundType
}

// orderMetrics maps the selected metrics to their column, starting from 1 (column 0 is for the global step),
// sorted by metric name and then model name. It also returns the map of short to full metric names.
func orderMetrics(names []string, points [][]plots.Point, filter *metricsFilter) (
	metricsOrder map[ModelNameAndMetric]int, shortToName map[string]string) {
	shortToName = make(map[string]string)
	metricsUsed := sets.Make[ModelNameAndMetric]()
	for modelIdx, pointsPerModel := range points {
		for _, point := range pointsPerModel {
			shortToName[point.Short] = point.MetricName
			if filter.match(point) {
				metricsUsed.Insert(ModelNameAndMetric{names[modelIdx], point.Short, point.MetricType})
			}
		}
	}
	metricsInOrder := maps.Keys(metricsUsed)
	slices.SortFunc(metricsInOrder, func(a, b ModelNameAndMetric) int {
		if c := cmp.Compare(a.MetricName, b.MetricName); c != 0 {
			return c
		}
		return cmp.Compare(a.ModelName, b.ModelName)
	})
	metricsOrder = make(map[ModelNameAndMetric]int, len(metricsInOrder))
	for idx, nameMetric := range metricsInOrder {
		metricsOrder[nameMetric] = idx + 1
	}
	return
}

func metrics(dirs, names []string) error {
	points := make([][]plots.Point, len(dirs))
	foundSomething := false
	for ii, dir := range dirs {
		var err error
		points[ii], err = plots.LoadPointsFromCheckpoint(dir)
		if err != nil {
			return err
		}
		points[ii] = plots.Latest(points[ii])
		if len(points[ii]) > 0 {
			foundSomething = true
		}
	}
	if !foundSomething {
		klog.Errorf("No metrics found in file %q in paths %v", plots.TrainingPlotFileName, dirs)
		return nil
	}
	filter, err := newMetricsFilter(*flagMetricsNames, *flagMetricsTypes)
	if err != nil {
		return err
	}
	metricsOrder, shortToName := orderMetrics(names, points, filter)

	if *flagMetricsLabels {
		ReportMetricsLabels(shortToName)
	}
	if *flagMetrics {
		ReportMetrics(names, metricsOrder, points)
	}
	if *flagMetricsDescribe {
		DescribeMetrics(names, metricsOrder, points)
	}
	if *flagPlot != "" {
		files, err := BuildPlots(*flagPlot, names, metricsOrder, points)
		if err != nil {
			return err
		}
		for _, file := range files {
			fmt.Printf("Plot saved to %q\n", file)
		}
	}
	return nil
}

// ReportMetricsLabels list all metrics short and long names.
func ReportMetricsLabels(shortToName map[string]string) {
	fmt.Println(titleStyle.Render("Metrics Labels"))
	table := newPlainTable(true, lipgloss.Center, lipgloss.Left)
	table.Headers("Short", "MetricName")
	for _, short := range sets.Sorted(sets.MakeWith(maps.Keys(shortToName)...)) {
		table.Row(short, shortToName[short])
	}
	fmt.Println(table.Render())
}

func formatMetric(point plots.Point) string {
	switch point.MetricType {
	case "accuracy":
		return fmt.Sprintf("%.2f%%", 100.0*point.Value)
	default:
		return fmt.Sprintf("%.3g", point.Value)
	}
}

// metricsHeader returns the column headers: the global step followed by the metrics in order.
func metricsHeader(numModels int, metricsOrder map[ModelNameAndMetric]int) []string {
	header := make([]string, 1+len(metricsOrder))
	header[0] = "Global Step"
	for nameMetric, idx := range metricsOrder {
		if numModels == 1 {
			header[idx] = nameMetric.MetricName
		} else {
			header[idx] = fmt.Sprintf("%s: %s", nameMetric.ModelName, nameMetric.MetricName)
		}
	}
	return header
}

// metricsTableRows merges the points of all models by global step, one row per step, sorted by step.
func metricsTableRows(names []string, metricsOrder map[ModelNameAndMetric]int, points [][]plots.Point) [][]string {
	rowsByStep := make(map[int64][]string)
	for modelIdx, pointsPerModel := range points {
		for _, point := range pointsPerModel {
			colIdx, found := metricsOrder[ModelNameAndMetric{names[modelIdx], point.Short, point.MetricType}]
			if !found {
				continue
			}
			step := int64(point.Step)
			row := rowsByStep[step]
			if row == nil {
				row = make([]string, 1+len(metricsOrder))
				row[0] = humanize.Comma(step)
				rowsByStep[step] = row
			}
			row[colIdx] = formatMetric(point)
		}
	}
	steps := maps.Keys(rowsByStep)
	slices.Sort(steps)
	rows := make([][]string, 0, len(steps))
	for _, step := range steps {
		rows = append(rows, rowsByStep[step])
	}
	return rows
}

// ReportMetrics prints a table with one row per global step and one column per selected metric.
func ReportMetrics(names []string, metricsOrder map[ModelNameAndMetric]int, points [][]plots.Point) {
	fmt.Println(titleStyle.Render("Metrics Table"))
	table := newPlainTable(true, lipgloss.Right)
	table.Headers(metricsHeader(len(names), metricsOrder)...)
	for _, row := range metricsTableRows(names, metricsOrder, points) {
		table.Row(row...)
	}
	fmt.Println(table.Render())
}

// metricSeries returns the values of each selected metric, in the order of the points, as gota series.
// Non-finite values are dropped.
func metricSeries(names []string, metricsOrder map[ModelNameAndMetric]int, points [][]plots.Point) []series.Series {
	header := metricsHeader(len(names), metricsOrder)
	values := make([][]float64, len(header))
	for modelIdx, pointsPerModel := range points {
		for _, point := range pointsPerModel {
			idx, found := metricsOrder[ModelNameAndMetric{names[modelIdx], point.Short, point.MetricType}]
			if !found || math.IsNaN(point.Value) || math.IsInf(point.Value, 0) {
				continue
			}
			values[idx] = append(values[idx], point.Value)
		}
	}
	all := make([]series.Series, 0, len(header)-1)
	for idx := 1; idx < len(header); idx++ {
		all = append(all, series.New(values[idx], series.Float, header[idx]))
	}
	return all
}

// DescribeMetrics prints the distribution of each selected metric over all recorded points.
func DescribeMetrics(names []string, metricsOrder map[ModelNameAndMetric]int, points [][]plots.Point) {
	fmt.Println(titleStyle.Render("Metrics Distribution"))
	table := newPlainTable(true, lipgloss.Left, lipgloss.Right)
	table.Headers("Metric", "Count", "Mean", "StdDev", "Min", "25%", "Median", "75%", "Max")
	for _, s := range metricSeries(names, metricsOrder, points) {
		if s.Len() == 0 {
			table.Row(s.Name, "0")
			continue
		}
		table.Row(s.Name, humanize.Comma(int64(s.Len())),
			fmt.Sprintf("%.4g", s.Mean()), fmt.Sprintf("%.4g", s.StdDev()),
			fmt.Sprintf("%.4g", s.Min()), fmt.Sprintf("%.4g", s.Quantile(0.25)),
			fmt.Sprintf("%.4g", s.Median()), fmt.Sprintf("%.4g", s.Quantile(0.75)),
			fmt.Sprintf("%.4g", s.Max()))
	}
	fmt.Println(table.Render())
}
