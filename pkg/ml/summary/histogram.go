// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package summary

import (
	"math"
	"slices"

	"github.com/gomlx/towers/pkg/core/tensors"
	"github.com/gomlx/towers/ui/plots"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DefaultHistogramBins is the number of bins used by TensorHistogram.
const DefaultHistogramBins = 30

// Histogram summary value, with the distribution of the finite values of a tensor.
type Histogram struct {
	// Count of finite values, and NonFinite the number of NaN or infinite values that were skipped.
	Count, NonFinite int

	Min, Max, Mean, StdDev float64

	// Dividers are the len(Counts)+1 edges of the bins: bin i covers [Dividers[i], Dividers[i+1]).
	Dividers []float64
	Counts   []float64
}

// NewHistogram builds the histogram of data, with the given number of equally spaced bins.
// Non-finite values are counted in NonFinite, but otherwise ignored.
func NewHistogram(data []float64, bins int) *Histogram {
	bins = max(bins, 1)
	finite := make([]float64, 0, len(data))
	for _, v := range data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		finite = append(finite, v)
	}
	h := &Histogram{Count: len(finite), NonFinite: len(data) - len(finite)}
	if h.Count == 0 {
		return h
	}
	slices.Sort(finite)
	h.Min, h.Max = finite[0], finite[len(finite)-1]
	h.Mean, h.StdDev = stat.MeanStdDev(finite, nil)
	if h.Count == 1 {
		h.StdDev = 0
	}
	// The last divider must be strictly larger than the largest value.
	upper := math.Nextafter(h.Max, math.Inf(1))
	if h.Min == h.Max {
		h.Dividers = []float64{h.Min, upper}
		h.Counts = []float64{float64(h.Count)}
		return h
	}
	h.Dividers = floats.Span(make([]float64, bins+1), h.Min, upper)
	// Span computes the last divider as Min+step*bins, which can round back down to Max.
	h.Dividers[bins] = upper
	h.Counts = stat.Histogram(nil, h.Dividers, finite, nil)
	return h
}

// TensorHistogram builds the histogram of the values of a tensor with DefaultHistogramBins bins.
func TensorHistogram(t *tensors.Tensor) *Histogram {
	return NewHistogram(t.Float64s(), DefaultHistogramBins)
}

// Points implements Value: histograms are recorded by their statistics only.
func (h *Histogram) Points(name string) []plots.Point {
	stats := []struct {
		suffix string
		value  float64
	}{
		{"mean", h.Mean},
		{"stddev", h.StdDev},
		{"min", h.Min},
		{"max", h.Max},
	}
	if h.Count == 0 {
		return nil
	}
	points := make([]plots.Point, 0, len(stats))
	for _, s := range stats {
		statName := name + "/" + s.suffix
		points = append(points, plots.Point{
			MetricName: statName,
			Short:      ShortName(name) + "/" + s.suffix,
			MetricType: "histogram",
			Value:      s.value,
		})
	}
	return points
}
