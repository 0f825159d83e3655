package metrics

import (
	"math"
	"math/rand/v2"
	"slices"
)

// StreamingMedianMetric implements a metric that keeps an approximate median of a metric from a streaming
// input, using reservoir sampling.
type StreamingMedianMetric struct {
	baseMetric
	maxNumSamples, samplesSeen int
	samples                    []float64
	rng                        *rand.Rand
}

// NewMedianMetric creates a streaming median metric of the values with the given key.
//
// `prettyPrintFn` can be left as nil, and a default will be used.
func NewMedianMetric(name, shortName, metricType, key string, prettyPrintFn PrettyPrintFn) *StreamingMedianMetric {
	return &StreamingMedianMetric{
		baseMetric: baseMetric{
			name:       name,
			shortName:  shortName,
			metricType: metricType,
			key:        key,
			pPrintFn:   prettyPrintFn,
		},
		maxNumSamples: 10_001,
	}
}

// WithSampleSize configures the default number of random samples to keep to estimate the median.
func (m *StreamingMedianMetric) WithSampleSize(n int) *StreamingMedianMetric {
	m.maxNumSamples = n
	return m
}

// Update implements metrics.Interface. The weight is ignored.
func (m *StreamingMedianMetric) Update(x, _ float64) {
	if m.samples == nil {
		m.samples = make([]float64, 0, m.maxNumSamples)
		m.samplesSeen = 0
		if m.rng == nil {
			m.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		}
	}
	m.samplesSeen++

	// Simple case: we have space to simply store the new sampled x.
	if len(m.samples) < m.maxNumSamples {
		m.samples = append(m.samples, x)
		return
	}

	// We must decide whether to keep x:
	if m.rng.Float64() >= float64(m.maxNumSamples)/float64(m.samplesSeen) {
		return
	}
	// We replace the new sampled x in a random position.
	m.samples[m.rng.IntN(m.maxNumSamples)] = x
}

// Read implements metrics.Interface.
func (m *StreamingMedianMetric) Read() float64 {
	if len(m.samples) == 0 {
		return math.NaN()
	}
	sorted := slices.Clone(m.samples)
	slices.Sort(sorted)
	return sorted[len(sorted)/2]
}

// Reset implements metrics.Interface.
func (m *StreamingMedianMetric) Reset() {
	m.samples = nil
	m.samplesSeen = 0
}
