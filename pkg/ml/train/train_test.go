// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/towers/pkg/core/distributed"
	"github.com/gomlx/towers/pkg/core/tensors"
	"github.com/gomlx/towers/pkg/ml/context"
	"github.com/gomlx/towers/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

// Special input values understood by linearModel.
const (
	panicValue = -1.0
	slowValue  = 99.0
)

// linearModel has a single scalar trainable parameter "/w", and its loss is w*mean(x): the gradient
// with respect to w is mean(x), so each batch fully determines its replica's gradient.
type linearModel struct {
	numClasses int

	// slow is how long a batch of slowValue takes.
	slow time.Duration

	// extraGradient, if set, is reported as the name of an extra gradient.
	extraGradient string

	// vectorSize, if > 0, adds the trainable vector "/v" with distinct values. It doesn't take part in the
	// loss, but gets the gradient mean(x)*[1, 2, ..., vectorSize].
	vectorSize int
}

func (m *linearModel) Name() string { return "linear" }

func (m *linearModel) Build(ctx *context.Context) error {
	ctx.VariableWithValue("w", 1.0)
	if m.vectorSize > 0 {
		v := make([]float64, m.vectorSize)
		for i := range v {
			v[i] = 0.37 * float64(i-1)
		}
		ctx.VariableWithValue("v", tensors.FromFlatDataAndDimensions(v, m.vectorSize))
	}
	return nil
}

func (m *linearModel) Forward(params context.Reader, inputs, labels []*tensors.Tensor, _ bool) (*Output, error) {
	w, found := params.Get("/w")
	if !found {
		return nil, errors.New("parameter \"/w\" not found")
	}
	x := inputs[0].Float64s()
	mean := floats.Sum(x) / float64(len(x))
	switch mean {
	case panicValue:
		panic(errors.New("linearModel exploded"))
	case slowValue:
		time.Sleep(m.slow)
	}
	batchSize := inputs[0].Shape().Dim(0)
	loss := tensors.ToScalar[float64](w) * mean
	gradients := map[string]*tensors.Tensor{"/w": tensors.FromScalar(mean)}
	if m.extraGradient != "" {
		gradients[m.extraGradient] = tensors.FromScalar(1.0)
	}
	if m.vectorSize > 0 {
		grad := make([]float64, m.vectorSize)
		for i := range grad {
			grad[i] = mean * float64(i+1)
		}
		gradients["/v"] = tensors.FromFlatDataAndDimensions(grad, m.vectorSize)
	}
	return &Output{
		Logits:    tensors.FromScalarAndDimensions(0.0, batchSize, max(m.numClasses, 1)),
		Loss:      loss,
		LossTerms: map[string]float64{"linear": loss},
		Gradients: gradients,
	}, nil
}

// valuesDataset yields one batch per value, with all inputs set to that value and all labels 0.
type valuesDataset struct {
	mu        sync.Mutex
	values    []float64
	batchSize int
	next      int
	resets    int
}

func newValuesDataset(batchSize int, values ...float64) *valuesDataset {
	return &valuesDataset{values: values, batchSize: batchSize}
}

func (ds *valuesDataset) Name() string { return "values" }

func (ds *valuesDataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.next = 0
	ds.resets++
}

func (ds *valuesDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.next >= len(ds.values) {
		return nil, nil, nil, io.EOF
	}
	value := ds.values[ds.next]
	ds.next++
	inputs = []*tensors.Tensor{tensors.FromScalarAndDimensions(value, ds.batchSize, 2)}
	labels = []*tensors.Tensor{tensors.FromScalarAndDimensions(int64(0), ds.batchSize)}
	return nil, inputs, labels, nil
}

func (ds *valuesDataset) Resets() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.resets
}

// countingCheckpointer records the global step of every save.
type countingCheckpointer struct {
	ctx   *context.Context
	steps []int64
	err   error
}

func (c *countingCheckpointer) Save() error {
	if c.err != nil {
		return c.err
	}
	c.steps = append(c.steps, optimizers.GetGlobalStep(c.ctx))
	return nil
}

// setupLinear builds the linearModel in a new context, and an update engine with SGD and a constant
// learning rate of 0.1.
func setupLinear(t *testing.T, model *linearModel) (*context.Context, *UpdateEngine) {
	ctx := context.New()
	require.NoError(t, model.Build(ctx))
	engine, err := NewUpdateEngine(ctx, optimizers.Constant(0.1), optimizers.SGD().Done(), nil)
	require.NoError(t, err)
	return ctx, engine
}

// readW returns the latest value of "/w".
func readW(t *testing.T, ctx *context.Context) float64 {
	value, found := ctx.Store().Pin().Get("/w")
	require.True(t, found)
	return tensors.ToScalar[float64](value)
}

// scalarResult is a replica result with scalar gradients.
func scalarResult(device int, loss float64, grads map[string]float64) *ReplicaResult {
	r := &ReplicaResult{
		Device:    distributed.DeviceNum(device),
		Loss:      loss,
		Gradients: make(map[string]*tensors.Tensor, len(grads)),
		Examples:  4,
	}
	for name, g := range grads {
		r.Gradients[name] = tensors.FromScalar(g)
	}
	return r
}
