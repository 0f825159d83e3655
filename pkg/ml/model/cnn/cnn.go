// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cnn implements a small convolutional image classifier, with its gradients computed
// analytically on the host.
//
// The architecture is a stack of blocks of a 3x3 convolution ("same" padding), a ReLU and a 2x2 max-pool,
// followed by a dense layer producing the logits. The loss is the softmax cross-entropy plus an optional L2
// weight decay on the weights (not on the biases).
//
// Variables are created under the "/cnn" scope:
//
//	/cnn/features/conv_<i>/weights  [3, 3, inChannels, outChannels]
//	/cnn/features/conv_<i>/biases   [outChannels]
//	/cnn/logits/weights             [flattenedFeatures, numClasses]
//	/cnn/logits/biases              [numClasses]
//
// So a restore of "/cnn/features" transfers the convolutional features without the classification head.
package cnn

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/towers/pkg/core/shapes"
	"github.com/gomlx/towers/pkg/core/tensors"
	"github.com/gomlx/towers/pkg/ml/context"
	"github.com/gomlx/towers/pkg/ml/context/initializers"
	"github.com/gomlx/towers/pkg/ml/train"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

var (
	// ParamConvChannels is the hyperparameter with the number of output channels of each convolution block.
	// One block per value. Default is []int{16, 32}.
	ParamConvChannels = "cnn_conv_channels"

	// ParamWeightDecay is the hyperparameter with the L2 regularization factor applied to the weights:
	// the "weight_decay" loss term is `weightDecay * sum(w^2) / 2`. Default is 0 (disabled).
	ParamWeightDecay = "cnn_weight_decay"

	// ParamDType is the hyperparameter with the dtype of the variables. Default is "float32".
	ParamDType = "cnn_dtype"
)

// Scope of the model variables.
const Scope = "cnn"

// Names of the loss terms reported in train.Output.LossTerms.
const (
	LossCrossEntropy = "cross_entropy"
	LossWeightDecay  = "weight_decay"
)

// Model implements train.Model.
type Model struct {
	exampleDims imageDims // batch is unused.
	numClasses  int
	channels    []int
	weightDecay float64
	dtype       dtypes.DType
}

var _ train.Model = (*Model)(nil)

// New creates the model for images shaped exampleShape ([height, width, channels]), configured
// from the context hyperparameters (ParamConvChannels, ParamWeightDecay, ParamDType).
//
// Variables are only created by Build.
func New(ctx *context.Context, exampleShape []int, numClasses int) (*Model, error) {
	if len(exampleShape) != 3 {
		return nil, errors.Errorf("cnn.New: images must be shaped [height, width, channels], got %v", exampleShape)
	}
	if numClasses < 2 {
		return nil, errors.Errorf("cnn.New: requires at least 2 classes, got %d", numClasses)
	}
	m := &Model{
		exampleDims: imageDims{height: exampleShape[0], width: exampleShape[1], channels: exampleShape[2]},
		numClasses:  numClasses,
		channels:    slices.Clone(context.GetParamOr(ctx, ParamConvChannels, []int{16, 32})),
		weightDecay: context.GetParamOr(ctx, ParamWeightDecay, 0.0),
	}
	var err error
	m.dtype, err = shapes.ParseDType(context.GetParamOr(ctx, ParamDType, "float32"))
	if err != nil {
		return nil, errors.WithMessagef(err, "cnn.New: hyperparameter %q", ParamDType)
	}
	if !m.dtype.IsFloat() {
		return nil, errors.Errorf("cnn.New: hyperparameter %q must be a float dtype, got %s", ParamDType, m.dtype)
	}
	if m.weightDecay < 0 {
		return nil, errors.Errorf("cnn.New: hyperparameter %q must be >= 0, got %g", ParamWeightDecay, m.weightDecay)
	}
	if len(m.channels) == 0 {
		return nil, errors.Errorf("cnn.New: hyperparameter %q requires at least one convolution block", ParamConvChannels)
	}
	dims := m.exampleDims
	for ii, c := range m.channels {
		if c <= 0 {
			return nil, errors.Errorf("cnn.New: block %d has %d channels", ii, c)
		}
		dims.height, dims.width = dims.height/2, dims.width/2
		if dims.height == 0 || dims.width == 0 {
			return nil, errors.Errorf("cnn.New: images %v too small for %d pooling blocks", exampleShape, len(m.channels))
		}
	}
	return m, nil
}

// Name implements train.Model.
func (m *Model) Name() string {
	return fmt.Sprintf("cnn%v", m.channels)
}

// NumClasses returns the number of classes predicted.
func (m *Model) NumClasses() int { return m.numClasses }

// ConvWeightsName returns the parameter name of the weights of the convolution block i.
func ConvWeightsName(i int) string { return fmt.Sprintf("/%s/features/conv_%d/weights", Scope, i) }

// ConvBiasesName returns the parameter name of the biases of the convolution block i.
func ConvBiasesName(i int) string { return fmt.Sprintf("/%s/features/conv_%d/biases", Scope, i) }

// Parameter names of the logits layer.
var (
	LogitsWeightsName = fmt.Sprintf("/%s/logits/weights", Scope)
	LogitsBiasesName  = fmt.Sprintf("/%s/logits/biases", Scope)
)

// flattenedSize is the number of features after the last pooling.
func (m *Model) flattenedSize() int {
	height, width := m.exampleDims.height, m.exampleDims.width
	for range m.channels {
		height, width = height/2, width/2
	}
	return height * width * m.channels[len(m.channels)-1]
}

// Build implements train.Model. Weights are initialized with the initializer configured in the context
// hyperparameters (see initializers.FromContext), and biases with zeros.
func (m *Model) Build(ctx *context.Context) error {
	return exceptions.TryCatch[error](func() {
		ctx := ctx.InAbsPath("/" + Scope)
		ctx = ctx.WithInitializer(initializers.FromContext(ctx))
		inChannels := m.exampleDims.channels
		for ii, outChannels := range m.channels {
			blockCtx := ctx.In("features").Inf("conv_%d", ii)
			blockCtx.VariableWithShape("weights", shapes.Make(m.dtype, kernelSize, kernelSize, inChannels, outChannels))
			blockCtx.VariableWithValue("biases", tensors.FromShape(shapes.Make(m.dtype, outChannels)))
			inChannels = outChannels
		}
		logitsCtx := ctx.In("logits")
		logitsCtx.VariableWithShape("weights", shapes.Make(m.dtype, m.flattenedSize(), m.numClasses))
		logitsCtx.VariableWithValue("biases", tensors.FromShape(shapes.Make(m.dtype, m.numClasses)))
		klog.V(1).Infof("Model %s: %d blocks, %d flattened features, %d classes",
			m.Name(), len(m.channels), m.flattenedSize(), m.numClasses)
	})
}

// parameter holds one variable's value read for a forward pass, and its gradient.
type parameter struct {
	name   string
	shape  shapes.Shape
	values []float64
	grad   []float64
}

func (m *Model) readParameter(params context.Reader, name string, wantDims ...int) (*parameter, error) {
	t, found := params.Get(name)
	if !found {
		return nil, errors.Errorf("model %s: parameter %q not found", m.Name(), name)
	}
	if err := t.Shape().CheckDims(wantDims...); err != nil {
		return nil, errors.WithMessagef(err, "model %s: parameter %q", m.Name(), name)
	}
	values := t.Float64s()
	return &parameter{name: name, shape: t.Shape(), values: values, grad: make([]float64, len(values))}, nil
}

// readLabels validates the labels and returns them as ints.
func (m *Model) readLabels(labels *tensors.Tensor, batchSize int) ([]int, error) {
	if labels.DType().IsFloat() || labels.Size() != batchSize || labels.Rank() > 2 {
		return nil, errors.Errorf("model %s: labels must be integers shaped [batchSize=%d], got %s",
			m.Name(), batchSize, labels.Shape())
	}
	values := labels.Float64s()
	ints := make([]int, batchSize)
	for ii, v := range values {
		if v < 0 || int(v) >= m.numClasses {
			return nil, errors.Errorf("model %s: label %g of example %d out of range [0, %d)",
				m.Name(), v, ii, m.numClasses)
		}
		ints[ii] = int(v)
	}
	return ints, nil
}

// block holds the activations of one convolution block, kept for the backward pass.
type block struct {
	weights, biases *parameter
	input           []float64
	inDims          imageDims
	preActivation   []float64
	argMax          []int
}

// Forward implements train.Model. Images are inputs[0], shaped [batchSize, height, width, channels], and
// labels[0] the class ids shaped [batchSize]. If there are no labels, only the logits are computed.
// Gradients are only computed when training.
func (m *Model) Forward(params context.Reader, inputs, labels []*tensors.Tensor, training bool) (*train.Output, error) {
	if len(inputs) == 0 {
		return nil, errors.Errorf("model %s: no inputs given", m.Name())
	}
	images := inputs[0]
	if images.Rank() != 4 {
		return nil, errors.Errorf("model %s: images must be shaped [batchSize, height, width, channels], got %s",
			m.Name(), images.Shape())
	}
	dims := m.exampleDims
	dims.batch = images.Shape().Dim(0)
	if err := images.Shape().CheckDims(dims.batch, dims.height, dims.width, dims.channels); err != nil {
		return nil, errors.WithMessagef(err, "model %s: images", m.Name())
	}

	// Forward pass.
	x := images.Float64s()
	blocks := make([]*block, len(m.channels))
	var allParams []*parameter
	for ii, outChannels := range m.channels {
		b := &block{input: x, inDims: dims}
		var err error
		b.weights, err = m.readParameter(params, ConvWeightsName(ii), kernelSize, kernelSize, dims.channels, outChannels)
		if err != nil {
			return nil, err
		}
		b.biases, err = m.readParameter(params, ConvBiasesName(ii), outChannels)
		if err != nil {
			return nil, err
		}
		allParams = append(allParams, b.weights, b.biases)
		b.preActivation = conv2DSame(x, dims, b.weights.values, b.biases.values, outChannels)
		activation := slices.Clone(b.preActivation)
		reluInPlace(activation)
		dims.channels = outChannels
		x, b.argMax, dims = maxPool2x2(activation, dims)
		blocks[ii] = b
	}
	flatSize := dims.height * dims.width * dims.channels
	logitsWeights, err := m.readParameter(params, LogitsWeightsName, flatSize, m.numClasses)
	if err != nil {
		return nil, err
	}
	logitsBiases, err := m.readParameter(params, LogitsBiasesName, m.numClasses)
	if err != nil {
		return nil, err
	}
	allParams = append(allParams, logitsWeights, logitsBiases)
	logits := dense(x, dims.batch, flatSize, logitsWeights.values, logitsBiases.values, m.numClasses)
	output := &train.Output{
		Logits: tensors.FromFloat64s(m.dtype, logits, dims.batch, m.numClasses),
	}
	if len(labels) == 0 {
		return output, nil
	}

	// Loss.
	labelInts, err := m.readLabels(labels[0], dims.batch)
	if err != nil {
		return nil, err
	}
	crossEntropy, dLogits := softmaxCrossEntropy(logits, labelInts, m.numClasses)
	var weightDecay float64
	if m.weightDecay > 0 {
		for _, p := range allParams {
			if p.shape.Rank() > 1 {
				weightDecay += m.weightDecay * floats.Dot(p.values, p.values) / 2
			}
		}
	}
	output.Loss = crossEntropy + weightDecay
	output.LossTerms = map[string]float64{
		LossCrossEntropy: crossEntropy,
		LossWeightDecay:  weightDecay,
	}
	if !training {
		return output, nil
	}

	// Backward pass.
	dx := denseBackward(x, dims.batch, flatSize, logitsWeights.values, m.numClasses, dLogits,
		logitsWeights.grad, logitsBiases.grad)
	for ii := len(blocks) - 1; ii >= 0; ii-- {
		b := blocks[ii]
		dPre := maxPool2x2Backward(b.argMax, dx, len(b.preActivation))
		reluBackwardInPlace(b.preActivation, dPre)
		var dInput []float64
		if ii > 0 {
			dInput = make([]float64, len(b.input))
		}
		conv2DSameBackward(b.input, b.inDims, b.weights.values, m.channels[ii], dPre,
			b.weights.grad, b.biases.grad, dInput)
		dx = dInput
	}
	output.Gradients = make(map[string]*tensors.Tensor, len(allParams))
	for _, p := range allParams {
		if m.weightDecay > 0 && p.shape.Rank() > 1 {
			floats.AddScaled(p.grad, m.weightDecay, p.values)
		}
		output.Gradients[p.name] = tensors.FromFloat64s(p.shape.DType, p.grad, p.shape.Dimensions...)
	}
	return output, nil
}
