/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package data

import (
	"io"
	"math"

	"github.com/gomlx/towers/pkg/core/tensors"
	"github.com/gomlx/towers/pkg/ml/train"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Normalization calculates the normalization parameters `mean` and `stddev` for the `inputsIndex`-th input
// from the given dataset, reading it until io.EOF. The dataset is not reset.
//
// Each feature of the last axis (the channels of an image) gets its own normalization: mean and stddev
// are shaped `[lastDim]`, with the dtype of the input.
//
// Notice for any feature that happens to be constant, the `stddev` will be 0. If trying to normalize (divide)
// by that will result in error. Use ReplaceZerosByOnes below to avoid the numeric issues.
func Normalization(ds train.Dataset, inputsIndex int) (mean, stddev *tensors.Tensor, err error) {
	var sum, sumSquare []float64
	var count float64
	batchNum := 0
	for ; ; batchNum++ {
		var inputs []*tensors.Tensor
		_, inputs, _, err = ds.Yield()
		if err == io.EOF {
			err = nil
			break
		}
		if err != nil {
			err = errors.WithMessagef(err, "while reading batch #%d of the dataset", batchNum)
			return
		}
		if inputsIndex >= len(inputs) {
			err = errors.Errorf("asked for inputsIndex=%d, but inputs has only %d elements",
				inputsIndex, len(inputs))
			return
		}
		batch := inputs[inputsIndex]
		if !batch.DType().IsFloat() || batch.Rank() == 0 {
			err = errors.Errorf("dataset input %d has invalid shape %s: Normalization() only accepts non-scalar float values",
				inputsIndex, batch.Shape())
			return
		}
		features := batch.Shape().Dim(-1)
		if sum == nil {
			sum, sumSquare = make([]float64, features), make([]float64, features)
			mean = tensors.FromShape(batch.Shape()) // Only to keep the dtype around.
		} else if len(sum) != features {
			err = errors.Errorf("batch #%d has %d features, previous batches had %d", batchNum, features, len(sum))
			return
		}
		for ii, v := range batch.Float64s() {
			sum[ii%features] += v
			sumSquare[ii%features] += v * v
		}
		count += float64(batch.Size() / features)
	}
	if count == 0 {
		err = errors.Errorf("dataset %q yielded no examples, can't calculate normalization", ds.Name())
		return
	}
	dtype := mean.DType()
	means := make([]float64, len(sum))
	floats.ScaleTo(means, 1/count, sum)
	stddevs := make([]float64, len(sum))
	floats.ScaleTo(stddevs, 1/count, sumSquare)
	for ii := range stddevs {
		stddevs[ii] = math.Sqrt(math.Max(stddevs[ii]-means[ii]*means[ii], 0))
	}
	mean = tensors.FromFloat64s(dtype, means, len(means))
	stddev = tensors.FromFloat64s(dtype, stddevs, len(stddevs))
	return
}

// ReplaceZerosByOnes returns a copy of x with any zero values replaced by one.
// This is useful if normalizing a value with a standard deviation
// (`stddev`) that has zeros.
func ReplaceZerosByOnes(x *tensors.Tensor) *tensors.Tensor {
	values := x.Float64s()
	for ii, v := range values {
		if v == 0 {
			values[ii] = 1
		}
	}
	return tensors.FromFloat64s(x.DType(), values, x.Shape().Dimensions...)
}

// Normalize returns a MapExampleFn that normalizes inputs[0] as `(x - mean) / stddev`, with mean and stddev
// broadcast over the last axis, as returned by Normalization.
func Normalize(mean, stddev *tensors.Tensor) MapExampleFn {
	means, stddevs := mean.Float64s(), ReplaceZerosByOnes(stddev).Float64s()
	return func(inputs, labels []*tensors.Tensor) ([]*tensors.Tensor, []*tensors.Tensor) {
		x := inputs[0]
		values := x.Float64s()
		features := len(means)
		for ii, v := range values {
			values[ii] = (v - means[ii%features]) / stddevs[ii%features]
		}
		mapped := append([]*tensors.Tensor{tensors.FromFloat64s(x.DType(), values, x.Shape().Dimensions...)}, inputs[1:]...)
		return mapped, labels
	}
}

// PerImageStandardization is a MapExampleFn that standardizes each image of the batch in inputs[0]
// (shaped `[batchSize, ...]`) to zero mean and unit variance.
//
// The standard deviation is lower bounded by `1/sqrt(imageSize)`, so uniform images don't blow up.
func PerImageStandardization(inputs, labels []*tensors.Tensor) ([]*tensors.Tensor, []*tensors.Tensor) {
	x := inputs[0]
	batchSize := x.Shape().Dim(0)
	values := x.Float64s()
	imageSize := len(values) / max(batchSize, 1)
	minStddev := 1 / math.Sqrt(float64(imageSize))
	for example := range batchSize {
		image := values[example*imageSize : (example+1)*imageSize]
		mean, variance := stat.MeanVariance(image, nil)
		// MeanVariance is unbiased: convert to the population variance.
		if imageSize > 1 {
			variance *= float64(imageSize-1) / float64(imageSize)
		}
		stddev := math.Max(math.Sqrt(variance), minStddev)
		floats.AddConst(-mean, image)
		floats.Scale(1/stddev, image)
	}
	mapped := append([]*tensors.Tensor{tensors.FromFloat64s(x.DType(), values, x.Shape().Dimensions...)}, inputs[1:]...)
	return mapped, labels
}
