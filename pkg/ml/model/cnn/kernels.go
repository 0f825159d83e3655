// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cnn

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Kernel size of the convolutions: 3x3, with "same" padding.
const kernelSize = 3

// imageDims are the dimensions of a batch of images laid out as [batch, height, width, channels].
type imageDims struct {
	batch, height, width, channels int
}

func (d imageDims) size() int { return d.batch * d.height * d.width * d.channels }

// pixel returns the offset of the pixel (n, y, x) in the flat data.
func (d imageDims) pixel(n, y, x int) int {
	return ((n*d.height+y)*d.width + x) * d.channels
}

// weightsRow returns the offset of the row of outChannels weights for kernel position (ky, kx) and input
// channel ci, in weights shaped [kernelSize, kernelSize, inChannels, outChannels].
func weightsRow(ky, kx, ci, inChannels, outChannels int) int {
	return ((ky*kernelSize+kx)*inChannels + ci) * outChannels
}

// conv2DSame computes the 3x3 convolution with zero padding ("same" output size) plus biases.
func conv2DSame(x []float64, in imageDims, weights, biases []float64, outChannels int) []float64 {
	out := imageDims{in.batch, in.height, in.width, outChannels}
	y := make([]float64, out.size())
	for n := range in.batch {
		for row := range in.height {
			for col := range in.width {
				outPixel := y[out.pixel(n, row, col):][:outChannels]
				copy(outPixel, biases)
				for ky := range kernelSize {
					inRow := row + ky - 1
					if inRow < 0 || inRow >= in.height {
						continue
					}
					for kx := range kernelSize {
						inCol := col + kx - 1
						if inCol < 0 || inCol >= in.width {
							continue
						}
						inPixel := x[in.pixel(n, inRow, inCol):][:in.channels]
						for ci, v := range inPixel {
							if v == 0 {
								continue
							}
							w := weights[weightsRow(ky, kx, ci, in.channels, outChannels):][:outChannels]
							floats.AddScaled(outPixel, v, w)
						}
					}
				}
			}
		}
	}
	return y
}

// conv2DSameBackward accumulates the gradients of the weights and biases given the gradient of the
// convolution output dy. If dx is not nil, the gradient with respect to the input is accumulated on it.
func conv2DSameBackward(x []float64, in imageDims, weights []float64, outChannels int, dy []float64,
	dWeights, dBiases, dx []float64) {
	out := imageDims{in.batch, in.height, in.width, outChannels}
	for n := range in.batch {
		for row := range in.height {
			for col := range in.width {
				grad := dy[out.pixel(n, row, col):][:outChannels]
				floats.Add(dBiases, grad)
				for ky := range kernelSize {
					inRow := row + ky - 1
					if inRow < 0 || inRow >= in.height {
						continue
					}
					for kx := range kernelSize {
						inCol := col + kx - 1
						if inCol < 0 || inCol >= in.width {
							continue
						}
						inOffset := in.pixel(n, inRow, inCol)
						for ci := range in.channels {
							offset := weightsRow(ky, kx, ci, in.channels, outChannels)
							floats.AddScaled(dWeights[offset:offset+outChannels], x[inOffset+ci], grad)
							if dx != nil {
								dx[inOffset+ci] += floats.Dot(weights[offset:offset+outChannels], grad)
							}
						}
					}
				}
			}
		}
	}
}

// reluInPlace zeroes the negative values.
func reluInPlace(x []float64) {
	for ii, v := range x {
		if v < 0 {
			x[ii] = 0
		}
	}
}

// reluBackwardInPlace zeroes the gradients where the pre-activation wasn't positive.
func reluBackwardInPlace(preActivation, grad []float64) {
	for ii, v := range preActivation {
		if v <= 0 {
			grad[ii] = 0
		}
	}
}

// maxPool2x2 with stride 2. Odd trailing rows and columns are dropped. It returns the pooled values
// and, for each of them, the offset of the input that was selected.
func maxPool2x2(x []float64, in imageDims) (pooled []float64, argMax []int, out imageDims) {
	out = imageDims{in.batch, in.height / 2, in.width / 2, in.channels}
	pooled = make([]float64, out.size())
	argMax = make([]int, out.size())
	for n := range out.batch {
		for row := range out.height {
			for col := range out.width {
				outOffset := out.pixel(n, row, col)
				for c := range in.channels {
					best, bestOffset := math.Inf(-1), -1
					for dy := range 2 {
						for dx := range 2 {
							offset := in.pixel(n, 2*row+dy, 2*col+dx) + c
							if x[offset] > best || bestOffset < 0 {
								best, bestOffset = x[offset], offset
							}
						}
					}
					pooled[outOffset+c] = best
					argMax[outOffset+c] = bestOffset
				}
			}
		}
	}
	return
}

// maxPool2x2Backward routes the gradients of the pooled values to the selected inputs.
func maxPool2x2Backward(argMax []int, dPooled []float64, inSize int) []float64 {
	dx := make([]float64, inSize)
	for ii, offset := range argMax {
		dx[offset] += dPooled[ii]
	}
	return dx
}

// dense computes x·weights + biases, for x shaped [batch, inputs] and weights [inputs, outputs].
func dense(x []float64, batch, inputs int, weights, biases []float64, outputs int) []float64 {
	y := make([]float64, batch*outputs)
	for n := range batch {
		row := y[n*outputs : (n+1)*outputs]
		copy(row, biases)
		for ii, v := range x[n*inputs : (n+1)*inputs] {
			if v == 0 {
				continue
			}
			floats.AddScaled(row, v, weights[ii*outputs:(ii+1)*outputs])
		}
	}
	return y
}

// denseBackward accumulates the gradients of the weights and biases and returns the gradient of x.
func denseBackward(x []float64, batch, inputs int, weights []float64, outputs int, dy []float64,
	dWeights, dBiases []float64) (dx []float64) {
	dx = make([]float64, batch*inputs)
	for n := range batch {
		grad := dy[n*outputs : (n+1)*outputs]
		floats.Add(dBiases, grad)
		for ii, v := range x[n*inputs : (n+1)*inputs] {
			wRow := weights[ii*outputs : (ii+1)*outputs]
			floats.AddScaled(dWeights[ii*outputs:(ii+1)*outputs], v, grad)
			dx[n*inputs+ii] = floats.Dot(wRow, grad)
		}
	}
	return
}

// softmaxCrossEntropy returns the mean cross-entropy of the logits shaped [batch, numClasses] with respect
// to the labels, and its gradient with respect to the logits.
func softmaxCrossEntropy(logits []float64, labels []int, numClasses int) (loss float64, dLogits []float64) {
	batch := len(labels)
	dLogits = make([]float64, len(logits))
	for n, label := range labels {
		row := logits[n*numClasses : (n+1)*numClasses]
		logSumExp := floats.LogSumExp(row)
		loss += logSumExp - row[label]
		grad := dLogits[n*numClasses : (n+1)*numClasses]
		for ii, v := range row {
			grad[ii] = math.Exp(v-logSumExp) / float64(batch)
		}
		grad[label] -= 1 / float64(batch)
	}
	loss /= float64(batch)
	return
}
