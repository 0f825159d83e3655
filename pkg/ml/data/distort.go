// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"image"
	"image/color"
	"math/rand/v2"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/towers/internal/workerspool"
	"github.com/gomlx/towers/pkg/core/tensors"
	"github.com/gomlx/towers/pkg/ml/train"
	"github.com/pkg/errors"
)

// DistortedDataset wraps a dataset of images, applying random distortions to each image of the
// yielded batches: random crop (after zero padding), horizontal flip, brightness and contrast.
//
// The images (inputs[0]) must be shaped [batchSize, height, width, channels], with 1 or 3 channels
// and values in [0, 1]. The distortions are computed with 8 bits per channel.
type DistortedDataset struct {
	ds   train.Dataset
	pool *workerspool.Pool

	padding       int
	flip          bool
	maxBrightness float64
	maxContrast   float64

	muRng sync.Mutex
	rng   *rand.Rand
}

var _ train.Dataset = (*DistortedDataset)(nil)

// Distort returns a dataset that applies random distortions to the images yielded by ds.
//
// Defaults: padding 4, horizontal flips, brightness jitter of up to 25% and contrast jitter of up to 50%.
// The work is parallelized over the images of each batch.
func Distort(ds train.Dataset) *DistortedDataset {
	return &DistortedDataset{
		ds:            ds,
		pool:          workerspool.New(),
		padding:       4,
		flip:          true,
		maxBrightness: 25,
		maxContrast:   50,
		rng:           newRand(0),
	}
}

// WithPadding sets the zero padding added around each image before taking a random crop of the original size.
// 0 disables cropping.
func (d *DistortedDataset) WithPadding(padding int) *DistortedDataset {
	d.padding = max(padding, 0)
	return d
}

// WithFlip enables or disables random horizontal flips.
func (d *DistortedDataset) WithFlip(flip bool) *DistortedDataset {
	d.flip = flip
	return d
}

// WithBrightness sets the maximum brightness change, in percent (0 to 100). 0 disables it.
func (d *DistortedDataset) WithBrightness(maxPercent float64) *DistortedDataset {
	d.maxBrightness = min(max(maxPercent, 0), 100)
	return d
}

// WithContrast sets the maximum contrast change, in percent (0 to 100). 0 disables it.
func (d *DistortedDataset) WithContrast(maxPercent float64) *DistortedDataset {
	d.maxContrast = min(max(maxPercent, 0), 100)
	return d
}

// WithSeed sets the seed of the random distortions.
func (d *DistortedDataset) WithSeed(seed uint64) *DistortedDataset {
	d.muRng.Lock()
	defer d.muRng.Unlock()
	d.rng = newRand(seed)
	return d
}

// WithParallelism sets the maximum number of images distorted in parallel. 0 disables parallelism.
func (d *DistortedDataset) WithParallelism(n int) *DistortedDataset {
	d.pool.SetMaxParallelism(n)
	return d
}

// Name implements train.Dataset.
func (d *DistortedDataset) Name() string { return d.ds.Name() }

// ShortName implements train.HasShortName.
func (d *DistortedDataset) ShortName() string { return train.ShortName(d.ds) }

// Reset implements train.Dataset.
func (d *DistortedDataset) Reset() { d.ds.Reset() }

// distortion holds the random choices for one image.
type distortion struct {
	cropX, cropY int
	flip         bool
	brightness   float64
	contrast     float64
}

// sample the distortions of numImages, in order, so results are deterministic for a seed.
func (d *DistortedDataset) sample(numImages int) []distortion {
	d.muRng.Lock()
	defer d.muRng.Unlock()
	distortions := make([]distortion, numImages)
	for ii := range distortions {
		dist := &distortions[ii]
		if d.padding > 0 {
			dist.cropX = d.rng.IntN(2*d.padding + 1)
			dist.cropY = d.rng.IntN(2*d.padding + 1)
		}
		if d.flip {
			dist.flip = d.rng.IntN(2) == 1
		}
		dist.brightness = (2*d.rng.Float64() - 1) * d.maxBrightness
		dist.contrast = (2*d.rng.Float64() - 1) * d.maxContrast
	}
	return distortions
}

// Yield implements train.Dataset.
func (d *DistortedDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	spec, inputs, labels, err = d.ds.Yield()
	if err != nil {
		return
	}
	if len(inputs) == 0 || inputs[0].Rank() != 4 {
		err = errors.Errorf("Distort(%q): expected images shaped [batchSize, height, width, channels] as the first input",
			d.ds.Name())
		return
	}
	images := inputs[0]
	dims := images.Shape().Dimensions
	batchSize, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	if channels != 1 && channels != 3 {
		err = errors.Errorf("Distort(%q): images must have 1 or 3 channels, got shape %s", d.ds.Name(), images.Shape())
		return
	}
	distortions := d.sample(batchSize)
	values := images.Float64s()
	imageSize := height * width * channels
	d.pool.ForEach(batchSize, func(ii int) {
		pixels := values[ii*imageSize : (ii+1)*imageSize]
		img := toNRGBA(pixels, height, width, channels)
		img = d.distort(img, distortions[ii])
		fromNRGBA(img, pixels, channels)
	})
	inputs = append([]*tensors.Tensor{tensors.FromFloat64s(images.DType(), values, dims...)}, inputs[1:]...)
	return
}

// distort applies the distortion to one image.
func (d *DistortedDataset) distort(img *image.NRGBA, dist distortion) *image.NRGBA {
	width, height := img.Bounds().Dx(), img.Bounds().Dy()
	if d.padding > 0 {
		padded := imaging.New(width+2*d.padding, height+2*d.padding, color.NRGBA{A: 255})
		padded = imaging.Paste(padded, img, image.Pt(d.padding, d.padding))
		img = imaging.Crop(padded, image.Rect(dist.cropX, dist.cropY, dist.cropX+width, dist.cropY+height))
	}
	if dist.flip {
		img = imaging.FlipH(img)
	}
	if dist.brightness != 0 {
		img = imaging.AdjustBrightness(img, dist.brightness)
	}
	if dist.contrast != 0 {
		img = imaging.AdjustContrast(img, dist.contrast)
	}
	return img
}

// toNRGBA converts one image with values in [0, 1] stored channels last to an *image.NRGBA.
func toNRGBA(pixels []float64, height, width, channels int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	toUint8 := func(v float64) uint8 { return uint8(min(max(v, 0), 1)*255 + 0.5) }
	for h := range height {
		for w := range width {
			pos := (h*width + w) * channels
			pix := img.Pix[h*img.Stride+w*4:]
			for c := range 3 {
				pix[c] = toUint8(pixels[pos+min(c, channels-1)])
			}
			pix[3] = 255
		}
	}
	return img
}

// fromNRGBA writes the image back to pixels, scaled to [0, 1]. For 1 channel the red channel is used.
func fromNRGBA(img *image.NRGBA, pixels []float64, channels int) {
	height, width := img.Bounds().Dy(), img.Bounds().Dx()
	for h := range height {
		for w := range width {
			pos := (h*width + w) * channels
			pix := img.Pix[h*img.Stride+w*4:]
			for c := range channels {
				pixels[pos+c] = float64(pix[c]) / 255
			}
		}
	}
}
