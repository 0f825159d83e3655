// Package data implements the input pipeline of the training loop: readers for CIFAR-10 and synthetic
// data, in-memory batching and shuffling, parallel prefetching and image distortions.
package data

import (
	"github.com/gomlx/towers/pkg/core/tensors"
	"github.com/gomlx/towers/pkg/ml/train"
)

// MapExampleFn if normal Go function that applies a transformation to the inputs/labels of a dataset.
//
// It may be called concurrently, if the mapped dataset is read by more than one replica.
type MapExampleFn func(inputs, labels []*tensors.Tensor) (mappedInputs, mappedLabels []*tensors.Tensor)

// mapDataset implements a `train.Dataset` that maps a function executed on the host to a wrapped dataset.
type mapDataset struct {
	ds    train.Dataset
	mapFn MapExampleFn
}

// Check that mapDataset implements train.Dataset.
var _ train.Dataset = (*mapDataset)(nil)

// Map maps a dataset through a transformation with a (normal Go) function that runs in the host cpu.
func Map(ds train.Dataset, mapFn MapExampleFn) train.Dataset {
	return &mapDataset{
		ds:    ds,
		mapFn: mapFn,
	}
}

// Name implements train.Dataset.
func (ds *mapDataset) Name() string { return ds.ds.Name() }

// ShortName implements train.HasShortName.
func (ds *mapDataset) ShortName() string { return train.ShortName(ds.ds) }

// Yield implements train.Dataset.
func (ds *mapDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	spec, inputs, labels, err = ds.ds.Yield()
	if err != nil {
		return
	}
	inputs, labels = ds.mapFn(inputs, labels)
	return
}

// Reset implements train.Dataset.
func (ds *mapDataset) Reset() {
	ds.ds.Reset()
}
