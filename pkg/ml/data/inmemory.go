// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"io"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/gomlx/towers/pkg/core/shapes"
	"github.com/gomlx/towers/pkg/core/tensors"
	"github.com/gomlx/towers/pkg/ml/train"
	"github.com/pkg/errors"
)

// InMemoryDataset yields batches of examples held in host memory.
//
// It supports batching (the last incomplete batch of an epoch is dropped), shuffling with a seeded
// random number generator (reshuffled at every epoch) and looping indefinitely.
//
// It is safe for concurrent calls to Yield: each call gets a different batch.
type InMemoryDataset struct {
	name, shortName string

	// data holds the raw bytes of each tensor (images, labels), and exampleShapes the shape of one example.
	data          [2][]byte
	exampleShapes [2]shapes.Shape
	exampleBytes  [2]int
	numExamples   int

	batchSize int
	infinite  bool
	shuffle   bool

	mu    sync.Mutex
	rng   *rand.Rand
	order []int
	next  int
	epoch int
}

var _ train.Dataset = (*InMemoryDataset)(nil)

// InMemory creates a dataset from the images and labels tensors, whose leading axis is the example index.
// The tensors are copied once, so the caller is free to reuse them.
//
// It starts with batch size 1, no shuffling, and returns io.EOF at the end of each epoch.
// Configure it with BatchSize, Shuffle, Infinite and WithName.
func InMemory(name string, images, labels *tensors.Tensor) (*InMemoryDataset, error) {
	if images.Rank() == 0 || labels.Rank() == 0 {
		return nil, errors.Errorf("InMemory(%q): images (%s) and labels (%s) must have a leading examples axis",
			name, images.Shape(), labels.Shape())
	}
	numExamples := images.Shape().Dim(0)
	if labels.Shape().Dim(0) != numExamples {
		return nil, errors.Errorf("InMemory(%q): images has %d examples, but labels has %d",
			name, numExamples, labels.Shape().Dim(0))
	}
	if numExamples == 0 {
		return nil, errors.Errorf("InMemory(%q): no examples given", name)
	}
	mds := &InMemoryDataset{
		name:        name,
		numExamples: numExamples,
		batchSize:   1,
	}
	for ii, t := range []*tensors.Tensor{images, labels} {
		mds.data[ii] = t.Bytes()
		mds.exampleShapes[ii] = shapes.Make(t.DType(), t.Shape().Dimensions[1:]...)
		mds.exampleBytes[ii] = len(mds.data[ii]) / numExamples
	}
	mds.shortName = defaultShortName(name)
	mds.resetOrderLocked()
	return mds, nil
}

// BatchSize configures the number of examples per batch. It must be > 0 and at most the number of examples.
// It returns the dataset, so calls can be cascaded.
func (mds *InMemoryDataset) BatchSize(batchSize int) *InMemoryDataset {
	mds.mu.Lock()
	defer mds.mu.Unlock()
	mds.batchSize = max(1, min(batchSize, mds.numExamples))
	return mds
}

// newRand returns a deterministic random number generator for the seed.
func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x5DEECE66D))
}

// Shuffle configures the dataset to yield examples in a random order, drawn with the given seed.
// It is reshuffled at every new epoch.
func (mds *InMemoryDataset) Shuffle(seed uint64) *InMemoryDataset {
	mds.mu.Lock()
	defer mds.mu.Unlock()
	mds.shuffle = true
	mds.rng = newRand(seed)
	mds.resetOrderLocked()
	return mds
}

// Infinite configures the dataset to start a new epoch automatically, instead of returning io.EOF.
func (mds *InMemoryDataset) Infinite(infinite bool) *InMemoryDataset {
	mds.mu.Lock()
	defer mds.mu.Unlock()
	mds.infinite = infinite
	return mds
}

// WithName sets the name of the dataset, and optionally its short name.
func (mds *InMemoryDataset) WithName(name string, shortName ...string) *InMemoryDataset {
	mds.name = name
	if len(shortName) > 0 {
		mds.shortName = shortName[0]
	} else {
		mds.shortName = defaultShortName(name)
	}
	return mds
}

// defaultShortName is the first 3 letters of the name, as train.ShortName.
func defaultShortName(name string) string {
	if len(name) > 3 {
		return name[:3]
	}
	return name
}

// Name implements train.Dataset.
func (mds *InMemoryDataset) Name() string { return mds.name }

// ShortName implements train.HasShortName.
func (mds *InMemoryDataset) ShortName() string { return mds.shortName }

// NumExamples held by the dataset.
func (mds *InMemoryDataset) NumExamples() int { return mds.numExamples }

// BatchesPerEpoch is the number of full batches yielded per epoch.
func (mds *InMemoryDataset) BatchesPerEpoch() int {
	mds.mu.Lock()
	defer mds.mu.Unlock()
	return mds.numExamples / mds.batchSize
}

// Epoch returns the number of epochs started since creation, counting from 0.
func (mds *InMemoryDataset) Epoch() int {
	mds.mu.Lock()
	defer mds.mu.Unlock()
	return mds.epoch
}

// resetOrderLocked restarts the order of the examples. It must be called with mds.mu locked.
func (mds *InMemoryDataset) resetOrderLocked() {
	if mds.order == nil {
		mds.order = make([]int, mds.numExamples)
	}
	for ii := range mds.order {
		mds.order[ii] = ii
	}
	if mds.shuffle {
		mds.rng.Shuffle(len(mds.order), func(i, j int) {
			mds.order[i], mds.order[j] = mds.order[j], mds.order[i]
		})
	}
	mds.next = 0
}

// Reset implements train.Dataset: it starts a new epoch, reshuffling the examples if configured so.
func (mds *InMemoryDataset) Reset() {
	mds.mu.Lock()
	defer mds.mu.Unlock()
	mds.resetOrderLocked()
	mds.epoch++
}

// nextIndices returns the indices of the next batch, or nil at the end of the epoch.
func (mds *InMemoryDataset) nextIndices() []int {
	mds.mu.Lock()
	defer mds.mu.Unlock()
	if mds.next+mds.batchSize > mds.numExamples {
		if !mds.infinite {
			return nil
		}
		mds.resetOrderLocked()
		mds.epoch++
	}
	indices := slices.Clone(mds.order[mds.next : mds.next+mds.batchSize])
	mds.next += mds.batchSize
	return indices
}

// Yield implements train.Dataset. It returns one images tensor and one labels tensor, shaped with the
// batch size as the leading axis.
func (mds *InMemoryDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	indices := mds.nextIndices()
	if indices == nil {
		err = io.EOF
		return
	}
	var batch [2]*tensors.Tensor
	for ii := range batch {
		exampleBytes := mds.exampleBytes[ii]
		buf := make([]byte, 0, len(indices)*exampleBytes)
		for _, idx := range indices {
			buf = append(buf, mds.data[ii][idx*exampleBytes:(idx+1)*exampleBytes]...)
		}
		shape := mds.exampleShapes[ii]
		batchShape := shapes.Make(shape.DType, append([]int{len(indices)}, shape.Dimensions...)...)
		batch[ii], err = tensors.FromBytes(batchShape, buf)
		if err != nil {
			return
		}
	}
	inputs = []*tensors.Tensor{batch[0]}
	labels = []*tensors.Tensor{batch[1]}
	return
}
