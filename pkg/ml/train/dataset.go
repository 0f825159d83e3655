/*
 *	Copyright 2025 Jan Pfeifer
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

package train

import (
	"github.com/gomlx/towers/pkg/core/tensors"
)

// Dataset for a train.Loop provides the data, one batch at a time. A batch consists of a slice of *tensors.Tensor
// for `inputs` and for `labels`: for image classification, inputs[0] are the images, shaped
// [batchSize, height, width, channels], and labels[0] the class ids, shaped [batchSize].
//
// Dataset has to also provide a Dataset.Name() and a dataset `spec`, which usually is the same for
// the whole dataset, but can vary per batch, if the Dataset is yielding different types of data.
//
// For a static Dataset that always provides the exact same data type, the `spec` can simply be nil.
//
// The training loop calls Yield concurrently, once per replica at each step: implementations must be
// safe for concurrent use, and each call must yield a different batch.
type Dataset interface {
	// Name identifies the dataset. Used for debugging, pretty-printing and plots.
	Name() string

	// Reset restarts the dataset from the beginning. It is called by the training loop after io.EOF is reached,
	// to start a new epoch.
	Reset()

	// Yield one "batch" (or whatever is the unit for a replica step) or an error.
	// It should return a `spec` for the dataset, a slice of `inputs` and a slice of `labels` tensors
	// (even when there is only one tensor for each of them).
	//
	// The `inputs` and `labels` ownership is transferred to the caller: the dataset must not change them
	// afterward.
	//
	// Yield also returns an opaque `spec` object that is normally simply passed along -- it can simply be nil.
	//
	// Optionally, it can return an error. If the error is `io.EOF` the training loop resets the dataset and
	// continues reading: it indicates the end of an epoch.
	//
	// Any other errors interrupt the training, and are returned to the user.
	Yield() (spec any, inputs, labels []*tensors.Tensor, err error)
}

// HasShortName allows a dataset to specify a short name (used when displaying a short version of metric names).
// It defaults to the first 3 letters of the dataset name.
//
// It's optional.
type HasShortName interface {
	// ShortName returns the short name of the dataset.
	ShortName() string
}

// ShortName returns the short name of the dataset: HasShortName.ShortName if implemented, or the first
// 3 letters of its name.
func ShortName(ds Dataset) string {
	if sn, ok := ds.(HasShortName); ok {
		return sn.ShortName()
	}
	name := ds.Name()
	if len(name) > 3 {
		return name[:3]
	}
	return name
}
