// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"io"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/gomlx/towers/pkg/core/tensors"
	"github.com/gomlx/towers/pkg/ml/train"
	"github.com/gomlx/towers/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ParallelDataset is a wrapper around a `train.Dataset` that parallelize calls to Yield.
// See details in CustomParallel.
type ParallelDataset struct {
	Dataset train.Dataset

	// name is set by default to the underlying dataset name.
	name, shortName string

	// parallelism is the number of goroutines started generating examples.
	parallelism int

	// extraBufferSize is the size of the buffer of pre-generated batches.
	extraBufferSize int

	// impl is the actual implementation.
	impl *parallelDatasetImpl

	// keepAlive is used only to keep ParallelDataset alive in the middle of long calls.
	keepAlive atomic.Int64
}

type yieldUnit struct {
	spec   any
	inputs []*tensors.Tensor
	labels []*tensors.Tensor
}

// parallelEpoch holds the channels of one epoch. It is swapped as a whole on Reset, so that
// concurrent Yield calls always see a consistent pair.
type parallelEpoch struct {
	finished, stop chan struct{}
}

// parallelDatasetImpl separates the implementation of ParallelDataset. It's important
// that it doesn't point back to the original ParallelDataset, so garbage collecting
// will also stop the goroutines.
type parallelDatasetImpl struct {
	config *ParallelDataset // A copy of the configuration.

	err   error
	muErr sync.Mutex

	// muReset serializes Reset calls.
	muReset sync.Mutex

	buffer      chan yieldUnit
	epoch       atomic.Pointer[parallelEpoch]
	stopDataset chan struct{}
	done        *xsync.Latch
}

// Parallel parallelizes yield calls of any tread-safe train.Dataset.
//
// It uses CustomParallel and automatically starts it with the default
// parameters.
//
// To avoid leaking goroutines, call ParallelDataset.Done when exiting.
//
// The order of the yields is not preserved: faster batches to generate may be yielded first.
//
// Example:
//
//	mds, err := data.InMemory("cifar10", images, labels)
//	if err != nil { … }
//	ds := data.Parallel(data.Distort(mds.BatchSize(128).Shuffle(seed).Infinite(true)))
//	defer ds.Done()
//	loop, err := train.NewLoop(ctx, model, ds, engine, config)
func Parallel(ds train.Dataset) *ParallelDataset {
	pds := CustomParallel(ds)
	return pds.Buffer(pds.parallelism).Start()
}

// CustomParallel builds a ParallelDataset that can be used to parallelize any
// train.Dataset, as long as the underlying dataset ds is thread-safe.
//
// ParallelDataset can be further configured (see Parallelism and Buffer),
// and then one has to call Start before actually using the Dataset.
//
// To avoid leaking goroutines, call ParallelDataset.Done when exiting.
func CustomParallel(ds train.Dataset) *ParallelDataset {
	pd := &ParallelDataset{
		name:      ds.Name(),
		shortName: train.ShortName(ds),
		Dataset:   ds,
	}
	pd.Parallelism(0) // 0 here means it will take the number of cores available.
	return pd
}

// Parallelism is the number of goroutines to start, each calling `ds.Yield()` in parallel
// to accelerate the generation of batches. If set to 0 (the default), and it will use the
// number of cores in the system plus 1.
//
// This must be called before a call to Start.
//
// It returns the updated ParallelDataset, so calls can be cascaded.
func (pd *ParallelDataset) Parallelism(n int) *ParallelDataset {
	if pd.impl != nil {
		klog.Errorf("ParallelDataset invalid configuration change after Start has been called.")
		return nil
	}
	if n <= 0 {
		n = runtime.NumCPU() + 1
	}
	pd.parallelism = n
	return pd
}

// WithName sets the name of the parallel dataset, and optionally its short name.
// It defaults to the original dataset name.
//
// It returns the updated ParallelDataset, so calls can be cascaded.
func (pd *ParallelDataset) WithName(name string, shortName ...string) *ParallelDataset {
	pd.name = name
	if len(shortName) > 0 {
		pd.shortName = shortName[0]
	}
	return pd
}

// Buffer reserved in the channel that collects the parallel yields.
// Notice there is already an intrinsic buffering that happens in the goroutines sampling
// in parallel.
//
// This must be called before a call to Start.
//
// It returns the updated ParallelDataset, so calls can be cascaded.
func (pd *ParallelDataset) Buffer(n int) *ParallelDataset {
	if pd.impl != nil {
		klog.Errorf("ParallelDataset invalid configuration change after Start has been called.")
		return nil
	}
	pd.extraBufferSize = n
	return pd
}

// Start indicates that the dataset is finished to be configured, and starts
// being a valid Dataset.
//
// After Start its configuration can no longer be changed.
//
// It returns the updated ParallelDataset, so calls can be cascaded.
func (pd *ParallelDataset) Start() *ParallelDataset {
	if pd.impl != nil {
		klog.Errorf("ParallelDataset.Start called more than once!?")
		return nil
	}
	config := &ParallelDataset{
		Dataset:         pd.Dataset,
		name:            pd.name,
		shortName:       pd.shortName,
		parallelism:     pd.parallelism,
		extraBufferSize: pd.extraBufferSize,
	}
	impl := &parallelDatasetImpl{
		buffer:      make(chan yieldUnit, pd.extraBufferSize),
		stopDataset: make(chan struct{}),
		config:      config,
		done:        xsync.NewLatch(),
	}
	pd.impl = impl
	// If the ParallelDataset is garbage collected, stop all parallel goroutines.
	runtime.SetFinalizer(pd, func(pd *ParallelDataset) {
		if pd.impl != nil {
			pd.impl.stop(nil)
			pd.impl = nil
		}
	})

	// Start goroutines
	impl.startGoRoutines()
	return pd
}

// stop the whole dataset, recording err if it is the first one.
func (impl *parallelDatasetImpl) stop(err error) {
	impl.muErr.Lock()
	defer impl.muErr.Unlock()
	select {
	case <-impl.stopDataset:
		return
	default:
	}
	if impl.err == nil {
		impl.err = err
	}
	close(impl.stopDataset)
}

func (impl *parallelDatasetImpl) startGoRoutines() {
	epoch := &parallelEpoch{
		finished: make(chan struct{}),
		stop:     make(chan struct{}),
	}
	impl.epoch.Store(epoch)
	var wg sync.WaitGroup
	for range impl.config.parallelism {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-epoch.stop:
					return
				case <-impl.stopDataset:
					return
				default:
					// Move forward and generate the next batch.
				}
				var unit yieldUnit
				var err error
				unit.spec, unit.inputs, unit.labels, err = impl.config.Dataset.Yield()
				if err == io.EOF {
					return
				}
				if err != nil {
					klog.Errorf("ParallelDataset %q: %+v", impl.config.name, err)
					// Fatal error, stop everything.
					impl.stop(err)
					return
				}
				select {
				case <-epoch.stop:
					return
				case <-impl.stopDataset:
					return
				case impl.buffer <- unit:
					// Batch generated and cached, move to next.
					continue
				}
			}
		}()
	}

	// Start the controller job.
	go func() {
		wg.Wait()
		select {
		case <-impl.stopDataset:
			impl.done.Trigger()
			return
		default:
		}
		close(epoch.finished)
	}()
}

// Name implements train.Dataset.
func (pd *ParallelDataset) Name() string {
	return pd.name
}

// ShortName returns a short version of the dataset name, it implements train.HasShortName.
func (pd *ParallelDataset) ShortName() string {
	return pd.shortName
}

// Done stops all the parallel dataset and wait them to finish.
func (pd *ParallelDataset) Done() {
	if pd.impl != nil {
		impl := pd.impl
		impl.stop(nil)
		pd.impl = nil
		// If the epoch already finished the controller job is gone: nothing else to wait for.
		select {
		case <-impl.epoch.Load().finished:
			return
		case <-impl.done.Done():
		}
	}
}

// Reset implements train.Dataset.
//
// Yield calls concurrent to Reset may return io.EOF: the training loop handles it by checking
// whether another replica already started the new epoch.
func (pd *ParallelDataset) Reset() {
	impl := pd.impl
	if impl == nil {
		klog.Warningf("ParallelDataset.Reset was called before it was started with ParallelDataset.Start or after ParallelDataset.Done")
		return
	}
	impl.muReset.Lock()
	defer impl.muReset.Unlock()

	// Indicate to readers to stop generating data, and drain whatever is still in the buffer.
	epoch := impl.epoch.Load()
	select {
	case <-epoch.stop:
	default:
		close(epoch.stop)
	}
drainDataset:
	for {
		select {
		case <-impl.stopDataset:
			// Return immediately, do nothing.
			return
		case <-epoch.finished:
			// All finished, we can move on.
			break drainDataset
		case <-impl.buffer:
			// Discard remaining entries that were in the buffer.
		}
	}
	// Entries pushed right before the goroutines saw the stop signal.
	for len(impl.buffer) > 0 {
		<-impl.buffer
	}

	// Reset underlying dataset and start again.
	impl.config.Dataset.Reset()
	impl.startGoRoutines()

	// This no-op prevents `pd` from being garbage collected and the goroutines killed in the middle
	// of the Reset operation. Leave this at the end.
	pd.keepAlive.Add(1)
}

// Yield implements train.Dataset.
func (pd *ParallelDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	impl := pd.impl
	if impl == nil {
		err = errors.Errorf("ParallelDataset.Yield was called before it was started with ParallelDataset.Start or after it was stopped with ParallelDataset.Done")
		return
	}
	epoch := impl.epoch.Load()
	var unit yieldUnit
	select {
	case <-impl.stopDataset:
		// An error occurred, dataset is closed.
		impl.muErr.Lock()
		err = impl.err
		impl.muErr.Unlock()
		if err == nil {
			err = errors.Errorf("ParallelDataset %q was stopped", pd.name)
		}
		return
	case unit = <-impl.buffer:
		// We got a new batch
	case <-epoch.finished:
		// No more records being produced (until Reset() is called), but we still need to exhaust the buffer.
		select {
		case unit = <-impl.buffer:
			// We got a new batch, simply continue.
		default:
			// Generation exhausted, and no more records in buffer.
			err = io.EOF
			return
		}
	}
	spec, inputs, labels = unit.spec, unit.inputs, unit.labels

	// This no-op prevents `pd` from being garbage collected and the goroutines killed in the middle
	// of the Yield operation. Leave this at the end.
	pd.keepAlive.Add(1)
	return
}
