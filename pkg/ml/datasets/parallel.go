// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"io"
	"sync"

	"github.com/RichNachos/deepdecode/pkg/ml/train"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Planner is a dataset that can tell in advance the examples of each batch of the epoch, and gather any batch
// concurrently. InMemoryDataset implements it.
type Planner interface {
	train.Dataset

	// Plan returns the example indices of each remaining batch of the current epoch, in yield order.
	Plan() [][]int

	// Gather assembles the batch with the given example indices. It must be safe for concurrent use.
	Gather(indices []int) (train.Batch, error)

	// NumBatches returns the number of batches of a full epoch.
	NumBatches() int
}

// PrefetchDataset is a wrapper around a Planner that assembles batches in parallel goroutines, ahead of
// the training step, but yields them in the same order as the wrapped dataset.
//
// Workers only read the dataset: they never touch the model.
type PrefetchDataset struct {
	source     Planner
	numWorkers int
	readAhead  int

	// mu protects the current epoch.
	mu    sync.Mutex
	epoch *prefetchEpoch
}

type prefetchResult struct {
	batch train.Batch
	err   error
}

// prefetchEpoch holds the goroutines and the results of one pass over the plan.
type prefetchEpoch struct {
	results []chan prefetchResult
	next    int
	slots   chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

// Prefetch returns a dataset that yields the same batches as source, in the same order, assembled by
// numWorkers goroutines. At most 2*numWorkers batches are assembled ahead of the consumer.
//
// If numWorkers <= 0, source is returned as is, and batches are assembled inline.
//
// To avoid leaking goroutines on an unfinished epoch, call PrefetchDataset.Done when exiting.
func Prefetch(source Planner, numWorkers int) train.Dataset {
	if numWorkers <= 0 {
		return source
	}
	return &PrefetchDataset{source: source, numWorkers: numWorkers, readAhead: 2 * numWorkers}
}

// Name implements train.Dataset.
func (pd *PrefetchDataset) Name() string { return pd.source.Name() }

// ShortName implements train.HasShortName.
func (pd *PrefetchDataset) ShortName() string { return train.ShortName(pd.source) }

// NumBatches implements train.HasNumBatches.
func (pd *PrefetchDataset) NumBatches() int { return pd.source.NumBatches() }

// start the goroutines for the remaining plan of the source. pd.mu must be locked.
func (pd *PrefetchDataset) startLocked() {
	plan := pd.source.Plan()
	epoch := &prefetchEpoch{
		results: make([]chan prefetchResult, len(plan)),
		slots:   make(chan struct{}, pd.readAhead),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for ii := range epoch.results {
		// Buffered, so workers never block on delivery.
		epoch.results[ii] = make(chan prefetchResult, 1)
	}
	pd.epoch = epoch
	klog.V(2).Infof("Prefetch(%q): assembling %d batches with %d workers", pd.Name(), len(plan), pd.numWorkers)

	go func() {
		defer close(epoch.done)
		var group errgroup.Group
		group.SetLimit(pd.numWorkers)
	producer:
		for ii, indices := range plan {
			select {
			case <-epoch.stop:
				break producer
			case epoch.slots <- struct{}{}:
			}
			group.Go(func() error {
				batch, err := pd.source.Gather(indices)
				epoch.results[ii] <- prefetchResult{batch: batch, err: err}
				return nil
			})
		}
		_ = group.Wait()
	}()
}

// stopLocked stops the current epoch goroutines, if any, and waits for them. pd.mu must be locked.
func (pd *PrefetchDataset) stopLocked() {
	if pd.epoch == nil {
		return
	}
	close(pd.epoch.stop)
	<-pd.epoch.done
	pd.epoch = nil
}

// Done stops the goroutines assembling batches and waits for them to finish.
func (pd *PrefetchDataset) Done() {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	pd.stopLocked()
}

// Reset implements train.Dataset.
func (pd *PrefetchDataset) Reset() {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	pd.stopLocked()
	pd.source.Reset()
}

// Yield implements train.Dataset. Batches are yielded in plan order, regardless of which worker finishes first.
func (pd *PrefetchDataset) Yield() (train.Batch, error) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	if pd.epoch == nil {
		pd.startLocked()
	}
	epoch := pd.epoch
	if epoch.next >= len(epoch.results) {
		return train.Batch{}, io.EOF
	}
	result := <-epoch.results[epoch.next]
	epoch.results[epoch.next] = nil
	epoch.next++
	<-epoch.slots
	if result.err != nil {
		return train.Batch{}, errors.WithMessagef(result.err, "Prefetch(%q) failed assembling batch %d",
			pd.Name(), epoch.next-1)
	}
	return result.batch, nil
}
