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

package datasets

import (
	"fmt"
	"io"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/RichNachos/deepdecode/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// InMemoryDataset is a Dataset over examples held in memory: inputs shaped [numExamples, ...] and one
// integer label per example.
//
// It supports batching, shuffling and can be restricted to a subset of the examples (see Subset). Subsets
// share the underlying data.
type InMemoryDataset struct {
	name      string
	shortName string

	// inputs holds the values of all examples, flat and shared among subsets. Never modified.
	inputs []float32
	labels []int

	// exampleDims is the shape of one example, and exampleSize its number of values.
	exampleDims []int
	exampleSize int

	// indices of the examples used by this dataset, in yield order when not shuffling.
	indices []int

	// muSampling protects the sampling state below.
	muSampling          sync.Mutex
	batchSize           int
	dropIncompleteBatch bool
	shuffle             []int // Permutation of positions in indices, or nil if not shuffling.
	rng                 *rand.Rand
	next                int
}

// InMemoryFromData creates an InMemoryDataset from Float32 inputs shaped [numExamples, ...] and their labels.
// The values of inputs are copied to the host, and the dataset takes ownership of labels.
//
// It defaults to batches of one example, in order.
func InMemoryFromData(name string, inputs *tensors.Tensor, labels []int) (*InMemoryDataset, error) {
	shape := inputs.Shape()
	if shape.Rank() < 1 || shape.DType != dtypes.Float32 {
		return nil, errors.Errorf("InMemoryFromData(%q): inputs must be Float32 with a batch axis, got %s", name,
			shape)
	}
	numExamples := shape.Dim(0)
	if numExamples != len(labels) {
		return nil, errors.Errorf("InMemoryFromData(%q): %d examples in inputs %s but %d labels", name,
			numExamples, shape, len(labels))
	}
	mds := &InMemoryDataset{
		inputs:      make([]float32, 0, shape.Size()),
		labels:      labels,
		exampleDims: slices.Clone(shape.Dimensions[1:]),
		indices:     make([]int, numExamples),
		batchSize:   1,
	}
	err := tensors.ConstFlatData(inputs, func(flat []float32) {
		mds.inputs = append(mds.inputs, flat...)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "InMemoryFromData(%q)", name)
	}
	if numExamples > 0 {
		mds.exampleSize = len(mds.inputs) / numExamples
	}
	for ii := range mds.indices {
		mds.indices[ii] = ii
	}
	mds.SetName(name)
	return mds, nil
}

// Subset returns a new InMemoryDataset with the examples at the given indices (in the given order), sharing
// the data with mds. The batching configuration is copied, shuffling is not.
func (mds *InMemoryDataset) Subset(name string, indices []int) (*InMemoryDataset, error) {
	for _, idx := range indices {
		if idx < 0 || idx >= len(mds.indices) {
			return nil, errors.Errorf("InMemoryDataset(%q).Subset(%q): index %d out of range [0, %d)", mds.name,
				name, idx, len(mds.indices))
		}
	}
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	sub := &InMemoryDataset{
		inputs:              mds.inputs,
		labels:              mds.labels,
		exampleDims:         mds.exampleDims,
		exampleSize:         mds.exampleSize,
		indices:             make([]int, len(indices)),
		batchSize:           mds.batchSize,
		dropIncompleteBatch: mds.dropIncompleteBatch,
		rng:                 mds.rng,
	}
	for ii, idx := range indices {
		sub.indices[ii] = mds.indices[idx]
	}
	sub.SetName(name)
	return sub, nil
}

// NumExamples returns the number of examples in the dataset.
func (mds *InMemoryDataset) NumExamples() int { return len(mds.indices) }

// NumBatches returns the number of batches in one epoch.
func (mds *InMemoryDataset) NumBatches() int {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	n := len(mds.indices) / mds.batchSize
	if !mds.dropIncompleteBatch && len(mds.indices)%mds.batchSize != 0 {
		n++
	}
	return n
}

// Name implements train.Dataset.
func (mds *InMemoryDataset) Name() string { return mds.name }

// ShortName implements train.HasShortName.
func (mds *InMemoryDataset) ShortName() string { return mds.shortName }

// SetName sets the name of the dataset and optionally its ShortName, and returns the updated dataset.
func (mds *InMemoryDataset) SetName(name string, shortName ...string) *InMemoryDataset {
	mds.name = name
	if len(shortName) > 0 {
		mds.shortName = shortName[0]
	} else {
		mds.shortName = name[:min(3, len(name))]
	}
	return mds
}

// Labels returns the labels of the examples of the dataset, in the non-shuffled order.
func (mds *InMemoryDataset) Labels() []int {
	labels := make([]int, len(mds.indices))
	for ii, idx := range mds.indices {
		labels[ii] = mds.labels[idx]
	}
	return labels
}

// BatchSize configures the InMemoryDataset to return batches of the given size. If dropIncompleteBatch is set
// to true, it will simply drop examples if there are not enough to fill a batch: this can only happen on the last
// batch of an epoch. Otherwise, it will return a partially filled batch.
//
// It returns the modified InMemoryDataset, so calls can be cascaded if one wants.
func (mds *InMemoryDataset) BatchSize(n int, dropIncompleteBatch bool) *InMemoryDataset {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.batchSize = max(n, 1)
	mds.dropIncompleteBatch = dropIncompleteBatch
	return mds
}

// Shuffle configures the InMemoryDataset to shuffle the order of the data. At each call to Reset() it is
// reshuffled.
//
// It returns the modified InMemoryDataset, so calls can be cascaded if one wants.
func (mds *InMemoryDataset) Shuffle() *InMemoryDataset {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.shuffleLocked()
	return mds
}

// IsShuffled returns whether the dataset is configured to shuffle.
func (mds *InMemoryDataset) IsShuffled() bool {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	return mds.shuffle != nil
}

// shuffleLocked shuffles dataset yield order. It assumed muSampling is locked.
func (mds *InMemoryDataset) shuffleLocked() {
	if mds.rng == nil {
		mds.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	mds.shuffle = mds.rng.Perm(len(mds.indices))
}

// WithRand sets the random number generator (RNG) for shuffling. This allows for repeatable
// deterministic shuffling. The default is to use an RNG initialized with the current nanosecond time.
//
// If dataset is configured with Shuffle, this re-shuffles the dataset immediately.
//
// It returns the modified InMemoryDataset, so calls can be cascaded if one wants.
func (mds *InMemoryDataset) WithRand(rng *rand.Rand) *InMemoryDataset {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.rng = rng
	if mds.shuffle != nil {
		mds.shuffleLocked()
	}
	return mds
}

// Reset implements train.Dataset.
func (mds *InMemoryDataset) Reset() {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.next = 0
	if mds.shuffle != nil {
		mds.shuffleLocked()
	}
}

// exampleAtLocked returns the example index at position pos of the current epoch order. muSampling must be locked.
func (mds *InMemoryDataset) exampleAtLocked(pos int) int {
	if mds.shuffle != nil {
		return mds.indices[mds.shuffle[pos]]
	}
	return mds.indices[pos]
}

// batchIndicesLocked returns the example indices of the batch starting at position start, or nil if there are
// no more batches. muSampling must be locked.
func (mds *InMemoryDataset) batchIndicesLocked(start int) []int {
	end := min(start+mds.batchSize, len(mds.indices))
	if end <= start || (mds.dropIncompleteBatch && end-start < mds.batchSize) {
		return nil
	}
	indices := make([]int, 0, end-start)
	for pos := start; pos < end; pos++ {
		indices = append(indices, mds.exampleAtLocked(pos))
	}
	return indices
}

// Plan returns the example indices of each remaining batch of the current epoch, in yield order.
// It doesn't change the state of the dataset.
func (mds *InMemoryDataset) Plan() [][]int {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	var plan [][]int
	for start := mds.next; ; start += mds.batchSize {
		indices := mds.batchIndicesLocked(start)
		if indices == nil {
			break
		}
		plan = append(plan, indices)
	}
	return plan
}

// Gather assembles the batch with the given example indices. It only reads the shared data, so it can be
// called concurrently.
func (mds *InMemoryDataset) Gather(indices []int) (train.Batch, error) {
	dst := make([]float32, len(indices)*mds.exampleSize)
	labels := make([]int, len(indices))
	src := mds.inputs
	for ii, idx := range indices {
		if idx < 0 || idx >= len(mds.labels) {
			return train.Batch{}, errors.Errorf("InMemoryDataset(%q): example %d out of range [0, %d)", mds.name,
				idx, len(mds.labels))
		}
		copy(dst[ii*mds.exampleSize:(ii+1)*mds.exampleSize], src[idx*mds.exampleSize:(idx+1)*mds.exampleSize])
		labels[ii] = mds.labels[idx]
	}
	dims := append([]int{len(indices)}, mds.exampleDims...)
	return train.Batch{Inputs: tensors.FromFlatDataAndDimensions(dst, dims...), Labels: labels}, nil
}

// Yield implements train.Dataset.
func (mds *InMemoryDataset) Yield() (train.Batch, error) {
	mds.muSampling.Lock()
	indices := mds.batchIndicesLocked(mds.next)
	if indices != nil {
		mds.next += len(indices)
	}
	mds.muSampling.Unlock()
	if indices == nil {
		return train.Batch{}, io.EOF
	}
	return mds.Gather(indices)
}

// String implements fmt.Stringer.
func (mds *InMemoryDataset) String() string {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	return fmt.Sprintf("InMemoryDataset(%q, %d examples of %v, batch size %d, shuffle=%v)", mds.name,
		len(mds.indices), mds.exampleDims, mds.batchSize, mds.shuffle != nil)
}
