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
	"io"
	"math"
	"math/rand"
	"slices"
	"testing"

	"github.com/RichNachos/deepdecode/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitIndices(t *testing.T) {
	testCases := []struct {
		n        int
		fraction float64
		numVal   int
	}{
		{100, 0.2, 20},
		{10, 0.25, 3}, // 2.5 rounds half up.
		{10, 0.01, 1}, // At least one validation example.
		{3, 0.1, 1},   // 0.3 rounds to 0, clamped up to 1.
		{10, 0.99, 9}, // At least one training example.
		{2, 0.5, 1},
		{7, 0.3, 2},
	}
	for _, tc := range testCases {
		for _, rng := range []*rand.Rand{nil, rand.New(rand.NewSource(3))} {
			trainIdx, valIdx, err := SplitIndices(tc.n, tc.fraction, rng)
			require.NoError(t, err)
			assert.Lenf(t, valIdx, tc.numVal, "n=%d, fraction=%g", tc.n, tc.fraction)
			assert.Len(t, trainIdx, tc.n-tc.numVal)
			assert.True(t, slices.IsSorted(trainIdx))
			assert.True(t, slices.IsSorted(valIdx))

			// Disjoint and exhaustive.
			all := append(slices.Clone(trainIdx), valIdx...)
			slices.Sort(all)
			for ii, idx := range all {
				require.Equal(t, ii, idx)
			}
		}
	}

	// Without a random generator the validation set is the tail.
	trainIdx, valIdx := must.M2(SplitIndices(10, 0.2, nil))
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, trainIdx)
	assert.Equal(t, []int{8, 9}, valIdx)

	// Idempotent for the same seed.
	_, val1 := must.M2(SplitIndices(50, 0.3, rand.New(rand.NewSource(7))))
	_, val2 := must.M2(SplitIndices(50, 0.3, rand.New(rand.NewSource(7))))
	assert.Equal(t, val1, val2)

	for _, fraction := range []float64{0, 1, -0.1, 1.5, math.NaN()} {
		_, _, err := SplitIndices(10, fraction, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidSplit))
	}
	_, _, err := SplitIndices(1, 0.5, nil)
	assert.True(t, errors.Is(err, ErrInvalidSplit))
}

// newTestDataset creates a dataset with n examples shaped [2, 4], where every value of example i is i,
// and the label of example i is i.
func newTestDataset(t *testing.T, n int) *InMemoryDataset {
	flat := make([]float32, n*8)
	labels := make([]int, n)
	for ii := range n {
		labels[ii] = ii
		for jj := range 8 {
			flat[ii*8+jj] = float32(ii)
		}
	}
	return must.M1(InMemoryFromData("test", tensors.FromFlatDataAndDimensions(flat, n, 2, 4), labels))
}

// readEpoch yields all batches of the dataset until io.EOF.
func readEpoch(t *testing.T, ds train.Dataset) [][]int {
	var labels [][]int
	for {
		batch, err := ds.Yield()
		if err == io.EOF {
			return labels
		}
		require.NoError(t, err)
		require.Equal(t, []int{batch.Size(), 2, 4}, batch.Inputs.Shape().Dimensions)
		flat := tensors.MustCopyFlatData[float32](batch.Inputs)
		for ii, label := range batch.Labels {
			require.Equal(t, float32(label), flat[ii*8])
		}
		labels = append(labels, batch.Labels)
	}
}

func TestInMemory(t *testing.T) {
	ds := newTestDataset(t, 10).BatchSize(4, false)
	assert.Equal(t, 3, ds.NumBatches())
	assert.Equal(t, [][]int{{0, 1, 2, 3}, {4, 5, 6, 7}, {8, 9}}, readEpoch(t, ds))
	assert.Empty(t, readEpoch(t, ds), "exhausted until Reset")
	ds.Reset()
	assert.Len(t, readEpoch(t, ds), 3)

	ds.BatchSize(4, true)
	ds.Reset()
	assert.Equal(t, 2, ds.NumBatches())
	assert.Equal(t, [][]int{{0, 1, 2, 3}, {4, 5, 6, 7}}, readEpoch(t, ds))

	_, err := InMemoryFromData("bad", tensors.FromShape(shapes.Make(dtypes.Float32, 3, 4)), []int{0, 1})
	require.Error(t, err)
	_, err = InMemoryFromData("ints", tensors.FromValue([][]int32{{1}, {2}}), []int{0, 1})
	require.Error(t, err)
}

func TestSubset(t *testing.T) {
	ds := newTestDataset(t, 10).BatchSize(3, false)
	sub := must.M1(ds.Subset("val", []int{8, 2, 5}))
	assert.Equal(t, 3, sub.NumExamples())
	assert.Equal(t, []int{8, 2, 5}, sub.Labels())
	assert.Equal(t, [][]int{{8, 2, 5}}, readEpoch(t, sub))

	_, err := ds.Subset("bad", []int{10})
	require.Error(t, err)
}

func TestShuffle(t *testing.T) {
	ds := newTestDataset(t, 20).BatchSize(6, false).WithRand(rand.New(rand.NewSource(1))).Shuffle()
	assert.True(t, ds.IsShuffled())
	epoch1 := slices.Concat(readEpoch(t, ds)...)
	ds.Reset()
	epoch2 := slices.Concat(readEpoch(t, ds)...)
	assert.NotEqual(t, epoch1, epoch2, "each epoch is reshuffled")
	for _, epoch := range [][]int{epoch1, epoch2} {
		sorted := slices.Sorted(slices.Values(epoch))
		for ii, label := range sorted {
			require.Equal(t, ii, label, "shuffle must be a permutation")
		}
	}
}

func TestPrefetch(t *testing.T) {
	for _, numWorkers := range []int{1, 3, 8} {
		ds := newTestDataset(t, 23).BatchSize(4, false).WithRand(rand.New(rand.NewSource(5))).Shuffle()
		want := ds.Plan()
		prefetched := Prefetch(ds, numWorkers)
		assert.Equal(t, "test", prefetched.Name())
		assert.Equal(t, want, readEpoch(t, prefetched), "batches must be yielded in plan order")

		// A new epoch after Reset follows the new plan.
		prefetched.Reset()
		want = ds.Plan()
		got := readEpoch(t, prefetched)
		assert.Equal(t, want, got)

		// Reset in the middle of an epoch stops the workers.
		prefetched.Reset()
		_, err := prefetched.Yield()
		require.NoError(t, err)
		prefetched.(*PrefetchDataset).Done()
	}

	ds := newTestDataset(t, 5)
	assert.Same(t, ds, Prefetch(ds, 0))
}
