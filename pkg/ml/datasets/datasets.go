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

// Package datasets is a collection of utility datasets (train.Dataset) and tools to prepare them:
// `InMemory`, `Prefetch` and `SplitIndices`.
package datasets

import (
	"math"
	"math/rand"
	"slices"

	"github.com/pkg/errors"
)

// ErrInvalidSplit is returned by SplitIndices for fractions outside of (0, 1) or datasets too small to split.
var ErrInvalidSplit = errors.New("invalid train/validation split")

// SplitIndices partitions the indices 0..n-1 into a training set and a validation set holding
// `round(fraction*n)` of them (rounding half up), clamped so both sets have at least one element.
//
// If rng is nil, the split is contiguous: the validation set gets the last indices. Otherwise, the indices
// are randomly permuted before splitting. Both returned sets are sorted.
func SplitIndices(n int, fraction float64, rng *rand.Rand) (trainIndices, valIndices []int, err error) {
	if math.IsNaN(fraction) || fraction <= 0 || fraction >= 1 {
		return nil, nil, errors.Wrapf(ErrInvalidSplit, "validation fraction %g must be in the open interval (0, 1)",
			fraction)
	}
	if n < 2 {
		return nil, nil, errors.Wrapf(ErrInvalidSplit, "%d examples are not enough for a train and a validation set", n)
	}
	numVal := int(math.Floor(fraction*float64(n) + 0.5))
	numVal = min(max(numVal, 1), n-1)

	order := make([]int, n)
	for ii := range order {
		order[ii] = ii
	}
	if rng != nil {
		order = rng.Perm(n)
	}
	numTrain := n - numVal
	trainIndices = slices.Clone(order[:numTrain])
	valIndices = slices.Clone(order[numTrain:])
	slices.Sort(trainIndices)
	slices.Sort(valIndices)
	return trainIndices, valIndices, nil
}
