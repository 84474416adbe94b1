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
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Batch is the unit of data of a training or evaluation step.
type Batch struct {
	// Inputs shaped [batchSize, timesteps, 4].
	Inputs *tensors.Tensor

	// Labels holds the class of each example, len(Labels) == batchSize.
	Labels []int
}

// Size returns the number of examples in the batch.
func (b Batch) Size() int { return len(b.Labels) }

// Dataset for a train.Trainer provides the data, one batch at a time.
type Dataset interface {
	// Name identifies the dataset. Used for debugging, pretty-printing and plots.
	Name() string

	// Reset restarts the dataset from the beginning. Can be called after io.EOF is reached,
	// for instance when running another epoch.
	Reset()

	// Yield one batch or an error.
	//
	// If the error is `io.EOF` the epoch terminates normally. Any other errors should interrupt the
	// training/evaluation and be returned to the user.
	//
	// The ownership of the batch is transferred to the caller.
	Yield() (batch Batch, err error)
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
// 3 letters of the name.
func ShortName(ds Dataset) string {
	if sn, ok := ds.(HasShortName); ok {
		return sn.ShortName()
	}
	name := ds.Name()
	if len(name) > 3 {
		name = name[:3]
	}
	return name
}
