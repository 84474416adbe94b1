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

package metrics

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Accumulator sums the metrics of the batches of one epoch. Create a new one for each epoch.
type Accumulator struct {
	sums       Values
	numBatches int
}

// NewAccumulator returns an Accumulator with all the metric keys of the aggregator set to 0.
func (a *Aggregator) NewAccumulator() *Accumulator {
	return &Accumulator{sums: a.Zero()}
}

// Add the metrics of one batch.
func (acc *Accumulator) Add(values Values) {
	for key, value := range values {
		acc.sums[key] += value
	}
	acc.numBatches++
}

// NumBatches returns the number of batches added so far.
func (acc *Accumulator) NumBatches() int { return acc.numBatches }

// Finalize returns the mean of the batch metrics. With no batches, all metrics are 0.
func (acc *Accumulator) Finalize() EpochMetrics {
	values := maps.Clone(acc.sums)
	if acc.numBatches > 0 {
		for key := range values {
			values[key] /= float64(acc.numBatches)
		}
	}
	return EpochMetrics{values: values, numBatches: acc.numBatches}
}

// EpochMetrics are the finalized metrics of one epoch. It is a read-only value.
type EpochMetrics struct {
	values     Values
	numBatches int
}

// NewEpochMetrics creates EpochMetrics from already aggregated values, e.g. read back from a checkpoint.
func NewEpochMetrics(values map[string]float64, numBatches int) EpochMetrics {
	return EpochMetrics{values: maps.Clone(values), numBatches: numBatches}
}

// Get returns the value of the metric key, and whether it is present.
func (m EpochMetrics) Get(key string) (float64, bool) {
	v, found := m.values[key]
	return v, found
}

// Keys returns the sorted metric keys.
func (m EpochMetrics) Keys() []string {
	return slices.Sorted(maps.Keys(m.values))
}

// Map returns a copy of the metrics.
func (m EpochMetrics) Map() map[string]float64 { return maps.Clone(m.values) }

// NumBatches returns the number of batches aggregated.
func (m EpochMetrics) NumBatches() int { return m.numBatches }

// IsEmpty returns whether no metrics are present.
func (m EpochMetrics) IsEmpty() bool { return len(m.values) == 0 }

// String implements fmt.Stringer.
func (m EpochMetrics) String() string {
	parts := make([]string, 0, len(m.values))
	for _, key := range m.Keys() {
		parts = append(parts, fmt.Sprintf("%s=%.4f", key, m.values[key]))
	}
	return strings.Join(parts, " ")
}
