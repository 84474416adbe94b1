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
	"testing"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const deltaForTests = 1e-4

// multiclassScores returns scores whose argmax are the predictions [0, 1, 2, 2].
func multiclassScores() *tensors.Tensor {
	return tensors.FromValue([][]float32{
		{3, 1, 0},
		{0, 2, 1},
		{0, 1, 5},
		{-1, -2, 0},
	})
}

var multiclassLabels = []int{0, 1, 1, 2}

func assertValues(t *testing.T, want, got Values) {
	t.Helper()
	require.Len(t, got, len(want))
	for key, value := range want {
		assert.InDeltaf(t, value, got[key], deltaForTests, "metric %q", key)
	}
}

func TestMulticlass(t *testing.T) {
	agg := must.M1(NewAggregator("multiclass", 3))
	assert.Equal(t, []int{0, 1, 2, 2}, must.M1(agg.Predictions(multiclassScores())))

	// Per class (precision, recall, f1): 0 -> (1, 1, 1); 1 -> (1, 0.5, 2/3); 2 -> (0.5, 1, 2/3).
	testCases := []struct {
		average Averaging
		want    Values
	}{
		{AverageMacro, Values{AccuracyKey: 0.75, PrecisionKey: 2.5 / 3, RecallKey: 2.5 / 3, F1Key: 7.0 / 9}},
		{AverageWeighted, Values{AccuracyKey: 0.75, PrecisionKey: 0.875, RecallKey: 0.75, F1Key: 0.75}},
		{AverageMicro, Values{AccuracyKey: 0.75, PrecisionKey: 0.75, RecallKey: 0.75, F1Key: 0.75}},
	}
	for _, tc := range testCases {
		t.Run(string(tc.average), func(t *testing.T) {
			got, err := agg.BatchMetrics(multiclassScores(), multiclassLabels, tc.average)
			require.NoError(t, err)
			assertValues(t, tc.want, got)
		})
	}

	_, err := agg.BatchMetrics(multiclassScores(), multiclassLabels, AverageBinary)
	require.Error(t, err)
	_, err = agg.BatchMetrics(multiclassScores(), []int{0, 1, 3, 2}, AverageMacro)
	require.Error(t, err)
	_, err = agg.BatchMetrics(multiclassScores(), []int{0, 1}, AverageMacro)
	require.Error(t, err)
	_, err = agg.BatchMetrics(tensors.FromShape(shapes.Make(dtypes.Float32, 4, 2)), multiclassLabels, AverageMacro)
	require.Error(t, err)
}

func TestMacroSkipsAbsentClasses(t *testing.T) {
	// Class 2 is neither a label nor a prediction: it doesn't count in the macro average.
	agg := must.M1(NewAggregator("multiclass", 3))
	scores := tensors.FromValue([][]float32{{1, 0, 0}, {0, 1, 0}})
	got := must.M1(agg.BatchMetrics(scores, []int{0, 1}, AverageMacro))
	assertValues(t, Values{AccuracyKey: 1, PrecisionKey: 1, RecallKey: 1, F1Key: 1}, got)
}

func TestBinary(t *testing.T) {
	// A single logit column is thresholded at 0: predictions are [1, 0, 0, 1].
	agg := must.M1(NewAggregator("Binary", 1))
	scores := tensors.FromFlatDataAndDimensions([]float32{2, -1, -0.5, 0.3}, 4, 1)
	got := must.M1(agg.BatchMetrics(scores, []int{1, 0, 1, 1}, AverageBinary))
	assertValues(t, Values{AccuracyKey: 0.75, PrecisionKey: 1, RecallKey: 2.0 / 3, F1Key: 0.8}, got)

	// Undefined ratios are 0.
	got = must.M1(agg.BatchMetrics(tensors.FromFlatDataAndDimensions([]float32{-1, -1}, 2, 1), []int{0, 0},
		AverageBinary))
	assertValues(t, Values{AccuracyKey: 1, PrecisionKey: 0, RecallKey: 0, F1Key: 0}, got)

	// Two scores per example.
	agg2 := must.M1(NewAggregator("binary", 2))
	scores = tensors.FromValue([][]float32{{0, 1}, {1, 0}})
	got = must.M1(agg2.BatchMetrics(scores, []int{1, 1}, AverageBinary))
	assertValues(t, Values{AccuracyKey: 0.5, PrecisionKey: 1, RecallKey: 0.5, F1Key: 2.0 / 3}, got)
}

func TestNewAggregator(t *testing.T) {
	_, err := NewAggregator("regression", 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownDatasetType))

	_, err = NewAggregator("binary", 3)
	require.Error(t, err)
	_, err = NewAggregator("multiclass", 1)
	require.Error(t, err)

	agg := must.M1(NewAggregator("multiclass", 4))
	assert.Equal(t, Values{AccuracyKey: 0, PrecisionKey: 0, RecallKey: 0, F1Key: 0}, agg.Zero())

	average, err := ParseAveraging("Weighted")
	require.NoError(t, err)
	assert.Equal(t, AverageWeighted, average)
	_, err = ParseAveraging("samples")
	require.Error(t, err)
}

func TestAccumulator(t *testing.T) {
	agg := must.M1(NewAggregator("multiclass", 3))
	acc := agg.NewAccumulator()
	assert.Equal(t, 0.0, acc.Finalize().Map()[AccuracyKey])

	batches := []Values{
		{AccuracyKey: 0.5, PrecisionKey: 0.25, RecallKey: 1, F1Key: 0.4},
		{AccuracyKey: 1, PrecisionKey: 0.75, RecallKey: 0, F1Key: 0.2},
		{AccuracyKey: 0, PrecisionKey: 0.5, RecallKey: 0.5, F1Key: 0.9},
	}
	for _, values := range batches {
		acc.Add(values)
	}
	epoch := acc.Finalize()
	assert.Equal(t, 3, epoch.NumBatches())
	assert.Equal(t, []string{AccuracyKey, F1Key, PrecisionKey, RecallKey}, epoch.Keys())
	for _, key := range MetricKeys() {
		var sum float64
		for _, values := range batches {
			sum += values[key]
		}
		got, found := epoch.Get(key)
		require.True(t, found)
		assert.InDelta(t, sum/3, got, deltaForTests)
	}
	assert.Equal(t, "accuracy=0.5000 f1=0.5000 precision=0.5000 recall=0.5000", epoch.String())

	// The finalized value is independent of the accumulator and of the returned maps.
	acc.Add(batches[0])
	epoch.Map()[AccuracyKey] = 100
	got, _ := epoch.Get(AccuracyKey)
	assert.InDelta(t, 0.5, got, deltaForTests)
}
