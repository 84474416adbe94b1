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

package train_test

import (
	"fmt"
	"io"
	"math"
	"testing"

	"github.com/RichNachos/deepdecode/pkg/ml/datasets"
	"github.com/RichNachos/deepdecode/pkg/ml/models"
	. "github.com/RichNachos/deepdecode/pkg/ml/train"
	"github.com/RichNachos/deepdecode/pkg/ml/train/losses"
	"github.com/RichNachos/deepdecode/pkg/ml/train/metrics"
	"github.com/RichNachos/deepdecode/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	toyExamples  = 32
	toyTimesteps = 3
)

var backend = backends.MustNew()

// toyDataset returns a linearly separable problem: the label is 1 if the first base is an "A", 0 otherwise.
func toyDataset(t *testing.T) *datasets.InMemoryDataset {
	flat := make([]float32, toyExamples*toyTimesteps*4)
	labels := make([]int, toyExamples)
	for ii := range toyExamples {
		for pos := range toyTimesteps {
			base := (ii + pos) % 4
			flat[(ii*toyTimesteps+pos)*4+base] = 1
		}
		if ii%4 == 0 {
			labels[ii] = 1
		}
	}
	inputs := tensors.FromFlatDataAndDimensions(flat, toyExamples, toyTimesteps, 4)
	return must.M1(datasets.InMemoryFromData("toy", inputs, labels)).BatchSize(8, false)
}

func newToyTrainer(t *testing.T, lossFn losses.LossFn) *Trainer {
	model := must.M1(models.New(backend, "fnn", models.Config{
		EmbeddingDim: 4,
		HiddenDim:    8,
		HiddenLayers: 1,
		OutputDim:    2,
		BatchSize:    8,
		Timesteps:    toyTimesteps,
		Seed:         1,
	}))
	optimizer := must.M1(optimizers.ByName(model.Context(), "adam", optimizers.Config{LearningRate: 0.01}))
	aggregator := must.M1(metrics.NewAggregator(metrics.BinaryDataset, 2))
	return NewTrainer(model, lossFn, optimizer, aggregator, metrics.AverageMacro)
}

func TestTrainEpoch(t *testing.T) {
	trainer := newToyTrainer(t, losses.CrossEntropy)
	ds := toyDataset(t)
	first := must.M1(trainer.TrainEpoch(ds))
	assert.Equal(t, TrainPhase, first.Phase)
	assert.Equal(t, 4, first.NumBatches)
	assert.Equal(t, toyExamples, first.NumExamples)
	assert.True(t, trainer.Model().IsTraining())
	assert.ElementsMatch(t, metrics.MetricKeys(), first.Metrics.Keys())
	assert.Equal(t, 4, first.Metrics.NumBatches())

	last := first
	for range 30 {
		ds.Reset()
		last = must.M1(trainer.TrainEpoch(ds))
	}
	fmt.Printf("Loss: first epoch %.4f, last epoch %.4f\n", first.MeanLoss(), last.MeanLoss())
	assert.Less(t, last.MeanLoss(), first.MeanLoss())
	assert.GreaterOrEqual(t, last.Loss, 0.0)
}

func TestEvalEpoch(t *testing.T) {
	trainer := newToyTrainer(t, losses.CrossEntropy)
	ds := toyDataset(t)
	before := trainer.Model().StateDict()
	optimizerBefore := trainer.Optimizer().StateDict()
	result := must.M1(trainer.EvalEpoch(ds))
	assert.Equal(t, ValidationPhase, result.Phase)
	assert.Equal(t, 4, result.NumBatches)
	assert.False(t, trainer.Model().IsTraining())

	after := trainer.Model().StateDict()
	require.Len(t, after, len(before))
	for key, value := range before {
		assert.Truef(t, value.Equal(after[key]), "variable %q changed during evaluation", key)
	}
	assert.Len(t, trainer.Optimizer().StateDict(), len(optimizerBefore))
	assert.Equal(t, int64(0), trainer.Optimizer().GlobalStep())
}

func TestInvalidLabels(t *testing.T) {
	trainer := newToyTrainer(t, losses.CrossEntropy)
	inputs := tensors.FromShape(shapes.Make(dtypes.Float32, 2, toyTimesteps, 4))
	ds := must.M1(datasets.InMemoryFromData("bad_labels", inputs, []int{0, 2}))
	_, err := trainer.EvalEpoch(ds)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestNonFiniteLoss(t *testing.T) {
	// The gradients are finite, only the loss is not.
	nanLoss := func(scores, labels *graph.Node) *graph.Node {
		return graph.Add(graph.ReduceAllSum(scores), graph.Const(scores.Graph(), float32(math.NaN())))
	}
	trainer := newToyTrainer(t, nanLoss)
	before := trainer.Model().StateDict()
	_, err := trainer.TrainEpoch(toyDataset(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNonFiniteLoss))
	for key, value := range trainer.Model().StateDict() {
		assert.Truef(t, value.Equal(before[key]), "variable %q updated with a NaN loss", key)
	}
}

type emptyDataset struct{}

func (emptyDataset) Name() string                    { return "empty" }
func (emptyDataset) Reset()                          {}
func (emptyDataset) Yield() (batch Batch, err error) { return Batch{}, io.EOF }

type failingDataset struct{ emptyDataset }

func (failingDataset) Yield() (batch Batch, err error) { return Batch{}, errors.New("disk on fire") }

func TestEpochErrors(t *testing.T) {
	trainer := newToyTrainer(t, losses.CrossEntropy)
	_, err := trainer.TrainEpoch(emptyDataset{})
	assert.True(t, errors.Is(err, ErrEmptyEpoch))
	_, err = trainer.EvalEpoch(emptyDataset{})
	assert.True(t, errors.Is(err, ErrEmptyEpoch))

	_, err = trainer.TrainEpoch(failingDataset{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")

	// Shape errors thrown while building the graph are returned as errors.
	inputs := tensors.FromShape(shapes.Make(dtypes.Float32, 4, 5, 4))
	ds := must.M1(datasets.InMemoryFromData("bad", inputs, []int{0, 1, 0, 1}))
	_, err = trainer.TrainEpoch(ds)
	require.Error(t, err)
}

func TestLoopHooks(t *testing.T) {
	trainer := newToyTrainer(t, losses.CrossEntropy)
	ds := toyDataset(t)
	val := must.M1(ds.Subset("validation", []int{0, 1, 2, 3, 4})).BatchSize(2, false)
	loop := NewLoop(trainer, ds, val)

	var calls []string
	numBatches := map[Phase]int{}
	trainer.OnBatch("count", 0, func(_ *Trainer, step BatchStep) error {
		numBatches[step.Phase]++
		return nil
	})
	loop.OnStart("start", 0, func(loop *Loop) error {
		calls = append(calls, "start")
		return nil
	})
	loop.OnEpochStart("epoch_start", 0, func(_ *Loop, epoch int) error {
		calls = append(calls, fmt.Sprintf("epoch_start:%d", epoch))
		return nil
	})
	for _, priority := range []Priority{2, 0, 1} {
		loop.OnEpoch(fmt.Sprintf("p%d", priority), priority, func(_ *Loop, summary EpochSummary) error {
			require.NotNil(t, summary.Validation)
			calls = append(calls, fmt.Sprintf("p%d:%d", priority, summary.Epoch))
			return nil
		})
	}
	loop.OnEnd("end", 0, func(_ *Loop, history []EpochSummary) error {
		calls = append(calls, fmt.Sprintf("end:%d", len(history)))
		return nil
	})

	history := must.M1(loop.RunEpochs(1, 3))
	require.Len(t, history, 2)
	assert.Equal(t, 1, history[0].Epoch)
	assert.Equal(t, 2, history[1].Epoch)
	assert.Equal(t, 3, history[1].Validation.NumBatches)
	assert.Equal(t, []string{
		"start",
		"epoch_start:1", "p0:1", "p1:1", "p2:1",
		"epoch_start:2", "p0:2", "p1:2", "p2:2",
		"end:2",
	}, calls)
	assert.Equal(t, 2*4, numBatches[TrainPhase])
	assert.Equal(t, 2*3, numBatches[ValidationPhase])
	assert.Len(t, loop.EpochDurations, 2)

	// Nothing left to run.
	calls = nil
	history = must.M1(loop.RunEpochs(3, 3))
	assert.Empty(t, history)
	assert.Equal(t, []string{"start", "end:0"}, calls)

	// Hook errors interrupt the loop.
	loop.OnEpoch("fail", 3, func(_ *Loop, _ EpochSummary) error { return errors.New("hook failed") })
	history, err := loop.RunEpochs(0, 2)
	require.Error(t, err)
	assert.Len(t, history, 0)
	assert.Contains(t, err.Error(), "hook failed")
}
