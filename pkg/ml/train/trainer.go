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

// Package train holds the tools to train models: the Trainer, that runs one epoch over a Dataset, and the
// Loop, that runs multiple epochs and calls hooks attached to it (checkpointing, plotting, progress bars, etc.).
package train

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/RichNachos/deepdecode/pkg/ml/models"
	"github.com/RichNachos/deepdecode/pkg/ml/train/losses"
	"github.com/RichNachos/deepdecode/pkg/ml/train/metrics"
	"github.com/RichNachos/deepdecode/pkg/ml/train/optimizers"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Phase of an epoch: training or validation.
type Phase string

const (
	TrainPhase      Phase = "train"
	ValidationPhase Phase = "val"
)

// ErrEmptyEpoch is returned when a dataset yields no batches in an epoch.
var ErrEmptyEpoch = errors.New("dataset yielded no batches")

// ErrNonFiniteLoss is returned when a batch loss is NaN or infinite. The model parameters are not updated
// by that batch.
var ErrNonFiniteLoss = errors.New("non-finite batch loss")

// HasNumBatches is implemented by datasets that know how many batches they yield per epoch.
// It's optional, and used for progress reporting.
type HasNumBatches interface {
	NumBatches() int
}

// BatchStep describes one processed batch, passed to the OnBatch hooks.
type BatchStep struct {
	Phase Phase

	// Index of the batch in the epoch, starting from 0.
	Index int

	// Size is the number of examples in the batch.
	Size int

	// Loss is the mean loss of the batch.
	Loss float64

	// Metrics of the batch alone.
	Metrics metrics.Values

	Duration time.Duration
}

// OnBatchFn is the type of OnBatch hooks.
type OnBatchFn func(trainer *Trainer, step BatchStep) error

// EpochResult is the outcome of one epoch over a dataset.
type EpochResult struct {
	Phase Phase

	// Loss is the sum of the mean losses of each batch.
	Loss float64

	NumBatches  int
	NumExamples int

	// Metrics averaged over the batches of the epoch.
	Metrics metrics.EpochMetrics

	Duration time.Duration
}

// MeanLoss returns the loss averaged over the batches, or 0 if there were none.
func (r EpochResult) MeanLoss() float64 {
	if r.NumBatches == 0 {
		return 0
	}
	return r.Loss / float64(r.NumBatches)
}

// String implements fmt.Stringer.
func (r EpochResult) String() string {
	return fmt.Sprintf("%s: loss=%.4f (%d batches, %s examples) %s", r.Phase, r.Loss, r.NumBatches,
		humanize.Comma(int64(r.NumExamples)), r.Metrics)
}

// Trainer runs epochs of a model over datasets: the training variant updates the model parameters with the
// optimizer, the validation variant only evaluates it.
//
// Each phase is one computation graph, executed over the model context: forward and loss, plus the gradients
// and the optimizer update for training. One batch is processed to completion before the next one is read
// from the dataset.
type Trainer struct {
	model      *models.Model
	lossFn     losses.LossFn
	optimizer  *optimizers.Optimizer
	aggregator *metrics.Aggregator
	average    metrics.Averaging

	trainExec, evalExec *context.Exec

	onBatch *priorityHooks[*hookWithName[OnBatchFn]]
}

// NewTrainer creates a Trainer for the model, trained with the given loss and optimizer, and measured
// with the aggregator metrics, averaged with the given mode.
func NewTrainer(model *models.Model, lossFn losses.LossFn, optimizer *optimizers.Optimizer,
	aggregator *metrics.Aggregator, average metrics.Averaging) *Trainer {
	return &Trainer{
		model:      model,
		lossFn:     lossFn,
		optimizer:  optimizer,
		aggregator: aggregator,
		average:    average,
		onBatch:    newPriorityHooks[*hookWithName[OnBatchFn]](),
	}
}

// Model returns the model being trained.
func (r *Trainer) Model() *models.Model { return r.model }

// Optimizer returns the optimizer used by TrainEpoch.
func (r *Trainer) Optimizer() *optimizers.Optimizer { return r.optimizer }

// Aggregator returns the metrics aggregator.
func (r *Trainer) Aggregator() *metrics.Aggregator { return r.aggregator }

// OnBatch adds a hook with given priority and name (for error reporting), called after each batch of
// TrainEpoch and EvalEpoch.
func (r *Trainer) OnBatch(name string, priority Priority, fn OnBatchFn) {
	r.onBatch.Add(priority, &hookWithName[OnBatchFn]{name: name, fn: fn})
}

// TrainEpoch runs one training epoch over the dataset: for each batch it computes the loss, its gradients, and
// updates the parameters with the optimizer.
//
// Any failure aborts the epoch and is returned. It doesn't call ds.Reset.
func (r *Trainer) TrainEpoch(ds Dataset) (EpochResult, error) {
	r.model.Train()
	return r.runEpoch(ds, TrainPhase)
}

// EvalEpoch runs one validation epoch over the dataset, with the model in evaluation mode. The model
// parameters are not changed.
//
// Any failure aborts the epoch and is returned. It doesn't call ds.Reset.
func (r *Trainer) EvalEpoch(ds Dataset) (EpochResult, error) {
	r.model.Eval()
	return r.runEpoch(ds, ValidationPhase)
}

func (r *Trainer) runEpoch(ds Dataset, phase Phase) (EpochResult, error) {
	result := EpochResult{Phase: phase}
	startTime := time.Now()
	accumulator := r.aggregator.NewAccumulator()
	for {
		batch, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return EpochResult{}, errors.WithMessagef(err, "%s epoch: failed reading batch #%d from dataset %q",
				phase, result.NumBatches, ds.Name())
		}
		step, err := r.step(batch, phase)
		if err != nil {
			return EpochResult{}, errors.WithMessagef(err, "%s epoch: batch #%d of dataset %q", phase,
				result.NumBatches, ds.Name())
		}
		step.Index = result.NumBatches
		accumulator.Add(step.Metrics)
		result.Loss += step.Loss
		result.NumBatches++
		result.NumExamples += step.Size
		klog.V(2).Infof("%s batch #%d: loss=%.5f", phase, step.Index, step.Loss)

		for hook := range r.onBatch.All() {
			if err := hook.fn(r, step); err != nil {
				return EpochResult{}, errors.WithMessagef(err, "OnBatch(hook %q)", hook.name)
			}
		}
	}
	if result.NumBatches == 0 {
		return EpochResult{}, errors.Wrapf(ErrEmptyEpoch, "%s epoch over dataset %q", phase, ds.Name())
	}
	result.Metrics = accumulator.Finalize()
	result.Duration = time.Since(startTime)
	return result, nil
}

// trainGraph computes the scores and the loss of a batch, and updates the trainable variables with the
// optimizer. The updates are discarded if the loss is not finite.
func (r *Trainer) trainGraph(ctx *context.Context, inputs, labels *graph.Node) (scores, loss *graph.Node) {
	g := inputs.Graph()
	ctx.SetTraining(g, true)
	scores = r.model.Forward(ctx, inputs)
	loss = r.lossFn(scores, labels)

	previous := make(map[*context.Variable]*graph.Node)
	for v := range ctx.IterVariables() {
		if v.Trainable && v.InUseByGraph(g) {
			previous[v] = v.ValueGraph(g)
		}
	}
	r.optimizer.UpdateGraph(ctx, g, loss)
	finite := graph.IsFinite(loss)
	for v, value := range previous {
		if !v.ChangedInGraph(g) {
			continue
		}
		v.SetValueGraph(graph.Where(graph.BroadcastToShape(finite, value.Shape()), v.ValueGraph(g), value))
	}
	return
}

// evalGraph computes the scores and the loss of a batch.
func (r *Trainer) evalGraph(ctx *context.Context, inputs, labels *graph.Node) (scores, loss *graph.Node) {
	ctx.SetTraining(inputs.Graph(), false)
	scores = r.model.Forward(ctx, inputs)
	loss = r.lossFn(scores, labels)
	return
}

// exec returns the executor of the phase, creating it on first use.
func (r *Trainer) exec(phase Phase) (*context.Exec, error) {
	var err error
	if phase == TrainPhase {
		if r.trainExec == nil {
			r.trainExec, err = context.NewExec(r.model.Backend(), r.model.Context(), r.trainGraph)
		}
		return r.trainExec, err
	}
	if r.evalExec == nil {
		r.evalExec, err = context.NewExec(r.model.Backend(), r.model.Context(), r.evalGraph)
	}
	return r.evalExec, err
}

// labelsTensor converts labels to the int32 tensor fed to the loss.
func labelsTensor(labels []int) *tensors.Tensor {
	values := make([]int32, len(labels))
	for ii, label := range labels {
		values[ii] = int32(label)
	}
	return tensors.FromFlatDataAndDimensions(values, len(values))
}

// step processes one batch. Panics of the graph building functions are converted to errors.
func (r *Trainer) step(batch Batch, phase Phase) (step BatchStep, err error) {
	startTime := time.Now()
	step = BatchStep{Phase: phase, Size: batch.Size()}
	if batch.Inputs == nil || batch.Inputs.Rank() == 0 || batch.Inputs.Shape().Dim(0) != batch.Size() {
		return step, errors.Errorf("batch with %d labels has inputs shaped %s", batch.Size(),
			shapeOf(batch.Inputs))
	}
	if err = losses.CheckLabels(batch.Labels, r.model.Config().OutputDim); err != nil {
		return step, err
	}
	exec, err := r.exec(phase)
	if err != nil {
		return step, err
	}

	var outputs []*tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		outputs = exec.MustExec(batch.Inputs, labelsTensor(batch.Labels))
	})
	if err != nil {
		return step, err
	}
	scores := outputs[0]
	step.Loss = float64(tensors.ToScalar[float32](outputs[1]))
	if math.IsNaN(step.Loss) || math.IsInf(step.Loss, 0) {
		return step, errors.Wrapf(ErrNonFiniteLoss, "loss=%g, %s interrupted", step.Loss, phase)
	}
	step.Metrics, err = r.aggregator.BatchMetrics(scores, batch.Labels, r.average)
	if err != nil {
		return step, err
	}
	step.Duration = time.Since(startTime)
	return step, nil
}

func shapeOf(t *tensors.Tensor) string {
	if t == nil {
		return "<nil>"
	}
	return t.Shape().String()
}
