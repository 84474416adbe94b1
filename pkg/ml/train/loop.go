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

package train

import (
	"iter"
	"slices"
	"sort"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop) error

// OnEpochStartFn is the type of OnEpochStart hooks.
type OnEpochStartFn func(loop *Loop, epoch int) error

// OnEpochFn is the type of OnEpoch hooks, called with the results of each finished epoch.
type OnEpochFn func(loop *Loop, summary EpochSummary) error

// OnEndFn is the type of OnEnd hooks.
type OnEndFn func(loop *Loop, history []EpochSummary) error

// EpochSummary holds the results of one epoch of the Loop.
type EpochSummary struct {
	Epoch int
	Train EpochResult

	// Validation is nil if the loop has no validation dataset.
	Validation *EpochResult
}

// Loop will run a training loop, invoking Trainer.TrainEpoch and Trainer.EvalEpoch every epoch,
// and calling the appropriate hooks.
//
// By itself it doesn't do much, but one can attach functionality to it, like
// checkpointing, plotting tools, progress bars, etc.
// It is simple and flexible to allow arbitrary tools to the training loop.
//
// The public attributes are meant for reading only, don't change them -- behavior
// can be undefined.
type Loop struct {
	// Trainer associated with this loop.
	Trainer *Trainer

	// TrainDataset and ValidationDataset used by the loop. ValidationDataset may be nil.
	TrainDataset, ValidationDataset Dataset

	// Epoch currently being executed.
	Epoch int

	// StartEpoch and EndEpoch (one-past the last epoch) of the current run.
	//
	// They are only set and valid during a run (Loop.RunEpochs).
	StartEpoch, EndEpoch int

	// SharedData allows for cross-tools to publish and consume information. Keys (strings)
	// and semantics/type of their values are not specified by loop.
	SharedData map[string]any

	// EpochDurations collected during training.
	EpochDurations []time.Duration

	// Registered hooks.
	onStart      *priorityHooks[*hookWithName[OnStartFn]]
	onEpochStart *priorityHooks[*hookWithName[OnEpochStartFn]]
	onEpoch      *priorityHooks[*hookWithName[OnEpochFn]]
	onEnd        *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a new training loop over the train dataset and the optional (it can be nil)
// validation dataset.
func NewLoop(trainer *Trainer, trainDS, validationDS Dataset) *Loop {
	return &Loop{
		Trainer:           trainer,
		TrainDataset:      trainDS,
		ValidationDataset: validationDS,
		SharedData:        make(map[string]any),
		onStart:           newPriorityHooks[*hookWithName[OnStartFn]](),
		onEpochStart:      newPriorityHooks[*hookWithName[OnEpochStartFn]](),
		onEpoch:           newPriorityHooks[*hookWithName[OnEpochFn]](),
		onEnd:             newPriorityHooks[*hookWithName[OnEndFn]](),
	}
}

// RunEpochs runs the epochs startEpoch, startEpoch+1, ..., endEpoch-1. For each epoch it runs a training
// epoch, then a validation epoch (if there is a validation dataset), and then the OnEpoch hooks.
// Datasets are reset after each epoch.
//
// If startEpoch >= endEpoch no epoch is run, but the OnStart and OnEnd hooks are still called.
//
// It returns the summary of every epoch run. On error, the summaries of the epochs completed are returned
// along with it.
func (loop *Loop) RunEpochs(startEpoch, endEpoch int) (history []EpochSummary, err error) {
	loop.StartEpoch, loop.EndEpoch = startEpoch, max(startEpoch, endEpoch)
	loop.Epoch = startEpoch
	loop.EpochDurations = nil
	for hook := range loop.onStart.All() {
		if err = hook.fn(loop); err != nil {
			return nil, errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}

	for loop.Epoch = startEpoch; loop.Epoch < loop.EndEpoch; loop.Epoch++ {
		summary, err := loop.runEpoch()
		if err != nil {
			return history, errors.WithMessagef(err, "Loop.RunEpochs(%d, %d): epoch %d", startEpoch, endEpoch,
				loop.Epoch)
		}
		history = append(history, summary)
	}

	for hook := range loop.onEnd.All() {
		if err = hook.fn(loop, history); err != nil {
			return history, errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return history, nil
}

// runEpoch runs the training and validation epochs and the OnEpoch hooks of loop.Epoch.
func (loop *Loop) runEpoch() (summary EpochSummary, err error) {
	startTime := time.Now()
	summary.Epoch = loop.Epoch
	for hook := range loop.onEpochStart.All() {
		if err = hook.fn(loop, loop.Epoch); err != nil {
			return summary, errors.WithMessagef(err, "OnEpochStart(hook %q)", hook.name)
		}
	}

	summary.Train, err = loop.Trainer.TrainEpoch(loop.TrainDataset)
	loop.TrainDataset.Reset()
	if err != nil {
		return summary, err
	}
	if loop.ValidationDataset != nil {
		var validation EpochResult
		validation, err = loop.Trainer.EvalEpoch(loop.ValidationDataset)
		loop.ValidationDataset.Reset()
		if err != nil {
			return summary, err
		}
		summary.Validation = &validation
	}
	elapsed := time.Since(startTime)
	loop.EpochDurations = append(loop.EpochDurations, elapsed)
	klog.V(1).Infof("Epoch %d completed in %.2f seconds", loop.Epoch, elapsed.Seconds())

	for hook := range loop.onEpoch.All() {
		if err = hook.fn(loop, summary); err != nil {
			return summary, errors.WithMessagef(err, "OnEpoch(hook %q)", hook.name)
		}
	}
	return summary, nil
}

// MedianEpochDuration returns the median duration of the epochs run. It returns 1 millisecond
// if no epoch was recorded (to avoid potential division by 0).
func (loop *Loop) MedianEpochDuration() time.Duration {
	if len(loop.EpochDurations) == 0 {
		return time.Millisecond
	}
	times := slices.Clone(loop.EpochDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a loop.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnEpochStart adds a hook with given priority and name (for error reporting), called before each epoch.
func (loop *Loop) OnEpochStart(name string, priority Priority, fn OnEpochStartFn) {
	loop.onEpochStart.Add(priority, &hookWithName[OnEpochStartFn]{name: name, fn: fn})
}

// OnEpoch adds a hook with given priority and name (for error reporting), called after the training and
// validation of each epoch.
func (loop *Loop) OnEpoch(name string, priority Priority, fn OnEpochFn) {
	loop.onEpoch.Add(priority, &hookWithName[OnEpochFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a loop,
// after the last epoch.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	list := h.hooks[priority]
	list = append(list, hook)
	h.hooks[priority] = list
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			return keys[i] < keys[j]
		})
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
