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

// Package models holds the registry of sequence classification architectures and the Model used by the
// training loop and the checkpoints.
//
// Models take one-hot encoded sequences shaped [batchSize, timesteps, 4] and return raw scores
// shaped [batchSize, outputDim]. Their variables live in a context.Context, under the Scope scope, so
// optimizers can keep their own state in the same context.
//
// Example:
//
//	backend := backends.MustNew()
//	model, err := models.New(backend, "lstm", models.Config{HiddenDim: 32, HiddenLayers: 1, OutputDim: 2, ...})
package models

import (
	"fmt"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// InputFeatures is the size of the last axis of the model input: one value per nucleotide (A, C, G, T).
const InputFeatures = 4

// Scope under the root of the context where the model variables are created.
const Scope = "model"

// ErrUnknownArchitecture is returned by New for names not in KnownArchitectures.
var ErrUnknownArchitecture = errors.New("unknown model architecture")

// Config holds the hyperparameters shared by all architectures.
type Config struct {
	// EmbeddingDim is the size of the per-position projection of the one-hot input.
	EmbeddingDim int

	// HiddenDim is the number of units (LSTM, FNN) or filters (CNN) of each hidden layer.
	HiddenDim int

	// HiddenLayers is the number of stacked hidden layers.
	HiddenLayers int

	// OutputDim is the number of raw scores output per example.
	OutputDim int

	// BatchSize is the configured batch size. Models accept any batch size, including partial last batches,
	// so it is only validated.
	BatchSize int

	// Timesteps is the length of the input sequences.
	Timesteps int

	// KernelSize of the CNN convolutions.
	KernelSize int

	// DropoutRate applied between hidden layers during training.
	DropoutRate float64

	// Seed for the initialization of the variables and for dropout.
	Seed int64
}

// Validate the hyperparameters common to all architectures.
func (c Config) Validate() error {
	switch {
	case c.EmbeddingDim <= 0:
		return errors.Errorf("invalid embedding_dim %d, it must be > 0", c.EmbeddingDim)
	case c.HiddenDim <= 0:
		return errors.Errorf("invalid hidden_dim %d, it must be > 0", c.HiddenDim)
	case c.HiddenLayers < 0:
		return errors.Errorf("invalid hidden_layers %d, it must be >= 0", c.HiddenLayers)
	case c.OutputDim <= 0:
		return errors.Errorf("invalid output_dim %d, it must be > 0", c.OutputDim)
	case c.BatchSize <= 0:
		return errors.Errorf("invalid batch size %d, it must be > 0", c.BatchSize)
	case c.Timesteps <= 0:
		return errors.Errorf("invalid number of timesteps %d, it must be > 0", c.Timesteps)
	case c.DropoutRate < 0 || c.DropoutRate >= 1:
		return errors.Errorf("invalid dropout rate %g, it must be in [0, 1)", c.DropoutRate)
	}
	return nil
}

// ModelFn builds the computation of an architecture: it creates (on first use) and uses the variables in ctx,
// and returns the raw scores for x.
type ModelFn func(ctx *context.Context, cfg Config, x *graph.Node) *graph.Node

// Architecture is an entry of KnownArchitectures.
type Architecture struct {
	// Validate checks architecture specific hyperparameters. Optional.
	Validate func(cfg Config) error

	// Fn builds the model computation.
	Fn ModelFn
}

// KnownArchitectures is the closed registry of architectures, keyed by lower-case name.
var KnownArchitectures = map[string]Architecture{
	"lstm": {Fn: LSTM},
	"cnn":  {Fn: CNN, Validate: validateCNN},
	"fnn":  {Fn: FNN},
}

// ArchitectureNames returns the sorted names of KnownArchitectures.
func ArchitectureNames() []string {
	names := maps.Keys(KnownArchitectures)
	slices.Sort(names)
	return names
}

// Model is a sequence classifier: an architecture, its hyperparameters and the context holding its variables.
type Model struct {
	name    string
	cfg     Config
	fn      ModelFn
	backend backends.Backend

	// ctx is the root context, marked for reuse once the model variables are created.
	ctx *context.Context

	training bool

	// Lazily created executors for Call, one per mode.
	trainExec, evalExec *context.Exec
}

// New creates the model named name (case-insensitive) with the given configuration, and initializes its
// variables on the backend.
func New(backend backends.Backend, name string, cfg Config) (*Model, error) {
	key := strings.ToLower(name)
	arch, found := KnownArchitectures[key]
	if !found {
		return nil, errors.Wrapf(ErrUnknownArchitecture, "%q, valid values are %v", name, ArchitectureNames())
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "model %q", name)
	}
	if arch.Validate != nil {
		if err := arch.Validate(cfg); err != nil {
			return nil, errors.WithMessagef(err, "model %q", name)
		}
	}

	ctx := context.New()
	ctx.SetParam(context.ParamInitialSeed, cfg.Seed)
	if err := ctx.SetRNGStateFromSeed(cfg.Seed); err != nil {
		return nil, errors.WithMessagef(err, "model %q", name)
	}
	m := &Model{name: key, cfg: cfg, fn: arch.Fn, backend: backend, ctx: ctx}

	// Variables are created on first use: run the model once on a dummy batch of one example.
	initExec, err := context.NewExec(backend, ctx, func(ctx *context.Context, x *graph.Node) *graph.Node {
		ctx.SetTraining(x.Graph(), false)
		return m.Forward(ctx, x)
	})
	if err == nil {
		err = exceptions.TryCatch[error](func() {
			_ = initExec.MustExec(tensors.FromShape(inputShape(1, cfg.Timesteps)))
		})
		initExec.Finalize()
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to initialize model %q", name)
	}
	m.ctx = ctx.Reuse()
	return m, nil
}

// Name of the architecture, as registered in KnownArchitectures.
func (m *Model) Name() string { return m.name }

// Config returns the hyperparameters of the model.
func (m *Model) Config() Config { return m.cfg }

// Backend where the model is executed.
func (m *Model) Backend() backends.Backend { return m.backend }

// Context returns the root context holding the model variables. It is marked for reuse: graphs built with it
// can't create new model variables, but optimizers can add their own (unchecked) ones.
func (m *Model) Context() *context.Context { return m.ctx }

// Forward computes the raw scores, shaped [batchSize, outputDim], for x, shaped [batchSize, timesteps, 4].
// Shape errors are thrown with exceptions.Panicf.
//
// ctx should be the root context (or one derived from Model.Context); the training mode of the graph is
// whatever the caller set with ctx.SetTraining.
func (m *Model) Forward(ctx *context.Context, x *graph.Node) *graph.Node {
	dims := x.Shape().Dimensions
	if len(dims) != 3 || dims[1] != m.cfg.Timesteps || dims[2] != InputFeatures {
		exceptions.Panicf("model %q: input must be shaped [batchSize, %d, %d], got %s", m.name,
			m.cfg.Timesteps, InputFeatures, x.Shape())
	}
	return m.fn(ctx.In(Scope), m.cfg, x)
}

// Call executes the model on x, shaped [batchSize, timesteps, 4], in the current mode (see Train and Eval),
// and returns the raw scores.
func (m *Model) Call(x *tensors.Tensor) (scores *tensors.Tensor, err error) {
	exec := &m.evalExec
	if m.training {
		exec = &m.trainExec
	}
	if *exec == nil {
		training := m.training
		*exec, err = context.NewExec(m.backend, m.ctx, func(ctx *context.Context, x *graph.Node) *graph.Node {
			ctx.SetTraining(x.Graph(), training)
			return m.Forward(ctx, x)
		})
		if err != nil {
			return nil, err
		}
	}
	err = exceptions.TryCatch[error](func() {
		scores = (*exec).MustExec(x)[0]
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "model %q", m.name)
	}
	return scores, nil
}

// Variables returns the model variables, in the context order.
func (m *Model) Variables() []*context.Variable {
	var vars []*context.Variable
	for v := range m.ctx.In(Scope).IterVariablesInScope() {
		vars = append(vars, v)
	}
	return vars
}

// Parameters returns the trainable variables of the model.
func (m *Model) Parameters() []*context.Variable {
	var params []*context.Variable
	for _, v := range m.Variables() {
		if v.Trainable {
			params = append(params, v)
		}
	}
	return params
}

// NumParameters returns the number of scalar values of all model variables.
func (m *Model) NumParameters() int {
	var n int
	for _, v := range m.Variables() {
		n += v.Shape().Size()
	}
	return n
}

// StateDict returns a copy of the value of each model variable, keyed by its scope and name.
func (m *Model) StateDict() map[string]*tensors.Tensor {
	vars := m.Variables()
	state := make(map[string]*tensors.Tensor, len(vars))
	for _, v := range vars {
		value, err := v.MustValue().LocalClone()
		if err != nil {
			exceptions.Panicf("model %q: failed to copy variable %q: %+v", m.name, v.ScopeAndName(), err)
		}
		state[v.ScopeAndName()] = value
	}
	return state
}

// LoadStateDict sets all model variables from state. It fails, leaving the model unchanged, if a variable is
// missing, a key is unknown, or a shape doesn't match.
func (m *Model) LoadStateDict(state map[string]*tensors.Tensor) error {
	vars := m.Variables()
	known := make(map[string]bool, len(vars))
	for _, v := range vars {
		key := v.ScopeAndName()
		known[key] = true
		value, found := state[key]
		if !found {
			return errors.Errorf("model %q: state is missing variable %q", m.name, key)
		}
		if !value.Shape().Equal(v.Shape()) {
			return errors.Errorf("model %q: variable %q has shape %s, but the state holds %s", m.name,
				key, v.Shape(), value.Shape())
		}
	}
	for key := range state {
		if !known[key] {
			return errors.Errorf("model %q: state has unknown variable %q", m.name, key)
		}
	}
	for _, v := range vars {
		value, err := state[v.ScopeAndName()].LocalClone()
		if err != nil {
			return errors.WithMessagef(err, "model %q: variable %q", m.name, v.ScopeAndName())
		}
		if err := v.SetValue(value); err != nil {
			return errors.WithMessagef(err, "model %q: variable %q", m.name, v.ScopeAndName())
		}
	}
	return nil
}

// Train sets the model in training mode (dropout active) for Call.
func (m *Model) Train() { m.training = true }

// Eval sets the model in evaluation mode for Call.
func (m *Model) Eval() { m.training = false }

// IsTraining returns whether the model is in training mode.
func (m *Model) IsTraining() bool { return m.training }

// Descriptor identifies the architecture and its hyperparameters. Two models with the same descriptor
// have compatible state dictionaries.
func (m *Model) Descriptor() string {
	c := m.cfg
	return fmt.Sprintf("%s(embedding_dim=%d, hidden_dim=%d, hidden_layers=%d, output_dim=%d, kernel_size=%d, dropout=%g)",
		m.name, c.EmbeddingDim, c.HiddenDim, c.HiddenLayers, c.OutputDim, c.KernelSize, c.DropoutRate)
}

// String returns a multi-line description of the model and its variables.
func (m *Model) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "%s: %s parameters\n", m.Descriptor(), humanize.Comma(int64(m.NumParameters())))
	for _, v := range m.Variables() {
		_, _ = fmt.Fprintf(&sb, "  %s: %s\n", v.ScopeAndName(), v.Shape())
	}
	return sb.String()
}

// inputShape returns the shape of a batch of batchSize sequences.
func inputShape(batchSize, timesteps int) shapes.Shape {
	return shapes.Make(dtypes.Float32, batchSize, timesteps, InputFeatures)
}
