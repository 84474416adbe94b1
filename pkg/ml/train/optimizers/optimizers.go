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

// Package optimizers binds the GoMLX optimizers to the variables of a model's context, and exposes their state
// for checkpointing.
//
// The optimizers keep their state as non-trainable variables in the same context as the model: the global step
// in the root scope, and the per-variable moments under the optimizer scope.
package optimizers

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	gomlxopt "github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Config holds the hyperparameters used by ByName. Zero values select each optimizer's defaults.
type Config struct {
	// LearningRate must be >= 0. If 0, the optimizer default is used.
	LearningRate float64

	// WeightDecay is supported by the Adam family only.
	WeightDecay float64
}

// family of an optimizer: which GoMLX optimizer implements it and which moments it keeps.
type family struct {
	defaultLR   float64
	moments     []string
	weightDecay bool
	build       func(cfg Config) gomlxopt.Interface
}

var (
	// ErrUnknownOptimizer is returned by ByName for names not in KnownOptimizers.
	ErrUnknownOptimizer = errors.New("unknown optimizer")

	// KnownOptimizers is the closed registry of optimizers, by name.
	KnownOptimizers = map[string]family{
		"sgd": {
			defaultLR: gomlxopt.SGDDefaultLearningRate,
			build: func(cfg Config) gomlxopt.Interface {
				return gomlxopt.StochasticGradientDescent().WithLearningRate(cfg.LearningRate).WithDecay(false).Done()
			},
		},
		"adam": {
			defaultLR:   gomlxopt.AdamDefaultLearningRate,
			moments:     []string{firstMoment, secondMoment},
			weightDecay: true,
			build: func(cfg Config) gomlxopt.Interface {
				return gomlxopt.Adam().LearningRate(cfg.LearningRate).WeightDecay(cfg.WeightDecay).Done()
			},
		},
		"adamw": {
			defaultLR:   gomlxopt.AdamDefaultLearningRate,
			moments:     []string{firstMoment, secondMoment},
			weightDecay: true,
			build: func(cfg Config) gomlxopt.Interface {
				if cfg.WeightDecay == 0 {
					cfg.WeightDecay = AdamWDefaultWeightDecay
				}
				return gomlxopt.Adam().LearningRate(cfg.LearningRate).WeightDecay(cfg.WeightDecay).Done()
			},
		},
		"rmsprop": {
			defaultLR:   gomlxopt.AdamDefaultLearningRate,
			moments:     []string{secondMoment},
			weightDecay: true,
			build: func(cfg Config) gomlxopt.Interface {
				return gomlxopt.RMSProp().LearningRate(cfg.LearningRate).WeightDecay(cfg.WeightDecay).Done()
			},
		},
	}
)

const (
	// GlobalStepKey is the key of the number of steps taken, in the optimizer state.
	GlobalStepKey = context.RootScope + gomlxopt.GlobalStepVariableName

	// AdamWDefaultWeightDecay is the weight decay used by "adamw" if none is configured.
	AdamWDefaultWeightDecay = 0.004

	firstMoment  = "_1st_moment"
	secondMoment = "_2nd_moment"
)

// momentsScope is where the Adam family keeps its moments, mirroring the scope of each variable.
var momentsScope = context.RootScope + gomlxopt.AdamDefaultScope

// Names returns the sorted names of KnownOptimizers.
func Names() []string {
	names := maps.Keys(KnownOptimizers)
	slices.Sort(names)
	return names
}

// Validate checks that the optimizer exists and that cfg is valid for it.
func Validate(name string, cfg Config) error {
	fam, found := KnownOptimizers[strings.ToLower(name)]
	if !found {
		return errors.Wrapf(ErrUnknownOptimizer, "%q, valid values are %v", name, Names())
	}
	switch {
	case cfg.LearningRate < 0 || math.IsNaN(cfg.LearningRate) || math.IsInf(cfg.LearningRate, 0):
		return errors.Errorf("optimizer %q: invalid learning rate %g", name, cfg.LearningRate)
	case cfg.WeightDecay < 0 || math.IsNaN(cfg.WeightDecay):
		return errors.Errorf("optimizer %q: invalid weight decay %g", name, cfg.WeightDecay)
	case cfg.WeightDecay > 0 && !fam.weightDecay:
		return errors.Errorf("optimizer %q doesn't support weight decay", name)
	}
	return nil
}

// Optimizer updates the trainable variables of a context, and owns the optimizer variables in it.
type Optimizer struct {
	name string
	cfg  Config
	fam  family
	ctx  *context.Context
	opt  gomlxopt.Interface
}

// ByName returns an optimizer given the name (case-insensitive) configured with cfg, bound to the variables
// of ctx.
func ByName(ctx *context.Context, name string, cfg Config) (*Optimizer, error) {
	if err := Validate(name, cfg); err != nil {
		return nil, err
	}
	name = strings.ToLower(name)
	fam := KnownOptimizers[name]
	if cfg.LearningRate == 0 {
		cfg.LearningRate = fam.defaultLR
	}
	if name == "adamw" && cfg.WeightDecay == 0 {
		cfg.WeightDecay = AdamWDefaultWeightDecay
	}
	return &Optimizer{name: name, cfg: cfg, fam: fam, ctx: ctx, opt: fam.build(cfg)}, nil
}

// Name of the optimizer, as registered in KnownOptimizers.
func (o *Optimizer) Name() string { return o.name }

// LearningRate used by the optimizer, after defaults are applied.
func (o *Optimizer) LearningRate() float64 { return o.cfg.LearningRate }

// String describes the optimizer and its hyperparameters.
func (o *Optimizer) String() string {
	if o.fam.weightDecay {
		return fmt.Sprintf("%s(lr=%g, weight_decay=%g)", o.name, o.cfg.LearningRate, o.cfg.WeightDecay)
	}
	return fmt.Sprintf("%s(lr=%g)", o.name, o.cfg.LearningRate)
}

// UpdateGraph builds the graph that takes one optimization step on the trainable variables used in g,
// given the scalar loss.
// It must be called within the graph building function of a context.Exec over the optimizer context.
func (o *Optimizer) UpdateGraph(ctx *context.Context, g *graph.Graph, loss *graph.Node) {
	o.opt.UpdateGraph(ctx, g, loss)
}

// GlobalStep returns the number of steps taken, 0 if none.
func (o *Optimizer) GlobalStep() int64 {
	v := o.ctx.InspectVariableIfLoaded(context.RootScope, gomlxopt.GlobalStepVariableName)
	if v == nil {
		return 0
	}
	return tensors.ToScalar[int64](v.MustValue())
}

// isState returns whether the variable of the given scope and name is part of the optimizer state.
// The learning rate is not: it is always taken from the configuration.
func isState(scope, name string) bool {
	switch {
	case scope == context.RootScope:
		return name == gomlxopt.GlobalStepVariableName
	case scope == momentsScope || strings.HasPrefix(scope, momentsScope+context.ScopeSeparator):
		return true
	}
	return false
}

// StateDict returns a copy of the optimizer state: the global steps and the per-variable moments, keyed
// by variable scope and name.
func (o *Optimizer) StateDict() map[string]*tensors.Tensor {
	state := make(map[string]*tensors.Tensor)
	for v := range o.ctx.IterVariables() {
		if isState(v.Scope(), v.Name()) {
			state[v.ScopeAndName()] = must.M1(v.MustValue().LocalClone())
		}
	}
	return state
}

// checkEntry verifies that a state entry is one kept by this optimizer, with the right shape.
func (o *Optimizer) checkEntry(key string, t *tensors.Tensor) error {
	scope, name := context.SplitScope(key)
	if !isState(scope, name) {
		return errors.Errorf("optimizer %q: unexpected state %q", o.name, key)
	}
	if name == gomlxopt.GlobalStepVariableName {
		if len(o.fam.moments) == 0 && scope != context.RootScope {
			return errors.Errorf("optimizer %q: unexpected state %q", o.name, key)
		}
		if t.DType() != dtypes.Int64 || t.Size() != 1 || t.Rank() != 0 {
			return errors.Errorf("optimizer %q: %q must be an int64 scalar, got %s", o.name, key, t.Shape())
		}
		if tensors.ToScalar[int64](t) < 0 {
			return errors.Errorf("optimizer %q: invalid %q value %d", o.name, key, tensors.ToScalar[int64](t))
		}
		return nil
	}
	for _, suffix := range o.fam.moments {
		varName, found := strings.CutSuffix(name, suffix)
		if !found {
			continue
		}
		varScope := strings.TrimPrefix(scope, momentsScope)
		if varScope == "" {
			varScope = context.RootScope
		}
		v := o.ctx.InspectVariableIfLoaded(varScope, varName)
		if v == nil || !v.Trainable {
			return errors.Errorf("optimizer %q: state %q has no matching trainable variable", o.name, key)
		}
		if !v.Shape().Equal(t.Shape()) {
			return errors.Errorf("optimizer %q: state %q has shape %s, but variable is shaped %s",
				o.name, key, t.Shape(), v.Shape())
		}
		return nil
	}
	return errors.Errorf("optimizer %q: unexpected state %q, it only keeps %v", o.name, key, o.fam.moments)
}

// LoadStateDict replaces the optimizer state. It fails, leaving the state unchanged, if an entry is not one
// used by this optimizer or doesn't match the shape of its variable.
// Entries of the current state not in state are reset by removing them.
func (o *Optimizer) LoadStateDict(state map[string]*tensors.Tensor) error {
	for key, t := range state {
		if err := o.checkEntry(key, t); err != nil {
			return err
		}
	}
	for key := range o.StateDict() {
		if _, found := state[key]; !found {
			scope, name := context.SplitScope(key)
			if err := o.ctx.DeleteVariable(scope, name); err != nil {
				return errors.WithMessagef(err, "optimizer %q: resetting %q", o.name, key)
			}
		}
	}
	keys := maps.Keys(state)
	slices.Sort(keys)
	for _, key := range keys {
		value := must.M1(state[key].LocalClone())
		scope, name := context.SplitScope(key)
		if v := o.ctx.InspectVariableIfLoaded(scope, name); v != nil {
			if err := v.SetValue(value); err != nil {
				return errors.WithMessagef(err, "optimizer %q: loading %q", o.name, key)
			}
			continue
		}
		o.ctx.InAbsPath(scope).Checked(false).VariableWithValue(name, value).SetTrainable(false)
	}
	return nil
}
