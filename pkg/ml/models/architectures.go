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

package models

import (
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/gomlx/gomlx/pkg/ml/layers/lstm"
	"github.com/pkg/errors"
)

// embed projects each one-hot position to cfg.EmbeddingDim values: [batchSize, timesteps, embeddingDim].
func embed(ctx *context.Context, cfg Config, x *graph.Node) *graph.Node {
	return layers.Dense(ctx.In("embedding"), x, true, cfg.EmbeddingDim)
}

// LSTM model: embedding, cfg.HiddenLayers stacked LSTM layers (at least one) and a dense head over the
// last hidden state.
func LSTM(ctx *context.Context, cfg Config, x *graph.Node) *graph.Node {
	x = embed(ctx, cfg, x)
	batchSize := x.Shape().Dim(0)
	numLayers := max(cfg.HiddenLayers, 1)
	var last *graph.Node
	for ii := range numLayers {
		if ii > 0 {
			x = layers.DropoutStatic(ctx, x, cfg.DropoutRate)
		}
		var sequence *graph.Node
		sequence, last, _ = lstm.New(ctx.Inf("lstm_%d", ii), x, cfg.HiddenDim).Done()

		// sequence is shaped [timesteps, 1, batchSize, hiddenDim]: back to batch major for the next layer.
		sequence = graph.Reshape(sequence, cfg.Timesteps, batchSize, cfg.HiddenDim)
		x = graph.Transpose(sequence, 0, 1)
	}
	last = graph.Reshape(last, batchSize, cfg.HiddenDim)
	last = layers.DropoutStatic(ctx, last, cfg.DropoutRate)
	return layers.Dense(ctx.In("head"), last, true, cfg.OutputDim)
}

// CNN model: embedding, cfg.HiddenLayers 1D convolutions (no padding) with ReLU, global max pooling over
// time and a dense head.
func CNN(ctx *context.Context, cfg Config, x *graph.Node) *graph.Node {
	x = embed(ctx, cfg, x)
	for ii := range cfg.HiddenLayers {
		x = layers.Convolution(ctx.Inf("conv_%d", ii), x).
			Filters(cfg.HiddenDim).
			KernelSize(cfg.KernelSize).
			NoPadding().
			Done()
		x = activations.Relu(x)
		x = layers.DropoutStatic(ctx, x, cfg.DropoutRate)
	}
	x = graph.ReduceMax(x, 1)
	return layers.Dense(ctx.In("head"), x, true, cfg.OutputDim)
}

func validateCNN(cfg Config) error {
	if cfg.KernelSize <= 0 {
		return errors.Errorf("invalid kernel_size %d, it must be > 0", cfg.KernelSize)
	}
	if remaining := cfg.Timesteps - cfg.HiddenLayers*(cfg.KernelSize-1); remaining < 1 {
		return errors.Errorf("%d convolutions with kernel_size %d don't fit sequences of %d timesteps",
			cfg.HiddenLayers, cfg.KernelSize, cfg.Timesteps)
	}
	return nil
}

// FNN model: embedding, flattened to [batchSize, timesteps*embeddingDim], followed by a feed-forward network
// with cfg.HiddenLayers ReLU layers of cfg.HiddenDim units.
func FNN(ctx *context.Context, cfg Config, x *graph.Node) *graph.Node {
	x = embed(ctx, cfg, x)
	batchSize := x.Shape().Dim(0)
	x = graph.Reshape(x, batchSize, cfg.Timesteps*cfg.EmbeddingDim)
	return fnn.New(ctx.In("fnn"), x, cfg.OutputDim).
		NumHiddenLayers(cfg.HiddenLayers, cfg.HiddenDim).
		Activation(activations.TypeRelu).
		Dropout(cfg.DropoutRate).
		Done()
}
