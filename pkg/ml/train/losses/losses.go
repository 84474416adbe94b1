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

// Package losses have the standard classification losses that implement the LossFn interface used by
// train.Trainer. They can also be called directly by custom losses.
//
// They all reduce the per-example losses to their mean over the batch. The sigmoid and softmax
// cross-entropies are built on the GoMLX losses.
package losses

import (
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/graph"
	gomlxlosses "github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// LossFn is the interface used by train.Trainer to train models.
//
// It takes the raw scores output by the model, shaped [batchSize, numClasses], and the integer labels of
// each example, shaped [batchSize], and returns the scalar loss. Labels are checked with CheckLabels
// before the graph is executed.
type LossFn func(scores, labels *graph.Node) (loss *graph.Node)

// ErrUnknownLoss is returned by ByName for names not in KnownLosses.
var ErrUnknownLoss = errors.New("unknown loss")

// KnownLosses is the closed registry of losses, by name.
var KnownLosses = map[string]LossFn{
	"CrossEntropyLoss":  CrossEntropy,
	"NLLLoss":           NegativeLogLikelihood,
	"BCEWithLogitsLoss": BinaryCrossEntropyLogits,
	"MultiMarginLoss":   MultiMargin,
}

// Names returns the sorted names of KnownLosses.
func Names() []string {
	names := maps.Keys(KnownLosses)
	slices.Sort(names)
	return names
}

// ByName returns the loss registered with the given name. Case is ignored if there is no exact match.
func ByName(name string) (LossFn, error) {
	if fn, found := KnownLosses[name]; found {
		return fn, nil
	}
	for known, fn := range KnownLosses {
		if strings.EqualFold(known, name) {
			return fn, nil
		}
	}
	return nil, errors.Wrapf(ErrUnknownLoss, "%q, valid values are %v", name, Names())
}

// CheckLabels returns an error if a label is not a valid class for scores with numClasses columns.
// With a single column (a binary logit) labels must be 0 or 1.
func CheckLabels(labels []int, numClasses int) error {
	limit := max(numClasses, 2)
	for ii, label := range labels {
		if label < 0 || label >= limit {
			return errors.Errorf("label %d of example %d out of range [0, %d)", label, ii, limit)
		}
	}
	return nil
}

// CrossEntropy is the softmax cross-entropy of the logits (scores), given the sparse labels.
func CrossEntropy(scores, labels *graph.Node) *graph.Node {
	labels = graph.InsertAxes(labels, -1)
	return graph.ReduceAllMean(gomlxlosses.SparseCategoricalCrossEntropyLogits(
		[]*graph.Node{labels}, []*graph.Node{scores}))
}

// NegativeLogLikelihood takes scores as log-probabilities and returns the mean of the negated
// log-probability of the labeled class. It doesn't normalize the scores.
func NegativeLogLikelihood(scores, labels *graph.Node) *graph.Node {
	oneHot := graph.OneHot(labels, scores.Shape().Dim(-1), scores.DType())
	return graph.Neg(graph.ReduceAllMean(graph.ReduceSum(graph.Mul(oneHot, scores), -1)))
}

// BinaryCrossEntropyLogits is the sigmoid cross-entropy of the logits.
//
// If scores have one column, labels must be 0 or 1 and the column is the logit of the class 1.
// Otherwise, each column is an independent logit, and the labels are one-hot encoded as the targets.
func BinaryCrossEntropyLogits(scores, labels *graph.Node) *graph.Node {
	numClasses := scores.Shape().Dim(-1)
	var targets *graph.Node
	if numClasses == 1 {
		targets = graph.InsertAxes(graph.ConvertDType(labels, scores.DType()), -1)
	} else {
		targets = graph.OneHot(labels, numClasses, scores.DType())
	}
	return graph.ReduceAllMean(gomlxlosses.BinaryCrossentropyLogits(
		[]*graph.Node{targets}, []*graph.Node{scores}))
}

// MultiMargin is the multi-class hinge loss with margin 1: for each example the sum over the other classes
// of max(0, 1 - scores[label] + scores[j]), divided by the number of classes.
func MultiMargin(scores, labels *graph.Node) *graph.Node {
	numClasses := scores.Shape().Dim(-1)
	oneHot := graph.OneHot(labels, numClasses, scores.DType())
	labeled := graph.ReduceSum(graph.Mul(oneHot, scores), -1)
	margins := graph.AddScalar(graph.Sub(scores, graph.InsertAxes(labeled, -1)), 1)
	margins = graph.Max(margins, graph.ZerosLike(margins))
	margins = graph.Mul(margins, graph.OneMinus(oneHot))
	perExample := graph.DivScalar(graph.ReduceSum(margins, -1), float64(numClasses))
	return graph.ReduceAllMean(perExample)
}
