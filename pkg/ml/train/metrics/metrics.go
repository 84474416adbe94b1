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

// Package metrics holds the classification metrics computed per batch from the raw scores of a model,
// and their aggregation over an epoch.
//
// Metrics are computed on host values (tensors.Tensor), after the training step, so they never take part
// in the gradients.
package metrics

import (
	"fmt"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

const (
	// AccuracyKey is the fraction of examples whose predicted class is the label.
	AccuracyKey = "accuracy"

	// PrecisionKey is tp / (tp + fp), averaged as configured.
	PrecisionKey = "precision"

	// RecallKey is tp / (tp + fn), averaged as configured.
	RecallKey = "recall"

	// F1Key is the harmonic mean of precision and recall, averaged as configured.
	F1Key = "f1"

	// LossMetricType is the type of loss metrics.
	// Used to aggregate metrics of the same type in the same plot.
	LossMetricType = "loss"

	// ClassificationMetricType is the type of all metrics computed by the Aggregator.
	ClassificationMetricType = "classification"
)

// MetricKeys returns the keys of the metrics computed by an Aggregator, in display order.
func MetricKeys() []string {
	return []string{AccuracyKey, PrecisionKey, RecallKey, F1Key}
}

// ShortName is a shortened version of the metric name to display in progress bars or tables.
func ShortName(key string) string {
	switch key {
	case AccuracyKey:
		return "acc"
	case PrecisionKey:
		return "prec"
	case RecallKey:
		return "rec"
	default:
		return key
	}
}

// Dataset types.
const (
	BinaryDataset     = "binary"
	MulticlassDataset = "multiclass"
)

// ErrUnknownDatasetType is returned by NewAggregator for dataset types other than BinaryDataset or
// MulticlassDataset.
var ErrUnknownDatasetType = errors.New("unknown dataset type")

// Averaging defines how per-class precision, recall and f1 are combined.
type Averaging string

const (
	// AverageBinary reports the metrics of the positive class (1) only.
	AverageBinary Averaging = "binary"

	// AverageMacro is the unweighted mean over the classes present in the labels or in the predictions.
	AverageMacro Averaging = "macro"

	// AverageMicro computes the metrics from the total counts of true positives, false positives and
	// false negatives.
	AverageMicro Averaging = "micro"

	// AverageWeighted is the mean over classes weighted by the number of examples of each class (support).
	AverageWeighted Averaging = "weighted"
)

// ParseAveraging converts a configuration string (case-insensitive) to an Averaging.
func ParseAveraging(name string) (Averaging, error) {
	average := Averaging(strings.ToLower(name))
	switch average {
	case AverageBinary, AverageMacro, AverageMicro, AverageWeighted:
		return average, nil
	}
	return "", errors.Errorf("unknown metrics averaging %q, valid values are %q", name,
		[]Averaging{AverageBinary, AverageMacro, AverageMicro, AverageWeighted})
}

// Values of the metrics, by key.
type Values map[string]float64

// Aggregator computes the metrics of a batch of raw scores and creates the epoch Accumulator.
type Aggregator struct {
	datasetType string
	numClasses  int
}

// NewAggregator creates an Aggregator for the given dataset type ("binary" or "multiclass"), for models that
// output numClasses scores per example.
//
// For "binary" datasets the model may output a single logit (numClasses == 1, thresholded at 0) or two scores.
func NewAggregator(datasetType string, numClasses int) (*Aggregator, error) {
	datasetType = strings.ToLower(datasetType)
	switch datasetType {
	case BinaryDataset:
		if numClasses != 1 && numClasses != 2 {
			return nil, errors.Errorf("binary dataset requires 1 or 2 model outputs, got %d", numClasses)
		}
	case MulticlassDataset:
		if numClasses < 2 {
			return nil, errors.Errorf("multiclass dataset requires at least 2 model outputs, got %d", numClasses)
		}
	default:
		return nil, errors.Wrapf(ErrUnknownDatasetType, "%q, valid values are %q", datasetType,
			[]string{BinaryDataset, MulticlassDataset})
	}
	return &Aggregator{datasetType: datasetType, numClasses: numClasses}, nil
}

// DatasetType returns the dataset type of the aggregator.
func (a *Aggregator) DatasetType() string { return a.datasetType }

// Zero returns the metrics all set to 0.
func (a *Aggregator) Zero() Values {
	values := make(Values, 4)
	for _, key := range MetricKeys() {
		values[key] = 0
	}
	return values
}

// numLabels is the number of distinct label values.
func (a *Aggregator) numLabels() int { return max(a.numClasses, 2) }

// Predictions returns the predicted class of each row of scores, shaped [batchSize, numClasses]: the argmax,
// or for a single column whether the logit is > 0.
func (a *Aggregator) Predictions(scores *tensors.Tensor) ([]int, error) {
	shape := scores.Shape()
	if shape.DType != dtypes.Float32 || shape.Rank() != 2 || shape.Dim(1) != a.numClasses {
		return nil, errors.Errorf("metrics: scores must be shaped (Float32)[batchSize, %d], got %s", a.numClasses,
			shape)
	}
	numRows := shape.Dim(0)
	var flat []float32
	err := tensors.ConstFlatData(scores, func(data []float32) {
		flat = append(flat, data...)
	})
	if err != nil {
		return nil, err
	}
	predictions := make([]int, numRows)
	for r := range numRows {
		row := flat[r*a.numClasses : (r+1)*a.numClasses]
		if a.numClasses == 1 {
			if row[0] > 0 {
				predictions[r] = 1
			}
			continue
		}
		best := 0
		for c, v := range row {
			if v > row[best] {
				best = c
			}
		}
		predictions[r] = best
	}
	return predictions, nil
}

// BatchMetrics returns the metrics for one batch, given the raw scores shaped [batchSize, numClasses] and
// the labels. Ratios that are undefined (0/0) are 0.
func (a *Aggregator) BatchMetrics(scores *tensors.Tensor, labels []int, average Averaging) (Values, error) {
	predictions, err := a.Predictions(scores)
	if err != nil {
		return nil, err
	}
	if len(predictions) != len(labels) {
		return nil, errors.Errorf("metrics: %d scores rows for %d labels", len(predictions), len(labels))
	}
	if len(labels) == 0 {
		return nil, errors.New("metrics: empty batch")
	}
	if average == AverageBinary && a.datasetType != BinaryDataset {
		return nil, errors.Errorf("metrics: %q averaging requires a %q dataset, got %q", AverageBinary,
			BinaryDataset, a.datasetType)
	}
	numLabels := a.numLabels()
	counts := newConfusion(numLabels)
	for ii, label := range labels {
		if label < 0 || label >= numLabels {
			return nil, errors.Errorf("metrics: label %d of example %d out of range [0, %d)", label, ii, numLabels)
		}
		counts.add(label, predictions[ii])
	}

	values := a.Zero()
	values[AccuracyKey] = ratio(counts.correct, len(labels))
	switch average {
	case AverageBinary:
		values[PrecisionKey], values[RecallKey], values[F1Key] = counts.classMetrics(1)
	case AverageMicro:
		// Every error is both a false positive and a false negative of some class.
		values[PrecisionKey] = values[AccuracyKey]
		values[RecallKey] = values[AccuracyKey]
		values[F1Key] = values[AccuracyKey]
	case AverageMacro, AverageWeighted:
		var totalWeight float64
		for c := range numLabels {
			var weight float64
			if average == AverageMacro {
				if counts.support[c] == 0 && counts.predicted[c] == 0 {
					continue
				}
				weight = 1
			} else {
				weight = float64(counts.support[c])
			}
			p, r, f1 := counts.classMetrics(c)
			values[PrecisionKey] += weight * p
			values[RecallKey] += weight * r
			values[F1Key] += weight * f1
			totalWeight += weight
		}
		if totalWeight > 0 {
			values[PrecisionKey] /= totalWeight
			values[RecallKey] /= totalWeight
			values[F1Key] /= totalWeight
		}
	default:
		return nil, errors.Errorf("metrics: unknown averaging %q", average)
	}
	return values, nil
}

// confusion holds per-class counts.
type confusion struct {
	truePositives, support, predicted []int
	correct                           int
}

func newConfusion(numLabels int) *confusion {
	return &confusion{
		truePositives: make([]int, numLabels),
		support:       make([]int, numLabels),
		predicted:     make([]int, numLabels),
	}
}

func (c *confusion) add(label, prediction int) {
	c.support[label]++
	c.predicted[prediction]++
	if label == prediction {
		c.truePositives[label]++
		c.correct++
	}
}

// classMetrics returns precision, recall and f1 of class.
func (c *confusion) classMetrics(class int) (precision, recall, f1 float64) {
	precision = ratio(c.truePositives[class], c.predicted[class])
	recall = ratio(c.truePositives[class], c.support[class])
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}
	return
}

func ratio(numerator, denominator int) float64 {
	if denominator == 0 {
		return 0
	}
	return float64(numerator) / float64(denominator)
}

// String implements fmt.Stringer.
func (a *Aggregator) String() string {
	return fmt.Sprintf("metrics.Aggregator(%s, %d outputs)", a.datasetType, a.numClasses)
}
