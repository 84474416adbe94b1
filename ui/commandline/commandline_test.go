// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"bytes"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/RichNachos/deepdecode/pkg/ml/datasets"
	"github.com/RichNachos/deepdecode/pkg/ml/models"
	"github.com/RichNachos/deepdecode/pkg/ml/train"
	"github.com/RichNachos/deepdecode/pkg/ml/train/losses"
	"github.com/RichNachos/deepdecode/pkg/ml/train/metrics"
	"github.com/RichNachos/deepdecode/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapSettings implements Settings with a map, and rejects negative "y".
type mapSettings map[string]any

func (m mapSettings) GetParam(key string) (any, bool) {
	value, found := m[key]
	return value, found
}

func (m mapSettings) SetParam(key string, value any) error {
	if key == "y" && value.(int) < 0 {
		return errors.New("y must be >= 0")
	}
	m[key] = value
	return nil
}

func (m mapSettings) ParamKeys() []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

func createTestSettings() mapSettings {
	return mapSettings{
		"x":          11.0,
		"y":          7,
		"z":          false,
		"s":          "foo",
		"A.seed":     (*int64)(nil),
		"list_int":   []int{},
		"list_float": []float64{},
		"list_str":   []string{},
	}
}

func TestParseSettings(t *testing.T) {
	s := createTestSettings()

	paramsSet, err := ParseSettings(s,
		"x=13;y=1_000;z=true;s=bar;A.seed=42;list_int=1,3,7;list_float=0.1,1.2,3e3;list_str=a,b;")
	require.NoError(t, err)
	require.Equal(t, []string{"x", "y", "z", "s", "A.seed", "list_int", "list_float", "list_str"}, paramsSet)
	assert.Equal(t, 13.0, s["x"])
	assert.Equal(t, 1000, s["y"])
	assert.Equal(t, true, s["z"])
	assert.Equal(t, "bar", s["s"])
	require.NotNil(t, s["A.seed"].(*int64))
	assert.Equal(t, int64(42), *s["A.seed"].(*int64))
	assert.Equal(t, []int{1, 3, 7}, s["list_int"])
	assert.Equal(t, []float64{0.1, 1.2, 3e3}, s["list_float"])
	assert.Equal(t, []string{"a", "b"}, s["list_str"])

	_, err = ParseSettings(s, "A.seed=null")
	require.NoError(t, err)
	assert.Nil(t, s["A.seed"].(*int64))

	// Parameter "q" is unknown.
	_, err = ParseSettings(s, "q=3")
	require.Error(t, err)

	// Cannot set the wrong type of value.
	_, err = ParseSettings(s, "y=3.14")
	require.Error(t, err)

	// Missing "=".
	_, err = ParseSettings(s, "y")
	require.Error(t, err)

	// Rejected by SetParam.
	_, err = ParseSettings(s, "y=-1")
	require.Error(t, err)
	assert.Equal(t, 1000, s["y"])

	modified := SprintModifiedSettings(s, []string{"y", "x", "y"})
	assert.Equal(t, 2, strings.Count(modified, "\n")+1)
	assert.Contains(t, SprintSettings(s), `"A.seed": (*int64) null`)
}

func TestParseSettingsFile(t *testing.T) {
	s := createTestSettings()
	filePath := filepath.Join(t.TempDir(), "settings.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("# comment\nx=1.5\n\ny=2;s=baz\n"), 0644))
	paramsSet := must.M1(ParseSettings(s, "file:"+filePath+";z=true"))
	assert.Equal(t, []string{"x", "y", "s", "z"}, paramsSet)
	assert.Equal(t, 1.5, s["x"])
	assert.Equal(t, 2, s["y"])
	assert.Equal(t, "baz", s["s"])

	_, err := ParseSettings(s, "file:"+filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
}

func TestFormatDuration(t *testing.T) {
	for _, tc := range []struct {
		d    time.Duration
		want string
	}{
		{0, "0s"},
		{500 * time.Nanosecond, "500ns"},
		{1500 * time.Nanosecond, "1.50µs"},
		{12346 * time.Microsecond, "12.35ms"},
		{2500 * time.Millisecond, "2.50s"},
		{90*time.Second + 400*time.Millisecond, "1m30s"},
		{-2 * time.Second, "-2.00s"},
	} {
		assert.Equal(t, tc.want, FormatDuration(tc.d))
	}
}

func TestEpochTable(t *testing.T) {
	val := train.EpochResult{
		Phase:       train.ValidationPhase,
		Loss:        1.5,
		NumBatches:  3,
		NumExamples: 1234,
		Metrics:     metrics.NewEpochMetrics(map[string]float64{metrics.AccuracyKey: 0.75}, 3),
	}
	summary := train.EpochSummary{
		Epoch: 4,
		Train: train.EpochResult{
			Phase:      train.TrainPhase,
			Loss:       6,
			NumBatches: 12,
			Metrics: metrics.NewEpochMetrics(map[string]float64{
				metrics.AccuracyKey: 0.5, metrics.F1Key: 0.25}, 12),
		},
		Validation: &val,
	}
	table := EpochTable(summary).String()
	for _, want := range []string{"Epoch 4", "Validation", "6.00000", "0.50000", "0.7500", "0.2500", "1,234"} {
		assert.Contains(t, table, want)
	}
	// f1 is missing from validation.
	assert.Contains(t, table, "-")
}

func TestAttachProgressBar(t *testing.T) {
	const numExamples, timesteps = 12, 3
	flat := make([]float32, numExamples*timesteps*4)
	labels := make([]int, numExamples)
	for ii := range numExamples {
		for pos := range timesteps {
			flat[(ii*timesteps+pos)*4+(ii+pos)%4] = 1
		}
		labels[ii] = ii % 2
	}
	inputs := tensors.FromFlatDataAndDimensions(flat, numExamples, timesteps, 4)
	ds := must.M1(datasets.InMemoryFromData("toy", inputs, labels))
	trainDS := must.M1(ds.Subset("train", []int{0, 1, 2, 3, 4, 5, 6, 7})).BatchSize(4, false)
	valDS := must.M1(ds.Subset("val", []int{8, 9, 10, 11})).BatchSize(4, false)

	model := must.M1(models.New(backends.MustNew(), "fnn", models.Config{
		EmbeddingDim: 4, HiddenDim: 4, HiddenLayers: 1, OutputDim: 2, BatchSize: 4, Timesteps: timesteps, Seed: 1,
	}))
	optimizer := must.M1(optimizers.ByName(model.Context(), "sgd", optimizers.Config{}))
	aggregator := must.M1(metrics.NewAggregator(metrics.BinaryDataset, 2))
	trainer := train.NewTrainer(model, losses.CrossEntropy, optimizer, aggregator, metrics.AverageMacro)
	loop := train.NewLoop(trainer, trainDS, valDS)
	assert.Equal(t, 3, numBatches(loop))

	var out bytes.Buffer
	var extraCalls int
	AttachProgressBarTo(loop, &out, func() (string, string) {
		extraCalls++
		return "Learning rate", "0.1"
	})
	history := must.M1(loop.RunEpochs(0, 2))
	require.Len(t, history, 2)
	assert.Equal(t, 2, extraCalls)
	output := out.String()
	assert.Contains(t, output, "Epoch 0")
	assert.Contains(t, output, "Epoch 1")
	assert.Contains(t, output, "Learning rate")
	assert.Contains(t, output, "Median epoch duration")

	var report bytes.Buffer
	require.NoError(t, ReportEval(&report, trainer, valDS))
	assert.Contains(t, report.String(), "Results on val")
	assert.Contains(t, report.String(), metrics.AccuracyKey)
}
