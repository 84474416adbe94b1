package plots

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/RichNachos/deepdecode/pkg/ml/train"
	"github.com/RichNachos/deepdecode/pkg/ml/train/metrics"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func epochResult(phase train.Phase, loss, accuracy float64) train.EpochResult {
	return train.EpochResult{
		Phase:      phase,
		Loss:       loss,
		NumBatches: 2,
		Metrics: metrics.NewEpochMetrics(map[string]float64{
			metrics.AccuracyKey: accuracy,
			metrics.F1Key:       accuracy / 2,
		}, 2),
	}
}

func TestRunLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stale.txt"), []byte("old"), 0644))

	rl := must.M1(NewRunLogger(dir, RunMetadata{
		RunID:      "0000",
		RunName:    "lstm_emb4_hid8_lay1_out2_bs4_ce",
		Model:      "lstm",
		InputShape: []int{4, 10, 4},
		Optimizer:  "adam",
		BatchSize:  4,
	}))
	assert.NoFileExists(t, filepath.Join(dir, "stale.txt"))

	for epoch := 0; epoch < 3; epoch++ {
		val := epochResult(train.ValidationPhase, 1.0/float64(epoch+1), 0.5+0.1*float64(epoch))
		require.NoError(t, rl.LogEpoch(epoch, epochResult(train.TrainPhase, 2.0/float64(epoch+1), 0.5), &val))
	}
	require.NoError(t, rl.Close())
	require.NoError(t, rl.Close())
	require.Error(t, rl.LogEpoch(3, epochResult(train.TrainPhase, 1, 1), nil))

	metadata := must.M1(LoadRunMetadata(dir))
	assert.Equal(t, "lstm", metadata.Model)
	assert.Equal(t, DefaultPreprocessing, metadata.Preprocessing)
	assert.Equal(t, []int{4, 10, 4}, metadata.InputShape)
	assert.False(t, metadata.StartedAt.IsZero())

	points := NewPoints(must.M1(LoadPointsFromRun(dir)))
	require.Len(t, points, 3)
	assert.Equal(t, []string{"Train/accuracy", "Train/f1", "Val/accuracy", "Val/f1", "Train/Loss", "Val/Loss"},
		points.MetricsNames())
	for _, p := range points[2] {
		switch p.MetricName {
		case "Train/Loss":
			assert.InDelta(t, 2.0/3.0, p.Value, 1e-9)
			assert.Equal(t, "T/loss", p.Short)
		case "Val/accuracy":
			assert.InDelta(t, 0.7, p.Value, 1e-9)
			assert.Equal(t, "V/acc", p.Short)
		}
	}
	assert.Contains(t, points.TableForMetrics("Val/Loss"), "Val/Loss")

	history := must.M1(LoadHistory(filepath.Join(dir, HistoryFileName)))
	assert.Equal(t, 3, history.Nrow())
	assert.Equal(t, []string{EpochColumn, "train_loss", "val_loss", "train_accuracy", "train_f1",
		"val_accuracy", "val_f1"}, history.Names())
	assert.InDeltaSlice(t, []float64{1, 0.5, 1.0 / 3.0}, history.Col("val_loss").Float(), 1e-6)

	for _, name := range []string{LossChartFileName, MetricsChartFileName} {
		info := must.M1(os.Stat(filepath.Join(dir, name)))
		assert.Positivef(t, info.Size(), "chart %q is empty", name)
	}
}

func TestRunLoggerWithoutValidation(t *testing.T) {
	dir := t.TempDir()
	rl := must.M1(NewRunLogger(dir, RunMetadata{RunName: "fnn"}))
	require.NoError(t, rl.LogEpoch(0, epochResult(train.TrainPhase, 3, 0.25), nil))
	require.NoError(t, rl.Close())

	valPoints := must.M1(LoadPoints(filepath.Join(dir, ValidationSubDir, TrainingPlotFileName)))
	require.Len(t, valPoints, 1)
	assert.Equal(t, "Val/Loss", valPoints[0].MetricName)
	assert.Equal(t, 0.0, valPoints[0].Value)

	history := must.M1(LoadHistory(filepath.Join(dir, HistoryFileName)))
	assert.Equal(t, []string{EpochColumn, "train_loss", "val_loss", "train_accuracy", "train_f1"}, history.Names())
}

func TestLoadPoints(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), TrainingPlotFileName)
	writer, errReport := CreatePointsWriter(filePath)
	writer <- Point{MetricName: "Train/Loss", MetricType: metrics.LossMetricType, Step: 1, Value: 0.5}
	writer <- Point{MetricName: "Train/Loss", MetricType: metrics.LossMetricType, Step: 0, Value: 0.7}
	close(writer)
	require.NoError(t, <-errReport)

	points := NewPoints(must.M1(LoadPoints(filePath)))
	extracted := points.Extract()
	require.Len(t, extracted, 2)
	assert.Equal(t, 0.0, extracted[0].Step)
	assert.Equal(t, 0.7, extracted[0].Value)

	require.NoError(t, os.WriteFile(filePath, []byte("{broken"), 0644))
	_, err := LoadPoints(filePath)
	require.Error(t, err)
}

func TestRunMetadataJSON(t *testing.T) {
	dir := t.TempDir()
	rl := must.M1(NewRunLogger(dir, RunMetadata{RunID: "id", BatchSize: 16}))
	require.NoError(t, rl.Close())
	assert.NoFileExists(t, filepath.Join(dir, HistoryFileName))
	var raw map[string]any
	require.NoError(t, json.Unmarshal(must.M1(os.ReadFile(filepath.Join(dir, RunMetadataFileName))), &raw))
	assert.Equal(t, "id", raw["run_id"])
	assert.Equal(t, 16.0, raw["batch_size"])
}
