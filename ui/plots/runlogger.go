package plots

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/RichNachos/deepdecode/pkg/ml/train"
	"github.com/RichNachos/deepdecode/pkg/ml/train/metrics"
	"github.com/RichNachos/deepdecode/pkg/support/fsutil"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	_ "gonum.org/v1/plot/vg/vgimg" // Registers the PNG format.
	"k8s.io/klog/v2"
)

const (
	// TrainSubDir and ValidationSubDir are the sub-directories of a run directory with the points of each phase.
	TrainSubDir      = "train"
	ValidationSubDir = "val"

	// RunMetadataFileName is written once per run, with the RunMetadata.
	RunMetadataFileName = "run_metadata.json"

	// HistoryFileName is written when the RunLogger is closed, with one row per epoch.
	HistoryFileName = "history.csv"

	// LossChartFileName and MetricsChartFileName are the charts rendered when the RunLogger is closed.
	LossChartFileName    = "loss.png"
	MetricsChartFileName = "metrics.png"

	// DefaultPreprocessing describes the preprocessing of the inputs of the models.
	DefaultPreprocessing = "None, One-hot"

	// EpochColumn is the name of the first column of the history.
	EpochColumn = "epoch"
)

// RunMetadata is the static information of a training run.
type RunMetadata struct {
	RunID         string    `json:"run_id"`
	RunName       string    `json:"run_name"`
	Model         string    `json:"model"`
	NumParameters int       `json:"num_parameters"`
	InputShape    []int     `json:"input_shape"`
	Optimizer     string    `json:"optimizer"`
	BatchSize     int       `json:"batch_size"`
	Preprocessing string    `json:"preprocessing"`
	StartedAt     time.Time `json:"started_at"`
}

// RunLogger records the metrics of each epoch of a training run in a run directory.
//
// Points are written asynchronously as they are logged. The history and the charts are written by Close.
// It is not safe for concurrent use.
type RunLogger struct {
	dir      string
	metadata RunMetadata

	writers    map[string]chan<- Point
	errReports map[string]<-chan error
	history    []historyRow
	closed     bool
}

type historyRow struct {
	epoch                    int
	trainLoss, valLoss       float64
	trainMetrics, valMetrics metrics.EpochMetrics
}

// NewRunLogger creates the run directory dir, removing any previous contents, and writes the run metadata.
func NewRunLogger(dir string, metadata RunMetadata) (*RunLogger, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	if err = os.RemoveAll(dir); err != nil {
		return nil, errors.Wrapf(err, "failed to remove previous run directory %q", dir)
	}
	for _, subDir := range []string{TrainSubDir, ValidationSubDir} {
		if err = os.MkdirAll(filepath.Join(dir, subDir), fsutil.DirPermMode); err != nil {
			return nil, errors.Wrapf(err, "failed to create run directory %q", dir)
		}
	}
	if metadata.Preprocessing == "" {
		metadata.Preprocessing = DefaultPreprocessing
	}
	if metadata.StartedAt.IsZero() {
		metadata.StartedAt = time.Now()
	}
	metadataJSON, err := json.MarshalIndent(metadata, "", "\t")
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode run metadata")
	}
	if err = fsutil.WriteBytesAtomic(filepath.Join(dir, RunMetadataFileName), metadataJSON); err != nil {
		return nil, err
	}

	rl := &RunLogger{
		dir:        dir,
		metadata:   metadata,
		writers:    make(map[string]chan<- Point),
		errReports: make(map[string]<-chan error),
	}
	for _, subDir := range []string{TrainSubDir, ValidationSubDir} {
		rl.writers[subDir], rl.errReports[subDir] = CreatePointsWriter(
			filepath.Join(dir, subDir, TrainingPlotFileName))
	}
	klog.V(1).Infof("RunLogger: logging run %q to %q", metadata.RunName, dir)
	return rl, nil
}

// LoadRunMetadata reads the metadata written by NewRunLogger in the run directory runDir.
func LoadRunMetadata(runDir string) (RunMetadata, error) {
	var metadata RunMetadata
	runDir, err := fsutil.ReplaceTildeInDir(runDir)
	if err != nil {
		return metadata, err
	}
	filePath := filepath.Join(runDir, RunMetadataFileName)
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return metadata, errors.Wrapf(err, "failed to read run metadata %q", filePath)
	}
	if err = json.Unmarshal(contents, &metadata); err != nil {
		return metadata, errors.Wrapf(err, "failed to parse run metadata %q", filePath)
	}
	return metadata, nil
}

// Dir returns the run directory.
func (rl *RunLogger) Dir() string { return rl.dir }

// Metadata returns the run metadata written to the run directory.
func (rl *RunLogger) Metadata() RunMetadata { return rl.metadata }

// LogEpoch records the results of an epoch. If validation is nil (no validation), the validation loss is
// logged as 0 and no validation metrics are logged.
func (rl *RunLogger) LogEpoch(epoch int, trainResult train.EpochResult, validation *train.EpochResult) error {
	if rl.closed {
		return errors.Errorf("RunLogger(%q) already closed", rl.dir)
	}
	row := historyRow{epoch: epoch, trainLoss: trainResult.Loss, trainMetrics: trainResult.Metrics}
	step := float64(epoch)
	rl.writers[TrainSubDir] <- Point{MetricName: "Train/Loss", Short: "T/loss",
		MetricType: metrics.LossMetricType, Step: step, Value: trainResult.Loss}
	for _, key := range trainResult.Metrics.Keys() {
		value, _ := trainResult.Metrics.Get(key)
		rl.writers[TrainSubDir] <- Point{MetricName: "Train/" + key, Short: "T/" + metrics.ShortName(key),
			MetricType: metrics.ClassificationMetricType, Step: step, Value: value}
	}

	if validation != nil {
		row.valLoss = validation.Loss
		row.valMetrics = validation.Metrics
	}
	rl.writers[ValidationSubDir] <- Point{MetricName: "Val/Loss", Short: "V/loss",
		MetricType: metrics.LossMetricType, Step: step, Value: row.valLoss}
	for _, key := range row.valMetrics.Keys() {
		value, _ := row.valMetrics.Get(key)
		rl.writers[ValidationSubDir] <- Point{MetricName: "Val/" + key, Short: "V/" + metrics.ShortName(key),
			MetricType: metrics.ClassificationMetricType, Step: step, Value: value}
	}
	rl.history = append(rl.history, row)
	return nil
}

// Close flushes the points, and writes the history and the charts of the epochs logged.
// It can be called more than once.
func (rl *RunLogger) Close() error {
	if rl.closed {
		return nil
	}
	rl.closed = true
	var firstErr error
	for _, subDir := range []string{TrainSubDir, ValidationSubDir} {
		close(rl.writers[subDir])
		if err := <-rl.errReports[subDir]; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return firstErr
	}
	if len(rl.history) == 0 {
		return nil
	}
	historyPath := filepath.Join(rl.dir, HistoryFileName)
	err := fsutil.WriteFileAtomic(historyPath, func(w io.Writer) error {
		return rl.historyDataFrame().WriteCSV(w)
	})
	if err != nil {
		return errors.WithMessagef(err, "RunLogger: failed writing history")
	}
	if err = rl.renderCharts(); err != nil {
		return err
	}
	return nil
}

// historyDataFrame returns one row per epoch logged: the epoch, the losses and the metrics of each phase.
func (rl *RunLogger) historyDataFrame() dataframe.DataFrame {
	epochs := make([]int, len(rl.history))
	trainLosses := make([]float64, len(rl.history))
	valLosses := make([]float64, len(rl.history))
	for ii, row := range rl.history {
		epochs[ii] = row.epoch
		trainLosses[ii] = row.trainLoss
		valLosses[ii] = row.valLoss
	}
	columns := []series.Series{
		series.New(epochs, series.Int, EpochColumn),
		series.New(trainLosses, series.Float, "train_loss"),
		series.New(valLosses, series.Float, "val_loss"),
	}
	for _, phase := range []train.Phase{train.TrainPhase, train.ValidationPhase} {
		for _, key := range metrics.MetricKeys() {
			values := make([]float64, len(rl.history))
			var found bool
			for ii, row := range rl.history {
				m := row.trainMetrics
				if phase == train.ValidationPhase {
					m = row.valMetrics
				}
				var ok bool
				values[ii], ok = m.Get(key)
				found = found || ok
			}
			if found {
				columns = append(columns, series.New(values, series.Float, fmt.Sprintf("%s_%s", phase, key)))
			}
		}
	}
	return dataframe.New(columns...)
}

// LoadHistory reads the history written by RunLogger.Close.
func LoadHistory(filePath string) (dataframe.DataFrame, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return dataframe.DataFrame{}, errors.Wrapf(err, "failed to open history %q", filePath)
	}
	defer func() { _ = f.Close() }()
	df := dataframe.ReadCSV(f)
	if df.Err != nil {
		return dataframe.DataFrame{}, errors.Wrapf(df.Err, "failed to parse history %q", filePath)
	}
	return df, nil
}

// renderCharts renders the losses and the metrics per epoch.
func (rl *RunLogger) renderCharts() error {
	df := rl.historyDataFrame()
	epochs := df.Col(EpochColumn).Float()
	hasValidation := slices.ContainsFunc(rl.history, func(row historyRow) bool {
		return row.valLoss != 0 || !row.valMetrics.IsEmpty()
	})

	lossColumns := []string{"train_loss"}
	if hasValidation {
		lossColumns = append(lossColumns, "val_loss")
	}
	if err := rl.renderChart(LossChartFileName, "Loss", df, epochs, lossColumns); err != nil {
		return err
	}
	var metricColumns []string
	for _, name := range df.Names() {
		if name != EpochColumn && !slices.Contains([]string{"train_loss", "val_loss"}, name) {
			metricColumns = append(metricColumns, name)
		}
	}
	return rl.renderChart(MetricsChartFileName, "Metrics", df, epochs, metricColumns)
}

func (rl *RunLogger) renderChart(fileName, title string, df dataframe.DataFrame, epochs []float64,
	columns []string) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s: %s", rl.metadata.RunName, title)
	p.X.Label.Text = "Epoch"
	p.Y.Label.Text = title
	for ii, column := range columns {
		values := df.Col(column).Float()
		xys := make(plotter.XYs, len(values))
		for jj, value := range values {
			xys[jj] = plotter.XY{X: epochs[jj], Y: value}
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return errors.Wrapf(err, "RunLogger: failed to plot %q", column)
		}
		line.Color = plotutil.Color(ii)
		line.Dashes = plotutil.Dashes(ii)
		p.Add(line)
		p.Legend.Add(column, line)
	}
	filePath := filepath.Join(rl.dir, fileName)
	if err := p.Save(8*vg.Inch, 5*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "RunLogger: failed to save chart %q", filePath)
	}
	return nil
}
