package commandline

import (
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/RichNachos/deepdecode/pkg/ml/train"
	"github.com/RichNachos/deepdecode/pkg/ml/train/metrics"
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display in the epoch table.
// It is called at the end of each epoch, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// progressBar holds a progressbar being displayed.
type progressBar struct {
	out     io.Writer
	bar     *progressbar.ProgressBar
	epoch   int
	termenv *termenv.Output

	statsStyle lipgloss.Style

	extraMetricFns []ExtraMetricFn
}

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

const ProgressBarName = "deepdecode.ui.commandline.progressBar"

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	headerStyle       = lipgloss.NewStyle().Padding(0, 1).Bold(true)
	tableBorderColor  = "#705090"
)

// numBatches returns the number of batches the loop goes over in one epoch, or -1 if unknown.
func numBatches(loop *train.Loop) int {
	total := 0
	for _, ds := range []train.Dataset{loop.TrainDataset, loop.ValidationDataset} {
		if ds == nil {
			continue
		}
		counter, ok := ds.(train.HasNumBatches)
		if !ok {
			return -1
		}
		total += counter.NumBatches()
	}
	return total
}

func (pBar *progressBar) onStart(loop *train.Loop) error {
	if loop.StartEpoch < loop.EndEpoch {
		_, _ = fmt.Fprintf(pBar.out, "Training epochs %d to %d\n", loop.StartEpoch, loop.EndEpoch-1)
	}
	pBar.termenv.HideCursor()
	return nil
}

func (pBar *progressBar) onEpochStart(loop *train.Loop, epoch int) error {
	pBar.epoch = epoch
	pBar.bar = progressbar.NewOptions(numBatches(loop),
		progressbar.OptionSetDescription(fmt.Sprintf("Epoch %d/%d", epoch, loop.EndEpoch-1)),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("batches"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar.out),
	)
	return nil
}

func (pBar *progressBar) onBatch(_ *train.Trainer, step train.BatchStep) error {
	if pBar.bar == nil || pBar.bar.IsFinished() {
		return nil
	}
	pBar.bar.Describe(fmt.Sprintf("Epoch %d %-5s loss=%.4f", pBar.epoch, step.Phase, step.Loss))
	return pBar.bar.Add(1)
}

func (pBar *progressBar) onEpoch(loop *train.Loop, summary train.EpochSummary) error {
	if pBar.bar != nil {
		_ = pBar.bar.Finish()
		pBar.bar = nil
	}
	_, _ = fmt.Fprintln(pBar.out)
	table := EpochTable(summary)
	table.Row("Median epoch duration", FormatDuration(loop.MedianEpochDuration()))
	for _, extraMetric := range pBar.extraMetricFns {
		name, value := extraMetric()
		table.Row(name, value)
	}
	_, err := fmt.Fprintln(pBar.out, pBar.statsStyle.Render(table.String()))
	return err
}

func (pBar *progressBar) onEnd(_ *train.Loop, _ []train.EpochSummary) error {
	pBar.termenv.ShowCursor()
	return nil
}

// EpochTable returns a table with the losses and the metrics of the epoch summary, for the train and
// (if present) validation phases.
//
// Callers may append rows before rendering it.
func EpochTable(summary train.EpochSummary) *lgtable.Table {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	results := []train.EpochResult{summary.Train}
	headers := []string{fmt.Sprintf("Epoch %d", summary.Epoch), "Train"}
	if summary.Validation != nil {
		results = append(results, *summary.Validation)
		headers = append(headers, "Validation")
	}
	table.Headers(headers...)

	row := func(name string, value func(r train.EpochResult) string) {
		cells := []string{name}
		for _, r := range results {
			cells = append(cells, value(r))
		}
		table.Row(cells...)
	}
	row("Loss", func(r train.EpochResult) string { return fmt.Sprintf("%.5f", r.Loss) })
	row("Mean batch loss", func(r train.EpochResult) string { return fmt.Sprintf("%.5f", r.MeanLoss()) })

	var keys []string
	for _, r := range results {
		for _, key := range r.Metrics.Keys() {
			if !slices.Contains(keys, key) {
				keys = append(keys, key)
			}
		}
	}
	for _, key := range metrics.MetricKeys() {
		if !slices.Contains(keys, key) {
			continue
		}
		row(key, func(r train.EpochResult) string {
			value, found := r.Metrics.Get(key)
			if !found {
				return "-"
			}
			return fmt.Sprintf("%.4f", value)
		})
	}
	row("Examples", func(r train.EpochResult) string { return humanize.Comma(int64(r.NumExamples)) })
	row("Duration", func(r train.EpochResult) string { return FormatDuration(r.Duration) })
	return table
}

// AttachProgressBar creates a commandline progress bar and attaches it to the Loop, so that
// every epoch run will display a progress bar over its batches, followed by a table with the
// epoch losses and metrics.
//
// The associated data will be attached to the train.Loop, so nothing is returned.
//
// Optionally, one can provide extraMetrics: functions that are called at the end of every epoch
// and should return a name (title) and a value to be included in the table.
func AttachProgressBar(loop *train.Loop, extraMetrics ...ExtraMetricFn) {
	AttachProgressBarTo(loop, os.Stdout, extraMetrics...)
}

// AttachProgressBarTo is like AttachProgressBar, but writes to out.
func AttachProgressBarTo(loop *train.Loop, out io.Writer, extraMetrics ...ExtraMetricFn) {
	pBar := &progressBar{
		out:            out,
		termenv:        termenv.NewOutput(out),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
		extraMetricFns: extraMetrics,
	}
	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	loop.OnEpochStart(ProgressBarName, 0, pBar.onEpochStart)
	loop.Trainer.OnBatch(ProgressBarName, 0, pBar.onBatch)
	loop.OnEpoch(ProgressBarName, 0, pBar.onEpoch)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
}
