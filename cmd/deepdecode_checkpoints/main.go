// deepdecode_checkpoints reports on the checkpoints saved by training runs: a summary of the saved state,
// the configuration, the variables and the metrics collected by the run logger.
//
// Usage:
//
//	deepdecode_checkpoints [flags] <checkpoint or save directory>...
//
// A directory argument is replaced by its latest checkpoint.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/RichNachos/deepdecode/pkg/ml/checkpoints"
	"github.com/RichNachos/deepdecode/pkg/support/fsutil"
	"github.com/RichNachos/deepdecode/ui/plots"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagSummary = flag.Bool("summary", false, "Display a summary of the checkpoints: epoch, run, model and "+
		"optimizer, and the sizes of the saved state. It is the default if no other report is selected.")
	flagConfig   = flag.Bool("config", false, "Prints the configuration saved with the checkpoints.")
	flagVars     = flag.Bool("vars", false, "Lists the variables of the -group of each checkpoint.")
	flagGroup    = flag.String("group", checkpoints.ModelGroup, "Group of variables listed by -vars: \"model\" or \"optimizer\".")
	flagGlossary = flag.Bool("glossary", false, "Explains the columns of the -vars report.")

	flagRun = flag.String("run", "", "Run directory written by the run logger (e.g. \"runs/<run name>\"), "+
		"used by -metrics and -history.")
	flagMetrics = flag.Bool("metrics", false,
		fmt.Sprintf("Lists the metrics collected for plotting in the %q files of the -run directory.",
			plots.TrainingPlotFileName))
	flagMetricsNames = flag.String("metrics_names", "", "Regular expression that if matches the name or short name, the metric is included.")
	flagMetricsTypes = flag.String("metrics_types", "", "Comma-separate list of metric types to include in metrics report.")
	flagHistory      = flag.Bool("history", false,
		fmt.Sprintf("Prints the epoch history %q of the -run directory.", plots.HistoryFileName))
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
	sectionStyle  = lipgloss.NewStyle().Underline(true)
	emphasisStyle = lipgloss.NewStyle().Bold(true)
	italicStyle   = lipgloss.NewStyle().Italic(true)
)

// reportOptions selects the reports, usually from the flags.
type reportOptions struct {
	summary, config, vars, glossary bool
	group                           string

	runDir                     string
	metrics, history           bool
	metricsNames, metricsTypes string
}

func optionsFromFlags() reportOptions {
	opts := reportOptions{
		summary:      *flagSummary,
		config:       *flagConfig,
		vars:         *flagVars,
		glossary:     *flagGlossary,
		group:        *flagGroup,
		runDir:       *flagRun,
		metrics:      *flagMetrics,
		history:      *flagHistory,
		metricsNames: *flagMetricsNames,
		metricsTypes: *flagMetricsTypes,
	}
	if !opts.config && !opts.vars && !opts.metrics && !opts.history {
		opts.summary = true
	}
	return opts
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	opts := optionsFromFlags()
	if len(args) == 0 && (opts.summary || opts.config || opts.vars) {
		klog.Errorf("Missing checkpoint to read from. See 'deepdecode_checkpoints -help'")
		os.Exit(1)
	}
	if (opts.metrics || opts.history) && opts.runDir == "" {
		klog.Errorf("-metrics and -history require -run. See 'deepdecode_checkpoints -help'")
		os.Exit(1)
	}
	if err := report(os.Stdout, opts, args); err != nil {
		klog.Fatalf("Failed: %+v", err)
	}
}

// report writes the reports selected by opts for the given checkpoints to w.
func report(w io.Writer, opts reportOptions, checkpointPaths []string) error {
	records := make([]*checkpoints.Record, 0, len(checkpointPaths))
	baseNames := make([]string, 0, len(checkpointPaths))
	for _, checkpointPath := range checkpointPaths {
		record, err := loadCheckpoint(checkpointPath)
		if err != nil {
			return err
		}
		records = append(records, record)
		baseNames = append(baseNames, record.BaseName)
	}
	names := MinimalUniquePaths(baseNames...)

	if opts.summary && len(records) > 0 {
		Summary(w, records, names)
	}
	if opts.config {
		if err := ReportConfig(w, records, names); err != nil {
			return err
		}
	}
	if opts.vars {
		for ii, record := range records {
			if err := ListVariables(w, record, names[ii], opts.group, opts.glossary); err != nil {
				return err
			}
		}
	}
	if opts.metrics {
		if err := ReportMetrics(w, opts.runDir, opts.metricsNames, opts.metricsTypes); err != nil {
			return err
		}
	}
	if opts.history {
		if err := ReportHistory(w, opts.runDir); err != nil {
			return err
		}
	}
	return nil
}

// loadCheckpoint loads the checkpoint at path, or the latest checkpoint if path is a directory.
func loadCheckpoint(path string) (*checkpoints.Record, error) {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		latest, found, err := checkpoints.New(path).Latest()
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, errors.Wrapf(checkpoints.ErrCheckpointNotFound, "no checkpoints in directory %q", path)
		}
		path = latest
	}
	return checkpoints.Load(path)
}
