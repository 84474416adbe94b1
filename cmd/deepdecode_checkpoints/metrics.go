package main

import (
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/RichNachos/deepdecode/ui/plots"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ReportMetrics prints a table of the metrics collected by the run logger in runDir, one row per epoch.
//
// If metricsNames (a regular expression matched against the name or short name) or metricsTypes (a
// comma-separated list) are given, only the matching metrics are included.
func ReportMetrics(w io.Writer, runDir, metricsNames, metricsTypes string) error {
	rawPoints, err := plots.LoadPointsFromRun(runDir)
	if err != nil {
		return err
	}
	if len(rawPoints) == 0 {
		klog.Errorf("No metrics found in run directory %q", runDir)
		return nil
	}

	var metricsNamesMatcher *regexp.Regexp
	if metricsNames != "" {
		metricsNamesMatcher, err = regexp.Compile(metricsNames)
		if err != nil {
			return errors.Wrapf(err, "failed to compile -metrics_names=%q matcher", metricsNames)
		}
	}
	var types []string
	if metricsTypes != "" {
		types = strings.Split(metricsTypes, ",")
	}

	points := plots.NewPoints(rawPoints)
	var selected []string
	shortNames := make(map[string]string)
	points.Map(func(p *plots.Point) {
		shortNames[p.MetricName] = p.Short
	})
	for _, name := range points.MetricsNames() {
		if metricsNamesMatcher != nil || types != nil {
			foundName := metricsNamesMatcher != nil &&
				(metricsNamesMatcher.MatchString(name) || metricsNamesMatcher.MatchString(shortNames[name]))
			foundType := types != nil && slices.Contains(types, metricTypeOf(points, name))
			if !foundName && !foundType {
				continue
			}
		}
		selected = append(selected, name)
	}
	if len(selected) == 0 {
		klog.Errorf("No metrics in %q matched -metrics_names=%q or -metrics_types=%q", runDir, metricsNames,
			metricsTypes)
		return nil
	}

	_, _ = fmt.Fprintln(w, titleStyle.Render("Metrics Table"))
	_, _ = fmt.Fprintln(w, points.TableForMetrics(selected...))
	return nil
}

func metricTypeOf(points plots.Points, name string) (metricType string) {
	points.Map(func(p *plots.Point) {
		if p.MetricName == name {
			metricType = p.MetricType
		}
	})
	return
}

// ReportHistory prints the epoch history written by the run logger in runDir.
func ReportHistory(w io.Writer, runDir string) error {
	df, err := plots.LoadHistory(filepath.Join(runDir, plots.HistoryFileName))
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(w, titleStyle.Render("History"))
	table := newPlainTable(true, lipgloss.Right)
	names := df.Names()
	table.Headers(names...)
	columns := make([][]string, len(names))
	for ii, name := range names {
		columns[ii] = df.Col(name).Records()
	}
	for row := range df.Nrow() {
		cells := make([]string, len(names))
		for ii := range names {
			cells[ii] = columns[ii][row]
		}
		table.Row(cells...)
	}
	_, _ = fmt.Fprintln(w, table.Render())
	return nil
}
