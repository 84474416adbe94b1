package main

import (
	"fmt"
	"io"
	"time"

	"github.com/RichNachos/deepdecode/pkg/ml/checkpoints"
	"github.com/RichNachos/deepdecode/pkg/ml/train/optimizers"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Summary of the checkpoints, one column per checkpoint. Rows whose values differ across checkpoints are
// highlighted.
func Summary(w io.Writer, records []*checkpoints.Record, names []string) {
	_, _ = fmt.Fprintln(w, titleStyle.Render("Summary"))
	table := newPlainTableWithReds(false, lipgloss.Right, lipgloss.Left)
	table.Row(false, append([]string{"checkpoint"}, names...)...)

	addRow := func(title string, highlightDiff bool, valueFn func(record *checkpoints.Record) string) {
		row := make([]string, len(records)+1)
		row[0] = title
		for ii, record := range records {
			row[ii+1] = valueFn(record)
		}
		table.Row(highlightDiff && !isAllEqual(row[1:]), row...)
	}
	addRow("epoch", false, func(r *checkpoints.Record) string { return humanize.Comma(int64(r.Epoch)) })
	addRow("saved", false, func(r *checkpoints.Record) string {
		return fmt.Sprintf("%s (%s)", r.SavedAt.Format(time.DateTime), humanize.Time(r.SavedAt))
	})
	addRow("run id", false, func(r *checkpoints.Record) string { return r.Snapshot.RunID })
	addRow("architecture", true, func(r *checkpoints.Record) string { return r.Snapshot.Architecture })
	addRow("optimizer", true, func(r *checkpoints.Record) string { return r.Snapshot.OptimizerType })

	haveGlobalStep := false
	for _, record := range records {
		if _, found := record.OptimizerState[optimizers.GlobalStepKey]; found {
			haveGlobalStep = true
		}
	}
	if haveGlobalStep {
		addRow("global_step", false, func(r *checkpoints.Record) string {
			t, found := r.OptimizerState[optimizers.GlobalStepKey]
			if !found {
				return "-"
			}
			return humanize.Comma(tensors.ToScalar[int64](t))
		})
	}

	addRow("# variables", true, func(r *checkpoints.Record) string { return humanize.Comma(int64(len(r.ModelState))) })
	addRow("# parameters", true, func(r *checkpoints.Record) string {
		return humanize.Comma(int64(r.NumParameters()))
	})
	addRow("# bytes", false, func(r *checkpoints.Record) string {
		return humanize.Bytes(uint64(stateMemory(r.ModelState)))
	})
	addRow("optimizer state", false, func(r *checkpoints.Record) string {
		if len(r.OptimizerState) == 0 {
			return "no"
		}
		return fmt.Sprintf("%s values", humanize.Comma(int64(stateSize(r.OptimizerState))))
	})
	_, _ = fmt.Fprintln(w, table.Table.Render())
}

func stateSize(state map[string]*tensors.Tensor) int {
	var n int
	for _, t := range state {
		n += t.Size()
	}
	return n
}

func stateMemory(state map[string]*tensors.Tensor) uintptr {
	var n uintptr
	for _, t := range state {
		n += t.Memory()
	}
	return n
}
