package main

import (
	"fmt"
	"io"
	"math"
	"slices"

	"github.com/RichNachos/deepdecode/pkg/ml/checkpoints"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"gonum.org/v1/gonum/blas/blas32"
)

// ListVariables lists the variables of the group ("model" or "optimizer") of a checkpoint, with their shape
// and MAV (mean absolute value), RMS (root-mean-square) and MaxAV (max absolute value) values.
func ListVariables(w io.Writer, record *checkpoints.Record, name, group string, glossary bool) error {
	var state map[string]*tensors.Tensor
	switch group {
	case checkpoints.ModelGroup:
		state = record.ModelState
	case checkpoints.OptimizerGroup:
		state = record.OptimizerState
	default:
		return errors.Errorf("unknown group of variables %q, valid values are %q", group,
			[]string{checkpoints.ModelGroup, checkpoints.OptimizerGroup})
	}

	_, _ = fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Variables in %q of %s", group, name)))
	table := newPlainTable(true)
	table.Headers("Name", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV")
	names := maps.Keys(state)
	slices.Sort(names)
	for _, varName := range names {
		t := state[varName]
		var mav, rms, maxAV string
		if t.Size() == 1 {
			mav = fmt.Sprintf("%8v", t.Value())
		} else if t.Size() > 1 && t.DType() == dtypes.Float32 {
			stats := statsOf(tensors.MustCopyFlatData[float32](t))
			mav = fmt.Sprintf("%.3g", stats.mav)
			rms = fmt.Sprintf("%.3g", stats.rms)
			maxAV = fmt.Sprintf("%.3g", stats.maxAV)
		}
		table.Row(varName, t.Shape().String(),
			humanize.Comma(int64(t.Size())),
			humanize.Bytes(uint64(t.Memory())),
			mav, rms, maxAV)
	}
	_, _ = fmt.Fprintln(w, table.Render())
	if glossary {
		_, _ = fmt.Fprintf(w, "  %s:\n", sectionStyle.Render("Glossary"))
		_, _ = fmt.Fprintf(w, "   ◦ %s: %s\n", emphasisStyle.Render("Scalar/MAV"), italicStyle.Render("If variable is a scalar then the value itself, else the Mean Absolute Value"))
		_, _ = fmt.Fprintf(w, "   ◦ %s: %s\n", emphasisStyle.Render("RMS"), italicStyle.Render("Root Mean Square"))
		_, _ = fmt.Fprintf(w, "   ◦ %s: %s\n", emphasisStyle.Render("MaxAV"), italicStyle.Render("Max Absolute Value"))
	}
	return nil
}

type valueStats struct {
	mav, rms, maxAV float64
}

// statsOf values, which must not be empty.
func statsOf(values []float32) valueStats {
	x := blas32.Vector{N: len(values), Inc: 1, Data: values}
	n := float64(len(values))
	return valueStats{
		mav:   float64(blas32.Asum(x)) / n,
		rms:   float64(blas32.Nrm2(x)) / math.Sqrt(n),
		maxAV: math.Abs(float64(values[blas32.Iamax(x)])),
	}
}
