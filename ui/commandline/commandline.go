// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line: a progress bar with
// epoch tables, settings parsing and evaluation reports.
package commandline

import (
	"fmt"
	"io"

	"github.com/RichNachos/deepdecode/pkg/ml/train"
)

// ReportEval reports on the writer w the results of evaluating the datasets using trainer.EvalEpoch.
// Each dataset is reset after it is evaluated.
func ReportEval(w io.Writer, trainer *train.Trainer, datasets ...train.Dataset) error {
	for _, ds := range datasets {
		_, _ = fmt.Fprintf(w, "Results on %s:\n", ds.Name())
		result, err := trainer.EvalEpoch(ds)
		ds.Reset()
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(w, "\tloss: %.5f (mean over %d batches: %.5f)\n", result.Loss, result.NumBatches,
			result.MeanLoss())
		for _, key := range result.Metrics.Keys() {
			value, _ := result.Metrics.Get(key)
			_, _ = fmt.Fprintf(w, "\t%s: %.4f\n", key, value)
		}
	}
	return nil
}
