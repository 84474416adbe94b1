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

package checkpoints

import (
	"fmt"

	"github.com/pkg/errors"
)

// MismatchKind enumerates the differences between a saved checkpoint and the current run that still allow
// resuming.
type MismatchKind int

const (
	// MismatchArchitecture means the model descriptors differ. The model state is loaded anyway, and fails
	// if the variable shapes don't match.
	MismatchArchitecture MismatchKind = iota

	// MismatchOptimizer means the optimizer types differ. The optimizer state is not restored.
	MismatchOptimizer
)

// String implements fmt.Stringer.
func (k MismatchKind) String() string {
	switch k {
	case MismatchArchitecture:
		return "architecture mismatch"
	case MismatchOptimizer:
		return "optimizer mismatch"
	default:
		return fmt.Sprintf("MismatchKind(%d)", int(k))
	}
}

// Mismatch between the saved and current value of a Snapshot field.
type Mismatch struct {
	Kind           MismatchKind
	Saved, Current string
}

// String implements fmt.Stringer.
func (m Mismatch) String() string {
	switch m.Kind {
	case MismatchArchitecture:
		return fmt.Sprintf("%s: checkpoint saved with %q, current model is %q; this may yield an exception "+
			"while the state dict is being loaded", m.Kind, m.Saved, m.Current)
	case MismatchOptimizer:
		return fmt.Sprintf("%s: checkpoint saved with %q, current optimizer is %q; optimizer parameters "+
			"not being resumed", m.Kind, m.Saved, m.Current)
	default:
		return fmt.Sprintf("%s: %q != %q", m.Kind, m.Saved, m.Current)
	}
}

// Compare the snapshot saved in a checkpoint with the current one, and return the differences found.
// It has no side effects.
func Compare(saved, current Snapshot) []Mismatch {
	var mismatches []Mismatch
	if saved.Architecture != current.Architecture {
		mismatches = append(mismatches, Mismatch{Kind: MismatchArchitecture, Saved: saved.Architecture,
			Current: current.Architecture})
	}
	if saved.OptimizerType != current.OptimizerType {
		mismatches = append(mismatches, Mismatch{Kind: MismatchOptimizer, Saved: saved.OptimizerType,
			Current: current.OptimizerType})
	}
	return mismatches
}

// Report of a Restore.
type Report struct {
	// NextEpoch is the epoch where training resumes: the checkpoint epoch + 1.
	NextEpoch int

	Mismatches        []Mismatch
	OptimizerRestored bool
}

// HasMismatch returns whether the report includes a mismatch of the given kind.
func (r Report) HasMismatch(kind MismatchKind) bool {
	for _, m := range r.Mismatches {
		if m.Kind == kind {
			return true
		}
	}
	return false
}

// Restore the model, and the optimizer (if not nil), from the record.
//
// The model state is always loaded, even with a MismatchArchitecture, and it fails if the variables don't
// match. The optimizer state is skipped on a MismatchOptimizer, or if the checkpoint has no optimizer state.
// It doesn't log: the caller is responsible for reporting the mismatches.
func Restore(record *Record, model, optimizer Stateful, current Snapshot) (Report, error) {
	report := Report{
		NextEpoch:  record.Epoch + 1,
		Mismatches: Compare(record.Snapshot, current),
	}
	if err := model.LoadStateDict(record.ModelState); err != nil {
		return report, errors.WithMessagef(err, "failed to restore model from checkpoint %q", record.BaseName)
	}
	if optimizer == nil || report.HasMismatch(MismatchOptimizer) || len(record.OptimizerState) == 0 {
		return report, nil
	}
	if err := optimizer.LoadStateDict(record.OptimizerState); err != nil {
		return report, errors.WithMessagef(err, "failed to restore optimizer from checkpoint %q",
			record.BaseName)
	}
	report.OptimizerRestored = true
	return report, nil
}
