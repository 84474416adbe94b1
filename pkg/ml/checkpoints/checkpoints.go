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

// Package checkpoints implements checkpoint management: saving the state of a model and its optimizer at the
// end of an epoch, and loading it back to resume training.
//
// Each checkpoint is a pair of files with the same base name: a JSON file with the metadata (epoch, a
// Snapshot of the run configuration and the index of the variables) and a binary file with the values of
// the variables (by default gzip compressed). Files are written to a temporary name and renamed into place,
// so an interrupted process never leaves a half written checkpoint.
//
// Example: saving at the end of every epoch, and resuming from a previous checkpoint.
//
//	handler := checkpoints.New(saveDir)
//	…
//	if *flagResume != "" {
//		record, err := checkpoints.Load(*flagResume)
//		if err != nil { … }
//		report, err := checkpoints.Restore(record, model, optimizer, snapshot)
//		if err != nil { … }
//		for _, mismatch := range report.Mismatches {
//			klog.Warning(mismatch)
//		}
//		startEpoch = report.NextEpoch
//	}
//	…
//	loop.OnEpoch("checkpoint", 100, func(loop *train.Loop, summary train.EpochSummary) error {
//		_, err := handler.Save(summary.Epoch, model, optimizer, snapshot, false)
//		return err
//	})
package checkpoints

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/RichNachos/deepdecode/pkg/support/fsutil"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

var (
	// ErrCheckpointNotFound is returned by Load if the checkpoint doesn't exist.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrCorruptCheckpoint is returned by Load if the checkpoint files can't be decoded.
	ErrCorruptCheckpoint = errors.New("corrupt checkpoint")
)

const (
	baseNamePrefix = "checkpoint-epoch"

	// JsonNameSuffix for the JSON files with the checkpoint metadata.
	JsonNameSuffix = ".json"

	// BinDataSuffix for the data files (holding the tensor values).
	BinDataSuffix = ".bin"

	// BestBaseName is the base name of the checkpoint saved with best=true.
	BestBaseName = "model_best"
)

// Variable groups in a checkpoint.
const (
	ModelGroup     = "model"
	OptimizerGroup = "optimizer"
)

// Stateful is the state of a model or of an optimizer, as a map of tensors by name.
// models.Model and optimizers.Optimizer implement it.
type Stateful interface {
	StateDict() map[string]*tensors.Tensor
	LoadStateDict(state map[string]*tensors.Tensor) error
}

// Snapshot of the run configuration saved with each checkpoint, and compared against the current one
// when resuming (see Compare).
type Snapshot struct {
	// RunID identifies the run that saved the checkpoint.
	RunID string `json:"run_id,omitempty"`

	// Architecture is the model descriptor: model name and hyperparameters.
	Architecture string `json:"architecture"`

	// OptimizerType is the name of the optimizer.
	OptimizerType string `json:"optimizer_type"`

	// Config is the full run configuration, as JSON.
	Config json.RawMessage `json:"config,omitempty"`
}

// Record is a loaded checkpoint.
type Record struct {
	// BaseName is the path of the checkpoint files, without the suffixes.
	BaseName string

	Epoch    int
	SavedAt  time.Time
	Snapshot Snapshot

	ModelState     map[string]*tensors.Tensor
	OptimizerState map[string]*tensors.Tensor
}

// NumParameters returns the number of values in the model state.
func (r *Record) NumParameters() int {
	var n int
	for _, t := range r.ModelState {
		n += t.Size()
	}
	return n
}

// serializedData is how the metadata is read and written from storage.
type serializedData struct {
	// Epoch is a pointer to tell apart a missing epoch from epoch 0.
	Epoch    *int      `json:"epoch"`
	SavedAt  time.Time `json:"saved_at"`
	Snapshot Snapshot  `json:"snapshot"`

	// Variables in the order they are stored in the binary file.
	Variables []serializedVar `json:"variables"`

	// BinFormat describes the format used by the binary file. It is informative.
	BinFormat string `json:"bin_format"`
}

// serializedVar contains information about the variable that was serialized.
type serializedVar struct {
	Group      string       `json:"group"`
	Name       string       `json:"name"`
	DType      dtypes.DType `json:"dtype"`
	Dimensions []int        `json:"dimensions"`

	// Pos, Length in bytes in the decompressed data.
	Pos    int `json:"pos"`
	Length int `json:"length"`
}

// Handler saves checkpoints to a directory.
type Handler struct {
	dir       string
	binFormat BinFormat
}

// Entry of a checkpoint listed by Handler.List.
type Entry struct {
	Epoch int

	// BaseName is the path of the checkpoint files, without the suffixes.
	BaseName string
}

// New creates a Handler that saves checkpoints in dir, with BinGZIP data files. The directory is created on
// the first save.
func New(dir string) *Handler {
	return &Handler{dir: dir, binFormat: BinGZIP}
}

// Compression sets the format of the data files written by the handler. Unknown formats select BinGZIP.
// It returns the handler, so calls can be chained.
func (h *Handler) Compression(bf BinFormat) *Handler {
	h.binFormat = bf
	if _, known := binFormatNames[bf]; !known {
		h.binFormat = BinGZIP
	}
	return h
}

// Dir returns the directory where the checkpoints are saved.
func (h *Handler) Dir() string { return h.dir }

// String implements Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", h.dir)
}

// BaseName returns the base name (without suffixes) of the checkpoint of the given epoch.
func (h *Handler) BaseName(epoch int) string {
	return filepath.Join(h.dir, fmt.Sprintf("%s%d", baseNamePrefix, epoch))
}

// Save a checkpoint of the model and optimizer state at the end of epoch. The optimizer can be nil.
// If best is true, the checkpoint is also saved as BestBaseName, overwriting the previous one.
//
// It returns the base name of the saved checkpoint.
func (h *Handler) Save(epoch int, model, optimizer Stateful, snapshot Snapshot, best bool) (string, error) {
	baseName := h.BaseName(epoch)
	if err := h.save(baseName, epoch, model, optimizer, snapshot); err != nil {
		return "", err
	}
	if best {
		if err := h.save(filepath.Join(h.dir, BestBaseName), epoch, model, optimizer, snapshot); err != nil {
			return "", err
		}
	}
	return baseName, nil
}

// SaveModel saves the model state only (no optimizer) with the given name, overwriting any previous save with
// the same name. It is used to keep the latest model of a run.
//
// It returns the base name of the saved files.
func (h *Handler) SaveModel(name string, epoch int, model Stateful, snapshot Snapshot) (string, error) {
	baseName := filepath.Join(h.dir, name)
	if err := h.save(baseName, epoch, model, nil, snapshot); err != nil {
		return "", err
	}
	return baseName, nil
}

func (h *Handler) save(baseName string, epoch int, model, optimizer Stateful, snapshot Snapshot) error {
	serialized := &serializedData{
		Epoch:     &epoch,
		SavedAt:   time.Now(),
		Snapshot:  snapshot,
		BinFormat: h.binFormat.String(),
	}
	groups := []struct {
		name  string
		state Stateful
	}{{ModelGroup, model}, {OptimizerGroup, optimizer}}

	// Binary file first: the JSON file is only written once the data is in place.
	binFileName := baseName + BinDataSuffix
	err := fsutil.WriteFileAtomic(binFileName, func(w io.Writer) error {
		varWriter, err := newVarWriter(w, h.binFormat)
		if err != nil {
			return err
		}
		pos := 0
		for _, group := range groups {
			if group.state == nil {
				continue
			}
			state := group.state.StateDict()
			names := maps.Keys(state)
			slices.Sort(names)
			for _, name := range names {
				tensor := state[name]
				n, err := writeTensor(varWriter, tensor)
				if err != nil {
					return errors.Wrapf(err, "failed to write variable %s/%q", group.name, name)
				}
				serialized.Variables = append(serialized.Variables, serializedVar{
					Group:      group.name,
					Name:       name,
					DType:      tensor.DType(),
					Dimensions: slices.Clone(tensor.Shape().Dimensions),
					Pos:        pos,
					Length:     n,
				})
				pos += n
			}
		}
		if err := varWriter.Flush(); err != nil {
			return errors.Wrap(err, "failed to flush")
		}
		return varWriter.Close()
	})
	if err != nil {
		return errors.WithMessagef(err, "%s: failed to save checkpoint data", h)
	}

	jsonFileName := baseName + JsonNameSuffix
	err = fsutil.WriteFileAtomic(jsonFileName, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "\t")
		return enc.Encode(serialized)
	})
	if err != nil {
		return errors.WithMessagef(err, "%s: failed to save checkpoint metadata", h)
	}
	if klog.V(1).Enabled() {
		var size int64
		if info, err := os.Stat(binFileName); err == nil {
			size = info.Size()
		}
		klog.Infof("saved checkpoint %q (epoch %d, %d variables, %s)", baseName, epoch,
			len(serialized.Variables), humanize.Bytes(uint64(size)))
	}
	return nil
}

var checkpointEpochRegex = regexp.MustCompile(`^` + baseNamePrefix + `(\d+)` + regexp.QuoteMeta(JsonNameSuffix) + `$`)

// List returns the epoch checkpoints in the directory, ordered by epoch. The "best" and model only
// checkpoints are not listed.
//
// It returns an empty list if the directory doesn't exist.
func (h *Handler) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(h.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "%s listing checkpoints", h)
	}
	var entries []Entry
	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() {
			continue
		}
		matches := checkpointEpochRegex.FindStringSubmatch(dirEntry.Name())
		if matches == nil {
			continue
		}
		epoch, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		entries = append(entries, Entry{Epoch: epoch, BaseName: h.BaseName(epoch)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Epoch < entries[j].Epoch })
	return entries, nil
}

// Latest returns the base name of the checkpoint with the highest epoch, or false if there are none.
func (h *Handler) Latest() (string, bool, error) {
	entries, err := h.List()
	if err != nil || len(entries) == 0 {
		return "", false, err
	}
	return entries[len(entries)-1].BaseName, true, nil
}

// BaseNameOf returns the checkpoint base name of path, which can be the base name itself, or the
// name of its JSON or binary files.
func BaseNameOf(path string) string {
	for _, suffix := range []string{JsonNameSuffix, BinDataSuffix} {
		if strings.HasSuffix(path, suffix) {
			return strings.TrimSuffix(path, suffix)
		}
	}
	return path
}

// Load a checkpoint from path, which can be its base name or the name of its JSON file.
//
// It returns ErrCheckpointNotFound if the checkpoint doesn't exist, and ErrCorruptCheckpoint if its files can't
// be decoded.
func Load(path string) (*Record, error) {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, err
	}
	baseName := BaseNameOf(path)
	jsonFileName := baseName + JsonNameSuffix
	jsonContents, err := os.ReadFile(jsonFileName)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrapf(ErrCheckpointNotFound, "no checkpoint metadata in %q", jsonFileName)
		}
		return nil, errors.Wrapf(err, "failed to read checkpoint metadata %q", jsonFileName)
	}
	var serialized serializedData
	if err := json.Unmarshal(jsonContents, &serialized); err != nil {
		return nil, errors.Wrapf(ErrCorruptCheckpoint, "failed to decode %q: %v", jsonFileName, err)
	}
	if serialized.Epoch == nil {
		return nil, errors.Wrapf(ErrCorruptCheckpoint, "%q has no epoch", jsonFileName)
	}

	binFileName := baseName + BinDataSuffix
	binContents, err := os.ReadFile(binFileName)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrapf(ErrCorruptCheckpoint, "missing variable data file %q", binFileName)
		}
		return nil, errors.Wrapf(err, "failed to read checkpoint data %q", binFileName)
	}
	varReader, err := newVarReader(binContents)
	if err != nil {
		return nil, errors.WithMessagef(err, "checkpoint data %q", binFileName)
	}

	record := &Record{
		BaseName:       baseName,
		Epoch:          *serialized.Epoch,
		SavedAt:        serialized.SavedAt,
		Snapshot:       serialized.Snapshot,
		ModelState:     make(map[string]*tensors.Tensor),
		OptimizerState: make(map[string]*tensors.Tensor),
	}
	// Variables are stored in order.
	var memoryPos int
	for _, varInfo := range serialized.Variables {
		if varInfo.Pos != memoryPos {
			return nil, errors.Wrapf(ErrCorruptCheckpoint, "variable %s/%q position at %d is out-of-order, "+
				"expected it at %d", varInfo.Group, varInfo.Name, varInfo.Pos, memoryPos)
		}
		size, ok := memorySize(varInfo.DType, varInfo.Dimensions)
		if !ok || size != varInfo.Length {
			return nil, errors.Wrapf(ErrCorruptCheckpoint, "variable %s/%q is (%s)%v, which doesn't match "+
				"its length %d", varInfo.Group, varInfo.Name, varInfo.DType, varInfo.Dimensions, varInfo.Length)
		}
		if size > varReader.Len() {
			return nil, errors.Wrapf(ErrCorruptCheckpoint, "variable %s/%q needs %d bytes, only %d left in %q",
				varInfo.Group, varInfo.Name, size, varReader.Len(), binFileName)
		}
		tensor := tensors.FromShape(shapes.Make(varInfo.DType, varInfo.Dimensions...))
		if err := readTensor(varReader, tensor); err != nil {
			return nil, errors.Wrapf(ErrCorruptCheckpoint, "failed to read variable %s/%q from %q: %v",
				varInfo.Group, varInfo.Name, binFileName, err)
		}
		memoryPos += varInfo.Length
		switch varInfo.Group {
		case ModelGroup:
			record.ModelState[varInfo.Name] = tensor
		case OptimizerGroup:
			record.OptimizerState[varInfo.Name] = tensor
		default:
			return nil, errors.Wrapf(ErrCorruptCheckpoint, "variable %q has unknown group %q", varInfo.Name,
				varInfo.Group)
		}
	}
	if len(record.ModelState) == 0 {
		return nil, errors.Wrapf(ErrCorruptCheckpoint, "%q has no model variables", jsonFileName)
	}
	klog.V(1).Infof("loaded checkpoint %q (epoch %d)", baseName, record.Epoch)
	return record, nil
}

// memorySize returns the number of bytes of a tensor with the given dtype and dimensions. It returns false for
// unsupported dtypes, negative dimensions, or sizes that overflow an int.
func memorySize(dtype dtypes.DType, dimensions []int) (int, bool) {
	if !dtype.IsSupported() {
		return 0, false
	}
	size := int(dtype.Size())
	if size <= 0 {
		return 0, false
	}
	for _, dim := range dimensions {
		if dim < 0 || (dim > 0 && size > math.MaxInt/dim) {
			return 0, false
		}
		size *= dim
	}
	return size, true
}
