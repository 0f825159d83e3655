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

// Package checkpoints implements checkpoint management: saving the full training state of a context
// (parameters, moving averages, optimizer slots, global step and hyperparameters) and restoring it, either
// fully (to resume a run) or partially (only the variables under a scope, e.g. to fine-tune from a
// pretrained feature extractor).
//
// The main object is the Handler, that should be created by calling Build, followed by the
// various options setting and finally calling Config.Done.
//
// Example: resume from the latest checkpoint in a directory, if any, and save every 1000 steps (the loop
// checkpoint cadence), keeping the last 5 checkpoints:
//
//	checkpoint, err := checkpoints.Build(ctx).Dir(*flagTrainDir).Keep(5).Done()
//	if err != nil { … }
//	if _, err = checkpoint.RestoreLatest(); err != nil { … }
//	…
//	checkpoint.AttachToLoop(loop)
//
// Checkpoints are written to a Backend (a directory by default), as a pair of blobs: "<base>.bin" with the
// values and "<base>.json" with the metadata.
package checkpoints

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/towers/pkg/core/tensors"
	"github.com/gomlx/towers/pkg/ml/context"
	"github.com/gomlx/towers/pkg/ml/train"
	"github.com/gomlx/towers/pkg/ml/train/optimizers"
	"github.com/gomlx/towers/pkg/support/fsutil"
	"github.com/gomlx/towers/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config for the checkpoints' Handler to be created. This is created with Build() and
// configured with the various methods. Once finished, call Done() and it will output
// a checkpoints.Handler.
type Config struct {
	ctx *context.Context

	err error

	// One of the two is set.
	dir     string
	backend Backend

	keep int

	includeParams   bool             // whether to includeParams in loading/saving.
	paramsToExclude sets.Set[string] // specific parameter names to exclude from loading.
	varsToExclude   sets.Set[string] // parameter names of variables not saved.

	binFormat    BinFormat
	storageDType dtypes.DType
	runID        string
}

// Build a configuration for building a checkpoints.Handler. After configuring the
// Config object returned, call `Done` to get the configured checkpoints.Handler.
//
// Nothing is restored when the Handler is created: see Handler.RestoreLatest, Handler.RestoreFull and
// Handler.RestorePartial.
func Build(ctx *context.Context) *Config {
	return &Config{
		ctx:             ctx,
		includeParams:   true,
		keep:            1,
		paramsToExclude: sets.Make[string](),
		varsToExclude:   sets.Make[string](),
	}
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Dir sets the directory where to save / load the checkpoints. It is created if it doesn't exist.
//
// One must set either Dir, DirFromBase or Backend before building the checkpoints.Handler.
func (c *Config) Dir(dir string) *Config {
	backend, err := DirBackend(dir)
	if err != nil {
		c.setError(errors.WithMessagef(err, "checkpoints directory %q", dir))
		return c
	}
	c.dir = backend.(*dirBackend).dir
	c.backend = backend
	return c
}

// DirFromBase sets the directory where to save / load the checkpoints.
// If `dir` is not an absolute path, assumes it is a subdirectory of baseDir.
func (c *Config) DirFromBase(dir, baseDir string) *Config {
	dir = fsutil.MustReplaceTildeInDir(dir)
	if !path.IsAbs(dir) {
		baseDir = fsutil.MustReplaceTildeInDir(baseDir)
		dir = path.Join(baseDir, dir)
	}
	return c.Dir(dir)
}

// Backend sets a custom storage backend, e.g. NewMemoryBackend.
func (c *Config) Backend(backend Backend) *Config {
	c.backend = backend
	c.dir = ""
	return c
}

// Keep configures the number of checkpoints to keep. If set to -1, it will never erase older checkpoints.
// The default is 1.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// ExcludeAllParams configures Handler to exclude Context parameters (values usually
// read/written by Context.GetParam and context.SetParam) from being restored.
//
// See also ExcludeParams to exclude specific params from being read.
func (c *Config) ExcludeAllParams() *Config {
	c.includeParams = false
	return c
}

// ExcludeParams configures Handler to exclude certain Context parameters from being restored.
// It can be called multiple times; each call adds new parameters to be excluded.
//
// For values in paramsToExclude that don't include a preceding scope (separated by "/"), the exclusion applies to all scopes.
// Otherwise, it applies only to the specific scope. See context.JoinScope to merge scope and name.
func (c *Config) ExcludeParams(paramsToExclude ...string) *Config {
	c.paramsToExclude.Insert(paramsToExclude...)
	return c
}

// ExcludeVars enumerates variables, by parameter name, to be excluded from saving.
func (c *Config) ExcludeVars(parameterNames ...string) *Config {
	c.varsToExclude.Insert(parameterNames...)
	return c
}

// WithCompression sets the binary format to the provided value.  The default configuration is BinGZIP.
func (c *Config) WithCompression(bf BinFormat) *Config {
	c.binFormat = bf
	if bf != BinGZIP && bf != BinUncompressed {
		c.binFormat = BinGZIP
	}
	return c
}

// WithStorageDType stores float variables converted to the given dtype, e.g. dtypes.Float16 to halve the
// size of float32 checkpoints. They are converted back to their own dtype on restore.
//
// The default (dtypes.InvalidDType) stores the variables with their own dtype.
func (c *Config) WithStorageDType(dtype dtypes.DType) *Config {
	if dtype != dtypes.InvalidDType && !dtype.IsFloat() {
		c.setError(errors.Errorf("checkpoint storage dtype must be a float, got %s", dtype))
		return c
	}
	c.storageDType = dtype
	return c
}

// WithRunID sets the run identifier stored in the checkpoints metadata.
func (c *Config) WithRunID(runID string) *Config {
	c.runID = runID
	return c
}

// Done creates a Handler with the current configuration. It returns an error if
// the configuration is invalid or if it's missing information.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.backend == nil {
		return nil, errors.Errorf("directory or backend for checkpoints not configured")
	}
	h := &Handler{config: c, ctx: c.ctx, backend: c.backend}
	checkpoints, err := h.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	h.checkpointsCount = maxCheckPointCountFromCheckpoints(checkpoints) + 1
	return h, nil
}

// MustDone constructs the checkpoints.Handler. It panics if there was an error.
func (c *Config) MustDone() *Handler {
	h, err := c.Done()
	if err != nil {
		panic(errors.Wrap(err, "Failed to create checkpoints.Handler"))
	}
	return h
}

// Handler handles saving and restoring of checkpoints for a context.Context. See an example in the
// package documentation.
//
// It is created and configured using Build(), followed by options setting and then calling
// Config.Done().
//
// Saving of checkpoints is explicit, by calling Handler.Save (or Handler.Persist). Usually this is
// done by the training loop checkpoint cadence, see Handler.AttachToLoop. A checkpoint holds all
// variables of the context, from one single generation of the store, along with the Params for all scopes.
type Handler struct {
	config  *Config
	ctx     *context.Context
	backend Backend

	mu               sync.Mutex
	checkpointsCount int
}

// String implements Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", h.location())
}

func (h *Handler) location() string {
	if h.config.dir != "" {
		return h.config.dir
	}
	return fmt.Sprint(h.backend)
}

// Dir returns the directory the Handler is configured to, or "" if it uses a custom backend.
//
// It returns "" (empty) if the Handler is `nil`.
func (h *Handler) Dir() string {
	if h == nil {
		return ""
	}
	return h.config.dir
}

// Backend used to store the checkpoints.
func (h *Handler) Backend() Backend {
	return h.backend
}

const (
	baseNamePrefix = "checkpoint-"

	// JsonNameSuffix for the JSON blobs of the checkpoints returned by Handler.ListCheckpoints.
	JsonNameSuffix = ".json"

	// BinDataSuffix for the data blobs (holding the tensor values) of the checkpoints returned by
	// Handler.ListCheckpoints.
	BinDataSuffix = ".bin"
)

// newCheckpointBaseName returns the base name for the checkpoint blobs.
func (h *Handler) newCheckpointBaseName(globalStep int64, now time.Time) string {
	return fmt.Sprintf("%sn%07d-%s-step-%08d", baseNamePrefix, h.checkpointsCount,
		now.Format("20060102-150405"), globalStep)
}

// ListCheckpoints returns the base names of the checkpoints in the backend in the order they were
// written (older first).
//
// The actual blob names are these base names suffixed with JsonNameSuffix and BinDataSuffix.
func (h *Handler) ListCheckpoints() (checkpoints []string, err error) {
	return listCheckpoints(h.backend)
}

func listCheckpoints(backend Backend) (checkpoints []string, err error) {
	names, err := backend.List()
	if err != nil {
		return nil, errors.WithMessage(err, "listing checkpoints")
	}
	for _, name := range names {
		if !strings.HasPrefix(name, baseNamePrefix) || !strings.HasSuffix(name, JsonNameSuffix) {
			continue
		}
		checkpoints = append(checkpoints, strings.TrimSuffix(name, JsonNameSuffix))
	}
	// The zero-padded sequence number after the prefix gives the write order.
	slices.Sort(checkpoints)
	return checkpoints, nil
}

// LatestCheckpoint returns the base name of the most recent checkpoint, or "" if there are none.
func (h *Handler) LatestCheckpoint() (string, error) {
	list, err := h.ListCheckpoints()
	if err != nil || len(list) == 0 {
		return "", err
	}
	return list[len(list)-1], nil
}

// HasCheckpoints returns whether there are any checkpoints saved.
func (h *Handler) HasCheckpoints() (bool, error) {
	list, err := h.ListCheckpoints()
	return len(list) > 0, err
}

var checkpointCountRegex = regexp.MustCompile(`^checkpoint-n(\d+)-`)

// maxCheckPointCountFromCheckpoints returns the largest `checkpointCount` in the saved
// checkpoints -- so the next checkpoint saved uses this count+1.
//
// The input should be the output of Handler.ListCheckpoints.
func maxCheckPointCountFromCheckpoints(checkpoints []string) int {
	maxId := -1
	for _, name := range checkpoints {
		matches := checkpointCountRegex.FindAllStringSubmatch(name, 1)
		if len(matches) != 1 || len(matches[0]) != 2 {
			continue
		}
		id, err := strconv.Atoi(matches[0][1])
		if err != nil {
			continue
		}
		if id > maxId {
			maxId = id
		}
	}
	return maxId
}

// Save creates a new checkpoint tagged with the current global step. See Persist.
//
// If the handler is nil, this is a no-op: so it's safe to simply be called, even if the user hasn't configured a
// checkpoint.
//
// It implements train.Checkpointer.
func (h *Handler) Save() error {
	if h == nil {
		return nil
	}
	snapshot := h.ctx.Store().Pin()
	step, err := optimizers.ReadGlobalStep(snapshot)
	if err != nil {
		// A context without a global step is saved as step 0.
		step = 0
	}
	return h.persist(snapshot, step)
}

// Persist creates a new checkpoint tagged with the given step, with the values of all the context
// variables (parameters, moving averages, optimizer slots and the global step) of the latest published
// generation, and (optionally) the Params.
//
// Older checkpoints beyond the configured Keep are removed.
func (h *Handler) Persist(step int64) error {
	return h.persist(h.ctx.Store().Pin(), step)
}

func (h *Handler) persist(snapshot *context.Snapshot, step int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	serialized := &serializedData{
		GlobalStep: step,
		RunID:      h.config.runID,
		Time:       time.Now(),
		BinFormat:  h.config.binFormat.String(),
	}
	if h.config.includeParams {
		h.ctx.EnumerateParams(func(scope, name string, value any) {
			serialized.Params = append(serialized.Params,
				serializedParam{Scope: scope, Key: name, Value: value, ValueType: fmt.Sprintf("%T", value)})
		})
	}

	var raw bytes.Buffer
	for v := range h.ctx.IterVariables() {
		name := v.ParameterName()
		if h.config.varsToExclude.Has(name) {
			continue
		}
		value, found := snapshot.Get(name)
		if !found {
			return errors.Errorf("%s: variable %q has no value in generation %d", h, name, snapshot.Generation())
		}
		storage := storageDTypeFor(value.DType(), h.config.storageDType)
		data := encodeValue(value, storage)
		serialized.Variables = append(serialized.Variables, serializedVar{
			ParameterName: name,
			Dimensions:    value.Shape().Dimensions,
			DType:         value.DType(),
			StorageDType:  storage,
			Trainable:     v.Trainable,
			Pos:           raw.Len(),
			Length:        len(data),
		})
		raw.Write(data)
	}
	bin, err := encodeBin(raw.Bytes(), h.config.binFormat)
	if err != nil {
		return errors.WithMessagef(err, "%s: encoding checkpoint values", h)
	}
	metadata, err := json.MarshalIndent(serialized, "", "\t")
	if err != nil {
		return errors.Wrapf(err, "%s: encoding checkpoint metadata", h)
	}

	// The metadata is written last: a checkpoint is only listed once complete.
	baseName := h.newCheckpointBaseName(step, serialized.Time)
	h.checkpointsCount++
	if err = h.backend.Put(baseName+BinDataSuffix, bin); err != nil {
		return errors.WithMessagef(err, "%s: writing checkpoint values", h)
	}
	if err = h.backend.Put(baseName+JsonNameSuffix, metadata); err != nil {
		return errors.WithMessagef(err, "%s: writing checkpoint metadata", h)
	}
	klog.V(1).Infof("saved checkpoint %q: global step %d, %d variables, %d bytes", baseName, step,
		len(serialized.Variables), len(bin))
	return h.keepNCheckpoints()
}

// keepNCheckpoints checks if there are more than the configured number of checkpoints, and remove
// the excess.
func (h *Handler) keepNCheckpoints() error {
	if h.config.keep < 0 {
		return nil
	}
	list, err := h.ListCheckpoints()
	if err != nil {
		return errors.WithMessagef(err, "%s failed to list saved checkpoints", h)
	}
	if len(list) <= h.config.keep {
		return nil
	}

	// Remove the excess checkpoints, starting from the earlier ones: metadata first.
	list = list[:len(list)-h.config.keep]
	for _, baseName := range list {
		for _, name := range []string{baseName + JsonNameSuffix, baseName + BinDataSuffix} {
			if err = h.backend.Delete(name); err != nil {
				return errors.WithMessagef(err, "%s failed to remove excess checkpoint blob %q", h, name)
			}
		}
	}
	return nil
}

// AttachToLoop sets the handler as the loop's checkpointer: it is saved on the loop's checkpoint cadence,
// at the last step, and when a stop is requested.
func (h *Handler) AttachToLoop(loop *train.Loop) {
	loop.SetCheckpointer(h)
}

// OnStepFn implements `train.OnStepFn`, and makes it convenient to save at other cadences, e.g. with
// train.NTimesDuringLoop. It simply calls Save.
func (h *Handler) OnStepFn(_ *train.Loop, _ *train.StepResult) error {
	return h.Save()
}

// Checkpoint is a checkpoint read from a Backend.
type Checkpoint struct {
	// Name is the base name of the checkpoint.
	Name string

	GlobalStep int64
	RunID      string
	Time       time.Time
	BinFormat  string

	// Size in bytes of the stored values blob.
	Size int

	// Params saved with the checkpoint, keyed by scope and then by name.
	Params map[string]map[string]any

	// Variables in the order they were stored.
	Variables []VariableInfo

	// Values of the variables, keyed by parameter name.
	Values map[string]*tensors.Tensor
}

// VariableInfo describes a variable stored in a checkpoint.
type VariableInfo struct {
	ParameterName string
	DType         dtypes.DType

	// StorageDType is the dtype the values were stored with, if different from DType.
	StorageDType dtypes.DType
	Dimensions   []int
	Trainable    bool
}

// Read the checkpoint with the given base name from the backend.
func Read(backend Backend, baseName string) (*Checkpoint, error) {
	metadata, err := backend.Get(baseName + JsonNameSuffix)
	if err != nil {
		return nil, err
	}
	var serialized serializedData
	if err = json.Unmarshal(metadata, &serialized); err != nil {
		return nil, errors.Wrapf(err, "failed to decode metadata of checkpoint %q", baseName)
	}
	bin, err := backend.Get(baseName + BinDataSuffix)
	if err != nil {
		return nil, err
	}
	raw, err := decodeBin(bin)
	if err != nil {
		return nil, errors.WithMessagef(err, "checkpoint %q", baseName)
	}
	checkpoint := &Checkpoint{
		Name:       baseName,
		GlobalStep: serialized.GlobalStep,
		RunID:      serialized.RunID,
		Time:       serialized.Time,
		BinFormat:  serialized.BinFormat,
		Size:       len(bin),
		Params:     make(map[string]map[string]any),
		Values:     make(map[string]*tensors.Tensor, len(serialized.Variables)),
	}
	for _, p := range serialized.Params {
		p.jsonDecodeTypeConvert()
		if checkpoint.Params[p.Scope] == nil {
			checkpoint.Params[p.Scope] = make(map[string]any)
		}
		checkpoint.Params[p.Scope][p.Key] = p.Value
	}
	for ii := range serialized.Variables {
		v := &serialized.Variables[ii]
		if v.Pos < 0 || v.Pos+v.Length > len(raw) {
			return nil, errors.Errorf("checkpoint %q: variable %q at [%d, %d) is beyond the stored %d bytes",
				baseName, v.ParameterName, v.Pos, v.Pos+v.Length, len(raw))
		}
		value, err := decodeValue(v, raw[v.Pos:v.Pos+v.Length])
		if err != nil {
			return nil, errors.WithMessagef(err, "checkpoint %q: variable %q", baseName, v.ParameterName)
		}
		checkpoint.Values[v.ParameterName] = value
		checkpoint.Variables = append(checkpoint.Variables, VariableInfo{
			ParameterName: v.ParameterName,
			DType:         v.DType,
			StorageDType:  v.StorageDType,
			Dimensions:    v.Dimensions,
			Trainable:     v.Trainable,
		})
	}
	return checkpoint, nil
}

// mismatch returns a *train.CheckpointMismatchError for the checkpoint.
func (h *Handler) mismatch(baseName, reason string, names []string, cause error) error {
	slices.Sort(names)
	return &train.CheckpointMismatchError{
		Path:   path.Join(h.location(), baseName),
		Reason: reason,
		Names:  names,
		Cause:  cause,
	}
}

// read the checkpoint, converting any failure to a *train.CheckpointMismatchError.
func (h *Handler) read(baseName string) (*Checkpoint, error) {
	checkpoint, err := Read(h.backend, baseName)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, h.mismatch(baseName, "checkpoint not found", nil, err)
		}
		return nil, h.mismatch(baseName, "checkpoint cannot be read", nil, err)
	}
	return checkpoint, nil
}

// RestoreLatest restores the most recent checkpoint with RestoreFull. It returns the base name of the restored
// checkpoint, or "" if there are no checkpoints, in which case nothing is changed.
func (h *Handler) RestoreLatest() (string, error) {
	baseName, err := h.LatestCheckpoint()
	if err != nil || baseName == "" {
		return "", err
	}
	return baseName, h.RestoreFull(baseName)
}

// RestoreFull restores the full training state from the checkpoint, to resume a run: every variable in the
// checkpoint must exist in the context with the same shape, and every variable of the context must be in the
// checkpoint. The global step is restored with the rest of the variables, and the Params (if not excluded).
//
// All values are published in one store update: on failure nothing is changed, and a
// *train.CheckpointMismatchError is returned.
func (h *Handler) RestoreFull(baseName string) error {
	checkpoint, err := h.read(baseName)
	if err != nil {
		return err
	}
	var missingInCheckpoint []string
	for v := range h.ctx.IterVariables() {
		if h.config.varsToExclude.Has(v.ParameterName()) {
			continue
		}
		if _, found := checkpoint.Values[v.ParameterName()]; !found {
			missingInCheckpoint = append(missingInCheckpoint, v.ParameterName())
		}
	}
	if len(missingInCheckpoint) > 0 {
		return h.mismatch(baseName, "variables missing in checkpoint", missingInCheckpoint, nil)
	}
	names := make([]string, 0, len(checkpoint.Values))
	for _, info := range checkpoint.Variables {
		names = append(names, info.ParameterName)
	}
	if err = h.restoreValues(checkpoint, names); err != nil {
		return err
	}
	if h.config.includeParams {
		h.restoreParams(checkpoint)
	}
	klog.Infof("restored checkpoint %q: global step %d, %d variables", baseName, checkpoint.GlobalStep, len(names))
	return nil
}

// RestorePartial restores only the variables of the checkpoint within the given scope prefix (scope boundaries
// are respected, see context.InScope), leaving all other variables, and the global step, untouched. Params
// are not restored.
//
// Every variable of the checkpoint within the scope must exist in the context with the same shape, and at
// least one variable must be restored. On failure nothing is changed, and a *train.CheckpointMismatchError
// is returned.
//
// It returns the parameter names of the restored variables.
func (h *Handler) RestorePartial(baseName, scopePrefix string) ([]string, error) {
	checkpoint, err := h.read(baseName)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, info := range checkpoint.Variables {
		if info.ParameterName == optimizers.GlobalStepParameterName || !context.InScope(info.ParameterName, scopePrefix) {
			continue
		}
		names = append(names, info.ParameterName)
	}
	if len(names) == 0 {
		return nil, h.mismatch(baseName, fmt.Sprintf("no variables within scope %q", scopePrefix), nil, nil)
	}
	if err = h.restoreValues(checkpoint, names); err != nil {
		return nil, err
	}
	klog.Infof("restored %d variables within scope %q from checkpoint %q", len(names), scopePrefix, baseName)
	return names, nil
}

// restoreValues publishes the checkpoint values of the given variables in one store update, after checking
// they all exist in the context with the same shape.
func (h *Handler) restoreValues(checkpoint *Checkpoint, names []string) error {
	var missing, wrongShape []string
	for _, name := range names {
		v := h.ctx.GetVariableByParameterName(name)
		if v == nil {
			missing = append(missing, name)
			continue
		}
		if !v.Shape().Equal(checkpoint.Values[name].Shape()) {
			wrongShape = append(wrongShape, name)
		}
	}
	if len(missing) > 0 {
		return h.mismatch(checkpoint.Name, "checkpoint variables missing in the model", missing, nil)
	}
	if len(wrongShape) > 0 {
		return h.mismatch(checkpoint.Name, "checkpoint variables with a different shape", wrongShape, nil)
	}
	_, err := h.ctx.Store().Update(func(tx *context.Tx) error {
		for _, name := range names {
			if err := tx.Set(name, checkpoint.Values[name]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return h.mismatch(checkpoint.Name, "failed to set restored values", nil, err)
	}
	return nil
}

// restoreParams sets the context Params from the checkpoint, except the excluded ones.
func (h *Handler) restoreParams(checkpoint *Checkpoint) {
	for scope, params := range checkpoint.Params {
		for key, value := range params {
			// Check for un-scoped and scoped exclusions:
			if h.config.paramsToExclude.Has(key) || h.config.paramsToExclude.Has(context.JoinScope(scope, key)) {
				continue
			}
			h.ctx.InAbsPath(scope).SetParam(key, value)
		}
	}
}

// RestorePretrained restores the variables within scopePrefix from a pretrained checkpoint into ctx (see
// Handler.RestorePartial). The checkpointPath can be a directory, in which case its latest checkpoint is used,
// or the path to one checkpoint: its base path or any of its two files.
//
// It returns the parameter names of the restored variables. Failures are returned as
// *train.CheckpointMismatchError.
func RestorePretrained(ctx *context.Context, checkpointPath, scopePrefix string) ([]string, error) {
	checkpointPath, err := fsutil.ReplaceTildeInDir(checkpointPath)
	if err != nil {
		return nil, &train.CheckpointMismatchError{Path: checkpointPath, Reason: "invalid path", Cause: err}
	}
	dir, baseName := checkpointPath, ""
	isDir, err := isDirectory(checkpointPath)
	if err != nil {
		return nil, &train.CheckpointMismatchError{Path: checkpointPath, Reason: "checkpoint not found", Cause: err}
	}
	if !isDir {
		dir, baseName = filepath.Split(checkpointPath)
		baseName = strings.TrimSuffix(strings.TrimSuffix(baseName, JsonNameSuffix), BinDataSuffix)
	}
	h, err := Build(ctx).Dir(dir).Keep(-1).Done()
	if err != nil {
		return nil, &train.CheckpointMismatchError{Path: checkpointPath, Reason: "cannot open checkpoints", Cause: err}
	}
	if baseName == "" {
		baseName, err = h.LatestCheckpoint()
		if err != nil {
			return nil, &train.CheckpointMismatchError{Path: checkpointPath, Reason: "cannot list checkpoints", Cause: err}
		}
		if baseName == "" {
			return nil, &train.CheckpointMismatchError{Path: checkpointPath, Reason: "no checkpoints in directory"}
		}
	}
	return h.RestorePartial(baseName, scopePrefix)
}

// isDirectory returns whether the checkpoint path is a directory. A base path (without suffix) of an existing
// checkpoint is not a directory.
func isDirectory(checkpointPath string) (bool, error) {
	fi, err := os.Stat(checkpointPath)
	if err == nil {
		return fi.IsDir(), nil
	}
	if os.IsNotExist(err) {
		if exists, _ := fsutil.FileExists(checkpointPath + JsonNameSuffix); exists {
			return false, nil
		}
	}
	return false, errors.Wrapf(err, "checkpoint path %q", checkpointPath)
}
