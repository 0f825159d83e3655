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
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/towers/pkg/core/tensors"
	"github.com/gomlx/towers/pkg/ml/context"
	"github.com/gomlx/towers/pkg/ml/train"
	"github.com/gomlx/towers/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	featuresName = "/cnn/features/conv_0/weights"
	logitsName   = "/cnn/logits/weights"
)

// buildModel creates the variables of a small model, with numClasses outputs.
func buildModel(ctx *context.Context, features *tensors.Tensor, numClasses int) {
	ctx.In("cnn").In("features").In("conv_0").VariableWithValue("weights", features)
	ctx.In("cnn").In("logits").VariableWithValue("weights", tensors.FromScalarAndDimensions(0.5, numClasses))
}

func value(t *testing.T, ctx *context.Context, name string) *tensors.Tensor {
	v := ctx.GetVariableByParameterName(name)
	require.NotNilf(t, v, "variable %q not found", name)
	return v.Value()
}

func TestCheckpointsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	features := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	{
		ctx := context.New()
		ctx.SetParam("learning_rate", 0.01)
		ctx.In("cnn").SetParam("channels", []int{16, 32})
		buildModel(ctx, features, 10)
		require.NoError(t, optimizers.SetGlobalStep(ctx, 42))
		checkpoint, err := Build(ctx).Dir(dir).Keep(3).WithRunID("run-1").Done()
		require.NoError(t, err)
		assert.Equal(t, 0, checkpoint.checkpointsCount)
		require.NoError(t, checkpoint.Save())
		latest, err := checkpoint.LatestCheckpoint()
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(latest, "-step-00000042"), "got %q", latest)
	}

	// Restore into a freshly initialized model.
	ctx := context.New()
	ctx.SetParam("learning_rate", 5.0) // Overwritten by the restore.
	buildModel(ctx, tensors.FromShape(features.Shape()), 10)
	optimizers.GetGlobalStepVar(ctx)
	checkpoint, err := Build(ctx).Dir(dir).Keep(3).Done()
	require.NoError(t, err)
	assert.Equal(t, 1, checkpoint.checkpointsCount)
	restored, err := checkpoint.RestoreLatest()
	require.NoError(t, err)
	require.NotEmpty(t, restored)

	assert.True(t, features.Equal(value(t, ctx, featuresName)))
	assert.True(t, tensors.FromScalarAndDimensions(0.5, 10).Equal(value(t, ctx, logitsName)))
	assert.Equal(t, int64(42), optimizers.GetGlobalStep(ctx))
	assert.Equal(t, 0.01, context.GetParamOr(ctx, "learning_rate", 0.0))
	assert.Equal(t, []int{16, 32}, context.GetParamOr(ctx.In("cnn"), "channels", []int(nil)))

	read, err := Read(checkpoint.Backend(), restored)
	require.NoError(t, err)
	assert.Equal(t, "run-1", read.RunID)
	assert.Equal(t, int64(42), read.GlobalStep)
	assert.Equal(t, "gzip", read.BinFormat)
	assert.Len(t, read.Variables, 3)
}

func TestCheckpointsKeep(t *testing.T) {
	ctx := context.New()
	buildModel(ctx, tensors.FromScalarAndDimensions(float32(1), 2), 3)
	backend := NewMemoryBackend()
	checkpoint, err := Build(ctx).Backend(backend).Keep(2).Done()
	require.NoError(t, err)
	for step := range int64(5) {
		require.NoError(t, checkpoint.Persist(10*step))
	}
	list, err := checkpoint.ListCheckpoints()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, strings.HasSuffix(list[0], "-step-00000030"), "got %q", list[0])
	assert.True(t, strings.HasSuffix(list[1], "-step-00000040"), "got %q", list[1])
	assert.Equal(t, 5, checkpoint.checkpointsCount)
	assert.Equal(t, 4, maxCheckPointCountFromCheckpoints(list))

	// Only the blobs of the kept checkpoints remain.
	names, err := backend.List()
	require.NoError(t, err)
	assert.Len(t, names, 4)

	// A new handler continues the sequence.
	checkpoint, err = Build(ctx).Backend(backend).Done()
	require.NoError(t, err)
	assert.Equal(t, 5, checkpoint.checkpointsCount)
}

func TestCheckpointsPartialRestore(t *testing.T) {
	dir := t.TempDir()
	features := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)
	{
		ctx := context.New()
		buildModel(ctx, features, 1000)
		ctx.In("cnn").In("features_extra").VariableWithValue("w", 3.0)
		require.NoError(t, optimizers.SetGlobalStep(ctx, 100))
		checkpoint, err := Build(ctx).Dir(dir).Done()
		require.NoError(t, err)
		require.NoError(t, checkpoint.Save())
	}

	// New model: same features, a new classification head with a different number of classes.
	ctx := context.New()
	buildModel(ctx, tensors.FromShape(features.Shape()), 10)
	ctx.In("cnn").In("features_extra").VariableWithValue("w", -1.0)
	require.NoError(t, optimizers.SetGlobalStep(ctx, 7))

	restored, err := RestorePretrained(ctx, dir, "/cnn/features")
	require.NoError(t, err)
	assert.Equal(t, []string{featuresName}, restored)
	assert.True(t, features.Equal(value(t, ctx, featuresName)))
	assert.True(t, tensors.FromScalarAndDimensions(0.5, 10).Equal(value(t, ctx, logitsName)))
	assert.Equal(t, -1.0, tensors.ToScalar[float64](value(t, ctx, "/cnn/features_extra/w")))
	assert.Equal(t, int64(7), optimizers.GetGlobalStep(ctx))

	// Restoring the whole "/cnn" scope fails on the head, and changes nothing.
	generation := ctx.Store().Generation()
	_, err = RestorePretrained(ctx, dir, "/cnn")
	var mismatch *train.CheckpointMismatchError
	require.True(t, errors.As(err, &mismatch), "got error %v", err)
	assert.Equal(t, []string{logitsName}, mismatch.Names)
	assert.Equal(t, train.KindCheckpointMismatch, train.FatalKind(err))
	assert.Equal(t, generation, ctx.Store().Generation())

	// A path to the checkpoint files works as well, and the root scope never restores the global step.
	ctx = context.New()
	buildModel(ctx, tensors.FromShape(features.Shape()), 1000)
	ctx.In("cnn").In("features_extra").VariableWithValue("w", -1.0)
	require.NoError(t, optimizers.SetGlobalStep(ctx, 7))
	checkpoint, err := Build(ctx).Dir(dir).Done()
	require.NoError(t, err)
	latest, err := checkpoint.LatestCheckpoint()
	require.NoError(t, err)
	restored, err = RestorePretrained(ctx, filepath.Join(dir, latest+JsonNameSuffix), "/")
	require.NoError(t, err)
	assert.Len(t, restored, 3)
	assert.Equal(t, 3.0, tensors.ToScalar[float64](value(t, ctx, "/cnn/features_extra/w")))
	assert.Equal(t, int64(7), optimizers.GetGlobalStep(ctx))
}

func TestCheckpointsMismatch(t *testing.T) {
	ctx := context.New()
	buildModel(ctx, tensors.FromScalarAndDimensions(float32(1), 2), 3)

	// Missing checkpoint.
	_, err := RestorePretrained(ctx, filepath.Join(t.TempDir(), "nowhere"), "/")
	assert.Equal(t, train.KindCheckpointMismatch, train.FatalKind(err))

	// Directory without checkpoints.
	_, err = RestorePretrained(ctx, t.TempDir(), "/")
	assert.Equal(t, train.KindCheckpointMismatch, train.FatalKind(err))

	backend := NewMemoryBackend()
	checkpoint, err := Build(ctx).Backend(backend).Done()
	require.NoError(t, err)
	name, err := checkpoint.RestoreLatest()
	require.NoError(t, err)
	assert.Empty(t, name)
	require.NoError(t, checkpoint.Persist(1))
	name, err = checkpoint.LatestCheckpoint()
	require.NoError(t, err)

	// The live model has a variable that is not in the checkpoint: full restore fails.
	ctx.In("new").VariableWithValue("bias", 0.0)
	err = checkpoint.RestoreFull(name)
	var mismatch *train.CheckpointMismatchError
	require.True(t, errors.As(err, &mismatch), "got error %v", err)
	assert.Equal(t, []string{"/new/bias"}, mismatch.Names)

	// Unknown checkpoint name.
	err = checkpoint.RestoreFull("checkpoint-n9999999-x")
	require.True(t, errors.As(err, &mismatch))
	assert.Contains(t, mismatch.Error(), "not found")
}

func TestCheckpointsStorageFormats(t *testing.T) {
	for _, bf := range []BinFormat{BinGZIP, BinUncompressed} {
		t.Run(bf.String(), func(t *testing.T) {
			ctx := context.New()
			original := tensors.FromFlatDataAndDimensions([]float32{0.5, -1.25, 1024, 0}, 4)
			ctx.VariableWithValue("x", original)
			ctx.VariableWithValue("count", int64(17))
			backend := NewMemoryBackend()
			checkpoint, err := Build(ctx).Backend(backend).WithCompression(bf).
				WithStorageDType(dtypes.Float16).Done()
			require.NoError(t, err)
			require.NoError(t, checkpoint.Persist(3))

			// Values representable in float16 are restored exactly, integers are not converted.
			require.NoError(t, ctx.GetVariableByParameterName("/x").SetValue(tensors.FromShape(original.Shape())))
			name, err := checkpoint.RestoreLatest()
			require.NoError(t, err)
			assert.True(t, original.Equal(value(t, ctx, "/x")))
			assert.Equal(t, int64(17), tensors.ToScalar[int64](value(t, ctx, "/count")))

			read, err := Read(backend, name)
			require.NoError(t, err)
			assert.Equal(t, bf.String(), read.BinFormat)
			for _, info := range read.Variables {
				if info.ParameterName == "/x" {
					assert.Equal(t, dtypes.Float16, info.StorageDType)
					assert.Equal(t, dtypes.Float32, info.DType)
				} else {
					assert.Equal(t, dtypes.InvalidDType, info.StorageDType)
				}
			}
		})
	}

	_, err := Build(context.New()).Backend(NewMemoryBackend()).WithStorageDType(dtypes.Int32).Done()
	require.Error(t, err)
}

func TestDecodeBin(t *testing.T) {
	raw := []byte("some raw values")
	compressed, err := encodeBin(raw, BinGZIP)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(compressed), binHeader))
	decoded, err := decodeBin(compressed)
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)

	decoded, err = decodeBin(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)

	unsupported := append([]byte(binHeader), 4, 'z', 's', 't', 'd')
	_, err = decodeBin(unsupported)
	require.ErrorIs(t, err, ErrUnsupportedCompression)
}

func TestDirBackend(t *testing.T) {
	backend, err := DirBackend(filepath.Join(t.TempDir(), "sub", "dir"))
	require.NoError(t, err)
	require.NoError(t, backend.Put("b", []byte("2")))
	require.NoError(t, backend.Put("a", []byte("1")))
	names, err := backend.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)
	data, err := backend.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), data)
	_, err = backend.Get("c")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, backend.Delete("a"))
	require.NoError(t, backend.Delete("a"))
	exists, err := backend.Exists("a")
	require.NoError(t, err)
	assert.False(t, exists)
}
