// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"testing"

	"github.com/gomlx/towers/pkg/core/tensors"
	"github.com/gomlx/towers/pkg/ml/context"
	"github.com/gomlx/towers/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	model := &linearModel{numClasses: 3}
	ctx := context.New()
	require.NoError(t, model.Build(ctx))
	ds := newValuesDataset(4, 1, 3)

	result, err := Evaluate(model, ctx.Store().Pin(), ds, 1)
	require.NoError(t, err)
	assert.Equal(t, 8, result.Examples)
	assert.Equal(t, 2, result.Batches)
	assert.InDelta(t, 2.0, result.Loss, 1e-12)
	// All logits tie, so the label is always within the top-1.
	assert.InDelta(t, 1.0, result.TopK, 1e-12)
	assert.Equal(t, 1, ds.Resets())

	// Evaluate with the moving average of "/w".
	require.NoError(t, optimizers.MovingAverage(0.9).Done().Build(ctx, ctx.TrainableVariables()))
	require.NoError(t, ctx.GetVariableByParameterName("/w/moving_average").SetValue(tensors.FromScalar(3.0)))
	result, err = Evaluate(model, optimizers.ShadowReader{Base: ctx.Store().Pin()}, ds, 1)
	require.NoError(t, err)
	assert.InDelta(t, 6.0, result.Loss, 1e-12)

	_, err = Evaluate(model, ctx.Store().Pin(), newValuesDataset(4), 1)
	require.Error(t, err, "empty dataset")
}
