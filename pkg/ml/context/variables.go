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

package context

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/towers/pkg/core/shapes"
	"github.com/gomlx/towers/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Variable is a named tensor in a Context scope: a model weight, an optimizer slot, a moving average
// or the global step.
//
// The Variable holds only the metadata; its value lives in the Context's Store, under its ParameterName,
// so every replica view resolves the same value for a given generation.
type Variable struct {
	store       *Store
	name, scope string

	// Trainable indicates whether the variable is trainable.
	// If set to false, it won't be touched by the optimizers nor have moving averages.
	// Float variables are created trainable, integer ones (like the global step) are not.
	Trainable bool

	// shape of the variable, fixed at creation.
	shape shapes.Shape
}

// Name of the variable within the scope.
func (v *Variable) Name() string {
	if v == nil {
		return "<nil>"
	}
	return v.name
}

// String implements stringer.
func (v *Variable) String() string {
	if v == nil {
		return "INVALID (NIL) VARIABLE"
	}
	return fmt.Sprintf("%s%s", v.ParameterName(), v.shape)
}

// Scope where the variable was created.
func (v *Variable) Scope() string {
	return v.scope
}

// Shape of the variable.
func (v *Variable) Shape() shapes.Shape {
	return v.shape
}

// DType of the variable.
func (v *Variable) DType() dtypes.DType {
	return v.shape.DType
}

// ParameterName is the unique name of the variable: its scope joined with its name, e.g. "/cnn/logits/weights".
// It is the key of the variable in the Store and in checkpoints.
func (v *Variable) ParameterName() string {
	return JoinScope(v.scope, v.name)
}

// SetTrainable sets the variable trainable status. Returns itself, so calls can be cascaded.
func (v *Variable) SetTrainable(trainable bool) *Variable {
	v.Trainable = trainable
	return v
}

// Value returns the variable value at the latest published generation of the store.
//
// Replicas should read values through their pinned View instead.
func (v *Variable) Value() *tensors.Tensor {
	value, _ := v.store.Pin().Get(v.ParameterName())
	return value
}

// SetValue publishes a new value for the variable, as a new generation of the store.
// The shape must match the variable's shape.
//
// During training, the update engine is the only writer: it sets all updated variables in a single Store.Update.
func (v *Variable) SetValue(value *tensors.Tensor) error {
	_, err := v.store.Update(func(tx *Tx) error {
		return tx.Set(v.ParameterName(), value)
	})
	return err
}

// MustSetValue is like SetValue, but panics on error.
func (v *Variable) MustSetValue(value *tensors.Tensor) {
	if err := v.SetValue(value); err != nil {
		panic(errors.WithMessagef(err, "Variable(%q).MustSetValue", v.ParameterName()))
	}
}
