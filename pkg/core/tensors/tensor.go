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

// Package tensors implement a `Tensor`, a host (CPU) representation of a multidimensional array.
//
// Tensors are multidimensional arrays (from scalar with 0 dimensions, to arbitrarily large dimensions), defined
// by their shape (a data type and its axes' dimensions) and their actual content, stored as a flat Go slice
// of the underlying DType.
//
// There are various ways to construct a Tensor:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//
//   - FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int): creates a Tensor with the
//     given dimensions, filled with the scalar value given.
//
//   - FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int): creates a Tensor with the
//     given dimensions and set the flattened values with the given data. Example:
//
//     t := FromFlatDataAndDimensions([]float64{1, 2, 3, 4}, 2, 2}) // Tensor with [[1,2], [3,4]]
//
// Tensors shared among replicas (variable values) are treated as immutable once published: writers
// create new tensors (see Tensor.Clone) instead of mutating a published one in place.
package tensors

import (
	"fmt"
	"math"
	"reflect"
	"strings"
	"sync"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/towers/pkg/core/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Tensor represents a multidimensional array, defined by its shape, a data type (dtypes.DType) and its axes'
// dimensions, and the actual content stored as a flat (1D) slice of values.
//
// Access to the data goes through ConstFlatData and MutableFlatData, which lock the tensor while the
// access function runs.
type Tensor struct {
	mu    sync.RWMutex
	shape shapes.Shape
	flat  any
}

// FromShape returns a Tensor with the given shape, with the data initialized with zeros.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape(%s): invalid shape", shape)
	}
	goType := shape.DType.GoType()
	if goType == nil {
		exceptions.Panicf("tensors.FromShape(%s): dtype not supported", shape)
	}
	flat := reflect.MakeSlice(reflect.SliceOf(goType), shape.Size(), shape.Size()).Interface()
	return &Tensor{shape: shape.Clone(), flat: flat}
}

// Zeros is an alias to FromShape.
func Zeros(shape shapes.Shape) *Tensor { return FromShape(shape) }

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor's shape.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used by the tensor's data.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// IsScalar returns whether the tensor represents a scalar value.
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// ConstFlatData calls accessFn with the flattened data as a slice of the Go type corresponding to the DType type.
// Even scalar values have a flattened data representation of one element.
// It read-locks the Tensor until accessFn returns, so multiple readers can access it concurrently.
//
// The data should not be changed. See MutableFlatData for that.
func (t *Tensor) ConstFlatData(accessFn func(flat any)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	accessFn(t.flat)
}

// MutableFlatData calls accessFn with the flattened data as a slice of the Go type corresponding to the DType type.
// It locks the Tensor until accessFn returns.
func (t *Tensor) MutableFlatData(accessFn func(flat any)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	accessFn(t.flat)
}

// ConstFlatData is the generics version of Tensor.ConstFlatData.
//
// It returns an error if T doesn't match the tensor's DType.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) error {
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		return errors.Errorf("ConstFlatData[%T] is incompatible with Tensor's dtype %s -- expected dtype %s",
			v, t.shape.DType, dtypes.FromGenericsType[T]())
	}
	t.ConstFlatData(func(anyFlat any) { accessFn(anyFlat.([]T)) })
	return nil
}

// MustConstFlatData is like ConstFlatData, but panics on an error.
func MustConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if err := ConstFlatData(t, accessFn); err != nil {
		panic(err)
	}
}

// MutableFlatData is the generics version of Tensor.MutableFlatData.
//
// It returns an error if T doesn't match the tensor's DType.
func MutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) error {
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		return errors.Errorf("MutableFlatData[%T] is incompatible with Tensor's dtype %s -- expected dtype %s",
			v, t.shape.DType, dtypes.FromGenericsType[T]())
	}
	t.MutableFlatData(func(anyFlat any) { accessFn(anyFlat.([]T)) })
	return nil
}

// MustMutableFlatData is like MutableFlatData, but panics on an error.
func MustMutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if err := MutableFlatData(t, accessFn); err != nil {
		panic(err)
	}
}

// CopyFlatData returns a copy of the flat data of the Tensor.
//
// It panics if T doesn't match the tensor's DType.
func CopyFlatData[T dtypes.Supported](t *Tensor) []T {
	var flatCopy []T
	MustConstFlatData(t, func(flat []T) {
		flatCopy = make([]T, len(flat))
		copy(flatCopy, flat)
	})
	return flatCopy
}

// ToScalar returns the scalar value of the Tensor.
//
// It panics if the tensor is not a scalar or if T doesn't match the DType.
func ToScalar[T dtypes.Supported](t *Tensor) T {
	if !t.IsScalar() {
		exceptions.Panicf("tensors.ToScalar[%s] called on a non-scalar tensor %s", dtypes.FromGenericsType[T](), t.shape)
	}
	var value T
	MustConstFlatData(t, func(flat []T) { value = flat[0] })
	return value
}

// Value returns the scalar value (as any) for scalar tensors, or a copy of the flat data for the others.
func (t *Tensor) Value() any {
	var value any
	t.ConstFlatData(func(flat any) {
		flatV := reflect.ValueOf(flat)
		if t.shape.IsScalar() {
			value = flatV.Index(0).Interface()
			return
		}
		cp := reflect.MakeSlice(flatV.Type(), flatV.Len(), flatV.Len())
		reflect.Copy(cp, flatV)
		value = cp.Interface()
	})
	return value
}

// FromScalar creates a scalar tensor with the given value.
// The `DType` is inferred from the value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return FromScalarAndDimensions(value)
}

// FromScalarAndDimensions creates a tensor with the given dimensions, filled with the
// given scalar value replicated everywhere.
func FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int) *Tensor {
	t := FromShape(shapes.Make(dtypes.FromGenericsType[T](), dimensions...))
	MustMutableFlatData(t, func(flat []T) {
		for ii := range flat {
			flat[ii] = value
		}
	})
	return t
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with the flattened values given in `data`.
// The data is copied to the Tensor.
//
// It panics if the size of data is wrong for the shape.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	t := FromShape(shape)
	MustMutableFlatData(t, func(flat []T) { copy(flat, data) })
	return t
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	t2 := FromShape(t.shape)
	t.ConstFlatData(func(flat any) {
		reflect.Copy(reflect.ValueOf(t2.flat), reflect.ValueOf(flat))
	})
	return t2
}

// Float64s returns a copy of the tensor's data converted to float64.
// It works for any of the float and integer dtypes supported by host tensors.
func (t *Tensor) Float64s() []float64 {
	out := make([]float64, t.Size())
	t.ConstFlatData(func(flat any) {
		switch f := flat.(type) {
		case []float64:
			copy(out, f)
		case []float32:
			for ii, v := range f {
				out[ii] = float64(v)
			}
		case []float16.Float16:
			for ii, v := range f {
				out[ii] = float64(v.Float32())
			}
		default:
			flatV := reflect.ValueOf(flat)
			for ii := range flatV.Len() {
				out[ii] = flatV.Index(ii).Convert(float64Type).Float()
			}
		}
	})
	return out
}

var float64Type = reflect.TypeOf(float64(0))

// FromFloat64s creates a tensor of the given dtype and dimensions, converting the values from float64.
func FromFloat64s(dtype dtypes.DType, data []float64, dimensions ...int) *Tensor {
	t := FromShape(shapes.Make(dtype, dimensions...))
	if len(data) != t.Size() {
		exceptions.Panicf("FromFloat64s(%s): data size is %d, but dimensions size is %d",
			t.shape, len(data), t.Size())
	}
	t.MutableFlatData(func(flat any) {
		switch f := flat.(type) {
		case []float64:
			copy(f, data)
		case []float32:
			for ii, v := range data {
				f[ii] = float32(v)
			}
		case []float16.Float16:
			for ii, v := range data {
				f[ii] = float16.Fromfloat32(float32(v))
			}
		default:
			flatV := reflect.ValueOf(flat)
			elemType := flatV.Type().Elem()
			for ii, v := range data {
				flatV.Index(ii).Set(reflect.ValueOf(math.Round(v)).Convert(elemType))
			}
		}
	})
	return t
}

// ConvertDType returns a new tensor with the values converted to the given dtype.
// If the dtype is the same, it returns a clone.
func (t *Tensor) ConvertDType(dtype dtypes.DType) *Tensor {
	if dtype == t.DType() {
		return t.Clone()
	}
	return FromFloat64s(dtype, t.Float64s(), t.shape.Dimensions...)
}

// Bytes returns a copy of the raw bytes of the tensor's data, in the machine's native byte order.
func (t *Tensor) Bytes() []byte {
	var data []byte
	t.ConstFlatData(func(flat any) {
		data = make([]byte, t.Memory())
		copy(data, rawBytes(flat))
	})
	return data
}

// FromBytes creates a tensor of the given shape from its raw bytes (as returned by Tensor.Bytes).
func FromBytes(shape shapes.Shape, data []byte) (*Tensor, error) {
	if uintptr(len(data)) != shape.Memory() {
		return nil, errors.Errorf("tensors.FromBytes(%s): got %d bytes, wanted %d", shape, len(data), shape.Memory())
	}
	t := FromShape(shape)
	t.MutableFlatData(func(flat any) {
		copy(rawBytes(flat), data)
	})
	return t, nil
}

// rawBytes returns the bytes backing a flat slice, without copying.
func rawBytes(flat any) []byte {
	flatV := reflect.ValueOf(flat)
	if flatV.Len() == 0 {
		return nil
	}
	size := uintptr(flatV.Len()) * flatV.Type().Elem().Size()
	return unsafe.Slice((*byte)(flatV.UnsafePointer()), size)
}

// Equal checks weather t == otherTensor.
// If they are the same pointer, they are considered equal.
// If the shapes are different, it returns false.
func (t *Tensor) Equal(otherTensor *Tensor) bool {
	if t == otherTensor {
		return true
	}
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	equal := true
	t.ConstFlatData(func(flat0 any) {
		otherTensor.ConstFlatData(func(flat1 any) {
			equal = reflect.DeepEqual(flat0, flat1)
		})
	})
	return equal
}

// InDelta checks weather Abs(t - otherTensor) <= delta for every element.
// If the shapes are different, it returns false.
func (t *Tensor) InDelta(otherTensor *Tensor, delta float64) bool {
	if t == otherTensor {
		return true
	}
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	values0, values1 := t.Float64s(), otherTensor.Float64s()
	for ii, v0 := range values0 {
		if math.Abs(v0-values1[ii]) > delta {
			return false
		}
	}
	return true
}

// maxStringElements is the maximum number of elements printed by Tensor.String.
const maxStringElements = 16

// String converts to string, printing at most the first few values.
func (t *Tensor) String() string {
	var sb strings.Builder
	sb.WriteString(t.shape.String())
	t.ConstFlatData(func(flat any) {
		flatV := reflect.ValueOf(flat)
		n := min(flatV.Len(), maxStringElements)
		parts := make([]string, 0, n+1)
		for ii := range n {
			parts = append(parts, fmt.Sprintf("%v", flatV.Index(ii).Interface()))
		}
		if flatV.Len() > n {
			parts = append(parts, "...")
		}
		sb.WriteString(": [")
		sb.WriteString(strings.Join(parts, " "))
		sb.WriteString("]")
	})
	return sb.String()
}
