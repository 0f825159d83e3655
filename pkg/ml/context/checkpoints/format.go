// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"bytes"
	"compress/gzip"
	"io"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/towers/pkg/core/shapes"
	"github.com/gomlx/towers/pkg/core/tensors"
	"github.com/pkg/errors"
)

// ErrUnsupportedCompression signifies an error when a compression type is not supported.
var ErrUnsupportedCompression = errors.New("unsupported compression")

// BinFormat defines the type for representing binary blob compression formats.
type BinFormat int

const (
	// BinGZIP represents the GZIP compressed binary format.
	BinGZIP BinFormat = iota

	// BinUncompressed represents the uncompressed binary format.
	BinUncompressed
)

// String implements the Stringer interface.
func (bf BinFormat) String() string {
	switch bf {
	case BinGZIP:
		return "gzip"
	case BinUncompressed:
		return "uncompressed"
	default:
		return "unknown"
	}
}

// serializedData is the checkpoint metadata, stored as JSON.
type serializedData struct {
	// GlobalStep the checkpoint is tagged with.
	GlobalStep int64

	// RunID of the training run that wrote the checkpoint.
	RunID string `json:",omitempty"`

	// Time the checkpoint was written.
	Time time.Time

	Params []serializedParam

	// Variables in the order they are stored in the binary blob.
	Variables []serializedVar

	// BinFormat describes the format used by the binary blob. It is informative.
	BinFormat string
}

// serializedVar contains information about the variable that was serialized.
type serializedVar struct {
	// ParameterName is a Variable unique id.
	ParameterName string

	// Dimensions of the shape.
	Dimensions []int

	// DType of the variable.
	DType dtypes.DType

	// StorageDType is the dtype of the stored values, if different from DType (e.g. Float16 for Float32 variables).
	StorageDType dtypes.DType `json:",omitempty"`

	Trainable bool `json:",omitempty"`

	// Pos, Length in bytes in the (uncompressed) binary blob.
	Pos, Length int
}

// Shape of the variable.
func (v *serializedVar) Shape() shapes.Shape {
	return shapes.Make(v.DType, v.Dimensions...)
}

// serializedParam represents a serialized context parameter.
// It includes the original ValueType, because Json decoder may
// not be capable of recovering the original type in anonymous (any) Value.
type serializedParam struct {
	Scope, Key string
	Value      any
	ValueType  string
}

// jsonDecodeTypeConvert attempts to convert the Value decoded by Json into
// the original ValueType.
//
// E.g.: Json decoder will decode all numbers to float64. So we cast it to the
// given ValueType.
func (p *serializedParam) jsonDecodeTypeConvert() {
	switch value := p.Value.(type) {
	case float64:
		switch p.ValueType {
		case "int":
			p.Value = int(value)
		case "int32":
			p.Value = int32(value)
		case "int64":
			p.Value = int64(value)
		case "float32":
			p.Value = float32(value)
		}

	case []any:
		switch p.ValueType {
		case "[]int":
			p.Value = convertSlice(value, func(f float64) int { return int(f) })
		case "[]float64":
			p.Value = convertSlice(value, func(f float64) float64 { return f })
		case "[]string":
			strs := make([]string, len(value))
			for ii, sAny := range value {
				strs[ii], _ = sAny.(string)
			}
			p.Value = strs
		}
	}
}

// convertSlice converts a JSON decoded slice of numbers.
func convertSlice[T any](values []any, fn func(float64) T) []T {
	out := make([]T, len(values))
	for ii, vAny := range values {
		f, _ := vAny.(float64) // Json decoder converts any numbers to float64.
		out[ii] = fn(f)
	}
	return out
}

// storageDTypeFor returns the dtype used to store a variable of the given dtype, when the handler is configured
// with the given storage dtype: only float variables are converted.
func storageDTypeFor(dtype, storage dtypes.DType) dtypes.DType {
	if storage == dtypes.InvalidDType || !dtype.IsFloat() || storage == dtype {
		return dtypes.InvalidDType
	}
	return storage
}

// encodeValue returns the raw bytes stored for the value.
func encodeValue(value *tensors.Tensor, storage dtypes.DType) []byte {
	if storage == dtypes.InvalidDType {
		return value.Bytes()
	}
	return value.ConvertDType(storage).Bytes()
}

// decodeValue recovers the value of a variable from its stored bytes.
func decodeValue(v *serializedVar, data []byte) (*tensors.Tensor, error) {
	if v.StorageDType == dtypes.InvalidDType {
		return tensors.FromBytes(v.Shape(), data)
	}
	stored, err := tensors.FromBytes(shapes.Make(v.StorageDType, v.Dimensions...), data)
	if err != nil {
		return nil, err
	}
	return stored.ConvertDType(v.DType), nil
}

const (
	binHeader     = "towers_checkpoint"
	lenBinHeader  = len(binHeader)
	gzipHeader    = "gzip"
	lenGzipHeader = uint8(len(gzipHeader))
)

// Format header of compressed binary blobs:
//
// -----------------------------------------------
// | 0                 16 | 17  | 18    17 + len |
// -----------------------------------------------
// |  "towers_checkpoint" | len |  "gzip"        |
//
// Uncompressed blobs have no header.

// encodeBin returns the binary blob for the raw data.
func encodeBin(raw []byte, bf BinFormat) ([]byte, error) {
	if bf == BinUncompressed {
		return raw, nil
	}
	var buf bytes.Buffer
	buf.WriteString(binHeader)
	buf.WriteByte(lenGzipHeader)
	buf.WriteString(gzipHeader)
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, errors.Wrap(err, "gzip")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "gzip")
	}
	return buf.Bytes(), nil
}

// decodeBin returns the raw data from a binary blob, compressed or not.
func decodeBin(blob []byte) ([]byte, error) {
	if len(blob) < lenBinHeader+1 || string(blob[:lenBinHeader]) != binHeader {
		return blob, nil
	}
	lenFormat := int(blob[lenBinHeader])
	start := lenBinHeader + 1
	if len(blob) < start+lenFormat {
		return nil, errors.Errorf("truncated checkpoint header")
	}
	if string(blob[start:start+lenFormat]) != gzipHeader {
		return nil, errors.Wrapf(ErrUnsupportedCompression, "format %q", blob[start:start+lenFormat])
	}
	zr, err := gzip.NewReader(bytes.NewReader(blob[start+lenFormat:]))
	if err != nil {
		return nil, errors.Wrap(err, "read gzip header")
	}
	defer func() { _ = zr.Close() }()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, errors.Wrap(err, "read gzip")
	}
	return raw, nil
}
