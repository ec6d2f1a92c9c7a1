// Package ndarray holds the numeric array value shared by the metadata store,
// the video-stream detector and the stack file format.
//
// Arrays are C-ordered little-endian buffers tagged with a numpy type string,
// so they can round-trip through msgpack-numpy files written by the Python
// profile as well as RFC 8746 typed-array CBOR.
package ndarray

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

type DType string

const (
	Uint8   DType = "|u1"
	Int8    DType = "|i1"
	Uint16  DType = "<u2"
	Int16   DType = "<i2"
	Uint32  DType = "<u4"
	Int32   DType = "<i4"
	Uint64  DType = "<u8"
	Int64   DType = "<i8"
	Float32 DType = "<f4"
	Float64 DType = "<f8"
)

var (
	ErrUnsupportedDType = errors.New("unsupported dtype")
	ErrShape            = errors.New("shape does not match data length")
)

var itemSizes = map[DType]int{
	Uint8: 1, Int8: 1,
	Uint16: 2, Int16: 2,
	Uint32: 4, Int32: 4, Float32: 4,
	Uint64: 8, Int64: 8, Float64: 8,
}

// ItemSize returns the element size in bytes, or 0 for unknown dtypes.
func (d DType) ItemSize() int {
	return itemSizes[d]
}

func (d DType) Valid() bool {
	return itemSizes[d] > 0
}

type Array struct {
	DType DType
	Shape []int
	Data  []byte
}

// New validates dtype and shape against the raw buffer.
func New(dtype DType, shape []int, data []byte) (Array, error) {
	if !dtype.Valid() {
		return Array{}, fmt.Errorf("%w %q", ErrUnsupportedDType, dtype)
	}
	n := elements(shape)
	if n*dtype.ItemSize() != len(data) {
		return Array{}, fmt.Errorf("%w: shape %v dtype %s has %d bytes", ErrShape, shape, dtype, len(data))
	}
	return Array{DType: dtype, Shape: append([]int(nil), shape...), Data: data}, nil
}

func elements(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

// Len is the number of elements.
func (a Array) Len() int {
	return elements(a.Shape)
}

func (a Array) Ndim() int {
	return len(a.Shape)
}

func (a Array) Equal(b Array) bool {
	if a.DType != b.DType || len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return bytes.Equal(a.Data, b.Data)
}

func (a Array) String() string {
	return fmt.Sprintf("ndarray(%s, shape=%v)", a.DType, a.Shape)
}

func FromFloat64(shape []int, values []float64) (Array, error) {
	data := make([]byte, len(values)*8)
	for i, v := range values {
		binary.LittleEndian.PutUint64(data[i*8:], math.Float64bits(v))
	}
	return New(Float64, shape, data)
}

func FromFloat32(shape []int, values []float32) (Array, error) {
	data := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return New(Float32, shape, data)
}

func FromUint8(shape []int, values []uint8) (Array, error) {
	return New(Uint8, shape, append([]byte(nil), values...))
}

func FromUint16(shape []int, values []uint16) (Array, error) {
	data := make([]byte, len(values)*2)
	for i, v := range values {
		binary.LittleEndian.PutUint16(data[i*2:], v)
	}
	return New(Uint16, shape, data)
}

func FromUint32(shape []int, values []uint32) (Array, error) {
	data := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], v)
	}
	return New(Uint32, shape, data)
}

func FromInt64(shape []int, values []int64) (Array, error) {
	data := make([]byte, len(values)*8)
	for i, v := range values {
		binary.LittleEndian.PutUint64(data[i*8:], uint64(v))
	}
	return New(Int64, shape, data)
}

// Float64s widens every element to float64.
func (a Array) Float64s() ([]float64, error) {
	size := a.DType.ItemSize()
	if size == 0 {
		return nil, fmt.Errorf("%w %q", ErrUnsupportedDType, a.DType)
	}
	out := make([]float64, len(a.Data)/size)
	for i := range out {
		b := a.Data[i*size : (i+1)*size]
		switch a.DType {
		case Uint8:
			out[i] = float64(b[0])
		case Int8:
			out[i] = float64(int8(b[0]))
		case Uint16:
			out[i] = float64(binary.LittleEndian.Uint16(b))
		case Int16:
			out[i] = float64(int16(binary.LittleEndian.Uint16(b)))
		case Uint32:
			out[i] = float64(binary.LittleEndian.Uint32(b))
		case Int32:
			out[i] = float64(int32(binary.LittleEndian.Uint32(b)))
		case Uint64:
			out[i] = float64(binary.LittleEndian.Uint64(b))
		case Int64:
			out[i] = float64(int64(binary.LittleEndian.Uint64(b)))
		case Float32:
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		case Float64:
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b))
		}
	}
	return out, nil
}

// Mean of all elements; NaN for an empty array.
func (a Array) Mean() (float64, error) {
	values, err := a.Float64s()
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return math.NaN(), nil
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values)), nil
}
