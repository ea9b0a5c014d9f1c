package fed

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DType identifies the element type of a tensor buffer.
type DType int

const (
	Float32 DType = iota
	Float64
	Int32
	Int64
	Uint8
)

var dtypeNames = map[DType]string{
	Float32: "float32",
	Float64: "float64",
	Int32:   "int32",
	Int64:   "int64",
	Uint8:   "uint8",
}

var dtypeSizes = map[DType]int64{
	Float32: 4,
	Float64: 8,
	Int32:   4,
	Int64:   8,
	Uint8:   1,
}

func (d DType) String() string {
	if name, ok := dtypeNames[d]; ok {
		return name
	}

	return fmt.Sprintf("DType(%d)", int(d))
}

// Size returns the number of bytes of one element.
func (d DType) Size() int64 {
	size, ok := dtypeSizes[d]
	if !ok {
		return 0
	}

	return size
}

// A Tensor is a named, typed, shaped numeric buffer. Elements are stored
// little-endian in Data. An empty shape denotes a scalar.
type Tensor struct {
	Name  string
	DType DType
	Shape []int64
	Data  []byte
}

// NewTensor wraps a raw buffer into a tensor. It panics if the buffer does
// not match the shape, as mismatched construction is a programming error.
func NewTensor(name string, dtype DType, shape []int64, data []byte) Tensor {
	t := Tensor{Name: name, DType: dtype, Shape: shape, Data: data}
	if err := t.Validate(); err != nil {
		panic("tensor " + name + " is not valid: " + err.Error())
	}

	return t
}

// NewFloat32Tensor encodes a float32 slice into a 1-D tensor.
func NewFloat32Tensor(name string, values []float32) Tensor {
	return Tensor{
		Name:  name,
		DType: Float32,
		Shape: []int64{int64(len(values))},
		Data:  PackFloat32s(values),
	}
}

// PackFloat32s encodes values little-endian, ready to serve as a Float32
// tensor buffer.
func PackFloat32s(values []float32) []byte {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}

	return data
}

// NewInt64Tensor encodes an int64 slice into a 1-D tensor.
func NewInt64Tensor(name string, values []int64) Tensor {
	data := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(data[8*i:], uint64(v))
	}

	return Tensor{
		Name:  name,
		DType: Int64,
		Shape: []int64{int64(len(values))},
		Data:  data,
	}
}

// NumElem returns the number of elements the shape describes.
func (t Tensor) NumElem() int64 {
	n := int64(1)
	for _, dim := range t.Shape {
		n *= dim
	}

	return n
}

// Validate checks that the shape is sane and that the buffer length matches
// the shape and element type.
func (t Tensor) Validate() error {
	if t.DType.Size() == 0 {
		return fmt.Errorf("tensor %s: unknown dtype %s", t.Name, t.DType)
	}

	for _, dim := range t.Shape {
		if dim < 0 {
			return fmt.Errorf("tensor %s: negative dimension %d", t.Name, dim)
		}
	}

	want := t.NumElem() * t.DType.Size()
	if int64(len(t.Data)) != want {
		return fmt.Errorf("tensor %s: buffer holds %d bytes, shape needs %d",
			t.Name, len(t.Data), want)
	}

	return nil
}

// Float32s decodes the buffer as float32 elements.
func (t Tensor) Float32s() ([]float32, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("tensor %s holds %s, not float32",
			t.Name, t.DType)
	}

	values := make([]float32, len(t.Data)/4)
	for i := range values {
		bits := binary.LittleEndian.Uint32(t.Data[4*i:])
		values[i] = math.Float32frombits(bits)
	}

	return values, nil
}

// Int64s decodes the buffer as int64 elements.
func (t Tensor) Int64s() ([]int64, error) {
	if t.DType != Int64 {
		return nil, fmt.Errorf("tensor %s holds %s, not int64",
			t.Name, t.DType)
	}

	values := make([]int64, len(t.Data)/8)
	for i := range values {
		values[i] = int64(binary.LittleEndian.Uint64(t.Data[8*i:]))
	}

	return values, nil
}
