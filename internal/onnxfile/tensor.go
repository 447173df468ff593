package onnxfile

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DataType is TensorProto.DataType.
type DataType int32

const (
	Undefined DataType = 0
	Float     DataType = 1
	Uint8     DataType = 2
	Int8      DataType = 3
	Int32     DataType = 6
	Int64     DataType = 7
	Float16   DataType = 10
	Double    DataType = 11
)

func (d DataType) String() string {
	switch d {
	case Float:
		return "float32"
	case Uint8:
		return "uint8"
	case Int8:
		return "int8"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Float16:
		return "float16"
	case Double:
		return "float64"
	}
	return fmt.Sprintf("type(%d)", int32(d))
}

// Tensor is an initializer. Tensors decoded from a file keep their encoded
// form and are written back unchanged.
type Tensor struct {
	Name     string
	Dims     []int64
	DataType DataType
	Raw      []byte
	Floats   []float32

	encoded []byte
	rest    []field
}

// NewFloatTensor builds a float32 tensor stored as raw little-endian data.
func NewFloatTensor(name string, dims []int64, values []float32) *Tensor {
	raw := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	return &Tensor{Name: name, Dims: dims, DataType: Float, Raw: raw}
}

func NewInt8Tensor(name string, dims []int64, values []int8) *Tensor {
	raw := make([]byte, len(values))
	for i, v := range values {
		raw[i] = byte(v)
	}
	return &Tensor{Name: name, Dims: dims, DataType: Int8, Raw: raw}
}

// Elements is the product of the dimensions; a scalar has one element.
func (t *Tensor) Elements() int64 {
	n := int64(1)
	for _, d := range t.Dims {
		n *= d
	}
	return n
}

// FloatValues returns the contents of a float32 tensor.
func (t *Tensor) FloatValues() ([]float32, error) {
	if t.DataType != Float {
		return nil, fmt.Errorf("tensor %q is %s, not float32", t.Name, t.DataType)
	}
	var out []float32
	switch {
	case len(t.Raw) > 0:
		if len(t.Raw)%4 != 0 {
			return nil, fmt.Errorf("%w: tensor %q raw data of %d bytes", ErrMalformed, t.Name, len(t.Raw))
		}
		out = make([]float32, len(t.Raw)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Raw[i*4:]))
		}
	default:
		out = t.Floats
	}
	if int64(len(out)) != t.Elements() {
		return nil, fmt.Errorf("tensor %q holds %d values for %d elements (external data is not supported)", t.Name, len(out), t.Elements())
	}
	return out, nil
}

// Int8Values returns the contents of an int8 tensor.
func (t *Tensor) Int8Values() ([]int8, error) {
	if t.DataType != Int8 {
		return nil, fmt.Errorf("tensor %q is %s, not int8", t.Name, t.DataType)
	}
	if int64(len(t.Raw)) != t.Elements() {
		return nil, fmt.Errorf("tensor %q holds %d bytes for %d elements", t.Name, len(t.Raw), t.Elements())
	}
	out := make([]int8, len(t.Raw))
	for i, b := range t.Raw {
		out[i] = int8(b)
	}
	return out, nil
}

func decodeTensor(b []byte) (*Tensor, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	t := &Tensor{encoded: b}
	for _, f := range fields {
		switch f.num {
		case tensorDims:
			dims, err := f.int64s()
			if err != nil {
				return nil, err
			}
			t.Dims = append(t.Dims, dims...)
		case tensorDataType:
			v, err := f.varint()
			if err != nil {
				return nil, err
			}
			t.DataType = DataType(v)
		case tensorFloatData:
			vs, err := f.float32s()
			if err != nil {
				return nil, err
			}
			t.Floats = append(t.Floats, vs...)
		case tensorName:
			if t.Name, err = f.str(); err != nil {
				return nil, err
			}
		case tensorRawData:
			if t.Raw, err = f.bytes(); err != nil {
				return nil, err
			}
		default:
			t.rest = append(t.rest, f)
		}
	}
	return t, nil
}

func (t *Tensor) encode() []byte {
	if t.encoded != nil {
		return t.encoded
	}
	var b []byte
	b = appendPackedInt64s(b, tensorDims, t.Dims)
	b = appendVarint(b, tensorDataType, uint64(t.DataType))
	if len(t.Floats) > 0 {
		packed := make([]byte, 4*len(t.Floats))
		for i, v := range t.Floats {
			binary.LittleEndian.PutUint32(packed[i*4:], math.Float32bits(v))
		}
		b = appendMessage(b, tensorFloatData, packed)
	}
	b = appendString(b, tensorName, t.Name)
	if len(t.Raw) > 0 {
		b = appendMessage(b, tensorRawData, t.Raw)
	}
	return appendRaw(b, t.rest)
}
