package onnxfile

import (
	"fmt"
	"strings"
)

// Dim is one dimension of a declared shape. Value is -1 when the dimension is
// symbolic or unknown.
type Dim struct {
	Value int64
	Param string
}

// ValueInfo describes a graph input or output.
type ValueInfo struct {
	Name     string
	ElemType DataType
	Shape    []Dim

	encoded []byte
}

// NewValueInfo declares a tensor value. A negative dimension is written as
// the symbolic dimension "N".
func NewValueInfo(name string, elem DataType, dims ...int64) *ValueInfo {
	v := &ValueInfo{Name: name, ElemType: elem}
	for _, d := range dims {
		if d < 0 {
			v.Shape = append(v.Shape, Dim{Value: -1, Param: "N"})
		} else {
			v.Shape = append(v.Shape, Dim{Value: d})
		}
	}
	return v
}

// Dims returns the shape with unknown dimensions as -1.
func (v *ValueInfo) Dims() []int64 {
	out := make([]int64, len(v.Shape))
	for i, d := range v.Shape {
		out[i] = d.Value
	}
	return out
}

func (v *ValueInfo) String() string {
	parts := make([]string, len(v.Shape))
	for i, d := range v.Shape {
		switch {
		case d.Param != "":
			parts[i] = d.Param
		case d.Value < 0:
			parts[i] = "?"
		default:
			parts[i] = fmt.Sprint(d.Value)
		}
	}
	return fmt.Sprintf("%s %s[%s]", v.Name, v.ElemType, strings.Join(parts, ","))
}

func decodeValueInfo(b []byte) (*ValueInfo, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	v := &ValueInfo{encoded: b}
	for _, f := range fields {
		switch f.num {
		case valueInfoName:
			if v.Name, err = f.str(); err != nil {
				return nil, err
			}
		case valueInfoType:
			msg, err := f.bytes()
			if err != nil {
				return nil, err
			}
			if err := v.decodeType(msg); err != nil {
				return nil, fmt.Errorf("value %q: %w", v.Name, err)
			}
		}
	}
	return v, nil
}

// decodeType reads TypeProto. Non-tensor types leave ElemType undefined.
func (v *ValueInfo) decodeType(b []byte) error {
	fields, err := parseFields(b)
	if err != nil {
		return err
	}
	for _, f := range fields {
		if f.num != typeTensorType {
			continue
		}
		msg, err := f.bytes()
		if err != nil {
			return err
		}
		tfields, err := parseFields(msg)
		if err != nil {
			return err
		}
		for _, tf := range tfields {
			switch tf.num {
			case tensorTypeElem:
				e, err := tf.varint()
				if err != nil {
					return err
				}
				v.ElemType = DataType(e)
			case tensorTypeShape:
				shape, err := tf.bytes()
				if err != nil {
					return err
				}
				if v.Shape, err = decodeShape(shape); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func decodeShape(b []byte) ([]Dim, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	var dims []Dim
	for _, f := range fields {
		if f.num != shapeDim {
			continue
		}
		msg, err := f.bytes()
		if err != nil {
			return nil, err
		}
		dfields, err := parseFields(msg)
		if err != nil {
			return nil, err
		}
		d := Dim{Value: -1}
		for _, df := range dfields {
			switch df.num {
			case dimValue:
				x, err := df.varint()
				if err != nil {
					return nil, err
				}
				d.Value = int64(x)
			case dimParam:
				if d.Param, err = df.str(); err != nil {
					return nil, err
				}
			}
		}
		dims = append(dims, d)
	}
	return dims, nil
}

func (v *ValueInfo) encode() []byte {
	if v.encoded != nil {
		return v.encoded
	}
	var shape []byte
	for _, d := range v.Shape {
		var dim []byte
		if d.Param != "" {
			dim = appendString(dim, dimParam, d.Param)
		} else {
			dim = appendVarint(dim, dimValue, uint64(d.Value))
		}
		shape = appendMessage(shape, shapeDim, dim)
	}
	var tensorType []byte
	tensorType = appendVarint(tensorType, tensorTypeElem, uint64(v.ElemType))
	tensorType = appendMessage(tensorType, tensorTypeShape, shape)

	var typ []byte
	typ = appendMessage(typ, typeTensorType, tensorType)

	var b []byte
	b = appendString(b, valueInfoName, v.Name)
	return appendMessage(b, valueInfoType, typ)
}
