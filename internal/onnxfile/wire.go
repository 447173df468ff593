package onnxfile

import (
	"encoding/binary"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// field is one encoded protobuf field. raw holds tag and value so fields we
// do not interpret are written back byte for byte.
type field struct {
	num protowire.Number
	typ protowire.Type
	raw []byte
	val []byte
}

func parseFields(b []byte) ([]field, error) {
	var fields []field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		m := protowire.ConsumeFieldValue(num, typ, b[n:])
		if m < 0 {
			return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
		}
		fields = append(fields, field{num: num, typ: typ, raw: b[:n+m], val: b[n : n+m]})
		b = b[n+m:]
	}
	return fields, nil
}

func (f field) bytes() ([]byte, error) {
	if f.typ != protowire.BytesType {
		return nil, fmt.Errorf("%w: field %d: want length-delimited, got wire type %d", ErrMalformed, f.num, f.typ)
	}
	v, n := protowire.ConsumeBytes(f.val)
	if n < 0 {
		return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, f.num, protowire.ParseError(n))
	}
	return v, nil
}

func (f field) str() (string, error) {
	b, err := f.bytes()
	return string(b), err
}

func (f field) varint() (uint64, error) {
	if f.typ != protowire.VarintType {
		return 0, fmt.Errorf("%w: field %d: want varint, got wire type %d", ErrMalformed, f.num, f.typ)
	}
	v, n := protowire.ConsumeVarint(f.val)
	if n < 0 {
		return 0, fmt.Errorf("%w: field %d: %v", ErrMalformed, f.num, protowire.ParseError(n))
	}
	return v, nil
}

// int64s reads a repeated int64 field in either packed or unpacked form.
func (f field) int64s() ([]int64, error) {
	if f.typ == protowire.VarintType {
		v, err := f.varint()
		return []int64{int64(v)}, err
	}
	b, err := f.bytes()
	if err != nil {
		return nil, err
	}
	var out []int64
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, f.num, protowire.ParseError(n))
		}
		out = append(out, int64(v))
		b = b[n:]
	}
	return out, nil
}

// float32s reads a repeated float field in either packed or unpacked form.
func (f field) float32s() ([]float32, error) {
	if f.typ == protowire.Fixed32Type {
		v, n := protowire.ConsumeFixed32(f.val)
		if n < 0 {
			return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, f.num, protowire.ParseError(n))
		}
		return []float32{math.Float32frombits(v)}, nil
	}
	b, err := f.bytes()
	if err != nil {
		return nil, err
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: field %d: packed floats of %d bytes", ErrMalformed, f.num, len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendPackedInt64s(b []byte, num protowire.Number, vs []int64) []byte {
	if len(vs) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	return appendMessage(b, num, packed)
}

func appendRaw(b []byte, fields []field) []byte {
	for _, f := range fields {
		b = append(b, f.raw...)
	}
	return b
}
