// Package quantize applies post-training weight quantization to an ONNX
// model. There is a single policy: float32 initializers above a size
// threshold are stored as int8 and dequantized in-graph by DequantizeLinear.
package quantize

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"

	"github.com/Brownie44l1/waste-classifier/internal/onnxfile"
)

const (
	// Policy is recorded in the artifact under PropQuantization.
	Policy = "dynamic-int8"

	PropClasses      = "waste.classes"
	PropQuantization = "waste.quantization"
	PropSource       = "waste.source"

	DefaultMinElements = 1024

	minOpset = 10
)

var ErrUnsupportedOpset = errors.New("DequantizeLinear needs default-domain opset 10 or later")

type Options struct {
	// MinElements is the smallest initializer that gets quantized. Biases and
	// normalization parameters stay float32.
	MinElements int
	// Labels are embedded in output-index order.
	Labels []string
	// Source names the full-precision artifact.
	Source string
}

type Report struct {
	Quantized   []string
	Kept        int
	BytesBefore int
	BytesAfter  int
}

// ConvertFile reads the full-precision model at src, quantizes it and writes
// the result to dst, replacing any existing file.
func ConvertFile(src, dst string, opts Options) (*Report, error) {
	info, err := os.Stat(src)
	if err != nil {
		return nil, fmt.Errorf("failed to read model: %w", err)
	}
	m, err := onnxfile.Read(src)
	if err != nil {
		return nil, err
	}
	if opts.Source == "" {
		opts.Source = filepath.Base(src)
	}

	report, err := Quantize(m, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to quantize %s: %w", src, err)
	}
	report.BytesBefore = int(info.Size())

	out := m.Encode()
	report.BytesAfter = len(out)
	if err := os.WriteFile(dst, out, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write model: %w", err)
	}
	return report, nil
}

// Quantize rewrites m in place.
func Quantize(m *onnxfile.Model, opts Options) (*Report, error) {
	if opts.MinElements <= 0 {
		opts.MinElements = DefaultMinElements
	}
	if v := m.OpsetVersion(onnxfile.DefaultDomain); v < minOpset {
		return nil, fmt.Errorf("%w (model imports %d)", ErrUnsupportedOpset, v)
	}

	g := m.Graph
	names := g.Names()
	report := &Report{}
	var inits []*onnxfile.Tensor
	var dequant []*onnxfile.Node
	replaced := make(map[string]bool)
	for _, t := range g.Initializers {
		if t.DataType != onnxfile.Float || t.Elements() < int64(opts.MinElements) {
			inits = append(inits, t)
			report.Kept++
			continue
		}
		values, err := t.FloatValues()
		if err != nil {
			return nil, err
		}

		q, scale, zp := quantizeTensor(values)
		qName := unique(names, t.Name+"_quantized")
		sName := unique(names, t.Name+"_scale")
		zName := unique(names, t.Name+"_zero_point")

		inits = append(inits,
			onnxfile.NewInt8Tensor(qName, t.Dims, q),
			onnxfile.NewFloatTensor(sName, nil, []float32{scale}),
			onnxfile.NewInt8Tensor(zName, nil, []int8{zp}),
		)
		dequant = append(dequant, onnxfile.NewNode("DequantizeLinear",
			unique(names, t.Name+"_DequantizeLinear"),
			[]string{qName, sName, zName}, []string{t.Name}))
		replaced[t.Name] = true
		report.Quantized = append(report.Quantized, t.Name)
	}

	g.Initializers = inits
	g.Nodes = append(dequant, g.Nodes...)

	// IR < 4 lists initializers as graph inputs; a dequantized weight is now
	// produced by a node and must not be fed.
	inputs := g.Inputs[:0]
	for _, v := range g.Inputs {
		if !replaced[v.Name] {
			inputs = append(inputs, v)
		}
	}
	g.Inputs = inputs

	m.SetProperty(PropQuantization, Policy)
	if opts.Source != "" {
		m.SetProperty(PropSource, opts.Source)
	}
	if len(opts.Labels) > 0 {
		classes, err := json.Marshal(opts.Labels)
		if err != nil {
			return nil, err
		}
		m.SetProperty(PropClasses, string(classes))
	}

	log.Printf("Quantized %d initializers, kept %d as float32", len(report.Quantized), report.Kept)
	return report, nil
}

// quantizeTensor maps values onto int8 with an asymmetric per-tensor scale.
// The range always contains zero so zero is exactly representable.
func quantizeTensor(values []float32) ([]int8, float32, int8) {
	lo, hi := float32(0), float32(0)
	for _, v := range values {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	scale := (hi - lo) / 255
	if scale == 0 {
		scale = 1
	}
	zp := clampInt8(math.Round(float64(-128 - lo/scale)))

	q := make([]int8, len(values))
	for i, v := range values {
		q[i] = clampInt8(math.Round(float64(v/scale)) + float64(zp))
	}
	return q, scale, zp
}

// Dequantize is the DequantizeLinear formula.
func Dequantize(q []int8, scale float32, zp int8) []float32 {
	out := make([]float32, len(q))
	for i, v := range q {
		out[i] = float32(int32(v)-int32(zp)) * scale
	}
	return out
}

func clampInt8(v float64) int8 {
	switch {
	case v < math.MinInt8:
		return math.MinInt8
	case v > math.MaxInt8:
		return math.MaxInt8
	}
	return int8(v)
}

func unique(names map[string]bool, name string) string {
	candidate := name
	for i := 1; names[candidate]; i++ {
		candidate = fmt.Sprintf("%s_%d", name, i)
	}
	names[candidate] = true
	return candidate
}
