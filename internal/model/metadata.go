package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/Brownie44l1/waste-classifier/internal/imageproc"
	"github.com/Brownie44l1/waste-classifier/internal/onnxfile"
	"github.com/Brownie44l1/waste-classifier/internal/quantize"
)

var ErrLabelMismatch = errors.New("class labels do not match model output")

// LoadMetadata reads tensor descriptors and the embedded label mapping from
// the artifact at path. fallback labels are used when the artifact carries
// none.
func LoadMetadata(path string, fallback []string) (Metadata, error) {
	m, err := onnxfile.Read(path)
	if err != nil {
		return Metadata{}, err
	}
	return describe(m, fallback)
}

func describe(m *onnxfile.Model, fallback []string) (Metadata, error) {
	inputs := m.Graph.RuntimeInputs()
	if len(inputs) != 1 || len(m.Graph.Outputs) != 1 {
		return Metadata{}, fmt.Errorf("model must have one input and one output, has %d and %d", len(inputs), len(m.Graph.Outputs))
	}
	in, out := inputs[0], m.Graph.Outputs[0]
	if in.ElemType != onnxfile.Float {
		return Metadata{}, fmt.Errorf("input %s: expected float32", in)
	}
	if out.ElemType != onnxfile.Float {
		return Metadata{}, fmt.Errorf("output %s: expected float32", out)
	}

	meta := Metadata{
		Input:  TensorInfo{Name: in.Name, Index: 0, DataType: in.ElemType.String()},
		Output: TensorInfo{Name: out.Name, Index: 0, DataType: out.ElemType.String()},
	}
	meta.Quantization, _ = m.Property(quantize.PropQuantization)

	if err := resolveInput(&meta, in.Dims()); err != nil {
		return Metadata{}, fmt.Errorf("input %s: %w", in, err)
	}
	if err := resolveOutput(&meta, out.Dims()); err != nil {
		return Metadata{}, fmt.Errorf("output %s: %w", out, err)
	}

	classes, err := labels(m, fallback)
	if err != nil {
		return Metadata{}, err
	}
	if n := int(meta.Output.Shape[1]); n != len(classes) {
		return Metadata{}, fmt.Errorf("%w: %d labels %v for %d outputs", ErrLabelMismatch, len(classes), classes, n)
	}
	meta.Classes = classes
	return meta, nil
}

// resolveInput fixes a batch of one and works out the image layout. Unknown
// spatial dimensions fall back to the default image size.
func resolveInput(meta *Metadata, dims []int64) error {
	if len(dims) != 4 {
		return fmt.Errorf("expected a 4-d image tensor")
	}
	shape := append([]int64(nil), dims...)
	shape[0] = 1
	if shape[1] == 3 && shape[3] != 3 {
		meta.Layout = imageproc.NCHW
		shape[2] = orDefault(shape[2])
		shape[3] = orDefault(shape[3])
		meta.Height, meta.Width = int(shape[2]), int(shape[3])
	} else {
		meta.Layout = imageproc.NHWC
		shape[1] = orDefault(shape[1])
		shape[2] = orDefault(shape[2])
		if shape[3] < 0 {
			shape[3] = 3
		}
		if shape[3] != 3 {
			return fmt.Errorf("expected 3 channels, got %d", shape[3])
		}
		meta.Height, meta.Width = int(shape[1]), int(shape[2])
	}
	meta.Input.Shape = shape
	return nil
}

func resolveOutput(meta *Metadata, dims []int64) error {
	switch len(dims) {
	case 1:
		dims = []int64{1, dims[0]}
	case 2:
		dims = append([]int64(nil), dims...)
	default:
		return fmt.Errorf("expected a class score vector")
	}
	dims[0] = 1
	if dims[1] <= 0 {
		return fmt.Errorf("unknown class count")
	}
	meta.Output.Shape = dims
	return nil
}

func labels(m *onnxfile.Model, fallback []string) ([]string, error) {
	raw, ok := m.Property(quantize.PropClasses)
	if !ok {
		if len(fallback) == 0 {
			return nil, fmt.Errorf("%w: model has no embedded labels and none are configured", ErrLabelMismatch)
		}
		log.Printf("Model has no embedded class labels, using configured %v", fallback)
		return fallback, nil
	}
	var classes []string
	if err := json.Unmarshal([]byte(raw), &classes); err != nil {
		return nil, fmt.Errorf("failed to parse embedded labels: %w", err)
	}
	return classes, nil
}

func orDefault(d int64) int64 {
	if d <= 0 {
		return imageproc.DefaultSize
	}
	return d
}
