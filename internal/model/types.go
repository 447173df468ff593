package model

import "github.com/Brownie44l1/waste-classifier/internal/imageproc"

// Labels of the waste classifier in output-index order.
var DefaultLabels = []string{"Organic", "Recyclable"}

// TensorInfo describes one model input or output.
type TensorInfo struct {
	Name     string  `json:"name"`
	Index    int     `json:"index"`
	Shape    []int64 `json:"shape"`
	DataType string  `json:"data_type"`
}

type Metadata struct {
	Input   TensorInfo       `json:"input"`
	Output  TensorInfo       `json:"output"`
	Classes []string         `json:"classes"`
	Width   int              `json:"width"`
	Height  int              `json:"height"`
	Layout  imageproc.Layout `json:"-"`
	// Quantization is the policy recorded by the converter, if any.
	Quantization string `json:"quantization,omitempty"`
}

// InputSize is the number of float32 values in one input tensor.
func (m Metadata) InputSize() int {
	n := 1
	for _, d := range m.Input.Shape {
		n *= int(d)
	}
	return n
}

type Prediction struct {
	Class       string             `json:"class"`
	Index       int                `json:"index"`
	Confidence  float32            `json:"confidence"`
	Predictions map[string]float32 `json:"predictions"`
}
