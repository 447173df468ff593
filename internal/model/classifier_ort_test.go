package model

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/waste-classifier/internal/imageproc"
)

// These tests need the ONNX Runtime shared library and a converted model:
//
//	ORT_LIBRARY_PATH=/usr/lib/libonnxruntime.so \
//	WASTE_MODEL_PATH=waste_classification_model_quant.onnx \
//	WASTE_ORGANIC_IMAGE=testdata/banana_peel.jpg \
//	WASTE_RECYCLABLE_IMAGE=testdata/bottle.jpg go test ./internal/model
func ortClassifier(t *testing.T) *Classifier {
	t.Helper()
	lib, modelPath := os.Getenv("ORT_LIBRARY_PATH"), os.Getenv("WASTE_MODEL_PATH")
	if lib == "" || modelPath == "" {
		t.Skip("ORT_LIBRARY_PATH and WASTE_MODEL_PATH not set")
	}
	c, err := NewClassifier(Config{ModelPath: modelPath, LibraryPath: lib, Labels: DefaultLabels})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func classifyFile(t *testing.T, c *Classifier, path string) *Prediction {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	img, _, err := imageproc.Decode(f, imageproc.DefaultMaxPixels)
	require.NoError(t, err)
	p := imageproc.NewPreprocessor(c.Metadata.Width, c.Metadata.Height, c.Metadata.Layout, imageproc.DefaultFilter)
	pred, err := c.Predict(p.Tensor(img))
	require.NoError(t, err)
	return pred
}

func TestORTDescriptors(t *testing.T) {
	c := ortClassifier(t)
	assert.Len(t, c.Metadata.Input.Shape, 4)
	assert.Equal(t, []int64{1, 2}, c.Metadata.Output.Shape)
}

func TestORTScenarios(t *testing.T) {
	c := ortClassifier(t)
	tests := []struct {
		env   string
		class string
	}{
		{"WASTE_ORGANIC_IMAGE", "Organic"},
		{"WASTE_RECYCLABLE_IMAGE", "Recyclable"},
	}
	for _, tt := range tests {
		t.Run(tt.class, func(t *testing.T) {
			path := os.Getenv(tt.env)
			if path == "" {
				t.Skipf("%s not set", tt.env)
			}
			pred := classifyFile(t, c, path)
			assert.Equal(t, tt.class, pred.Class)
			assert.GreaterOrEqual(t, pred.Confidence, float32(50))

			again := classifyFile(t, c, path)
			assert.Equal(t, pred, again)
		})
	}
}
