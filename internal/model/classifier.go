package model

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
)

var (
	ErrInputSize = errors.New("input tensor size mismatch")
	ErrClosed    = errors.New("classifier is closed")
	ErrNonFinite = errors.New("model output is not finite")
)

type Config struct {
	ModelPath   string
	LibraryPath string
	// Labels are used when the artifact has no embedded mapping.
	Labels []string
}

// Classifier is the process-wide inference handle. It is built once at
// startup and only ever invoked afterwards.
type Classifier struct {
	mu       sync.Mutex
	engine   Engine
	Metadata Metadata
}

// NewClassifier loads the quantized artifact and opens an ONNX Runtime
// session on it.
func NewClassifier(cfg Config) (*Classifier, error) {
	meta, err := LoadMetadata(cfg.ModelPath, cfg.Labels)
	if err != nil {
		return nil, fmt.Errorf("failed to read model metadata: %w", err)
	}

	engine, err := newORTEngine(cfg.ModelPath, cfg.LibraryPath, meta)
	if err != nil {
		return nil, err
	}

	log.Printf("Model input: %s %v (%s), output: %s %v",
		meta.Input.Name, meta.Input.Shape, meta.Layout, meta.Output.Name, meta.Output.Shape)
	return New(engine, meta), nil
}

// New wraps an already constructed engine.
func New(engine Engine, meta Metadata) *Classifier {
	return &Classifier{engine: engine, Metadata: meta}
}

// Predict runs one preprocessed image through the model. Calls are
// serialized because the engine reuses its bound tensors.
func (c *Classifier) Predict(input []float32) (*Prediction, error) {
	if want := c.Metadata.InputSize(); len(input) != want {
		return nil, fmt.Errorf("%w: expected %d values, got %d", ErrInputSize, want, len(input))
	}

	scores, err := c.run(input)
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	return Decode(scores, c.Metadata.Classes)
}

func (c *Classifier) run(input []float32) ([]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.engine == nil {
		return nil, ErrClosed
	}
	return c.engine.Run(input)
}

func (c *Classifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.engine == nil {
		return nil
	}
	err := c.engine.Close()
	c.engine = nil
	return err
}

// Decode picks the highest scoring class. The first maximum wins. Scores
// that are not already a probability distribution go through softmax so the
// confidence is a percentage.
func Decode(scores []float32, classes []string) (*Prediction, error) {
	if len(scores) == 0 {
		return nil, errors.New("empty model output")
	}
	if len(scores) < len(classes) {
		return nil, fmt.Errorf("%w: %d scores for %d labels", ErrLabelMismatch, len(scores), len(classes))
	}
	scores = scores[:len(classes)]
	for i, s := range scores {
		if math.IsNaN(float64(s)) || math.IsInf(float64(s), 0) {
			return nil, fmt.Errorf("%w: score %d is %v", ErrNonFinite, i, s)
		}
	}
	if !isDistribution(scores) {
		scores = softmax(scores)
	}

	maxIdx := 0
	maxVal := scores[0]
	predictions := make(map[string]float32, len(classes))

	for i, val := range scores {
		predictions[classes[i]] = val * 100
		if val > maxVal {
			maxVal = val
			maxIdx = i
		}
	}

	return &Prediction{
		Class:       classes[maxIdx],
		Index:       maxIdx,
		Confidence:  maxVal * 100,
		Predictions: predictions,
	}, nil
}

func isDistribution(scores []float32) bool {
	var sum float64
	for _, s := range scores {
		if s < 0 || s > 1 || math.IsNaN(float64(s)) {
			return false
		}
		sum += float64(s)
	}
	return math.Abs(sum-1) <= 1e-3
}

func softmax(scores []float32) []float32 {
	maxVal := scores[0]
	for _, s := range scores[1:] {
		maxVal = max(maxVal, s)
	}
	out := make([]float32, len(scores))
	var sum float64
	for i, s := range scores {
		e := math.Exp(float64(s - maxVal))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}
