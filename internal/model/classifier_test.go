package model

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/waste-classifier/internal/imageproc"
)

type fakeEngine struct {
	mu      sync.Mutex
	scores  []float32
	err     error
	calls   int
	running bool
	closed  bool
	overlap bool
}

func (f *fakeEngine) Run(input []float32) ([]float32, error) {
	f.mu.Lock()
	if f.running {
		f.overlap = true
	}
	f.running = true
	f.calls++
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.running = false
		f.mu.Unlock()
	}()
	if f.err != nil {
		return nil, f.err
	}
	return append([]float32(nil), f.scores...), nil
}

func (f *fakeEngine) Close() error {
	f.closed = true
	return nil
}

func testMetadata() Metadata {
	return Metadata{
		Input:   TensorInfo{Name: "input", Shape: []int64{1, 224, 224, 3}, DataType: "float32"},
		Output:  TensorInfo{Name: "output", Shape: []int64{1, 2}, DataType: "float32"},
		Classes: DefaultLabels,
		Width:   224,
		Height:  224,
		Layout:  imageproc.NHWC,
	}
}

func TestPredict(t *testing.T) {
	c := New(&fakeEngine{scores: []float32{0.2, 0.8}}, testMetadata())

	pred, err := c.Predict(make([]float32, 224*224*3))
	require.NoError(t, err)
	assert.Equal(t, "Recyclable", pred.Class)
	assert.Equal(t, 1, pred.Index)
	assert.InDelta(t, 80, pred.Confidence, 1e-4)
	assert.InDelta(t, 20, pred.Predictions["Organic"], 1e-4)
}

func TestPredictDeterministic(t *testing.T) {
	c := New(&fakeEngine{scores: []float32{0.91, 0.09}}, testMetadata())
	input := make([]float32, 224*224*3)

	first, err := c.Predict(input)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := c.Predict(input)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestPredictInputSize(t *testing.T) {
	engine := &fakeEngine{scores: []float32{0.5, 0.5}}
	c := New(engine, testMetadata())

	_, err := c.Predict(make([]float32, 10))
	assert.ErrorIs(t, err, ErrInputSize)
	assert.Zero(t, engine.calls)
}

func TestPredictEngineError(t *testing.T) {
	boom := errors.New("shape mismatch")
	c := New(&fakeEngine{err: boom}, testMetadata())

	_, err := c.Predict(make([]float32, 224*224*3))
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "inference failed")
}

func TestPredictSerialized(t *testing.T) {
	engine := &fakeEngine{scores: []float32{0.3, 0.7}}
	c := New(engine, testMetadata())
	input := make([]float32, 224*224*3)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Predict(input)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 16, engine.calls)
	assert.False(t, engine.overlap)
}

func TestClose(t *testing.T) {
	engine := &fakeEngine{scores: []float32{1, 0}}
	c := New(engine, testMetadata())
	require.NoError(t, c.Close())
	assert.True(t, engine.closed)
	require.NoError(t, c.Close())

	_, err := c.Predict(make([]float32, 224*224*3))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name   string
		scores []float32
		class  string
		conf   float32
	}{
		{"organic", []float32{0.75, 0.25}, "Organic", 75},
		{"recyclable", []float32{0.01, 0.99}, "Recyclable", 99},
		{"tie picks first", []float32{0.5, 0.5}, "Organic", 50},
		{"certain", []float32{1, 0}, "Organic", 100},
		{"logits", []float32{-1, 3}, "Recyclable", 98.201376},
		{"extra outputs ignored", []float32{0.4, 0.6, 7}, "Recyclable", 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pred, err := Decode(tt.scores, DefaultLabels)
			require.NoError(t, err)
			assert.Equal(t, tt.class, pred.Class)
			assert.InDelta(t, tt.conf, pred.Confidence, 1e-3)
			assert.Contains(t, []int{0, 1}, pred.Index)
			assert.GreaterOrEqual(t, pred.Confidence, float32(0))
			assert.LessOrEqual(t, pred.Confidence, float32(100))
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode(nil, DefaultLabels)
	assert.Error(t, err)

	_, err = Decode([]float32{1}, DefaultLabels)
	assert.ErrorIs(t, err, ErrLabelMismatch)

	nan := float32(math.NaN())
	inf := float32(math.Inf(1))
	for _, scores := range [][]float32{{nan, 0.5}, {inf, 1}, {0.2, -inf}} {
		_, err = Decode(scores, DefaultLabels)
		assert.ErrorIs(t, err, ErrNonFinite, "%v", scores)
	}
}

func TestPredictNonFiniteOutput(t *testing.T) {
	c := New(&fakeEngine{scores: []float32{float32(math.NaN()), 0.5}}, testMetadata())
	_, err := c.Predict(make([]float32, 224*224*3))
	assert.ErrorIs(t, err, ErrNonFinite)
}
