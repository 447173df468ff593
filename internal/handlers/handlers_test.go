package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/waste-classifier/internal/events"
	"github.com/Brownie44l1/waste-classifier/internal/imageproc"
	"github.com/Brownie44l1/waste-classifier/internal/metrics"
	"github.com/Brownie44l1/waste-classifier/internal/model"
)

type fakePredictor struct {
	pred  *model.Prediction
	err   error
	input []float32
}

func (f *fakePredictor) Predict(input []float32) (*model.Prediction, error) {
	f.input = input
	return f.pred, f.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) Close() {}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 120, G: 200, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func uploadRequest(t *testing.T, filename string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

type fixture struct {
	handler   *Handler
	predictor *fakePredictor
	publisher *recordingPublisher
	metrics   *metrics.Metrics
}

func newFixture(pred *model.Prediction, err error) *fixture {
	f := &fixture{
		predictor: &fakePredictor{pred: pred, err: err},
		publisher: &recordingPublisher{},
		metrics:   metrics.New(prometheus.NewRegistry()),
	}
	f.handler = NewHandler(f.predictor, Options{
		Preprocessor: imageproc.NewPreprocessor(224, 224, imageproc.NHWC, imageproc.Bilinear),
		Metrics:      f.metrics,
		Publisher:    f.publisher,
		ModelPath:    "waste_classification_model_quant.onnx",
	})
	return f
}

func organic() *model.Prediction {
	return &model.Prediction{
		Class:       "Organic",
		Index:       0,
		Confidence:  87.5,
		Predictions: map[string]float32{"Organic": 87.5, "Recyclable": 12.5},
	}
}

func TestIndex(t *testing.T) {
	f := newFixture(organic(), nil)
	rec := httptest.NewRecorder()
	f.handler.Index(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Waste Classification System")
	assert.Contains(t, body, `accept=".jpg,.png,.jpeg"`)
	assert.NotContains(t, body, "Prediction:")
}

func TestPredictRendersOrganic(t *testing.T) {
	f := newFixture(organic(), nil)
	rec := httptest.NewRecorder()
	f.handler.Predict(rec, uploadRequest(t, "peel.png", pngBytes(t, 40, 30)))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Prediction: <span style=\"font-weight: bold;\">Organic</span>")
	assert.Contains(t, body, "87.50%")
	assert.Contains(t, body, `class="notice success"`)
	assert.Contains(t, body, "can be composted")
	assert.Contains(t, body, `src="data:image/jpeg;base64,`)

	assert.Len(t, f.predictor.input, 224*224*3)
	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, "peel.png", f.publisher.events[0].Filename)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Predictions.WithLabelValues("Organic")))
}

func TestPredictRendersRecyclable(t *testing.T) {
	f := newFixture(&model.Prediction{Class: "Recyclable", Index: 1, Confidence: 66}, nil)
	rec := httptest.NewRecorder()
	f.handler.Predict(rec, uploadRequest(t, "bottle.JPG", pngBytes(t, 10, 10)))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `class="notice info"`)
	assert.Contains(t, body, "recycling facility")
}

func TestPredictJSON(t *testing.T) {
	f := newFixture(organic(), nil)
	req := uploadRequest(t, "peel.jpeg", pngBytes(t, 300, 200))
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	f.handler.Predict(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp struct {
		ID          string             `json:"id"`
		Class       string             `json:"class"`
		Confidence  float32            `json:"confidence"`
		Predictions map[string]float32 `json:"predictions"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "Organic", resp.Class)
	assert.Equal(t, float32(87.5), resp.Confidence)
	assert.Equal(t, f.publisher.events[0].ID, resp.ID)
}

func TestPredictErrors(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		data     []byte
		err      error
		status   int
		stage    string
	}{
		{"unsupported extension", "doc.gif", nil, nil, http.StatusBadRequest, "upload"},
		{"undecodable", "broken.png", []byte("not really a png"), nil, http.StatusBadRequest, "decode"},
		{"inference failure", "fine.png", nil, errors.New("shape mismatch"), http.StatusInternalServerError, "inference"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(organic(), tt.err)
			data := tt.data
			if data == nil {
				data = pngBytes(t, 8, 8)
			}
			rec := httptest.NewRecorder()
			f.handler.Predict(rec, uploadRequest(t, tt.filename, data))

			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), `class="notice error"`)
			assert.Empty(t, f.publisher.events)
			assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Errors.WithLabelValues(tt.stage)))
		})
	}
}

func TestPredictMissingField(t *testing.T) {
	f := newFixture(organic(), nil)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(nil))
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	f.handler.Predict(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPredictTooLarge(t *testing.T) {
	f := newFixture(organic(), nil)
	f.handler.opts.MaxUploadBytes = 1024
	rec := httptest.NewRecorder()
	f.handler.Predict(rec, uploadRequest(t, "big.png", bytes.Repeat([]byte{0}, 4096)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPredictImageDimensionsTooLarge(t *testing.T) {
	f := newFixture(organic(), nil)
	f.handler.opts.MaxPixels = 64 * 64
	req := uploadRequest(t, "huge.png", pngBytes(t, 65, 64))
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	f.handler.Predict(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Image dimensions too large")
	assert.Nil(t, f.predictor.input)
	assert.Empty(t, f.publisher.events)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Errors.WithLabelValues("decode")))
}

func TestHealth(t *testing.T) {
	f := newFixture(organic(), nil)
	rec := httptest.NewRecorder()
	f.handler.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"healthy","model":"waste_classification_model_quant.onnx"}`, string(body))
}

func TestLoadBackground(t *testing.T) {
	dir := t.TempDir()

	css, err := LoadBackground(filepath.Join(dir, "missing.jpg"))
	require.NoError(t, err)
	assert.Empty(t, css)

	path := filepath.Join(dir, "background.png")
	require.NoError(t, os.WriteFile(path, pngBytes(t, 2, 2), 0o644))
	css, err = LoadBackground(path)
	require.NoError(t, err)
	assert.Contains(t, string(css), `url("data:image/png;base64,`)

	f := newFixture(organic(), nil)
	f.handler.opts.Background = css
	rec := httptest.NewRecorder()
	f.handler.Index(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Contains(t, rec.Body.String(), "data:image/png;base64,")
}
