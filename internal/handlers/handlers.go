package handlers

import (
	"bytes"
	"embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"html/template"
	"image/jpeg"
	"log"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Brownie44l1/waste-classifier/internal/events"
	"github.com/Brownie44l1/waste-classifier/internal/imageproc"
	"github.com/Brownie44l1/waste-classifier/internal/metrics"
	"github.com/Brownie44l1/waste-classifier/internal/model"
)

const (
	LabelOrganic = "Organic"

	previewSize = 480
)

//go:embed templates/index.html
var templateFS embed.FS

var page = template.Must(template.ParseFS(templateFS, "templates/index.html"))

// Predictor is the part of model.Classifier the handlers use.
type Predictor interface {
	Predict(input []float32) (*model.Prediction, error)
}

type Options struct {
	Preprocessor   imageproc.Preprocessor
	Metrics        *metrics.Metrics
	Publisher      events.Publisher
	MaxUploadBytes int64
	// MaxPixels caps the decoded size of an upload.
	MaxPixels int
	// Background is a CSS background value, see LoadBackground.
	Background template.CSS
	ModelPath  string
}

type Handler struct {
	predictor Predictor
	opts      Options
}

func NewHandler(predictor Predictor, opts Options) *Handler {
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = imageproc.DefaultMaxPixels
	}
	return &Handler{
		predictor: predictor,
		opts:      opts,
	}
}

// PredictionResponse is the JSON form of a served prediction.
type PredictionResponse struct {
	ID string `json:"id"`
	*model.Prediction
}

type pageData struct {
	Accept     string
	Background template.CSS
	Error      string
	Result     *resultView
}

type resultView struct {
	Filename   string
	Preview    template.URL
	Class      string
	Confidence float32
	Tone       string
	Message    string
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
		"model":  h.opts.ModelPath,
	})
}

// Index renders the upload page.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	h.render(w, http.StatusOK, pageData{})
}

// Predict classifies an uploaded image. It renders the page, or answers with
// JSON when the client asks for it.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	id := uuid.New().String()

	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.opts.MaxUploadBytes); err != nil {
		log.Printf("[%s] Failed to parse form: %v", id, err)
		h.fail(w, r, "upload", http.StatusBadRequest, "Failed to parse form")
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		h.fail(w, r, "upload", http.StatusBadRequest, "No image file provided. Use 'image' as the form field name")
		return
	}
	defer file.Close()

	log.Printf("[%s] Received file: %s, size: %d bytes", id, header.Filename, header.Size)

	if err := imageproc.CheckExtension(header.Filename); err != nil {
		h.fail(w, r, "upload", http.StatusBadRequest, err.Error())
		return
	}

	img, format, err := imageproc.Decode(file, h.opts.MaxPixels)
	if errors.Is(err, imageproc.ErrImageTooLarge) {
		log.Printf("[%s] Rejected image: %v", id, err)
		h.fail(w, r, "decode", http.StatusBadRequest, "Image dimensions too large")
		return
	}
	if err != nil {
		log.Printf("[%s] Decode error: %v", id, err)
		h.fail(w, r, "decode", http.StatusBadRequest, "Invalid image format. Supported: JPEG, PNG")
		return
	}

	log.Printf("[%s] Image format: %s, dimensions: %dx%d", id, format, img.Bounds().Dx(), img.Bounds().Dy())

	inputData := h.opts.Preprocessor.Tensor(img)

	start := time.Now()
	result, err := h.predictor.Predict(inputData)
	elapsed := time.Since(start)
	if err != nil {
		log.Printf("[%s] Prediction error: %v", id, err)
		h.fail(w, r, "inference", http.StatusInternalServerError, "Prediction failed")
		return
	}

	log.Printf("[%s] Predicted %s (%.2f%%) in %s", id, result.Class, result.Confidence, elapsed)
	if h.opts.Metrics != nil {
		h.opts.Metrics.ObservePrediction(result.Class, result.Confidence, elapsed)
	}
	h.opts.Publisher.Publish(events.Event{
		ID:         id,
		Class:      result.Class,
		Confidence: result.Confidence,
		Filename:   header.Filename,
		At:         time.Now().UTC(),
	})

	if wantsJSON(r) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(PredictionResponse{ID: id, Prediction: result})
		return
	}

	view := &resultView{
		Filename:   header.Filename,
		Class:      result.Class,
		Confidence: result.Confidence,
	}
	if result.Class == LabelOrganic {
		view.Tone = "success"
		view.Message = "🌿 This waste is Organic and can be composted! ♻️"
	} else {
		view.Tone = "info"
		view.Message = "🔄 This waste is " + result.Class + " and should be sent to a recycling facility! ♻️"
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, imageproc.Thumbnail(img, previewSize), &jpeg.Options{Quality: 85}); err != nil {
		log.Printf("[%s] Failed to encode preview: %v", id, err)
	} else {
		view.Preview = template.URL("data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()))
	}

	h.render(w, http.StatusOK, pageData{Result: view})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, stage string, status int, msg string) {
	if h.opts.Metrics != nil {
		h.opts.Metrics.ObserveError(stage)
	}
	if wantsJSON(r) {
		http.Error(w, msg, status)
		return
	}
	h.render(w, status, pageData{Error: msg})
}

func (h *Handler) render(w http.ResponseWriter, status int, data pageData) {
	data.Accept = strings.Join(imageproc.Extensions, ",")
	data.Background = h.opts.Background

	var buf bytes.Buffer
	if err := page.Execute(&buf, data); err != nil {
		log.Printf("Template error: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

func wantsJSON(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		if mt, _, err := mime.ParseMediaType(strings.TrimSpace(part)); err == nil && mt == "application/json" {
			return true
		}
	}
	return false
}

// LoadBackground reads the page background image once and returns it as a
// CSS value. A missing file leaves the page on its plain colour.
func LoadBackground(path string) (template.CSS, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("Background image %s not found, using plain background", path)
		return "", nil
	}
	if err != nil {
		return "", err
	}
	mediaType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if mediaType == "" {
		mediaType = http.DetectContentType(data)
	}
	encoded := base64.StdEncoding.EncodeToString(data)
	return template.CSS(`url("data:` + mediaType + `;base64,` + encoded + `")`), nil
}
