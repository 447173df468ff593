package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Brownie44l1/waste-classifier/internal/config"
	"github.com/Brownie44l1/waste-classifier/internal/events"
	"github.com/Brownie44l1/waste-classifier/internal/handlers"
	"github.com/Brownie44l1/waste-classifier/internal/imageproc"
	"github.com/Brownie44l1/waste-classifier/internal/metrics"
	"github.com/Brownie44l1/waste-classifier/internal/model"
)

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	filter, err := imageproc.ParseFilter(cfg.ResizeFilter)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	log.Printf("Loading model from: %s", cfg.ModelPath)

	classifier, err := model.NewClassifier(model.Config{
		ModelPath:   cfg.ModelPath,
		LibraryPath: cfg.LibraryPath,
		Labels:      cfg.Labels,
	})
	if err != nil {
		log.Fatalf("Failed to initialize classifier: %v", err)
	}
	defer classifier.Close()

	background, err := handlers.LoadBackground(cfg.BackgroundImage)
	if err != nil {
		log.Fatalf("Failed to read background image: %v", err)
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.MQTT.Broker != "" {
		p, err := events.NewMQTTPublisher(cfg.MQTT.Broker, cfg.MQTT.Topic, cfg.MQTT.ClientID)
		if err != nil {
			log.Fatalf("Failed to initialize event publisher: %v", err)
		}
		publisher = p
		log.Printf("Publishing predictions to %s on %s", cfg.MQTT.Broker, cfg.MQTT.Topic)
	}
	defer publisher.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	meta := classifier.Metadata
	handler := handlers.NewHandler(classifier, handlers.Options{
		Preprocessor:   imageproc.NewPreprocessor(meta.Width, meta.Height, meta.Layout, filter),
		Metrics:        m,
		Publisher:      publisher,
		MaxUploadBytes: cfg.MaxUploadBytes,
		MaxPixels:      cfg.MaxImagePixels,
		Background:     background,
		ModelPath:      cfg.ModelPath,
	})

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(enableCORS)

	r.Get("/", handler.Index)
	r.Post("/", handler.Predict)
	r.Get("/health", handler.Health)
	r.Method(http.MethodGet, "/metrics", m.Handler())

	server := &http.Server{
		Addr:    cfg.Addr(),
		Handler: r,
	}

	go func() {
		log.Printf("Server starting on %s", cfg.Addr())
		log.Printf("Classes: %v", meta.Classes)
		log.Printf("Resize: %dx%d %s, layout %s", meta.Width, meta.Height, filter, meta.Layout)
		log.Println("Endpoints:")
		log.Println("  GET  /        - Upload page")
		log.Println("  POST /        - Classify an uploaded image (JSON with Accept: application/json)")
		log.Println("  GET  /health  - Health check")
		log.Println("  GET  /metrics - Prometheus metrics")
		log.Printf("Upload test: curl -H 'Accept: application/json' -F \"image=@waste.jpg\" http://localhost:%s/", cfg.Port)

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
