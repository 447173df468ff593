package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	DefaultPort            = "8080"
	DefaultModelPath       = "waste_classification_model_quant.onnx"
	DefaultSourceModelPath = "waste_classification_model.onnx"
	DefaultBackgroundImage = "background.jpg"
	DefaultMQTTTopic       = "waste/predictions"
	DefaultMaxUploadMB     = 10
	DefaultMaxImageMP      = 50
)

type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
}

type Config struct {
	Host string
	Port string

	ModelPath       string
	SourceModelPath string
	LibraryPath     string
	Labels          []string
	ResizeFilter    string

	BackgroundImage string
	MaxUploadBytes  int64
	MaxImagePixels  int

	QuantMinElements int

	MQTT MQTTConfig
}

// Load reads the configuration from the environment, after loading a .env
// file from the working directory if there is one.
func Load() (Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Printf("Loaded environment from .env")
	}

	cfg := Config{
		Host:            os.Getenv("HOST"),
		Port:            getenv("PORT", DefaultPort),
		ModelPath:       getenv("MODEL_PATH", DefaultModelPath),
		SourceModelPath: getenv("SOURCE_MODEL_PATH", DefaultSourceModelPath),
		LibraryPath:     os.Getenv("ORT_LIBRARY_PATH"),
		Labels:          splitList(getenv("CLASS_LABELS", "Organic,Recyclable")),
		ResizeFilter:    os.Getenv("RESIZE_FILTER"),
		BackgroundImage: getenv("BACKGROUND_IMAGE", DefaultBackgroundImage),
		MQTT: MQTTConfig{
			Broker:   os.Getenv("MQTT_BROKER"),
			Topic:    getenv("MQTT_TOPIC", DefaultMQTTTopic),
			ClientID: os.Getenv("MQTT_CLIENT_ID"),
		},
	}

	maxMB, err := getInt("MAX_UPLOAD_MB", DefaultMaxUploadMB)
	if err != nil {
		return Config{}, err
	}
	if maxMB <= 0 {
		return Config{}, fmt.Errorf("MAX_UPLOAD_MB must be positive, got %d", maxMB)
	}
	cfg.MaxUploadBytes = int64(maxMB) << 20

	maxMP, err := getInt("MAX_IMAGE_MP", DefaultMaxImageMP)
	if err != nil {
		return Config{}, err
	}
	if maxMP <= 0 {
		return Config{}, fmt.Errorf("MAX_IMAGE_MP must be positive, got %d", maxMP)
	}
	cfg.MaxImagePixels = maxMP * 1_000_000

	if cfg.QuantMinElements, err = getInt("QUANT_MIN_ELEMENTS", 0); err != nil {
		return Config{}, err
	}
	if len(cfg.Labels) == 0 {
		return Config{}, fmt.Errorf("CLASS_LABELS must not be empty")
	}
	return cfg, nil
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return c.Host + ":" + c.Port
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
