package main

import (
	"fmt"
	"log"

	"github.com/Brownie44l1/waste-classifier/internal/config"
	"github.com/Brownie44l1/waste-classifier/internal/quantize"
)

// Converts the full-precision model into the quantized artifact the server
// loads. Runs once, offline.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	log.Printf("Loading full-precision model from: %s", cfg.SourceModelPath)

	report, err := quantize.ConvertFile(cfg.SourceModelPath, cfg.ModelPath, quantize.Options{
		MinElements: cfg.QuantMinElements,
		Labels:      cfg.Labels,
	})
	if err != nil {
		log.Fatalf("Conversion failed: %v", err)
	}

	log.Printf("Quantized tensors: %v", report.Quantized)
	log.Printf("Size: %d -> %d bytes", report.BytesBefore, report.BytesAfter)
	fmt.Printf("✅ Quantized model saved as %s\n", cfg.ModelPath)
}
