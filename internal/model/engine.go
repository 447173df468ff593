package model

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Engine runs one forward pass. Implementations need not be safe for
// concurrent use; Classifier serializes calls.
type Engine interface {
	Run(input []float32) ([]float32, error)
	Close() error
}

var (
	envMu   sync.Mutex
	envRefs int
)

// acquireEnvironment initializes the ONNX Runtime environment on first use.
func acquireEnvironment(libraryPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}
	envRefs++
	return nil
}

func releaseEnvironment() {
	envMu.Lock()
	defer envMu.Unlock()
	envRefs--
	if envRefs == 0 {
		ort.DestroyEnvironment()
	}
}

// ortEngine binds one input and one output tensor to a session, so every
// run reuses the same buffers.
type ortEngine struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

func newORTEngine(modelPath, libraryPath string, meta Metadata) (*ortEngine, error) {
	if err := acquireEnvironment(libraryPath); err != nil {
		return nil, err
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.Input.Shape...))
	if err != nil {
		releaseEnvironment()
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.Output.Shape...))
	if err != nil {
		inputTensor.Destroy()
		releaseEnvironment()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{meta.Input.Name}, []string{meta.Output.Name},
		[]ort.Value{inputTensor}, []ort.Value{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		releaseEnvironment()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ortEngine{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

func (e *ortEngine) Run(input []float32) ([]float32, error) {
	copy(e.inputTensor.GetData(), input)

	if err := e.session.Run(); err != nil {
		return nil, err
	}

	out := e.outputTensor.GetData()
	scores := make([]float32, len(out))
	copy(scores, out)
	return scores, nil
}

func (e *ortEngine) Close() error {
	if e.inputTensor != nil {
		e.inputTensor.Destroy()
	}
	if e.outputTensor != nil {
		e.outputTensor.Destroy()
	}
	var err error
	if e.session != nil {
		err = e.session.Destroy()
	}
	releaseEnvironment()
	return err
}
