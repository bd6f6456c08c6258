package model

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/xerrors"

	"github.com/Brownie44l1/imgclf-api/internal/lgr"
)

var ErrUnknownDevice = errors.New("unknown device")

// Session runs the forward pass of a loaded network on one input tensor.
type Session interface {
	Run(input []float32) ([]float32, error)
	Close()
}

// SessionFactory opens a Session for the model file described by md.
type SessionFactory func(modelPath string, md *Metadata, device string) (Session, error)

// ParseDevice accepts "cpu", "cuda" and "cuda:<id>".
func ParseDevice(device string) (kind string, id int, err error) {
	d := strings.ToLower(strings.TrimSpace(device))
	switch {
	case d == "" || d == "cpu":
		return "cpu", 0, nil
	case d == "cuda" || d == "gpu":
		return "cuda", 0, nil
	case strings.HasPrefix(d, "cuda:"):
		id, err := strconv.Atoi(strings.TrimPrefix(d, "cuda:"))
		if err != nil || id < 0 {
			return "", 0, fmt.Errorf("%w: %q", ErrUnknownDevice, device)
		}
		return "cuda", id, nil
	}
	return "", 0, fmt.Errorf("%w: %q", ErrUnknownDevice, device)
}

var runtimeMu sync.Mutex

// InitRuntime loads the onnxruntime shared library once per process.
func InitRuntime(libPath string) error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

// ShutdownRuntime releases the onnxruntime environment.
func ShutdownRuntime() {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if ort.IsInitialized() {
		ort.DestroyEnvironment()
	}
}

// ONNXSessionFactory returns a factory that opens ONNX Runtime sessions,
// initialising the runtime from libPath on first use.
func ONNXSessionFactory(libPath string) SessionFactory {
	return func(modelPath string, md *Metadata, device string) (Session, error) {
		if err := InitRuntime(libPath); err != nil {
			return nil, err
		}
		return NewONNXSession(modelPath, md, device)
	}
}

type onnxSession struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

// NewONNXSession builds an advanced session with tensors pre-allocated from
// the metadata shapes. A CUDA device that cannot be used, either because the
// provider does not load or because the session fails to open on it, falls
// back to CPU once.
func NewONNXSession(modelPath string, md *Metadata, device string) (Session, error) {
	kind, deviceID, err := ParseDevice(device)
	if err != nil {
		return nil, err
	}
	return withCPUFallback(kind, deviceID, func(useCUDA bool) (Session, error) {
		return openONNX(modelPath, md, useCUDA, deviceID)
	})
}

func withCPUFallback(kind string, deviceID int, open func(useCUDA bool) (Session, error)) (Session, error) {
	if kind != "cuda" {
		return open(false)
	}

	session, err := open(true)
	if err == nil {
		return session, nil
	}
	lgr.Logger.Warn("cuda unavailable, falling back to cpu",
		slog.Int("deviceId", deviceID),
		slog.Any("error", xerrors.New(err.Error())),
	)
	return open(false)
}

func openONNX(modelPath string, md *Metadata, useCUDA bool, deviceID int) (Session, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	if useCUDA {
		if err := appendCUDA(options, deviceID); err != nil {
			return nil, fmt.Errorf("failed to append cuda provider: %w", err)
		}
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(md.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(md.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{md.InputName}, []string{md.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		options)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &onnxSession{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

func appendCUDA(options *ort.SessionOptions, deviceID int) error {
	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer cudaOptions.Destroy()

	if err := cudaOptions.Update(map[string]string{"device_id": strconv.Itoa(deviceID)}); err != nil {
		return err
	}
	return options.AppendExecutionProviderCUDA(cudaOptions)
}

func (s *onnxSession) Run(input []float32) ([]float32, error) {
	copy(s.inputTensor.GetData(), input)

	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	out := s.outputTensor.GetData()
	logits := make([]float32, len(out))
	copy(logits, out)
	return logits, nil
}

func (s *onnxSession) Close() {
	if s.inputTensor != nil {
		s.inputTensor.Destroy()
	}
	if s.outputTensor != nil {
		s.outputTensor.Destroy()
	}
	if s.session != nil {
		s.session.Destroy()
	}
}
