package model

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"

	"github.com/Brownie44l1/imgclf-api/internal/lgr"
	"github.com/Brownie44l1/imgclf-api/internal/preprocess"
)

var (
	ErrNoInput          = errors.New("no input image given")
	ErrAmbiguousInput   = errors.New("both input_path and input_image given")
	ErrPreLoadWithInput = errors.New("pre_load does not take an input image")
	ErrInputSize        = errors.New("input size mismatch")
)

// Server owns the model. The model is loaded lazily on the first call that
// needs it and kept until Reset or Close. Inference is serialised because the
// session reuses its tensors.
type Server struct {
	modelPath    string
	metadataPath string
	device       string
	newSession   SessionFactory

	mu       sync.Mutex
	session  Session
	metadata *Metadata
}

type Option func(*Server)

func WithDevice(device string) Option {
	return func(s *Server) { s.device = device }
}

func WithSessionFactory(f SessionFactory) Option {
	return func(s *Server) { s.newSession = f }
}

// NewServer prepares a lazily loading Server. Nothing is read from disk
// until Load or the first prediction.
func NewServer(modelPath, metadataPath string, opts ...Option) (*Server, error) {
	s := &Server{
		modelPath:    modelPath,
		metadataPath: metadataPath,
		device:       "cpu",
		newSession:   ONNXSessionFactory(""),
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, _, err := ParseDevice(s.device); err != nil {
		return nil, err
	}
	return s, nil
}

// Load loads the model if it is not loaded yet.
func (s *Server) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Server) loadLocked() error {
	if s.session != nil {
		return nil
	}

	md, err := LoadMetadata(s.metadataPath)
	if err != nil {
		return err
	}
	if md.Transform == nil {
		lgr.Logger.Info("test transform not found in checkpoint, using ToTensor",
			slog.String("metadata", s.metadataPath),
		)
	}

	session, err := s.newSession(s.modelPath, md, s.device)
	if err != nil {
		return err
	}

	s.session = session
	s.metadata = md

	lgr.Logger.Info("model loaded",
		slog.String("model", s.modelPath),
		slog.String("device", s.device),
		slog.Any("classes", md.Classes),
		slog.Any("inputShape", md.InputShape),
	)
	return nil
}

// Loaded reports whether a session is currently open.
func (s *Server) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session != nil
}

// Metadata returns the metadata of the loaded model, loading it if needed.
func (s *Server) Metadata() (*Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	return s.metadata, nil
}

// Reset closes the session. The next call loads the checkpoint again.
func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Server) Close() {
	s.Reset()
}

func (s *Server) closeLocked() {
	if s.session != nil {
		s.session.Close()
	}
	s.session = nil
	s.metadata = nil
}

// Predict runs a raw, already preprocessed input tensor.
func (s *Server) Predict(input []float32) (*Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	if want := s.metadata.InputSize(); len(input) != want {
		return nil, fmt.Errorf("%w: expected %d values, got %d", ErrInputSize, want, len(input))
	}
	return s.predictLocked(input)
}

// PredictImage preprocesses img with the checkpoint transform and runs it.
func (s *Server) PredictImage(img image.Image) (*Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	input, err := s.preprocessLocked(img)
	if err != nil {
		return nil, err
	}
	return s.predictLocked(input)
}

// SingleRun loads the model if needed, reads the image from a path or a
// base64 string and classifies it. A pre-load run pushes a blank image
// through the model instead and reports LoadedMessage.
func (s *Server) SingleRun(ctx context.Context, req RunRequest) (*RunResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return nil, err
	}

	if req.PreLoad {
		blank, err := preprocess.BlankPNGBase64()
		if err != nil {
			return nil, err
		}
		req.InputImage = blank
	}

	img, err := req.image()
	if err != nil {
		return nil, err
	}
	input, err := s.preprocessLocked(img)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logits, err := s.session.Run(input)
	if err != nil {
		return nil, err
	}

	var payload *RunResult
	if req.PreLoad {
		payload = &RunResult{Result: LoadedMessage}
	} else {
		pred, err := Postprocess(logits, s.metadata.Classes)
		if err != nil {
			return nil, err
		}
		payload = &RunResult{Result: pred.Result()}
	}

	lgr.Logger.Info("returning payload", slog.Any("result", payload.Result))
	return payload, nil
}

// Warmup is SingleRun with PreLoad set.
func (s *Server) Warmup(ctx context.Context) (*RunResult, error) {
	return s.SingleRun(ctx, RunRequest{PreLoad: true})
}

func (s *Server) preprocessLocked(img image.Image) ([]float32, error) {
	return preprocess.Apply(img, s.metadata.Transform, s.metadata.Width(), s.metadata.Height())
}

func (s *Server) predictLocked(input []float32) (*Prediction, error) {
	logits, err := s.session.Run(input)
	if err != nil {
		return nil, err
	}

	pred, err := Postprocess(logits, s.metadata.Classes)
	if err != nil {
		return nil, err
	}

	lgr.Logger.Info("returning payload",
		slog.String("class", pred.Class),
		slog.Float64("confidence", float64(pred.Confidence)),
	)
	return pred, nil
}

func (r RunRequest) validate() error {
	switch {
	case r.PreLoad && (r.InputPath != "" || r.InputImage != ""):
		return ErrPreLoadWithInput
	case r.PreLoad:
		return nil
	case r.InputPath != "" && r.InputImage != "":
		return ErrAmbiguousInput
	case r.InputPath == "" && r.InputImage == "":
		return ErrNoInput
	}
	return nil
}

func (r RunRequest) image() (image.Image, error) {
	if r.InputPath != "" {
		return preprocess.LoadFile(r.InputPath)
	}
	return preprocess.DecodeBase64(r.InputImage)
}
