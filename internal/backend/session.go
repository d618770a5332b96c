package backend

import (
	"errors"
	"fmt"
	"os"

	ort "github.com/yalue/onnxruntime_go"
)

// ErrModelMissing is returned when a required model artifact is absent.
// The pipeline never fetches models itself.
var ErrModelMissing = errors.New("backend: model artifact missing")

// ErrInference is returned when a model run fails. In a video job this is
// fatal for the current frame only; the frame is skipped with a warning.
var ErrInference = errors.New("backend: inference failed")

// Session is one model loaded onto a backend. Run calls from all sessions
// of the same backend are serialized through the backend's submission lock.
type Session struct {
	backend     *Backend
	session     *ort.DynamicAdvancedSession
	modelPath   string
	inputNames  []string
	outputNames []string
}

// NewSession loads a model onto the backend's execution provider.
func (b *Backend) NewSession(modelPath string, inputNames, outputNames []string) (*Session, error) {
	if err := b.checkUsable(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrModelMissing, modelPath)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer opts.Destroy()

	if err := appendProvider(opts, b.kind); err != nil {
		// The tier probed clean at selection time; a provider failure now
		// means the environment changed under us. Fatal for the job.
		return nil, fmt.Errorf("execution provider %s rejected for %s: %w", b.kind, modelPath, err)
	}

	sess, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create session for %s: %w", modelPath, err)
	}

	return &Session{
		backend:     b,
		session:     sess,
		modelPath:   modelPath,
		inputNames:  inputNames,
		outputNames: outputNames,
	}, nil
}

// Run executes inference. Concurrent callers queue on the backend lock.
func (s *Session) Run(inputs []ort.Value, outputs []ort.Value) error {
	if err := s.backend.checkUsable(); err != nil {
		return err
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	if err := s.session.Run(inputs, outputs); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInference, s.modelPath, err)
	}
	return nil
}

// Close releases the session.
func (s *Session) Close() error {
	if s.session != nil {
		err := s.session.Destroy()
		s.session = nil
		return err
	}
	return nil
}

// NewTensor creates a tensor with the given shape and data.
func NewTensor[T ort.TensorData](shape []int64, data []T) (*ort.Tensor[T], error) {
	return ort.NewTensor(ort.NewShape(shape...), data)
}

// NewEmptyTensor creates a zeroed tensor for model output.
func NewEmptyTensor[T ort.TensorData](shape []int64) (*ort.Tensor[T], error) {
	size := int64(1)
	for _, dim := range shape {
		size *= dim
	}
	data := make([]T, size)
	return ort.NewTensor(ort.NewShape(shape...), data)
}
