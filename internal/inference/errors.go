package inference

import (
	"errors"
	"fmt"
)

var (
	// ErrBackendUnavailable matches every BackendUnavailableError.
	ErrBackendUnavailable = errors.New("execution backend unavailable")

	// ErrInferenceStalled is returned when a model call exceeds the stall
	// timeout. It is a fatal backend fault and is never retried.
	ErrInferenceStalled = errors.New("inference call stalled")

	// ErrClosed is returned by Run after the owning provider was closed.
	ErrClosed = errors.New("inference provider closed")
)

// BackendUnavailableError reports that the selected execution provider could
// not be attached at startup.
type BackendUnavailableError struct {
	Backend Backend
	Err     error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("backend %s unavailable: %v", e.Backend, e.Err)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Err }

func (e *BackendUnavailableError) Is(target error) bool {
	return target == ErrBackendUnavailable
}

// ModelLoadError reports a missing or corrupt model file, or a model whose
// operator set the backend cannot execute.
type ModelLoadError struct {
	Path string
	Err  error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("load model %s: %v", e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// InferenceError reports a shape mismatch or a backend fault during Run.
type InferenceError struct {
	Model string
	Err   error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference %s: %v", e.Model, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }
