package types

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrDuplicateCapability = errors.New("duplicate capability")
	ErrModelUnavailable    = errors.New("model unavailable")
	ErrModelLoadFailed     = errors.New("model load failed")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInference           = errors.New("inference error")
	ErrTimeout             = errors.New("timeout")
)

// PipelineError wraps a failure with the pipeline kind and model that produced it
type PipelineError struct {
	Kind  Kind
	Model string
	Err   error
}

func (e *PipelineError) Error() string {
	if e.Model == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (model %s): %v", e.Kind, e.Model, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// ErrorKindOf maps an error onto its taxonomy name
func ErrorKindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrModelUnavailable):
		return "model_unavailable"
	case errors.Is(err, ErrModelLoadFailed):
		return "model_load_failed"
	case errors.Is(err, ErrDuplicateCapability):
		return "duplicate_capability"
	default:
		return "inference_error"
	}
}
