// Package pipeline implements the analysis pipelines. Each pipeline
// validates its input, resolves a model through the lifecycle manager, runs
// inference and maps the raw output to a typed result item.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/menta2k/visionhub/pkg/lifecycle"
	"github.com/menta2k/visionhub/pkg/processing"
	"github.com/menta2k/visionhub/pkg/router"
	"github.com/menta2k/visionhub/pkg/types"
)

// Pipeline is one analysis kind
type Pipeline interface {
	Kind() types.Kind
	// Process runs the analysis. opts may be nil for the defaults; any other
	// value must be the options type of the pipeline's kind.
	Process(ctx context.Context, img *processing.Image, opts types.Options) (types.ResultItem, error)
}

// ModelProvider resolves a loaded model for a task
type ModelProvider interface {
	GetOrLoad(ctx context.Context, task string, c router.Constraints) (*lifecycle.Handle, error)
}

// resolveOptions applies defaults for nil opts and validates the result
func resolveOptions[T types.Options](kind types.Kind, opts types.Options) (T, error) {
	var zero T
	if opts == nil {
		opts = types.DefaultOptions(kind)
	}
	o, ok := opts.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s pipeline cannot use %T options", types.ErrInvalidInput, kind, opts)
	}
	if err := o.Validate(); err != nil {
		return zero, err
	}
	return o, nil
}

// checkImage fails fast before any model is resolved
func checkImage(img *processing.Image) error {
	if img == nil {
		return fmt.Errorf("%w: no image", types.ErrInvalidInput)
	}
	return img.Validate()
}

// modelAs asserts the capability interface a pipeline needs on a handle
func modelAs[T any](kind types.Kind, h *lifecycle.Handle, capabilityName string) (T, error) {
	m, ok := h.Model.(T)
	if !ok {
		var zero T
		return zero, &types.PipelineError{
			Kind:  kind,
			Model: h.Descriptor.ID,
			Err:   fmt.Errorf("%w: backend %q is not a %s", types.ErrModelUnavailable, h.Descriptor.Backend, capabilityName),
		}
	}
	return m, nil
}

// inferenceError wraps a model call failure with the pipeline and model identity
func inferenceError(kind types.Kind, model string, err error) error {
	return &types.PipelineError{
		Kind:  kind,
		Model: model,
		Err:   fmt.Errorf("%w: %w", types.ErrInference, err),
	}
}

func finish(item types.ResultItem, start time.Time) types.ResultItem {
	item.ProcessingTimeMs = time.Since(start).Milliseconds()
	item.Timestamp = time.Now()
	return item
}
