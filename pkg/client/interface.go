package client

import (
	"context"

	"github.com/menta2k/visionhub/pkg/processing"
	"github.com/menta2k/visionhub/pkg/types"
)

// Model is a loaded runtime instance. Pipelines assert the task interface
// they need on it.
type Model interface {
	Close() error
}

// ObjectDetector returns labelled detections with normalized boxes
type ObjectDetector interface {
	DetectObjects(ctx context.Context, img *processing.Image) ([]types.DetectedObject, error)
}

// TextRequest parameterises an image-to-text generation
type TextRequest struct {
	Prompt       string
	MaxNewTokens int
	Sample       bool
}

// TextGenerator produces free text conditioned on an image
type TextGenerator interface {
	GenerateText(ctx context.Context, img *processing.Image, req TextRequest) (string, error)
}

// FaceAnalyzer locates faces and computes embeddings. The embedding space is
// opaque; callers only compare embeddings from the same model.
type FaceAnalyzer interface {
	DetectFaces(ctx context.Context, img *processing.Image) ([]types.FaceDetection, error)
	Embed(ctx context.Context, face *processing.Image) ([]float32, error)
}
