package types

import (
	"fmt"
	"strings"
)

// Options is the per-pipeline configuration. Each pipeline kind has exactly
// one concrete options type.
type Options interface {
	Kind() Kind
	Validate() error
}

// Canonical defaults
const (
	DefaultDetectionThreshold   = 0.5
	DefaultSimilarityThreshold  = 0.7
	DefaultDescriptionMaxTokens = 100
	DefaultOCRMaxTokens         = 150

	DefaultDescriptionPrompt = "Describe this image in one or two sentences."
	DefaultOCRPrompt         = "Extract all text visible in this image. Return only the text, preserving line breaks. If there is no text, return nothing."
)

// Quantization hints accepted by DetectionOptions
const (
	QuantizationAny         = ""
	QuantizationPreferred   = "prefer-quantized"
	QuantizationUnpreferred = "prefer-unquantized"
)

// Face matching modes
const (
	FaceModeLargest = "largest"
	FaceModeAll     = "all"
)

// DetectionOptions configures the object detection pipeline
type DetectionOptions struct {
	ModelHint        string  `json:"modelHint,omitempty"`
	Threshold        float64 `json:"threshold"`
	MaxObjects       int     `json:"maxObjects"`
	QuantizationHint string  `json:"quantizationHint,omitempty"`
	DeviceClass      string  `json:"deviceClass,omitempty"`
	RealTime         bool    `json:"realTime,omitempty"`
}

// DefaultDetectionOptions returns detection options with default values
func DefaultDetectionOptions() DetectionOptions {
	return DetectionOptions{Threshold: DefaultDetectionThreshold}
}

func (DetectionOptions) Kind() Kind { return KindObjectDetection }

func (o DetectionOptions) Validate() error {
	if o.Threshold < 0 || o.Threshold > 1 {
		return fmt.Errorf("%w: threshold must be between 0 and 1, got %v", ErrInvalidInput, o.Threshold)
	}
	if o.MaxObjects < 0 {
		return fmt.Errorf("%w: maxObjects must not be negative", ErrInvalidInput)
	}
	switch o.QuantizationHint {
	case QuantizationAny, QuantizationPreferred, QuantizationUnpreferred:
	default:
		return fmt.Errorf("%w: unknown quantizationHint %q", ErrInvalidInput, o.QuantizationHint)
	}
	return nil
}

// TextOptions holds the settings shared by the image-to-text pipelines
type TextOptions struct {
	ModelHint    string `json:"modelHint,omitempty"`
	Prompt       string `json:"prompt"`
	MaxNewTokens int    `json:"maxNewTokens"`
	Sample       bool   `json:"sample"`
}

func (o TextOptions) validate() error {
	if strings.TrimSpace(o.Prompt) == "" {
		return fmt.Errorf("%w: prompt must not be empty", ErrInvalidInput)
	}
	if o.MaxNewTokens <= 0 {
		return fmt.Errorf("%w: maxNewTokens must be positive", ErrInvalidInput)
	}
	return nil
}

// DescriptionOptions configures the scene description pipeline
type DescriptionOptions struct {
	TextOptions
}

// DefaultDescriptionOptions returns description options with default values
func DefaultDescriptionOptions() DescriptionOptions {
	return DescriptionOptions{TextOptions{
		Prompt:       DefaultDescriptionPrompt,
		MaxNewTokens: DefaultDescriptionMaxTokens,
	}}
}

func (DescriptionOptions) Kind() Kind { return KindDescription }

func (o DescriptionOptions) Validate() error { return o.validate() }

// OCROptions configures the text extraction pipeline
type OCROptions struct {
	TextOptions
}

// DefaultOCROptions returns OCR options with default values
func DefaultOCROptions() OCROptions {
	return OCROptions{TextOptions{
		Prompt:       DefaultOCRPrompt,
		MaxNewTokens: DefaultOCRMaxTokens,
	}}
}

func (OCROptions) Kind() Kind { return KindOCR }

func (o OCROptions) Validate() error { return o.validate() }

// FaceOptions configures the face recognition pipeline
type FaceOptions struct {
	SimilarityThreshold float64 `json:"similarityThreshold"`
	Mode                string  `json:"mode"`
	// UserID scopes the identities matched against; empty matches all.
	UserID string `json:"userId,omitempty"`
}

// DefaultFaceOptions returns face options with default values
func DefaultFaceOptions() FaceOptions {
	return FaceOptions{
		SimilarityThreshold: DefaultSimilarityThreshold,
		Mode:                FaceModeLargest,
	}
}

func (FaceOptions) Kind() Kind { return KindFaceRecognition }

func (o FaceOptions) Validate() error {
	if o.SimilarityThreshold < 0 || o.SimilarityThreshold > 1 {
		return fmt.Errorf("%w: similarityThreshold must be between 0 and 1, got %v", ErrInvalidInput, o.SimilarityThreshold)
	}
	if o.Mode != FaceModeLargest && o.Mode != FaceModeAll {
		return fmt.Errorf("%w: unknown face mode %q", ErrInvalidInput, o.Mode)
	}
	return nil
}

// DefaultOptions returns the default options for a pipeline kind
func DefaultOptions(k Kind) Options {
	switch k {
	case KindObjectDetection:
		return DefaultDetectionOptions()
	case KindDescription:
		return DefaultDescriptionOptions()
	case KindOCR:
		return DefaultOCROptions()
	case KindFaceRecognition:
		return DefaultFaceOptions()
	}
	return nil
}
