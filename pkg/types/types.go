package types

import "time"

// Kind identifies an analysis pipeline
type Kind string

const (
	KindObjectDetection Kind = "object-detection"
	KindDescription     Kind = "scene-description"
	KindOCR             Kind = "ocr"
	KindFaceRecognition Kind = "face-recognition"
)

// Kinds lists every pipeline kind in canonical order
func Kinds() []Kind {
	return []Kind{KindObjectDetection, KindDescription, KindOCR, KindFaceRecognition}
}

// Valid reports whether k is one of the known pipeline kinds
func (k Kind) Valid() bool {
	switch k {
	case KindObjectDetection, KindDescription, KindOCR, KindFaceRecognition:
		return true
	}
	return false
}

// Task names served by capabilities
const (
	TaskObjectDetection = "object-detection"
	TaskImageToText     = "image-to-text"
	TaskFaceDetection   = "face-detection"
	TaskFaceRecognition = "face-recognition"
)

// Task returns the capability task a pipeline kind resolves its model for.
// Scene description and OCR share the image-to-text task.
func (k Kind) Task() string {
	switch k {
	case KindObjectDetection:
		return TaskObjectDetection
	case KindDescription, KindOCR:
		return TaskImageToText
	case KindFaceRecognition:
		return TaskFaceRecognition
	}
	return ""
}

// Box represents a normalized bounding box with coordinates in [0,1] range
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Area returns the normalized area of the box
func (b Box) Area() float64 {
	return b.Width * b.Height
}

// DetectedObject is a single labelled detection
type DetectedObject struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// FaceDetection is a face located by a face model, with its embedding when computed
type FaceDetection struct {
	Box        Box       `json:"box"`
	Confidence float64   `json:"confidence"`
	Embedding  []float32 `json:"embedding,omitempty"`
}

// RecognizedFace is a detected face and, when similarity reached the threshold, its identity
type RecognizedFace struct {
	Box        Box     `json:"box"`
	Confidence float64 `json:"confidence"`
	Recognized bool    `json:"recognized"`
	PersonID   string  `json:"personId,omitempty"`
	PersonName string  `json:"personName,omitempty"`
	Similarity float64 `json:"similarity"`
}

// ResultItem is the outcome of one pipeline invocation in an orchestration run.
// Exactly one payload field is populated, matching Kind. Failed items carry
// Error and ErrorKind with zero confidence.
type ResultItem struct {
	Kind             Kind             `json:"kind"`
	Confidence       float64          `json:"confidence"`
	Objects          []DetectedObject `json:"objects,omitempty"`
	Description      string           `json:"description,omitempty"`
	Text             string           `json:"text,omitempty"`
	Faces            []RecognizedFace `json:"faces,omitempty"`
	ModelUsed        string           `json:"modelUsed,omitempty"`
	ProcessingTimeMs int64            `json:"processingTimeMs"`
	Timestamp        time.Time        `json:"timestamp"`
	Error            string           `json:"error,omitempty"`
	ErrorKind        string           `json:"errorKind,omitempty"`
}

// Failed reports whether the item records a pipeline failure
func (r ResultItem) Failed() bool {
	return r.Error != ""
}

// PipelineEntry enables or disables one pipeline in a run.
// Options may be nil, in which case the pipeline defaults apply.
type PipelineEntry struct {
	Kind    Kind    `json:"kind"`
	Enabled bool    `json:"enabled"`
	Options Options `json:"-"`
}

// ImageMeta describes the analysed image for persistence
type ImageMeta struct {
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Format    string `json:"format"`
	SizeBytes int    `json:"sizeBytes"`
}
