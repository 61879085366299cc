package pipeline

import (
	"context"
	"time"

	"github.com/menta2k/visionhub/pkg/client"
	"github.com/menta2k/visionhub/pkg/detection"
	"github.com/menta2k/visionhub/pkg/processing"
	"github.com/menta2k/visionhub/pkg/router"
	"github.com/menta2k/visionhub/pkg/types"
)

// ObjectDetection finds labelled objects with normalized boxes
type ObjectDetection struct {
	models ModelProvider
}

func NewObjectDetection(models ModelProvider) *ObjectDetection {
	return &ObjectDetection{models: models}
}

func (p *ObjectDetection) Kind() types.Kind { return types.KindObjectDetection }

func (p *ObjectDetection) Process(ctx context.Context, img *processing.Image, opts types.Options) (types.ResultItem, error) {
	start := time.Now()

	o, err := resolveOptions[types.DetectionOptions](p.Kind(), opts)
	if err != nil {
		return types.ResultItem{}, err
	}
	if err := checkImage(img); err != nil {
		return types.ResultItem{}, err
	}

	h, err := p.models.GetOrLoad(ctx, p.Kind().Task(), detectionConstraints(o))
	if err != nil {
		return types.ResultItem{}, err
	}
	detector, err := modelAs[client.ObjectDetector](p.Kind(), h, "object detector")
	if err != nil {
		return types.ResultItem{}, err
	}

	objs, err := detector.DetectObjects(ctx, img)
	if err != nil {
		return types.ResultItem{}, inferenceError(p.Kind(), h.Descriptor.ID, err)
	}

	for i := range objs {
		objs[i].Box = detection.NormalizeBox(objs[i].Box, img.Width(), img.Height())
		objs[i].Confidence = clampUnit(objs[i].Confidence)
	}
	detection.SortByConfidence(objs)
	objs = detection.FilterObjects(objs, o.Threshold, o.MaxObjects)

	item := types.ResultItem{
		Kind:      p.Kind(),
		Objects:   objs,
		ModelUsed: h.Descriptor.ID,
	}
	if len(objs) > 0 {
		item.Confidence = objs[0].Confidence
	}
	return finish(item, start), nil
}

func detectionConstraints(o types.DetectionOptions) router.Constraints {
	return router.Constraints{
		DeviceClass:       o.DeviceClass,
		RealTime:          o.RealTime,
		PreferQuantized:   o.QuantizationHint == types.QuantizationPreferred,
		PreferUnquantized: o.QuantizationHint == types.QuantizationUnpreferred,
		ModelHint:         o.ModelHint,
	}
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
