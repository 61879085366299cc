package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/menta2k/visionhub/pkg/client"
	"github.com/menta2k/visionhub/pkg/processing"
	"github.com/menta2k/visionhub/pkg/router"
	"github.com/menta2k/visionhub/pkg/types"
)

// Text generators report no score of their own, so a non-empty answer is
// reported at full confidence and an empty one at zero.

// Description produces a short caption of the scene
type Description struct {
	models ModelProvider
}

func NewDescription(models ModelProvider) *Description {
	return &Description{models: models}
}

func (p *Description) Kind() types.Kind { return types.KindDescription }

func (p *Description) Process(ctx context.Context, img *processing.Image, opts types.Options) (types.ResultItem, error) {
	start := time.Now()

	o, err := resolveOptions[types.DescriptionOptions](p.Kind(), opts)
	if err != nil {
		return types.ResultItem{}, err
	}

	text, model, err := generate(ctx, p.models, p.Kind(), img, o.TextOptions)
	if err != nil {
		return types.ResultItem{}, err
	}

	item := types.ResultItem{
		Kind:        p.Kind(),
		Description: strings.TrimSpace(text),
		ModelUsed:   model,
	}
	if item.Description != "" {
		item.Confidence = 1
	}
	return finish(item, start), nil
}

// OCR extracts visible text, one line per text line in the image
type OCR struct {
	models ModelProvider
}

func NewOCR(models ModelProvider) *OCR {
	return &OCR{models: models}
}

func (p *OCR) Kind() types.Kind { return types.KindOCR }

func (p *OCR) Process(ctx context.Context, img *processing.Image, opts types.Options) (types.ResultItem, error) {
	start := time.Now()

	o, err := resolveOptions[types.OCROptions](p.Kind(), opts)
	if err != nil {
		return types.ResultItem{}, err
	}

	text, model, err := generate(ctx, p.models, p.Kind(), img, o.TextOptions)
	if err != nil {
		return types.ResultItem{}, err
	}

	item := types.ResultItem{
		Kind:      p.Kind(),
		Text:      CleanOCRText(text),
		ModelUsed: model,
	}
	if item.Text != "" {
		item.Confidence = 1
	}
	return finish(item, start), nil
}

// CleanOCRText trims every line, drops empty lines and strips a surrounding
// code fence some models wrap their answer in
func CleanOCRText(raw string) string {
	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "```") {
			continue
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func generate(ctx context.Context, models ModelProvider, kind types.Kind, img *processing.Image, o types.TextOptions) (string, string, error) {
	if err := checkImage(img); err != nil {
		return "", "", err
	}

	h, err := models.GetOrLoad(ctx, kind.Task(), router.Constraints{ModelHint: o.ModelHint})
	if err != nil {
		return "", "", err
	}
	gen, err := modelAs[client.TextGenerator](kind, h, "text generator")
	if err != nil {
		return "", "", err
	}

	text, err := gen.GenerateText(ctx, img, client.TextRequest{
		Prompt:       o.Prompt,
		MaxNewTokens: o.MaxNewTokens,
		Sample:       o.Sample,
	})
	if err != nil {
		return "", "", inferenceError(kind, h.Descriptor.ID, err)
	}
	return text, h.Descriptor.ID, nil
}
