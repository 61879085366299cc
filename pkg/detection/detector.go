package detection

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/menta2k/visionhub/pkg/types"
)

// DefaultPrompt asks a vision LLM for every object it can locate
const DefaultPrompt = `You are an object detector.

Return JSON only:
{
  "objects": [
    {"label": "string", "confidence": 0.0, "box": {"x": 0.0, "y": 0.0, "width": 0.0, "height": 0.0}}
  ]
}

HARD RULES
- All coordinates are normalized to [0,1] (NOT pixels). x,y is the top-left corner.
- One entry per distinct object instance, most confident first.
- Labels: lowercase common nouns, no punctuation.
- confidence is your probability in [0,1] that the object is present.
- If nothing is found, return {"objects": []}.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

var (
	reBlock    = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLine     = regexp.MustCompile(`(?m)^\s*//.*$`)
	reInline   = regexp.MustCompile(`(?m)//.*$`)
	reTrailing = regexp.MustCompile(`,(\s*[}\]])`)
)

// rawObject accepts both the width/height and the short w/h box spelling
type rawObject struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Score      float64 `json:"score"`
	Box        struct {
		X      float64 `json:"x"`
		Y      float64 `json:"y"`
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
		W      float64 `json:"w"`
		H      float64 `json:"h"`
	} `json:"box"`
}

type rawResponse struct {
	Objects []rawObject `json:"objects"`
}

// ParseObjects parses a model response into normalized detections.
// imgW and imgH convert pixel boxes when the model ignored the
// normalization rule; pass 0 when unknown.
func ParseObjects(raw string, imgW, imgH int) ([]types.DetectedObject, error) {
	cleaned := SanitizeModelJSON(raw)
	if !strings.HasPrefix(cleaned, "{") {
		return nil, fmt.Errorf("model returned non-JSON response")
	}

	var resp rawResponse
	if err := json.Unmarshal([]byte(cleaned), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse model response: %w", err)
	}

	out := make([]types.DetectedObject, 0, len(resp.Objects))
	for _, o := range resp.Objects {
		label := strings.ToLower(strings.TrimSpace(o.Label))
		if label == "" || label == "none" {
			continue
		}
		conf := o.Confidence
		if conf == 0 {
			conf = o.Score
		}
		w, h := o.Box.Width, o.Box.Height
		if w == 0 && h == 0 {
			w, h = o.Box.W, o.Box.H
		}
		out = append(out, types.DetectedObject{
			Label:      label,
			Confidence: clamp(conf, 0, 1),
			Box:        NormalizeBox(types.Box{X: o.Box.X, Y: o.Box.Y, Width: w, Height: h}, imgW, imgH),
		})
	}
	SortByConfidence(out)
	return out, nil
}

// SortByConfidence orders detections most confident first
func SortByConfidence(objs []types.DetectedObject) {
	sort.SliceStable(objs, func(i, j int) bool {
		return objs[i].Confidence > objs[j].Confidence
	})
}

// FilterObjects drops detections below threshold and caps the count.
// maxObjects of 0 means unlimited. The input must already be sorted.
func FilterObjects(objs []types.DetectedObject, threshold float64, maxObjects int) []types.DetectedObject {
	out := make([]types.DetectedObject, 0, len(objs))
	for _, o := range objs {
		if o.Confidence < threshold {
			continue
		}
		out = append(out, o)
		if maxObjects > 0 && len(out) == maxObjects {
			break
		}
	}
	return out
}

// clamp ensures a value is within the given bounds
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// NormalizeBox ensures box coordinates are within [0,1] bounds, converting
// from pixels when any coordinate exceeds 1 and the image size is known.
func NormalizeBox(b types.Box, imgW, imgH int) types.Box {
	if imgW > 0 && imgH > 0 && (b.X > 1 || b.Y > 1 || b.Width > 1 || b.Height > 1) {
		b = types.Box{
			X:      b.X / float64(imgW),
			Y:      b.Y / float64(imgH),
			Width:  b.Width / float64(imgW),
			Height: b.Height / float64(imgH),
		}
	}

	x := clamp(b.X, 0, 1)
	y := clamp(b.Y, 0, 1)
	return types.Box{
		X:      x,
		Y:      y,
		Width:  clamp(b.Width, 0, 1-x),
		Height: clamp(b.Height, 0, 1-y),
	}
}

// SanitizeModelJSON removes code fences, comments, and trailing commas from JSON response
func SanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	// Strip triple-backtick fences if present
	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "`")

	raw = reBlock.ReplaceAllString(raw, "")
	raw = reLine.ReplaceAllString(raw, "")
	raw = reInline.ReplaceAllString(raw, "")
	raw = reTrailing.ReplaceAllString(raw, "$1")

	// Keep only the outermost {...}
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}
