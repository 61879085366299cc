// Package vision provides an offline object detection backend that finds
// visually salient regions with edge and contrast analysis. It needs no
// model server and serves descriptors whose backend is "saliency".
package vision

import (
	"context"
	"image"
	"math"
	"sort"

	"github.com/disintegration/imaging"

	"github.com/menta2k/visionhub/pkg/capability"
	"github.com/menta2k/visionhub/pkg/client"
	"github.com/menta2k/visionhub/pkg/processing"
	"github.com/menta2k/visionhub/pkg/types"
)

// BackendName is the Descriptor.Backend value served by this package
const BackendName = "saliency"

// RegionLabel is the label reported for every salient region
const RegionLabel = "salient-region"

// Config holds configuration for saliency detection
type Config struct {
	EdgeThreshold    float64
	ContrastWeight   float64
	ColorWeight      float64
	MinRegionRatio   float64
	MaxRegions       int
	OverlapThreshold float64 // IoU above which the weaker region is suppressed
	AnalysisSize     int     // longest side the image is reduced to before analysis
}

// DefaultConfig returns the detector defaults
func DefaultConfig() Config {
	return Config{
		EdgeThreshold:    0.01,
		ContrastWeight:   0.3,
		ColorWeight:      0.2,
		MinRegionRatio:   0.05,
		MaxRegions:       10,
		OverlapThreshold: 0.5,
		AnalysisSize:     256,
	}
}

// SaliencyDetector finds regions of interest in images
type SaliencyDetector struct {
	config Config
}

// New creates a SaliencyDetector with default configuration
func New() *SaliencyDetector {
	return &SaliencyDetector{config: DefaultConfig()}
}

// NewWithConfig creates a SaliencyDetector with custom configuration
func NewWithConfig(config Config) *SaliencyDetector {
	return &SaliencyDetector{config: config}
}

// Region represents a rectangular region of interest in pixels
type Region struct {
	X      int
	Y      int
	Width  int
	Height int
	Score  float64
}

// Center returns the center point of the region
func (r Region) Center() (int, int) {
	return r.X + r.Width/2, r.Y + r.Height/2
}

// Area returns the area of the region
func (r Region) Area() int {
	return r.Width * r.Height
}

// IoU returns the intersection over union of two regions
func (r Region) IoU(o Region) float64 {
	x1 := max(r.X, o.X)
	y1 := max(r.Y, o.Y)
	x2 := min(r.X+r.Width, o.X+o.Width)
	y2 := min(r.Y+r.Height, o.Y+o.Height)
	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	inter := (x2 - x1) * (y2 - y1)
	union := r.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// DetectRegions analyzes an image and returns salient regions, strongest
// first, in the coordinates of img
func (d *SaliencyDetector) DetectRegions(img image.Image) []Region {
	bounds := img.Bounds()
	if bounds.Dx() < 3 || bounds.Dy() < 3 {
		return nil
	}

	work := img
	scale := 1.0
	if d.config.AnalysisSize > 0 && max(bounds.Dx(), bounds.Dy()) > d.config.AnalysisSize {
		if bounds.Dx() >= bounds.Dy() {
			work = imaging.Resize(img, d.config.AnalysisSize, 0, imaging.Box)
		} else {
			work = imaging.Resize(img, 0, d.config.AnalysisSize, imaging.Box)
		}
		scale = float64(bounds.Dx()) / float64(work.Bounds().Dx())
	}

	wb := work.Bounds()
	saliencyMap := d.calculateSaliencyMap(work)
	regions := d.findCandidateRegions(saliencyMap, wb.Dx(), wb.Dy())
	regions = d.filterRegions(regions, wb.Dx(), wb.Dy())
	regions = d.suppressOverlaps(regions)

	if d.config.MaxRegions > 0 && len(regions) > d.config.MaxRegions {
		regions = regions[:d.config.MaxRegions]
	}

	if scale != 1.0 {
		for i := range regions {
			regions[i].X = int(float64(regions[i].X) * scale)
			regions[i].Y = int(float64(regions[i].Y) * scale)
			regions[i].Width = int(float64(regions[i].Width) * scale)
			regions[i].Height = int(float64(regions[i].Height) * scale)
		}
	}
	for i := range regions {
		regions[i].X += bounds.Min.X
		regions[i].Y += bounds.Min.Y
	}

	return regions
}

func (d *SaliencyDetector) calculateSaliencyMap(img image.Image) [][]float64 {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	saliencyMap := make([][]float64, height)
	for i := range saliencyMap {
		saliencyMap[i] = make([]float64, width)
	}

	neighbors := [8][2]int{{-1, -1}, {-1, 0}, {-1, 1}, {0, -1}, {0, 1}, {1, -1}, {1, 0}, {1, 1}}

	for y := 1; y < height-1; y++ {
		for x := 1; x < width-1; x++ {
			r1, g1, b1, _ := img.At(x+bounds.Min.X, y+bounds.Min.Y).RGBA()

			// Edge strength from the color distance to all 8 neighbors
			var edgeStrength float64
			for _, offset := range neighbors {
				r2, g2, b2, _ := img.At(x+offset[0]+bounds.Min.X, y+offset[1]+bounds.Min.Y).RGBA()

				dr := float64(r1) - float64(r2)
				dg := float64(g1) - float64(g2)
				db := float64(b1) - float64(b2)

				edgeStrength += math.Sqrt(dr*dr + dg*dg + db*db)
			}
			edgeStrength /= (8.0 * 65535.0)

			brightness := (float64(r1) + float64(g1) + float64(b1)) / (3.0 * 65535.0)

			saliencyMap[y][x] = d.config.ContrastWeight*edgeStrength + d.config.ColorWeight*brightness
		}
	}

	return saliencyMap
}

func (d *SaliencyDetector) findCandidateRegions(saliencyMap [][]float64, width, height int) []Region {
	var regions []Region

	integral := integralImage(saliencyMap, width, height)
	windowSizes := []int{width / 12, width / 8, width / 6, width / 4, width / 3}

	for _, windowSize := range windowSizes {
		if windowSize < 10 || windowSize > height {
			continue
		}
		step := max(windowSize/4, 1)

		for y := 0; y <= height-windowSize; y += step {
			for x := 0; x <= width-windowSize; x += step {
				score := integral.mean(x, y, windowSize, windowSize)
				if score > d.config.EdgeThreshold {
					regions = append(regions, Region{
						X:      x,
						Y:      y,
						Width:  windowSize,
						Height: windowSize,
						Score:  score,
					})
				}
			}
		}
	}

	return regions
}

func (d *SaliencyDetector) filterRegions(regions []Region, imageWidth, imageHeight int) []Region {
	minArea := int(float64(imageWidth*imageHeight) * d.config.MinRegionRatio)

	filtered := regions[:0]
	for _, region := range regions {
		if region.Area() >= minArea {
			filtered = append(filtered, region)
		}
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Score > filtered[j].Score
	})
	return filtered
}

// suppressOverlaps keeps the strongest of any group of overlapping regions.
// regions must be sorted by descending score.
func (d *SaliencyDetector) suppressOverlaps(regions []Region) []Region {
	if d.config.OverlapThreshold <= 0 {
		return regions
	}
	var kept []Region
	for _, r := range regions {
		suppressed := false
		for _, k := range kept {
			if r.IoU(k) > d.config.OverlapThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, r)
		}
	}
	return kept
}

type summedArea struct {
	sums  [][]float64
	width int
}

func integralImage(m [][]float64, width, height int) summedArea {
	sums := make([][]float64, height+1)
	for i := range sums {
		sums[i] = make([]float64, width+1)
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			sums[y+1][x+1] = m[y][x] + sums[y][x+1] + sums[y+1][x] - sums[y][x]
		}
	}
	return summedArea{sums: sums, width: width}
}

func (s summedArea) mean(x, y, w, h int) float64 {
	total := s.sums[y+h][x+w] - s.sums[y][x+w] - s.sums[y+h][x] + s.sums[y][x]
	return total / float64(w*h)
}

// Loader serves "saliency" descriptors. Models share no state, so loading
// is immediate.
type Loader struct {
	config Config
}

func NewLoader(config Config) *Loader {
	return &Loader{config: config}
}

func (l *Loader) Load(ctx context.Context, d capability.Descriptor) (client.Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Model{detector: NewWithConfig(l.config)}, nil
}

// Model adapts a SaliencyDetector to client.ObjectDetector
type Model struct {
	detector *SaliencyDetector
}

var _ client.ObjectDetector = (*Model)(nil)

// DetectObjects reports each salient region as an object. Confidence is the
// region score relative to the strongest region.
func (m *Model) DetectObjects(ctx context.Context, img *processing.Image) ([]types.DetectedObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	regions := m.detector.DetectRegions(img.Decoded)
	if len(regions) == 0 {
		return nil, nil
	}

	bounds := img.Decoded.Bounds()
	w, h := float64(bounds.Dx()), float64(bounds.Dy())
	best := regions[0].Score

	objs := make([]types.DetectedObject, 0, len(regions))
	for _, r := range regions {
		conf := 1.0
		if best > 0 {
			conf = math.Min(r.Score/best, 1.0)
		}
		objs = append(objs, types.DetectedObject{
			Label:      RegionLabel,
			Confidence: conf,
			Box: types.Box{
				X:      float64(r.X-bounds.Min.X) / w,
				Y:      float64(r.Y-bounds.Min.Y) / h,
				Width:  float64(r.Width) / w,
				Height: float64(r.Height) / h,
			},
		})
	}
	return objs, nil
}

func (m *Model) Close() error {
	return nil
}
