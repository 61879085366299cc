package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/menta2k/visionhub/pkg/client"
	"github.com/menta2k/visionhub/pkg/processing"
	"github.com/menta2k/visionhub/pkg/router"
	"github.com/menta2k/visionhub/pkg/store"
	"github.com/menta2k/visionhub/pkg/types"
)

// FaceCropSize is the square size face crops are scaled to before embedding
const FaceCropSize = 160

// FaceRecognition detects faces and matches them against registered identities
type FaceRecognition struct {
	models     ModelProvider
	identities store.IdentityStore
	processor  *processing.Processor
}

// NewFaceRecognition creates the pipeline. identities may be nil, in which
// case faces are detected but never recognized.
func NewFaceRecognition(models ModelProvider, identities store.IdentityStore) *FaceRecognition {
	return &FaceRecognition{
		models:     models,
		identities: identities,
		processor:  processing.NewProcessor(),
	}
}

func (p *FaceRecognition) Kind() types.Kind { return types.KindFaceRecognition }

func (p *FaceRecognition) Process(ctx context.Context, img *processing.Image, opts types.Options) (types.ResultItem, error) {
	start := time.Now()

	o, err := resolveOptions[types.FaceOptions](p.Kind(), opts)
	if err != nil {
		return types.ResultItem{}, err
	}
	if err := checkImage(img); err != nil {
		return types.ResultItem{}, err
	}

	h, err := p.models.GetOrLoad(ctx, p.Kind().Task(), router.Constraints{})
	if err != nil {
		return types.ResultItem{}, err
	}
	analyzer, err := modelAs[client.FaceAnalyzer](p.Kind(), h, "face analyzer")
	if err != nil {
		return types.ResultItem{}, err
	}
	model := h.Descriptor.ID

	detected, err := analyzer.DetectFaces(ctx, img)
	if err != nil {
		return types.ResultItem{}, inferenceError(p.Kind(), model, err)
	}
	detected = selectFaces(detected, o.Mode)

	item := types.ResultItem{
		Kind:      p.Kind(),
		Faces:     []types.RecognizedFace{},
		ModelUsed: model,
	}
	if len(detected) == 0 {
		return finish(item, start), nil
	}

	var known []store.Identity
	if p.identities != nil {
		known, err = p.identities.ListRegisteredEmbeddings(ctx, o.UserID)
		if err != nil {
			return types.ResultItem{}, fmt.Errorf("list identities: %w", err)
		}
	}

	for _, f := range detected {
		face := types.RecognizedFace{
			Box:        f.Box,
			Confidence: clampUnit(f.Confidence),
		}

		embedding := f.Embedding
		if len(embedding) == 0 && len(known) > 0 {
			embedding, err = p.embed(ctx, analyzer, img, f.Box)
			if err != nil {
				return types.ResultItem{}, inferenceError(p.Kind(), model, err)
			}
		}

		if best, sim, ok := BestMatch(embedding, known); ok {
			face.Similarity = sim
			if sim >= o.SimilarityThreshold {
				face.Recognized = true
				face.PersonID = best.ID
				face.PersonName = best.Name
			}
		}
		item.Faces = append(item.Faces, face)

		if face.Confidence > item.Confidence {
			item.Confidence = face.Confidence
		}
	}

	slog.Debug("faces processed", "model", model, "faces", len(item.Faces), "identities", len(known))
	return finish(item, start), nil
}

func (p *FaceRecognition) embed(ctx context.Context, analyzer client.FaceAnalyzer, img *processing.Image, box types.Box) ([]float32, error) {
	crop, err := p.processor.CropImageToBox(img.Decoded, box, FaceCropSize, FaceCropSize)
	if err != nil {
		return nil, fmt.Errorf("crop face: %w", err)
	}
	return analyzer.Embed(ctx, processing.FromImage(crop))
}

// selectFaces keeps the largest face in FaceModeLargest and every face,
// largest first, in FaceModeAll
func selectFaces(faces []types.FaceDetection, mode string) []types.FaceDetection {
	if len(faces) == 0 {
		return nil
	}
	sorted := make([]types.FaceDetection, len(faces))
	copy(sorted, faces)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Box.Area() > sorted[j].Box.Area()
	})
	if mode == types.FaceModeLargest {
		return sorted[:1]
	}
	return sorted
}

// BestMatch returns the identity most similar to embedding. ok is false when
// there is nothing to compare against.
func BestMatch(embedding []float32, identities []store.Identity) (store.Identity, float64, bool) {
	if len(embedding) == 0 || len(identities) == 0 {
		return store.Identity{}, 0, false
	}

	best := -1
	bestSim := math.Inf(-1)
	for i, id := range identities {
		sim := CosineSimilarity(embedding, id.Embedding)
		if sim > bestSim {
			best, bestSim = i, sim
		}
	}
	return identities[best], math.Max(bestSim, 0), true
}

// CosineSimilarity of two embeddings. Embeddings of different length or with
// zero norm have similarity 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
