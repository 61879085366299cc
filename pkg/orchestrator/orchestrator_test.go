package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/menta2k/visionhub/pkg/capability"
	"github.com/menta2k/visionhub/pkg/client"
	"github.com/menta2k/visionhub/pkg/lifecycle"
	"github.com/menta2k/visionhub/pkg/pipeline"
	"github.com/menta2k/visionhub/pkg/processing"
	"github.com/menta2k/visionhub/pkg/router"
	"github.com/menta2k/visionhub/pkg/store"
	"github.com/menta2k/visionhub/pkg/types"
)

type stubModel struct {
	objs []types.DetectedObject
	text string
}

func (m *stubModel) DetectObjects(ctx context.Context, img *processing.Image) ([]types.DetectedObject, error) {
	out := make([]types.DetectedObject, len(m.objs))
	copy(out, m.objs)
	return out, nil
}

func (m *stubModel) GenerateText(ctx context.Context, img *processing.Image, req client.TextRequest) (string, error) {
	return m.text, nil
}

func (m *stubModel) Close() error { return nil }

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 4), uint8(y * 5), 100, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

// newStack wires a real registry, router and lifecycle manager around a stub
// backend. Backends listed in failing fail to load.
func newStack(t *testing.T, model *stubModel, failing map[string]bool) *lifecycle.Manager {
	t.Helper()
	reg := capability.NewRegistry()
	reg.Register(capability.Descriptor{ID: "detector", Tasks: []string{types.TaskObjectDetection}, Backend: "det"})
	reg.Register(capability.Descriptor{ID: "captioner", Tasks: []string{types.TaskImageToText}, Backend: "txt"})

	loader := lifecycle.LoaderFunc(func(ctx context.Context, d capability.Descriptor) (client.Model, error) {
		if failing[d.Backend] {
			return nil, errors.New("weights missing")
		}
		return model, nil
	})
	mgr := lifecycle.NewManager(lifecycle.Config{MaxConcurrent: 3}, router.New(reg), reg,
		map[string]lifecycle.Loader{"det": loader, "txt": loader})
	t.Cleanup(mgr.UnloadAll)
	return mgr
}

func newOrchestrator(mgr *lifecycle.Manager, saver store.Saver) *Orchestrator {
	return New(Config{}, saver,
		pipeline.NewObjectDetection(mgr),
		pipeline.NewDescription(mgr),
		pipeline.NewOCR(mgr),
	)
}

func TestDisabledPipelineProducesNoItem(t *testing.T) {
	model := &stubModel{objs: []types.DetectedObject{{Label: "cat", Confidence: 0.8}}}
	o := newOrchestrator(newStack(t, model, nil), nil)

	items, err := o.Run(context.Background(), Request{
		Image: pngBytes(t),
		Pipelines: []types.PipelineEntry{
			{Kind: types.KindObjectDetection, Enabled: true},
			{Kind: types.KindOCR, Enabled: false},
		},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("Expected exactly 1 item, got %d", len(items))
	}
	if items[0].Kind != types.KindObjectDetection || items[0].Failed() {
		t.Errorf("Expected a successful detection item, got %+v", items[0])
	}
	if items[0].ModelUsed != "detector" {
		t.Errorf("Expected model detector, got %q", items[0].ModelUsed)
	}
}

func TestFailureDoesNotSuppressOtherPipelines(t *testing.T) {
	model := &stubModel{text: "A quiet street."}
	o := newOrchestrator(newStack(t, model, map[string]bool{"det": true}), nil)

	items, err := o.Run(context.Background(), Request{
		Image: pngBytes(t),
		Pipelines: []types.PipelineEntry{
			{Kind: types.KindObjectDetection, Enabled: true},
			{Kind: types.KindDescription, Enabled: true},
		},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("Expected 2 items, got %d", len(items))
	}

	det := items[0]
	if det.Kind != types.KindObjectDetection || !det.Failed() {
		t.Errorf("Expected a failed detection item, got %+v", det)
	}
	if det.ErrorKind != "model_load_failed" || det.Confidence != 0 {
		t.Errorf("Expected model_load_failed with zero confidence, got %s/%f", det.ErrorKind, det.Confidence)
	}

	desc := items[1]
	if desc.Kind != types.KindDescription || desc.Failed() || desc.Description != "A quiet street." {
		t.Errorf("Expected a successful description, got %+v", desc)
	}
}

func TestDetectionThresholdEndToEnd(t *testing.T) {
	model := &stubModel{objs: []types.DetectedObject{
		{Label: "person", Confidence: 0.95},
		{Label: "dog", Confidence: 0.4},
	}}
	o := newOrchestrator(newStack(t, model, nil), nil)

	opts := types.DefaultDetectionOptions()
	opts.Threshold = 0.9
	items, err := o.Run(context.Background(), Request{
		Image:     pngBytes(t),
		Pipelines: []types.PipelineEntry{{Kind: types.KindObjectDetection, Enabled: true, Options: opts}},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(items[0].Objects) != 1 || items[0].Objects[0].Confidence != 0.95 {
		t.Errorf("Expected only the 0.95 detection, got %+v", items[0].Objects)
	}
}

func TestInvalidOptionsBecomeFailedItems(t *testing.T) {
	o := newOrchestrator(newStack(t, &stubModel{text: "x"}, nil), nil)

	items, err := o.Run(context.Background(), Request{
		Image: pngBytes(t),
		Pipelines: []types.PipelineEntry{
			{Kind: types.KindOCR, Enabled: true, Options: types.OCROptions{}},
			{Kind: types.KindDescription, Enabled: true},
		},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if items[0].ErrorKind != "invalid_input" {
		t.Errorf("Expected invalid_input, got %q", items[0].ErrorKind)
	}
	if items[1].Failed() {
		t.Errorf("Expected description to succeed, got %s", items[1].Error)
	}
}

func TestRequestLevelErrors(t *testing.T) {
	o := newOrchestrator(newStack(t, &stubModel{}, nil), nil)
	ctx := context.Background()
	det := types.PipelineEntry{Kind: types.KindObjectDetection, Enabled: true}

	if _, err := o.Run(ctx, Request{Image: []byte("not an image"), Pipelines: []types.PipelineEntry{det}}); !errors.Is(err, types.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for garbage bytes, got %v", err)
	}
	if _, err := o.Run(ctx, Request{Pipelines: []types.PipelineEntry{det}}); !errors.Is(err, types.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for an empty image, got %v", err)
	}
	if _, err := o.Run(ctx, Request{Image: pngBytes(t), Pipelines: []types.PipelineEntry{det, det}}); !errors.Is(err, types.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for duplicate entries, got %v", err)
	}
	face := types.PipelineEntry{Kind: types.KindFaceRecognition, Enabled: true}
	if _, err := o.Run(ctx, Request{Image: pngBytes(t), Pipelines: []types.PipelineEntry{face}}); !errors.Is(err, ErrUnknownPipeline) {
		t.Errorf("Expected ErrUnknownPipeline, got %v", err)
	}
	// a disabled unconfigured pipeline is fine
	face.Enabled = false
	if items, err := o.Run(ctx, Request{Image: pngBytes(t), Pipelines: []types.PipelineEntry{face}}); err != nil || len(items) != 0 {
		t.Errorf("Expected no items and no error, got %d/%v", len(items), err)
	}
}

type funcPipeline struct {
	kind types.Kind
	fn   func(ctx context.Context) (types.ResultItem, error)
}

func (p funcPipeline) Kind() types.Kind { return p.kind }
func (p funcPipeline) Process(ctx context.Context, img *processing.Image, opts types.Options) (types.ResultItem, error) {
	return p.fn(ctx)
}

func TestOrderPreservedUnderConcurrency(t *testing.T) {
	slow := funcPipeline{types.KindObjectDetection, func(ctx context.Context) (types.ResultItem, error) {
		time.Sleep(50 * time.Millisecond)
		return types.ResultItem{ModelUsed: "slow"}, nil
	}}
	fast := funcPipeline{types.KindOCR, func(ctx context.Context) (types.ResultItem, error) {
		return types.ResultItem{ModelUsed: "fast", Text: "hi"}, nil
	}}
	o := New(Config{}, nil, slow, fast)

	items, err := o.Run(context.Background(), Request{
		Image: pngBytes(t),
		Pipelines: []types.PipelineEntry{
			{Kind: types.KindObjectDetection, Enabled: true},
			{Kind: types.KindOCR, Enabled: true},
		},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if items[0].ModelUsed != "slow" || items[1].ModelUsed != "fast" {
		t.Errorf("Expected request order, got %s, %s", items[0].ModelUsed, items[1].ModelUsed)
	}
	if items[0].Kind != types.KindObjectDetection || items[0].Timestamp.IsZero() {
		t.Errorf("Expected orchestrator to tag kind and timestamp, got %+v", items[0])
	}
}

func TestPipelineTimeout(t *testing.T) {
	stuck := funcPipeline{types.KindDescription, func(ctx context.Context) (types.ResultItem, error) {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		return types.ResultItem{Description: "late"}, nil
	}}
	o := New(Config{PipelineTimeout: 30 * time.Millisecond}, nil, stuck)

	items, err := o.Run(context.Background(), Request{
		Image:     pngBytes(t),
		Pipelines: []types.PipelineEntry{{Kind: types.KindDescription, Enabled: true}},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if items[0].ErrorKind != "timeout" || items[0].Description != "" {
		t.Errorf("Expected a timeout item, got %+v", items[0])
	}
}

func TestPanicBecomesInferenceError(t *testing.T) {
	boom := funcPipeline{types.KindOCR, func(ctx context.Context) (types.ResultItem, error) {
		panic("index out of range")
	}}
	o := New(Config{}, nil, boom)

	items, err := o.Run(context.Background(), Request{
		Image:     pngBytes(t),
		Pipelines: []types.PipelineEntry{{Kind: types.KindOCR, Enabled: true}},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if items[0].ErrorKind != "inference_error" {
		t.Errorf("Expected inference_error, got %+v", items[0])
	}
}

type flakySaver struct {
	mu    sync.Mutex
	saved []store.Record
	fail  types.Kind
}

func (s *flakySaver) Save(ctx context.Context, rec store.Record) (store.Record, error) {
	if rec.Kind == s.fail {
		return store.Record{}, errors.New("disk full")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, rec)
	return rec, nil
}

func TestPersistSavesSuccessfulItems(t *testing.T) {
	model := &stubModel{text: "EXIT"}
	saver := &flakySaver{fail: types.KindOCR}
	o := newOrchestrator(newStack(t, model, map[string]bool{"det": true}), saver)

	data := pngBytes(t)
	items, err := o.Run(context.Background(), Request{
		Image: data,
		Pipelines: []types.PipelineEntry{
			{Kind: types.KindObjectDetection, Enabled: true},
			{Kind: types.KindDescription, Enabled: true},
			{Kind: types.KindOCR, Enabled: true},
		},
		UserID:    "u1",
		SessionID: "s1",
		Persist:   true,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(items) != 3 || items[2].Failed() {
		t.Fatalf("Expected save failures to leave items untouched, got %+v", items)
	}

	if len(saver.saved) != 1 {
		t.Fatalf("Expected only the description to be saved, got %d records", len(saver.saved))
	}
	rec := saver.saved[0]
	if rec.Kind != types.KindDescription || rec.UserID != "u1" || rec.SessionID != "s1" {
		t.Errorf("Unexpected record %+v", rec)
	}
	if rec.Image.Width != 64 || rec.Image.Height != 48 || rec.Image.Format != "png" || rec.Image.SizeBytes != len(data) {
		t.Errorf("Unexpected image metadata %+v", rec.Image)
	}
}

func TestNoPersistWithoutFlag(t *testing.T) {
	saver := &flakySaver{}
	o := newOrchestrator(newStack(t, &stubModel{text: "x"}, nil), saver)

	_, err := o.Run(context.Background(), Request{
		Image:     pngBytes(t),
		Pipelines: []types.PipelineEntry{{Kind: types.KindDescription, Enabled: true}},
		UserID:    "u1",
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(saver.saved) != 0 {
		t.Errorf("Expected nothing saved, got %d", len(saver.saved))
	}
}
