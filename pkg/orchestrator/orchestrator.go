// Package orchestrator fans one image out to the enabled analysis pipelines
// and collects one result item per pipeline, in request order.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/menta2k/visionhub/pkg/pipeline"
	"github.com/menta2k/visionhub/pkg/processing"
	"github.com/menta2k/visionhub/pkg/store"
	"github.com/menta2k/visionhub/pkg/types"
)

// DefaultPipelineTimeout bounds a single pipeline invocation
const DefaultPipelineTimeout = 120 * time.Second

// ErrUnknownPipeline is returned when a request enables a kind that has no
// configured pipeline
var ErrUnknownPipeline = errors.New("no pipeline configured")

// Request is one orchestration run
type Request struct {
	Image     []byte
	Pipelines []types.PipelineEntry

	// Persistence hand-off. Successful items are saved when Persist is set
	// and the orchestrator has a store.
	UserID    string
	SessionID string
	Persist   bool
}

// Config holds orchestrator settings
type Config struct {
	PipelineTimeout time.Duration
}

// Orchestrator runs pipelines concurrently. It holds no per-run state and is
// safe for concurrent use.
type Orchestrator struct {
	cfg       Config
	pipelines map[types.Kind]pipeline.Pipeline
	processor *processing.Processor
	saver     store.Saver
}

// New creates an orchestrator over the given pipelines. saver may be nil.
func New(cfg Config, saver store.Saver, pipelines ...pipeline.Pipeline) *Orchestrator {
	if cfg.PipelineTimeout <= 0 {
		cfg.PipelineTimeout = DefaultPipelineTimeout
	}
	byKind := make(map[types.Kind]pipeline.Pipeline, len(pipelines))
	for _, p := range pipelines {
		byKind[p.Kind()] = p
	}
	return &Orchestrator{
		cfg:       cfg,
		pipelines: byKind,
		processor: processing.NewProcessor(),
		saver:     saver,
	}
}

// Kinds lists the configured pipeline kinds in canonical order
func (o *Orchestrator) Kinds() []types.Kind {
	var out []types.Kind
	for _, k := range types.Kinds() {
		if _, ok := o.pipelines[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// Run decodes the image once and invokes every enabled pipeline. Pipeline
// failures become failed items; the error return is reserved for requests
// that cannot run at all.
func (o *Orchestrator) Run(ctx context.Context, req Request) ([]types.ResultItem, error) {
	enabled, err := o.plan(req.Pipelines)
	if err != nil {
		return nil, err
	}

	img, err := o.processor.Decode(req.Image)
	if err != nil {
		return nil, err
	}

	items := o.RunImage(ctx, img, enabled)

	if req.Persist && o.saver != nil {
		o.persist(ctx, req, img, items)
	}
	return items, nil
}

// RunImage runs the given entries against an already decoded image. Every
// entry yields exactly one item at its index.
func (o *Orchestrator) RunImage(ctx context.Context, img *processing.Image, entries []types.PipelineEntry) []types.ResultItem {
	items := make([]types.ResultItem, len(entries))

	var wg sync.WaitGroup
	for i, entry := range entries {
		wg.Add(1)
		go func(i int, entry types.PipelineEntry) {
			defer wg.Done()
			items[i] = o.invoke(ctx, img, entry)
		}(i, entry)
	}
	wg.Wait()

	return items
}

// plan validates the entries and returns the enabled ones in order
func (o *Orchestrator) plan(entries []types.PipelineEntry) ([]types.PipelineEntry, error) {
	seen := make(map[types.Kind]bool, len(entries))
	var enabled []types.PipelineEntry
	for _, e := range entries {
		if !e.Kind.Valid() {
			return nil, fmt.Errorf("%w: unknown pipeline kind %q", types.ErrInvalidInput, e.Kind)
		}
		if seen[e.Kind] {
			return nil, fmt.Errorf("%w: pipeline %s listed twice", types.ErrInvalidInput, e.Kind)
		}
		seen[e.Kind] = true

		if !e.Enabled {
			continue
		}
		if _, ok := o.pipelines[e.Kind]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPipeline, e.Kind)
		}
		enabled = append(enabled, e)
	}
	return enabled, nil
}

type outcome struct {
	item types.ResultItem
	err  error
}

func (o *Orchestrator) invoke(ctx context.Context, img *processing.Image, entry types.PipelineEntry) types.ResultItem {
	start := time.Now()
	p := o.pipelines[entry.Kind]

	ctx, cancel := context.WithTimeout(ctx, o.cfg.PipelineTimeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &types.PipelineError{
					Kind: entry.Kind,
					Err:  fmt.Errorf("%w: panic: %v", types.ErrInference, r),
				}}
			}
		}()
		item, err := p.Process(ctx, img, entry.Options)
		done <- outcome{item: item, err: err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = fmt.Errorf("%w: %s pipeline: %v", types.ErrTimeout, entry.Kind, ctx.Err())
	}

	if res.err != nil {
		return failedItem(entry.Kind, res.err, start)
	}

	item := res.item
	item.Kind = entry.Kind
	if item.Timestamp.IsZero() {
		item.Timestamp = time.Now()
	}
	if item.ProcessingTimeMs == 0 {
		item.ProcessingTimeMs = time.Since(start).Milliseconds()
	}
	return item
}

func failedItem(kind types.Kind, err error, start time.Time) types.ResultItem {
	item := types.ResultItem{
		Kind:             kind,
		Confidence:       0,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		Timestamp:        time.Now(),
		Error:            err.Error(),
		ErrorKind:        types.ErrorKindOf(err),
	}
	var pe *types.PipelineError
	if errors.As(err, &pe) {
		item.ModelUsed = pe.Model
	}

	slog.Warn("pipeline failed", "kind", kind, "error_kind", item.ErrorKind, "model", item.ModelUsed, "error", err)
	return item
}

func (o *Orchestrator) persist(ctx context.Context, req Request, img *processing.Image, items []types.ResultItem) {
	meta := types.ImageMeta{
		Width:     img.Width(),
		Height:    img.Height(),
		Format:    img.Format,
		SizeBytes: len(req.Image),
	}

	for _, item := range items {
		if item.Failed() {
			continue
		}
		rec, err := o.saver.Save(ctx, store.Record{
			Kind:      item.Kind,
			UserID:    req.UserID,
			SessionID: req.SessionID,
			Image:     meta,
			Result:    item,
			TimingMs:  item.ProcessingTimeMs,
		})
		if err != nil {
			slog.Error("failed to save result", "kind", item.Kind, "user", req.UserID, "session", req.SessionID, "error", err)
			continue
		}
		slog.Debug("result saved", "id", rec.ID, "kind", item.Kind)
	}
}
