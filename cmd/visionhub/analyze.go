package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/menta2k/visionhub"
	"github.com/menta2k/visionhub/internal/utils"
	"github.com/menta2k/visionhub/pkg/orchestrator"
	"github.com/menta2k/visionhub/pkg/types"
)

var analyzeFlags struct {
	detect   bool
	describe bool
	ocr      bool
	faces    bool

	model        string
	threshold    float64
	maxObjects   int
	quantization string
	device       string
	realtime     bool

	prompt    string
	maxTokens int

	similarity float64
	faceMode   string

	user    string
	session string
	persist bool

	overlay bool
	outDir  string
	compact bool
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <image|url|dir>",
	Short: "Analyze an image",
	Long:  "Run the selected pipelines on an image and print the result items as JSON. A directory argument analyzes every image below it. Without pipeline flags, detection and description run.",
	Args:  cobra.ExactArgs(1),
	RunE:  runAnalyze,
}

func init() {
	f := analyzeCmd.Flags()
	f.BoolVar(&analyzeFlags.detect, "detect", false, "run object detection")
	f.BoolVar(&analyzeFlags.describe, "describe", false, "run scene description")
	f.BoolVar(&analyzeFlags.ocr, "ocr", false, "run text extraction")
	f.BoolVar(&analyzeFlags.faces, "faces", false, "run face recognition")

	f.StringVar(&analyzeFlags.model, "model", "", "model id or name hint for every pipeline")
	f.Float64Var(&analyzeFlags.threshold, "threshold", types.DefaultDetectionThreshold, "detection confidence threshold (0-1)")
	f.IntVar(&analyzeFlags.maxObjects, "max-objects", 0, "max detections, 0 keeps all")
	f.StringVar(&analyzeFlags.quantization, "quantization", "", "prefer-quantized or prefer-unquantized")
	f.StringVar(&analyzeFlags.device, "device", "", "device class for routing: server, mobile, edge, embedded")
	f.BoolVar(&analyzeFlags.realtime, "realtime", false, "prefer realtime models for detection")

	f.StringVar(&analyzeFlags.prompt, "prompt", "", "override the description prompt")
	f.IntVar(&analyzeFlags.maxTokens, "max-tokens", 0, "max new tokens for description and OCR")

	f.Float64Var(&analyzeFlags.similarity, "similarity", types.DefaultSimilarityThreshold, "face similarity threshold (0-1)")
	f.StringVar(&analyzeFlags.faceMode, "face-mode", types.FaceModeLargest, "largest or all")

	f.StringVar(&analyzeFlags.user, "user", "", "user id for persistence and identity scope")
	f.StringVar(&analyzeFlags.session, "session", "", "session id for persistence")
	f.BoolVar(&analyzeFlags.persist, "persist", false, "save successful items to the result store")

	f.BoolVar(&analyzeFlags.overlay, "overlay", false, "write an overlay image with detections and faces")
	f.StringVar(&analyzeFlags.outDir, "out", "", "overlay output directory (defaults to output.output_dir)")
	f.BoolVar(&analyzeFlags.compact, "compact", false, "print compact JSON")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	h, err := openHub()
	if err != nil {
		return err
	}
	defer h.Close()

	sources := []string{args[0]}
	if utils.DirExists(args[0]) {
		sources, err = utils.ListImageFiles(args[0])
		if err != nil {
			return fmt.Errorf("list images: %w", err)
		}
		if len(sources) == 0 {
			return fmt.Errorf("no images found in %s", args[0])
		}
	}

	results := make([]sourceResult, 0, len(sources))
	for _, source := range sources {
		items, err := analyzeSource(cmd.Context(), h, source)
		if err != nil {
			if len(sources) == 1 {
				return err
			}
			slog.Error("analysis failed", "source", source, "error", err)
			results = append(results, sourceResult{Source: source, Error: err.Error()})
			continue
		}
		results = append(results, sourceResult{Source: source, Items: items})
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	if !analyzeFlags.compact {
		enc.SetIndent("", "  ")
	}
	if len(sources) == 1 {
		return enc.Encode(results[0].Items)
	}
	return enc.Encode(results)
}

// sourceResult is the output record of one image in a directory run
type sourceResult struct {
	Source string             `json:"source"`
	Items  []types.ResultItem `json:"items,omitempty"`
	Error  string             `json:"error,omitempty"`
}

func analyzeSource(ctx context.Context, h *visionhub.Hub, source string) ([]types.ResultItem, error) {
	data, err := h.LoadSource(source)
	if err != nil {
		return nil, err
	}

	items, err := h.Analyze(ctx, orchestrator.Request{
		Image:     data,
		Pipelines: pipelineEntries(),
		UserID:    analyzeFlags.user,
		SessionID: analyzeFlags.session,
		Persist:   analyzeFlags.persist,
	})
	if err != nil {
		return nil, err
	}

	if analyzeFlags.overlay {
		if err := writeOverlay(h, source, data, items); err != nil {
			return nil, err
		}
	}
	return items, nil
}

// pipelineEntries builds the run plan from the command flags
func pipelineEntries() []types.PipelineEntry {
	fl := analyzeFlags
	if !fl.detect && !fl.describe && !fl.ocr && !fl.faces {
		fl.detect, fl.describe = true, true
	}

	detection := types.DefaultDetectionOptions()
	detection.ModelHint = fl.model
	detection.Threshold = fl.threshold
	detection.MaxObjects = fl.maxObjects
	detection.QuantizationHint = fl.quantization
	detection.DeviceClass = fl.device
	detection.RealTime = fl.realtime

	description := types.DefaultDescriptionOptions()
	description.ModelHint = fl.model
	if fl.prompt != "" {
		description.Prompt = fl.prompt
	}

	ocr := types.DefaultOCROptions()
	ocr.ModelHint = fl.model

	if fl.maxTokens > 0 {
		description.MaxNewTokens = fl.maxTokens
		ocr.MaxNewTokens = fl.maxTokens
	}

	face := types.DefaultFaceOptions()
	face.SimilarityThreshold = fl.similarity
	face.Mode = fl.faceMode
	face.UserID = fl.user

	return []types.PipelineEntry{
		{Kind: types.KindObjectDetection, Enabled: fl.detect, Options: detection},
		{Kind: types.KindDescription, Enabled: fl.describe, Options: description},
		{Kind: types.KindOCR, Enabled: fl.ocr, Options: ocr},
		{Kind: types.KindFaceRecognition, Enabled: fl.faces, Options: face},
	}
}

func writeOverlay(h *visionhub.Hub, source string, data []byte, items []types.ResultItem) error {
	cfg := h.Config()
	outDir := analyzeFlags.outDir
	if outDir == "" {
		outDir = cfg.Output.OutputDir
	}
	if err := utils.EnsureDir(outDir); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	img, err := h.Processor().Decode(data)
	if err != nil {
		return err
	}
	overlay := h.Processor().CreateOverlay(img.Decoded, items)

	path := utils.OverlayFilename(source, outDir, cfg.Output.DefaultFormat)
	if err := h.Processor().SaveImage(overlay, path, cfg.Output.DefaultFormat, cfg.Output.Quality, false); err != nil {
		return fmt.Errorf("save overlay: %w", err)
	}
	slog.Info("overlay written", "path", path)
	return nil
}
