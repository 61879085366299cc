// Package visionhub routes image analysis requests to vision models.
//
// A Hub wires the capability registry, the router, the model lifecycle
// manager and the analysis pipelines from a single configuration:
//
//	cfg, err := visionhub.LoadConfig(visionhub.ConfigPath())
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	hub, err := visionhub.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer hub.Close()
//
//	data, _ := os.ReadFile("photo.jpg")
//	items, err := hub.Analyze(ctx, orchestrator.Request{
//		Image:     data,
//		Pipelines: visionhub.Entries(types.KindObjectDetection, types.KindDescription),
//	})
//
// Each enabled pipeline yields exactly one result item, in request order.
// A pipeline that fails yields an item carrying Error and ErrorKind instead
// of failing the whole request.
//
// The package consists of these components:
//
//  1. Registry (pkg/capability): the catalog of loadable models and the tasks they serve
//  2. Router (pkg/router): ranks the registered models for a task
//  3. Lifecycle (pkg/lifecycle): loads, caches and evicts model handles
//  4. Pipelines (pkg/pipeline): object detection, scene description, OCR and face recognition
//  5. Orchestrator (pkg/orchestrator): concurrent fan-out of one image to the enabled pipelines
//
// Backends live in pkg/ollama, pkg/llamacpp, pkg/faceapi and pkg/vision
// (an offline saliency detector).
package visionhub

import (
	"context"
	"fmt"
	"log/slog"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/menta2k/visionhub/internal/config"
	"github.com/menta2k/visionhub/pkg/capability"
	"github.com/menta2k/visionhub/pkg/faceapi"
	"github.com/menta2k/visionhub/pkg/lifecycle"
	"github.com/menta2k/visionhub/pkg/llamacpp"
	"github.com/menta2k/visionhub/pkg/ollama"
	"github.com/menta2k/visionhub/pkg/orchestrator"
	"github.com/menta2k/visionhub/pkg/pipeline"
	"github.com/menta2k/visionhub/pkg/processing"
	"github.com/menta2k/visionhub/pkg/publish"
	"github.com/menta2k/visionhub/pkg/router"
	"github.com/menta2k/visionhub/pkg/store"
	"github.com/menta2k/visionhub/pkg/types"
	"github.com/menta2k/visionhub/pkg/vision"
)

// Version of the visionhub library
const Version = "0.3.0"

// Config is the hub configuration
type Config = config.Config

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return config.Default()
}

// LoadConfig reads a YAML configuration, falling back to the defaults when
// the file does not exist
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// ConfigPath returns the default configuration file path
func ConfigPath() string {
	return config.GetConfigPath()
}

// Option customizes a Hub
type Option func(*Hub)

// WithStore replaces the in-memory result store
func WithStore(s store.Store) Option {
	return func(h *Hub) { h.store = s }
}

// WithIdentityStore replaces the in-memory identity store
func WithIdentityStore(s store.IdentityStore) Option {
	return func(h *Hub) { h.identities = s }
}

// WithLoader registers or replaces the loader for a backend name
func WithLoader(backend string, l lifecycle.Loader) Option {
	return func(h *Hub) { h.loaders[backend] = l }
}

// Hub is the assembled analysis service
type Hub struct {
	cfg          *Config
	registry     *capability.Registry
	router       *router.Router
	manager      *lifecycle.Manager
	orchestrator *orchestrator.Orchestrator
	processor    *processing.Processor
	loaders      map[string]lifecycle.Loader
	store        store.Store
	identities   store.IdentityStore
	mqttClient   mqtt.Client
}

// New builds a hub from cfg. Models are loaded lazily on first use; call
// Initialize to preload the configured ones.
func New(cfg *Config, opts ...Option) (*Hub, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	h := &Hub{
		cfg:       cfg,
		registry:  capability.NewRegistry(),
		processor: processing.NewProcessor(),
		loaders:   defaultLoaders(cfg),
	}
	for _, opt := range opts {
		opt(h)
	}

	if err := h.loadCatalog(); err != nil {
		return nil, err
	}

	if h.store == nil {
		h.store = store.NewMemory()
	}
	if h.identities == nil {
		h.identities = store.NewIdentities()
	}
	if cfg.MQTT.Enabled {
		if err := h.connectMQTT(); err != nil {
			return nil, err
		}
	}

	h.router = router.New(h.registry)
	h.manager = lifecycle.NewManager(lifecycle.Config{
		MaxConcurrent: cfg.Lifecycle.MaxConcurrent,
		Preload:       cfg.Lifecycle.Preload,
		LoadTimeout:   cfg.Lifecycle.LoadTimeout,
	}, h.router, h.registry, h.loaders)

	h.orchestrator = orchestrator.New(
		orchestrator.Config{PipelineTimeout: cfg.Orchestrator.PipelineTimeout},
		h.store,
		pipeline.NewObjectDetection(h.manager),
		pipeline.NewDescription(h.manager),
		pipeline.NewOCR(h.manager),
		pipeline.NewFaceRecognition(h.manager, h.identities),
	)

	slog.Info("visionhub ready", "version", Version, "capabilities", h.registry.Len(), "backends", len(h.loaders))
	return h, nil
}

func defaultLoaders(cfg *Config) map[string]lifecycle.Loader {
	encoding := processing.EncodeSettings{
		Format:  cfg.Processing.SendFormat,
		MaxDim:  cfg.Processing.MaxDim,
		Quality: cfg.Processing.JPEGQuality,
	}

	loaders := map[string]lifecycle.Loader{
		llamacpp.BackendName: llamacpp.NewLoader(cfg.Backends.LlamaCppURL, encoding),
		faceapi.BackendName:  faceapi.NewLoader(cfg.Backends.FaceAPIURL, encoding),
		vision.BackendName: vision.NewLoader(vision.Config{
			EdgeThreshold:    cfg.Vision.EdgeThreshold,
			ContrastWeight:   cfg.Vision.ContrastWeight,
			ColorWeight:      cfg.Vision.ColorWeight,
			MinRegionRatio:   cfg.Vision.MinRegionRatio,
			MaxRegions:       cfg.Vision.MaxRegions,
			OverlapThreshold: cfg.Vision.OverlapThreshold,
			AnalysisSize:     vision.DefaultConfig().AnalysisSize,
		}),
	}

	if l, err := ollama.NewLoader(cfg.Backends.OllamaURL, encoding); err != nil {
		slog.Warn("ollama backend disabled", "url", cfg.Backends.OllamaURL, "error", err)
	} else {
		loaders[ollama.BackendName] = l
	}
	return loaders
}

func (h *Hub) loadCatalog() error {
	for _, d := range h.cfg.Catalog.Models {
		if err := h.registry.Register(d); err != nil {
			return fmt.Errorf("catalog: %w", err)
		}
	}

	if dir := h.cfg.Catalog.ManifestDir; dir != "" {
		descs, err := capability.Discover(dir)
		if err != nil {
			return fmt.Errorf("catalog discovery: %w", err)
		}
		n, err := h.registry.RegisterAll(descs)
		if err != nil {
			return fmt.Errorf("catalog discovery: %w", err)
		}
		slog.Info("manifests discovered", "dir", dir, "registered", n, "found", len(descs))
	}
	return nil
}

func (h *Hub) connectMQTT() error {
	pcfg := publish.Config{
		Broker:      h.cfg.MQTT.Broker,
		ClientID:    h.cfg.MQTT.ClientID,
		TopicPrefix: h.cfg.MQTT.TopicPrefix,
		QoS:         h.cfg.MQTT.QoS,
		Encoding:    h.cfg.MQTT.Encoding,
	}
	client, err := publish.Connect(pcfg)
	if err != nil {
		return err
	}
	published, err := publish.NewStore(h.store, client, pcfg)
	if err != nil {
		client.Disconnect(250)
		return err
	}
	h.mqttClient = client
	h.store = published
	return nil
}

// Initialize preloads the configured capabilities. Failures are logged and
// returned joined; the hub stays usable.
func (h *Hub) Initialize(ctx context.Context) error {
	return h.manager.Initialize(ctx)
}

// Analyze runs one orchestration
func (h *Hub) Analyze(ctx context.Context, req orchestrator.Request) ([]types.ResultItem, error) {
	return h.orchestrator.Run(ctx, req)
}

// LoadSource reads image bytes from a file path or an http(s) URL
func (h *Hub) LoadSource(source string) ([]byte, error) {
	return h.processor.LoadSource(source)
}

// SelectModel reports the capability the router would pick for task
func (h *Hub) SelectModel(task string, c router.Constraints) (capability.Descriptor, bool) {
	return h.router.SelectForTask(task, c)
}

func (h *Hub) Config() *Config { return h.cfg }
func (h *Hub) Registry() *capability.Registry { return h.registry }
func (h *Hub) Router() *router.Router { return h.router }
func (h *Hub) Manager() *lifecycle.Manager { return h.manager }
func (h *Hub) Store() store.Store { return h.store }
func (h *Hub) Identities() store.IdentityStore { return h.identities }
func (h *Hub) Processor() *processing.Processor { return h.processor }
func (h *Hub) Orchestrator() *orchestrator.Orchestrator { return h.orchestrator }

// Close unloads every model and disconnects from the broker
func (h *Hub) Close() error {
	h.manager.UnloadAll()
	if h.mqttClient != nil && h.mqttClient.IsConnected() {
		h.mqttClient.Disconnect(250)
		slog.Info("mqtt disconnected")
	}
	return nil
}

// Entries enables the given kinds with default options
func Entries(kinds ...types.Kind) []types.PipelineEntry {
	out := make([]types.PipelineEntry, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, types.PipelineEntry{Kind: k, Enabled: true})
	}
	return out
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
