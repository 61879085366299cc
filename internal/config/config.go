package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/menta2k/visionhub/pkg/capability"
)

// Config holds the application configuration
type Config struct {
	Backends     BackendsConfig     `yaml:"backends"`
	Catalog      CatalogConfig      `yaml:"catalog"`
	Lifecycle    LifecycleConfig    `yaml:"lifecycle"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Processing   ProcessingConfig   `yaml:"processing"`
	Vision       VisionConfig       `yaml:"vision"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	Output       OutputConfig       `yaml:"output"`
	Log          LogConfig          `yaml:"log"`
}

// BackendsConfig holds the model server endpoints
type BackendsConfig struct {
	OllamaURL   string `yaml:"ollama_url"`
	LlamaCppURL string `yaml:"llamacpp_url"`
	FaceAPIURL  string `yaml:"faceapi_url"`
}

// CatalogConfig lists the capabilities registered at startup
type CatalogConfig struct {
	Models      []capability.Descriptor `yaml:"models"`
	ManifestDir string                  `yaml:"manifest_dir"` // directory of *.yaml descriptor manifests
}

// LifecycleConfig holds model cache limits
type LifecycleConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	Preload       []string      `yaml:"preload"`
	LoadTimeout   time.Duration `yaml:"load_timeout"`
}

// OrchestratorConfig holds per-run settings
type OrchestratorConfig struct {
	PipelineTimeout time.Duration `yaml:"pipeline_timeout"`
}

// ProcessingConfig controls how images are re-encoded for models
type ProcessingConfig struct {
	SendFormat  string `yaml:"send_format"` // jpg or png
	MaxDim      int    `yaml:"max_dim"`
	JPEGQuality int    `yaml:"jpeg_quality"`
}

// VisionConfig holds configuration for the saliency detector
type VisionConfig struct {
	EdgeThreshold    float64 `yaml:"edge_threshold"`
	ContrastWeight   float64 `yaml:"contrast_weight"`
	ColorWeight      float64 `yaml:"color_weight"`
	MinRegionRatio   float64 `yaml:"min_region_ratio"`
	MaxRegions       int     `yaml:"max_regions"`
	OverlapThreshold float64 `yaml:"overlap_threshold"`
}

// MQTTConfig enables publishing of saved results
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
	Encoding    string `yaml:"encoding"` // json or msgpack
}

// OutputConfig holds configuration for overlay output
type OutputConfig struct {
	DefaultFormat string `yaml:"default_format"`
	OutputDir     string `yaml:"output_dir"`
	Quality       int    `yaml:"quality"`
}

// LogConfig selects the log handler
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Backends: BackendsConfig{
			OllamaURL:   "http://localhost:11434",
			LlamaCppURL: "http://localhost:8080",
			FaceAPIURL:  "http://localhost:8090",
		},
		Catalog: CatalogConfig{
			Models: []capability.Descriptor{
				{
					ID:           "llava-7b",
					Name:         "LLaVA 7B",
					Version:      "1.6",
					Type:         capability.TypeVision,
					Tasks:        []string{"image-to-text", "object-detection"},
					Format:       "gguf",
					SizeBytes:    4_700_000_000,
					Quantized:    true,
					LatencyClass: capability.LatencyStandard,
					Backend:      "ollama",
					ModelRef:     "llava:7b",
					DeviceClasses: []string{
						"server",
					},
				},
				{
					ID:            "saliency",
					Name:          "Saliency regions",
					Version:       "1",
					Type:          capability.TypeVision,
					Tasks:         []string{"object-detection"},
					Format:        "builtin",
					SizeBytes:     64 << 10,
					LatencyClass:  capability.LatencyRealtime,
					Backend:       "saliency",
					DeviceClasses: []string{"mobile", "edge", "embedded", "server"},
				},
				{
					ID:           "face-embedder",
					Name:         "Face embedder",
					Version:      "1",
					Type:         capability.TypeFace,
					Tasks:        []string{"face-detection", "face-recognition"},
					Format:       "onnx",
					LatencyClass: capability.LatencyStandard,
					Backend:      "faceapi",
				},
			},
		},
		Lifecycle: LifecycleConfig{
			MaxConcurrent: 3,
			LoadTimeout:   60 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			PipelineTimeout: 120 * time.Second,
		},
		Processing: ProcessingConfig{
			SendFormat:  "jpg",
			MaxDim:      1536,
			JPEGQuality: 85,
		},
		Vision: VisionConfig{
			EdgeThreshold:    0.01,
			ContrastWeight:   0.3,
			ColorWeight:      0.2,
			MinRegionRatio:   0.05,
			MaxRegions:       10,
			OverlapThreshold: 0.5,
		},
		MQTT: MQTTConfig{
			Broker:      "localhost:1883",
			TopicPrefix: "visionhub/results",
			Encoding:    "json",
		},
		Output: OutputConfig{
			DefaultFormat: "png",
			OutputDir:     "./output",
			Quality:       90,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a YAML file. Fields missing from the
// file keep their default values. Environment overrides are applied last.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Load reads filename when it exists and falls back to the defaults otherwise
func Load(filename string) (*Config, error) {
	if filename != "" {
		if _, err := os.Stat(filename); err == nil {
			return LoadFromFile(filename)
		}
	}
	config := Default()
	config.ApplyEnv()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// ApplyEnv overrides backend endpoints from the environment
func (c *Config) ApplyEnv() {
	if v := os.Getenv("VISIONHUB_OLLAMA_URL"); v != "" {
		c.Backends.OllamaURL = v
	}
	if v := os.Getenv("VISIONHUB_LLAMACPP_URL"); v != "" {
		c.Backends.LlamaCppURL = v
	}
	if v := os.Getenv("VISIONHUB_FACEAPI_URL"); v != "" {
		c.Backends.FaceAPIURL = v
	}
	if v := os.Getenv("VISIONHUB_MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
		c.MQTT.Enabled = true
	}
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Lifecycle.MaxConcurrent < 0 {
		return fmt.Errorf("lifecycle.max_concurrent must not be negative")
	}

	if c.Lifecycle.LoadTimeout < 0 {
		return fmt.Errorf("lifecycle.load_timeout must not be negative")
	}

	if c.Orchestrator.PipelineTimeout < 0 {
		return fmt.Errorf("orchestrator.pipeline_timeout must not be negative")
	}

	switch strings.ToLower(c.Processing.SendFormat) {
	case "jpg", "jpeg", "png":
	default:
		return fmt.Errorf("processing.send_format must be jpg or png")
	}

	if c.Processing.JPEGQuality < 1 || c.Processing.JPEGQuality > 100 {
		return fmt.Errorf("processing.jpeg_quality must be between 1 and 100")
	}

	if c.Processing.MaxDim < 0 {
		return fmt.Errorf("processing.max_dim must not be negative")
	}

	if c.Vision.EdgeThreshold < 0 || c.Vision.EdgeThreshold > 1 {
		return fmt.Errorf("vision.edge_threshold must be between 0 and 1")
	}

	if c.Vision.MinRegionRatio < 0 || c.Vision.MinRegionRatio > 1 {
		return fmt.Errorf("vision.min_region_ratio must be between 0 and 1")
	}

	if c.Vision.OverlapThreshold < 0 || c.Vision.OverlapThreshold > 1 {
		return fmt.Errorf("vision.overlap_threshold must be between 0 and 1")
	}

	ids := make(map[string]bool, len(c.Catalog.Models))
	for i, m := range c.Catalog.Models {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("catalog.models[%d]: %w", i, err)
		}
		if ids[m.ID] {
			return fmt.Errorf("catalog.models[%d]: duplicate id %q", i, m.ID)
		}
		ids[m.ID] = true
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
		if c.MQTT.Encoding != "json" && c.MQTT.Encoding != "msgpack" {
			return fmt.Errorf("mqtt.encoding must be json or msgpack")
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}

	if c.Log.Format != "" && c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json")
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./visionhub.yaml"
	}
	return filepath.Join(home, ".config", "visionhub", "config.yaml")
}
