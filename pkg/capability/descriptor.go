package capability

import (
	"fmt"
	"slices"
	"strings"

	"github.com/menta2k/visionhub/pkg/types"
)

// ModelType is the broad modality of a model
type ModelType string

const (
	TypeVision ModelType = "vision"
	TypeAudio  ModelType = "audio"
	TypeText   ModelType = "text"
	TypeFace   ModelType = "face"
)

// Latency classes. A realtime model is the lightweight variant suited for
// interactive use.
const (
	LatencyRealtime = "realtime"
	LatencyStandard = "standard"
	LatencyBatch    = "batch"
)

// Descriptor describes one loadable model and the tasks it serves.
// Descriptors are values; the registry stores and returns copies.
type Descriptor struct {
	ID            string    `yaml:"id" json:"id"`
	Name          string    `yaml:"name" json:"name"`
	Version       string    `yaml:"version,omitempty" json:"version,omitempty"`
	Type          ModelType `yaml:"type" json:"type"`
	Tasks         []string  `yaml:"tasks" json:"tasks"`
	Format        string    `yaml:"format,omitempty" json:"format,omitempty"`
	SizeBytes     int64     `yaml:"size_bytes,omitempty" json:"sizeBytes,omitempty"`
	StoragePath   string    `yaml:"storage_path,omitempty" json:"storagePath,omitempty"`
	Quantized     bool      `yaml:"quantized,omitempty" json:"quantized,omitempty"`
	LatencyClass  string    `yaml:"latency_class,omitempty" json:"latencyClass,omitempty"`
	Backend       string    `yaml:"backend" json:"backend"`
	ModelRef      string    `yaml:"model_ref,omitempty" json:"modelRef,omitempty"`
	Tags          []string  `yaml:"tags,omitempty" json:"tags,omitempty"`
	DeviceClasses []string  `yaml:"device_classes,omitempty" json:"deviceClasses,omitempty"`
}

// Validate checks the descriptor invariants
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("%w: capability id is required", types.ErrInvalidInput)
	}
	if len(d.Tasks) == 0 {
		return fmt.Errorf("%w: capability %s serves no tasks", types.ErrInvalidInput, d.ID)
	}
	for _, t := range d.Tasks {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("%w: capability %s has an empty task name", types.ErrInvalidInput, d.ID)
		}
	}
	return nil
}

// HasTask reports whether the descriptor serves task
func (d Descriptor) HasTask(task string) bool {
	return slices.Contains(d.Tasks, task)
}

// DisplayName returns Name, falling back to ID
func (d Descriptor) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// Clone returns a deep copy so callers cannot mutate registry state
func (d Descriptor) Clone() Descriptor {
	d.Tasks = slices.Clone(d.Tasks)
	d.Tags = slices.Clone(d.Tags)
	d.DeviceClasses = slices.Clone(d.DeviceClasses)
	return d
}

// Filter narrows a task listing. Zero-valued fields are ignored; slice fields
// match when the descriptor shares at least one value with them.
type Filter struct {
	Type          ModelType
	Format        string
	Backend       string
	LatencyClass  string
	Quantized     *bool
	AnyTags       []string
	DeviceClasses []string
}

// Match reports whether d satisfies every constraint in f
func (f *Filter) Match(d Descriptor) bool {
	if f == nil {
		return true
	}
	if f.Type != "" && f.Type != d.Type {
		return false
	}
	if f.Format != "" && !strings.EqualFold(f.Format, d.Format) {
		return false
	}
	if f.Backend != "" && f.Backend != d.Backend {
		return false
	}
	if f.LatencyClass != "" && f.LatencyClass != d.LatencyClass {
		return false
	}
	if f.Quantized != nil && *f.Quantized != d.Quantized {
		return false
	}
	if len(f.AnyTags) > 0 && !overlaps(f.AnyTags, d.Tags) {
		return false
	}
	if len(f.DeviceClasses) > 0 && !overlaps(f.DeviceClasses, d.DeviceClasses) {
		return false
	}
	return true
}

func overlaps(want, have []string) bool {
	for _, w := range want {
		for _, h := range have {
			if strings.EqualFold(w, h) {
				return true
			}
		}
	}
	return false
}
