package capability

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/menta2k/visionhub/internal/utils"
	"github.com/menta2k/visionhub/pkg/types"
)

// LoadManifest reads a single descriptor manifest from a YAML file.
// A missing size is filled from the model artifact on disk when it exists.
func LoadManifest(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("failed to read manifest: %w", err)
	}

	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}

	if d.SizeBytes == 0 && d.StoragePath != "" {
		if size, err := utils.FileSize(d.StoragePath); err == nil {
			d.SizeBytes = size
		}
	}

	if err := d.Validate(); err != nil {
		return Descriptor{}, fmt.Errorf("manifest %s: %w", path, err)
	}
	return d, nil
}

// Discover scans dir for *.yaml and *.yml manifests
func Discover(dir string) ([]Descriptor, error) {
	files, err := utils.ListFilesWithExt(dir, "yaml", "yml")
	if err != nil {
		return nil, fmt.Errorf("failed to scan manifest dir: %w", err)
	}

	var found []Descriptor
	for _, f := range files {
		d, err := LoadManifest(f)
		if err != nil {
			slog.Warn("skipping capability manifest", "path", f, "error", err)
			continue
		}
		found = append(found, d)
	}
	return found, nil
}

// RegisterAll registers every descriptor, skipping duplicates with a warning.
// It returns the number registered and the first non-duplicate error.
func (r *Registry) RegisterAll(descs []Descriptor) (int, error) {
	registered := 0
	for _, d := range descs {
		if err := r.Register(d); err != nil {
			if errors.Is(err, types.ErrDuplicateCapability) {
				slog.Warn("capability already registered", "id", d.ID)
				continue
			}
			return registered, err
		}
		registered++
	}
	return registered, nil
}
