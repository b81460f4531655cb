// Package catalog registers statically declared sources from a YAML file and
// keeps the source registry in line with it while the file changes.
//
// File format:
//
//	sources:
//	  - physical_id: usb-cam-0
//	    kind: video
//	    name: front camera
//	    formats: [image/jpeg]
//	    capabilities:
//	      fps: "30"
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/your-org/streamhub/internal/source"
)

// File is the parsed catalog.
type File struct {
	Sources []source.Descriptor `yaml:"sources"`
}

// Parse decodes a catalog. Unknown fields, empty physical ids and duplicate
// physical ids are errors.
func Parse(data []byte) (File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("parse catalog: %w", err)
	}
	seen := make(map[string]bool, len(f.Sources))
	for i, d := range f.Sources {
		if d.PhysicalID == "" {
			return File{}, fmt.Errorf("parse catalog: source %d: empty physical_id", i)
		}
		if seen[d.PhysicalID] {
			return File{}, fmt.Errorf("parse catalog: duplicate physical_id %q", d.PhysicalID)
		}
		seen[d.PhysicalID] = true
	}
	return f, nil
}

// Load reads and parses the catalog at path.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Registrar is the source registry surface the catalog drives.
type Registrar interface {
	Register(ctx context.Context, d source.Descriptor) (string, error)
	MarkLost(id, reason string) error
}

// Apply moves the registry from prev to next: new or changed descriptors are
// registered, descriptors missing from next are marked lost. It returns the
// descriptors that are now in effect; entries that failed to register are
// left out so a later Apply retries them.
func Apply(ctx context.Context, reg Registrar, prev, next []source.Descriptor, logger *zap.Logger) []source.Descriptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	old := make(map[string]source.Descriptor, len(prev))
	for _, d := range prev {
		old[d.PhysicalID] = d
	}

	applied := make([]source.Descriptor, 0, len(next))
	for _, d := range next {
		if o, ok := old[d.PhysicalID]; ok && reflect.DeepEqual(o, d) {
			applied = append(applied, d)
			delete(old, d.PhysicalID)
			continue
		}
		delete(old, d.PhysicalID)
		id, err := reg.Register(ctx, d)
		if err != nil {
			logger.Warn("catalog source not registered",
				zap.String("physical_id", d.PhysicalID),
				zap.String("kind", string(d.Kind)),
				zap.Error(err))
			continue
		}
		logger.Info("catalog source registered",
			zap.String("physical_id", d.PhysicalID),
			zap.String("source_id", id))
		applied = append(applied, d)
	}

	for pid := range old {
		id := source.ID(pid)
		if err := reg.MarkLost(id, "removed from catalog"); err != nil && !errors.Is(err, source.ErrNotFound) {
			logger.Warn("mark catalog source lost", zap.String("physical_id", pid), zap.Error(err))
			continue
		}
		logger.Info("catalog source removed", zap.String("physical_id", pid), zap.String("source_id", id))
	}
	return applied
}
