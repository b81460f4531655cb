// Package events publishes source lifecycle changes to Kafka.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/your-org/streamhub/internal/frame"
	"github.com/your-org/streamhub/internal/source"
)

// Event is the wire form of a source registry transition.
type Event struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	SourceID   string            `json:"source_id"`
	PhysicalID string            `json:"physical_id"`
	Kind       string            `json:"kind"`
	StreamType frame.StreamType  `json:"stream_type,omitempty"`
	Health     string            `json:"health"`
	Reason     string            `json:"reason,omitempty"`
	Generation uint64            `json:"generation"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// FromSource converts a registry event.
func FromSource(ev source.Event) Event {
	s := ev.Source
	meta := map[string]string{}
	if s.Descriptor.Name != "" {
		meta["name"] = s.Descriptor.Name
	}
	for k, v := range s.Descriptor.Capabilities {
		meta["capability."+k] = v
	}
	return Event{
		ID:         uuid.NewString(),
		Type:       string(ev.Type),
		SourceID:   s.ID,
		PhysicalID: s.Descriptor.PhysicalID,
		Kind:       string(s.Descriptor.Kind),
		StreamType: s.StreamType,
		Health:     string(s.Health),
		Reason:     s.Reason,
		Generation: s.Generation,
		Metadata:   meta,
		CreatedAt:  ev.At.UTC(),
	}
}
