package source

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/streamhub/internal/frame"
)

var (
	ErrUnsupportedSourceKind = errors.New("unsupported source kind")
	ErrNotFound              = errors.New("source not found")
	ErrInvalidDescriptor     = errors.New("invalid source descriptor")
	ErrKindChanged           = errors.New("source kind cannot change while the source is live")
)

// Kind is the declared kind of a producer.
type Kind string

const (
	KindVideo  Kind = "video"
	KindAudio  Kind = "audio"
	KindSensor Kind = "sensor"
	KindIoT    Kind = "iot"
)

// kinds is the capability table consulted once at registration.
var kinds = map[Kind]frame.StreamType{
	KindVideo:  frame.StreamVideo,
	KindAudio:  frame.StreamAudio,
	KindSensor: frame.StreamSensor,
	KindIoT:    frame.StreamIoT,
}

// StreamType returns the stream type produced by sources of kind k.
func (k Kind) StreamType() (frame.StreamType, bool) {
	st, ok := kinds[k]
	return st, ok
}

// Health is the lifecycle state of a source.
type Health string

const (
	HealthDiscovered Health = "discovered"
	HealthActive     Health = "active"
	HealthDegraded   Health = "degraded"
	HealthLost       Health = "lost"
)

// Descriptor is what a discovery collaborator knows about a producer.
type Descriptor struct {
	PhysicalID   string            `json:"physical_id" yaml:"physical_id"`
	Kind         Kind              `json:"kind" yaml:"kind"`
	Name         string            `json:"name,omitempty" yaml:"name,omitempty"`
	Formats      []string          `json:"formats,omitempty" yaml:"formats,omitempty"`
	Capabilities map[string]string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
}

// Source is a registry record. Values handed out by the registry are copies.
type Source struct {
	ID           string           `json:"id"`
	Descriptor   Descriptor       `json:"descriptor"`
	StreamType   frame.StreamType `json:"stream_type,omitempty"`
	Health       Health           `json:"health"`
	Reason       string           `json:"reason,omitempty"`
	Generation   uint64           `json:"generation"`
	RegisteredAt time.Time        `json:"registered_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Live reports whether the source should have a running ingestion worker.
func (s Source) Live() bool {
	return s.Health == HealthActive || s.Health == HealthDegraded
}

var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:streamhub:source"))

// ID derives the stable source id for a physical device id.
func ID(physicalID string) string {
	return uuid.NewSHA1(idNamespace, []byte(physicalID)).String()
}

func cloneDescriptor(d Descriptor) Descriptor {
	out := d
	if d.Formats != nil {
		out.Formats = append([]string(nil), d.Formats...)
	}
	if d.Capabilities != nil {
		out.Capabilities = make(map[string]string, len(d.Capabilities))
		for k, v := range d.Capabilities {
			out.Capabilities[k] = v
		}
	}
	return out
}
