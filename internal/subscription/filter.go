package subscription

import (
	"github.com/your-org/streamhub/internal/frame"
)

// Predicate decides whether a frame is delivered to a subscription.
type Predicate func(frame.Normalized) bool

// FilterSpec is the declarative filter agents send in their handshake. All
// non-empty criteria must hold.
type FilterSpec struct {
	SourceIDs      []string          `json:"source_ids,omitempty" msgpack:"source_ids,omitempty"`
	MinSyncQuality float64           `json:"min_sync_quality,omitempty" msgpack:"min_sync_quality,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
}

// IsZero reports whether the spec matches every frame.
func (f FilterSpec) IsZero() bool {
	return len(f.SourceIDs) == 0 && f.MinSyncQuality <= 0 && len(f.Metadata) == 0
}

// Compile returns the predicate for f, or nil when f matches everything.
func (f FilterSpec) Compile() Predicate {
	if f.IsZero() {
		return nil
	}

	var sources map[string]struct{}
	if len(f.SourceIDs) > 0 {
		sources = make(map[string]struct{}, len(f.SourceIDs))
		for _, id := range f.SourceIDs {
			sources[id] = struct{}{}
		}
	}
	minQuality := f.MinSyncQuality
	meta := make(map[string]string, len(f.Metadata))
	for k, v := range f.Metadata {
		meta[k] = v
	}

	return func(fr frame.Normalized) bool {
		if sources != nil {
			if _, ok := sources[fr.SourceID]; !ok {
				return false
			}
		}
		if fr.SyncQuality < minQuality {
			return false
		}
		for k, v := range meta {
			if fr.Metadata[k] != v {
				return false
			}
		}
		return true
	}
}

// and combines predicates; nil entries are skipped.
func and(preds ...Predicate) Predicate {
	var live []Predicate
	for _, p := range preds {
		if p != nil {
			live = append(live, p)
		}
	}
	switch len(live) {
	case 0:
		return nil
	case 1:
		return live[0]
	}
	return func(f frame.Normalized) bool {
		for _, p := range live {
			if !p(f) {
				return false
			}
		}
		return true
	}
}
