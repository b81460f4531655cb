package source

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/your-org/streamhub/pkg/metrics"
)

// EventType names a registry lifecycle transition.
type EventType string

const (
	SourceAdded     EventType = "source.added"
	SourceUpdated   EventType = "source.updated"
	SourceDegraded  EventType = "source.degraded"
	SourceRecovered EventType = "source.recovered"
	SourceLost      EventType = "source.lost"
)

// Event describes a transition. Source is the record after the change.
type Event struct {
	Type   EventType
	Source Source
	At     time.Time
}

// Listener receives registry events in the order they happened. Listeners
// run synchronously after the registry lock is released and must not call
// mutating Registry methods from the same goroutine.
type Listener func(Event)

// Registry owns every Source record.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]*Source

	// notifyMu orders listener calls without holding mu.
	notifyMu  sync.Mutex
	listeners []Listener

	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Params struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// NewRegistry constructs an empty Registry.
func NewRegistry(p Params) *Registry {
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return &Registry{
		sources: make(map[string]*Source),
		logger:  p.Logger.Named("source"),
		metrics: p.Metrics,
		now:     p.Now,
	}
}

// AddListener registers l for every subsequent event.
func (r *Registry) AddListener(l Listener) {
	r.notifyMu.Lock()
	r.listeners = append(r.listeners, l)
	r.notifyMu.Unlock()
}

// Register records d and returns the source id.
//
// Registering a physical id that is already live updates its descriptor. A
// lost source is revived with a new generation. Sources of an unknown kind are
// held in the discovered state and ErrUnsupportedSourceKind is returned along
// with the id.
func (r *Registry) Register(ctx context.Context, d Descriptor) (string, error) {
	_, span := otel.Tracer("streamhub/source").Start(ctx, "source.register", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		attribute.String("source.physical_id", d.PhysicalID),
		attribute.String("source.kind", string(d.Kind)),
	)

	if d.PhysicalID == "" {
		span.SetStatus(codes.Error, "empty physical id")
		return "", fmt.Errorf("%w: physical id is required", ErrInvalidDescriptor)
	}

	id := ID(d.PhysicalID)
	span.SetAttributes(attribute.String("source.id", id))
	streamType, supported := d.Kind.StreamType()
	now := r.now()

	r.mu.Lock()
	existing, found := r.sources[id]

	if !supported {
		if found && existing.Live() {
			r.mu.Unlock()
			span.SetStatus(codes.Error, "unsupported kind for live source")
			return id, fmt.Errorf("register %s: %w: %q", d.PhysicalID, ErrUnsupportedSourceKind, d.Kind)
		}
		rec := &Source{
			ID:           id,
			Descriptor:   cloneDescriptor(d),
			Health:       HealthDiscovered,
			Reason:       "unsupported kind",
			RegisteredAt: now,
			UpdatedAt:    now,
		}
		if found {
			rec.RegisteredAt = existing.RegisteredAt
			rec.Generation = existing.Generation
		}
		r.sources[id] = rec
		r.mu.Unlock()

		r.logger.Warn("source held as discovered",
			zap.String("source_id", id),
			zap.String("physical_id", d.PhysicalID),
			zap.String("kind", string(d.Kind)))
		span.SetStatus(codes.Error, "unsupported kind")
		return id, fmt.Errorf("register %s: %w: %q", d.PhysicalID, ErrUnsupportedSourceKind, d.Kind)
	}

	var evType EventType
	switch {
	case found && existing.Live():
		if existing.Descriptor.Kind != d.Kind {
			r.mu.Unlock()
			span.SetStatus(codes.Error, "kind changed")
			return id, fmt.Errorf("register %s: %w", d.PhysicalID, ErrKindChanged)
		}
		existing.Descriptor = cloneDescriptor(d)
		existing.UpdatedAt = now
		evType = SourceUpdated
	case found:
		existing.Descriptor = cloneDescriptor(d)
		existing.StreamType = streamType
		existing.Health = HealthActive
		existing.Reason = ""
		existing.Generation++
		existing.UpdatedAt = now
		evType = SourceAdded
	default:
		r.sources[id] = &Source{
			ID:           id,
			Descriptor:   cloneDescriptor(d),
			StreamType:   streamType,
			Health:       HealthActive,
			Generation:   1,
			RegisteredAt: now,
			UpdatedAt:    now,
		}
		evType = SourceAdded
	}

	ev := Event{Type: evType, Source: r.copyLocked(id), At: now}
	r.emitAndUnlock(ev)

	r.logger.Info("source registered",
		zap.String("source_id", id),
		zap.String("physical_id", d.PhysicalID),
		zap.String("kind", string(d.Kind)),
		zap.String("event", string(evType)))
	return id, nil
}

// MarkLost transitions a source to lost. Marking an already lost source is a
// no-op.
func (r *Registry) MarkLost(id, reason string) error {
	return r.transition(id, reason, SourceLost, func(s *Source) bool {
		return s.Health != HealthLost
	}, HealthLost)
}

// MarkDegraded flags an active source as degraded.
func (r *Registry) MarkDegraded(id, reason string) error {
	return r.transition(id, reason, SourceDegraded, func(s *Source) bool {
		return s.Health == HealthActive
	}, HealthDegraded)
}

// MarkActive returns a degraded source to active.
func (r *Registry) MarkActive(id string) error {
	return r.transition(id, "", SourceRecovered, func(s *Source) bool {
		return s.Health == HealthDegraded
	}, HealthActive)
}

func (r *Registry) transition(id, reason string, evType EventType, allowed func(*Source) bool, to Health) error {
	r.mu.Lock()
	rec, ok := r.sources[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !allowed(rec) {
		r.mu.Unlock()
		return nil
	}

	now := r.now()
	rec.Health = to
	rec.Reason = reason
	rec.UpdatedAt = now

	ev := Event{Type: evType, Source: r.copyLocked(id), At: now}
	r.emitAndUnlock(ev)

	fields := []zap.Field{zap.String("source_id", id), zap.String("health", string(to))}
	if reason != "" {
		fields = append(fields, zap.String("reason", reason))
	}
	if to == HealthActive {
		r.logger.Info("source recovered", fields...)
	} else {
		r.logger.Warn("source health changed", fields...)
	}
	return nil
}

// Get returns a copy of the source record.
func (r *Registry) Get(id string) (Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.sources[id]; !ok {
		return Source{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.copyLocked(id), nil
}

// ListActive returns the sources that have an ingestion worker, i.e. active
// and degraded ones, ordered by id.
func (r *Registry) ListActive() []Source {
	return r.list(func(s *Source) bool { return s.Live() })
}

// List returns every known source ordered by id.
func (r *Registry) List() []Source {
	return r.list(func(*Source) bool { return true })
}

func (r *Registry) list(keep func(*Source) bool) []Source {
	r.mu.RLock()
	out := make([]Source, 0, len(r.sources))
	for id, s := range r.sources {
		if keep(s) {
			out = append(out, r.copyLocked(id))
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) copyLocked(id string) Source {
	s := *r.sources[id]
	s.Descriptor = cloneDescriptor(s.Descriptor)
	return s
}

func (r *Registry) liveCountLocked() int {
	n := 0
	for _, s := range r.sources {
		if s.Live() {
			n++
		}
	}
	return n
}

// emitAndUnlock releases mu and delivers ev to listeners. Taking notifyMu
// before releasing mu keeps delivery order equal to mutation order.
func (r *Registry) emitAndUnlock(ev Event) {
	live := r.liveCountLocked()
	r.notifyMu.Lock()
	r.mu.Unlock()

	r.metrics.SetActiveSources(live)
	for _, l := range r.listeners {
		l(ev)
	}
	r.notifyMu.Unlock()
}
