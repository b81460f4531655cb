package subscription

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/your-org/streamhub/internal/frame"
	"github.com/your-org/streamhub/pkg/metrics"
)

var (
	ErrEmptyID           = errors.New("empty subscriber id")
	ErrSubscriberExists  = errors.New("subscriber already registered")
	ErrNotFound          = errors.New("subscriber not found")
	ErrNotActive         = errors.New("subscriber is not active")
	ErrNoStreamTypes     = errors.New("no stream types requested")
	ErrUnknownStreamType = errors.New("unknown stream type")
)

// Subscription links a subscriber to one stream type.
type Subscription struct {
	Handle     string
	StreamType frame.StreamType
	Spec       FilterSpec
	Filter     Predicate
	Subscriber *Subscriber
}

// Matches reports whether f passes the subscription filter.
func (s Subscription) Matches(f frame.Normalized) bool {
	return s.Filter == nil || s.Filter(f)
}

// Snapshot is an immutable view of all subscriptions of active subscribers.
type Snapshot struct {
	version uint64
	byType  map[frame.StreamType][]Subscription
	count   int
}

// Version increases with every registry mutation.
func (s *Snapshot) Version() uint64 { return s.version }

// Matching returns the subscriptions for st. The slice must not be modified.
func (s *Snapshot) Matching(st frame.StreamType) []Subscription { return s.byType[st] }

// Len returns the number of subscriptions in the snapshot.
func (s *Snapshot) Len() int { return s.count }

// All returns every subscription ordered by stream type.
func (s *Snapshot) All() []Subscription {
	out := make([]Subscription, 0, s.count)
	for _, st := range frame.KnownStreamTypes {
		out = append(out, s.byType[st]...)
	}
	return out
}

type Params struct {
	Defaults QueueOptions
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// Registry owns subscribers and their subscriptions. Mutations take a short
// lock and publish a new Snapshot; readers of Snapshot never lock.
type Registry struct {
	mu          sync.Mutex
	subscribers map[string]*Subscriber
	subs        map[string]map[frame.StreamType]Subscription
	version     uint64

	snap atomic.Pointer[Snapshot]

	defaults QueueOptions
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewRegistry constructs an empty Registry.
func NewRegistry(p Params) *Registry {
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	r := &Registry{
		subscribers: make(map[string]*Subscriber),
		subs:        make(map[string]map[frame.StreamType]Subscription),
		defaults:    p.Defaults,
		logger:      p.Logger.Named("subscription"),
		metrics:     p.Metrics,
		now:         p.Now,
	}
	r.snap.Store(&Snapshot{byType: map[frame.StreamType][]Subscription{}})
	return r
}

// Defaults returns the queue options used when Register gets a zero capacity.
func (r *Registry) Defaults() QueueOptions { return r.defaults }

// Register creates an active subscriber with its delivery queue. Zero fields
// in opts take the registry defaults.
func (r *Registry) Register(id string, opts QueueOptions) (*Subscriber, error) {
	if id == "" {
		return nil, ErrEmptyID
	}
	if opts.Capacity <= 0 {
		opts.Capacity = r.defaults.Capacity
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = r.defaults.BlockTimeout
	}
	if opts.StagingCapacity <= 0 {
		opts.StagingCapacity = r.defaults.StagingCapacity
	}
	if opts.EvictAfter == 0 {
		opts.EvictAfter = r.defaults.EvictAfter
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subscribers[id]; ok {
		return nil, fmt.Errorf("register %s: %w", id, ErrSubscriberExists)
	}
	sub := newSubscriber(id, r.now(), opts, func(n int) { r.metrics.SubscriberDropped(id, n) })
	r.subscribers[id] = sub
	r.subs[id] = make(map[frame.StreamType]Subscription)
	r.publishLocked()

	r.logger.Info("subscriber registered",
		zap.String("subscriber_id", id),
		zap.String("policy", opts.Policy.String()),
		zap.Int("queue_capacity", sub.queue.Capacity()))
	return sub, nil
}

// Subscribe adds (or replaces) subscriptions of id to every stream type in
// types, filtered by spec and, if given, pred. It returns a handle naming
// this group of subscriptions.
func (r *Registry) Subscribe(id string, types []frame.StreamType, spec FilterSpec, pred Predicate) (string, error) {
	if len(types) == 0 {
		return "", fmt.Errorf("subscribe %s: %w", id, ErrNoStreamTypes)
	}
	for _, st := range types {
		if !st.Valid() {
			return "", fmt.Errorf("subscribe %s: %w: %q", id, ErrUnknownStreamType, st)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subscribers[id]
	if !ok {
		return "", fmt.Errorf("subscribe %s: %w", id, ErrNotFound)
	}
	if sub.State() != StateActive {
		return "", fmt.Errorf("subscribe %s: %w", id, ErrNotActive)
	}

	handle := uuid.NewString()
	filter := and(spec.Compile(), pred)
	for _, st := range types {
		r.subs[id][st] = Subscription{
			Handle:     handle,
			StreamType: st,
			Spec:       spec,
			Filter:     filter,
			Subscriber: sub,
		}
	}
	r.syncTypesLocked(id)
	r.publishLocked()

	r.logger.Info("subscribed",
		zap.String("subscriber_id", id),
		zap.String("handle", handle),
		zap.Any("stream_types", types))
	return handle, nil
}

// Unsubscribe removes the subscriptions of id for types, or all of them when
// types is empty. It returns the number of subscriptions removed.
func (r *Registry) Unsubscribe(id string, types ...frame.StreamType) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.subs[id]
	if !ok {
		return 0, fmt.Errorf("unsubscribe %s: %w", id, ErrNotFound)
	}

	removed := 0
	if len(types) == 0 {
		removed = len(subs)
		r.subs[id] = make(map[frame.StreamType]Subscription)
	} else {
		for _, st := range types {
			if _, ok := subs[st]; ok {
				delete(subs, st)
				removed++
			}
		}
	}
	if removed > 0 {
		r.syncTypesLocked(id)
		r.publishLocked()
	}

	r.logger.Info("unsubscribed",
		zap.String("subscriber_id", id),
		zap.Int("removed", removed),
		zap.Any("stream_types", types))
	return removed, nil
}

// BeginDrain stops delivery to id: the subscriber leaves the snapshot and its
// queue is closed so that no frame enters it after BeginDrain returns. Frames
// already queued stay poppable.
func (r *Registry) BeginDrain(id string) error {
	started, err := r.beginDrain(id)
	if err != nil {
		return fmt.Errorf("drain %s: %w", id, err)
	}
	if started {
		r.logger.Info("subscriber draining", zap.String("subscriber_id", id))
	}
	return nil
}

// Evict drains id after its queue kept overflowing. The consumer sees the
// queue close and finishes the drain as usual. It reports whether this call
// started the drain.
func (r *Registry) Evict(id string) (bool, error) {
	started, err := r.beginDrain(id)
	if err != nil {
		return false, fmt.Errorf("evict %s: %w", id, err)
	}
	if started {
		r.metrics.SubscriberEvicted()
		r.logger.Warn("subscriber evicted, queue kept overflowing", zap.String("subscriber_id", id))
	}
	return started, nil
}

func (r *Registry) beginDrain(id string) (bool, error) {
	r.mu.Lock()
	sub, ok := r.subscribers[id]
	if !ok {
		r.mu.Unlock()
		return false, ErrNotFound
	}
	if !sub.state.CompareAndSwap(int32(StateActive), int32(StateDraining)) {
		r.mu.Unlock()
		return false, nil
	}
	r.publishLocked()
	r.mu.Unlock()

	sub.queue.Close()
	return true, nil
}

// Remove deletes id and every subscription it holds.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	sub, ok := r.subscribers[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("remove %s: %w", id, ErrNotFound)
	}
	sub.state.Store(int32(StateRemoved))
	delete(r.subscribers, id)
	delete(r.subs, id)
	sub.types.Store(&typeSet{})
	r.publishLocked()
	r.mu.Unlock()

	sub.queue.Close()
	stats := sub.queue.Stats()
	r.logger.Info("subscriber removed",
		zap.String("subscriber_id", id),
		zap.Uint64("delivered", stats.Pushed),
		zap.Uint64("dropped", stats.Dropped))
	return nil
}

// Get returns the subscriber registered as id.
func (r *Registry) Get(id string) (*Subscriber, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subscribers[id]
	return sub, ok
}

// Snapshot returns the current immutable view for the distributor.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

// List returns every registered subscriber ordered by id.
func (r *Registry) List() []Info {
	r.mu.Lock()
	subs := make([]*Subscriber, 0, len(r.subscribers))
	for _, s := range r.subscribers {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) syncTypesLocked(id string) {
	set := make(typeSet, len(r.subs[id]))
	for st := range r.subs[id] {
		set[st] = struct{}{}
	}
	r.subscribers[id].types.Store(&set)
}

func (r *Registry) publishLocked() {
	r.version++
	byType := make(map[frame.StreamType][]Subscription)
	count, active := 0, 0
	for id, sub := range r.subscribers {
		if sub.State() != StateActive {
			continue
		}
		active++
		for st, s := range r.subs[id] {
			byType[st] = append(byType[st], s)
			count++
		}
	}
	for st := range byType {
		list := byType[st]
		sort.Slice(list, func(i, j int) bool { return list[i].Subscriber.id < list[j].Subscriber.id })
	}
	r.snap.Store(&Snapshot{version: r.version, byType: byType, count: count})
	r.metrics.SetActiveSubscribers(active)
}
