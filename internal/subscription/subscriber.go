package subscription

import (
	"sync/atomic"
	"time"

	"github.com/your-org/streamhub/internal/frame"
	"github.com/your-org/streamhub/pkg/ringbuf"
)

// State is the lifecycle state of a subscriber.
type State int32

const (
	StateActive State = iota
	StateDraining
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// QueueOptions configures a subscriber delivery queue.
type QueueOptions struct {
	Capacity        int
	Policy          ringbuf.Policy
	BlockTimeout    time.Duration
	StagingCapacity int
	// EvictAfter is the number of consecutive deliveries that discarded
	// frames after which the subscriber is evicted. Zero takes the registry
	// default; a negative value never evicts.
	EvictAfter int
}

type typeSet map[frame.StreamType]struct{}

// Subscriber is a consumer with its own delivery queue. The distributor is
// the only producer of the queue; the gateway send loop is its consumer.
type Subscriber struct {
	id        string
	createdAt time.Time
	queue     *ringbuf.Queue[frame.Normalized]

	evictAfter int

	state          atomic.Int32
	lastHeartbeat  atomic.Int64
	types          atomic.Pointer[typeSet]
	overflowStreak atomic.Int64
}

// newSubscriber builds the subscriber and its queue. onDiscard receives
// frames the queue discards while the consumer pops.
func newSubscriber(id string, now time.Time, opts QueueOptions, onDiscard func(int)) *Subscriber {
	s := &Subscriber{
		id:         id,
		createdAt:  now,
		evictAfter: opts.EvictAfter,
		queue: ringbuf.New[frame.Normalized](ringbuf.Options{
			Capacity:        opts.Capacity,
			Policy:          opts.Policy,
			BlockTimeout:    opts.BlockTimeout,
			StagingCapacity: opts.StagingCapacity,
			OnDiscard:       onDiscard,
		}),
	}
	s.lastHeartbeat.Store(now.UnixNano())
	s.types.Store(&typeSet{})
	return s
}

func (s *Subscriber) ID() string { return s.id }

// Queue exposes the delivery queue for the consumer side.
func (s *Subscriber) Queue() *ringbuf.Queue[frame.Normalized] { return s.queue }

func (s *Subscriber) State() State { return State(s.state.Load()) }

// Heartbeat records liveness at t.
func (s *Subscriber) Heartbeat(t time.Time) { s.lastHeartbeat.Store(t.UnixNano()) }

func (s *Subscriber) LastHeartbeat() time.Time { return time.Unix(0, s.lastHeartbeat.Load()) }

// Wants reports whether the subscriber currently subscribes to st. Send
// loops check it so that frames queued before a partial unsubscribe are not
// written after it was acknowledged.
func (s *Subscriber) Wants(st frame.StreamType) bool {
	_, ok := (*s.types.Load())[st]
	return ok
}

// StreamTypes returns the currently subscribed stream types.
func (s *Subscriber) StreamTypes() []frame.StreamType {
	set := *s.types.Load()
	out := make([]frame.StreamType, 0, len(set))
	for _, st := range frame.KnownStreamTypes {
		if _, ok := set[st]; ok {
			out = append(out, st)
		}
	}
	return out
}

// Deliver enqueues f without blocking. It reports how many frames the queue
// discarded and false when the subscriber no longer accepts frames.
func (s *Subscriber) Deliver(f frame.Normalized) (int, bool) {
	if s.State() != StateActive {
		return 0, false
	}
	dropped, err := s.queue.Push(f)
	if err != nil {
		return 0, false
	}
	if dropped == 0 {
		s.overflowStreak.Store(0)
	} else {
		s.overflowStreak.Add(1)
	}
	return dropped, true
}

// Overflowed reports whether the last EvictAfter deliveries all discarded
// frames. It is always false when eviction is disabled.
func (s *Subscriber) Overflowed() bool {
	return s.evictAfter > 0 && s.overflowStreak.Load() >= int64(s.evictAfter)
}

// Info is a JSON-friendly view of a subscriber.
type Info struct {
	ID            string             `json:"id"`
	State         string             `json:"state"`
	StreamTypes   []frame.StreamType `json:"stream_types"`
	Policy        string             `json:"policy"`
	QueueLen      int                `json:"queue_len"`
	QueueCapacity int                `json:"queue_capacity"`
	Delivered     uint64             `json:"delivered"`
	Dropped       uint64             `json:"dropped"`
	OverflowRun   int64              `json:"overflow_run"`
	LastHeartbeat time.Time          `json:"last_heartbeat"`
	CreatedAt     time.Time          `json:"created_at"`
}

// Info returns a point-in-time view of s.
func (s *Subscriber) Info() Info {
	st := s.queue.Stats()
	return Info{
		ID:            s.id,
		State:         s.State().String(),
		StreamTypes:   s.StreamTypes(),
		Policy:        s.queue.Policy().String(),
		QueueLen:      st.Len,
		QueueCapacity: st.Capacity,
		Delivered:     st.Pushed,
		Dropped:       st.Dropped,
		OverflowRun:   s.overflowStreak.Load(),
		LastHeartbeat: s.LastHeartbeat(),
		CreatedAt:     s.createdAt,
	}
}
