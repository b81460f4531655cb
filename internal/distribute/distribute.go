// Package distribute fans normalized frames out to subscriber queues.
package distribute

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/streamhub/internal/frame"
	"github.com/your-org/streamhub/internal/subscription"
	"github.com/your-org/streamhub/pkg/metrics"
)

// Subscriptions provides the current subscription view and drains
// subscribers whose queue keeps overflowing.
type Subscriptions interface {
	Snapshot() *subscription.Snapshot
	Evict(id string) (bool, error)
}

type Params struct {
	Subscriptions Subscriptions
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

// Result summarizes one Dispatch call.
type Result struct {
	Matched   int
	Delivered int
	Dropped   int
	Evicted   int
}

// Stats are cumulative distributor counters.
type Stats struct {
	Frames     uint64 `json:"frames"`
	Deliveries uint64 `json:"deliveries"`
	Dropped    uint64 `json:"dropped"`
	Unmatched  uint64 `json:"unmatched"`
	Evicted    uint64 `json:"evicted"`
}

// Distributor enqueues each frame into every matching subscriber queue. It
// may be called from several goroutines; frames passed by one goroutine keep
// their order in every queue. Payload and Metadata are shared between
// subscribers and must be treated as read-only.
type Distributor struct {
	subs    Subscriptions
	logger  *zap.Logger
	metrics *metrics.Metrics

	frames     atomic.Uint64
	deliveries atomic.Uint64
	dropped    atomic.Uint64
	unmatched  atomic.Uint64
	evicted    atomic.Uint64
}

// New constructs a Distributor.
func New(p Params) *Distributor {
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	return &Distributor{
		subs:    p.Subscriptions,
		logger:  p.Logger.Named("distribute"),
		metrics: p.Metrics,
	}
}

// Dispatch delivers f without blocking on any subscriber. A subscriber whose
// queue overflowed on too many consecutive deliveries is evicted.
func (d *Distributor) Dispatch(f frame.Normalized) Result {
	start := time.Now()
	snap := d.subs.Snapshot()

	var res Result
	for _, s := range snap.Matching(f.StreamType) {
		if !s.Matches(f) {
			continue
		}
		res.Matched++
		n, ok := s.Subscriber.Deliver(f)
		if !ok {
			continue
		}
		res.Delivered++
		if n > 0 {
			res.Dropped += n
			d.metrics.SubscriberDropped(s.Subscriber.ID(), n)
			if s.Subscriber.Overflowed() {
				res.Evicted += d.evict(s.Subscriber.ID())
			}
		}
	}

	d.frames.Add(1)
	d.deliveries.Add(uint64(res.Delivered))
	d.dropped.Add(uint64(res.Dropped))
	d.evicted.Add(uint64(res.Evicted))
	if res.Matched == 0 {
		d.unmatched.Add(1)
	}
	d.metrics.ObserveFanout(time.Since(start))
	return res
}

// Stats returns the cumulative counters.
func (d *Distributor) Stats() Stats {
	return Stats{
		Frames:     d.frames.Load(),
		Deliveries: d.deliveries.Load(),
		Dropped:    d.dropped.Load(),
		Unmatched:  d.unmatched.Load(),
		Evicted:    d.evicted.Load(),
	}
}

func (d *Distributor) evict(id string) int {
	started, err := d.subs.Evict(id)
	if err != nil {
		d.logger.Warn("evict subscriber", zap.String("subscriber_id", id), zap.Error(err))
		return 0
	}
	if !started {
		return 0
	}
	return 1
}
