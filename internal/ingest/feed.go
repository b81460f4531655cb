package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/your-org/streamhub/internal/source"
	"github.com/your-org/streamhub/pkg/metrics"
	"github.com/your-org/streamhub/pkg/ringbuf"
)

// Unit is one inbound unit produced by a device driver. A zero
// LocalTimestamp is replaced with the worker's receive time.
type Unit struct {
	Payload        []byte
	MimeType       string
	LocalTimestamp time.Time
}

// Feed is the pull capability of a source. Read blocks until a unit is
// available and must return promptly once ctx is done. io.EOF ends the feed
// for good; any other error is treated as transient.
type Feed interface {
	Read(ctx context.Context) (Unit, error)
	Close() error
}

// Feeds opens the feed of a registered source.
type Feeds interface {
	Open(ctx context.Context, src source.Source) (Feed, error)
}

// FeedsFunc adapts a function to Feeds.
type FeedsFunc func(ctx context.Context, src source.Source) (Feed, error)

func (f FeedsFunc) Open(ctx context.Context, src source.Source) (Feed, error) {
	return f(ctx, src)
}

type pushed struct {
	unit Unit
	err  error
}

// PushFeed adapts callback-style drivers to Feed. Deliver never blocks the
// driver: when the buffer is full the oldest unit is discarded.
type PushFeed struct {
	queue  *ringbuf.Queue[pushed]
	onDrop func(n int)
}

// NewPushFeed creates a PushFeed buffering up to capacity units.
func NewPushFeed(capacity int) *PushFeed {
	return &PushFeed{
		queue: ringbuf.New[pushed](ringbuf.Options{Capacity: capacity, Policy: ringbuf.DropOldest}),
	}
}

// newCountedPushFeed is NewPushFeed with every discarded unit recorded
// against sourceID.
func newCountedPushFeed(capacity int, sourceID string, m *metrics.Metrics) *PushFeed {
	f := NewPushFeed(capacity)
	f.onDrop = func(n int) { m.SourceDropped(sourceID, n) }
	return f
}

// Deliver hands a unit to the feed. It reports how many buffered units were
// evicted to make room, and false once the feed has ended.
func (f *PushFeed) Deliver(u Unit) (int, bool) {
	return f.push(pushed{unit: u})
}

// Fail reports a transient driver error to the reader. Like a unit, the
// error may evict the oldest buffered unit.
func (f *PushFeed) Fail(err error) {
	f.push(pushed{err: err})
}

func (f *PushFeed) push(p pushed) (int, bool) {
	dropped, err := f.queue.Push(p)
	if err != nil {
		return 0, false
	}
	if dropped > 0 && f.onDrop != nil {
		f.onDrop(dropped)
	}
	return dropped, true
}

// End marks the feed finished. Buffered units remain readable, then Read
// returns io.EOF.
func (f *PushFeed) End() {
	f.queue.Close()
}

func (f *PushFeed) Read(ctx context.Context) (Unit, error) {
	p, err := f.queue.Pop(ctx)
	if err != nil {
		if errors.Is(err, ringbuf.ErrClosed) {
			return Unit{}, io.EOF
		}
		return Unit{}, err
	}
	if p.err != nil {
		return Unit{}, p.err
	}
	return p.unit, nil
}

func (f *PushFeed) Close() error {
	f.queue.Close()
	return nil
}

// PushFeeds hands out one PushFeed per source so that producers can deliver
// units by source id, for example over HTTP.
type PushFeeds struct {
	mu       sync.Mutex
	feeds    map[string]*PushFeed
	capacity int
	metrics  *metrics.Metrics
}

// NewPushFeeds creates an empty set whose feeds buffer capacity units each.
// Units evicted from a full feed count as dropped frames of its source.
func NewPushFeeds(capacity int, m *metrics.Metrics) *PushFeeds {
	return &PushFeeds{feeds: make(map[string]*PushFeed), capacity: capacity, metrics: m}
}

// Open returns a fresh feed for src, ending any previous feed of the same source.
func (p *PushFeeds) Open(_ context.Context, src source.Source) (Feed, error) {
	feed := newCountedPushFeed(p.capacity, src.ID, p.metrics)

	p.mu.Lock()
	prev := p.feeds[src.ID]
	p.feeds[src.ID] = feed
	p.mu.Unlock()

	if prev != nil {
		prev.End()
	}
	return &ownedPushFeed{PushFeed: feed, owner: p, id: src.ID}, nil
}

// Deliver routes u to the open feed of sourceID.
func (p *PushFeeds) Deliver(sourceID string, u Unit) error {
	p.mu.Lock()
	feed, ok := p.feeds[sourceID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("deliver to %s: %w", sourceID, ErrNoFeed)
	}
	if _, ok := feed.Deliver(u); !ok {
		return fmt.Errorf("deliver to %s: %w", sourceID, ErrNoFeed)
	}
	return nil
}

func (p *PushFeeds) release(id string, feed *PushFeed) {
	p.mu.Lock()
	if p.feeds[id] == feed {
		delete(p.feeds, id)
	}
	p.mu.Unlock()
}

type ownedPushFeed struct {
	*PushFeed
	owner *PushFeeds
	id    string
}

func (f *ownedPushFeed) Close() error {
	f.owner.release(f.id, f.PushFeed)
	return f.PushFeed.Close()
}
