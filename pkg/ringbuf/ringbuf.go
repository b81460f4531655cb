// Package ringbuf provides a bounded, generic FIFO queue with an explicit
// overflow policy.
//
// Memory is fixed at construction: a ring of Capacity slots plus, for
// BlockThenDropNewest, a staging area of StagingCapacity slots. Push never
// blocks the caller under either policy:
//
//   - DropOldest evicts the head of the ring to make room (freshness first).
//   - BlockThenDropNewest parks the item in the staging area with a deadline of
//     now+BlockTimeout. A staged item enters the ring when the consumer frees a
//     slot before the deadline; otherwise it is dropped. Items arriving while
//     the staging area is full are dropped immediately. This is the behaviour
//     of a producer that blocks briefly and then gives up on the newest item,
//     without ever stalling the goroutine that calls Push.
//
// Pop blocks until an item is available, the context ends or the queue is
// closed and drained.
package ringbuf

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by Push after Close, and by Pop once a closed queue is empty.
var ErrClosed = errors.New("ringbuf: queue closed")

// Policy selects what is discarded when the queue is full.
type Policy int

const (
	DropOldest Policy = iota
	BlockThenDropNewest
)

// String returns the wire name of the policy.
func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case BlockThenDropNewest:
		return "block-briefly-then-drop-newest"
	default:
		return "unknown"
	}
}

// ParsePolicy maps a wire name to a Policy. The empty string selects DropOldest.
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "", "drop-oldest":
		return DropOldest, nil
	case "block-briefly-then-drop-newest", "drop-newest":
		return BlockThenDropNewest, nil
	default:
		return DropOldest, fmt.Errorf("unknown drop policy %q", name)
	}
}

const (
	defaultCapacity        = 64
	defaultBlockTimeout    = 20 * time.Millisecond
	defaultStagingCapacity = 16
)

// Options configures a Queue.
type Options struct {
	Capacity        int
	Policy          Policy
	BlockTimeout    time.Duration
	StagingCapacity int
	// Now overrides the clock used for staging deadlines.
	Now func() time.Time
	// OnDiscard, if set, is called with the number of staged items that
	// expired while the consumer was popping. Discards caused by Push are
	// reported through its return value instead. It is called without the
	// queue lock held.
	OnDiscard func(n int)
}

// Stats is a point-in-time view of queue counters.
type Stats struct {
	Pushed   uint64
	Popped   uint64
	Dropped  uint64
	Len      int
	Staged   int
	Capacity int
}

type staged[T any] struct {
	item     T
	deadline time.Time
}

// Queue is safe for concurrent producers and consumers.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	size   int
	stage  []staged[T]
	closed bool

	policy       Policy
	blockTimeout time.Duration
	stageCap     int
	now          func() time.Time
	onDiscard    func(n int)

	notify chan struct{}

	pushed  atomic.Uint64
	popped  atomic.Uint64
	dropped atomic.Uint64
}

// New creates a queue. Zero values in opts are replaced by defaults.
func New[T any](opts Options) *Queue[T] {
	if opts.Capacity <= 0 {
		opts.Capacity = defaultCapacity
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = defaultBlockTimeout
	}
	if opts.StagingCapacity <= 0 {
		opts.StagingCapacity = defaultStagingCapacity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	q := &Queue[T]{
		items:        make([]T, opts.Capacity),
		policy:       opts.Policy,
		blockTimeout: opts.BlockTimeout,
		now:          opts.Now,
		onDiscard:    opts.OnDiscard,
		notify:       make(chan struct{}, 1),
	}
	if opts.Policy == BlockThenDropNewest {
		q.stageCap = opts.StagingCapacity
		q.stage = make([]staged[T], 0, opts.StagingCapacity)
	}
	return q
}

// Push enqueues item and returns how many items were discarded as a result:
// the evicted head under DropOldest, the rejected item when the staging area
// is full, and any staged items whose deadline passed.
func (q *Queue[T]) Push(item T) (int, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0, ErrClosed
	}

	dropped := q.expireLocked()
	q.promoteLocked()

	switch q.policy {
	case BlockThenDropNewest:
		switch {
		case len(q.stage) == 0 && q.size < len(q.items):
			q.appendLocked(item)
		case len(q.stage) < q.stageCap:
			q.stage = append(q.stage, staged[T]{item: item, deadline: q.now().Add(q.blockTimeout)})
		default:
			dropped++
		}
	default:
		if q.size == len(q.items) {
			var zero T
			q.items[q.head] = zero
			q.head = (q.head + 1) % len(q.items)
			q.size--
			dropped++
		}
		q.appendLocked(item)
	}
	q.mu.Unlock()

	q.pushed.Add(1)
	if dropped > 0 {
		q.dropped.Add(uint64(dropped))
	}
	q.signal()
	return dropped, nil
}

// Pop removes the oldest item, waiting until one is available. It returns
// ErrClosed once the queue is closed and empty, or ctx.Err().
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		item, ok, err := q.tryPop()
		if ok {
			return item, nil
		}
		if err != nil {
			var zero T
			return zero, err
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// TryPop removes the oldest item without waiting.
func (q *Queue[T]) TryPop() (T, bool) {
	item, ok, _ := q.tryPop()
	return item, ok
}

func (q *Queue[T]) tryPop() (T, bool, error) {
	var zero T

	q.mu.Lock()
	dropped := q.expireLocked()
	q.promoteLocked()

	if q.size == 0 {
		closed := q.closed
		q.mu.Unlock()
		q.discard(dropped)
		if closed {
			return zero, false, ErrClosed
		}
		return zero, false, nil
	}

	item := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.size--
	q.promoteLocked()
	remaining := q.size
	q.mu.Unlock()

	q.popped.Add(1)
	q.discard(dropped)
	if remaining > 0 {
		q.signal()
	}
	return item, true, nil
}

// Len returns the number of items ready to pop, excluding staged items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Capacity returns the ring size.
func (q *Queue[T]) Capacity() int {
	return len(q.items)
}

// Policy returns the overflow policy.
func (q *Queue[T]) Policy() Policy {
	return q.policy
}

// Close stops accepting items. Items already queued (and staged items whose
// deadline has not passed) remain poppable.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.signal()
}

// Closed reports whether Close was called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Stats returns a snapshot of the queue counters.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	size, staged := q.size, len(q.stage)
	q.mu.Unlock()

	return Stats{
		Pushed:   q.pushed.Load(),
		Popped:   q.popped.Load(),
		Dropped:  q.dropped.Load(),
		Len:      size,
		Staged:   staged,
		Capacity: len(q.items),
	}
}

func (q *Queue[T]) discard(n int) {
	if n == 0 {
		return
	}
	q.dropped.Add(uint64(n))
	if q.onDiscard != nil {
		q.onDiscard(n)
	}
}

func (q *Queue[T]) appendLocked(item T) {
	tail := (q.head + q.size) % len(q.items)
	q.items[tail] = item
	q.size++
}

// expireLocked drops staged items whose deadline has passed. Deadlines are
// assigned in arrival order, so expired items are always at the front.
func (q *Queue[T]) expireLocked() int {
	if len(q.stage) == 0 {
		return 0
	}
	now := q.now()
	n := 0
	for n < len(q.stage) && now.After(q.stage[n].deadline) {
		n++
	}
	if n > 0 {
		q.shiftStageLocked(n)
	}
	return n
}

func (q *Queue[T]) promoteLocked() {
	n := 0
	for n < len(q.stage) && q.size < len(q.items) {
		q.appendLocked(q.stage[n].item)
		n++
	}
	if n > 0 {
		q.shiftStageLocked(n)
	}
}

func (q *Queue[T]) shiftStageLocked(n int) {
	remaining := copy(q.stage, q.stage[n:])
	var zero staged[T]
	for i := remaining; i < len(q.stage); i++ {
		q.stage[i] = zero
	}
	q.stage = q.stage[:remaining]
}

func (q *Queue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
