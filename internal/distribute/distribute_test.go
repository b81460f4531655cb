package distribute

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/your-org/streamhub/internal/frame"
	"github.com/your-org/streamhub/internal/subscription"
	"github.com/your-org/streamhub/pkg/metrics"
	"github.com/your-org/streamhub/pkg/ringbuf"
)

func setup(t *testing.T, m *metrics.Metrics) (*subscription.Registry, *Distributor) {
	t.Helper()
	reg := subscription.NewRegistry(subscription.Params{
		Defaults: subscription.QueueOptions{Capacity: 16},
		Logger:   zaptest.NewLogger(t),
		Metrics:  m,
	})
	return reg, New(Params{Subscriptions: reg, Logger: zaptest.NewLogger(t), Metrics: m})
}

func subscribe(t *testing.T, reg *subscription.Registry, id string, opts subscription.QueueOptions, spec subscription.FilterSpec, types ...frame.StreamType) *subscription.Subscriber {
	t.Helper()
	sub, err := reg.Register(id, opts)
	require.NoError(t, err)
	_, err = reg.Subscribe(id, types, spec, nil)
	require.NoError(t, err)
	return sub
}

func nf(source string, st frame.StreamType, seq uint64) frame.Normalized {
	return frame.Normalized{SourceID: source, StreamType: st, Seq: seq, SyncQuality: 0.95}
}

func TestDispatchRoutesByStreamTypeAndFilter(t *testing.T) {
	reg, d := setup(t, nil)
	video := subscribe(t, reg, "video", subscription.QueueOptions{}, subscription.FilterSpec{}, frame.StreamVideo)
	cam2 := subscribe(t, reg, "cam2-only", subscription.QueueOptions{},
		subscription.FilterSpec{SourceIDs: []string{"cam2"}}, frame.StreamVideo)
	audio := subscribe(t, reg, "audio", subscription.QueueOptions{}, subscription.FilterSpec{}, frame.StreamAudio)

	d.Dispatch(nf("cam1", frame.StreamVideo, 1))
	d.Dispatch(nf("cam2", frame.StreamVideo, 1))
	res := d.Dispatch(nf("mic", frame.StreamAudio, 1))
	assert.Equal(t, Result{Matched: 1, Delivered: 1}, res)

	assert.Equal(t, 2, video.Queue().Len())
	assert.Equal(t, 1, cam2.Queue().Len())
	assert.Equal(t, 1, audio.Queue().Len())

	res = d.Dispatch(nf("imu", frame.StreamSensor, 1))
	assert.Zero(t, res.Matched)
	assert.Equal(t, uint64(1), d.Stats().Unmatched)
	assert.Equal(t, uint64(4), d.Stats().Deliveries)
}

func TestDispatchPreservesPerSourceOrder(t *testing.T) {
	reg, d := setup(t, nil)
	sub := subscribe(t, reg, "a", subscription.QueueOptions{Capacity: 256}, subscription.FilterSpec{}, frame.StreamVideo)

	var wg sync.WaitGroup
	for _, src := range []string{"cam1", "cam2"} {
		wg.Add(1)
		go func(src string) {
			defer wg.Done()
			for i := uint64(1); i <= 100; i++ {
				d.Dispatch(nf(src, frame.StreamVideo, i))
			}
		}(src)
	}
	wg.Wait()

	last := map[string]uint64{}
	for {
		f, ok := sub.Queue().TryPop()
		if !ok {
			break
		}
		assert.Equal(t, last[f.SourceID]+1, f.Seq, "source %s out of order", f.SourceID)
		last[f.SourceID] = f.Seq
	}
	assert.Equal(t, uint64(100), last["cam1"])
	assert.Equal(t, uint64(100), last["cam2"])
}

func TestStalledSubscriberDoesNotBlockOthers(t *testing.T) {
	m := metrics.New()
	reg, d := setup(t, m)

	stalled := subscribe(t, reg, "stalled", subscription.QueueOptions{Capacity: 4}, subscription.FilterSpec{}, frame.StreamVideo)
	healthy := subscribe(t, reg, "healthy", subscription.QueueOptions{Capacity: 1024}, subscription.FilterSpec{}, frame.StreamVideo)

	var worst time.Duration
	for i := uint64(1); i <= 500; i++ {
		start := time.Now()
		d.Dispatch(nf("cam1", frame.StreamVideo, i))
		if el := time.Since(start); el > worst {
			worst = el
		}
	}

	assert.Less(t, worst, 5*time.Millisecond)
	assert.Equal(t, 500, healthy.Queue().Len())
	assert.Equal(t, 4, stalled.Queue().Len())
	assert.Equal(t, 496.0, testutil.ToFloat64(m.SubscriberFramesDropped.WithLabelValues("stalled")))
	assert.Zero(t, testutil.ToFloat64(m.SubscriberFramesDropped.WithLabelValues("healthy")))

	// drop-oldest keeps the freshest frames.
	f, _ := stalled.Queue().TryPop()
	assert.Equal(t, uint64(497), f.Seq)
}

func TestBlockBrieflyPolicyNeverBlocksDistributor(t *testing.T) {
	reg, d := setup(t, nil)
	sensor := subscribe(t, reg, "sensor", subscription.QueueOptions{
		Capacity:        2,
		Policy:          ringbuf.BlockThenDropNewest,
		BlockTimeout:    time.Second,
		StagingCapacity: 2,
	}, subscription.FilterSpec{}, frame.StreamSensor)

	start := time.Now()
	var dropped int
	for i := uint64(1); i <= 10; i++ {
		dropped += d.Dispatch(nf("imu", frame.StreamSensor, i)).Dropped
	}
	assert.Less(t, time.Since(start), 5*time.Millisecond)
	assert.Equal(t, 6, dropped)

	// The consumer catches up within the block window: staged frames survive
	// and the newest ones were the ones discarded.
	ctx := context.Background()
	var seqs []uint64
	for i := 0; i < 4; i++ {
		f, err := sensor.Queue().Pop(ctx)
		require.NoError(t, err)
		seqs = append(seqs, f.Seq)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4}, seqs)
}

func TestUnsubscribedAgentReceivesNothing(t *testing.T) {
	reg, d := setup(t, nil)
	other := subscribe(t, reg, "other", subscription.QueueOptions{}, subscription.FilterSpec{}, frame.StreamVideo)
	quitter := subscribe(t, reg, "quitter", subscription.QueueOptions{}, subscription.FilterSpec{}, frame.StreamVideo)

	_, err := reg.Unsubscribe("quitter")
	require.NoError(t, err)

	for i := uint64(1); i <= 10; i++ {
		d.Dispatch(nf("cam1", frame.StreamVideo, i))
	}
	assert.Zero(t, quitter.Queue().Len())
	assert.Equal(t, 10, other.Queue().Len())
}

func TestDrainingSubscriberSkipped(t *testing.T) {
	reg, d := setup(t, nil)
	sub := subscribe(t, reg, "a", subscription.QueueOptions{}, subscription.FilterSpec{}, frame.StreamVideo)

	// Keep a stale snapshot around to mimic a dispatch racing the drain.
	stale := reg.Snapshot()
	require.NoError(t, reg.BeginDrain("a"))

	for _, s := range stale.Matching(frame.StreamVideo) {
		_, ok := s.Subscriber.Deliver(nf("cam1", frame.StreamVideo, 1))
		assert.False(t, ok)
	}
	res := d.Dispatch(nf("cam1", frame.StreamVideo, 2))
	assert.Zero(t, res.Matched)
	assert.Zero(t, sub.Queue().Len())
}

func TestPersistentOverflowEvictsSubscriber(t *testing.T) {
	m := metrics.New()
	reg, d := setup(t, m)
	slow := subscribe(t, reg, "slow", subscription.QueueOptions{Capacity: 2, EvictAfter: 3}, subscription.FilterSpec{}, frame.StreamVideo)
	healthy := subscribe(t, reg, "healthy", subscription.QueueOptions{Capacity: 64}, subscription.FilterSpec{}, frame.StreamVideo)

	for i := uint64(1); i <= 4; i++ {
		assert.Zero(t, d.Dispatch(nf("cam1", frame.StreamVideo, i)).Evicted)
	}
	assert.Equal(t, subscription.StateActive, slow.State())

	res := d.Dispatch(nf("cam1", frame.StreamVideo, 5))
	assert.Equal(t, 1, res.Evicted)
	assert.Equal(t, subscription.StateDraining, slow.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SubscribersEvicted))
	assert.Equal(t, uint64(1), d.Stats().Evicted)

	res = d.Dispatch(nf("cam1", frame.StreamVideo, 6))
	assert.Equal(t, Result{Matched: 1, Delivered: 1}, res)
	assert.Equal(t, 6, healthy.Queue().Len())

	// The consumer still gets what was queued, then sees the queue close.
	ctx := context.Background()
	for _, want := range []uint64{4, 5} {
		f, err := slow.Queue().Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, f.Seq)
	}
	_, err := slow.Queue().Pop(ctx)
	assert.ErrorIs(t, err, ringbuf.ErrClosed)
}

func TestConsumerProgressResetsOverflowRun(t *testing.T) {
	reg, d := setup(t, nil)
	sub := subscribe(t, reg, "a", subscription.QueueOptions{Capacity: 1, EvictAfter: 3}, subscription.FilterSpec{}, frame.StreamVideo)

	d.Dispatch(nf("cam1", frame.StreamVideo, 1))
	d.Dispatch(nf("cam1", frame.StreamVideo, 2))
	d.Dispatch(nf("cam1", frame.StreamVideo, 3))
	_, ok := sub.Queue().TryPop()
	require.True(t, ok)
	for i := uint64(4); i <= 6; i++ {
		assert.Zero(t, d.Dispatch(nf("cam1", frame.StreamVideo, i)).Evicted)
	}
	assert.Equal(t, subscription.StateActive, sub.State())
	assert.Equal(t, int64(2), sub.Info().OverflowRun)
}

func TestNegativeEvictAfterDisablesEviction(t *testing.T) {
	reg := subscription.NewRegistry(subscription.Params{
		Defaults: subscription.QueueOptions{Capacity: 1, EvictAfter: 2},
		Logger:   zaptest.NewLogger(t),
	})
	d := New(Params{Subscriptions: reg, Logger: zaptest.NewLogger(t)})
	byDefault := subscribe(t, reg, "default", subscription.QueueOptions{}, subscription.FilterSpec{}, frame.StreamIoT)
	pinned := subscribe(t, reg, "pinned", subscription.QueueOptions{EvictAfter: -1}, subscription.FilterSpec{}, frame.StreamIoT)

	for i := uint64(1); i <= 10; i++ {
		d.Dispatch(nf("plc", frame.StreamIoT, i))
	}
	assert.Equal(t, subscription.StateDraining, byDefault.State())
	assert.Equal(t, subscription.StateActive, pinned.State())
}

func TestStagedExpiryCountsAsSubscriberDrop(t *testing.T) {
	m := metrics.New()
	reg, d := setup(t, m)
	sub := subscribe(t, reg, "sensor", subscription.QueueOptions{
		Capacity:        1,
		Policy:          ringbuf.BlockThenDropNewest,
		BlockTimeout:    10 * time.Millisecond,
		StagingCapacity: 2,
	}, subscription.FilterSpec{}, frame.StreamSensor)

	for i := uint64(1); i <= 3; i++ {
		assert.Zero(t, d.Dispatch(nf("imu", frame.StreamSensor, i)).Dropped)
	}
	time.Sleep(50 * time.Millisecond)

	f, ok := sub.Queue().TryPop()
	require.True(t, ok)
	assert.Equal(t, uint64(1), f.Seq)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SubscriberFramesDropped.WithLabelValues("sensor")))
	assert.Equal(t, uint64(2), sub.Info().Dropped)
}
