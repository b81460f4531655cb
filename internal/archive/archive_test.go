package archive

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/your-org/streamhub/internal/distribute"
	"github.com/your-org/streamhub/internal/frame"
	"github.com/your-org/streamhub/internal/subscription"
	"github.com/your-org/streamhub/pkg/metrics"
	"github.com/your-org/streamhub/pkg/storage/objectstore"
)

type failingStore struct{ objectstore.Client }

func (failingStore) EnsureBucket(context.Context) error { return nil }
func (failingStore) Put(context.Context, string, io.Reader, int64, string, map[string]string) error {
	return errors.New("bucket unavailable")
}

type fixture struct {
	reg   *subscription.Registry
	dist  *distribute.Distributor
	store *objectstore.Memory
	m     *metrics.Metrics
	done  chan error
	stop  context.CancelFunc
}

func start(t *testing.T, cfg Config, store objectstore.Client) *fixture {
	t.Helper()
	m := metrics.New()
	reg := subscription.NewRegistry(subscription.Params{Logger: zaptest.NewLogger(t)})
	mem, _ := store.(*objectstore.Memory)
	f := &fixture{
		reg:   reg,
		dist:  distribute.New(distribute.Params{Subscriptions: reg, Logger: zaptest.NewLogger(t)}),
		store: mem,
		m:     m,
		done:  make(chan error, 1),
	}
	sink := New(Params{Subscriptions: reg, Store: store, Config: cfg, Logger: zaptest.NewLogger(t), Metrics: m})

	ctx, cancel := context.WithCancel(context.Background())
	f.stop = cancel
	go func() { f.done <- sink.Run(ctx) }()
	require.Eventually(t, func() bool {
		return reg.Snapshot().Len() > 0
	}, time.Second, time.Millisecond)
	return f
}

func (f *fixture) shutdown(t *testing.T) {
	t.Helper()
	f.stop()
	select {
	case err := <-f.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("sink did not stop")
	}
}

func sensorFrame(seq uint64) frame.Normalized {
	return frame.Normalized{
		SourceID:        "imu",
		StreamType:      frame.StreamSensor,
		Seq:             seq,
		GlobalTimestamp: time.Unix(1700000000, int64(seq)),
		SyncQuality:     0.9,
		MimeType:        "application/vnd.streamhub.sensor+json;version=1",
		Payload:         []byte(`{"schema":"streamhub.sensor/v1"}`),
	}
}

func readSegment(t *testing.T, store *objectstore.Memory, key string) Segment {
	t.Helper()
	r, info, ok := store.Get(key)
	require.True(t, ok)
	assert.Equal(t, SegmentContentType, info.ContentType)
	seg, err := DecodeSegment(r)
	require.NoError(t, err)
	return seg
}

func TestSinkWritesSegmentsBySize(t *testing.T) {
	f := start(t, Config{SegmentFrames: 3, SegmentInterval: time.Hour}, objectstore.NewMemory())

	for i := uint64(1); i <= 7; i++ {
		f.dist.Dispatch(sensorFrame(i))
	}
	require.Eventually(t, func() bool { return len(f.store.List("sensor/")) == 2 }, 2*time.Second, 5*time.Millisecond)

	f.shutdown(t)
	objs := f.store.List("sensor/")
	require.Len(t, objs, 3)

	var seqs []uint64
	var sizes []int
	for _, o := range objs {
		seg := readSegment(t, f.store, o.Key)
		assert.Equal(t, frame.StreamSensor, seg.StreamType)
		sizes = append(sizes, len(seg.Frames))
		for _, r := range seg.Frames {
			seqs = append(seqs, r.Seq)
		}
	}
	assert.ElementsMatch(t, []int{3, 3, 1}, sizes)
	assert.ElementsMatch(t, []uint64{1, 2, 3, 4, 5, 6, 7}, seqs)
	assert.Equal(t, 3.0, testutil.ToFloat64(f.m.ArchiveSegments.WithLabelValues("written")))

	_, ok := f.reg.Get("archive")
	assert.False(t, ok, "sink unregisters on shutdown")
}

func TestSinkFlushesOnInterval(t *testing.T) {
	f := start(t, Config{SegmentFrames: 100, SegmentInterval: 20 * time.Millisecond}, objectstore.NewMemory())
	f.dist.Dispatch(sensorFrame(1))

	require.Eventually(t, func() bool { return len(f.store.List("")) == 1 }, 2*time.Second, 5*time.Millisecond)
	seg := readSegment(t, f.store, f.store.List("")[0].Key)
	require.Len(t, seg.Frames, 1)
	assert.Equal(t, "imu", seg.Frames[0].SourceID)
	assert.True(t, seg.Frames[0].GlobalTimestamp.Equal(time.Unix(1700000000, 1)))
	assert.Equal(t, []byte(`{"schema":"streamhub.sensor/v1"}`), seg.Frames[0].Payload)
	f.shutdown(t)
}

func TestSinkOnlyArchivesSubscribedTypes(t *testing.T) {
	f := start(t, Config{StreamTypes: []frame.StreamType{frame.StreamSensor}, SegmentFrames: 1}, objectstore.NewMemory())

	video := sensorFrame(1)
	video.StreamType = frame.StreamVideo
	res := f.dist.Dispatch(video)
	assert.Zero(t, res.Matched)

	f.dist.Dispatch(sensorFrame(2))
	f.shutdown(t)
	assert.Empty(t, f.store.List("video/"))
	assert.Len(t, f.store.List("sensor/"), 1)
}

func TestSinkCountsUploadFailures(t *testing.T) {
	f := start(t, Config{SegmentFrames: 1}, failingStore{})
	f.dist.Dispatch(sensorFrame(1))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.m.ArchiveSegments.WithLabelValues("failed")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	f.shutdown(t)
}

func TestSinkIdConflict(t *testing.T) {
	reg := subscription.NewRegistry(subscription.Params{})
	_, err := reg.Register("archive", subscription.QueueOptions{})
	require.NoError(t, err)

	sink := New(Params{Subscriptions: reg, Store: objectstore.NewMemory()})
	err = sink.Run(context.Background())
	assert.ErrorIs(t, err, subscription.ErrSubscriberExists)
}

func TestSegmentKey(t *testing.T) {
	ts := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)
	key := SegmentKey(frame.StreamIoT, ts)
	assert.Regexp(t, `^iot/2024/03/09/1709985600000000000-[0-9a-f-]{36}\.msgpack$`, key)
}
