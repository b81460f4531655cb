package ingest

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/streamhub/internal/source"
	"github.com/your-org/streamhub/pkg/metrics"
)

func TestPushFeedDeliversThenEnds(t *testing.T) {
	feed := NewPushFeed(4)
	ctx := context.Background()

	_, ok := feed.Deliver(Unit{Payload: []byte("1")})
	require.True(t, ok)
	feed.Fail(errors.New("glitch"))
	feed.End()

	u, err := feed.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), u.Payload)

	_, err = feed.Read(ctx)
	assert.EqualError(t, err, "glitch")

	_, err = feed.Read(ctx)
	assert.ErrorIs(t, err, io.EOF)

	_, ok = feed.Deliver(Unit{})
	assert.False(t, ok)
}

func TestPushFeedNeverBlocksDriver(t *testing.T) {
	feed := NewPushFeed(2)
	for i := 0; i < 10; i++ {
		feed.Deliver(Unit{Payload: []byte{byte(i)}})
	}

	u, err := feed.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{8}, u.Payload)
}

func TestPushFeedReadHonoursContext(t *testing.T) {
	feed := NewPushFeed(2)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := feed.Read(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPushFeedsRouting(t *testing.T) {
	feeds := NewPushFeeds(4, nil)
	src := source.Source{ID: "s1"}

	assert.ErrorIs(t, feeds.Deliver("s1", Unit{}), ErrNoFeed)

	feed, err := feeds.Open(context.Background(), src)
	require.NoError(t, err)
	require.NoError(t, feeds.Deliver("s1", Unit{Payload: []byte("x")}))

	u, err := feed.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), u.Payload)

	require.NoError(t, feed.Close())
	assert.ErrorIs(t, feeds.Deliver("s1", Unit{}), ErrNoFeed)
}

func TestPushFeedsReopenEndsPreviousFeed(t *testing.T) {
	feeds := NewPushFeeds(4, nil)
	src := source.Source{ID: "s1"}

	first, err := feeds.Open(context.Background(), src)
	require.NoError(t, err)
	second, err := feeds.Open(context.Background(), src)
	require.NoError(t, err)

	_, err = first.Read(context.Background())
	assert.ErrorIs(t, err, io.EOF)

	// Closing the stale feed must not unregister the new one.
	require.NoError(t, first.Close())
	require.NoError(t, feeds.Deliver("s1", Unit{Payload: []byte("y")}))
	u, err := second.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), u.Payload)
}

func TestPushFeedsCountEvictedUnits(t *testing.T) {
	m := metrics.New()
	feeds := NewPushFeeds(2, m)
	feed, err := feeds.Open(context.Background(), source.Source{ID: "cam1"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, feeds.Deliver("cam1", Unit{Payload: []byte{byte(i)}}))
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SourceFramesDropped.WithLabelValues("cam1")))

	// A driver error takes a slot too.
	feed.(*ownedPushFeed).Fail(errors.New("glitch"))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.SourceFramesDropped.WithLabelValues("cam1")))

	u, err := feed.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{4}, u.Payload)
	_, err = feed.Read(context.Background())
	assert.EqualError(t, err, "glitch")
}

func TestCountedPushFeedWithoutMetrics(t *testing.T) {
	feed := newCountedPushFeed(1, "mic", nil)
	feed.Deliver(Unit{})
	dropped, ok := feed.Deliver(Unit{})
	assert.True(t, ok)
	assert.Equal(t, 1, dropped)
}

func TestSubjectFor(t *testing.T) {
	assert.Equal(t, "hub.ingest.usb_cam_0", SubjectFor("hub.ingest", "usb.cam 0"))
	assert.Equal(t, "mic_", SubjectFor("", "mic>"))
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 3, 1, 10, 0, 0, 500, time.UTC)

	got, err := ParseTimestamp("2024-03-01T10:00:00.0000005Z")
	require.NoError(t, err)
	assert.True(t, want.Equal(got))

	got, err = ParseTimestamp("1709287200000000500")
	require.NoError(t, err)
	assert.True(t, want.Equal(got))

	_, err = ParseTimestamp("yesterday")
	assert.Error(t, err)
}

func TestUnitFromMsg(t *testing.T) {
	msg := &nats.Msg{
		Data: []byte{1, 2},
		Header: nats.Header{
			HeaderContentType: []string{"audio/pcm;rate=48000;channels=2"},
			HeaderTimestamp:   []string{"1709287200000000500"},
		},
	}

	u, err := unitFromMsg(msg)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, u.Payload)
	assert.Equal(t, "audio/pcm;rate=48000;channels=2", u.MimeType)
	assert.Equal(t, int64(1709287200000000500), u.LocalTimestamp.UnixNano())

	_, err = unitFromMsg(&nats.Msg{Header: nats.Header{HeaderTimestamp: []string{"bad"}}})
	assert.Error(t, err)
}
