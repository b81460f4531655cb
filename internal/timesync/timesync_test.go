package timesync

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/your-org/streamhub/internal/clock"
	"github.com/your-org/streamhub/internal/frame"
)

var epoch = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

// simSource produces frames from a device whose clock trails the reference
// clock by offset, with uniform jitter in [-jitter, jitter].
type simSource struct {
	id     string
	offset time.Duration
	jitter time.Duration
	rng    *rand.Rand
	seq    uint64
}

func (s *simSource) frame(ref time.Time) frame.Raw {
	s.seq++
	var j time.Duration
	if s.jitter > 0 {
		j = time.Duration(s.rng.Int63n(int64(2*s.jitter))) - s.jitter
	}
	return frame.Raw{
		SourceID:       s.id,
		StreamType:     frame.StreamVideo,
		Seq:            s.seq,
		LocalTimestamp: ref.Add(-s.offset).Add(j),
	}
}

func newSync(t *testing.T, clk clock.Clock) *Synchronizer {
	t.Helper()
	s, err := New(Params{Clock: clk, Config: DefaultConfig(), Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	return s
}

func TestNewRequiresReferenceClock(t *testing.T) {
	_, err := New(Params{})
	assert.ErrorIs(t, err, ErrNoReferenceClock)
}

func TestCalibrationStateMachine(t *testing.T) {
	clk := clock.NewManual(epoch)
	s := newSync(t, clk)
	src := &simSource{id: "cam", offset: 40 * time.Millisecond}

	_, ok := s.Status("cam")
	assert.False(t, ok)

	for i := 0; i < 4; i++ {
		clk.Advance(33 * time.Millisecond)
		out := s.Process(src.frame(clk.Now()))
		assert.Zero(t, out.SyncQuality)
		st, _ := s.Status("cam")
		assert.Equal(t, StateCalibrating, st.State)
	}

	clk.Advance(33 * time.Millisecond)
	out := s.Process(src.frame(clk.Now()))
	assert.Zero(t, out.SyncQuality)

	st, ok := s.Status("cam")
	require.True(t, ok)
	assert.Equal(t, StateSynced, st.State)
	assert.Equal(t, 40*time.Millisecond, st.Offset)
	assert.Equal(t, uint64(5), st.Samples)
}

func TestMedianResistsOutlier(t *testing.T) {
	clk := clock.NewManual(epoch)
	s := newSync(t, clk)

	offsets := []time.Duration{10, 11, 400, 9, 10}
	for i, o := range offsets {
		clk.Advance(10 * time.Millisecond)
		s.Process(frame.Raw{
			SourceID:       "mic",
			Seq:            uint64(i + 1),
			LocalTimestamp: clk.Now().Add(-o * time.Millisecond),
		})
	}

	st, _ := s.Status("mic")
	assert.Equal(t, 10*time.Millisecond, st.Offset)
}

func TestTwoCamerasConverge(t *testing.T) {
	clk := clock.NewManual(epoch)
	s := newSync(t, clk)

	rng := rand.New(rand.NewSource(7))
	cams := []*simSource{
		{id: "cam1", offset: 50 * time.Millisecond, jitter: 2 * time.Millisecond, rng: rng},
		{id: "cam2", offset: -30 * time.Millisecond, jitter: 2 * time.Millisecond, rng: rng},
	}

	last := map[string]frame.Synced{}
	for i := 0; i < 5+100; i++ {
		for _, cam := range cams {
			clk.Advance(16 * time.Millisecond)
			last[cam.id] = s.Process(cam.frame(clk.Now()))
		}
	}

	for _, cam := range cams {
		st, ok := s.Status(cam.id)
		require.True(t, ok)
		assert.Equal(t, StateSynced, st.State, cam.id)
		assert.InDelta(t, float64(cam.offset), float64(st.Offset), float64(5*time.Millisecond), cam.id)
		assert.Greater(t, last[cam.id].SyncQuality, 0.9, cam.id)
		assert.Less(t, last[cam.id].SyncQuality, 1.0, cam.id)
		assert.Zero(t, st.Recalibrations, cam.id)
	}
}

func TestCalibratedEstimateWithinJitter(t *testing.T) {
	const trials = 200
	jitter := 5 * time.Millisecond
	offset := 120 * time.Millisecond

	within := 0
	for trial := 0; trial < trials; trial++ {
		clk := clock.NewManual(epoch)
		s := newSync(t, clk)
		src := &simSource{id: "s", offset: offset, jitter: jitter, rng: rand.New(rand.NewSource(int64(trial)))}

		for i := 0; i < 5; i++ {
			clk.Advance(20 * time.Millisecond)
			s.Process(src.frame(clk.Now()))
		}
		st, _ := s.Status("s")
		if d := st.Offset - offset; d > -jitter && d < jitter {
			within++
		}
	}

	assert.GreaterOrEqual(t, float64(within)/trials, 0.95)
}

func TestGlobalTimestampsNonDecreasingPerSource(t *testing.T) {
	clk := clock.NewManual(epoch)
	s := newSync(t, clk)
	rng := rand.New(rand.NewSource(42))
	src := &simSource{id: "imu", offset: 5 * time.Millisecond, jitter: 30 * time.Millisecond, rng: rng}

	var prev time.Time
	for i := 0; i < 500; i++ {
		clk.Advance(time.Duration(1+rng.Intn(5)) * time.Millisecond)
		out := s.Process(src.frame(clk.Now()))
		if i > 0 {
			assert.False(t, out.GlobalTimestamp.Before(prev), "frame %d went backwards", i)
		}
		prev = out.GlobalTimestamp
	}
}

func TestJumpTriggersResynchronization(t *testing.T) {
	clk := clock.NewManual(epoch)
	s := newSync(t, clk)
	src := &simSource{id: "iot", offset: 10 * time.Millisecond}

	for i := 0; i < 10; i++ {
		clk.Advance(50 * time.Millisecond)
		s.Process(src.frame(clk.Now()))
	}

	src.offset = 2 * time.Second
	clk.Advance(50 * time.Millisecond)
	out := s.Process(src.frame(clk.Now()))
	assert.Zero(t, out.SyncQuality)

	st, _ := s.Status("iot")
	assert.Equal(t, StateResynchronizing, st.State)
	assert.Equal(t, uint64(1), st.Recalibrations)

	for i := 0; i < 4; i++ {
		clk.Advance(50 * time.Millisecond)
		s.Process(src.frame(clk.Now()))
	}
	st, _ = s.Status("iot")
	assert.Equal(t, StateSynced, st.State)
	assert.Equal(t, 2*time.Second, st.Offset)
}

func TestJumpOnlyAffectsThatSource(t *testing.T) {
	clk := clock.NewManual(epoch)
	s := newSync(t, clk)
	a := &simSource{id: "a", offset: 10 * time.Millisecond}
	b := &simSource{id: "b", offset: 20 * time.Millisecond}

	for i := 0; i < 6; i++ {
		clk.Advance(10 * time.Millisecond)
		s.Process(a.frame(clk.Now()))
		s.Process(b.frame(clk.Now()))
	}

	a.offset = time.Second
	clk.Advance(10 * time.Millisecond)
	s.Process(a.frame(clk.Now()))
	out := s.Process(b.frame(clk.Now()))

	stA, _ := s.Status("a")
	stB, _ := s.Status("b")
	assert.Equal(t, StateResynchronizing, stA.State)
	assert.Equal(t, StateSynced, stB.State)
	assert.InDelta(t, 1.0, out.SyncQuality, 1e-9)
}

func TestResetStartsFreshEstimate(t *testing.T) {
	clk := clock.NewManual(epoch)
	s := newSync(t, clk)
	src := &simSource{id: "cam", offset: 10 * time.Millisecond}

	for i := 0; i < 6; i++ {
		clk.Advance(10 * time.Millisecond)
		s.Process(src.frame(clk.Now()))
	}
	s.Reset("cam")

	st, _ := s.Status("cam")
	assert.Equal(t, StateUncalibrated, st.State)
	assert.Zero(t, st.Samples)

	clk.Advance(10 * time.Millisecond)
	out := s.Process(src.frame(clk.Now()))
	assert.Zero(t, out.SyncQuality)
	st, _ = s.Status("cam")
	assert.Equal(t, StateCalibrating, st.State)
}

func TestDriftIsTracked(t *testing.T) {
	clk := clock.NewManual(epoch)
	s := newSync(t, clk)

	// The device clock runs 100ppm slow: its offset grows 100us per second.
	local := epoch
	for i := 0; i < 400; i++ {
		clk.Advance(100 * time.Millisecond)
		local = local.Add(100*time.Millisecond - 10*time.Microsecond)
		s.Process(frame.Raw{SourceID: "slow", LocalTimestamp: local})
	}

	st, _ := s.Status("slow")
	assert.InDelta(t, 100, st.DriftPPM, 1)
}

func TestStatusesSorted(t *testing.T) {
	clk := clock.NewManual(epoch)
	s := newSync(t, clk)
	s.Process(frame.Raw{SourceID: "b", LocalTimestamp: epoch})
	s.Process(frame.Raw{SourceID: "a", LocalTimestamp: epoch})

	sts := s.Statuses()
	require.Len(t, sts, 2)
	assert.Equal(t, "a", sts[0].SourceID)
	assert.Equal(t, "b", sts[1].SourceID)
}
