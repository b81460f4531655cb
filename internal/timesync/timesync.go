// Package timesync maps source-local frame timestamps onto the hub reference
// clock.
//
// Each source gets an independent estimator that moves through
//
//	uncalibrated -> calibrating -> synced <-> resynchronizing
//
// Calibration takes the median of the first CalibrationSamples instant
// offsets (reference now minus frame local time). Once synced, every frame
// refines the offset with an exponential moving average. An instant offset
// further than ResyncThreshold from the estimate restarts calibration for that
// source only.
//
// Frames are never held back: frames stamped while a source is not synced
// carry SyncQuality 0 and use the instant offset.
package timesync

import (
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/streamhub/internal/clock"
	"github.com/your-org/streamhub/internal/frame"
	"github.com/your-org/streamhub/pkg/metrics"
)

// ErrNoReferenceClock means the synchronizer cannot be built. It is fatal for
// the process.
var ErrNoReferenceClock = errors.New("timesync: no reference clock")

// State is the per-source synchronizer state.
type State string

const (
	StateUncalibrated    State = "uncalibrated"
	StateCalibrating     State = "calibrating"
	StateSynced          State = "synced"
	StateResynchronizing State = "resynchronizing"
)

// Config tunes the estimators.
type Config struct {
	CalibrationSamples int
	Alpha              float64
	ResyncThreshold    time.Duration
}

// DefaultConfig returns the stock synchronizer settings.
func DefaultConfig() Config {
	return Config{
		CalibrationSamples: 5,
		Alpha:              0.05,
		ResyncThreshold:    250 * time.Millisecond,
	}
}

// Status is a point-in-time view of one source's clock estimate.
type Status struct {
	SourceID       string        `json:"source_id"`
	State          State         `json:"state"`
	Offset         time.Duration `json:"offset_ns"`
	DriftPPM       float64       `json:"drift_ppm"`
	Samples        uint64        `json:"samples"`
	Recalibrations uint64        `json:"recalibrations"`
	LastQuality    float64       `json:"last_quality"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

type Params struct {
	Clock   clock.Clock
	Config  Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Synchronizer stamps frames with global timestamps. Process may be called
// concurrently for different sources; calls for one source must be serialized
// by the caller to keep per-source order.
type Synchronizer struct {
	clock   clock.Clock
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	sources map[string]*estimator
}

// New builds a Synchronizer. It fails with ErrNoReferenceClock when p.Clock is nil.
func New(p Params) (*Synchronizer, error) {
	if p.Clock == nil {
		return nil, ErrNoReferenceClock
	}
	def := DefaultConfig()
	cfg := p.Config
	if cfg.CalibrationSamples <= 0 {
		cfg.CalibrationSamples = def.CalibrationSamples
	}
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = def.Alpha
	}
	if cfg.ResyncThreshold <= 0 {
		cfg.ResyncThreshold = def.ResyncThreshold
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	return &Synchronizer{
		clock:   p.Clock,
		cfg:     cfg,
		logger:  p.Logger.Named("timesync"),
		metrics: p.Metrics,
		sources: make(map[string]*estimator),
	}, nil
}

// Process stamps raw with its global timestamp and sync quality.
func (s *Synchronizer) Process(raw frame.Raw) frame.Synced {
	now := s.clock.Now()
	e := s.estimator(raw.SourceID)

	e.mu.Lock()
	res := e.observe(now, raw.LocalTimestamp, s.cfg)
	global := raw.LocalTimestamp.Add(res.offset)
	if global.Before(e.watermark) {
		global = e.watermark
	}
	e.watermark = global
	e.mu.Unlock()

	switch res.transition {
	case StateSynced:
		s.logger.Info("source clock synced",
			zap.String("source_id", raw.SourceID),
			zap.Duration("offset", res.offset))
	case StateResynchronizing:
		s.metrics.Recalibrated(raw.SourceID)
		s.logger.Warn("source clock jumped, recalibrating",
			zap.String("source_id", raw.SourceID),
			zap.Duration("instant_offset", res.offset),
			zap.Duration("previous_offset", res.previous))
	}
	s.metrics.ObserveSyncQuality(res.quality)

	return frame.Synced{
		Raw:             raw,
		GlobalTimestamp: global,
		SyncQuality:     res.quality,
		OffsetUsed:      res.offset,
	}
}

// Reset discards the estimate for a source so that its next frame starts a
// fresh calibration. The per-source timestamp watermark is kept.
func (s *Synchronizer) Reset(sourceID string) {
	s.mu.RLock()
	e, ok := s.sources[sourceID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.reset()
	e.mu.Unlock()
}

// Status returns the estimate of one source.
func (s *Synchronizer) Status(sourceID string) (Status, bool) {
	s.mu.RLock()
	e, ok := s.sources[sourceID]
	s.mu.RUnlock()
	if !ok {
		return Status{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status(sourceID), true
}

// Statuses returns the estimates of every source seen so far.
func (s *Synchronizer) Statuses() []Status {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sources))
	for id := range s.sources {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		if st, ok := s.Status(id); ok {
			out = append(out, st)
		}
	}
	return out
}

func (s *Synchronizer) estimator(sourceID string) *estimator {
	s.mu.RLock()
	e, ok := s.sources[sourceID]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.sources[sourceID]; ok {
		return e
	}
	e = newEstimator(s.cfg.CalibrationSamples)
	s.sources[sourceID] = e
	return e
}

type observation struct {
	offset     time.Duration
	previous   time.Duration
	quality    float64
	transition State
}

// estimator holds the clock model of one source. Offsets are nanoseconds.
type estimator struct {
	mu sync.Mutex

	state   State
	calib   []float64
	offset  float64
	driftNs float64 // offset change in ns per second of reference time

	lastInstant float64
	lastNow     time.Time

	samples        uint64
	recalibrations uint64
	lastQuality    float64
	updatedAt      time.Time
	watermark      time.Time
}

func newEstimator(n int) *estimator {
	return &estimator{state: StateUncalibrated, calib: make([]float64, 0, n)}
}

func (e *estimator) reset() {
	e.state = StateUncalibrated
	e.calib = e.calib[:0]
	e.offset = 0
	e.driftNs = 0
	e.lastInstant = 0
	e.lastNow = time.Time{}
	e.samples = 0
	e.lastQuality = 0
}

func (e *estimator) observe(now, local time.Time, cfg Config) observation {
	instant := float64(now.Sub(local))
	threshold := float64(cfg.ResyncThreshold)

	e.trackDrift(now, instant, cfg.Alpha)
	e.samples++
	e.updatedAt = now

	var obs observation
	switch e.state {
	case StateUncalibrated, StateCalibrating, StateResynchronizing:
		if e.state == StateUncalibrated {
			e.state = StateCalibrating
		}
		e.calib = append(e.calib, instant)
		if len(e.calib) >= cfg.CalibrationSamples {
			e.offset = median(e.calib)
			e.calib = e.calib[:0]
			e.state = StateSynced
			obs.transition = StateSynced
			obs.offset = time.Duration(e.offset)
		} else {
			obs.offset = time.Duration(instant)
		}
		obs.quality = 0

	case StateSynced:
		deviation := math.Abs(instant - e.offset)
		if deviation > threshold {
			obs.previous = time.Duration(e.offset)
			e.state = StateResynchronizing
			e.recalibrations++
			e.calib = append(e.calib[:0], instant)
			e.driftNs = 0
			obs.transition = StateResynchronizing
			obs.offset = time.Duration(instant)
			obs.quality = 0
			break
		}
		obs.quality = math.Max(0, 1-deviation/threshold)
		e.offset = cfg.Alpha*instant + (1-cfg.Alpha)*e.offset
		obs.offset = time.Duration(e.offset)
	}

	e.lastQuality = obs.quality
	return obs
}

func (e *estimator) trackDrift(now time.Time, instant, alpha float64) {
	if !e.lastNow.IsZero() {
		if dt := now.Sub(e.lastNow).Seconds(); dt > 0 {
			rate := (instant - e.lastInstant) / dt
			e.driftNs = alpha*rate + (1-alpha)*e.driftNs
		}
	}
	e.lastNow = now
	e.lastInstant = instant
}

func (e *estimator) status(sourceID string) Status {
	return Status{
		SourceID:       sourceID,
		State:          e.state,
		Offset:         time.Duration(e.offset),
		DriftPPM:       e.driftNs / 1e3,
		Samples:        e.samples,
		Recalibrations: e.recalibrations,
		LastQuality:    e.lastQuality,
		UpdatedAt:      e.updatedAt,
	}
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
