// Package archive records distributed frames to object storage. The sink is
// an ordinary subscriber: it registers with the subscription registry like
// any agent and gets no privileged path.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/your-org/streamhub/internal/frame"
	"github.com/your-org/streamhub/internal/subscription"
	"github.com/your-org/streamhub/pkg/metrics"
	"github.com/your-org/streamhub/pkg/ringbuf"
	"github.com/your-org/streamhub/pkg/storage/objectstore"
)

const (
	SegmentVersion     = 1
	SegmentContentType = "application/vnd.streamhub.segment+msgpack"
)

// Segment is the stored unit: consecutive frames of one stream type.
type Segment struct {
	Version    int              `msgpack:"version"`
	StreamType frame.StreamType `msgpack:"stream_type"`
	StartedAt  time.Time        `msgpack:"started_at"`
	EndedAt    time.Time        `msgpack:"ended_at"`
	Frames     []Record         `msgpack:"frames"`
}

// Record is one archived frame.
type Record struct {
	SourceID        string            `msgpack:"source_id"`
	Seq             uint64            `msgpack:"seq"`
	LocalTimestamp  time.Time         `msgpack:"local_ts"`
	GlobalTimestamp time.Time         `msgpack:"global_ts"`
	SyncQuality     float64           `msgpack:"sync_quality"`
	MimeType        string            `msgpack:"mime_type"`
	Payload         []byte            `msgpack:"payload"`
	Metadata        map[string]string `msgpack:"metadata,omitempty"`
}

// DecodeSegment reads a segment written by the sink.
func DecodeSegment(r io.Reader) (Segment, error) {
	var seg Segment
	if err := msgpack.NewDecoder(r).Decode(&seg); err != nil {
		return Segment{}, fmt.Errorf("decode segment: %w", err)
	}
	if seg.Version != SegmentVersion {
		return Segment{}, fmt.Errorf("decode segment: unsupported version %d", seg.Version)
	}
	return seg, nil
}

// Subscriptions is the registry surface the sink uses.
type Subscriptions interface {
	Register(id string, opts subscription.QueueOptions) (*subscription.Subscriber, error)
	Subscribe(id string, types []frame.StreamType, spec subscription.FilterSpec, pred subscription.Predicate) (string, error)
	BeginDrain(id string) error
	Remove(id string) error
}

type Config struct {
	SubscriberID    string
	StreamTypes     []frame.StreamType
	Filter          subscription.FilterSpec
	SegmentFrames   int
	SegmentInterval time.Duration
	QueueCapacity   int
	UploadTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		SubscriberID:    "archive",
		StreamTypes:     []frame.StreamType{frame.StreamSensor, frame.StreamIoT},
		SegmentFrames:   256,
		SegmentInterval: 10 * time.Second,
		QueueCapacity:   1024,
		UploadTimeout:   30 * time.Second,
	}
}

type Params struct {
	Subscriptions Subscriptions
	Store         objectstore.Client
	Config        Config
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
	Now           func() time.Time
}

// Sink batches frames into segments and uploads them.
type Sink struct {
	subs    Subscriptions
	store   objectstore.Client
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	open map[frame.StreamType]*Segment
}

// New constructs a Sink.
func New(p Params) *Sink {
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	d := DefaultConfig()
	cfg := p.Config
	if cfg.SubscriberID == "" {
		cfg.SubscriberID = d.SubscriberID
	}
	if len(cfg.StreamTypes) == 0 {
		cfg.StreamTypes = d.StreamTypes
	}
	if cfg.SegmentFrames <= 0 {
		cfg.SegmentFrames = d.SegmentFrames
	}
	if cfg.SegmentInterval <= 0 {
		cfg.SegmentInterval = d.SegmentInterval
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = d.QueueCapacity
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = d.UploadTimeout
	}
	return &Sink{
		subs:    p.Subscriptions,
		store:   p.Store,
		cfg:     cfg,
		logger:  p.Logger.Named("archive"),
		metrics: p.Metrics,
		now:     p.Now,
		open:    make(map[frame.StreamType]*Segment),
	}
}

// Run subscribes and archives frames until ctx is done. On shutdown the
// subscriber drains: frames already queued are written before Run returns.
func (s *Sink) Run(ctx context.Context) error {
	if err := s.store.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	sub, err := s.subs.Register(s.cfg.SubscriberID, subscription.QueueOptions{
		Capacity: s.cfg.QueueCapacity,
		Policy:   ringbuf.BlockThenDropNewest,
		// An upload stall must not end archiving for the rest of the run.
		EvictAfter: -1,
	})
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	defer func() {
		if err := s.subs.Remove(s.cfg.SubscriberID); err != nil {
			s.logger.Warn("remove archive subscriber", zap.Error(err))
		}
	}()
	if _, err := s.subs.Subscribe(s.cfg.SubscriberID, s.cfg.StreamTypes, s.cfg.Filter, nil); err != nil {
		return fmt.Errorf("archive: %w", err)
	}

	s.logger.Info("archive sink started",
		zap.Any("stream_types", s.cfg.StreamTypes),
		zap.Int("segment_frames", s.cfg.SegmentFrames),
		zap.Duration("segment_interval", s.cfg.SegmentInterval))

	q := sub.Queue()
	nextFlush := s.now().Add(s.cfg.SegmentInterval)
	for {
		popCtx, cancel := context.WithDeadline(ctx, nextFlush)
		f, err := q.Pop(popCtx)
		cancel()

		switch {
		case err == nil:
			s.add(f)
		case ctx.Err() != nil:
			return s.shutdown(q)
		case errors.Is(err, context.DeadlineExceeded):
			s.flushAll()
			nextFlush = s.now().Add(s.cfg.SegmentInterval)
		case errors.Is(err, ringbuf.ErrClosed):
			s.flushAll()
			return nil
		default:
			return err
		}
	}
}

func (s *Sink) shutdown(q *ringbuf.Queue[frame.Normalized]) error {
	if err := s.subs.BeginDrain(s.cfg.SubscriberID); err != nil {
		s.logger.Warn("drain archive subscriber", zap.Error(err))
	}
	for {
		f, ok := q.TryPop()
		if !ok {
			break
		}
		s.add(f)
	}
	s.flushAll()
	s.logger.Info("archive sink stopped")
	return nil
}

func (s *Sink) add(f frame.Normalized) {
	seg, ok := s.open[f.StreamType]
	if !ok {
		seg = &Segment{Version: SegmentVersion, StreamType: f.StreamType, StartedAt: s.now().UTC()}
		s.open[f.StreamType] = seg
	}
	seg.Frames = append(seg.Frames, Record{
		SourceID:        f.SourceID,
		Seq:             f.Seq,
		LocalTimestamp:  f.LocalTimestamp,
		GlobalTimestamp: f.GlobalTimestamp,
		SyncQuality:     f.SyncQuality,
		MimeType:        f.MimeType,
		Payload:         f.Payload,
		Metadata:        f.Metadata,
	})
	if len(seg.Frames) >= s.cfg.SegmentFrames {
		s.flush(seg)
		delete(s.open, f.StreamType)
	}
}

func (s *Sink) flushAll() {
	for st, seg := range s.open {
		s.flush(seg)
		delete(s.open, st)
	}
}

func (s *Sink) flush(seg *Segment) {
	if len(seg.Frames) == 0 {
		return
	}
	seg.EndedAt = s.now().UTC()
	key := SegmentKey(seg.StreamType, seg.StartedAt)

	var buf bytes.Buffer
	if err := msgpack.NewEncoder(&buf).Encode(seg); err != nil {
		s.metrics.ArchiveSegment("failed")
		s.logger.Error("encode segment", zap.String("key", key), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.UploadTimeout)
	defer cancel()
	meta := map[string]string{
		"stream_type": string(seg.StreamType),
		"frames":      strconv.Itoa(len(seg.Frames)),
		"started_at":  seg.StartedAt.Format(time.RFC3339Nano),
		"ended_at":    seg.EndedAt.Format(time.RFC3339Nano),
	}
	if err := s.store.Put(ctx, key, &buf, int64(buf.Len()), SegmentContentType, meta); err != nil {
		s.metrics.ArchiveSegment("failed")
		s.logger.Error("upload segment",
			zap.String("key", key),
			zap.Int("frames", len(seg.Frames)),
			zap.Error(err))
		return
	}
	s.metrics.ArchiveSegment("written")
	s.logger.Debug("segment written", zap.String("key", key), zap.Int("frames", len(seg.Frames)))
}

// SegmentKey is <stream type>/<yyyy/mm/dd>/<start unix nanos>-<uuid>.msgpack.
func SegmentKey(st frame.StreamType, started time.Time) string {
	started = started.UTC()
	return fmt.Sprintf("%s/%s/%d-%s.msgpack", st, started.Format("2006/01/02"), started.UnixNano(), uuid.NewString())
}
