package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/your-org/streamhub/internal/frame"
	"github.com/your-org/streamhub/internal/source"
	"github.com/your-org/streamhub/pkg/metrics"
	"github.com/your-org/streamhub/pkg/ringbuf"
)

// HealthReporter receives the worker's view of source health.
type HealthReporter interface {
	MarkDegraded(id, reason string) error
	MarkActive(id string) error
	MarkLost(id, reason string) error
}

// Config tunes a Worker.
type Config struct {
	QueueCapacity int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	DegradedAfter int
	StaleTimeout  time.Duration
}

// DefaultConfig returns the stock worker settings.
func DefaultConfig() Config {
	return Config{
		QueueCapacity: 64,
		BackoffBase:   200 * time.Millisecond,
		BackoffCap:    5 * time.Second,
		DegradedAfter: 3,
		StaleTimeout:  10 * time.Second,
	}
}

type WorkerParams struct {
	Source  source.Source
	Feed    Feed
	Health  HealthReporter
	Config  Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Worker reads one source feed into a bounded drop-oldest queue.
type Worker struct {
	src     source.Source
	feed    Feed
	health  HealthReporter
	cfg     Config
	queue   *ringbuf.Queue[frame.Raw]
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	seq uint64
}

// NewWorker constructs a Worker. Zero config fields take DefaultConfig values.
func NewWorker(p WorkerParams) *Worker {
	def := DefaultConfig()
	cfg := p.Config
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = def.BackoffCap
	}
	if cfg.DegradedAfter <= 0 {
		cfg.DegradedAfter = def.DegradedAfter
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = def.StaleTimeout
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.Now == nil {
		p.Now = time.Now
	}

	return &Worker{
		src:     p.Source,
		feed:    p.Feed,
		health:  p.Health,
		cfg:     cfg,
		queue:   ringbuf.New[frame.Raw](ringbuf.Options{Capacity: cfg.QueueCapacity, Policy: ringbuf.DropOldest}),
		logger:  p.Logger.Named("ingest").With(zap.String("source_id", p.Source.ID)),
		metrics: p.Metrics,
		now:     p.Now,
	}
}

// Queue is the per-source queue the worker produces into. It is closed when
// Run returns.
func (w *Worker) Queue() *ringbuf.Queue[frame.Raw] {
	return w.queue
}

// Run reads until ctx is canceled, the feed ends or the source goes stale.
// An ended or stale feed marks the source lost; cancellation does not.
func (w *Worker) Run(ctx context.Context) error {
	defer w.queue.Close()
	defer func() {
		if err := w.feed.Close(); err != nil {
			w.logger.Warn("close feed", zap.Error(err))
		}
	}()

	bo := &backoff.ExponentialBackOff{
		InitialInterval:     w.cfg.BackoffBase,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         w.cfg.BackoffCap,
	}
	bo.Reset()

	w.logger.Info("ingestion worker started", zap.String("stream_type", string(w.src.StreamType)))

	lastSuccess := time.Now()
	failures := 0
	degraded := false

	for {
		deadline := lastSuccess.Add(w.cfg.StaleTimeout)
		readCtx, cancel := context.WithDeadline(ctx, deadline)
		unit, err := w.feed.Read(readCtx)
		cancel()

		if ctx.Err() != nil {
			w.logger.Info("ingestion worker stopped")
			return ctx.Err()
		}

		if err == nil {
			lastSuccess = time.Now()
			failures = 0
			bo.Reset()
			if degraded {
				degraded = false
				w.report(w.health.MarkActive(w.src.ID))
			}
			w.push(unit)
			continue
		}

		if errors.Is(err, io.EOF) {
			w.logger.Info("feed ended")
			w.report(w.health.MarkLost(w.src.ID, "feed ended"))
			return nil
		}
		if !time.Now().Before(deadline) {
			w.logger.Warn("source stale", zap.Duration("stale_timeout", w.cfg.StaleTimeout))
			w.report(w.health.MarkLost(w.src.ID, "stale"))
			return fmt.Errorf("source %s: %w", w.src.ID, ErrStale)
		}

		failures++
		w.metrics.ReadError(w.src.ID)
		srcErr := &SourceError{SourceID: w.src.ID, Attempt: failures, Err: err}
		if failures == w.cfg.DegradedAfter {
			degraded = true
			w.report(w.health.MarkDegraded(w.src.ID, srcErr.Error()))
		}

		wait := bo.NextBackOff()
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		w.logger.Debug("feed read failed", zap.Error(srcErr), zap.Duration("retry_in", wait))

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				w.logger.Info("ingestion worker stopped")
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
}

func (w *Worker) push(u Unit) {
	w.seq++
	ts := u.LocalTimestamp
	if ts.IsZero() {
		ts = w.now()
	}

	dropped, err := w.queue.Push(frame.Raw{
		SourceID:       w.src.ID,
		StreamType:     w.src.StreamType,
		Seq:            w.seq,
		LocalTimestamp: ts,
		MimeType:       u.MimeType,
		Payload:        u.Payload,
	})
	if err != nil {
		return
	}
	w.metrics.FrameIngested(w.src.ID)
	w.metrics.SourceDropped(w.src.ID, dropped)
}

func (w *Worker) report(err error) {
	if err != nil {
		w.logger.Warn("report source health", zap.Error(err))
	}
}
