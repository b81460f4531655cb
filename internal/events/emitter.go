package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/streamhub/internal/source"
	"github.com/your-org/streamhub/pkg/kafka"
	"github.com/your-org/streamhub/pkg/metrics"
)

// Publisher sends encoded events. *kafka.Producer satisfies it.
type Publisher interface {
	Publish(ctx context.Context, records ...kafka.Record) error
}

type Config struct {
	Buffer         int
	BatchSize      int
	FlushInterval  time.Duration
	PublishTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Buffer:         1024,
		BatchSize:      64,
		FlushInterval:  500 * time.Millisecond,
		PublishTimeout: 5 * time.Second,
	}
}

type Params struct {
	Publisher Publisher
	Config    Config
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Emitter forwards registry events to a Publisher from its own goroutine.
// Emission never blocks the registry: when the buffer is full, or the
// publisher fails, events are dropped and counted.
type Emitter struct {
	pub     Publisher
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	ch   chan Event
	once sync.Once
	done chan struct{}
}

// NewEmitter constructs an Emitter. Call Run to start publishing.
func NewEmitter(p Params) *Emitter {
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	d := DefaultConfig()
	cfg := p.Config
	if cfg.Buffer <= 0 {
		cfg.Buffer = d.Buffer
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = d.FlushInterval
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = d.PublishTimeout
	}
	return &Emitter{
		pub:     p.Publisher,
		cfg:     cfg,
		logger:  p.Logger.Named("events"),
		metrics: p.Metrics,
		ch:      make(chan Event, cfg.Buffer),
		done:    make(chan struct{}),
	}
}

// Listen is a source.Listener.
func (e *Emitter) Listen(ev source.Event) {
	e.Emit(FromSource(ev))
}

// Emit queues ev and reports whether it was accepted.
func (e *Emitter) Emit(ev Event) bool {
	select {
	case <-e.done:
		e.metrics.EventDropped()
		return false
	default:
	}
	select {
	case e.ch <- ev:
		return true
	default:
		e.metrics.EventDropped()
		e.logger.Warn("event buffer full, dropping event",
			zap.String("type", ev.Type),
			zap.String("source_id", ev.SourceID))
		return false
	}
}

// Run publishes queued events in batches until ctx is done, then flushes
// what is left.
func (e *Emitter) Run(ctx context.Context) {
	defer e.once.Do(func() { close(e.done) })

	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, e.cfg.BatchSize)
	for {
		select {
		case ev := <-e.ch:
			batch = append(batch, ev)
			if len(batch) >= e.cfg.BatchSize {
				e.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				e.flush(batch)
				batch = batch[:0]
			}
		case <-ctx.Done():
		drain:
			for {
				select {
				case ev := <-e.ch:
					batch = append(batch, ev)
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				e.flush(batch)
			}
			return
		}
	}
}

func (e *Emitter) flush(batch []Event) {
	records := make([]kafka.Record, 0, len(batch))
	for _, ev := range batch {
		payload, err := json.Marshal(ev)
		if err != nil {
			e.metrics.EventDropped()
			e.logger.Error("marshal event", zap.String("type", ev.Type), zap.Error(err))
			continue
		}
		records = append(records, kafka.Record{
			Key:   []byte(ev.SourceID),
			Value: payload,
			Time:  ev.CreatedAt,
			Headers: map[string]string{
				"event_id":   ev.ID,
				"event_type": ev.Type,
			},
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PublishTimeout)
	defer cancel()
	if err := e.pub.Publish(ctx, records...); err != nil {
		for range records {
			e.metrics.EventDropped()
		}
		e.logger.Error("publish events", zap.Int("count", len(records)), zap.Error(err))
		return
	}
	e.logger.Debug("events published", zap.Int("count", len(records)))
}
