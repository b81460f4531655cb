// Package hub supervises the data plane. Every live source gets an ingestion
// worker and a pipeline shard that synchronizes, normalizes and distributes
// its frames in order; sources come and go through registry events.
package hub

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/streamhub/internal/distribute"
	"github.com/your-org/streamhub/internal/frame"
	"github.com/your-org/streamhub/internal/ingest"
	"github.com/your-org/streamhub/internal/normalize"
	"github.com/your-org/streamhub/internal/source"
	"github.com/your-org/streamhub/internal/timesync"
	"github.com/your-org/streamhub/pkg/metrics"
	"github.com/your-org/streamhub/pkg/ringbuf"
)

// Sources is the source registry surface the hub uses.
type Sources interface {
	AddListener(source.Listener)
	ListActive() []source.Source
	ingest.HealthReporter
}

// Hub wires the per-source pipelines together.
type Hub struct {
	sources    Sources
	feeds      ingest.Feeds
	sync       *timesync.Synchronizer
	normalizer *normalize.Normalizer
	dist       *distribute.Distributor
	ingestCfg  ingest.Config
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	evMu    sync.Mutex
	pending []source.Event
	wake    chan struct{}

	mu        sync.Mutex
	pipelines map[string]*pipeline
	wg        sync.WaitGroup
}

type Params struct {
	Sources      Sources
	Feeds        ingest.Feeds
	Synchronizer *timesync.Synchronizer
	Normalizer   *normalize.Normalizer
	Distributor  *distribute.Distributor
	Ingest       ingest.Config
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
	Now          func() time.Time
}

// New constructs a Hub and subscribes it to source registry events. Events
// are queued until Run starts.
func New(p Params) *Hub {
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	h := &Hub{
		sources:    p.Sources,
		feeds:      p.Feeds,
		sync:       p.Synchronizer,
		normalizer: p.Normalizer,
		dist:       p.Distributor,
		ingestCfg:  p.Ingest,
		logger:     p.Logger.Named("hub"),
		metrics:    p.Metrics,
		now:        p.Now,
		wake:       make(chan struct{}, 1),
		pipelines:  make(map[string]*pipeline),
	}
	p.Sources.AddListener(h.onSourceEvent)
	return h
}

// onSourceEvent runs on the registry's goroutine and only queues.
func (h *Hub) onSourceEvent(ev source.Event) {
	h.evMu.Lock()
	h.pending = append(h.pending, ev)
	h.evMu.Unlock()
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Run starts pipelines for live sources and follows registry events until
// ctx is done. It then stops every worker and waits for in-flight frames to
// be distributed.
func (h *Hub) Run(ctx context.Context) error {
	for _, src := range h.sources.ListActive() {
		h.start(ctx, src)
	}
	h.logger.Info("hub running", zap.Int("sources", len(h.Pipelines())))

	for {
		select {
		case <-ctx.Done():
			h.stopAll()
			return nil
		case <-h.wake:
			h.evMu.Lock()
			events := h.pending
			h.pending = nil
			h.evMu.Unlock()
			for _, ev := range events {
				h.handle(ctx, ev)
			}
		}
	}
}

func (h *Hub) handle(ctx context.Context, ev source.Event) {
	switch ev.Type {
	case source.SourceAdded:
		h.start(ctx, ev.Source)
	case source.SourceLost:
		h.stop(ev.Source.ID, ev.Source.Generation)
	}
}

// pipeline is one source's worker plus its shard.
type pipeline struct {
	src    source.Source
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	processed uint64
	failed    uint64
}

// PipelineInfo is a view of a running pipeline.
type PipelineInfo struct {
	SourceID   string           `json:"source_id"`
	StreamType frame.StreamType `json:"stream_type"`
	Generation uint64           `json:"generation"`
	Processed  uint64           `json:"processed"`
	Failed     uint64           `json:"normalize_failures"`
	StartedAt  time.Time        `json:"started_at"`
}

func (h *Hub) start(ctx context.Context, src source.Source) {
	h.mu.Lock()
	if cur, ok := h.pipelines[src.ID]; ok {
		if cur.src.Generation >= src.Generation {
			h.mu.Unlock()
			return
		}
		// A revived source replaces a pipeline that has not finished yet.
		// Wait for it so the two generations never interleave.
		h.mu.Unlock()
		cur.cancel()
		<-cur.done
	} else {
		h.mu.Unlock()
	}

	feed, err := h.feeds.Open(ctx, src)
	if err != nil {
		h.logger.Warn("open feed failed", zap.String("source_id", src.ID), zap.Error(err))
		if err := h.sources.MarkLost(src.ID, "open feed: "+err.Error()); err != nil {
			h.logger.Warn("mark lost", zap.String("source_id", src.ID), zap.Error(err))
		}
		return
	}

	h.sync.Reset(src.ID)
	wctx, cancel := context.WithCancel(ctx)
	p := &pipeline{src: src, cancel: cancel, done: make(chan struct{})}
	w := ingest.NewWorker(ingest.WorkerParams{
		Source:  src,
		Feed:    feed,
		Health:  h.sources,
		Config:  h.ingestCfg,
		Logger:  h.logger,
		Metrics: h.metrics,
		Now:     h.now,
	})

	h.mu.Lock()
	h.pipelines[src.ID] = p
	h.mu.Unlock()

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		err := w.Run(wctx)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
		case errors.Is(err, ingest.ErrStale):
			h.logger.Warn("source went stale", zap.String("source_id", src.ID))
		default:
			h.logger.Error("ingestion worker failed", zap.String("source_id", src.ID), zap.Error(err))
		}
	}()
	go func() {
		defer h.wg.Done()
		defer close(p.done)
		h.shard(p, w.Queue())
		cancel()

		h.mu.Lock()
		if h.pipelines[src.ID] == p {
			delete(h.pipelines, src.ID)
		}
		h.mu.Unlock()
	}()

	h.logger.Info("pipeline started",
		zap.String("source_id", src.ID),
		zap.String("stream_type", string(src.StreamType)),
		zap.Uint64("generation", src.Generation))
}

// shard drains the worker queue until the worker closes it, so frames that
// made it past the worker are still delivered after the source stops.
func (h *Hub) shard(p *pipeline, q *ringbuf.Queue[frame.Raw]) {
	for {
		raw, err := q.Pop(context.Background())
		if err != nil {
			return
		}
		synced := h.sync.Process(raw)
		nf, err := h.normalizer.Normalize(synced)
		if err != nil {
			h.metrics.NormalizeFailed(raw.SourceID)
			h.logger.Debug("frame dropped by normalizer",
				zap.String("source_id", raw.SourceID),
				zap.Uint64("seq", raw.Seq),
				zap.Error(err))
			p.mu.Lock()
			p.failed++
			p.mu.Unlock()
			continue
		}
		h.dist.Dispatch(nf)
		p.mu.Lock()
		p.processed++
		p.mu.Unlock()
	}
}

func (h *Hub) stop(id string, generation uint64) {
	h.mu.Lock()
	p, ok := h.pipelines[id]
	h.mu.Unlock()
	if !ok || p.src.Generation > generation {
		return
	}
	p.cancel()
	h.logger.Info("pipeline stopping", zap.String("source_id", id))
}

func (h *Hub) stopAll() {
	h.mu.Lock()
	for _, p := range h.pipelines {
		p.cancel()
	}
	h.mu.Unlock()
	h.wg.Wait()
	h.logger.Info("all pipelines stopped")
}

// Pipelines lists running pipelines ordered by source id.
func (h *Hub) Pipelines() []PipelineInfo {
	h.mu.Lock()
	out := make([]PipelineInfo, 0, len(h.pipelines))
	for _, p := range h.pipelines {
		p.mu.Lock()
		out = append(out, PipelineInfo{
			SourceID:   p.src.ID,
			StreamType: p.src.StreamType,
			Generation: p.src.Generation,
			Processed:  p.processed,
			Failed:     p.failed,
			StartedAt:  p.src.UpdatedAt,
		})
		p.mu.Unlock()
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}
