// Package gateway connects and disconnects agents at runtime. Each connection
// runs a small state machine over a Transport:
//
//	handshaking -> negotiating -> active -> draining -> closed
//
// Only the subscription registry is touched when agents come and go, so the
// ingestion and distribution path never pauses for a connection.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/your-org/streamhub/internal/frame"
	"github.com/your-org/streamhub/internal/subscription"
	"github.com/your-org/streamhub/pkg/metrics"
)

// ErrClosed is returned by Serve after Close.
var ErrClosed = errors.New("gateway closed")

// Subscriptions is the part of the subscription registry the gateway drives.
type Subscriptions interface {
	Defaults() subscription.QueueOptions
	Register(id string, opts subscription.QueueOptions) (*subscription.Subscriber, error)
	Subscribe(id string, types []frame.StreamType, spec subscription.FilterSpec, pred subscription.Predicate) (string, error)
	Unsubscribe(id string, types ...frame.StreamType) (int, error)
	BeginDrain(id string) error
	Remove(id string) error
}

type Config struct {
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	// HeartbeatMisses heartbeats may be missed before the session drains.
	HeartbeatMisses  int
	DrainGrace       time.Duration
	WriteTimeout     time.Duration
	MaxQueueCapacity int
	// AcceptRate limits new connections per second; zero disables the limit.
	AcceptRate  float64
	AcceptBurst int
	ReadLimit   int64
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:  5 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		HeartbeatMisses:   3,
		DrainGrace:        2 * time.Second,
		WriteTimeout:      5 * time.Second,
		MaxQueueCapacity:  4096,
		AcceptRate:        50,
		AcceptBurst:       100,
		ReadLimit:         1 << 20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatMisses <= 0 {
		c.HeartbeatMisses = d.HeartbeatMisses
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = d.DrainGrace
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.MaxQueueCapacity <= 0 {
		c.MaxQueueCapacity = d.MaxQueueCapacity
	}
	return c
}

type Params struct {
	Subscriptions Subscriptions
	Config        Config
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
	Now           func() time.Time
}

// Gateway accepts agent connections and runs one session per connection.
type Gateway struct {
	subs     Subscriptions
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	limiter  *rate.Limiter
	upgrader websocket.Upgrader

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// New constructs a Gateway.
func New(p Params) *Gateway {
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	cfg := p.Config.withDefaults()

	limit := rate.Inf
	if cfg.AcceptRate > 0 {
		limit = rate.Limit(cfg.AcceptRate)
	}
	burst := cfg.AcceptBurst
	if burst <= 0 {
		burst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		subs:    p.Subscriptions,
		cfg:     cfg,
		logger:  p.Logger.Named("gateway"),
		metrics: p.Metrics,
		now:     p.Now,
		limiter: rate.NewLimiter(limit, burst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		baseCtx:  ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
}

// Config returns the effective configuration.
func (g *Gateway) Config() Config { return g.cfg }

// ServeHTTP upgrades the request to a websocket and serves the agent until
// its session closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !g.limiter.Allow() {
		g.metrics.HandshakeRejected("rate_limited")
		http.Error(w, "too many connection attempts", http.StatusServiceUnavailable)
		return
	}
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		http.Error(w, ErrClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	err = g.Serve(g.baseCtx, NewWebSocketTransport(conn, g.cfg.ReadLimit))
	var rej *RejectError
	if err != nil && !errors.As(err, &rej) && !errors.Is(err, ErrClosed) {
		g.logger.Debug("session ended", zap.Error(err))
	}
}

// Serve runs a session over t until it closes. The session drains when ctx
// is cancelled or the gateway is closed.
func (g *Gateway) Serve(ctx context.Context, t Transport) error {
	s := newSession(g, t)

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		_ = t.Close()
		return ErrClosed
	}
	g.sessions[s.id] = s
	g.wg.Add(1)
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.sessions, s.id)
		g.mu.Unlock()
		g.wg.Done()
	}()

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(g.baseCtx, cancel)
	defer stop()

	return s.run(sctx)
}

// Sessions lists open sessions ordered by agent id.
func (g *Gateway) Sessions() []SessionInfo {
	g.mu.Lock()
	list := make([]*session, 0, len(g.sessions))
	for _, s := range g.sessions {
		list = append(list, s)
	}
	g.mu.Unlock()

	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AgentID != out[j].AgentID {
			return out[i].AgentID < out[j].AgentID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Close drains every session and waits for them to finish or ctx to expire.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	n := len(g.sessions)
	g.mu.Unlock()

	g.logger.Info("closing gateway", zap.Int("sessions", n))
	g.cancel()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
