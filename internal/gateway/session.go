package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/your-org/streamhub/internal/frame"
	"github.com/your-org/streamhub/internal/subscription"
	"github.com/your-org/streamhub/pkg/ringbuf"
)

// SessionState is a step of the per-connection state machine.
type SessionState int32

const (
	StateHandshaking SessionState = iota
	StateNegotiating
	StateActive
	StateDraining
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Rejection codes sent in HandshakeAck.Reason.
const (
	RejectInvalidHandshake  = "invalid_handshake"
	RejectEmptyAgentID      = "empty_agent_id"
	RejectNoStreamTypes     = "no_stream_types"
	RejectUnknownStreamType = "unknown_stream_type"
	RejectAgentConnected    = "agent_already_connected"
	RejectInvalidDropPolicy = "invalid_drop_policy"
	RejectInternal          = "internal_error"
)

// RejectError is returned by Serve when negotiation refused the agent.
type RejectError struct {
	Code   string
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return "handshake rejected: " + e.Code
	}
	return fmt.Sprintf("handshake rejected: %s: %s", e.Code, e.Detail)
}

// Drain reasons.
const (
	reasonHeartbeat   = "heartbeat timeout"
	reasonUnsubscribe = "unsubscribe requested"
	reasonTransport   = "transport closed"
	reasonWrite       = "write failed"
	reasonShutdown    = "server shutdown"
)

// SessionInfo is a JSON-friendly view of a session.
type SessionInfo struct {
	ID          string             `json:"id"`
	AgentID     string             `json:"agent_id"`
	State       string             `json:"state"`
	Codec       string             `json:"codec"`
	RemoteAddr  string             `json:"remote_addr"`
	StreamTypes []frame.StreamType `json:"stream_types"`
	CreatedAt   time.Time          `json:"created_at"`
}

type session struct {
	id        string
	gw        *Gateway
	transport Transport
	logger    *zap.Logger
	createdAt time.Time

	state atomic.Int32

	// Set once negotiation succeeds.
	mu      sync.Mutex
	agentID string
	codec   Codec
	sub     *subscription.Subscriber

	writeMu sync.Mutex

	// The agent asked to unsubscribe from everything and expects a final
	// acknowledgment.
	wantsFinalAck atomic.Bool
	readerExit    chan struct{}
}

func newSession(g *Gateway, t Transport) *session {
	id := uuid.NewString()
	s := &session{
		id:        id,
		gw:        g,
		transport: t,
		createdAt: g.now(),
		logger: g.logger.With(
			zap.String("session_id", id),
			zap.String("remote", t.RemoteAddr())),
	}
	s.state.Store(int32(StateHandshaking))
	return s
}

func (s *session) State() SessionState { return SessionState(s.state.Load()) }

func (s *session) setState(st SessionState) {
	prev := SessionState(s.state.Swap(int32(st)))
	if prev != st {
		s.logger.Debug("session state", zap.Stringer("from", prev), zap.Stringer("to", st))
	}
}

func (s *session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SessionInfo{
		ID:         s.id,
		AgentID:    s.agentID,
		State:      s.State().String(),
		RemoteAddr: s.transport.RemoteAddr(),
		CreatedAt:  s.createdAt,
	}
	if s.codec != nil {
		info.Codec = s.codec.Name()
	}
	if s.sub != nil {
		info.StreamTypes = s.sub.StreamTypes()
	}
	return info
}

// run drives the session through every state and returns once it is closed.
func (s *session) run(ctx context.Context) error {
	defer func() {
		s.setState(StateClosed)
		_ = s.transport.Close()
		if s.readerExit != nil {
			<-s.readerExit
		}
	}()

	stop := context.AfterFunc(ctx, func() {
		if s.State() == StateHandshaking {
			_ = s.transport.Close()
		}
	})
	hs, err := s.handshake()
	stop()
	if err != nil {
		return err
	}

	s.setState(StateNegotiating)
	if err := s.negotiate(ctx, hs); err != nil {
		return err
	}

	s.setState(StateActive)
	reason, flush := s.active(ctx)

	s.setState(StateDraining)
	s.drain(reason, flush)
	return nil
}

func (s *session) handshake() (*Handshake, error) {
	kind, data, err := s.transport.Read(s.gw.now().Add(s.gw.cfg.HandshakeTimeout))
	if err != nil {
		s.gw.metrics.HandshakeRejected("timeout")
		s.logger.Info("handshake not received", zap.Error(err))
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	codec, err := CodecFor(kind)
	if err != nil {
		return nil, s.reject(JSON, RejectInvalidHandshake, err.Error())
	}
	s.mu.Lock()
	s.codec = codec
	s.mu.Unlock()

	env, err := decode(kind, data)
	if err != nil {
		return nil, s.reject(codec, RejectInvalidHandshake, err.Error())
	}
	if env.Type != TypeHandshake || env.Handshake == nil {
		return nil, s.reject(codec, RejectInvalidHandshake, fmt.Sprintf("expected %s, got %q", TypeHandshake, env.Type))
	}
	return env.Handshake, nil
}

func (s *session) negotiate(ctx context.Context, hs *Handshake) error {
	_, span := otel.Tracer("streamhub/gateway").Start(ctx, "gateway.handshake", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	span.SetAttributes(
		attribute.String("agent.id", hs.AgentID),
		attribute.String("session.id", s.id),
		attribute.Int("stream_types", len(hs.RequestedStreamTypes)),
	)

	codec := s.codec
	fail := func(code, detail string) error {
		span.SetStatus(codes.Error, code)
		return s.reject(codec, code, detail)
	}

	if hs.AgentID == "" {
		return fail(RejectEmptyAgentID, "")
	}
	if len(hs.RequestedStreamTypes) == 0 {
		return fail(RejectNoStreamTypes, "")
	}
	for _, st := range hs.RequestedStreamTypes {
		if !st.Valid() {
			return fail(RejectUnknownStreamType, string(st))
		}
	}
	policy, err := ringbuf.ParsePolicy(hs.DropPolicy)
	if err != nil {
		return fail(RejectInvalidDropPolicy, hs.DropPolicy)
	}

	opts := s.gw.subs.Defaults()
	opts.Policy = policy
	if hs.QueueCapacity > 0 {
		opts.Capacity = min(hs.QueueCapacity, s.gw.cfg.MaxQueueCapacity)
	}

	sub, err := s.gw.subs.Register(hs.AgentID, opts)
	if errors.Is(err, subscription.ErrSubscriberExists) {
		return fail(RejectAgentConnected, hs.AgentID)
	}
	if err != nil {
		return fail(RejectInternal, err.Error())
	}
	if _, err := s.gw.subs.Subscribe(hs.AgentID, hs.RequestedStreamTypes, hs.Filter, nil); err != nil {
		_ = s.gw.subs.Remove(hs.AgentID)
		return fail(RejectInternal, err.Error())
	}
	sub.Heartbeat(s.gw.now())

	s.mu.Lock()
	s.agentID = hs.AgentID
	s.sub = sub
	s.mu.Unlock()
	s.logger = s.logger.With(zap.String("agent_id", hs.AgentID))

	ack := Envelope{Type: TypeHandshakeAck, HandshakeAck: &HandshakeAck{
		Accepted:          true,
		SessionID:         s.id,
		StreamTypes:       sub.StreamTypes(),
		HeartbeatInterval: s.gw.cfg.HeartbeatInterval,
		Codec:             codec.Name(),
	}}
	if err := s.write(ack); err != nil {
		_ = s.gw.subs.Remove(hs.AgentID)
		span.SetStatus(codes.Error, "ack write failed")
		return fmt.Errorf("write handshake ack: %w", err)
	}

	s.logger.Info("agent connected",
		zap.Any("stream_types", sub.StreamTypes()),
		zap.String("codec", codec.Name()),
		zap.String("policy", policy.String()),
		zap.Any("capabilities", hs.Capabilities))
	return nil
}

func (s *session) reject(codec Codec, code, detail string) error {
	rej := &RejectError{Code: code, Detail: detail}
	s.gw.metrics.HandshakeRejected(code)
	s.logger.Info("handshake rejected", zap.String("code", code), zap.String("detail", detail))

	ack := Envelope{Type: TypeHandshakeAck, HandshakeAck: &HandshakeAck{Accepted: false, Reason: code}}
	if data, err := codec.Encode(ack); err == nil {
		_ = s.transport.Write(codec.Kind(), data, s.gw.now().Add(s.gw.cfg.WriteTimeout))
	}
	return rej
}

// active bridges the delivery queue to the transport until the agent goes
// away, asks to leave, or the gateway shuts down. It reports why, and whether
// queued frames can still be flushed.
func (s *session) active(ctx context.Context) (string, bool) {
	actx, cancel := context.WithCancel(ctx)
	defer cancel()

	readerDone := make(chan string, 1)
	s.readerExit = make(chan struct{})
	go func() {
		defer close(s.readerExit)
		reason := s.readLoop()
		readerDone <- reason
		cancel()
	}()

	q := s.sub.Queue()
	// Once cancelled, whatever is still queued is left to the drain flush.
	for actx.Err() == nil {
		f, err := q.Pop(actx)
		if err != nil {
			break
		}
		if err := s.writeFrame(f, s.gw.cfg.WriteTimeout); err != nil {
			s.logger.Warn("frame write failed", zap.Error(err))
			// Unblock the reader.
			_ = s.transport.Close()
			<-readerDone
			return reasonWrite, false
		}
	}

	select {
	case reason := <-readerDone:
		return reason, reason != reasonTransport
	default:
	}
	// Cancelled by the gateway or the queue was closed from outside. Stop the
	// reader without closing the transport so the flush can still write.
	if ctx.Err() != nil {
		return reasonShutdown, true
	}
	return "queue closed", true
}

func (s *session) readLoop() string {
	timeout := time.Duration(s.gw.cfg.HeartbeatMisses) * s.gw.cfg.HeartbeatInterval
	for {
		deadline := s.sub.LastHeartbeat().Add(timeout)
		kind, data, err := s.transport.Read(deadline)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return reasonHeartbeat
			}
			if s.State() != StateActive {
				return reasonShutdown
			}
			return reasonTransport
		}
		env, err := decode(kind, data)
		if err != nil {
			s.logger.Debug("ignoring undecodable message", zap.Error(err))
			continue
		}
		switch env.Type {
		case TypeHeartbeat:
			s.sub.Heartbeat(s.gw.now())
		case TypeUnsubscribe:
			var types []frame.StreamType
			if env.Unsubscribe != nil {
				types = env.Unsubscribe.StreamTypes
			}
			if len(types) == 0 {
				s.wantsFinalAck.Store(true)
				return reasonUnsubscribe
			}
			remaining, err := s.unsubscribe(types)
			if err != nil {
				s.logger.Warn("partial unsubscribe failed", zap.Error(err))
				return reasonTransport
			}
			if len(remaining) == 0 {
				return reasonUnsubscribe
			}
		default:
			s.logger.Debug("ignoring message", zap.String("type", string(env.Type)))
		}
	}
}

// unsubscribe removes types and acknowledges under the write lock, so that
// no frame of those types is written after the acknowledgment.
func (s *session) unsubscribe(types []frame.StreamType) ([]frame.StreamType, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.gw.subs.Unsubscribe(s.agentID, types...); err != nil {
		return nil, err
	}
	remaining := s.sub.StreamTypes()
	ack := Envelope{Type: TypeUnsubscribed, Unsubscribed: &Unsubscribed{StreamTypes: types, Remaining: remaining}}
	if err := s.writeLocked(ack, s.gw.cfg.WriteTimeout); err != nil {
		return nil, err
	}
	s.logger.Info("agent unsubscribed", zap.Any("stream_types", types), zap.Any("remaining", remaining))
	return remaining, nil
}

func (s *session) drain(reason string, flush bool) {
	start := s.gw.now()
	types := s.sub.StreamTypes()
	if err := s.gw.subs.BeginDrain(s.agentID); err != nil {
		s.logger.Warn("begin drain", zap.Error(err))
	}

	var flushed int
	if flush {
		fctx, cancel := context.WithTimeout(context.Background(), s.gw.cfg.DrainGrace)
		graceEnd, _ := fctx.Deadline()
		q := s.sub.Queue()
		for {
			f, err := q.Pop(fctx)
			if err != nil {
				break
			}
			// A write may not outlast the drain grace.
			timeout := min(s.gw.cfg.WriteTimeout, time.Until(graceEnd))
			if err := s.writeFrame(f, timeout); err != nil {
				flush = false
				break
			}
			flushed++
		}
		cancel()
	}

	left := s.sub.Queue().Len()
	if _, err := s.gw.subs.Unsubscribe(s.agentID); err != nil {
		s.logger.Warn("unsubscribe on drain", zap.Error(err))
	}
	if err := s.gw.subs.Remove(s.agentID); err != nil {
		s.logger.Warn("remove subscriber", zap.Error(err))
	}

	if flush && s.wantsFinalAck.Load() {
		ack := Envelope{Type: TypeUnsubscribed, Unsubscribed: &Unsubscribed{StreamTypes: types}}
		if err := s.write(ack); err != nil {
			s.logger.Debug("final unsubscribe ack", zap.Error(err))
		}
	}

	s.logger.Info("agent disconnected",
		zap.String("reason", reason),
		zap.Int("flushed", flushed),
		zap.Int("abandoned", left),
		zap.Duration("drain", s.gw.now().Sub(start)))
}

func (s *session) writeFrame(f frame.Normalized, timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if !s.sub.Wants(f.StreamType) {
		return nil
	}
	if err := s.writeLocked(frameMessage(f), timeout); err != nil {
		return err
	}
	s.gw.metrics.FrameSent(s.agentID)
	return nil
}

func (s *session) write(env Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writeLocked(env, s.gw.cfg.WriteTimeout)
}

func (s *session) writeLocked(env Envelope, timeout time.Duration) error {
	data, err := s.codec.Encode(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}
	return s.transport.Write(s.codec.Kind(), data, s.gw.now().Add(timeout))
}
