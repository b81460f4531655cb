package ingest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/your-org/streamhub/internal/source"
	"github.com/your-org/streamhub/pkg/metrics"
)

// Message headers understood by the NATS feed.
const (
	HeaderContentType = "Content-Type"
	// HeaderTimestamp carries the source-local capture time, either as
	// RFC 3339 with nanoseconds or as integer Unix nanoseconds.
	HeaderTimestamp = "Streamhub-Timestamp"
	// HeaderEnd marks the last message of a feed.
	HeaderEnd = "Streamhub-End"
)

// NATSConfig configures the connection used by NATSFeeds.
type NATSConfig struct {
	URL           string
	Name          string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
	Buffer        int
}

// NATSFeeds opens one subscription per source on
// <SubjectPrefix>.<physical id>, with characters that are not valid in a
// subject token replaced by '_'.
type NATSFeeds struct {
	conn    *nats.Conn
	prefix  string
	buffer  int
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// ConnectNATS dials the server and returns a Feeds implementation on top of
// it. Messages evicted from a full feed buffer count as dropped frames.
func ConnectNATS(cfg NATSConfig, logger *zap.Logger, m *metrics.Metrics) (*NATSFeeds, error) {
	logger = logger.Named("natsfeed")
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSFeeds{conn: nc, prefix: cfg.SubjectPrefix, buffer: cfg.Buffer, logger: logger, metrics: m}, nil
}

// Subject returns the subject a source publishes on.
func (n *NATSFeeds) Subject(src source.Source) string {
	return SubjectFor(n.prefix, src.Descriptor.PhysicalID)
}

func (n *NATSFeeds) Open(_ context.Context, src source.Source) (Feed, error) {
	feed := newCountedPushFeed(n.buffer, src.ID, n.metrics)
	subject := n.Subject(src)

	sub, err := n.conn.Subscribe(subject, func(msg *nats.Msg) {
		if msg.Header.Get(HeaderEnd) != "" {
			feed.End()
			return
		}
		unit, err := unitFromMsg(msg)
		if err != nil {
			feed.Fail(err)
			return
		}
		feed.Deliver(unit)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	n.logger.Debug("feed subscribed", zap.String("source_id", src.ID), zap.String("subject", subject))
	return &natsFeed{PushFeed: feed, sub: sub}, nil
}

// Close drains the underlying connection.
func (n *NATSFeeds) Close() error {
	return n.conn.Drain()
}

type natsFeed struct {
	*PushFeed
	sub *nats.Subscription
}

func (f *natsFeed) Close() error {
	err := f.sub.Unsubscribe()
	_ = f.PushFeed.Close()
	if err != nil && err != nats.ErrConnectionClosed && err != nats.ErrBadSubscription {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	return nil
}

// SubjectFor builds the ingest subject for a physical id.
func SubjectFor(prefix, physicalID string) string {
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, physicalID)
	if prefix == "" {
		return token
	}
	return prefix + "." + token
}

func unitFromMsg(msg *nats.Msg) (Unit, error) {
	unit := Unit{
		Payload:  msg.Data,
		MimeType: msg.Header.Get(HeaderContentType),
	}
	if raw := msg.Header.Get(HeaderTimestamp); raw != "" {
		ts, err := ParseTimestamp(raw)
		if err != nil {
			return Unit{}, err
		}
		unit.LocalTimestamp = ts
	}
	return unit, nil
}

// ParseTimestamp accepts RFC 3339 (with optional fractional seconds) or
// integer Unix nanoseconds.
func ParseTimestamp(raw string) (time.Time, error) {
	if ns, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(0, ns), nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return ts, nil
}
