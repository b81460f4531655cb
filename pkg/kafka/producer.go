package kafka

import (
	"context"
	"fmt"
	"strings"
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

// Record is one message to publish.
type Record struct {
	Key     []byte
	Value   []byte
	Headers map[string]string
	Time    time.Time
}

// Producer publishes records to a single topic.
type Producer struct {
	writer *kafkago.Writer
}

type ProducerConfig struct {
	Brokers      []string
	Topic        string
	ClientID     string
	BatchSize    int
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	Compression  kafkago.Compression
	RequiredAcks kafkago.RequiredAcks
	MaxAttempts  int
}

// NewProducer constructs a Producer. Records with the same key land on the
// same partition, so events of one source stay ordered.
func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka producer: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka producer: empty topic")
	}
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafkago.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: cfg.RequiredAcks,
		Compression:  cfg.Compression,
		MaxAttempts:  cfg.MaxAttempts,
	}
	if cfg.ClientID != "" {
		w.Transport = &kafkago.Transport{ClientID: cfg.ClientID}
	}
	return &Producer{writer: w}, nil
}

// Publish writes records in one call to the broker.
func (p *Producer) Publish(ctx context.Context, records ...Record) error {
	if len(records) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, 0, len(records))
	for _, r := range records {
		ts := r.Time
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		msg := kafkago.Message{Key: r.Key, Value: r.Value, Time: ts}
		for k, v := range r.Headers {
			msg.Headers = append(msg.Headers, kafkago.Header{Key: k, Value: []byte(v)})
		}
		msgs = append(msgs, msg)
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write %d messages to %s: %w", len(msgs), p.writer.Topic, err)
	}
	return nil
}

// Topic returns the destination topic.
func (p *Producer) Topic() string { return p.writer.Topic }

// Close flushes pending batches and closes the writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

// CompressionFromString maps a codec name to the kafka-go value. Unknown
// names select snappy; "none" disables compression.
func CompressionFromString(name string) kafkago.Compression {
	switch strings.ToLower(name) {
	case "none", "":
		return 0
	case "gzip":
		return kafkago.Gzip
	case "lz4":
		return kafkago.Lz4
	case "zstd":
		return kafkago.Zstd
	default:
		return kafkago.Snappy
	}
}

// AcksFromInt maps the usual acks setting (-1, 0, 1) to kafka-go.
func AcksFromInt(n int) kafkago.RequiredAcks {
	switch n {
	case 0:
		return kafkago.RequireNone
	case 1:
		return kafkago.RequireOne
	default:
		return kafkago.RequireAll
	}
}
