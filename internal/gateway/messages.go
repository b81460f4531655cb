package gateway

import (
	"time"

	"github.com/your-org/streamhub/internal/frame"
	"github.com/your-org/streamhub/internal/subscription"
)

// MessageType tags an Envelope.
type MessageType string

const (
	TypeHandshake    MessageType = "handshake"
	TypeHandshakeAck MessageType = "handshake_ack"
	TypeHeartbeat    MessageType = "heartbeat"
	TypeFrame        MessageType = "frame"
	TypeUnsubscribe  MessageType = "unsubscribe"
	TypeUnsubscribed MessageType = "unsubscribed"
)

// Envelope is the unit exchanged with agents. Exactly one body field matching
// Type is set.
type Envelope struct {
	Type         MessageType   `json:"type" msgpack:"type"`
	Handshake    *Handshake    `json:"handshake,omitempty" msgpack:"handshake,omitempty"`
	HandshakeAck *HandshakeAck `json:"handshake_ack,omitempty" msgpack:"handshake_ack,omitempty"`
	Heartbeat    *Heartbeat    `json:"heartbeat,omitempty" msgpack:"heartbeat,omitempty"`
	Frame        *Frame        `json:"frame,omitempty" msgpack:"frame,omitempty"`
	Unsubscribe  *Unsubscribe  `json:"unsubscribe,omitempty" msgpack:"unsubscribe,omitempty"`
	Unsubscribed *Unsubscribed `json:"unsubscribed,omitempty" msgpack:"unsubscribed,omitempty"`
}

// Handshake is the first message an agent sends.
type Handshake struct {
	AgentID              string                  `json:"agent_id" msgpack:"agent_id"`
	Capabilities         map[string]string       `json:"capabilities,omitempty" msgpack:"capabilities,omitempty"`
	RequestedStreamTypes []frame.StreamType      `json:"requested_stream_types" msgpack:"requested_stream_types"`
	Filter               subscription.FilterSpec `json:"filter,omitempty" msgpack:"filter,omitempty"`
	// DropPolicy is "drop-oldest" (default) or "block-briefly-then-drop-newest".
	DropPolicy    string `json:"drop_policy,omitempty" msgpack:"drop_policy,omitempty"`
	QueueCapacity int    `json:"queue_capacity,omitempty" msgpack:"queue_capacity,omitempty"`
}

type HandshakeAck struct {
	Accepted          bool               `json:"accepted" msgpack:"accepted"`
	Reason            string             `json:"reason,omitempty" msgpack:"reason,omitempty"`
	SessionID         string             `json:"session_id,omitempty" msgpack:"session_id,omitempty"`
	StreamTypes       []frame.StreamType `json:"stream_types,omitempty" msgpack:"stream_types,omitempty"`
	HeartbeatInterval time.Duration      `json:"heartbeat_interval_ns,omitempty" msgpack:"heartbeat_interval_ns,omitempty"`
	Codec             string             `json:"codec,omitempty" msgpack:"codec,omitempty"`
}

type Heartbeat struct {
	TS time.Time `json:"ts" msgpack:"ts"`
}

// Frame is a normalized frame on the wire. Server to client only.
type Frame struct {
	StreamType      frame.StreamType  `json:"stream_type" msgpack:"stream_type"`
	SourceID        string            `json:"source_id" msgpack:"source_id"`
	Seq             uint64            `json:"seq" msgpack:"seq"`
	MimeType        string            `json:"mime_type" msgpack:"mime_type"`
	Payload         []byte            `json:"payload" msgpack:"payload"`
	GlobalTimestamp time.Time         `json:"global_timestamp" msgpack:"global_timestamp"`
	SyncQuality     float64           `json:"sync_quality" msgpack:"sync_quality"`
	Metadata        map[string]string `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
}

// Unsubscribe asks to stop some stream types, or all of them when
// StreamTypes is empty.
type Unsubscribe struct {
	StreamTypes []frame.StreamType `json:"stream_types,omitempty" msgpack:"stream_types,omitempty"`
}

// Unsubscribed acknowledges an Unsubscribe. No frame of the removed stream
// types follows it.
type Unsubscribed struct {
	StreamTypes []frame.StreamType `json:"stream_types,omitempty" msgpack:"stream_types,omitempty"`
	Remaining   []frame.StreamType `json:"remaining,omitempty" msgpack:"remaining,omitempty"`
}

func frameMessage(f frame.Normalized) Envelope {
	return Envelope{Type: TypeFrame, Frame: &Frame{
		StreamType:      f.StreamType,
		SourceID:        f.SourceID,
		Seq:             f.Seq,
		MimeType:        f.MimeType,
		Payload:         f.Payload,
		GlobalTimestamp: f.GlobalTimestamp,
		SyncQuality:     f.SyncQuality,
		Metadata:        f.Metadata,
	}}
}
