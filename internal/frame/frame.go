package frame

import (
	"time"
)

// StreamType names the kind of data a frame carries. It mirrors the declared
// kind of the producing source.
type StreamType string

const (
	StreamVideo  StreamType = "video"
	StreamAudio  StreamType = "audio"
	StreamSensor StreamType = "sensor"
	StreamIoT    StreamType = "iot"
)

// KnownStreamTypes lists every stream type the hub can distribute.
var KnownStreamTypes = []StreamType{StreamVideo, StreamAudio, StreamSensor, StreamIoT}

// Valid reports whether t is one of KnownStreamTypes.
func (t StreamType) Valid() bool {
	for _, k := range KnownStreamTypes {
		if t == k {
			return true
		}
	}
	return false
}

// Raw is one inbound unit read from a source feed.
type Raw struct {
	SourceID       string
	StreamType     StreamType
	Seq            uint64
	LocalTimestamp time.Time
	MimeType       string
	Payload        []byte
}

// Synced is a Raw frame stamped by the synchronizer.
//
// GlobalTimestamp is non-decreasing per source only. Frames of different
// sources interleave; compare GlobalTimestamp within a window instead of
// relying on arrival order.
type Synced struct {
	Raw
	GlobalTimestamp time.Time
	SyncQuality     float64
	OffsetUsed      time.Duration
}

// Normalized is the unit actually distributed to subscribers.
type Normalized struct {
	SourceID        string
	StreamType      StreamType
	Seq             uint64
	LocalTimestamp  time.Time
	GlobalTimestamp time.Time
	SyncQuality     float64
	OffsetUsed      time.Duration
	MimeType        string
	Payload         []byte
	Metadata        map[string]string
}
