// Package normalize converts source-native payloads into the canonical frame
// representation distributed to subscribers.
//
// The codec is chosen by the base media type of the frame's declared
// mimetype, with parameters (rate, channels, format, width, height) read from
// the mimetype itself:
//
//	application/octet-stream            identity
//	audio/pcm, audio/L16                16-bit PCM, resampled and downmixed
//	video/x-raw, image/jpeg             RGBA, downscaled to a maximum height
//	application/json, .../sensor+json   sensor readings converted to SI units
//
// Normalization is stateless per frame and safe for concurrent use.
package normalize

import (
	"errors"
	"fmt"
	"mime"
	"strings"

	"github.com/your-org/streamhub/internal/frame"
)

const (
	MimeOctetStream = "application/octet-stream"
	MimePCM         = "audio/pcm"
	MimeL16         = "audio/L16"
	MimeRawVideo    = "video/x-raw"
	MimeJPEG        = "image/jpeg"
	MimeJSON        = "application/json"
	MimeSensorJSON  = "application/vnd.streamhub.sensor+json"
)

// Metadata keys set on every normalized frame.
const (
	MetaSourceMime = "source_mime"
	MetaCodec      = "codec"
)

// ErrUnsupported is wrapped by Error when no codec handles the mimetype.
var ErrUnsupported = errors.New("unsupported mimetype")

// Error is a per-frame normalization failure. The frame is dropped.
type Error struct {
	SourceID string
	MimeType string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("normalize frame from %s (%s): %v", e.SourceID, e.MimeType, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Config sets the canonical representation.
type Config struct {
	AudioSampleRate int
	AudioChannels   int
	VideoMaxHeight  int
}

// DefaultConfig returns 16 kHz mono audio and video capped at 1080 lines.
func DefaultConfig() Config {
	return Config{AudioSampleRate: 16000, AudioChannels: 1, VideoMaxHeight: 1080}
}

type result struct {
	payload  []byte
	mimeType string
	meta     map[string]string
}

type codec func(payload []byte, params map[string]string) (result, error)

type entry struct {
	name string
	fn   codec
}

// Normalizer holds the codec table.
type Normalizer struct {
	cfg    Config
	codecs map[string]entry
}

// New builds a Normalizer. Zero config fields take DefaultConfig values.
func New(cfg Config) *Normalizer {
	def := DefaultConfig()
	if cfg.AudioSampleRate <= 0 {
		cfg.AudioSampleRate = def.AudioSampleRate
	}
	if cfg.AudioChannels <= 0 {
		cfg.AudioChannels = def.AudioChannels
	}
	if cfg.VideoMaxHeight <= 0 {
		cfg.VideoMaxHeight = def.VideoMaxHeight
	}

	n := &Normalizer{cfg: cfg}
	// Keys are lowercase: mime.ParseMediaType folds the media type.
	n.codecs = map[string]entry{
		MimeOctetStream:          {name: "identity", fn: identity},
		MimePCM:                  {name: "pcm", fn: n.pcm(false)},
		strings.ToLower(MimeL16): {name: "pcm", fn: n.pcm(true)},
		MimeRawVideo:             {name: "video", fn: n.rawVideo},
		MimeJPEG:                 {name: "video", fn: n.jpeg},
		MimeJSON:                 {name: "sensor", fn: sensor},
		MimeSensorJSON:           {name: "sensor", fn: sensor},
	}
	return n
}

// Supports reports whether a codec exists for mimeType.
func (n *Normalizer) Supports(mimeType string) bool {
	base, _, err := parseMime(mimeType)
	if err != nil {
		return false
	}
	_, ok := n.codecs[base]
	return ok
}

// Normalize converts f to its canonical representation. Failures are
// returned as *Error.
func (n *Normalizer) Normalize(f frame.Synced) (frame.Normalized, error) {
	base, params, err := parseMime(f.MimeType)
	if err != nil {
		return frame.Normalized{}, &Error{SourceID: f.SourceID, MimeType: f.MimeType, Err: err}
	}
	c, ok := n.codecs[base]
	if !ok {
		return frame.Normalized{}, &Error{SourceID: f.SourceID, MimeType: f.MimeType, Err: ErrUnsupported}
	}

	res, err := c.fn(f.Payload, params)
	if err != nil {
		return frame.Normalized{}, &Error{SourceID: f.SourceID, MimeType: f.MimeType, Err: err}
	}

	meta := make(map[string]string, len(res.meta)+2)
	for k, v := range res.meta {
		meta[k] = v
	}
	meta[MetaSourceMime] = f.MimeType
	meta[MetaCodec] = c.name

	return frame.Normalized{
		SourceID:        f.SourceID,
		StreamType:      f.StreamType,
		Seq:             f.Seq,
		LocalTimestamp:  f.LocalTimestamp,
		GlobalTimestamp: f.GlobalTimestamp,
		SyncQuality:     f.SyncQuality,
		OffsetUsed:      f.OffsetUsed,
		MimeType:        res.mimeType,
		Payload:         res.payload,
		Metadata:        meta,
	}, nil
}

// parseMime lowercases the base type. An empty mimetype is treated as opaque bytes.
func parseMime(v string) (string, map[string]string, error) {
	if strings.TrimSpace(v) == "" {
		return MimeOctetStream, map[string]string{}, nil
	}
	base, params, err := mime.ParseMediaType(v)
	if err != nil {
		return "", nil, fmt.Errorf("parse mimetype: %w", err)
	}
	return strings.ToLower(base), params, nil
}

func identity(payload []byte, _ map[string]string) (result, error) {
	return result{payload: payload, mimeType: MimeOctetStream}, nil
}
