package normalize

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/streamhub/internal/frame"
)

func synced(mimeType string, payload []byte) frame.Synced {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	return frame.Synced{
		Raw: frame.Raw{
			SourceID:       "src",
			StreamType:     frame.StreamVideo,
			Seq:            9,
			LocalTimestamp: now.Add(-40 * time.Millisecond),
			MimeType:       mimeType,
			Payload:        payload,
		},
		GlobalTimestamp: now,
		SyncQuality:     0.97,
		OffsetUsed:      40 * time.Millisecond,
	}
}

func TestIdentityRoundTrip(t *testing.T) {
	n := New(DefaultConfig())
	payload := []byte{0x00, 0xde, 0xad, 0xbe, 0xef, 0xff}

	out, err := n.Normalize(synced(MimeOctetStream, payload))
	require.NoError(t, err)

	assert.Equal(t, payload, out.Payload)
	assert.Equal(t, MimeOctetStream, out.MimeType)
	assert.Greater(t, out.SyncQuality, 0.0)
	assert.Less(t, out.SyncQuality, 1.0)
	assert.Equal(t, "src", out.SourceID)
	assert.Equal(t, uint64(9), out.Seq)
	assert.Equal(t, 40*time.Millisecond, out.OffsetUsed)
	assert.Equal(t, "identity", out.Metadata[MetaCodec])
}

func TestEmptyMimeIsOpaque(t *testing.T) {
	n := New(DefaultConfig())
	out, err := n.Normalize(synced("", []byte("x")))
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), out.Payload)
}

func TestUnsupportedMimeFails(t *testing.T) {
	n := New(DefaultConfig())

	_, err := n.Normalize(synced("video/h264", []byte{1}))
	var nerr *Error
	require.ErrorAs(t, err, &nerr)
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.Equal(t, "src", nerr.SourceID)

	assert.False(t, n.Supports("video/h264"))
	assert.True(t, n.Supports("audio/L16; rate=8000"))
}

func TestMalformedMimeFails(t *testing.T) {
	n := New(DefaultConfig())
	_, err := n.Normalize(synced("audio/pcm; rate", nil))
	var nerr *Error
	assert.ErrorAs(t, err, &nerr)
}

func pcmBytes(order binary.ByteOrder, samples ...int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		order.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func decodeLE(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

func TestPCMDownmixAndResample(t *testing.T) {
	n := New(DefaultConfig())

	// 32 kHz stereo, 4 frames: L/R pairs average to 100, 200, 300, 400.
	in := pcmBytes(binary.LittleEndian, 50, 150, 100, 300, 300, 300, 400, 400)
	out, err := n.Normalize(synced("audio/pcm;rate=32000;channels=2", in))
	require.NoError(t, err)

	assert.Equal(t, []int16{100, 300}, decodeLE(out.Payload))
	assert.Equal(t, "audio/pcm;rate=16000;channels=1;format=s16le", out.MimeType)
	assert.Equal(t, "16000", out.Metadata["sample_rate"])
	assert.Equal(t, "2", out.Metadata["samples"])
}

func TestL16IsBigEndian(t *testing.T) {
	n := New(DefaultConfig())

	in := pcmBytes(binary.BigEndian, 1000, -1000)
	out, err := n.Normalize(synced("audio/L16;rate=16000;channels=1", in))
	require.NoError(t, err)
	assert.Equal(t, []int16{1000, -1000}, decodeLE(out.Payload))
}

func TestPCMUpsampleInterpolates(t *testing.T) {
	n := New(Config{AudioSampleRate: 16000, AudioChannels: 1})

	in := pcmBytes(binary.LittleEndian, 0, 100)
	out, err := n.Normalize(synced("audio/pcm;rate=8000", in))
	require.NoError(t, err)
	assert.Equal(t, []int16{0, 50, 100, 100}, decodeLE(out.Payload))
}

func TestPCMRejectsPartialFrames(t *testing.T) {
	n := New(DefaultConfig())
	_, err := n.Normalize(synced("audio/pcm;rate=16000;channels=2", []byte{1, 2, 3}))
	assert.Error(t, err)
}

func TestPCMRejectsOutOfRangeLayouts(t *testing.T) {
	n := New(DefaultConfig())
	payload := make([]byte, 32*2*4)
	for _, mt := range []string{
		"audio/pcm;rate=1",
		"audio/pcm;rate=999",
		"audio/pcm;rate=384001",
		"audio/pcm;rate=16000;channels=64",
		"audio/pcm;rate=16000;channels=0",
	} {
		_, err := n.Normalize(synced(mt, payload))
		assert.Error(t, err, mt)
	}

	out, err := n.Normalize(synced("audio/pcm;rate=1000;channels=32", payload))
	require.NoError(t, err)
	// 4 frames at 1 kHz become 64 frames at 16 kHz.
	assert.Len(t, out.Payload, 64*2)
}

func TestRawVideoToRGBA(t *testing.T) {
	n := New(DefaultConfig())

	// 2x1 bgra: blue then red.
	in := []byte{255, 0, 0, 255, 0, 0, 255, 255}
	out, err := n.Normalize(synced("video/x-raw;format=bgra;width=2;height=1", in))
	require.NoError(t, err)

	assert.Equal(t, []byte{0, 0, 255, 255, 255, 0, 0, 255}, out.Payload)
	assert.Equal(t, "video/x-raw;format=rgba;width=2;height=1", out.MimeType)
	assert.Equal(t, "240p", out.Metadata["resolution"])
}

func TestRawVideoGrayAndRGB(t *testing.T) {
	n := New(DefaultConfig())

	out, err := n.Normalize(synced("video/x-raw;format=gray8;width=1;height=1", []byte{7}))
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 7, 7, 255}, out.Payload)

	out, err = n.Normalize(synced("video/x-raw;format=rgb24;width=1;height=1", []byte{1, 2, 3}))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 255}, out.Payload)
}

func TestRawVideoSizeMismatch(t *testing.T) {
	n := New(DefaultConfig())
	_, err := n.Normalize(synced("video/x-raw;format=rgb24;width=2;height=2", []byte{1, 2, 3}))
	assert.Error(t, err)

	_, err = n.Normalize(synced("video/x-raw;format=yuv420p;width=2;height=2", make([]byte, 6)))
	assert.Error(t, err)
}

func TestRawVideoRejectsOversizedFrames(t *testing.T) {
	n := New(DefaultConfig())

	// 2^32 squared wraps to zero, which an empty payload would otherwise match.
	_, err := n.Normalize(synced("video/x-raw;format=gray8;width=4294967296;height=4294967296", nil))
	require.Error(t, err)
	var nerr *Error
	assert.ErrorAs(t, err, &nerr)

	_, err = n.Normalize(synced("video/x-raw;format=gray8;width=20000;height=1", make([]byte, 20000)))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	_, err = n.Normalize(synced("video/x-raw;format=gray8;width=16384;height=16384", nil))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestRawVideoDownscale(t *testing.T) {
	n := New(Config{VideoMaxHeight: 2})

	in := make([]byte, 4*4)
	for i := range in {
		in[i] = byte(i)
	}
	out, err := n.Normalize(synced("video/x-raw;format=gray8;width=4;height=4", in))
	require.NoError(t, err)

	assert.Equal(t, "2", out.Metadata["width"])
	assert.Equal(t, "2", out.Metadata["height"])
	require.Len(t, out.Payload, 2*2*4)
	// Nearest neighbour picks source pixels (0,0), (2,0), (0,2), (2,2).
	assert.Equal(t, byte(0), out.Payload[0])
	assert.Equal(t, byte(2), out.Payload[4])
	assert.Equal(t, byte(8), out.Payload[8])
	assert.Equal(t, byte(10), out.Payload[12])
}

func TestJPEGDecodes(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 10, B: 10, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))

	n := New(DefaultConfig())
	out, err := n.Normalize(synced(MimeJPEG, buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, "8", out.Metadata["width"])
	require.Len(t, out.Payload, 8*8*4)
	assert.InDelta(t, 200, int(out.Payload[0]), 10)

	_, err = n.Normalize(synced(MimeJPEG, []byte("not a jpeg")))
	assert.Error(t, err)
}

func TestJPEGRejectsOversizedHeader(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8)), nil))
	data := buf.Bytes()

	sof := bytes.Index(data, []byte{0xff, 0xc0})
	require.GreaterOrEqual(t, sof, 0)
	// SOF0: marker, length, precision, then height and width.
	binary.BigEndian.PutUint16(data[sof+5:], 60000)
	binary.BigEndian.PutUint16(data[sof+7:], 60000)

	n := New(DefaultConfig())
	_, err := n.Normalize(synced(MimeJPEG, data))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	var nerr *Error
	assert.ErrorAs(t, err, &nerr)
}

func TestSensorToSI(t *testing.T) {
	n := New(DefaultConfig())

	in := []byte(`{"data":[
		{"sensor_id":"t1","metric_type":"temperature","value":212,"unit":"F"},
		{"sensor_id":"p1","metric_type":"pressure","value":1013.25,"unit":"hPa"},
		{"sensor_id":"d1","metric_type":"distance","value":150,"unit":"cm","tags":{"zone":"a"}}
	]}`)
	out, err := n.Normalize(synced(MimeJSON, in))
	require.NoError(t, err)

	var p SensorPayload
	require.NoError(t, json.Unmarshal(out.Payload, &p))
	assert.Equal(t, SensorSchema, p.Schema)
	require.Len(t, p.Readings, 3)

	assert.InDelta(t, 373.15, p.Readings[0].Value, 1e-9)
	assert.Equal(t, "K", p.Readings[0].Unit)
	assert.InDelta(t, 101325, p.Readings[1].Value, 1e-6)
	assert.Equal(t, "Pa", p.Readings[1].Unit)
	assert.InDelta(t, 1.5, p.Readings[2].Value, 1e-9)
	assert.Equal(t, "a", p.Readings[2].Tags["zone"])
	assert.Equal(t, "3", out.Metadata["readings"])
	assert.Equal(t, "application/vnd.streamhub.sensor+json;version=1", out.MimeType)
}

func TestSensorSingleAndArray(t *testing.T) {
	n := New(DefaultConfig())

	out, err := n.Normalize(synced(MimeSensorJSON, []byte(`{"metric_type":"humidity","value":55,"unit":"%"}`)))
	require.NoError(t, err)
	var p SensorPayload
	require.NoError(t, json.Unmarshal(out.Payload, &p))
	require.Len(t, p.Readings, 1)
	assert.InDelta(t, 0.55, p.Readings[0].Value, 1e-9)
	assert.Equal(t, "1", p.Readings[0].Unit)

	out, err = n.Normalize(synced(MimeJSON, []byte(`[{"metric_type":"speed","value":36,"unit":"km/h"}]`)))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(out.Payload, &p))
	assert.InDelta(t, 10, p.Readings[0].Value, 1e-9)
}

func TestSensorFailures(t *testing.T) {
	n := New(DefaultConfig())
	cases := map[string]string{
		"not json":     `{"metric_type":`,
		"unknown unit": `{"metric_type":"x","value":1,"unit":"furlong"}`,
		"no metric":    `{"value":1,"unit":"m"}`,
		"empty":        ``,
		"empty list":   `[]`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := n.Normalize(synced(MimeJSON, []byte(body)))
			var nerr *Error
			assert.ErrorAs(t, err, &nerr)
		})
	}
}

func TestConvertToSI(t *testing.T) {
	v, unit, err := ConvertToSI(180, "deg")
	require.NoError(t, err)
	assert.InDelta(t, 3.14159265, v, 1e-6)
	assert.Equal(t, "rad", unit)

	_, _, err = ConvertToSI(1, "parsec")
	assert.Error(t, err)
}
