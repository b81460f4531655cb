package normalize

import (
	"encoding/binary"
	"fmt"
	"strconv"
)

const defaultSourceRate = 48000

// Accepted source layouts. The upper rate and the ratio to the canonical
// rate bound how far a payload can grow during resampling.
const (
	MinSourceRate     = 1000
	MaxSourceRate     = 384000
	MaxSourceChannels = 32
)

// pcm decodes interleaved signed 16-bit PCM (big-endian for audio/L16,
// little-endian for audio/pcm), downmixes or upmixes to the configured channel
// count and resamples linearly to the configured rate. Output is s16le.
func (n *Normalizer) pcm(bigEndian bool) codec {
	return func(payload []byte, params map[string]string) (result, error) {
		rate, err := intParam(params, "rate", defaultSourceRate)
		if err != nil {
			return result{}, err
		}
		channels, err := intParam(params, "channels", 1)
		if err != nil {
			return result{}, err
		}
		if rate < MinSourceRate || rate > MaxSourceRate || channels <= 0 || channels > MaxSourceChannels {
			return result{}, fmt.Errorf("invalid pcm layout rate=%d channels=%d", rate, channels)
		}
		if len(payload)%(2*channels) != 0 {
			return result{}, fmt.Errorf("pcm payload of %d bytes is not a whole number of %d-channel frames", len(payload), channels)
		}

		order := binary.ByteOrder(binary.LittleEndian)
		if bigEndian {
			order = binary.BigEndian
		}
		in := make([]float64, len(payload)/2)
		for i := range in {
			in[i] = float64(int16(order.Uint16(payload[i*2:])))
		}

		want := n.cfg.AudioChannels
		mixed := remix(in, channels, want)
		out := resample(mixed, want, rate, n.cfg.AudioSampleRate)

		buf := make([]byte, len(out)*2)
		for i, v := range out {
			binary.LittleEndian.PutUint16(buf[i*2:], uint16(clamp16(v)))
		}

		return result{
			payload: buf,
			mimeType: fmt.Sprintf("%s;rate=%d;channels=%d;format=s16le",
				MimePCM, n.cfg.AudioSampleRate, want),
			meta: map[string]string{
				"sample_rate": strconv.Itoa(n.cfg.AudioSampleRate),
				"channels":    strconv.Itoa(want),
				"bit_depth":   "16",
				"samples":     strconv.Itoa(len(out) / want),
			},
		}, nil
	}
}

// remix maps interleaved samples from have to want channels. Downmixing
// averages all source channels; upmixing copies the average into each
// output channel.
func remix(in []float64, have, want int) []float64 {
	if have == want || len(in) == 0 {
		return in
	}
	frames := len(in) / have
	out := make([]float64, frames*want)
	for i := 0; i < frames; i++ {
		sum := 0.0
		for _, v := range in[i*have : (i+1)*have] {
			sum += v
		}
		avg := sum / float64(have)
		for c := 0; c < want; c++ {
			out[i*want+c] = avg
		}
	}
	return out
}

// resample converts interleaved samples between rates by linear
// interpolation. Output length is frames*to/from rounded down.
func resample(in []float64, channels, from, to int) []float64 {
	frames := len(in) / channels
	if from == to || frames == 0 {
		return in
	}
	n := frames * to / from
	out := make([]float64, n*channels)
	step := float64(from) / float64(to)
	for i := 0; i < n; i++ {
		pos := float64(i) * step
		j := int(pos)
		frac := pos - float64(j)
		k := j
		if j+1 < frames {
			k = j + 1
		}
		for c := 0; c < channels; c++ {
			a, b := in[j*channels+c], in[k*channels+c]
			out[i*channels+c] = a + (b-a)*frac
		}
	}
	return out
}

func clamp16(v float64) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	case v >= 0:
		return int16(v + 0.5)
	default:
		return int16(v - 0.5)
	}
}

func intParam(params map[string]string, key string, def int) (int, error) {
	raw, ok := params[key]
	if !ok || raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parameter %s=%q: %w", key, raw, err)
	}
	return v, nil
}
