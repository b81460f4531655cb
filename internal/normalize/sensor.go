package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// SensorSchema is the schema version of normalized sensor payloads.
const SensorSchema = "streamhub.sensor/v1"

// SensorReading is one measurement. Inbound readings carry any unit listed in
// the conversion table; normalized readings carry the SI unit.
type SensorReading struct {
	SensorID   string            `json:"sensor_id,omitempty"`
	Timestamp  *time.Time        `json:"timestamp,omitempty"`
	MetricType string            `json:"metric_type"`
	Value      float64           `json:"value"`
	Unit       string            `json:"unit"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// SensorPayload is the canonical sensor frame body.
type SensorPayload struct {
	Schema   string          `json:"schema"`
	Readings []SensorReading `json:"readings"`
}

type bulkSensor struct {
	Data     []SensorReading `json:"data"`
	Readings []SensorReading `json:"readings"`
}

type conversion struct {
	si string
	fn func(float64) float64
}

func scale(si string, factor float64) conversion {
	return conversion{si: si, fn: func(v float64) float64 { return v * factor }}
}

// units maps lowercase unit spellings onto SI.
var units = map[string]conversion{
	// temperature
	"k":       scale("K", 1),
	"c":       {si: "K", fn: func(v float64) float64 { return v + 273.15 }},
	"degc":    {si: "K", fn: func(v float64) float64 { return v + 273.15 }},
	"celsius": {si: "K", fn: func(v float64) float64 { return v + 273.15 }},
	"f":       {si: "K", fn: func(v float64) float64 { return (v-32)*5/9 + 273.15 }},
	"degf":    {si: "K", fn: func(v float64) float64 { return (v-32)*5/9 + 273.15 }},
	// length
	"m":  scale("m", 1),
	"mm": scale("m", 1e-3),
	"cm": scale("m", 1e-2),
	"km": scale("m", 1e3),
	"in": scale("m", 0.0254),
	"ft": scale("m", 0.3048),
	// speed
	"m/s":  scale("m/s", 1),
	"km/h": scale("m/s", 1/3.6),
	"mph":  scale("m/s", 0.44704),
	// acceleration
	"m/s2": scale("m/s2", 1),
	"g":    scale("m/s2", 9.80665),
	// pressure
	"pa":   scale("Pa", 1),
	"hpa":  scale("Pa", 100),
	"kpa":  scale("Pa", 1e3),
	"bar":  scale("Pa", 1e5),
	"psi":  scale("Pa", 6894.757293168),
	"mbar": scale("Pa", 100),
	// angle
	"rad":   scale("rad", 1),
	"deg":   scale("rad", math.Pi/180),
	"rad/s": scale("rad/s", 1),
	"deg/s": scale("rad/s", math.Pi/180),
	// mass
	"kg": scale("kg", 1),
	"lb": scale("kg", 0.45359237),
	// time
	"s":  scale("s", 1),
	"ms": scale("s", 1e-3),
	"us": scale("s", 1e-6),
	// electrical and light
	"v":   scale("V", 1),
	"mv":  scale("V", 1e-3),
	"a":   scale("A", 1),
	"ma":  scale("A", 1e-3),
	"w":   scale("W", 1),
	"kw":  scale("W", 1e3),
	"lx":  scale("lx", 1),
	"lux": scale("lx", 1),
	// dimensionless
	"":        scale("1", 1),
	"1":       scale("1", 1),
	"%":       scale("1", 0.01),
	"percent": scale("1", 0.01),
	"ppm":     scale("1", 1e-6),
}

// ConvertToSI returns value expressed in the SI unit for unit.
func ConvertToSI(value float64, unit string) (float64, string, error) {
	c, ok := units[strings.ToLower(strings.TrimSpace(unit))]
	if !ok {
		return 0, "", fmt.Errorf("unknown unit %q", unit)
	}
	return c.fn(value), c.si, nil
}

// sensor accepts a single reading object, an array of readings, or an object
// with a "data" or "readings" array.
func sensor(payload []byte, _ map[string]string) (result, error) {
	readings, err := decodeReadings(payload)
	if err != nil {
		return result{}, err
	}
	if len(readings) == 0 {
		return result{}, errors.New("sensor payload has no readings")
	}

	for i := range readings {
		r := &readings[i]
		if r.MetricType == "" {
			return result{}, fmt.Errorf("reading %d has no metric_type", i)
		}
		if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
			return result{}, fmt.Errorf("reading %d value is not finite", i)
		}
		v, si, err := ConvertToSI(r.Value, r.Unit)
		if err != nil {
			return result{}, fmt.Errorf("reading %d: %w", i, err)
		}
		r.Value, r.Unit = v, si
	}

	out, err := json.Marshal(SensorPayload{Schema: SensorSchema, Readings: readings})
	if err != nil {
		return result{}, fmt.Errorf("marshal sensor payload: %w", err)
	}
	return result{
		payload:  out,
		mimeType: MimeSensorJSON + ";version=1",
		meta: map[string]string{
			"schema":   SensorSchema,
			"readings": strconv.Itoa(len(readings)),
		},
	}, nil
}

func decodeReadings(payload []byte) ([]SensorReading, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, errors.New("empty sensor payload")
	}

	if trimmed[0] == '[' {
		var list []SensorReading
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("decode sensor readings: %w", err)
		}
		return list, nil
	}

	var bulk bulkSensor
	if err := json.Unmarshal(trimmed, &bulk); err != nil {
		return nil, fmt.Errorf("decode sensor payload: %w", err)
	}
	if len(bulk.Data) > 0 || len(bulk.Readings) > 0 {
		return append(bulk.Data, bulk.Readings...), nil
	}

	var single SensorReading
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil, fmt.Errorf("decode sensor reading: %w", err)
	}
	return []SensorReading{single}, nil
}
