// SmartSensor Gateway - Sensor Ingestion & Dispatch
// Copyright 2026 HankookTech
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hankooktech/smartsensor-gateway

// Package codec parses inbound device payloads into normalized readings and
// renders the canonical outbound frame format.
//
// The inbound wire shape is shared by MQTT publishes and HTTP batch entries:
//
//	{ "device_id":"HK_000001", "timestamp":"2024-01-26T14:30:25Z",
//	  "firmware":"2.0.3",
//	  "sensors": { "temperature": 35.2, "humidity": 60.1, "pressure": 1013.2,
//	               "tires":[{"position":"FL","pressure_kpa":220.0,"temperature_c":35.0}],
//	               "battery_v": 3.7, "rssi": -58 } }
//
// Decoding never panics on malformed input; failures return a *DecodeError
// carrying the byte offset when the parser reports one. The range table in
// ranges.go is the single source of validation truth for the whole platform;
// firmware and dashboards consume it, they do not reimplement it.
package codec

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/hankooktech/smartsensor-gateway/internal/models"
)

// DefaultMaxClockSkew bounds how far a device timestamp may drift from
// server time before the frame is rejected.
const DefaultMaxClockSkew = 24 * time.Hour

// DecodeError is the typed error returned for unparseable or unacceptable
// frames. Offset is the byte position of the syntax error when known, -1
// otherwise.
type DecodeError struct {
	Reason string
	Offset int64
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("decode: %s at byte %d", e.Reason, e.Offset)
	}
	return "decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Sentinel reasons surfaced through DecodeError.
var (
	ErrMissingDeviceID = errors.New("missing device_id")
	ErrClockSkew       = errors.New("device timestamp outside max clock skew")
	ErrBadTimestamp    = errors.New("unparseable timestamp")
)

// Envelope carries the frame-level fields that are not themselves readings.
type Envelope struct {
	DeviceID        string    `json:"device_id"`
	DeviceTimestamp time.Time `json:"timestamp"`
	Firmware        string    `json:"firmware,omitempty"`

	// RSSI is radio link metadata, not a sensor reading.
	RSSI *int `json:"rssi,omitempty"`
}

// wireTire is one entry of the sensors.tires array.
type wireTire struct {
	Position     string   `json:"position"`
	PressureKPa  *float64 `json:"pressure_kpa,omitempty"`
	TemperatureC *float64 `json:"temperature_c,omitempty"`
}

// wireFrame mirrors the inbound JSON shape. Sensors stays raw so unknown
// keys survive decoding.
type wireFrame struct {
	DeviceID  string                     `json:"device_id"`
	Timestamp string                     `json:"timestamp,omitempty"`
	Firmware  string                     `json:"firmware,omitempty"`
	Sensors   map[string]json.RawMessage `json:"sensors,omitempty"`
}

// Decoder turns raw frames into readings. The zero value uses
// DefaultMaxClockSkew.
type Decoder struct {
	// MaxClockSkew overrides the accepted device clock drift when positive.
	MaxClockSkew time.Duration
}

// Decode parses one frame. It returns the envelope and the normalized
// readings, each already graded against the range table. DeviceTimestamp
// defaults to now when the frame omits it. Readings carry zero
// IngestTimestamp and Seq; the pipeline assigns both.
func (d *Decoder) Decode(data []byte, now time.Time) (Envelope, []models.Reading, error) {
	var frame wireFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Envelope{}, nil, syntaxError(err)
	}

	if frame.DeviceID == "" {
		return Envelope{}, nil, &DecodeError{Reason: "missing device_id", Offset: -1, Err: ErrMissingDeviceID}
	}

	env := Envelope{DeviceID: frame.DeviceID, Firmware: frame.Firmware}

	env.DeviceTimestamp = now
	if frame.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339, frame.Timestamp)
		if err != nil {
			return Envelope{}, nil, &DecodeError{Reason: "unparseable timestamp " + frame.Timestamp, Offset: -1, Err: ErrBadTimestamp}
		}
		skew := d.MaxClockSkew
		if skew <= 0 {
			skew = DefaultMaxClockSkew
		}
		if drift := now.Sub(ts); drift > skew || drift < -skew {
			return Envelope{}, nil, &DecodeError{
				Reason: fmt.Sprintf("timestamp %s drifts more than %s from server time", frame.Timestamp, skew),
				Offset: -1,
				Err:    ErrClockSkew,
			}
		}
		env.DeviceTimestamp = ts.UTC()
	}

	readings := make([]models.Reading, 0, len(frame.Sensors)+4)
	for key, raw := range frame.Sensors {
		switch key {
		case "temperature":
			readings = appendScalar(readings, &env, models.SensorTemperature, models.PositionNone, raw)
		case "humidity":
			readings = appendScalar(readings, &env, models.SensorHumidity, models.PositionNone, raw)
		case "battery_v":
			readings = appendScalar(readings, &env, models.SensorBattery, models.PositionNone, raw)
		case "light":
			readings = appendScalar(readings, &env, models.SensorLight, models.PositionNone, raw)
		case "accel":
			readings = appendScalar(readings, &env, models.SensorAccel, models.PositionNone, raw)
		case "pressure":
			// Ambient barometric pressure arrives in hPa; canonicalize to kPa.
			var hPa float64
			if err := json.Unmarshal(raw, &hPa); err != nil {
				continue
			}
			kPa := hPa / 10.0
			readings = append(readings, models.Reading{
				DeviceID:        env.DeviceID,
				SensorKind:      models.SensorPressure,
				Position:        models.PositionNone,
				Value:           kPa,
				Unit:            models.CanonicalUnit(models.SensorPressure),
				DeviceTimestamp: env.DeviceTimestamp,
				Quality:         GradeValue(models.SensorPressure, kPa),
			})
		case "tires":
			var tires []wireTire
			if err := json.Unmarshal(raw, &tires); err != nil {
				continue
			}
			for _, tire := range tires {
				pos, known := models.ParseTirePosition(tire.Position)
				if tire.PressureKPa != nil {
					r := scalarReading(&env, models.SensorPressure, pos, *tire.PressureKPa)
					if !known && r.Quality == models.QualityGood {
						r.Quality = models.QualitySuspect
					}
					readings = append(readings, r)
				}
				if tire.TemperatureC != nil {
					r := scalarReading(&env, models.SensorTemperature, pos, *tire.TemperatureC)
					if !known && r.Quality == models.QualityGood {
						r.Quality = models.QualitySuspect
					}
					readings = append(readings, r)
				}
			}
		case "rssi":
			var rssi int
			if err := json.Unmarshal(raw, &rssi); err == nil {
				env.RSSI = &rssi
			}
		default:
			// Forward compatibility: numeric values under unknown keys become
			// suspect readings instead of being dropped.
			var value float64
			if err := json.Unmarshal(raw, &value); err != nil {
				continue
			}
			readings = append(readings, models.Reading{
				DeviceID:        env.DeviceID,
				SensorKind:      models.SensorKind(key),
				Position:        models.PositionNone,
				Value:           value,
				DeviceTimestamp: env.DeviceTimestamp,
				Quality:         models.QualitySuspect,
			})
		}
	}

	return env, readings, nil
}

// DecodeBatch parses an HTTP ingest body: a JSON array of frames. Each frame
// decodes independently; one malformed entry does not fail the batch. The
// returned errs slice is index-aligned with the input array, nil where the
// frame decoded cleanly.
func (d *Decoder) DecodeBatch(data []byte, now time.Time) (envs []Envelope, frames [][]models.Reading, errs []error, err error) {
	var rawFrames []json.RawMessage
	if jerr := json.Unmarshal(data, &rawFrames); jerr != nil {
		return nil, nil, nil, syntaxError(jerr)
	}

	envs = make([]Envelope, len(rawFrames))
	frames = make([][]models.Reading, len(rawFrames))
	errs = make([]error, len(rawFrames))
	for i, raw := range rawFrames {
		envs[i], frames[i], errs[i] = d.Decode(raw, now)
	}
	return envs, frames, errs, nil
}

func appendScalar(readings []models.Reading, env *Envelope, kind models.SensorKind, pos models.TirePosition, raw json.RawMessage) []models.Reading {
	var value float64
	if err := json.Unmarshal(raw, &value); err != nil {
		return readings
	}
	return append(readings, scalarReading(env, kind, pos, value))
}

func scalarReading(env *Envelope, kind models.SensorKind, pos models.TirePosition, value float64) models.Reading {
	return models.Reading{
		DeviceID:        env.DeviceID,
		SensorKind:      kind,
		Position:        pos,
		Value:           value,
		Unit:            models.CanonicalUnit(kind),
		DeviceTimestamp: env.DeviceTimestamp,
		Quality:         GradeValue(kind, value),
	}
}

func syntaxError(err error) *DecodeError {
	var syn *json.SyntaxError
	if errors.As(err, &syn) {
		return &DecodeError{Reason: "malformed JSON", Offset: syn.Offset, Err: err}
	}
	return &DecodeError{Reason: "malformed JSON", Offset: -1, Err: err}
}
