// SmartSensor Gateway - Sensor Ingestion & Dispatch
// Copyright 2026 HankookTech
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/hankooktech/smartsensor-gateway

package codec

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/hankooktech/smartsensor-gateway/internal/models"
)

// canonicalFrame is the encoder-side wire shape. Field order here defines
// the canonical form: decoding a frame and re-encoding it yields identical
// bytes modulo the ordering of the original input fields.
type canonicalFrame struct {
	DeviceID  string           `json:"device_id"`
	Timestamp string           `json:"timestamp,omitempty"`
	Firmware  string           `json:"firmware,omitempty"`
	Sensors   canonicalSensors `json:"sensors,omitempty"`
}

type canonicalSensors struct {
	Temperature *float64           `json:"temperature,omitempty"`
	Humidity    *float64           `json:"humidity,omitempty"`
	Pressure    *float64           `json:"pressure,omitempty"`
	Tires       []wireTire         `json:"tires,omitempty"`
	BatteryV    *float64           `json:"battery_v,omitempty"`
	Light       *float64           `json:"light,omitempty"`
	Accel       *float64           `json:"accel,omitempty"`
	RSSI        *int               `json:"rssi,omitempty"`
	Extra       map[string]float64 `json:"-"`
}

// tireOrder fixes the canonical ordering of the tires array.
var tireOrder = []models.TirePosition{
	models.PositionFrontLeft,
	models.PositionFrontRight,
	models.PositionRearLeft,
	models.PositionRearRight,
}

func wirePosition(pos models.TirePosition) string {
	switch pos {
	case models.PositionFrontLeft:
		return "FL"
	case models.PositionFrontRight:
		return "FR"
	case models.PositionRearLeft:
		return "RL"
	case models.PositionRearRight:
		return "RR"
	default:
		return ""
	}
}

// EncodeFrame renders the canonical device frame for an envelope and its
// readings. It is the inverse of Decode: ambient pressure converts back to
// hPa, tire readings regroup into the tires array in FL, FR, RL, RR order,
// and unknown-kind readings re-emit under their original keys.
func EncodeFrame(env Envelope, readings []models.Reading) ([]byte, error) {
	frame := canonicalFrame{
		DeviceID: env.DeviceID,
		Firmware: env.Firmware,
	}
	if !env.DeviceTimestamp.IsZero() {
		frame.Timestamp = env.DeviceTimestamp.UTC().Format(time.RFC3339)
	}

	sensors := canonicalSensors{RSSI: env.RSSI}
	tires := map[models.TirePosition]*wireTire{}

	for i := range readings {
		r := &readings[i]
		if r.Position != models.PositionNone && r.Position != "" {
			tire, ok := tires[r.Position]
			if !ok {
				tire = &wireTire{Position: wirePosition(r.Position)}
				tires[r.Position] = tire
			}
			switch r.SensorKind {
			case models.SensorPressure:
				v := r.Value
				tire.PressureKPa = &v
			case models.SensorTemperature:
				v := r.Value
				tire.TemperatureC = &v
			}
			continue
		}

		v := r.Value
		switch r.SensorKind {
		case models.SensorTemperature:
			sensors.Temperature = &v
		case models.SensorHumidity:
			sensors.Humidity = &v
		case models.SensorPressure:
			hPa := v * 10.0
			sensors.Pressure = &hPa
		case models.SensorBattery:
			sensors.BatteryV = &v
		case models.SensorLight:
			sensors.Light = &v
		case models.SensorAccel:
			sensors.Accel = &v
		default:
			if sensors.Extra == nil {
				sensors.Extra = map[string]float64{}
			}
			sensors.Extra[string(r.SensorKind)] = v
		}
	}

	for _, pos := range tireOrder {
		if tire, ok := tires[pos]; ok {
			sensors.Tires = append(sensors.Tires, *tire)
		}
	}

	frame.Sensors = sensors
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}
	if len(sensors.Extra) == 0 {
		return data, nil
	}

	// Splice extra keys into the sensors object. A two-step marshal keeps
	// the canonical struct ordering for the known keys.
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return nil, err
	}
	var sensorsMap map[string]json.RawMessage
	if err := json.Unmarshal(outer["sensors"], &sensorsMap); err != nil {
		return nil, err
	}
	for k, v := range sensors.Extra {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		sensorsMap[k] = raw
	}
	merged, err := json.Marshal(sensorsMap)
	if err != nil {
		return nil, err
	}
	outer["sensors"] = merged
	return json.Marshal(outer)
}

// ReadingEvent is the frame streamed to WebSocket subscribers.
type ReadingEvent struct {
	Type    string         `json:"type"` // always "reading"
	Reading models.Reading `json:"reading"`
}

// EncodeReadingEvent serializes one reading as a subscriber stream frame.
// The hub calls this once per broadcast and shares the blob across every
// matching subscriber.
func EncodeReadingEvent(r models.Reading) ([]byte, error) {
	return json.Marshal(ReadingEvent{Type: "reading", Reading: r})
}
