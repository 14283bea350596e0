package entities

import "time"

// TelemetrySample is one durable snapshot of a device's self-report.
// Samples are append-only and ordered by timestamp per device; they are
// persisted at a bounded rate, independent of the live device record.
type TelemetrySample struct {
	DeviceID  string                 `json:"device_id" bson:"device_id"`
	Position  Position               `json:"position" bson:"position"`
	Battery   float64                `json:"battery" bson:"battery"`
	Sensors   map[string]interface{} `json:"sensors,omitempty" bson:"sensors,omitempty"`
	Timestamp time.Time              `json:"timestamp" bson:"timestamp"`
}
