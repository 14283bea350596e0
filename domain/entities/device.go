package entities

import "time"

// DeviceStatus is the reachability state of a device.
type DeviceStatus string

const (
	DeviceStatusOnline  DeviceStatus = "online"
	DeviceStatusOffline DeviceStatus = "offline"
)

// Position is a device's last reported geolocation and motion state.
type Position struct {
	Latitude  float64 `json:"latitude" bson:"latitude"`
	Longitude float64 `json:"longitude" bson:"longitude"`
	Altitude  float64 `json:"altitude" bson:"altitude"`
	Heading   float64 `json:"heading" bson:"heading"`
	Speed     float64 `json:"speed" bson:"speed"`
}

// Device is the authoritative record for one remote device. Created on
// first registration, mutated by every registration/telemetry event,
// marked offline (never deleted) when its session disappears.
type Device struct {
	ID       string            `json:"id" bson:"_id"`
	Name     string            `json:"name" bson:"name"`
	Type     string            `json:"device_type" bson:"device_type"`
	Status   DeviceStatus      `json:"status" bson:"status"`
	Position Position          `json:"position" bson:"position"`
	Battery  float64           `json:"battery" bson:"battery"`
	Metadata map[string]string `json:"metadata,omitempty" bson:"metadata,omitempty"`
	LastSeen time.Time         `json:"last_seen" bson:"last_seen"`
}

// DeviceUpdate is a partial device mutation. Nil fields leave the prior
// value unchanged; metadata keys are merged, not replaced wholesale.
type DeviceUpdate struct {
	Name      *string
	Type      *string
	Latitude  *float64
	Longitude *float64
	Altitude  *float64
	Heading   *float64
	Speed     *float64
	Battery   *float64
	Metadata  map[string]string
}

// Apply merges the update into the device, overwriting only the fields
// that are present.
func (d *Device) Apply(u DeviceUpdate) {
	if u.Name != nil {
		d.Name = *u.Name
	}
	if u.Type != nil {
		d.Type = *u.Type
	}
	if u.Latitude != nil {
		d.Position.Latitude = *u.Latitude
	}
	if u.Longitude != nil {
		d.Position.Longitude = *u.Longitude
	}
	if u.Altitude != nil {
		d.Position.Altitude = *u.Altitude
	}
	if u.Heading != nil {
		d.Position.Heading = *u.Heading
	}
	if u.Speed != nil {
		d.Position.Speed = *u.Speed
	}
	if u.Battery != nil {
		d.Battery = *u.Battery
	}
	if len(u.Metadata) > 0 {
		if d.Metadata == nil {
			d.Metadata = make(map[string]string, len(u.Metadata))
		}
		for k, v := range u.Metadata {
			d.Metadata[k] = v
		}
	}
}

// NewDevice returns a fresh record for a first registration. Battery
// starts at 100 until the first telemetry report says otherwise.
func NewDevice(id string, now time.Time) *Device {
	return &Device{
		ID:       id,
		Status:   DeviceStatusOnline,
		Battery:  100,
		LastSeen: now,
	}
}
