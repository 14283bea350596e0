// Package fleet owns the authoritative in-memory device records. All
// mutation paths funnel through the Store's mutex: registration and
// telemetry for the same device never interleave into a corrupted merge,
// and per-device event emission order matches mutation order.
package fleet

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetcc/server/domain/entities"
)

// EventType tags a state-change event fanned out to observers.
type EventType string

const (
	EventDeviceOnline  EventType = "device:online"
	EventDeviceUpdate  EventType = "device:update"
	EventDeviceOffline EventType = "device:offline"
)

// Event is one device state change. Device is a detached copy and is
// nil for offline events, which carry only the device id on the wire.
type Event struct {
	Type     EventType
	DeviceID string
	Device   *entities.Device
}

// Publisher receives every successful store mutation, exactly once, in
// mutation order per device. Publish is called while the store's lock
// is held and must therefore never block.
type Publisher interface {
	Publish(event Event)
}

// Store is the device table. It is purely in-memory; durable mirroring
// is the caller's concern and never blocks these operations.
type Store struct {
	mu        sync.Mutex
	devices   map[string]*entities.Device
	publisher Publisher
	logger    *zap.Logger
}

// NewStore creates an empty store. The publisher may be nil when no
// observers exist (tests, tooling).
func NewStore(publisher Publisher, logger *zap.Logger) *Store {
	return &Store{
		devices:   make(map[string]*entities.Device),
		publisher: publisher,
		logger:    logger,
	}
}

// Upsert merges a partial update into the device record, creating it on
// first contact. The device always comes out online with lastSeen set
// to now. Emits device:online when the device is new or was offline,
// device:update otherwise. Returns a detached copy.
func (s *Store) Upsert(deviceID string, update entities.DeviceUpdate) *entities.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(deviceID, update, false)
}

// Register merges like Upsert but always announces device:online: a
// registration is a reachability claim even when the record was already
// online, as with a superseding reconnect.
func (s *Store) Register(deviceID string, update entities.DeviceUpdate) *entities.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(deviceID, update, true)
}

// UpsertIf merges like Upsert, but only while current() holds. The
// check runs under the store's lock, so no competing registration can
// slip between the check and the merge. Returns nil when rejected.
func (s *Store) UpsertIf(deviceID string, update entities.DeviceUpdate, current func() bool) *entities.Device {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current != nil && !current() {
		return nil
	}
	return s.upsertLocked(deviceID, update, false)
}

func (s *Store) upsertLocked(deviceID string, update entities.DeviceUpdate, announce bool) *entities.Device {
	now := time.Now()

	device, exists := s.devices[deviceID]
	if !exists {
		device = entities.NewDevice(deviceID, now)
		s.devices[deviceID] = device
	}

	cameOnline := !exists || device.Status == entities.DeviceStatusOffline

	device.Apply(update)
	device.Status = entities.DeviceStatusOnline
	device.LastSeen = now

	snapshot := cloneDevice(device)

	eventType := EventDeviceUpdate
	if announce || cameOnline {
		eventType = EventDeviceOnline
	}
	s.publish(Event{Type: eventType, DeviceID: deviceID, Device: snapshot})

	return snapshot
}

// MarkOffline transitions a device to offline, leaving its last known
// position and battery untouched. Unknown or already-offline devices
// are a safe no-op, so the offline event fires exactly once per
// transition.
func (s *Store) MarkOffline(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, ok := s.devices[deviceID]
	if !ok || device.Status == entities.DeviceStatusOffline {
		return
	}

	device.Status = entities.DeviceStatusOffline
	device.LastSeen = time.Now()

	s.publish(Event{Type: EventDeviceOffline, DeviceID: deviceID})
	s.logger.Info("device offline", zap.String("deviceID", deviceID))
}

// Get returns a detached copy of the device record.
func (s *Store) Get(deviceID string) (*entities.Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, ok := s.devices[deviceID]
	if !ok {
		return nil, false
	}
	return cloneDevice(device), true
}

// List returns copies of all device records, most recently seen first.
func (s *Store) List() []*entities.Device {
	s.mu.Lock()
	defer s.mu.Unlock()

	devices := make([]*entities.Device, 0, len(s.devices))
	for _, d := range s.devices {
		devices = append(devices, cloneDevice(d))
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].LastSeen.After(devices[j].LastSeen)
	})
	return devices
}

// Revoke deletes a device record. This is the only deletion path and is
// reserved for explicit management actions. Observers see a final
// device:offline if the device was still online.
func (s *Store) Revoke(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, ok := s.devices[deviceID]
	if !ok {
		return false
	}
	if device.Status == entities.DeviceStatusOnline {
		s.publish(Event{Type: EventDeviceOffline, DeviceID: deviceID})
	}
	delete(s.devices, deviceID)
	s.logger.Info("device revoked", zap.String("deviceID", deviceID))
	return true
}

func (s *Store) publish(event Event) {
	if s.publisher != nil {
		s.publisher.Publish(event)
	}
}

func cloneDevice(d *entities.Device) *entities.Device {
	c := *d
	if d.Metadata != nil {
		c.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
