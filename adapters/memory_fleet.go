package adapters

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/fleetcc/server/domain/entities"
)

// maxSamplesPerDevice bounds how much telemetry history the in-memory
// store keeps for a single device; the oldest samples fall off first.
const maxSamplesPerDevice = 4096

// MemoryFleetRepository is a production-ready in-memory implementation
// of FleetRepository. It is suitable as a simple storage backend for
// single-node deployments that do not need history to survive restarts.
type MemoryFleetRepository struct {
	mu       sync.RWMutex
	devices  map[string]*entities.Device
	samples  map[string][]*entities.TelemetrySample // device_id -> samples, oldest first
	commands map[string]*entities.Command
}

// NewMemoryFleetRepository creates a new in-memory fleet repository.
func NewMemoryFleetRepository() *MemoryFleetRepository {
	return &MemoryFleetRepository{
		devices:  make(map[string]*entities.Device),
		samples:  make(map[string][]*entities.TelemetrySample),
		commands: make(map[string]*entities.Command),
	}
}

// UpsertDevice implements FleetRepository.
func (m *MemoryFleetRepository) UpsertDevice(ctx context.Context, device *entities.Device) error {
	if device == nil {
		return errors.New("device cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Store a copy to prevent external modifications.
	deviceCopy := *device
	if device.Metadata != nil {
		deviceCopy.Metadata = make(map[string]string, len(device.Metadata))
		for k, v := range device.Metadata {
			deviceCopy.Metadata[k] = v
		}
	}
	m.devices[device.ID] = &deviceCopy
	return nil
}

// DeleteDevice implements FleetRepository. Deleting an unknown device
// is not an error; revocation must be idempotent.
func (m *MemoryFleetRepository) DeleteDevice(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return errors.New("device ID cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.devices, deviceID)
	delete(m.samples, deviceID)
	return nil
}

// InsertTelemetrySample implements FleetRepository.
func (m *MemoryFleetRepository) InsertTelemetrySample(ctx context.Context, sample *entities.TelemetrySample) error {
	if sample == nil {
		return errors.New("sample cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sampleCopy := *sample
	history := append(m.samples[sample.DeviceID], &sampleCopy)
	if len(history) > maxSamplesPerDevice {
		history = history[len(history)-maxSamplesPerDevice:]
	}
	m.samples[sample.DeviceID] = history
	return nil
}

// TelemetryHistory implements FleetRepository.
func (m *MemoryFleetRepository) TelemetryHistory(ctx context.Context, deviceID string, since time.Time) ([]*entities.TelemetrySample, error) {
	if deviceID == "" {
		return nil, errors.New("device ID cannot be empty")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.samples[deviceID]
	// Samples arrive in timestamp order, so the cutoff is a binary search.
	start := sort.Search(len(history), func(i int) bool {
		return !history[i].Timestamp.Before(since)
	})

	result := make([]*entities.TelemetrySample, 0, len(history)-start)
	for _, sample := range history[start:] {
		sampleCopy := *sample
		result = append(result, &sampleCopy)
	}
	return result, nil
}

// SaveCommand implements FleetRepository.
func (m *MemoryFleetRepository) SaveCommand(ctx context.Context, command *entities.Command) error {
	if command == nil {
		return errors.New("command cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	commandCopy := *command
	m.commands[command.ID] = &commandCopy
	return nil
}

// UpdateCommand implements FleetRepository. Commands are written whole
// on every transition, so update and save are the same operation here.
func (m *MemoryFleetRepository) UpdateCommand(ctx context.Context, command *entities.Command) error {
	return m.SaveCommand(ctx, command)
}

// GetDevice returns a stored device record, for tests and diagnostics.
func (m *MemoryFleetRepository) GetDevice(ctx context.Context, deviceID string) (*entities.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	device, exists := m.devices[deviceID]
	if !exists {
		return nil, errors.New("device not found")
	}
	deviceCopy := *device
	return &deviceCopy, nil
}

// GetCommand returns a stored command record, for tests and diagnostics.
func (m *MemoryFleetRepository) GetCommand(ctx context.Context, commandID string) (*entities.Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	command, exists := m.commands[commandID]
	if !exists {
		return nil, errors.New("command not found")
	}
	commandCopy := *command
	return &commandCopy, nil
}
