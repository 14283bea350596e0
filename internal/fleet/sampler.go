package fleet

import (
	"sync"
	"time"
)

// DefaultSampleWindow bounds durable telemetry writes to one sample per
// device per window, regardless of the device's report rate.
const DefaultSampleWindow = 5 * time.Second

// Sampler rate-limits durable persistence of telemetry. The live device
// record is updated on every event regardless; only the durable write is
// gated. The window is a fixed configuration constant, not negotiated
// per device.
type Sampler struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
}

// NewSampler creates a sampler with the given window. A non-positive
// window falls back to the default.
func NewSampler(window time.Duration) *Sampler {
	if window <= 0 {
		window = DefaultSampleWindow
	}
	return &Sampler{
		window: window,
		last:   make(map[string]time.Time),
	}
}

// ShouldPersist reports whether a sample for the device may be persisted
// now, and if so records the persistence time. The first sample for a
// device always persists.
func (s *Sampler) ShouldPersist(deviceID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, ok := s.last[deviceID]
	if ok && now.Sub(last) < s.window {
		return false
	}
	s.last[deviceID] = now
	return true
}

// Forget drops the sampler state for a revoked device.
func (s *Sampler) Forget(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.last, deviceID)
}
