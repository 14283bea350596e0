package fleet

import (
	"testing"
	"time"
)

func TestSamplerBoundsPersistenceRate(t *testing.T) {
	s := NewSampler(5 * time.Second)
	base := time.Now()

	if !s.ShouldPersist("r1", base) {
		t.Error("first sample must persist")
	}
	if s.ShouldPersist("r1", base.Add(time.Second)) {
		t.Error("sample inside the window persisted")
	}
	if s.ShouldPersist("r1", base.Add(4*time.Second)) {
		t.Error("second sample inside the window persisted")
	}
	if !s.ShouldPersist("r1", base.Add(5*time.Second)) {
		t.Error("sample at the window boundary rejected")
	}
}

func TestSamplerTracksDevicesIndependently(t *testing.T) {
	s := NewSampler(5 * time.Second)
	now := time.Now()

	if !s.ShouldPersist("r1", now) {
		t.Error("r1 first sample rejected")
	}
	if !s.ShouldPersist("r2", now) {
		t.Error("r2 gated by r1's window")
	}
}

func TestSamplerForget(t *testing.T) {
	s := NewSampler(time.Minute)
	now := time.Now()

	s.ShouldPersist("r1", now)
	s.Forget("r1")
	if !s.ShouldPersist("r1", now.Add(time.Second)) {
		t.Error("window survived Forget")
	}
}

func TestSamplerDefaultWindow(t *testing.T) {
	s := NewSampler(0)
	if s.window != DefaultSampleWindow {
		t.Errorf("window: got %v, want default", s.window)
	}
}
