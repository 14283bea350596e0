package fleet

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fleetcc/server/domain/entities"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) all() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

func f64(v float64) *float64 { return &v }
func str(s string) *string   { return &s }

func TestUpsertCreatesAndMerges(t *testing.T) {
	pub := &recordingPublisher{}
	store := NewStore(pub, zap.NewNop())

	created := store.Upsert("r1", entities.DeviceUpdate{
		Name:      str("Alpha"),
		Type:      str("robot"),
		Latitude:  f64(34.05),
		Longitude: f64(-118.24),
	})
	if created.Status != entities.DeviceStatusOnline {
		t.Errorf("new device status: %s", created.Status)
	}

	store.Upsert("r1", entities.DeviceUpdate{Latitude: f64(34.06)})

	device, ok := store.Get("r1")
	if !ok {
		t.Fatal("device missing after upsert")
	}
	if device.Position.Latitude != 34.06 {
		t.Errorf("latitude: got %f, want 34.06", device.Position.Latitude)
	}
	if device.Position.Longitude != -118.24 {
		t.Errorf("longitude regressed: %f", device.Position.Longitude)
	}
	if device.Name != "Alpha" {
		t.Errorf("name regressed: %q", device.Name)
	}

	events := pub.all()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != EventDeviceOnline {
		t.Errorf("first event: %s, want device:online", events[0].Type)
	}
	if events[1].Type != EventDeviceUpdate {
		t.Errorf("second event: %s, want device:update", events[1].Type)
	}
}

func TestRegisterAlwaysAnnouncesOnline(t *testing.T) {
	pub := &recordingPublisher{}
	store := NewStore(pub, zap.NewNop())

	store.Register("r1", entities.DeviceUpdate{Latitude: f64(1)})
	// A superseding reconnect registers while the record is still
	// online; observers must see device:online again, not an update.
	store.Register("r1", entities.DeviceUpdate{Latitude: f64(2)})

	events := pub.all()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	for i, e := range events {
		if e.Type != EventDeviceOnline {
			t.Errorf("event %d: %s, want device:online", i, e.Type)
		}
	}
}

func TestUpsertIfRejectsStaleWriter(t *testing.T) {
	pub := &recordingPublisher{}
	store := NewStore(pub, zap.NewNop())

	store.Register("r1", entities.DeviceUpdate{Latitude: f64(1)})

	if got := store.UpsertIf("r1", entities.DeviceUpdate{Latitude: f64(99)}, func() bool { return false }); got != nil {
		t.Error("rejected merge still returned a device")
	}
	device, _ := store.Get("r1")
	if device.Position.Latitude != 1 {
		t.Errorf("rejected merge mutated the record: %f", device.Position.Latitude)
	}
	if len(pub.all()) != 1 {
		t.Error("rejected merge emitted an event")
	}

	if got := store.UpsertIf("r1", entities.DeviceUpdate{Latitude: f64(2)}, func() bool { return true }); got == nil {
		t.Fatal("current writer's merge was rejected")
	}
	device, _ = store.Get("r1")
	if device.Position.Latitude != 2 {
		t.Errorf("accepted merge not applied: %f", device.Position.Latitude)
	}
}

func TestMarkOfflineEmitsExactlyOnce(t *testing.T) {
	pub := &recordingPublisher{}
	store := NewStore(pub, zap.NewNop())

	store.Upsert("r1", entities.DeviceUpdate{Latitude: f64(1), Battery: f64(60)})
	store.MarkOffline("r1")
	store.MarkOffline("r1")
	store.MarkOffline("ghost")

	var offline int
	for _, e := range pub.all() {
		if e.Type == EventDeviceOffline {
			offline++
		}
	}
	if offline != 1 {
		t.Errorf("device:offline emitted %d times, want 1", offline)
	}

	device, _ := store.Get("r1")
	if device.Status != entities.DeviceStatusOffline {
		t.Errorf("status: %s, want offline", device.Status)
	}
	if device.Position.Latitude != 1 || device.Battery != 60 {
		t.Error("offline transition clobbered position or battery")
	}
}

func TestReconnectAfterOfflineIsOnlineEvent(t *testing.T) {
	pub := &recordingPublisher{}
	store := NewStore(pub, zap.NewNop())

	store.Upsert("r1", entities.DeviceUpdate{})
	store.MarkOffline("r1")
	store.Upsert("r1", entities.DeviceUpdate{})

	events := pub.all()
	last := events[len(events)-1]
	if last.Type != EventDeviceOnline {
		t.Errorf("reconnect event: %s, want device:online", last.Type)
	}
}

func TestListOrdersByMostRecentlySeen(t *testing.T) {
	store := NewStore(nil, zap.NewNop())

	store.Upsert("old", entities.DeviceUpdate{})
	time.Sleep(2 * time.Millisecond)
	store.Upsert("new", entities.DeviceUpdate{})

	devices := store.List()
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(devices))
	}
	if devices[0].ID != "new" || devices[1].ID != "old" {
		t.Errorf("list order: %s, %s", devices[0].ID, devices[1].ID)
	}
}

func TestRevokeDeletesRecord(t *testing.T) {
	pub := &recordingPublisher{}
	store := NewStore(pub, zap.NewNop())

	store.Upsert("r1", entities.DeviceUpdate{})
	if !store.Revoke("r1") {
		t.Fatal("revoke of known device returned false")
	}
	if _, ok := store.Get("r1"); ok {
		t.Error("device still present after revoke")
	}
	if store.Revoke("r1") {
		t.Error("revoke of unknown device returned true")
	}

	events := pub.all()
	if events[len(events)-1].Type != EventDeviceOffline {
		t.Error("revoking an online device did not broadcast offline")
	}
}

func TestGetReturnsDetachedCopy(t *testing.T) {
	store := NewStore(nil, zap.NewNop())
	store.Upsert("r1", entities.DeviceUpdate{Metadata: map[string]string{"k": "v"}})

	device, _ := store.Get("r1")
	device.Metadata["k"] = "mutated"
	device.Position.Latitude = 99

	fresh, _ := store.Get("r1")
	if fresh.Metadata["k"] != "v" || fresh.Position.Latitude != 0 {
		t.Error("caller mutation leaked into the store")
	}
}

func TestConcurrentUpsertsStayConsistent(t *testing.T) {
	store := NewStore(&recordingPublisher{}, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(lat float64) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				store.Upsert("r1", entities.DeviceUpdate{Latitude: f64(lat)})
			}
		}(float64(i))
	}
	wg.Wait()

	device, ok := store.Get("r1")
	if !ok {
		t.Fatal("device missing")
	}
	if device.Position.Latitude < 0 || device.Position.Latitude > 7 {
		t.Errorf("latitude outside any written value: %f", device.Position.Latitude)
	}
}
