// Package websocket carries the duplex device and observer sessions.
// The hub owns the live client set and is the fanout side of the device
// store: every store mutation reaches every observer as exactly one
// tagged event.
package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/fleetcc/server/domain/entities"
	"github.com/fleetcc/server/domain/repositories"
	"github.com/fleetcc/server/internal/dispatch"
	"github.com/fleetcc/server/internal/fleet"
	"github.com/fleetcc/server/internal/persist"
	"github.com/fleetcc/server/internal/protocol"
	"github.com/fleetcc/server/internal/registry"
)

// Hub maintains the set of active clients and broadcasts state-change
// events to observer clients.
type Hub struct {
	// Registered clients, keyed by session id.
	clients map[string]*Client

	// Observer subset: clients that asked for fleet state.
	observers map[string]*Client

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Mutex for thread-safe access to the client maps.
	mu sync.RWMutex

	registry *registry.Registry
	sampler  *fleet.Sampler
	repo     repositories.FleetRepository // may be nil
	queue    *persist.Queue

	// Set via Bind before Run; breaks the hub↔store construction cycle.
	store      *fleet.Store
	dispatcher *dispatch.Dispatcher

	sendQueueSize int
	logger        *zap.Logger
}

// NewHub creates a new WebSocket hub. repo may be nil when the server
// runs without a durable store.
func NewHub(
	reg *registry.Registry,
	sampler *fleet.Sampler,
	repo repositories.FleetRepository,
	queue *persist.Queue,
	sendQueueSize int,
	logger *zap.Logger,
) *Hub {
	if sendQueueSize <= 0 {
		sendQueueSize = 256
	}
	return &Hub{
		clients:       make(map[string]*Client),
		observers:     make(map[string]*Client),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		registry:      reg,
		sampler:       sampler,
		repo:          repo,
		queue:         queue,
		sendQueueSize: sendQueueSize,
		logger:        logger,
	}
}

// Bind attaches the store and dispatcher. The hub is the store's
// publisher and the dispatcher's notifier, so both are constructed
// after the hub; Bind must be called before Run.
func (h *Hub) Bind(store *fleet.Store, dispatcher *dispatch.Dispatcher) {
	h.store = store
	h.dispatcher = dispatcher
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.sessionID] = client
			h.mu.Unlock()
			h.logger.Info("Client connected", zap.String("sessionID", client.sessionID))

		case client := <-h.unregister:
			// Release the device binding before closing the send queue
			// so the dispatcher stops resolving this session first.
			deviceID, wasLast := h.registry.Unbind(client)

			h.mu.Lock()
			if _, ok := h.clients[client.sessionID]; ok {
				delete(h.clients, client.sessionID)
				delete(h.observers, client.sessionID)
				client.closeSend()
			}
			h.mu.Unlock()
			h.logger.Info("Client disconnected", zap.String("sessionID", client.sessionID))

			if wasLast {
				h.store.MarkOffline(deviceID)
				h.sampler.Forget(deviceID)
				if device, ok := h.store.Get(deviceID); ok {
					h.mirrorDevice(device)
				}
			}
		}
	}
}

// Publish implements fleet.Publisher. It is called while the store's
// lock is held, so it only does non-blocking queue pushes.
func (h *Hub) Publish(event fleet.Event) {
	var frame []byte
	switch event.Type {
	case fleet.EventDeviceOffline:
		frame = protocol.MustEncode(protocol.MessageTypeDeviceOffline,
			protocol.DeviceOfflineFrame{DeviceID: event.DeviceID})
	case fleet.EventDeviceOnline:
		frame = protocol.MustEncode(protocol.MessageTypeDeviceOnline, event.Device)
	default:
		frame = protocol.MustEncode(protocol.MessageTypeDeviceUpdate, event.Device)
	}
	h.fanout(frame)
}

// CommandUpdate implements dispatch.Notifier: observers follow every
// command lifecycle transition.
func (h *Hub) CommandUpdate(command *entities.Command) {
	frame := protocol.MustEncode(protocol.MessageTypeCommandStatus, protocol.CommandStatusFrame{
		CommandID: command.ID,
		DeviceID:  command.DeviceID,
		Status:    string(command.Status),
		Result:    command.Result,
	})
	h.fanout(frame)
}

// fanout pushes a frame to every observer. A full observer queue skips
// that observer; it never stalls the caller or the other observers.
func (h *Hub) fanout(frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, observer := range h.observers {
		if err := observer.Push(frame); err != nil {
			h.logger.Warn("Dropping event for slow observer",
				zap.String("sessionID", observer.sessionID))
		}
	}
}

// promoteObserver adds a client to the fanout set. Idempotent.
func (h *Hub) promoteObserver(client *Client) {
	h.mu.Lock()
	h.observers[client.sessionID] = client
	h.mu.Unlock()
}

// mirrorDevice mirrors a device record to the durable store,
// fire-and-forget.
func (h *Hub) mirrorDevice(device *entities.Device) {
	if h.repo == nil {
		return
	}
	h.queue.Enqueue("upsert-device", func(ctx context.Context) error {
		return h.repo.UpsertDevice(ctx, device)
	})
}

// persistSample appends a telemetry sample to the durable store,
// fire-and-forget.
func (h *Hub) persistSample(sample *entities.TelemetrySample) {
	if h.repo == nil {
		return
	}
	h.queue.Enqueue("insert-telemetry", func(ctx context.Context) error {
		return h.repo.InsertTelemetrySample(ctx, sample)
	})
}
