package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fleetcc/server/domain/entities"
	"github.com/fleetcc/server/internal/dispatch"
	"github.com/fleetcc/server/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Client is a middleman between the websocket connection and the hub.
// A connection's role is decided by its first meaningful frame:
// register makes it a device session, getDevices or sendCommand makes
// it an observer.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound frames.
	send chan []byte

	// Session ID, unique per connection instance.
	sessionID string

	// Device ID claimed by a presented JWT; empty for anonymous
	// connections.
	authDeviceID string

	// Device ID after a successful register frame. Only touched by the
	// read goroutine.
	deviceID string

	// Guards closed/send shutdown against concurrent Push calls.
	sendMu sync.RWMutex
	closed bool

	logger *zap.Logger
}

// SessionID implements registry.Session.
func (c *Client) SessionID() string { return c.sessionID }

// Push implements registry.Session. It never blocks: a full or closed
// send queue is an error and the frame is dropped.
func (c *Client) Push(payload []byte) error {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()

	if c.closed {
		return errors.New("session closed")
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return errors.New("send queue full")
	}
}

// closeSend shuts the outbound queue. Called by the hub exactly once,
// after the registry binding is gone.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ServeWS handles a websocket upgrade for an authenticated or anonymous
// peer. authDeviceID carries the device id from a validated JWT, or ""
// when none was presented.
func ServeWS(hub *Hub, c echo.Context, authDeviceID string, logger *zap.Logger) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	client := &Client{
		hub:          hub,
		conn:         conn,
		send:         make(chan []byte, hub.sendQueueSize),
		sessionID:    uuid.New().String(),
		authDeviceID: authDeviceID,
		logger:       logger,
	}

	client.hub.register <- client

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()

	return nil
}

// readPump pumps messages from the websocket connection to the hub.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			break
		}

		if messageType != websocket.TextMessage {
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
			continue
		}
		c.processMessage(message)
	}
}

// writePump pumps frames from the send queue to the websocket
// connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// processMessage dispatches one inbound envelope. A malformed or
// rejected message is answered with an error frame; the connection
// always stays open.
func (c *Client) processMessage(message []byte) {
	envelope, err := protocol.DecodeEnvelope(message)
	if err != nil {
		c.logger.Warn("Failed to parse envelope", zap.Error(err))
		c.sendError("bad_envelope", err.Error())
		return
	}

	switch envelope.Type {
	case protocol.MessageTypeRegister:
		c.handleRegister(envelope.Data)
	case protocol.MessageTypeTelemetry:
		c.handleTelemetry(envelope.Data)
	case protocol.MessageTypeCommandAck:
		c.handleCommandAck(envelope.Data)
	case protocol.MessageTypeCommandComplete:
		c.handleCommandComplete(envelope.Data)
	case protocol.MessageTypeGetDevices:
		c.handleGetDevices()
	case protocol.MessageTypeSendCommand:
		c.handleSendCommand(envelope.Data)
	case protocol.MessageTypeGetHistory:
		c.handleGetHistory(envelope.Data)
	default:
		c.logger.Warn("Unknown message type", zap.String("type", string(envelope.Type)))
		c.sendError("unknown_type", "unsupported message type: "+string(envelope.Type))
	}
}

// handleRegister binds this session as the device's live route and
// upserts the device record.
func (c *Client) handleRegister(data json.RawMessage) {
	msg, err := protocol.DecodeRegister(data)
	if err != nil {
		c.sendError("invalid_register", err.Error())
		return
	}

	// A token-bearing session may only register as the device the token
	// was issued for.
	if c.authDeviceID != "" && msg.DeviceID != c.authDeviceID {
		c.logger.Warn("Register rejected: device id does not match token",
			zap.String("claimed", msg.DeviceID),
			zap.String("token", c.authDeviceID))
		c.sendError("forbidden", "device id does not match token")
		return
	}

	if superseded := c.hub.registry.Bind(c, msg.DeviceID); superseded != nil {
		c.logger.Info("Superseded older session for device",
			zap.String("deviceID", msg.DeviceID),
			zap.String("oldSessionID", superseded.SessionID()))
	}
	c.deviceID = msg.DeviceID

	update := entities.DeviceUpdate{
		Latitude:  msg.Latitude,
		Longitude: msg.Longitude,
		Altitude:  msg.Altitude,
		Metadata:  msg.Metadata,
	}
	if msg.Name != "" {
		update.Name = &msg.Name
	}
	if msg.DeviceType != "" {
		update.Type = &msg.DeviceType
	}

	device := c.hub.store.Register(msg.DeviceID, update)
	c.hub.mirrorDevice(device)

	frame, err := protocol.Encode(protocol.MessageTypeRegistered, device)
	if err != nil {
		c.logger.Error("Failed to encode registered frame", zap.Error(err))
		return
	}
	if err := c.Push(frame); err != nil {
		c.logger.Warn("Failed to confirm registration", zap.Error(err))
	}

	c.logger.Info("Device registered",
		zap.String("deviceID", msg.DeviceID),
		zap.String("sessionID", c.sessionID))
}

// handleTelemetry merges a self-report into the live record and, at a
// bounded rate, persists a durable sample.
func (c *Client) handleTelemetry(data json.RawMessage) {
	if c.deviceID == "" {
		c.sendError("not_registered", "register before sending telemetry")
		return
	}

	msg, err := protocol.DecodeTelemetry(data)
	if err != nil {
		c.sendError("invalid_telemetry", err.Error())
		return
	}

	// A superseded session's telemetry no longer speaks for the device.
	// The currency check runs inside the store's serialized merge, so a
	// registration on another session cannot interleave with it.
	device := c.hub.store.UpsertIf(c.deviceID, entities.DeviceUpdate{
		Latitude:  msg.Latitude,
		Longitude: msg.Longitude,
		Altitude:  msg.Altitude,
		Heading:   msg.Heading,
		Speed:     msg.Speed,
		Battery:   msg.Battery,
	}, func() bool {
		return c.hub.registry.IsCurrent(c, c.deviceID)
	})
	if device == nil {
		c.logger.Debug("Dropping telemetry from superseded session",
			zap.String("deviceID", c.deviceID),
			zap.String("sessionID", c.sessionID))
		return
	}
	c.hub.mirrorDevice(device)

	if c.hub.sampler.ShouldPersist(c.deviceID, time.Now()) {
		c.hub.persistSample(&entities.TelemetrySample{
			DeviceID:  c.deviceID,
			Position:  device.Position,
			Battery:   device.Battery,
			Sensors:   msg.Sensors,
			Timestamp: device.LastSeen,
		})
	}
}

func (c *Client) handleCommandAck(data json.RawMessage) {
	msg, err := protocol.DecodeCommandAck(data)
	if err != nil {
		c.sendError("invalid_ack", err.Error())
		return
	}
	c.hub.dispatcher.HandleAck(msg.CommandID, msg.Status)
}

func (c *Client) handleCommandComplete(data json.RawMessage) {
	msg, err := protocol.DecodeCommandComplete(data)
	if err != nil {
		c.sendError("invalid_complete", err.Error())
		return
	}
	c.hub.dispatcher.HandleComplete(msg.CommandID, msg.Result)
}

// handleGetDevices promotes this session to an observer and replies
// with the current fleet state.
func (c *Client) handleGetDevices() {
	c.hub.promoteObserver(c)

	frame, err := protocol.Encode(protocol.MessageTypeDevicesList, struct {
		Devices []*entities.Device `json:"devices"`
	}{Devices: c.hub.store.List()})
	if err != nil {
		c.logger.Error("Failed to encode device list", zap.Error(err))
		return
	}
	if err := c.Push(frame); err != nil {
		c.logger.Warn("Failed to send device list", zap.Error(err))
	}
}

// handleSendCommand dispatches an operator command and reports the
// immediate outcome back to the requester.
func (c *Client) handleSendCommand(data json.RawMessage) {
	msg, err := protocol.DecodeSendCommand(data)
	if err != nil {
		c.sendError("invalid_command", err.Error())
		return
	}

	c.hub.promoteObserver(c)

	command, err := c.hub.dispatcher.Dispatch(msg.DeviceID, msg.CommandType, msg.Payload)
	if errors.Is(err, dispatch.ErrNoRoute) {
		frame := protocol.MustEncode(protocol.MessageTypeCommandStatus, protocol.CommandStatusFrame{
			CommandID: command.ID,
			DeviceID:  command.DeviceID,
			Status:    string(command.Status),
		})
		if pushErr := c.Push(frame); pushErr != nil {
			c.logger.Warn("Failed to report undeliverable command", zap.Error(pushErr))
		}
		return
	}
	if err != nil {
		c.sendError("dispatch_failed", err.Error())
		return
	}

	frame, err := protocol.Encode(protocol.MessageTypeCommandSent, command)
	if err != nil {
		c.logger.Error("Failed to encode command:sent", zap.Error(err))
		return
	}
	if err := c.Push(frame); err != nil {
		c.logger.Warn("Failed to confirm dispatch", zap.Error(err))
	}
}

// handleGetHistory serves recent telemetry samples from the durable
// store.
func (c *Client) handleGetHistory(data json.RawMessage) {
	msg, err := protocol.DecodeGetHistory(data)
	if err != nil {
		c.sendError("invalid_history", err.Error())
		return
	}
	if c.hub.repo == nil {
		c.sendError("history_unavailable", "no durable store configured")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	since := time.Now().Add(-time.Duration(msg.Hours) * time.Hour)
	samples, err := c.hub.repo.TelemetryHistory(ctx, msg.DeviceID, since)
	if err != nil {
		c.logger.Error("Failed to query telemetry history",
			zap.String("deviceID", msg.DeviceID),
			zap.Error(err))
		c.sendError("history_failed", "failed to query telemetry history")
		return
	}

	frame, err := protocol.Encode(protocol.MessageTypeDeviceHistory, struct {
		DeviceID string                      `json:"deviceId"`
		Samples  []*entities.TelemetrySample `json:"samples"`
	}{DeviceID: msg.DeviceID, Samples: samples})
	if err != nil {
		c.logger.Error("Failed to encode history", zap.Error(err))
		return
	}
	if err := c.Push(frame); err != nil {
		c.logger.Warn("Failed to send history", zap.Error(err))
	}
}

func (c *Client) sendError(code, message string) {
	frame := protocol.MustEncode(protocol.MessageTypeError, protocol.ErrorFrame{
		Code:    code,
		Message: message,
	})
	if err := c.Push(frame); err != nil {
		c.logger.Warn("Failed to send error frame", zap.Error(err))
	}
}
