// Package dispatch routes operator commands to live device sessions and
// tracks each command's lifecycle to completion or failure.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetcc/server/domain/entities"
	"github.com/fleetcc/server/domain/repositories"
	"github.com/fleetcc/server/internal/persist"
	"github.com/fleetcc/server/internal/protocol"
	"github.com/fleetcc/server/internal/registry"
)

// ErrNoRoute reports that no live session resolves for the target
// device at dispatch time. Delivery is at-most-once and fail-fast:
// there is no offline queuing or retry.
var ErrNoRoute = errors.New("no route to device")

// Notifier receives command lifecycle changes for observer fanout. May
// not block.
type Notifier interface {
	CommandUpdate(command *entities.Command)
}

// Dispatcher owns the command table. Dispatch is a single serialized
// path, which preserves per-device command ordering; no ordering is
// guaranteed across different target devices.
type Dispatcher struct {
	mu       sync.Mutex
	commands map[string]*entities.Command

	registry *registry.Registry
	repo     repositories.FleetRepository // may be nil
	queue    *persist.Queue
	notifier Notifier // may be nil
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher. repo and notifier may be nil.
func NewDispatcher(reg *registry.Registry, repo repositories.FleetRepository, queue *persist.Queue, notifier Notifier, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		commands: make(map[string]*entities.Command),
		registry: reg,
		repo:     repo,
		queue:    queue,
		notifier: notifier,
		logger:   logger,
	}
}

// Dispatch creates a command and pushes it to the device's live
// session. When no session resolves, the command is failed immediately
// and ErrNoRoute is returned alongside the failed record. The record is
// retained either way as append-only history.
func (d *Dispatcher) Dispatch(deviceID, commandType string, payload json.RawMessage) (*entities.Command, error) {
	now := time.Now()
	command := entities.NewCommand(uuid.New().String(), deviceID, commandType, payload, now)

	frame, err := protocol.Encode(protocol.MessageTypeCommand, protocol.CommandFrame{
		CommandID: command.ID,
		Type:      command.Type,
		Payload:   command.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding command frame: %w", err)
	}

	d.mu.Lock()
	session, ok := d.registry.Resolve(deviceID)
	if !ok {
		command.Fail("no route to device", now)
		d.commands[command.ID] = command
		snapshot := cloneCommand(command)
		d.mu.Unlock()

		d.saveCommand(snapshot)
		d.logger.Warn("command undeliverable",
			zap.String("commandID", command.ID),
			zap.String("deviceID", deviceID),
			zap.String("type", commandType))
		return snapshot, ErrNoRoute
	}

	if err := session.Push(frame); err != nil {
		command.Fail("delivery failed: "+err.Error(), now)
	} else {
		command.Advance(entities.CommandStatusSent, now)
	}
	d.commands[command.ID] = command
	snapshot := cloneCommand(command)
	d.mu.Unlock()

	d.saveCommand(snapshot)

	if snapshot.Status == entities.CommandStatusFailed {
		return snapshot, ErrNoRoute
	}

	d.logger.Info("command dispatched",
		zap.String("commandID", snapshot.ID),
		zap.String("deviceID", deviceID),
		zap.String("type", commandType))
	return snapshot, nil
}

// HandleAck applies a device-reported command:ack. The device status
// vocabulary (received/executing/completed/failed) maps onto the
// lifecycle; unknown command ids are logged and ignored, and terminal
// commands are an idempotent no-op.
func (d *Dispatcher) HandleAck(commandID, status string) {
	var next entities.CommandStatus
	switch status {
	case "completed":
		next = entities.CommandStatusCompleted
	case "failed":
		next = entities.CommandStatusFailed
	default:
		// "received", "executing", or anything else progressive.
		next = entities.CommandStatusAcknowledged
	}
	d.transition(commandID, next, status, nil)
}

// HandleComplete applies a device-reported command:complete, recording
// its result.
func (d *Dispatcher) HandleComplete(commandID string, result json.RawMessage) {
	d.transition(commandID, entities.CommandStatusCompleted, "", result)
}

// Get returns a copy of a command record.
func (d *Dispatcher) Get(commandID string) (*entities.Command, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	command, ok := d.commands[commandID]
	if !ok {
		return nil, false
	}
	return cloneCommand(command), true
}

// FailStale fails commands that have sat in the sent state longer than
// the timeout. Returns the failed commands for observer notification;
// called by the ack-timeout reaper.
func (d *Dispatcher) FailStale(timeout time.Duration) []*entities.Command {
	now := time.Now()

	d.mu.Lock()
	var stale []*entities.Command
	for _, command := range d.commands {
		if command.Status != entities.CommandStatusSent {
			continue
		}
		if command.SentAt == nil || now.Sub(*command.SentAt) < timeout {
			continue
		}
		if command.Fail("acknowledgement timeout", now) {
			stale = append(stale, cloneCommand(command))
		}
	}
	d.mu.Unlock()

	for _, command := range stale {
		d.saveUpdate(command)
		d.notify(command)
		d.logger.Warn("command timed out waiting for ack",
			zap.String("commandID", command.ID),
			zap.String("deviceID", command.DeviceID))
	}
	return stale
}

func (d *Dispatcher) transition(commandID string, next entities.CommandStatus, failReason string, result json.RawMessage) {
	now := time.Now()

	d.mu.Lock()
	command, ok := d.commands[commandID]
	if !ok {
		d.mu.Unlock()
		d.logger.Warn("lifecycle event for unknown command", zap.String("commandID", commandID))
		return
	}

	var applied bool
	if next == entities.CommandStatusFailed {
		applied = command.Fail(failReason, now)
	} else {
		applied = command.Advance(next, now)
	}
	if applied && result != nil {
		command.Result = result
	}
	snapshot := cloneCommand(command)
	d.mu.Unlock()

	if !applied {
		// Terminal or backward: idempotent no-op.
		return
	}

	d.saveUpdate(snapshot)
	d.notify(snapshot)
	d.logger.Info("command transition",
		zap.String("commandID", snapshot.ID),
		zap.String("status", string(snapshot.Status)))
}

func (d *Dispatcher) saveCommand(command *entities.Command) {
	if d.repo == nil {
		return
	}
	d.queue.Enqueue("save-command", func(ctx context.Context) error {
		return d.repo.SaveCommand(ctx, command)
	})
}

func (d *Dispatcher) saveUpdate(command *entities.Command) {
	if d.repo == nil {
		return
	}
	d.queue.Enqueue("update-command", func(ctx context.Context) error {
		return d.repo.UpdateCommand(ctx, command)
	})
}

func (d *Dispatcher) notify(command *entities.Command) {
	if d.notifier != nil {
		d.notifier.CommandUpdate(command)
	}
}

func cloneCommand(c *entities.Command) *entities.Command {
	clone := *c
	return &clone
}
