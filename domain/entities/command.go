package entities

import (
	"encoding/json"
	"time"
)

// CommandStatus is the lifecycle state of a dispatched command.
type CommandStatus string

const (
	CommandStatusPending      CommandStatus = "pending"
	CommandStatusSent         CommandStatus = "sent"
	CommandStatusAcknowledged CommandStatus = "acknowledged"
	CommandStatusCompleted    CommandStatus = "completed"
	CommandStatusFailed       CommandStatus = "failed"
)

// statusRank orders the forward path pending→sent→acknowledged→completed.
// failed is terminal and reachable from any non-terminal state.
var statusRank = map[CommandStatus]int{
	CommandStatusPending:      0,
	CommandStatusSent:         1,
	CommandStatusAcknowledged: 2,
	CommandStatusCompleted:    3,
}

// Terminal reports whether no further transitions are allowed.
func (s CommandStatus) Terminal() bool {
	return s == CommandStatusCompleted || s == CommandStatusFailed
}

// CommandKind is the closed set of command types the fleet understands.
// Unrecognized wire strings map to CommandKindUnknown so that newer
// devices can receive commands this server predates.
type CommandKind string

const (
	CommandKindNavigate CommandKind = "navigate"
	CommandKindStop     CommandKind = "stop"
	CommandKindRing     CommandKind = "ring"
	CommandKindPhoto    CommandKind = "photo"
	CommandKindUnknown  CommandKind = "unknown"
)

// KindOf classifies a raw command type string.
func KindOf(commandType string) CommandKind {
	switch CommandKind(commandType) {
	case CommandKindNavigate, CommandKindStop, CommandKindRing, CommandKindPhoto:
		return CommandKind(commandType)
	default:
		return CommandKindUnknown
	}
}

// Command is one operator command routed to a device. Records are
// append-only history: they are mutated only by lifecycle transitions
// and never deleted.
type Command struct {
	ID             string          `json:"id" bson:"_id"`
	DeviceID       string          `json:"device_id" bson:"device_id"`
	Type           string          `json:"type" bson:"type"`
	Kind           CommandKind     `json:"kind" bson:"kind"`
	Payload        json.RawMessage `json:"payload,omitempty" bson:"payload,omitempty"`
	Status         CommandStatus   `json:"status" bson:"status"`
	FailReason     string          `json:"fail_reason,omitempty" bson:"fail_reason,omitempty"`
	Result         json.RawMessage `json:"result,omitempty" bson:"result,omitempty"`
	CreatedAt      time.Time       `json:"created_at" bson:"created_at"`
	SentAt         *time.Time      `json:"sent_at,omitempty" bson:"sent_at,omitempty"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty" bson:"acknowledged_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
}

// NewCommand creates a command in the pending state.
func NewCommand(id, deviceID, commandType string, payload json.RawMessage, now time.Time) *Command {
	return &Command{
		ID:        id,
		DeviceID:  deviceID,
		Type:      commandType,
		Kind:      KindOf(commandType),
		Payload:   payload,
		Status:    CommandStatusPending,
		CreatedAt: now,
	}
}

// Advance applies a forward lifecycle transition. It returns false,
// leaving the command untouched, for backward transitions and for any
// transition out of a terminal state.
func (c *Command) Advance(next CommandStatus, at time.Time) bool {
	if c.Status.Terminal() {
		return false
	}
	if next == CommandStatusFailed {
		c.Status = CommandStatusFailed
		c.CompletedAt = &at
		return true
	}
	nextRank, ok := statusRank[next]
	if !ok || nextRank <= statusRank[c.Status] {
		return false
	}
	c.Status = next
	switch next {
	case CommandStatusSent:
		c.SentAt = &at
	case CommandStatusAcknowledged:
		c.AcknowledgedAt = &at
	case CommandStatusCompleted:
		c.CompletedAt = &at
	}
	return true
}

// Fail marks the command failed with a reason. No-op when terminal.
func (c *Command) Fail(reason string, at time.Time) bool {
	if !c.Advance(CommandStatusFailed, at) {
		return false
	}
	c.FailReason = reason
	return true
}
