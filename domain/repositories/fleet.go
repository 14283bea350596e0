package repositories

import (
	"context"
	"time"

	"github.com/fleetcc/server/domain/entities"
)

// FleetRepository is the durable store behind the in-memory core. Every
// call is best-effort from the core's perspective: failures are logged
// by the caller and never propagated into the live-state path, and the
// whole subsystem stays correct with this store entirely absent.
type FleetRepository interface {
	// UpsertDevice mirrors the current device record.
	UpsertDevice(ctx context.Context, device *entities.Device) error

	// DeleteDevice removes a revoked device's row.
	DeleteDevice(ctx context.Context, deviceID string) error

	// InsertTelemetrySample appends one sampled telemetry snapshot.
	InsertTelemetrySample(ctx context.Context, sample *entities.TelemetrySample) error

	// TelemetryHistory returns samples for a device since the given
	// time, ordered oldest first.
	TelemetryHistory(ctx context.Context, deviceID string, since time.Time) ([]*entities.TelemetrySample, error)

	// SaveCommand inserts a new command record.
	SaveCommand(ctx context.Context, command *entities.Command) error

	// UpdateCommand rewrites a command record after a lifecycle
	// transition.
	UpdateCommand(ctx context.Context, command *entities.Command) error
}
