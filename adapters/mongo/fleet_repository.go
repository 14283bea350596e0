package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fleetcc/server/domain/entities"
	"github.com/fleetcc/server/domain/repositories"
)

type FleetRepository struct {
	devices   *mongo.Collection
	telemetry *mongo.Collection
	commands  *mongo.Collection
}

var _ repositories.FleetRepository = (*FleetRepository)(nil)

// NewFleetRepository creates a new MongoDB fleet repository
func NewFleetRepository(db *mongo.Database) *FleetRepository {
	return &FleetRepository{
		devices:   db.Collection("devices"),
		telemetry: db.Collection("telemetry"),
		commands:  db.Collection("commands"),
	}
}

// EnsureIndexes creates the indexes the history queries depend on.
// Called once at startup; safe to call on every boot.
func (r *FleetRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.telemetry.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "device_id", Value: 1},
			{Key: "timestamp", Value: 1},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create telemetry index: %w", err)
	}

	_, err = r.commands.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "device_id", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create commands index: %w", err)
	}
	return nil
}

// UpsertDevice implements repositories.FleetRepository
func (r *FleetRepository) UpsertDevice(ctx context.Context, device *entities.Device) error {
	if device == nil {
		return errors.New("device cannot be nil")
	}

	opts := options.Replace().SetUpsert(true)
	_, err := r.devices.ReplaceOne(ctx, bson.M{"_id": device.ID}, device, opts)
	if err != nil {
		return fmt.Errorf("failed to upsert device %s: %w", device.ID, err)
	}
	return nil
}

// DeleteDevice implements repositories.FleetRepository
func (r *FleetRepository) DeleteDevice(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return errors.New("device ID cannot be empty")
	}

	if _, err := r.devices.DeleteOne(ctx, bson.M{"_id": deviceID}); err != nil {
		return fmt.Errorf("failed to delete device %s: %w", deviceID, err)
	}
	return nil
}

// InsertTelemetrySample implements repositories.FleetRepository
func (r *FleetRepository) InsertTelemetrySample(ctx context.Context, sample *entities.TelemetrySample) error {
	if sample == nil {
		return errors.New("sample cannot be nil")
	}

	if _, err := r.telemetry.InsertOne(ctx, sample); err != nil {
		return fmt.Errorf("failed to insert telemetry sample: %w", err)
	}
	return nil
}

// TelemetryHistory implements repositories.FleetRepository
func (r *FleetRepository) TelemetryHistory(ctx context.Context, deviceID string, since time.Time) ([]*entities.TelemetrySample, error) {
	if deviceID == "" {
		return nil, errors.New("device ID cannot be empty")
	}

	filter := bson.M{
		"device_id": deviceID,
		"timestamp": bson.M{"$gte": since},
	}
	opts := options.Find().SetSort(bson.M{"timestamp": 1})

	cursor, err := r.telemetry.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query telemetry for device %s: %w", deviceID, err)
	}
	defer cursor.Close(ctx)

	var samples []*entities.TelemetrySample
	if err := cursor.All(ctx, &samples); err != nil {
		return nil, fmt.Errorf("failed to decode telemetry for device %s: %w", deviceID, err)
	}
	return samples, nil
}

// SaveCommand implements repositories.FleetRepository
func (r *FleetRepository) SaveCommand(ctx context.Context, command *entities.Command) error {
	if command == nil {
		return errors.New("command cannot be nil")
	}

	if _, err := r.commands.InsertOne(ctx, command); err != nil {
		return fmt.Errorf("failed to save command %s: %w", command.ID, err)
	}
	return nil
}

// UpdateCommand implements repositories.FleetRepository
func (r *FleetRepository) UpdateCommand(ctx context.Context, command *entities.Command) error {
	if command == nil {
		return errors.New("command cannot be nil")
	}
	if command.ID == "" {
		return errors.New("command ID cannot be empty")
	}

	result, err := r.commands.ReplaceOne(ctx, bson.M{"_id": command.ID}, command)
	if err != nil {
		return fmt.Errorf("failed to update command %s: %w", command.ID, err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("command with ID %s not found", command.ID)
	}
	return nil
}
