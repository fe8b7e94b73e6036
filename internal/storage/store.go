package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tambula/esp-listener/internal/models"
)

// Common errors
var (
	ErrNotFound    = errors.New("not found")
	ErrInvalidData = errors.New("invalid data")
)

// Store defines the storage interface
type Store interface {
	// Event log methods
	CreateEventLog(ctx context.Context, event *models.EventLog) error
	ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error)

	// OTA session history
	SaveOTASession(ctx context.Context, session *models.OTASession) error
	GetOTASession(ctx context.Context, id uuid.UUID) (*models.OTASession, error)
	ListOTASessions(ctx context.Context, deviceID *int, limit, offset int) ([]*models.OTASession, int64, error)

	// Schema
	Migrate(ctx context.Context) error

	// Close the store
	Close() error
}

// EventLogFilters represents filters for event logs
type EventLogFilters struct {
	Port      *string
	DeviceID  *int
	Type      *models.EventType
	Level     *models.EventLevel
	StartTime *time.Time
	EndTime   *time.Time
}
