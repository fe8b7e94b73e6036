package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tambula/esp-listener/internal/config"
	"github.com/tambula/esp-listener/internal/models"
)

func TestEventLogWhere(t *testing.T) {
	where, args := eventLogWhere(EventLogFilters{})
	assert.Empty(t, where)
	assert.Empty(t, args)

	device := 7
	typ := models.EventTypeOTAStatus
	start := time.Unix(1700000000, 0)
	where, args = eventLogWhere(EventLogFilters{DeviceID: &device, Type: &typ, StartTime: &start})

	assert.Equal(t, " WHERE device_id = $1 AND type = $2 AND created_at >= $3", where)
	assert.Equal(t, []interface{}{7, typ, start}, args)
}

// TestPostgresRoundTrip runs against a real database when TEST_DATABASE_URL is set
func TestPostgresRoundTrip(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	store, err := NewPostgresStore(config.DatabaseConfig{DSN: dsn})
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx))

	now := time.Now().UTC().Truncate(time.Millisecond)
	session := &models.OTASession{
		ID:             uuid.New(),
		DeviceID:       7,
		Port:           "/dev/ttyACM56",
		FirmwareSource: "https://example.com/fw.bin",
		Status:         models.OTAStatusStarting,
		StartedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, store.SaveOTASession(ctx, session))

	session.Status = models.OTAStatusFailed
	session.ErrorMessage = "flash write failed"
	require.NoError(t, store.SaveOTASession(ctx, session))

	got, err := store.GetOTASession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OTAStatusFailed, got.Status)
	assert.Equal(t, "flash write failed", got.ErrorMessage)

	// a late, older snapshot is ignored
	stale := *session
	stale.Status = models.OTAStatusStarting
	stale.ErrorMessage = ""
	stale.UpdatedAt = now.Add(-time.Second)
	require.NoError(t, store.SaveOTASession(ctx, &stale))

	got, err = store.GetOTASession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OTAStatusFailed, got.Status)

	_, err = store.GetOTASession(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	device := 7
	require.NoError(t, store.CreateEventLog(ctx, &models.EventLog{
		DeviceID: &device,
		Type:     models.EventTypeOTAStatus,
		Level:    models.EventLevelError,
		Details:  models.Variables{"msg": "flash write failed"},
	}))

	logs, total, err := store.ListEventLogs(ctx, EventLogFilters{DeviceID: &device}, 10, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, total, int64(1))
	assert.NotEmpty(t, logs)
}
