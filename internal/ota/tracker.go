package ota

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/tambula/esp-listener/internal/events"
	"github.com/tambula/esp-listener/internal/models"
	"github.com/tambula/esp-listener/internal/protocol"
	"github.com/tambula/esp-listener/internal/stats"
)

// StatusFromFrame maps a device OTA status value to a session status
func StatusFromFrame(value string) (models.OTAStatus, bool) {
	switch value {
	case protocol.OTAStarting:
		return models.OTAStatusStarting, true
	case protocol.OTADownloading:
		return models.OTAStatusDownloading, true
	case protocol.OTAFlashing:
		return models.OTAStatusFinalizing, true
	case protocol.OTASuccess:
		return models.OTAStatusSuccess, true
	case protocol.OTAError:
		return models.OTAStatusFailed, true
	}
	return "", false
}

// Tracker observes OTA and CONFIG status frames. It never retries or
// re-dispatches.
type Tracker struct {
	registry *Registry
	stats    *stats.Stats
	sink     events.Sink
}

// NewTracker creates a status tracker
func NewTracker(registry *Registry, st *stats.Stats, sink events.Sink) *Tracker {
	if sink == nil {
		sink = events.Nop{}
	}
	return &Tracker{registry: registry, stats: st, sink: sink}
}

// HandleOTA processes a frame carrying an "OTA" field
func (t *Tracker) HandleOTA(ctx context.Context, port string, payload map[string]interface{}) (models.OTAStatus, bool) {
	value := protocol.StringField(payload, "OTA")
	deviceID, hasDevice := protocol.IntField(payload, "Did")
	message := protocol.StringField(payload, "Msg")

	logger := log.With().Str("port", port).Interface("device_id", payload["Did"]).Logger()

	status, ok := StatusFromFrame(value)
	if !ok {
		logger.Warn().Str("status", value).Msg("Unrecognized OTA status")
		return "", false
	}

	level := models.EventLevelInfo
	switch status {
	case models.OTAStatusStarting:
		logger.Info().Msg("Device connecting to WiFi")
	case models.OTAStatusDownloading:
		logger.Info().Msg("Device downloading firmware")
	case models.OTAStatusFinalizing:
		logger.Info().Msg("Device flashing firmware")
	case models.OTAStatusSuccess:
		logger.Info().Msg("OTA update successful")
		t.stats.OTASucceeded()
	case models.OTAStatusFailed:
		logger.Error().Str("error", message).Msg("OTA update failed")
		t.stats.OTAFailed()
		level = models.EventLevelError
	}

	if hasDevice {
		errMsg := ""
		if status == models.OTAStatusFailed {
			errMsg = message
		}
		t.registry.Update(deviceID, status, errMsg)
	}

	t.sink.Record(ctx, events.New(models.EventTypeOTAStatus, level, port,
		events.DeviceRef(deviceID, hasDevice), value, models.Variables{"msg": message}))

	return status, true
}

// HandleConfig processes a frame carrying a "CONFIG" field
func (t *Tracker) HandleConfig(ctx context.Context, port string, payload map[string]interface{}) bool {
	value := protocol.StringField(payload, "CONFIG")
	deviceID, hasDevice := protocol.IntField(payload, "Did")

	logger := log.With().Str("port", port).Interface("device_id", payload["Did"]).Logger()

	switch value {
	case protocol.ConfigDeviceIDOK:
		logger.Info().Msg("Device ID updated successfully")
	case protocol.ConfigGPIOOK:
		logger.Info().Msg("GPIO config updated, device rebooting")
	case protocol.ConfigWiFiOK:
		logger.Info().Msg("WiFi credentials saved")
	default:
		logger.Warn().Str("status", value).Msg("Unrecognized CONFIG status")
		return false
	}

	t.sink.Record(ctx, events.New(models.EventTypeConfigStatus, models.EventLevelInfo, port,
		events.DeviceRef(deviceID, hasDevice), value, nil))
	return true
}
