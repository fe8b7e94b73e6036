package ota

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/tambula/esp-listener/internal/device"
	"github.com/tambula/esp-listener/internal/events"
	"github.com/tambula/esp-listener/internal/models"
	"github.com/tambula/esp-listener/internal/protocol"
	"github.com/tambula/esp-listener/internal/stats"
)

// ErrPortNotOpen is returned when the target port has no open handle
var ErrPortNotOpen = errors.New("serial port not open")

// PortLookup resolves an open port by name
type PortLookup interface {
	Port(name string) (device.Port, bool)
}

// Dispatcher sends WIFI_UPDATE commands. The device downloads, flashes and
// reboots on its own and reports progress with OTA status frames.
type Dispatcher struct {
	ports    PortLookup
	registry *Registry
	stats    *stats.Stats
	sink     events.Sink
}

// NewDispatcher creates a dispatcher
func NewDispatcher(ports PortLookup, registry *Registry, st *stats.Stats, sink events.Sink) *Dispatcher {
	if sink == nil {
		sink = events.Nop{}
	}
	return &Dispatcher{ports: ports, registry: registry, stats: st, sink: sink}
}

// InitiateWiFiOTA writes the OTA command for deviceID to portName. The
// started counter moves only when the write completes.
func (d *Dispatcher) InitiateWiFiOTA(ctx context.Context, deviceID int, source, portName string) error {
	port, ok := d.ports.Port(portName)
	if !ok {
		log.Error().Str("port", portName).Int("device_id", deviceID).Msg("Serial port not found for OTA")
		return fmt.Errorf("%s: %w", portName, ErrPortNotOpen)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := d.registry.Begin(deviceID, source, portName); err != nil {
		log.Warn().Err(err).Int("device_id", deviceID).Msg("OTA already running for device")
		return err
	}

	log.Info().
		Int("device_id", deviceID).
		Str("url", source).
		Str("port", portName).
		Msg("Initiating WiFi OTA")

	if err := protocol.WriteFrame(port, protocol.NewOTACommand(deviceID, source)); err != nil {
		d.registry.Update(deviceID, models.OTAStatusFailed, err.Error())
		log.Error().Err(err).Int("device_id", deviceID).Str("port", portName).Msg("Failed to send OTA command")
		return err
	}

	// the session has been STARTING since Begin; a status frame may already
	// have moved it on
	d.stats.OTAStarted()

	d.sink.Record(ctx, events.New(models.EventTypeOTADispatch, models.EventLevelInfo, portName,
		events.DeviceRef(deviceID, true), "WiFi OTA command sent",
		models.Variables{"firmware": source}))

	log.Info().
		Int("device_id", deviceID).
		Msg("Sent WiFi OTA command; device will connect, download, flash and reboot")
	return nil
}
