package gateway

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tambula/esp-listener/internal/device"
	"github.com/tambula/esp-listener/internal/events"
	"github.com/tambula/esp-listener/internal/models"
	"github.com/tambula/esp-listener/internal/ota"
	"github.com/tambula/esp-listener/internal/pairing"
	"github.com/tambula/esp-listener/internal/protocol"
	"github.com/tambula/esp-listener/internal/relay"
)

// Services is what every port handler needs. The supervisor builds it once
// and passes it to each handler.
type Services struct {
	Open       device.Opener
	Ports      *PortRegistry
	Negotiator *pairing.Negotiator
	Tracker    *ota.Tracker
	Relay      *relay.Relay
	Events     events.Sink

	Cooldown     time.Duration
	StaleAfter   time.Duration
	ErrorBackoff time.Duration

	now func() time.Time
}

func (s *Services) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// RunHandler opens name and processes its frames until ctx is done or the
// port goes away. The port is always closed and deregistered on return.
func RunHandler(ctx context.Context, name string, svc *Services) (err error) {
	logger := log.With().Str("port", name).Logger()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			logger.Error().Str("stack", string(debug.Stack())).Err(err).Msg("Handler crashed")
		}
	}()

	port, err := svc.Open(name)
	if err != nil {
		return err
	}

	svc.Ports.Register(port)
	logger.Info().Msg("Connected")
	svc.Events.Record(ctx, events.New(models.EventTypePortUp, models.EventLevelInfo, name, nil, "port opened", nil))

	// closing the port unblocks a pending Read when ctx is cancelled
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			port.Close()
		case <-stop:
		}
	}()

	defer func() {
		close(stop)
		port.Close()
		svc.Ports.Deregister(port)
		svc.Events.Record(context.Background(), events.New(models.EventTypePortDown, models.EventLevelInfo, name, nil, "port closed", nil))
		logger.Info().Msg("Handler stopped")
	}()

	machine := pairing.NewMachine(svc.Cooldown, svc.StaleAfter)
	framer := protocol.NewFramer(port)

	for {
		frame, err := framer.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if device.IsClosed(err) {
				return fmt.Errorf("%s: %w", name, err)
			}
			logger.Error().Err(err).Msg("Error reading port")
			if !sleep(ctx, svc.ErrorBackoff) {
				return nil
			}
			continue
		}

		if err := handleFrame(ctx, name, port, frame, machine, svc); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error().Err(err).Msg("Error processing message")
			if !sleep(ctx, svc.ErrorBackoff) {
				return nil
			}
		}
	}
}

// handleFrame routes one frame. Pairing traffic is checked first; while the
// operator is being prompted no other frame on this port is processed.
func handleFrame(ctx context.Context, name string, port device.Port, frame protocol.Frame, machine *pairing.Machine, svc *Services) error {
	switch machine.Observe(frame.Line, svc.clock()) {
	case pairing.ActionDiscard, pairing.ActionConsumed:
		return nil
	case pairing.ActionPrompt:
		var err error
		if svc.Negotiator == nil {
			log.Warn().Str("port", name).Msg("Pairing request ignored, no operator console")
		} else {
			_, err = svc.Negotiator.Negotiate(ctx, name, port, machine.Context())
		}
		machine.Finish(svc.clock())
		return err
	}

	switch frame.Kind() {
	case protocol.KindOTAStatus:
		svc.Tracker.HandleOTA(ctx, name, frame.Payload)
	case protocol.KindConfigStatus:
		svc.Tracker.HandleConfig(ctx, name, frame.Payload)
	case protocol.KindAnswer:
		// failures are counted and logged by the relay
		_ = svc.Relay.Process(ctx, name, port, frame.Payload)
	case protocol.KindText:
		log.Trace().Str("port", name).Str("line", frame.Line).Msg("Device output")
	}
	return nil
}

// sleep waits d; false means ctx ended first
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
