package pairing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tambula/esp-listener/internal/config"
	"github.com/tambula/esp-listener/internal/events"
	"github.com/tambula/esp-listener/internal/models"
	"github.com/tambula/esp-listener/internal/protocol"
)

// Outcome is how an operator prompt ended
type Outcome string

const (
	OutcomeAccepted Outcome = "ACCEPTED"
	OutcomeRejected Outcome = "REJECTED"
	OutcomeTimeout  Outcome = "TIMEOUT"
)

// Negotiator runs the operator side of a pairing handshake
type Negotiator struct {
	prompter Prompter
	cfg      config.PairingConfig
	sink     events.Sink
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewNegotiator 创建配对协商器
func NewNegotiator(prompter Prompter, cfg config.PairingConfig, sink events.Sink) *Negotiator {
	if sink == nil {
		sink = events.Nop{}
	}
	return &Negotiator{prompter: prompter, cfg: cfg, sink: sink, sleep: sleepCtx}
}

// Negotiate asks the operator whether to adopt the device and, once
// accepted, walks through the optional configuration prompts. Every
// completed prompt writes its command to w. The returned error is non-nil
// only when ctx is cancelled or the port cannot be written.
func (n *Negotiator) Negotiate(ctx context.Context, port string, w io.Writer, pc Context) (Outcome, error) {
	logger := log.With().Str("port", port).Str("pairing_device_id", pc.DeviceID).Str("mac", pc.MAC).Logger()
	logger.Info().Msg("Pairing request, waiting for operator")

	question := fmt.Sprintf("\n>>> PAIRING REQUEST from Device %s (MAC %s) <<<\n>>> Do you want to pair? (Y/N): ", pc.DeviceID, pc.MAC)
	response, err := n.ask(ctx, question, n.cfg.PromptTimeout)
	if err != nil {
		return n.done(ctx, port, pc, OutcomeTimeout, err)
	}
	if response == "" {
		logger.Info().Msg("No response, letting device time out")
		return n.done(ctx, port, pc, OutcomeTimeout, nil)
	}

	response = strings.ToUpper(response)
	logger.Info().Str("response", response).Msg("Operator response")

	if err := protocol.WriteLine(w, response); err != nil {
		return n.done(ctx, port, pc, OutcomeRejected, err)
	}

	if !isYes(response) {
		logger.Info().Msg("Pairing rejected")
		return n.done(ctx, port, pc, OutcomeRejected, nil)
	}

	logger.Info().Msg("Pairing accepted, waiting for confirmation")
	if err := n.sleep(ctx, n.cfg.SettleDelay); err != nil {
		return n.done(ctx, port, pc, OutcomeAccepted, err)
	}

	err = n.configure(ctx, logger, w, pc)
	return n.done(ctx, port, pc, OutcomeAccepted, err)
}

func (n *Negotiator) done(ctx context.Context, port string, pc Context, outcome Outcome, err error) (Outcome, error) {
	if errors.Is(err, ErrPromptTimeout) || errors.Is(err, ErrInputClosed) {
		err = nil
	}

	did, ok := pairingID(pc)
	n.sink.Record(ctx, events.New(models.EventTypePairing, models.EventLevelInfo, port,
		events.DeviceRef(did, ok), string(outcome), models.Variables{"mac": pc.MAC}))
	return outcome, err
}

// configure runs the post-acceptance prompts. Prompt timeouts and invalid
// input skip the current step only.
func (n *Negotiator) configure(ctx context.Context, logger zerolog.Logger, w io.Writer, pc Context) error {
	did, hasDid := pairingID(pc)

	if yes, err := n.confirm(ctx, "\n>>> Do you want to update the Device ID for this device? (Y/N): "); err != nil {
		return err
	} else if yes {
		if err := n.updateDeviceID(ctx, logger, w, did, hasDid); err != nil {
			return err
		}
	}

	if yes, err := n.confirm(ctx, "\n>>> Do you want to update the GPIO configuration? (Y/N): "); err != nil {
		return err
	} else if yes {
		if err := n.updateGPIO(ctx, logger, w, did); err != nil {
			return err
		}
	}

	if yes, err := n.confirm(ctx, "\n>>> Update WiFi credentials? (Y/N): "); err != nil {
		return err
	} else if yes {
		return n.updateWiFi(ctx, logger, w, did)
	}
	return nil
}

func (n *Negotiator) updateDeviceID(ctx context.Context, logger zerolog.Logger, w io.Writer, did int, hasDid bool) error {
	input, err := n.ask(ctx, fmt.Sprintf(">>> Enter new Device ID (%d-%d): ", protocol.MinDeviceID, protocol.MaxDeviceID), n.cfg.PromptTimeout)
	if err != nil || input == "" {
		return skipTimeout(err)
	}

	newID, err := strconv.Atoi(input)
	if err != nil {
		logger.Error().Str("input", input).Msg("Invalid Device ID format")
		return nil
	}
	if newID < protocol.MinDeviceID || newID > protocol.MaxDeviceID {
		logger.Error().Int("device_id", newID).Msg("Invalid Device ID (must be 1-255)")
		return nil
	}

	if !hasDid {
		did = newID
	}
	if err := protocol.WriteFrame(w, protocol.NewSetDeviceIDCommand(did, newID)); err != nil {
		return err
	}
	logger.Info().Int("new_device_id", newID).Msg("Sent Device ID update")
	return n.sleep(ctx, n.cfg.CommandDelay)
}

func (n *Negotiator) updateGPIO(ctx context.Context, logger zerolog.Logger, w io.Writer, did int) error {
	var pins protocol.GPIOConfig
	for _, pin := range protocol.GPIOPins {
		input, err := n.ask(ctx, ">>> "+pin.Label+": ", n.cfg.PromptTimeout)
		if err != nil || input == "" {
			if err := skipTimeout(err); err != nil {
				return err
			}
			logger.Error().Str("pin", pin.Key).Msg("Timeout waiting for pin input")
			return nil
		}

		value, err := strconv.Atoi(input)
		if err != nil {
			logger.Error().Str("pin", pin.Key).Str("input", input).Msg("Invalid pin format")
			return nil
		}
		if value < protocol.MinGPIOPin || value > protocol.MaxGPIOPin {
			logger.Error().Str("pin", pin.Key).Int("value", value).Msg("Invalid pin number (must be 0-48)")
			return nil
		}
		pin.Set(&pins, value)
	}

	if err := protocol.WriteFrame(w, protocol.NewSetGPIOCommand(did, pins)); err != nil {
		return err
	}
	logger.Info().Msg("Sent GPIO configuration update, device will reboot")
	return n.sleep(ctx, n.cfg.CommandDelay)
}

func (n *Negotiator) updateWiFi(ctx context.Context, logger zerolog.Logger, w io.Writer, did int) error {
	ssid, err := n.ask(ctx, ">>> Enter WiFi SSID: ", n.cfg.WiFiPromptTimeout)
	if err != nil || ssid == "" {
		return skipTimeout(err)
	}

	password, err := n.ask(ctx, ">>> Enter WiFi Password: ", n.cfg.WiFiPromptTimeout)
	if err != nil || password == "" {
		return skipTimeout(err)
	}

	if err := protocol.WriteFrame(w, protocol.NewSetWiFiCommand(did, ssid, password)); err != nil {
		return err
	}
	logger.Info().Str("ssid", ssid).Msg("Sent WiFi config")
	return nil
}

func (n *Negotiator) confirm(ctx context.Context, question string) (bool, error) {
	answer, err := n.ask(ctx, question, n.cfg.PromptTimeout)
	if err != nil {
		return false, skipTimeout(err)
	}
	return isYes(strings.ToUpper(answer)), nil
}

func (n *Negotiator) ask(ctx context.Context, question string, timeout time.Duration) (string, error) {
	answer, err := n.prompter.Ask(ctx, question, timeout)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(answer), nil
}

// skipTimeout keeps only errors that should end the handshake
func skipTimeout(err error) error {
	if errors.Is(err, ErrPromptTimeout) || errors.Is(err, ErrInputClosed) {
		return nil
	}
	return err
}

func isYes(s string) bool {
	return s == "Y" || s == "YES"
}

// pairingID is the numeric id announced by the device, if it sent one
func pairingID(pc Context) (int, bool) {
	id, err := strconv.Atoi(strings.TrimSpace(pc.DeviceID))
	if err != nil {
		return 0, false
	}
	return id, true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
