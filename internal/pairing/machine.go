package pairing

import (
	"strings"
	"time"
)

// Phase is the pairing progress of one port
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDetected
	PhaseCollectingID
	PhaseCollectingMAC
	PhaseAwaitingPrompt
	PhaseAwaitingResponse
	PhaseCooldown
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseDetected:
		return "DETECTED"
	case PhaseCollectingID:
		return "COLLECTING_ID"
	case PhaseCollectingMAC:
		return "COLLECTING_MAC"
	case PhaseAwaitingPrompt:
		return "AWAITING_PROMPT"
	case PhaseAwaitingResponse:
		return "AWAITING_RESPONSE"
	case PhaseCooldown:
		return "COOLDOWN"
	}
	return "UNKNOWN"
}

// Action tells the read loop what to do with a line
type Action int

const (
	// ActionPass means the line is not pairing traffic
	ActionPass Action = iota
	// ActionConsumed means the line advanced the handshake
	ActionConsumed
	// ActionDiscard means the line is residual pairing output during cooldown
	ActionDiscard
	// ActionPrompt means the operator must now be asked
	ActionPrompt
)

// Line markers printed by the device firmware
const (
	MarkerRequest  = "PAIRING REQUEST RECEIVED"
	MarkerDeviceID = "Device ID:"
	MarkerMAC      = "MAC Address:"
	MarkerMother   = "Do you want to become the mother"
)

var typeYMarkers = []string{"Type 'Y'", "Type 'y'", "Type Y"}

// IsMarker reports whether line carries any pairing marker
func IsMarker(line string) bool {
	if strings.Contains(line, "PAIRING REQUEST") ||
		strings.Contains(line, MarkerDeviceID) ||
		strings.Contains(line, MarkerMAC) ||
		strings.Contains(line, MarkerMother) {
		return true
	}
	return isTypeY(line)
}

func isTypeY(line string) bool {
	for _, m := range typeYMarkers {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}

// Context is the handshake data collected so far
type Context struct {
	Phase         Phase
	DeviceID      string
	MAC           string
	CooldownUntil time.Time
}

// Machine tracks the pairing handshake of a single port. It is owned by
// the port's handler and is not safe for concurrent use.
type Machine struct {
	ctx          Context
	cooldown     time.Duration
	staleAfter   time.Duration
	lastProgress time.Time
}

// NewMachine creates a machine in the idle phase
func NewMachine(cooldown, staleAfter time.Duration) *Machine {
	return &Machine{cooldown: cooldown, staleAfter: staleAfter}
}

// Context returns a snapshot of the handshake state
func (m *Machine) Context() Context {
	return m.ctx
}

// Phase returns the current phase
func (m *Machine) Phase() Phase {
	return m.ctx.Phase
}

// Observe feeds one text line observed at now
func (m *Machine) Observe(line string, now time.Time) Action {
	m.expire(now)

	if m.ctx.Phase == PhaseCooldown {
		if now.Before(m.ctx.CooldownUntil) {
			if IsMarker(line) {
				return ActionDiscard
			}
			return ActionPass
		}
		m.reset()
	}

	if strings.Contains(line, MarkerRequest) {
		m.reset()
		m.advance(PhaseDetected, now)
		return ActionConsumed
	}

	if !m.pairing() {
		return ActionPass
	}

	switch {
	case strings.Contains(line, MarkerDeviceID):
		m.ctx.DeviceID = after(line, MarkerDeviceID)
		m.advance(PhaseCollectingID, now)
		return ActionConsumed
	case strings.Contains(line, MarkerMAC):
		m.ctx.MAC = after(line, MarkerMAC)
		m.advance(PhaseCollectingMAC, now)
		return ActionConsumed
	case strings.Contains(line, MarkerMother):
		m.advance(PhaseAwaitingPrompt, now)
		return ActionConsumed
	case isTypeY(line):
		m.advance(PhaseAwaitingResponse, now)
		return ActionPrompt
	}
	return ActionPass
}

// Finish ends the handshake and starts the cooldown at now
func (m *Machine) Finish(now time.Time) {
	m.ctx = Context{
		Phase:         PhaseCooldown,
		CooldownUntil: now.Add(m.cooldown),
	}
}

func (m *Machine) pairing() bool {
	return m.ctx.Phase >= PhaseDetected && m.ctx.Phase <= PhaseAwaitingResponse
}

// expire drops a handshake that stopped making progress
func (m *Machine) expire(now time.Time) {
	if m.staleAfter <= 0 || !m.pairing() {
		return
	}
	if now.Sub(m.lastProgress) >= m.staleAfter {
		m.reset()
	}
}

func (m *Machine) advance(p Phase, now time.Time) {
	m.ctx.Phase = p
	m.lastProgress = now
}

func (m *Machine) reset() {
	m.ctx = Context{}
}

func after(line, marker string) string {
	i := strings.Index(line, marker)
	return strings.TrimSpace(line[i+len(marker):])
}
