package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tambula/esp-listener/internal/protocol"
)

// ErrMalformed is returned for trigger payloads that cannot be dispatched
var ErrMalformed = errors.New("malformed trigger")

// Request asks for one device to be updated
type Request struct {
	DeviceID int    `json:"device_id"`
	Firmware string `json:"firmware"`
	// Port pins the dispatch to a port; empty means any active port
	Port   string `json:"port,omitempty"`
	Origin string `json:"-"`
}

// Source yields pending OTA requests. Each request is returned at most once.
type Source interface {
	Poll(ctx context.Context) []Request
}

// Sources polls several sources in order
type Sources []Source

func (s Sources) Poll(ctx context.Context) []Request {
	var out []Request
	for _, src := range s {
		out = append(out, src.Poll(ctx)...)
	}
	return out
}

// Parse decodes and validates a trigger payload
func Parse(data []byte) (Request, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	rawID, ok := raw["device_id"]
	if !ok {
		return Request{}, fmt.Errorf("%w: missing device_id", ErrMalformed)
	}
	id, ok := protocol.ToInt(rawID)
	if !ok {
		return Request{}, fmt.Errorf("%w: device_id %v is not an integer", ErrMalformed, rawID)
	}

	firmware, _ := raw["firmware"].(string)
	port, _ := raw["port"].(string)

	req := Request{DeviceID: id, Firmware: strings.TrimSpace(firmware), Port: port}
	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

// Validate checks the device id range and firmware source
func (r Request) Validate() error {
	if r.DeviceID < protocol.MinDeviceID || r.DeviceID > protocol.MaxDeviceID {
		return fmt.Errorf("%w: device_id %d out of range %d-%d", ErrMalformed, r.DeviceID, protocol.MinDeviceID, protocol.MaxDeviceID)
	}
	if r.Firmware == "" {
		return fmt.Errorf("%w: missing firmware", ErrMalformed)
	}
	return nil
}
