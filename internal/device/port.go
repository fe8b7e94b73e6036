package device

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.bug.st/serial"

	"github.com/tambula/esp-listener/internal/config"
)

// Port is an open connection to one device. Writes may come from several
// goroutines (handler loop, OTA dispatch) and must not interleave.
type Port interface {
	Name() string
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Opener opens a port by path
type Opener func(name string) (Port, error)

// SerialPort wraps a go.bug.st/serial port
type SerialPort struct {
	name string
	port serial.Port

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

// NewOpener returns an Opener using the configured line settings
func NewOpener(cfg config.SerialConfig) Opener {
	return func(name string) (Port, error) {
		return Open(name, cfg)
	}
}

// Open opens name at the configured baud rate, 8N1
func Open(name string, cfg config.SerialConfig) (*SerialPort, error) {
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}

	// 读超时让读循环可以检查取消
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", name, err)
	}

	return &SerialPort{name: name, port: port}, nil
}

// Name returns the device path
func (p *SerialPort) Name() string {
	return p.name
}

// Read reads available bytes; (0, nil) means the read timeout elapsed
func (p *SerialPort) Read(b []byte) (int, error) {
	return p.port.Read(b)
}

// Write writes one frame atomically with respect to other writers
func (p *SerialPort) Write(b []byte) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.port.Write(b)
}

// Close closes the port; calling it more than once is safe
func (p *SerialPort) Close() error {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.port.Close()
}

// IsClosed reports whether err means the port is gone rather than a
// transient read fault
func IsClosed(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
		return true
	}
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		return portErr.Code() == serial.PortClosed
	}
	return false
}
