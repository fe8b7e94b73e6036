package device

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"

	"github.com/tambula/esp-listener/internal/config"
)

func newTestDiscoverer(t *testing.T, ports []*enumerator.PortDetails, err error) *Discoverer {
	t.Helper()
	d, derr := NewDiscoverer(config.SerialConfig{VendorID: "303A", ProductID: "0x1001", NameFilter: "56"})
	require.NoError(t, derr)
	d.list = func() ([]*enumerator.PortDetails, error) { return ports, err }
	return d
}

func TestDiscoverFiltersByIDsAndName(t *testing.T) {
	d := newTestDiscoverer(t, []*enumerator.PortDetails{
		{Name: "/dev/cu.usbmodem5601", IsUSB: true, VID: "303a", PID: "1001"},
		{Name: "/dev/cu.usbmodem1101", IsUSB: true, VID: "303A", PID: "1001"},
		{Name: "/dev/cu.usbmodem5602", IsUSB: true, VID: "10C4", PID: "EA60"},
		{Name: "/dev/cu.usbmodem5600", IsUSB: true, VID: "303A", PID: "1001"},
		{Name: "/dev/ttyS56", IsUSB: false},
		nil,
	}, nil)

	ports, err := d.Discover()
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/cu.usbmodem5600", "/dev/cu.usbmodem5601"}, ports)
}

func TestDiscoverNoDevices(t *testing.T) {
	ports, err := newTestDiscoverer(t, nil, nil).Discover()
	require.NoError(t, err)
	assert.NotNil(t, ports)
	assert.Empty(t, ports)
}

func TestDiscoverEnumerationError(t *testing.T) {
	_, err := newTestDiscoverer(t, nil, errors.New("no sysfs")).Discover()
	assert.Error(t, err)
}

func TestNewDiscovererRejectsBadIDs(t *testing.T) {
	_, err := NewDiscoverer(config.SerialConfig{VendorID: "nope", ProductID: "1001"})
	assert.Error(t, err)
}
