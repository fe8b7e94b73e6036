package device

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.bug.st/serial/enumerator"

	"github.com/tambula/esp-listener/internal/config"
)

// Discoverer lists attached device ports matching a USB VID/PID and a
// substring of the port name.
type Discoverer struct {
	vendorID   uint64
	productID  uint64
	nameFilter string
	list       func() ([]*enumerator.PortDetails, error)
}

// NewDiscoverer creates a discoverer from serial config. Ids are hex.
func NewDiscoverer(cfg config.SerialConfig) (*Discoverer, error) {
	vid, err := parseUSBID(cfg.VendorID)
	if err != nil {
		return nil, fmt.Errorf("vendor id: %w", err)
	}
	pid, err := parseUSBID(cfg.ProductID)
	if err != nil {
		return nil, fmt.Errorf("product id: %w", err)
	}

	return &Discoverer{
		vendorID:   vid,
		productID:  pid,
		nameFilter: cfg.NameFilter,
		list:       enumerator.GetDetailedPortsList,
	}, nil
}

// Discover returns the sorted names of eligible ports. No devices is an
// empty result, not an error.
func (d *Discoverer) Discover() ([]string, error) {
	ports, err := d.list()
	if err != nil {
		return nil, fmt.Errorf("enumerate ports: %w", err)
	}

	names := make([]string, 0, len(ports))
	for _, p := range ports {
		if d.matches(p) {
			names = append(names, p.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (d *Discoverer) matches(p *enumerator.PortDetails) bool {
	if p == nil || !p.IsUSB {
		return false
	}
	vid, err := parseUSBID(p.VID)
	if err != nil || vid != d.vendorID {
		return false
	}
	pid, err := parseUSBID(p.PID)
	if err != nil || pid != d.productID {
		return false
	}
	return strings.Contains(p.Name, d.nameFilter)
}

func parseUSBID(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	return strconv.ParseUint(s, 16, 16)
}
