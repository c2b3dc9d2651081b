// Package discovery finds handsets tethered to the host over USB serial.
package discovery

import (
	"fmt"
	"log/slog"
	"sort"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Device statuses.
const (
	StatusAvailable = "available"
	StatusBusy      = "busy"
)

// DiscoveredDevice is a candidate device found on a serial port.
type DiscoveredDevice struct {
	Port    string `json:"port"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Status  string `json:"status"`
	VID     string `json:"vid,omitempty"`
	PID     string `json:"pid,omitempty"`
	Serial  string `json:"serial,omitempty"`
	Product string `json:"product,omitempty"`
}

// PortLister enumerates serial ports and probes whether one can be opened.
type PortLister interface {
	Ports() ([]*enumerator.PortDetails, error)
	Probe(name string) error
}

// SystemPorts lists the host's real serial ports.
type SystemPorts struct {
	BaudRate int
}

func (SystemPorts) Ports() ([]*enumerator.PortDetails, error) {
	return enumerator.GetDetailedPortsList()
}

// Probe opens and closes the port.
func (s SystemPorts) Probe(name string) error {
	baud := s.BaudRate
	if baud == 0 {
		baud = 115200
	}
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return err
	}
	return port.Close()
}

// Scanner reports tethered devices.
type Scanner struct {
	ports   PortLister
	usbOnly bool
	probe   bool
	logger  *slog.Logger
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithAllPorts includes non-USB ports (built-in UARTs) in the results.
func WithAllPorts() Option {
	return func(s *Scanner) { s.usbOnly = false }
}

// WithProbe opens every port to tell available from busy ones.
func WithProbe() Option {
	return func(s *Scanner) { s.probe = true }
}

// NewScanner creates a scanner over ports.
func NewScanner(ports PortLister, logger *slog.Logger, opts ...Option) *Scanner {
	s := &Scanner{
		ports:   ports,
		usbOnly: true,
		logger:  logger.With("component", "discovery"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan lists candidate devices sorted by port name.
func (s *Scanner) Scan() ([]DiscoveredDevice, error) {
	details, err := s.ports.Ports()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}

	out := make([]DiscoveredDevice, 0, len(details))
	for _, d := range details {
		if d == nil || (s.usbOnly && !d.IsUSB) {
			continue
		}
		dev := DiscoveredDevice{
			Port:    d.Name,
			Name:    d.Product,
			Type:    "serial",
			Status:  StatusAvailable,
			VID:     d.VID,
			PID:     d.PID,
			Serial:  d.SerialNumber,
			Product: d.Product,
		}
		if d.IsUSB {
			dev.Type = "usb"
		}
		if dev.Name == "" {
			dev.Name = d.Name
		}
		if s.probe {
			if err := s.ports.Probe(d.Name); err != nil {
				s.logger.Debug("port busy", "port", d.Name, "err", err)
				dev.Status = StatusBusy
			}
		}
		out = append(out, dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out, nil
}
