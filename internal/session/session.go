// Package session tracks the pairing state between the center and mobile
// devices, and decodes the QR pairing payload.
package session

import (
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

// Status is the pairing status.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnected    Status = "connected"
)

// Device is a transient record of a device attached to the current session.
type Device struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Type        string    `json:"type"` // mobile, tablet, other
	ConnectedAt time.Time `json:"connected_at"`
	IP          string    `json:"ip"`
	Status      string    `json:"status"` // active, offline
	Latency     int       `json:"latency_ms"`
}

// Snapshot is a read-only view of the session.
type Snapshot struct {
	Status  Status   `json:"status"`
	Target  string   `json:"target,omitempty"`
	Devices []Device `json:"devices"`
}

// Mock device parameters synthesized by Toggle.
const (
	mockDeviceName    = "Central Android device"
	mockDeviceIP      = "10.0.0.5"
	mockDeviceLatency = 12
)

// State is the pairing state machine. Transitions are synchronous and
// serialized; safe for concurrent use.
type State struct {
	mu      sync.Mutex
	status  Status
	target  string
	devices []Device
	now     func() time.Time
	rand    func(n int) int
}

// New returns a disconnected session.
func New() *State {
	return &State{
		status: StatusDisconnected,
		now:    time.Now,
		rand:   rand.IntN,
	}
}

// Toggle connects with exactly one synthesized mock device when disconnected,
// or disconnects and clears all devices when connected.
func (s *State) Toggle() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusDisconnected {
		s.status = StatusConnected
		s.target = ""
		s.devices = []Device{s.mockDevice()}
	} else {
		s.disconnectLocked()
	}
	return s.snapshotLocked()
}

// CompletePairing decodes pairing data from a scanned QR code and connects to
// its target. Devices are not synthesized. On a decode failure the state is
// left unchanged and a *ValidationError is returned.
func (s *State) CompletePairing(raw string) (Payload, error) {
	p, err := DecodePayload(raw)
	if err != nil {
		return Payload{}, err
	}
	s.mu.Lock()
	s.status = StatusConnected
	s.target = p.Target
	s.mu.Unlock()
	return p, nil
}

// ManualConnect connects to target without any reachability check.
func (s *State) ManualConnect(target string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusConnected
	s.target = target
	return s.snapshotLocked()
}

// Disconnect moves to disconnected and clears all devices. It reports whether
// the session was connected.
func (s *State) Disconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.status == StatusConnected
	s.disconnectLocked()
	return was
}

// Status returns the current status.
func (s *State) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Devices returns a copy of the connected devices.
func (s *State) Devices() []Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Device(nil), s.devices...)
}

// Snapshot returns a read-only view of the session.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *State) disconnectLocked() {
	s.status = StatusDisconnected
	s.target = ""
	s.devices = nil
}

func (s *State) snapshotLocked() Snapshot {
	devs := make([]Device, len(s.devices))
	copy(devs, s.devices)
	return Snapshot{Status: s.status, Target: s.target, Devices: devs}
}

func (s *State) mockDevice() Device {
	return Device{
		ID:          "dev_" + s.randomSuffix(5),
		Name:        mockDeviceName,
		Type:        "mobile",
		ConnectedAt: s.now(),
		IP:          mockDeviceIP,
		Status:      "active",
		Latency:     mockDeviceLatency,
	}
}

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

func (s *State) randomSuffix(n int) string {
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		b.WriteByte(base36[s.rand(len(base36))])
	}
	return b.String()
}
