// Package wifi keeps the bounded history of saved Wi-Fi profiles and the
// simulated scan/connect flow of the settings screen.
package wifi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"republic-center/internal/store"
)

// MaxSaved is the number of retained profiles.
const MaxSaved = 5

// StorageVersion is the current persisted envelope version.
const StorageVersion = 1

// TimeLayout formats LastConnected stamps (local time).
const TimeLayout = "2006-01-02 15:04:05"

var (
	ErrEmptySSID       = errors.New("ssid must not be empty")
	ErrUnknownNetwork  = errors.New("network not saved")
	ErrPasswordMissing = errors.New("password required for secured network")
	ErrBadEncryption   = errors.New("unsupported encryption")
	ErrBadMACMode      = errors.New("unsupported mac mode")
	ErrBadMAC          = errors.New("invalid mac address")
)

// SavedNetwork is a previously used network credential.
type SavedNetwork struct {
	SSID          string `json:"ssid"`
	Password      string `json:"password"`
	LastConnected string `json:"lastConnected"`
	Encryption    string `json:"encryption,omitempty"`
	// Set by Connect only.
	MAC string    `json:"mac,omitempty"`
	IP  *IPConfig `json:"ip,omitempty"`
}

// envelope is the persisted shape. Version 0 was a bare JSON array.
type envelope struct {
	Version  int            `json:"version"`
	Networks []SavedNetwork `json:"networks"`
}

// Option configures Profiles.
type Option func(*Profiles)

// WithClock overrides the time source for LastConnected stamps.
func WithClock(now func() time.Time) Option {
	return func(p *Profiles) {
		p.now = now
	}
}

// WithDelays sets the simulated scan and connect delays.
func WithDelays(scan, connect time.Duration) Option {
	return func(p *Profiles) {
		p.scanDelay = scan
		p.connectDelay = connect
	}
}

// Profiles is the saved-network store. All writes are serialized and
// persisted synchronously.
type Profiles struct {
	mu      sync.Mutex
	backend store.NetworkStore
	saved   []SavedNetwork
	active  string
	logger  *slog.Logger
	now     func() time.Time

	scanDelay    time.Duration
	connectDelay time.Duration
}

// NewProfiles creates an empty profile store backed by backend (may be nil).
// Call Load to read the persisted collection.
func NewProfiles(backend store.NetworkStore, logger *slog.Logger, opts ...Option) *Profiles {
	p := &Profiles{
		backend:      backend,
		logger:       logger.With("component", "wifi"),
		now:          time.Now,
		scanDelay:    2 * time.Second,
		connectDelay: 2500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Load reads the persisted collection. Any read or decode failure degrades to
// an empty collection; it is logged but never escalated.
func (p *Profiles) Load() []SavedNetwork {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.saved = nil
	if p.backend == nil {
		return nil
	}
	data, err := p.backend.GetKnownNetworks()
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			p.logger.Warn("read saved networks", "err", err)
		}
		return nil
	}
	nets, err := decodeNetworks(data)
	if err != nil {
		p.logger.Warn("discarding unreadable saved networks", "err", err)
		return nil
	}
	if len(nets) > MaxSaved {
		nets = nets[:MaxSaved]
	}
	p.saved = nets
	p.logger.Debug("saved networks loaded", "count", len(nets))
	return slices.Clone(p.saved)
}

// RecordConnection moves ssid to the front of the history with a fresh
// timestamp, keeps the MaxSaved most recent entries and persists the result.
func (p *Profiles) RecordConnection(ssid, password, encryption string) (SavedNetwork, error) {
	return p.record(SavedNetwork{SSID: ssid, Password: password, Encryption: encryption})
}

func (p *Profiles) record(entry SavedNetwork) (SavedNetwork, error) {
	if entry.SSID == "" {
		return SavedNetwork{}, ErrEmptySSID
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	ssid := entry.SSID
	entry.LastConnected = p.now().Format(TimeLayout)
	next := make([]SavedNetwork, 0, MaxSaved+1)
	next = append(next, entry)
	for _, n := range p.saved {
		if n.SSID != ssid {
			next = append(next, n)
		}
	}
	if len(next) > MaxSaved {
		next = next[:MaxSaved]
	}
	if err := p.persistLocked(next); err != nil {
		return SavedNetwork{}, err
	}
	p.saved = next
	return entry, nil
}

// Remove deletes a saved profile and persists the remainder. The active
// connection is cleared when it pointed at ssid.
func (p *Profiles) Remove(ssid string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := slices.IndexFunc(p.saved, func(n SavedNetwork) bool { return n.SSID == ssid })
	if idx < 0 {
		return fmt.Errorf("%w: %q", ErrUnknownNetwork, ssid)
	}
	next := slices.Delete(slices.Clone(p.saved), idx, idx+1)
	if err := p.persistLocked(next); err != nil {
		return err
	}
	p.saved = next
	if p.active == ssid {
		p.active = ""
	}
	return nil
}

// FindBySSID looks up a saved profile, e.g. to pre-fill credentials for a
// scanned network.
func (p *Profiles) FindBySSID(ssid string) (SavedNetwork, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range p.saved {
		if n.SSID == ssid {
			return n, true
		}
	}
	return SavedNetwork{}, false
}

// List returns the saved profiles, most recently used first.
func (p *Profiles) List() []SavedNetwork {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.saved)
}

// Active returns the SSID of the current connection, or "".
func (p *Profiles) Active() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *Profiles) setActive(ssid string) {
	p.mu.Lock()
	p.active = ssid
	p.mu.Unlock()
}

func (p *Profiles) persistLocked(nets []SavedNetwork) error {
	if p.backend == nil {
		return nil
	}
	data, err := json.Marshal(envelope{Version: StorageVersion, Networks: nets})
	if err != nil {
		return fmt.Errorf("encode saved networks: %w", err)
	}
	if err := p.backend.SaveKnownNetworks(data); err != nil {
		return fmt.Errorf("save networks: %w", err)
	}
	return nil
}

// decodeNetworks accepts the current envelope and the legacy bare array.
func decodeNetworks(data []byte) ([]SavedNetwork, error) {
	var legacy []SavedNetwork
	if err := json.Unmarshal(data, &legacy); err == nil {
		return validNetworks(legacy), nil
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode saved networks: %w", err)
	}
	if env.Version < 1 || env.Version > StorageVersion {
		return nil, fmt.Errorf("unsupported saved networks version %d", env.Version)
	}
	return validNetworks(env.Networks), nil
}

// validNetworks drops entries without an SSID and duplicate SSIDs.
func validNetworks(in []SavedNetwork) []SavedNetwork {
	out := make([]SavedNetwork, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, n := range in {
		if n.SSID == "" || seen[n.SSID] {
			continue
		}
		seen[n.SSID] = true
		out = append(out, n)
	}
	return out
}
