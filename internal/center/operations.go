package center

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"republic-center/internal/assistant"
	"republic-center/internal/discovery"
	"republic-center/internal/eventlog"
	"republic-center/internal/events"
	"republic-center/internal/health"
	"republic-center/internal/session"
	"republic-center/internal/wifi"
)

// --- Pairing session ---

// Session returns the current pairing session.
func (c *Center) Session() session.Snapshot {
	return c.session.Snapshot()
}

// Toggle opens the pairing gateway with a mock device, or closes it.
func (c *Center) Toggle() session.Snapshot {
	snap := c.session.Toggle()
	if snap.Status == session.StatusConnected {
		c.logf("Digital link gateways opened.")
	} else {
		c.logf("Session closed and ports secured.")
	}
	c.emit(events.EventSessionState, snap)
	return snap
}

// CompletePairing connects to the target carried by scanned pairing data.
// Invalid data leaves the session unchanged and returns a
// *session.ValidationError; with RepairOnInvalid a repair cycle also starts.
func (c *Center) CompletePairing(raw string) (session.Payload, error) {
	p, err := c.session.CompletePairing(raw)
	if err != nil {
		c.logf("Failed to parse pairing data. Reset.")
		c.emit(events.EventPairingFailed, map[string]string{"error": err.Error()})
		var verr *session.ValidationError
		if c.cfg.RepairOnInvalid && errors.As(err, &verr) {
			c.health.Repair("invalid pairing data")
		}
		return session.Payload{}, err
	}
	c.logf("Link established with node: %s", p.Target)
	c.emit(events.EventPairing, p)
	c.emit(events.EventSessionState, c.session.Snapshot())
	return p, nil
}

// ManualConnect connects to a manually entered target.
func (c *Center) ManualConnect(target string) session.Snapshot {
	snap := c.session.ManualConnect(target)
	c.logf("Manual link: %s", target)
	c.emit(events.EventSessionState, snap)
	return snap
}

// Disconnect closes the pairing session if it is open.
func (c *Center) Disconnect() session.Snapshot {
	if c.session.Disconnect() {
		c.logf("Session closed and ports secured.")
	}
	snap := c.session.Snapshot()
	c.emit(events.EventSessionState, snap)
	return snap
}

// PairingPayload returns the QR payload advertising this center.
func (c *Center) PairingPayload() (string, error) {
	return session.EncodePayload(c.cfg.PairingHost, c.cfg.PairingPort)
}

// --- Wi-Fi ---

// SavedNetworks lists saved profiles, most recent first.
func (c *Center) SavedNetworks() []wifi.SavedNetwork {
	return c.wifi.List()
}

// FindNetwork returns the saved profile for ssid.
func (c *Center) FindNetwork(ssid string) (wifi.SavedNetwork, bool) {
	return c.wifi.FindBySSID(ssid)
}

// ActiveNetwork returns the SSID of the current Wi-Fi connection.
func (c *Center) ActiveNetwork() string {
	return c.wifi.Active()
}

// ScanNetworks runs a Wi-Fi scan.
func (c *Center) ScanNetworks(ctx context.Context) ([]wifi.ScanResult, error) {
	return c.wifi.Scan(ctx)
}

// ConnectNetwork connects to a Wi-Fi network and saves its profile.
func (c *Center) ConnectNetwork(ctx context.Context, req wifi.ConnectRequest) (wifi.SavedNetwork, error) {
	n, err := c.wifi.Connect(ctx, req)
	if err != nil {
		return wifi.SavedNetwork{}, err
	}
	c.logf("Connected to Wi-Fi network: %s", n.SSID)
	c.emit(events.EventWifiSaved, n)
	return n, nil
}

// RemoveNetwork forgets a saved profile.
func (c *Center) RemoveNetwork(ssid string) error {
	if err := c.wifi.Remove(ssid); err != nil {
		return err
	}
	c.logf("Saved network removed: %s", ssid)
	c.emit(events.EventWifiRemoved, map[string]string{"ssid": ssid})
	return nil
}

// --- Health ---

// Health returns the monitor snapshot.
func (c *Center) Health() health.Snapshot {
	return c.health.Snapshot()
}

// Repair starts a manual repair cycle.
func (c *Center) Repair(reason string) {
	c.health.Repair(reason)
}

// RunWatchdog blocks running the health watchdog until ctx is done.
func (c *Center) RunWatchdog(ctx context.Context) {
	c.health.Run(ctx)
}

// ReportFault records a runtime fault and starts a repair cycle. Faults
// raised while one is being reported are only logged.
func (c *Center) ReportFault(err error) {
	if !c.faulting.CompareAndSwap(false, true) {
		c.logger.Error("fault while reporting fault", "err", err)
		return
	}
	defer c.faulting.Store(false)

	c.emit(events.EventFault, map[string]string{"error": err.Error()})
	c.health.ReportFault(err)
}

// Recover runs fn and reports a panic as a fault instead of propagating it.
// It reports whether fn completed normally.
func (c *Center) Recover(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("recovered panic", "panic", r)
			c.ReportFault(fmt.Errorf("panic: %v", r))
			ok = false
		}
	}()
	fn()
	return true
}

// --- Event log ---

// Logs returns the event log, newest first.
func (c *Center) Logs() []eventlog.Entry {
	return c.log.Entries()
}

// Note appends msg to the event log.
func (c *Center) Note(msg string) {
	c.log.Append(msg)
}

// ClearLogs empties the event log.
func (c *Center) ClearLogs() {
	c.log.Clear()
	c.emit(events.EventLogCleared, nil)
}

// --- Assistant ---

// Ask sends prompt with the conversation so far and records both turns.
func (c *Center) Ask(ctx context.Context, prompt string) string {
	c.historyMu.Lock()
	history := slices.Clone(c.history)
	c.historyMu.Unlock()

	answer := c.advisor.Advise(ctx, history, prompt)

	c.historyMu.Lock()
	c.history = append(c.history,
		assistant.Message{Role: assistant.RoleUser, Text: prompt},
		assistant.Message{Role: assistant.RoleModel, Text: answer},
	)
	if over := len(c.history) - c.cfg.HistoryLimit; over > 0 {
		c.history = slices.Delete(c.history, 0, over)
	}
	c.historyMu.Unlock()
	return answer
}

// History returns the assistant conversation, oldest first.
func (c *Center) History() []assistant.Message {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()
	return slices.Clone(c.history)
}

// --- Discovery ---

// Discover lists devices tethered over USB serial.
func (c *Center) Discover() ([]discovery.DiscoveredDevice, error) {
	if c.scanner == nil {
		return nil, ErrNoDiscovery
	}
	return c.scanner.Scan()
}
