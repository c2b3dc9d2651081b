package wifi

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"slices"
	"strings"
	"time"
)

// Encryption modes accepted by the connect form.
const (
	EncryptionWPA2 = "WPA2"
	EncryptionWEP  = "WEP"
	EncryptionOpen = "Open"
)

// Signal strength buckets reported by a scan.
const (
	SignalStrong = "strong"
	SignalMedium = "medium"
	SignalWeak   = "weak"
)

// ScanResult is one network seen by the scanner.
type ScanResult struct {
	ID       int    `json:"id"`
	SSID     string `json:"ssid"`
	Strength string `json:"strength"`
	Secure   bool   `json:"secure"`
	Saved    bool   `json:"saved"`
}

// The simulated radio always sees the same four networks.
var simulatedNetworks = []ScanResult{
	{ID: 1, SSID: "Republic_Office_5G", Strength: SignalStrong, Secure: true},
	{ID: 2, SSID: "Guest_Network", Strength: SignalMedium, Secure: true},
	{ID: 3, SSID: "Smart_Core_Hub", Strength: SignalStrong, Secure: true},
	{ID: 4, SSID: "Public_WiFi_Free", Strength: SignalWeak, Secure: false},
}

// Scan returns the visible networks after the simulated scan delay. Networks
// with a saved profile are flagged so the caller can pre-fill credentials.
func (p *Profiles) Scan(ctx context.Context) ([]ScanResult, error) {
	if err := sleep(ctx, p.scanDelay); err != nil {
		return nil, err
	}
	results := slices.Clone(simulatedNetworks)
	for i := range results {
		_, results[i].Saved = p.FindBySSID(results[i].SSID)
	}
	return results, nil
}

// MAC address modes of the connect form.
const (
	MACRandom = "random"
	MACDevice = "device"
	MACStatic = "static"
)

// DeviceMAC is the simulated hardware address used in device mode.
const DeviceMAC = "D4:F5:27:8B:11:0A"

// IPConfig is the optional static addressing of a connect request.
type IPConfig struct {
	Mode    string `json:"mode"` // dhcp or static
	Address string `json:"address,omitempty"`
	Gateway string `json:"gateway,omitempty"`
	DNS     string `json:"dns,omitempty"`
}

// ConnectRequest is the connect form.
type ConnectRequest struct {
	SSID       string    `json:"ssid"`
	Password   string    `json:"password"`
	Encryption string    `json:"encryption"`
	IP         *IPConfig `json:"ip,omitempty"`
	MACMode    string    `json:"mac_mode,omitempty"`
	StaticMAC  string    `json:"static_mac,omitempty"`
}

// Validate checks the form and fills in defaults: an empty encryption means
// WPA2 and an empty MAC mode means random.
func (r *ConnectRequest) Validate() error {
	if strings.TrimSpace(r.SSID) == "" {
		return ErrEmptySSID
	}
	if r.Encryption == "" {
		r.Encryption = EncryptionWPA2
	}
	switch r.Encryption {
	case EncryptionWPA2, EncryptionWEP:
		if r.Password == "" {
			return ErrPasswordMissing
		}
	case EncryptionOpen:
	default:
		return fmt.Errorf("%w: %q", ErrBadEncryption, r.Encryption)
	}
	if r.IP != nil && r.IP.Mode == "static" {
		if r.IP.Address == "" {
			return fmt.Errorf("static address required")
		}
		for _, f := range [][2]string{{"address", r.IP.Address}, {"gateway", r.IP.Gateway}, {"dns", r.IP.DNS}} {
			if f[1] != "" && net.ParseIP(f[1]) == nil {
				return fmt.Errorf("invalid %s %q", f[0], f[1])
			}
		}
	} else if r.IP != nil && r.IP.Mode != "" && r.IP.Mode != "dhcp" {
		return fmt.Errorf("unknown ip mode %q", r.IP.Mode)
	}
	if r.MACMode == "" {
		r.MACMode = MACRandom
	}
	switch r.MACMode {
	case MACRandom, MACDevice:
	case MACStatic:
		if hw, err := net.ParseMAC(r.StaticMAC); err != nil || len(hw) != 6 {
			return fmt.Errorf("%w: %q", ErrBadMAC, r.StaticMAC)
		}
	default:
		return fmt.Errorf("%w: %q", ErrBadMACMode, r.MACMode)
	}
	return nil
}

// mac returns the hardware address a validated request connects with.
func (r *ConnectRequest) mac() string {
	switch r.MACMode {
	case MACDevice:
		return DeviceMAC
	case MACStatic:
		hw, _ := net.ParseMAC(r.StaticMAC)
		return strings.ToUpper(hw.String())
	default:
		return RandomMAC()
	}
}

// Connect validates req, waits for the simulated association, records the
// network with the MAC address and addressing it used and marks it active.
func (p *Profiles) Connect(ctx context.Context, req ConnectRequest) (SavedNetwork, error) {
	if err := req.Validate(); err != nil {
		return SavedNetwork{}, err
	}
	if err := sleep(ctx, p.connectDelay); err != nil {
		return SavedNetwork{}, err
	}
	password := req.Password
	if req.Encryption == EncryptionOpen {
		password = ""
	}
	entry := SavedNetwork{
		SSID:       req.SSID,
		Password:   password,
		Encryption: req.Encryption,
		MAC:        req.mac(),
	}
	if req.IP != nil {
		ip := *req.IP
		entry.IP = &ip
	}
	saved, err := p.record(entry)
	if err != nil {
		return SavedNetwork{}, err
	}
	p.setActive(req.SSID)
	p.logger.Info("connected to network", "ssid", req.SSID, "encryption", req.Encryption, "mac", saved.MAC)
	return saved, nil
}

// Strength is a password strength estimate.
type Strength struct {
	Score int    `json:"score"`
	Label string `json:"label"`
}

var strengthLabels = [...]string{"too short", "weak", "medium", "very strong"}

// PasswordStrength scores pw from 0 to 3: one point for more than five
// characters, one for mixing upper case and digits, one for more than eight
// characters including a symbol. An empty password has no label.
func PasswordStrength(pw string) Strength {
	if pw == "" {
		return Strength{}
	}
	var upper, digit, symbol bool
	for _, r := range pw {
		switch {
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= '0' && r <= '9':
			digit = true
		case r >= 'a' && r <= 'z':
		default:
			symbol = true
		}
	}
	n := len([]rune(pw))
	score := 0
	if n > 5 {
		score++
	}
	if upper && digit {
		score++
	}
	if n > 8 && symbol {
		score++
	}
	return Strength{Score: score, Label: strengthLabels[score]}
}

// RandomMAC returns a random colon separated MAC address in upper case.
func RandomMAC() string {
	var b [6]byte
	_, _ = rand.Read(b[:])
	return strings.ToUpper(net.HardwareAddr(b[:]).String())
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
