package session

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
)

// AppID identifies pairing codes produced by the center.
const AppID = "Republic-Smart-Center"

// Payload is the JSON object carried by a pairing QR code.
type Payload struct {
	App    string `json:"app,omitempty"`
	Target string `json:"target"`
}

// ValidationError reports user-correctable pairing input. It is distinct
// from system faults: the caller should ask for a new code.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return "invalid pairing data: " + e.Reason + ": " + e.Err.Error()
	}
	return "invalid pairing data: " + e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

// DecodePayload parses scanned pairing data. The data must be a JSON object
// carrying a non-empty target.
func DecodePayload(raw string) (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &p); err != nil {
		return Payload{}, &ValidationError{Reason: "not a JSON object", Err: err}
	}
	p.Target = strings.TrimSpace(p.Target)
	if p.Target == "" {
		return Payload{}, &ValidationError{Reason: "missing target"}
	}
	return p, nil
}

// EncodePayload builds the pairing payload advertised for host:port.
func EncodePayload(host, port string) (string, error) {
	if host == "" || port == "" {
		return "", fmt.Errorf("encode pairing payload: host and port are required")
	}
	data, err := json.Marshal(Payload{App: AppID, Target: net.JoinHostPort(host, port)})
	if err != nil {
		return "", fmt.Errorf("encode pairing payload: %w", err)
	}
	return string(data), nil
}
