package model

import (
	"encoding/json"
	"fmt"
)

// ConnectionState is the lifecycle state of the single protocol session.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Pairing
	Connected
	Errored
)

var stateNames = map[ConnectionState]string{
	Disconnected: "DISCONNECTED",
	Pairing:      "PAIRING",
	Connected:    "CONNECTED",
	Errored:      "ERROR",
}

var stateFromName = map[string]ConnectionState{
	"DISCONNECTED": Disconnected,
	"PAIRING":      Pairing,
	"CONNECTED":    Connected,
	"ERROR":        Errored,
}

func (s ConnectionState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

func (s ConnectionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *ConnectionState) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	v, ok := stateFromName[n]
	if !ok {
		return fmt.Errorf("unknown connection state %q", n)
	}
	*s = v
	return nil
}

// PairingMaterial holds whatever the user needs to link a device. At most one
// of QR and Code is set, and both are empty outside of Pairing.
type PairingMaterial struct {
	QR    string `json:"qrCode,omitempty"`
	Code  string `json:"pairingCode,omitempty"`
	Error string `json:"pairingError,omitempty"`
}

func (p PairingMaterial) Empty() bool {
	return p.QR == "" && p.Code == ""
}
