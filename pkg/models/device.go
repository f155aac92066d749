package models

import "time"

// ConnectionState tracks the lifecycle of a device channel. Exactly one state
// machine instance is active per device at a time.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateError        ConnectionState = "error"
)

// DeviceInfo is free-form metadata announced by the device at registration.
type DeviceInfo struct {
	Name      string `json:"name,omitempty"`
	Version   string `json:"version,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// TargetInfo describes the CDP target a device has attached to. Field names
// match the Target domain so the struct can be embedded in synthesized
// responses verbatim.
type TargetInfo struct {
	TargetID string `json:"targetId"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Attached bool   `json:"attached"`
}

// ConnectionInfo is the session descriptor a device announces for its tab.
// SessionID is the device's root session; commands addressed to it are
// treated the same as commands with no session at all.
type ConnectionInfo struct {
	SessionID  string     `json:"sessionId"`
	TargetInfo TargetInfo `json:"targetInfo"`
}

// DeviceRegisterParams is the payload of a device_register control frame.
// The combined handshake variant inlines ConnectionInfo so a device can
// register in a single frame.
type DeviceRegisterParams struct {
	DeviceID       string          `json:"deviceId"`
	DeviceInfo     DeviceInfo      `json:"deviceInfo"`
	ConnectionInfo *ConnectionInfo `json:"connectionInfo,omitempty"`
}

// DeviceSummary is the read-only snapshot returned by the device list API.
type DeviceSummary struct {
	DeviceID     string          `json:"deviceId"`
	Name         string          `json:"name,omitempty"`
	Version      string          `json:"version,omitempty"`
	State        ConnectionState `json:"state"`
	Connected    bool            `json:"connected"`
	TargetURL    string          `json:"targetUrl,omitempty"`
	SessionID    string          `json:"sessionId,omitempty"`
	RegisteredAt time.Time       `json:"registeredAt"`
	LastSeen     time.Time       `json:"lastSeen"`
}
