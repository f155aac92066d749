package models

import "time"

// LaunchRequest is the optional launchOptions payload on the launch path.
// URL is the page the browser opens on launch; it is ignored when an already
// running instance is reused.
type LaunchRequest struct {
	UserID string   `json:"userId,omitempty"`
	URL    string   `json:"url,omitempty"`
	Args   []string `json:"args,omitempty"`
}

// InstanceStats describes one pooled browser instance in the stats API.
type InstanceStats struct {
	UserID       string    `json:"userId,omitempty"`
	Ephemeral    bool      `json:"ephemeral"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// PoolStats is the pool statistics API payload.
type PoolStats struct {
	Current     int             `json:"current"`
	Max         int             `json:"max"`
	IdleTimeout string          `json:"idleTimeout"`
	Instances   []InstanceStats `json:"instances"`
}
