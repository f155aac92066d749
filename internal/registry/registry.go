// Package registry is the in-memory table of registered devices and pending
// CDP request correlations. It performs no I/O; channel handlers and the
// relay engine own all socket traffic.
package registry

import (
	"sync"
	"time"

	"relaygate/pkg/models"
)

// Sender pushes frames to one peer. The websocket handlers wrap their
// connection behind this so the registry and engine never see a socket.
type Sender interface {
	SendMessage(*models.Message) error
	Close() error
}

// Device is one registered browser-side agent. The registry owns the entry;
// the device channel handler owns the Sender's socket.
type Device struct {
	ID           string
	Info         models.DeviceInfo
	Connection   models.ConnectionInfo
	Sender       Sender
	RegisteredAt time.Time
	LastSeen     time.Time
	State        models.ConnectionState
}

// PendingKey correlates a forwarded command with its eventual response.
// CDP ids are only unique per socket, so the key carries the device identity
// the relay-scoped id was issued for.
type PendingKey struct {
	DeviceID string
	RelayID  int64
}

// PendingRequest is one in-flight CDP command.
type PendingRequest struct {
	Key       PendingKey
	ConnID    string // originating client connection
	ClientID  int64  // the id the client used, restored on the response
	SessionID string
	CreatedAt time.Time
	Origin    Sender
}

// Registry is safe for concurrent use. All mutation happens under one lock;
// Lookup returns a value copy so callers never read fields being mutated.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Device
	pending map[PendingKey]*PendingRequest
}

func New() *Registry {
	return &Registry{
		devices: make(map[string]*Device),
		pending: make(map[PendingKey]*PendingRequest),
	}
}

// Register inserts or overwrites the entry for dev.ID (last-writer-wins).
// The superseded registration is returned so the caller can close its socket;
// a leaked connection is otherwise invisible to the new handler.
func (r *Registry) Register(dev *Device) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.devices[dev.ID]
	r.devices[dev.ID] = dev
	return prev
}

// Lookup returns a snapshot of the registration. Unknown ids are a normal
// outcome, not an error.
func (r *Registry) Lookup(deviceID string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dev, ok := r.devices[deviceID]
	if !ok {
		return Device{}, false
	}
	return *dev, true
}

// Owns reports whether sender is still the registered transport for deviceID.
// A handler whose socket was superseded by a fresh registration uses this to
// suppress its reconnection path.
func (r *Registry) Owns(deviceID string, sender Sender) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dev, ok := r.devices[deviceID]
	return ok && dev.Sender == sender
}

// Touch refreshes lastSeen. Called on every inbound frame including heartbeats.
func (r *Registry) Touch(deviceID string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if dev, ok := r.devices[deviceID]; ok {
		dev.LastSeen = now
	}
}

// SetState records a connection state transition.
func (r *Registry) SetState(deviceID string, state models.ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if dev, ok := r.devices[deviceID]; ok {
		dev.State = state
	}
}

// UpdateConnection replaces the session/target descriptor, e.g. when the
// device re-announces connection_info after navigating its tab.
func (r *Registry) UpdateConnection(deviceID string, info models.ConnectionInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if dev, ok := r.devices[deviceID]; ok {
		dev.Connection = info
	}
}

// Unregister removes the entry and returns it, if present.
func (r *Registry) Unregister(deviceID string) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[deviceID]
	if ok {
		delete(r.devices, deviceID)
	}
	return dev, ok
}

// Single returns the registration and total count when exactly one device is
// registered; count alone otherwise. Used by the client handler's implicit
// device selection.
func (r *Registry) Single() (Device, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.devices) == 1 {
		for _, dev := range r.devices {
			return *dev, 1
		}
	}
	return Device{}, len(r.devices)
}

// Connected returns snapshots of every device currently in the connected state.
func (r *Registry) Connected() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Device, 0, len(r.devices))
	for _, dev := range r.devices {
		if dev.State == models.StateConnected {
			out = append(out, *dev)
		}
	}
	return out
}

// Snapshot builds the read-only device list for the HTTP API. A device counts
// as connected when its state says so and it was seen within staleAfter.
func (r *Registry) Snapshot(now time.Time, staleAfter time.Duration) []models.DeviceSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.DeviceSummary, 0, len(r.devices))
	for _, dev := range r.devices {
		out = append(out, models.DeviceSummary{
			DeviceID:     dev.ID,
			Name:         dev.Info.Name,
			Version:      dev.Info.Version,
			State:        dev.State,
			Connected:    dev.State == models.StateConnected && now.Sub(dev.LastSeen) < staleAfter,
			TargetURL:    dev.Connection.TargetInfo.URL,
			SessionID:    dev.Connection.SessionID,
			RegisteredAt: dev.RegisteredAt,
			LastSeen:     dev.LastSeen,
		})
	}
	return out
}

// TrackPending records an in-flight command.
func (r *Registry) TrackPending(p *PendingRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending[p.Key] = p
}

// ResolvePending removes and returns the correlation for key.
func (r *Registry) ResolvePending(key PendingKey) (*PendingRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[key]
	if ok {
		delete(r.pending, key)
	}
	return p, ok
}

// PurgeConnection drops every pending request owned by a closed client
// connection. No delivery is attempted for them afterwards.
func (r *Registry) PurgeConnection(connID string) []*PendingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	var purged []*PendingRequest
	for key, p := range r.pending {
		if p.ConnID == connID {
			purged = append(purged, p)
			delete(r.pending, key)
		}
	}
	return purged
}

// PurgeDevice drops every pending request addressed to a device, returning
// them so the caller can answer each with a synthetic error.
func (r *Registry) PurgeDevice(deviceID string) []*PendingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	var purged []*PendingRequest
	for key, p := range r.pending {
		if key.DeviceID == deviceID {
			purged = append(purged, p)
			delete(r.pending, key)
		}
	}
	return purged
}

// EvictStalePending removes requests created before the cutoff. The watchdog
// answers each with a timeout error rather than leaking them forever.
func (r *Registry) EvictStalePending(olderThan time.Time) []*PendingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []*PendingRequest
	for key, p := range r.pending {
		if p.CreatedAt.Before(olderThan) {
			evicted = append(evicted, p)
			delete(r.pending, key)
		}
	}
	return evicted
}

// PendingCount reports the number of in-flight commands.
func (r *Registry) PendingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}
