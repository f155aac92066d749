// Package relay routes CDP traffic between automation clients and registered
// devices. For every inbound frame it decides one of three outcomes: answer
// locally (Browser/Target addressing subset), forward to the bound device, or
// deliver back to the client(s).
package relay

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"relaygate/internal/metrics"
	"relaygate/internal/registry"
	"relaygate/pkg/models"
)

// ClientConn is what the engine needs from a client channel.
type ClientConn interface {
	ID() string
	SendMessage(*models.Message) error
	Close() error
}

// Options configures routing policy.
type Options struct {
	// MultiClient allows several clients to bind the same device. Events are
	// broadcast to all of them; responses still go only to the issuer. When
	// false a second bind attempt is rejected with a device-busy error.
	MultiClient bool
	// Product is reported by the locally-handled Browser.getVersion.
	Product string
}

type client struct {
	conn      ClientConn
	requested string // deviceId supplied at connect time, may be empty
	deviceID  string // resolved binding, empty until first resolution
}

// Engine is safe for concurrent use; each channel handler calls into it from
// its own read loop.
type Engine struct {
	reg  *registry.Registry
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	clients  map[string]*client
	byDevice map[string]map[string]*client
	nextID   map[string]int64 // relay-scoped command ids, per device
}

func NewEngine(reg *registry.Registry, opts Options, log *zap.Logger) *Engine {
	if opts.Product == "" {
		opts.Product = "Chrome/relaygate"
	}
	return &Engine{
		reg:      reg,
		opts:     opts,
		log:      log,
		clients:  make(map[string]*client),
		byDevice: make(map[string]map[string]*client),
		nextID:   make(map[string]int64),
	}
}

// AddClient admits a client connection. A requested device that exists is
// bound immediately so the busy policy can reject at connect time; a missing
// one is tolerated because the device may register later.
func (e *Engine) AddClient(conn ClientConn, requestedDevice string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c := &client{conn: conn, requested: requestedDevice}
	if requestedDevice != "" {
		if _, ok := e.reg.Lookup(requestedDevice); ok {
			if err := e.bindLocked(c, requestedDevice); err != nil {
				return err
			}
		}
	}
	e.clients[conn.ID()] = c
	metrics.ClientsBound.Set(float64(len(e.clients)))
	return nil
}

// RemoveClient purges the connection's pending requests and bindings. No
// delivery is attempted for purged requests.
func (e *Engine) RemoveClient(conn ClientConn) {
	e.mu.Lock()
	c := e.clients[conn.ID()]
	delete(e.clients, conn.ID())
	if c != nil && c.deviceID != "" {
		e.unbindLocked(c)
	}
	metrics.ClientsBound.Set(float64(len(e.clients)))
	e.mu.Unlock()

	dropped := e.reg.PurgeConnection(conn.ID())
	metrics.PendingRequests.Set(float64(e.reg.PendingCount()))
	if len(dropped) > 0 {
		e.log.Debug("dropped pending requests for closed client",
			zap.String("connId", conn.ID()), zap.Int("count", len(dropped)))
	}
}

// HandleClientFrame processes one raw frame from a client connection.
// Malformed JSON is answered locally and never closes the socket.
func (e *Engine) HandleClientFrame(conn ClientConn, raw []byte) {
	var msg models.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		conn.SendMessage(errorResponse(nil, CodeParseError, "invalid JSON message"))
		return
	}

	switch msg.Kind() {
	case models.KindControl:
		if msg.Type == models.TypePing {
			conn.SendMessage(&models.Message{Type: models.TypePong})
		}
	case models.KindCommand:
		e.handleCommand(conn, &msg)
	default:
		e.log.Debug("ignoring non-command client frame",
			zap.String("connId", conn.ID()), zap.String("kind", msg.Kind().String()))
	}
}

func (e *Engine) handleCommand(conn ClientConn, msg *models.Message) {
	e.mu.Lock()
	c := e.clients[conn.ID()]
	if c == nil {
		e.mu.Unlock()
		return
	}

	if replies, handled := e.handleLocalLocked(c, msg); handled {
		e.mu.Unlock()
		for _, reply := range replies {
			conn.SendMessage(reply)
		}
		metrics.LocalHandled.WithLabelValues(msg.Method).Inc()
		return
	}

	dev, errPayload := e.deviceForLocked(c)
	if errPayload != nil {
		e.mu.Unlock()
		conn.SendMessage(&models.Message{ID: msg.ID, Error: errPayload})
		return
	}

	e.nextID[dev.ID]++
	relayID := e.nextID[dev.ID]
	e.mu.Unlock()

	// A sessionId naming the device's root session means the same thing as no
	// sessionId at all; anything else addresses a sub-target and passes
	// through unchanged.
	sessionID := msg.SessionID
	if sessionID == dev.Connection.SessionID {
		sessionID = ""
	}

	e.reg.TrackPending(&registry.PendingRequest{
		Key:       registry.PendingKey{DeviceID: dev.ID, RelayID: relayID},
		ConnID:    conn.ID(),
		ClientID:  *msg.ID,
		SessionID: msg.SessionID,
		CreatedAt: time.Now(),
		Origin:    conn,
	})
	metrics.PendingRequests.Set(float64(e.reg.PendingCount()))

	fwd := &models.Message{
		ID:        models.NewID(relayID),
		Method:    msg.Method,
		Params:    msg.Params,
		SessionID: sessionID,
	}
	if err := dev.Sender.SendMessage(fwd); err != nil {
		e.reg.ResolvePending(registry.PendingKey{DeviceID: dev.ID, RelayID: relayID})
		metrics.PendingRequests.Set(float64(e.reg.PendingCount()))
		conn.SendMessage(errorResponse(msg.ID, CodeServerError, "device unavailable"))
		return
	}
	metrics.FramesForwarded.WithLabelValues("client_to_device").Inc()
}

// HandleDeviceFrame routes a classified CDP frame arriving from a device.
// Responses go to exactly the client that issued the command; events are
// broadcast to every client bound to the device.
func (e *Engine) HandleDeviceFrame(dev registry.Device, msg *models.Message) {
	switch msg.Kind() {
	case models.KindResponse:
		key := registry.PendingKey{DeviceID: dev.ID, RelayID: *msg.ID}
		p, ok := e.reg.ResolvePending(key)
		if !ok {
			// The issuing client is gone; the reply has no recipient.
			e.log.Debug("dropping unmatched device response",
				zap.String("deviceId", dev.ID), zap.Int64("id", *msg.ID))
			return
		}
		metrics.PendingRequests.Set(float64(e.reg.PendingCount()))

		p.Origin.SendMessage(&models.Message{
			ID:        models.NewID(p.ClientID),
			Result:    msg.Result,
			Error:     msg.Error, // upstream errors pass through verbatim
			SessionID: msg.SessionID,
		})
		metrics.FramesForwarded.WithLabelValues("device_to_client").Inc()

	case models.KindEvent:
		for _, conn := range e.boundClients(dev.ID) {
			conn.SendMessage(msg)
		}
		metrics.FramesForwarded.WithLabelValues("device_event").Inc()

	default:
		e.log.Debug("ignoring unexpected device frame",
			zap.String("deviceId", dev.ID), zap.String("kind", msg.Kind().String()))
	}
}

// DeviceGone fails every pending request addressed to the device with a
// synthetic error and dissolves client bindings so clients can re-resolve
// when the device returns.
func (e *Engine) DeviceGone(deviceID, reason string) {
	purged := e.reg.PurgeDevice(deviceID)
	metrics.PendingRequests.Set(float64(e.reg.PendingCount()))
	for _, p := range purged {
		p.Origin.SendMessage(errorResponse(models.NewID(p.ClientID), CodeServerError, reason))
	}

	e.mu.Lock()
	for _, c := range e.byDevice[deviceID] {
		c.deviceID = ""
	}
	delete(e.byDevice, deviceID)
	delete(e.nextID, deviceID)
	e.mu.Unlock()
}

// EvictStalePending fails commands older than the cutoff so very old
// unanswered requests do not leak forever.
func (e *Engine) EvictStalePending(olderThan time.Time) {
	evicted := e.reg.EvictStalePending(olderThan)
	if len(evicted) == 0 {
		return
	}
	metrics.PendingRequests.Set(float64(e.reg.PendingCount()))
	for _, p := range evicted {
		p.Origin.SendMessage(errorResponse(models.NewID(p.ClientID), CodeServerError, "command timed out"))
	}
}

func (e *Engine) boundClients(deviceID string) []ClientConn {
	e.mu.Lock()
	defer e.mu.Unlock()

	conns := make([]ClientConn, 0, len(e.byDevice[deviceID]))
	for _, c := range e.byDevice[deviceID] {
		conns = append(conns, c.conn)
	}
	return conns
}

func (e *Engine) bindLocked(c *client, deviceID string) error {
	set := e.byDevice[deviceID]
	if !e.opts.MultiClient && len(set) > 0 {
		if _, already := set[c.conn.ID()]; !already {
			return ErrDeviceBusy
		}
	}
	if set == nil {
		set = make(map[string]*client)
		e.byDevice[deviceID] = set
	}
	set[c.conn.ID()] = c
	c.deviceID = deviceID
	return nil
}

func (e *Engine) unbindLocked(c *client) {
	if set := e.byDevice[c.deviceID]; set != nil {
		delete(set, c.conn.ID())
		if len(set) == 0 {
			delete(e.byDevice, c.deviceID)
		}
	}
	c.deviceID = ""
}

// deviceForLocked resolves which device the client's commands target, binding
// lazily. "No device" is a routing outcome expressed as an error payload for
// the caller's response, never a fault.
func (e *Engine) deviceForLocked(c *client) (registry.Device, *models.ErrorPayload) {
	if c.deviceID != "" {
		if dev, ok := e.reg.Lookup(c.deviceID); ok {
			return dev, nil
		}
		e.unbindLocked(c)
	}

	if c.requested != "" {
		dev, ok := e.reg.Lookup(c.requested)
		if !ok {
			return registry.Device{}, errorPayload(CodeServerError,
				fmt.Sprintf("no device registered with id %s", c.requested))
		}
		if err := e.bindLocked(c, dev.ID); err != nil {
			return registry.Device{}, errorPayload(CodeDeviceBusy, err.Error())
		}
		return dev, nil
	}

	dev, count := e.reg.Single()
	switch {
	case count == 0:
		return registry.Device{}, errorPayload(CodeServerError, "no device currently registered")
	case count > 1:
		return registry.Device{}, errorPayload(CodeServerError,
			"multiple devices registered, specify deviceId")
	}
	if err := e.bindLocked(c, dev.ID); err != nil {
		return registry.Device{}, errorPayload(CodeDeviceBusy, err.Error())
	}
	return dev, nil
}
