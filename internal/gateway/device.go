package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"relaygate/internal/health"
	"relaygate/internal/metrics"
	"relaygate/internal/registry"
	"relaygate/internal/relay"
	"relaygate/pkg/models"
)

// ErrUnknownDevice is returned by DisconnectDevice for ids with no session.
var ErrUnknownDevice = errors.New("unknown device")

// HandleDevice terminates one device channel. The first frames must complete
// the registration handshake; after that every frame is a heartbeat, a CDP
// response, or a CDP event.
func (g *Gateway) HandleDevice(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("device upgrade failed", zap.Error(err))
		return
	}
	sender := newWSConn(conn)
	defer conn.Close()

	var (
		deviceID      string
		tracker       *health.Tracker
		registered    bool
		stopHeartbeat chan struct{}
	)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var msg models.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			// Malformed JSON is answered locally; the socket stays open.
			sender.SendMessage(&models.Message{
				Error: &models.ErrorPayload{Code: relay.CodeParseError, Message: "invalid JSON message"},
			})
			continue
		}

		switch msg.Kind() {
		case models.KindControl:
			switch msg.Type {
			case models.TypeDeviceRegister:
				if registered {
					// Re-registration on a live socket just refreshes metadata.
					g.applyRegister(sender, &msg, deviceID)
					continue
				}
				id, t, ok := g.register(sender, &msg)
				if !ok {
					continue
				}
				deviceID = id
				registered = true
				tracker = t
				stopHeartbeat = make(chan struct{})
				go g.heartbeat(deviceID, sender, tracker, stopHeartbeat)

			case models.TypeConnectionInfo:
				if !registered {
					sender.SendMessage(&models.Message{
						Error: &models.ErrorPayload{Code: relay.CodeInvalidRequest, Message: "connection_info before device_register"},
					})
					continue
				}
				var info models.ConnectionInfo
				if err := json.Unmarshal(msg.Params, &info); err != nil {
					sender.SendMessage(&models.Message{
						Error: &models.ErrorPayload{Code: relay.CodeInvalidRequest, Message: "invalid connection_info payload"},
					})
					continue
				}
				g.reg.UpdateConnection(deviceID, info)
				g.reg.Touch(deviceID, time.Now())

			case models.TypePing:
				sender.SendMessage(&models.Message{Type: models.TypePong})
				if registered {
					g.reg.Touch(deviceID, time.Now())
				}

			case models.TypePong:
				if registered {
					tracker.AckReceived()
					g.reg.Touch(deviceID, time.Now())
				}
			}

		case models.KindCommand, models.KindResponse, models.KindEvent:
			if !registered {
				sender.SendMessage(&models.Message{
					ID:    msg.ID,
					Error: &models.ErrorPayload{Code: relay.CodeInvalidRequest, Message: "device not registered"},
				})
				continue
			}
			g.reg.Touch(deviceID, time.Now())
			if dev, ok := g.reg.Lookup(deviceID); ok {
				g.engine.HandleDeviceFrame(dev, &msg)
			}

		default:
			sender.SendMessage(&models.Message{
				Error: &models.ErrorPayload{Code: relay.CodeInvalidRequest, Message: "unclassifiable message"},
			})
		}
	}

	if stopHeartbeat != nil {
		close(stopHeartbeat)
	}
	if !registered {
		return
	}

	// A fresh registration may have taken over this device id; the superseded
	// handler only has to let go of its socket.
	if !g.reg.Owns(deviceID, sender) {
		g.clearSession(deviceID, sender)
		return
	}

	retry, delay := tracker.SocketClosed()
	if !retry {
		g.teardownDevice(deviceID, sender, "device disconnected")
		return
	}

	g.reg.SetState(deviceID, models.StateReconnecting)
	g.log.Info("device connection lost, awaiting reconnect",
		zap.String("deviceId", deviceID), zap.Duration("window", delay))
	go g.superviseReconnect(deviceID, sender, tracker, delay)
}

// register processes a device_register frame and installs the registration,
// closing any superseded socket for the same device id.
func (g *Gateway) register(sender *wsConn, msg *models.Message) (string, *health.Tracker, bool) {
	var params models.DeviceRegisterParams
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.DeviceID == "" {
		sender.SendMessage(&models.Message{
			Error: &models.ErrorPayload{Code: relay.CodeInvalidRequest, Message: "invalid device_register payload"},
		})
		return "", nil, false
	}

	now := time.Now()
	dev := &registry.Device{
		ID:           params.DeviceID,
		Info:         params.DeviceInfo,
		Sender:       sender,
		RegisteredAt: now,
		LastSeen:     now,
		State:        models.StateConnected,
	}
	if params.ConnectionInfo != nil {
		dev.Connection = *params.ConnectionInfo
	}

	tracker := health.NewTracker(health.Config{
		MaxMissed:   g.cfg.HeartbeatMisses,
		BackoffBase: g.cfg.ReconnectBase,
		BackoffCap:  g.cfg.ReconnectCap,
		MaxAttempts: g.cfg.ReconnectMax,
	})
	tracker.Connected()

	prev := g.reg.Register(dev)
	if prev != nil && prev.Sender != nil && prev.Sender != registry.Sender(sender) {
		prev.Sender.Close()
	}
	if prev == nil {
		metrics.DevicesConnected.Inc()
	}
	g.setSession(params.DeviceID, &deviceSession{sender: sender, tracker: tracker})

	g.log.Info("device registered",
		zap.String("deviceId", params.DeviceID),
		zap.String("name", params.DeviceInfo.Name),
		zap.Bool("reconnect", prev != nil))
	return params.DeviceID, tracker, true
}

// applyRegister refreshes metadata for a repeat device_register on an
// already-registered socket.
func (g *Gateway) applyRegister(sender *wsConn, msg *models.Message, deviceID string) {
	var params models.DeviceRegisterParams
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.DeviceID != deviceID {
		sender.SendMessage(&models.Message{
			Error: &models.ErrorPayload{Code: relay.CodeInvalidRequest, Message: "invalid device_register payload"},
		})
		return
	}
	if params.ConnectionInfo != nil {
		g.reg.UpdateConnection(deviceID, *params.ConnectionInfo)
	}
	g.reg.Touch(deviceID, time.Now())
}

// heartbeat pings the device on a fixed interval. Failure closes the socket
// so the read loop funnels every failure through the same path.
func (g *Gateway) heartbeat(deviceID string, sender *wsConn, tracker *health.Tracker, stop chan struct{}) {
	ticker := time.NewTicker(g.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-g.done:
			return
		case <-ticker.C:
			d := tracker.Tick()
			if d.Failed {
				g.log.Warn("heartbeat timeout", zap.String("deviceId", deviceID))
				sender.Close()
				return
			}
			if d.SendPing {
				if err := sender.SendMessage(&models.Message{Type: models.TypePing}); err != nil {
					sender.Close()
					return
				}
			}
		}
	}
}

// superviseReconnect waits through backoff windows for the device to
// re-register. Exhausting the attempt cap evicts the device and fails its
// pending requests.
func (g *Gateway) superviseReconnect(deviceID string, old *wsConn, tracker *health.Tracker, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-g.done:
			return
		case <-timer.C:
		}

		// A fresh registration supersedes this supervisor.
		if dev, ok := g.reg.Lookup(deviceID); !ok || dev.Sender != registry.Sender(old) {
			return
		}

		giveUp, next := tracker.RetryExpired()
		if giveUp {
			g.reg.SetState(deviceID, models.StateError)
			g.log.Warn("device reconnect window exhausted", zap.String("deviceId", deviceID))
			g.teardownDevice(deviceID, old, "device connection lost")
			tracker.Finalize()
			return
		}
		g.log.Debug("device still absent, extending reconnect window",
			zap.String("deviceId", deviceID),
			zap.Int("attempt", tracker.Attempt()),
			zap.Duration("window", next))
		timer.Reset(next)
	}
}

// teardownDevice releases everything a registration owns: the registry entry,
// the gateway session, and all pending requests (answered with errors).
func (g *Gateway) teardownDevice(deviceID string, sender *wsConn, reason string) {
	if _, ok := g.reg.Unregister(deviceID); ok {
		metrics.DevicesConnected.Dec()
	}
	g.clearSession(deviceID, sender)
	g.engine.DeviceGone(deviceID, reason)
	g.log.Info("device removed", zap.String("deviceId", deviceID), zap.String("reason", reason))
}

// DisconnectDevice is the manual-disconnect path used by the HTTP API. It
// bypasses reconnection entirely.
func (g *Gateway) DisconnectDevice(deviceID string) error {
	s := g.session(deviceID)
	if s == nil {
		return ErrUnknownDevice
	}
	s.tracker.ManualDisconnect()
	g.reg.SetState(deviceID, models.StateDisconnected)
	return s.sender.Close()
}
