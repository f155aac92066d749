package gateway

import (
	"net/http"

	"go.uber.org/zap"

	"relaygate/internal/relay"
	"relaygate/pkg/models"
)

// HandleCDP terminates an automation client connection. The client may pin a
// device with the deviceId query parameter; otherwise commands resolve to the
// single registered device.
func (g *Gateway) HandleCDP(w http.ResponseWriter, r *http.Request) {
	if g.cfg.CDPAuthRequired && !g.tokenOK(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	deviceID := r.URL.Query().Get("deviceId")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("client upgrade failed", zap.Error(err))
		return
	}
	c := newWSConn(conn)
	defer conn.Close()

	if err := g.engine.AddClient(c, deviceID); err != nil {
		// Bind-time rejection under the single-client policy.
		c.SendMessage(&models.Message{
			Error: &models.ErrorPayload{Code: relay.CodeDeviceBusy, Message: err.Error()},
		})
		return
	}
	defer g.engine.RemoveClient(c)

	g.log.Info("client connected",
		zap.String("connId", c.ID()), zap.String("deviceId", deviceID))

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		g.engine.HandleClientFrame(c, raw)
	}

	g.log.Info("client disconnected", zap.String("connId", c.ID()))
}

func (g *Gateway) tokenOK(r *http.Request) bool {
	if g.cfg.LaunchToken == "" {
		return true
	}
	if token := r.URL.Query().Get("token"); token == g.cfg.LaunchToken {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+g.cfg.LaunchToken
}
