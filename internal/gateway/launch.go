package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"relaygate/internal/pool"
	"relaygate/pkg/models"
)

// HandleLaunch is the legacy launch path: acquire (or reuse) a pooled browser
// instance for the caller and proxy raw CDP frames to its debug endpoint.
// No device is involved; the pooled instance stands in for one.
func (g *Gateway) HandleLaunch(w http.ResponseWriter, r *http.Request) {
	if g.cfg.LaunchToken != "" && !g.tokenOK(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req models.LaunchRequest
	if opts := r.URL.Query().Get("launchOptions"); opts != "" {
		if err := json.Unmarshal([]byte(opts), &req); err != nil {
			http.Error(w, "invalid launchOptions: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	if u := r.URL.Query().Get("url"); u != "" {
		req.URL = u
	}

	inst, err := g.pool.Acquire(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, pool.ErrAtCapacity):
			// Immediately fatal for the launch request; the core never retries.
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		case errors.Is(err, pool.ErrArgsMismatch):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("launch upgrade failed", zap.Error(err))
		g.releaseEphemeral(inst)
		return
	}
	defer clientConn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	browserConn, _, err := websocket.DefaultDialer.DialContext(ctx, inst.Endpoint.WebSocketURL, nil)
	if err != nil {
		g.log.Error("failed to connect to browser instance",
			zap.String("instanceId", inst.ID), zap.Error(err))
		clientConn.WriteJSON(&models.Message{
			Error: &models.ErrorPayload{Code: -32000, Message: "browser instance unavailable"},
		})
		g.releaseEphemeral(inst)
		return
	}
	defer browserConn.Close()

	touchKey := inst.UserID
	if touchKey == "" {
		touchKey = inst.ID
	}

	g.log.Info("launch session connected",
		zap.String("instanceId", inst.ID), zap.String("userId", inst.UserID))

	errChan := make(chan error, 2)
	go func() {
		errChan <- g.proxyFrames(clientConn, browserConn, touchKey)
	}()
	go func() {
		errChan <- g.proxyFrames(browserConn, clientConn, touchKey)
	}()

	if err := <-errChan; err != nil && err != io.EOF {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
			g.log.Warn("launch proxy error", zap.String("instanceId", inst.ID), zap.Error(err))
		}
	}

	g.log.Info("launch session closed", zap.String("instanceId", inst.ID))
	g.releaseEphemeral(inst)
}

// proxyFrames copies frames one direction, refreshing the instance's
// activity clock so the idle sweep never reclaims a busy instance.
func (g *Gateway) proxyFrames(src, dst *websocket.Conn, touchKey string) error {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			return err
		}
		g.pool.Touch(touchKey)
		if err := dst.WriteMessage(messageType, message); err != nil {
			return err
		}
	}
}

// releaseEphemeral stops single-use instances when their controlling channel
// goes away; per-user instances stay pooled until the sweep or a stop request.
func (g *Gateway) releaseEphemeral(inst *pool.Instance) {
	if !inst.Ephemeral {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := g.pool.Release(ctx, inst.ID); err != nil && !errors.Is(err, pool.ErrNotFound) {
		g.log.Warn("failed to release ephemeral instance",
			zap.String("instanceId", inst.ID), zap.Error(err))
	}
}
