// Package gateway terminates the three WebSocket paths: device registration,
// automation clients, and the legacy launch path backed by the instance pool.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"relaygate/internal/config"
	"relaygate/internal/health"
	"relaygate/internal/pool"
	"relaygate/internal/registry"
	"relaygate/internal/relay"
	"relaygate/pkg/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsConn wraps a websocket connection behind the Sender/ClientConn
// interfaces. Writes are serialized; responses can arrive from a different
// goroutine than the read loop.
type wsConn struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{id: uuid.New().String(), conn: conn}
}

func (c *wsConn) ID() string {
	return c.id
}

func (c *wsConn) SendMessage(m *models.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(m)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// deviceSession is the gateway-side handle for one registered device,
// letting the API's manual-disconnect path reach the right tracker.
type deviceSession struct {
	sender  *wsConn
	tracker *health.Tracker
}

// Gateway owns the WebSocket handlers and per-device supervision.
type Gateway struct {
	cfg    config.Config
	reg    *registry.Registry
	engine *relay.Engine
	pool   *pool.Pool
	log    *zap.Logger

	mu       sync.Mutex
	sessions map[string]*deviceSession

	done chan struct{}
}

func New(cfg config.Config, reg *registry.Registry, engine *relay.Engine, p *pool.Pool, log *zap.Logger) *Gateway {
	return &Gateway{
		cfg:      cfg,
		reg:      reg,
		engine:   engine,
		pool:     p,
		log:      log,
		sessions: make(map[string]*deviceSession),
		done:     make(chan struct{}),
	}
}

// Run drives the pending-request watchdog until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			g.engine.EvictStalePending(now.Add(-g.cfg.PendingTimeout))
		}
	}
}

// Shutdown stops background supervision and closes device sockets.
func (g *Gateway) Shutdown() {
	close(g.done)

	g.mu.Lock()
	sessions := make([]*deviceSession, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	for _, s := range sessions {
		s.tracker.ManualDisconnect()
		s.sender.Close()
	}
}

func (g *Gateway) setSession(deviceID string, s *deviceSession) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions[deviceID] = s
}

func (g *Gateway) session(deviceID string) *deviceSession {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessions[deviceID]
}

func (g *Gateway) clearSession(deviceID string, sender *wsConn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.sessions[deviceID]; ok && (sender == nil || s.sender == sender) {
		delete(g.sessions, deviceID)
	}
}
