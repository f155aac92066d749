// Package health drives the per-device connection state machine: heartbeat
// supervision, failure detection, and exponential-backoff reconnection.
//
// The Tracker holds no timers. The gateway owns the tickers and feeds
// observations in; every transition is a synchronous, testable step.
package health

import (
	"math/rand"
	"sync"
	"time"

	"relaygate/pkg/models"
)

// Config controls heartbeat and reconnection policy.
type Config struct {
	// MaxMissed is how many consecutive unacknowledged heartbeats are
	// tolerated before the connection is declared failed.
	MaxMissed int
	// BackoffBase is the first reconnection delay; each attempt doubles it.
	BackoffBase time.Duration
	// BackoffCap bounds a single delay regardless of attempt count.
	BackoffCap time.Duration
	// MaxAttempts is the reconnection attempt cap; exceeding it forces the
	// device to error and then disconnected.
	MaxAttempts int
	// Jitter returns a random addition to a delay. Tests inject a fixed
	// function; nil uses a uniform draw up to BackoffBase.
	Jitter func(max time.Duration) time.Duration
}

// Directive tells the caller what to do after a heartbeat tick.
type Directive struct {
	SendPing bool
	Failed   bool
}

// Tracker is the state machine for one device connection.
type Tracker struct {
	mu      sync.Mutex
	cfg     Config
	state   models.ConnectionState
	missed  int
	attempt int
	manual  bool
}

func NewTracker(cfg Config) *Tracker {
	if cfg.Jitter == nil {
		cfg.Jitter = func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(max)))
		}
	}
	return &Tracker{cfg: cfg, state: models.StateConnecting}
}

// State returns the current connection state.
func (t *Tracker) State() models.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connected records a successful (re)connection and resets the attempt and
// heartbeat counters.
func (t *Tracker) Connected() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = models.StateConnected
	t.missed = 0
	t.attempt = 0
}

// AckReceived records a heartbeat acknowledgement.
func (t *Tracker) AckReceived() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.missed = 0
}

// Tick runs one heartbeat interval. When too many pings went unacknowledged
// the connection is declared failed; the caller closes the socket and the
// failure funnels through SocketClosed like any other transport error.
func (t *Tracker) Tick() Directive {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != models.StateConnected {
		return Directive{}
	}
	if t.missed >= t.cfg.MaxMissed {
		return Directive{Failed: true}
	}
	t.missed++
	return Directive{SendPing: true}
}

// ManualDisconnect marks the device as deliberately closed. Subsequent
// SocketClosed observations will not schedule reconnection.
func (t *Tracker) ManualDisconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.manual = true
	t.state = models.StateDisconnected
}

// SocketClosed is the single failure path for transport errors and heartbeat
// timeouts. It returns whether a reconnection window should be opened and,
// if so, for how long.
func (t *Tracker) SocketClosed() (retry bool, delay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.manual {
		t.state = models.StateDisconnected
		return false, 0
	}
	t.state = models.StateReconnecting
	return true, t.delayLocked()
}

// RetryExpired is called when a reconnection window elapsed without the
// device re-registering. It either opens the next window or, past the
// attempt cap, moves the device to error.
func (t *Tracker) RetryExpired() (giveUp bool, nextDelay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.attempt++
	if t.attempt >= t.cfg.MaxAttempts {
		t.state = models.StateError
		return true, 0
	}
	return false, t.delayLocked()
}

// Finalize completes the error path once resources are released.
func (t *Tracker) Finalize() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = models.StateDisconnected
}

// Attempt reports the current reconnection attempt count.
func (t *Tracker) Attempt() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempt
}

func (t *Tracker) delayLocked() time.Duration {
	d := t.cfg.BackoffBase << uint(t.attempt)
	if t.cfg.BackoffCap > 0 && d > t.cfg.BackoffCap {
		d = t.cfg.BackoffCap
	}
	return d + t.cfg.Jitter(t.cfg.BackoffBase)
}
