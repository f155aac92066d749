package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaygate/pkg/models"
)

func newTestTracker() *Tracker {
	return NewTracker(Config{
		MaxMissed:   2,
		BackoffBase: 100 * time.Millisecond,
		BackoffCap:  time.Second,
		MaxAttempts: 3,
		Jitter:      func(time.Duration) time.Duration { return 0 },
	})
}

func TestHeartbeatFailureAfterMissedAcks(t *testing.T) {
	tr := newTestTracker()
	tr.Connected()

	d := tr.Tick()
	assert.True(t, d.SendPing)
	d = tr.Tick()
	assert.True(t, d.SendPing)
	d = tr.Tick()
	assert.True(t, d.Failed, "third tick with no ack declares failure")
}

func TestAckResetsMissedCount(t *testing.T) {
	tr := newTestTracker()
	tr.Connected()

	tr.Tick()
	tr.Tick()
	tr.AckReceived()

	d := tr.Tick()
	assert.True(t, d.SendPing)
	assert.False(t, d.Failed)
}

func TestTickIgnoredWhenNotConnected(t *testing.T) {
	tr := newTestTracker()

	d := tr.Tick()
	assert.False(t, d.SendPing)
	assert.False(t, d.Failed)
}

func TestReconnectionBackoffDoubles(t *testing.T) {
	tr := newTestTracker()
	tr.Connected()

	retry, delay := tr.SocketClosed()
	require.True(t, retry)
	assert.Equal(t, 100*time.Millisecond, delay)
	assert.Equal(t, models.StateReconnecting, tr.State())

	giveUp, next := tr.RetryExpired()
	require.False(t, giveUp)
	assert.Equal(t, 200*time.Millisecond, next)

	giveUp, next = tr.RetryExpired()
	require.False(t, giveUp)
	assert.Equal(t, 400*time.Millisecond, next)
}

func TestBackoffRespectsCap(t *testing.T) {
	tr := NewTracker(Config{
		MaxMissed:   2,
		BackoffBase: 400 * time.Millisecond,
		BackoffCap:  500 * time.Millisecond,
		MaxAttempts: 5,
		Jitter:      func(time.Duration) time.Duration { return 0 },
	})
	tr.Connected()

	tr.SocketClosed()
	_, next := tr.RetryExpired()
	assert.Equal(t, 500*time.Millisecond, next)
}

func TestJitterIsAdded(t *testing.T) {
	tr := NewTracker(Config{
		MaxMissed:   2,
		BackoffBase: 100 * time.Millisecond,
		BackoffCap:  time.Second,
		MaxAttempts: 3,
		Jitter:      func(time.Duration) time.Duration { return 7 * time.Millisecond },
	})
	tr.Connected()

	_, delay := tr.SocketClosed()
	assert.Equal(t, 107*time.Millisecond, delay)
}

func TestAttemptCapForcesErrorThenDisconnected(t *testing.T) {
	tr := newTestTracker()
	tr.Connected()

	retry, _ := tr.SocketClosed()
	require.True(t, retry)

	var gaveUp bool
	for i := 0; i < 3; i++ {
		giveUp, _ := tr.RetryExpired()
		gaveUp = giveUp
		if giveUp {
			break
		}
	}
	require.True(t, gaveUp)
	assert.Equal(t, models.StateError, tr.State())
	assert.LessOrEqual(t, tr.Attempt(), 3)

	tr.Finalize()
	assert.Equal(t, models.StateDisconnected, tr.State())
}

func TestReconnectResetsAttemptCounter(t *testing.T) {
	tr := newTestTracker()
	tr.Connected()

	tr.SocketClosed()
	tr.RetryExpired()
	require.Equal(t, 1, tr.Attempt())

	tr.Connected()
	assert.Equal(t, 0, tr.Attempt())
	assert.Equal(t, models.StateConnected, tr.State())

	// A later failure starts the backoff schedule from the beginning.
	_, delay := tr.SocketClosed()
	assert.Equal(t, 100*time.Millisecond, delay)
}

func TestManualDisconnectBypassesReconnection(t *testing.T) {
	tr := newTestTracker()
	tr.Connected()

	tr.ManualDisconnect()
	retry, _ := tr.SocketClosed()
	assert.False(t, retry)
	assert.Equal(t, models.StateDisconnected, tr.State())
}

func TestStateSequenceNeverSkipsReconnecting(t *testing.T) {
	tr := newTestTracker()
	tr.Connected()
	require.Equal(t, models.StateConnected, tr.State())

	retry, _ := tr.SocketClosed()
	require.True(t, retry)
	require.Equal(t, models.StateReconnecting, tr.State())

	tr.Connected()
	assert.Equal(t, models.StateConnected, tr.State())
}
