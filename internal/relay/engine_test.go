package relay_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"relaygate/internal/registry"
	"relaygate/internal/relay"
	"relaygate/pkg/models"
)

// fakeConn records outbound frames; it serves as both a client connection
// and a device-side sender.
type fakeConn struct {
	id   string
	mu   sync.Mutex
	msgs []*models.Message
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) SendMessage(m *models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) messages() []*models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.Message(nil), f.msgs...)
}

func (f *fakeConn) last(t *testing.T) *models.Message {
	t.Helper()
	msgs := f.messages()
	require.NotEmpty(t, msgs)
	return msgs[len(msgs)-1]
}

func newEngine(multiClient bool) (*relay.Engine, *registry.Registry) {
	reg := registry.New()
	return relay.NewEngine(reg, relay.Options{MultiClient: multiClient, Product: "Chrome/test"}, zap.NewNop()), reg
}

func registerDevice(reg *registry.Registry, id, rootSession string) *fakeConn {
	sender := &fakeConn{id: "sock-" + id}
	now := time.Now()
	reg.Register(&registry.Device{
		ID:           id,
		Sender:       sender,
		RegisteredAt: now,
		LastSeen:     now,
		State:        models.StateConnected,
		Info:         models.DeviceInfo{Name: id, UserAgent: "Mozilla/5.0 test"},
		Connection: models.ConnectionInfo{
			SessionID: rootSession,
			TargetInfo: models.TargetInfo{
				TargetID: "target-" + id,
				Type:     "page",
				URL:      "https://example.com/" + id,
			},
		},
	})
	return sender
}

func TestCommandForwardAndResponseRouting(t *testing.T) {
	eng, reg := newEngine(true)
	devSender := registerDevice(reg, "d1", "root-1")

	client := &fakeConn{id: "c1"}
	require.NoError(t, eng.AddClient(client, ""))

	eng.HandleClientFrame(client, []byte(`{"id":1,"method":"Runtime.evaluate","params":{"expression":"1+1"}}`))

	fwd := devSender.last(t)
	assert.Equal(t, "Runtime.evaluate", fwd.Method)
	assert.JSONEq(t, `{"expression":"1+1"}`, string(fwd.Params))
	require.NotNil(t, fwd.ID)
	assert.Empty(t, fwd.SessionID)

	dev, ok := reg.Lookup("d1")
	require.True(t, ok)
	eng.HandleDeviceFrame(dev, &models.Message{
		ID:     fwd.ID,
		Result: json.RawMessage(`{"result":{"value":2}}`),
	})

	resp := client.last(t)
	require.NotNil(t, resp.ID)
	assert.Equal(t, int64(1), *resp.ID)
	assert.JSONEq(t, `{"result":{"value":2}}`, string(resp.Result))
	assert.Nil(t, resp.Error)
}

func TestConcurrentClientsGetDistinctRelayIDs(t *testing.T) {
	eng, reg := newEngine(true)
	devSender := registerDevice(reg, "d1", "root-1")

	a := &fakeConn{id: "a"}
	b := &fakeConn{id: "b"}
	require.NoError(t, eng.AddClient(a, "d1"))
	require.NoError(t, eng.AddClient(b, "d1"))

	// Both clients use id 1; the device must still be able to tell the two
	// commands apart.
	eng.HandleClientFrame(a, []byte(`{"id":1,"method":"Page.reload"}`))
	eng.HandleClientFrame(b, []byte(`{"id":1,"method":"Page.enable"}`))

	fwds := devSender.messages()
	require.Len(t, fwds, 2)
	assert.NotEqual(t, *fwds[0].ID, *fwds[1].ID)

	dev, _ := reg.Lookup("d1")
	eng.HandleDeviceFrame(dev, &models.Message{ID: fwds[1].ID, Result: json.RawMessage(`{"b":true}`)})
	eng.HandleDeviceFrame(dev, &models.Message{ID: fwds[0].ID, Result: json.RawMessage(`{"a":true}`)})

	respA := a.last(t)
	assert.Equal(t, int64(1), *respA.ID)
	assert.JSONEq(t, `{"a":true}`, string(respA.Result))

	respB := b.last(t)
	assert.Equal(t, int64(1), *respB.ID)
	assert.JSONEq(t, `{"b":true}`, string(respB.Result))
}

func TestBrowserGetVersionWithZeroDevices(t *testing.T) {
	eng, _ := newEngine(true)

	client := &fakeConn{id: "c1"}
	require.NoError(t, eng.AddClient(client, ""))

	eng.HandleClientFrame(client, []byte(`{"id":2,"method":"Browser.getVersion"}`))

	resp := client.last(t)
	require.NotNil(t, resp.ID)
	assert.Equal(t, int64(2), *resp.ID)
	assert.Nil(t, resp.Error, "getVersion is synthesized locally, never a routing error")

	var version struct {
		Product         string `json:"product"`
		ProtocolVersion string `json:"protocolVersion"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &version))
	assert.Equal(t, "Chrome/test", version.Product)
	assert.Equal(t, "1.3", version.ProtocolVersion)
}

func TestLocalMethodsNeverForwarded(t *testing.T) {
	eng, reg := newEngine(true)
	devSender := registerDevice(reg, "d1", "root-1")

	client := &fakeConn{id: "c1"}
	require.NoError(t, eng.AddClient(client, ""))

	for i, method := range []string{
		"Browser.getVersion",
		"Target.getTargets",
		"Target.getTargetInfo",
		"Target.attachToTarget",
		"Target.setAutoAttach",
		"Target.setDiscoverTargets",
	} {
		frame, err := json.Marshal(map[string]any{"id": i + 1, "method": method})
		require.NoError(t, err)
		eng.HandleClientFrame(client, frame)
	}

	assert.Empty(t, devSender.messages(), "addressing methods must not reach the device")
}

func TestTargetGetTargetsReflectsRegistry(t *testing.T) {
	eng, reg := newEngine(true)
	registerDevice(reg, "d1", "root-1")
	registerDevice(reg, "d2", "root-2")

	client := &fakeConn{id: "c1"}
	require.NoError(t, eng.AddClient(client, "d1"))

	eng.HandleClientFrame(client, []byte(`{"id":3,"method":"Target.getTargets"}`))

	resp := client.last(t)
	var result struct {
		TargetInfos []models.TargetInfo `json:"targetInfos"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Len(t, result.TargetInfos, 2)
	for _, info := range result.TargetInfos {
		assert.True(t, info.Attached)
	}
}

func TestSetAutoAttachEmitsAttachedEvent(t *testing.T) {
	eng, reg := newEngine(true)
	registerDevice(reg, "d1", "root-1")

	client := &fakeConn{id: "c1"}
	require.NoError(t, eng.AddClient(client, ""))

	eng.HandleClientFrame(client, []byte(`{"id":4,"method":"Target.setAutoAttach","params":{"autoAttach":true,"flatten":true}}`))

	msgs := client.messages()
	require.Len(t, msgs, 2)

	assert.Equal(t, "Target.attachedToTarget", msgs[0].Method)
	var params struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(msgs[0].Params, &params))
	assert.Equal(t, "root-1", params.SessionID)

	require.NotNil(t, msgs[1].ID)
	assert.Equal(t, int64(4), *msgs[1].ID)
}

func TestEventBroadcastAndResponseUnicast(t *testing.T) {
	eng, reg := newEngine(true)
	devSender := registerDevice(reg, "d1", "root-1")

	a := &fakeConn{id: "a"}
	b := &fakeConn{id: "b"}
	require.NoError(t, eng.AddClient(a, "d1"))
	require.NoError(t, eng.AddClient(b, "d1"))

	eng.HandleClientFrame(a, []byte(`{"id":5,"method":"Runtime.enable"}`))
	fwd := devSender.last(t)

	dev, _ := reg.Lookup("d1")

	event := &models.Message{Method: "Page.loadEventFired", Params: json.RawMessage(`{}`)}
	eng.HandleDeviceFrame(dev, event)

	require.Len(t, a.messages(), 1)
	require.Len(t, b.messages(), 1)
	assert.Equal(t, "Page.loadEventFired", a.last(t).Method)
	assert.Equal(t, "Page.loadEventFired", b.last(t).Method)

	eng.HandleDeviceFrame(dev, &models.Message{ID: fwd.ID, Result: json.RawMessage(`{}`)})

	assert.Len(t, a.messages(), 2, "response goes to the issuing client")
	assert.Len(t, b.messages(), 1, "responses are never broadcast")
	assert.Equal(t, int64(5), *a.last(t).ID)
}

func TestNoDeviceRoutingError(t *testing.T) {
	eng, _ := newEngine(true)

	client := &fakeConn{id: "c1"}
	require.NoError(t, eng.AddClient(client, ""))

	eng.HandleClientFrame(client, []byte(`{"id":6,"method":"Runtime.evaluate","params":{}}`))

	resp := client.last(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, relay.CodeServerError, resp.Error.Code)
	assert.Equal(t, int64(6), *resp.ID)
}

func TestUnknownDeviceRoutingError(t *testing.T) {
	eng, _ := newEngine(true)

	client := &fakeConn{id: "c1"}
	require.NoError(t, eng.AddClient(client, "ghost"))

	eng.HandleClientFrame(client, []byte(`{"id":7,"method":"Runtime.evaluate"}`))

	resp := client.last(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, relay.CodeServerError, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "ghost")
}

func TestAmbiguousDeviceSelection(t *testing.T) {
	eng, reg := newEngine(true)
	registerDevice(reg, "d1", "root-1")
	registerDevice(reg, "d2", "root-2")

	client := &fakeConn{id: "c1"}
	require.NoError(t, eng.AddClient(client, ""))

	eng.HandleClientFrame(client, []byte(`{"id":8,"method":"Runtime.evaluate"}`))

	resp := client.last(t)
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "deviceId")
}

func TestSingleClientPolicyRejectsSecondBind(t *testing.T) {
	eng, reg := newEngine(false)
	registerDevice(reg, "d1", "root-1")

	a := &fakeConn{id: "a"}
	require.NoError(t, eng.AddClient(a, "d1"))

	b := &fakeConn{id: "b"}
	err := eng.AddClient(b, "d1")
	assert.ErrorIs(t, err, relay.ErrDeviceBusy)
}

func TestMalformedJSONAnsweredLocally(t *testing.T) {
	eng, _ := newEngine(true)

	client := &fakeConn{id: "c1"}
	require.NoError(t, eng.AddClient(client, ""))

	eng.HandleClientFrame(client, []byte(`{not json`))

	resp := client.last(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, relay.CodeParseError, resp.Error.Code)
}

func TestSessionIDDiscipline(t *testing.T) {
	eng, reg := newEngine(true)
	devSender := registerDevice(reg, "d1", "root-1")

	client := &fakeConn{id: "c1"}
	require.NoError(t, eng.AddClient(client, ""))

	// Echoing the root session back is the same as omitting it.
	eng.HandleClientFrame(client, []byte(`{"id":1,"method":"Page.enable","sessionId":"root-1"}`))
	assert.Empty(t, devSender.last(t).SessionID)

	// A sub-target session passes through unchanged.
	eng.HandleClientFrame(client, []byte(`{"id":2,"method":"Page.enable","sessionId":"iframe-9"}`))
	assert.Equal(t, "iframe-9", devSender.last(t).SessionID)
}

func TestClientCloseDiscardsLateResponse(t *testing.T) {
	eng, reg := newEngine(true)
	devSender := registerDevice(reg, "d1", "root-1")

	client := &fakeConn{id: "c1"}
	require.NoError(t, eng.AddClient(client, ""))

	eng.HandleClientFrame(client, []byte(`{"id":9,"method":"Runtime.evaluate"}`))
	fwd := devSender.last(t)

	eng.RemoveClient(client)
	sent := len(client.messages())

	dev, _ := reg.Lookup("d1")
	eng.HandleDeviceFrame(dev, &models.Message{ID: fwd.ID, Result: json.RawMessage(`{}`)})

	assert.Len(t, client.messages(), sent, "late reply is discarded for lack of a recipient")
}

func TestDeviceGoneFailsPendingWithSyntheticErrors(t *testing.T) {
	eng, reg := newEngine(true)
	registerDevice(reg, "d1", "root-1")

	client := &fakeConn{id: "c1"}
	require.NoError(t, eng.AddClient(client, ""))

	eng.HandleClientFrame(client, []byte(`{"id":10,"method":"Runtime.evaluate"}`))
	require.Empty(t, client.messages())

	reg.Unregister("d1")
	eng.DeviceGone("d1", "device connection lost")

	resp := client.last(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, relay.CodeServerError, resp.Error.Code)
	assert.Equal(t, int64(10), *resp.ID)
}

func TestEvictStalePendingAnswersWithTimeout(t *testing.T) {
	eng, reg := newEngine(true)
	registerDevice(reg, "d1", "root-1")

	client := &fakeConn{id: "c1"}
	require.NoError(t, eng.AddClient(client, ""))

	eng.HandleClientFrame(client, []byte(`{"id":11,"method":"Runtime.evaluate"}`))

	eng.EvictStalePending(time.Now().Add(time.Second))

	resp := client.last(t)
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "timed out")
	assert.Equal(t, int64(11), *resp.ID)
}

func TestUpstreamErrorPassesThroughVerbatim(t *testing.T) {
	eng, reg := newEngine(true)
	devSender := registerDevice(reg, "d1", "root-1")

	client := &fakeConn{id: "c1"}
	require.NoError(t, eng.AddClient(client, ""))

	eng.HandleClientFrame(client, []byte(`{"id":12,"method":"Runtime.evaluate"}`))
	fwd := devSender.last(t)

	dev, _ := reg.Lookup("d1")
	eng.HandleDeviceFrame(dev, &models.Message{
		ID:    fwd.ID,
		Error: &models.ErrorPayload{Code: -32015, Message: "Cannot evaluate on this context"},
	})

	resp := client.last(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32015, resp.Error.Code)
	assert.Equal(t, "Cannot evaluate on this context", resp.Error.Message)
	assert.Equal(t, int64(12), *resp.ID)
}
