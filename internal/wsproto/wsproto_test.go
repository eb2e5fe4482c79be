package wsproto

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantarc/marketfeed/internal/heartbeat"
	"github.com/quantarc/marketfeed/internal/subscription"
)

type fakeLastSeenSource struct{}

func (fakeLastSeenSource) LastSeenFor(clientID string) (time.Time, bool) { return time.Time{}, false }
func (fakeLastSeenSource) Disconnect(clientID string)                    {}
func (fakeLastSeenSource) Ping(clientID string) bool                     { return true }

type capturedSend struct {
	clientID string
	payload  []byte
	opCode   ws.OpCode
	critical bool
}

type fakeSender struct {
	mu   sync.Mutex
	sent []capturedSend
}

func (f *fakeSender) Send(clientID string, payload []byte, opCode ws.OpCode, critical bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, capturedSend{clientID, payload, opCode, critical})
	return true
}

func (f *fakeSender) last() capturedSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func decodeEnvelope(t *testing.T, f capturedSend) OutboundEnvelope {
	t.Helper()
	payload := f.payload
	if f.opCode == ws.OpBinary {
		t.Fatalf("test payload unexpectedly compressed")
	}
	var env OutboundEnvelope
	require.NoError(t, json.Unmarshal(payload, &env))
	return env
}

func newTestRouter(sender Sender) *Router {
	subs := subscription.New(0)
	cfg := DefaultConfig()
	cfg.CompressionThreshold = 1 << 20 // effectively disable compression for envelope assertions
	return New(cfg, subs, sender, nil, nil)
}

func envelope(t *testing.T, msgType string, data any) []byte {
	t.Helper()
	env := InboundEnvelope{Type: msgType, Timestamp: time.Now().UTC().Format(time.RFC3339)}
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	env.Data = raw
	b, err := json.Marshal(env)
	require.NoError(t, err)
	return b
}

func TestHandleSubscribeReturnsSubscriptionResponse(t *testing.T) {
	sender := &fakeSender{}
	r := newTestRouter(sender)

	frame := envelope(t, TypeSubscribe, map[string]any{"symbol": "AAPL", "data_type": "quote"})
	r.HandleFrame("client1", ws.OpText, frame)

	last := sender.last()
	env := decodeEnvelope(t, last)
	assert.Equal(t, TypeSubscriptionResponse, env.Type)
	assert.True(t, last.critical)
}

func TestHandleSubscribeRejectsInvalidSymbol(t *testing.T) {
	sender := &fakeSender{}
	r := newTestRouter(sender)

	frame := envelope(t, TypeSubscribe, map[string]any{"symbol": "???", "data_type": "quote"})
	r.HandleFrame("client1", ws.OpText, frame)

	last := sender.last()
	env := decodeEnvelope(t, last)
	assert.Equal(t, TypeError, env.Type)
}

func TestHandleUnknownTypeEmitsErrorFrame(t *testing.T) {
	sender := &fakeSender{}
	r := newTestRouter(sender)

	frame := envelope(t, "bogus_type", map[string]any{})
	r.HandleFrame("client1", ws.OpText, frame)

	env := decodeEnvelope(t, sender.last())
	assert.Equal(t, TypeError, env.Type)
}

func TestHandleFrameRejectsMissingMandatoryFields(t *testing.T) {
	sender := &fakeSender{}
	r := newTestRouter(sender)

	r.HandleFrame("client1", ws.OpText, []byte(`{"data":{}}`))

	env := decodeEnvelope(t, sender.last())
	assert.Equal(t, TypeError, env.Type)
}

func TestHandlePingRespondsPong(t *testing.T) {
	sender := &fakeSender{}
	r := newTestRouter(sender)

	frame := envelope(t, TypePing, map[string]any{})
	r.HandleFrame("client1", ws.OpText, frame)

	env := decodeEnvelope(t, sender.last())
	assert.Equal(t, TypePong, env.Type)
}

func TestHandleOversizedEmitsFrameTooLargeError(t *testing.T) {
	sender := &fakeSender{}
	r := newTestRouter(sender)

	r.HandleOversized("client1", 2<<20)

	env := decodeEnvelope(t, sender.last())
	assert.Equal(t, TypeError, env.Type)
	payloadJSON, err := json.Marshal(env.Data)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(payloadJSON), "max_message_size"))
}

func TestEncodeCompressesAboveThreshold(t *testing.T) {
	subs := subscription.New(0)
	cfg := DefaultConfig()
	cfg.CompressionThreshold = 16
	r := New(cfg, subs, nil, nil, nil)

	env := OutboundEnvelope{Type: TypeMarketData, Data: map[string]any{"payload": strings.Repeat("x", 200)}, Timestamp: "t", MessageID: "m"}
	encoded, opCode, err := r.Encode(env)
	require.NoError(t, err)
	assert.Equal(t, ws.OpBinary, opCode)
	assert.NotEmpty(t, encoded)
}

type fakeWatcher struct {
	mu      sync.Mutex
	watched map[string]bool
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{watched: make(map[string]bool)}
}

func (f *fakeWatcher) Watch(symbol string, dataType subscription.DataType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watched[symbol+"|"+string(dataType)] = true
}

func (f *fakeWatcher) Unwatch(symbol string, dataType subscription.DataType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watched[symbol+"|"+string(dataType)] = false
}

func (f *fakeWatcher) isWatched(symbol string, dataType subscription.DataType) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watched[symbol+"|"+string(dataType)]
}

func TestHandleSubscribeNotifiesPublisherWatch(t *testing.T) {
	sender := &fakeSender{}
	r := newTestRouter(sender)
	watcher := newFakeWatcher()
	r.SetPublisher(watcher)

	frame := envelope(t, TypeSubscribe, map[string]any{"symbol": "AAPL", "data_type": "quote"})
	r.HandleFrame("client1", ws.OpText, frame)

	assert.True(t, watcher.isWatched("AAPL", subscription.DataTypeQuote))
}

func TestHandleUnsubscribeNotifiesPublisherUnwatchWhenLastSubscriberLeaves(t *testing.T) {
	sender := &fakeSender{}
	r := newTestRouter(sender)
	watcher := newFakeWatcher()
	r.SetPublisher(watcher)

	subFrame := envelope(t, TypeSubscribe, map[string]any{"symbol": "AAPL", "data_type": "quote"})
	r.HandleFrame("client1", ws.OpText, subFrame)
	require.True(t, watcher.isWatched("AAPL", subscription.DataTypeQuote))

	env := decodeEnvelope(t, sender.last())
	subID, _ := env.Data.(map[string]any)["subscription_id"].(string)
	require.NotEmpty(t, subID)

	unsubFrame := envelope(t, TypeUnsubscribe, map[string]any{"subscription_id": subID})
	r.HandleFrame("client1", ws.OpText, unsubFrame)

	assert.False(t, watcher.isWatched("AAPL", subscription.DataTypeQuote))
}

func TestRouterUnsubscribeAllNotifiesPublisherUnwatch(t *testing.T) {
	sender := &fakeSender{}
	r := newTestRouter(sender)
	watcher := newFakeWatcher()
	r.SetPublisher(watcher)

	subFrame := envelope(t, TypeSubscribe, map[string]any{"symbol": "AAPL", "data_type": "quote"})
	r.HandleFrame("client1", ws.OpText, subFrame)
	require.True(t, watcher.isWatched("AAPL", subscription.DataTypeQuote))

	count := r.UnsubscribeAll("client1")
	assert.Equal(t, 1, count)
	assert.False(t, watcher.isWatched("AAPL", subscription.DataTypeQuote))
}

func TestRouterUnsubscribeAllRetainsSubscriptionsForReattach(t *testing.T) {
	sender := &fakeSender{}
	subs := subscription.New(0)
	cfg := DefaultConfig()
	cfg.CompressionThreshold = 1 << 20
	heartbeatCfg := heartbeat.DefaultConfig()
	heartbeatCfg.ReconnectWindow = time.Minute
	super := heartbeat.New(heartbeatCfg, fakeLastSeenSource{})
	r := New(cfg, subs, sender, super, nil)

	frame := envelope(t, TypeSubscribe, map[string]any{"symbol": "AAPL", "data_type": "quote"})
	r.HandleFrame("client1", ws.OpText, frame)

	r.UnsubscribeAll("client1")

	retained, ok := super.Reattach("client1")
	require.True(t, ok)
	require.Len(t, retained, 1)
	assert.Equal(t, "AAPL", retained[0].Symbol)
	assert.Equal(t, "quote", retained[0].DataType)
}

func TestEncodeStaysTextBelowThreshold(t *testing.T) {
	subs := subscription.New(0)
	r := New(DefaultConfig(), subs, nil, nil, nil)

	env := OutboundEnvelope{Type: TypePong, Data: map[string]any{"server_time": 1}, Timestamp: "t", MessageID: "m"}
	_, opCode, err := r.Encode(env)
	require.NoError(t, err)
	assert.Equal(t, ws.OpText, opCode)
}
