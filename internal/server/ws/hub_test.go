package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/positionguard/positionguard/internal/domain"
	"github.com/positionguard/positionguard/internal/guard"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBus is an in-process SignalBus backed by plain channels.
type fakeBus struct {
	mu   sync.Mutex
	subs map[string]chan []byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: make(map[string]chan []byte)}
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	ch, ok := b.subs[channel]
	b.mu.Unlock()
	if ok {
		ch <- payload
	}
	return nil
}

func (b *fakeBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan []byte, 16)
	b.subs[channel] = ch
	return ch, nil
}

func (b *fakeBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *fakeBus) hasSub(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[channel]
	return ok
}

func TestNewHubDefaults(t *testing.T) {
	h := NewHub(newFakeBus(), discardLogger(), Config{})
	assert.Equal(t, "unknown", h.mode)
	assert.False(t, h.startedAt.IsZero())
}

func TestClientSubscriptionMatching(t *testing.T) {
	c := &client{subs: map[string]bool{
		guard.ChannelCycle: true,
		"ch:x:*":           true,
	}}

	assert.True(t, c.isSubscribed(guard.ChannelCycle))
	assert.True(t, c.isSubscribed("ch:x:anything"), "wildcard suffix must match")
	assert.False(t, c.isSubscribed(guard.ChannelEpisode))
}

func TestHandleSubscription(t *testing.T) {
	c := &client{subs: map[string]bool{guard.ChannelCycle: true}}

	c.handleSubscription(subscribeMsg{Action: "subscribe", Channels: []string{guard.ChannelAlert}})
	assert.True(t, c.subs[guard.ChannelAlert])

	c.handleSubscription(subscribeMsg{Action: "unsubscribe", Channels: []string{guard.ChannelCycle}})
	assert.False(t, c.subs[guard.ChannelCycle])

	// Unknown actions are ignored.
	c.handleSubscription(subscribeMsg{Action: "nonsense", Channels: []string{"ch:other"}})
	assert.False(t, c.subs["ch:other"])
}

func TestEnvelopeFraming(t *testing.T) {
	framed, err := json.Marshal(envelope{
		Channel: guard.ChannelCycle,
		Data:    json.RawMessage(`{"wallet":"0xabc"}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"channel":"ch:cycle","data":{"wallet":"0xabc"}}`, string(framed))

	// Invalid payloads must fail framing rather than corrupt the stream.
	_, err = json.Marshal(envelope{Channel: "ch:cycle", Data: json.RawMessage(`{broken`)})
	assert.Error(t, err)
}

func TestHubDeliversBusMessagesToClients(t *testing.T) {
	bus := newFakeBus()
	hub := NewHub(bus, discardLogger(), Config{Mode: "server", Wallet: "0xabc"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// The first frame is the welcome envelope.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	assert.Equal(t, "status", env.Channel)

	var welcome map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &welcome))
	assert.Equal(t, "server", welcome["mode"])
	assert.Equal(t, "0xabc", welcome["wallet"])

	// Once the hub has subscribed, a published record must reach the client.
	require.Eventually(t, func() bool { return bus.hasSub(guard.ChannelCycle) },
		time.Second, 10*time.Millisecond)

	payload := []byte(`{"wallet":"0xabc","risk_level":"SAFE"}`)
	require.NoError(t, bus.Publish(context.Background(), guard.ChannelCycle, payload))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err = conn.ReadMessage()
	require.NoError(t, err)

	require.NoError(t, json.Unmarshal(msg, &env))
	assert.Equal(t, guard.ChannelCycle, env.Channel)
	assert.JSONEq(t, string(payload), string(env.Data))
}
